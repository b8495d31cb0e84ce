// Package process owns the child server process: spawning, polling,
// SIGTERM-based graceful shutdown, and reaping. It enforces the
// single-instance invariant (P1) and exposes the live ServerState, RCON
// attachment and player count to callers without letting them touch the
// process directly.
package process

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/circlesabound/fctrl/shared/protocol"
)

var (
	ErrProcessAlreadyRunning = errors.New("process: already running")
	ErrProcessPidError       = errors.New("process: pid unavailable")
	ErrProcessSignalError    = errors.New("process: signal delivery failed")
	ErrProcessPipeError      = errors.New("process: failed to capture stdio pipes")
)

// StdoutHandler is the pluggable callback invoked once per stdout line. It
// is realized as a function value rather than an interface with more than
// one method, and it must itself be free of hidden state beyond what the
// caller closes over -- the classifier it wraps is pure (§9).
type StdoutHandler func(line string)

// Instance is owned exclusively by the Supervisor. At most one exists at a
// time per Supervisor (P1).
type Instance struct {
	cmd       *exec.Cmd
	Pid       int
	SpawnTime time.Time

	// Config is the launch-time configuration snapshot captured so a
	// subsequent VersionInstall restart choreography can recreate this
	// Instance identically.
	Config ConfigSnapshot

	Rcon        *RconHolder
	State       *StateHolder
	PlayerCount *PlayerCount

	done chan struct{} // closed when the child process exits
	exitErr error
}

// ConfigSnapshot is the launch-time configuration captured at spawn, used
// to restart an Instance identically after a VersionInstall choreography.
type ConfigSnapshot struct {
	SavefileName string
	Hosting      bool
}

// StoppedInstance carries the exit status and captured configuration of an
// Instance that has just terminated.
type StoppedInstance struct {
	ExitErr error
	Config  ConfigSnapshot
}

// Supervisor holds an optional Instance guarded by a mutex held across
// start, stop and shortLived operations (§5 shared-resource policy).
type Supervisor struct {
	mu       sync.Mutex
	instance *Instance
	logger   *zap.Logger
}

func NewSupervisor(logger *zap.Logger) *Supervisor {
	return &Supervisor{logger: logger.Named("process")}
}

// Start spawns the child described by spec with piped stdio and launches
// the stdout/stderr reader goroutines. It fails with ErrProcessAlreadyRunning
// if an Instance already exists. Returns as soon as the child is alive.
func (s *Supervisor) Start(spec Spec, cfg ConfigSnapshot, onStdout StdoutHandler) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.instance != nil {
		return ErrProcessAlreadyRunning
	}

	if len(spec.Args) == 0 {
		return fmt.Errorf("process: empty command spec")
	}

	cmd := exec.Command(spec.Args[0], spec.Args[1:]...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Pdeathsig: syscall.SIGKILL}
	if _, err := cmd.StdinPipe(); err != nil {
		return fmt.Errorf("%w: %s", ErrProcessPipeError, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("%w: %s", ErrProcessPipeError, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("%w: %s", ErrProcessPipeError, err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("process: failed to start: %w", err)
	}

	inst := &Instance{
		cmd:         cmd,
		Pid:         cmd.Process.Pid,
		SpawnTime:   time.Now(),
		Config:      cfg,
		Rcon:        &RconHolder{},
		State:       newStateHolder(),
		PlayerCount: &PlayerCount{},
		done:        make(chan struct{}),
	}

	go s.readStdout(inst, stdout, onStdout)
	go s.readStderr(inst, stderr)
	go s.reap(inst)

	s.instance = inst
	return nil
}

// readStdout consumes the child's stdout line-by-line, invoking onStdout
// for every line. Terminates when the pipe closes (child exit).
func (s *Supervisor) readStdout(inst *Instance, r io.Reader, onStdout StdoutHandler) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if onStdout != nil {
			onStdout(line)
		}
	}
}

// readStderr drains the child's stderr into the log sink.
func (s *Supervisor) readStderr(inst *Instance, r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		s.logger.Warn("server stderr", zap.Int("pid", inst.Pid), zap.String("line", scanner.Text()))
	}
}

// reap waits for the child to exit and records its exit error on the
// Instance, then closes done.
func (s *Supervisor) reap(inst *Instance) {
	err := inst.cmd.Wait()
	inst.exitErr = err
	close(inst.done)
}

// Stop gracefully stops the current Instance. If the child has already
// exited it is reaped and its StoppedInstance returned; otherwise SIGTERM
// is sent and the caller's stop blocks until the child exits.
func (s *Supervisor) Stop() (*StoppedInstance, error) {
	s.mu.Lock()
	inst := s.instance
	s.mu.Unlock()

	if inst == nil {
		return nil, nil
	}

	select {
	case <-inst.done:
		// Already exited -- reap below.
	default:
		if inst.Pid == 0 {
			return nil, ErrProcessPidError
		}
		if err := inst.cmd.Process.Signal(syscall.SIGTERM); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrProcessSignalError, err)
		}
		<-inst.done
	}

	inst.Rcon.Close()

	s.mu.Lock()
	s.instance = nil
	s.mu.Unlock()

	return &StoppedInstance{ExitErr: inst.exitErr, Config: inst.Config}, nil
}

// Wait blocks until the current Instance exits and returns its
// StoppedInstance. Returns nil if there is no Instance.
func (s *Supervisor) Wait() *StoppedInstance {
	s.mu.Lock()
	inst := s.instance
	s.mu.Unlock()

	if inst == nil {
		return nil
	}
	<-inst.done

	s.mu.Lock()
	if s.instance == inst {
		s.instance = nil
	}
	s.mu.Unlock()

	return &StoppedInstance{ExitErr: inst.exitErr, Config: inst.Config}
}

// StartShortLived spawns a one-shot command (e.g. savefile creation) while
// holding the same mutex as Start, so no long-running Instance can begin
// concurrently. Drains stdout/stderr, waits for exit, and returns.
func (s *Supervisor) StartShortLived(ctx context.Context, spec Spec) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.instance != nil {
		return ErrProcessAlreadyRunning
	}
	if len(spec.Args) == 0 {
		return fmt.Errorf("process: empty command spec")
	}

	cmd := exec.CommandContext(ctx, spec.Args[0], spec.Args[1:]...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Pdeathsig: syscall.SIGKILL}
	if _, err := cmd.StdinPipe(); err != nil {
		return fmt.Errorf("%w: %s", ErrProcessPipeError, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("%w: %s", ErrProcessPipeError, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("%w: %s", ErrProcessPipeError, err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("process: failed to start short-lived command: %w", err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		sc := bufio.NewScanner(stdout)
		for sc.Scan() {
		}
	}()
	go func() {
		defer wg.Done()
		sc := bufio.NewScanner(stderr)
		for sc.Scan() {
		}
	}()
	wg.Wait()

	return cmd.Wait()
}

// Status reports whether the Instance is Running (with current player
// count and ServerState) or NotRunning. A premature exit -- the child
// exited without an explicit Stop -- is detected here via a non-blocking
// check and causes the Instance to be reaped.
type Status struct {
	Running     bool
	ServerState protocol.ServerState
	PlayerCount int32
}

func (s *Supervisor) Status() Status {
	s.mu.Lock()
	inst := s.instance
	s.mu.Unlock()

	if inst == nil {
		return Status{Running: false}
	}

	select {
	case <-inst.done:
		// Premature exit: reap and report NotRunning.
		s.logger.Warn("server exited without an explicit stop", zap.Int("pid", inst.Pid))
		s.mu.Lock()
		if s.instance == inst {
			s.instance = nil
		}
		s.mu.Unlock()
		return Status{Running: false}
	default:
		return Status{
			Running:     true,
			ServerState: inst.State.Get(),
			PlayerCount: inst.PlayerCount.Get(),
		}
	}
}

// SendRcon is valid only while Running and RCON attached.
func (s *Supervisor) SendRcon(cmd string) (string, error) {
	s.mu.Lock()
	inst := s.instance
	s.mu.Unlock()

	if inst == nil {
		return "", ErrRconNotConnected
	}
	return inst.Rcon.Send(cmd)
}

// Current returns the active Instance, or nil if none exists. Used by the
// controller to attach RCON and to capture a restart snapshot.
func (s *Supervisor) Current() *Instance {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.instance
}
