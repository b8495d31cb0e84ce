package process

import (
	"testing"
	"time"

	"go.uber.org/zap"
)

func sleeperSpec() Spec {
	return Spec{Args: []string{"/bin/sh", "-c", "echo started; sleep 30"}}
}

func TestSupervisor_SingleInstanceInvariant(t *testing.T) {
	s := NewSupervisor(zap.NewNop())

	lines := make(chan string, 8)
	if err := s.Start(sleeperSpec(), ConfigSnapshot{}, func(l string) { lines <- l }); err != nil {
		t.Fatalf("unexpected error on first start: %v", err)
	}

	if err := s.Start(sleeperSpec(), ConfigSnapshot{}, nil); err != ErrProcessAlreadyRunning {
		t.Fatalf("expected ErrProcessAlreadyRunning on second start, got %v", err)
	}

	select {
	case l := <-lines:
		if l != "started" {
			t.Fatalf("unexpected stdout line %q", l)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for stdout line")
	}

	if _, err := s.Stop(); err != nil {
		t.Fatalf("unexpected error on stop: %v", err)
	}

	status := s.Status()
	if status.Running {
		t.Fatal("expected NotRunning after stop")
	}
}

func TestSupervisor_StatusWhenNeverStarted(t *testing.T) {
	s := NewSupervisor(zap.NewNop())
	if got := s.Status(); got.Running {
		t.Fatalf("expected NotRunning, got %+v", got)
	}
}

func TestSupervisor_SendRconBeforeAttachment(t *testing.T) {
	s := NewSupervisor(zap.NewNop())
	if _, err := s.SendRcon("help"); err != ErrRconNotConnected {
		t.Fatalf("expected ErrRconNotConnected, got %v", err)
	}
}
