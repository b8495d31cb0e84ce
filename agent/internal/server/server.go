// Package server implements AgentServer: the Agent's WebSocket listener.
// Unlike both example repos in the reference pack, where the long-running
// process initiates an outbound connection to a central server, here the
// Agent is the connection's server side -- the Management Server dials in
// (possibly more than once, possibly never, entirely at its own
// discretion) and the Agent accepts whatever connections arrive.
package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/circlesabound/fctrl/agent/internal/controller"
	"github.com/circlesabound/fctrl/agent/internal/stdoutclassifier"
	"github.com/circlesabound/fctrl/shared/protocol"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server owns the HTTP listener and the set of live peer connections. Each
// accepted connection gets its own Controller and a companion goroutine
// draining the shared stdout bus -- torn down together on disconnect.
type Server struct {
	addr       string
	newCfg     func() controller.Config
	logger     *zap.Logger
	bus        *stdoutBus
	httpServer *http.Server

	mu    sync.Mutex
	peers map[*peer]struct{}
}

type peer struct {
	conn   *websocket.Conn
	cancel context.CancelFunc
}

func New(addr string, newCfg func() controller.Config, logger *zap.Logger) *Server {
	s := &Server{
		addr:   addr,
		newCfg: newCfg,
		logger: logger.Named("agentserver"),
		bus:    newStdoutBus(),
		peers:  make(map[*peer]struct{}),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleWS)
	s.httpServer = &http.Server{Addr: addr, Handler: mux}
	return s
}

// PublishStdout implements controller.StdoutEventSink: every Controller
// shares this single Server instance as its sink, so a classified line from
// the one supervised process fans out to every connected peer.
func (s *Server) PublishStdout(raw string, result stdoutclassifier.Result) {
	s.bus.publish(protocol.AgentStreamingMessage{
		Timestamp: time.Now().UTC(),
		Content:   protocol.StreamingContent{ServerStdout: raw},
	})
}

// ListenAndServe blocks until ctx is cancelled or the listener fails.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &peer{conn: conn, cancel: cancel}

	s.mu.Lock()
	s.peers[p] = struct{}{}
	s.mu.Unlock()

	s.logger.Info("peer connected", zap.String("remote", r.RemoteAddr))

	cfg := s.newCfg()
	cfg.Sink = s
	ctrl := controller.New(conn, cfg)

	sub := s.bus.subscribe()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.pumpStdout(ctx, ctrl, sub)
	}()
	go func() {
		defer wg.Done()
		ctrl.Run(ctx)
		cancel()
	}()

	wg.Wait()
	s.bus.unsubscribe(sub)
	conn.Close()

	s.mu.Lock()
	delete(s.peers, p)
	s.mu.Unlock()

	s.logger.Info("peer disconnected", zap.String("remote", r.RemoteAddr))
}

// pumpStdout forwards every message published to the bus as a text frame to
// this one peer. Writes go through ctrl.WriteRaw rather than the raw conn,
// since gorilla/websocket permits at most one concurrent writer and the
// Controller's own response frames share the same connection.
func (s *Server) pumpStdout(ctx context.Context, ctrl *controller.Controller, sub <-chan protocol.AgentStreamingMessage) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub:
			if !ok {
				return
			}
			if err := ctrl.WriteRaw(msg); err != nil {
				return
			}
		}
	}
}
