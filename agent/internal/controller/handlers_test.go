package controller

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/circlesabound/fctrl/agent/internal/install"
	"github.com/circlesabound/fctrl/agent/internal/process"
	"github.com/circlesabound/fctrl/shared/protocol"
)

// emptyTarGzDownloader returns a Downloader that always succeeds with a
// valid, empty tar.gz stream -- enough for install.Manager.Install to
// extract zero entries and mark the version installed, without needing a
// real release archive.
func emptyTarGzDownloader() install.Downloader {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	tw.Close()
	gz.Close()
	data := buf.Bytes()

	return func(ctx context.Context, version string) (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	}
}

// testController wires a Controller to a live WebSocket connection pair
// (via httptest) so Controller.send can write real frames, and returns the
// client-side conn the test reads response frames from.
func testController(t *testing.T) (*Controller, *websocket.Conn) {
	t.Helper()

	var upgrader websocket.Upgrader
	controllerCh := make(chan *Controller, 1)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		rootDir := t.TempDir()
		cfg := Config{
			Supervisor: process.NewSupervisor(zap.NewNop()),
			InstallMgr: install.NewManager(rootDir, emptyTarGzDownloader()),
			Logger:     zap.NewNop(),
		}
		controllerCh <- New(conn, cfg)
	}))
	t.Cleanup(server.Close)

	wsURL := "ws" + server.URL[len("http"):]
	clientConn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { clientConn.Close() })

	c := <-controllerCh
	return c, clientConn
}

// readFrame reads and decodes the next AgentResponseEnvelope from conn,
// failing the test if none arrives within the timeout.
func readFrame(t *testing.T, conn *websocket.Conn) protocol.AgentResponseEnvelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env protocol.AgentResponseEnvelope
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatalf("reading response frame: %v", err)
	}
	return env
}

func installedVersionDirs(t *testing.T, rootDir string) []string {
	t.Helper()
	entries, err := os.ReadDir(rootDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		t.Fatalf("reading root dir: %v", err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			out = append(out, e.Name())
		}
	}
	return out
}

func TestHandleVersionInstall_FreshInstallHasNoSupersededVersionToDelete(t *testing.T) {
	c, clientConn := testController(t)

	go c.handleVersionInstall(context.Background(), "op-1", &protocol.VersionInstallRequest{Version: "1.1.104"})

	ack := readFrame(t, clientConn)
	if ack.Status != protocol.StatusAck {
		t.Fatalf("first frame status = %q, want %q", ack.Status, protocol.StatusAck)
	}
	var terminal protocol.AgentResponseEnvelope
	for {
		env := readFrame(t, clientConn)
		if env.Status.IsTerminal() {
			terminal = env
			break
		}
	}
	if terminal.Status != protocol.StatusCompleted {
		t.Fatalf("terminal status = %q, want %q", terminal.Status, protocol.StatusCompleted)
	}
	if got := c.cfg.InstallMgr.Installed(); got != "1.1.104" {
		t.Errorf("Installed() = %q, want %q", got, "1.1.104")
	}
}

func TestHandleVersionInstall_ReinstallDoesNotDeleteTheSameVersion(t *testing.T) {
	c, clientConn := testController(t)

	// First install establishes 1.1.104 as the current version.
	if err := c.cfg.InstallMgr.Install(context.Background(), "1.1.104"); err != nil {
		t.Fatalf("seed install failed: %v", err)
	}
	rootDir := filepath.Dir(c.cfg.InstallMgr.VersionDir())

	go c.handleVersionInstall(context.Background(), "op-reinstall", &protocol.VersionInstallRequest{Version: "1.1.104"})

	readFrame(t, clientConn) // Ack
	var terminal protocol.AgentResponseEnvelope
	for {
		env := readFrame(t, clientConn)
		if env.Status.IsTerminal() {
			terminal = env
			break
		}
	}
	if terminal.Status != protocol.StatusCompleted {
		t.Fatalf("terminal status = %q, want %q", terminal.Status, protocol.StatusCompleted)
	}

	if got := c.cfg.InstallMgr.Installed(); got != "1.1.104" {
		t.Errorf("Installed() = %q, want %q after reinstall", got, "1.1.104")
	}
	dirs := installedVersionDirs(t, rootDir)
	if len(dirs) != 1 || dirs[0] != "1.1.104" {
		t.Errorf("version dirs on disk = %v, want only [1.1.104]", dirs)
	}
}

func TestHandleVersionInstall_UpgradeDeletesSupersededVersion(t *testing.T) {
	c, clientConn := testController(t)

	if err := c.cfg.InstallMgr.Install(context.Background(), "1.1.104"); err != nil {
		t.Fatalf("seed install failed: %v", err)
	}
	rootDir := filepath.Dir(c.cfg.InstallMgr.VersionDir())

	go c.handleVersionInstall(context.Background(), "op-upgrade", &protocol.VersionInstallRequest{Version: "2.0.0"})

	readFrame(t, clientConn) // Ack
	var terminal protocol.AgentResponseEnvelope
	for {
		env := readFrame(t, clientConn)
		if env.Status.IsTerminal() {
			terminal = env
			break
		}
	}
	if terminal.Status != protocol.StatusCompleted {
		t.Fatalf("terminal status = %q, want %q", terminal.Status, protocol.StatusCompleted)
	}

	if got := c.cfg.InstallMgr.Installed(); got != "2.0.0" {
		t.Errorf("Installed() = %q, want %q after upgrade", got, "2.0.0")
	}
	dirs := installedVersionDirs(t, rootDir)
	if len(dirs) != 1 || dirs[0] != "2.0.0" {
		t.Errorf("version dirs on disk = %v, want only [2.0.0] (1.1.104 must be deleted)", dirs)
	}
}
