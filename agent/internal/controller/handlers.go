package controller

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/circlesabound/fctrl/agent/internal/process"
	"github.com/circlesabound/fctrl/agent/internal/rcon"
	"github.com/circlesabound/fctrl/agent/internal/stdoutclassifier"
	"github.com/circlesabound/fctrl/agent/internal/store"
	"github.com/circlesabound/fctrl/agent/internal/sysmetrics"
	"github.com/circlesabound/fctrl/shared/protocol"
)

// payloadAs type-asserts req.Message.Payload, reporting failure so the
// caller can reply with a descriptive Failed frame instead of panicking on
// a malformed or mis-typed inbound frame.
func payloadAs[T any](payload any) (T, bool) {
	v, ok := payload.(T)
	return v, ok
}

// ─── Server lifecycle ────────────────────────────────────────────────────

func (c *Controller) handleServerStatus(op string) {
	st := c.cfg.Supervisor.Status()
	c.completed(op, protocol.ResponseContent{
		Kind: protocol.ContentServerStatus,
		Payload: protocol.ServerStatusContent{
			Running:     st.Running,
			ServerState: st.ServerState,
			PlayerCount: st.PlayerCount,
		},
	})
}

// handleServerStart replies with exactly one terminal frame -- no Ack or
// Ongoing -- matching the single-frame Failed example in the
// cold-start-nonexistent-save end-to-end scenario.
func (c *Controller) handleServerStart(op string, payload any) {
	req, ok := payloadAs[*protocol.ServerStartRequest](payload)
	if !ok {
		c.failed(op, "malformed ServerStart payload")
		return
	}

	if req.Savefile.Kind == protocol.SavefileRefLatest {
		c.failed(op, "ServerStart does not yet support the Latest savefile reference")
		return
	}

	if c.cfg.InstallMgr.Installed() == "" {
		c.failedContent(op, protocol.BareContent(protocol.ContentNotInstalled))
		return
	}

	savePath, err := c.cfg.Savefiles.Path(req.Savefile.Name)
	if err != nil {
		c.failedContent(op, protocol.BareContent(protocol.ContentSaveNotFound))
		return
	}

	builder := c.cfg.NewBuilder()
	spec, err := builder.Hosting(savePath)
	if err != nil {
		c.failed(op, err.Error())
		return
	}

	var rconOnce sync.Once
	onStdout := c.stdoutHandlerFor(&rconOnce)
	cfgSnap := process.ConfigSnapshot{SavefileName: req.Savefile.Name, Hosting: true}
	if err := c.cfg.Supervisor.Start(spec, cfgSnap, onStdout); err != nil {
		c.failed(op, err.Error())
		return
	}

	c.completed(op, protocol.OkContent())
}

func (c *Controller) handleServerStop(op string) {
	if _, err := c.cfg.Supervisor.Stop(); err != nil {
		c.failed(op, err.Error())
		return
	}
	c.completed(op, protocol.OkContent())
}

// stdoutHandlerFor returns the StdoutHandler closure wired into
// Supervisor.Start: classify each line, mutate the Instance's shared state,
// publish to the streaming sink if one is configured, and lazily attach
// RCON the first time a state-change line is observed.
func (c *Controller) stdoutHandlerFor(rconOnce *sync.Once) process.StdoutHandler {
	return func(line string) {
		result := stdoutclassifier.Classify(line)

		inst := c.cfg.Supervisor.Current()
		if inst != nil {
			switch result.Category {
			case stdoutclassifier.CategoryServerState:
				inst.State.Set(result.To)
				rconOnce.Do(func() { c.attachRcon(inst) })
			case stdoutclassifier.CategoryJoin:
				inst.PlayerCount.Inc()
			case stdoutclassifier.CategoryLeave:
				inst.PlayerCount.Dec()
			}
		}

		if c.cfg.Sink != nil {
			c.cfg.Sink.PublishStdout(line, result)
		}
	}
}

// attachRcon dials the RCON port in the background; a failed dial leaves
// the Instance's RconHolder unattached, so SendRcon keeps returning
// ErrRconNotConnected. The caller's sync.Once means a failed dial is not
// retried by later state-change lines of the same Instance.
func (c *Controller) attachRcon(inst *process.Instance) {
	go func() {
		addr := c.cfg.RconAddr()
		password := c.cfg.RconPassword()
		client, err := rcon.Connect(context.Background(), addr, password)
		if err != nil {
			c.logger.Warn("rcon attach failed", zap.Error(err))
			return
		}
		inst.Rcon.Attach(client)
	}()
}

// ─── RCON ─────────────────────────────────────────────────────────────────

func (c *Controller) handleRconCommand(op string, payload any) {
	req, ok := payloadAs[*protocol.RconCommandRequest](payload)
	if !ok {
		c.failed(op, "malformed RconCommand payload")
		return
	}

	resp, err := c.cfg.Supervisor.SendRcon(req.Command)
	switch {
	case err == rcon.ErrEmptyCommand:
		c.failedContent(op, protocol.BareContent(protocol.ContentRconEmptyCommand))
	case err == process.ErrRconNotConnected:
		c.failedContent(op, protocol.BareContent(protocol.ContentRconNotConnected))
	case err != nil:
		c.failed(op, err.Error())
	default:
		c.completed(op, protocol.ResponseContent{Kind: protocol.ContentRconResponse, Payload: resp})
	}
}

// ─── System resources / version ──────────────────────────────────────────

func (c *Controller) handleSystemResources(ctx context.Context, op string) {
	snap, err := sysmetrics.Collect(ctx, c.cfg.InstallMgr.VersionDir())
	if err != nil {
		c.failed(op, err.Error())
		return
	}
	c.completed(op, protocol.ResponseContent{Kind: protocol.ContentSystemResources, Payload: snap})
}

func (c *Controller) handleVersionGet(op string) {
	installed := c.cfg.InstallMgr.Installed()
	if installed == "" {
		c.failedContent(op, protocol.BareContent(protocol.ContentNotInstalled))
		return
	}
	c.completed(op, protocol.ResponseContent{Kind: protocol.ContentFactorioVersion, Payload: installed})
}

// handleVersionInstall implements the three-phase Ack/Ongoing/terminal
// VersionInstall choreography. The step ordering depends on whether the
// requested version is already installed:
//
//   - Reinstall (version_from == version_to_install): stop any running
//     Instance first (the directory must be mutated in place), then install.
//   - Upgrade (version_from != version_to_install): install the new version
//     first to minimize downtime, then stop any running Instance, then
//     delete version_from.
//
// In both cases a previously running Instance is restarted against its
// captured savefile/configuration once the install step completes.
// Grounded on the teacher's agent/internal/executor.execute()'s flat
// sequence of steps with local log/fail closures and early return on first
// failure.
func (c *Controller) handleVersionInstall(ctx context.Context, op string, payload any) {
	req, ok := payloadAs[*protocol.VersionInstallRequest](payload)
	if !ok {
		c.failed(op, "malformed VersionInstall payload")
		return
	}

	c.ack(op)

	fail := func(reason string) { c.failed(op, reason) }
	progress := func(msg string) { c.ongoing(op, msg) }

	versionFrom := c.cfg.InstallMgr.Installed()
	reinstall := versionFrom != "" && versionFrom == req.Version

	var restart *process.ConfigSnapshot
	if inst := c.cfg.Supervisor.Current(); inst != nil {
		snapshot := inst.Config
		restart = &snapshot
	}

	stop := func(reason string) error {
		progress(reason)
		_, err := c.cfg.Supervisor.Stop()
		return err
	}

	install := func() error {
		progress(fmt.Sprintf("installing version %s", req.Version))
		return c.cfg.InstallMgr.Install(ctx, req.Version)
	}

	if reinstall {
		if restart != nil {
			if err := stop("Stopped for reinstall"); err != nil {
				fail(fmt.Sprintf("stopping server for reinstall: %s", err))
				return
			}
		}
		if err := install(); err != nil {
			fail(fmt.Sprintf("installing version %s: %s", req.Version, err))
			return
		}
	} else {
		if err := install(); err != nil {
			fail(fmt.Sprintf("installing version %s: %s", req.Version, err))
			return
		}
		if restart != nil {
			if err := stop("stopping running server before upgrade"); err != nil {
				fail(fmt.Sprintf("stopping server for upgrade: %s", err))
				return
			}
		}
		if versionFrom != "" {
			progress(fmt.Sprintf("removing superseded version %s", versionFrom))
			if err := c.cfg.InstallMgr.Delete(versionFrom); err != nil {
				fail(fmt.Sprintf("removing superseded version %s: %s", versionFrom, err))
				return
			}
		}
	}

	if restart != nil && restart.Hosting {
		progress("restarting server on new version")
		savePath, err := c.cfg.Savefiles.Path(restart.SavefileName)
		if err != nil {
			fail(fmt.Sprintf("restarting after install: %s", err))
			return
		}
		builder := c.cfg.NewBuilder()
		spec, err := builder.Hosting(savePath)
		if err != nil {
			fail(err.Error())
			return
		}
		var rconOnce sync.Once
		if err := c.cfg.Supervisor.Start(spec, *restart, c.stdoutHandlerFor(&rconOnce)); err != nil {
			fail(fmt.Sprintf("restarting after install: %s", err))
			return
		}
	}

	c.completed(op, protocol.OkContent())
}

// ─── Saves ────────────────────────────────────────────────────────────────

func (c *Controller) handleSaveList(op string) {
	names, err := c.cfg.Savefiles.List()
	if err != nil {
		c.failed(op, err.Error())
		return
	}
	c.completed(op, protocol.ResponseContent{Kind: protocol.ContentSaveList, Payload: names})
}

func (c *Controller) handleSaveDelete(op string, payload any) {
	req, ok := payloadAs[*protocol.SaveNameRequest](payload)
	if !ok {
		c.failed(op, "malformed SaveDelete payload")
		return
	}
	if err := c.cfg.Savefiles.Delete(req.Name); err != nil {
		c.failedContent(op, protocol.BareContent(protocol.ContentSaveNotFound))
		return
	}
	c.completed(op, protocol.OkContent())
}

func (c *Controller) handleSaveGet(op string, payload any) {
	req, ok := payloadAs[*protocol.SaveNameRequest](payload)
	if !ok {
		c.failed(op, "malformed SaveGet payload")
		return
	}
	data, err := c.cfg.Savefiles.Get(req.Name)
	if err != nil {
		c.failedContent(op, protocol.BareContent(protocol.ContentSaveNotFound))
		return
	}
	c.completed(op, protocol.ResponseContent{Kind: protocol.ContentSaveFile, Payload: data})
}

func (c *Controller) handleSaveSet(op string, payload any) {
	req, ok := payloadAs[*protocol.SaveSetRequest](payload)
	if !ok {
		c.failed(op, "malformed SaveSet payload")
		return
	}
	if err := c.cfg.Savefiles.Set(req.Name, req.Offset, req.Data, req.EOF); err != nil {
		c.failed(op, err.Error())
		return
	}
	c.completed(op, protocol.OkContent())
}

// handleSaveCreate runs the one-shot --create invocation under
// StartShortLived, which shares the Supervisor's mutex with Start so it
// cannot race a concurrently-hosted Instance (P1).
func (c *Controller) handleSaveCreate(ctx context.Context, op string) {
	c.ack(op)

	if c.cfg.InstallMgr.Installed() == "" {
		c.failedContent(op, protocol.BareContent(protocol.ContentNotInstalled))
		return
	}

	name := op // deterministic, collision-free within one operation's lifetime
	savePath := c.cfg.Savefiles.ReservePath(name)

	builder := c.cfg.NewBuilder()
	spec, err := builder.Creating(savePath, nil, nil)
	if err != nil {
		c.failed(op, err.Error())
		return
	}

	c.ongoing(op, "creating savefile")
	if err := c.cfg.Supervisor.StartShortLived(ctx, spec); err != nil {
		c.failed(op, err.Error())
		return
	}

	c.completed(op, protocol.OkContent())
}

// ─── Configuration files ──────────────────────────────────────────────────

// handleConfigGet replies with the config file's contents embedded as raw
// JSON -- every ConfigKind routed through this helper stores JSON text, so
// this avoids the base64 encoding json.Marshal would otherwise apply to a
// bare []byte payload.
func (c *Controller) handleConfigGet(op string, kind store.ConfigKind, contentKind string) {
	data, err := c.cfg.ConfigFiles.Get(kind)
	if err != nil {
		c.failed(op, fmt.Sprintf("reading %s: %s", kind, err))
		return
	}
	c.completed(op, protocol.ResponseContent{Kind: contentKind, Payload: json.RawMessage(data)})
}

func (c *Controller) handleConfigSetRaw(op string, kind store.ConfigKind, payload any) {
	data, ok := rawConfigBytes(payload)
	if !ok {
		c.failed(op, fmt.Sprintf("malformed payload for %s", kind))
		return
	}
	if err := c.cfg.ConfigFiles.Set(kind, data); err != nil {
		c.failed(op, err.Error())
		return
	}
	c.completed(op, protocol.OkContent())
}

func (c *Controller) handleConfigSetStringList(op string, kind store.ConfigKind, payload any) {
	req, ok := payloadAs[*protocol.StringListRequest](payload)
	if !ok {
		c.failed(op, fmt.Sprintf("malformed payload for %s", kind))
		return
	}
	data := marshalOrEmpty(req.Entries)
	if err := c.cfg.ConfigFiles.Set(kind, data); err != nil {
		c.failed(op, err.Error())
		return
	}
	c.completed(op, protocol.OkContent())
}

func (c *Controller) handleSecretsGet(op string) {
	data, err := c.cfg.ConfigFiles.Get(store.ConfigSecrets)
	if err != nil {
		c.failedContent(op, protocol.BareContent(protocol.ContentMissingSecrets))
		return
	}
	c.completed(op, protocol.ResponseContent{Kind: protocol.ContentConfigRcon, Payload: json.RawMessage(data)})
}

// ─── Mods ─────────────────────────────────────────────────────────────────

func (c *Controller) handleModOperation(op string, msg protocol.RequestMessage) {
	switch msg.Kind {
	case protocol.KindModListGet:
		data, err := c.cfg.ConfigFiles.Get(store.ConfigModList)
		if err != nil {
			c.completed(op, protocol.ResponseContent{Kind: protocol.ContentModList, Payload: []protocol.ModEntry{}})
			return
		}
		c.completed(op, protocol.ResponseContent{Kind: protocol.ContentModList, Payload: json.RawMessage(data)})
	case protocol.KindModListSet:
		req, ok := payloadAs[*protocol.ModListSetRequest](msg.Payload)
		if !ok {
			c.failed(op, "malformed ModListSet payload")
			return
		}
		data := marshalOrEmpty(req.Mods)
		if err := c.cfg.ConfigFiles.Set(store.ConfigModList, data); err != nil {
			c.failed(op, err.Error())
			return
		}
		c.completed(op, protocol.OkContent())
	case protocol.KindModListExtractFromSave:
		req, ok := payloadAs[*protocol.SaveNameRequest](msg.Payload)
		if !ok {
			c.failed(op, "malformed ModListExtractFromSave payload")
			return
		}
		c.handleModListExtractFromSave(op, req.Name)
	case protocol.KindModSettingsGet:
		if !c.cfg.ConfigFiles.Exists(store.ConfigModSettings) {
			c.failedContent(op, protocol.BareContent(protocol.ContentModSettingsNotInitialised))
			return
		}
		data, err := c.cfg.ConfigFiles.Get(store.ConfigModSettings)
		if err != nil {
			c.failed(op, err.Error())
			return
		}
		c.completed(op, protocol.ResponseContent{Kind: protocol.ContentModSettings, Payload: data})
	case protocol.KindModSettingsSet:
		req, ok := payloadAs[*protocol.RawBytesRequest](msg.Payload)
		if !ok {
			c.failed(op, "malformed ModSettingsSet payload")
			return
		}
		if err := c.cfg.ConfigFiles.Set(store.ConfigModSettings, req.Data); err != nil {
			c.failed(op, err.Error())
			return
		}
		c.completed(op, protocol.OkContent())
	}
}

// handleModListExtractFromSave reads the mod-list.json entry directly out
// of the savefile zip, without interpreting any other part of its format
// (§6.3's file-format Non-goal).
func (c *Controller) handleModListExtractFromSave(op string, name string) {
	data, err := c.cfg.Savefiles.Get(name)
	if err != nil {
		c.failedContent(op, protocol.BareContent(protocol.ContentSaveNotFound))
		return
	}

	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		c.failed(op, fmt.Sprintf("opening savefile as zip: %s", err))
		return
	}
	for _, f := range zr.File {
		if matchesModListEntry(f.Name) {
			rc, err := f.Open()
			if err != nil {
				c.failed(op, err.Error())
				return
			}
			defer rc.Close()
			var buf bytes.Buffer
			if _, err := buf.ReadFrom(rc); err != nil {
				c.failed(op, err.Error())
				return
			}
			c.completed(op, protocol.ResponseContent{Kind: protocol.ContentModList, Payload: json.RawMessage(buf.Bytes())})
			return
		}
	}
	c.completed(op, protocol.ResponseContent{Kind: protocol.ContentModList, Payload: []protocol.ModEntry{}})
}

func matchesModListEntry(name string) bool {
	return strings.HasSuffix(name, "mod-list.json")
}

func marshalOrEmpty(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}

func rawConfigBytes(payload any) ([]byte, bool) {
	switch v := payload.(type) {
	case *protocol.RawJSONRequest:
		return v.Data, true
	case *protocol.WhiteListSetRequest:
		data, err := json.Marshal(v)
		return data, err == nil
	case *protocol.RconConfigRequest:
		data, err := json.Marshal(v)
		return data, err == nil
	case *protocol.SecretsRequest:
		data, err := json.Marshal(v)
		return data, err == nil
	default:
		return nil, false
	}
}
