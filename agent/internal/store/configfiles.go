package store

import (
	"errors"
	"os"
	"path/filepath"
)

// ErrMissingSecrets is returned when the secrets file has never been
// initialised and a caller requires it to exist.
var ErrMissingSecrets = errors.New("store: secrets not configured")

// ConfigKind names one of the fixed configuration files the Agent's
// request handlers read and write (§6.3): admin list, ban list,
// whitelist, rcon config, secrets, server settings.
type ConfigKind string

const (
	ConfigAdminList      ConfigKind = "admin-list.json"
	ConfigBanList        ConfigKind = "ban-list.json"
	ConfigWhiteList      ConfigKind = "whitelist.json"
	ConfigRcon           ConfigKind = "rcon.json"
	ConfigSecrets        ConfigKind = "secrets.json"
	ConfigServerSettings ConfigKind = "server-settings.json"
	ConfigModList        ConfigKind = "mod-list.json"
	ConfigModSettings    ConfigKind = "mod-settings.dat"
)

// ConfigFiles reads and writes the fixed set of configuration files under a
// single directory, atomically where possible. It has no knowledge of what
// each file's JSON schema is -- callers marshal/unmarshal their own typed
// payloads before/after calling Get/Set.
type ConfigFiles struct {
	dir string
}

func NewConfigFiles(dir string) *ConfigFiles { return &ConfigFiles{dir: dir} }

func (c *ConfigFiles) path(kind ConfigKind) string {
	return filepath.Join(c.dir, string(kind))
}

// Exists reports whether the given config file has ever been written.
func (c *ConfigFiles) Exists(kind ConfigKind) bool {
	_, err := os.Stat(c.path(kind))
	return err == nil
}

// Get reads the raw bytes of kind. If the file has never been written it
// returns nil and an error satisfying errors.Is(err, os.ErrNotExist) so
// callers can read-or-initialize per
// §4.5's ServerStart semantics.
func (c *ConfigFiles) Get(kind ConfigKind) ([]byte, error) {
	return os.ReadFile(c.path(kind))
}

// Set writes data for kind atomically: write to a sibling temp file, then
// rename into place, so a reader never observes a partially-written file.
func (c *ConfigFiles) Set(kind ConfigKind, data []byte) error {
	if err := os.MkdirAll(c.dir, 0750); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(c.dir, string(kind)+".*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, c.path(kind)); err != nil {
		return err
	}
	success = true
	return nil
}
