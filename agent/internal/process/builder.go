package process

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// LaunchSettings configures the binds and RCON credentials passed to every
// invocation.
type LaunchSettings struct {
	ServerBind string
	RconBind   string
	RconPassword string
}

// Paths locates every file/directory the builder needs to assemble a
// command line. The core treats these as opaque paths -- it never
// interprets file contents beyond "a file exists at path P" (§6.3).
type Paths struct {
	InstallDir      string // active version's installation root
	SavesDir        string
	ModsDir         string
	ServerSettings  string
	AdminList       string
	BanList         string
	WhiteList       string
	WhiteListEnabled bool
}

// Builder assembles the command line, environment, temp files and piped
// I/O configuration for one invocation. Two terminal shapes are supported:
// Hosting (start-server against a specific save) and Creating (one-shot
// --create with optional map settings).
type Builder struct {
	Paths    Paths
	Launch   LaunchSettings
	BinaryPath func(installDir string) string
}

// Spec is the fully-resolved shape of a single invocation, ready to be
// handed to exec.Command.
type Spec struct {
	Args []string
	// TempFiles lists paths written for this invocation. The core does not
	// delete them synchronously -- see §9's temp-file-lifecycle note -- the
	// OS temp directory is the collaborator responsible for eventual
	// cleanup.
	TempFiles []string
}

func defaultBinaryPath(installDir string) string {
	return filepath.Join(installDir, "bin", "x64", "factorio")
}

func NewBuilder(paths Paths, launch LaunchSettings) *Builder {
	return &Builder{Paths: paths, Launch: launch, BinaryPath: defaultBinaryPath}
}

// Hosting assembles a start-server invocation against savefilePath.
func (b *Builder) Hosting(savefilePath string) (Spec, error) {
	if savefilePath == "" {
		return Spec{}, fmt.Errorf("process: savefile path must not be empty")
	}

	bin := b.BinaryPath(b.Paths.InstallDir)
	args := []string{
		bin,
		"--start-server", savefilePath,
		"--server-settings", b.Paths.ServerSettings,
		"--server-adminlist", b.Paths.AdminList,
		"--server-banlist", b.Paths.BanList,
		"--rcon-bind", b.Launch.RconBind,
		"--rcon-password", b.Launch.RconPassword,
		"--bind", b.Launch.ServerBind,
	}
	if b.Paths.WhiteListEnabled {
		args = append(args, "--use-server-whitelist", "true", "--server-whitelist", b.Paths.WhiteList)
	}
	if b.Paths.ModsDir != "" {
		args = append(args, "--mod-directory", b.Paths.ModsDir)
	}

	return Spec{Args: args}, nil
}

// Creating assembles a one-shot --create invocation, optionally with
// map-gen-settings and map-settings written to uniquely-named temp files.
func (b *Builder) Creating(savefilePath string, mapGenSettings, mapSettings []byte) (Spec, error) {
	if savefilePath == "" {
		return Spec{}, fmt.Errorf("process: savefile path must not be empty")
	}

	bin := b.BinaryPath(b.Paths.InstallDir)
	args := []string{bin, "--create", savefilePath}
	var temps []string

	if mapGenSettings != nil {
		p, err := writeUniqueTempFile("map-gen-settings", mapGenSettings)
		if err != nil {
			return Spec{}, err
		}
		args = append(args, "--map-gen-settings", p)
		temps = append(temps, p)
	}
	if mapSettings != nil {
		p, err := writeUniqueTempFile("map-settings", mapSettings)
		if err != nil {
			return Spec{}, err
		}
		args = append(args, "--map-settings", p)
		temps = append(temps, p)
	}

	return Spec{Args: args, TempFiles: temps}, nil
}

// writeUniqueTempFile writes data to a UUID-named file in the OS temp
// directory. Uniqueness tolerates concurrent calls without a cleanup
// coordination protocol -- see §9.
func writeUniqueTempFile(prefix string, data []byte) (string, error) {
	name := fmt.Sprintf("%s-%s.json", prefix, uuid.NewString())
	path := filepath.Join(os.TempDir(), name)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("process: writing temp file %q: %w", path, err)
	}
	return path, nil
}
