// Package state resolves where the proxy daemon keeps its on-disk state and
// which of the two siting roots applies for a given proxy port.
package state

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	homedir "github.com/mitchellh/go-homedir"
	"golang.org/x/sys/unix"
)

const (
	// EnvStateDir overrides the state directory absolutely.
	EnvStateDir = "STATE_DIR_OVERRIDE"
	// EnvProxyPort overrides the proxy port (1-65535; invalid values ignored).
	EnvProxyPort = "PROXY_PORT_OVERRIDE"
	// EnvHTTPS forces HTTPS mode when set to 1/true.
	EnvHTTPS = "HTTPS_ENABLE"
	// EnvBypass makes the app runner exec the command directly, skipping portless.
	EnvBypass = "BYPASS"

	// DefaultPort is the proxy port used when nothing overrides it.
	DefaultPort = 1355

	systemRoot = "/tmp/portless"
	userDir    = ".portless"
)

// Dir is a resolved state directory. System directories are shared between
// root and non-root processes, so files inside them are created with
// permissive modes.
type Dir struct {
	Path   string
	System bool
}

// Locate resolves the state directory for a proxy listening on port. An
// explicit env override wins; otherwise privileged ports (< 1024) site under
// the system root so a root-started daemon and non-root registrants can share
// the route file.
func Locate(port int) (Dir, error) {
	if override := strings.TrimSpace(os.Getenv(EnvStateDir)); override != "" {
		return Dir{Path: override}, nil
	}
	if port < 1024 {
		return Dir{Path: systemRoot, System: true}, nil
	}
	home, err := homedir.Dir()
	if err != nil {
		return Dir{}, fmt.Errorf("resolve home directory: %w", err)
	}
	return Dir{Path: filepath.Join(home, userDir)}, nil
}

// Ensure creates the directory. The system root gets mode 1777 (sticky,
// world-writable) so any user can register routes against a root daemon.
func (d Dir) Ensure() error {
	mode := os.FileMode(0o755)
	if d.System {
		mode = os.FileMode(0o777) | os.ModeSticky
	}
	if err := os.MkdirAll(d.Path, mode); err != nil {
		return err
	}
	// MkdirAll applies the umask; chmod to the exact mode we need.
	return os.Chmod(d.Path, mode)
}

// FileMode is the mode for shared files inside this directory: world-writable
// in the system root so other users can rewrite the route table.
func (d Dir) FileMode() os.FileMode {
	if d.System {
		return 0o666
	}
	return 0o644
}

func (d Dir) RoutesPath() string    { return filepath.Join(d.Path, "routes.json") }
func (d Dir) LockPath() string      { return filepath.Join(d.Path, "routes.lock") }
func (d Dir) PortPath() string      { return filepath.Join(d.Path, "proxy.port") }
func (d Dir) PidPath() string       { return filepath.Join(d.Path, "proxy.pid") }
func (d Dir) TLSMarkerPath() string { return filepath.Join(d.Path, "proxy.tls") }
func (d Dir) LogPath() string       { return filepath.Join(d.Path, "proxy.log") }
func (d Dir) CertDir() string       { return filepath.Join(d.Path, "certs") }

// WriteFile writes data with the directory's shared-file mode and, when this
// process is elevated, hands ownership back to the invoking user.
func (d Dir) WriteFile(path string, data []byte) error {
	if err := os.WriteFile(path, data, d.FileMode()); err != nil {
		return err
	}
	if err := os.Chmod(path, d.FileMode()); err != nil {
		return err
	}
	return RestoreInvokerOwnership(path)
}

// RestoreInvokerOwnership chowns path to the sudo-invoking user when the
// current process runs under elevation. Without elevation it is a no-op.
func RestoreInvokerOwnership(path string) error {
	if os.Geteuid() != 0 {
		return nil
	}
	uid, uidErr := strconv.Atoi(os.Getenv("SUDO_UID"))
	gid, gidErr := strconv.Atoi(os.Getenv("SUDO_GID"))
	if uidErr != nil || gidErr != nil || uid <= 0 {
		return nil
	}
	return unix.Chown(path, uid, gid)
}

// ProxyPort returns the configured proxy port: env override first, then the
// config-file default, then DefaultPort.
func ProxyPort(cfg Config) int {
	if raw := strings.TrimSpace(os.Getenv(EnvProxyPort)); raw != "" {
		if port, err := strconv.Atoi(raw); err == nil && port >= 1 && port <= 65535 {
			return port
		}
	}
	if cfg.Port >= 1 && cfg.Port <= 65535 {
		return cfg.Port
	}
	return DefaultPort
}

// HTTPSForced reports whether the env forces HTTPS mode.
func HTTPSForced() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(EnvHTTPS))) {
	case "1", "true":
		return true
	}
	return false
}

// Bypassed reports whether the app runner should skip portless entirely.
func Bypassed() bool {
	switch strings.TrimSpace(os.Getenv(EnvBypass)) {
	case "0", "skip":
		return true
	}
	return false
}
