package daemon

import (
	"os"
	"strings"

	"portless/internal/proxy"
	"portless/internal/state"
)

// Info describes a located daemon, or the default location where one would
// be started.
type Info struct {
	Dir     state.Dir
	Port    int
	TLS     bool
	Pid     int
	Running bool
}

// Discover finds a running daemon. With an explicit state-dir override only
// that directory is consulted; otherwise the per-user root is probed first,
// then the system root. A port file alone is not proof of life: the port
// must answer with the portless identity header, which tells our proxy apart
// from whatever else may have taken the port since.
func Discover(defaultPort int) Info {
	if override := strings.TrimSpace(os.Getenv(state.EnvStateDir)); override != "" {
		dir := state.Dir{Path: override}
		if info, ok := probeDir(dir); ok {
			return info
		}
		return Info{Dir: dir, Port: defaultPort}
	}

	if home, err := state.Locate(1024); err == nil {
		if info, ok := probeDir(home); ok {
			return info
		}
	}
	if info, ok := probeDir(state.Dir{Path: systemRootPath(), System: true}); ok {
		return info
	}

	dir, err := state.Locate(defaultPort)
	if err != nil {
		dir = state.Dir{Path: "."}
	}
	return Info{Dir: dir, Port: defaultPort}
}

func probeDir(dir state.Dir) (Info, bool) {
	port, err := readIntFile(dir.PortPath())
	if err != nil {
		return Info{}, false
	}
	tls := tlsMarkerPresent(dir)
	if !proxy.ReadinessProbe(port, tls) {
		return Info{}, false
	}
	pid, _ := readIntFile(dir.PidPath())
	return Info{Dir: dir, Port: port, TLS: tls, Pid: pid, Running: true}, true
}

func systemRootPath() string {
	// The system root is fixed; reuse the locator with a privileged port so
	// the siting logic stays in one place.
	dir, err := state.Locate(80)
	if err != nil {
		return "/tmp/portless"
	}
	return dir.Path
}
