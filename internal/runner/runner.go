// Package runner registers a hostname, spawns the user's dev command with
// PORT set and keeps the route alive for exactly as long as the child runs.
package runner

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/taskcluster/shell"
	"golang.org/x/term"

	"portless/internal/daemon"
	"portless/internal/hostname"
	"portless/internal/routes"
	"portless/internal/state"
)

// Options configures one app run.
type Options struct {
	Name    string
	Command []string
	Force   bool
	Log     *logrus.Logger
}

// Run executes the full app lifecycle and returns the child's exit code.
// Configuration or registration failures return an error instead.
func Run(opts Options) (int, error) {
	log := opts.Log
	if log == nil {
		log = logrus.New()
	}
	if len(opts.Command) == 0 {
		return 0, fmt.Errorf("no command given")
	}

	if state.Bypassed() {
		// Hand the terminal straight to the command, no proxy involved.
		return execDirect(opts.Command)
	}

	host, err := hostname.Normalize(opts.Name)
	if err != nil {
		return 0, err
	}

	info, err := ensureDaemon(log)
	if err != nil {
		return 0, err
	}

	backendPort, err := AllocatePort(PortRangeStart, PortRangeEnd)
	if err != nil {
		return 0, err
	}

	store := routes.NewStore(info.Dir, log)
	if err := store.Add(host, backendPort, os.Getpid(), opts.Force); err != nil {
		return 0, err
	}

	fmt.Fprintf(os.Stderr, "portless: serving %s at %s\n", strings.Join(opts.Command, " "), hostname.DisplayURL(host, info.Port, info.TLS))

	code := runChild(opts.Command, backendPort, log)

	if err := store.Remove(host); err != nil {
		// Cleanup is best-effort; a lock timeout here must not mask the
		// child's exit code.
		log.WithError(err).Warnf("could not deregister %s", host)
	}
	return code, nil
}

// ensureDaemon discovers a running proxy or starts one. Unprivileged ports
// start silently; privileged ports need sudo, which we only attempt after
// asking on a terminal.
func ensureDaemon(log *logrus.Logger) (daemon.Info, error) {
	cfg := state.LoadConfig(configRoot(), log)
	port := state.ProxyPort(cfg)

	info := daemon.Discover(port)
	if info.Running {
		return info, nil
	}

	useTLS := cfg.HTTPS || state.HTTPSForced()
	if port >= 1024 {
		opts := daemon.Options{Port: port, TLS: useTLS, CertFile: cfg.Cert, KeyFile: cfg.Key, Dir: info.Dir, Log: log}
		if err := daemon.Daemonize(opts); err != nil {
			return daemon.Info{}, err
		}
		return daemon.Discover(port), nil
	}

	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return daemon.Info{}, fmt.Errorf("no proxy is running on privileged port %d and sudo needs a terminal; start one with `sudo portless proxy start -p %d`", port, port)
	}
	fmt.Fprintf(os.Stderr, "portless needs sudo to bind port %d. Start the proxy with sudo? [y/N] ", port)
	var answer string
	_, _ = fmt.Fscanln(os.Stdin, &answer)
	if !strings.EqualFold(strings.TrimSpace(answer), "y") {
		return daemon.Info{}, fmt.Errorf("proxy start declined")
	}

	exe, err := os.Executable()
	if err != nil {
		return daemon.Info{}, err
	}
	args := []string{exe, "proxy", "start", "-p", strconv.Itoa(port)}
	if useTLS {
		args = append(args, "--https")
	}
	cmd := exec.Command("sudo", args...)
	cmd.Stdin, cmd.Stdout, cmd.Stderr = os.Stdin, os.Stdout, os.Stderr
	if err := cmd.Run(); err != nil {
		return daemon.Info{}, fmt.Errorf("sudo proxy start failed: %w", err)
	}

	info = daemon.Discover(port)
	if !info.Running {
		return daemon.Info{}, fmt.Errorf("proxy did not come up on port %d", port)
	}
	return info, nil
}

func configRoot() string {
	dir, err := state.Locate(state.DefaultPort)
	if err != nil {
		return "."
	}
	return dir.Path
}

// runChild spawns the command under a login shell so scripts and
// version-manager shims resolve, wires PORT and the node_modules/.bin PATH
// prefix, relays termination signals and reports the child's exit code
// (128+signum for a signal death). The terminal is restored to its original
// mode on every exit path.
func runChild(command []string, port int, log *logrus.Logger) int {
	cmd := exec.Command("/bin/sh", "-c", shell.Escape(command...))
	cmd.Stdin, cmd.Stdout, cmd.Stderr = os.Stdin, os.Stdout, os.Stderr
	cmd.Env = childEnv(port)

	stdinFd := int(os.Stdin.Fd())
	var savedTerm *term.State
	if term.IsTerminal(stdinFd) {
		savedTerm, _ = term.GetState(stdinFd)
	}
	restore := func() {
		if savedTerm != nil {
			_ = term.Restore(stdinFd, savedTerm)
		}
	}
	defer restore()

	if err := cmd.Start(); err != nil {
		log.WithError(err).Error("could not start command")
		return 1
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(signals)
	go func() {
		for sig := range signals {
			_ = cmd.Process.Signal(sig)
		}
	}()

	err := cmd.Wait()
	restore()

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			return 128 + int(status.Signal())
		}
		return exitErr.ExitCode()
	}
	if err != nil {
		log.WithError(err).Error("command failed")
		return 1
	}
	return 0
}

// childEnv is the parent environment with PORT set and every
// node_modules/.bin from here up prepended to PATH, nearest first.
func childEnv(port int) []string {
	env := os.Environ()
	path := os.Getenv("PATH")
	if bins := binDirs(); len(bins) > 0 {
		path = strings.Join(bins, string(os.PathListSeparator)) + string(os.PathListSeparator) + path
	}
	out := make([]string, 0, len(env)+2)
	for _, kv := range env {
		if strings.HasPrefix(kv, "PORT=") || strings.HasPrefix(kv, "PATH=") {
			continue
		}
		out = append(out, kv)
	}
	out = append(out, "PORT="+strconv.Itoa(port), "PATH="+path)
	return out
}

func binDirs() []string {
	cwd, err := os.Getwd()
	if err != nil {
		return nil
	}
	var dirs []string
	for {
		bin := filepath.Join(cwd, "node_modules", ".bin")
		if info, err := os.Stat(bin); err == nil && info.IsDir() {
			dirs = append(dirs, bin)
		}
		parent := filepath.Dir(cwd)
		if parent == cwd {
			return dirs
		}
		cwd = parent
	}
}

// execDirect replaces this process with the command, used by the bypass env
// switch.
func execDirect(command []string) (int, error) {
	sh, err := exec.LookPath("/bin/sh")
	if err != nil {
		return 0, err
	}
	err = syscall.Exec(sh, []string{"/bin/sh", "-c", shell.Escape(command...)}, os.Environ())
	return 0, err
}
