// Package daemon owns the proxy process lifecycle: the foreground serve
// loop, detached starts, discovery of a running daemon and orderly stops.
package daemon

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v3"
	gopsnet "github.com/shirou/gopsutil/v4/net"
	"github.com/shirou/gopsutil/v4/process"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"portless/internal/certs"
	"portless/internal/proxy"
	"portless/internal/routes"
	"portless/internal/state"
)

// shutdownGrace bounds draining once a termination signal arrives.
const shutdownGrace = 2 * time.Second

// Options configures one daemon instance.
type Options struct {
	Port int
	TLS  bool
	// CertFile/KeyFile select external TLS material; empty means the managed
	// local CA mints certificates on demand.
	CertFile string
	KeyFile  string
	Dir      state.Dir
	Log      *logrus.Logger
}

// Run serves in the foreground until SIGINT or SIGTERM. It owns the pid,
// port and TLS-marker files for its lifetime.
func Run(opts Options) error {
	log := opts.Log
	if log == nil {
		log = logrus.New()
	}

	if err := opts.Dir.Ensure(); err != nil {
		return fmt.Errorf("prepare state dir %s: %w", opts.Dir.Path, err)
	}
	if err := clearStaleArtifacts(opts.Dir, opts.Port, log); err != nil {
		return err
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", opts.Port))
	if err != nil {
		switch {
		case errors.Is(err, syscall.EADDRINUSE):
			return fmt.Errorf("port %d is already in use (is another proxy running? try `portless proxy stop`): %w", opts.Port, err)
		case errors.Is(err, syscall.EACCES):
			return fmt.Errorf("binding port %d needs elevated privileges; re-run with sudo or pick a port >= 1024: %w", opts.Port, err)
		default:
			return fmt.Errorf("listen on port %d: %w", opts.Port, err)
		}
	}

	if err := writeOwnedFiles(opts); err != nil {
		ln.Close()
		return err
	}
	defer removeOwnedFiles(opts.Dir)

	var tlsConf *tls.Config
	if opts.TLS {
		tlsConf, err = buildTLSConfig(opts, log)
		if err != nil {
			ln.Close()
			return err
		}
	}

	store := routes.NewStore(opts.Dir, log)
	table := proxy.NewTable()
	table.Replace(store.Load())

	handler := proxy.NewHandler(table, opts.Port, opts.TLS, log)
	shim, err := proxy.NewShim(handler, tlsConf, log)
	if err != nil {
		ln.Close()
		return err
	}

	watcher := watchRoutes(store, table, log)
	defer watcher.stop()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() { serveErr <- shim.Serve(ln) }()

	scheme := "http"
	if opts.TLS {
		scheme = "https"
	}
	log.Infof("portless proxy listening on %s://*.localhost:%d (state: %s)", scheme, opts.Port, opts.Dir.Path)

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	watcher.stop()
	removeOwnedFiles(opts.Dir)

	drainCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	_ = shim.Shutdown(drainCtx)
	ln.Close()
	<-serveErr
	return nil
}

func buildTLSConfig(opts Options, log *logrus.Logger) (*tls.Config, error) {
	if opts.CertFile != "" || opts.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(opts.CertFile, opts.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load TLS material: %w", err)
		}
		return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
	}
	manager := certs.NewManager(opts.Dir, log)
	if err := manager.EnsureDefaults(); err != nil {
		return nil, fmt.Errorf("prepare certificates: %w", err)
	}
	return &tls.Config{GetCertificate: manager.GetCertificate}, nil
}

// clearStaleArtifacts refuses to start over a live daemon and removes
// leftovers from a dead one.
func clearStaleArtifacts(dir state.Dir, port int, log *logrus.Logger) error {
	pid, err := readIntFile(dir.PidPath())
	if err != nil {
		return nil
	}
	if pidAlive(pid) && proxy.ReadinessProbe(port, tlsMarkerPresent(dir)) {
		return fmt.Errorf("a portless proxy is already running (pid %d)", pid)
	}
	log.Warnf("removing stale daemon artifacts (pid %d is gone)", pid)
	removeOwnedFiles(dir)
	return nil
}

func writeOwnedFiles(opts Options) error {
	if err := opts.Dir.WriteFile(opts.Dir.PortPath(), []byte(strconv.Itoa(opts.Port))); err != nil {
		return err
	}
	if err := opts.Dir.WriteFile(opts.Dir.PidPath(), []byte(strconv.Itoa(os.Getpid()))); err != nil {
		return err
	}
	if opts.TLS {
		return opts.Dir.WriteFile(opts.Dir.TLSMarkerPath(), nil)
	}
	return os.RemoveAll(opts.Dir.TLSMarkerPath())
}

func removeOwnedFiles(dir state.Dir) {
	_ = os.Remove(dir.PidPath())
	_ = os.Remove(dir.PortPath())
	_ = os.Remove(dir.TLSMarkerPath())
}

// Daemonize starts the current executable as a detached foreground proxy
// with stdio redirected to the state-dir log file, then waits for it to
// become ready.
func Daemonize(opts Options) error {
	if err := opts.Dir.Ensure(); err != nil {
		return err
	}
	exe, err := os.Executable()
	if err != nil {
		return err
	}

	logFile, err := os.OpenFile(opts.Dir.LogPath(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, opts.Dir.FileMode())
	if err != nil {
		return err
	}
	defer logFile.Close()

	args := []string{"proxy", "start", "--foreground", "-p", strconv.Itoa(opts.Port)}
	if opts.TLS {
		args = append(args, "--https")
	}
	if opts.CertFile != "" {
		args = append(args, "--cert", opts.CertFile, "--key", opts.KeyFile)
	}

	cmd := exec.Command(exe, args...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Stdin = nil
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawn daemon: %w", err)
	}
	if err := cmd.Process.Release(); err != nil {
		return err
	}

	ready := func() error {
		if proxy.ReadinessProbe(opts.Port, opts.TLS) {
			return nil
		}
		return fmt.Errorf("proxy not ready")
	}
	policy := backoff.WithMaxRetries(backoff.NewConstantBackOff(100*time.Millisecond), 50)
	if err := backoff.Retry(ready, policy); err != nil {
		return fmt.Errorf("proxy did not become ready on port %d; check %s", opts.Port, opts.Dir.LogPath())
	}
	return nil
}

// Stop terminates the daemon owning dir. A stale pid file is removed; a
// missing pid file with a busy port falls back to hunting the listener.
func Stop(dir state.Dir, log *logrus.Logger) error {
	port, portErr := readIntFile(dir.PortPath())
	pid, pidErr := readIntFile(dir.PidPath())

	if pidErr == nil {
		if pidAlive(pid) && portErr == nil && proxy.ReadinessProbe(port, tlsMarkerPresent(dir)) {
			log.Infof("stopping portless proxy (pid %d)", pid)
			return unix.Kill(pid, unix.SIGTERM)
		}
		log.Warnf("removing stale pid file for pid %d", pid)
		removeOwnedFiles(dir)
		return nil
	}

	if portErr != nil {
		log.Info("no portless proxy is running")
		return nil
	}

	// Port file without pid file: find whoever listens there.
	listenerPid, err := findListenerPid(uint32(port))
	if err != nil {
		return fmt.Errorf("port %d is busy but the listener could not be identified (try sudo): %w", port, err)
	}
	if listenerPid == 0 {
		removeOwnedFiles(dir)
		return nil
	}
	log.Infof("stopping listener pid %d on port %d", listenerPid, port)
	if err := unix.Kill(listenerPid, unix.SIGTERM); err != nil {
		if errors.Is(err, unix.EPERM) {
			return fmt.Errorf("not allowed to signal pid %d; re-run with sudo: %w", listenerPid, err)
		}
		return err
	}
	removeOwnedFiles(dir)
	return nil
}

func findListenerPid(port uint32) (int, error) {
	conns, err := gopsnet.Connections("tcp")
	if err != nil {
		return 0, err
	}
	for _, conn := range conns {
		if conn.Status == "LISTEN" && conn.Laddr.Port == port {
			return int(conn.Pid), nil
		}
	}
	return 0, nil
}

func pidAlive(pid int) bool {
	ok, err := process.PidExists(int32(pid))
	return err == nil && ok
}

func tlsMarkerPresent(dir state.Dir) bool {
	_, err := os.Stat(dir.TLSMarkerPath())
	return err == nil
}

func readIntFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("malformed %s: %w", path, err)
	}
	return n, nil
}
