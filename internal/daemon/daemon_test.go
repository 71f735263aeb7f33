package daemon

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"portless/internal/proxy"
	"portless/internal/routes"
	"portless/internal/state"
)

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

func startTestProxy(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen error = %v", err)
	}
	shim, err := proxy.NewShim(proxy.NewHandler(proxy.NewTable(), 0, false, quietLogger()), nil, quietLogger())
	if err != nil {
		t.Fatalf("NewShim error = %v", err)
	}
	go func() { _ = shim.Serve(ln) }()
	t.Cleanup(func() { ln.Close() })
	return ln.Addr().(*net.TCPAddr).Port
}

func TestReadIntFile(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	path := dir + "/proxy.port"
	if err := os.WriteFile(path, []byte(" 1355\n"), 0o644); err != nil {
		t.Fatalf("WriteFile error = %v", err)
	}
	got, err := readIntFile(path)
	if err != nil || got != 1355 {
		t.Fatalf("readIntFile() = %d, %v; want 1355", got, err)
	}

	if _, err := readIntFile(dir + "/missing"); err == nil {
		t.Fatal("readIntFile(missing) did not error")
	}

	if err := os.WriteFile(path, []byte("not a port"), 0o644); err != nil {
		t.Fatalf("WriteFile error = %v", err)
	}
	if _, err := readIntFile(path); err == nil {
		t.Fatal("readIntFile(garbage) did not error")
	}
}

func TestOwnedFiles(t *testing.T) {
	t.Parallel()
	dir := state.Dir{Path: t.TempDir()}

	opts := Options{Port: 1355, TLS: true, Dir: dir}
	if err := writeOwnedFiles(opts); err != nil {
		t.Fatalf("writeOwnedFiles() error = %v", err)
	}
	if port, err := readIntFile(dir.PortPath()); err != nil || port != 1355 {
		t.Fatalf("port file = %d, %v", port, err)
	}
	if pid, err := readIntFile(dir.PidPath()); err != nil || pid != os.Getpid() {
		t.Fatalf("pid file = %d, %v", pid, err)
	}
	if !tlsMarkerPresent(dir) {
		t.Fatal("TLS marker missing")
	}

	opts.TLS = false
	if err := writeOwnedFiles(opts); err != nil {
		t.Fatalf("writeOwnedFiles() error = %v", err)
	}
	if tlsMarkerPresent(dir) {
		t.Fatal("TLS marker present after non-TLS write")
	}

	removeOwnedFiles(dir)
	if _, err := os.Stat(dir.PidPath()); !os.IsNotExist(err) {
		t.Fatalf("pid file survived removeOwnedFiles: %v", err)
	}
}

func TestClearStaleArtifacts(t *testing.T) {
	t.Parallel()
	dir := state.Dir{Path: t.TempDir()}

	// Dead pid: artifacts are cleaned up and start may proceed.
	if err := os.WriteFile(dir.PidPath(), []byte("2147483647"), 0o644); err != nil {
		t.Fatalf("WriteFile error = %v", err)
	}
	if err := os.WriteFile(dir.PortPath(), []byte("1355"), 0o644); err != nil {
		t.Fatalf("WriteFile error = %v", err)
	}
	if err := clearStaleArtifacts(dir, 1355, quietLogger()); err != nil {
		t.Fatalf("clearStaleArtifacts() error = %v", err)
	}
	if _, err := os.Stat(dir.PidPath()); !os.IsNotExist(err) {
		t.Fatal("stale pid file not removed")
	}

	// Live pid answering the probe: starting again must fail.
	port := startTestProxy(t)
	if err := os.WriteFile(dir.PidPath(), []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		t.Fatalf("WriteFile error = %v", err)
	}
	if err := clearStaleArtifacts(dir, port, quietLogger()); err == nil {
		t.Fatal("clearStaleArtifacts() did not refuse a live daemon")
	}
}

func TestWatcherReloads(t *testing.T) {
	t.Parallel()

	dir := state.Dir{Path: t.TempDir()}
	log := quietLogger()
	store := routes.NewStore(dir, log)
	table := proxy.NewTable()

	w := watchRoutes(store, table, log)
	defer w.stop()

	if err := store.Add("watched.localhost", 4001, os.Getpid(), false); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := table.Lookup("watched.localhost"); ok {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("route change never reached the in-memory table")
}

func TestDiscover(t *testing.T) {
	port := startTestProxy(t)

	dir := t.TempDir()
	t.Setenv(state.EnvStateDir, dir)

	// No port file yet: synthesize the default location.
	info := Discover(state.DefaultPort)
	if info.Running {
		t.Fatal("Discover() claims a daemon with no port file")
	}
	if info.Dir.Path != dir || info.Port != state.DefaultPort {
		t.Fatalf("Discover() = %+v, want default synthesis in %s", info, dir)
	}

	if err := os.WriteFile(state.Dir{Path: dir}.PortPath(), []byte(fmt.Sprint(port)), 0o644); err != nil {
		t.Fatalf("WriteFile error = %v", err)
	}
	if err := os.WriteFile(state.Dir{Path: dir}.PidPath(), []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		t.Fatalf("WriteFile error = %v", err)
	}

	info = Discover(state.DefaultPort)
	if !info.Running {
		t.Fatal("Discover() missed the running proxy")
	}
	if info.Port != port || info.TLS || info.Pid != os.Getpid() {
		t.Fatalf("Discover() = %+v", info)
	}
}

func TestDiscoverIgnoresForeignServer(t *testing.T) {
	// A server without the identity header must not be mistaken for ours.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen error = %v", err)
	}
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			_, _ = conn.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n"))
			conn.Close()
		}
	}()

	dir := t.TempDir()
	t.Setenv(state.EnvStateDir, dir)
	port := ln.Addr().(*net.TCPAddr).Port
	if err := os.WriteFile(state.Dir{Path: dir}.PortPath(), []byte(fmt.Sprint(port)), 0o644); err != nil {
		t.Fatalf("WriteFile error = %v", err)
	}

	if info := Discover(state.DefaultPort); info.Running {
		t.Fatalf("Discover() = %+v, treated a foreign server as portless", info)
	}
}
