package runner

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestAllocatePort(t *testing.T) {
	t.Parallel()

	port, err := AllocatePort(PortRangeStart, PortRangeEnd)
	if err != nil {
		t.Fatalf("AllocatePort() error = %v", err)
	}
	if port < PortRangeStart || port > PortRangeEnd {
		t.Fatalf("AllocatePort() = %d, out of range", port)
	}
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		t.Fatalf("allocated port %d not bindable: %v", port, err)
	}
	ln.Close()
}

func TestAllocatePortSkipsBusy(t *testing.T) {
	t.Parallel()

	// A one-port range with the port held must fail; freeing it must succeed.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen error = %v", err)
	}
	busy := ln.Addr().(*net.TCPAddr).Port

	if _, err := AllocatePort(busy, busy); err == nil {
		t.Fatal("AllocatePort() found a port in a fully busy range")
	}
	ln.Close()
	if port, err := AllocatePort(busy, busy); err != nil || port != busy {
		t.Fatalf("AllocatePort() = %d, %v after freeing", port, err)
	}
}

func TestAllocatePortInvalidRange(t *testing.T) {
	t.Parallel()

	if _, err := AllocatePort(5000, 4000); err == nil {
		t.Fatal("AllocatePort(5000, 4000) did not error")
	}
	if _, err := AllocatePort(0, 10); err == nil {
		t.Fatal("AllocatePort(0, 10) did not error")
	}
}

func TestChildEnv(t *testing.T) {
	env := childEnv(4123)

	var port, path string
	for _, kv := range env {
		if strings.HasPrefix(kv, "PORT=") {
			port = strings.TrimPrefix(kv, "PORT=")
		}
		if strings.HasPrefix(kv, "PATH=") {
			path = strings.TrimPrefix(kv, "PATH=")
		}
	}
	if port != "4123" {
		t.Fatalf("PORT = %q, want 4123", port)
	}
	if path == "" {
		t.Fatal("PATH missing from child env")
	}
}

func TestBinDirsNearestFirst(t *testing.T) {
	root := t.TempDir()
	nested := filepath.Join(root, "app", "web")
	for _, dir := range []string{
		filepath.Join(root, "node_modules", ".bin"),
		filepath.Join(root, "app", "web", "node_modules", ".bin"),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatalf("MkdirAll error = %v", err)
		}
	}

	cwd, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd error = %v", err)
	}
	t.Cleanup(func() { _ = os.Chdir(cwd) })
	if err := os.Chdir(nested); err != nil {
		t.Fatalf("Chdir error = %v", err)
	}

	dirs := binDirs()
	if len(dirs) < 2 {
		t.Fatalf("binDirs() = %v, want at least 2 entries", dirs)
	}
	if !strings.HasPrefix(dirs[0], nested) {
		t.Fatalf("binDirs()[0] = %q, want nearest dir first", dirs[0])
	}
}

func TestRunChildExitCode(t *testing.T) {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	if code := runChild([]string{"sh", "-c", "exit 0"}, 4000, log); code != 0 {
		t.Fatalf("runChild(exit 0) = %d", code)
	}
	if code := runChild([]string{"sh", "-c", "exit 3"}, 4000, log); code != 3 {
		t.Fatalf("runChild(exit 3) = %d, want 3", code)
	}
	if code := runChild([]string{"sh", "-c", "kill -TERM $$"}, 4000, log); code != 128+15 {
		t.Fatalf("runChild(self-SIGTERM) = %d, want 143", code)
	}
}

func TestRunChildSeesPort(t *testing.T) {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	marker := filepath.Join(t.TempDir(), "port.txt")
	code := runChild([]string{"sh", "-c", "echo $PORT > " + marker}, 4555, log)
	if code != 0 {
		t.Fatalf("runChild() = %d", code)
	}
	data, err := os.ReadFile(marker)
	if err != nil {
		t.Fatalf("ReadFile error = %v", err)
	}
	if got := strings.TrimSpace(string(data)); got != "4555" {
		t.Fatalf("child saw PORT=%q, want 4555", got)
	}
}
