package state

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestLocateOverrideWins(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(EnvStateDir, dir)

	for _, port := range []int{80, 1355} {
		got, err := Locate(port)
		if err != nil {
			t.Fatalf("Locate(%d) error = %v", port, err)
		}
		if got.Path != dir {
			t.Fatalf("Locate(%d).Path = %q, want %q", port, got.Path, dir)
		}
		if got.System {
			t.Fatalf("Locate(%d).System = true with override", port)
		}
	}
}

func TestLocateSiting(t *testing.T) {
	t.Setenv(EnvStateDir, "")

	sys, err := Locate(80)
	if err != nil {
		t.Fatalf("Locate(80) error = %v", err)
	}
	if !sys.System {
		t.Fatal("Locate(80).System = false, want true")
	}

	user, err := Locate(1355)
	if err != nil {
		t.Fatalf("Locate(1355) error = %v", err)
	}
	if user.System {
		t.Fatal("Locate(1355).System = true, want false")
	}
	if filepath.Base(user.Path) != ".portless" {
		t.Fatalf("Locate(1355).Path = %q, want ~/.portless", user.Path)
	}
}

func TestEnsureModes(t *testing.T) {
	base := t.TempDir()

	user := Dir{Path: filepath.Join(base, "user")}
	if err := user.Ensure(); err != nil {
		t.Fatalf("Ensure() error = %v", err)
	}
	info, err := os.Stat(user.Path)
	if err != nil {
		t.Fatalf("Stat error = %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o755 {
		t.Fatalf("user dir perm = %o, want 755", perm)
	}

	system := Dir{Path: filepath.Join(base, "system"), System: true}
	if err := system.Ensure(); err != nil {
		t.Fatalf("Ensure() error = %v", err)
	}
	info, err = os.Stat(system.Path)
	if err != nil {
		t.Fatalf("Stat error = %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o777 {
		t.Fatalf("system dir perm = %o, want 777", perm)
	}
	if info.Mode()&os.ModeSticky == 0 {
		t.Fatal("system dir missing sticky bit")
	}
}

func TestFileMode(t *testing.T) {
	t.Parallel()

	if got := (Dir{System: true}).FileMode(); got != 0o666 {
		t.Fatalf("system FileMode = %o, want 666", got)
	}
	if got := (Dir{}).FileMode(); got != 0o644 {
		t.Fatalf("user FileMode = %o, want 644", got)
	}
}

func TestProxyPort(t *testing.T) {
	t.Setenv(EnvProxyPort, "")
	if got := ProxyPort(Config{}); got != DefaultPort {
		t.Fatalf("ProxyPort() = %d, want %d", got, DefaultPort)
	}
	if got := ProxyPort(Config{Port: 8080}); got != 8080 {
		t.Fatalf("ProxyPort(config 8080) = %d, want 8080", got)
	}

	t.Setenv(EnvProxyPort, "2000")
	if got := ProxyPort(Config{Port: 8080}); got != 2000 {
		t.Fatalf("ProxyPort(env 2000) = %d, want 2000", got)
	}

	for _, bad := range []string{"0", "65536", "-1", "abc"} {
		t.Setenv(EnvProxyPort, bad)
		if got := ProxyPort(Config{}); got != DefaultPort {
			t.Fatalf("ProxyPort(env %q) = %d, want %d", bad, got, DefaultPort)
		}
	}
}

func TestHTTPSForced(t *testing.T) {
	for raw, want := range map[string]bool{"1": true, "true": true, "TRUE": true, "0": false, "": false, "yes": false} {
		t.Setenv(EnvHTTPS, raw)
		if got := HTTPSForced(); got != want {
			t.Fatalf("HTTPSForced(%q) = %v, want %v", raw, got, want)
		}
	}
}

func TestBypassed(t *testing.T) {
	for raw, want := range map[string]bool{"0": true, "skip": true, "": false, "1": false} {
		t.Setenv(EnvBypass, raw)
		if got := Bypassed(); got != want {
			t.Fatalf("Bypassed(%q) = %v, want %v", raw, got, want)
		}
	}
}

func TestLoadConfig(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	log := logrus.New()

	if got := LoadConfig(dir, log); got != (Config{}) {
		t.Fatalf("LoadConfig(missing) = %+v, want zero", got)
	}

	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("port: 2000\nhttps: true\n"), 0o644); err != nil {
		t.Fatalf("WriteFile error = %v", err)
	}
	got := LoadConfig(dir, log)
	if got.Port != 2000 || !got.HTTPS {
		t.Fatalf("LoadConfig() = %+v, want port 2000 https", got)
	}

	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("{not yaml"), 0o644); err != nil {
		t.Fatalf("WriteFile error = %v", err)
	}
	if got := LoadConfig(dir, log); got != (Config{}) {
		t.Fatalf("LoadConfig(malformed) = %+v, want zero", got)
	}
}
