package certs

import (
	"bytes"
	"crypto/sha1"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	homedir "github.com/mitchellh/go-homedir"
)

const linuxTrustPath = "/usr/local/share/ca-certificates/portless-ca.crt"

// InstallTrust adds the local CA to the platform trust store. macOS uses the
// login keychain, which needs no sudo; Linux installs system-wide and does.
func (m *Manager) InstallTrust() error {
	if err := m.EnsureDefaults(); err != nil {
		return err
	}
	switch runtime.GOOS {
	case "darwin":
		home, err := homedir.Dir()
		if err != nil {
			return err
		}
		keychain := filepath.Join(home, "Library", "Keychains", "login.keychain-db")
		cmd := exec.Command("security", "add-trusted-cert", "-r", "trustRoot", "-k", keychain, m.CAPath())
		cmd.Stdout, cmd.Stderr = os.Stdout, os.Stderr
		return cmd.Run()
	case "linux":
		cp := exec.Command("sudo", "cp", m.CAPath(), linuxTrustPath)
		cp.Stdout, cp.Stderr = os.Stdout, os.Stderr
		if err := cp.Run(); err != nil {
			return fmt.Errorf("install CA to %s: %w", linuxTrustPath, err)
		}
		update := exec.Command("sudo", "update-ca-certificates")
		update.Stdout, update.Stderr = os.Stdout, os.Stderr
		return update.Run()
	default:
		return fmt.Errorf("trust installation is not supported on %s", runtime.GOOS)
	}
}

// Trusted reports whether the local CA is already installed: fingerprint
// lookup in the keychain on macOS, byte equality of the installed file on
// Linux.
func (m *Manager) Trusted() (bool, error) {
	local, err := os.ReadFile(m.CAPath())
	if err != nil {
		return false, err
	}
	switch runtime.GOOS {
	case "darwin":
		_, parsed, err := loadKeyPair(m.CAPath(), m.caKeyPath())
		if err != nil {
			return false, err
		}
		fingerprint := fmt.Sprintf("%X", sha1.Sum(parsed.Raw))
		out, err := exec.Command("security", "find-certificate", "-a", "-Z").Output()
		if err != nil {
			return false, err
		}
		return strings.Contains(string(out), fingerprint), nil
	case "linux":
		installed, err := os.ReadFile(linuxTrustPath)
		if err != nil {
			if os.IsNotExist(err) {
				return false, nil
			}
			return false, err
		}
		return bytes.Equal(bytes.TrimSpace(installed), bytes.TrimSpace(local)), nil
	default:
		return false, nil
	}
}
