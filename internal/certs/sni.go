package certs

import (
	"crypto/tls"
	"strings"
)

// GetCertificate is the tls.Config callback. "localhost" and single-level
// names like app.localhost are covered by the default certificate's
// *.localhost wildcard; deeper names get a per-hostname leaf whose SAN also
// carries a wildcard at sibling depth, so the leaf for chat.myapp.localhost
// also covers its siblings. Leaves are still cached and stored per exact
// SNI name.
func (m *Manager) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	name := strings.ToLower(strings.TrimSuffix(hello.ServerName, "."))
	if name == "" || name == "localhost" || strings.Count(name, ".") <= 1 {
		return m.Default()
	}
	return m.leafFor(name)
}

func (m *Manager) leafFor(name string) (*tls.Certificate, error) {
	m.mu.Lock()
	if cert, ok := m.byName[name]; ok {
		m.mu.Unlock()
		return cert, nil
	}
	if call, ok := m.pending[name]; ok {
		// Another handshake is already minting this name; share its result.
		m.mu.Unlock()
		<-call.done
		return call.cert, call.err
	}
	call := &mintCall{done: make(chan struct{})}
	m.pending[name] = call
	m.mu.Unlock()

	cert, err := m.mint(name)

	m.mu.Lock()
	delete(m.pending, name)
	if err == nil {
		m.byName[name] = cert
	}
	m.mu.Unlock()

	call.cert, call.err = cert, err
	close(call.done)
	return cert, err
}

func (m *Manager) mint(name string) (*tls.Certificate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.ensureCALocked(); err != nil {
		return nil, err
	}
	certPath, keyPath := m.hostCertPaths(name)
	parent := name[strings.IndexByte(name, '.')+1:]
	cert, _, err := m.ensureLeafLocked(certPath, keyPath, []string{name, "*." + parent}, false)
	return cert, err
}

func (m *Manager) hostCertPaths(name string) (string, string) {
	base := sanitizeHost(name)
	dir := m.hostCertDir()
	return dir + "/" + base + ".pem", dir + "/" + base + "-key.pem"
}

// sanitizeHost maps a hostname onto a safe file stem: dots become
// underscores, anything outside [a-z0-9_-] is dropped.
func sanitizeHost(name string) string {
	var b strings.Builder
	for _, r := range strings.ReplaceAll(name, ".", "_") {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		}
	}
	return b.String()
}
