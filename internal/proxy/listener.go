package proxy

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/http2"
	"golang.org/x/sync/errgroup"
)

// tlsRecordTypeHandshake is the first byte of a TLS ClientHello.
const tlsRecordTypeHandshake = 0x16

// Shim serves both https:// and plain http:// on one TCP port by peeking the
// first byte of each connection: 0x16 goes to the TLS server (h2 with
// HTTP/1.1 fallback), everything else to a sibling HTTP/1.1 server. Both
// inner servers run the same handlers.
type Shim struct {
	handler http.Handler
	tlsConf *tls.Config
	log     *logrus.Logger

	mu       sync.Mutex
	plainSrv *http.Server
	tlsSrv   *http.Server
	plainLn  *chanListener
	tlsLn    *chanListener
	closed   bool
}

// NewShim prepares the demuxing servers. tlsConf nil means TLS is disabled
// and Serve runs a single plain HTTP/1.1 server on the listener directly.
func NewShim(handler http.Handler, tlsConf *tls.Config, log *logrus.Logger) (*Shim, error) {
	if log == nil {
		log = logrus.New()
	}
	s := &Shim{handler: handler, tlsConf: tlsConf, log: log}
	if tlsConf != nil {
		s.tlsSrv = &http.Server{Handler: handler}
		if err := http2.ConfigureServer(s.tlsSrv, &http2.Server{}); err != nil {
			return nil, err
		}
		tlsConf.NextProtos = []string{"h2", "http/1.1"}
		s.tlsSrv.TLSConfig = tlsConf
	}
	s.plainSrv = &http.Server{Handler: handler}
	return s, nil
}

// Serve accepts on ln until Shutdown. It only returns once both inner
// servers finish.
func (s *Shim) Serve(ln net.Listener) error {
	if s.tlsConf == nil {
		return s.servePlainOnly(ln)
	}

	s.mu.Lock()
	s.plainLn = newChanListener(ln.Addr())
	s.tlsLn = newChanListener(ln.Addr())
	s.mu.Unlock()

	var group errgroup.Group
	group.Go(func() error {
		err := s.plainSrv.Serve(s.plainLn)
		if errors.Is(err, http.ErrServerClosed) || errors.Is(err, net.ErrClosed) {
			return nil
		}
		return err
	})
	group.Go(func() error {
		err := s.tlsSrv.Serve(tls.NewListener(s.tlsLn, s.tlsSrv.TLSConfig))
		if errors.Is(err, http.ErrServerClosed) || errors.Is(err, net.ErrClosed) {
			return nil
		}
		return err
	})
	group.Go(func() error {
		defer s.plainLn.Close()
		defer s.tlsLn.Close()
		for {
			conn, err := ln.Accept()
			if err != nil {
				if errors.Is(err, net.ErrClosed) {
					return nil
				}
				return err
			}
			go s.dispatch(conn)
		}
	})
	return group.Wait()
}

func (s *Shim) servePlainOnly(ln net.Listener) error {
	err := s.plainSrv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// dispatch blocks until the connection's first byte is readable, then hands
// the (un-consumed) stream to the matching inner server.
func (s *Shim) dispatch(conn net.Conn) {
	first := make([]byte, 1)
	if _, err := io.ReadFull(conn, first); err != nil {
		conn.Close()
		return
	}
	peeked := &peekedConn{Conn: conn, first: first[0]}

	s.mu.Lock()
	closed := s.closed
	plainLn, tlsLn := s.plainLn, s.tlsLn
	s.mu.Unlock()
	if closed {
		conn.Close()
		return
	}

	if first[0] == tlsRecordTypeHandshake {
		tlsLn.deliver(peeked)
		return
	}
	plainLn.deliver(peeked)
}

// Shutdown drains both servers within ctx's deadline.
func (s *Shim) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	var group errgroup.Group
	group.Go(func() error { return s.plainSrv.Shutdown(ctx) })
	if s.tlsSrv != nil {
		group.Go(func() error { return s.tlsSrv.Shutdown(ctx) })
	}
	return group.Wait()
}

// peekedConn prepends the peeked byte back onto the stream handed to the
// HTTP or TLS parser.
type peekedConn struct {
	net.Conn
	first byte
	sent  bool
}

func (c *peekedConn) Read(p []byte) (int, error) {
	if !c.sent {
		if len(p) == 0 {
			return 0, nil
		}
		p[0] = c.first
		c.sent = true
		if len(p) == 1 {
			return 1, nil
		}
		n, err := c.Conn.Read(p[1:])
		if errors.Is(err, io.EOF) {
			// The byte we already hold still counts.
			err = nil
		}
		return n + 1, err
	}
	return c.Conn.Read(p)
}

// chanListener adapts a channel of pre-accepted connections to net.Listener
// so each inner http.Server can run its ordinary Serve loop.
type chanListener struct {
	ch     chan net.Conn
	addr   net.Addr
	done   chan struct{}
	closer sync.Once
}

func newChanListener(addr net.Addr) *chanListener {
	return &chanListener{ch: make(chan net.Conn), addr: addr, done: make(chan struct{})}
}

func (l *chanListener) deliver(conn net.Conn) {
	select {
	case l.ch <- conn:
	case <-l.done:
		conn.Close()
	}
}

func (l *chanListener) Accept() (net.Conn, error) {
	select {
	case conn := <-l.ch:
		return conn, nil
	case <-l.done:
		return nil, net.ErrClosed
	}
}

func (l *chanListener) Close() error {
	l.closer.Do(func() { close(l.done) })
	return nil
}

func (l *chanListener) Addr() net.Addr { return l.addr }

// ReadinessProbe checks that a portless proxy, and not some unrelated
// server, answers on port: the identity header must be present on a HEAD
// response.
func ReadinessProbe(port int, useTLS bool) bool {
	scheme := "http"
	client := &http.Client{Timeout: time.Second}
	if useTLS {
		scheme = "https"
		client.Transport = newInsecureLoopbackTransport()
	}
	resp, err := client.Head(fmt.Sprintf("%s://127.0.0.1:%d/", scheme, port))
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.Header.Get(identityHeader) == "1"
}

func newInsecureLoopbackTransport() *http.Transport {
	// The probe talks to 127.0.0.1 with a locally minted cert; verification
	// against the system pool would always fail.
	return &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}}
}
