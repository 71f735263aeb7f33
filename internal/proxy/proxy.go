// Package proxy terminates HTTP/1.1, HTTP/2 and WebSocket traffic on the
// portless port and forwards each request to the backend owning its hostname.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"html"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"portless/internal/hostname"
	"portless/internal/routes"
)

// identityHeader marks responses synthesized by portless itself, so daemon
// discovery can tell this proxy apart from any other server on the port.
const identityHeader = "X-Portless"

// hopsHeader counts traversals of this proxy; at hopsLimit the request is a
// forwarding loop.
const (
	hopsHeader = "X-Portless-Hops"
	hopsLimit  = 5
)

// Table is the daemon's in-memory view of the route file. Replace swaps the
// whole view on each reload; request handling never touches the disk.
type Table struct {
	mu     sync.RWMutex
	byHost map[string]routes.Route
}

func NewTable() *Table {
	return &Table{byHost: map[string]routes.Route{}}
}

func (t *Table) Replace(table []routes.Route) {
	byHost := make(map[string]routes.Route, len(table))
	for _, r := range table {
		byHost[r.Hostname] = r
	}
	t.mu.Lock()
	t.byHost = byHost
	t.mu.Unlock()
}

func (t *Table) Lookup(host string) (routes.Route, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.byHost[host]
	return r, ok
}

// All returns the routes sorted by hostname for stable listings.
func (t *Table) All() []routes.Route {
	t.mu.RLock()
	out := make([]routes.Route, 0, len(t.byHost))
	for _, r := range t.byHost {
		out = append(out, r)
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Hostname < out[j].Hostname })
	return out
}

// Handler routes requests by host and proxies them to 127.0.0.1:<port>.
type Handler struct {
	table *Table
	log   *logrus.Logger
	// port and tls describe the listener this handler serves, for display
	// URLs and X-Forwarded-* values.
	port int
	tls  bool
}

func NewHandler(table *Table, port int, tls bool, log *logrus.Logger) *Handler {
	if log == nil {
		log = logrus.New()
	}
	return &Handler{table: table, log: log, port: port, tls: tls}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// For HTTP/2, net/http surfaces :authority as r.Host.
	effectiveHost := r.Host
	if effectiveHost == "" {
		h.respondOwn(w, http.StatusBadRequest, "text/plain; charset=utf-8", "Missing Host header\n")
		return
	}

	if isUpgrade(r) {
		h.serveUpgrade(w, r)
		return
	}

	hops := parseHops(r.Header.Get(hopsHeader))
	if hops >= hopsLimit {
		h.log.Errorf("loop detected: %s reached %s with %d hops", r.RemoteAddr, effectiveHost, hops)
		h.respondOwn(w, http.StatusLoopDetected, "text/plain; charset=utf-8", loopBody(effectiveHost))
		return
	}

	route, ok := h.table.Lookup(hostname.StripPort(effectiveHost))
	if !ok {
		h.respondNotFound(w, effectiveHost)
		return
	}

	h.reverseProxy(route, hops).ServeHTTP(w, r)
}

// hopByHopResponseHeaders are stripped when the client side is HTTP/2 and
// relayed untouched for plain HTTP/1.1 -> HTTP/1.1 forwarding.
var hopByHopResponseHeaders = []string{"Connection", "Keep-Alive", "Proxy-Connection", "Transfer-Encoding", "Upgrade"}

// hopHeaderTransport snapshots the hop-by-hop headers of the backend
// response before httputil.ReverseProxy removes them (which it does for
// every response, ahead of ModifyResponse). One instance serves exactly one
// request, so the field needs no locking.
type hopHeaderTransport struct {
	base     http.RoundTripper
	snapshot http.Header
}

func (t *hopHeaderTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.base.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	for _, name := range hopByHopResponseHeaders {
		if values, ok := resp.Header[name]; ok {
			if t.snapshot == nil {
				t.snapshot = http.Header{}
			}
			t.snapshot[name] = append([]string(nil), values...)
		}
	}
	return resp, nil
}

// reverseProxy builds the forwarding proxy for one request. Bodies stream in
// both directions; the short flush interval keeps SSE and log tails live.
func (h *Handler) reverseProxy(route routes.Route, hops int) *httputil.ReverseProxy {
	backend := &url.URL{Scheme: "http", Host: fmt.Sprintf("127.0.0.1:%d", route.Port)}
	director := func(req *http.Request) {
		req.URL.Scheme = backend.Scheme
		req.URL.Host = backend.Host
		h.injectForwardHeaders(req, hops)
	}
	transport := &hopHeaderTransport{base: http.DefaultTransport}
	return &httputil.ReverseProxy{
		Director:      director,
		Transport:     transport,
		FlushInterval: 50 * time.Millisecond,
		ModifyResponse: func(resp *http.Response) error {
			// By the time this hook runs the stdlib proxy has already
			// removed the hop-by-hop headers from every backend response.
			// That is what the h2 layer needs, but HTTP/1.1 -> HTTP/1.1
			// forwarding relays them untouched, so restore the snapshot.
			if resp.Request != nil && resp.Request.ProtoMajor == 2 {
				return nil
			}
			for name, values := range transport.snapshot {
				resp.Header[name] = values
			}
			return nil
		},
		ErrorHandler: func(w http.ResponseWriter, req *http.Request, err error) {
			if errors.Is(err, context.Canceled) {
				// Client went away; the outbound request is already destroyed.
				return
			}
			h.log.WithError(err).Errorf("backend %s for %s unreachable", backend.Host, req.Host)
			if errors.Is(err, syscall.ECONNREFUSED) {
				h.respondOwn(w, http.StatusBadGateway, "text/plain; charset=utf-8",
					fmt.Sprintf("The app registered for %s is not responding on port %d. It may have crashed.\n", hostname.StripPort(req.Host), route.Port))
				return
			}
			h.respondOwn(w, http.StatusBadGateway, "text/plain; charset=utf-8", "Bad Gateway\n")
		},
	}
}

// injectForwardHeaders rewrites the outgoing header set for the HTTP/1.1
// backend: pseudo-headers go away, X-Forwarded-* are filled in when absent
// and the hop counter increments.
func (h *Handler) injectForwardHeaders(req *http.Request, hops int) {
	for name := range req.Header {
		if strings.HasPrefix(name, ":") {
			req.Header.Del(name)
		}
	}

	proto := "http"
	if h.tls {
		proto = "https"
	}
	if req.Header.Get("X-Forwarded-Proto") == "" {
		req.Header.Set("X-Forwarded-Proto", proto)
	}
	if req.Header.Get("X-Forwarded-Host") == "" {
		req.Header.Set("X-Forwarded-Host", req.Host)
	}
	if req.Header.Get("X-Forwarded-Port") == "" {
		req.Header.Set("X-Forwarded-Port", strconv.Itoa(h.port))
	}
	req.Header.Set(hopsHeader, strconv.Itoa(hops+1))
	// X-Forwarded-For appending is done by httputil.ReverseProxy.
}

func (h *Handler) respondOwn(w http.ResponseWriter, status int, contentType, body string) {
	w.Header().Set(identityHeader, "1")
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

// respondNotFound renders the route catalog. Every user-controlled string on
// the page is escaped; the request host in particular is attacker-chosen.
func (h *Handler) respondNotFound(w http.ResponseWriter, requestHost string) {
	var b strings.Builder
	b.WriteString("<!DOCTYPE html>\n<html>\n<head><title>portless</title></head>\n<body>\n")
	fmt.Fprintf(&b, "<h1>No route for %s</h1>\n", html.EscapeString(requestHost))
	table := h.table.All()
	if len(table) == 0 {
		b.WriteString("<p>No apps are registered. Start one with <code>portless &lt;name&gt; &lt;command&gt;</code>.</p>\n")
	} else {
		b.WriteString("<p>Registered apps:</p>\n<ul>\n")
		for _, r := range table {
			link := hostname.DisplayURL(r.Hostname, h.port, h.tls)
			fmt.Fprintf(&b, "<li><a href=\"%s\">%s</a> &rarr; 127.0.0.1:%d</li>\n",
				html.EscapeString(link), html.EscapeString(r.Hostname), r.Port)
		}
		b.WriteString("</ul>\n")
	}
	b.WriteString("</body>\n</html>\n")
	h.respondOwn(w, http.StatusNotFound, "text/html; charset=utf-8", b.String())
}

func loopBody(host string) string {
	return fmt.Sprintf("Loop detected: requests for %s keep coming back through portless.\n"+
		"A dev server is probably proxying to this hostname without rewriting Host.\n"+
		"If you use a dev-server proxy, set changeOrigin: true (or an equivalent) so the Host header points at the target.\n",
		hostname.StripPort(host))
}

func parseHops(raw string) int {
	hops, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || hops < 0 {
		return 0
	}
	return hops
}

func isUpgrade(r *http.Request) bool {
	if r.ProtoMajor != 1 {
		return false
	}
	if r.Header.Get("Upgrade") == "" {
		return false
	}
	for _, v := range r.Header.Values("Connection") {
		for _, token := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(token), "upgrade") {
				return true
			}
		}
	}
	return false
}

func dialBackend(ctx context.Context, port int) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "tcp", fmt.Sprintf("127.0.0.1:%d", port))
}
