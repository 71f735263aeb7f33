// Package hostname validates and normalizes the names portless routes on.
//
// Every routable host is `label("." label)* ".localhost"`. Labels are
// lowercase [a-z0-9-] with no leading or trailing hyphen. `.localhost` is a
// reserved TLD (RFC 2606), so names resolve to loopback without any DNS setup.
package hostname

import (
	"fmt"
	"regexp"
	"strings"
)

const Suffix = "localhost"

var labelPattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?$`)

// Normalize lowercases name, appends the ".localhost" suffix when missing and
// validates the result. Normalize is idempotent: feeding its output back in
// returns the same string.
func Normalize(name string) (string, error) {
	host := strings.ToLower(strings.TrimSpace(name))
	host = strings.TrimSuffix(host, ".")
	if host == "" {
		return "", fmt.Errorf("hostname is empty")
	}
	if host != Suffix && !strings.HasSuffix(host, "."+Suffix) {
		host += "." + Suffix
	}
	if err := Validate(host); err != nil {
		return "", err
	}
	return host, nil
}

// Validate reports whether host matches the routable grammar. The bare
// "localhost" is rejected: a route always has at least one name label.
func Validate(host string) error {
	if !strings.HasSuffix(host, "."+Suffix) {
		return fmt.Errorf("hostname %q must end in .%s", host, Suffix)
	}
	labels := strings.Split(strings.TrimSuffix(host, "."+Suffix), ".")
	for _, label := range labels {
		if label == "" {
			return fmt.Errorf("hostname %q contains an empty label", host)
		}
		if !labelPattern.MatchString(label) {
			return fmt.Errorf("hostname label %q is invalid: use lowercase letters, digits and inner hyphens", label)
		}
	}
	return nil
}

// StripPort removes a trailing :port from a Host header or :authority value.
func StripPort(host string) string {
	if i := strings.IndexByte(host, ':'); i >= 0 {
		return host[:i]
	}
	return host
}

// DisplayURL renders the user-facing URL for host on a proxy listening at
// port. The port is omitted when it is the protocol default.
func DisplayURL(host string, port int, tls bool) string {
	scheme, defaultPort := "http", 80
	if tls {
		scheme, defaultPort = "https", 443
	}
	if port == defaultPort {
		return fmt.Sprintf("%s://%s/", scheme, host)
	}
	return fmt.Sprintf("%s://%s:%d/", scheme, host, port)
}
