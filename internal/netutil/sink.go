// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package netutil

import (
	"errors"
	"fmt"
	"net/netip"
	"net/url"
	"strings"

	"golang.org/x/net/idna"
)

var ErrSinkNotAllowed = errors.New("sink url not allowed")

// SinkPolicy constrains client-registered notification sinks.
type SinkPolicy struct {
	AllowHTTP    bool // plain http in addition to https
	AllowPrivate bool // loopback, link-local and unspecified literals
}

// ValidateSinkURL checks a sink URL and returns its normalised form:
// http(s) only, a host, no userinfo, no fragment, IDNA hosts in ASCII.
func ValidateSinkURL(raw string, policy SinkPolicy) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrSinkNotAllowed)
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSinkNotAllowed, err)
	}
	scheme := strings.ToLower(u.Scheme)
	switch {
	case scheme == "https":
	case scheme == "http" && policy.AllowHTTP:
	default:
		return "", fmt.Errorf("%w: scheme %q", ErrSinkNotAllowed, u.Scheme)
	}
	if u.User != nil {
		return "", fmt.Errorf("%w: credentials in url", ErrSinkNotAllowed)
	}
	if u.Fragment != "" {
		return "", fmt.Errorf("%w: fragment", ErrSinkNotAllowed)
	}
	host := u.Hostname()
	if host == "" {
		return "", fmt.Errorf("%w: missing host", ErrSinkNotAllowed)
	}

	if addr, err := netip.ParseAddr(host); err == nil {
		addr = addr.Unmap()
		if !policy.AllowPrivate && blockedAddr(addr) {
			return "", fmt.Errorf("%w: blocked address %s", ErrSinkNotAllowed, addr)
		}
	} else {
		ascii, err := idna.Lookup.ToASCII(strings.TrimSuffix(host, "."))
		if err != nil {
			return "", fmt.Errorf("%w: host %q: %v", ErrSinkNotAllowed, host, err)
		}
		host = strings.ToLower(ascii)
		if !policy.AllowPrivate && host == "localhost" {
			return "", fmt.Errorf("%w: blocked host %s", ErrSinkNotAllowed, host)
		}
		if port := u.Port(); port != "" {
			u.Host = host + ":" + port
		} else {
			u.Host = host
		}
	}
	u.Scheme = scheme
	return u.String(), nil
}

func blockedAddr(a netip.Addr) bool {
	return a.IsLoopback() || a.IsUnspecified() || a.IsLinkLocalUnicast() ||
		a.IsLinkLocalMulticast() || a.IsMulticast()
}

// SanitizeURL removes user info and query parameters for safe logging.
func SanitizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "invalid-url-redacted"
	}
	u.User = nil
	u.RawQuery = ""
	return u.String()
}
