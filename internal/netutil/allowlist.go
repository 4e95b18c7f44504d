// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package netutil holds address allow-lists and sink URL checks.
package netutil

import (
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// AllowList is an immutable set of permitted caller prefixes, built once at
// startup. There is no mutation path; reloads build a new list.
type AllowList struct {
	prefixes []netip.Prefix
}

// ParseAllowList accepts CIDRs or bare IPs. An empty input allows everyone.
func ParseAllowList(entries []string) (*AllowList, error) {
	al := &AllowList{}
	for _, raw := range entries {
		entry := strings.TrimSpace(raw)
		if entry == "" {
			continue
		}
		if p, err := netip.ParsePrefix(entry); err == nil {
			al.prefixes = append(al.prefixes, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(entry)
		if err != nil {
			return nil, fmt.Errorf("invalid CIDR or IP: %q", raw)
		}
		addr = addr.Unmap()
		al.prefixes = append(al.prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return al, nil
}

// Empty reports whether the list places no restriction.
func (a *AllowList) Empty() bool { return a == nil || len(a.prefixes) == 0 }

// Contains reports whether addr is permitted.
func (a *AllowList) Contains(addr netip.Addr) bool {
	if a.Empty() {
		return true
	}
	addr = addr.Unmap()
	for _, p := range a.prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// Middleware rejects requests whose remote address is not in the list.
func (a *AllowList) Middleware(next http.Handler) http.Handler {
	if a.Empty() {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		addr, err := netip.ParseAddr(host)
		if err != nil || !a.Contains(addr) {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}
