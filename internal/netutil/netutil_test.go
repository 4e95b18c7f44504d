// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package netutil

import (
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAllowList(t *testing.T) {
	al, err := ParseAllowList([]string{"10.0.0.0/8", " 192.0.2.7 ", "", "2001:db8::/32"})
	require.NoError(t, err)

	assert.True(t, al.Contains(netip.MustParseAddr("10.1.2.3")))
	assert.True(t, al.Contains(netip.MustParseAddr("::ffff:10.1.2.3")))
	assert.True(t, al.Contains(netip.MustParseAddr("192.0.2.7")))
	assert.False(t, al.Contains(netip.MustParseAddr("192.0.2.8")))
	assert.True(t, al.Contains(netip.MustParseAddr("2001:db8::1")))

	_, err = ParseAllowList([]string{"not-an-ip"})
	assert.Error(t, err)
}

func TestAllowList_EmptyAllowsAll(t *testing.T) {
	al, err := ParseAllowList(nil)
	require.NoError(t, err)
	assert.True(t, al.Empty())
	assert.True(t, al.Contains(netip.MustParseAddr("203.0.113.1")))
}

func TestAllowList_Middleware(t *testing.T) {
	al, err := ParseAllowList([]string{"127.0.0.1"})
	require.NoError(t, err)
	h := al.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.RemoteAddr = "127.0.0.1:5555"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req.RemoteAddr = "198.51.100.1:5555"
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestValidateSinkURL(t *testing.T) {
	strict := SinkPolicy{}
	tests := []struct {
		in     string
		policy SinkPolicy
		want   string
		ok     bool
	}{
		{"https://sink.example/cb", strict, "https://sink.example/cb", true},
		{" HTTPS://Sink.Example:8443/cb ", strict, "https://sink.example:8443/cb", true},
		{"https://bücher.example/cb", strict, "https://xn--bcher-kva.example/cb", true},
		{"http://sink.example/cb", strict, "", false},
		{"http://sink.example/cb", SinkPolicy{AllowHTTP: true}, "http://sink.example/cb", true},
		{"https://user:pw@sink.example/cb", strict, "", false},
		{"https://sink.example/cb#frag", strict, "", false},
		{"https://127.0.0.1/cb", strict, "", false},
		{"https://localhost/cb", strict, "", false},
		{"https://127.0.0.1/cb", SinkPolicy{AllowPrivate: true}, "https://127.0.0.1/cb", true},
		{"ftp://sink.example", strict, "", false},
		{"", strict, "", false},
	}
	for _, tt := range tests {
		got, err := ValidateSinkURL(tt.in, tt.policy)
		if !tt.ok {
			assert.ErrorIs(t, err, ErrSinkNotAllowed, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}
}

func TestSanitizeURL(t *testing.T) {
	assert.Equal(t, "https://sink.example/cb", SanitizeURL("https://u:p@sink.example/cb?token=x"))
	assert.Equal(t, "invalid-url-redacted", SanitizeURL("://bad"))
}
