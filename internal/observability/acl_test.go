// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package observability

import (
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"testing"
)

func parsePrefixes(t *testing.T, cidrs ...string) []netip.Prefix {
	t.Helper()
	out := make([]netip.Prefix, 0, len(cidrs))
	for _, c := range cidrs {
		out = append(out, netip.MustParsePrefix(c))
	}
	return out
}

func TestACL_Allowed(t *testing.T) {
	acl := NewACL(parsePrefixes(t, "127.0.0.1/32", "10.20.0.0/16"))

	allowed := []string{
		"127.0.0.1:8080",
		"127.0.0.1",
		"10.20.3.4:50000",
		"[::ffff:10.20.0.9]:443",
	}
	for _, remote := range allowed {
		if !acl.Allowed(remote) {
			t.Errorf("%s should be allowed", remote)
		}
	}

	denied := []string{
		"10.21.0.1:80",
		"192.168.0.10:9000",
		"[::1]:8080",
		"sender.local:80",
		"",
	}
	for _, remote := range denied {
		if acl.Allowed(remote) {
			t.Errorf("%s should be denied", remote)
		}
	}
}

func TestACL_EmptyDeniesLoopback(t *testing.T) {
	if NewACL(nil).Allowed("127.0.0.1:1") {
		t.Fatal("empty acl must deny everything")
	}
}

func TestACL_MiddlewareStatus(t *testing.T) {
	var reached int
	h := NewACL(parsePrefixes(t, "127.0.0.1/32")).Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reached++
		w.WriteHeader(http.StatusNoContent)
	}))

	for _, tc := range []struct {
		remote string
		code   int
	}{
		{"127.0.0.1:40000", http.StatusNoContent},
		{"10.0.0.7:40000", http.StatusForbidden},
	} {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/session", nil)
		req.RemoteAddr = tc.remote
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		if rec.Code != tc.code {
			t.Errorf("%s: expected %d, got %d", tc.remote, tc.code, rec.Code)
		}
		if tc.code == http.StatusForbidden && !strings.Contains(rec.Body.String(), `"forbidden"`) {
			t.Errorf("%s: expected json error body, got %s", tc.remote, rec.Body.String())
		}
	}
	if reached != 1 {
		t.Errorf("handler should run once, ran %d times", reached)
	}
}
