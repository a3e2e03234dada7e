// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package observability provê a API HTTP de status e o histórico de sessões
// do ncast-sender.
package observability

import (
	"net/http"
	"net/netip"
)

// ACL restringe a API de status aos prefixos de observability.allow.
// Sem prefixos nada passa.
type ACL struct {
	allow []netip.Prefix
}

// NewACL recebe os prefixos já validados por config.ObservabilityInfo.
func NewACL(allow []netip.Prefix) *ACL {
	return &ACL{allow: allow}
}

// Middleware recusa com 403 JSON as requisições de origem fora da ACL.
func (a *ACL) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.Allowed(r.RemoteAddr) {
			next.ServeHTTP(w, r)
			return
		}
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "forbidden"})
	})
}

// Allowed aceita "ip:porta" (formato de http.Request.RemoteAddr) ou o IP puro.
func (a *ACL) Allowed(remote string) bool {
	var addr netip.Addr
	if ap, err := netip.ParseAddrPort(remote); err == nil {
		addr = ap.Addr()
	} else if ip, err := netip.ParseAddr(remote); err == nil {
		addr = ip
	} else {
		return false
	}

	// receivers e operadores chegam por IPv4, inclusive via socket dual-stack
	addr = addr.Unmap()
	for _, p := range a.allow {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}
