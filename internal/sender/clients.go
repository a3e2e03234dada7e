// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package sender

import (
	"net/netip"
	"sort"
	"sync"
	"time"
)

// Client é um receiver registrado na sessão.
type Client struct {
	Index        int            `json:"index"`
	Addr         netip.AddrPort `json:"addr"`
	Capabilities uint32         `json:"capabilities"`
	RcvBuf       uint32         `json:"rcvbuf"`
	JoinedAt     time.Time      `json:"joined_at"`
}

// Registry mantém os clientes por índice (slot no ready set) e por endereço.
// Os índices livres são reutilizados do menor para o maior.
type Registry struct {
	mu     sync.RWMutex
	slots  []*Client
	byAddr map[netip.AddrPort]int
}

// NewRegistry cria um registro com capacidade para capacity clientes.
func NewRegistry(capacity int) *Registry {
	return &Registry{
		slots:  make([]*Client, capacity),
		byAddr: make(map[netip.AddrPort]int),
	}
}

// Add registra o cliente em addr e retorna seu índice. Um ConnectReq repetido
// do mesmo endereço devolve o índice já atribuído. ok é false se não há slot.
func (r *Registry) Add(addr netip.AddrPort, caps, rcvbuf uint32) (idx int, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if idx, exists := r.byAddr[addr]; exists {
		return idx, true
	}
	for i, c := range r.slots {
		if c == nil {
			r.slots[i] = &Client{Index: i, Addr: addr, Capabilities: caps, RcvBuf: rcvbuf, JoinedAt: time.Now()}
			r.byAddr[addr] = i
			return i, true
		}
	}
	return -1, false
}

// Lookup retorna o índice do cliente em addr.
func (r *Registry) Lookup(addr netip.AddrPort) (int, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	idx, ok := r.byAddr[addr]
	return idx, ok
}

// Get retorna o cliente no índice, ou nil.
func (r *Registry) Get(idx int) *Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if idx < 0 || idx >= len(r.slots) {
		return nil
	}
	return r.slots[idx]
}

// Remove libera o slot do cliente. Retorna false se já estava livre.
func (r *Registry) Remove(idx int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if idx < 0 || idx >= len(r.slots) || r.slots[idx] == nil {
		return false
	}
	delete(r.byAddr, r.slots[idx].Addr)
	r.slots[idx] = nil
	return true
}

// Count retorna quantos clientes estão registrados.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byAddr)
}

// Active retorna os índices registrados, em ordem crescente.
func (r *Registry) Active() []int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]int, 0, len(r.byAddr))
	for _, idx := range r.byAddr {
		out = append(out, idx)
	}
	sort.Ints(out)
	return out
}

// Clients retorna cópias dos clientes registrados, por índice.
func (r *Registry) Clients() []Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Client, 0, len(r.byAddr))
	for _, c := range r.slots {
		if c != nil {
			out = append(out, *c)
		}
	}
	return out
}
