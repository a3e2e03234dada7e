// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package transport

import (
	"net/netip"
	"sync"
	"sync/atomic"
	"time"
)

// memQueueSize é a capacidade da fila de cada endpoint em memória. Datagramas
// que não cabem são descartados, como um socket UDP com buffer cheio.
const memQueueSize = 8192

// FilterFunc decide se um datagrama é entregue ao destinatário to.
// Retornar false descarta o datagrama (perda simulada).
type FilterFunc func(from, to netip.AddrPort, p []byte) bool

// ObserveFunc é chamada uma vez por WriteTo, antes de qualquer filtro.
type ObserveFunc func(from, dst netip.AddrPort, p []byte)

// Hub é uma rede de datagramas em memória: entrega unicast, broadcast (para
// todos os endpoints na porta de destino) e multicast (para os membros do
// grupo na porta de destino). Usado em testes e simulações dos engines.
type Hub struct {
	mu        sync.RWMutex
	endpoints map[netip.AddrPort]*MemConn
	broadcast netip.Addr
	filter    FilterFunc
	observers []ObserveFunc

	// ReadTimeout é o timeout de ReadFrom dos endpoints criados depois.
	ReadTimeout time.Duration
}

// NewHub cria uma rede em memória. broadcast é o endereço tratado como
// broadcast da sub-rede, além de 255.255.255.255.
func NewHub(broadcast netip.Addr) *Hub {
	return &Hub{
		endpoints:   make(map[netip.AddrPort]*MemConn),
		broadcast:   broadcast,
		ReadTimeout: 5 * time.Millisecond,
	}
}

// SetFilter instala a função de perda simulada.
func (h *Hub) SetFilter(fn FilterFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.filter = fn
}

// Observe registra uma função chamada para cada datagrama enviado.
func (h *Hub) Observe(fn ObserveFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.observers = append(h.observers, fn)
}

// Listen cria um endpoint no endereço local addr.
func (h *Hub) Listen(addr netip.AddrPort) *MemConn {
	h.mu.Lock()
	defer h.mu.Unlock()

	c := &MemConn{
		hub:     h,
		local:   addr,
		inbox:   make(chan datagram, memQueueSize),
		done:    make(chan struct{}),
		groups:  make(map[netip.Addr]bool),
		timeout: h.ReadTimeout,
	}
	h.endpoints[addr] = c
	return c
}

func (h *Hub) deliver(from netip.AddrPort, p []byte, dst netip.AddrPort) {
	h.mu.RLock()
	observers := h.observers
	filter := h.filter
	var targets []*MemConn
	switch {
	case dst.Addr().IsMulticast():
		for _, c := range h.endpoints {
			if c.local.Port() == dst.Port() && c.member(dst.Addr()) {
				targets = append(targets, c)
			}
		}
	case dst.Addr() == h.broadcast || dst.Addr() == netip.IPv4Unspecified() || dst.Addr() == netip.AddrFrom4([4]byte{255, 255, 255, 255}):
		for _, c := range h.endpoints {
			if c.local.Port() == dst.Port() {
				targets = append(targets, c)
			}
		}
	default:
		if c, ok := h.endpoints[dst]; ok {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, fn := range observers {
		fn(from, dst, p)
	}

	for _, c := range targets {
		if c.local == from {
			continue
		}
		if filter != nil && !filter(from, c.local, p) {
			continue
		}
		buf := make([]byte, len(p))
		copy(buf, p)
		c.push(datagram{from: from, data: buf})
	}
}

func (h *Hub) remove(c *MemConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.endpoints[c.local] == c {
		delete(h.endpoints, c.local)
	}
}

type datagram struct {
	from netip.AddrPort
	data []byte
}

// MemConn é um endpoint do Hub. Implementa Conn e Counter.
type MemConn struct {
	hub     *Hub
	local   netip.AddrPort
	inbox   chan datagram
	done    chan struct{}
	once    sync.Once
	timeout time.Duration

	gmu    sync.RWMutex
	groups map[netip.Addr]bool

	packets atomic.Int64
	bytes   atomic.Int64
}

func (c *MemConn) member(group netip.Addr) bool {
	c.gmu.RLock()
	defer c.gmu.RUnlock()
	return c.groups[group]
}

func (c *MemConn) push(d datagram) {
	select {
	case <-c.done:
	case c.inbox <- d:
	default:
		// fila cheia: descartado
	}
}

// WriteTo implementa Conn.
func (c *MemConn) WriteTo(p []byte, dst netip.AddrPort) (int, error) {
	select {
	case <-c.done:
		return 0, ErrClosed
	default:
	}
	c.packets.Add(1)
	c.bytes.Add(int64(len(p)))
	c.hub.deliver(c.local, p, dst)
	return len(p), nil
}

// ReadFrom implementa Conn.
func (c *MemConn) ReadFrom(p []byte) (int, netip.AddrPort, error) {
	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case d := <-c.inbox:
		n := copy(p, d.data)
		c.packets.Add(1)
		c.bytes.Add(int64(n))
		return n, d.from, nil
	case <-timer.C:
		return 0, netip.AddrPort{}, ErrTimeout
	case <-c.done:
		return 0, netip.AddrPort{}, ErrClosed
	}
}

// JoinGroup implementa Conn.
func (c *MemConn) JoinGroup(group netip.Addr) error {
	c.gmu.Lock()
	defer c.gmu.Unlock()
	c.groups[group] = true
	return nil
}

// LocalAddr implementa Conn.
func (c *MemConn) LocalAddr() netip.AddrPort {
	return c.local
}

// Close implementa Conn.
func (c *MemConn) Close() error {
	c.once.Do(func() {
		close(c.done)
		c.hub.remove(c)
	})
	return nil
}

// Packets implementa Counter.
func (c *MemConn) Packets() int64 { return c.packets.Load() }

// Bytes implementa Counter.
func (c *MemConn) Bytes() int64 { return c.bytes.Load() }
