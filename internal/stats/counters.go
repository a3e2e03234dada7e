// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package stats reúne os contadores de uma sessão de transferência e as
// formas de exibi-los: linha de progresso, log periódico e trace CSV.
package stats

import (
	"sync/atomic"
	"time"
)

// Counters são os contadores atômicos de uma sessão, atualizados pela thread
// de rede e lidos por progress, reporter e pela API de status.
type Counters struct {
	bytes       atomic.Int64 // bytes de payload confirmados (sender) ou gravados (receiver)
	packets     atomic.Int64 // datagramas de dados enviados/recebidos
	retransmits atomic.Int64 // blocos reenviados (sender) ou pedidos (receiver)
	rounds      atomic.Int64 // rodadas de retransmissão
	slices      atomic.Int64 // slices concluídos
	sliceSize   atomic.Int64 // tamanho alvo atual, em blocos
	clients     atomic.Int64 // clientes ativos
	dropped     atomic.Int64 // clientes removidos por silêncio
	violations  atomic.Int64 // violações de protocolo descartadas
	stalls      atomic.Int64 // esperas da rede pelo destino (backpressure)

	startTime atomic.Int64 // unix nanos do início da transferência
}

// Snapshot é uma cópia consistente o bastante para exibição dos Counters.
type Snapshot struct {
	Bytes        int64   `json:"bytes"`
	Packets      int64   `json:"packets"`
	Retransmits  int64   `json:"retransmits"`
	Rounds       int64   `json:"rounds"`
	Slices       int64   `json:"slices"`
	SliceSize    int64   `json:"slice_size"`
	Clients      int64   `json:"clients"`
	Dropped      int64   `json:"dropped"`
	Violations   int64   `json:"violations"`
	Stalls       int64   `json:"stalls"`
	ElapsedS     float64 `json:"elapsed_s"`
	ThroughputBS float64 `json:"throughput_bps"`
}

// MarkStart registra o início da transferência (saída da enumeração).
func (c *Counters) MarkStart() { c.startTime.Store(time.Now().UnixNano()) }

// StartTime retorna o início registrado, ou zero.
func (c *Counters) StartTime() time.Time {
	ns := c.startTime.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

func (c *Counters) AddBytes(n int64)       { c.bytes.Add(n) }
func (c *Counters) AddPackets(n int64)     { c.packets.Add(n) }
func (c *Counters) AddRetransmits(n int64) { c.retransmits.Add(n) }
func (c *Counters) AddRound()              { c.rounds.Add(1) }
func (c *Counters) AddSlice()              { c.slices.Add(1) }
func (c *Counters) AddDropped()            { c.dropped.Add(1) }
func (c *Counters) AddViolation()          { c.violations.Add(1) }
func (c *Counters) AddStall()              { c.stalls.Add(1) }
func (c *Counters) SetSliceSize(n int)     { c.sliceSize.Store(int64(n)) }
func (c *Counters) SetClients(n int)       { c.clients.Store(int64(n)) }

func (c *Counters) Bytes() int64   { return c.bytes.Load() }
func (c *Counters) Packets() int64 { return c.packets.Load() }

// Snapshot lê todos os contadores.
func (c *Counters) Snapshot() Snapshot {
	s := Snapshot{
		Bytes:       c.bytes.Load(),
		Packets:     c.packets.Load(),
		Retransmits: c.retransmits.Load(),
		Rounds:      c.rounds.Load(),
		Slices:      c.slices.Load(),
		SliceSize:   c.sliceSize.Load(),
		Clients:     c.clients.Load(),
		Dropped:     c.dropped.Load(),
		Violations:  c.violations.Load(),
		Stalls:      c.stalls.Load(),
	}
	if start := c.StartTime(); !start.IsZero() {
		s.ElapsedS = time.Since(start).Seconds()
		if s.ElapsedS > 0 {
			s.ThroughputBS = float64(s.Bytes) / s.ElapsedS
		}
	}
	return s
}
