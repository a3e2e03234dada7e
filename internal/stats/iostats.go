// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package stats

import (
	"sync"
	"time"
)

// IOStats acumula as operações de storage (leituras do sender, escritas do
// receiver): quantidade, bytes e tempo ocupado.
type IOStats struct {
	mu    sync.Mutex
	ops   int64
	bytes int64
	busy  time.Duration
	max   time.Duration
	trace *Trace
	name  string
}

// NewIOStats cria o acumulador. Se trace não é nil, cada operação também vira
// um evento name no trace.
func NewIOStats(name string, trace *Trace) *IOStats {
	return &IOStats{name: name, trace: trace}
}

// Observe registra uma operação de n bytes iniciada em start.
func (s *IOStats) Observe(n int, start time.Time) {
	end := time.Now()
	d := end.Sub(start)

	s.mu.Lock()
	s.ops++
	s.bytes += int64(n)
	s.busy += d
	s.max = max(s.max, d)
	s.mu.Unlock()

	s.trace.Record(s.name, start, end)
}

// IOSummary é o resumo das operações de storage.
type IOSummary struct {
	Ops   int64         `json:"ops"`
	Bytes int64         `json:"bytes"`
	Busy  time.Duration `json:"busy_ns"`
	Max   time.Duration `json:"max_ns"`
}

// Summary retorna o resumo atual.
func (s *IOStats) Summary() IOSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return IOSummary{Ops: s.ops, Bytes: s.bytes, Busy: s.busy, Max: s.max}
}
