// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package observability

import (
	"errors"
	"sync"
	"time"

	"github.com/nishisan-dev/n-cast/internal/sender"
)

// Session é o que o Tracker precisa de uma sessão em andamento.
type Session interface {
	Status() sender.Status
	Start()
}

// Tracker acompanha a sessão corrente do processo. Em modo daemon cada
// execução agendada faz Attach e, ao terminar, Finish.
type Tracker struct {
	mu      sync.Mutex
	current Session
	started time.Time
	history *History
}

// NewTracker cria o tracker. history pode ser nil.
func NewTracker(history *History) *Tracker {
	return &Tracker{history: history}
}

// Attach registra a sessão corrente.
func (t *Tracker) Attach(s Session) {
	t.mu.Lock()
	t.current = s
	t.started = time.Now()
	t.mu.Unlock()
}

// Status retorna o status da sessão corrente, se houver.
func (t *Tracker) Status() (sender.Status, bool) {
	t.mu.Lock()
	s := t.current
	t.mu.Unlock()
	if s == nil {
		return sender.Status{}, false
	}
	return s.Status(), true
}

// Start encerra a enumeração da sessão corrente. Retorna false sem sessão.
func (t *Tracker) Start() bool {
	t.mu.Lock()
	s := t.current
	t.mu.Unlock()
	if s == nil {
		return false
	}
	s.Start()
	return true
}

// Finish desassocia a sessão corrente e a registra no histórico.
func (t *Tracker) Finish(sessionID string, sum *sender.Summary, err error) SessionRecord {
	t.mu.Lock()
	started := t.started
	t.current = nil
	t.mu.Unlock()

	rec := SessionRecord{
		SessionID:  sessionID,
		StartedAt:  started,
		FinishedAt: time.Now(),
		Result:     "ok",
	}
	if err != nil {
		rec.Result = "failed"
		rec.Error = err.Error()
		if errors.Is(err, sender.ErrNoClients) {
			rec.Result = "no_clients"
		}
	}
	if sum != nil {
		rec.Bytes = sum.Bytes
		rec.Slices = sum.Slices
		rec.Rounds = sum.Rounds
		rec.Retransmits = sum.Retransmits
		rec.Clients = sum.Clients
		rec.Dropped = sum.Dropped
		rec.DurationS = sum.Duration.Seconds()
		if rec.DurationS > 0 {
			rec.ThroughputBS = float64(sum.Bytes) / rec.DurationS
		}
	}
	if t.history != nil {
		t.history.Push(rec)
	}
	return rec
}

// History retorna o histórico associado (pode ser nil).
func (t *Tracker) History() *History {
	return t.history
}
