// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package stats

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"
	"time"
)

// TraceEvent é um intervalo nomeado (slice, rodada, escrita em disco).
type TraceEvent struct {
	Name  string
	Start time.Time
	End   time.Time
}

// Trace acumula eventos de uma sessão para exportação em CSV.
// Seguro para uso concorrente pelas threads de rede e storage.
type Trace struct {
	mu     sync.Mutex
	origin time.Time
	events []TraceEvent
}

// NewTrace cria um trace com origem no instante atual.
func NewTrace() *Trace {
	return &Trace{origin: time.Now()}
}

// Record registra um intervalo. Um Trace nil ignora a chamada.
func (t *Trace) Record(name string, start, end time.Time) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = append(t.events, TraceEvent{Name: name, Start: start, End: end})
}

// Events retorna uma cópia dos eventos registrados.
func (t *Trace) Events() []TraceEvent {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]TraceEvent, len(t.events))
	copy(out, t.events)
	return out
}

// WriteCSV exporta os eventos com colunas event,start_ms,end_ms relativas à
// criação do trace.
func (t *Trace) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"event", "start_ms", "end_ms"}); err != nil {
		return err
	}
	for _, ev := range t.Events() {
		row := []string{
			ev.Name,
			strconv.FormatFloat(ms(ev.Start.Sub(t.origin)), 'f', 3, 64),
			strconv.FormatFloat(ms(ev.End.Sub(t.origin)), 'f', 3, 64),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteFile exporta o CSV para path.
func (t *Trace) WriteFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating trace file: %w", err)
	}
	if err := t.WriteCSV(f); err != nil {
		f.Close()
		return fmt.Errorf("writing trace file: %w", err)
	}
	return f.Close()
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
