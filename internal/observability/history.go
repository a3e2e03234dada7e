// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package observability

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// SessionRecord resume uma sessão do sender já finalizada.
type SessionRecord struct {
	SessionID    string    `json:"session_id"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
	Result       string    `json:"result"` // ok | failed
	Error        string    `json:"error,omitempty"`
	Bytes        int64     `json:"bytes"`
	Slices       int64     `json:"slices"`
	Rounds       int64     `json:"rounds"`
	Retransmits  int64     `json:"retransmits"`
	Clients      int       `json:"clients"`
	Dropped      int64     `json:"dropped"`
	DurationS    float64   `json:"duration_s"`
	ThroughputBS float64   `json:"throughput_bs"`
}

// History mantém as sessões recentes para /api/v1/sessions. Com path, cada
// sessão também é anexada a um JSONL que sobrevive a reinícios. Ao passar de
// maxLines o arquivo é compactado para as últimas maxLines/2 sessões.
type History struct {
	mu      sync.Mutex
	recent  []SessionRecord
	ringCap int

	path     string
	out      *os.File
	lines    int
	maxLines int
}

// NewHistory abre o histórico. path vazio mantém só a memória.
func NewHistory(path string, ringCap, maxLines int) (*History, error) {
	if ringCap <= 0 {
		ringCap = 100
	}
	if maxLines <= 0 {
		maxLines = 5000
	}
	h := &History{ringCap: ringCap, path: path, maxLines: maxLines}
	if path == "" {
		return h, nil
	}

	records, lines, err := readHistory(path)
	if err != nil {
		return nil, fmt.Errorf("read history %s: %w", path, err)
	}
	h.lines = lines
	if len(records) > ringCap {
		records = records[len(records)-ringCap:]
	}
	h.recent = records
	if h.out, err = appendHistory(path); err != nil {
		return nil, err
	}
	return h, nil
}

func appendHistory(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open history %s: %w", path, err)
	}
	return f, nil
}

// readHistory devolve os registros válidos e o total de linhas do arquivo.
// Linhas que não decodificam são ignoradas.
func readHistory(path string) ([]SessionRecord, int, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()

	var (
		records []SessionRecord
		lines   int
	)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		lines++
		var rec SessionRecord
		if json.Unmarshal(sc.Bytes(), &rec) == nil {
			records = append(records, rec)
		}
	}
	return records, lines, sc.Err()
}

func (h *History) remember(rec SessionRecord) {
	h.recent = append(h.recent, rec)
	if over := len(h.recent) - h.ringCap; over > 0 {
		h.recent = append(h.recent[:0], h.recent[over:]...)
	}
}

// Push guarda uma sessão finalizada. Falhas de escrita no arquivo só afetam
// a persistência.
func (h *History) Push(rec SessionRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.remember(rec)
	if h.out == nil {
		return
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return
	}
	if _, err := h.out.Write(append(line, '\n')); err != nil {
		return
	}
	if h.lines++; h.lines > h.maxLines {
		h.compact()
	}
}

// Recent devolve até limit sessões em ordem cronológica. limit <= 0 devolve
// todas as que estão em memória.
func (h *History) Recent(limit int) []SessionRecord {
	h.mu.Lock()
	defer h.mu.Unlock()

	from := 0
	if limit > 0 && limit < len(h.recent) {
		from = len(h.recent) - limit
	}
	out := make([]SessionRecord, len(h.recent)-from)
	copy(out, h.recent[from:])
	return out
}

func (h *History) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.out == nil {
		return nil
	}
	err := h.out.Close()
	h.out = nil
	return err
}

// compact reescreve o arquivo via rename com a metade mais recente.
func (h *History) compact() {
	records, _, err := readHistory(h.path)
	keep := h.maxLines / 2
	if err != nil || len(records) <= keep {
		return
	}
	records = records[len(records)-keep:]

	tmp := h.path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return
	}
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, rec := range records {
		enc.Encode(rec)
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmp)
		return
	}
	f.Close()

	h.out.Close()
	if err := os.Rename(tmp, h.path); err != nil {
		os.Remove(tmp)
	} else {
		h.lines = len(records)
	}
	if out, err := appendHistory(h.path); err == nil {
		h.out = out
	} else {
		h.out = nil
	}
}
