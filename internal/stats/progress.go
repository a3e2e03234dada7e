// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package stats

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// ProgressReporter exibe o progresso da transferência no terminal.
// Mostra barra, bytes, velocidade média e do intervalo, pacotes/s, tamanho
// do slice e clientes.
type ProgressReporter struct {
	name       string
	counters   *Counters
	totalBytes int64
	out        io.Writer

	mu          sync.Mutex
	startTime   time.Time
	lastBytes   int64
	lastPackets int64
	lastTime    time.Time

	done chan struct{}
	once sync.Once
}

// NewProgressReporter cria um reporter e inicia o ticker de renderização.
// totalBytes <= 0 significa tamanho desconhecido (spinner, sem ETA).
func NewProgressReporter(name string, counters *Counters, totalBytes int64) *ProgressReporter {
	now := time.Now()
	p := &ProgressReporter{
		name:       name,
		counters:   counters,
		totalBytes: totalBytes,
		out:        os.Stderr,
		startTime:  now,
		lastTime:   now,
		done:       make(chan struct{}),
	}
	go p.renderLoop()
	return p
}

// Stop para o ticker e imprime a linha final.
func (p *ProgressReporter) Stop() {
	p.once.Do(func() {
		close(p.done)
		p.render(true)
	})
}

// renderLoop atualiza o terminal a cada 500ms.
func (p *ProgressReporter) renderLoop() {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			p.render(false)
		}
	}
}

func (p *ProgressReporter) render(final bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	snap := p.counters.Snapshot()
	now := time.Now()

	// A contagem começa no Go; antes disso o elapsed é o da enumeração.
	start := p.counters.StartTime()
	if start.IsZero() {
		start = p.startTime
	}
	elapsed := now.Sub(start)

	var avg float64
	if sec := elapsed.Seconds(); sec > 0.1 {
		avg = float64(snap.Bytes) / sec
	}

	var cur, pps float64
	if dt := now.Sub(p.lastTime).Seconds(); dt > 0.1 {
		cur = float64(snap.Bytes-p.lastBytes) / dt
		pps = float64(snap.Packets-p.lastPackets) / dt
	}
	p.lastBytes, p.lastPackets, p.lastTime = snap.Bytes, snap.Packets, now

	line := fmt.Sprintf("\r[%s] %s  %s  │  avg %s/s  cur %s/s  │  %s pkt/s  │  slice %d  │  clients %d  │  %s  │  ETA %s",
		p.name, progressBar(snap.Bytes, p.totalBytes, elapsed), FormatBytes(snap.Bytes),
		FormatBytes(int64(avg)), FormatBytes(int64(cur)), FormatNumber(int64(pps)),
		snap.SliceSize, snap.Clients, FormatDuration(elapsed), eta(snap.Bytes, p.totalBytes, avg),
	)
	if snap.Retransmits > 0 {
		line += fmt.Sprintf("  │  rxmit: %d", snap.Retransmits)
	}

	// Pad com espaços para limpar restos de linha anterior
	if len(line) < 140 {
		line += strings.Repeat(" ", 140-len(line))
	}

	if final {
		fmt.Fprintf(p.out, "%s\n", line)
	} else {
		fmt.Fprint(p.out, line)
	}
}

// progressBar desenha 30 colunas: proporcional se o total é conhecido,
// spinner caso contrário.
func progressBar(bytes, total int64, elapsed time.Duration) string {
	const barWidth = 30
	if total > 0 {
		pct := float64(bytes) / float64(total)
		if pct > 1.0 {
			pct = 1.0
		}
		filled := min(int(pct*barWidth), barWidth)
		return strings.Repeat("█", filled) + strings.Repeat("░", barWidth-filled)
	}
	pos := int(elapsed.Seconds()*2) % barWidth
	return strings.Repeat("░", pos) + "█" + strings.Repeat("░", barWidth-pos-1)
}

func eta(bytes, total int64, speed float64) string {
	if total <= 0 || speed <= 0 || bytes <= 0 {
		return "∞"
	}
	remaining := max(float64(total)-float64(bytes), 0)
	return FormatDuration(time.Duration(remaining / speed * float64(time.Second)))
}

// FormatBytes formata bytes em unidades legíveis.
func FormatBytes(b int64) string {
	switch {
	case b >= 1024*1024*1024:
		return fmt.Sprintf("%.1f GB", float64(b)/(1024*1024*1024))
	case b >= 1024*1024:
		return fmt.Sprintf("%.1f MB", float64(b)/(1024*1024))
	case b >= 1024:
		return fmt.Sprintf("%.1f KB", float64(b)/1024)
	default:
		return fmt.Sprintf("%d B", b)
	}
}

// FormatDuration formata duração como M:SS ou H:MM:SS.
func FormatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%d:%02d", m, s)
}

// FormatNumber formata número com separador de milhar.
func FormatNumber(n int64) string {
	s := fmt.Sprintf("%d", n)
	if len(s) <= 3 {
		return s
	}
	var result []byte
	for i, c := range s {
		if i > 0 && (len(s)-i)%3 == 0 {
			result = append(result, ',')
		}
		result = append(result, byte(c))
	}
	return string(result)
}
