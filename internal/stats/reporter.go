// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package stats

import (
	"context"
	"log/slog"
	"time"
)

const defaultStatsInterval = 30 * time.Second

// Reporter emite as métricas da sessão periodicamente no log.
type Reporter struct {
	counters *Counters
	monitor  *HostMonitor
	logger   *slog.Logger
	interval time.Duration
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewReporter cria um Reporter. monitor pode ser nil.
func NewReporter(counters *Counters, monitor *HostMonitor, logger *slog.Logger, interval time.Duration) *Reporter {
	if interval <= 0 {
		interval = defaultStatsInterval
	}
	return &Reporter{
		counters: counters,
		monitor:  monitor,
		logger:   logger,
		interval: interval,
		done:     make(chan struct{}),
	}
}

// Start inicia a goroutine de reporting periódico.
func (r *Reporter) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel

	go func() {
		defer close(r.done)
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				r.report()
			case <-ctx.Done():
				return
			}
		}
	}()

	r.logger.Debug("stats reporter started", "interval", r.interval)
}

// Stop para o reporter e aguarda a goroutine terminar.
func (r *Reporter) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	<-r.done
}

func (r *Reporter) report() {
	snap := r.counters.Snapshot()
	attrs := []any{
		"bytes", snap.Bytes,
		"packets", snap.Packets,
		"throughput", FormatBytes(int64(snap.ThroughputBS)) + "/s",
		"slices", snap.Slices,
		"slice_size", snap.SliceSize,
		"retransmits", snap.Retransmits,
		"rounds", snap.Rounds,
		"clients", snap.Clients,
		"dropped", snap.Dropped,
		"violations", snap.Violations,
		"stalls", snap.Stalls,
	}

	if r.monitor != nil {
		host := r.monitor.Sample()
		attrs = append(attrs,
			"cpu_percent", host.CPUPercent,
			"mem_percent", host.MemPercent,
			"disk_percent", host.DiskPercent,
			"load1", host.Load1,
			"nic_drops", host.NICDrops,
		)
	}

	r.logger.Info("transfer stats", attrs...)
}
