package stats

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	psnet "github.com/shirou/gopsutil/v3/net"
)

// HostSample é a última leitura do host durante a transferência.
// Drops e erros da NIC são contados a partir do início do monitor.
type HostSample struct {
	CPUPercent  float64 `json:"cpu_percent"`
	MemPercent  float64 `json:"mem_percent"`
	DiskPercent float64 `json:"disk_percent"`
	Load1       float64 `json:"load1"`
	NICDrops    uint64  `json:"nic_drops"`
	NICErrors   uint64  `json:"nic_errors"`
}

// HostMonitor amostra o host em intervalos fixos.
type HostMonitor struct {
	logger   *slog.Logger
	disk     string
	nic      string
	interval time.Duration

	baseDrops, baseErrs uint64

	mu     sync.RWMutex
	last   HostSample
	cancel context.CancelFunc
	done   chan struct{}
}

// NewHostMonitor prepara o monitor. mount é o filesystem da imagem e nic a
// interface da sessão (vazio soma todas).
func NewHostMonitor(logger *slog.Logger, mount, nic string, interval time.Duration) *HostMonitor {
	if mount == "" {
		mount = "/"
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &HostMonitor{
		logger:   logger.With("component", "host_monitor"),
		disk:     mount,
		nic:      nic,
		interval: interval,
	}
}

// Start fixa a linha de base dos contadores da NIC e inicia a coleta.
func (m *HostMonitor) Start() {
	m.baseDrops, m.baseErrs, _ = m.nicCounters()

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.loop(ctx)
}

// Stop encerra a coleta. Seguro sem Start.
func (m *HostMonitor) Stop() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	<-m.done
}

// Sample devolve a última leitura.
func (m *HostMonitor) Sample() HostSample {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last
}

func (m *HostMonitor) loop(ctx context.Context) {
	defer close(m.done)

	t := time.NewTicker(m.interval)
	defer t.Stop()

	for {
		m.sample()
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

func (m *HostMonitor) sample() {
	var s HostSample

	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		s.CPUPercent = pct[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		s.MemPercent = vm.UsedPercent
	}
	if du, err := disk.Usage(m.disk); err == nil {
		s.DiskPercent = du.UsedPercent
	} else {
		m.logger.Debug("disk usage unavailable", "path", m.disk, "error", err)
	}
	if avg, err := load.Avg(); err == nil {
		s.Load1 = avg.Load1
	}

	drops, errs, err := m.nicCounters()
	if err != nil {
		m.logger.Debug("nic counters unavailable", "nic", m.nic, "error", err)
	} else {
		s.NICDrops = sub(drops, m.baseDrops)
		s.NICErrors = sub(errs, m.baseErrs)
	}

	m.mu.Lock()
	prev := m.last
	m.last = s
	m.mu.Unlock()

	// perda na NIC aparece aqui antes de virar retransmissão
	if s.NICDrops > prev.NICDrops {
		m.logger.Warn("nic dropping packets", "nic", m.nic, "drops", s.NICDrops, "new", s.NICDrops-prev.NICDrops)
	}
}

func (m *HostMonitor) nicCounters() (drops, errs uint64, err error) {
	counters, err := psnet.IOCounters(m.nic != "")
	if err != nil {
		return 0, 0, err
	}
	for _, c := range counters {
		if m.nic != "" && c.Name != m.nic {
			continue
		}
		drops += c.Dropin
		errs += c.Errin
	}
	return drops, errs, nil
}

// sub evita underflow quando o contador do kernel é zerado.
func sub(a, b uint64) uint64 {
	if a < b {
		return 0
	}
	return a - b
}
