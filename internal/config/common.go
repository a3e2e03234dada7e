// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package config carrega e valida os arquivos YAML do ncast-sender e do
// ncast-receiver.
package config

import (
	"fmt"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/nishisan-dev/n-cast/internal/storage"
	"github.com/nishisan-dev/n-cast/internal/transport"
)

// DefaultPortBase é a porta dos receivers; o sender usa DefaultPortBase+1.
const DefaultPortBase = 9000

// LoggingInfo contém configurações de logging.
type LoggingInfo struct {
	Level           string `yaml:"level"`
	Format          string `yaml:"format"`
	File            string `yaml:"file"`              // opcional, grava em console + arquivo
	SessionDir      string `yaml:"session_dir"`       // log dedicado por sessão (vazio = desabilitado)
	KeepSessionLogs bool   `yaml:"keep_session_logs"` // mantém o log da sessão mesmo em sucesso
}

// StatsInfo controla o relatório periódico e o trace CSV.
type StatsInfo struct {
	Interval  time.Duration `yaml:"interval"`   // default 30s
	TraceFile string        `yaml:"trace_file"` // CSV de eventos por slice (vazio = desabilitado)
	Monitor   bool          `yaml:"monitor"`    // inclui cpu/mem/disco/NIC nos relatórios
}

// DaemonInfo contém a cron expression do scheduler.
type DaemonInfo struct {
	Schedule string `yaml:"schedule"`
}

// ObservabilityInfo configura a API HTTP de status do sender.
type ObservabilityInfo struct {
	Listen      string   `yaml:"listen"`       // ex: "127.0.0.1:9848" (vazio = desabilitado)
	Allow       []string `yaml:"allow"`        // CIDRs com acesso (default: 127.0.0.1/32)
	HistoryFile string   `yaml:"history_file"` // JSONL das sessões finalizadas (vazio = só memória)
	HistorySize int      `yaml:"history_size"` // sessões mantidas em memória (default 100)

	AllowPrefixes []netip.Prefix `yaml:"-"`
}

func (o *ObservabilityInfo) validate() error {
	if o.Listen == "" {
		return nil
	}
	if len(o.Allow) == 0 {
		o.Allow = []string{"127.0.0.1/32"}
	}
	o.AllowPrefixes = o.AllowPrefixes[:0]
	for i, cidr := range o.Allow {
		p, err := netip.ParsePrefix(cidr)
		if err != nil {
			return fmt.Errorf("observability.allow[%d]: %w", i, err)
		}
		o.AllowPrefixes = append(o.AllowPrefixes, p.Masked())
	}
	if o.HistorySize <= 0 {
		o.HistorySize = 100
	}
	return nil
}

func (l *LoggingInfo) setDefaults() {
	if l.Level == "" {
		l.Level = "info"
	}
	if l.Format == "" {
		l.Format = "json"
	}
}

func (s *StatsInfo) setDefaults() {
	if s.Interval <= 0 {
		s.Interval = 30 * time.Second
	}
}

func validateDSCP(field, name string) (int, error) {
	v, err := transport.ParseDSCP(name)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}
	return v, nil
}

func validateCompression(field, name string, allowAuto bool) (string, error) {
	if name == "" {
		if allowAuto {
			return storage.CompressionAuto, nil
		}
		return storage.CompressionNone, nil
	}
	name = strings.ToLower(name)
	if !storage.ValidCompression(name) || (!allowAuto && name == storage.CompressionAuto) {
		return "", fmt.Errorf("%s: unsupported compression %q", field, name)
	}
	return name, nil
}

func parseOptionalSize(field, s string, def int64) (int64, error) {
	if s == "" {
		return def, nil
	}
	v, err := ParseByteSize(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}
	if v < 0 {
		return 0, fmt.Errorf("%s must not be negative, got %s", field, s)
	}
	return v, nil
}

// ParseByteSize converte strings human-readable como "256mb", "1gb" para bytes.
func ParseByteSize(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}

	// Ordenado do sufixo mais longo para o mais curto
	// para evitar que "mb" matche como "b"
	type suffix struct {
		s string
		m int64
	}
	suffixes := []suffix{
		{"tb", 1024 * 1024 * 1024 * 1024},
		{"gb", 1024 * 1024 * 1024},
		{"mb", 1024 * 1024},
		{"kb", 1024},
		{"b", 1},
	}

	for _, sfx := range suffixes {
		if strings.HasSuffix(s, sfx.s) {
			numStr := strings.TrimSpace(strings.TrimSuffix(s, sfx.s))
			num, err := strconv.ParseInt(numStr, 10, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid number %q: %w", numStr, err)
			}
			return num * sfx.m, nil
		}
	}

	// Tenta interpretar como número puro (bytes)
	num, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("unknown size format %q", s)
	}
	return num, nil
}
