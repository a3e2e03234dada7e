// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package config

import (
	"fmt"
	"net/netip"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ReceiverConfig representa a configuração completa do ncast-receiver.
type ReceiverConfig struct {
	Network  ReceiverNetwork  `yaml:"network"`
	Sink     SinkInfo         `yaml:"sink"`
	Transfer ReceiverTransfer `yaml:"transfer"`
	Stats    StatsInfo        `yaml:"stats"`
	Logging  LoggingInfo      `yaml:"logging"`
}

// ReceiverNetwork contém a configuração do socket do receiver.
type ReceiverNetwork struct {
	Interface string `yaml:"interface"`
	PortBase  int    `yaml:"port_base"`
	Sender    string `yaml:"sender"` // IPv4 do sender; vazio = broadcast até o primeiro Hello
	RcvBuf    string `yaml:"rcvbuf"` // SO_RCVBUF, também anunciado no ConnectReq
	DSCP      string `yaml:"dscp"`

	SenderAddr netip.Addr `yaml:"-"`
	RcvBufRaw  int64      `yaml:"-"`
	DSCPValue  int        `yaml:"-"`
}

// SinkInfo descreve o destino da imagem recebida.
type SinkInfo struct {
	Path        string `yaml:"path"`        // arquivo, dispositivo ou "-" (stdout)
	Compression string `yaml:"compression"` // none (default), gzip, zstd
	Sync        bool   `yaml:"sync"`        // fsync antes de fechar
}

// ReceiverTransfer contém os parâmetros do pipeline de escrita.
type ReceiverTransfer struct {
	WriteChunk      string        `yaml:"write_chunk"`
	PipeSize        string        `yaml:"pipe_size"`
	MaxDrain        string        `yaml:"max_drain"`
	DrainInterval   time.Duration `yaml:"drain_interval"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	ConnectInterval time.Duration `yaml:"connect_interval"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	Linger          time.Duration `yaml:"linger"`
	AutoGo          bool          `yaml:"auto_go"`

	WriteChunkRaw int64 `yaml:"-"`
	PipeSizeRaw   int64 `yaml:"-"`
	MaxDrainRaw   int64 `yaml:"-"`
}

// LoadReceiverConfig lê e valida o arquivo YAML de configuração do receiver.
func LoadReceiverConfig(path string) (*ReceiverConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading receiver config: %w", err)
	}

	var cfg ReceiverConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing receiver config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating receiver config: %w", err)
	}

	return &cfg, nil
}

// ReceiverPort retorna a porta local do receiver.
func (c *ReceiverConfig) ReceiverPort() int { return c.Network.PortBase }

// SenderPort retorna a porta do sender (destino dos ConnectReq).
func (c *ReceiverConfig) SenderPort() int { return c.Network.PortBase + 1 }

func (c *ReceiverConfig) validate() error {
	var err error

	// Network
	if c.Network.PortBase == 0 {
		c.Network.PortBase = DefaultPortBase
	}
	if c.Network.PortBase < 1 || c.Network.PortBase > 65534 {
		return fmt.Errorf("network.port_base must be between 1 and 65534, got %d", c.Network.PortBase)
	}
	if c.Network.Sender != "" {
		addr, perr := netip.ParseAddr(c.Network.Sender)
		if perr != nil {
			return fmt.Errorf("network.sender: %w", perr)
		}
		if !addr.Is4() {
			return fmt.Errorf("network.sender must be an IPv4 address, got %s", addr)
		}
		c.Network.SenderAddr = addr
	}
	if c.Network.RcvBufRaw, err = parseOptionalSize("network.rcvbuf", c.Network.RcvBuf, 0); err != nil {
		return err
	}
	if c.Network.RcvBufRaw > 1<<32-1 {
		return fmt.Errorf("network.rcvbuf must fit in 32 bits, got %s", c.Network.RcvBuf)
	}
	if c.Network.DSCPValue, err = validateDSCP("network.dscp", c.Network.DSCP); err != nil {
		return err
	}

	// Sink
	if c.Sink.Path == "" {
		return fmt.Errorf("sink.path is required")
	}
	if c.Sink.Compression, err = validateCompression("sink.compression", c.Sink.Compression, false); err != nil {
		return err
	}

	// Transfer
	t := &c.Transfer
	if t.WriteChunkRaw, err = parseOptionalSize("transfer.write_chunk", t.WriteChunk, 1<<20); err != nil {
		return err
	}
	if t.WriteChunkRaw < 4096 || t.WriteChunkRaw > 64<<20 {
		return fmt.Errorf("transfer.write_chunk must be between 4kb and 64mb, got %s", t.WriteChunk)
	}
	if t.PipeSizeRaw, err = parseOptionalSize("transfer.pipe_size", t.PipeSize, 64<<20); err != nil {
		return err
	}
	if t.PipeSizeRaw < t.WriteChunkRaw {
		return fmt.Errorf("transfer.pipe_size must be at least write_chunk (%d bytes), got %s", t.WriteChunkRaw, t.PipeSize)
	}
	if t.MaxDrainRaw, err = parseOptionalSize("transfer.max_drain", t.MaxDrain, 16*t.WriteChunkRaw); err != nil {
		return err
	}
	if t.MaxDrainRaw < t.WriteChunkRaw {
		return fmt.Errorf("transfer.max_drain must be at least write_chunk (%d bytes), got %s", t.WriteChunkRaw, t.MaxDrain)
	}
	if t.DrainInterval <= 0 {
		t.DrainInterval = 2 * time.Millisecond
	}
	if t.PollInterval <= 0 {
		t.PollInterval = time.Millisecond
	}
	if t.ConnectInterval <= 0 {
		t.ConnectInterval = time.Second
	}
	if t.IdleTimeout <= 0 {
		t.IdleTimeout = 30 * time.Second
	}
	if t.Linger <= 0 {
		t.Linger = 3 * time.Second
	}

	c.Stats.setDefaults()
	c.Logging.setDefaults()
	return nil
}
