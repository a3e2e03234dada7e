// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package config

import (
	"fmt"
	"net/netip"
	"os"
	"time"

	"github.com/nishisan-dev/n-cast/internal/protocol"
	"github.com/nishisan-dev/n-cast/internal/storage"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// SenderConfig representa a configuração completa do ncast-sender.
type SenderConfig struct {
	Network       SenderNetwork     `yaml:"network"`
	Source        SourceInfo        `yaml:"source"`
	Transfer      SenderTransfer    `yaml:"transfer"`
	Start         StartInfo         `yaml:"start"`
	Daemon        DaemonInfo        `yaml:"daemon"`
	Observability ObservabilityInfo `yaml:"observability"`
	Stats         StatsInfo         `yaml:"stats"`
	Logging       LoggingInfo       `yaml:"logging"`
}

// SenderNetwork contém a configuração do socket do sender.
type SenderNetwork struct {
	Interface      string `yaml:"interface"`       // nome ou IPv4 (vazio = primeira interface multicast)
	PortBase       int    `yaml:"port_base"`       // receivers em port_base, sender em port_base+1
	MulticastGroup string `yaml:"multicast_group"` // vazio = derivado do IP da interface
	TTL            int    `yaml:"ttl"`
	DSCP           string `yaml:"dscp"`     // ex: "EF", "AF41"
	MaxRate        string `yaml:"max_rate"` // ex: "100mb" por segundo (vazio = sem limite)
	SndBuf         string `yaml:"sndbuf"`
	P2P            bool   `yaml:"p2p"` // com um único receiver, dados em unicast

	DSCPValue  int        `yaml:"-"`
	MaxRateRaw int64      `yaml:"-"`
	SndBufRaw  int64      `yaml:"-"`
	GroupAddr  netip.Addr `yaml:"-"` // inválido quando derivado da interface
}

// SourceInfo descreve a imagem transmitida.
type SourceInfo struct {
	Path        string            `yaml:"path"`        // arquivo, dispositivo, "-" (stdin) ou s3://bucket/key
	Compression string            `yaml:"compression"` // none, gzip, zstd, auto (default)
	Size        string            `yaml:"size"`        // limita os bytes lidos (vazio = tudo)
	S3          *storage.S3Config `yaml:"s3"`

	SizeRaw int64 `yaml:"-"`
}

// SenderTransfer contém os parâmetros do protocolo.
type SenderTransfer struct {
	BlockSize      int           `yaml:"block_size"`
	SliceSize      int           `yaml:"slice_size"`
	MinSliceSize   int           `yaml:"min_slice_size"`
	MaxSliceSize   int           `yaml:"max_slice_size"`
	MaxClients     int           `yaml:"max_clients"`
	BufferSize     string        `yaml:"buffer_size"`
	ReadChunk      string        `yaml:"read_chunk"`
	AckTimeout     time.Duration `yaml:"ack_timeout"`
	MaxWaitRetries int           `yaml:"max_wait_retries"`
	PollInterval   time.Duration `yaml:"poll_interval"`

	BufferSizeRaw int64 `yaml:"-"`
	ReadChunkRaw  int64 `yaml:"-"`
}

// StartInfo define quando a enumeração termina sem intervenção do operador.
type StartInfo struct {
	Wait          time.Duration `yaml:"wait"`        // inatividade que dispara o início (0 = desabilitado)
	MinClients    int           `yaml:"min_clients"` // início com N receivers (0 = desabilitado)
	HelloInterval time.Duration `yaml:"hello_interval"`
}

// maxClients limita o ready set de um ReqAck a 8KB.
const maxClients = 65536

// LoadSenderConfig lê e valida o arquivo YAML de configuração do sender.
func LoadSenderConfig(path string) (*SenderConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading sender config: %w", err)
	}

	var cfg SenderConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing sender config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating sender config: %w", err)
	}

	return &cfg, nil
}

// SenderPort retorna a porta local do sender.
func (c *SenderConfig) SenderPort() int { return c.Network.PortBase + 1 }

// ReceiverPort retorna a porta dos receivers (destino dos Hello e dos dados).
func (c *SenderConfig) ReceiverPort() int { return c.Network.PortBase }

// ValidateDaemon confere os requisitos do modo daemon: sem operador, cada
// sessão agendada precisa de um gatilho automático de início.
func (c *SenderConfig) ValidateDaemon() error {
	if c.Daemon.Schedule == "" {
		return fmt.Errorf("daemon.schedule is required in daemon mode")
	}
	if _, err := cron.ParseStandard(c.Daemon.Schedule); err != nil {
		return fmt.Errorf("daemon.schedule %q: %w", c.Daemon.Schedule, err)
	}
	if c.Start.Wait <= 0 && c.Start.MinClients <= 0 {
		return fmt.Errorf("daemon mode requires start.wait or start.min_clients")
	}
	if c.Source.Path == "-" {
		return fmt.Errorf("daemon mode cannot read the image from stdin")
	}
	return nil
}

func (c *SenderConfig) validate() error {
	var err error

	// Network
	if c.Network.PortBase == 0 {
		c.Network.PortBase = DefaultPortBase
	}
	if c.Network.PortBase < 1 || c.Network.PortBase > 65534 {
		return fmt.Errorf("network.port_base must be between 1 and 65534, got %d", c.Network.PortBase)
	}
	if c.Network.MulticastGroup != "" {
		addr, perr := netip.ParseAddr(c.Network.MulticastGroup)
		if perr != nil {
			return fmt.Errorf("network.multicast_group: %w", perr)
		}
		if !addr.Is4() || !addr.IsMulticast() {
			return fmt.Errorf("network.multicast_group must be an IPv4 multicast address, got %s", addr)
		}
		c.Network.GroupAddr = addr
	}
	if c.Network.TTL <= 0 {
		c.Network.TTL = 1
	}
	if c.Network.TTL > 255 {
		return fmt.Errorf("network.ttl must be at most 255, got %d", c.Network.TTL)
	}
	if c.Network.DSCPValue, err = validateDSCP("network.dscp", c.Network.DSCP); err != nil {
		return err
	}
	if c.Network.MaxRateRaw, err = parseOptionalSize("network.max_rate", c.Network.MaxRate, 0); err != nil {
		return err
	}
	if c.Network.SndBufRaw, err = parseOptionalSize("network.sndbuf", c.Network.SndBuf, 0); err != nil {
		return err
	}

	// Source
	if c.Source.Path == "" {
		return fmt.Errorf("source.path is required")
	}
	if c.Source.Compression, err = validateCompression("source.compression", c.Source.Compression, true); err != nil {
		return err
	}
	if c.Source.SizeRaw, err = parseOptionalSize("source.size", c.Source.Size, 0); err != nil {
		return err
	}

	// Transfer
	t := &c.Transfer
	maxBlock := protocol.MaxDatagramSize - protocol.DataHeaderSize
	if t.BlockSize == 0 {
		t.BlockSize = 1456
	}
	if t.BlockSize < 1 || t.BlockSize > maxBlock {
		return fmt.Errorf("transfer.block_size must be between 1 and %d, got %d", maxBlock, t.BlockSize)
	}
	if t.MaxSliceSize == 0 {
		t.MaxSliceSize = protocol.DefaultMaxSliceBlocks
	}
	if t.MaxSliceSize < 1 || t.MaxSliceSize > 65536 {
		return fmt.Errorf("transfer.max_slice_size must be between 1 and 65536, got %d", t.MaxSliceSize)
	}
	if t.MinSliceSize == 0 {
		t.MinSliceSize = min(32, t.MaxSliceSize)
	}
	if t.MinSliceSize < 1 || t.MinSliceSize > t.MaxSliceSize {
		return fmt.Errorf("transfer.min_slice_size must be between 1 and max_slice_size (%d), got %d", t.MaxSliceSize, t.MinSliceSize)
	}
	if t.SliceSize == 0 {
		t.SliceSize = max(t.MinSliceSize, min(128, t.MaxSliceSize))
	}
	if t.SliceSize < t.MinSliceSize || t.SliceSize > t.MaxSliceSize {
		return fmt.Errorf("transfer.slice_size must be between %d and %d, got %d", t.MinSliceSize, t.MaxSliceSize, t.SliceSize)
	}
	if t.MaxClients == 0 {
		t.MaxClients = protocol.DefaultMaxClients
	}
	if t.MaxClients < 1 || t.MaxClients > maxClients {
		return fmt.Errorf("transfer.max_clients must be between 1 and %d, got %d", maxClients, t.MaxClients)
	}
	minBuffer := int64(t.MaxSliceSize) * int64(t.BlockSize)
	if t.BufferSizeRaw, err = parseOptionalSize("transfer.buffer_size", t.BufferSize, 2*minBuffer); err != nil {
		return err
	}
	if t.BufferSizeRaw < minBuffer {
		return fmt.Errorf("transfer.buffer_size must hold at least one max slice (%d bytes), got %s", minBuffer, t.BufferSize)
	}
	if t.ReadChunkRaw, err = parseOptionalSize("transfer.read_chunk", t.ReadChunk, 256*1024); err != nil {
		return err
	}
	if t.ReadChunkRaw < 1 {
		return fmt.Errorf("transfer.read_chunk must be positive")
	}
	if t.AckTimeout <= 0 {
		t.AckTimeout = time.Second
	}
	if t.MaxWaitRetries <= 0 {
		t.MaxWaitRetries = 10
	}
	if t.PollInterval <= 0 {
		t.PollInterval = time.Millisecond
	}

	// Start
	if c.Start.MinClients < 0 || c.Start.MinClients > t.MaxClients {
		return fmt.Errorf("start.min_clients must be between 0 and transfer.max_clients (%d), got %d", t.MaxClients, c.Start.MinClients)
	}
	if c.Start.Wait < 0 {
		return fmt.Errorf("start.wait must not be negative")
	}
	if c.Start.HelloInterval <= 0 {
		c.Start.HelloInterval = time.Second
	}

	if err := c.Observability.validate(); err != nil {
		return err
	}
	c.Stats.setDefaults()
	c.Logging.setDefaults()
	return nil
}
