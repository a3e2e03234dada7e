// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package sender implementa o lado emissor: enumeração dos receivers, o loop
// de slices com retransmissão seletiva e o controle adaptativo do tamanho de
// slice, alimentado por uma goroutine que lê a origem para o ring buffer.
package sender

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/nishisan-dev/n-cast/internal/fifo"
	"github.com/nishisan-dev/n-cast/internal/protocol"
	"github.com/nishisan-dev/n-cast/internal/slice"
	"github.com/nishisan-dev/n-cast/internal/stats"
	"github.com/nishisan-dev/n-cast/internal/transport"
)

// Erros terminais da sessão.
var (
	ErrNoClients      = errors.New("sender: no receivers joined the session")
	ErrAllClientsLost = errors.New("sender: all receivers were lost")
)

// Estados da sessão, expostos pela API de status.
const (
	StateIdle         = "idle"
	StateEnumerating  = "enumerating"
	StateTransferring = "transferring"
	StateDraining     = "draining"
	StateDone         = "done"
	StateFailed       = "failed"
)

// Config contém os parâmetros de uma sessão do sender.
type Config struct {
	SessionID string

	BlockSize    int // bytes por bloco (payload de um Data)
	SliceSize    int // alvo inicial, em blocos
	MinSliceSize int // piso do alvo adaptativo, em blocos
	MaxSliceSize int // teto do alvo adaptativo, em blocos
	MaxClients   int

	BufferSize   int64 // capacidade do ring buffer
	ReadChunk    int   // tamanho de cada leitura da origem
	PollInterval time.Duration

	AckTimeout     time.Duration // silêncio que conta como rodada sem resposta
	MaxWaitRetries int           // ReqAcks sem resposta antes de remover o cliente

	HelloInterval time.Duration
	StartWait     time.Duration // inatividade na enumeração que dispara o início (0 = desabilitado)
	MinClients    int           // início automático com N clientes (0 = desabilitado)

	P2P       bool           // com um único cliente, dados e ReqAck vão em unicast
	HelloAddr netip.AddrPort // destino dos Hello (broadcast ou grupo)
	DataAddr  netip.AddrPort // grupo multicast dos dados
}

func (c *Config) setDefaults() {
	if c.BlockSize <= 0 {
		c.BlockSize = 1456
	}
	if c.MaxClients <= 0 {
		c.MaxClients = protocol.DefaultMaxClients
	}
	if c.MaxSliceSize <= 0 {
		c.MaxSliceSize = protocol.DefaultMaxSliceBlocks
	}
	if c.MinSliceSize <= 0 {
		c.MinSliceSize = 32
	}
	if c.SliceSize <= 0 {
		c.SliceSize = 128
	}
	if need := int64(c.MaxSliceSize) * int64(c.BlockSize); c.BufferSize < need {
		c.BufferSize = 2 * need
	}
	if c.ReadChunk <= 0 {
		c.ReadChunk = 256 * 1024
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Millisecond
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = time.Second
	}
	if c.MaxWaitRetries <= 0 {
		c.MaxWaitRetries = 10
	}
	if c.HelloInterval <= 0 {
		c.HelloInterval = time.Second
	}
}

// Summary é o resultado de uma sessão.
type Summary struct {
	SessionID   string          `json:"session_id"`
	Bytes       int64           `json:"bytes"`
	Slices      int64           `json:"slices"`
	Rounds      int64           `json:"rounds"`
	Retransmits int64           `json:"retransmits"`
	Clients     int             `json:"clients"`
	Dropped     int64           `json:"dropped"`
	Duration    time.Duration   `json:"duration_ns"`
	Read        stats.IOSummary `json:"read"`
}

// Status é a visão da sessão em andamento para a API de status.
type Status struct {
	SessionID string         `json:"session_id"`
	State     string         `json:"state"`
	Clients   []Client       `json:"clients"`
	Stats     stats.Snapshot `json:"stats"`
}

// Sender conduz uma sessão de transferência. Run só pode ser chamado uma vez.
type Sender struct {
	cfg      Config
	conn     transport.Conn
	src      io.Reader
	logger   *slog.Logger
	fifo     *fifo.RingBuffer
	clients  *Registry
	sizer    *slice.Sizer
	counters *stats.Counters
	trace    *stats.Trace
	reads    *stats.IOStats

	goCh   chan struct{}
	goOnce sync.Once

	mu      sync.Mutex
	state   string
	readErr error

	dataDst netip.AddrPort
	rbuf    []byte
	wbuf    []byte
}

// New cria o sender. trace pode ser nil.
func New(cfg Config, conn transport.Conn, src io.Reader, logger *slog.Logger, trace *stats.Trace) *Sender {
	cfg.setDefaults()
	return &Sender{
		cfg:      cfg,
		conn:     conn,
		src:      src,
		logger:   logger.With("component", "sender"),
		fifo:     fifo.NewRingBuffer(cfg.BufferSize),
		clients:  NewRegistry(cfg.MaxClients),
		sizer:    slice.NewSizer(cfg.SliceSize, cfg.MinSliceSize, cfg.MaxSliceSize),
		counters: &stats.Counters{},
		trace:    trace,
		reads:    stats.NewIOStats("read", trace),
		goCh:     make(chan struct{}),
		state:    StateIdle,
		dataDst:  cfg.DataAddr,
		rbuf:     make([]byte, protocol.MaxDatagramSize),
	}
}

// Start encerra a enumeração (tecla do operador ou chamada programática).
func (s *Sender) Start() {
	s.goOnce.Do(func() { close(s.goCh) })
}

// Counters expõe os contadores da sessão.
func (s *Sender) Counters() *stats.Counters {
	return s.counters
}

// Status retorna o estado atual da sessão.
func (s *Sender) Status() Status {
	return Status{
		SessionID: s.cfg.SessionID,
		State:     s.State(),
		Clients:   s.clients.Clients(),
		Stats:     s.counters.Snapshot(),
	}
}

// State retorna o estado atual.
func (s *Sender) State() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Sender) setState(state string) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
	s.logger.Debug("state changed", "state", state)
}

// Run executa a sessão completa: enumeração, transferência e handshake final.
func (s *Sender) Run(ctx context.Context) (*Summary, error) {
	go s.readSource(ctx)
	defer s.fifo.Close()

	s.setState(StateEnumerating)
	if err := s.enumerate(ctx); err != nil {
		s.setState(StateFailed)
		return nil, err
	}

	joined := s.clients.Count()
	if s.cfg.P2P && joined == 1 {
		s.dataDst = s.clients.Clients()[0].Addr
		s.logger.Info("point-to-point mode", "peer", s.dataDst)
	}

	s.logger.Info("starting transfer",
		"clients", joined,
		"block_size", s.cfg.BlockSize,
		"slice_size", s.sizer.Target(),
		"data_addr", s.dataDst,
	)

	start := time.Now()
	s.counters.MarkStart()
	s.setState(StateTransferring)

	if err := s.transfer(ctx); err != nil {
		s.setState(StateFailed)
		// Receivers ainda conectados falham em vez de esperar o idle timeout.
		if sendErr := s.send(&protocol.Disconnect{}, s.dataDst); sendErr != nil {
			s.logger.Debug("sending abort disconnect", "error", sendErr)
		}
		return s.summary(start, joined), err
	}

	s.setState(StateDone)
	sum := s.summary(start, joined)
	s.logger.Info("transfer complete",
		"bytes", sum.Bytes,
		"duration", sum.Duration.Round(time.Millisecond),
		"throughput", stats.FormatBytes(throughput(sum.Bytes, sum.Duration))+"/s",
		"slices", sum.Slices,
		"rounds", sum.Rounds,
		"retransmits", sum.Retransmits,
		"dropped", sum.Dropped,
	)
	return sum, nil
}

func (s *Sender) summary(start time.Time, joined int) *Summary {
	snap := s.counters.Snapshot()
	return &Summary{
		SessionID:   s.cfg.SessionID,
		Bytes:       snap.Bytes,
		Slices:      snap.Slices,
		Rounds:      snap.Rounds,
		Retransmits: snap.Retransmits,
		Clients:     joined,
		Dropped:     snap.Dropped,
		Duration:    time.Since(start),
		Read:        s.reads.Summary(),
	}
}

func throughput(bytes int64, d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	return int64(float64(bytes) / d.Seconds())
}

// enumerate anuncia a sessão e registra receivers até o sinal de início.
func (s *Sender) enumerate(ctx context.Context) error {
	s.logger.Info("waiting for receivers",
		"hello_addr", s.cfg.HelloAddr,
		"data_addr", s.cfg.DataAddr,
		"start_wait", s.cfg.StartWait,
		"min_clients", s.cfg.MinClients,
	)

	var lastHello time.Time
	deadline := time.Now().Add(s.cfg.StartWait)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		select {
		case <-s.goCh:
			return s.startOrFail("go signal")
		default:
		}

		count := s.clients.Count()
		if s.cfg.MinClients > 0 && count >= s.cfg.MinClients {
			s.logger.Info("minimum number of receivers joined", "clients", count)
			return nil
		}
		if s.cfg.StartWait > 0 && time.Now().After(deadline) {
			return s.startOrFail("start wait elapsed")
		}

		if time.Since(lastHello) >= s.cfg.HelloInterval {
			if err := s.sendHello(); err != nil {
				return err
			}
			lastHello = time.Now()
		}

		n, from, err := s.conn.ReadFrom(s.rbuf)
		if errors.Is(err, transport.ErrTimeout) {
			continue
		}
		if err != nil {
			return fmt.Errorf("receiving during enumeration: %w", err)
		}
		deadline = time.Now().Add(s.cfg.StartWait)

		msg, err := protocol.Decode(s.rbuf[:n])
		if err != nil {
			s.violation("decoding message", from, err)
			continue
		}

		switch m := msg.(type) {
		case *protocol.ConnectReq:
			if err := s.handleConnect(from, m, true); err != nil {
				return err
			}
		case *protocol.Disconnect:
			s.handleDisconnect(from)
		case *protocol.Go:
			if _, ok := s.clients.Lookup(from); ok {
				s.logger.Info("go received from receiver", "addr", from)
				return s.startOrFail("receiver go")
			}
		case *protocol.Ok, *protocol.Retransmit:
			// respostas atrasadas de uma sessão anterior
		default:
			s.violation("unexpected message during enumeration", from, fmt.Errorf("opcode %v", msg.Opcode()))
		}
	}
}

func (s *Sender) startOrFail(reason string) error {
	if s.clients.Count() == 0 {
		s.logger.Warn("no receivers joined", "reason", reason)
		return ErrNoClients
	}
	s.logger.Info("leaving enumeration", "reason", reason, "clients", s.clients.Count())
	return nil
}

func (s *Sender) sendHello() error {
	return s.send(&protocol.Hello{
		Capabilities: protocol.SenderCapabilities,
		Multicast:    s.cfg.DataAddr.Addr(),
		BlockSize:    uint16(s.cfg.BlockSize),
	}, s.cfg.HelloAddr)
}

// handleConnect registra o receiver e responde em unicast. Depois da
// enumeração (allowNew=false) só clientes já registrados recebem o reply.
func (s *Sender) handleConnect(from netip.AddrPort, m *protocol.ConnectReq, allowNew bool) error {
	reply := &protocol.ConnectReply{
		ClientNumber: protocol.RejectedClient,
		BlockSize:    uint32(s.cfg.BlockSize),
		Capabilities: protocol.SenderCapabilities,
		MaxSliceSize: uint32(s.cfg.MaxSliceSize),
		Multicast:    s.cfg.DataAddr.Addr(),
	}

	idx, known := s.clients.Lookup(from)
	switch {
	case known:
		reply.ClientNumber = uint32(idx)
	case allowNew:
		if i, ok := s.clients.Add(from, m.Capabilities, m.RcvBuf); ok {
			reply.ClientNumber = uint32(i)
			s.counters.SetClients(s.clients.Count())
			s.logger.Info("receiver joined", "client", i, "addr", from, "rcvbuf", m.RcvBuf, "clients", s.clients.Count())
		} else {
			s.logger.Warn("rejecting receiver: session full", "addr", from, "max_clients", s.cfg.MaxClients)
		}
	default:
		s.logger.Warn("rejecting receiver: transfer already started", "addr", from)
	}

	return s.send(reply, from)
}

func (s *Sender) handleDisconnect(from netip.AddrPort) (int, bool) {
	idx, ok := s.clients.Lookup(from)
	if !ok {
		return -1, false
	}
	s.clients.Remove(idx)
	s.counters.SetClients(s.clients.Count())
	s.logger.Info("receiver disconnected", "client", idx, "addr", from, "clients", s.clients.Count())
	return idx, true
}

func (s *Sender) violation(msg string, from netip.AddrPort, err error) {
	s.counters.AddViolation()
	s.logger.Warn("protocol violation: "+msg, "addr", from, "error", err)
}

func (s *Sender) send(m protocol.Message, dst netip.AddrPort) error {
	s.wbuf = protocol.AppendFrame(s.wbuf[:0], m)
	if _, err := s.conn.WriteTo(s.wbuf, dst); err != nil {
		return fmt.Errorf("sending %v to %s: %w", m.Opcode(), dst, err)
	}
	return nil
}
