// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package receiver implementa o lado receptor: registro no sender, recepção
// dos blocos no ring buffer, respostas Ok/Retransmit e a thread que drena o
// buffer para o destino em chunks sequenciais.
package receiver

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
	ErrRejected      = errors.New("receiver: sender rejected the connection")
	ErrSenderLost    = errors.New("receiver: sender stopped responding")
	ErrSenderAborted = errors.New("receiver: sender ended the session before the final handshake")
)

// Estados da sessão.
const (
	StateIdle        = "idle"
	StateEnumerating = "enumerating"
	StateReceiving   = "receiving"
	StateDraining    = "draining"
	StateDone        = "done"
	StateFailed      = "failed"
)

// Config contém os parâmetros de uma sessão do receiver.
type Config struct {
	SessionID string

	SenderAddr netip.AddrPort // destino dos ConnectReq até um Hello revelar o sender
	RcvBuf     uint32         // hint de buffer de recepção enviado no ConnectReq

	WriteChunk    int   // tamanho de cada escrita no destino
	PipeSize      int64 // bytes não drenados acima dos quais a rede espera
	MaxDrain      int64 // máximo de bytes por iteração da drenagem
	DrainInterval time.Duration
	PollInterval  time.Duration

	ConnectInterval time.Duration // reenvio do ConnectReq
	IdleTimeout     time.Duration // silêncio do sender que encerra a sessão
	Linger          time.Duration // espera pelo Disconnect após o slice terminal
	AutoGo          bool          // envia Go logo após o registro
}

func (c *Config) setDefaults() {
	if c.WriteChunk <= 0 {
		c.WriteChunk = 1 << 20
	}
	if c.PipeSize <= 0 {
		c.PipeSize = 64 << 20
	}
	if c.MaxDrain <= 0 {
		c.MaxDrain = 16 * int64(c.WriteChunk)
	}
	if c.MaxDrain < int64(c.WriteChunk) {
		c.MaxDrain = int64(c.WriteChunk)
	}
	if c.DrainInterval <= 0 {
		c.DrainInterval = 2 * time.Millisecond
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Millisecond
	}
	if c.ConnectInterval <= 0 {
		c.ConnectInterval = time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 30 * time.Second
	}
	if c.Linger <= 0 {
		c.Linger = 3 * time.Second
	}
}

// Session descreve o que o sender atribuiu no ConnectReply.
type Session struct {
	Sender       netip.AddrPort `json:"sender"`
	ClientNumber int            `json:"client_number"`
	BlockSize    int            `json:"block_size"`
	MaxSliceSize int            `json:"max_slice_size"`
	Group        netip.Addr     `json:"group"`
	Capabilities uint32         `json:"capabilities"`
}

// Summary é o resultado de uma sessão.
type Summary struct {
	SessionID   string          `json:"session_id"`
	Session     Session         `json:"session"`
	Bytes       int64           `json:"bytes"`
	Slices      int64           `json:"slices"`
	Packets     int64           `json:"packets"`
	Retransmits int64           `json:"retransmits"`
	Violations  int64           `json:"violations"`
	LossySlices int             `json:"lossy_slices"`
	Stalls      int64           `json:"stalls"`
	Duration    time.Duration   `json:"duration_ns"`
	Write       stats.IOSummary `json:"write"`
}

// Receiver conduz uma sessão de recepção. Run só pode ser chamado uma vez.
type Receiver struct {
	cfg      Config
	conn     transport.Conn
	sink     io.Writer
	logger   *slog.Logger
	counters *stats.Counters
	trace    *stats.Trace
	writes   *stats.IOStats

	fifo    *fifo.RingBuffer
	session Session

	slices     map[uint32]*slice.Slice
	created    uint32
	nextCommit uint32
	terminal   bool

	goCh   chan struct{}
	goOnce sync.Once
	goSent bool

	mu       sync.Mutex
	state    string
	drainErr error

	rbuf []byte
	wbuf []byte
}

// New cria o receiver. trace pode ser nil.
func New(cfg Config, conn transport.Conn, sink io.Writer, logger *slog.Logger, trace *stats.Trace) *Receiver {
	cfg.setDefaults()
	return &Receiver{
		cfg:      cfg,
		conn:     conn,
		sink:     sink,
		logger:   logger.With("component", "receiver"),
		counters: &stats.Counters{},
		trace:    trace,
		writes:   stats.NewIOStats("write", trace),
		slices:   make(map[uint32]*slice.Slice),
		goCh:     make(chan struct{}),
		state:    StateIdle,
		rbuf:     make([]byte, protocol.MaxDatagramSize),
	}
}

// Start pede ao sender que inicie a transferência (envia Go).
func (r *Receiver) Start() {
	r.goOnce.Do(func() { close(r.goCh) })
}

// Counters expõe os contadores da sessão.
func (r *Receiver) Counters() *stats.Counters {
	return r.counters
}

// State retorna o estado atual.
func (r *Receiver) State() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Receiver) setState(state string) {
	r.mu.Lock()
	r.state = state
	r.mu.Unlock()
	r.logger.Debug("state changed", "state", state)
}

// Run registra o receiver, recebe a imagem e espera a drenagem terminar.
// Só retorna nil depois do handshake do slice terminal e de todos os bytes
// terem sido escritos no destino.
func (r *Receiver) Run(ctx context.Context) (*Summary, error) {
	r.setState(StateEnumerating)
	if err := r.enumerate(ctx); err != nil {
		r.setState(StateFailed)
		return nil, err
	}

	if err := r.conn.JoinGroup(r.session.Group); err != nil {
		r.setState(StateFailed)
		return nil, fmt.Errorf("joining group %s: %w", r.session.Group, err)
	}

	maxSlice := int64(r.session.MaxSliceSize) * int64(r.session.BlockSize)
	r.fifo = fifo.NewRingBuffer(r.cfg.PipeSize + 2*maxSlice)

	drainDone := make(chan error, 1)
	go func() { drainDone <- r.drain() }()

	start := time.Now()
	r.counters.MarkStart()
	r.setState(StateReceiving)

	err := r.receive(ctx)
	if err != nil {
		r.fifo.Close()
		if sendErr := r.send(&protocol.Disconnect{}, r.session.Sender); sendErr != nil {
			r.logger.Debug("sending disconnect", "error", sendErr)
		}
	}

	drainErr := <-drainDone
	sum := r.summary(start)
	if err == nil && drainErr != nil {
		err = fmt.Errorf("writing image: %w", drainErr)
	}
	if err != nil {
		r.setState(StateFailed)
		return sum, err
	}

	r.setState(StateDone)
	r.logger.Info("transfer complete",
		"bytes", sum.Bytes,
		"duration", sum.Duration.Round(time.Millisecond),
		"slices", sum.Slices,
		"packets", sum.Packets,
		"retransmits", sum.Retransmits,
		"lossy_slices", sum.LossySlices,
		"stalls", sum.Stalls,
	)
	return sum, nil
}

// lossySlices conta os slices da sessão que pediram retransmissão. Os slices
// ficam no mapa até o fim de Run justamente para este resumo.
func (r *Receiver) lossySlices() int {
	n := 0
	for _, sl := range r.slices {
		for _, ev := range sl.Events() {
			if ev.Name == "retransmit" {
				n++
				break
			}
		}
	}
	return n
}

func (r *Receiver) summary(start time.Time) *Summary {
	snap := r.counters.Snapshot()
	return &Summary{
		SessionID:   r.cfg.SessionID,
		Session:     r.session,
		Bytes:       snap.Bytes,
		Slices:      snap.Slices,
		Packets:     snap.Packets,
		Retransmits: snap.Retransmits,
		Violations:  snap.Violations,
		LossySlices: r.lossySlices(),
		Stalls:      snap.Stalls,
		Duration:    time.Since(start),
		Write:       r.writes.Summary(),
	}
}

// enumerate envia ConnectReq até o ConnectReply chegar. Um Hello redireciona
// o pedido para o sender que o enviou e força o reenvio imediato.
func (r *Receiver) enumerate(ctx context.Context) error {
	dst := r.cfg.SenderAddr
	var lastReq time.Time

	r.logger.Info("looking for sender", "addr", dst)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if dst.IsValid() && time.Since(lastReq) >= r.cfg.ConnectInterval {
			if err := r.send(&protocol.ConnectReq{
				Capabilities: protocol.ReceiverCapabilities,
				RcvBuf:       r.cfg.RcvBuf,
			}, dst); err != nil {
				return err
			}
			lastReq = time.Now()
		}

		n, from, err := r.conn.ReadFrom(r.rbuf)
		if errors.Is(err, transport.ErrTimeout) {
			continue
		}
		if err != nil {
			return fmt.Errorf("receiving during enumeration: %w", err)
		}

		msg, err := protocol.Decode(r.rbuf[:n])
		if err != nil {
			r.violation("decoding message", from, err)
			continue
		}

		switch m := msg.(type) {
		case *protocol.Hello:
			if dst != from {
				r.logger.Debug("hello received", "sender", from, "block_size", m.BlockSize, "group", m.Multicast)
			}
			dst = from
			lastReq = time.Time{}

		case *protocol.ConnectReply:
			if m.ClientNumber == protocol.RejectedClient {
				r.logger.Warn("connection rejected by sender", "sender", from)
				return ErrRejected
			}
			if m.BlockSize == 0 || m.MaxSliceSize == 0 {
				r.violation("invalid connect reply", from, fmt.Errorf("block_size=%d max_slice_size=%d", m.BlockSize, m.MaxSliceSize))
				continue
			}
			r.session = Session{
				Sender:       from,
				ClientNumber: int(m.ClientNumber),
				BlockSize:    int(m.BlockSize),
				MaxSliceSize: int(m.MaxSliceSize),
				Group:        m.Multicast,
				Capabilities: m.Capabilities,
			}
			r.logger.Info("joined session",
				"sender", from,
				"client", m.ClientNumber,
				"block_size", m.BlockSize,
				"max_slice_size", m.MaxSliceSize,
				"group", m.Multicast,
			)
			return nil

		case *protocol.Disconnect, *protocol.Data, *protocol.ReqAck:
			// tráfego de uma sessão em que ainda não estamos

		default:
			r.violation("unexpected message during enumeration", from, fmt.Errorf("opcode %v", msg.Opcode()))
		}
	}
}

func (r *Receiver) violation(msg string, from netip.AddrPort, err error) {
	r.counters.AddViolation()
	r.logger.Warn("protocol violation: "+msg, "addr", from, "error", err)
}

func (r *Receiver) send(m protocol.Message, dst netip.AddrPort) error {
	r.wbuf = protocol.AppendFrame(r.wbuf[:0], m)
	if _, err := r.conn.WriteTo(r.wbuf, dst); err != nil {
		return fmt.Errorf("sending %v to %s: %w", m.Opcode(), dst, err)
	}
	return nil
}

// drainError é a causa do fechamento do buffer pela drenagem.
func (r *Receiver) drainError() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.drainErr == nil {
		return fifo.ErrBufferClosed
	}
	return r.drainErr
}
