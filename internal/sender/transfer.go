// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package sender

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"time"

	"github.com/nishisan-dev/n-cast/internal/protocol"
	"github.com/nishisan-dev/n-cast/internal/slice"
	"github.com/nishisan-dev/n-cast/internal/transport"
)

// transfer envia slices até o slice terminal (vazio) ser confirmado e então
// encerra a sessão com um Disconnect multicast.
func (s *Sender) transfer(ctx context.Context) error {
	for no := uint32(0); ; no++ {
		sl, err := s.makeSlice(ctx, no)
		if err != nil {
			return err
		}

		if err := s.transferSlice(ctx, sl); err != nil {
			return err
		}

		if sl.Bytes == 0 {
			s.setState(StateDraining)
			s.logger.Debug("terminal slice acknowledged", "slice", sl.No)
			return s.send(&protocol.Disconnect{}, s.dataDst)
		}

		s.fifo.Drain(int64(sl.Bytes))
	}
}

// makeSlice espera a goroutine de leitura bufferizar o alvo atual (ou a
// origem acabar) e reserva a janela do próximo slice.
func (s *Sender) makeSlice(ctx context.Context, no uint32) (*slice.Slice, error) {
	want := min(int64(s.sizer.Target())*int64(s.cfg.BlockSize), s.fifo.Cap())

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		closed := s.fifo.Closed()
		if closed {
			if err := s.readError(); err != nil {
				return nil, fmt.Errorf("reading source: %w", err)
			}
		}
		if closed || s.fifo.Pending() >= want {
			break
		}
		time.Sleep(s.cfg.PollInterval)
	}

	base, n := s.fifo.Assign(want)
	s.counters.SetSliceSize(s.sizer.Target())
	return slice.New(no, int(n), s.cfg.BlockSize, base, s.cfg.MaxClients), nil
}

// transferSlice executa as rodadas de um slice até todos os clientes
// restantes confirmarem.
func (s *Sender) transferSlice(ctx context.Context, sl *slice.Slice) error {
	sl.Event("start")

	blocks := make([]int, sl.Blocks)
	for i := range blocks {
		blocks[i] = i
	}
	if err := s.sendBlocks(sl, blocks, false); err != nil {
		return err
	}
	if err := s.sendReqAck(sl); err != nil {
		return err
	}

	retries := 0
	for {
		complete, err := s.awaitRound(ctx, sl)
		if err != nil {
			return err
		}

		if !complete {
			retries++
			if retries < s.cfg.MaxWaitRetries {
				s.logger.Debug("reqack timeout", "slice", sl.No, "rxmit", sl.RxmitID, "retry", retries)
				if err := s.sendReqAck(sl); err != nil {
					return err
				}
				continue
			}

			s.dropSilent(sl)
			retries = 0
			if s.clients.Count() == 0 {
				if _, err := s.noClientsLeft(sl); err != nil {
					return err
				}
				return nil
			}
		}

		if sl.NeedRxmit {
			rxmit := sl.NextRound()
			s.sizer.Shrink(sl.LastGoodBlock)
			s.counters.AddRound()
			s.counters.SetSliceSize(s.sizer.Target())
			sl.Event("retransmit")
			s.logger.Debug("retransmitting",
				"slice", sl.No,
				"rxmit", sl.RxmitID,
				"blocks", len(rxmit),
				"last_good", sl.LastGoodBlock,
				"target", s.sizer.Target(),
			)

			if err := s.sendBlocks(sl, rxmit, true); err != nil {
				return err
			}
			if err := s.sendReqAck(sl); err != nil {
				return err
			}
			retries = 0
			continue
		}

		// Crescimento só para slices que passaram sem nenhuma rodada extra.
		if sl.Rounds == 0 && sl.Bytes > 0 {
			s.sizer.Grow()
		}
		sl.EndTime = time.Now()
		sl.Event("ok")
		s.trace.Record("slice", sl.StartTime, sl.EndTime)
		s.counters.AddBytes(int64(sl.Bytes))
		s.counters.AddSlice()
		return nil
	}
}

// awaitRound processa respostas até todos os clientes registrados terem
// respondido à rodada atual (true) ou AckTimeout de silêncio (false).
func (s *Sender) awaitRound(ctx context.Context, sl *slice.Slice) (bool, error) {
	deadline := time.Now().Add(s.cfg.AckTimeout)

	for {
		if s.clients.Count() == 0 {
			return s.noClientsLeft(sl)
		}
		if s.roundAnswered(sl) {
			return true, nil
		}
		if err := ctx.Err(); err != nil {
			return false, err
		}
		if time.Now().After(deadline) {
			return false, nil
		}

		n, from, err := s.conn.ReadFrom(s.rbuf)
		if errors.Is(err, transport.ErrTimeout) {
			continue
		}
		if err != nil {
			return false, fmt.Errorf("receiving replies: %w", err)
		}

		progressed, err := s.handleReply(sl, from, s.rbuf[:n])
		if err != nil {
			return false, err
		}
		if progressed {
			deadline = time.Now().Add(s.cfg.AckTimeout)
		}
	}
}

// noClientsLeft encerra a rodada quando todos os receivers saíram. Só o
// slice terminal termina sem erro: os dados já foram todos confirmados.
func (s *Sender) noClientsLeft(sl *slice.Slice) (bool, error) {
	if sl.Bytes == 0 {
		s.logger.Warn("no receiver acknowledged the terminal slice")
		return true, nil
	}
	s.logger.Error("all receivers left", "slice", sl.No)
	return false, ErrAllClientsLost
}

func (s *Sender) roundAnswered(sl *slice.Slice) bool {
	for _, idx := range s.clients.Active() {
		if !sl.Answered(idx) {
			return false
		}
	}
	return true
}

// handleReply aplica uma mensagem recebida durante a transferência. Retorna
// true quando a mensagem fez a rodada atual progredir.
func (s *Sender) handleReply(sl *slice.Slice, from netip.AddrPort, p []byte) (bool, error) {
	msg, err := protocol.Decode(p)
	if err != nil {
		s.violation("decoding message", from, err)
		return false, nil
	}

	switch m := msg.(type) {
	case *protocol.Ok:
		idx, ok := s.clients.Lookup(from)
		if !ok || m.SliceNo != sl.No {
			return false, nil
		}
		sl.Answer(idx)
		return true, nil

	case *protocol.Retransmit:
		idx, ok := s.clients.Lookup(from)
		if !ok || m.SliceNo != sl.No || m.RxmitID != sl.RxmitID {
			// resposta a uma rodada anterior: não regride o estado
			return false, nil
		}
		if err := sl.MergeRetransmit(idx, m.Missing); err != nil {
			s.violation("retransmit map size mismatch", from, err)
			return false, nil
		}
		return true, nil

	case *protocol.Disconnect:
		if idx, ok := s.handleDisconnect(from); ok {
			sl.RemoveClient(idx)
			return true, nil
		}

	case *protocol.ConnectReq:
		return false, s.handleConnect(from, m, false)

	case *protocol.Go, *protocol.Hello:
		// Go tardio ou Hello de outro sender na mesma porta

	default:
		s.violation("unexpected message during transfer", from, fmt.Errorf("opcode %v", msg.Opcode()))
	}
	return false, nil
}

// dropSilent remove os clientes que não responderam à rodada atual depois de
// MaxWaitRetries ReqAcks e os avisa com um Disconnect unicast.
func (s *Sender) dropSilent(sl *slice.Slice) {
	for _, idx := range s.clients.Active() {
		if sl.Answered(idx) {
			continue
		}
		c := s.clients.Get(idx)
		s.clients.Remove(idx)
		sl.RemoveClient(idx)
		s.counters.AddDropped()

		s.logger.Warn("dropping unresponsive receiver",
			"client", idx,
			"addr", c.Addr,
			"slice", sl.No,
			"reqacks", s.cfg.MaxWaitRetries,
		)
		if err := s.send(&protocol.Disconnect{}, c.Addr); err != nil {
			s.logger.Debug("notifying dropped receiver", "addr", c.Addr, "error", err)
		}
	}
	s.counters.SetClients(s.clients.Count())
}

func (s *Sender) sendBlocks(sl *slice.Slice, blocks []int, rxmit bool) error {
	for _, b := range blocks {
		payload, err := s.fifo.Get(sl.BlockPos(b), sl.BlockLen(b))
		if err != nil {
			return fmt.Errorf("reading block %d of slice %d: %w", b, sl.No, err)
		}

		msg := &protocol.Data{
			SliceNo:    sl.No,
			BlockNo:    uint16(b),
			SliceBytes: uint32(sl.Bytes),
			Payload:    payload,
		}
		if err := s.send(msg, s.dataDst); err != nil {
			return err
		}
		if !rxmit {
			sl.MarkBlock(b)
		}
		s.counters.AddPackets(1)
	}
	if rxmit {
		s.counters.AddRetransmits(int64(len(blocks)))
	}
	return nil
}

func (s *Sender) sendReqAck(sl *slice.Slice) error {
	return s.send(&protocol.ReqAck{
		SliceNo:    sl.No,
		SliceBytes: uint32(sl.Bytes),
		RxmitID:    sl.RxmitID,
		ReadySet:   sl.ReadySet().Bytes(),
	}, s.dataDst)
}

// readSource é a thread de storage do sender: lê a origem em chunks e os
// empurra no ring buffer. Fecha o buffer no fim da origem ou em erro.
func (s *Sender) readSource(ctx context.Context) {
	defer s.fifo.Close()

	buf := make([]byte, s.cfg.ReadChunk)
	for {
		start := time.Now()
		n, err := s.src.Read(buf)
		if n > 0 {
			s.reads.Observe(n, start)
			if perr := s.push(ctx, buf[:n]); perr != nil {
				return
			}
		}
		if errors.Is(err, io.EOF) {
			s.logger.Debug("source exhausted", "bytes", s.reads.Summary().Bytes)
			return
		}
		if err != nil {
			s.mu.Lock()
			s.readErr = err
			s.mu.Unlock()
			s.logger.Error("source read failed", "error", err)
			return
		}
	}
}

// push espera espaço no ring buffer até o chunk inteiro entrar.
func (s *Sender) push(ctx context.Context, p []byte) error {
	for len(p) > 0 {
		n, err := s.fifo.Push(p)
		if err != nil {
			return err
		}
		p = p[n:]
		if len(p) > 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
			time.Sleep(s.cfg.PollInterval)
		}
	}
	return nil
}

func (s *Sender) readError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readErr
}
