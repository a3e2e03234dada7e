// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package receiver

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/nishisan-dev/n-cast/internal/bitmap"
	"github.com/nishisan-dev/n-cast/internal/fifo"
	"github.com/nishisan-dev/n-cast/internal/protocol"
	"github.com/nishisan-dev/n-cast/internal/slice"
	"github.com/nishisan-dev/n-cast/internal/transport"
)

// receive é o loop da thread de rede depois do registro. Termina com nil
// após o slice terminal seguido de Disconnect (ou do linger sem tráfego).
func (r *Receiver) receive(ctx context.Context) error {
	if r.cfg.AutoGo {
		r.sendGo()
	}

	lastRx := time.Now()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !r.terminal && r.fifo.Closed() {
			return fmt.Errorf("writing image: %w", r.drainError())
		}
		select {
		case <-r.goCh:
			r.sendGo()
		default:
		}

		n, from, err := r.conn.ReadFrom(r.rbuf)
		if errors.Is(err, transport.ErrTimeout) {
			idle := time.Since(lastRx)
			if r.terminal && idle > r.cfg.Linger {
				r.logger.Debug("no disconnect after terminal slice, finishing")
				return nil
			}
			if idle > r.cfg.IdleTimeout {
				r.logger.Error("sender stopped responding", "idle", idle.Round(time.Millisecond))
				return ErrSenderLost
			}
			continue
		}
		if err != nil {
			return fmt.Errorf("receiving: %w", err)
		}
		if from != r.session.Sender {
			// outro sender na mesma porta/grupo
			continue
		}
		lastRx = time.Now()

		done, err := r.handle(ctx, from, r.rbuf[:n])
		if err != nil || done {
			return err
		}
	}
}

func (r *Receiver) sendGo() {
	if r.goSent {
		return
	}
	r.goSent = true
	if err := r.send(&protocol.Go{}, r.session.Sender); err != nil {
		r.logger.Warn("sending go", "error", err)
		return
	}
	r.logger.Info("go sent to sender")
}

// handle aplica uma mensagem do sender. done indica fim da sessão.
func (r *Receiver) handle(ctx context.Context, from netip.AddrPort, p []byte) (done bool, err error) {
	msg, err := protocol.Decode(p)
	if err != nil {
		r.violation("decoding message", from, err)
		return false, nil
	}

	switch m := msg.(type) {
	case *protocol.Data:
		return false, r.handleData(ctx, from, m)

	case *protocol.ReqAck:
		return false, r.handleReqAck(ctx, from, m)

	case *protocol.Disconnect:
		if r.terminal {
			r.logger.Debug("sender closed the session")
			return true, nil
		}
		r.logger.Error("sender disconnected before the final handshake", "committed_slices", r.nextCommit)
		return true, ErrSenderAborted

	case *protocol.Hello, *protocol.ConnectReply:
		// anúncios repetidos do sender

	default:
		r.violation("unexpected message while receiving", from, fmt.Errorf("opcode %v", msg.Opcode()))
	}
	return false, nil
}

func (r *Receiver) handleData(ctx context.Context, from netip.AddrPort, m *protocol.Data) error {
	if m.SliceBytes == 0 {
		r.violation("data for empty slice", from, fmt.Errorf("slice %d", m.SliceNo))
		return nil
	}

	sl, err := r.sliceFor(ctx, from, m.SliceNo, int(m.SliceBytes))
	if err != nil || sl == nil {
		return err
	}

	b := int(m.BlockNo)
	switch {
	case sl.Bytes != int(m.SliceBytes):
		r.violation("slice size changed", from, fmt.Errorf("slice %d: %d != %d", sl.No, m.SliceBytes, sl.Bytes))
		return nil
	case b >= sl.Blocks:
		r.violation("block out of range", from, fmt.Errorf("slice %d block %d of %d", sl.No, b, sl.Blocks))
		return nil
	case len(m.Payload) != sl.BlockLen(b):
		r.violation("block length mismatch", from, fmt.Errorf("slice %d block %d: %d != %d", sl.No, b, len(m.Payload), sl.BlockLen(b)))
		return nil
	}

	r.counters.AddPackets(1)
	if sl.HasBlock(b) {
		// duplicado ou retransmissão atrasada
		return nil
	}
	if err := r.fifo.Set(sl.BlockPos(b), m.Payload); err != nil {
		return fmt.Errorf("storing block %d of slice %d: %w", b, sl.No, err)
	}
	sl.MarkBlock(b)

	if sl.Completed() {
		r.commit()
	}
	return nil
}

func (r *Receiver) handleReqAck(ctx context.Context, from netip.AddrPort, m *protocol.ReqAck) error {
	if m.SliceBytes == 0 {
		if m.RxmitID != 0 {
			r.violation("empty reqack with rxmit id", from, fmt.Errorf("slice %d rxmit %d", m.SliceNo, m.RxmitID))
			return nil
		}
		if !r.terminal {
			if pending := r.created - r.nextCommit; pending > 0 {
				// fomos removidos da sessão e o Disconnect se perdeu
				r.logger.Error("terminal slice with incomplete slices pending", "pending", pending)
				return fmt.Errorf("%d incomplete slices at end of stream: %w", pending, ErrSenderAborted)
			}
			r.terminal = true
			r.fifo.Close()
			r.setState(StateDraining)
			r.logger.Info("terminal slice received", "slice", m.SliceNo, "committed_slices", r.nextCommit)
		}
		return r.send(&protocol.Ok{SliceNo: m.SliceNo}, from)
	}

	ready := bitmap.FromBytes(m.ReadySet)
	if idx := r.session.ClientNumber; idx < ready.Len() && ready.Get(idx) {
		return nil
	}

	sl, err := r.sliceFor(ctx, from, m.SliceNo, int(m.SliceBytes))
	if err != nil {
		return err
	}
	if sl == nil {
		// já commitado: o Ok anterior se perdeu
		return r.send(&protocol.Ok{SliceNo: m.SliceNo}, from)
	}
	if sl.Bytes != int(m.SliceBytes) {
		r.violation("slice size changed", from, fmt.Errorf("slice %d: %d != %d", sl.No, m.SliceBytes, sl.Bytes))
		return nil
	}

	if sl.Completed() {
		if sl.EndTime.IsZero() {
			sl.EndTime = time.Now()
		}
		return r.send(&protocol.Ok{SliceNo: sl.No}, from)
	}

	missing := sl.Missing()
	r.counters.AddRetransmits(int64(missing.Count()))
	sl.Event("retransmit")
	return r.send(&protocol.Retransmit{
		SliceNo: sl.No,
		RxmitID: m.RxmitID,
		Missing: missing.Bytes(),
	}, from)
}

// sliceFor devolve o slice no, criando-o (com reserva da janela no ring
// buffer) na primeira referência. Retorna nil para slices já commitados.
func (r *Receiver) sliceFor(ctx context.Context, from netip.AddrPort, no uint32, bytes int) (*slice.Slice, error) {
	if no < r.nextCommit {
		return nil, nil
	}
	if no < r.created {
		return r.slices[no], nil
	}
	if no > r.created {
		r.violation("slice out of sequence", from, fmt.Errorf("slice %d, expected %d", no, r.created))
		return nil, nil
	}
	if limit := r.session.MaxSliceSize * r.session.BlockSize; bytes > limit {
		r.violation("slice larger than negotiated", from, fmt.Errorf("slice %d: %d > %d bytes", no, bytes, limit))
		return nil, nil
	}
	if r.terminal {
		r.violation("slice after terminal slice", from, fmt.Errorf("slice %d", no))
		return nil, nil
	}

	// Backpressure: a rede espera a drenagem quando o destino está lento.
	// Só a drenagem fecha o buffer aqui, então fechado é falha no destino.
	waited := false
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if r.fifo.Closed() {
			return nil, fmt.Errorf("writing image: %w", r.drainError())
		}
		if r.fifo.Len() <= r.cfg.PipeSize {
			base, err := r.fifo.Reserve(int64(bytes))
			if err == nil {
				sl := slice.New(no, bytes, r.session.BlockSize, base, 1)
				r.slices[no] = sl
				r.created++
				return sl, nil
			}
			if errors.Is(err, fifo.ErrBufferClosed) {
				continue
			}
			if !errors.Is(err, fifo.ErrBufferFull) {
				return nil, fmt.Errorf("reserving slice %d: %w", no, err)
			}
		}
		if !waited {
			waited = true
			r.counters.AddStall()
			r.logger.Debug("waiting for sink", "slice", no, "buffered", r.fifo.Len())
		}
		time.Sleep(r.cfg.PollInterval)
	}
}

// commit libera para a drenagem todos os slices completos em sequência.
func (r *Receiver) commit() {
	for {
		sl, ok := r.slices[r.nextCommit]
		if !ok || !sl.Completed() {
			return
		}
		sl.EndTime = time.Now()
		r.fifo.Commit(sl.Base + int64(sl.Bytes))
		r.trace.Record("slice", sl.StartTime, sl.EndTime)
		r.counters.AddSlice()
		r.nextCommit++
	}
}

// drain é a thread de storage do receiver: escreve no destino os bytes
// commitados, em chunks alinhados a WriteChunk (o resto só no fechamento).
// Termina quando o buffer está fechado e sem bytes legíveis.
func (r *Receiver) drain() error {
	chunk := int64(r.cfg.WriteChunk)
	for {
		closed := r.fifo.Closed()
		avail := r.fifo.Readable()
		if closed && avail == 0 {
			return nil
		}

		n := min(avail, r.cfg.MaxDrain)
		if !closed || n < avail {
			n -= n % chunk
		}
		if n == 0 {
			time.Sleep(r.cfg.DrainInterval)
			continue
		}

		data := r.fifo.Pop(n)
		for off := 0; off < len(data); off += int(chunk) {
			end := min(off+int(chunk), len(data))
			start := time.Now()
			if _, err := r.sink.Write(data[off:end]); err != nil {
				r.mu.Lock()
				r.drainErr = err
				r.mu.Unlock()
				r.fifo.Close()
				r.logger.Error("sink write failed", "error", err, "offset", r.counters.Bytes())
				return err
			}
			r.writes.Observe(end-off, start)
			r.counters.AddBytes(int64(end - off))
		}
	}
}
