// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package fifo implementa o buffer circular que desacopla a thread de rede da
// thread de storage em cada ponta da transferência.
package fifo

import (
	"errors"
	"fmt"
	"sync"
)

// Erros do RingBuffer.
var (
	ErrBufferClosed = errors.New("ringbuffer: closed")
	ErrBufferFull   = errors.New("ringbuffer: not enough free space")
	ErrOutOfRange   = errors.New("ringbuffer: position outside buffered range")
)

// RingBuffer é um buffer circular de capacidade fixa endereçado por posições
// absolutas no stream (nunca resetam). O wrap é detalhe interno de indexação.
//
// Cursores, sempre com start <= ready <= slicebase <= end <= start+size:
//   - start: byte mais antigo ainda no buffer (avança com Pop/Drain)
//   - ready: fronteira legível pela thread de drenagem (avança com Commit)
//   - slicebase: cursor de reserva de slices (Assign/Reserve)
//   - end: fronteira de escrita (Push no sender, Reserve no receiver)
//
// Todo acesso passa pelo RWMutex; closed é o único sinal de término entre as
// duas threads. Nenhuma operação bloqueia: quem precisa esperar faz polling.
type RingBuffer struct {
	buf  []byte
	size int64

	start     int64
	ready     int64
	slicebase int64
	end       int64

	closed bool
	mu     sync.RWMutex
}

// NewRingBuffer cria um ring buffer com o tamanho especificado em bytes.
func NewRingBuffer(size int64) *RingBuffer {
	if size <= 0 {
		panic(fmt.Sprintf("ringbuffer: invalid size %d", size))
	}
	return &RingBuffer{
		buf:  make([]byte, size),
		size: size,
	}
}

// Push anexa até len(p) bytes no fim do buffer (lado produtor do sender).
// Não bloqueia: retorna quantos bytes couberam, possivelmente 0.
func (rb *RingBuffer) Push(p []byte) (int, error) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.closed {
		return 0, ErrBufferClosed
	}

	n := int64(len(p))
	if free := rb.size - (rb.end - rb.start); n > free {
		n = free
	}
	if n == 0 {
		return 0, nil
	}

	rb.copyIn(rb.end, p[:n])
	rb.end += n
	return int(n), nil
}

// Assign reserva a próxima janela de até n bytes já bufferizados para um novo
// slice do sender. Se não houver n bytes disponíveis, a janela é truncada no
// fim dos dados; o chamador deve fazer polling até haver bytes suficientes.
// Retorna o offset absoluto da janela e o tamanho efetivamente reservado.
func (rb *RingBuffer) Assign(n int64) (base, assigned int64) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	base = rb.slicebase
	rb.slicebase += n
	if rb.slicebase > rb.end {
		rb.slicebase = rb.end
	}
	return base, rb.slicebase - base
}

// Reserve aloca uma janela de n bytes para um slice recebido (lado receiver).
// A janela é endereçável por Set imediatamente, mas só fica legível para a
// drenagem após Commit.
func (rb *RingBuffer) Reserve(n int64) (int64, error) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.closed {
		return 0, ErrBufferClosed
	}
	if rb.end-rb.start+n > rb.size {
		return 0, ErrBufferFull
	}

	base := rb.slicebase
	rb.slicebase += n
	if rb.end < rb.slicebase {
		rb.end = rb.slicebase
	}
	return base, nil
}

// Commit torna legível tudo antes de pos (limitado ao cursor de reserva).
func (rb *RingBuffer) Commit(pos int64) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if pos > rb.slicebase {
		pos = rb.slicebase
	}
	if pos > rb.ready {
		rb.ready = pos
	}
}

// Get retorna uma cópia de até n bytes a partir da posição absoluta pos.
// A leitura é truncada no fim dos dados bufferizados.
func (rb *RingBuffer) Get(pos int64, n int) ([]byte, error) {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if pos < rb.start || pos >= rb.end {
		return nil, fmt.Errorf("%w: get %d not in [%d, %d)", ErrOutOfRange, pos, rb.start, rb.end)
	}
	if avail := rb.end - pos; int64(n) > avail {
		n = int(avail)
	}

	out := make([]byte, n)
	rb.copyOut(pos, out)
	return out, nil
}

// Set grava data na posição absoluta pos. A faixa inteira precisa estar
// dentro de [start, end); é usado para blocos que chegam fora de ordem.
func (rb *RingBuffer) Set(pos int64, data []byte) error {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if pos < rb.start || pos+int64(len(data)) > rb.end {
		return fmt.Errorf("%w: set [%d, %d) not in [%d, %d)", ErrOutOfRange, pos, pos+int64(len(data)), rb.start, rb.end)
	}
	rb.copyIn(pos, data)
	return nil
}

// Pop remove e retorna os n bytes mais antigos já commitados.
// n é limitado ao que está legível.
func (rb *RingBuffer) Pop(n int64) []byte {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if avail := rb.ready - rb.start; n > avail {
		n = avail
	}
	if n <= 0 {
		return nil
	}

	out := make([]byte, n)
	rb.copyOut(rb.start, out)
	rb.start += n
	return out
}

// Drain avança start em n bytes sem copiar dados. Usado pelo sender quando um
// slice foi confirmado por todos os clientes. Não passa do cursor de reserva.
func (rb *RingBuffer) Drain(n int64) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.start += n
	if rb.start > rb.slicebase {
		rb.start = rb.slicebase
	}
	if rb.ready < rb.start {
		rb.ready = rb.start
	}
}

// Close sinaliza fim de stream (ou abort) para a outra thread. É definitivo.
func (rb *RingBuffer) Close() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.closed = true
}

// Closed informa se Close já foi chamado.
func (rb *RingBuffer) Closed() bool {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.closed
}

// Len retorna quantos bytes ocupam o buffer (end - start).
func (rb *RingBuffer) Len() int64 {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.end - rb.start
}

// Free retorna quantos bytes ainda cabem no buffer.
func (rb *RingBuffer) Free() int64 {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.size - (rb.end - rb.start)
}

// Pending retorna os bytes bufferizados ainda não atribuídos a um slice.
func (rb *RingBuffer) Pending() int64 {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.end - rb.slicebase
}

// Readable retorna quantos bytes a drenagem pode remover com Pop.
func (rb *RingBuffer) Readable() int64 {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.ready - rb.start
}

// Start retorna o offset absoluto do byte mais antigo no buffer.
// Equivale ao total de bytes já drenados.
func (rb *RingBuffer) Start() int64 {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.start
}

// End retorna o offset absoluto da fronteira de escrita.
func (rb *RingBuffer) End() int64 {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.end
}

// Cap retorna a capacidade do buffer em bytes.
func (rb *RingBuffer) Cap() int64 {
	return rb.size
}

func (rb *RingBuffer) String() string {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return fmt.Sprintf("%d:%d - %d/%d, closed: %v", rb.start, rb.end, rb.ready, rb.slicebase, rb.closed)
}

// copyIn grava p a partir do offset absoluto pos, tratando o wrap.
// Deve ser chamada com rb.mu held para escrita.
func (rb *RingBuffer) copyIn(pos int64, p []byte) {
	at := pos % rb.size
	if at+int64(len(p)) <= rb.size {
		copy(rb.buf[at:], p)
		return
	}
	firstPart := rb.size - at
	copy(rb.buf[at:], p[:firstPart])
	copy(rb.buf[0:], p[firstPart:])
}

// copyOut lê len(p) bytes a partir do offset absoluto pos, tratando o wrap.
// Deve ser chamada com rb.mu held.
func (rb *RingBuffer) copyOut(pos int64, p []byte) {
	at := pos % rb.size
	if at+int64(len(p)) <= rb.size {
		copy(p, rb.buf[at:at+int64(len(p))])
		return
	}
	firstPart := rb.size - at
	copy(p, rb.buf[at:])
	copy(p[firstPart:], rb.buf[0:int64(len(p))-firstPart])
}
