// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package slice mantém o estado de transferência de cada janela do stream,
// compartilhado em forma pelo sender e pelo receiver.
package slice

import (
	"fmt"
	"time"

	"github.com/nishisan-dev/n-cast/internal/bitmap"
)

// Event marca um instante relevante na vida do slice (ok, retransmit, ...).
type Event struct {
	Name string
	At   time.Time
}

// Slice é a janela contígua do stream transferida e confirmada como uma
// unidade de controle de fluxo.
//
// No sender, blocks marca os blocos já transmitidos ao menos uma vez e
// retransmit acumula (OR) os blocos faltantes reportados na rodada atual.
// No receiver, blocks marca os blocos recebidos e readySet guarda o último
// ready set visto do sender.
type Slice struct {
	No        uint32
	Bytes     int
	BlockSize int
	Base      int64
	Blocks    int

	blocks      *bitmap.Bitmap
	transferred int

	retransmit *bitmap.Bitmap
	readySet   *bitmap.Bitmap
	answered   *bitmap.Bitmap

	RxmitID       uint32
	NeedRxmit     bool
	NrAnswered    int
	LastGoodBlock int
	Rounds        int

	StartTime time.Time
	EndTime   time.Time
	events    []Event
}

// New cria o slice número no com bytes bytes a partir do offset base do ring buffer.
// maxClients dimensiona os bitmaps por cliente.
func New(no uint32, bytes, blockSize int, base int64, maxClients int) *Slice {
	if blockSize <= 0 {
		panic(fmt.Sprintf("slice: invalid block size %d", blockSize))
	}
	blocks := (bytes + blockSize - 1) / blockSize
	return &Slice{
		No:         no,
		Bytes:      bytes,
		BlockSize:  blockSize,
		Base:       base,
		Blocks:     blocks,
		blocks:     bitmap.New(blocks),
		retransmit: bitmap.New(blocks),
		readySet:   bitmap.New(maxClients),
		answered:   bitmap.New(maxClients),
		StartTime:  time.Now(),
	}
}

// MarkBlock marca o bloco como transferido/recebido. Retorna false se já
// estava marcado (entrega duplicada).
func (s *Slice) MarkBlock(blockNo int) bool {
	if s.blocks.Get(blockNo) {
		return false
	}
	s.blocks.Set(blockNo, true)
	s.transferred++
	return true
}

// HasBlock informa se o bloco já foi marcado.
func (s *Slice) HasBlock(blockNo int) bool {
	return s.blocks.Get(blockNo)
}

// Transferred retorna quantos blocos distintos foram marcados.
func (s *Slice) Transferred() int {
	return s.transferred
}

// Completed é verdadeiro sse todos os blocos do slice foram marcados.
func (s *Slice) Completed() bool {
	return s.transferred == s.Blocks
}

// BlockPos retorna o offset absoluto do bloco no ring buffer.
func (s *Slice) BlockPos(blockNo int) int64 {
	return s.Base + int64(blockNo)*int64(s.BlockSize)
}

// BlockLen retorna o tamanho do bloco; só o último pode ser menor que BlockSize.
func (s *Slice) BlockLen(blockNo int) int {
	return min(s.BlockSize, s.Bytes-blockNo*s.BlockSize)
}

// Missing retorna o bitmap de blocos ainda não recebidos, no tamanho usado no wire.
func (s *Slice) Missing() *bitmap.Bitmap {
	m := bitmap.New(s.Blocks)
	for i := 0; i < s.Blocks; i++ {
		if !s.blocks.Get(i) {
			m.Set(i, true)
		}
	}
	return m
}

// ReadySet expõe o bitmap de clientes prontos.
func (s *Slice) ReadySet() *bitmap.Bitmap {
	return s.readySet
}

// SetReadySet substitui o ready set (receiver: snapshot do último ReqAck).
func (s *Slice) SetReadySet(b *bitmap.Bitmap) {
	s.readySet = b
}

// Ready informa se o cliente já confirmou o slice.
func (s *Slice) Ready(client int) bool {
	return s.readySet.Get(client)
}

// Answer registra o Ok do cliente: ele fica pronto para este slice.
func (s *Slice) Answer(client int) {
	if !s.readySet.Get(client) {
		s.readySet.Set(client, true)
		s.NrAnswered++
	}
	s.answered.Set(client, true)
}

// MergeRetransmit acumula os blocos faltantes reportados por um cliente na
// rodada atual. O bitmap precisa ter exatamente o tamanho do slice no wire.
func (s *Slice) MergeRetransmit(client int, missing []byte) error {
	if len(missing) != bitmap.ByteLen(s.Blocks) {
		return fmt.Errorf("retransmit map for slice %d has %d bytes, expected %d", s.No, len(missing), bitmap.ByteLen(s.Blocks))
	}
	s.retransmit.Or(bitmap.FromBytes(missing))
	s.NeedRxmit = true
	s.answered.Set(client, true)
	return nil
}

// Answered informa se o cliente respondeu (Ok ou Retransmit) na rodada atual.
func (s *Slice) Answered(client int) bool {
	return s.readySet.Get(client) || s.answered.Get(client)
}

// RemoveClient desfaz o estado do cliente removido.
func (s *Slice) RemoveClient(client int) {
	if s.readySet.Get(client) {
		s.readySet.Set(client, false)
		s.NrAnswered--
	}
	s.answered.Set(client, false)
}

// NextRound inicia uma rodada de retransmissão: incrementa RxmitID, calcula
// LastGoodBlock (blocos limpos antes da primeira perda) e devolve a lista de
// blocos a reenviar. O mapa acumulado e as respostas da rodada são zerados.
func (s *Slice) NextRound() []int {
	var blocks []int
	s.LastGoodBlock = s.Blocks
	for i := 0; i < s.Blocks; i++ {
		// Bits de padding além de Blocks são ignorados.
		if s.retransmit.Get(i) {
			if len(blocks) == 0 {
				s.LastGoodBlock = i
			}
			blocks = append(blocks, i)
		}
	}

	s.RxmitID++
	s.Rounds++
	s.NeedRxmit = false
	s.retransmit.Reset()
	s.answered.Reset()
	return blocks
}

// Event registra um evento com o instante atual.
func (s *Slice) Event(name string) {
	s.events = append(s.events, Event{Name: name, At: time.Now()})
}

// Events retorna os eventos registrados, em ordem.
func (s *Slice) Events() []Event {
	return s.events
}

func (s *Slice) String() string {
	return fmt.Sprintf("slice %d: bytes=%d blocks=%d/%d base=%d rxmit=%d", s.No, s.Bytes, s.transferred, s.Blocks, s.Base, s.RxmitID)
}
