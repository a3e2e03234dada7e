// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package bitmap implementa o vetor de bits usado para rastrear blocos por
// slice e clientes prontos, serializável para transporte no wire.
package bitmap

import (
	"fmt"
	"math/bits"
)

// Bitmap é um vetor de bits de tamanho fixo.
// O bit i fica no byte i/8, máscara 1<<(i%8).
type Bitmap struct {
	data []byte
	n    int
}

// New cria um bitmap zerado com n bits (ceil(n/8) bytes).
func New(n int) *Bitmap {
	if n < 0 {
		panic(fmt.Sprintf("bitmap: negative size %d", n))
	}
	return &Bitmap{
		data: make([]byte, (n+7)/8),
		n:    n,
	}
}

// FromBytes reconstrói um bitmap a partir do wire.
// O tamanho resultante é sempre 8*len(buf) bits; o buffer é copiado.
func FromBytes(buf []byte) *Bitmap {
	data := make([]byte, len(buf))
	copy(data, buf)
	return &Bitmap{data: data, n: len(buf) * 8}
}

// ByteLen retorna quantos bytes um bitmap de n bits ocupa no wire.
func ByteLen(n int) int {
	return (n + 7) / 8
}

// Len retorna o número de bits endereçáveis.
func (b *Bitmap) Len() int {
	return b.n
}

// Set marca ou desmarca o bit i. Panics se i estiver fora do range.
func (b *Bitmap) Set(i int, v bool) {
	b.check(i)
	if v {
		b.data[i/8] |= 1 << (i % 8)
	} else {
		b.data[i/8] &^= 1 << (i % 8)
	}
}

// Get retorna o valor do bit i. Panics se i estiver fora do range.
func (b *Bitmap) Get(i int) bool {
	b.check(i)
	return b.data[i/8]&(1<<(i%8)) != 0
}

// Bytes retorna uma cópia da representação no wire.
func (b *Bitmap) Bytes() []byte {
	out := make([]byte, len(b.data))
	copy(out, b.data)
	return out
}

// Or aplica b |= other. Os dois bitmaps devem ter o mesmo tamanho em bytes.
func (b *Bitmap) Or(other *Bitmap) {
	b.sameSize(other)
	for i := range b.data {
		b.data[i] |= other.data[i]
	}
}

// And aplica b &= other. Os dois bitmaps devem ter o mesmo tamanho em bytes.
func (b *Bitmap) And(other *Bitmap) {
	b.sameSize(other)
	for i := range b.data {
		b.data[i] &= other.data[i]
	}
}

// Count retorna quantos bits estão marcados.
func (b *Bitmap) Count() int {
	total := 0
	for _, v := range b.data {
		total += bits.OnesCount8(v)
	}
	return total
}

// Reset zera todos os bits.
func (b *Bitmap) Reset() {
	clear(b.data)
}

// Clone retorna uma cópia independente.
func (b *Bitmap) Clone() *Bitmap {
	return &Bitmap{data: b.Bytes(), n: b.n}
}

func (b *Bitmap) check(i int) {
	if i < 0 || i >= b.n {
		panic(fmt.Sprintf("bitmap: index %d out of range [0, %d)", i, b.n))
	}
}

func (b *Bitmap) sameSize(other *Bitmap) {
	if len(b.data) != len(other.data) {
		panic(fmt.Sprintf("bitmap: size mismatch %d != %d bytes", len(b.data), len(other.data)))
	}
}
