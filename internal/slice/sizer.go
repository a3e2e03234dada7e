// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package slice

// Sizer mantém o alvo adaptativo do tamanho de slice, em blocos.
// Cresce 25% a cada slice confirmado sem retransmissão e encolhe quando há
// perda: pela metade se a perda começou na primeira metade da janela, ou até
// o último bloco limpo caso contrário.
type Sizer struct {
	target int
	min    int
	max    int
}

// NewSizer cria o Sizer com o alvo inicial, limitado a [minBlocks, maxBlocks].
// Se minBlocks > maxBlocks, o piso efetivo é maxBlocks.
func NewSizer(initial, minBlocks, maxBlocks int) *Sizer {
	maxBlocks = max(maxBlocks, 1)
	minBlocks = min(max(minBlocks, 1), maxBlocks)
	s := &Sizer{target: initial, min: minBlocks, max: maxBlocks}
	s.clamp()
	return s
}

// Target retorna o tamanho alvo atual em blocos.
func (s *Sizer) Target() int {
	return s.target
}

// Grow aplica o crescimento de 25% após um slice limpo.
func (s *Sizer) Grow() {
	s.target += max(s.target/4, 1)
	s.clamp()
}

// Shrink reage a uma rodada de retransmissão. lastGood é quantos blocos do
// início do slice chegaram limpos a todos os clientes.
func (s *Sizer) Shrink(lastGood int) {
	if lastGood < s.target/2 {
		s.target /= 2
	} else {
		s.target = lastGood
	}
	s.clamp()
}

func (s *Sizer) clamp() {
	if s.target > s.max {
		s.target = s.max
	}
	if s.target < s.min {
		s.target = s.min
	}
}
