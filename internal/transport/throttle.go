// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package transport

import (
	"context"
	"net/netip"

	"golang.org/x/time/rate"
)

// maxBurstSize é o tamanho máximo de burst para o rate limiter (256KB).
const maxBurstSize = 256 * 1024

// minBurstSize garante que um datagrama UDP máximo caiba no bucket.
const minBurstSize = 64 * 1024

// LimitConn é um Conn com rate limiting de envio baseado em token bucket.
// Limita a taxa de WriteTo a bytesPerSec bytes/segundo. Leituras não são limitadas.
type LimitConn struct {
	Conn
	limiter *rate.Limiter
	ctx     context.Context
}

// NewLimitConn cria um LimitConn com a taxa máxima em bytes/segundo.
// Se bytesPerSec <= 0, retorna o Conn original sem throttle (bypass).
func NewLimitConn(ctx context.Context, c Conn, bytesPerSec int64) Conn {
	if bytesPerSec <= 0 {
		return c
	}

	burst := int(bytesPerSec)
	if burst > maxBurstSize {
		burst = maxBurstSize
	}
	if burst < minBurstSize {
		burst = minBurstSize
	}

	return &LimitConn{
		Conn:    c,
		limiter: rate.NewLimiter(rate.Limit(bytesPerSec), burst),
		ctx:     ctx,
	}
}

// WriteTo espera tokens para o datagrama inteiro antes de enviá-lo.
// Datagramas não são fragmentados.
func (lc *LimitConn) WriteTo(p []byte, dst netip.AddrPort) (int, error) {
	n := len(p)
	if n > lc.limiter.Burst() {
		n = lc.limiter.Burst()
	}
	if err := lc.limiter.WaitN(lc.ctx, n); err != nil {
		return 0, err
	}
	return lc.Conn.WriteTo(p, dst)
}

// Packets repassa os contadores do Conn subjacente, se houver.
func (lc *LimitConn) Packets() int64 {
	if c, ok := lc.Conn.(Counter); ok {
		return c.Packets()
	}
	return 0
}

// Bytes repassa os contadores do Conn subjacente, se houver.
func (lc *LimitConn) Bytes() int64 {
	if c, ok := lc.Conn.(Counter); ok {
		return c.Bytes()
	}
	return 0
}
