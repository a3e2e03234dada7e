// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package transport abstrai o socket de datagramas usado pelos engines.
// O engine só enxerga envio/recebimento de datagramas com timeout e o join no
// grupo multicast; TTL, broadcast, DSCP e buffers são configuração do socket.
package transport

import (
	"errors"
	"net/netip"
)

// ErrTimeout é retornado por ReadFrom quando nenhum datagrama chegou dentro
// do timeout de leitura. Não é um erro de I/O: dirige o polling dos engines.
var ErrTimeout = errors.New("transport: read timeout")

// ErrClosed é retornado por operações em uma conexão fechada.
var ErrClosed = errors.New("transport: connection closed")

// Conn é o contrato de datagramas consumido pelo sender e pelo receiver.
type Conn interface {
	// WriteTo envia um datagrama para dst (unicast, broadcast ou multicast).
	WriteTo(p []byte, dst netip.AddrPort) (int, error)
	// ReadFrom bloqueia até um datagrama chegar ou o timeout de leitura
	// expirar (ErrTimeout).
	ReadFrom(p []byte) (int, netip.AddrPort, error)
	// JoinGroup passa a receber datagramas enviados ao grupo multicast.
	JoinGroup(group netip.Addr) error
	// LocalAddr retorna o endereço local da conexão.
	LocalAddr() netip.AddrPort
	Close() error
}

// Counter conta pacotes e bytes trafegados por uma Conn.
type Counter interface {
	Packets() int64
	Bytes() int64
}
