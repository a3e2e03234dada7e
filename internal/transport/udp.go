// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package transport

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/net/ipv4"
)

// UDPConfig contém os parâmetros do socket UDP.
type UDPConfig struct {
	Interface   *net.Interface // interface para multicast (nil = default do SO)
	Local       netip.AddrPort // endereço de bind
	ReadTimeout time.Duration  // timeout de cada ReadFrom (default 10ms)
	TTL         int            // TTL multicast (default 1)
	RcvBuf      int            // SO_RCVBUF em bytes (0 = default do SO)
	SndBuf      int            // SO_SNDBUF em bytes (0 = default do SO)
	DSCP        int            // code point DSCP (0 = desabilitado)
	Broadcast   bool           // habilita SO_BROADCAST
	Loopback    bool           // recebe os próprios datagramas multicast
}

// UDPConn implementa Conn sobre um socket UDP com suporte a multicast IPv4.
type UDPConn struct {
	conn    *net.UDPConn
	pc      *ipv4.PacketConn
	iface   *net.Interface
	timeout time.Duration

	packets atomic.Int64
	bytes   atomic.Int64
}

// ListenUDP abre e configura o socket.
func ListenUDP(cfg UDPConfig) (*UDPConn, error) {
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 10 * time.Millisecond
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 1
	}

	conn, err := net.ListenUDP("udp4", net.UDPAddrFromAddrPort(cfg.Local))
	if err != nil {
		return nil, fmt.Errorf("binding udp socket %s: %w", cfg.Local, err)
	}

	u := &UDPConn{
		conn:    conn,
		pc:      ipv4.NewPacketConn(conn),
		iface:   cfg.Interface,
		timeout: cfg.ReadTimeout,
	}

	if err := u.configure(cfg); err != nil {
		conn.Close()
		return nil, err
	}
	return u, nil
}

func (u *UDPConn) configure(cfg UDPConfig) error {
	if cfg.RcvBuf > 0 {
		if err := u.conn.SetReadBuffer(cfg.RcvBuf); err != nil {
			return fmt.Errorf("setting receive buffer %d: %w", cfg.RcvBuf, err)
		}
	}
	if cfg.SndBuf > 0 {
		if err := u.conn.SetWriteBuffer(cfg.SndBuf); err != nil {
			return fmt.Errorf("setting send buffer %d: %w", cfg.SndBuf, err)
		}
	}
	if err := u.pc.SetMulticastTTL(cfg.TTL); err != nil {
		return fmt.Errorf("setting multicast ttl %d: %w", cfg.TTL, err)
	}
	if err := u.pc.SetMulticastLoopback(cfg.Loopback); err != nil {
		return fmt.Errorf("setting multicast loopback: %w", err)
	}
	if u.iface != nil {
		if err := u.pc.SetMulticastInterface(u.iface); err != nil {
			return fmt.Errorf("setting multicast interface %s: %w", u.iface.Name, err)
		}
	}
	if cfg.Broadcast {
		if err := u.enableBroadcast(); err != nil {
			return err
		}
	}
	if err := ApplyDSCP(u.pc, cfg.DSCP); err != nil {
		return err
	}
	return nil
}

// enableBroadcast seta SO_BROADCAST, necessário para Hello e ConnectReq.
func (u *UDPConn) enableBroadcast() error {
	rawConn, err := u.conn.SyscallConn()
	if err != nil {
		return fmt.Errorf("getting raw conn for broadcast: %w", err)
	}
	var sysErr error
	if err := rawConn.Control(func(fd uintptr) {
		sysErr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_BROADCAST, 1)
	}); err != nil {
		return fmt.Errorf("control fd for broadcast: %w", err)
	}
	if sysErr != nil {
		return fmt.Errorf("setsockopt SO_BROADCAST: %w", sysErr)
	}
	return nil
}

// WriteTo implementa Conn.
func (u *UDPConn) WriteTo(p []byte, dst netip.AddrPort) (int, error) {
	n, err := u.conn.WriteToUDPAddrPort(p, dst)
	if err != nil {
		if errors.Is(err, net.ErrClosed) {
			return n, ErrClosed
		}
		return n, err
	}
	u.packets.Add(1)
	u.bytes.Add(int64(n))
	return n, nil
}

// ReadFrom implementa Conn. Timeouts viram ErrTimeout.
func (u *UDPConn) ReadFrom(p []byte) (int, netip.AddrPort, error) {
	if err := u.conn.SetReadDeadline(time.Now().Add(u.timeout)); err != nil {
		return 0, netip.AddrPort{}, err
	}
	n, from, err := u.conn.ReadFromUDPAddrPort(p)
	if err != nil {
		switch {
		case errors.Is(err, os.ErrDeadlineExceeded):
			return 0, netip.AddrPort{}, ErrTimeout
		case errors.Is(err, net.ErrClosed):
			return 0, netip.AddrPort{}, ErrClosed
		}
		return 0, netip.AddrPort{}, err
	}
	u.packets.Add(1)
	u.bytes.Add(int64(n))
	return n, unmap(from), nil
}

// JoinGroup implementa Conn.
func (u *UDPConn) JoinGroup(group netip.Addr) error {
	if err := u.pc.JoinGroup(u.iface, &net.UDPAddr{IP: group.AsSlice()}); err != nil {
		return fmt.Errorf("joining multicast group %s: %w", group, err)
	}
	return nil
}

// LocalAddr implementa Conn.
func (u *UDPConn) LocalAddr() netip.AddrPort {
	return unmap(u.conn.LocalAddr().(*net.UDPAddr).AddrPort())
}

// Close implementa Conn.
func (u *UDPConn) Close() error {
	return u.conn.Close()
}

// Packets implementa Counter.
func (u *UDPConn) Packets() int64 { return u.packets.Load() }

// Bytes implementa Counter.
func (u *UDPConn) Bytes() int64 { return u.bytes.Load() }

// unmap normaliza endereços IPv4-mapped (::ffff:a.b.c.d) para IPv4 puro, para
// que o registro de clientes use chaves estáveis.
func unmap(ap netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}
