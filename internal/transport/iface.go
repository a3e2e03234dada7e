// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package transport

import (
	"encoding/binary"
	"fmt"
	"net"
	"net/netip"
)

// Endpoint descreve a interface de rede escolhida e os endereços derivados dela.
type Endpoint struct {
	Interface *net.Interface
	Prefix    netip.Prefix // endereço IPv4 + máscara da interface
}

// Addr retorna o endereço IPv4 da interface.
func (e Endpoint) Addr() netip.Addr {
	return e.Prefix.Addr()
}

// Broadcast retorna o endereço de broadcast da sub-rede.
func (e Endpoint) Broadcast() netip.Addr {
	return BroadcastAddr(e.Prefix)
}

// Multicast retorna o grupo default derivado do endereço da interface.
func (e Endpoint) Multicast() netip.Addr {
	return DefaultMulticast(e.Addr())
}

// ResolveInterface localiza a interface pelo nome ou por um endereço IPv4
// atribuído a ela. Vazio seleciona a primeira interface ativa, não-loopback,
// com IPv4 e suporte a multicast.
func ResolveInterface(name string) (Endpoint, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return Endpoint{}, fmt.Errorf("listing interfaces: %w", err)
	}

	for i := range ifaces {
		iface := &ifaces[i]
		if iface.Flags&net.FlagUp == 0 {
			continue
		}
		prefix, ok := ipv4Prefix(iface)
		if !ok {
			continue
		}

		if name == "" {
			if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagMulticast == 0 {
				continue
			}
			return Endpoint{Interface: iface, Prefix: prefix}, nil
		}
		if iface.Name == name || prefix.Addr().String() == name {
			return Endpoint{Interface: iface, Prefix: prefix}, nil
		}
	}

	if name == "" {
		return Endpoint{}, fmt.Errorf("no multicast-capable ipv4 interface found")
	}
	return Endpoint{}, fmt.Errorf("interface %q not found or has no ipv4 address", name)
}

func ipv4Prefix(iface *net.Interface) (netip.Prefix, bool) {
	addrs, err := iface.Addrs()
	if err != nil {
		return netip.Prefix{}, false
	}
	for _, a := range addrs {
		ipnet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		ip, ok := netip.AddrFromSlice(ipnet.IP)
		if !ok || !ip.Unmap().Is4() {
			continue
		}
		ones, _ := ipnet.Mask.Size()
		return netip.PrefixFrom(ip.Unmap(), ones), true
	}
	return netip.Prefix{}, false
}

// BroadcastAddr calcula o endereço de broadcast do prefixo IPv4.
func BroadcastAddr(p netip.Prefix) netip.Addr {
	ip := p.Addr().As4()
	v := binary.BigEndian.Uint32(ip[:])
	hostMask := uint32(0xFFFFFFFF) >> p.Bits()
	if p.Bits() == 0 {
		hostMask = 0xFFFFFFFF
	}
	binary.BigEndian.PutUint32(ip[:], v|hostMask)
	return netip.AddrFrom4(ip)
}

// DefaultMulticast deriva o grupo multicast do endereço da interface:
// (ip & 0x07ffffff) | 0xe8000000, dentro de 232.0.0.0/5.
func DefaultMulticast(addr netip.Addr) netip.Addr {
	ip := addr.As4()
	v := binary.BigEndian.Uint32(ip[:])&0x07ffffff | 0xe8000000
	binary.BigEndian.PutUint32(ip[:], v)
	return netip.AddrFrom4(ip)
}
