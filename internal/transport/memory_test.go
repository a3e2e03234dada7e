// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package transport

import (
	"errors"
	"net/netip"
	"testing"
)

func TestHub_Multicast(t *testing.T) {
	hub := NewHub(netip.MustParseAddr("10.0.0.255"))
	group := netip.MustParseAddr("232.0.0.1")

	snd := hub.Listen(netip.MustParseAddrPort("10.0.0.1:9001"))
	r1 := hub.Listen(netip.MustParseAddrPort("10.0.0.2:9000"))
	r2 := hub.Listen(netip.MustParseAddrPort("10.0.0.3:9000"))
	other := hub.Listen(netip.MustParseAddrPort("10.0.0.4:9000"))
	defer snd.Close()
	defer r1.Close()
	defer r2.Close()
	defer other.Close()

	r1.JoinGroup(group)
	r2.JoinGroup(group)

	if _, err := snd.WriteTo([]byte("hi"), netip.AddrPortFrom(group, 9000)); err != nil {
		t.Fatalf("WriteTo: %v", err)
	}

	buf := make([]byte, 16)
	for _, r := range []*MemConn{r1, r2} {
		n, _, err := r.ReadFrom(buf)
		if err != nil || string(buf[:n]) != "hi" {
			t.Fatalf("member %v: n=%d err=%v", r.LocalAddr(), n, err)
		}
	}
	if _, _, err := other.ReadFrom(buf); !errors.Is(err, ErrTimeout) {
		t.Fatalf("non-member should time out, got %v", err)
	}
}

func TestHub_BroadcastSkipsSelf(t *testing.T) {
	hub := NewHub(netip.MustParseAddr("10.0.0.255"))
	a := hub.Listen(netip.MustParseAddrPort("10.0.0.1:9000"))
	b := hub.Listen(netip.MustParseAddrPort("10.0.0.2:9000"))
	defer a.Close()
	defer b.Close()

	a.WriteTo([]byte("x"), netip.MustParseAddrPort("10.0.0.255:9000"))

	buf := make([]byte, 4)
	if _, _, err := b.ReadFrom(buf); err != nil {
		t.Fatalf("b: %v", err)
	}
	if _, _, err := a.ReadFrom(buf); !errors.Is(err, ErrTimeout) {
		t.Fatalf("sender must not receive own broadcast, got %v", err)
	}
}

func TestHub_FilterAndObserve(t *testing.T) {
	hub := NewHub(netip.MustParseAddr("10.0.0.255"))
	a := hub.Listen(netip.MustParseAddrPort("10.0.0.1:9001"))
	b := hub.Listen(netip.MustParseAddrPort("10.0.0.2:9000"))
	defer a.Close()
	defer b.Close()

	seen := 0
	hub.Observe(func(from, dst netip.AddrPort, p []byte) { seen++ })
	hub.SetFilter(func(from, to netip.AddrPort, p []byte) bool { return p[0] != 'd' })

	a.WriteTo([]byte("drop"), b.LocalAddr())
	a.WriteTo([]byte("keep"), b.LocalAddr())

	buf := make([]byte, 8)
	n, _, err := b.ReadFrom(buf)
	if err != nil || string(buf[:n]) != "keep" {
		t.Fatalf("got %q err=%v", buf[:n], err)
	}
	if seen != 2 {
		t.Errorf("observer saw %d datagrams, want 2", seen)
	}
}

func TestHub_Closed(t *testing.T) {
	hub := NewHub(netip.Addr{})
	a := hub.Listen(netip.MustParseAddrPort("10.0.0.1:9000"))
	a.Close()
	if _, err := a.WriteTo([]byte("x"), netip.MustParseAddrPort("10.0.0.2:9000")); !errors.Is(err, ErrClosed) {
		t.Fatalf("WriteTo after close: %v", err)
	}
	if _, _, err := a.ReadFrom(make([]byte, 4)); !errors.Is(err, ErrClosed) {
		t.Fatalf("ReadFrom after close: %v", err)
	}
}
