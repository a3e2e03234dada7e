// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package sender

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/netip"
	"testing"
	"time"

	"github.com/nishisan-dev/n-cast/internal/bitmap"
	"github.com/nishisan-dev/n-cast/internal/protocol"
	"github.com/nishisan-dev/n-cast/internal/transport"
)

var (
	senderAddr = netip.MustParseAddrPort("10.0.0.1:9001")
	helloAddr  = netip.MustParseAddrPort("10.0.0.255:9000")
	groupAddr  = netip.MustParseAddrPort("232.0.0.1:9000")
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeReceiver roteiriza um receiver sobre o hub.
type fakeReceiver struct {
	t      *testing.T
	conn   *transport.MemConn
	buf    []byte
	client uint32
}

func newFakeReceiver(t *testing.T, hub *transport.Hub, addr string) *fakeReceiver {
	conn := hub.Listen(netip.MustParseAddrPort(addr))
	conn.JoinGroup(groupAddr.Addr())
	t.Cleanup(func() { conn.Close() })
	return &fakeReceiver{t: t, conn: conn, buf: make([]byte, protocol.MaxDatagramSize)}
}

func (f *fakeReceiver) send(m protocol.Message) {
	f.conn.WriteTo(protocol.Encode(m), senderAddr)
}

// next devolve a próxima mensagem decodificada ou nil no timeout.
func (f *fakeReceiver) next(timeout time.Duration) protocol.Message {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		n, _, err := f.conn.ReadFrom(f.buf)
		if err != nil {
			continue
		}
		msg, err := protocol.Decode(f.buf[:n])
		if err != nil {
			f.t.Errorf("fake receiver decode: %v", err)
			continue
		}
		return msg
	}
	return nil
}

// join repete ConnectReq até receber o ConnectReply.
func (f *fakeReceiver) join() *protocol.ConnectReply {
	f.t.Helper()
	for i := 0; i < 100; i++ {
		f.send(&protocol.ConnectReq{Capabilities: protocol.ReceiverCapabilities, RcvBuf: 1 << 20})
		deadline := time.Now().Add(20 * time.Millisecond)
		for time.Now().Before(deadline) {
			if m, ok := f.next(5 * time.Millisecond).(*protocol.ConnectReply); ok {
				f.client = m.ClientNumber
				return m
			}
		}
	}
	f.t.Fatal("no ConnectReply")
	return nil
}

// serve responde Ok a todo ReqAck até o Disconnect final.
func (f *fakeReceiver) serve() {
	for {
		switch m := f.next(5 * time.Second).(type) {
		case *protocol.ReqAck:
			f.send(&protocol.Ok{SliceNo: m.SliceNo})
		case *protocol.Disconnect, nil:
			return
		}
	}
}

func testConfig() Config {
	return Config{
		SessionID:      "unit",
		BlockSize:      512,
		SliceSize:      4,
		MinSliceSize:   2,
		MaxSliceSize:   16,
		MaxClients:     4,
		ReadChunk:      1024,
		AckTimeout:     200 * time.Millisecond,
		MaxWaitRetries: 10,
		HelloInterval:  20 * time.Millisecond,
		MinClients:     1,
		HelloAddr:      helloAddr,
		DataAddr:       groupAddr,
	}
}

func newSender(t *testing.T, hub *transport.Hub, cfg Config, src io.Reader) *Sender {
	conn := hub.Listen(senderAddr)
	t.Cleanup(func() { conn.Close() })
	return New(cfg, conn, src, testLogger(), nil)
}

func run(s *Sender) (<-chan *Summary, <-chan error) {
	sumCh := make(chan *Summary, 1)
	errCh := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		sum, err := s.Run(ctx)
		sumCh <- sum
		errCh <- err
	}()
	return sumCh, errCh
}

func TestSender_NoClientsAfterStartWait(t *testing.T) {
	hub := transport.NewHub(helloAddr.Addr())
	cfg := testConfig()
	cfg.MinClients = 0
	cfg.StartWait = 50 * time.Millisecond
	s := newSender(t, hub, cfg, bytes.NewReader(nil))

	_, err := s.Run(context.Background())
	if !errors.Is(err, ErrNoClients) {
		t.Fatalf("expected ErrNoClients, got %v", err)
	}
	if s.State() != StateFailed {
		t.Errorf("expected failed state, got %s", s.State())
	}
}

func TestSender_GoSignalWithoutClients(t *testing.T) {
	hub := transport.NewHub(helloAddr.Addr())
	cfg := testConfig()
	cfg.MinClients = 0
	s := newSender(t, hub, cfg, bytes.NewReader(nil))
	s.Start()

	if _, err := s.Run(context.Background()); !errors.Is(err, ErrNoClients) {
		t.Fatalf("expected ErrNoClients, got %v", err)
	}
}

func TestSender_HelloAnnouncesSession(t *testing.T) {
	hub := transport.NewHub(helloAddr.Addr())
	r := newFakeReceiver(t, hub, "10.0.0.2:9000")
	cfg := testConfig()
	cfg.MinClients = 0
	cfg.StartWait = 100 * time.Millisecond
	s := newSender(t, hub, cfg, bytes.NewReader(nil))
	_, errCh := run(s)

	hello, ok := r.next(time.Second).(*protocol.Hello)
	if !ok {
		t.Fatal("expected Hello broadcast")
	}
	if hello.BlockSize != 512 || hello.Multicast != groupAddr.Addr() {
		t.Errorf("unexpected hello %+v", hello)
	}
	<-errCh
}

func TestSender_RejectsWhenFull(t *testing.T) {
	hub := transport.NewHub(helloAddr.Addr())
	r1 := newFakeReceiver(t, hub, "10.0.0.2:9000")
	r2 := newFakeReceiver(t, hub, "10.0.0.3:9000")

	cfg := testConfig()
	cfg.MaxClients = 1
	cfg.MinClients = 0
	cfg.StartWait = 300 * time.Millisecond
	s := newSender(t, hub, cfg, bytes.NewReader(nil))
	_, errCh := run(s)

	if reply := r1.join(); reply.ClientNumber != 0 {
		t.Fatalf("first receiver: expected client 0, got %d", reply.ClientNumber)
	}
	if reply := r2.join(); reply.ClientNumber != protocol.RejectedClient {
		t.Fatalf("second receiver: expected rejection, got %d", reply.ClientNumber)
	}

	go r1.serve()
	if err := <-errCh; err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestSender_ConnectReplyCarriesSessionParameters(t *testing.T) {
	hub := transport.NewHub(helloAddr.Addr())
	r := newFakeReceiver(t, hub, "10.0.0.2:9000")
	s := newSender(t, hub, testConfig(), bytes.NewReader(make([]byte, 100)))
	_, errCh := run(s)

	reply := r.join()
	if reply.BlockSize != 512 || reply.MaxSliceSize != 16 || reply.Multicast != groupAddr.Addr() {
		t.Errorf("unexpected reply %+v", reply)
	}
	if reply.Capabilities != protocol.SenderCapabilities {
		t.Errorf("unexpected capabilities %#x", reply.Capabilities)
	}
	go r.serve()
	if err := <-errCh; err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestSender_AllClientsLost(t *testing.T) {
	hub := transport.NewHub(helloAddr.Addr())
	r := newFakeReceiver(t, hub, "10.0.0.2:9000")
	cfg := testConfig()
	cfg.AckTimeout = 10 * time.Millisecond
	s := newSender(t, hub, cfg, bytes.NewReader(make([]byte, 4096)))
	_, errCh := run(s)

	r.join()
	// nunca responde

	if err := <-errCh; !errors.Is(err, ErrAllClientsLost) {
		t.Fatalf("expected ErrAllClientsLost, got %v", err)
	}
	if got := s.Counters().Snapshot().Dropped; got != 1 {
		t.Errorf("expected 1 dropped client, got %d", got)
	}
}

func TestSender_LastReceiverDisconnectEndsSession(t *testing.T) {
	hub := transport.NewHub(helloAddr.Addr())
	r := newFakeReceiver(t, hub, "10.0.0.2:9000")
	cfg := testConfig()
	cfg.AckTimeout = time.Second
	s := newSender(t, hub, cfg, bytes.NewReader(make([]byte, 64*1024)))
	sumCh, errCh := run(s)

	r.join()
	go func() {
		for {
			switch r.next(2 * time.Second).(type) {
			case *protocol.Data, *protocol.ReqAck:
				r.send(&protocol.Disconnect{})
				return
			case nil:
				return
			}
		}
	}()

	start := time.Now()
	err := <-errCh
	<-sumCh
	if !errors.Is(err, ErrAllClientsLost) {
		t.Fatalf("expected ErrAllClientsLost, got %v", err)
	}
	// saída voluntária não espera as rodadas de timeout
	if elapsed := time.Since(start); elapsed > cfg.AckTimeout {
		t.Errorf("session took %v to notice the receiver left", elapsed)
	}
	snap := s.Counters().Snapshot()
	if snap.Dropped != 0 {
		t.Errorf("voluntary disconnect counted as drop: %d", snap.Dropped)
	}
	if snap.Bytes >= 64*1024 {
		t.Errorf("sender kept acknowledging slices with no receivers: %d bytes", snap.Bytes)
	}
}

func TestSender_DisconnectDuringTransferRemovesClient(t *testing.T) {
	hub := transport.NewHub(helloAddr.Addr())
	r1 := newFakeReceiver(t, hub, "10.0.0.2:9000")
	r2 := newFakeReceiver(t, hub, "10.0.0.3:9000")
	cfg := testConfig()
	cfg.MinClients = 2
	s := newSender(t, hub, cfg, bytes.NewReader(make([]byte, 8*512)))
	sumCh, errCh := run(s)

	r1.join()
	r2.join()

	// r2 sai no primeiro ReqAck; r1 segue até o fim
	go func() {
		for {
			if _, ok := r2.next(2 * time.Second).(*protocol.ReqAck); ok {
				r2.send(&protocol.Disconnect{})
				return
			}
		}
	}()
	go r1.serve()

	if err := <-errCh; err != nil {
		t.Fatalf("Run: %v", err)
	}
	sum := <-sumCh
	if sum.Clients != 2 || sum.Dropped != 0 {
		t.Errorf("unexpected summary %+v", sum)
	}
	if got := s.Counters().Snapshot().Clients; got != 1 {
		t.Errorf("expected 1 remaining client, got %d", got)
	}
}

func TestSender_StaleRetransmitIgnored(t *testing.T) {
	hub := transport.NewHub(helloAddr.Addr())
	r := newFakeReceiver(t, hub, "10.0.0.2:9000")
	cfg := testConfig()
	cfg.SliceSize, cfg.MinSliceSize, cfg.MaxSliceSize = 4, 4, 4
	s := newSender(t, hub, cfg, bytes.NewReader(make([]byte, 4*512)))
	sumCh, errCh := run(s)

	r.join()

	rounds := 0
	for done := false; !done; {
		switch m := r.next(3 * time.Second).(type) {
		case *protocol.ReqAck:
			if m.SliceNo == 0 && m.RxmitID == 0 {
				missing := bitmap.New(4)
				missing.Set(1, true)
				r.send(&protocol.Retransmit{SliceNo: 0, RxmitID: 0, Missing: missing.Bytes()})
				continue
			}
			if m.SliceNo == 0 && m.RxmitID == 1 {
				rounds++
				// resposta atrasada da rodada 0: não pode abrir outra rodada
				all := bitmap.New(4)
				for i := 0; i < 4; i++ {
					all.Set(i, true)
				}
				r.send(&protocol.Retransmit{SliceNo: 0, RxmitID: 0, Missing: all.Bytes()})
			}
			r.send(&protocol.Ok{SliceNo: m.SliceNo})
		case *protocol.Disconnect, nil:
			done = true
		}
	}

	if err := <-errCh; err != nil {
		t.Fatalf("Run: %v", err)
	}
	sum := <-sumCh
	if rounds != 1 || sum.Rounds != 1 || sum.Retransmits != 1 {
		t.Errorf("expected exactly one retransmission of one block, got rounds=%d summary=%+v", rounds, sum)
	}
}

func TestSender_RetransmitMapSizeMismatchIsViolation(t *testing.T) {
	hub := transport.NewHub(helloAddr.Addr())
	r := newFakeReceiver(t, hub, "10.0.0.2:9000")
	cfg := testConfig()
	cfg.SliceSize, cfg.MinSliceSize, cfg.MaxSliceSize = 16, 16, 16
	s := newSender(t, hub, cfg, bytes.NewReader(make([]byte, 16*512)))
	_, errCh := run(s)

	r.join()
	bad := true
	for done := false; !done; {
		switch m := r.next(3 * time.Second).(type) {
		case *protocol.ReqAck:
			if bad && m.SliceNo == 0 {
				bad = false
				r.send(&protocol.Retransmit{SliceNo: 0, RxmitID: 0, Missing: []byte{0xff}})
			}
			r.send(&protocol.Ok{SliceNo: m.SliceNo})
		case *protocol.Disconnect, nil:
			done = true
		}
	}

	if err := <-errCh; err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := s.Counters().Snapshot().Violations; got != 1 {
		t.Errorf("expected 1 protocol violation, got %d", got)
	}
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("i/o error") }

func TestSender_SourceFailureIsFatal(t *testing.T) {
	hub := transport.NewHub(helloAddr.Addr())
	r := newFakeReceiver(t, hub, "10.0.0.2:9000")
	s := newSender(t, hub, testConfig(), failingReader{})
	_, errCh := run(s)

	r.join()
	err := <-errCh
	if err == nil || !bytes.Contains([]byte(err.Error()), []byte("i/o error")) {
		t.Fatalf("expected source error, got %v", err)
	}

	// o receiver é avisado do abort
	for {
		m := r.next(time.Second)
		if m == nil {
			t.Fatal("expected abort Disconnect")
		}
		if _, ok := m.(*protocol.Disconnect); ok {
			break
		}
	}
}

func TestSender_AdaptiveSliceSize(t *testing.T) {
	hub := transport.NewHub(helloAddr.Addr())
	r := newFakeReceiver(t, hub, "10.0.0.2:9000")
	cfg := testConfig()
	cfg.SliceSize, cfg.MinSliceSize, cfg.MaxSliceSize = 8, 2, 64
	s := newSender(t, hub, cfg, bytes.NewReader(make([]byte, 200*512)))
	_, errCh := run(s)

	r.join()
	var sizes []uint32
	for done := false; !done; {
		switch m := r.next(3 * time.Second).(type) {
		case *protocol.ReqAck:
			if m.SliceBytes > 0 {
				sizes = append(sizes, m.SliceBytes/512)
			}
			r.send(&protocol.Ok{SliceNo: m.SliceNo})
		case *protocol.Disconnect, nil:
			done = true
		}
	}
	if err := <-errCh; err != nil {
		t.Fatalf("Run: %v", err)
	}

	// 8, 10, 12, 15, 18, 22, 27, 33, 41, 51... até o teto de 64
	want := []uint32{8, 10, 12, 15, 18, 22, 27, 33, 41}
	if len(sizes) < len(want) {
		t.Fatalf("too few slices: %v", sizes)
	}
	for i, w := range want {
		if sizes[i] != w {
			t.Fatalf("slice %d: expected %d blocks, got %d (all: %v)", i, w, sizes[i], sizes)
		}
	}
}
