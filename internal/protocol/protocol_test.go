// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package protocol

import (
	"bytes"
	"errors"
	"net/netip"
	"testing"
)

func TestEncode_HeaderSizes(t *testing.T) {
	msgs := []Message{
		&Hello{},
		&ConnectReq{},
		&ConnectReply{},
		&Go{},
		&Disconnect{},
		&Data{},
		&ReqAck{},
		&Ok{},
		&Retransmit{},
	}
	want := []int{12, 10, 22, 2, 2, 12, 14, 6, 10}

	for i, m := range msgs {
		if got := len(Encode(m)); got != want[i] {
			t.Errorf("%s: expected %d bytes, got %d", m.Opcode(), want[i], got)
		}
	}
}

func TestEncode_DataLayout(t *testing.T) {
	b := Encode(&Data{SliceNo: 0x01020304, BlockNo: 0x0506, SliceBytes: 0x0708090A, Payload: []byte{0xAA, 0xBB}})

	want := []byte{
		0x03, 0x05, // opcode 0x0503
		0x04, 0x03, 0x02, 0x01,
		0x06, 0x05,
		0x0A, 0x09, 0x08, 0x07,
		0xAA, 0xBB,
	}
	if !bytes.Equal(b, want) {
		t.Fatalf("unexpected layout:\n got %x\nwant %x", b, want)
	}
}

func TestDecode_ReEncodeIsByteIdentical(t *testing.T) {
	group := netip.MustParseAddr("232.1.2.3")
	frames := [][]byte{
		Encode(&Hello{Capabilities: SenderCapabilities, Multicast: group, BlockSize: 1456}),
		Encode(&ConnectReq{Capabilities: ReceiverCapabilities, RcvBuf: 8 << 20}),
		Encode(&ConnectReply{ClientNumber: 3, BlockSize: 1456, Capabilities: 1, MaxSliceSize: 2048, Multicast: group}),
		Encode(&Go{}),
		Encode(&Disconnect{}),
		Encode(&Data{SliceNo: 9, BlockNo: 17, SliceBytes: 4096 * 8, Payload: bytes.Repeat([]byte{7}, 100)}),
		Encode(&ReqAck{SliceNo: 9, SliceBytes: 4096 * 8, RxmitID: 2, ReadySet: make([]byte, DefaultMaxClients/8)}),
		Encode(&Ok{SliceNo: 9}),
		Encode(&Retransmit{SliceNo: 9, RxmitID: 2, Missing: []byte{0x08}}),
	}

	for _, frame := range frames {
		m, err := Decode(frame)
		if err != nil {
			t.Fatalf("Decode(%x) error: %v", frame, err)
		}
		if again := Encode(m); !bytes.Equal(again, frame) {
			t.Errorf("%s: re-encode mismatch\n got %x\nwant %x", m.Opcode(), again, frame)
		}
	}
}

func TestDecode_ConnectReplyFields(t *testing.T) {
	frame := Encode(&ConnectReply{
		ClientNumber: RejectedClient,
		BlockSize:    4096,
		MaxSliceSize: 512,
		Multicast:    netip.MustParseAddr("232.0.0.9"),
	})

	m, err := Decode(frame)
	if err != nil {
		t.Fatalf("Decode error: %v", err)
	}
	reply, ok := m.(*ConnectReply)
	if !ok {
		t.Fatalf("expected *ConnectReply, got %T", m)
	}
	if reply.ClientNumber != RejectedClient {
		t.Errorf("expected rejected client number, got %d", reply.ClientNumber)
	}
	if reply.Multicast.String() != "232.0.0.9" {
		t.Errorf("expected multicast 232.0.0.9, got %s", reply.Multicast)
	}
	if reply.BlockSize != 4096 || reply.MaxSliceSize != 512 {
		t.Errorf("unexpected sizes: %+v", reply)
	}
}

func TestDecode_PayloadIsCopied(t *testing.T) {
	frame := Encode(&Data{SliceNo: 1, Payload: []byte("abc")})

	m, _ := Decode(frame)
	frame[DataHeaderSize] = 'X'

	if got := m.(*Data).Payload; !bytes.Equal(got, []byte("abc")) {
		t.Fatalf("payload aliased the input buffer: %q", got)
	}
}

func TestDecode_Truncated(t *testing.T) {
	frame := Encode(&ConnectReply{ClientNumber: 1})

	if _, err := Decode(frame[:len(frame)-1]); !errors.Is(err, ErrTruncatedFrame) {
		t.Fatalf("expected ErrTruncatedFrame, got %v", err)
	}
	if _, err := Decode([]byte{0x05}); !errors.Is(err, ErrTruncatedFrame) {
		t.Fatalf("expected ErrTruncatedFrame for 1-byte frame, got %v", err)
	}
	if _, err := Decode(Encode(&Data{})[:DataHeaderSize-1]); !errors.Is(err, ErrTruncatedFrame) {
		t.Fatalf("expected ErrTruncatedFrame for short data header, got %v", err)
	}
}

func TestDecode_TrailingBytesOnFixedFrame(t *testing.T) {
	frame := append(Encode(&Ok{SliceNo: 1}), 0x00)

	if _, err := Decode(frame); !errors.Is(err, ErrTrailingBytes) {
		t.Fatalf("expected ErrTrailingBytes, got %v", err)
	}
}

func TestDecode_UnknownOpcode(t *testing.T) {
	if _, err := Decode([]byte{0xFF, 0xFF}); !errors.Is(err, ErrUnknownOpcode) {
		t.Fatalf("expected ErrUnknownOpcode, got %v", err)
	}
}

func TestReqAck_Terminal(t *testing.T) {
	if !(&ReqAck{SliceNo: 12}).Terminal() {
		t.Fatal("bytes=0, rxmit=0 should be terminal")
	}
	if (&ReqAck{SliceNo: 12, RxmitID: 1}).Terminal() {
		t.Fatal("rxmit=1 should not be terminal")
	}
}
