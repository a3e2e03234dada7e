// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package protocol

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

// PeekOpcode lê apenas o opcode do datagrama.
func PeekOpcode(b []byte) (Opcode, error) {
	if len(b) < OpcodeSize {
		return 0, ErrTruncatedFrame
	}
	return Opcode(binary.LittleEndian.Uint16(b)), nil
}

// Decode interpreta um datagrama completo. Payloads variáveis são copiados,
// então o chamador pode reutilizar b após o retorno.
func Decode(b []byte) (Message, error) {
	op, err := PeekOpcode(b)
	if err != nil {
		return nil, err
	}

	switch op {
	case OpHello:
		if err := expectSize(op, b, HelloSize); err != nil {
			return nil, err
		}
		return &Hello{
			Capabilities: binary.LittleEndian.Uint32(b[2:]),
			Multicast:    readIPv4(b[6:]),
			BlockSize:    binary.LittleEndian.Uint16(b[10:]),
		}, nil

	case OpConnectReq:
		if err := expectSize(op, b, ConnectReqSize); err != nil {
			return nil, err
		}
		return &ConnectReq{
			Capabilities: binary.LittleEndian.Uint32(b[2:]),
			RcvBuf:       binary.LittleEndian.Uint32(b[6:]),
		}, nil

	case OpConnectReply:
		if err := expectSize(op, b, ConnectReplySize); err != nil {
			return nil, err
		}
		return &ConnectReply{
			ClientNumber: binary.LittleEndian.Uint32(b[2:]),
			BlockSize:    binary.LittleEndian.Uint32(b[6:]),
			Capabilities: binary.LittleEndian.Uint32(b[10:]),
			MaxSliceSize: binary.LittleEndian.Uint32(b[14:]),
			Multicast:    readIPv4(b[18:]),
		}, nil

	case OpGo:
		if err := expectSize(op, b, GoSize); err != nil {
			return nil, err
		}
		return &Go{}, nil

	case OpDisconnect:
		if err := expectSize(op, b, DisconnectSize); err != nil {
			return nil, err
		}
		return &Disconnect{}, nil

	case OpData:
		if len(b) < DataHeaderSize {
			return nil, fmt.Errorf("%w: %s needs %d bytes, got %d", ErrTruncatedFrame, op, DataHeaderSize, len(b))
		}
		return &Data{
			SliceNo:    binary.LittleEndian.Uint32(b[2:]),
			BlockNo:    binary.LittleEndian.Uint16(b[6:]),
			SliceBytes: binary.LittleEndian.Uint32(b[8:]),
			Payload:    clone(b[DataHeaderSize:]),
		}, nil

	case OpReqAck:
		if len(b) < ReqAckHeaderSize {
			return nil, fmt.Errorf("%w: %s needs %d bytes, got %d", ErrTruncatedFrame, op, ReqAckHeaderSize, len(b))
		}
		return &ReqAck{
			SliceNo:    binary.LittleEndian.Uint32(b[2:]),
			SliceBytes: binary.LittleEndian.Uint32(b[6:]),
			RxmitID:    binary.LittleEndian.Uint32(b[10:]),
			ReadySet:   clone(b[ReqAckHeaderSize:]),
		}, nil

	case OpOk:
		if err := expectSize(op, b, OkSize); err != nil {
			return nil, err
		}
		return &Ok{SliceNo: binary.LittleEndian.Uint32(b[2:])}, nil

	case OpRetransmit:
		if len(b) < RetransmitHeaderSize {
			return nil, fmt.Errorf("%w: %s needs %d bytes, got %d", ErrTruncatedFrame, op, RetransmitHeaderSize, len(b))
		}
		return &Retransmit{
			SliceNo: binary.LittleEndian.Uint32(b[2:]),
			RxmitID: binary.LittleEndian.Uint32(b[6:]),
			Missing: clone(b[RetransmitHeaderSize:]),
		}, nil

	default:
		return nil, fmt.Errorf("%w: 0x%04x", ErrUnknownOpcode, uint16(op))
	}
}

// expectSize valida frames de tamanho fixo.
func expectSize(op Opcode, b []byte, size int) error {
	switch {
	case len(b) < size:
		return fmt.Errorf("%w: %s needs %d bytes, got %d", ErrTruncatedFrame, op, size, len(b))
	case len(b) > size:
		return fmt.Errorf("%w: %s has %d extra bytes", ErrTrailingBytes, op, len(b)-size)
	}
	return nil
}

func readIPv4(b []byte) netip.Addr {
	return netip.AddrFrom4([4]byte{b[0], b[1], b[2], b[3]})
}

func clone(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
