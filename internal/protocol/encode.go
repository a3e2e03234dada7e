// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package protocol

import (
	"encoding/binary"
	"net/netip"
)

// Encode serializa a mensagem em um datagrama novo.
func Encode(m Message) []byte {
	return AppendFrame(make([]byte, 0, m.Size()), m)
}

// AppendFrame anexa o frame codificado em b e retorna o slice resultante.
// Permite reaproveitar o buffer de envio no hot path do sender.
func AppendFrame(b []byte, m Message) []byte {
	b = binary.LittleEndian.AppendUint16(b, uint16(m.Opcode()))
	return m.appendTo(b)
}

// Formato: [Op 2B] [Capabilities 4B] [Multicast IPv4 4B] [BlockSize 2B]
func (m *Hello) appendTo(b []byte) []byte {
	b = binary.LittleEndian.AppendUint32(b, m.Capabilities)
	b = appendIPv4(b, m.Multicast)
	return binary.LittleEndian.AppendUint16(b, m.BlockSize)
}

// Formato: [Op 2B] [Capabilities 4B] [RcvBuf 4B]
func (m *ConnectReq) appendTo(b []byte) []byte {
	b = binary.LittleEndian.AppendUint32(b, m.Capabilities)
	return binary.LittleEndian.AppendUint32(b, m.RcvBuf)
}

// Formato: [Op 2B] [ClientNumber 4B] [BlockSize 4B] [Capabilities 4B] [MaxSliceSize 4B] [Multicast IPv4 4B]
func (m *ConnectReply) appendTo(b []byte) []byte {
	b = binary.LittleEndian.AppendUint32(b, m.ClientNumber)
	b = binary.LittleEndian.AppendUint32(b, m.BlockSize)
	b = binary.LittleEndian.AppendUint32(b, m.Capabilities)
	b = binary.LittleEndian.AppendUint32(b, m.MaxSliceSize)
	return appendIPv4(b, m.Multicast)
}

func (*Go) appendTo(b []byte) []byte         { return b }
func (*Disconnect) appendTo(b []byte) []byte { return b }

// Formato: [Op 2B] [SliceNo 4B] [BlockNo 2B] [SliceBytes 4B] [Payload ...]
func (m *Data) appendTo(b []byte) []byte {
	b = binary.LittleEndian.AppendUint32(b, m.SliceNo)
	b = binary.LittleEndian.AppendUint16(b, m.BlockNo)
	b = binary.LittleEndian.AppendUint32(b, m.SliceBytes)
	return append(b, m.Payload...)
}

// Formato: [Op 2B] [SliceNo 4B] [SliceBytes 4B] [RxmitID 4B] [ReadySet ...]
func (m *ReqAck) appendTo(b []byte) []byte {
	b = binary.LittleEndian.AppendUint32(b, m.SliceNo)
	b = binary.LittleEndian.AppendUint32(b, m.SliceBytes)
	b = binary.LittleEndian.AppendUint32(b, m.RxmitID)
	return append(b, m.ReadySet...)
}

// Formato: [Op 2B] [SliceNo 4B]
func (m *Ok) appendTo(b []byte) []byte {
	return binary.LittleEndian.AppendUint32(b, m.SliceNo)
}

// Formato: [Op 2B] [SliceNo 4B] [RxmitID 4B] [Missing ...]
func (m *Retransmit) appendTo(b []byte) []byte {
	b = binary.LittleEndian.AppendUint32(b, m.SliceNo)
	b = binary.LittleEndian.AppendUint32(b, m.RxmitID)
	return append(b, m.Missing...)
}

// appendIPv4 grava o endereço como 4 bytes em ordem de rede; endereços
// inválidos ou IPv6 viram 0.0.0.0.
func appendIPv4(b []byte, addr netip.Addr) []byte {
	if !addr.Is4() {
		return append(b, 0, 0, 0, 0)
	}
	ip := addr.As4()
	return append(b, ip[:]...)
}
