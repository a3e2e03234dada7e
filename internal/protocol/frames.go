// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package protocol implementa o protocolo binário NCast trocado entre sender e
// receivers sobre datagramas UDP (multicast, broadcast e unicast).
//
// Todo frame começa com um opcode de 2 bytes little-endian, seguido de um
// header de tamanho fixo. Data, ReqAck e Retransmit carregam ainda um payload
// de tamanho variável que vai até o fim do datagrama.
package protocol

import (
	"errors"
	"fmt"
	"net/netip"
)

// Opcode identifica o tipo de frame.
type Opcode uint16

// Opcodes do protocolo.
const (
	OpOk           Opcode = 0x0001
	OpRetransmit   Opcode = 0x0002
	OpGo           Opcode = 0x0003
	OpConnectReq   Opcode = 0x0004
	OpDisconnect   Opcode = 0x0005
	OpHello        Opcode = 0x0501
	OpConnectReply Opcode = 0x0502
	OpData         Opcode = 0x0503
	OpReqAck       Opcode = 0x0505
)

func (op Opcode) String() string {
	switch op {
	case OpOk:
		return "ok"
	case OpRetransmit:
		return "retransmit"
	case OpGo:
		return "go"
	case OpConnectReq:
		return "connect_req"
	case OpDisconnect:
		return "disconnect"
	case OpHello:
		return "hello"
	case OpConnectReply:
		return "connect_reply"
	case OpData:
		return "data"
	case OpReqAck:
		return "reqack"
	default:
		return fmt.Sprintf("opcode(0x%04x)", uint16(op))
	}
}

// Tamanhos dos headers no wire (opcode incluído).
const (
	OpcodeSize            = 2
	HelloSize             = 12 // op + capabilities 4B + mcast 4B + blocksize 2B
	ConnectReqSize        = 10 // op + capabilities 4B + rcvbuf 4B
	ConnectReplySize      = 22 // op + clnr 4B + blocksize 4B + capabilities 4B + maxslice 4B + mcast 4B
	GoSize                = 2
	DisconnectSize        = 2
	DataHeaderSize        = 12 // op + slice 4B + block 2B + bytes 4B
	ReqAckHeaderSize      = 14 // op + slice 4B + bytes 4B + rxmit 4B
	OkSize                = 6  // op + slice 4B
	RetransmitHeaderSize  = 10 // op + slice 4B + rxmit 4B
	MaxDatagramSize       = 65507
	DefaultMaxClients     = 1024
	DefaultMaxSliceBlocks = 2048
)

// RejectedClient é o client number enviado no ConnectReply quando o sender
// não aceita mais clientes.
const RejectedClient uint32 = 0xFFFFFFFF

// Capabilities anunciadas em Hello/ConnectReq/ConnectReply.
const (
	CapNewGen       uint32 = 0x0001
	CapBigEndian    uint32 = 0x0008
	CapLittleEndian uint32 = 0x0010
	CapAsync        uint32 = 0x0020

	SenderCapabilities   = CapNewGen | CapLittleEndian
	ReceiverCapabilities = CapNewGen | CapLittleEndian
)

// Erros do protocolo.
var (
	ErrTruncatedFrame = errors.New("protocol: truncated frame")
	ErrUnknownOpcode  = errors.New("protocol: unknown opcode")
	ErrTrailingBytes  = errors.New("protocol: unexpected trailing bytes")
)

// Message é um frame decodificado. A implementação é fechada: apenas os tipos
// deste pacote satisfazem a interface.
type Message interface {
	Opcode() Opcode
	// Size retorna o tamanho do frame codificado em bytes.
	Size() int
	appendTo(b []byte) []byte
}

// Hello é anunciado periodicamente em broadcast pelo sender durante a enumeração.
type Hello struct {
	Capabilities uint32
	Multicast    netip.Addr
	BlockSize    uint16
}

// ConnectReq é enviado pelo receiver para se registrar no sender.
type ConnectReq struct {
	Capabilities uint32
	RcvBuf       uint32
}

// ConnectReply é a resposta unicast do sender ao ConnectReq.
// ClientNumber == RejectedClient indica que o sender está cheio.
type ConnectReply struct {
	ClientNumber uint32
	BlockSize    uint32
	Capabilities uint32
	MaxSliceSize uint32
	Multicast    netip.Addr
}

// Go é enviado por um receiver para iniciar a transferência.
type Go struct{}

// Disconnect encerra a participação de um peer.
type Disconnect struct{}

// Data carrega um bloco de um slice. SliceBytes é o tamanho total do slice,
// necessário para o receiver reservar a janela no primeiro bloco recebido.
type Data struct {
	SliceNo    uint32
	BlockNo    uint16
	SliceBytes uint32
	Payload    []byte
}

// ReqAck pede confirmação de um slice. ReadySet tem um bit por cliente; quem
// já está marcado não precisa responder.
type ReqAck struct {
	SliceNo    uint32
	SliceBytes uint32
	RxmitID    uint32
	ReadySet   []byte
}

// Terminal indica o ReqAck que marca o fim do stream.
func (m *ReqAck) Terminal() bool {
	return m.SliceBytes == 0 && m.RxmitID == 0
}

// Ok confirma que o slice foi recebido por completo.
type Ok struct {
	SliceNo uint32
}

// Retransmit reporta os blocos que ainda faltam ao receiver (um bit por bloco).
type Retransmit struct {
	SliceNo uint32
	RxmitID uint32
	Missing []byte
}

func (*Hello) Opcode() Opcode        { return OpHello }
func (*ConnectReq) Opcode() Opcode   { return OpConnectReq }
func (*ConnectReply) Opcode() Opcode { return OpConnectReply }
func (*Go) Opcode() Opcode           { return OpGo }
func (*Disconnect) Opcode() Opcode   { return OpDisconnect }
func (*Data) Opcode() Opcode         { return OpData }
func (*ReqAck) Opcode() Opcode       { return OpReqAck }
func (*Ok) Opcode() Opcode           { return OpOk }
func (*Retransmit) Opcode() Opcode   { return OpRetransmit }

func (*Hello) Size() int        { return HelloSize }
func (*ConnectReq) Size() int   { return ConnectReqSize }
func (*ConnectReply) Size() int { return ConnectReplySize }
func (*Go) Size() int           { return GoSize }
func (*Disconnect) Size() int   { return DisconnectSize }
func (m *Data) Size() int       { return DataHeaderSize + len(m.Payload) }
func (m *ReqAck) Size() int     { return ReqAckHeaderSize + len(m.ReadySet) }
func (*Ok) Size() int           { return OkSize }
func (m *Retransmit) Size() int { return RetransmitHeaderSize + len(m.Missing) }
