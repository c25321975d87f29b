// Package peerprotocol implements the wire codec for the peer-to-peer
// chunk transfer protocol: message types, the fixed 12-byte header, and
// the encode/decode routines for each message.
package peerprotocol

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// MessageType identifies the kind of packet on the wire.
type MessageType uint8

const (
	WhoHas MessageType = iota
	IHave
	Get
	Data
	Ack
	Denied
)

func (t MessageType) String() string {
	switch t {
	case WhoHas:
		return "WHOHAS"
	case IHave:
		return "IHAVE"
	case Get:
		return "GET"
	case Data:
		return "DATA"
	case Ack:
		return "ACK"
	case Denied:
		return "DENIED"
	default:
		return "UNKNOWN"
	}
}

const (
	// HeaderLen is the fixed size, in bytes, of every packet header.
	HeaderLen = 12
	// MaxDatagram is the largest datagram the transport is willing to send
	// or receive.
	MaxDatagram = 1400
	// MaxPayload is the largest DATA payload that fits in one datagram
	// alongside the header.
	MaxPayload = MaxDatagram - HeaderLen
)

// Header is the fixed-size prefix carried by every packet.
//
//	type(u8) header_len(u8) pkt_len(u16 be) seq_num(u32 be) ack_num(u32 be)
type Header struct {
	Type     MessageType
	HeaderLen uint8
	PacketLen uint16
	SeqNum    uint32
	AckNum    uint32
}

// Packet is a decoded on-wire message: the header plus whatever payload
// its type carries (hash list for WHOHAS/IHAVE, a single hash for GET,
// raw chunk bytes for DATA). ACK and DENIED carry no payload.
type Packet struct {
	Header  Header
	Hashes  [][20]byte // WHOHAS, IHAVE
	Hash    [20]byte   // GET
	Payload []byte     // DATA
}

var ErrShortPacket = errors.New("packet shorter than header")
var ErrBadHeaderLen = errors.New("header_len field does not match fixed header size")
var ErrLengthMismatch = errors.New("declared pkt_len disagrees with actual packet length")
var ErrBadPayload = errors.New("payload does not match the shape required by its message type")
var ErrOversizedPacket = errors.New("encoded packet exceeds MaxDatagram")

func encodeHeader(buf []byte, typ MessageType, pktLen uint16, seq, ack uint32) {
	buf[0] = byte(typ)
	buf[1] = HeaderLen
	binary.BigEndian.PutUint16(buf[2:4], pktLen)
	binary.BigEndian.PutUint32(buf[4:8], seq)
	binary.BigEndian.PutUint32(buf[8:12], ack)
}

func decodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderLen {
		return Header{}, ErrShortPacket
	}
	h := Header{
		Type:      MessageType(buf[0]),
		HeaderLen: buf[1],
		PacketLen: binary.BigEndian.Uint16(buf[2:4]),
		SeqNum:    binary.BigEndian.Uint32(buf[4:8]),
		AckNum:    binary.BigEndian.Uint32(buf[8:12]),
	}
	if h.HeaderLen != HeaderLen {
		return h, ErrBadHeaderLen
	}
	return h, nil
}

// EncodeWhoHas builds a WHOHAS packet listing the hashes being sought.
func EncodeWhoHas(hashes [][20]byte) ([]byte, error) {
	return encodeHashList(WhoHas, hashes)
}

// EncodeIHave builds an IHAVE packet listing the hashes the sender holds.
func EncodeIHave(hashes [][20]byte) ([]byte, error) {
	return encodeHashList(IHave, hashes)
}

func encodeHashList(typ MessageType, hashes [][20]byte) ([]byte, error) {
	if len(hashes) == 0 {
		return nil, ErrBadPayload
	}
	body := make([]byte, 0, len(hashes)*20)
	for _, h := range hashes {
		body = append(body, h[:]...)
	}
	pktLen := HeaderLen + len(body)
	if pktLen > MaxDatagram {
		return nil, ErrOversizedPacket
	}
	buf := make([]byte, pktLen)
	encodeHeader(buf, typ, uint16(pktLen), 0, 0)
	copy(buf[HeaderLen:], body)
	return buf, nil
}

func decodeHashList(buf []byte, h Header) ([][20]byte, error) {
	body := buf[HeaderLen:]
	if len(body) == 0 || len(body)%20 != 0 {
		return nil, ErrBadPayload
	}
	n := len(body) / 20
	out := make([][20]byte, n)
	for i := 0; i < n; i++ {
		copy(out[i][:], body[i*20:(i+1)*20])
	}
	return out, nil
}

// EncodeGet builds a GET packet requesting a single chunk by hash,
// starting the reliable transfer at seq.
func EncodeGet(hash [20]byte, seq uint32) []byte {
	buf := make([]byte, HeaderLen+20)
	encodeHeader(buf, Get, uint16(len(buf)), seq, 0)
	copy(buf[HeaderLen:], hash[:])
	return buf
}

// EncodeDenied builds a DENIED packet: an empty-payload reply to a
// WHOHAS sent when this peer holds none of the requested hashes or is
// at its upload-admission limit. It names no hash; the requester's own
// WHOHAS tracking is what times out.
func EncodeDenied() []byte {
	buf := make([]byte, HeaderLen)
	encodeHeader(buf, Denied, uint16(len(buf)), 0, 0)
	return buf
}

// EncodeData builds a DATA packet carrying one segment of chunk bytes at
// sequence number seq. payload must not exceed MaxPayload.
func EncodeData(seq uint32, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayload {
		return nil, ErrOversizedPacket
	}
	buf := make([]byte, HeaderLen+len(payload))
	encodeHeader(buf, Data, uint16(len(buf)), seq, 0)
	copy(buf[HeaderLen:], payload)
	return buf, nil
}

// EncodeAck builds a cumulative ACK for ack (the next expected seq_num).
func EncodeAck(ack uint32) []byte {
	buf := make([]byte, HeaderLen)
	encodeHeader(buf, Ack, uint16(len(buf)), 0, ack)
	return buf
}

// Decode parses a raw datagram into a Packet.
func Decode(buf []byte) (Packet, error) {
	h, err := decodeHeader(buf)
	if err != nil {
		return Packet{}, err
	}
	if int(h.PacketLen) != len(buf) {
		return Packet{}, ErrLengthMismatch
	}
	p := Packet{Header: h}
	switch h.Type {
	case WhoHas, IHave:
		hashes, err := decodeHashList(buf, h)
		if err != nil {
			return Packet{}, errors.Wrap(err, "decoding hash list")
		}
		p.Hashes = hashes
	case Get:
		body := buf[HeaderLen:]
		if len(body) != 20 {
			return Packet{}, ErrBadPayload
		}
		copy(p.Hash[:], body)
	case Data:
		p.Payload = append([]byte(nil), buf[HeaderLen:]...)
	case Ack, Denied:
		if len(buf) != HeaderLen {
			return Packet{}, ErrBadPayload
		}
	default:
		return Packet{}, errors.Errorf("unknown message type %d", h.Type)
	}
	return p, nil
}
