package mux

import (
	"encoding/binary"
	"fmt"
)

// FrameType tags the wire variant of a Frame. Values match the wire protocol
// exactly; they are not renumbered for Go idiom.
type FrameType uint8

const (
	FrameHello    FrameType = 0x01
	FrameHelloAck FrameType = 0x02
	FrameOpen     FrameType = 0x10
	FrameOpenOk   FrameType = 0x11
	FrameOpenErr  FrameType = 0x12
	FrameData     FrameType = 0x20
	FrameFin      FrameType = 0x21
	FrameRst      FrameType = 0x22
	FramePing     FrameType = 0x30
	FramePong     FrameType = 0x31
)

func (t FrameType) String() string {
	switch t {
	case FrameHello:
		return "Hello"
	case FrameHelloAck:
		return "HelloAck"
	case FrameOpen:
		return "Open"
	case FrameOpenOk:
		return "OpenOk"
	case FrameOpenErr:
		return "OpenErr"
	case FrameData:
		return "Data"
	case FrameFin:
		return "Fin"
	case FrameRst:
		return "Rst"
	case FramePing:
		return "Ping"
	case FramePong:
		return "Pong"
	default:
		return fmt.Sprintf("FrameType(0x%02x)", uint8(t))
	}
}

// AddrType tags the wire variant of a TargetAddr.
type AddrType uint8

const (
	AddrDomain AddrType = 0x01
	AddrIPv4   AddrType = 0x02
	AddrIPv6   AddrType = 0x03
)

// TargetAddr is a dialable address carried inside an Open frame.
type TargetAddr struct {
	Type AddrType
	Host string // set when Type == AddrDomain
	IP4  [4]byte
	IP6  [16]byte
	Port uint16
}

// DomainAddr builds a TargetAddr naming a hostname to resolve at the far end.
func DomainAddr(host string, port uint16) TargetAddr {
	return TargetAddr{Type: AddrDomain, Host: host, Port: port}
}

// IPv4Addr builds a TargetAddr naming a literal IPv4 address.
func IPv4Addr(ip [4]byte, port uint16) TargetAddr {
	return TargetAddr{Type: AddrIPv4, IP4: ip, Port: port}
}

// IPv6Addr builds a TargetAddr naming a literal IPv6 address.
func IPv6Addr(ip [16]byte, port uint16) TargetAddr {
	return TargetAddr{Type: AddrIPv6, IP6: ip, Port: port}
}

// HelloFrame carries the fields shared by Hello and HelloAck.
type HelloFrame struct {
	Version     uint16
	Flags       uint16
	MaxFrame    uint32
	KeepaliveMs uint32
	Nonce       uint64
	MAC         []byte // nil, or exactly 32 bytes when PSK auth is enabled
}

// Frame is a tagged union of every wire message. Exactly one of the typed
// fields is meaningful, selected by Type.
type Frame struct {
	Type FrameType

	Hello HelloFrame // FrameHello, FrameHelloAck

	StreamID uint32     // Open, OpenOk, OpenErr, Data, Fin, Rst
	Target   TargetAddr // Open
	Code     uint16     // OpenErr, Rst
	Message  string     // OpenErr
	Payload  []byte     // Data

	Nonce uint64 // Ping, Pong
}

// DefaultMaxFrame is the default bound on a frame's length field (type byte
// + payload); the 4-byte length prefix itself is not counted.
const DefaultMaxFrame = 65536

// MaxPayload is the largest Data/OpenErr-message payload the wire format can
// express, since those lengths are carried in a u16.
const MaxPayload = 65535

// Encode serialises f into a contiguous byte buffer of exactly
// 4 + 1 + payloadLen bytes: a big-endian u32 length (covering the type byte
// and payload), the type byte, then the payload.
func Encode(f Frame) ([]byte, error) {
	var payload []byte

	switch f.Type {
	case FrameHello, FrameHelloAck:
		if f.Hello.MAC != nil && len(f.Hello.MAC) != 32 {
			return nil, newErr(KindProtocol, "hello mac must be exactly 32 bytes")
		}
		payload = make([]byte, 0, 16+len(f.Hello.MAC))
		payload = appendU16(payload, f.Hello.Version)
		payload = appendU16(payload, f.Hello.Flags)
		payload = appendU32(payload, f.Hello.MaxFrame)
		payload = appendU32(payload, f.Hello.KeepaliveMs)
		payload = appendU64(payload, f.Hello.Nonce)
		payload = append(payload, f.Hello.MAC...)

	case FrameOpen:
		payload = make([]byte, 0, 4+1+2+len(f.Target.Host)+2)
		payload = appendU32(payload, f.StreamID)
		switch f.Target.Type {
		case AddrDomain:
			if len(f.Target.Host) > MaxPayload {
				return nil, newErr(KindProtocol, "target host too long")
			}
			payload = append(payload, byte(AddrDomain))
			payload = appendU16(payload, uint16(len(f.Target.Host)))
			payload = append(payload, f.Target.Host...)
			payload = appendU16(payload, f.Target.Port)
		case AddrIPv4:
			payload = append(payload, byte(AddrIPv4))
			payload = append(payload, f.Target.IP4[:]...)
			payload = appendU16(payload, f.Target.Port)
		case AddrIPv6:
			payload = append(payload, byte(AddrIPv6))
			payload = append(payload, f.Target.IP6[:]...)
			payload = appendU16(payload, f.Target.Port)
		default:
			return nil, newErr(KindProtocol, "unknown target address type")
		}

	case FrameOpenOk:
		payload = appendU32(nil, f.StreamID)

	case FrameOpenErr:
		if len(f.Message) > MaxPayload {
			return nil, newErr(KindProtocol, "open error message too long")
		}
		payload = make([]byte, 0, 4+2+2+len(f.Message))
		payload = appendU32(payload, f.StreamID)
		payload = appendU16(payload, f.Code)
		payload = appendU16(payload, uint16(len(f.Message)))
		payload = append(payload, f.Message...)

	case FrameData:
		if len(f.Payload) > MaxPayload {
			return nil, newErr(KindProtocol, "data payload too long")
		}
		payload = make([]byte, 0, 4+2+len(f.Payload))
		payload = appendU32(payload, f.StreamID)
		payload = appendU16(payload, uint16(len(f.Payload)))
		payload = append(payload, f.Payload...)

	case FrameFin:
		payload = appendU32(nil, f.StreamID)

	case FrameRst:
		payload = make([]byte, 0, 6)
		payload = appendU32(payload, f.StreamID)
		payload = appendU16(payload, f.Code)

	case FramePing, FramePong:
		payload = appendU64(nil, f.Nonce)

	default:
		return nil, newErr(KindProtocol, "unknown frame type")
	}

	total := 1 + len(payload)
	buf := make([]byte, 4+total)
	binary.BigEndian.PutUint32(buf[0:4], uint32(total))
	buf[4] = byte(f.Type)
	copy(buf[5:], payload)
	return buf, nil
}

// DecodeResult tags the outcome of Decode.
type DecodeResult int

const (
	// DecodeNeedMore means the buffer does not yet hold a complete frame.
	DecodeNeedMore DecodeResult = iota
	// DecodeOK means a frame was parsed and the buffer advanced past it.
	DecodeOK
	// DecodeError means the buffer holds a fatal protocol violation.
	DecodeError
)

// Decode attempts to parse one frame from the front of buf. maxFrame bounds
// the frame's length field (1 + payload length, not counting the 4-byte
// prefix); a buffer advertising more
// is a fatal protocol error, never a NeedMore. On DecodeOK, consumed is the
// number of bytes the caller should drop from the front of buf. Decode never
// allocates a payload slice larger than maxFrame.
func Decode(buf []byte, maxFrame uint32) (result DecodeResult, frame Frame, consumed int, err error) {
	if len(buf) < 4 {
		return DecodeNeedMore, Frame{}, 0, nil
	}
	total := binary.BigEndian.Uint32(buf[0:4])
	if total == 0 {
		return DecodeError, Frame{}, 0, newErr(KindProtocol, "zero-length frame")
	}
	if total > maxFrame {
		return DecodeError, Frame{}, 0, newErr(KindProtocol, "frame too large")
	}
	if uint32(len(buf)) < 4+total {
		return DecodeNeedMore, Frame{}, 0, nil
	}

	typ := FrameType(buf[4])
	payload := buf[5 : 4+total]
	n := int(4 + total)

	f, err := decodePayload(typ, payload)
	if err != nil {
		return DecodeError, Frame{}, 0, err
	}
	return DecodeOK, f, n, nil
}

func decodePayload(typ FrameType, payload []byte) (Frame, error) {
	r := cursor{b: payload}

	switch typ {
	case FrameHello, FrameHelloAck:
		version, err := r.u16()
		if err != nil {
			return Frame{}, wrapErr(KindProtocol, err, "hello too short")
		}
		flags, err := r.u16()
		if err != nil {
			return Frame{}, wrapErr(KindProtocol, err, "hello too short")
		}
		maxFrame, err := r.u32()
		if err != nil {
			return Frame{}, wrapErr(KindProtocol, err, "hello too short")
		}
		keepaliveMs, err := r.u32()
		if err != nil {
			return Frame{}, wrapErr(KindProtocol, err, "hello too short")
		}
		nonce, err := r.u64()
		if err != nil {
			return Frame{}, wrapErr(KindProtocol, err, "hello too short")
		}
		var mac []byte
		if r.remaining() >= 32 {
			mac, _ = r.bytes(32)
		} else if r.remaining() != 0 {
			return Frame{}, newErr(KindProtocol, "hello trailing bytes")
		}
		return Frame{
			Type: typ,
			Hello: HelloFrame{
				Version:     version,
				Flags:       flags,
				MaxFrame:    maxFrame,
				KeepaliveMs: keepaliveMs,
				Nonce:       nonce,
				MAC:         mac,
			},
		}, nil

	case FrameOpen:
		streamID, err := r.u32()
		if err != nil {
			return Frame{}, wrapErr(KindProtocol, err, "open too short")
		}
		atypByte, err := r.u8()
		if err != nil {
			return Frame{}, wrapErr(KindProtocol, err, "open too short")
		}
		target, err := decodeTargetAddr(AddrType(atypByte), &r)
		if err != nil {
			return Frame{}, err
		}
		return Frame{Type: FrameOpen, StreamID: streamID, Target: target}, nil

	case FrameOpenOk:
		streamID, err := r.u32()
		if err != nil {
			return Frame{}, wrapErr(KindProtocol, err, "open-ok too short")
		}
		return Frame{Type: FrameOpenOk, StreamID: streamID}, nil

	case FrameOpenErr:
		streamID, err := r.u32()
		if err != nil {
			return Frame{}, wrapErr(KindProtocol, err, "open-err too short")
		}
		code, err := r.u16()
		if err != nil {
			return Frame{}, wrapErr(KindProtocol, err, "open-err too short")
		}
		msg, err := r.lenPrefixedString()
		if err != nil {
			return Frame{}, wrapErr(KindProtocol, err, "open-err message truncated")
		}
		return Frame{Type: FrameOpenErr, StreamID: streamID, Code: code, Message: msg}, nil

	case FrameData:
		streamID, err := r.u32()
		if err != nil {
			return Frame{}, wrapErr(KindProtocol, err, "data too short")
		}
		length, err := r.u16()
		if err != nil {
			return Frame{}, wrapErr(KindProtocol, err, "data too short")
		}
		data, err := r.bytes(int(length))
		if err != nil {
			return Frame{}, wrapErr(KindProtocol, err, "data payload truncated")
		}
		cp := make([]byte, len(data))
		copy(cp, data)
		return Frame{Type: FrameData, StreamID: streamID, Payload: cp}, nil

	case FrameFin:
		streamID, err := r.u32()
		if err != nil {
			return Frame{}, wrapErr(KindProtocol, err, "fin too short")
		}
		return Frame{Type: FrameFin, StreamID: streamID}, nil

	case FrameRst:
		streamID, err := r.u32()
		if err != nil {
			return Frame{}, wrapErr(KindProtocol, err, "rst too short")
		}
		code, err := r.u16()
		if err != nil {
			return Frame{}, wrapErr(KindProtocol, err, "rst too short")
		}
		return Frame{Type: FrameRst, StreamID: streamID, Code: code}, nil

	case FramePing, FramePong:
		nonce, err := r.u64()
		if err != nil {
			return Frame{}, wrapErr(KindProtocol, err, "ping/pong too short")
		}
		return Frame{Type: typ, Nonce: nonce}, nil

	default:
		return Frame{}, newErr(KindProtocol, fmt.Sprintf("unknown frame type 0x%02x", uint8(typ)))
	}
}

func decodeTargetAddr(atyp AddrType, r *cursor) (TargetAddr, error) {
	switch atyp {
	case AddrDomain:
		host, err := r.lenPrefixedString()
		if err != nil {
			return TargetAddr{}, wrapErr(KindProtocol, err, "open target truncated")
		}
		port, err := r.u16()
		if err != nil {
			return TargetAddr{}, wrapErr(KindProtocol, err, "open target truncated")
		}
		return DomainAddr(host, port), nil
	case AddrIPv4:
		b, err := r.bytes(4)
		if err != nil {
			return TargetAddr{}, wrapErr(KindProtocol, err, "open target truncated")
		}
		var ip [4]byte
		copy(ip[:], b)
		port, err := r.u16()
		if err != nil {
			return TargetAddr{}, wrapErr(KindProtocol, err, "open target truncated")
		}
		return IPv4Addr(ip, port), nil
	case AddrIPv6:
		b, err := r.bytes(16)
		if err != nil {
			return TargetAddr{}, wrapErr(KindProtocol, err, "open target truncated")
		}
		var ip [16]byte
		copy(ip[:], b)
		port, err := r.u16()
		if err != nil {
			return TargetAddr{}, wrapErr(KindProtocol, err, "open target truncated")
		}
		return IPv6Addr(ip, port), nil
	default:
		return TargetAddr{}, newErr(KindProtocol, "invalid target address type")
	}
}

// cursor is a tiny bounds-checked reader over a frame payload. It never
// panics on a short buffer; every accessor returns an error instead.
type cursor struct {
	b   []byte
	off int
}

func (c *cursor) remaining() int { return len(c.b) - c.off }

func (c *cursor) u8() (byte, error) {
	if c.remaining() < 1 {
		return 0, errShort
	}
	v := c.b[c.off]
	c.off++
	return v, nil
}

func (c *cursor) u16() (uint16, error) {
	if c.remaining() < 2 {
		return 0, errShort
	}
	v := binary.BigEndian.Uint16(c.b[c.off : c.off+2])
	c.off += 2
	return v, nil
}

func (c *cursor) u32() (uint32, error) {
	if c.remaining() < 4 {
		return 0, errShort
	}
	v := binary.BigEndian.Uint32(c.b[c.off : c.off+4])
	c.off += 4
	return v, nil
}

func (c *cursor) u64() (uint64, error) {
	if c.remaining() < 8 {
		return 0, errShort
	}
	v := binary.BigEndian.Uint64(c.b[c.off : c.off+8])
	c.off += 8
	return v, nil
}

func (c *cursor) bytes(n int) ([]byte, error) {
	if n < 0 || c.remaining() < n {
		return nil, errShort
	}
	v := c.b[c.off : c.off+n]
	c.off += n
	return v, nil
}

func (c *cursor) lenPrefixedString() (string, error) {
	l, err := c.u16()
	if err != nil {
		return "", err
	}
	b, err := c.bytes(int(l))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

var errShort = fmt.Errorf("truncated frame payload")

func appendU16(b []byte, v uint16) []byte {
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], v)
	return append(b, tmp[:]...)
}

func appendU32(b []byte, v uint32) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	return append(b, tmp[:]...)
}

func appendU64(b []byte, v uint64) []byte {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	return append(b, tmp[:]...)
}
