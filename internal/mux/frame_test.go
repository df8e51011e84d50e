package mux

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func roundTrip(t *testing.T, f Frame) Frame {
	t.Helper()
	b, err := Encode(f)
	require.NoError(t, err)

	result, got, consumed, err := Decode(b, DefaultMaxFrame)
	require.NoError(t, err)
	require.Equal(t, DecodeOK, result)
	require.Equal(t, len(b), consumed)
	return got
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := map[string]Frame{
		"hello no psk": {
			Type: FrameHello,
			Hello: HelloFrame{
				Version:     1,
				Flags:       0,
				MaxFrame:    DefaultMaxFrame,
				KeepaliveMs: 10_000,
				Nonce:       0xdeadbeefcafef00d,
			},
		},
		"hello with mac": {
			Type: FrameHelloAck,
			Hello: HelloFrame{
				Version:     1,
				Flags:       1,
				MaxFrame:    DefaultMaxFrame,
				KeepaliveMs: 10_000,
				Nonce:       42,
				MAC:         make([]byte, 32),
			},
		},
		"open domain": {
			Type:     FrameOpen,
			StreamID: 7,
			Target:   DomainAddr("example.com", 443),
		},
		"open ipv4": {
			Type:     FrameOpen,
			StreamID: 9,
			Target:   IPv4Addr([4]byte{1, 2, 3, 4}, 80),
		},
		"open ipv6": {
			Type:     FrameOpen,
			StreamID: 11,
			Target:   IPv6Addr([16]byte{0: 0x20, 1: 0x01}, 8080),
		},
		"open ok": {
			Type:     FrameOpenOk,
			StreamID: 3,
		},
		"open err": {
			Type:     FrameOpenErr,
			StreamID: 3,
			Code:     1,
			Message:  "connection refused",
		},
		"data": {
			Type:     FrameData,
			StreamID: 5,
			Payload:  []byte("hello world"),
		},
		"data empty": {
			Type:     FrameData,
			StreamID: 5,
			Payload:  []byte{},
		},
		"fin": {
			Type:     FrameFin,
			StreamID: 5,
		},
		"rst": {
			Type:     FrameRst,
			StreamID: 5,
			Code:     2,
		},
		"ping": {
			Type:  FramePing,
			Nonce: 123456,
		},
		"pong": {
			Type:  FramePong,
			Nonce: 123456,
		},
	}

	for name, f := range cases {
		t.Run(name, func(t *testing.T) {
			got := roundTrip(t, f)
			require.Equal(t, f.Type, got.Type)
			switch f.Type {
			case FrameHello, FrameHelloAck:
				require.Equal(t, f.Hello.Version, got.Hello.Version)
				require.Equal(t, f.Hello.Flags, got.Hello.Flags)
				require.Equal(t, f.Hello.MaxFrame, got.Hello.MaxFrame)
				require.Equal(t, f.Hello.KeepaliveMs, got.Hello.KeepaliveMs)
				require.Equal(t, f.Hello.Nonce, got.Hello.Nonce)
				require.Equal(t, f.Hello.MAC, got.Hello.MAC)
			case FrameOpen:
				require.Equal(t, f.StreamID, got.StreamID)
				require.Equal(t, f.Target, got.Target)
			case FrameOpenErr:
				require.Equal(t, f.StreamID, got.StreamID)
				require.Equal(t, f.Code, got.Code)
				require.Equal(t, f.Message, got.Message)
			case FrameData:
				require.Equal(t, f.StreamID, got.StreamID)
				require.Equal(t, f.Payload, got.Payload)
			case FrameRst:
				require.Equal(t, f.StreamID, got.StreamID)
				require.Equal(t, f.Code, got.Code)
			case FramePing, FramePong:
				require.Equal(t, f.Nonce, got.Nonce)
			default:
				require.Equal(t, f.StreamID, got.StreamID)
			}
		})
	}
}

func TestDecodeNeedMore(t *testing.T) {
	f := Frame{Type: FrameData, StreamID: 1, Payload: []byte("payload")}
	b, err := Encode(f)
	require.NoError(t, err)

	for n := 0; n < len(b); n++ {
		result, _, consumed, err := Decode(b[:n], DefaultMaxFrame)
		require.NoError(t, err)
		require.Equal(t, DecodeNeedMore, result)
		require.Equal(t, 0, consumed)
	}
}

func TestDecodeFrameTooLarge(t *testing.T) {
	f := Frame{Type: FrameData, StreamID: 1, Payload: make([]byte, 1000)}
	b, err := Encode(f)
	require.NoError(t, err)

	result, _, _, err := Decode(b, 100)
	require.Error(t, err)
	require.Equal(t, DecodeError, result)
	require.True(t, IsKind(err, KindProtocol))
}

func TestDecodeNeverAllocatesBeyondMaxFrame(t *testing.T) {
	// A buffer advertising a length within maxFrame, but whose actual bytes
	// haven't all arrived yet, must report NeedMore without over-reading.
	var lenPrefix [4]byte
	lenPrefix[0], lenPrefix[1], lenPrefix[2], lenPrefix[3] = 0, 0, 0, 50
	buf := append(lenPrefix[:], byte(FrameData))
	result, _, consumed, err := Decode(buf, DefaultMaxFrame)
	require.NoError(t, err)
	require.Equal(t, DecodeNeedMore, result)
	require.Equal(t, 0, consumed)
}

func TestDecodeZeroLengthFrame(t *testing.T) {
	buf := []byte{0, 0, 0, 0}
	result, _, _, err := Decode(buf, DefaultMaxFrame)
	require.Error(t, err)
	require.Equal(t, DecodeError, result)
}

func TestDecodeUnknownFrameType(t *testing.T) {
	f := Frame{Type: FrameData, StreamID: 1, Payload: []byte("x")}
	b, err := Encode(f)
	require.NoError(t, err)
	b[4] = 0xff // corrupt the type byte
	result, _, _, err := Decode(b, DefaultMaxFrame)
	require.Error(t, err)
	require.Equal(t, DecodeError, result)
	require.True(t, IsKind(err, KindProtocol))
}

func TestEncodePayloadTooLarge(t *testing.T) {
	_, err := Encode(Frame{Type: FrameData, StreamID: 1, Payload: make([]byte, MaxPayload+1)})
	require.Error(t, err)
}

func TestEncodeHelloBadMACLength(t *testing.T) {
	_, err := Encode(Frame{Type: FrameHello, Hello: HelloFrame{MAC: make([]byte, 10)}})
	require.Error(t, err)
}

func TestMultipleFramesInOneBuffer(t *testing.T) {
	f1 := Frame{Type: FrameData, StreamID: 1, Payload: []byte("first")}
	f2 := Frame{Type: FrameData, StreamID: 2, Payload: []byte("second")}
	b1, err := Encode(f1)
	require.NoError(t, err)
	b2, err := Encode(f2)
	require.NoError(t, err)

	buf := append(append([]byte{}, b1...), b2...)

	result, got1, consumed1, err := Decode(buf, DefaultMaxFrame)
	require.NoError(t, err)
	require.Equal(t, DecodeOK, result)
	require.Equal(t, f1.StreamID, got1.StreamID)
	require.Equal(t, f1.Payload, got1.Payload)

	buf = buf[consumed1:]
	result, got2, _, err := Decode(buf, DefaultMaxFrame)
	require.NoError(t, err)
	require.Equal(t, DecodeOK, result)
	require.Equal(t, f2.StreamID, got2.StreamID)
	require.Equal(t, f2.Payload, got2.Payload)
}
