package mux

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"math/rand"
)

// hmacLabel is appended after the big-endian nonce when computing the
// handshake's keyed-MAC authenticator, fixing the protocol version this
// authenticator applies to.
var hmacLabel = []byte("btproxy-v1")

// buildHello constructs the local Hello frame, generating a fresh random
// nonce and, when psk is non-empty, a 32-byte HMAC-SHA256 authenticator.
func buildHello(maxFrame, keepaliveMs uint32, psk []byte) Frame {
	nonce := rand.Uint64()
	return Frame{
		Type: FrameHello,
		Hello: HelloFrame{
			Version:     1,
			Flags:       helloFlags(psk),
			MaxFrame:    maxFrame,
			KeepaliveMs: keepaliveMs,
			Nonce:       nonce,
			MAC:         computeMAC(psk, nonce),
		},
	}
}

// buildHelloAck constructs a HelloAck echoing the peer's nonce.
func buildHelloAck(maxFrame, keepaliveMs uint32, psk []byte, nonce uint64) Frame {
	return Frame{
		Type: FrameHelloAck,
		Hello: HelloFrame{
			Version:     1,
			Flags:       helloFlags(psk),
			MaxFrame:    maxFrame,
			KeepaliveMs: keepaliveMs,
			Nonce:       nonce,
			MAC:         computeMAC(psk, nonce),
		},
	}
}

func helloFlags(psk []byte) uint16 {
	if len(psk) > 0 {
		return 1
	}
	return 0
}

// verifyHandshake checks a received Hello/HelloAck's MAC against the local
// PSK configuration. A missing or mismatched MAC is an authentication
// failure; it never panics on malformed input.
func verifyHandshake(psk []byte, frame HelloFrame) error {
	if len(psk) == 0 {
		return nil
	}
	expected := computeMAC(psk, frame.Nonce)
	if len(frame.MAC) != 32 || subtle.ConstantTimeCompare(frame.MAC, expected) != 1 {
		return newErr(KindAuth, "invalid handshake hmac")
	}
	return nil
}

func computeMAC(psk []byte, nonce uint64) []byte {
	if len(psk) == 0 {
		return nil
	}
	mac := hmac.New(sha256.New, psk)
	var nonceBuf [8]byte
	binary.BigEndian.PutUint64(nonceBuf[:], nonce)
	mac.Write(nonceBuf[:])
	mac.Write(hmacLabel)
	return mac.Sum(nil)
}
