package transport

import (
	"net"

	"btproxy/internal/mux"
)

// DialTCP opens a TCP connection to use as a carrier in place of RFCOMM,
// for development and testing on machines with no paired Bluetooth peer.
// net.Conn already satisfies mux.Duplex, so no adapter type is needed here.
func DialTCP(addr string) (mux.Duplex, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, mux.WrapError(mux.KindIO, err, "dial tcp carrier")
	}
	return conn, nil
}

// ListenTCP accepts exactly one incoming TCP connection and returns it as a
// carrier, matching RFCOMM's one-carrier-per-session model.
func ListenTCP(addr string) (mux.Duplex, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, mux.WrapError(mux.KindIO, err, "listen tcp carrier")
	}
	conn, err := ln.Accept()
	_ = ln.Close()
	if err != nil {
		return nil, mux.WrapError(mux.KindIO, err, "accept tcp carrier")
	}
	return conn, nil
}
