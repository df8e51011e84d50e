//go:build !linux && !windows

package transport

import "btproxy/internal/mux"

// RFCOMM is only wired for Linux (AF_BLUETOOTH) and Windows (AF_BTH).
// Every other OS gets a stub that fails with KindUnsupported: the build
// still links, it just cannot open a Bluetooth carrier on this platform.

func DialRFCOMM(addr string, channel uint8) (mux.Duplex, error) {
	return nil, mux.NewError(mux.KindUnsupported, "rfcomm is not supported on this platform")
}

func ListenRFCOMM(channel uint8) (mux.Duplex, error) {
	return nil, mux.NewError(mux.KindUnsupported, "rfcomm is not supported on this platform")
}
