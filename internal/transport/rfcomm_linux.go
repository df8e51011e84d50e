//go:build linux

package transport

import (
	"strconv"
	"strings"
	"unsafe"

	"golang.org/x/sys/unix"

	"btproxy/internal/mux"
)

// Linux has no first-class Bluetooth socket family in golang.org/x/sys/unix
// beyond the AF_BLUETOOTH constant itself, so sockaddr_rc is packed by hand
// here exactly as <bluetooth/rfcomm.h> lays it out: family (u16), a 6-byte
// BD_ADDR in reverse-octet order, and a 1-byte RFCOMM channel. No padding:
// the kernel struct is not aligned beyond byte boundaries.
const (
	btProtoRFCOMM = 3
	sockaddrRCLen = 2 + 6 + 1
)

func packSockaddrRC(bdaddr [6]byte, channel uint8) []byte {
	buf := make([]byte, sockaddrRCLen)
	*(*uint16)(unsafe.Pointer(&buf[0])) = uint16(unix.AF_BLUETOOTH)
	copy(buf[2:8], bdaddr[:])
	buf[8] = channel
	return buf
}

// parseBDAddr parses a colon-hex BD_ADDR (e.g. "AA:BB:CC:DD:EE:FF") into the
// reversed 6-byte form the kernel expects.
func parseBDAddr(addr string) ([6]byte, error) {
	var out [6]byte
	parts := strings.Split(addr, ":")
	if len(parts) != 6 {
		return out, mux.NewError(mux.KindConfig, "invalid bluetooth address "+addr)
	}
	for i, p := range parts {
		v, err := strconv.ParseUint(p, 16, 8)
		if err != nil {
			return out, mux.WrapError(mux.KindConfig, err, "invalid bluetooth address octet")
		}
		out[5-i] = byte(v)
	}
	return out, nil
}

// rfcommConn adapts a raw RFCOMM socket fd to mux.Duplex.
type rfcommConn struct {
	fd int
}

func (c *rfcommConn) Read(p []byte) (int, error)  { return unix.Read(c.fd, p) }
func (c *rfcommConn) Write(p []byte) (int, error) { return unix.Write(c.fd, p) }
func (c *rfcommConn) Close() error                { return unix.Close(c.fd) }

// DialRFCOMM connects to a paired Bluetooth host on the given RFCOMM
// channel, returning a carrier-ready Duplex.
func DialRFCOMM(addr string, channel uint8) (mux.Duplex, error) {
	bdaddr, err := parseBDAddr(addr)
	if err != nil {
		return nil, err
	}
	fd, err := unix.Socket(unix.AF_BLUETOOTH, unix.SOCK_STREAM, btProtoRFCOMM)
	if err != nil {
		return nil, mux.WrapError(mux.KindIO, err, "open rfcomm socket")
	}
	sa := packSockaddrRC(bdaddr, channel)
	if err := rawConnect(fd, sa); err != nil {
		_ = unix.Close(fd)
		return nil, mux.WrapError(mux.KindIO, err, "connect rfcomm")
	}
	return &rfcommConn{fd: fd}, nil
}

// ListenRFCOMM binds and listens on the given RFCOMM channel across all
// local Bluetooth adapters, accepts exactly one incoming connection (this
// carrier never multiplexes more than one peer at a time), and returns it
// as a Duplex.
func ListenRFCOMM(channel uint8) (mux.Duplex, error) {
	fd, err := unix.Socket(unix.AF_BLUETOOTH, unix.SOCK_STREAM, btProtoRFCOMM)
	if err != nil {
		return nil, mux.WrapError(mux.KindIO, err, "open rfcomm socket")
	}
	var anyAddr [6]byte
	sa := packSockaddrRC(anyAddr, channel)
	if err := rawBind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return nil, mux.WrapError(mux.KindIO, err, "bind rfcomm")
	}
	if err := unix.Listen(fd, 1); err != nil {
		_ = unix.Close(fd)
		return nil, mux.WrapError(mux.KindIO, err, "listen rfcomm")
	}
	clientFD, err := rawAccept(fd)
	_ = unix.Close(fd)
	if err != nil {
		return nil, mux.WrapError(mux.KindIO, err, "accept rfcomm")
	}
	return &rfcommConn{fd: clientFD}, nil
}

func rawConnect(fd int, sa []byte) error {
	_, _, errno := unix.Syscall(unix.SYS_CONNECT, uintptr(fd), uintptr(unsafe.Pointer(&sa[0])), uintptr(len(sa)))
	if errno != 0 {
		return errno
	}
	return nil
}

func rawBind(fd int, sa []byte) error {
	_, _, errno := unix.Syscall(unix.SYS_BIND, uintptr(fd), uintptr(unsafe.Pointer(&sa[0])), uintptr(len(sa)))
	if errno != 0 {
		return errno
	}
	return nil
}

func rawAccept(fd int) (int, error) {
	newFD, _, errno := unix.Syscall(unix.SYS_ACCEPT, uintptr(fd), 0, 0)
	if errno != 0 {
		return 0, errno
	}
	return int(newFD), nil
}
