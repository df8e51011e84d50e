//go:build windows

package transport

import (
	"strconv"
	"strings"
	"syscall"
	"unsafe"

	"golang.org/x/sys/windows"

	"btproxy/internal/mux"
)

// Windows addresses an RFCOMM peer with AF_BTH / SOCKADDR_BTH: a 64-bit
// packed Bluetooth address, a service class GUID (zeroed when dialling by
// raw channel instead of SDP lookup), and a 32-bit port that doubles as the
// RFCOMM channel number when no GUID is supplied. x/sys/windows has no
// first-class SOCKADDR_BTH type and its Sockaddr interface cannot be
// implemented from outside the package (unexported method), so the address
// is packed by hand and handed to ws2_32.dll through raw syscalls, the same
// way rfcomm_linux.go bypasses x/sys/unix's typed Sockaddr for AF_BLUETOOTH.
const (
	afBTH          = 32
	btProtoRFCOMM  = 0x0003
	sockBTHAddrLen = 8 + 16 + 4 // bthAddress + serviceClassId GUID + port
)

var (
	ws2_32          = windows.NewLazySystemDLL("ws2_32.dll")
	procBind        = ws2_32.NewProc("bind")
	procConnect     = ws2_32.NewProc("connect")
	procListen      = ws2_32.NewProc("listen")
	procAccept      = ws2_32.NewProc("accept")
	procClosesocket = ws2_32.NewProc("closesocket")
)

func packSockaddrBTH(addr uint64, channel uint32) []byte {
	buf := make([]byte, 2+sockBTHAddrLen)
	*(*uint16)(unsafe.Pointer(&buf[0])) = uint16(afBTH)
	*(*uint64)(unsafe.Pointer(&buf[2])) = addr
	// GUID left zeroed: channel-only addressing, no SDP service lookup.
	*(*uint32)(unsafe.Pointer(&buf[2+8+16])) = channel
	return buf
}

// parseBTHAddr parses a colon-hex Bluetooth address into the 48-bit integer
// SOCKADDR_BTH expects (most significant octet first, unlike Linux's
// reversed BD_ADDR).
func parseBTHAddr(addr string) (uint64, error) {
	parts := strings.Split(addr, ":")
	if len(parts) != 6 {
		return 0, mux.NewError(mux.KindConfig, "invalid bluetooth address "+addr)
	}
	var v uint64
	for _, p := range parts {
		octet, err := strconv.ParseUint(p, 16, 8)
		if err != nil {
			return 0, mux.WrapError(mux.KindConfig, err, "invalid bluetooth address octet")
		}
		v = (v << 8) | octet
	}
	return v, nil
}

type rfcommConn struct {
	h windows.Handle
}

func (c *rfcommConn) Read(p []byte) (int, error) {
	return windows.Read(c.h, p)
}

func (c *rfcommConn) Write(p []byte) (int, error) {
	return windows.Write(c.h, p)
}

func (c *rfcommConn) Close() error {
	_, _, errno := procClosesocket.Call(uintptr(c.h))
	if errno != windows.Errno(0) {
		return errno
	}
	return nil
}

// DialRFCOMM connects to a paired Bluetooth host on the given RFCOMM
// channel.
func DialRFCOMM(addr string, channel uint8) (mux.Duplex, error) {
	btAddr, err := parseBTHAddr(addr)
	if err != nil {
		return nil, err
	}
	h, err := windows.Socket(afBTH, windows.SOCK_STREAM, btProtoRFCOMM)
	if err != nil {
		return nil, mux.WrapError(mux.KindIO, err, "open bluetooth socket")
	}
	sa := packSockaddrBTH(btAddr, uint32(channel))
	if err := rawConnect(h, sa); err != nil {
		_ = windows.Closesocket(h)
		return nil, mux.WrapError(mux.KindIO, err, "connect rfcomm")
	}
	return &rfcommConn{h: h}, nil
}

// ListenRFCOMM binds the given RFCOMM channel and accepts exactly one
// incoming connection; this carrier never multiplexes more than one peer
// at a time.
func ListenRFCOMM(channel uint8) (mux.Duplex, error) {
	h, err := windows.Socket(afBTH, windows.SOCK_STREAM, btProtoRFCOMM)
	if err != nil {
		return nil, mux.WrapError(mux.KindIO, err, "open bluetooth socket")
	}
	sa := packSockaddrBTH(0, uint32(channel))
	if err := rawBind(h, sa); err != nil {
		_ = windows.Closesocket(h)
		return nil, mux.WrapError(mux.KindIO, err, "bind rfcomm")
	}
	if err := rawListen(h, 1); err != nil {
		_ = windows.Closesocket(h)
		return nil, mux.WrapError(mux.KindIO, err, "listen rfcomm")
	}
	clientH, err := rawAccept(h)
	_ = windows.Closesocket(h)
	if err != nil {
		return nil, mux.WrapError(mux.KindIO, err, "accept rfcomm")
	}
	return &rfcommConn{h: clientH}, nil
}

func rawConnect(h windows.Handle, sa []byte) error {
	r1, _, errno := procConnect.Call(uintptr(h), uintptr(unsafe.Pointer(&sa[0])), uintptr(len(sa)))
	if r1 != 0 {
		return socketErrno(errno)
	}
	return nil
}

func rawBind(h windows.Handle, sa []byte) error {
	r1, _, errno := procBind.Call(uintptr(h), uintptr(unsafe.Pointer(&sa[0])), uintptr(len(sa)))
	if r1 != 0 {
		return socketErrno(errno)
	}
	return nil
}

func rawListen(h windows.Handle, backlog int) error {
	r1, _, errno := procListen.Call(uintptr(h), uintptr(backlog))
	if r1 != 0 {
		return socketErrno(errno)
	}
	return nil
}

func rawAccept(h windows.Handle) (windows.Handle, error) {
	r1, _, errno := procAccept.Call(uintptr(h), 0, 0)
	if windows.Handle(r1) == windows.InvalidHandle {
		return 0, socketErrno(errno)
	}
	return windows.Handle(r1), nil
}

func socketErrno(errno error) error {
	if errno == syscall.Errno(0) {
		return mux.NewError(mux.KindIO, "winsock call failed")
	}
	return errno
}
