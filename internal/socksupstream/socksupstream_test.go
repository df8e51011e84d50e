package socksupstream

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"btproxy/internal/mux"
)

func TestTargetHostPort(t *testing.T) {
	host, port, err := targetHostPort(mux.DomainAddr("example.com", 80))
	require.NoError(t, err)
	require.Equal(t, "example.com", host)
	require.Equal(t, uint16(80), port)

	host, port, err = targetHostPort(mux.IPv4Addr([4]byte{127, 0, 0, 1}, 22))
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1", host)
	require.Equal(t, uint16(22), port)
}

func TestDirectDialerConnectsToListener(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, aerr := ln.Accept()
		require.NoError(t, aerr)
		accepted <- c
	}()

	addr := ln.Addr().(*net.TCPAddr)
	target := mux.IPv4Addr(ipv4Bytes(addr.IP), uint16(addr.Port))

	d := DirectDialer{Timeout: 2 * time.Second}
	conn, err := d.Dial(target)
	require.NoError(t, err)
	defer conn.Close()

	server := <-accepted
	defer server.Close()

	_, err = conn.Write([]byte("hi"))
	require.NoError(t, err)
	buf := make([]byte, 2)
	_, err = io.ReadFull(server, buf)
	require.NoError(t, err)
	require.Equal(t, "hi", string(buf))
}

func ipv4Bytes(ip net.IP) [4]byte {
	var b [4]byte
	copy(b[:], ip.To4())
	return b
}

// fakeSocks5 runs a minimal SOCKS5 server implementing exactly the subset
// connectViaSocks5 speaks, so the client handshake can be exercised without
// a real upstream proxy.
type fakeSocks5 struct {
	ln net.Listener

	requireAuth    bool
	wantUser       string
	wantPass       string
	connectReplyOK bool
}

func startFakeSocks5(t *testing.T, cfg fakeSocks5) *fakeSocks5 {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	cfg.ln = ln
	go cfg.serveOne(t)
	return &cfg
}

func (f *fakeSocks5) addr() string { return f.ln.Addr().String() }

func (f *fakeSocks5) serveOne(t *testing.T) {
	conn, err := f.ln.Accept()
	if err != nil {
		return
	}
	defer conn.Close()
	defer f.ln.Close()

	greeting := make([]byte, 2)
	if _, err := io.ReadFull(conn, greeting); err != nil {
		return
	}
	methods := make([]byte, greeting[1])
	if _, err := io.ReadFull(conn, methods); err != nil {
		return
	}

	if f.requireAuth {
		conn.Write([]byte{0x05, 0x02})
		authHeader := make([]byte, 2)
		if _, err := io.ReadFull(conn, authHeader); err != nil {
			return
		}
		user := make([]byte, authHeader[1])
		if _, err := io.ReadFull(conn, user); err != nil {
			return
		}
		passLen := make([]byte, 1)
		if _, err := io.ReadFull(conn, passLen); err != nil {
			return
		}
		pass := make([]byte, passLen[0])
		if _, err := io.ReadFull(conn, pass); err != nil {
			return
		}
		ok := string(user) == f.wantUser && string(pass) == f.wantPass
		if ok {
			conn.Write([]byte{0x01, 0x00})
		} else {
			conn.Write([]byte{0x01, 0x01})
			return
		}
	} else {
		conn.Write([]byte{0x05, 0x00})
	}

	reqHeader := make([]byte, 5)
	if _, err := io.ReadFull(conn, reqHeader); err != nil {
		return
	}
	domainLen := reqHeader[4]
	rest := make([]byte, int(domainLen)+2)
	if _, err := io.ReadFull(conn, rest); err != nil {
		return
	}

	if f.connectReplyOK {
		conn.Write([]byte{0x05, 0x00, 0x00, 0x01, 0, 0, 0, 0, 0, 0})
	} else {
		conn.Write([]byte{0x05, 0x05, 0x00, 0x01, 0, 0, 0, 0, 0, 0})
	}
}

func TestUpstreamDialerNoAuthSuccess(t *testing.T) {
	srv := startFakeSocks5(t, fakeSocks5{connectReplyOK: true})
	d := UpstreamDialer{ProxyAddr: srv.addr(), Timeout: 2 * time.Second}
	conn, err := d.Dial(mux.DomainAddr("example.com", 80))
	require.NoError(t, err)
	conn.Close()
}

func TestUpstreamDialerAuthSuccess(t *testing.T) {
	srv := startFakeSocks5(t, fakeSocks5{requireAuth: true, wantUser: "alice", wantPass: "secret", connectReplyOK: true})
	d := UpstreamDialer{ProxyAddr: srv.addr(), Username: "alice", Password: "secret", Timeout: 2 * time.Second}
	conn, err := d.Dial(mux.DomainAddr("example.com", 80))
	require.NoError(t, err)
	conn.Close()
}

func TestUpstreamDialerAuthRejected(t *testing.T) {
	srv := startFakeSocks5(t, fakeSocks5{requireAuth: true, wantUser: "alice", wantPass: "secret", connectReplyOK: true})
	d := UpstreamDialer{ProxyAddr: srv.addr(), Username: "alice", Password: "wrong", Timeout: 2 * time.Second}
	_, err := d.Dial(mux.DomainAddr("example.com", 80))
	require.Error(t, err)
	require.True(t, mux.IsKind(err, mux.KindAuth))
}

func TestUpstreamDialerConnectFailureReported(t *testing.T) {
	srv := startFakeSocks5(t, fakeSocks5{connectReplyOK: false})
	d := UpstreamDialer{ProxyAddr: srv.addr(), Timeout: 2 * time.Second}
	_, err := d.Dial(mux.DomainAddr("example.com", 80))
	require.Error(t, err)
}
