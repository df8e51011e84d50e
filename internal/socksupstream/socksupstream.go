// Package socksupstream implements the server-side upstream dial
// collaborator: for each accepted substream it either dials the target
// directly or relays through an upstream SOCKS5 proxy (e.g. Clash), then
// shuttles bytes between that TCP connection and the substream.
package socksupstream

import (
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"btproxy/internal/mux"
)

// Dialer resolves a mux-carried target into a live TCP connection.
type Dialer interface {
	Dial(target mux.TargetAddr) (net.Conn, error)
}

// DirectDialer connects straight to the target, bypassing any upstream
// proxy. Used when the server is run with --direct.
type DirectDialer struct {
	Timeout time.Duration
}

func (d DirectDialer) Dial(target mux.TargetAddr) (net.Conn, error) {
	addr, err := hostPort(target)
	if err != nil {
		return nil, err
	}
	timeout := d.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, mux.WrapError(mux.KindIO, err, "direct dial")
	}
	return conn, nil
}

// UpstreamDialer relays the connect through an upstream SOCKS5 proxy,
// authenticating with a username/password when configured.
type UpstreamDialer struct {
	ProxyAddr string
	Username  string
	Password  string
	Timeout   time.Duration
}

func (d UpstreamDialer) Dial(target mux.TargetAddr) (net.Conn, error) {
	host, port, err := targetHostPort(target)
	if err != nil {
		return nil, err
	}
	timeout := d.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	conn, err := net.DialTimeout("tcp", d.ProxyAddr, timeout)
	if err != nil {
		return nil, mux.WrapError(mux.KindIO, err, "dial upstream socks5 proxy")
	}
	if err := connectViaSocks5(conn, d.Username, d.Password, host, port); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return conn, nil
}

// connectViaSocks5 performs the client side of the SOCKS5 handshake
// (greeting, optional username/password auth, CONNECT) against an already
// dialed proxy connection, leaving conn positioned to carry the relayed
// bytes once it returns.
func connectViaSocks5(conn net.Conn, username, password, host string, port uint16) error {
	methods := []byte{0x00}
	if username != "" {
		methods = append(methods, 0x02)
	}
	greeting := append([]byte{0x05, byte(len(methods))}, methods...)
	if _, err := conn.Write(greeting); err != nil {
		return mux.WrapError(mux.KindIO, err, "write socks5 greeting")
	}

	resp := make([]byte, 2)
	if _, err := readFull(conn, resp); err != nil {
		return mux.WrapError(mux.KindIO, err, "read socks5 greeting reply")
	}
	if resp[0] != 0x05 {
		return mux.NewError(mux.KindProtocol, "invalid socks5 version in greeting reply")
	}

	switch resp[1] {
	case 0x00:
		// no auth required
	case 0x02:
		if username == "" || password == "" {
			return mux.NewError(mux.KindAuth, "socks5 proxy requires username/password")
		}
		auth := make([]byte, 0, 3+len(username)+len(password))
		auth = append(auth, 0x01, byte(len(username)))
		auth = append(auth, username...)
		auth = append(auth, byte(len(password)))
		auth = append(auth, password...)
		if _, err := conn.Write(auth); err != nil {
			return mux.WrapError(mux.KindIO, err, "write socks5 auth")
		}
		authResp := make([]byte, 2)
		if _, err := readFull(conn, authResp); err != nil {
			return mux.WrapError(mux.KindIO, err, "read socks5 auth reply")
		}
		if authResp[1] != 0x00 {
			return mux.NewError(mux.KindAuth, "socks5 proxy rejected credentials")
		}
	default:
		return mux.NewError(mux.KindProtocol, "socks5 proxy offered no acceptable auth method")
	}

	req := make([]byte, 0, 7+len(host))
	req = append(req, 0x05, 0x01, 0x00, 0x03, byte(len(host)))
	req = append(req, host...)
	req = binary.BigEndian.AppendUint16(req, port)
	if _, err := conn.Write(req); err != nil {
		return mux.WrapError(mux.KindIO, err, "write socks5 connect request")
	}

	header := make([]byte, 4)
	if _, err := readFull(conn, header); err != nil {
		return mux.WrapError(mux.KindIO, err, "read socks5 connect reply header")
	}
	if header[1] != 0x00 {
		return mux.NewError(mux.KindIO, fmt.Sprintf("socks5 connect failed, code %d", header[1]))
	}

	var addrLen int
	switch header[3] {
	case 0x01:
		addrLen = 4
	case 0x03:
		lenByte := make([]byte, 1)
		if _, err := readFull(conn, lenByte); err != nil {
			return mux.WrapError(mux.KindIO, err, "read socks5 domain length")
		}
		addrLen = int(lenByte[0])
	case 0x04:
		addrLen = 16
	default:
		return mux.NewError(mux.KindProtocol, "socks5 connect reply carried unknown address type")
	}
	skip := make([]byte, addrLen+2)
	if _, err := readFull(conn, skip); err != nil {
		return mux.WrapError(mux.KindIO, err, "read socks5 bound address")
	}
	return nil
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := conn.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

func targetHostPort(target mux.TargetAddr) (string, uint16, error) {
	switch target.Type {
	case mux.AddrDomain:
		return target.Host, target.Port, nil
	case mux.AddrIPv4:
		return net.IP(target.IP4[:]).String(), target.Port, nil
	case mux.AddrIPv6:
		return net.IP(target.IP6[:]).String(), target.Port, nil
	default:
		return "", 0, mux.NewError(mux.KindProtocol, "unknown target address type")
	}
}

func hostPort(target mux.TargetAddr) (string, error) {
	host, port, err := targetHostPort(target)
	if err != nil {
		return "", err
	}
	return net.JoinHostPort(host, fmt.Sprintf("%d", port)), nil
}

// Relay accepts a server-side AcceptedStream, dials its target via d, and
// shuttles data both directions until either side closes.
func Relay(session *mux.Session, accepted mux.AcceptedStream, d Dialer, log *zap.Logger) {
	outbound, err := d.Dial(accepted.Target)
	if err != nil {
		log.Warn("upstream dial failed", zap.Uint32("stream_id", accepted.Stream.ID()), zap.Error(err))
		_ = session.SendOpenErr(accepted.Stream.ID(), 1, err.Error())
		return
	}
	defer outbound.Close()

	if err := session.SendOpenOk(accepted.Stream.ID()); err != nil {
		log.Warn("send open_ok failed", zap.Uint32("stream_id", accepted.Stream.ID()), zap.Error(err))
		return
	}

	proxyStreams(outbound, accepted.Stream, log)
}

func proxyStreams(outbound net.Conn, stream *mux.Stream, log *zap.Logger) {
	errC := make(chan error, 2)

	go func() {
		buf := make([]byte, 32*1024)
		for {
			n, err := outbound.Read(buf)
			if n > 0 {
				if sendErr := stream.SendData(buf[:n]); sendErr != nil {
					errC <- sendErr
					return
				}
			}
			if err != nil {
				_ = stream.SendFin()
				errC <- nil
				return
			}
		}
	}()

	go func() {
		for {
			chunk, ok := stream.RecvData()
			if !ok {
				errC <- nil
				return
			}
			if _, err := outbound.Write(chunk); err != nil {
				errC <- err
				return
			}
		}
	}()

	if err := <-errC; err != nil {
		log.Debug("upstream relay ended", zap.Uint32("stream_id", stream.ID()), zap.Error(err))
	}
	_ = outbound.Close()
	<-errC
}
