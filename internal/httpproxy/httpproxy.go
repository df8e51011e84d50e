// Package httpproxy implements the client-side HTTP/HTTPS forward proxy
// collaborator: it accepts plain TCP connections speaking HTTP, opens one
// mux substream per request (CONNECT tunnels get their own, plain requests
// get one each too), and shuttles bytes between the local client and the
// substream.
package httpproxy

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"

	"github.com/rs/xid"
	"go.uber.org/zap"

	"btproxy/internal/mux"
)

const maxHeaderBytes = 64 * 1024

// Server accepts local HTTP/HTTPS client connections and tunnels each
// request over a Session substream.
type Server struct {
	listen  string
	session *mux.Session
	log     *zap.Logger
}

// New constructs a Server bound to listen, tunneling over session.
func New(listen string, session *mux.Session, log *zap.Logger) *Server {
	return &Server{listen: listen, session: session, log: log}
}

// Serve accepts connections until the listener fails (normally because the
// caller closed it via a context-driven shutdown elsewhere).
func (s *Server) Serve() error {
	ln, err := net.Listen("tcp", s.listen)
	if err != nil {
		return mux.WrapError(mux.KindIO, err, "http proxy listen")
	}
	s.log.Info("http proxy listening", zap.String("addr", s.listen))
	for {
		conn, err := ln.Accept()
		if err != nil {
			return mux.WrapError(mux.KindIO, err, "http proxy accept")
		}
		go s.handleClient(conn)
	}
}

func (s *Server) handleClient(client net.Conn) {
	defer client.Close()
	reqID := xid.New()
	if err := s.handleRequest(client, reqID); err != nil {
		s.log.Warn("http proxy client error",
			zap.String("req_id", reqID.String()),
			zap.Stringer("remote", client.RemoteAddr()),
			zap.Error(err))
	}
}

func (s *Server) handleRequest(client net.Conn, reqID xid.ID) error {
	br := bufio.NewReaderSize(client, maxHeaderBytes)
	header, err := readRequestHeader(br)
	if err != nil {
		return mux.WrapError(mux.KindProtocol, err, "read request header")
	}

	method, path, err := parseRequestLine(header)
	if err != nil {
		return err
	}

	if strings.EqualFold(method, "CONNECT") {
		host, port, err := parseConnectTarget(path)
		if err != nil {
			return err
		}
		stream, err := s.session.OpenStream(mux.DomainAddr(host, port))
		if err != nil {
			return mux.WrapError(mux.KindIO, err, "open substream for CONNECT")
		}
		s.log.Debug("connect tunnel opened",
			zap.String("req_id", reqID.String()),
			zap.Uint32("stream_id", stream.ID()),
			zap.String("host", host), zap.Uint16("port", port))
		if _, err := client.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
			return mux.WrapError(mux.KindIO, err, "write 200 connection established")
		}
		return tunnel(client, stream)
	}

	host, port, origin, err := parseAbsoluteTarget(path)
	if err != nil {
		return err
	}
	stream, err := s.session.OpenStream(mux.DomainAddr(host, port))
	if err != nil {
		return mux.WrapError(mux.KindIO, err, "open substream")
	}
	s.log.Debug("request tunnel opened",
		zap.String("req_id", reqID.String()),
		zap.Uint32("stream_id", stream.ID()),
		zap.String("host", host), zap.Uint16("port", port))
	rewritten := rewriteRequest(header, method, origin, host)
	if err := stream.SendData(rewritten); err != nil {
		return mux.WrapError(mux.KindIO, err, "send rewritten request")
	}
	return forwardBody(client, br, stream)
}

// readRequestHeader reads bytes up through the blank line terminating the
// request header block, bounded to maxHeaderBytes.
func readRequestHeader(br *bufio.Reader) ([]byte, error) {
	var buf bytes.Buffer
	for {
		if buf.Len() > maxHeaderBytes {
			return nil, fmt.Errorf("request header too large")
		}
		line, err := br.ReadString('\n')
		buf.WriteString(line)
		if err != nil {
			return nil, err
		}
		trimmed := strings.TrimRight(line, "\r\n")
		if trimmed == "" {
			return buf.Bytes(), nil
		}
	}
}

func parseRequestLine(header []byte) (method, path string, err error) {
	tp := textproto.NewReader(bufio.NewReader(bytes.NewReader(header)))
	line, err := tp.ReadLine()
	if err != nil {
		return "", "", mux.WrapError(mux.KindProtocol, err, "read request line")
	}
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 2 {
		return "", "", mux.NewError(mux.KindProtocol, "malformed request line")
	}
	return parts[0], parts[1], nil
}

func parseConnectTarget(path string) (host string, port uint16, err error) {
	h, p, err := net.SplitHostPort(path)
	if err != nil {
		return path, 443, nil
	}
	v, err := strconv.ParseUint(p, 10, 16)
	if err != nil {
		return "", 0, mux.WrapError(mux.KindProtocol, err, "invalid connect port")
	}
	return h, uint16(v), nil
}

func parseAbsoluteTarget(raw string) (host string, port uint16, origin string, err error) {
	u, perr := url.Parse(raw)
	if perr != nil {
		return "", 0, "", mux.WrapError(mux.KindProtocol, perr, "parse request target")
	}
	host = u.Hostname()
	if host == "" {
		return "", 0, "", mux.NewError(mux.KindProtocol, "missing host in request target")
	}
	portStr := u.Port()
	if portStr == "" {
		port = 80
	} else {
		v, err := strconv.ParseUint(portStr, 10, 16)
		if err != nil {
			return "", 0, "", mux.WrapError(mux.KindProtocol, err, "invalid port in request target")
		}
		port = uint16(v)
	}
	origin = u.Path
	if origin == "" {
		origin = "/"
	}
	if u.RawQuery != "" {
		origin += "?" + u.RawQuery
	}
	return host, port, origin, nil
}

// rewriteRequest rewrites the request line to origin-form and strips
// hop-by-hop proxy headers, matching the behavior of a conforming forward
// proxy: Proxy-Connection and Connection are dropped, Host is inserted if
// the client omitted it, and the outbound connection is always requested
// as non-persistent since the mux substream is not pooled.
func rewriteRequest(header []byte, method, origin, host string) []byte {
	var out bytes.Buffer
	fmt.Fprintf(&out, "%s %s HTTP/1.1\r\n", method, origin)

	hasHost := false
	lines := strings.Split(string(header), "\r\n")
	for _, line := range lines[1:] {
		if line == "" {
			continue
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		name = strings.TrimSpace(name)
		value = strings.TrimSpace(value)
		if strings.EqualFold(name, "Proxy-Connection") || strings.EqualFold(name, "Connection") {
			continue
		}
		if strings.EqualFold(name, "Host") {
			hasHost = true
		}
		fmt.Fprintf(&out, "%s: %s\r\n", name, value)
	}
	if !hasHost {
		fmt.Fprintf(&out, "Host: %s\r\n", host)
	}
	out.WriteString("Connection: close\r\n\r\n")
	return out.Bytes()
}

// tunnel shuttles raw bytes both directions for a CONNECT session: exactly
// the bidirectional-copy-with-half-close shape of a forward proxy, adapted
// to a substream's SendData/RecvData instead of io.Copy since a Stream is
// not a net.Conn.
func tunnel(client net.Conn, stream *mux.Stream) error {
	errC := make(chan error, 2)

	go func() {
		buf := make([]byte, 32*1024)
		for {
			n, err := client.Read(buf)
			if n > 0 {
				if sendErr := stream.SendData(buf[:n]); sendErr != nil {
					errC <- sendErr
					return
				}
			}
			if err != nil {
				_ = stream.SendFin()
				if err == io.EOF {
					errC <- nil
				} else {
					errC <- err
				}
				return
			}
		}
	}()

	go func() {
		for {
			chunk, ok := stream.RecvData()
			if !ok {
				_ = closeWrite(client)
				errC <- nil
				return
			}
			if _, err := client.Write(chunk); err != nil {
				errC <- err
				return
			}
		}
	}()

	first := <-errC
	_ = client.Close()
	second := <-errC
	if first != nil {
		return first
	}
	return second
}

// forwardBody streams the remainder of the client's request body (if any)
// into the substream and copies the response back, reusing br so bytes
// already buffered past the header are not dropped.
func forwardBody(client net.Conn, br *bufio.Reader, stream *mux.Stream) error {
	errC := make(chan error, 2)

	go func() {
		buf := make([]byte, 32*1024)
		for {
			n, err := br.Read(buf)
			if n > 0 {
				if sendErr := stream.SendData(buf[:n]); sendErr != nil {
					errC <- sendErr
					return
				}
			}
			if err != nil {
				_ = stream.SendFin()
				if err == io.EOF {
					errC <- nil
				} else {
					errC <- err
				}
				return
			}
		}
	}()

	go func() {
		for {
			chunk, ok := stream.RecvData()
			if !ok {
				_ = closeWrite(client)
				errC <- nil
				return
			}
			if _, err := client.Write(chunk); err != nil {
				errC <- err
				return
			}
		}
	}()

	first := <-errC
	_ = client.Close()
	second := <-errC
	if first != nil {
		return first
	}
	return second
}

func closeWrite(c net.Conn) error {
	type closeWriter interface{ CloseWrite() error }
	if cw, ok := c.(closeWriter); ok {
		return cw.CloseWrite()
	}
	return c.Close()
}
