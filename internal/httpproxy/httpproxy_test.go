package httpproxy

import (
	"bufio"
	"bytes"
	"io"
	"net"
	"testing"
	"time"

	"github.com/rs/xid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"btproxy/internal/mux"
)

func TestParseRequestLine(t *testing.T) {
	method, path, err := parseRequestLine([]byte("GET http://example.com/foo HTTP/1.1\r\nHost: example.com\r\n\r\n"))
	require.NoError(t, err)
	require.Equal(t, "GET", method)
	require.Equal(t, "http://example.com/foo", path)
}

func TestParseRequestLineMalformed(t *testing.T) {
	_, _, err := parseRequestLine([]byte("garbage\r\n\r\n"))
	require.Error(t, err)
}

func TestParseConnectTarget(t *testing.T) {
	host, port, err := parseConnectTarget("example.com:443")
	require.NoError(t, err)
	require.Equal(t, "example.com", host)
	require.Equal(t, uint16(443), port)
}

func TestParseConnectTargetDefaultsPort(t *testing.T) {
	host, port, err := parseConnectTarget("example.com")
	require.NoError(t, err)
	require.Equal(t, "example.com", host)
	require.Equal(t, uint16(443), port)
}

func TestParseAbsoluteTarget(t *testing.T) {
	host, port, origin, err := parseAbsoluteTarget("http://example.com:8080/foo?bar=1")
	require.NoError(t, err)
	require.Equal(t, "example.com", host)
	require.Equal(t, uint16(8080), port)
	require.Equal(t, "/foo?bar=1", origin)
}

func TestParseAbsoluteTargetDefaultsPortAndPath(t *testing.T) {
	host, port, origin, err := parseAbsoluteTarget("http://example.com")
	require.NoError(t, err)
	require.Equal(t, "example.com", host)
	require.Equal(t, uint16(80), port)
	require.Equal(t, "/", origin)
}

func TestParseAbsoluteTargetMissingHost(t *testing.T) {
	_, _, _, err := parseAbsoluteTarget("/just/a/path")
	require.Error(t, err)
}

func TestRewriteRequestStripsHopByHopHeaders(t *testing.T) {
	header := []byte("GET http://example.com/foo HTTP/1.1\r\n" +
		"Host: example.com\r\n" +
		"Proxy-Connection: keep-alive\r\n" +
		"Connection: keep-alive\r\n" +
		"Accept: */*\r\n" +
		"\r\n")

	out := rewriteRequest(header, "GET", "/foo", "example.com")
	s := string(out)
	require.Contains(t, s, "GET /foo HTTP/1.1\r\n")
	require.Contains(t, s, "Host: example.com\r\n")
	require.Contains(t, s, "Accept: */*\r\n")
	require.Contains(t, s, "Connection: close\r\n")
	require.NotContains(t, s, "Proxy-Connection")
	require.NotContains(t, s, "keep-alive")
}

func TestRewriteRequestInsertsMissingHost(t *testing.T) {
	header := []byte("GET http://example.com/foo HTTP/1.1\r\nAccept: */*\r\n\r\n")
	out := rewriteRequest(header, "GET", "/foo", "example.com")
	require.Contains(t, string(out), "Host: example.com\r\n")
}

func TestReadRequestHeaderStopsAtBlankLine(t *testing.T) {
	raw := "GET / HTTP/1.1\r\nHost: x\r\n\r\nBODYBODY"
	br := bufio.NewReader(bytes.NewReader([]byte(raw)))
	header, err := readRequestHeader(br)
	require.NoError(t, err)
	require.Equal(t, "GET / HTTP/1.1\r\nHost: x\r\n\r\n", string(header))

	rest, err := io.ReadAll(br)
	require.NoError(t, err)
	require.Equal(t, "BODYBODY", string(rest))
}

// startPairedSessions wires a client and server mux.Session over an
// in-memory pipe so handleRequest can be exercised end-to-end without a real
// Bluetooth or TCP carrier.
func startPairedSessions(t *testing.T) (client, server *mux.Session) {
	t.Helper()
	c1, c2 := net.Pipe()
	log := zap.NewNop()

	clientCarrier := mux.NewCarrier(c1, mux.DefaultCarrierConfig(), log)
	serverCarrier := mux.NewCarrier(c2, mux.DefaultCarrierConfig(), log)

	type result struct {
		s   *mux.Session
		err error
	}
	clientCh := make(chan result, 1)
	serverCh := make(chan result, 1)
	go func() {
		s, err := mux.Start(clientCarrier, mux.DefaultConfig(), mux.RoleClient, log)
		clientCh <- result{s, err}
	}()
	go func() {
		s, err := mux.Start(serverCarrier, mux.DefaultConfig(), mux.RoleServer, log)
		serverCh <- result{s, err}
	}()
	cr := <-clientCh
	sr := <-serverCh
	require.NoError(t, cr.err)
	require.NoError(t, sr.err)
	return cr.s, sr.s
}

func TestHandleRequestConnectTunnelsRawBytes(t *testing.T) {
	client, server := startPairedSessions(t)
	defer client.Close()
	defer server.Close()

	browserConn, proxyConn := net.Pipe()
	srv := New("unused", client, zap.NewNop())

	done := make(chan error, 1)
	go func() {
		done <- srv.handleRequest(proxyConn, xid.New())
	}()

	go func() {
		_, werr := browserConn.Write([]byte("CONNECT example.com:443 HTTP/1.1\r\nHost: example.com:443\r\n\r\n"))
		require.NoError(t, werr)
	}()

	accepted, ok := server.AcceptStream()
	require.True(t, ok)
	require.Equal(t, "example.com", accepted.Target.Host)
	require.Equal(t, uint16(443), accepted.Target.Port)
	require.NoError(t, server.SendOpenOk(accepted.Stream.ID()))

	br := bufio.NewReader(browserConn)
	statusLine, err := br.ReadString('\n')
	require.NoError(t, err)
	require.Contains(t, statusLine, "200")

	// Drain the blank line terminating the CONNECT response headers.
	_, err = br.ReadString('\n')
	require.NoError(t, err)

	_, err = browserConn.Write([]byte("ping"))
	require.NoError(t, err)
	payload, ok := accepted.Stream.RecvData()
	require.True(t, ok)
	require.Equal(t, []byte("ping"), payload)

	require.NoError(t, accepted.Stream.SendData([]byte("pong")))
	buf := make([]byte, 4)
	_, err = io.ReadFull(br, buf)
	require.NoError(t, err)
	require.Equal(t, "pong", string(buf))

	require.NoError(t, accepted.Stream.SendFin())
	browserConn.Close()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handleRequest did not return after tunnel teardown")
	}
}

