package transport

import (
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"btproxy/internal/mux"
)

func TestDialAndListenTCPCarryBytesBothWays(t *testing.T) {
	// Bind ephemerally first so the address is known before ListenTCP (which
	// blocks in Accept) takes over the listener.
	probe, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := probe.Addr().String()
	require.NoError(t, probe.Close())

	serverCh := make(chan mux.Duplex, 1)
	serverErr := make(chan error, 1)
	go func() {
		conn, err := ListenTCP(addr)
		if err != nil {
			serverErr <- err
			return
		}
		serverCh <- conn
	}()

	client, err := DialTCP(addr)
	require.NoError(t, err)
	defer client.Close()

	var server mux.Duplex
	select {
	case server = <-serverCh:
	case err := <-serverErr:
		t.Fatalf("ListenTCP failed: %v", err)
	}
	defer server.Close()

	_, err = client.Write([]byte("hello"))
	require.NoError(t, err)
	buf := make([]byte, 5)
	_, err = io.ReadFull(server, buf)
	require.NoError(t, err)
	require.Equal(t, "hello", string(buf))

	_, err = server.Write([]byte("world"))
	require.NoError(t, err)
	_, err = io.ReadFull(client, buf)
	require.NoError(t, err)
	require.Equal(t, "world", string(buf))
}

