// Package btproxy provides a small public surface for reusing this
// repository as a library. The implementation lives in internal/ and may
// change without notice.
package btproxy

import (
	"go.uber.org/zap"

	"btproxy/internal/config"
	"btproxy/internal/httpproxy"
	"btproxy/internal/mux"
	"btproxy/internal/socksupstream"
	"btproxy/internal/transport"
)

func noopLogger() *zap.Logger { return zap.NewNop() }

// --- Mux session ---

type Session = mux.Session
type Stream = mux.Stream
type TargetAddr = mux.TargetAddr
type Role = mux.Role
type SessionConfig = mux.Config
type Carrier = mux.Carrier
type CarrierConfig = mux.CarrierConfig
type Duplex = mux.Duplex

const (
	RoleClient = mux.RoleClient
	RoleServer = mux.RoleServer
)

func DefaultSessionConfig() SessionConfig { return mux.DefaultConfig() }
func DefaultCarrierConfig() CarrierConfig { return mux.DefaultCarrierConfig() }

func NewCarrier(stream Duplex, cfg CarrierConfig) *Carrier {
	return mux.NewCarrier(stream, cfg, noopLogger())
}

// StartSession performs the mux handshake over carrier and returns a ready
// Session.
func StartSession(carrier *Carrier, cfg SessionConfig, role Role) (*Session, error) {
	return mux.Start(carrier, cfg, role, noopLogger())
}

func DomainAddr(host string, port uint16) TargetAddr { return mux.DomainAddr(host, port) }
func IPv4Addr(ip [4]byte, port uint16) TargetAddr     { return mux.IPv4Addr(ip, port) }
func IPv6Addr(ip [16]byte, port uint16) TargetAddr    { return mux.IPv6Addr(ip, port) }

// --- Carriers ---

func DialRFCOMM(addr string, channel uint8) (Duplex, error) { return transport.DialRFCOMM(addr, channel) }
func ListenRFCOMM(channel uint8) (Duplex, error)             { return transport.ListenRFCOMM(channel) }
func DialTCP(addr string) (Duplex, error)                    { return transport.DialTCP(addr) }
func ListenTCP(addr string) (Duplex, error)                  { return transport.ListenTCP(addr) }

// --- Client-side HTTP/HTTPS forward proxy ---

type HTTPProxyServer = httpproxy.Server

func NewHTTPProxyServer(listen string, session *Session) *HTTPProxyServer {
	return httpproxy.New(listen, session, noopLogger())
}

// --- Server-side upstream dial ---

type UpstreamDialer = socksupstream.Dialer
type DirectDialer = socksupstream.DirectDialer
type SOCKS5Dialer = socksupstream.UpstreamDialer

func RelayStream(session *Session, accepted mux.AcceptedStream, dialer UpstreamDialer) {
	socksupstream.Relay(session, accepted, dialer, noopLogger())
}

// --- Config ---

type ClientConfig = config.ClientConfig
type ServerConfig = config.ServerConfig

func ParseClientConfig(args []string) (ClientConfig, error) { return config.ParseClientConfig(args) }
func ParseServerConfig(args []string) (ServerConfig, error) { return config.ParseServerConfig(args) }
