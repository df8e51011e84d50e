// Command btproxy-server accepts a single Bluetooth RFCOMM carrier
// connection, runs the mux session as the server role, and relays each
// accepted substream either directly to its target or through an upstream
// SOCKS5 proxy.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"btproxy/internal/config"
	"btproxy/internal/logging"
	"btproxy/internal/mux"
	"btproxy/internal/socksupstream"
	"btproxy/internal/transport"
)

func main() {
	cfg, err := config.ParseServerConfig(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log := logging.New(cfg.Log, "")
	defer log.Sync()

	carrierMetrics := mux.NewCarrierMetrics("server")
	if cfg.Metrics != "" {
		go func() {
			if err := mux.ServeMetrics(cfg.Metrics, log, carrierMetrics); err != nil {
				log.Error("metrics server stopped", zap.Error(err))
			}
		}()
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	conn, err := transport.ListenRFCOMM(cfg.Channel)
	if err != nil {
		log.Fatal("failed to accept carrier", zap.Error(err))
	}
	carrierCfg := mux.DefaultCarrierConfig()
	if cfg.Metrics != "" {
		carrierCfg.StatsInterval = 5 * time.Second
		carrierCfg.Metrics = carrierMetrics
	}
	carrier := mux.NewCarrier(conn, carrierCfg, log)

	muxCfg := mux.DefaultConfig()
	if cfg.PSK != "" {
		muxCfg.PSK = []byte(cfg.PSK)
	}
	session, err := mux.Start(carrier, muxCfg, mux.RoleServer, log)
	if err != nil {
		log.Fatal("failed to start session", zap.Error(err))
	}
	log.Info("server ready", zap.Stringer("session_id", session.ID()))

	var dialer socksupstream.Dialer
	if cfg.Direct {
		dialer = socksupstream.DirectDialer{}
	} else {
		dialer = socksupstream.UpstreamDialer{
			ProxyAddr: cfg.ClashSOCKS,
			Username:  cfg.ClashUser,
			Password:  cfg.ClashPass,
		}
	}

	go func() {
		<-shutdown
		log.Info("shutting down")
		session.Close()
	}()

	for {
		accepted, ok := session.AcceptStream()
		if !ok {
			return
		}
		go socksupstream.Relay(session, accepted, dialer, log)
	}
}
