// Command btproxy-client runs the client-side HTTP/HTTPS forward proxy,
// tunneling every CONNECT/plain request over a Bluetooth RFCOMM mux
// session to a paired btproxy-server.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"btproxy/internal/config"
	"btproxy/internal/httpproxy"
	"btproxy/internal/logging"
	"btproxy/internal/mux"
	"btproxy/internal/reconnect"
	"btproxy/internal/transport"
)

func main() {
	cfg, err := config.ParseClientConfig(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log := logging.New(cfg.Log, "")
	defer log.Sync()

	carrierMetrics := mux.NewCarrierMetrics("client")
	if cfg.Metrics != "" {
		go func() {
			if err := mux.ServeMetrics(cfg.Metrics, log, carrierMetrics); err != nil {
				log.Error("metrics server stopped", zap.Error(err))
			}
		}()
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
	stop := make(chan struct{})
	go func() {
		<-shutdown
		log.Info("shutting down")
		close(stop)
	}()

	backoff := reconnect.DefaultBackoff()
	for {
		select {
		case <-stop:
			return
		default:
		}

		session, err := connectSession(cfg, log, carrierMetrics)
		if err != nil {
			log.Error("failed to connect", zap.Error(err))
		} else {
			backoff.Reset()
			server := httpproxy.New(cfg.Listen, session, log)
			if err := server.Serve(); err != nil {
				log.Error("proxy exited", zap.Error(err))
			}
			session.Close()
		}

		delay := backoff.Next()
		log.Info("reconnecting", zap.Duration("delay", delay))
		select {
		case <-stop:
			return
		case <-time.After(delay):
		}
	}
}

func connectSession(cfg config.ClientConfig, log *zap.Logger, metrics *mux.CarrierMetrics) (*mux.Session, error) {
	conn, err := dialCarrierStream(cfg)
	if err != nil {
		return nil, err
	}
	carrierCfg := mux.DefaultCarrierConfig()
	if cfg.Metrics != "" {
		carrierCfg.StatsInterval = 5 * time.Second
		carrierCfg.Metrics = metrics
	}
	carrier := mux.NewCarrier(conn, carrierCfg, log)

	muxCfg := mux.DefaultConfig()
	if cfg.PSK != "" {
		muxCfg.PSK = []byte(cfg.PSK)
	}
	return mux.Start(carrier, muxCfg, mux.RoleClient, log)
}

// dialCarrierStream picks RFCOMM when --channel is set, and otherwise
// treats --bt-addr as a host:port for the TCP carrier stand-in (useful for
// development on a machine with no paired Bluetooth peer).
func dialCarrierStream(cfg config.ClientConfig) (mux.Duplex, error) {
	if cfg.Channel != 0 {
		return transport.DialRFCOMM(cfg.BTAddr, cfg.Channel)
	}
	return transport.DialTCP(cfg.BTAddr)
}
