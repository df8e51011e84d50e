package mux

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// ServeMetrics registers collectors with the default registerer and serves
// /metrics on addr until the listener fails.
func ServeMetrics(addr string, log *zap.Logger, collectors ...prometheus.Collector) error {
	for _, c := range collectors {
		if err := prometheus.Register(c); err != nil {
			log.Warn("metrics collector registration failed", zap.Error(err))
		}
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	log.Info("metrics listening", zap.String("addr", addr))
	return http.ListenAndServe(addr, mux)
}
