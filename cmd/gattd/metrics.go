package main

import (
	"net/http"

	"github.com/charmbracelet/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// prometheusRegistererFor builds an isolated prometheus.Registry (never
// the global default, so tests and repeated demo runs never collide) and,
// when addr is non-empty, serves it over HTTP in the background.
func prometheusRegistererFor(addr string, logger *log.Logger) prometheus.Registerer {
	reg := prometheus.NewRegistry()
	if addr == "" {
		return reg
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			logger.Error("metrics server stopped", "err", err)
		}
	}()
	logger.Info("serving metrics", "addr", addr)
	return reg
}
