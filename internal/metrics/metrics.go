// Package metrics 暴露 agent 的 prometheus 指标
package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var (
	EventsDecoded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fanguard",
		Subsystem: "fanotify",
		Name:      "events_total",
		Help:      "Total number of decoded fanotify events",
	}, []string{"variant"})
	DecodeErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fanguard",
		Subsystem: "fanotify",
		Name:      "decode_errors_total",
		Help:      "Total number of fanotify records that failed to decode",
	}, []string{"kind"})
	FlushFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "fanguard",
		Subsystem: "fanotify",
		Name:      "flush_failures_total",
		Help:      "Total number of failed permission response flushes",
	})
	ReadErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "fanguard",
		Subsystem: "fanotify",
		Name:      "read_errors_total",
		Help:      "Total number of failed reads from the fanotify group",
	})
	Decisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fanguard",
		Subsystem: "policy",
		Name:      "decisions_total",
		Help:      "Total number of permission decisions",
	}, []string{"decision", "rule"})
	USBDevices = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fanguard",
		Subsystem: "usb",
		Name:      "devices_total",
		Help:      "Total number of USB hot-plug events",
	}, []string{"action", "type"})
)

func Handler() http.Handler {
	return promhttp.Handler()
}

// Serve 在 addr 上提供 /metrics，ctx 结束时关闭
func Serve(ctx context.Context, addr string, log *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	mux.HandleFunc("/ping", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("OK"))
	})

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	})
	defer stop()

	log.Info("metrics listening", zap.String("addr", ln.Addr().String()))
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
