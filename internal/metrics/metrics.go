// Package metrics holds the tunnel's four monotonic counters (spec §3) and
// an optional Prometheus-text exposition endpoint, grounded on the teacher's
// own hand-rolled /metrics handler in metrics.go.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

// Counters are the tunnel's rx/tx packet and byte counts. Updated with
// relaxed atomic fetch-add by the TUN engine; read by Stats without
// coordinating with any other counter's read, matching spec §3.
type Counters struct {
	RxPackets atomic.Uint64
	RxBytes   atomic.Uint64
	TxPackets atomic.Uint64
	TxBytes   atomic.Uint64
}

func (c *Counters) AddRx(bytes int) {
	c.RxPackets.Add(1)
	c.RxBytes.Add(uint64(bytes))
}

func (c *Counters) AddTx(bytes int) {
	c.TxPackets.Add(1)
	c.TxBytes.Add(uint64(bytes))
}

// Snapshot is the point-in-time read exposed by the public Stats API.
type Snapshot struct {
	RxPackets uint64
	RxBytes   uint64
	TxPackets uint64
	TxBytes   uint64
}

func (c *Counters) Snapshot() Snapshot {
	return Snapshot{
		RxPackets: c.RxPackets.Load(),
		RxBytes:   c.RxBytes.Load(),
		TxPackets: c.TxPackets.Load(),
		TxBytes:   c.TxBytes.Load(),
	}
}

// Server exposes Counters plus session-count and DNS-cache gauges on a
// Prometheus text endpoint, for operators who want to scrape the tunnel
// without polling the Stats API.
type Server struct {
	Counters     *Counters
	SessionCount func() int
	DNSCacheSize func() int
}

func (s *Server) handler(w http.ResponseWriter, r *http.Request) {
	snap := s.Counters.Snapshot()
	var b strings.Builder
	fmt.Fprintf(&b, "# TYPE socks5tun_rx_packets_total counter\nsocks5tun_rx_packets_total %d\n", snap.RxPackets)
	fmt.Fprintf(&b, "# TYPE socks5tun_rx_bytes_total counter\nsocks5tun_rx_bytes_total %d\n", snap.RxBytes)
	fmt.Fprintf(&b, "# TYPE socks5tun_tx_packets_total counter\nsocks5tun_tx_packets_total %d\n", snap.TxPackets)
	fmt.Fprintf(&b, "# TYPE socks5tun_tx_bytes_total counter\nsocks5tun_tx_bytes_total %d\n", snap.TxBytes)
	if s.SessionCount != nil {
		fmt.Fprintf(&b, "# TYPE socks5tun_sessions gauge\nsocks5tun_sessions %d\n", s.SessionCount())
	}
	if s.DNSCacheSize != nil {
		fmt.Fprintf(&b, "# TYPE socks5tun_mapdns_entries gauge\nsocks5tun_mapdns_entries %d\n", s.DNSCacheSize())
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	_, _ = w.Write([]byte(b.String()))
}

// Run starts the metrics HTTP server and blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context, addr string) error {
	if strings.TrimSpace(addr) == "" {
		return errors.New("empty metrics address")
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", s.handler)
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	err := srv.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}
