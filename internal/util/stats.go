package util

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/pterm/pterm"
)

// ──────────────────────────────────────────────────────────────────────────────
// Global stats singleton
// ──────────────────────────────────────────────────────────────────────────────

// Stats is the process-wide link counter.
var Stats = &stats{}

type stats struct {
	FramesSent  atomic.Int64 // frames written to the port, retransmissions included
	FramesRecv  atomic.Int64 // frames that passed the CRC check
	BytesSent   atomic.Int64 // framed bytes written to the port
	BytesRecv   atomic.Int64 // logical payload bytes of accepted frames
	FrameErrors atomic.Int64 // frames dropped for a bad escape, CRC or header
	Retransmits atomic.Int64 // packets resent after an acknowledgement timeout
	Timeouts    atomic.Int64 // links closed after exhausting the retry budget
	Duplicates  atomic.Int64 // transfers dropped by the sequence filter
	PeerCredit  atomic.Int64 // credit advertised by the last LA
}

func (s *stats) AddSent(n int) { s.FramesSent.Add(1); s.BytesSent.Add(int64(n)) }
func (s *stats) AddRecv(n int) { s.FramesRecv.Add(1); s.BytesRecv.Add(int64(n)) }
func (s *stats) AddFrameError() { s.FrameErrors.Add(1) }
func (s *stats) AddRetransmit() { s.Retransmits.Add(1) }
func (s *stats) AddTimeout() { s.Timeouts.Add(1) }
func (s *stats) AddDuplicate() { s.Duplicates.Add(1) }
func (s *stats) SetPeerCredit(c int) { s.PeerCredit.Store(int64(c)) }

// ──────────────────────────────────────────────────────────────────────────────
// Prometheus export
// ──────────────────────────────────────────────────────────────────────────────

type statDesc struct {
	desc  *prometheus.Desc
	kind  prometheus.ValueType
	value *atomic.Int64
}

func (s *stats) descs() []statDesc {
	counter := func(name, help string, v *atomic.Int64) statDesc {
		return statDesc{prometheus.NewDesc("newtdock_"+name, help, nil, nil), prometheus.CounterValue, v}
	}
	return []statDesc{
		counter("frames_sent_total", "Frames written to the port.", &s.FramesSent),
		counter("frames_received_total", "Frames received with a valid CRC.", &s.FramesRecv),
		counter("bytes_sent_total", "Framed bytes written to the port.", &s.BytesSent),
		counter("bytes_received_total", "Payload bytes of received frames.", &s.BytesRecv),
		counter("frame_errors_total", "Frames dropped as malformed.", &s.FrameErrors),
		counter("retransmits_total", "Packets retransmitted after a timeout.", &s.Retransmits),
		counter("timeouts_total", "Links closed after exhausting retries.", &s.Timeouts),
		counter("duplicates_total", "Transfers dropped by the sequence filter.", &s.Duplicates),
		{prometheus.NewDesc("newtdock_peer_credit", "Receive window advertised by the peer.", nil, nil), prometheus.GaugeValue, &s.PeerCredit},
	}
}

// Describe implements prometheus.Collector.
func (s *stats) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range s.descs() {
		ch <- d.desc
	}
}

// Collect implements prometheus.Collector.
func (s *stats) Collect(ch chan<- prometheus.Metric) {
	for _, d := range s.descs() {
		ch <- prometheus.MustNewConstMetric(d.desc, d.kind, float64(d.value.Load()))
	}
}

// MetricsHandler returns an HTTP handler exposing Stats and the Go runtime
// metrics in the Prometheus text format.
func MetricsHandler() http.Handler {
	reg := prometheus.NewRegistry()
	reg.MustRegister(Stats, collectors.NewGoCollector())
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartStatsReporter launches a goroutine that logs link statistics
// every 10 seconds. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()

		var prevSent, prevRecv, prevErrs, prevRetx int64
		for {
			select {
			case <-ticker.C:
				sent := Stats.BytesSent.Load()
				recv := Stats.BytesRecv.Load()
				errs := Stats.FrameErrors.Load()
				retx := Stats.Retransmits.Load()

				outS := float64(sent-prevSent) / 10.0
				inS := float64(recv-prevRecv) / 10.0

				if inS > 0 || outS > 0 || errs > prevErrs || retx > prevRetx {
					pterm.DefaultLogger.Info(formatStats(inS, outS, errs-prevErrs, retx-prevRetx))
				}

				prevSent = sent
				prevRecv = recv
				prevErrs = errs
				prevRetx = retx

			case <-ctx.Done():
				return
			}
		}
	}()
}

// byteUnits defines the units for formatting byte counts in a human-readable way.
var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// formatBytes formats a byte count into a human-readable string with fixed width (exactly 8 chars)
// for example: "99.0   B", " 1.5 KiB", " 0.1 MiB", "98.9 GiB", etc.
func formatBytes(b float64) string {
	unitIdx := 0

	// to prevent "100.0 KiB", which is 9 chars
	for b > 99 && unitIdx < 5 {
		b /= 1024
		unitIdx++
	}

	return fmt.Sprintf("%4.1f %3s", b, byteUnits[unitIdx])
}

// formatStats returns a formatted string of the current stats for display in the logger.
func formatStats(inS, outS float64, errs, retx int64) string {
	return fmt.Sprintf("In: %s/s | Out: %s/s | Errors: %2d | Retries: %2d",
		formatBytes(inS),
		formatBytes(outS),
		errs,
		retx,
	)
}
