package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// metricSnapshot holds the tracked server metrics at a point in time.
type metricSnapshot struct {
	timestamp    time.Time
	connections  float64
	participants float64
	events       float64 // sum over every type label
	framesSent   float64
	framesDrop   float64
	fanoutSum    float64
	fanoutCount  float64
}

// scraper periodically fetches the chat server's /metrics endpoint and
// records snapshots for the report.
type scraper struct {
	metricsURL string
	interval   time.Duration
	client     *http.Client

	mu        sync.Mutex
	snapshots []metricSnapshot

	cancel context.CancelFunc
	done   chan struct{}
}

func newScraper(metricsURL string, interval time.Duration) *scraper {
	return &scraper{
		metricsURL: metricsURL,
		interval:   interval,
		client:     &http.Client{Timeout: 5 * time.Second},
		done:       make(chan struct{}),
	}
}

// start takes a snapshot immediately and then one per interval until ctx
// is cancelled or stop is called.
func (s *scraper) start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.scrapeOnce()

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				// Final snapshot before exiting.
				s.scrapeOnce()
				return
			case <-ticker.C:
				s.scrapeOnce()
			}
		}
	}()
}

func (s *scraper) stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

func (s *scraper) scrapeOnce() {
	snap, err := s.fetch()
	if err != nil {
		// The server may not be up yet.
		return
	}
	s.mu.Lock()
	s.snapshots = append(s.snapshots, snap)
	s.mu.Unlock()
}

func (s *scraper) fetch() (metricSnapshot, error) {
	resp, err := s.client.Get(s.metricsURL)
	if err != nil {
		return metricSnapshot{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return metricSnapshot{}, fmt.Errorf("metrics: status %d", resp.StatusCode)
	}
	return parseSnapshot(resp.Body, time.Now())
}

// parseSnapshot reads a text exposition body.
func parseSnapshot(r io.Reader, at time.Time) (metricSnapshot, error) {
	snap := metricSnapshot{timestamp: at}

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if len(line) == 0 || line[0] == '#' {
			continue
		}

		name, labels, value, ok := parseMetricLine(line)
		if !ok {
			continue
		}

		switch name {
		case "chatroom_connections_total":
			snap.connections = value
		case "chatroom_participants_total":
			snap.participants = value
		case "chatroom_events_total":
			snap.events += value
		case "chatroom_frames_total":
			switch labels {
			case `result="sent"`:
				snap.framesSent = value
			case `result="dropped"`:
				snap.framesDrop = value
			}
		case "chatroom_fanout_latency_seconds_sum":
			snap.fanoutSum = value
		case "chatroom_fanout_latency_seconds_count":
			snap.fanoutCount = value
		}
	}
	return snap, scanner.Err()
}

// parseMetricLine splits `name{labels} value` or `name value` into its
// parts. labels is the raw text between the braces.
func parseMetricLine(line string) (name, labels string, value float64, ok bool) {
	rest := line
	if open := strings.IndexByte(line, '{'); open != -1 {
		closing := strings.IndexByte(line[open:], '}')
		if closing == -1 {
			return "", "", 0, false
		}
		name = line[:open]
		labels = line[open+1 : open+closing]
		rest = line[open+closing+1:]
	} else {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return "", "", 0, false
		}
		name = fields[0]
		rest = strings.Join(fields[1:], " ")
	}

	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return "", "", 0, false
	}
	v, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return "", "", 0, false
	}
	return name, labels, v, true
}

// report writes initial, final, delta and peak values for each tracked
// metric, plus the average fan-out latency over the run.
func (s *scraper) report(w io.Writer) {
	s.mu.Lock()
	snaps := append([]metricSnapshot(nil), s.snapshots...)
	s.mu.Unlock()

	if len(snaps) == 0 {
		fmt.Fprintln(w, "\n--- Server Metrics (no data collected) ---")
		return
	}

	first, last := snaps[0], snaps[len(snaps)-1]

	fmt.Fprintln(w, "\n--- Server Metrics (Prometheus) ---")
	fmt.Fprintf(w, "  Scrape count:  %d snapshots over %s\n",
		len(snaps), last.timestamp.Sub(first.timestamp).Round(time.Second))

	rows := []struct {
		label   string
		extract func(metricSnapshot) float64
	}{
		{"Connections", func(m metricSnapshot) float64 { return m.connections }},
		{"Participants", func(m metricSnapshot) float64 { return m.participants }},
		{"Events", func(m metricSnapshot) float64 { return m.events }},
		{"Frames Sent", func(m metricSnapshot) float64 { return m.framesSent }},
		{"Frames Dropped", func(m metricSnapshot) float64 { return m.framesDrop }},
	}

	fmt.Fprintln(w)
	fmt.Fprintf(w, "  %-16s %10s %10s %10s %10s\n", "Metric", "Initial", "Final", "Delta", "Peak")
	fmt.Fprintf(w, "  %-16s %10s %10s %10s %10s\n", "------", "-------", "-----", "-----", "----")
	for _, r := range rows {
		initial, final := r.extract(first), r.extract(last)
		fmt.Fprintf(w, "  %-16s %10.0f %10.0f %10.0f %10.0f\n",
			r.label, initial, final, final-initial, peakValue(snaps, r.extract))
	}

	fmt.Fprintln(w)
	if n := last.fanoutCount - first.fanoutCount; n > 0 {
		avg := (last.fanoutSum - first.fanoutSum) / n
		fmt.Fprintf(w, "  %-16s avg: %.6fs  (%.0f observations)\n", "Fan-out", avg, n)
	} else {
		fmt.Fprintf(w, "  %-16s avg: N/A  (no observations)\n", "Fan-out")
	}
}

func peakValue(snaps []metricSnapshot, extract func(metricSnapshot) float64) float64 {
	peak := math.Inf(-1)
	for _, s := range snaps {
		if v := extract(s); v > peak {
			peak = v
		}
	}
	return peak
}
