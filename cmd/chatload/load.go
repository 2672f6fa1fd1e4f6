package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/lobby/chatroom/internal/client"
	"github.com/lobby/chatroom/internal/protocol"
)

type loadOptions struct {
	url            string
	clients        int
	messages       int
	interval       time.Duration
	ramp           time.Duration
	concurrency    int
	drain          time.Duration
	metricsURL     string
	scrapeInterval time.Duration
	logLevel       string
}

// joinTimeout bounds the wait for a participant's presence snapshot.
const joinTimeout = 10 * time.Second

// participant is one simulated user. It measures its own join and echo
// latency from the events its session delivers.
type participant struct {
	name    string
	session *client.Session
	stats   *collector

	joinStart time.Time
	joined    chan struct{}
	joinOnce  sync.Once

	mu      sync.Mutex
	pending map[string]time.Time // text -> send time
}

func newParticipant(name string, cfg client.Config, stats *collector, logger *slog.Logger) *participant {
	p := &participant{
		name:    name,
		session: client.New(cfg, logger.With("participant", name)),
		stats:   stats,
		joined:  make(chan struct{}),
		pending: make(map[string]time.Time),
	}
	p.session.Subscribe(p.handle)
	return p
}

func (p *participant) handle(ev client.Event) {
	switch m := ev.Msg.(type) {
	case protocol.PresenceSnapshotMsg:
		p.joinOnce.Do(func() {
			p.stats.addJoin(time.Since(p.joinStart))
			close(p.joined)
		})
	case protocol.MessageReceivedMsg:
		p.stats.addReceived()
		if m.AuthorConnectionID != p.session.ConnectionID() {
			return
		}
		p.mu.Lock()
		sentAt, ok := p.pending[m.Text]
		delete(p.pending, m.Text)
		p.mu.Unlock()
		if ok {
			p.stats.addEcho(time.Since(sentAt))
		}
	}
	if ev.Type == client.EventExhausted {
		p.stats.addError()
	}
}

// join connects and waits for the presence snapshot that confirms the join.
func (p *participant) join(ctx context.Context) error {
	p.joinStart = time.Now()
	if err := p.session.Connect(ctx, p.name); err != nil {
		return err
	}

	timer := time.NewTimer(joinTimeout)
	defer timer.Stop()
	select {
	case <-p.joined:
		return nil
	case <-timer.C:
		return errors.New("timed out waiting for presence snapshot")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// chat sends count messages interval apart.
func (p *participant) chat(ctx context.Context, count int, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for i := 0; i < count; i++ {
		text := fmt.Sprintf("%s #%d", p.name, i)
		p.mu.Lock()
		p.pending[text] = time.Now()
		p.mu.Unlock()

		if err := p.session.Send(text); err != nil {
			p.mu.Lock()
			delete(p.pending, text)
			p.mu.Unlock()
			p.stats.addError()
		} else {
			p.stats.addSent()
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// runLoad connects every participant, runs the chat phase, drains and
// writes the report to out.
func runLoad(ctx context.Context, o loadOptions, logger *slog.Logger, out io.Writer) error {
	if o.clients <= 0 {
		return errors.New("--clients must be positive")
	}
	if o.concurrency <= 0 {
		o.concurrency = 1
	}

	fmt.Fprintf(out, "Load test: %d participants to %s (ramp=%s, messages=%d, interval=%s, concurrency=%d)\n",
		o.clients, o.url, o.ramp, o.messages, o.interval, o.concurrency)

	stats := newCollector()
	if o.metricsURL != "" {
		sc := newScraper(o.metricsURL, o.scrapeInterval)
		stats.setScraper(sc)
		sc.start(ctx)
		defer sc.stop()
	}

	cfg := client.DefaultConfig(o.url)
	// Load runs report failures rather than riding them out.
	cfg.ReconnectAttempts = 0

	fmt.Fprintln(out, "\n--- Phase 1: join ---")
	joined := connectAll(ctx, o, cfg, stats, logger)
	fmt.Fprintf(out, "  %d/%d joined\n", len(joined), o.clients)

	if ctx.Err() == nil && len(joined) > 0 && o.messages > 0 {
		fmt.Fprintln(out, "\n--- Phase 2: chat ---")
		var wg sync.WaitGroup
		for _, p := range joined {
			wg.Add(1)
			go func(p *participant) {
				defer wg.Done()
				p.chat(ctx, o.messages, o.interval)
			}(p)
		}
		wg.Wait()

		fmt.Fprintf(out, "  draining for %s\n", o.drain)
		select {
		case <-ctx.Done():
		case <-time.After(o.drain):
		}
	}

	fmt.Fprintln(out, "\n--- Phase 3: leave ---")
	for _, p := range joined {
		_ = p.session.Disconnect()
	}

	stats.report(out)
	return nil
}

// connectAll starts participants spread evenly over the ramp, at most
// concurrency at a time, and returns those that joined.
func connectAll(ctx context.Context, o loadOptions, cfg client.Config, stats *collector, logger *slog.Logger) []*participant {
	step := o.ramp / time.Duration(o.clients)
	if step <= 0 {
		step = time.Millisecond
	}

	var (
		mu     sync.Mutex
		joined []*participant
		wg     sync.WaitGroup
	)
	sem := make(chan struct{}, o.concurrency)

	for i := 0; i < o.clients; i++ {
		if ctx.Err() != nil {
			break
		}
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}

		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()

			p := newParticipant(fmt.Sprintf("load-%d", i), cfg, stats, logger)
			if err := p.join(ctx); err != nil {
				logger.Warn("join failed", "participant", p.name, "error", err)
				stats.addError()
				_ = p.session.Disconnect()
				return
			}
			mu.Lock()
			joined = append(joined, p)
			mu.Unlock()
		}(i)

		select {
		case <-ctx.Done():
		case <-time.After(step):
		}
	}
	wg.Wait()
	return joined
}
