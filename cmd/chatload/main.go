// Command chatload drives a running chat server with simulated
// participants and reports join latency, broadcast echo latency, delivery
// and the server's own Prometheus metrics.
//
// Usage:
//
//	chatload [flags]
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/lobby/chatroom/internal/logging"
)

var opts loadOptions

var rootCmd = &cobra.Command{
	Use:   "chatload",
	Short: "Load test a chat server",
	Long: `Connects --clients participants over --ramp, has each send --messages chat
messages --interval apart, waits for the broadcasts to drain and prints a
report. Server metrics are scraped from --metrics-url while the test runs.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		logger := logging.NewWithWriter(cmd.ErrOrStderr(), "text", opts.logLevel)
		return runLoad(ctx, opts, logger, cmd.OutOrStdout())
	},
}

func init() {
	flags := rootCmd.Flags()
	flags.StringVar(&opts.url, "url", "ws://localhost:3001/ws", "chat server WebSocket URL")
	flags.IntVar(&opts.clients, "clients", 50, "number of simulated participants")
	flags.IntVar(&opts.messages, "messages", 10, "messages sent by each participant")
	flags.DurationVar(&opts.interval, "interval", time.Second, "delay between one participant's messages")
	flags.DurationVar(&opts.ramp, "ramp", 5*time.Second, "time over which participants connect")
	flags.IntVar(&opts.concurrency, "concurrency", 20, "maximum simultaneous connection attempts")
	flags.DurationVar(&opts.drain, "drain", 3*time.Second, "time to wait for broadcasts after the last send")
	flags.StringVar(&opts.metricsURL, "metrics-url", "http://localhost:3001/metrics", "Prometheus endpoint; empty disables scraping")
	flags.DurationVar(&opts.scrapeInterval, "scrape-interval", 2*time.Second, "interval between metrics scrapes")
	flags.StringVar(&opts.logLevel, "log-level", "warn", "log level (debug, info, warn, error)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
