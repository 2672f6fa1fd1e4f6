package main

import (
	"fmt"
	"io"
	"math"
	"sort"
	"sync"
	"time"
)

// collector aggregates results from every simulated participant. All
// methods are goroutine-safe.
type collector struct {
	mu            sync.Mutex
	joinLatencies []time.Duration
	echoLatencies []time.Duration
	joins         int
	sent          int
	received      int
	errors        int
	startTime     time.Time
	scraper       *scraper
}

func newCollector() *collector {
	return &collector{startTime: time.Now()}
}

func (c *collector) setScraper(s *scraper) {
	c.mu.Lock()
	c.scraper = s
	c.mu.Unlock()
}

// addJoin records a participant that saw its presence snapshot d after it
// started connecting.
func (c *collector) addJoin(d time.Duration) {
	c.mu.Lock()
	c.joinLatencies = append(c.joinLatencies, d)
	c.joins++
	c.mu.Unlock()
}

// addEcho records the time between sending a message and receiving it back
// in the broadcast.
func (c *collector) addEcho(d time.Duration) {
	c.mu.Lock()
	c.echoLatencies = append(c.echoLatencies, d)
	c.mu.Unlock()
}

func (c *collector) addSent() {
	c.mu.Lock()
	c.sent++
	c.mu.Unlock()
}

func (c *collector) addReceived() {
	c.mu.Lock()
	c.received++
	c.mu.Unlock()
}

func (c *collector) addError() {
	c.mu.Lock()
	c.errors++
	c.mu.Unlock()
}

func (c *collector) joinCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.joins
}

func (c *collector) errorCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errors
}

// report writes the summary: totals, join and echo latency percentiles and
// the server-side metrics if a scraper was attached.
func (c *collector) report(w io.Writer) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elapsed := time.Since(c.startTime)

	fmt.Fprintln(w, "\n=== Load Test Results ===")
	fmt.Fprintf(w, "Duration:     %s\n", elapsed.Round(time.Second))
	fmt.Fprintf(w, "Joined:       %d\n", c.joins)
	fmt.Fprintf(w, "Sent:         %d\n", c.sent)
	fmt.Fprintf(w, "Received:     %d\n", c.received)
	fmt.Fprintf(w, "Errors:       %d\n", c.errors)

	if c.sent > 0 && c.joins > 0 {
		expected := c.sent * c.joins
		fmt.Fprintf(w, "Delivery:     %.2f%% of %d expected\n", float64(c.received)/float64(expected)*100, expected)
	}

	if len(c.joinLatencies) > 0 {
		fmt.Fprintln(w, "\n--- Join Latency ---")
		printPercentiles(w, c.joinLatencies)
	}
	if len(c.echoLatencies) > 0 {
		fmt.Fprintln(w, "\n--- Broadcast Echo Latency ---")
		printPercentiles(w, c.echoLatencies)
	}

	if c.scraper != nil {
		c.scraper.report(w)
	}
	fmt.Fprintln(w)
}

// printPercentiles sorts durations and prints avg, p50, p95, p99 and max
// along with the sample count.
func printPercentiles(w io.Writer, durations []time.Duration) {
	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })

	n := len(durations)
	p50 := durations[n/2]
	p95 := durations[int(math.Ceil(float64(n)*0.95))-1]
	p99 := durations[int(math.Ceil(float64(n)*0.99))-1]

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}
	avg := sum / time.Duration(n)

	fmt.Fprintf(w, "  avg: %v  p50: %v  p95: %v  p99: %v  max: %v  (n=%d)\n",
		avg.Round(time.Microsecond),
		p50.Round(time.Microsecond),
		p95.Round(time.Microsecond),
		p99.Round(time.Microsecond),
		durations[n-1].Round(time.Microsecond),
		n,
	)
}
