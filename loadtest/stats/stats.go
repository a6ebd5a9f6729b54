// Package stats aggregates client-side measurements of a load test run and
// prints a summary with percentile distributions.
package stats

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"
)

// Collector aggregates metrics from many clients. All methods are safe for
// concurrent use.
type Collector struct {
	mu          sync.Mutex
	connect     []time.Duration
	pairing     []time.Duration
	delivery    []time.Duration
	errors      int
	connections int
	pairs       int
	startTime   time.Time
	scraper     *Scraper
}

// NewCollector creates a Collector with the start time set to now.
func NewCollector() *Collector {
	return &Collector{startTime: time.Now()}
}

// SetScraper attaches a server metrics scraper whose report is appended to
// Report.
func (c *Collector) SetScraper(s *Scraper) {
	c.mu.Lock()
	c.scraper = s
	c.mu.Unlock()
}

// AddConnect records a confirmed connection.
func (c *Collector) AddConnect(d time.Duration) {
	c.mu.Lock()
	c.connect = append(c.connect, d)
	c.connections++
	c.mu.Unlock()
}

// AddPairing records the time from start_chat until the target saw
// chat_started.
func (c *Collector) AddPairing(d time.Duration) {
	c.mu.Lock()
	c.pairing = append(c.pairing, d)
	c.pairs++
	c.mu.Unlock()
}

// AddDelivery records the time from send_message until the partner saw the
// new_message.
func (c *Collector) AddDelivery(d time.Duration) {
	c.mu.Lock()
	c.delivery = append(c.delivery, d)
	c.mu.Unlock()
}

// AddError increments the error counter.
func (c *Collector) AddError() {
	c.mu.Lock()
	c.errors++
	c.mu.Unlock()
}

// ConnectionCount returns the number of recorded connections.
func (c *Collector) ConnectionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connections
}

// ErrorCount returns the number of recorded errors.
func (c *Collector) ErrorCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errors
}

// Report prints the collected metrics to stdout.
func (c *Collector) Report() {
	c.mu.Lock()
	defer c.mu.Unlock()

	fmt.Println("\n=== Load Test Results ===")
	fmt.Printf("Duration:     %s\n", time.Since(c.startTime).Round(time.Second))
	fmt.Printf("Connections:  %d\n", c.connections)
	fmt.Printf("Pairs:        %d\n", c.pairs)
	fmt.Printf("Errors:       %d\n", c.errors)

	sections := []struct {
		title   string
		samples []time.Duration
	}{
		{"Connect Latency", c.connect},
		{"Pairing Latency", c.pairing},
		{"Delivery Latency", c.delivery},
	}
	for _, s := range sections {
		if len(s.samples) == 0 {
			continue
		}
		fmt.Printf("\n--- %s ---\n", s.title)
		p := Summarize(s.samples)
		fmt.Printf("  avg: %v  p50: %v  p95: %v  p99: %v  max: %v  (n=%d)\n",
			p.Avg, p.P50, p.P95, p.P99, p.Max, p.N)
	}

	if c.scraper != nil {
		c.scraper.Report()
	}
	fmt.Println()
}

// Percentiles summarizes a latency distribution.
type Percentiles struct {
	N                       int
	Avg, P50, P95, P99, Max time.Duration
}

// Summarize sorts samples in place and computes their distribution.
func Summarize(samples []time.Duration) Percentiles {
	n := len(samples)
	if n == 0 {
		return Percentiles{}
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })

	var sum time.Duration
	for _, d := range samples {
		sum += d
	}
	rank := func(q float64) time.Duration {
		return samples[int(math.Ceil(float64(n)*q))-1].Round(time.Microsecond)
	}
	return Percentiles{
		N:   n,
		Avg: (sum / time.Duration(n)).Round(time.Microsecond),
		P50: samples[n/2].Round(time.Microsecond),
		P95: rank(0.95),
		P99: rank(0.99),
		Max: samples[n-1].Round(time.Microsecond),
	}
}
