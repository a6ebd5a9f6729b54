package stats

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// snapshot holds the server metrics read at one point in time.
type snapshot struct {
	at          time.Time
	connections float64
	messages    float64
	pairings    map[string]float64 // by result label
	roomsEnded  float64
	stale       float64
	eventSum    float64
	eventCount  float64
}

// Scraper periodically reads the server's Prometheus endpoint during a run.
type Scraper struct {
	url      string
	interval time.Duration
	client   *http.Client

	mu        sync.Mutex
	snapshots []snapshot

	cancel context.CancelFunc
	done   chan struct{}
}

// NewScraper creates a Scraper for metricsURL.
func NewScraper(metricsURL string, interval time.Duration) *Scraper {
	return &Scraper{
		url:      metricsURL,
		interval: interval,
		client:   &http.Client{Timeout: 5 * time.Second},
		done:     make(chan struct{}),
	}
}

// Start takes a snapshot now and then one per interval until Stop or ctx
// cancellation, which also takes a final one.
func (s *Scraper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.scrapeOnce()

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				s.scrapeOnce()
				return
			case <-ticker.C:
				s.scrapeOnce()
			}
		}
	}()
}

// Stop stops the scraper and waits for the final snapshot.
func (s *Scraper) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

func (s *Scraper) scrapeOnce() {
	snap, err := s.fetch()
	if err != nil {
		// The server may not be up yet.
		return
	}
	s.mu.Lock()
	s.snapshots = append(s.snapshots, snap)
	s.mu.Unlock()
}

func (s *Scraper) fetch() (snapshot, error) {
	resp, err := s.client.Get(s.url)
	if err != nil {
		return snapshot{}, err
	}
	defer resp.Body.Close()

	snap := snapshot{at: time.Now(), pairings: make(map[string]float64)}
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		name, labels, value, ok := parseSample(scanner.Text())
		if !ok {
			continue
		}
		switch name {
		case "pairchat_connections_total":
			snap.connections = value
		case "pairchat_messages_total":
			snap.messages += value
		case "pairchat_pairings_total":
			snap.pairings[labels["result"]] += value
		case "pairchat_rooms_ended_total":
			snap.roomsEnded += value
		case "pairchat_stale_pointers_total":
			snap.stale = value
		case "pairchat_event_latency_seconds_sum":
			snap.eventSum += value
		case "pairchat_event_latency_seconds_count":
			snap.eventCount += value
		}
	}
	return snap, scanner.Err()
}

// parseSample parses one line of the Prometheus text format:
//
//	name 1.5
//	name{k="v",k2="v2"} 1.5
func parseSample(line string) (name string, labels map[string]string, value float64, ok bool) {
	if line == "" || line[0] == '#' {
		return "", nil, 0, false
	}

	rest := line
	if open := strings.IndexByte(line, '{'); open != -1 {
		end := strings.IndexByte(line[open:], '}')
		if end == -1 {
			return "", nil, 0, false
		}
		name = line[:open]
		labels = make(map[string]string)
		for _, pair := range strings.Split(line[open+1:open+end], ",") {
			k, v, found := strings.Cut(pair, "=")
			if found {
				labels[strings.TrimSpace(k)] = strings.Trim(v, `"`)
			}
		}
		rest = line[open+end+1:]
	} else {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return "", nil, 0, false
		}
		name, rest = fields[0], fields[1]
	}

	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return "", nil, 0, false
	}
	v, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return "", nil, 0, false
	}
	return name, labels, v, true
}

// Report prints the server-side deltas between the first and last snapshot.
func (s *Scraper) Report() {
	s.mu.Lock()
	snaps := append([]snapshot(nil), s.snapshots...)
	s.mu.Unlock()

	if len(snaps) == 0 {
		fmt.Println("\n--- Server Metrics (no data collected) ---")
		return
	}
	first, last := snaps[0], snaps[len(snaps)-1]

	peak := first.connections
	for _, snap := range snaps {
		if snap.connections > peak {
			peak = snap.connections
		}
	}

	fmt.Println("\n--- Server Metrics (Prometheus) ---")
	fmt.Printf("  %d snapshots over %s\n", len(snaps), last.at.Sub(first.at).Round(time.Second))
	fmt.Printf("  %-18s final: %.0f  peak: %.0f\n", "Connections", last.connections, peak)
	fmt.Printf("  %-18s +%.0f\n", "Messages", last.messages-first.messages)
	fmt.Printf("  %-18s +%.0f\n", "Rooms ended", last.roomsEnded-first.roomsEnded)
	fmt.Printf("  %-18s +%.0f\n", "Stale pointers", last.stale-first.stale)
	for result, v := range last.pairings {
		fmt.Printf("  %-18s +%.0f\n", "Pairings "+result, v-first.pairings[result])
	}

	if n := last.eventCount - first.eventCount; n > 0 {
		fmt.Printf("  %-18s avg: %.4fs  (%.0f events)\n", "Event latency", (last.eventSum-first.eventSum)/n, n)
	}
}
