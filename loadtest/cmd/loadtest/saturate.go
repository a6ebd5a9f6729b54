package main

import (
	"context"
	"flag"
	"fmt"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/pairchat/server/loadtest/client"
	"github.com/pairchat/server/loadtest/stats"
)

// runSaturate opens the requested number of connections, ramping up over a
// fixed duration, then holds them while reporting drops. Every connection is
// a distinct user.
func runSaturate(args []string) {
	fs := flag.NewFlagSet("saturate", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	connections := fs.Int("connections", 1000, "Number of connections to open")
	rampUp := fs.Duration("ramp", 10*time.Second, "Ramp-up duration")
	hold := fs.Duration("hold", 30*time.Second, "Hold duration after all connections are open")
	concurrency := fs.Int("concurrency", 50, "Maximum simultaneous connection attempts during ramp-up")
	fs.Parse(args)

	fmt.Printf("Saturate test: %d connections to %s (ramp=%s, hold=%s, concurrency=%d)\n",
		*connections, *url, *rampUp, *hold, *concurrency)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()
	run := fmt.Sprintf("sat-%d", time.Now().Unix())

	var mu sync.Mutex
	clients := make([]*client.Client, 0, *connections)

	fmt.Println("\n--- Ramp-up phase ---")
	interval := *rampUp / time.Duration(*connections)
	if interval <= 0 {
		interval = time.Millisecond
	}

	sem := make(chan struct{}, *concurrency)
	var wg sync.WaitGroup
	ticker := time.NewTicker(interval)
	rampStart := time.Now()
	interrupted := false

	for i := 0; i < *connections && !interrupted; {
		select {
		case <-ctx.Done():
			fmt.Println("\nInterrupted during ramp-up.")
			interrupted = true
		case <-ticker.C:
			userID := fmt.Sprintf("%s-%d", run, i)
			i++
			wg.Add(1)
			sem <- struct{}{}
			go func() {
				defer wg.Done()
				defer func() { <-sem }()

				c, err := connect(ctx, *url, userID)
				if err != nil {
					collector.AddError()
					return
				}
				collector.AddConnect(c.GetMetrics().ConnectLatency)

				mu.Lock()
				clients = append(clients, c)
				mu.Unlock()
			}()
		}
	}
	ticker.Stop()
	wg.Wait()

	fmt.Printf("\nRamp-up complete: %d/%d connections in %s (%d errors)\n",
		collector.ConnectionCount(), *connections,
		time.Since(rampStart).Round(time.Millisecond), collector.ErrorCount())

	if !interrupted {
		fmt.Println("\n--- Hold phase ---")
		holdConnections(ctx, clients, *hold)
	}

	fmt.Println("\n--- Cleanup ---")
	fmt.Printf("Closing %d connections...\n", len(clients))
	for _, c := range clients {
		c.Close()
	}
	collector.Report()
}

// holdConnections keeps clients open for d, printing how many are still
// alive every few seconds.
func holdConnections(ctx context.Context, clients []*client.Client, d time.Duration) {
	fmt.Printf("Holding %d connections for %s...\n", len(clients), d)

	timer := time.NewTimer(d)
	defer timer.Stop()
	status := time.NewTicker(5 * time.Second)
	defer status.Stop()

	for {
		select {
		case <-ctx.Done():
			fmt.Println("\nInterrupted during hold phase.")
			return
		case <-timer.C:
			fmt.Println("\nHold period complete.")
			return
		case <-status.C:
			alive := 0
			for _, c := range clients {
				if c.GetMetrics().Errors == 0 {
					alive++
				}
			}
			fmt.Printf("  [hold] alive: %d/%d  dropped: %d\n", alive, len(clients), len(clients)-alive)
		}
	}
}

// connect dials as userID and waits for the connected confirmation.
func connect(ctx context.Context, url, userID string) (*client.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	c, err := client.New(ctx, url, userID)
	if err != nil {
		return nil, err
	}
	if err := c.WaitConnected(ctx); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}
