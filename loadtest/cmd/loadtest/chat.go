package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/pairchat/server/loadtest/client"
	"github.com/pairchat/server/loadtest/stats"
)

// stampPrefix marks message texts that carry their send time.
const stampPrefix = "lt:"

type roomFrame struct {
	RoomID string `json:"roomId"`
}

type messageFrame struct {
	SenderID string `json:"senderId"`
	Text     string `json:"text"`
}

// runChat pairs users and drives each pair through the full room lifecycle:
// connect, start_chat, alternate send_message, end_chat.
func runChat(args []string) {
	fs := flag.NewFlagSet("chat", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	pairs := fs.Int("pairs", 100, "Number of user pairs")
	messages := fs.Int("messages", 20, "Messages per pair")
	msgInterval := fs.Duration("msg-interval", 500*time.Millisecond, "Interval between messages of a pair")
	concurrency := fs.Int("concurrency", 50, "Maximum pairs running their setup at once")
	timeout := fs.Duration("timeout", 10*time.Second, "Timeout for each awaited server event")
	metricsURL := fs.String("metrics-url", "http://localhost:8080/metrics", "Prometheus metrics endpoint URL")
	scrapeInterval := fs.Duration("scrape-interval", 2*time.Second, "Interval between metrics scrapes")
	fs.Parse(args)

	fmt.Printf("Chat test: %d pairs to %s (messages=%d, interval=%s, concurrency=%d)\n",
		*pairs, *url, *messages, *msgInterval, *concurrency)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()
	scraper := stats.NewScraper(*metricsURL, *scrapeInterval)
	collector.SetScraper(scraper)
	scraper.Start(ctx)

	run := fmt.Sprintf("chat-%d", time.Now().Unix())
	sem := make(chan struct{}, *concurrency)
	var wg sync.WaitGroup

	for i := 0; i < *pairs; i++ {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()

			p := &pairRun{
				a:         fmt.Sprintf("%s-%d-a", run, i),
				b:         fmt.Sprintf("%s-%d-b", run, i),
				url:       *url,
				messages:  *messages,
				interval:  *msgInterval,
				timeout:   *timeout,
				collector: collector,
			}
			if err := p.run(ctx); err != nil {
				collector.AddError()
				fmt.Printf("  [pair %d] %v\n", i, err)
			}
		}(i)
	}
	wg.Wait()

	scraper.Stop()
	collector.Report()
}

// pairRun is the lifecycle of one pair of users.
type pairRun struct {
	a, b      string
	url       string
	messages  int
	interval  time.Duration
	timeout   time.Duration
	collector *stats.Collector
}

func (p *pairRun) run(ctx context.Context) error {
	ca, err := connect(ctx, p.url, p.a)
	if err != nil {
		return fmt.Errorf("connect %s: %w", p.a, err)
	}
	defer ca.Close()
	cb, err := connect(ctx, p.url, p.b)
	if err != nil {
		return fmt.Errorf("connect %s: %w", p.b, err)
	}
	defer cb.Close()
	p.collector.AddConnect(ca.GetMetrics().ConnectLatency)
	p.collector.AddConnect(cb.GetMetrics().ConnectLatency)

	startedA := awaitRoom(ca, client.TypeChatStarted)
	startedB := awaitRoom(cb, client.TypeChatStarted)
	endedB := awaitRoom(cb, client.TypeChatEnded)
	received := make(chan struct{}, p.messages)
	for _, c := range []*client.Client{ca, cb} {
		self := c.UserID()
		c.On(client.TypeNewMessage, func(raw json.RawMessage) {
			var m messageFrame
			if json.Unmarshal(raw, &m) != nil || m.SenderID == self {
				return
			}
			if sent, ok := parseStamp(m.Text); ok {
				p.collector.AddDelivery(time.Since(sent))
			}
			received <- struct{}{}
		})
	}

	begin := time.Now()
	if err := ca.StartChat(p.b); err != nil {
		return err
	}
	roomID, err := p.wait(ctx, startedB)
	if err != nil {
		return fmt.Errorf("chat_started on %s: %w", p.b, err)
	}
	p.collector.AddPairing(time.Since(begin))
	if _, err := p.wait(ctx, startedA); err != nil {
		return fmt.Errorf("chat_started on %s: %w", p.a, err)
	}

	for i := 0; i < p.messages; i++ {
		sender := ca
		if i%2 == 1 {
			sender = cb
		}
		text := stampPrefix + strconv.FormatInt(time.Now().UnixNano(), 10)
		if err := sender.SendText(roomID, text); err != nil {
			return err
		}
		select {
		case <-received:
		case <-time.After(p.timeout):
			return fmt.Errorf("message %d not delivered", i)
		case <-ctx.Done():
			return ctx.Err()
		}
		time.Sleep(p.interval)
	}

	if err := ca.EndChat(); err != nil {
		return err
	}
	if _, err := p.wait(ctx, endedB); err != nil {
		return fmt.Errorf("chat_ended on %s: %w", p.b, err)
	}
	return nil
}

func (p *pairRun) wait(ctx context.Context, ch <-chan string) (string, error) {
	select {
	case roomID := <-ch:
		return roomID, nil
	case <-time.After(p.timeout):
		return "", errors.New("timed out")
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// awaitRoom delivers the room id of the first frame of msgType.
func awaitRoom(c *client.Client, msgType string) <-chan string {
	ch := make(chan string, 1)
	c.On(msgType, func(raw json.RawMessage) {
		var f roomFrame
		if json.Unmarshal(raw, &f) != nil {
			return
		}
		select {
		case ch <- f.RoomID:
		default:
		}
	})
	return ch
}

func parseStamp(text string) (time.Time, bool) {
	if !strings.HasPrefix(text, stampPrefix) {
		return time.Time{}, false
	}
	ns, err := strconv.ParseInt(strings.TrimPrefix(text, stampPrefix), 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(0, ns), true
}
