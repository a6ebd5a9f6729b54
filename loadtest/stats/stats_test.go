package stats

import (
	"testing"
	"time"
)

func TestSummarize(t *testing.T) {
	samples := make([]time.Duration, 0, 100)
	for i := 100; i >= 1; i-- {
		samples = append(samples, time.Duration(i)*time.Millisecond)
	}

	p := Summarize(samples)
	if p.N != 100 {
		t.Fatalf("expected n=100, got %d", p.N)
	}
	if p.P50 != 51*time.Millisecond || p.P95 != 95*time.Millisecond || p.P99 != 99*time.Millisecond {
		t.Errorf("unexpected percentiles %+v", p)
	}
	if p.Max != 100*time.Millisecond {
		t.Errorf("expected max 100ms, got %v", p.Max)
	}
	if p.Avg != 50500*time.Microsecond {
		t.Errorf("expected avg 50.5ms, got %v", p.Avg)
	}
}

func TestSummarizeEmpty(t *testing.T) {
	if p := Summarize(nil); p.N != 0 {
		t.Fatalf("expected zero summary, got %+v", p)
	}
}

func TestParseSample(t *testing.T) {
	name, labels, v, ok := parseSample(`pairchat_pairings_total{result="created"} 42`)
	if !ok || name != "pairchat_pairings_total" || labels["result"] != "created" || v != 42 {
		t.Fatalf("unexpected parse: %q %v %v %v", name, labels, v, ok)
	}

	name, labels, v, ok = parseSample("pairchat_connections_total 7")
	if !ok || name != "pairchat_connections_total" || labels != nil || v != 7 {
		t.Fatalf("unexpected parse: %q %v %v %v", name, labels, v, ok)
	}

	for _, line := range []string{"", "# HELP x y", "broken{a=\"b\" 1", "novalue"} {
		if _, _, _, ok := parseSample(line); ok {
			t.Errorf("expected %q to be rejected", line)
		}
	}
}
