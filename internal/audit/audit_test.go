package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestRecordAppendsJSONLLine(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	trail, err := Open(dir, "run1", testLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer trail.Close()

	trail.Record(EventOrderSent, "BTCUSDT", map[string]any{"latency_ms": 12})

	path := filepath.Join(dir, "phase_events_run1.jsonl")
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		t.Fatal("expected at least one line")
	}

	var rec Record
	if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
		t.Fatalf("unmarshal record: %v", err)
	}
	if rec.Kind != EventOrderSent || rec.Symbol != "BTCUSDT" {
		t.Errorf("unexpected record: %+v", rec)
	}
}

func TestOpenAppendsAcrossReopens(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	trail1, _ := Open(dir, "run2", testLogger())
	trail1.Record(EventPhaseTransition, "ETHUSDT", nil)
	trail1.Close()

	trail2, err := Open(dir, "run2", testLogger())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer trail2.Close()
	trail2.Record(EventPhaseTransition, "ETHUSDT", nil)

	path := filepath.Join(dir, "phase_events_run2.jsonl")
	f, _ := os.Open(path)
	defer f.Close()
	scanner := bufio.NewScanner(f)
	lines := 0
	for scanner.Scan() {
		lines++
	}
	if lines != 2 {
		t.Errorf("expected 2 lines across reopen, got %d", lines)
	}
}

type fakeBus struct {
	ch chan any
}

func (b *fakeBus) Subscribe(topic string) <-chan any { return b.ch }

func TestFollowTopicDrainsWithoutBlocking(t *testing.T) {
	dir := t.TempDir()
	trail, _ := Open(dir, "run3", testLogger())
	defer trail.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fb := &fakeBus{ch: make(chan any, 1)}
	trail.FollowTopic(ctx, fb, "order.sent", EventOrderSent, func(p any) string { return "BTCUSDT" })

	fb.ch <- "payload"

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		data, err := os.ReadFile(filepath.Join(dir, "phase_events_run3.jsonl"))
		if err == nil && len(data) > 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected FollowTopic to append a record")
}
