// Package audit writes a structured, append-only JSONL record of every
// phase transition and order-lifecycle event, so no failure along either
// path is ever silent.
//
// Appends use the same write-then-rename-free, O_APPEND idiom the store
// package uses for atomic single-writer files — here a pure append instead
// of whole-file replacement, since each record is independent and ordering
// (not atomic replace) is the invariant that matters.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// EventKind names one category of audited event.
type EventKind string

const (
	EventPhaseTransition  EventKind = "PHASE_TRANSITION"
	EventOrderSent        EventKind = "ORDER_SENT"
	EventOrderFailed      EventKind = "ORDER_FAILED"
	EventOrderFilled      EventKind = "ORDER_FILLED"
	EventGuardBlocked     EventKind = "GUARD_BLOCKED"
	EventExitDecision     EventKind = "EXIT_DECISION"
	EventExitBlocked      EventKind = "EXIT_BLOCKED_LOW_LIQUIDITY"
	EventProtectionSwitch EventKind = "PROTECTION_SWITCH"
	EventReconcile        EventKind = "RECONCILE"
)

// Record is one JSONL line.
type Record struct {
	Time   time.Time      `json:"time"`
	Kind   EventKind      `json:"kind"`
	Symbol string         `json:"symbol"`
	Fields map[string]any `json:"fields,omitempty"`
}

// Trail appends audit records to a run-scoped JSONL file.
type Trail struct {
	mu     sync.Mutex
	file   *os.File
	logger *slog.Logger
}

// Open creates (or appends to) the phase/order event log for runID under dir.
func Open(dir, runID string, logger *slog.Logger) (*Trail, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("phase_events_%s.jsonl", runID))
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	return &Trail{file: f, logger: logger.With("component", "audit")}, nil
}

// Record appends one event. Never returns an error to the caller — a
// logging failure must not interrupt the trading path; it is logged instead.
func (t *Trail) Record(kind EventKind, symbol string, fields map[string]any) {
	rec := Record{Time: time.Now(), Kind: kind, Symbol: symbol, Fields: fields}

	data, err := json.Marshal(rec)
	if err != nil {
		t.logger.Error("marshal audit record failed", "error", err)
		return
	}
	data = append(data, '\n')

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, err := t.file.Write(data); err != nil {
		t.logger.Error("write audit record failed", "error", err)
	}
}

// Close flushes and closes the underlying file.
func (t *Trail) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.file.Close()
}

// bus is the minimal subscribe surface the audit trail needs, satisfied by
// *eventbus.Bus. Declared locally to avoid an import cycle: the event bus
// has no reason to know about audit, but audit subscribes to it.
type bus interface {
	Subscribe(topic string) <-chan any
}

// FollowTopic starts a goroutine draining topic and appending one record
// per payload as kind, until ctx is cancelled. Never blocks the publisher —
// the event bus already drops rather than blocks on a full channel, and
// this goroutine is that channel's only reader.
func (t *Trail) FollowTopic(ctx context.Context, b bus, topic string, kind EventKind, symbolOf func(any) string) {
	ch := b.Subscribe(topic)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case payload, ok := <-ch:
				if !ok {
					return
				}
				symbol := ""
				if symbolOf != nil {
					symbol = symbolOf(payload)
				}
				t.Record(kind, symbol, map[string]any{"payload": payload})
			}
		}
	}()
}
