// Package eventlog persists the append-only per-table event record.
// Lifecycle events are awaited and retried once; everything else is
// written fire-and-forget so a slow store never stalls gameplay.
package eventlog

import (
	"context"
	"encoding/json"
	"time"

	"pokerarena/holdem"
	"pokerarena/internal/store"

	"github.com/charmbracelet/log"
	"github.com/coder/quartz"
)

const defaultRetryBackoff = 200 * time.Millisecond

var criticalTypes = map[string]bool{
	holdem.EventTableStarted: true,
	holdem.EventHandStart:    true,
	holdem.EventHandComplete: true,
	holdem.EventTableEnded:   true,
}

type Log struct {
	store   store.Store
	clock   quartz.Clock
	logger  *log.Logger
	backoff time.Duration
}

func New(st store.Store, clock quartz.Clock, logger *log.Logger) *Log {
	return &Log{
		store:   st,
		clock:   clock,
		logger:  logger.With("component", "eventlog"),
		backoff: defaultRetryBackoff,
	}
}

// Append writes one event. For lifecycle types the write is awaited with
// a single retry; other types are dispatched asynchronously and their
// failures only logged.
func (l *Log) Append(ctx context.Context, tableID string, ev holdem.Event) error {
	rec, err := l.record(tableID, ev)
	if err != nil {
		return err
	}

	if criticalTypes[ev.Type] {
		if err := l.store.AppendEvent(ctx, rec); err != nil {
			l.logger.Warn("lifecycle event write failed, retrying",
				"table", tableID, "type", ev.Type, "seq", ev.Seq, "err", err)
			timer := l.clock.NewTimer(l.backoff)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			}
			if err := l.store.AppendEvent(ctx, rec); err != nil {
				l.logger.Error("lifecycle event write failed",
					"table", tableID, "type", ev.Type, "seq", ev.Seq, "err", err)
				return err
			}
		}
		return nil
	}

	go func() {
		if err := l.store.AppendEvent(context.Background(), rec); err != nil {
			l.logger.Warn("event write dropped",
				"table", tableID, "type", ev.Type, "seq", ev.Seq, "err", err)
		}
	}()
	return nil
}

// AppendAll writes a transition's events in order, preserving per-table
// write ordering for the critical ones.
func (l *Log) AppendAll(ctx context.Context, tableID string, events []holdem.Event) error {
	for _, ev := range events {
		if err := l.Append(ctx, tableID, ev); err != nil {
			return err
		}
	}
	return nil
}

// Range reads back a slice of the log starting at fromSeq.
func (l *Log) Range(ctx context.Context, tableID string, fromSeq uint64, limit int) ([]store.EventRecord, error) {
	return l.store.ListEvents(ctx, tableID, fromSeq, limit)
}

func (l *Log) record(tableID string, ev holdem.Event) (store.EventRecord, error) {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return store.EventRecord{}, err
	}
	return store.EventRecord{
		TableID:    tableID,
		Seq:        ev.Seq,
		HandNumber: ev.HandNumber,
		Type:       ev.Type,
		Payload:    payload,
		CreatedAt:  l.clock.Now(),
	}, nil
}
