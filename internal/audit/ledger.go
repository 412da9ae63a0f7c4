// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package audit

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// ERRORS AND INTERFACES
// =============================================================================

// ErrLedgerUnavailable is returned when an event cannot be recorded. Callers
// must treat it as fatal for the request that produced the event.
var ErrLedgerUnavailable = errors.New("audit ledger unavailable")

// Store is durable backing for a ledger. Append is called while the ledger
// holds its writer lock, so it observes events in sequence order.
type Store interface {
	Append(ctx context.Context, e Event) error
	Load(ctx context.Context) ([]Event, error)
	Close() error
}

// Sink receives a copy of every appended event after it is committed.
// Sink errors are logged and never fail an append.
type Sink interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// DefaultStoreTimeout bounds a single durable write.
const DefaultStoreTimeout = 2 * time.Second

// sinkBuffer is the number of events queued for sinks before new ones are dropped.
const sinkBuffer = 1024

// =============================================================================
// LEDGER
// =============================================================================

// Ledger is an append-only, totally ordered event log.
//
// Writers are serialized by writeMu for the whole append including the
// durable write. Readers only take mu long enough to copy the slice header,
// so queries never wait on store I/O and always see a consistent prefix.
type Ledger struct {
	writeMu sync.Mutex
	lastSeq uint64
	tail    string
	closed  bool

	mu     sync.RWMutex
	events []Event

	store        Store
	storeTimeout time.Duration
	sinks        []Sink
	sinkCh       chan Event
	sinkDone     chan struct{}
	now          func() time.Time
}

// LedgerOption configures a Ledger.
type LedgerOption func(*Ledger)

// WithStore persists every event to s. Existing events are replayed from s
// when the ledger is opened.
func WithStore(s Store) LedgerOption {
	return func(l *Ledger) {
		l.store = s
	}
}

// WithStoreTimeout bounds each durable write.
func WithStoreTimeout(d time.Duration) LedgerOption {
	return func(l *Ledger) {
		if d > 0 {
			l.storeTimeout = d
		}
	}
}

// WithSink forwards committed events to s.
func WithSink(s Sink) LedgerOption {
	return func(l *Ledger) {
		if s != nil {
			l.sinks = append(l.sinks, s)
		}
	}
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) LedgerOption {
	return func(l *Ledger) {
		if now != nil {
			l.now = now
		}
	}
}

// NewLedger creates an in-memory ledger with no store and no sinks.
func NewLedger(opts ...LedgerOption) *Ledger {
	l, _ := Open(context.Background(), opts...)
	return l
}

// Open creates a ledger and, when a store is configured, replays its events
// and checks the hash chain before accepting new appends.
func Open(ctx context.Context, opts ...LedgerOption) (*Ledger, error) {
	l := &Ledger{
		tail:         GenesisHash,
		storeTimeout: DefaultStoreTimeout,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}

	if l.store != nil {
		existing, err := l.store.Load(ctx)
		if err != nil {
			return nil, fmt.Errorf("audit: load store: %w", err)
		}
		l.events = existing
		if res := verifyChain(existing); !res.OK {
			return nil, fmt.Errorf("audit: stored chain broken at seq %d: %s", res.BrokenAt, res.Reason)
		}
		if n := len(existing); n > 0 {
			l.lastSeq = existing[n-1].Seq
			l.tail = existing[n-1].Hash
		}
		log.Printf("AUDIT_LEDGER_LOADED | events=%d last_seq=%d", len(existing), l.lastSeq)
	}

	if len(l.sinks) > 0 {
		l.sinkCh = make(chan Event, sinkBuffer)
		l.sinkDone = make(chan struct{})
		go l.forward()
	}
	return l, nil
}

// Append records e and returns its sequence number. Seq, ID, PrevHash and
// Hash are assigned here; Timestamp is set when zero.
//
// If the durable store rejects the write the sequence number is not used,
// so numbering stays gap-free.
func (l *Ledger) Append(ctx context.Context, e Event) (uint64, error) {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	if l.closed {
		return 0, fmt.Errorf("%w: closed", ErrLedgerUnavailable)
	}

	e = e.clone()
	e.Seq = l.lastSeq + 1
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = l.now()
	}
	e.Timestamp = e.Timestamp.UTC()
	e.PrevHash = l.tail

	hash, err := ComputeHash(e)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
	}
	e.Hash = hash

	if l.store != nil {
		storeCtx, cancel := context.WithTimeout(ctx, l.storeTimeout)
		err := l.store.Append(storeCtx, e)
		cancel()
		if err != nil {
			log.Printf("AUDIT_WRITE_FAILED | seq=%d type=%s error=%v", e.Seq, e.Type, err)
			return 0, fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
		}
	}

	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()

	l.lastSeq = e.Seq
	l.tail = e.Hash

	if l.sinkCh != nil {
		select {
		case l.sinkCh <- e.clone():
		default:
			log.Printf("AUDIT_SINK_DROP | seq=%d reason=buffer_full", e.Seq)
		}
	}
	return e.Seq, nil
}

// snapshot returns the committed prefix. The returned slice is never
// written to again because appends only extend past its length.
func (l *Ledger) snapshot() []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.events[:len(l.events):len(l.events)]
}

// Len returns the number of committed events.
func (l *Ledger) Len() int {
	return len(l.snapshot())
}

// LastSeq returns the sequence number of the newest event, or 0.
func (l *Ledger) LastSeq() uint64 {
	snap := l.snapshot()
	if len(snap) == 0 {
		return 0
	}
	return snap[len(snap)-1].Seq
}

// Query returns events matching f in ascending sequence order.
func (l *Ledger) Query(f Filter) []Event {
	return f.Apply(l.snapshot())
}

// Count returns how many events match f. Limit is ignored.
func (l *Ledger) Count(f Filter) int {
	n := 0
	for _, e := range l.snapshot() {
		if f.Match(e) {
			n++
		}
	}
	return n
}

// Verify walks the hash chain of the committed events.
func (l *Ledger) Verify() VerifyResult {
	return verifyChain(l.snapshot())
}

// Close stops sink forwarding and closes the store and sinks. Appends after
// Close fail with ErrLedgerUnavailable.
func (l *Ledger) Close() error {
	l.writeMu.Lock()
	if l.closed {
		l.writeMu.Unlock()
		return nil
	}
	l.closed = true
	l.writeMu.Unlock()

	if l.sinkCh != nil {
		close(l.sinkCh)
		<-l.sinkDone
	}

	var errs []error
	for _, s := range l.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if l.store != nil {
		if err := l.store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// forward drains the sink queue until Close.
func (l *Ledger) forward() {
	defer close(l.sinkDone)
	for e := range l.sinkCh {
		for _, s := range l.sinks {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := s.Publish(ctx, e); err != nil {
				log.Printf("AUDIT_SINK_ERROR | seq=%d error=%v", e.Seq, err)
			}
			cancel()
		}
	}
}

// =============================================================================
// CHAIN VERIFICATION
// =============================================================================

// VerifyResult reports the outcome of a hash-chain walk.
type VerifyResult struct {
	OK       bool   `json:"ok"`
	Events   int    `json:"events"`
	BrokenAt uint64 `json:"broken_at,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// VerifyEvents checks sequence continuity, prev_hash linkage and each
// event's own hash.
func VerifyEvents(events []Event) VerifyResult {
	return verifyChain(events)
}

func verifyChain(events []Event) VerifyResult {
	prev := GenesisHash
	var prevSeq uint64
	for i, e := range events {
		if i > 0 && e.Seq != prevSeq+1 {
			return VerifyResult{Events: len(events), BrokenAt: e.Seq, Reason: fmt.Sprintf("sequence gap after %d", prevSeq)}
		}
		if i == 0 && e.Seq != 1 {
			return VerifyResult{Events: len(events), BrokenAt: e.Seq, Reason: "first event is not seq 1"}
		}
		if e.PrevHash != prev {
			return VerifyResult{Events: len(events), BrokenAt: e.Seq, Reason: "prev_hash mismatch"}
		}
		want, err := ComputeHash(e)
		if err != nil || want != e.Hash {
			return VerifyResult{Events: len(events), BrokenAt: e.Seq, Reason: "hash mismatch"}
		}
		prev = e.Hash
		prevSeq = e.Seq
	}
	return VerifyResult{OK: true, Events: len(events)}
}
