// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package audit

import (
	"context"
	"errors"
	"net/url"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// TEST DOUBLES
// =============================================================================

type failingStore struct {
	mu     sync.Mutex
	fail   bool
	stored []Event
}

func (s *failingStore) Append(_ context.Context, e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("disk full")
	}
	s.stored = append(s.stored, e)
	return nil
}

func (s *failingStore) Load(context.Context) ([]Event, error) { return nil, nil }
func (s *failingStore) Close() error                          { return nil }

type recordingSink struct {
	mu     sync.Mutex
	events []Event
	closed bool
}

func (s *recordingSink) Publish(_ context.Context, e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

func (s *recordingSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// =============================================================================
// APPEND / ORDERING
// =============================================================================

func TestLedger_AppendAssignsSequence(t *testing.T) {
	l := NewLedger()
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		seq, err := l.Append(ctx, Event{Kind: KindAuth, Type: TypeLoginFail, Actor: "analyst"})
		require.NoError(t, err)
		if seq != uint64(i) {
			t.Errorf("Append() seq = %d, want %d", seq, i)
		}
	}

	events := l.Query(Filter{})
	require.Len(t, events, 3)
	assert.Equal(t, GenesisHash, events[0].PrevHash)
	assert.Equal(t, events[0].Hash, events[1].PrevHash)
	assert.NotEmpty(t, events[2].ID)
	assert.Equal(t, time.UTC, events[0].Timestamp.Location())
}

func TestLedger_ConcurrentAppendsAreGapFree(t *testing.T) {
	l := NewLedger()
	ctx := context.Background()

	const writers = 32
	const perWriter = 50

	var wg sync.WaitGroup
	seqs := make(chan uint64, writers*perWriter)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				seq, err := l.Append(ctx, Event{Kind: KindPolicy, Type: TypePolicyDecision})
				if err != nil {
					t.Errorf("Append() error = %v", err)
					return
				}
				seqs <- seq
			}
		}()
	}

	// Readers run alongside writers and must always see a valid prefix.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			snap := l.Query(Filter{})
			for j := 1; j < len(snap); j++ {
				if snap[j].Seq != snap[j-1].Seq+1 {
					t.Errorf("snapshot gap between %d and %d", snap[j-1].Seq, snap[j].Seq)
					return
				}
			}
		}
	}()

	wg.Wait()
	close(seqs)
	<-done

	seen := make(map[uint64]bool)
	for s := range seqs {
		if seen[s] {
			t.Fatalf("sequence %d issued twice", s)
		}
		seen[s] = true
	}
	total := writers * perWriter
	for i := 1; i <= total; i++ {
		if !seen[uint64(i)] {
			t.Fatalf("sequence %d missing", i)
		}
	}
	assert.Equal(t, uint64(total), l.LastSeq())
	assert.True(t, l.Verify().OK)
}

func TestLedger_StoreFailureDoesNotConsumeSequence(t *testing.T) {
	store := &failingStore{}
	l, err := Open(context.Background(), WithStore(store))
	require.NoError(t, err)
	ctx := context.Background()

	_, err = l.Append(ctx, Event{Kind: KindAuth, Type: TypeLoginSuccess})
	require.NoError(t, err)

	store.fail = true
	_, err = l.Append(ctx, Event{Kind: KindAuth, Type: TypeLoginFail})
	require.ErrorIs(t, err, ErrLedgerUnavailable)
	assert.Equal(t, 1, l.Len())

	store.fail = false
	seq, err := l.Append(ctx, Event{Kind: KindAuth, Type: TypeLoginFail})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), seq)
	assert.True(t, l.Verify().OK)
}

func TestLedger_AppendAfterClose(t *testing.T) {
	l := NewLedger()
	require.NoError(t, l.Close())

	_, err := l.Append(context.Background(), Event{Kind: KindAuth})
	assert.ErrorIs(t, err, ErrLedgerUnavailable)
}

func TestLedger_EventsAreIsolatedFromCallers(t *testing.T) {
	l := NewLedger()
	md := map[string]string{"k": "v"}
	_, err := l.Append(context.Background(), Event{Kind: KindAuth, Metadata: md})
	require.NoError(t, err)

	md["k"] = "changed"
	got := l.Query(Filter{})
	got[0].Metadata["k"] = "also changed"

	assert.Equal(t, "v", l.Query(Filter{})[0].Metadata["k"])
	assert.True(t, l.Verify().OK)
}

// =============================================================================
// HASH CHAIN
// =============================================================================

func TestVerifyEvents_DetectsTampering(t *testing.T) {
	l := NewLedger()
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		_, err := l.Append(ctx, Event{Kind: KindPolicy, Type: TypePolicyDecision, Decision: "PERMIT"})
		require.NoError(t, err)
	}

	events := l.Query(Filter{})
	require.True(t, VerifyEvents(events).OK)

	edited := append([]Event(nil), events...)
	edited[2].Decision = "DENY"
	res := VerifyEvents(edited)
	assert.False(t, res.OK)
	assert.Equal(t, uint64(3), res.BrokenAt)

	dropped := append(append([]Event(nil), events[:1]...), events[2:]...)
	res = VerifyEvents(dropped)
	assert.False(t, res.OK)
	assert.Equal(t, uint64(3), res.BrokenAt)
}

// =============================================================================
// QUERY
// =============================================================================

func TestLedger_QueryFilters(t *testing.T) {
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	tick := 0
	l := NewLedger(WithClock(func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Minute)
	}))
	ctx := context.Background()

	appendOrFail := func(e Event) {
		t.Helper()
		_, err := l.Append(ctx, e)
		require.NoError(t, err)
	}
	appendOrFail(Event{Kind: KindAuth, Type: TypeLoginFail, Actor: "analyst"})                 // 12:01
	appendOrFail(Event{Kind: KindPolicy, Type: TypePolicyDecision, Actor: "analyst", Decision: "DENY"})   // 12:02
	appendOrFail(Event{Kind: KindPolicy, Type: TypePolicyDecision, Actor: "commander", Decision: "PERMIT"}) // 12:03
	appendOrFail(Event{Kind: KindPolicy, Type: TypePolicyDecision, Actor: "analyst", Decision: "PERMIT"})  // 12:04

	tests := []struct {
		name   string
		filter Filter
		want   []uint64
	}{
		{"all", Filter{}, []uint64{1, 2, 3, 4}},
		{"kind", Filter{Kind: KindPolicy}, []uint64{2, 3, 4}},
		{"actor", Filter{Actor: "analyst"}, []uint64{1, 2, 4}},
		{"decision", Filter{Decision: "permit"}, []uint64{3, 4}},
		{"since", Filter{Since: base.Add(3 * time.Minute)}, []uint64{3, 4}},
		{"until", Filter{Until: base.Add(3 * time.Minute)}, []uint64{1, 2}},
		{"limit keeps newest", Filter{Limit: 2}, []uint64{3, 4}},
		{"after seq", Filter{AfterSeq: 2}, []uint64{3, 4}},
		{"type", Filter{Type: "login_fail"}, []uint64{1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := l.Query(tt.filter)
			var seqs []uint64
			for _, e := range got {
				seqs = append(seqs, e.Seq)
			}
			assert.Equal(t, tt.want, seqs)
		})
	}

	// Count ignores the limit.
	assert.Equal(t, 2, l.Count(Filter{Kind: KindPolicy, Decision: "PERMIT", Limit: 1}))
	assert.Equal(t, 4, l.Count(Filter{}))
}

func TestParseFilter(t *testing.T) {
	q := url.Values{}
	q.Set("kind", "policy")
	q.Set("decision", "deny")
	q.Set("actor", "analyst")
	q.Set("since", "2025-03-01T12:00:00Z")
	q.Set("until", "2025-03-01T13:00:00Z")
	q.Set("limit", "25")

	f, err := ParseFilter(q)
	require.NoError(t, err)
	assert.Equal(t, KindPolicy, f.Kind)
	assert.Equal(t, "DENY", f.Decision)
	assert.Equal(t, "analyst", f.Actor)
	assert.Equal(t, 25, f.Limit)
	assert.Equal(t, time.Hour, f.Until.Sub(f.Since))

	bad := []url.Values{
		{"kind": {"network"}},
		{"decision": {"MAYBE"}},
		{"since": {"yesterday"}},
		{"limit": {"-1"}},
		{"since": {"2025-03-01T13:00:00Z"}, "until": {"2025-03-01T12:00:00Z"}},
	}
	for _, q := range bad {
		if _, err := ParseFilter(q); err == nil {
			t.Errorf("ParseFilter(%v) expected error", q)
		}
	}
}

// =============================================================================
// SINKS
// =============================================================================

func TestLedger_SinkReceivesCommittedEvents(t *testing.T) {
	sink := &recordingSink{}
	l, err := Open(context.Background(), WithSink(sink))
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := l.Append(context.Background(), Event{Kind: KindAuth, Type: TypeCredVerified})
		require.NoError(t, err)
	}
	require.NoError(t, l.Close())

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.events, 5)
	assert.Equal(t, uint64(5), sink.events[4].Seq)
	assert.True(t, sink.closed)
}

// =============================================================================
// SQLITE
// =============================================================================

func TestSQLiteStore_ReloadPreservesChain(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")
	ctx := context.Background()

	store, err := OpenSQLite(path)
	require.NoError(t, err)
	l, err := Open(ctx, WithStore(store))
	require.NoError(t, err)

	_, err = l.Append(ctx, Event{Kind: KindAuth, Type: TypeLoginSuccess, Actor: "commander",
		Metadata: map[string]string{"trust_score": "85"}})
	require.NoError(t, err)
	_, err = l.Append(ctx, Event{Kind: KindPolicy, Type: TypePolicyDecision, Actor: "commander",
		ResourceID: "C1", Decision: "PERMIT"})
	require.NoError(t, err)
	require.NoError(t, l.Close())

	store, err = OpenSQLite(path)
	require.NoError(t, err)
	reopened, err := Open(ctx, WithStore(store))
	require.NoError(t, err)
	defer reopened.Close()

	assert.Equal(t, uint64(2), reopened.LastSeq())
	assert.True(t, reopened.Verify().OK)

	seq, err := reopened.Append(ctx, Event{Kind: KindAuth, Type: TypeLoginFail})
	require.NoError(t, err)
	assert.Equal(t, uint64(3), seq)
	assert.True(t, reopened.Verify().OK)

	got, err := store.Query(ctx, Filter{Kind: KindPolicy, Decision: "permit"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "C1", got[0].ResourceID)

	got, err = store.Query(ctx, Filter{Limit: 2})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, uint64(2), got[0].Seq)
	assert.Equal(t, uint64(3), got[1].Seq)
}
