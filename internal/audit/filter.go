// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package audit

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// MaxQueryLimit caps the number of events a single query returns.
const MaxQueryLimit = 1000

// Filter selects ledger events. Zero-valued fields match everything.
// Since is inclusive and Until is exclusive.
type Filter struct {
	Kind     Kind
	Type     string
	Actor    string
	Decision string
	Since    time.Time
	Until    time.Time
	AfterSeq uint64

	// Limit keeps only the newest Limit matches. 0 means MaxQueryLimit.
	Limit int
}

// Match reports whether e satisfies the filter.
func (f Filter) Match(e Event) bool {
	if f.Kind != "" && e.Kind != f.Kind {
		return false
	}
	if f.Type != "" && !strings.EqualFold(e.Type, f.Type) {
		return false
	}
	if f.Actor != "" && e.Actor != f.Actor {
		return false
	}
	if f.Decision != "" && !strings.EqualFold(e.Decision, f.Decision) {
		return false
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && !e.Timestamp.Before(f.Until) {
		return false
	}
	if e.Seq <= f.AfterSeq {
		return false
	}
	return true
}

// Apply returns copies of the matching events in input order, trimmed to
// the newest Limit.
func (f Filter) Apply(events []Event) []Event {
	limit := f.Limit
	if limit <= 0 || limit > MaxQueryLimit {
		limit = MaxQueryLimit
	}

	// Walk backwards so the limit applies to the newest matches.
	matched := make([]Event, 0, min(limit, len(events)))
	for i := len(events) - 1; i >= 0 && len(matched) < limit; i-- {
		if f.Match(events[i]) {
			matched = append(matched, events[i].clone())
		}
	}
	for i, j := 0, len(matched)-1; i < j; i, j = i+1, j-1 {
		matched[i], matched[j] = matched[j], matched[i]
	}
	return matched
}

// ParseFilter builds a filter from URL query parameters:
// kind, type, actor, decision, since, until (RFC 3339), after_seq, limit.
func ParseFilter(q url.Values) (Filter, error) {
	var f Filter

	if v := q.Get("kind"); v != "" {
		kind, err := ParseKind(v)
		if err != nil {
			return f, err
		}
		f.Kind = kind
	}
	f.Type = strings.TrimSpace(q.Get("type"))
	f.Actor = strings.TrimSpace(q.Get("actor"))

	if v := q.Get("decision"); v != "" {
		d := strings.ToUpper(strings.TrimSpace(v))
		if d != "PERMIT" && d != "DENY" {
			return f, fmt.Errorf("decision must be PERMIT or DENY, got %q", v)
		}
		f.Decision = d
	}

	var err error
	if f.Since, err = parseTime(q.Get("since")); err != nil {
		return f, fmt.Errorf("since: %w", err)
	}
	if f.Until, err = parseTime(q.Get("until")); err != nil {
		return f, fmt.Errorf("until: %w", err)
	}
	if !f.Since.IsZero() && !f.Until.IsZero() && !f.Until.After(f.Since) {
		return f, fmt.Errorf("until must be after since")
	}

	if v := q.Get("after_seq"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return f, fmt.Errorf("after_seq: %w", err)
		}
		f.AfterSeq = n
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return f, fmt.Errorf("limit must be a non-negative integer")
		}
		f.Limit = n
	}
	return f, nil
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, s)
}
