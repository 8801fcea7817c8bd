/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package resolver picks which schedule entry a screen should show at an
// instant. It is pure and deterministic: the same candidates and instant
// always produce the same outcome, so re-evaluation is idempotent.
package resolver

import (
	"sort"
	"time"

	"github.com/friendsincode/heimdall_signage/internal/interval"
)

// Candidate is one approved entry eligible for a screen.
type Candidate struct {
	EntryID   string
	ContentID string
	Name      string
	Priority  int
	CreatedAt time.Time
	Interval  interval.Interval
}

// Outcome is the result of resolving one screen at one instant.
// Applicable is sorted winner-first; Winner is nil when nothing applies
// and the screen should fall back to its idle content.
type Outcome struct {
	At         time.Time
	Winner     *Candidate
	Applicable []Candidate
}

// Resolve filters candidates to those whose interval contains `at` and
// ranks them. Higher priority wins; within a priority level the newest
// entry wins; entry ID ascending anchors a total order under equal
// timestamps.
func Resolve(at time.Time, candidates []Candidate) Outcome {
	applicable := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		if c.Interval.Contains(at) {
			applicable = append(applicable, c)
		}
	}

	sort.Slice(applicable, func(i, j int) bool {
		return ranksAhead(applicable[i], applicable[j])
	})

	out := Outcome{At: at, Applicable: applicable}
	if len(applicable) > 0 {
		winner := applicable[0]
		out.Winner = &winner
	}
	return out
}

// ranksAhead reports whether a beats b in the resolution order.
func ranksAhead(a, b Candidate) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.EntryID < b.EntryID
}

// Explanation describes one candidate's standing in an outcome.
type Explanation struct {
	EntryID  string `json:"entry_id"`
	Name     string `json:"name"`
	Priority int    `json:"priority"`
	Rank     int    `json:"rank"`
	Won      bool   `json:"won"`
	Reason   string `json:"reason"`
}

// Explain renders the outcome as an ordered candidate list with
// win/lose reasons, for the preview endpoint and for operators asking
// why a screen shows what it shows.
func Explain(o Outcome) []Explanation {
	out := make([]Explanation, 0, len(o.Applicable))
	for i, c := range o.Applicable {
		e := Explanation{
			EntryID:  c.EntryID,
			Name:     c.Name,
			Priority: c.Priority,
			Rank:     i + 1,
			Won:      i == 0,
		}
		switch {
		case i == 0:
			e.Reason = "won"
		case c.Priority < o.Applicable[0].Priority:
			e.Reason = "lower priority than winner"
		case c.CreatedAt.Before(o.Applicable[0].CreatedAt):
			e.Reason = "older than winner at same priority"
		default:
			e.Reason = "loses id tiebreak at same priority and age"
		}
		out = append(out, e)
	}
	return out
}
