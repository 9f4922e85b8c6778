package ics

import (
	"errors"
	"strings"
	"time"

	"github.com/teambition/rrule-go"

	appLog "slotbook/internal/log"
)

const defaultMaxOccurrences = 200

// Occurrence is one concrete start/end pair produced by a recurrence rule.
type Occurrence struct {
	Start time.Time
	End   time.Time
}

// ExpandResult wraps the expanded occurrences and whether the cap cut the
// series short.
type ExpandResult struct {
	Occurrences []Occurrence
	Truncated   bool
}

// ExpandRecurring expands rule (RFC 5545 RRULE, with or without the
// "RRULE:" prefix) anchored at start. Every occurrence keeps the
// start→end duration. An empty rule yields the single template
// occurrence. At most limit occurrences are produced; zero means the
// package default.
func ExpandRecurring(start, end time.Time, rule string, limit int) (ExpandResult, error) {
	var result ExpandResult

	if !end.After(start) {
		return result, errors.New("expand: end is not after start")
	}
	if limit <= 0 {
		limit = defaultMaxOccurrences
	}

	rule = strings.TrimSpace(rule)
	if len(rule) >= 6 && strings.EqualFold(rule[:6], "RRULE:") {
		rule = rule[6:]
	}
	if rule == "" {
		result.Occurrences = []Occurrence{{Start: start, End: end}}
		return result, nil
	}

	r, err := rrule.StrToRRule(rule)
	if err != nil {
		return result, err
	}
	r.DTStart(start)

	dur := end.Sub(start)
	next := r.Iterator()
	for {
		occStart, ok := next()
		if !ok {
			break
		}
		if len(result.Occurrences) == limit {
			result.Truncated = true
			appLog.Error("expand: recurrence truncated",
				errors.New("max occurrences reached"),
				"rule", rule,
				"cap", limit,
			)
			break
		}
		result.Occurrences = append(result.Occurrences, Occurrence{
			Start: occStart,
			End:   occStart.Add(dur),
		})
	}
	return result, nil
}
