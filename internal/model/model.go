package model

import (
	"errors"
	"math"
	"sort"
	"strings"
	"time"
)

// WallClockLayout is the service's timestamp format: local wall-clock
// components with no zone designator.
const WallClockLayout = "2006-01-02T15:04:05"

// FormInputLayout is the minute-precision layout used by form fields.
const FormInputLayout = "2006-01-02T15:04"

// DateLayout is the week_start query format.
const DateLayout = "2006-01-02"

// TimeSlot is a bookable interval tagged with a category. A nil UserID
// means the slot is available; otherwise it is booked by that user.
type TimeSlot struct {
	ID        *int   `json:"id,omitempty"`
	Category  string `json:"category"`
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
	UserID    *int   `json:"user_id,omitempty"`
}

// Available reports whether nobody has claimed the slot.
func (s TimeSlot) Available() bool {
	return s.UserID == nil
}

// BookedBy reports whether the slot is claimed by userID.
func (s TimeSlot) BookedBy(userID int) bool {
	return s.UserID != nil && *s.UserID == userID
}

// HasID reports whether the slot has been persisted.
func (s TimeSlot) HasID() bool {
	return s.ID != nil
}

// Status returns the display label for the slot's occupancy.
func (s TimeSlot) Status() string {
	if s.Available() {
		return "Available"
	}
	return "Booked"
}

// Start parses StartTime as wall-clock time in loc.
func (s TimeSlot) Start(loc *time.Location) (time.Time, error) {
	return ParseWallClock(s.StartTime, loc)
}

// End parses EndTime as wall-clock time in loc.
func (s TimeSlot) End(loc *time.Location) (time.Time, error) {
	return ParseWallClock(s.EndTime, loc)
}

// IntPtr returns a pointer to v.
func IntPtr(v int) *int {
	return &v
}

var wallClockLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	FormInputLayout,
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04",
	DateLayout,
}

// ParseWallClock parses a zone-less timestamp as wall-clock time in loc.
// Values that do carry an offset are accepted and converted into loc.
func ParseWallClock(v string, loc *time.Location) (time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, errors.New("empty timestamp")
	}
	if loc == nil {
		loc = time.Local
	}
	if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
		return t.In(loc), nil
	}
	var lastErr error
	for _, layout := range wallClockLayouts {
		t, err := time.ParseInLocation(layout, v, loc)
		if err == nil {
			return t, nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}

// FormatWallClock renders t's local wall-clock components without any
// UTC conversion. With withOffset the zone offset is appended.
func FormatWallClock(t time.Time, withOffset bool) string {
	if withOffset {
		return t.Format("2006-01-02T15:04:05-07:00")
	}
	return t.Format(WallClockLayout)
}

// FormatDate renders the date part of t as YYYY-MM-DD.
func FormatDate(t time.Time) string {
	return t.Format(DateLayout)
}

// SortByStart returns a new slice sorted by start time, ascending or
// descending. Ties are broken by id, then by input position; unparseable
// start times sort after every parseable one. The descending order is the
// exact reverse of the ascending one. The input is not modified.
func SortByStart(slots []TimeSlot, loc *time.Location, descending bool) []TimeSlot {
	type keyed struct {
		slot TimeSlot
		at   time.Time
		ok   bool
		idx  int
	}
	ks := make([]keyed, len(slots))
	for i, s := range slots {
		at, err := s.Start(loc)
		ks[i] = keyed{slot: s, at: at, ok: err == nil, idx: i}
	}
	sort.Slice(ks, func(i, j int) bool {
		a, b := ks[i], ks[j]
		if a.ok != b.ok {
			return a.ok
		}
		if a.ok && !a.at.Equal(b.at) {
			return a.at.Before(b.at)
		}
		if ai, bi := idOrMax(a.slot.ID), idOrMax(b.slot.ID); ai != bi {
			return ai < bi
		}
		return a.idx < b.idx
	})
	out := make([]TimeSlot, len(ks))
	for i, k := range ks {
		if descending {
			out[len(ks)-1-i] = k.slot
		} else {
			out[i] = k.slot
		}
	}
	return out
}

func idOrMax(id *int) int {
	if id == nil {
		return math.MaxInt
	}
	return *id
}

// FilterBooked returns the booked slots when booked is true, the available
// ones otherwise.
func FilterBooked(slots []TimeSlot, booked bool) []TimeSlot {
	out := make([]TimeSlot, 0, len(slots))
	for _, s := range slots {
		if s.Available() != booked {
			out = append(out, s)
		}
	}
	return out
}

// CountBooked returns the number of booked and available slots.
func CountBooked(slots []TimeSlot) (booked, available int) {
	for _, s := range slots {
		if s.Available() {
			available++
		} else {
			booked++
		}
	}
	return booked, available
}
