package ics

import (
	"bytes"
	"errors"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	appLog "slotbook/internal/log"
	"slotbook/internal/model"
)

// ParsedSlot is a slot template read from a VEVENT, before it is submitted
// to the booking service.
type ParsedSlot struct {
	UID      string
	Category string
	Start    time.Time
	End      time.Time
	RawRRule string
}

// ParseSlots reads every timed VEVENT of body. The category comes from
// CATEGORIES (first value) and falls back to defaultCategory. All-day
// events and events without a positive duration are skipped.
func ParseSlots(body []byte, loc *time.Location, defaultCategory string) ([]ParsedSlot, error) {
	if len(body) == 0 {
		return nil, errors.New("empty ICS body")
	}
	if loc == nil {
		loc = time.Local
	}

	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		appLog.Error("ics parse failed", err)
		return nil, err
	}

	out := make([]ParsedSlot, 0)
	for _, ve := range cal.Events() {
		ps, perr := parseVEvent(ve, loc, defaultCategory)
		if perr != nil {
			appLog.Error("ics vevent skipped", perr)
			continue
		}
		out = append(out, ps)
	}

	appLog.Info("ics parse completed", "event_count", len(out))
	return out, nil
}

func parseVEvent(ve *ical.VEvent, loc *time.Location, defaultCategory string) (ParsedSlot, error) {
	var out ParsedSlot

	if p := ve.GetProperty(ical.ComponentPropertyUniqueId); p != nil {
		out.UID = p.Value
	}

	dtStart := ve.GetProperty(ical.ComponentPropertyDtStart)
	if dtStart == nil {
		return out, errors.New("missing DTSTART")
	}
	if !strings.Contains(dtStart.Value, "T") {
		return out, errors.New("all-day event")
	}
	if params := dtStart.ICalParameters; params != nil {
		if vs, ok := params["VALUE"]; ok && len(vs) > 0 && strings.EqualFold(vs[0], "DATE") {
			return out, errors.New("all-day event")
		}
	}

	start, err := ve.GetStartAt()
	if err != nil {
		return out, err
	}
	end, err := ve.GetEndAt()
	if err != nil {
		return out, err
	}
	out.Start = start.In(loc)
	out.End = end.In(loc)
	if !out.End.After(out.Start) {
		return out, errors.New("event has no positive duration")
	}

	out.Category = defaultCategory
	if p := ve.GetProperty(ical.ComponentPropertyCategories); p != nil {
		if first := strings.TrimSpace(strings.Split(p.Value, ",")[0]); first != "" {
			out.Category = first
		}
	}

	if p := ve.GetProperty(ical.ComponentPropertyRrule); p != nil {
		out.RawRRule = p.Value
	}

	return out, nil
}

// Slots expands every parsed template (including its RRULE, if any) into
// unsaved slots with wall-clock timestamps. At most limit slots are
// returned in total.
func Slots(parsed []ParsedSlot, limit int, withOffset bool) ([]model.TimeSlot, bool) {
	if limit <= 0 {
		limit = defaultMaxOccurrences
	}
	out := make([]model.TimeSlot, 0, len(parsed))
	for i, p := range parsed {
		if len(out) >= limit {
			return out, true
		}
		res, err := ExpandRecurring(p.Start, p.End, p.RawRRule, limit-len(out))
		if err != nil {
			appLog.Error("ics expand failed", err, "uid", p.UID, "rrule", p.RawRRule)
			continue
		}
		for _, occ := range res.Occurrences {
			out = append(out, model.TimeSlot{
				Category:  p.Category,
				StartTime: model.FormatWallClock(occ.Start, withOffset),
				EndTime:   model.FormatWallClock(occ.End, withOffset),
			})
		}
		if res.Truncated || (len(out) >= limit && i < len(parsed)-1) {
			return out, true
		}
	}
	return out, false
}
