package ics

import (
	"strings"
	"testing"
	"time"

	"slotbook/internal/model"
)

func TestExpandRecurring(t *testing.T) {
	loc := time.UTC
	start := time.Date(2026, 2, 2, 9, 0, 0, 0, loc)
	end := start.Add(90 * time.Minute)

	t.Run("weekly count", func(t *testing.T) {
		res, err := ExpandRecurring(start, end, "RRULE:FREQ=WEEKLY;COUNT=4", 0)
		if err != nil {
			t.Fatalf("expand: %v", err)
		}
		if len(res.Occurrences) != 4 || res.Truncated {
			t.Fatalf("got %d occurrences truncated=%v", len(res.Occurrences), res.Truncated)
		}
		for i, occ := range res.Occurrences {
			want := start.AddDate(0, 0, 7*i)
			if !occ.Start.Equal(want) {
				t.Fatalf("occ[%d].Start = %v, want %v", i, occ.Start, want)
			}
			if occ.End.Sub(occ.Start) != 90*time.Minute {
				t.Fatalf("occ[%d] duration = %v", i, occ.End.Sub(occ.Start))
			}
		}
	})

	t.Run("unbounded rule is capped", func(t *testing.T) {
		res, err := ExpandRecurring(start, end, "FREQ=DAILY", 3)
		if err != nil {
			t.Fatalf("expand: %v", err)
		}
		if len(res.Occurrences) != 3 || !res.Truncated {
			t.Fatalf("got %d occurrences truncated=%v", len(res.Occurrences), res.Truncated)
		}
	})

	t.Run("empty rule is the template", func(t *testing.T) {
		res, err := ExpandRecurring(start, end, "  ", 0)
		if err != nil {
			t.Fatalf("expand: %v", err)
		}
		if len(res.Occurrences) != 1 || !res.Occurrences[0].Start.Equal(start) {
			t.Fatalf("got %+v", res.Occurrences)
		}
	})

	t.Run("invalid input", func(t *testing.T) {
		if _, err := ExpandRecurring(start, end, "FREQ=SOMETIMES", 0); err == nil {
			t.Fatal("expected error for bad rule")
		}
		if _, err := ExpandRecurring(end, start, "", 0); err == nil {
			t.Fatal("expected error for inverted range")
		}
	})
}

func TestExport_ParsesBack(t *testing.T) {
	slots := []model.TimeSlot{
		{ID: model.IntPtr(1), Category: "Cat 1", StartTime: "2026-02-03T09:00:00", EndTime: "2026-02-03T10:00:00"},
		{ID: model.IntPtr(2), Category: "Cat 1", StartTime: "2026-02-03T10:00:00", EndTime: "2026-02-03T11:00:00", UserID: model.IntPtr(1)},
		{ID: model.IntPtr(3), Category: "Cat 1", StartTime: "not a time", EndTime: "2026-02-03T11:00:00"},
	}

	data, err := Export(slots, time.UTC, ExportOptions{Name: "Cat 1", UserID: 1})
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	text := string(data)
	for _, want := range []string{"BEGIN:VCALENDAR", "slot-1@slotbook.local", "slot-2@slotbook.local", "booked by you"} {
		if !strings.Contains(text, want) {
			t.Fatalf("export missing %q:\n%s", want, text)
		}
	}
	if strings.Contains(text, "slot-3@") {
		t.Fatal("unparseable slot was exported")
	}

	parsed, err := ParseSlots(data, time.UTC, "fallback")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(parsed) != 2 {
		t.Fatalf("parsed %d events, want 2", len(parsed))
	}
	for _, p := range parsed {
		if p.Category != "Cat 1" {
			t.Fatalf("category = %q", p.Category)
		}
		if p.End.Sub(p.Start) != time.Hour {
			t.Fatalf("duration = %v", p.End.Sub(p.Start))
		}
	}
}

const importFixture = "BEGIN:VCALENDAR\r\n" +
	"VERSION:2.0\r\n" +
	"PRODID:-//test//EN\r\n" +
	"BEGIN:VEVENT\r\n" +
	"UID:weekly@test\r\n" +
	"DTSTAMP:20260101T000000Z\r\n" +
	"DTSTART:20260202T090000Z\r\n" +
	"DTEND:20260202T100000Z\r\n" +
	"CATEGORIES:Cat 2\r\n" +
	"RRULE:FREQ=WEEKLY;COUNT=3\r\n" +
	"END:VEVENT\r\n" +
	"BEGIN:VEVENT\r\n" +
	"UID:allday@test\r\n" +
	"DTSTAMP:20260101T000000Z\r\n" +
	"DTSTART;VALUE=DATE:20260203\r\n" +
	"DTEND;VALUE=DATE:20260204\r\n" +
	"END:VEVENT\r\n" +
	"BEGIN:VEVENT\r\n" +
	"UID:single@test\r\n" +
	"DTSTAMP:20260101T000000Z\r\n" +
	"DTSTART:20260205T140000Z\r\n" +
	"DTEND:20260205T150000Z\r\n" +
	"END:VEVENT\r\n" +
	"END:VCALENDAR\r\n"

func TestParseSlots_ImportFixture(t *testing.T) {
	parsed, err := ParseSlots([]byte(importFixture), time.UTC, "Cat 1")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(parsed) != 2 {
		t.Fatalf("parsed %d events, want 2 (all-day skipped)", len(parsed))
	}

	slots, truncated := Slots(parsed, 0, false)
	if truncated {
		t.Fatal("unexpected truncation")
	}
	if len(slots) != 4 {
		t.Fatalf("slots = %d, want 3 weekly + 1 single", len(slots))
	}
	if slots[0].StartTime != "2026-02-02T09:00:00" || slots[0].Category != "Cat 2" {
		t.Fatalf("first slot = %+v", slots[0])
	}
	if slots[2].StartTime != "2026-02-16T09:00:00" {
		t.Fatalf("third slot = %+v", slots[2])
	}
	if slots[3].Category != "Cat 1" || slots[3].EndTime != "2026-02-05T15:00:00" {
		t.Fatalf("single slot = %+v", slots[3])
	}

	capped, truncated := Slots(parsed, 2, false)
	if !truncated || len(capped) != 2 {
		t.Fatalf("capped = %d truncated=%v", len(capped), truncated)
	}
}

func TestParseSlots_Empty(t *testing.T) {
	if _, err := ParseSlots(nil, time.UTC, "Cat 1"); err == nil {
		t.Fatal("expected error")
	}
}
