package ics

import (
	"strconv"
	"time"

	ical "github.com/arran4/golang-ical"

	appLog "slotbook/internal/log"
	"slotbook/internal/model"
)

// ExportOptions controls calendar-level metadata of an export.
type ExportOptions struct {
	// Name becomes X-WR-CALNAME.
	Name string
	// Host is the UID domain, e.g. "slotbook.local".
	Host string
	// UserID marks slots booked by this user as such in the summary.
	UserID int
	// Now stamps DTSTAMP. Zero means time.Now.
	Now time.Time
}

// Export renders slots as an iCalendar document. Slot timestamps are
// interpreted as wall-clock time in loc. Slots whose times do not parse
// are skipped.
func Export(slots []model.TimeSlot, loc *time.Location, opts ExportOptions) ([]byte, error) {
	if opts.Host == "" {
		opts.Host = "slotbook.local"
	}
	if opts.Now.IsZero() {
		opts.Now = time.Now()
	}

	cal := ical.NewCalendar()
	cal.SetMethod(ical.MethodPublish)
	cal.SetProductId("-//slotbook//booking export//EN")
	if opts.Name != "" {
		cal.SetXWRCalName(opts.Name)
	}

	exported := 0
	for _, s := range slots {
		start, err := s.Start(loc)
		if err != nil {
			appLog.Error("ics export: bad start time", err, "start_time", s.StartTime)
			continue
		}
		end, err := s.End(loc)
		if err != nil {
			appLog.Error("ics export: bad end time", err, "end_time", s.EndTime)
			continue
		}

		ev := cal.AddEvent(slotUID(s, start, opts.Host))
		ev.SetDtStampTime(opts.Now)
		ev.SetStartAt(start)
		ev.SetEndAt(end)
		ev.SetProperty(ical.ComponentPropertyCategories, s.Category)

		summary := s.Category
		switch {
		case s.Available():
			ev.SetStatus(ical.ObjectStatusTentative)
		case s.BookedBy(opts.UserID):
			summary += " (booked by you)"
			ev.SetStatus(ical.ObjectStatusConfirmed)
		default:
			summary += " (booked)"
			ev.SetStatus(ical.ObjectStatusConfirmed)
		}
		ev.SetSummary(summary)
		ev.SetDescription(s.Status())
		exported++
	}

	appLog.Debug("ics export completed", "slot_count", len(slots), "event_count", exported)
	return []byte(cal.Serialize()), nil
}

func slotUID(s model.TimeSlot, start time.Time, host string) string {
	if s.ID != nil {
		return "slot-" + strconv.Itoa(*s.ID) + "@" + host
	}
	return "slot-" + start.UTC().Format("20060102T150405Z") + "@" + host
}
