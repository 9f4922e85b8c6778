package admin

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"slotbook/internal/api"
	"slotbook/internal/bus"
	"slotbook/internal/ics"
	appLog "slotbook/internal/log"
	"slotbook/internal/model"
	"slotbook/internal/notify"
)

var (
	ErrMissingTimes    = errors.New("start and end times are required")
	ErrInvertedRange   = errors.New("end time must be after start time")
	ErrUnknownCategory = errors.New("unknown category")
	ErrNothingToImport = errors.New("no timed events to import")
)

const (
	alertMissingTimes    = "Please select both start and end times"
	alertInvertedRange   = "End time must be after start time"
	alertUnknownCategory = "Please select a valid category"

	maxRecurringSlots = 200
)

// SlotService is the part of the booking client the admin view needs.
type SlotService interface {
	ListSlots(ctx context.Context, weekStart, category string) ([]model.TimeSlot, error)
	CreateSlot(ctx context.Context, slot model.TimeSlot) (model.TimeSlot, error)
}

// Form holds the pending slot-creation fields, in form-input format
// (YYYY-MM-DDTHH:MM or with seconds).
type Form struct {
	Category  string `json:"category"`
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
}

// Options configures a Controller.
type Options struct {
	// AnchorDate is the week_start every list query uses (YYYY-MM-DD).
	AnchorDate string
	Categories []string
	Location   *time.Location
	// SettleDelay is the pause between a successful create and the
	// follow-up reload.
	SettleDelay time.Duration
	// SendUTCOffset appends the zone offset to submitted timestamps.
	SendUTCOffset bool
	Alerter       notify.Alerter
	// Now defaults to time.Now.
	Now func() time.Time
	// After schedules f after d. Defaults to time.AfterFunc.
	After func(d time.Duration, f func()) (stop func() bool)
}

// Controller is the management view: every slot from the anchor week,
// newest first, plus slot creation.
type Controller struct {
	svc        SlotService
	bus        *bus.Bus
	alert      notify.Alerter
	anchor     string
	categories []string
	loc        *time.Location
	settle     time.Duration
	withOffset bool
	now        func() time.Time
	after      func(d time.Duration, f func()) (stop func() bool)

	mu      sync.Mutex
	ctx     context.Context
	filter  string
	slots   []model.TimeSlot
	form    Form
	cancel  func()
	pending map[int]func() bool
	timerID int
}

// New creates a Controller. Call Start to activate it.
func New(svc SlotService, b *bus.Bus, opts Options) *Controller {
	c := &Controller{
		svc:        svc,
		bus:        b,
		alert:      opts.Alerter,
		anchor:     opts.AnchorDate,
		categories: append([]string(nil), opts.Categories...),
		loc:        opts.Location,
		settle:     opts.SettleDelay,
		withOffset: opts.SendUTCOffset,
		now:        opts.Now,
		after:      opts.After,
		ctx:        context.Background(),
		slots:      []model.TimeSlot{},
		pending:    make(map[int]func() bool),
	}
	if c.loc == nil {
		c.loc = time.Local
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.after == nil {
		c.after = func(d time.Duration, f func()) func() bool {
			return time.AfterFunc(d, f).Stop
		}
	}
	if c.alert == nil {
		c.alert = notify.Func(func(string) {})
	}
	if len(c.categories) > 0 {
		c.form.Category = c.categories[0]
	}
	return c
}

// Start subscribes to refresh broadcasts. The replayed subscription value
// performs the initial load.
func (c *Controller) Start(ctx context.Context) {
	appLog.Info("admin activated", "anchor", c.anchor)

	c.mu.Lock()
	c.ctx = ctx
	c.mu.Unlock()

	cancel := c.bus.Refresh.Subscribe(func(struct{}) {
		appLog.Debug("admin refresh triggered")
		c.LoadAllSlots(c.baseContext())
	})

	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()
}

// Stop drops the subscription and any pending delayed reload.
func (c *Controller) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	pending := c.pending
	c.pending = make(map[int]func() bool)
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	for _, stop := range pending {
		if stop != nil {
			stop()
		}
	}
}

func (c *Controller) baseContext() context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ctx
}

// LoadAllSlots replaces the list with the anchor week's slots, optionally
// filtered by category, newest first. On failure the list is emptied.
// Unlike the calendar there is no in-flight guard: overlapping calls each
// issue their own request.
func (c *Controller) LoadAllSlots(ctx context.Context) {
	c.mu.Lock()
	filter := c.filter
	c.mu.Unlock()

	appLog.Info("admin loading slots", "anchor", c.anchor, "filter", filter)

	slots, err := c.svc.ListSlots(ctx, c.anchor, filter)
	if err != nil {
		appLog.Error("admin load failed", err, "anchor", c.anchor, "filter", filter)
		c.mu.Lock()
		c.slots = []model.TimeSlot{}
		c.mu.Unlock()
		return
	}

	sorted := model.SortByStart(slots, c.loc, true)

	c.mu.Lock()
	c.slots = sorted
	c.mu.Unlock()

	appLog.Info("admin slots loaded", "count", len(sorted))
}

// ApplyFilter narrows the list to category and reloads.
func (c *Controller) ApplyFilter(ctx context.Context, category string) {
	c.mu.Lock()
	c.filter = category
	c.mu.Unlock()
	appLog.Debug("admin filter applied", "filter", category)
	c.LoadAllSlots(ctx)
}

// ClearFilter shows every category again and reloads.
func (c *Controller) ClearFilter(ctx context.Context) {
	c.ApplyFilter(ctx, "")
}

// SetForm replaces the pending form fields.
func (c *Controller) SetForm(f Form) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.form = f
}

// SetToNow fills the form with now and one hour later.
func (c *Controller) SetToNow() Form {
	now := c.now().In(c.loc)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.form.StartTime = now.Format(model.FormInputLayout)
	c.form.EndTime = now.Add(time.Hour).Format(model.FormInputLayout)
	return c.form
}

// AddSlot validates the form and submits it. On success the time fields
// are cleared, a confirmation carrying the new id is surfaced, and the
// list is reloaded after the settle delay.
func (c *Controller) AddSlot(ctx context.Context) (model.TimeSlot, error) {
	c.mu.Lock()
	form := c.form
	c.mu.Unlock()

	start, end, err := c.validate(form)
	if err != nil {
		return model.TimeSlot{}, err
	}

	payload := model.TimeSlot{
		Category:  form.Category,
		StartTime: model.FormatWallClock(start, c.withOffset),
		EndTime:   model.FormatWallClock(end, c.withOffset),
	}
	appLog.Info("admin creating slot", "category", payload.Category, "start_time", payload.StartTime, "end_time", payload.EndTime)

	created, err := c.svc.CreateSlot(ctx, payload)
	if err != nil {
		appLog.Error("admin create failed", err)
		c.alert.Alert("Failed to create time slot.\nError: " + api.DetailOf(err))
		return model.TimeSlot{}, err
	}

	c.mu.Lock()
	c.form.StartTime = ""
	c.form.EndTime = ""
	c.mu.Unlock()

	id := "unknown"
	if created.ID != nil {
		id = fmt.Sprint(*created.ID)
	}
	c.alert.Alert(fmt.Sprintf("Time slot created successfully!\nID: %s\nCategory: %s", id, created.Category))
	c.reloadAfterSettle()
	return created, nil
}

// AddRecurringSlots creates one slot per occurrence of rule, anchored at
// the form's start and end. Creation is sequential and stops at the first
// failure; the slots created so far are returned.
func (c *Controller) AddRecurringSlots(ctx context.Context, rule string) ([]model.TimeSlot, error) {
	c.mu.Lock()
	form := c.form
	c.mu.Unlock()

	start, end, err := c.validate(form)
	if err != nil {
		return nil, err
	}
	res, err := ics.ExpandRecurring(start, end, rule, maxRecurringSlots)
	if err != nil {
		c.alert.Alert("Invalid recurrence rule.\nError: " + err.Error())
		return nil, err
	}

	templates := make([]model.TimeSlot, 0, len(res.Occurrences))
	for _, occ := range res.Occurrences {
		templates = append(templates, model.TimeSlot{
			Category:  form.Category,
			StartTime: model.FormatWallClock(occ.Start, c.withOffset),
			EndTime:   model.FormatWallClock(occ.End, c.withOffset),
		})
	}
	return c.createBatch(ctx, templates, res.Truncated)
}

// ImportICS creates one slot per timed event (and RRULE occurrence) in an
// iCalendar document. Events without CATEGORIES use fallbackCategory.
func (c *Controller) ImportICS(ctx context.Context, data []byte, fallbackCategory string) ([]model.TimeSlot, error) {
	if fallbackCategory == "" && len(c.categories) > 0 {
		fallbackCategory = c.categories[0]
	}
	parsed, err := ics.ParseSlots(data, c.loc, fallbackCategory)
	if err != nil {
		c.alert.Alert("Failed to import calendar.\nError: " + err.Error())
		return nil, err
	}
	if len(parsed) == 0 {
		c.alert.Alert("Failed to import calendar.\nError: " + ErrNothingToImport.Error())
		return nil, ErrNothingToImport
	}
	templates, truncated := ics.Slots(parsed, maxRecurringSlots, c.withOffset)

	valid := templates[:0]
	for _, t := range templates {
		if !c.knownCategory(t.Category) {
			appLog.Info("admin import: skipping unknown category", "category", t.Category, "start_time", t.StartTime)
			continue
		}
		valid = append(valid, t)
	}
	return c.createBatch(ctx, valid, truncated)
}

func (c *Controller) createBatch(ctx context.Context, templates []model.TimeSlot, truncated bool) ([]model.TimeSlot, error) {
	created := make([]model.TimeSlot, 0, len(templates))
	for _, t := range templates {
		s, err := c.svc.CreateSlot(ctx, t)
		if err != nil {
			appLog.Error("admin batch create failed", err, "created", len(created), "total", len(templates))
			c.alert.Alert(fmt.Sprintf("Failed to create time slot.\nError: %s\nCreated %d of %d before the failure.",
				api.DetailOf(err), len(created), len(templates)))
			if len(created) > 0 {
				c.reloadAfterSettle()
			}
			return created, err
		}
		created = append(created, s)
	}

	msg := fmt.Sprintf("Created %d time slots.", len(created))
	if truncated {
		msg += fmt.Sprintf("\nOnly the first %d occurrences were created.", maxRecurringSlots)
	}
	c.alert.Alert(msg)
	if len(created) > 0 {
		c.reloadAfterSettle()
	}
	return created, nil
}

// validate checks the form: both times present and parseable, end after
// start, category known. Violations are surfaced as alerts.
func (c *Controller) validate(form Form) (time.Time, time.Time, error) {
	if form.StartTime == "" || form.EndTime == "" {
		c.alert.Alert(alertMissingTimes)
		return time.Time{}, time.Time{}, ErrMissingTimes
	}
	start, err1 := model.ParseWallClock(form.StartTime, c.loc)
	end, err2 := model.ParseWallClock(form.EndTime, c.loc)
	if err1 != nil || err2 != nil {
		c.alert.Alert(alertMissingTimes)
		return time.Time{}, time.Time{}, ErrMissingTimes
	}
	if !end.After(start) {
		c.alert.Alert(alertInvertedRange)
		return time.Time{}, time.Time{}, ErrInvertedRange
	}
	if !c.knownCategory(form.Category) {
		c.alert.Alert(alertUnknownCategory)
		return time.Time{}, time.Time{}, ErrUnknownCategory
	}
	return start, end, nil
}

func (c *Controller) knownCategory(name string) bool {
	if len(c.categories) == 0 {
		return name != ""
	}
	for _, cat := range c.categories {
		if cat == name {
			return true
		}
	}
	return false
}

// reloadAfterSettle schedules a full reload once the settle delay has
// passed. A timer leaves c.pending when it fires or when Stop cancels it.
func (c *Controller) reloadAfterSettle() {
	ctx := c.baseContext()

	c.mu.Lock()
	id := c.timerID
	c.timerID++
	c.pending[id] = nil
	c.mu.Unlock()

	var fired atomic.Bool
	stop := c.after(c.settle, func() {
		fired.Store(true)
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		c.LoadAllSlots(ctx)
	})

	c.mu.Lock()
	_, waiting := c.pending[id]
	if waiting {
		c.pending[id] = stop
	}
	c.mu.Unlock()

	// Stop ran while the timer was being armed.
	if !waiting && !fired.Load() {
		stop()
	}
}

// Slots returns a copy of the loaded list.
func (c *Controller) Slots() []model.TimeSlot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]model.TimeSlot{}, c.slots...)
}

// Filter returns the active category filter, empty when none is set.
func (c *Controller) Filter() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.filter
}

// Form returns a copy of the pending form fields.
func (c *Controller) Form() Form {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.form
}

// Categories returns the categories offered by the form.
func (c *Controller) Categories() []string {
	return append([]string(nil), c.categories...)
}

// SlotStatus is "Booked" or "Available".
func (c *Controller) SlotStatus(slot model.TimeSlot) string {
	return slot.Status()
}

// IsPastSlot reports whether slot ended strictly before now. Slots with an
// unparseable end time are not considered past.
func (c *Controller) IsPastSlot(slot model.TimeSlot) bool {
	end, err := slot.End(c.loc)
	if err != nil {
		return false
	}
	return end.Before(c.now())
}

// Counts returns the booked and available totals of the loaded list.
func (c *Controller) Counts() (booked, available int) {
	return model.CountBooked(c.Slots())
}

const tableLayout = "Jan 2, 2006, 03:04 PM"

// FormatDateTime renders a slot timestamp for the table view. Values that
// do not parse are returned as-is.
func (c *Controller) FormatDateTime(v string) string {
	t, err := model.ParseWallClock(v, c.loc)
	if err != nil {
		return v
	}
	return t.Format(tableLayout)
}
