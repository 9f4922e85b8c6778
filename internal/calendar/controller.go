package calendar

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"slotbook/internal/api"
	"slotbook/internal/bus"
	appLog "slotbook/internal/log"
	"slotbook/internal/model"
	"slotbook/internal/notify"
)

const (
	alertSignupFailed      = "Failed to sign up. The slot may already be taken."
	alertUnsubscribeFailed = "Failed to unsubscribe. Please try again."
)

// SlotService is the part of the booking client the calendar needs.
type SlotService interface {
	ListSlots(ctx context.Context, weekStart, category string) ([]model.TimeSlot, error)
	Signup(ctx context.Context, slotID, userID int) (api.Ack, error)
	Unsubscribe(ctx context.Context, slotID int) (api.Ack, error)
}

// Options configures a Controller.
type Options struct {
	UserID   int
	Location *time.Location
	// Now defaults to time.Now.
	Now     func() time.Time
	Alerter notify.Alerter
}

// Controller owns the displayed week, the selected category and the slots
// loaded for them. At most one load is outstanding at any time.
type Controller struct {
	svc    SlotService
	bus    *bus.Bus
	alert  notify.Alerter
	userID int
	loc    *time.Location
	now    func() time.Time

	mu        sync.Mutex
	ctx       context.Context
	weekStart time.Time
	category  string
	slots     []model.TimeSlot
	cancels   []func()

	initialized atomic.Bool
	loading     atomic.Bool
}

// New creates a Controller. Call Start to activate it.
func New(svc SlotService, b *bus.Bus, opts Options) *Controller {
	c := &Controller{
		svc:    svc,
		bus:    b,
		alert:  opts.Alerter,
		userID: opts.UserID,
		loc:    opts.Location,
		now:    opts.Now,
		ctx:    context.Background(),
		slots:  []model.TimeSlot{},
	}
	if c.loc == nil {
		c.loc = time.Local
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.alert == nil {
		c.alert = notify.Func(func(string) {})
	}
	c.weekStart = WeekStart(c.now().In(c.loc))
	c.category = b.Category.Value()
	return c
}

// Start activates the controller: it anchors the week on today, subscribes
// to both bus signals and performs the initial load. The replayed values
// delivered during subscription do not trigger loads of their own.
// ctx is used for loads triggered by later bus signals.
func (c *Controller) Start(ctx context.Context) {
	appLog.Info("calendar activated")

	c.mu.Lock()
	c.ctx = ctx
	c.weekStart = WeekStart(c.now().In(c.loc))
	c.mu.Unlock()

	cancelCategory := c.bus.Category.Subscribe(func(category string) {
		appLog.Debug("calendar category updated", "category", category)
		c.mu.Lock()
		c.category = category
		c.mu.Unlock()
		// A ChangeCategory refresh follows immediately and reloads once.
		if c.initialized.Load() && !c.bus.RefreshPending() {
			c.LoadSlots(c.baseContext())
		}
	})
	cancelRefresh := c.bus.Refresh.Subscribe(func(struct{}) {
		appLog.Debug("calendar refresh triggered")
		if c.initialized.Load() {
			c.LoadSlots(c.baseContext())
		}
	})

	c.mu.Lock()
	c.cancels = append(c.cancels, cancelCategory, cancelRefresh)
	c.mu.Unlock()

	c.initialized.Store(true)
	c.LoadSlots(ctx)
}

// Stop releases the bus subscriptions.
func (c *Controller) Stop() {
	c.mu.Lock()
	cancels := c.cancels
	c.cancels = nil
	c.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
	c.initialized.Store(false)
}

func (c *Controller) baseContext() context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ctx
}

// LoadSlots replaces the displayed list with the slots of the current
// week and category, sorted by start time. The list is cleared before the
// request goes out and left empty if it fails. A call made while another
// load is outstanding does nothing and returns false.
func (c *Controller) LoadSlots(ctx context.Context) bool {
	if !c.loading.CompareAndSwap(false, true) {
		appLog.Debug("calendar load already in progress, skipping")
		return false
	}
	defer c.loading.Store(false)

	c.mu.Lock()
	c.slots = []model.TimeSlot{}
	weekStart := model.FormatDate(c.weekStart)
	category := c.category
	weekRange := FormatRange(c.weekStart)
	c.mu.Unlock()

	appLog.Info("calendar loading slots", "week_start", weekStart, "week_range", weekRange, "category", category)

	slots, err := c.svc.ListSlots(ctx, weekStart, category)
	if err != nil {
		appLog.Error("calendar load failed", err, "week_start", weekStart, "category", category)
		c.mu.Lock()
		c.slots = []model.TimeSlot{}
		c.mu.Unlock()
		return true
	}

	sorted := model.SortByStart(slots, c.loc, false)

	c.mu.Lock()
	c.slots = sorted
	c.mu.Unlock()

	appLog.Info("calendar slots loaded", "week_start", weekStart, "category", category, "count", len(sorted))
	return true
}

// PreviousWeek moves the window back seven days and reloads.
func (c *Controller) PreviousWeek(ctx context.Context) {
	c.shift(-1)
	c.LoadSlots(ctx)
}

// NextWeek moves the window forward seven days and reloads.
func (c *Controller) NextWeek(ctx context.Context) {
	c.shift(1)
	c.LoadSlots(ctx)
}

// GoToCurrentWeek re-anchors the window on today and reloads.
func (c *Controller) GoToCurrentWeek(ctx context.Context) {
	c.mu.Lock()
	c.weekStart = WeekStart(c.now().In(c.loc))
	c.mu.Unlock()
	c.LoadSlots(ctx)
}

func (c *Controller) shift(weeks int) {
	c.mu.Lock()
	c.weekStart = ShiftWeeks(c.weekStart, weeks)
	ws := c.weekStart
	c.mu.Unlock()
	appLog.Debug("calendar week changed", "week_range", FormatRange(ws))
}

// Signup claims slot for the current user. The displayed list is not
// touched; it resynchronizes through the refresh broadcast the client
// emits on success.
func (c *Controller) Signup(ctx context.Context, slot model.TimeSlot) error {
	if !slot.HasID() {
		appLog.Error("cannot sign up", api.ErrNoID)
		return api.ErrNoID
	}
	if _, err := c.svc.Signup(ctx, *slot.ID, c.userID); err != nil {
		appLog.Error("signup failed", err, "slot_id", *slot.ID, "user_id", c.userID)
		c.alert.Alert(alertSignupFailed)
		return err
	}
	return nil
}

// Unsubscribe releases slot. Like Signup it relies on the refresh
// broadcast to update the list.
func (c *Controller) Unsubscribe(ctx context.Context, slot model.TimeSlot) error {
	if !slot.HasID() {
		appLog.Error("cannot unsubscribe", api.ErrNoID)
		return api.ErrNoID
	}
	if _, err := c.svc.Unsubscribe(ctx, *slot.ID); err != nil {
		appLog.Error("unsubscribe failed", err, "slot_id", *slot.ID)
		c.alert.Alert(alertUnsubscribeFailed)
		return err
	}
	return nil
}

// Slots returns a copy of the displayed list.
func (c *Controller) Slots() []model.TimeSlot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]model.TimeSlot{}, c.slots...)
}

// SlotByID looks id up in the displayed list.
func (c *Controller) SlotByID(id int) (model.TimeSlot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.slots {
		if s.ID != nil && *s.ID == id {
			return s, true
		}
	}
	return model.TimeSlot{}, false
}

// WeekStart returns the Monday of the displayed week.
func (c *Controller) WeekStart() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.weekStart
}

// Category returns the category the slot list is filtered by.
func (c *Controller) Category() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.category
}

// UserID returns the identity used for sign-up and unsubscribe.
func (c *Controller) UserID() int {
	return c.userID
}

// Location returns the zone slot times are displayed in.
func (c *Controller) Location() *time.Location {
	return c.loc
}

// Loading reports whether a load is outstanding.
func (c *Controller) Loading() bool {
	return c.loading.Load()
}

// WeekRange is the display form of the current week, Monday to Sunday.
func (c *Controller) WeekRange() string {
	return FormatRange(c.WeekStart())
}

// IsCurrentWeek reports whether the displayed week contains today.
func (c *Controller) IsCurrentWeek() bool {
	today := WeekStart(c.now().In(c.loc))
	return model.FormatDate(today) == model.FormatDate(c.WeekStart())
}

// IsSignedUp reports whether slot is booked by the current user.
func (c *Controller) IsSignedUp(slot model.TimeSlot) bool {
	return slot.BookedBy(c.userID)
}

// IsAvailable reports whether slot is free.
func (c *Controller) IsAvailable(slot model.TimeSlot) bool {
	return slot.Available()
}
