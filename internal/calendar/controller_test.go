package calendar

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"testing"
	"time"

	"slotbook/internal/api"
	"slotbook/internal/api/apitest"
	"slotbook/internal/bus"
	"slotbook/internal/model"
	"slotbook/internal/notify"
)

// Wednesday of the week starting Monday 2026-02-02.
var fixedNow = time.Date(2026, 2, 4, 15, 0, 0, 0, time.UTC)

type harness struct {
	svc    *apitest.Service
	bus    *bus.Bus
	client *api.Client
	ctrl   *Controller
	alerts []string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{svc: apitest.New(t), bus: bus.New("Cat 1")}
	client, err := api.NewClient(h.svc.URL(), h.bus, api.Options{})
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	h.client = client
	h.ctrl = New(client, h.bus, Options{
		UserID:   1,
		Location: time.UTC,
		Now:      func() time.Time { return fixedNow },
		Alerter:  notify.Func(func(msg string) { h.alerts = append(h.alerts, msg) }),
	})
	t.Cleanup(h.ctrl.Stop)
	return h
}

func (h *harness) lastQuery(t *testing.T) url.Values {
	t.Helper()
	qs := h.svc.Queries()
	if len(qs) == 0 {
		t.Fatal("no list request issued")
	}
	q, err := url.ParseQuery(qs[len(qs)-1])
	if err != nil {
		t.Fatalf("parse query: %v", err)
	}
	return q
}

func ids(slots []model.TimeSlot) []int {
	out := make([]int, len(slots))
	for i, s := range slots {
		out[i] = *s.ID
	}
	return out
}

func TestStart_SingleInitialLoadSortedAscending(t *testing.T) {
	h := newHarness(t)
	late := h.svc.Add(model.TimeSlot{Category: "Cat 1", StartTime: "2026-02-03T10:00:00", EndTime: "2026-02-03T11:00:00"})
	early := h.svc.Add(model.TimeSlot{Category: "Cat 1", StartTime: "2026-02-03T09:00:00", EndTime: "2026-02-03T10:00:00"})
	h.svc.Add(model.TimeSlot{Category: "Cat 2", StartTime: "2026-02-03T08:00:00", EndTime: "2026-02-03T09:00:00"})

	h.ctrl.Start(context.Background())

	if n := len(h.svc.Queries()); n != 1 {
		t.Fatalf("list requests = %d, want exactly 1", n)
	}
	q := h.lastQuery(t)
	if q.Get("week_start") != "2026-02-02" || q.Get("category") != "Cat 1" {
		t.Fatalf("query = %v", q)
	}
	got := ids(h.ctrl.Slots())
	if len(got) != 2 || got[0] != early || got[1] != late {
		t.Fatalf("slots = %v, want [%d %d]", got, early, late)
	}
	if h.ctrl.WeekRange() != "Feb 2, 2026 - Feb 8, 2026" {
		t.Fatalf("week range = %q", h.ctrl.WeekRange())
	}
	if !h.ctrl.IsCurrentWeek() {
		t.Fatal("expected current week")
	}
}

func TestRefreshBroadcast_Reloads(t *testing.T) {
	h := newHarness(t)
	h.ctrl.Start(context.Background())

	h.svc.Add(model.TimeSlot{Category: "Cat 1", StartTime: "2026-02-05T09:00:00", EndTime: "2026-02-05T10:00:00"})
	h.bus.RequestRefresh()

	if n := len(h.svc.Queries()); n != 2 {
		t.Fatalf("list requests = %d, want 2", n)
	}
	if len(h.ctrl.Slots()) != 1 {
		t.Fatalf("slots = %+v", h.ctrl.Slots())
	}
}

func TestCategoryChange_ReloadsWithNewCategory(t *testing.T) {
	h := newHarness(t)
	h.ctrl.Start(context.Background())

	h.client.SetCategory("Cat 3")

	if h.ctrl.Category() != "Cat 3" {
		t.Fatalf("category = %q", h.ctrl.Category())
	}
	if n := len(h.svc.Queries()); n != 2 {
		t.Fatalf("list requests = %d, want 2", n)
	}
	if q := h.lastQuery(t); q.Get("category") != "Cat 3" {
		t.Fatalf("query = %v", q)
	}
}

func TestCategoryChangeWithRefresh_LoadsOnce(t *testing.T) {
	h := newHarness(t)
	h.svc.Add(model.TimeSlot{Category: "Cat 2", StartTime: "2026-02-03T09:00:00", EndTime: "2026-02-03T10:00:00"})
	h.ctrl.Start(context.Background())

	h.bus.ChangeCategory("Cat 2")

	if n := len(h.svc.Queries()); n != 2 {
		t.Fatalf("list requests = %d, want initial load plus one reload", n)
	}
	if q := h.lastQuery(t); q.Get("category") != "Cat 2" {
		t.Fatalf("query = %v", q)
	}
	if len(h.ctrl.Slots()) != 1 {
		t.Fatalf("slots = %+v", h.ctrl.Slots())
	}
}

func TestWeekNavigation(t *testing.T) {
	h := newHarness(t)
	h.ctrl.Start(context.Background())
	ctx := context.Background()
	origin := h.ctrl.WeekStart()

	h.ctrl.PreviousWeek(ctx)
	if q := h.lastQuery(t); q.Get("week_start") != "2026-01-26" {
		t.Fatalf("previous week query = %v", q)
	}
	if h.ctrl.IsCurrentWeek() {
		t.Fatal("previous week reported as current")
	}

	h.ctrl.NextWeek(ctx)
	if !h.ctrl.WeekStart().Equal(origin) {
		t.Fatalf("prev+next = %v, want %v", h.ctrl.WeekStart(), origin)
	}

	h.ctrl.NextWeek(ctx)
	h.ctrl.NextWeek(ctx)
	if q := h.lastQuery(t); q.Get("week_start") != "2026-02-16" {
		t.Fatalf("two weeks ahead query = %v", q)
	}

	h.ctrl.GoToCurrentWeek(ctx)
	if !h.ctrl.WeekStart().Equal(origin) {
		t.Fatalf("today = %v, want %v", h.ctrl.WeekStart(), origin)
	}
	if n := len(h.svc.Queries()); n != 6 {
		t.Fatalf("list requests = %d, want 6", n)
	}
}

func TestLoadSlots_SecondCallWhileOutstandingIsDropped(t *testing.T) {
	h := newHarness(t)
	h.ctrl.Start(context.Background())
	drain(h.svc.ListStarted)

	h.svc.Block()
	done := make(chan bool, 1)
	go func() { done <- h.ctrl.LoadSlots(context.Background()) }()

	select {
	case <-h.svc.ListStarted:
	case <-time.After(5 * time.Second):
		t.Fatal("first load never reached the service")
	}
	if !h.ctrl.Loading() {
		t.Fatal("expected load in progress")
	}
	if h.ctrl.LoadSlots(context.Background()) {
		t.Fatal("second load ran while first was outstanding")
	}
	h.bus.RequestRefresh()

	h.svc.Release()
	if ran := <-done; !ran {
		t.Fatal("first load did not run")
	}
	if n := len(h.svc.Queries()); n != 2 {
		t.Fatalf("list requests = %d, want 2 (initial + first)", n)
	}
	if h.ctrl.Loading() {
		t.Fatal("guard not released")
	}
}

func TestLoadSlots_FailureClearsList(t *testing.T) {
	h := newHarness(t)
	h.svc.Add(model.TimeSlot{Category: "Cat 1", StartTime: "2026-02-03T09:00:00", EndTime: "2026-02-03T10:00:00"})
	h.ctrl.Start(context.Background())
	if len(h.ctrl.Slots()) != 1 {
		t.Fatalf("setup: slots = %+v", h.ctrl.Slots())
	}

	h.svc.FailNext(apitest.OpList, http.StatusInternalServerError, "boom")
	h.ctrl.LoadSlots(context.Background())

	if got := h.ctrl.Slots(); len(got) != 0 {
		t.Fatalf("slots after failure = %+v", got)
	}
	if h.ctrl.Loading() {
		t.Fatal("guard not released after failure")
	}
	if len(h.alerts) != 0 {
		t.Fatalf("read failure must not alert: %v", h.alerts)
	}

	// A later load works again.
	h.ctrl.LoadSlots(context.Background())
	if len(h.ctrl.Slots()) != 1 {
		t.Fatalf("slots after recovery = %+v", h.ctrl.Slots())
	}
}

func TestSignup_ResyncsThroughRefresh(t *testing.T) {
	h := newHarness(t)
	id := h.svc.Add(model.TimeSlot{Category: "Cat 1", StartTime: "2026-02-03T09:00:00", EndTime: "2026-02-03T10:00:00"})
	h.ctrl.Start(context.Background())

	slot, ok := h.ctrl.SlotByID(id)
	if !ok || !h.ctrl.IsAvailable(slot) {
		t.Fatalf("slot = %+v ok=%v", slot, ok)
	}

	if err := h.ctrl.Signup(context.Background(), slot); err != nil {
		t.Fatalf("signup: %v", err)
	}
	if n := len(h.svc.Queries()); n != 2 {
		t.Fatalf("list requests = %d, want reload via refresh", n)
	}
	slot, _ = h.ctrl.SlotByID(id)
	if !h.ctrl.IsSignedUp(slot) || h.ctrl.IsAvailable(slot) {
		t.Fatalf("slot after signup = %+v", slot)
	}

	if err := h.ctrl.Unsubscribe(context.Background(), slot); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	slot, _ = h.ctrl.SlotByID(id)
	if !h.ctrl.IsAvailable(slot) {
		t.Fatalf("slot after unsubscribe = %+v", slot)
	}
}

func TestSignup_FailureAlertsAndKeepsList(t *testing.T) {
	h := newHarness(t)
	h.svc.Add(model.TimeSlot{Category: "Cat 1", StartTime: "2026-02-03T09:00:00", EndTime: "2026-02-03T10:00:00"})
	h.ctrl.Start(context.Background())
	before := h.ctrl.Slots()

	h.svc.FailNext(apitest.OpSignup, http.StatusInternalServerError, "")
	err := h.ctrl.Signup(context.Background(), model.TimeSlot{ID: model.IntPtr(5)})
	if err == nil {
		t.Fatal("expected error")
	}

	if len(h.alerts) != 1 || h.alerts[0] != "Failed to sign up. The slot may already be taken." {
		t.Fatalf("alerts = %q", h.alerts)
	}
	if n := len(h.svc.Queries()); n != 1 {
		t.Fatalf("list requests = %d, failure must not reload", n)
	}
	after := h.ctrl.Slots()
	if len(after) != len(before) || *after[0].ID != *before[0].ID || !after[0].Available() {
		t.Fatalf("list changed: before=%+v after=%+v", before, after)
	}
}

func TestUnsubscribe_FailureAlerts(t *testing.T) {
	h := newHarness(t)
	id := h.svc.Add(model.TimeSlot{Category: "Cat 1", StartTime: "2026-02-03T09:00:00", EndTime: "2026-02-03T10:00:00"})
	h.ctrl.Start(context.Background())

	if err := h.ctrl.Unsubscribe(context.Background(), model.TimeSlot{ID: model.IntPtr(id)}); err == nil {
		t.Fatal("expected error unsubscribing a free slot")
	}
	if len(h.alerts) != 1 || h.alerts[0] != "Failed to unsubscribe. Please try again." {
		t.Fatalf("alerts = %q", h.alerts)
	}
}

func TestSignup_WithoutIDIsSilent(t *testing.T) {
	h := newHarness(t)
	h.ctrl.Start(context.Background())

	err := h.ctrl.Signup(context.Background(), model.TimeSlot{Category: "Cat 1"})
	if !errors.Is(err, api.ErrNoID) {
		t.Fatalf("err = %v", err)
	}
	err = h.ctrl.Unsubscribe(context.Background(), model.TimeSlot{Category: "Cat 1"})
	if !errors.Is(err, api.ErrNoID) {
		t.Fatalf("err = %v", err)
	}
	if h.svc.Calls(apitest.OpSignup) != 0 || h.svc.Calls(apitest.OpUnsubscribe) != 0 {
		t.Fatal("request issued for slot without id")
	}
	if len(h.alerts) != 0 {
		t.Fatalf("alerts = %q", h.alerts)
	}
}

func TestStop_UnsubscribesFromBus(t *testing.T) {
	h := newHarness(t)
	h.ctrl.Start(context.Background())
	h.ctrl.Stop()

	h.bus.RequestRefresh()
	h.bus.SetCategory("Cat 2")

	if n := len(h.svc.Queries()); n != 1 {
		t.Fatalf("list requests = %d after stop", n)
	}
}

func drain(ch <-chan struct{}) {
	for {
		select {
		case <-ch:
		default:
			return
		}
	}
}
