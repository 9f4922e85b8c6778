// Package refresher publishes refresh broadcasts on a cron schedule so open
// views pick up slots booked elsewhere.
package refresher

import (
	"context"
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"

	"slotbook/internal/bus"
	appLog "slotbook/internal/log"
)

// Refresher emits a refresh broadcast each time its schedule fires.
type Refresher struct {
	schedule string
	cron     *cron.Cron
}

// New parses schedule (standard five-field cron or a descriptor such as
// "@every 5m"). An empty schedule yields a disabled Refresher whose Start and
// Stop are no-ops.
func New(schedule string, b *bus.Bus) (*Refresher, error) {
	schedule = strings.TrimSpace(schedule)
	r := &Refresher{schedule: schedule}
	if schedule == "" {
		return r, nil
	}

	c := cron.New()
	if _, err := c.AddFunc(schedule, func() {
		appLog.Debug("scheduled refresh", "schedule", schedule)
		b.RequestRefresh()
	}); err != nil {
		return nil, fmt.Errorf("invalid refresh schedule %q: %w", schedule, err)
	}
	r.cron = c
	return r, nil
}

// Enabled reports whether a schedule was configured.
func (r *Refresher) Enabled() bool { return r.cron != nil }

// Start runs the schedule in the background.
func (r *Refresher) Start() {
	if r.cron == nil {
		appLog.Info("periodic refresh disabled")
		return
	}
	appLog.Info("periodic refresh started", "schedule", r.schedule)
	r.cron.Start()
}

// Stop halts the schedule and waits for a running broadcast to finish or
// ctx to expire.
func (r *Refresher) Stop(ctx context.Context) {
	if r.cron == nil {
		return
	}
	select {
	case <-r.cron.Stop().Done():
	case <-ctx.Done():
	}
}
