// Package prefs persists the preferred category and propagates it to the
// rest of the client.
package prefs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"slotbook/internal/bus"
	appLog "slotbook/internal/log"
)

// CategoryKey is the store key of the preferred category.
const CategoryKey = "selectedCategory"

// ErrUnknownCategory is returned by Change for a category outside Options.Categories.
var ErrUnknownCategory = errors.New("unknown category")

// Options configures a Controller.
type Options struct {
	// Default is used when nothing valid is stored.
	Default string
	// Categories, when set, restricts the accepted values.
	Categories []string
}

// Controller owns the preferred category. It restores it from the Store on
// Start and publishes every change on the bus.
type Controller struct {
	store      Store
	bus        *bus.Bus
	def        string
	categories []string

	mu       sync.Mutex
	category string
}

// New creates a Controller. Call Start to restore the stored value.
func New(store Store, b *bus.Bus, opts Options) *Controller {
	return &Controller{
		store:      store,
		bus:        b,
		def:        opts.Default,
		categories: append([]string(nil), opts.Categories...),
		category:   opts.Default,
	}
}

// Start reads the stored category, falling back to the default, and
// pushes it onto the category channel. A store failure is logged and the
// default is used.
func (c *Controller) Start(ctx context.Context) string {
	cat := c.def
	stored, err := c.store.Get(ctx, CategoryKey)
	switch {
	case errors.Is(err, ErrNotFound):
		appLog.Debug("no stored category, using default", "category", c.def)
	case err != nil:
		appLog.Error("read stored category failed", err, "default", c.def)
	case !c.known(strings.TrimSpace(stored)):
		appLog.Info("stored category no longer configured, using default", "stored", stored, "default", c.def)
	default:
		cat = strings.TrimSpace(stored)
	}

	c.mu.Lock()
	c.category = cat
	c.mu.Unlock()

	c.bus.SetCategory(cat)
	appLog.Info("preferences activated", "category", cat)
	return cat
}

// Change persists category, pushes it onto the category channel and
// requests a refresh. A persistence failure is returned but the change
// still takes effect for this session.
func (c *Controller) Change(ctx context.Context, category string) error {
	category = strings.TrimSpace(category)
	if !c.known(category) {
		return fmt.Errorf("%w: %q", ErrUnknownCategory, category)
	}

	persistErr := c.store.Set(ctx, CategoryKey, category)
	if persistErr != nil {
		appLog.Error("persist category failed", persistErr, "category", category)
	}

	c.mu.Lock()
	c.category = category
	c.mu.Unlock()

	c.bus.ChangeCategory(category)
	appLog.Info("preferred category changed", "category", category)

	if persistErr != nil {
		return fmt.Errorf("persist category: %w", persistErr)
	}
	return nil
}

// Category returns the current preference.
func (c *Controller) Category() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.category
}

// Categories returns the accepted values, or nil when any is accepted.
func (c *Controller) Categories() []string {
	return append([]string(nil), c.categories...)
}

func (c *Controller) known(name string) bool {
	if name == "" {
		return false
	}
	if len(c.categories) == 0 {
		return true
	}
	for _, cat := range c.categories {
		if cat == name {
			return true
		}
	}
	return false
}
