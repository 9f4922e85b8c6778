package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"slotbook/internal/bus"
	appLog "slotbook/internal/log"
	"slotbook/internal/model"
)

// ErrNoID is returned when an operation needs a persisted slot.
var ErrNoID = errors.New("slot has no id")

const maxResponseBytes = 4 << 20

// Error is a non-2xx response from the booking service.
type Error struct {
	Status int
	// Detail is the service's "detail" field when the body carried one.
	Detail string
}

func (e *Error) Error() string {
	if e.Detail != "" {
		return e.Detail
	}
	return fmt.Sprintf("booking service returned %d %s", e.Status, http.StatusText(e.Status))
}

// DetailOf returns the service-provided detail of err if there is one,
// otherwise err's message.
func DetailOf(err error) string {
	var apiErr *Error
	if errors.As(err, &apiErr) && apiErr.Detail != "" {
		return apiErr.Detail
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

// Ack is the service's acknowledgement for signup and unsubscribe.
type Ack struct {
	Message string `json:"message"`
	SlotID  int    `json:"slot_id"`
}

// Options tunes the HTTP side of a Client.
type Options struct {
	// Timeout bounds each request. Zero means 15s.
	Timeout time.Duration
	// RateLimit caps requests per second. Zero means unlimited.
	RateLimit float64
	// HTTPClient overrides the default client (Timeout is then ignored).
	HTTPClient *http.Client
}

// Client is the only component that talks to the booking service. Every
// successful mutation emits a refresh broadcast on the bus.
type Client struct {
	base    *url.URL
	client  *http.Client
	limiter *rate.Limiter
	bus     *bus.Bus
}

// NewClient creates a Client for the service rooted at baseURL.
func NewClient(baseURL string, b *bus.Bus, opts Options) (*Client, error) {
	if b == nil {
		return nil, errors.New("api: bus is nil")
	}
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("api: parse base url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("api: base url %q must be absolute", baseURL)
	}

	hc := opts.HTTPClient
	if hc == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if opts.RateLimit > 0 {
		burst := int(opts.RateLimit)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}

	return &Client{
		base:    u,
		client:  hc,
		limiter: limiter,
		bus:     b,
	}, nil
}

// Bus returns the session bus the client broadcasts on.
func (c *Client) Bus() *bus.Bus {
	return c.bus
}

// ListSlots fetches the slots of the week starting at weekStart
// (YYYY-MM-DD), optionally narrowed to category.
func (c *Client) ListSlots(ctx context.Context, weekStart, category string) ([]model.TimeSlot, error) {
	q := url.Values{}
	q.Set("week_start", weekStart)
	if category != "" {
		q.Set("category", category)
	}

	var slots []model.TimeSlot
	if err := c.do(ctx, http.MethodGet, "/slots/", q, nil, &slots); err != nil {
		return nil, err
	}
	if slots == nil {
		slots = []model.TimeSlot{}
	}
	appLog.Debug("slots received", "week_start", weekStart, "category", category, "count", len(slots))
	return slots, nil
}

type createSlotRequest struct {
	Category  string `json:"category"`
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
}

// CreateSlot submits a new slot and returns the persisted record.
func (c *Client) CreateSlot(ctx context.Context, slot model.TimeSlot) (model.TimeSlot, error) {
	body := createSlotRequest{
		Category:  slot.Category,
		StartTime: slot.StartTime,
		EndTime:   slot.EndTime,
	}

	var created model.TimeSlot
	if err := c.do(ctx, http.MethodPost, "/slots/", nil, body, &created); err != nil {
		return model.TimeSlot{}, err
	}
	appLog.Info("slot created", "id", derefID(created.ID), "category", created.Category)
	c.bus.RequestRefresh()
	return created, nil
}

// Signup claims slotID for userID.
func (c *Client) Signup(ctx context.Context, slotID, userID int) (Ack, error) {
	path := "/slots/" + strconv.Itoa(slotID) + "/signup/" + strconv.Itoa(userID)

	var ack Ack
	if err := c.do(ctx, http.MethodPost, path, nil, struct{}{}, &ack); err != nil {
		return Ack{}, err
	}
	appLog.Info("signed up", "slot_id", slotID, "user_id", userID)
	c.bus.RequestRefresh()
	return ack, nil
}

// Unsubscribe releases slotID.
func (c *Client) Unsubscribe(ctx context.Context, slotID int) (Ack, error) {
	path := "/slots/" + strconv.Itoa(slotID) + "/unsubscribe"

	var ack Ack
	if err := c.do(ctx, http.MethodPost, path, nil, struct{}{}, &ack); err != nil {
		return Ack{}, err
	}
	appLog.Info("unsubscribed", "slot_id", slotID)
	c.bus.RequestRefresh()
	return ack, nil
}

// SetCategory updates the category channel. No refresh is emitted.
func (c *Client) SetCategory(category string) {
	c.bus.SetCategory(category)
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, in, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	u := *c.base
	u.Path = c.base.Path + path
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("api: encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return err
	}
	reqID := uuid.NewString()
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", reqID)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	appLog.Debug("api request start", "method", method, "path", path, "request_id", reqID)

	resp, err := c.client.Do(req)
	if err != nil {
		appLog.Error("api request failed", err, "method", method, "path", path, "request_id", reqID)
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("api: read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &Error{Status: resp.StatusCode, Detail: parseDetail(data)}
		appLog.Error("api request rejected", apiErr, "method", method, "path", path, "request_id", reqID, "status", resp.StatusCode)
		return apiErr
	}

	appLog.Debug("api request success", "method", method, "path", path, "request_id", reqID, "status", resp.StatusCode)

	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("api: decode response: %w", err)
	}
	return nil
}

// parseDetail extracts the "detail" member of an error body. Validation
// errors carry a structured detail; those are returned as raw JSON.
func parseDetail(data []byte) string {
	var env struct {
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(data, &env); err != nil || len(env.Detail) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(env.Detail, &s); err == nil {
		return s
	}
	return string(env.Detail)
}

func derefID(id *int) any {
	if id == nil {
		return nil
	}
	return *id
}
