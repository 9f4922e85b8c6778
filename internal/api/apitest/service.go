// Package apitest provides an in-memory booking service for tests.
package apitest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"slotbook/internal/model"
)

// Operation names accepted by FailNext and Calls.
const (
	OpList        = "list"
	OpCreate      = "create"
	OpSignup      = "signup"
	OpUnsubscribe = "unsubscribe"
)

type failure struct {
	status int
	detail string
}

// Service mimics the booking service's four endpoints. Listing returns
// slots in insertion order, like the real service.
type Service struct {
	mu       sync.Mutex
	slots    []model.TimeSlot
	nextID   int
	calls    map[string]int
	failures map[string][]failure
	queries  []string
	gate     chan struct{}

	// ListStarted receives one value per list request that reached the
	// handler.
	ListStarted chan struct{}

	server *httptest.Server
}

// New starts a Service and registers its shutdown with t.
func New(t testing.TB) *Service {
	t.Helper()
	s := &Service{
		nextID:      1,
		calls:       make(map[string]int),
		failures:    make(map[string][]failure),
		ListStarted: make(chan struct{}, 64),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /slots/{$}", s.handleList)
	mux.HandleFunc("POST /slots/{$}", s.handleCreate)
	mux.HandleFunc("POST /slots/{id}/signup/{user}", s.handleSignup)
	mux.HandleFunc("POST /slots/{id}/unsubscribe", s.handleUnsubscribe)
	s.server = httptest.NewServer(mux)
	t.Cleanup(func() {
		s.Release()
		s.server.Close()
	})
	return s
}

// URL is the service base URL.
func (s *Service) URL() string {
	return s.server.URL
}

// Add stores slot with a fresh id and returns the id.
func (s *Service) Add(slot model.TimeSlot) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	slot.ID = model.IntPtr(id)
	s.slots = append(s.slots, slot)
	return id
}

// Slot returns the stored slot with id.
func (s *Service) Slot(id int) (model.TimeSlot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sl := range s.slots {
		if *sl.ID == id {
			return sl, true
		}
	}
	return model.TimeSlot{}, false
}

// FailNext makes the next call of op answer with status and detail.
func (s *Service) FailNext(op string, status int, detail string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[op] = append(s.failures[op], failure{status: status, detail: detail})
}

// Calls returns how many requests for op reached the service.
func (s *Service) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// Queries returns the raw query strings of list requests, in order.
func (s *Service) Queries() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.queries...)
}

// Block holds every list request until Release is called.
func (s *Service) Block() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gate == nil {
		s.gate = make(chan struct{})
	}
}

// Release lets blocked list requests complete.
func (s *Service) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gate != nil {
		close(s.gate)
		s.gate = nil
	}
}

func (s *Service) begin(op string) (failure, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[op]++
	if q := s.failures[op]; len(q) > 0 {
		f := q[0]
		s.failures[op] = q[1:]
		return f, true
	}
	return failure{}, false
}

func (s *Service) handleList(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.queries = append(s.queries, r.URL.RawQuery)
	gate := s.gate
	s.mu.Unlock()

	select {
	case s.ListStarted <- struct{}{}:
	default:
	}
	if gate != nil {
		<-gate
	}

	if f, ok := s.begin(OpList); ok {
		writeDetail(w, f.status, f.detail)
		return
	}

	q := r.URL.Query()
	category := q.Get("category")

	var from, to time.Time
	weekStart := q.Get("week_start")
	if weekStart != "" {
		start, err := time.Parse(model.DateLayout, weekStart)
		if err != nil {
			writeDetail(w, http.StatusBadRequest, "Invalid date format")
			return
		}
		offset := (int(start.Weekday()) + 6) % 7
		from = start.AddDate(0, 0, -offset)
		to = from.AddDate(0, 0, 6).Add(24*time.Hour - time.Second)
	}

	s.mu.Lock()
	out := make([]model.TimeSlot, 0, len(s.slots))
	for _, sl := range s.slots {
		if category != "" && sl.Category != category {
			continue
		}
		if weekStart != "" {
			at, err := model.ParseWallClock(sl.StartTime, time.UTC)
			if err != nil || at.Before(from) || at.After(to) {
				continue
			}
		}
		out = append(out, sl)
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, out)
}

func (s *Service) handleCreate(w http.ResponseWriter, r *http.Request) {
	if f, ok := s.begin(OpCreate); ok {
		writeDetail(w, f.status, f.detail)
		return
	}

	var in model.TimeSlot
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, "invalid body")
		return
	}
	start, err1 := model.ParseWallClock(in.StartTime, time.UTC)
	end, err2 := model.ParseWallClock(in.EndTime, time.UTC)
	if err1 != nil || err2 != nil {
		writeDetail(w, http.StatusUnprocessableEntity, "invalid datetime")
		return
	}
	if !end.After(start) {
		writeDetail(w, http.StatusBadRequest, "End time must be after start time")
		return
	}

	in.UserID = nil
	id := s.Add(in)
	in.ID = model.IntPtr(id)
	writeJSON(w, http.StatusOK, in)
}

func (s *Service) handleSignup(w http.ResponseWriter, r *http.Request) {
	if f, ok := s.begin(OpSignup); ok {
		writeDetail(w, f.status, f.detail)
		return
	}
	id, err1 := strconv.Atoi(r.PathValue("id"))
	user, err2 := strconv.Atoi(r.PathValue("user"))
	if err1 != nil || err2 != nil {
		writeDetail(w, http.StatusUnprocessableEntity, "invalid path")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.slots {
		if *s.slots[i].ID != id {
			continue
		}
		if s.slots[i].UserID != nil {
			writeDetail(w, http.StatusBadRequest, "Slot already booked")
			return
		}
		s.slots[i].UserID = model.IntPtr(user)
		writeJSON(w, http.StatusOK, map[string]any{"message": "Successfully signed up", "slot_id": id})
		return
	}
	writeDetail(w, http.StatusNotFound, "Slot not found")
}

func (s *Service) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	if f, ok := s.begin(OpUnsubscribe); ok {
		writeDetail(w, f.status, f.detail)
		return
	}
	id, err := strconv.Atoi(r.PathValue("id"))
	if err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, "invalid path")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.slots {
		if *s.slots[i].ID != id {
			continue
		}
		if s.slots[i].UserID == nil {
			writeDetail(w, http.StatusBadRequest, "Slot is not booked")
			return
		}
		s.slots[i].UserID = nil
		writeJSON(w, http.StatusOK, map[string]any{"message": "Successfully unsubscribed", "slot_id": id})
		return
	}
	writeDetail(w, http.StatusNotFound, "Slot not found")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	if detail == "" {
		w.WriteHeader(status)
		return
	}
	writeJSON(w, status, map[string]string{"detail": detail})
}
