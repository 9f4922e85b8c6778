package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"slotbook/internal/admin"
	"slotbook/internal/api"
	"slotbook/internal/calendar"
	"slotbook/internal/config"
	"slotbook/internal/ics"
	appLog "slotbook/internal/log"
	"slotbook/internal/model"
	"slotbook/internal/notify"
	"slotbook/internal/prefs"
)

const maxBodyBytes = 4 << 20

// Deps are the controllers the local API drives.
type Deps struct {
	Calendar *calendar.Controller
	Admin    *admin.Controller
	Prefs    *prefs.Controller
	Alerts   *notify.Ring
}

// Server exposes the calendar, admin and preferences views as a local
// JSON API.
type Server struct {
	cfg  *config.Config
	deps Deps
	mux  *http.ServeMux
}

func NewServer(cfg *config.Config, deps Deps) *Server {
	s := &Server{
		cfg:  cfg,
		deps: deps,
		mux:  http.NewServeMux(),
	}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		return s.basicAuthMiddleware(h)
	}
	return h
}

// basicAuthEnabled reports whether HTTP Basic Auth is configured.
func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	// Empty credentials disable auth.
	if s.cfg.BasicAuth.Username == "" || s.cfg.BasicAuth.Password == "" {
		return false
	}
	return true
}

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="SlotBook", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Serve listens on cfg.Listen until ctx is canceled, then shuts down
// gracefully.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+s.cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)

	s.mux.HandleFunc("GET /api/calendar", s.handleCalendar)
	s.mux.HandleFunc("POST /api/calendar/previous", s.handleCalendarNav)
	s.mux.HandleFunc("POST /api/calendar/next", s.handleCalendarNav)
	s.mux.HandleFunc("POST /api/calendar/today", s.handleCalendarNav)
	s.mux.HandleFunc("POST /api/calendar/reload", s.handleCalendarNav)
	s.mux.HandleFunc("POST /api/calendar/slots/{id}/signup", s.handleSignup)
	s.mux.HandleFunc("POST /api/calendar/slots/{id}/unsubscribe", s.handleUnsubscribe)
	s.mux.HandleFunc("GET /calendar.ics", s.handleCalendarICS)

	s.mux.HandleFunc("GET /api/admin", s.handleAdmin)
	s.mux.HandleFunc("POST /api/admin/filter", s.handleAdminFilter)
	s.mux.HandleFunc("DELETE /api/admin/filter", s.handleAdminClearFilter)
	s.mux.HandleFunc("POST /api/admin/now", s.handleAdminNow)
	s.mux.HandleFunc("POST /api/admin/slots", s.handleAdminAddSlot)
	s.mux.HandleFunc("POST /api/admin/slots/recurring", s.handleAdminRecurring)
	s.mux.HandleFunc("POST /api/admin/import", s.handleAdminImport)

	s.mux.HandleFunc("GET /api/preferences", s.handlePreferences)
	s.mux.HandleFunc("PUT /api/preferences", s.handleSetPreferences)

	s.mux.HandleFunc("GET /api/alerts", s.handleAlerts)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// slotDTO is a slot plus the derived flags each view renders.
type slotDTO struct {
	model.TimeSlot
	Status       string `json:"status"`
	SignedUp     bool   `json:"signed_up,omitempty"`
	Past         bool   `json:"past,omitempty"`
	StartDisplay string `json:"start_display,omitempty"`
	EndDisplay   string `json:"end_display,omitempty"`
}

type calendarResponse struct {
	WeekStart     string    `json:"week_start"`
	WeekEnd       string    `json:"week_end"`
	WeekRange     string    `json:"week_range"`
	IsCurrentWeek bool      `json:"is_current_week"`
	Category      string    `json:"category"`
	UserID        int       `json:"user_id"`
	Loading       bool      `json:"loading"`
	Slots         []slotDTO `json:"slots"`
}

func (s *Server) calendarView() calendarResponse {
	cal := s.deps.Calendar
	ws := cal.WeekStart()
	slots := cal.Slots()

	dtos := make([]slotDTO, 0, len(slots))
	for _, sl := range slots {
		dtos = append(dtos, slotDTO{
			TimeSlot: sl,
			Status:   sl.Status(),
			SignedUp: cal.IsSignedUp(sl),
		})
	}
	return calendarResponse{
		WeekStart:     model.FormatDate(ws),
		WeekEnd:       model.FormatDate(calendar.WeekEnd(ws)),
		WeekRange:     cal.WeekRange(),
		IsCurrentWeek: cal.IsCurrentWeek(),
		Category:      cal.Category(),
		UserID:        cal.UserID(),
		Loading:       cal.Loading(),
		Slots:         dtos,
	}
}

func (s *Server) handleCalendar(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.calendarView())
}

// handleCalendarNav serves previous, next, today and reload. A reload
// dropped by the in-flight guard still answers with the current view.
func (s *Server) handleCalendarNav(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	cal := s.deps.Calendar

	switch r.URL.Path {
	case "/api/calendar/previous":
		cal.PreviousWeek(ctx)
	case "/api/calendar/next":
		cal.NextWeek(ctx)
	case "/api/calendar/today":
		cal.GoToCurrentWeek(ctx)
	default:
		if !cal.LoadSlots(ctx) {
			appLog.Debug("reload skipped, load already in progress")
		}
	}
	writeJSON(w, http.StatusOK, s.calendarView())
}

// displayedSlot resolves the {id} path value against the calendar list.
func (s *Server) displayedSlot(w http.ResponseWriter, r *http.Request) (model.TimeSlot, bool) {
	id, err := strconv.Atoi(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid slot id")
		return model.TimeSlot{}, false
	}
	slot, ok := s.deps.Calendar.SlotByID(id)
	if !ok {
		writeError(w, http.StatusNotFound, "slot is not on the displayed week")
		return model.TimeSlot{}, false
	}
	return slot, true
}

func (s *Server) handleSignup(w http.ResponseWriter, r *http.Request) {
	slot, ok := s.displayedSlot(w, r)
	if !ok {
		return
	}
	if err := s.deps.Calendar.Signup(r.Context(), slot); err != nil {
		writeError(w, upstreamStatus(err), api.DetailOf(err))
		return
	}
	writeJSON(w, http.StatusOK, s.calendarView())
}

func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	slot, ok := s.displayedSlot(w, r)
	if !ok {
		return
	}
	if err := s.deps.Calendar.Unsubscribe(r.Context(), slot); err != nil {
		writeError(w, upstreamStatus(err), api.DetailOf(err))
		return
	}
	writeJSON(w, http.StatusOK, s.calendarView())
}

func (s *Server) handleCalendarICS(w http.ResponseWriter, _ *http.Request) {
	cal := s.deps.Calendar
	data, err := ics.Export(cal.Slots(), cal.Location(), ics.ExportOptions{
		Name:   "SlotBook " + cal.Category() + " " + cal.WeekRange(),
		UserID: cal.UserID(),
	})
	if err != nil {
		appLog.Error("calendar export failed", err)
		writeError(w, http.StatusInternalServerError, "failed to export calendar")
		return
	}
	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="slots-`+model.FormatDate(cal.WeekStart())+`.ics"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

type adminResponse struct {
	Filter     string    `json:"filter"`
	Categories []string  `json:"categories"`
	Form       admin.Form `json:"form"`
	Booked     int       `json:"booked"`
	Available  int       `json:"available"`
	Slots      []slotDTO `json:"slots"`
}

func (s *Server) adminView() adminResponse {
	adm := s.deps.Admin
	slots := adm.Slots()

	dtos := make([]slotDTO, 0, len(slots))
	for _, sl := range slots {
		dtos = append(dtos, slotDTO{
			TimeSlot:     sl,
			Status:       adm.SlotStatus(sl),
			Past:         adm.IsPastSlot(sl),
			StartDisplay: adm.FormatDateTime(sl.StartTime),
			EndDisplay:   adm.FormatDateTime(sl.EndTime),
		})
	}
	booked, available := model.CountBooked(slots)
	return adminResponse{
		Filter:     adm.Filter(),
		Categories: adm.Categories(),
		Form:       adm.Form(),
		Booked:     booked,
		Available:  available,
		Slots:      dtos,
	}
}

func (s *Server) handleAdmin(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.adminView())
}

type categoryRequest struct {
	Category string `json:"category"`
}

func (s *Server) handleAdminFilter(w http.ResponseWriter, r *http.Request) {
	var req categoryRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	s.deps.Admin.ApplyFilter(r.Context(), req.Category)
	writeJSON(w, http.StatusOK, s.adminView())
}

func (s *Server) handleAdminClearFilter(w http.ResponseWriter, r *http.Request) {
	s.deps.Admin.ClearFilter(r.Context())
	writeJSON(w, http.StatusOK, s.adminView())
}

func (s *Server) handleAdminNow(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Admin.SetToNow())
}

// handleAdminAddSlot submits the form. A JSON body replaces the pending
// form first; an empty body submits it as-is.
func (s *Server) handleAdminAddSlot(w http.ResponseWriter, r *http.Request) {
	if r.ContentLength != 0 {
		var form admin.Form
		if !decodeJSON(w, r, &form) {
			return
		}
		s.deps.Admin.SetForm(form)
	}

	created, err := s.deps.Admin.AddSlot(r.Context())
	if err != nil {
		writeAdminError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

type recurringRequest struct {
	admin.Form
	RRule string `json:"rrule"`
}

func (s *Server) handleAdminRecurring(w http.ResponseWriter, r *http.Request) {
	var req recurringRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	s.deps.Admin.SetForm(req.Form)

	created, err := s.deps.Admin.AddRecurringSlots(r.Context(), req.RRule)
	if err != nil && len(created) == 0 {
		writeAdminError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, batchResponse{Created: created, Error: errString(err)})
}

type batchResponse struct {
	Created []model.TimeSlot `json:"created"`
	Error   string           `json:"error,omitempty"`
}

// handleAdminImport takes a raw iCalendar body. ?category= names the
// fallback for events without CATEGORIES.
func (s *Server) handleAdminImport(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "calendar too large")
		return
	}

	created, err := s.deps.Admin.ImportICS(r.Context(), data, r.URL.Query().Get("category"))
	if err != nil && len(created) == 0 {
		writeAdminError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, batchResponse{Created: created, Error: errString(err)})
}

type preferencesResponse struct {
	Category   string   `json:"category"`
	Categories []string `json:"categories"`
	Persisted  *bool    `json:"persisted,omitempty"`
}

func (s *Server) handlePreferences(w http.ResponseWriter, _ *http.Request) {
	p := s.deps.Prefs
	writeJSON(w, http.StatusOK, preferencesResponse{Category: p.Category(), Categories: p.Categories()})
}

func (s *Server) handleSetPreferences(w http.ResponseWriter, r *http.Request) {
	var req categoryRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	p := s.deps.Prefs
	err := p.Change(r.Context(), req.Category)
	if errors.Is(err, prefs.ErrUnknownCategory) {
		writeError(w, http.StatusBadRequest, "Please select a valid category")
		return
	}
	persisted := err == nil
	writeJSON(w, http.StatusOK, preferencesResponse{
		Category:   p.Category(),
		Categories: p.Categories(),
		Persisted:  &persisted,
	})
}

func (s *Server) handleAlerts(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Alerts == nil {
		writeJSON(w, http.StatusOK, []notify.Entry{})
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Alerts.Drain())
}

// upstreamStatus maps a booking-service failure onto a local status:
// service client errors pass through, anything else is a bad gateway.
func upstreamStatus(err error) int {
	var apiErr *api.Error
	if errors.As(err, &apiErr) && apiErr.Status >= 400 && apiErr.Status < 500 {
		return apiErr.Status
	}
	return http.StatusBadGateway
}

func writeAdminError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, admin.ErrMissingTimes),
		errors.Is(err, admin.ErrInvertedRange),
		errors.Is(err, admin.ErrUnknownCategory):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		var apiErr *api.Error
		if errors.As(err, &apiErr) {
			writeError(w, upstreamStatus(err), api.DetailOf(err))
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return api.DetailOf(err)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
