// Package handlers is the thin JSON surface over the booking core. All
// parsing and status mapping happens here; the core packages never see HTTP.
package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/rotemtal/reserva/internal/availability"
	"github.com/rotemtal/reserva/internal/booking"
	"github.com/rotemtal/reserva/internal/cache"
	"github.com/rotemtal/reserva/internal/model"
)

type Handler struct {
	booking *booking.Service
	engine  *availability.Engine
	cache   *cache.Store
	logger  *slog.Logger
}

func New(b *booking.Service, e *availability.Engine, c *cache.Store, logger *slog.Logger) *Handler {
	return &Handler{booking: b, engine: e, cache: c, logger: logger}
}

func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/appointments", h.Create)
	mux.HandleFunc("/api/v1/appointments/confirm", h.Confirm)
	mux.HandleFunc("/api/v1/appointments/cancel", h.Cancel)
	mux.HandleFunc("/api/v1/availability", h.Availability)
	mux.HandleFunc("/api/v1/business", h.BusinessSnapshot)
	mux.HandleFunc("/api/v1/collections/", h.Collection)
}

type createAppointmentRequest struct {
	BusinessID string `json:"business_id"`
	UserID     string `json:"user_id"`
	ServiceID  string `json:"service_id"`
	Start      int64  `json:"start"`
	End        int64  `json:"end"`
	Type       string `json:"type"`
	Source     string `json:"source"`
	Notes      string `json:"notes"`
}

type createAppointmentResponse struct {
	AppointmentID string `json:"appointment_id"`
}

func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req createAppointmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	req.BusinessID = strings.TrimSpace(req.BusinessID)
	req.UserID = strings.TrimSpace(req.UserID)
	if req.BusinessID == "" || req.UserID == "" {
		http.Error(w, "missing required fields", http.StatusBadRequest)
		return
	}

	id, err := h.booking.Create(r.Context(), booking.CreateInput{
		BusinessID: req.BusinessID,
		UserID:     req.UserID,
		ServiceID:  strings.TrimSpace(req.ServiceID),
		Start:      req.Start,
		End:        req.End,
		Type:       model.EventType(req.Type),
		Source:     model.EventSource(req.Source),
		Notes:      req.Notes,
	})
	if err != nil {
		h.writeBookingError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, createAppointmentResponse{AppointmentID: id})
}

type transitionRequest struct {
	AppointmentID string `json:"appointment_id"`
	Reason        string `json:"reason"`
}

type transitionResponse struct {
	AppointmentID string `json:"appointment_id"`
	Status        string `json:"status"`
}

func (h *Handler) Confirm(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeTransition(w, r)
	if !ok {
		return
	}
	if err := h.booking.Confirm(r.Context(), req.AppointmentID); err != nil {
		h.writeBookingError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, transitionResponse{AppointmentID: req.AppointmentID, Status: string(model.StatusConfirmed)})
}

func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeTransition(w, r)
	if !ok {
		return
	}
	if err := h.booking.Cancel(r.Context(), req.AppointmentID, strings.TrimSpace(req.Reason)); err != nil {
		h.writeBookingError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, transitionResponse{AppointmentID: req.AppointmentID, Status: string(model.StatusCancelled)})
}

func decodeTransition(w http.ResponseWriter, r *http.Request) (transitionRequest, bool) {
	var req transitionRequest
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return req, false
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return req, false
	}
	req.AppointmentID = strings.TrimSpace(req.AppointmentID)
	if req.AppointmentID == "" {
		http.Error(w, "appointment_id is required", http.StatusBadRequest)
		return req, false
	}
	return req, true
}

type slotItem struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

type availabilityResponse struct {
	Slots []slotItem `json:"slots"`
}

// Availability serves open slots for either a business or a service, never
// both. from/to are epoch milliseconds; omitted bounds fall back to the
// engine's default horizon.
func (h *Handler) Availability(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	businessID := strings.TrimSpace(r.URL.Query().Get("business_id"))
	serviceID := strings.TrimSpace(r.URL.Query().Get("service_id"))
	if (businessID == "") == (serviceID == "") {
		http.Error(w, "exactly one of business_id or service_id is required", http.StatusBadRequest)
		return
	}

	win, err := parseWindow(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var slots []availability.Slot
	if businessID != "" {
		slots, err = h.engine.BusinessSlots(businessID, win)
	} else {
		slots, err = h.engine.ServiceSlots(serviceID, win)
	}
	if err != nil {
		if errors.Is(err, availability.ErrBusinessNotFound) || errors.Is(err, availability.ErrServiceNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		h.logger.Error("availability query failed", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	resp := availabilityResponse{Slots: make([]slotItem, 0, len(slots))}
	for _, s := range slots {
		resp.Slots = append(resp.Slots, slotItem{Start: s.Start, End: s.End})
	}
	writeJSON(w, http.StatusOK, resp)
}

type businessSnapshot struct {
	Business model.Business        `json:"business"`
	Services []model.Service       `json:"services"`
	Calendar []calendarSnapshotRow `json:"calendar"`
}

type calendarSnapshotRow struct {
	Event   model.CalendarEvent `json:"event"`
	User    *model.User         `json:"user,omitempty"`
	Service *model.Service      `json:"service,omitempty"`
}

// BusinessSnapshot assembles a business with its services and calendar out of
// the replica cache, joining each event with its user and service records.
func (h *Handler) BusinessSnapshot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := strings.TrimSpace(r.URL.Query().Get("id"))
	if id == "" {
		http.Error(w, "id is required", http.StatusBadRequest)
		return
	}

	biz, ok := cache.Lookup[model.Business](h.cache, model.CollectionBusinesses, id)
	if !ok {
		http.Error(w, "business not found", http.StatusNotFound)
		return
	}

	snap := businessSnapshot{Business: biz, Services: []model.Service{}, Calendar: []calendarSnapshotRow{}}
	for _, svc := range cache.List[model.Service](h.cache, model.CollectionServices) {
		if svc.BusinessID == id {
			snap.Services = append(snap.Services, svc)
		}
	}
	for _, ev := range cache.List[model.CalendarEvent](h.cache, model.CollectionCalendar) {
		if ev.BusinessID != id {
			continue
		}
		row := calendarSnapshotRow{Event: ev}
		if u, ok := cache.Lookup[model.User](h.cache, model.CollectionUsers, ev.UserID); ok {
			row.User = &u
		}
		if s, ok := cache.Lookup[model.Service](h.cache, model.CollectionServices, ev.ServiceID); ok {
			row.Service = &s
		}
		snap.Calendar = append(snap.Calendar, row)
	}
	writeJSON(w, http.StatusOK, snap)
}

// Collection serves a cached collection's list form, optionally filtered by
// field equality taken from the query string, e.g.
// /api/v1/collections/calendar?businessId=biz-1&status=BOOKED.
func (h *Handler) Collection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	name := strings.TrimPrefix(r.URL.Path, "/api/v1/collections/")
	if name == "" || strings.Contains(name, "/") {
		http.Error(w, "collection name is required", http.StatusBadRequest)
		return
	}

	docs, ok := h.cache.Get(name, nil).([]cache.Doc)
	if !ok {
		http.Error(w, "collection not found", http.StatusNotFound)
		return
	}

	conditions := map[string]string{}
	for key, values := range r.URL.Query() {
		if len(values) > 0 {
			conditions[key] = values[0]
		}
	}

	out := make([]json.RawMessage, 0, len(docs))
	for _, doc := range docs {
		raw, err := json.Marshal(doc)
		if err != nil {
			continue
		}
		if matchesConditions(raw, conditions) {
			out = append(out, raw)
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// matchesConditions compares each condition against the document's JSON
// fields as strings. Equality only.
func matchesConditions(raw json.RawMessage, conditions map[string]string) bool {
	if len(conditions) == 0 {
		return true
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return false
	}
	for key, want := range conditions {
		got, ok := fields[key]
		if !ok {
			return false
		}
		switch v := got.(type) {
		case string:
			if v != want {
				return false
			}
		case float64:
			if strconv.FormatFloat(v, 'f', -1, 64) != want {
				return false
			}
		case bool:
			if strconv.FormatBool(v) != want {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func (h *Handler) writeBookingError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, booking.ErrNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	case errors.Is(err, booking.ErrSlotConflict):
		http.Error(w, "slot already booked", http.StatusConflict)
	case errors.Is(err, booking.ErrInvalidTransition):
		http.Error(w, "invalid status transition", http.StatusConflict)
	case errors.Is(err, booking.ErrInvalidInterval):
		http.Error(w, "end must be after start", http.StatusBadRequest)
	default:
		h.logger.Error("booking request failed", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func parseWindow(r *http.Request) (availability.Window, error) {
	var win availability.Window
	var err error
	if win.From, err = parseMillis(r.URL.Query().Get("from")); err != nil {
		return win, errors.New("invalid from")
	}
	if win.To, err = parseMillis(r.URL.Query().Get("to")); err != nil {
		return win, errors.New("invalid to")
	}
	return win, nil
}

func parseMillis(v string) (int64, error) {
	if strings.TrimSpace(v) == "" {
		return 0, nil
	}
	return strconv.ParseInt(v, 10, 64)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
