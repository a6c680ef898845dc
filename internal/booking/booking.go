// Package booking drives the calendar event lifecycle:
// BOOKED -> CONFIRMED, and BOOKED/CONFIRMED -> CANCELLED (terminal). The
// replica cache gives a fast overlap pre-check; the document-store
// transaction is the final authority on conflicts.
package booking

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/rotemtal/reserva/internal/cache"
	"github.com/rotemtal/reserva/internal/docstore"
	"github.com/rotemtal/reserva/internal/interval"
	"github.com/rotemtal/reserva/internal/model"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrSlotConflict      = errors.New("slot already booked")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrInvalidInterval   = errors.New("end must be after start")
)

type Service struct {
	store  docstore.Store
	cache  *cache.Store
	logger *slog.Logger
	tracer trace.Tracer
	now    func() time.Time
}

func New(store docstore.Store, c *cache.Store, logger *slog.Logger) *Service {
	return &Service{
		store:  store,
		cache:  c,
		logger: logger,
		tracer: otel.Tracer("booking"),
		now:    time.Now,
	}
}

type CreateInput struct {
	BusinessID string
	UserID     string
	ServiceID  string
	Start      int64
	End        int64
	Type       model.EventType
	Source     model.EventSource
	Notes      string
}

// Create books a new calendar event and returns its id. The cache pre-check
// fails fast on obvious conflicts; the transactional re-check decides, since
// the cache can lag the store by one feed round trip.
func (s *Service) Create(ctx context.Context, in CreateInput) (string, error) {
	if in.End <= in.Start {
		return "", ErrInvalidInterval
	}
	if in.Type == "" {
		in.Type = model.TypeAppointment
	}
	if in.Source == "" {
		in.Source = model.SourceWeb
	}

	title := string(in.Type)
	var svc model.Service
	if in.Type == model.TypeAppointment {
		var ok bool
		svc, ok = cache.Lookup[model.Service](s.cache, model.CollectionServices, in.ServiceID)
		if !ok {
			return "", ErrNotFound
		}
		title = svc.Name
	}

	span := interval.Interval{Start: in.Start, End: in.End}
	if s.hasCachedOverlap(in.BusinessID, span) {
		return "", ErrSlotConflict
	}

	ctx, traceSpan := s.tracer.Start(ctx, "booking.create", trace.WithAttributes(
		attribute.String("business_id", in.BusinessID),
	))
	defer traceSpan.End()

	now := s.now().UnixMilli()
	event := model.CalendarEvent{
		ID:         uuid.NewString(),
		BusinessID: in.BusinessID,
		UserID:     in.UserID,
		ServiceID:  svc.ID,
		Type:       in.Type,
		Status:     model.StatusBooked,
		Title:      title,
		Start:      in.Start,
		End:        in.End,
		Source:     in.Source,
		Notes:      in.Notes,
		Created:    now,
		Updated:    now,
	}

	err := s.store.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		overlap, err := hasStoredOverlap(ctx, tx, in.BusinessID, span)
		if err != nil {
			return err
		}
		if overlap {
			return ErrSlotConflict
		}
		return tx.Set(ctx, model.CollectionCalendar, event.ID, event)
	})
	if err != nil {
		if errors.Is(err, ErrSlotConflict) {
			return "", ErrSlotConflict
		}
		s.logger.Error("create booking transaction failed", "business_id", in.BusinessID, "err", err)
		return "", err
	}
	return event.ID, nil
}

// Confirm moves a booked event to CONFIRMED. Confirming a cancelled event is
// an invalid transition no matter how often cancel ran before.
func (s *Service) Confirm(ctx context.Context, eventID string) error {
	ctx, traceSpan := s.tracer.Start(ctx, "booking.confirm", trace.WithAttributes(
		attribute.String("event_id", eventID),
	))
	defer traceSpan.End()

	err := s.store.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		event, err := s.readEvent(ctx, tx, eventID)
		if err != nil {
			return err
		}
		if event.Status == model.StatusCancelled {
			return ErrInvalidTransition
		}
		event.Status = model.StatusConfirmed
		event.Updated = s.now().UnixMilli()
		return tx.Set(ctx, model.CollectionCalendar, eventID, event)
	})
	return s.mapTxErr(ctx, "confirm", eventID, err)
}

// Cancel moves an event to CANCELLED, overwriting notes with the reason when
// one is given. Cancelling an already cancelled event succeeds without
// rewriting the record.
func (s *Service) Cancel(ctx context.Context, eventID, reason string) error {
	ctx, traceSpan := s.tracer.Start(ctx, "booking.cancel", trace.WithAttributes(
		attribute.String("event_id", eventID),
	))
	defer traceSpan.End()

	err := s.store.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		event, err := s.readEvent(ctx, tx, eventID)
		if err != nil {
			return err
		}
		if event.Status == model.StatusCancelled {
			return nil
		}
		event.Status = model.StatusCancelled
		if reason != "" {
			event.Notes = reason
		}
		event.Updated = s.now().UnixMilli()
		return tx.Set(ctx, model.CollectionCalendar, eventID, event)
	})
	return s.mapTxErr(ctx, "cancel", eventID, err)
}

func (s *Service) readEvent(ctx context.Context, tx docstore.Tx, eventID string) (model.CalendarEvent, error) {
	doc, err := tx.Get(ctx, model.CollectionCalendar, eventID)
	if errors.Is(err, docstore.ErrNotFound) {
		return model.CalendarEvent{}, ErrNotFound
	}
	if err != nil {
		return model.CalendarEvent{}, err
	}
	var event model.CalendarEvent
	if err := json.Unmarshal(doc.Data, &event); err != nil {
		return model.CalendarEvent{}, err
	}
	event.ID = doc.ID
	return event, nil
}

func (s *Service) mapTxErr(ctx context.Context, op, eventID string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrInvalidTransition):
		// Expected outcomes, surfaced to the caller untouched.
		return err
	default:
		s.logger.Error("booking transaction failed", "op", op, "event_id", eventID, "err", err)
		return err
	}
}

func (s *Service) hasCachedOverlap(businessID string, span interval.Interval) bool {
	events := cache.List[model.CalendarEvent](s.cache, model.CollectionCalendar)
	for _, ev := range events {
		if ev.BusinessID != businessID || !ev.Status.Blocks() {
			continue
		}
		if interval.Overlaps(interval.Interval{Start: ev.Start, End: ev.End}, span) {
			return true
		}
	}
	return false
}

func hasStoredOverlap(ctx context.Context, tx docstore.Tx, businessID string, span interval.Interval) (bool, error) {
	docs, err := tx.List(ctx, model.CollectionCalendar)
	if err != nil {
		return false, err
	}
	for _, doc := range docs {
		var ev model.CalendarEvent
		if err := json.Unmarshal(doc.Data, &ev); err != nil {
			continue
		}
		if ev.BusinessID != businessID || !ev.Status.Blocks() {
			continue
		}
		if interval.Overlaps(interval.Interval{Start: ev.Start, End: ev.End}, span) {
			return true, nil
		}
	}
	return false, nil
}
