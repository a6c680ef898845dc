package booking

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/rotemtal/reserva/internal/cache"
	"github.com/rotemtal/reserva/internal/docstore/memory"
	"github.com/rotemtal/reserva/internal/model"
)

func newService(t *testing.T) (*Service, *memory.Store, *cache.Store) {
	t.Helper()
	store := memory.New()
	c := cache.New()
	svc := model.Service{ID: "svc-1", BusinessID: "biz-1", Name: "Haircut", DurationMin: 30, Active: true}
	c.Set(cache.MapKey(model.CollectionServices), map[string]cache.Doc{svc.ID: svc}, cache.SetOptions{})

	s := New(store, c, slog.New(slog.NewTextHandler(io.Discard, nil)))
	s.now = func() time.Time { return time.UnixMilli(1_700_000_000_000) }
	return s, store, c
}

func createInput(start, end int64) CreateInput {
	return CreateInput{
		BusinessID: "biz-1",
		UserID:     "user-1",
		ServiceID:  "svc-1",
		Start:      start,
		End:        end,
		Type:       model.TypeAppointment,
	}
}

func readEvent(t *testing.T, store *memory.Store, id string) model.CalendarEvent {
	t.Helper()
	doc, err := store.Get(context.Background(), model.CollectionCalendar, id)
	if err != nil {
		t.Fatalf("read event %s: %v", id, err)
	}
	var ev model.CalendarEvent
	if err := json.Unmarshal(doc.Data, &ev); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	return ev
}

func TestCreatePersistsBookedEvent(t *testing.T) {
	s, store, _ := newService(t)

	id, err := s.Create(context.Background(), createInput(1000, 2000))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	ev := readEvent(t, store, id)
	if ev.Status != model.StatusBooked {
		t.Fatalf("expected BOOKED, got %s", ev.Status)
	}
	if ev.Title != "Haircut" {
		t.Fatalf("expected title from service, got %q", ev.Title)
	}
	if ev.Source != model.SourceWeb {
		t.Fatalf("expected default source web, got %q", ev.Source)
	}
}

func TestCreateUnknownService(t *testing.T) {
	s, _, _ := newService(t)
	in := createInput(1000, 2000)
	in.ServiceID = "nope"
	if _, err := s.Create(context.Background(), in); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCreateNonAppointmentNeedsNoService(t *testing.T) {
	s, store, _ := newService(t)
	in := CreateInput{BusinessID: "biz-1", UserID: "user-1", Start: 1000, End: 2000, Type: model.TypeVacation}
	id, err := s.Create(context.Background(), in)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if ev := readEvent(t, store, id); ev.Title != string(model.TypeVacation) {
		t.Fatalf("expected type as title, got %q", ev.Title)
	}
}

func TestCreateInvalidInterval(t *testing.T) {
	s, _, _ := newService(t)
	if _, err := s.Create(context.Background(), createInput(2000, 2000)); !errors.Is(err, ErrInvalidInterval) {
		t.Fatalf("expected ErrInvalidInterval, got %v", err)
	}
}

func TestCreateCachePreCheckRejectsOverlap(t *testing.T) {
	s, store, c := newService(t)
	busy := model.CalendarEvent{ID: "ev-1", BusinessID: "biz-1", Status: model.StatusBooked, Start: 1500, End: 2500}
	c.Set(model.CollectionCalendar, []cache.Doc{busy}, cache.SetOptions{})

	if _, err := s.Create(context.Background(), createInput(1000, 2000)); !errors.Is(err, ErrSlotConflict) {
		t.Fatalf("expected ErrSlotConflict, got %v", err)
	}
	docs, err := store.List(context.Background(), model.CollectionCalendar)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(docs) != 0 {
		t.Fatalf("pre-check conflict must not reach the store, got %d docs", len(docs))
	}
}

// The cache can lag the store; the transactional re-check must still reject.
func TestCreateTransactionalRecheckRejectsOverlap(t *testing.T) {
	s, store, _ := newService(t)
	busy := model.CalendarEvent{ID: "ev-1", BusinessID: "biz-1", Status: model.StatusConfirmed, Start: 1500, End: 2500}
	if err := store.Set(context.Background(), model.CollectionCalendar, busy.ID, busy); err != nil {
		t.Fatalf("seed store: %v", err)
	}

	if _, err := s.Create(context.Background(), createInput(1000, 2000)); !errors.Is(err, ErrSlotConflict) {
		t.Fatalf("expected ErrSlotConflict, got %v", err)
	}
}

func TestCreateIgnoresNonBlockingEvents(t *testing.T) {
	s, store, _ := newService(t)
	cancelled := model.CalendarEvent{ID: "ev-1", BusinessID: "biz-1", Status: model.StatusCancelled, Start: 1000, End: 2000}
	if err := store.Set(context.Background(), model.CollectionCalendar, cancelled.ID, cancelled); err != nil {
		t.Fatalf("seed store: %v", err)
	}
	if _, err := s.Create(context.Background(), createInput(1000, 2000)); err != nil {
		t.Fatalf("cancelled event must not block: %v", err)
	}
}

func TestConcurrentCreatesOneWins(t *testing.T) {
	s, _, _ := newService(t)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = s.Create(context.Background(), createInput(1000, 2000))
		}(i)
	}
	wg.Wait()

	var ok, conflict int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrSlotConflict):
			conflict++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 1 || conflict != 1 {
		t.Fatalf("expected exactly one winner, got ok=%d conflict=%d", ok, conflict)
	}
}

func TestConfirm(t *testing.T) {
	s, store, _ := newService(t)
	id, err := s.Create(context.Background(), createInput(1000, 2000))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := s.Confirm(context.Background(), id); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if ev := readEvent(t, store, id); ev.Status != model.StatusConfirmed {
		t.Fatalf("expected CONFIRMED, got %s", ev.Status)
	}

	if err := s.Confirm(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestConfirmCancelledFailsEveryTime(t *testing.T) {
	s, _, _ := newService(t)
	id, err := s.Create(context.Background(), createInput(1000, 2000))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := s.Cancel(context.Background(), id, "closed"); err != nil {
			t.Fatalf("cancel #%d: %v", i+1, err)
		}
	}
	if err := s.Confirm(context.Background(), id); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestCancelIdempotent(t *testing.T) {
	s, store, _ := newService(t)
	id, err := s.Create(context.Background(), createInput(1000, 2000))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := s.Cancel(context.Background(), id, "first reason"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	first := readEvent(t, store, id)
	if first.Status != model.StatusCancelled || first.Notes != "first reason" {
		t.Fatalf("unexpected state after cancel: %+v", first)
	}

	// Second cancel succeeds without rewriting the record.
	if err := s.Cancel(context.Background(), id, "second reason"); err != nil {
		t.Fatalf("repeat cancel: %v", err)
	}
	second := readEvent(t, store, id)
	if second != first {
		t.Fatalf("repeat cancel rewrote the record: %+v vs %+v", second, first)
	}

	if err := s.Cancel(context.Background(), "missing", ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCancelWithoutReasonKeepsNotes(t *testing.T) {
	s, store, _ := newService(t)
	in := createInput(1000, 2000)
	in.Notes = "bring photo reference"
	id, err := s.Create(context.Background(), in)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.Cancel(context.Background(), id, ""); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if ev := readEvent(t, store, id); ev.Notes != "bring photo reference" {
		t.Fatalf("expected notes preserved, got %q", ev.Notes)
	}
}
