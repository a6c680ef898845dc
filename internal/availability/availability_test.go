package availability

import (
	"errors"
	"testing"
	"time"

	"github.com/rotemtal/reserva/internal/cache"
	"github.com/rotemtal/reserva/internal/model"
)

// 2026-01-26 is a Monday.
var monday = time.Date(2026, 1, 26, 0, 0, 0, 0, time.UTC)

func mondaySchedule() model.OperationSchedule {
	return model.OperationSchedule{
		{Day: 1, Ranges: []model.DailyTimeRange{{StartMin: 540, EndMin: 1020}}}, // 09:00-17:00
	}
}

func seed(t *testing.T, biz model.Business, services []model.Service, events []model.CalendarEvent) *cache.Store {
	t.Helper()
	c := cache.New()
	c.Set(model.CollectionBusinesses, []cache.Doc{biz}, cache.SetOptions{})
	c.Set(cache.MapKey(model.CollectionBusinesses), map[string]cache.Doc{biz.ID: biz}, cache.SetOptions{})

	svcDocs := make([]cache.Doc, 0, len(services))
	svcMap := make(map[string]cache.Doc, len(services))
	for _, s := range services {
		svcDocs = append(svcDocs, s)
		svcMap[s.ID] = s
	}
	c.Set(model.CollectionServices, svcDocs, cache.SetOptions{})
	c.Set(cache.MapKey(model.CollectionServices), svcMap, cache.SetOptions{})

	evDocs := make([]cache.Doc, 0, len(events))
	for _, e := range events {
		evDocs = append(evDocs, e)
	}
	c.Set(model.CollectionCalendar, evDocs, cache.SetOptions{})
	return c
}

func at(day time.Time, hour, minute int) int64 {
	return day.Add(time.Duration(hour)*time.Hour + time.Duration(minute)*time.Minute).UnixMilli()
}

func mondayWindow() Window {
	return Window{From: monday.UnixMilli(), To: monday.UnixMilli()}
}

func engineAt(c *cache.Store, now time.Time) *Engine {
	e := NewEngine(c, time.UTC)
	e.now = func() time.Time { return now }
	return e
}

func TestBusinessSlotsAroundOneBooking(t *testing.T) {
	biz := model.Business{ID: "biz-1", OperationSchedule: mondaySchedule()}
	events := []model.CalendarEvent{{
		ID:         "ev-1",
		BusinessID: "biz-1",
		Status:     model.StatusBooked,
		Start:      at(monday, 10, 0),
		End:        at(monday, 10, 30),
	}}
	e := engineAt(seed(t, biz, nil, events), monday)

	slots, err := e.BusinessSlots("biz-1", mondayWindow())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []Slot{
		{Start: at(monday, 9, 0), End: at(monday, 10, 0)},
		{Start: at(monday, 10, 30), End: at(monday, 17, 0)},
	}
	if len(slots) != 2 || slots[0] != want[0] || slots[1] != want[1] {
		t.Fatalf("expected %+v, got %+v", want, slots)
	}
}

func TestClosedDayContributesNothing(t *testing.T) {
	biz := model.Business{ID: "biz-1", OperationSchedule: mondaySchedule()}
	e := engineAt(seed(t, biz, nil, nil), monday)

	tuesday := monday.AddDate(0, 0, 1)
	slots, err := e.BusinessSlots("biz-1", Window{From: tuesday.UnixMilli(), To: tuesday.UnixMilli()})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(slots) != 0 {
		t.Fatalf("expected no slots on a closed day, got %+v", slots)
	}
}

func TestNonBlockingStatusesDoNotBlock(t *testing.T) {
	biz := model.Business{ID: "biz-1", OperationSchedule: mondaySchedule()}
	events := []model.CalendarEvent{
		{ID: "a", BusinessID: "biz-1", Status: model.StatusCancelled, Start: at(monday, 9, 0), End: at(monday, 12, 0)},
		{ID: "b", BusinessID: "biz-1", Status: model.StatusDone, Start: at(monday, 12, 0), End: at(monday, 14, 0)},
		{ID: "c", BusinessID: "biz-1", Status: model.StatusNoShow, Start: at(monday, 14, 0), End: at(monday, 17, 0)},
	}
	e := engineAt(seed(t, biz, nil, events), monday)

	slots, err := e.BusinessSlots("biz-1", mondayWindow())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(slots) != 1 || slots[0].Start != at(monday, 9, 0) || slots[0].End != at(monday, 17, 0) {
		t.Fatalf("expected the full day open, got %+v", slots)
	}
}

func TestVacationBlocksWhileBooked(t *testing.T) {
	biz := model.Business{ID: "biz-1", OperationSchedule: mondaySchedule()}
	events := []model.CalendarEvent{{
		ID:         "vac",
		BusinessID: "biz-1",
		Type:       model.TypeVacation,
		Status:     model.StatusBooked,
		Start:      at(monday, 9, 0),
		End:        at(monday, 17, 0),
	}}
	e := engineAt(seed(t, biz, nil, events), monday)

	slots, err := e.BusinessSlots("biz-1", mondayWindow())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(slots) != 0 {
		t.Fatalf("expected vacation to block the day, got %+v", slots)
	}
}

func TestOtherBusinessEventsIgnored(t *testing.T) {
	biz := model.Business{ID: "biz-1", OperationSchedule: mondaySchedule()}
	events := []model.CalendarEvent{{
		ID:         "x",
		BusinessID: "biz-2",
		Status:     model.StatusBooked,
		Start:      at(monday, 9, 0),
		End:        at(monday, 17, 0),
	}}
	e := engineAt(seed(t, biz, nil, events), monday)

	slots, err := e.BusinessSlots("biz-1", mondayWindow())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(slots) != 1 {
		t.Fatalf("expected another business's event to be ignored, got %+v", slots)
	}
}

func TestServiceSlotsFilterTooShort(t *testing.T) {
	biz := model.Business{ID: "biz-1", OperationSchedule: mondaySchedule()}
	svc := model.Service{
		ID:            "svc-1",
		BusinessID:    "biz-1",
		DurationMin:   40,
		PaddingBefore: 10,
		PaddingAfter:  10,
	}
	// Bookings leave a 60-minute hole (09:00-10:00) and a 30-minute hole
	// (10:30-11:00); only the first fits 40+10+10 minutes.
	events := []model.CalendarEvent{
		{ID: "a", BusinessID: "biz-1", Status: model.StatusBooked, Start: at(monday, 10, 0), End: at(monday, 10, 30)},
		{ID: "b", BusinessID: "biz-1", Status: model.StatusConfirmed, Start: at(monday, 11, 0), End: at(monday, 17, 0)},
	}
	e := engineAt(seed(t, biz, []model.Service{svc}, events), monday)

	slots, err := e.ServiceSlots("svc-1", mondayWindow())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(slots) != 1 || slots[0].Start != at(monday, 9, 0) || slots[0].End != at(monday, 10, 0) {
		t.Fatalf("expected only the 09:00-10:00 hole, got %+v", slots)
	}
}

func TestServiceSlotsEmptyWhenNothingFits(t *testing.T) {
	biz := model.Business{ID: "biz-1", OperationSchedule: mondaySchedule()}
	svc := model.Service{ID: "svc-1", BusinessID: "biz-1", DurationMin: 480, PaddingBefore: 30, PaddingAfter: 30}
	e := engineAt(seed(t, biz, []model.Service{svc}, nil), monday)

	slots, err := e.ServiceSlots("svc-1", mondayWindow())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(slots) != 0 {
		t.Fatalf("expected no slot to fit duration+paddings, got %+v", slots)
	}
}

func TestServiceScheduleOverride(t *testing.T) {
	biz := model.Business{ID: "biz-1", OperationSchedule: mondaySchedule()}
	svc := model.Service{
		ID:          "svc-1",
		BusinessID:  "biz-1",
		DurationMin: 30,
		OperationSchedule: model.OperationSchedule{
			{Day: 1, Ranges: []model.DailyTimeRange{{StartMin: 600, EndMin: 720}}}, // 10:00-12:00
		},
	}
	e := engineAt(seed(t, biz, []model.Service{svc}, nil), monday)

	slots, err := e.ServiceSlots("svc-1", mondayWindow())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(slots) != 1 || slots[0].Start != at(monday, 10, 0) || slots[0].End != at(monday, 12, 0) {
		t.Fatalf("expected the override schedule window, got %+v", slots)
	}
}

func TestDefaultWindowSpans90Days(t *testing.T) {
	// Open every day of the week so the slot count equals the day count.
	var everyDay model.OperationSchedule
	for d := 0; d < 7; d++ {
		everyDay = append(everyDay, model.DaySchedule{Day: d, Ranges: []model.DailyTimeRange{{StartMin: 540, EndMin: 1020}}})
	}
	biz := model.Business{ID: "biz-1", OperationSchedule: everyDay}
	e := engineAt(seed(t, biz, nil, nil), monday)

	slots, err := e.BusinessSlots("biz-1", Window{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(slots) != defaultHorizonDays+1 {
		t.Fatalf("expected %d daily slots, got %d", defaultHorizonDays+1, len(slots))
	}
}

func TestNotFound(t *testing.T) {
	biz := model.Business{ID: "biz-1", OperationSchedule: mondaySchedule()}
	e := engineAt(seed(t, biz, nil, nil), monday)

	if _, err := e.BusinessSlots("nope", mondayWindow()); !errors.Is(err, ErrBusinessNotFound) {
		t.Fatalf("expected ErrBusinessNotFound, got %v", err)
	}
	if _, err := e.ServiceSlots("nope", mondayWindow()); !errors.Is(err, ErrServiceNotFound) {
		t.Fatalf("expected ErrServiceNotFound, got %v", err)
	}
}
