// Package availability derives open slots from weekly operation schedules
// minus the busy calendar events mirrored in the replica cache.
package availability

import (
	"errors"
	"time"

	"github.com/rotemtal/reserva/internal/cache"
	"github.com/rotemtal/reserva/internal/interval"
	"github.com/rotemtal/reserva/internal/model"
)

var (
	ErrBusinessNotFound = errors.New("business not found")
	ErrServiceNotFound  = errors.New("service not found")
)

// Slot is a computed open span. Ephemeral, never persisted.
type Slot = interval.Interval

// Window bounds the computation in epoch milliseconds. Zero fields fall back
// to now and now+90 days.
type Window struct {
	From int64
	To   int64
}

const (
	defaultHorizonDays = 90
	minuteMillis       = int64(time.Minute / time.Millisecond)
)

type Engine struct {
	cache *cache.Store
	loc   *time.Location
	now   func() time.Time
}

// NewEngine builds an engine computing schedules in loc; nil means UTC.
func NewEngine(c *cache.Store, loc *time.Location) *Engine {
	if loc == nil {
		loc = time.UTC
	}
	return &Engine{cache: c, loc: loc, now: time.Now}
}

// BusinessSlots returns the open slots of a business over the window, in
// chronological order, non-overlapping, each with End > Start.
func (e *Engine) BusinessSlots(businessID string, win Window) ([]Slot, error) {
	biz, ok := cache.Lookup[model.Business](e.cache, model.CollectionBusinesses, businessID)
	if !ok {
		return nil, ErrBusinessNotFound
	}
	return e.compute(businessID, biz.OperationSchedule, win), nil
}

// ServiceSlots computes slots against the service's schedule override when it
// has one, else the business default, and drops every slot too short for the
// service duration plus its paddings.
func (e *Engine) ServiceSlots(serviceID string, win Window) ([]Slot, error) {
	svc, ok := cache.Lookup[model.Service](e.cache, model.CollectionServices, serviceID)
	if !ok {
		return nil, ErrServiceNotFound
	}
	schedule := svc.OperationSchedule
	if len(schedule) == 0 {
		biz, ok := cache.Lookup[model.Business](e.cache, model.CollectionBusinesses, svc.BusinessID)
		if !ok {
			return nil, ErrBusinessNotFound
		}
		schedule = biz.OperationSchedule
	}

	raw := e.compute(svc.BusinessID, schedule, win)
	minLength := int64(svc.DurationMin+svc.PaddingBefore+svc.PaddingAfter) * minuteMillis
	out := make([]Slot, 0, len(raw))
	for _, slot := range raw {
		if slot.End-slot.Start >= minLength {
			out = append(out, slot)
		}
	}
	return out, nil
}

func (e *Engine) compute(businessID string, schedule model.OperationSchedule, win Window) []Slot {
	now := e.now().In(e.loc)
	from := now
	if win.From > 0 {
		from = time.UnixMilli(win.From).In(e.loc)
	}
	to := now.AddDate(0, 0, defaultHorizonDays)
	if win.To > 0 {
		to = time.UnixMilli(win.To).In(e.loc)
	}

	day := e.midnight(from)
	lastDay := e.midnight(to)

	var out []Slot
	for !day.After(lastDay) {
		ranges := schedule.ForDay(int(day.Weekday()))
		if len(ranges) > 0 {
			dayStart := day.UnixMilli()
			dayEnd := day.AddDate(0, 0, 1).UnixMilli()
			busy := e.busyIntervals(businessID, dayStart, dayEnd)
			for _, r := range ranges {
				free := interval.Interval{
					Start: dayStart + int64(r.StartMin)*minuteMillis,
					End:   dayStart + int64(r.EndMin)*minuteMillis,
				}
				out = append(out, interval.Subtract(free, busy)...)
			}
		}
		day = day.AddDate(0, 0, 1)
	}
	return out
}

// busyIntervals returns the spans of every blocking event of the business
// intersecting [dayStart, dayEnd).
func (e *Engine) busyIntervals(businessID string, dayStart, dayEnd int64) []interval.Interval {
	events := cache.List[model.CalendarEvent](e.cache, model.CollectionCalendar)
	var busy []interval.Interval
	for _, ev := range events {
		if ev.BusinessID != businessID || !ev.Status.Blocks() {
			continue
		}
		if ev.End > dayStart && ev.Start < dayEnd {
			busy = append(busy, interval.Interval{Start: ev.Start, End: ev.End})
		}
	}
	return busy
}

func (e *Engine) midnight(t time.Time) time.Time {
	t = t.In(e.loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, e.loc)
}
