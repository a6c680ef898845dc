package model

type EventStatus string

const (
	StatusBooked    EventStatus = "BOOKED"
	StatusConfirmed EventStatus = "CONFIRMED"
	StatusCancelled EventStatus = "CANCELLED"
	StatusNoShow    EventStatus = "NO_SHOW"
	StatusDone      EventStatus = "DONE"
)

// Blocks reports whether an event in this status occupies its time slot.
// Cancelled, done and no-show events never block availability.
func (s EventStatus) Blocks() bool {
	switch s {
	case StatusCancelled, StatusDone, StatusNoShow:
		return false
	default:
		return true
	}
}

type EventType string

const (
	TypeAppointment EventType = "APPOINTMENT"
	TypeVacation    EventType = "VACATION"
	TypeHoliday     EventType = "HOLIDAY"
	TypeOther       EventType = "OTHER"
)

type EventSource string

const (
	SourceWeb    EventSource = "web"
	SourceAdmin  EventSource = "admin"
	SourceImport EventSource = "import"
)

// CalendarEvent is the read model of one calendar document. Times are epoch
// milliseconds and all intervals are half-open [Start, End).
type CalendarEvent struct {
	ID         string      `json:"id"`
	BusinessID string      `json:"businessId"`
	UserID     string      `json:"userId"`
	ServiceID  string      `json:"serviceId,omitempty"`
	Type       EventType   `json:"type"`
	Status     EventStatus `json:"status"`
	Title      string      `json:"title"`
	Start      int64       `json:"start"`
	End        int64       `json:"end"`
	Source     EventSource `json:"source,omitempty"`
	Notes      string      `json:"notes,omitempty"`
	Created    int64       `json:"created"`
	Updated    int64       `json:"timestamp"`
}

func (e CalendarEvent) DocID() string { return e.ID }

// DailyTimeRange is a span within one day, in minutes since local midnight.
type DailyTimeRange struct {
	StartMin int `json:"startMin"`
	EndMin   int `json:"endMin"`
}

// DaySchedule holds the open ranges for one weekday (0 = Sunday).
type DaySchedule struct {
	Day    int              `json:"day"`
	Ranges []DailyTimeRange `json:"intervals"`
}

type OperationSchedule []DaySchedule

// ForDay returns the positive-length ranges of the first entry matching the
// weekday. Input ranges may be unsorted or zero-length; callers get only
// ranges with EndMin > StartMin.
func (s OperationSchedule) ForDay(weekday int) []DailyTimeRange {
	for _, day := range s {
		if day.Day != weekday {
			continue
		}
		out := make([]DailyTimeRange, 0, len(day.Ranges))
		for _, r := range day.Ranges {
			if r.EndMin > r.StartMin {
				out = append(out, r)
			}
		}
		return out
	}
	return nil
}

type Business struct {
	ID                string            `json:"id"`
	Name              string            `json:"name"`
	OwnerID           string            `json:"ownerId"`
	Phone             string            `json:"phone,omitempty"`
	IsActive          bool              `json:"isActive"`
	OperationSchedule OperationSchedule `json:"operationSchedule"`
	Lang              string            `json:"lang,omitempty"`
	Created           int64             `json:"created"`
	Updated           int64             `json:"timestamp"`
}

func (b Business) DocID() string { return b.ID }

type Service struct {
	ID                string            `json:"id"`
	BusinessID        string            `json:"businessId"`
	Name              string            `json:"name"`
	DurationMin       int               `json:"durationMin"`
	Price             float64           `json:"price"`
	OperationSchedule OperationSchedule `json:"operationSchedule,omitempty"`
	PaddingBefore     int               `json:"paddingBefore,omitempty"`
	PaddingAfter      int               `json:"paddingAfter,omitempty"`
	Active            bool              `json:"active"`
	Created           int64             `json:"created"`
	Updated           int64             `json:"timestamp"`
}

func (s Service) DocID() string { return s.ID }

type UserKind string

const (
	UserBusiness UserKind = "business"
	UserCustomer UserKind = "customer"
)

// BusinessProfile carries the fields only business-owner users have.
type BusinessProfile struct {
	OwnedBusinessIDs []string `json:"ownedBusinessIds,omitempty"`
}

// CustomerProfile carries the fields only customer users have.
type CustomerProfile struct {
	BusinessIDs          []string `json:"businessIds,omitempty"`
	BlockedByBusinessIDs []string `json:"blockedByBusinessIds,omitempty"`
}

// User is a tagged variant: Kind discriminates, and exactly one of the
// capability payloads is expected to be set. Use sites switch on Kind rather
// than sniffing fields.
type User struct {
	ID        string           `json:"id"`
	Kind      UserKind         `json:"type"`
	Email     string           `json:"email"`
	Phone     string           `json:"phone"`
	FirstName string           `json:"firstName"`
	LastName  string           `json:"lastName"`
	IsActive  bool             `json:"isActive"`
	Business  *BusinessProfile `json:"business,omitempty"`
	Customer  *CustomerProfile `json:"customer,omitempty"`
	Created   int64            `json:"created"`
	Updated   int64            `json:"timestamp"`
}

func (u User) DocID() string { return u.ID }

// Collection names as stored in the document store and mirrored in the cache.
const (
	CollectionUsers      = "users"
	CollectionBusinesses = "businesses"
	CollectionServices   = "services"
	CollectionCalendar   = "calendar"
)
