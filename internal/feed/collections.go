package feed

import (
	"encoding/json"

	"github.com/rotemtal/reserva/internal/cache"
	"github.com/rotemtal/reserva/internal/docstore"
	"github.com/rotemtal/reserva/internal/model"
)

// JSONCollection builds a Collection that unmarshals documents into T. The
// document id always wins over any id embedded in the body.
func JSONCollection[T cache.Doc](name string, withID func(T, string) T) Collection {
	return Collection{
		Name: name,
		Decode: func(doc docstore.Document) (cache.Doc, error) {
			var rec T
			if err := json.Unmarshal(doc.Data, &rec); err != nil {
				return nil, err
			}
			return withID(rec, doc.ID), nil
		},
	}
}

// Standard returns the collections every deployment mirrors.
func Standard() []Collection {
	return []Collection{
		JSONCollection(model.CollectionUsers, func(u model.User, id string) model.User {
			u.ID = id
			return u
		}),
		JSONCollection(model.CollectionBusinesses, func(b model.Business, id string) model.Business {
			b.ID = id
			return b
		}),
		JSONCollection(model.CollectionServices, func(s model.Service, id string) model.Service {
			s.ID = id
			return s
		}),
		JSONCollection(model.CollectionCalendar, func(e model.CalendarEvent, id string) model.CalendarEvent {
			e.ID = id
			return e
		}),
	}
}
