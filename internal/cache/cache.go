// Package cache holds the in-process replica of remote collections. Each
// logical collection is mirrored twice: an ordered list under the collection
// name and an id-indexed map under MapKey(name). The change feed keeps both
// forms current; request handlers only read.
package cache

import "sync"

// Doc is implemented by every record stored in id-addressed form.
type Doc interface {
	DocID() string
}

// MapKey returns the cache key of the id-indexed form of a collection.
func MapKey(collection string) string { return collection + "Map" }

type SetOptions struct {
	// Merge combines the incoming value with the existing one instead of
	// overwriting. Lists are appended; id-maps are unioned with incoming
	// entries winning on id collision.
	Merge bool
	// Replace upgrades a merge to upsert-by-id: list members with a known id
	// are replaced in place, unknown ids are appended.
	Replace bool
}

// Store is an explicitly constructed, injected replica store. All mutations
// are copy-on-write under one write lock, so a slice or map handed out by Get
// is an immutable snapshot and is never modified afterwards.
type Store struct {
	mu   sync.RWMutex
	data map[string]any
}

func New() *Store {
	return &Store{data: make(map[string]any)}
}

// Get returns the value stored under key, or def when absent.
func (s *Store) Get(key string, def any) any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.get(key, def)
}

// Set stores value under key, merging per opts.
func (s *Store) Set(key string, value any, opts SetOptions) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.set(key, value, opts)
}

// Delete removes the member with the given id from a list or map value, or
// drops the whole key when id is empty.
func (s *Store) Delete(key, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delete(key, id)
}

// Update runs fn while holding the write lock. The change feed uses it to
// mutate the list and map form of one collection as a single step: no reader
// can observe one form updated without the other.
func (s *Store) Update(fn func(tx *Tx)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&Tx{s: s})
}

// Tx exposes the store operations inside an Update callback.
type Tx struct {
	s *Store
}

func (tx *Tx) Get(key string, def any) any             { return tx.s.get(key, def) }
func (tx *Tx) Set(key string, value any, o SetOptions) { tx.s.set(key, value, o) }
func (tx *Tx) Delete(key, id string)                   { tx.s.delete(key, id) }

func (s *Store) get(key string, def any) any {
	v, ok := s.data[key]
	if !ok {
		return def
	}
	return v
}

func (s *Store) set(key string, value any, opts SetOptions) {
	if opts.Merge {
		s.data[key] = mergeValues(s.data[key], value, opts.Replace)
		return
	}
	s.data[key] = value
}

func (s *Store) delete(key, id string) {
	existing, ok := s.data[key]
	if !ok {
		return
	}
	if id == "" {
		delete(s.data, key)
		return
	}
	switch cur := existing.(type) {
	case []Doc:
		out := make([]Doc, 0, len(cur))
		for _, d := range cur {
			if d.DocID() != id {
				out = append(out, d)
			}
		}
		s.data[key] = out
	case map[string]Doc:
		out := make(map[string]Doc, len(cur))
		for k, v := range cur {
			if k != id {
				out[k] = v
			}
		}
		s.data[key] = out
	}
}

func mergeValues(existing, incoming any, replace bool) any {
	if existing == nil {
		return incoming
	}
	switch cur := existing.(type) {
	case []Doc:
		in, ok := incoming.([]Doc)
		if !ok {
			return incoming
		}
		if replace {
			return upsertList(cur, in)
		}
		out := make([]Doc, 0, len(cur)+len(in))
		out = append(out, cur...)
		out = append(out, in...)
		return out
	case map[string]Doc:
		// Both merge modes upsert by id here: a replayed "added" batch after a
		// feed reconnect must not leave duplicate entries.
		switch in := incoming.(type) {
		case []Doc:
			out := copyMap(cur, len(in))
			for _, d := range in {
				out[d.DocID()] = d
			}
			return out
		case map[string]Doc:
			out := copyMap(cur, len(in))
			for k, v := range in {
				out[k] = v
			}
			return out
		}
		return incoming
	default:
		return incoming
	}
}

func upsertList(existing, incoming []Doc) []Doc {
	byID := make(map[string]Doc, len(incoming))
	for _, d := range incoming {
		byID[d.DocID()] = d
	}
	out := make([]Doc, 0, len(existing)+len(incoming))
	seen := make(map[string]struct{}, len(existing))
	for _, d := range existing {
		if repl, ok := byID[d.DocID()]; ok {
			out = append(out, repl)
		} else {
			out = append(out, d)
		}
		seen[d.DocID()] = struct{}{}
	}
	for _, d := range incoming {
		if _, ok := seen[d.DocID()]; !ok {
			out = append(out, d)
		}
	}
	return out
}

func copyMap(src map[string]Doc, extra int) map[string]Doc {
	out := make(map[string]Doc, len(src)+extra)
	for k, v := range src {
		out[k] = v
	}
	return out
}

// List reads the list form of a collection as concrete records. Members of
// other types are skipped.
func List[T Doc](s *Store, key string) []T {
	docs, ok := s.Get(key, nil).([]Doc)
	if !ok {
		return nil
	}
	out := make([]T, 0, len(docs))
	for _, d := range docs {
		if v, ok := d.(T); ok {
			out = append(out, v)
		}
	}
	return out
}

// Lookup reads one record by id from the map form of a collection.
func Lookup[T Doc](s *Store, collection, id string) (T, bool) {
	var zero T
	m, ok := s.Get(MapKey(collection), nil).(map[string]Doc)
	if !ok {
		return zero, false
	}
	d, ok := m[id]
	if !ok {
		return zero, false
	}
	v, ok := d.(T)
	if !ok {
		return zero, false
	}
	return v, true
}
