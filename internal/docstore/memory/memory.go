// Package memory is an in-process docstore.Store used by tests and the
// DOCSTORE=memory dev mode. One mutex serializes all transactions, which makes
// them trivially serializable; committed writes are fanned out to subscribers
// in commit order.
package memory

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/rotemtal/reserva/internal/docstore"
)

type Store struct {
	mu          sync.Mutex
	collections map[string]map[string]json.RawMessage
	subs        map[string][]*subscriber
	closed      bool
}

func New() *Store {
	return &Store{
		collections: make(map[string]map[string]json.RawMessage),
		subs:        make(map[string][]*subscriber),
	}
}

func (s *Store) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx docstore.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{store: s}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	for _, w := range tx.writes {
		if w.delete {
			s.deleteLocked(w.collection, w.id)
		} else {
			s.setLocked(w.collection, w.id, w.data)
		}
	}
	return nil
}

func (s *Store) Get(ctx context.Context, collection, id string) (docstore.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(collection, id)
}

func (s *Store) List(ctx context.Context, collection string) ([]docstore.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listLocked(collection), nil
}

func (s *Store) Set(ctx context.Context, collection, id string, doc any) error {
	raw, err := docstore.Marshal(doc)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setLocked(collection, id, raw)
	return nil
}

func (s *Store) Delete(ctx context.Context, collection, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleteLocked(collection, id)
	return nil
}

func (s *Store) Subscribe(ctx context.Context, collection string) (<-chan docstore.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub := newSubscriber(ctx)
	sub.push(docstore.Batch{Snapshot: true, Added: s.listLocked(collection)})
	s.subs[collection] = append(s.subs[collection], sub)
	return sub.out, nil
}

func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for _, subs := range s.subs {
		for _, sub := range subs {
			sub.close()
		}
	}
	s.subs = make(map[string][]*subscriber)
}

func (s *Store) getLocked(collection, id string) (docstore.Document, error) {
	raw, ok := s.collections[collection][id]
	if !ok {
		return docstore.Document{}, docstore.ErrNotFound
	}
	return docstore.Document{ID: id, Data: raw}, nil
}

func (s *Store) listLocked(collection string) []docstore.Document {
	col := s.collections[collection]
	out := make([]docstore.Document, 0, len(col))
	for id, raw := range col {
		out = append(out, docstore.Document{ID: id, Data: raw})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Store) setLocked(collection, id string, raw json.RawMessage) {
	col, ok := s.collections[collection]
	if !ok {
		col = make(map[string]json.RawMessage)
		s.collections[collection] = col
	}
	_, existed := col[id]
	col[id] = raw

	doc := docstore.Document{ID: id, Data: raw}
	batch := docstore.Batch{Added: []docstore.Document{doc}}
	if existed {
		batch = docstore.Batch{Modified: []docstore.Document{doc}}
	}
	s.publishLocked(collection, batch)
}

func (s *Store) deleteLocked(collection, id string) {
	col, ok := s.collections[collection]
	if !ok {
		return
	}
	if _, existed := col[id]; !existed {
		return
	}
	delete(col, id)
	s.publishLocked(collection, docstore.Batch{Removed: []docstore.Document{{ID: id}}})
}

func (s *Store) publishLocked(collection string, batch docstore.Batch) {
	for _, sub := range s.subs[collection] {
		sub.push(batch)
	}
}

// memTx buffers writes until commit. Reads see committed state overlaid with
// the transaction's own pending writes.
type memTx struct {
	store  *Store
	writes []write
}

type write struct {
	collection string
	id         string
	data       json.RawMessage
	delete     bool
}

func (tx *memTx) Get(ctx context.Context, collection, id string) (docstore.Document, error) {
	for i := len(tx.writes) - 1; i >= 0; i-- {
		w := tx.writes[i]
		if w.collection != collection || w.id != id {
			continue
		}
		if w.delete {
			return docstore.Document{}, docstore.ErrNotFound
		}
		return docstore.Document{ID: id, Data: w.data}, nil
	}
	return tx.store.getLocked(collection, id)
}

func (tx *memTx) List(ctx context.Context, collection string) ([]docstore.Document, error) {
	byID := make(map[string]json.RawMessage)
	for _, doc := range tx.store.listLocked(collection) {
		byID[doc.ID] = doc.Data
	}
	for _, w := range tx.writes {
		if w.collection != collection {
			continue
		}
		if w.delete {
			delete(byID, w.id)
		} else {
			byID[w.id] = w.data
		}
	}
	out := make([]docstore.Document, 0, len(byID))
	for id, raw := range byID {
		out = append(out, docstore.Document{ID: id, Data: raw})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (tx *memTx) Set(ctx context.Context, collection, id string, doc any) error {
	raw, err := docstore.Marshal(doc)
	if err != nil {
		return err
	}
	tx.writes = append(tx.writes, write{collection: collection, id: id, data: raw})
	return nil
}

func (tx *memTx) Delete(ctx context.Context, collection, id string) error {
	tx.writes = append(tx.writes, write{collection: collection, id: id, delete: true})
	return nil
}

// subscriber pumps batches from an unbounded queue into its channel so that
// commits never block on slow consumers and per-subscription order holds.
type subscriber struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []docstore.Batch
	done   bool
	out    chan docstore.Batch
	ctx    context.Context
	cancel context.CancelFunc
}

func newSubscriber(ctx context.Context) *subscriber {
	subCtx, cancel := context.WithCancel(ctx)
	sub := &subscriber{
		out:    make(chan docstore.Batch),
		ctx:    subCtx,
		cancel: cancel,
	}
	sub.cond = sync.NewCond(&sub.mu)
	go sub.run()
	go func() {
		<-subCtx.Done()
		sub.close()
	}()
	return sub
}

func (sub *subscriber) push(batch docstore.Batch) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.done {
		return
	}
	sub.queue = append(sub.queue, batch)
	sub.cond.Signal()
}

func (sub *subscriber) close() {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.done {
		return
	}
	sub.done = true
	sub.cancel()
	sub.cond.Signal()
}

func (sub *subscriber) run() {
	defer close(sub.out)
	for {
		sub.mu.Lock()
		for len(sub.queue) == 0 && !sub.done {
			sub.cond.Wait()
		}
		if sub.done && len(sub.queue) == 0 {
			sub.mu.Unlock()
			return
		}
		batch := sub.queue[0]
		sub.queue = sub.queue[1:]
		sub.mu.Unlock()

		select {
		case sub.out <- batch:
		case <-sub.ctx.Done():
			return
		}
	}
}
