// Package feed applies document-store change batches to the replica cache.
// Each collection runs UNSYNCED until its snapshot batch lands, then stays
// SYNCED for the life of the process.
package feed

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/rotemtal/reserva/internal/cache"
	"github.com/rotemtal/reserva/internal/docstore"
)

// Source is any change-feed provider: the document store itself or an
// external transport such as Kafka. The first batch on a subscription must be
// the full snapshot.
type Source interface {
	Subscribe(ctx context.Context, collection string) (<-chan docstore.Batch, error)
}

// Decoder turns one raw document into its cached record.
type Decoder func(docstore.Document) (cache.Doc, error)

type Collection struct {
	Name   string
	Decode Decoder
}

type Sync struct {
	source Source
	cache  *cache.Store
	logger *slog.Logger
	tracer trace.Tracer

	mu    sync.Mutex
	ready map[string]chan struct{}
}

func New(source Source, c *cache.Store, logger *slog.Logger) *Sync {
	return &Sync{
		source: source,
		cache:  c,
		logger: logger,
		tracer: otel.Tracer("feed"),
		ready:  make(map[string]chan struct{}),
	}
}

// Start subscribes every collection and launches one applier goroutine per
// collection. Batches for one collection apply strictly in arrival order;
// collections proceed independently of each other.
func (s *Sync) Start(ctx context.Context, collections ...Collection) error {
	for _, col := range collections {
		ch, err := s.source.Subscribe(ctx, col.Name)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", col.Name, err)
		}
		s.mu.Lock()
		s.ready[col.Name] = make(chan struct{})
		s.mu.Unlock()
		go s.run(ctx, col, ch)
	}
	return nil
}

// WaitSynced blocks until every named collection has applied its snapshot.
func (s *Sync) WaitSynced(ctx context.Context, collections ...string) error {
	for _, name := range collections {
		s.mu.Lock()
		ready, ok := s.ready[name]
		s.mu.Unlock()
		if !ok {
			return fmt.Errorf("collection %s not subscribed", name)
		}
		select {
		case <-ready:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// ReadyCheck reports, without blocking, whether all subscribed collections
// are synced. Wired into /readyz.
func (s *Sync) ReadyCheck() func(context.Context) error {
	return func(context.Context) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		for name, ready := range s.ready {
			select {
			case <-ready:
			default:
				return fmt.Errorf("collection %s not synced", name)
			}
		}
		return nil
	}
}

func (s *Sync) run(ctx context.Context, col Collection, ch <-chan docstore.Batch) {
	synced := false
	for batch := range ch {
		if !synced {
			s.applySnapshot(ctx, col, batch.Added)
			synced = true
			s.mu.Lock()
			close(s.ready[col.Name])
			s.mu.Unlock()
			continue
		}
		s.applyIncremental(ctx, col, batch)
	}
	if ctx.Err() == nil {
		// The provider's channel broke; this collection goes stale until the
		// provider recovers. Other collections are unaffected.
		s.logger.Error("change feed ended", "collection", col.Name)
	}
}

func (s *Sync) applySnapshot(ctx context.Context, col Collection, snapshot []docstore.Document) {
	_, span := s.tracer.Start(ctx, "feed.snapshot", trace.WithAttributes(
		attribute.String("collection", col.Name),
		attribute.Int("documents", len(snapshot)),
	))
	defer span.End()

	list := s.decode(col, snapshot)
	byID := make(map[string]cache.Doc, len(list))
	for _, d := range list {
		byID[d.DocID()] = d
	}
	s.cache.Update(func(tx *cache.Tx) {
		tx.Set(col.Name, list, cache.SetOptions{})
		tx.Set(cache.MapKey(col.Name), byID, cache.SetOptions{})
	})
	s.logger.Info("collection synced", "collection", col.Name, "documents", len(list))
}

func (s *Sync) applyIncremental(ctx context.Context, col Collection, batch docstore.Batch) {
	_, span := s.tracer.Start(ctx, "feed.apply", trace.WithAttributes(
		attribute.String("collection", col.Name),
		attribute.Int("added", len(batch.Added)),
		attribute.Int("modified", len(batch.Modified)),
		attribute.Int("removed", len(batch.Removed)),
	))
	defer span.End()

	added := s.decode(col, batch.Added)
	modified := s.decode(col, batch.Modified)

	s.cache.Update(func(tx *cache.Tx) {
		if len(added) > 0 {
			tx.Set(col.Name, added, cache.SetOptions{Merge: true})
			tx.Set(cache.MapKey(col.Name), added, cache.SetOptions{Merge: true})
		}
		if len(modified) > 0 {
			tx.Set(col.Name, modified, cache.SetOptions{Merge: true, Replace: true})
			tx.Set(cache.MapKey(col.Name), modified, cache.SetOptions{Merge: true, Replace: true})
		}
		for _, doc := range batch.Removed {
			tx.Delete(col.Name, doc.ID)
			tx.Delete(cache.MapKey(col.Name), doc.ID)
		}
	})
}

func (s *Sync) decode(col Collection, docs []docstore.Document) []cache.Doc {
	out := make([]cache.Doc, 0, len(docs))
	for _, doc := range docs {
		rec, err := col.Decode(doc)
		if err != nil {
			s.logger.Error("undecodable document skipped", "collection", col.Name, "id", doc.ID, "err", err)
			continue
		}
		out = append(out, rec)
	}
	return out
}
