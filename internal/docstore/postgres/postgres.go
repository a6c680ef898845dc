// Package postgres backs docstore.Store with a single jsonb documents table.
// Transactions run at serializable isolation and are retried on serialization
// failures; the change feed rides on LISTEN/NOTIFY, so subscribers see every
// committed write in commit order.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rotemtal/reserva/internal/docstore"
)

const notifyChannel = "reserva_documents"

const maxTxAttempts = 3

type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func Open(ctx context.Context, databaseURL string, logger *slog.Logger) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, err
	}
	cfg.MaxConns = 10
	cfg.MinConns = 1
	cfg.MaxConnLifetime = 30 * time.Minute
	cfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &Store{pool: pool, logger: logger}, nil
}

// EnsureSchema creates the documents table when it does not exist yet.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS documents (
			collection text NOT NULL,
			id         text NOT NULL,
			data       jsonb NOT NULL,
			updated_at timestamptz NOT NULL DEFAULT now(),
			PRIMARY KEY (collection, id)
		)
	`)
	return err
}

func (s *Store) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx docstore.Tx) error) error {
	var lastErr error
	for attempt := 1; attempt <= maxTxAttempts; attempt++ {
		err := s.runOnce(ctx, fn)
		if err == nil {
			return nil
		}
		if !isRetryable(err) {
			return err
		}
		lastErr = err
		s.logger.Warn("transaction serialization failure, retrying", "attempt", attempt, "err", err)
	}
	return fmt.Errorf("%w: %v", docstore.ErrTxConflict, lastErr)
}

func (s *Store) runOnce(ctx context.Context, fn func(ctx context.Context, tx docstore.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(ctx, &pgTx{tx: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	// serialization_failure and deadlock_detected.
	return pgErr.Code == "40001" || pgErr.Code == "40P01"
}

func (s *Store) Get(ctx context.Context, collection, id string) (docstore.Document, error) {
	var raw json.RawMessage
	err := s.pool.QueryRow(ctx, `
		SELECT data FROM documents WHERE collection = $1 AND id = $2
	`, collection, id).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return docstore.Document{}, docstore.ErrNotFound
	}
	if err != nil {
		return docstore.Document{}, err
	}
	return docstore.Document{ID: id, Data: raw}, nil
}

func (s *Store) List(ctx context.Context, collection string) ([]docstore.Document, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, data FROM documents WHERE collection = $1 ORDER BY id
	`, collection)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDocuments(rows)
}

func (s *Store) Set(ctx context.Context, collection, id string, doc any) error {
	return s.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		return tx.Set(ctx, collection, id, doc)
	})
}

func (s *Store) Delete(ctx context.Context, collection, id string) error {
	return s.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		return tx.Delete(ctx, collection, id)
	})
}

// Subscribe dedicates one connection to LISTEN, sends the snapshot, then
// relays notifications for this collection. A broken feed is logged and the
// channel closed; recovery is the caller's responsibility.
func (s *Store) Subscribe(ctx context.Context, collection string) (<-chan docstore.Batch, error) {
	poolConn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	conn := poolConn.Hijack()

	if _, err := conn.Exec(ctx, "LISTEN "+notifyChannel); err != nil {
		_ = conn.Close(ctx)
		return nil, err
	}
	snapshot, err := s.List(ctx, collection)
	if err != nil {
		_ = conn.Close(ctx)
		return nil, err
	}

	ch := make(chan docstore.Batch, 64)
	go func() {
		defer close(ch)
		defer func() { _ = conn.Close(context.Background()) }()

		select {
		case ch <- docstore.Batch{Snapshot: true, Added: snapshot}:
		case <-ctx.Done():
			return
		}

		for {
			notification, err := conn.WaitForNotification(ctx)
			if err != nil {
				if ctx.Err() == nil {
					s.logger.Error("change feed broken", "collection", collection, "err", err)
				}
				return
			}
			batch, ok := s.batchFromNotification(ctx, collection, notification.Payload)
			if !ok {
				continue
			}
			select {
			case ch <- batch:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

type changePayload struct {
	Collection string `json:"collection"`
	ID         string `json:"id"`
	Op         string `json:"op"`
}

func (s *Store) batchFromNotification(ctx context.Context, collection, payload string) (docstore.Batch, bool) {
	var change changePayload
	if err := json.Unmarshal([]byte(payload), &change); err != nil {
		s.logger.Error("malformed change notification", "payload", payload, "err", err)
		return docstore.Batch{}, false
	}
	if change.Collection != collection {
		return docstore.Batch{}, false
	}

	if change.Op == "removed" {
		return docstore.Batch{Removed: []docstore.Document{{ID: change.ID}}}, true
	}

	// Fetch the current body; the document may have moved on since the
	// notification, which is fine for a newest-state mirror.
	doc, err := s.Get(ctx, collection, change.ID)
	if errors.Is(err, docstore.ErrNotFound) {
		return docstore.Batch{Removed: []docstore.Document{{ID: change.ID}}}, true
	}
	if err != nil {
		s.logger.Error("change fetch failed", "collection", collection, "id", change.ID, "err", err)
		return docstore.Batch{}, false
	}
	if change.Op == "added" {
		return docstore.Batch{Added: []docstore.Document{doc}}, true
	}
	return docstore.Batch{Modified: []docstore.Document{doc}}, true
}

func (s *Store) Close() {
	s.pool.Close()
}

// ReadyCheck reports store reachability for /readyz.
func ReadyCheck(s *Store) func(context.Context) error {
	return func(ctx context.Context) error {
		if s == nil || s.pool == nil {
			return errors.New("docstore not configured")
		}
		return s.pool.Ping(ctx)
	}
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) Get(ctx context.Context, collection, id string) (docstore.Document, error) {
	var raw json.RawMessage
	err := t.tx.QueryRow(ctx, `
		SELECT data FROM documents WHERE collection = $1 AND id = $2
	`, collection, id).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return docstore.Document{}, docstore.ErrNotFound
	}
	if err != nil {
		return docstore.Document{}, err
	}
	return docstore.Document{ID: id, Data: raw}, nil
}

func (t *pgTx) List(ctx context.Context, collection string) ([]docstore.Document, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT id, data FROM documents WHERE collection = $1 ORDER BY id
	`, collection)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDocuments(rows)
}

func (t *pgTx) Set(ctx context.Context, collection, id string, doc any) error {
	raw, err := docstore.Marshal(doc)
	if err != nil {
		return err
	}
	var inserted bool
	err = t.tx.QueryRow(ctx, `
		INSERT INTO documents (collection, id, data)
		VALUES ($1, $2, $3)
		ON CONFLICT (collection, id)
			DO UPDATE SET data = EXCLUDED.data, updated_at = now()
		RETURNING (xmax = 0)
	`, collection, id, raw).Scan(&inserted)
	if err != nil {
		return err
	}
	op := "modified"
	if inserted {
		op = "added"
	}
	return t.notify(ctx, changePayload{Collection: collection, ID: id, Op: op})
}

func (t *pgTx) Delete(ctx context.Context, collection, id string) error {
	tag, err := t.tx.Exec(ctx, `
		DELETE FROM documents WHERE collection = $1 AND id = $2
	`, collection, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return nil
	}
	return t.notify(ctx, changePayload{Collection: collection, ID: id, Op: "removed"})
}

// notify emits the change on commit; NOTIFY inside a transaction is delivered
// only when the transaction commits.
func (t *pgTx) notify(ctx context.Context, change changePayload) error {
	payload, err := json.Marshal(change)
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(ctx, `SELECT pg_notify($1, $2)`, notifyChannel, string(payload))
	return err
}

func scanDocuments(rows pgx.Rows) ([]docstore.Document, error) {
	var out []docstore.Document
	for rows.Next() {
		var doc docstore.Document
		if err := rows.Scan(&doc.ID, &doc.Data); err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}
