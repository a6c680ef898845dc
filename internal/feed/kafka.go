package feed

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/rotemtal/reserva/internal/docstore"
)

// SnapshotLister provides the initial full snapshot when the incremental feed
// arrives over a transport that cannot replay history.
type SnapshotLister interface {
	List(ctx context.Context, collection string) ([]docstore.Document, error)
}

type KafkaConfig struct {
	Brokers     string
	GroupID     string
	TopicPrefix string
}

// KafkaSource adapts per-collection CDC topics to the Source contract: the
// snapshot is read from the store, then each Kafka message becomes one
// single-document batch. Message bodies are {"op": "...", "id": "...",
// "doc": {...}}.
type KafkaSource struct {
	lister SnapshotLister
	logger *slog.Logger
	cfg    KafkaConfig
}

func NewKafkaSource(lister SnapshotLister, logger *slog.Logger, cfg KafkaConfig) *KafkaSource {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "docstore."
	}
	return &KafkaSource{lister: lister, logger: logger, cfg: cfg}
}

type changeMessage struct {
	Op  string          `json:"op"`
	ID  string          `json:"id"`
	Doc json.RawMessage `json:"doc,omitempty"`
}

func (k *KafkaSource) Subscribe(ctx context.Context, collection string) (<-chan docstore.Batch, error) {
	snapshot, err := k.lister.List(ctx, collection)
	if err != nil {
		return nil, err
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  SplitBrokers(k.cfg.Brokers),
		GroupID:  k.cfg.GroupID,
		Topic:    k.cfg.TopicPrefix + collection,
		MinBytes: 1,
		MaxBytes: 10e6,
	})

	ch := make(chan docstore.Batch, 64)
	go func() {
		defer close(ch)
		defer reader.Close()

		select {
		case ch <- docstore.Batch{Snapshot: true, Added: snapshot}:
		case <-ctx.Done():
			return
		}

		for {
			msg, err := reader.ReadMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				k.logger.Error("kafka read error", "collection", collection, "err", err)
				time.Sleep(1 * time.Second)
				continue
			}
			batch, ok := k.batchFromMessage(collection, msg)
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

func (k *KafkaSource) batchFromMessage(collection string, msg kafka.Message) (docstore.Batch, bool) {
	var change changeMessage
	if err := json.Unmarshal(msg.Value, &change); err != nil {
		k.logger.Error("invalid change message", "collection", collection, "err", err)
		return docstore.Batch{}, false
	}
	if change.ID == "" {
		change.ID = string(msg.Key)
	}
	if change.ID == "" {
		k.logger.Error("change message without id", "collection", collection, "topic", msg.Topic)
		return docstore.Batch{}, false
	}

	doc := docstore.Document{ID: change.ID, Data: change.Doc}
	switch change.Op {
	case "added":
		return docstore.Batch{Added: []docstore.Document{doc}}, true
	case "modified":
		return docstore.Batch{Modified: []docstore.Document{doc}}, true
	case "removed":
		return docstore.Batch{Removed: []docstore.Document{{ID: change.ID}}}, true
	default:
		k.logger.Error("unknown change op", "collection", collection, "op", change.Op)
		return docstore.Batch{}, false
	}
}

func SplitBrokers(raw string) []string {
	var brokers []string
	for _, b := range strings.Split(raw, ",") {
		b = strings.TrimSpace(b)
		if b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}

// KafkaReadyCheck dials the first broker for /readyz.
func KafkaReadyCheck(brokers string) func(context.Context) error {
	return func(ctx context.Context) error {
		list := SplitBrokers(brokers)
		if len(list) == 0 {
			return errors.New("kafka brokers not configured")
		}
		dialer := kafka.Dialer{Timeout: 2 * time.Second}
		conn, err := dialer.DialContext(ctx, "tcp", list[0])
		if err != nil {
			return err
		}
		_ = conn.Close()
		return nil
	}
}
