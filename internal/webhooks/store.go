package webhooks

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/afu9/control-center/internal/errcode"
)

// MemoryStore is the in-process webhook store.
type MemoryStore struct {
	mu         sync.Mutex
	deliveries map[string]bool
	events     []*Delivery
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{deliveries: make(map[string]bool)}
}

func (s *MemoryStore) RecordDelivery(ctx context.Context, deliveryID, eventKind string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deliveries[deliveryID] {
		return false, nil
	}
	s.deliveries[deliveryID] = true
	return true, nil
}

func (s *MemoryStore) SaveEvent(ctx context.Context, d *Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *d
	s.events = append(s.events, &cp)
	return nil
}

// Events returns a copy of everything saved; test helper.
func (s *MemoryStore) Events() []*Delivery {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Delivery, 0, len(s.events))
	for _, d := range s.events {
		cp := *d
		out = append(out, &cp)
	}
	return out
}

// PostgresStore is the production webhook store. An optional Redis client
// provides a fast-path dedupe check before the database insert; the
// database conflict-ignore remains authoritative.
type PostgresStore struct {
	db     *sql.DB
	redis  *redis.Client
	logger *log.Logger
}

// NewPostgresStore wraps an open database handle. rdb may be nil.
func NewPostgresStore(db *sql.DB, rdb *redis.Client) *PostgresStore {
	return &PostgresStore{
		db:     db,
		redis:  rdb,
		logger: log.New(log.Writer(), "[WEBHOOK] ", log.LstdFlags),
	}
}

const dedupeTTL = 24 * time.Hour

func (s *PostgresStore) RecordDelivery(ctx context.Context, deliveryID, eventKind string) (bool, error) {
	key := "afu9:webhook:delivery:" + deliveryID
	if s.redis != nil {
		set, err := s.redis.SetNX(ctx, key, 1, dedupeTTL).Result()
		if err != nil {
			s.logger.Printf("⚠️ redis dedupe unavailable: %v", err)
		} else if !set {
			return false, nil
		}
	}

	res, err := s.db.ExecContext(ctx, `INSERT INTO webhook_deliveries (delivery_id, event_kind)
		VALUES ($1, $2) ON CONFLICT (delivery_id) DO NOTHING`, deliveryID, eventKind)
	if err != nil {
		return false, errcode.Wrap(errcode.Internal, "record delivery", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *PostgresStore) SaveEvent(ctx context.Context, d *Delivery) error {
	payload, err := json.Marshal(d.Payload)
	if err != nil {
		return errcode.Wrap(errcode.Internal, "encode webhook payload", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO webhook_events
		(id, delivery_id, event_kind, action, repo, payload)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		d.ID, d.DeliveryID, d.EventKind,
		sql.NullString{String: d.Action, Valid: d.Action != ""},
		sql.NullString{String: d.Repo, Valid: d.Repo != ""},
		payload)
	if err != nil {
		return errcode.Wrap(errcode.Internal, "save webhook event", err)
	}
	return nil
}
