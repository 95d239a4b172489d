package syncengine

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/afu9/control-center/internal/errcode"
)

// MemoryAuditStore is the in-process audit store.
type MemoryAuditStore struct {
	mu        sync.Mutex
	events    []*AuditEvent
	byHash    map[string]bool
	conflicts []*Conflict
	now       func() time.Time
}

// NewMemoryAuditStore creates an empty store.
func NewMemoryAuditStore() *MemoryAuditStore {
	return &MemoryAuditStore{byHash: make(map[string]bool), now: time.Now}
}

func (s *MemoryAuditStore) RecordAudit(ctx context.Context, ev *AuditEvent) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.byHash[ev.EventHash] {
		return false, nil
	}
	cp := *ev
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	cp.CreatedAt = s.now().UTC()
	s.events = append(s.events, &cp)
	s.byHash[cp.EventHash] = true
	return true, nil
}

func (s *MemoryAuditStore) ListAudit(ctx context.Context, issueID string, limit int) ([]*AuditEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*AuditEvent
	for i := len(s.events) - 1; i >= 0 && len(out) < limit; i-- {
		if issueID == "" || s.events[i].IssueID == issueID {
			cp := *s.events[i]
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryAuditStore) RecordConflict(ctx context.Context, c *Conflict) (*Conflict, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	cp.CreatedAt = s.now().UTC()
	s.conflicts = append(s.conflicts, &cp)
	out := cp
	return &out, nil
}

func (s *MemoryAuditStore) ListConflicts(ctx context.Context, issueID string, unresolvedOnly bool) ([]*Conflict, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Conflict
	for _, c := range s.conflicts {
		if issueID != "" && c.IssueID != issueID {
			continue
		}
		if unresolvedOnly && c.Resolved {
			continue
		}
		cp := *c
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryAuditStore) ResolveConflict(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conflicts {
		if c.ID == id {
			now := s.now().UTC()
			c.Resolved = true
			c.ResolvedAt = &now
			return nil
		}
	}
	return errcode.Newf(errcode.NotFound, "conflict %s", id)
}

// PostgresAuditStore is the production audit store. Hash dedupe rides the
// unique constraint on event_hash.
type PostgresAuditStore struct {
	db *sql.DB
}

// NewPostgresAuditStore wraps an open database handle.
func NewPostgresAuditStore(db *sql.DB) *PostgresAuditStore {
	return &PostgresAuditStore{db: db}
}

func (s *PostgresAuditStore) RecordAudit(ctx context.Context, ev *AuditEvent) (bool, error) {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return false, errcode.Wrap(errcode.Internal, "encode audit payload", err)
	}
	id := ev.ID
	if id == "" {
		id = uuid.NewString()
	}
	res, err := s.db.ExecContext(ctx, `INSERT INTO sync_audit_events
		(id, event_type, issue_id, forge_issue_number, event_hash, dry_run, payload)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (event_hash) DO NOTHING`,
		id, ev.EventType, ev.IssueID, ev.ForgeIssueNumber, ev.EventHash, ev.DryRun, payload)
	if err != nil {
		return false, errcode.Wrap(errcode.Internal, "insert audit event", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *PostgresAuditStore) ListAudit(ctx context.Context, issueID string, limit int) ([]*AuditEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, event_type, issue_id, forge_issue_number,
		event_hash, dry_run, payload, created_at
		FROM sync_audit_events
		WHERE ($1 = '' OR issue_id = $1)
		ORDER BY created_at DESC LIMIT $2`, issueID, limit)
	if err != nil {
		return nil, errcode.Wrap(errcode.Internal, "list audit events", err)
	}
	defer rows.Close()
	var out []*AuditEvent
	for rows.Next() {
		var ev AuditEvent
		var payload []byte
		if err := rows.Scan(&ev.ID, &ev.EventType, &ev.IssueID, &ev.ForgeIssueNumber,
			&ev.EventHash, &ev.DryRun, &payload, &ev.CreatedAt); err != nil {
			return nil, errcode.Wrap(errcode.Internal, "scan audit event", err)
		}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &ev.Payload); err != nil {
				return nil, errcode.Wrap(errcode.Internal, "decode audit payload", err)
			}
		}
		out = append(out, &ev)
	}
	return out, rows.Err()
}

func (s *PostgresAuditStore) RecordConflict(ctx context.Context, c *Conflict) (*Conflict, error) {
	cp := *c
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	err := s.db.QueryRowContext(ctx, `INSERT INTO sync_conflicts
		(id, issue_id, conflict_type, local_status, mirror_status, detail)
		VALUES ($1,$2,$3,$4,$5,$6) RETURNING created_at`,
		cp.ID, cp.IssueID, cp.ConflictType, cp.LocalStatus, cp.MirrorStatus,
		sql.NullString{String: cp.Detail, Valid: cp.Detail != ""}).Scan(&cp.CreatedAt)
	if err != nil {
		return nil, errcode.Wrap(errcode.Internal, "insert conflict", err)
	}
	return &cp, nil
}

func (s *PostgresAuditStore) ListConflicts(ctx context.Context, issueID string, unresolvedOnly bool) ([]*Conflict, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, issue_id, conflict_type, local_status,
		mirror_status, COALESCE(detail, ''), resolved, created_at, resolved_at
		FROM sync_conflicts
		WHERE ($1 = '' OR issue_id = $1) AND (NOT $2 OR NOT resolved)
		ORDER BY created_at DESC`, issueID, unresolvedOnly)
	if err != nil {
		return nil, errcode.Wrap(errcode.Internal, "list conflicts", err)
	}
	defer rows.Close()
	var out []*Conflict
	for rows.Next() {
		var c Conflict
		var resolvedAt sql.NullTime
		if err := rows.Scan(&c.ID, &c.IssueID, &c.ConflictType, &c.LocalStatus,
			&c.MirrorStatus, &c.Detail, &c.Resolved, &c.CreatedAt, &resolvedAt); err != nil {
			return nil, errcode.Wrap(errcode.Internal, "scan conflict", err)
		}
		if resolvedAt.Valid {
			t := resolvedAt.Time
			c.ResolvedAt = &t
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

func (s *PostgresAuditStore) ResolveConflict(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sync_conflicts SET resolved = TRUE, resolved_at = now() WHERE id = $1`, id)
	if err != nil {
		return errcode.Wrap(errcode.Internal, "resolve conflict", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errcode.Newf(errcode.NotFound, "conflict %s", id)
	}
	return nil
}
