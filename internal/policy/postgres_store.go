package policy

import (
	"context"
	"database/sql"
	"encoding/json"
	"hash/fnv"
	"time"

	"github.com/google/uuid"

	"github.com/afu9/control-center/internal/errcode"
)

// PostgresRecordStore is the production record store. Transact serialises
// per (actionType, target) with an advisory transaction lock, so the
// cooldown query, the rate-limit count and the audit insert observe a
// consistent window.
type PostgresRecordStore struct {
	db *sql.DB
}

// NewPostgresRecordStore wraps an open database handle.
func NewPostgresRecordStore(db *sql.DB) *PostgresRecordStore {
	return &PostgresRecordStore{db: db}
}

// lockKey folds the action/target pair into the advisory lock keyspace.
func lockKey(actionType, target string) int64 {
	h := fnv.New64a()
	h.Write([]byte(actionType))
	h.Write([]byte{0})
	h.Write([]byte(target))
	return int64(h.Sum64())
}

func (s *PostgresRecordStore) Transact(ctx context.Context, actionType, target string, fn func(RecordView) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errcode.Wrap(errcode.Internal, "begin policy transaction", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, lockKey(actionType, target)); err != nil {
		return errcode.Wrap(errcode.Internal, "acquire policy lock", err)
	}

	if err := fn(&pgView{ctx: ctx, tx: tx, actionType: actionType, target: target}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return errcode.Wrap(errcode.Internal, "commit policy transaction", err)
	}
	return nil
}

type pgView struct {
	ctx        context.Context
	tx         *sql.Tx
	actionType string
	target     string
}

func (v *pgView) LastAllowed() (*time.Time, error) {
	var t time.Time
	err := v.tx.QueryRowContext(v.ctx, `SELECT created_at FROM policy_execution_records
		WHERE action_type = $1 AND target_identifier = $2 AND decision = $3
		ORDER BY created_at DESC LIMIT 1`,
		v.actionType, v.target, DecisionAllowed).Scan(&t)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errcode.Wrap(errcode.Internal, "query last allowed", err)
	}
	return &t, nil
}

func (v *pgView) CountAllowedSince(since time.Time) (int, error) {
	var count int
	err := v.tx.QueryRowContext(v.ctx, `SELECT COUNT(*) FROM policy_execution_records
		WHERE action_type = $1 AND target_identifier = $2 AND decision = $3 AND created_at >= $4`,
		v.actionType, v.target, DecisionAllowed, since).Scan(&count)
	if err != nil {
		return 0, errcode.Wrap(errcode.Internal, "count allowed executions", err)
	}
	return count, nil
}

func (v *pgView) Append(rec *ExecutionRecord) error {
	enforcement, err := json.Marshal(rec.EnforcementData)
	if err != nil {
		return errcode.Wrap(errcode.Internal, "encode enforcement data", err)
	}
	id := rec.ID
	if id == "" {
		id = uuid.NewString()
	}
	_, err = v.tx.ExecContext(v.ctx, `INSERT INTO policy_execution_records
		(id, action_type, action_fingerprint, target_identifier, decision, reason,
		 idempotency_key_hash, lawbook_version, lawbook_hash, actor, enforcement_data)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		id, rec.ActionType, rec.ActionFingerprint, rec.TargetIdentifier, rec.Decision,
		rec.Reason, rec.IdempotencyKeyHash, rec.LawbookVersion, rec.LawbookHash,
		rec.Actor, enforcement)
	if err != nil {
		return errcode.Wrap(errcode.Internal, "insert execution record", err)
	}
	return nil
}

func (s *PostgresRecordStore) ListRecent(ctx context.Context, actionType string, limit int) ([]*ExecutionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, action_type, action_fingerprint,
		target_identifier, decision, COALESCE(reason, ''), COALESCE(idempotency_key_hash, ''),
		COALESCE(lawbook_version, ''), COALESCE(lawbook_hash, ''), COALESCE(actor, ''),
		enforcement_data, created_at
		FROM policy_execution_records
		WHERE ($1 = '' OR action_type = $1)
		ORDER BY created_at DESC LIMIT $2`, actionType, limit)
	if err != nil {
		return nil, errcode.Wrap(errcode.Internal, "list execution records", err)
	}
	defer rows.Close()

	var out []*ExecutionRecord
	for rows.Next() {
		var rec ExecutionRecord
		var enforcement []byte
		if err := rows.Scan(&rec.ID, &rec.ActionType, &rec.ActionFingerprint,
			&rec.TargetIdentifier, &rec.Decision, &rec.Reason, &rec.IdempotencyKeyHash,
			&rec.LawbookVersion, &rec.LawbookHash, &rec.Actor, &enforcement, &rec.CreatedAt); err != nil {
			return nil, errcode.Wrap(errcode.Internal, "scan execution record", err)
		}
		if len(enforcement) > 0 {
			if err := json.Unmarshal(enforcement, &rec.EnforcementData); err != nil {
				return nil, errcode.Wrap(errcode.Internal, "decode enforcement data", err)
			}
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}
