package lawbook

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/afu9/control-center/internal/errcode"
)

// PostgresStore persists lawbook versions. Activation flips the active
// flag inside one transaction; the partial unique index keeps exactly one
// version active per rulebook ID.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) GetActive(ctx context.Context, id string) (*Lawbook, error) {
	var body []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT body FROM lawbooks WHERE id = $1 AND active`, id).Scan(&body)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errcode.Wrap(errcode.Internal, "get active lawbook", err)
	}
	var lb Lawbook
	if err := json.Unmarshal(body, &lb); err != nil {
		return nil, errcode.Wrap(errcode.Internal, "decode lawbook", err)
	}
	return &lb, nil
}

func (s *PostgresStore) Activate(ctx context.Context, lb *Lawbook) error {
	body, err := json.Marshal(lb)
	if err != nil {
		return errcode.Wrap(errcode.Internal, "encode lawbook", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errcode.Wrap(errcode.Internal, "begin lawbook activation", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE lawbooks SET active = FALSE WHERE id = $1 AND active`, lb.ID); err != nil {
		return errcode.Wrap(errcode.Internal, "deactivate previous lawbook", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO lawbooks (id, version, hash, active, body)
		VALUES ($1, $2, $3, TRUE, $4)
		ON CONFLICT (id, version) DO UPDATE SET hash = EXCLUDED.hash,
			active = TRUE, body = EXCLUDED.body`,
		lb.ID, lb.Version, lb.Hash, body); err != nil {
		return errcode.Wrap(errcode.Internal, "insert lawbook version", err)
	}
	if err := tx.Commit(); err != nil {
		return errcode.Wrap(errcode.Internal, "commit lawbook activation", err)
	}
	return nil
}
