package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/afu9/control-center/internal/errcode"
	"github.com/afu9/control-center/internal/statemachine"
)

// PostgresIssueStore is the production IssueStore. Guarded transitions run
// inside a transaction with the row locked, so the single-active invariant
// and compare-and-set semantics hold under concurrent writers. A partial
// unique index on ACTIVE backs the invariant at the schema level.
type PostgresIssueStore struct {
	db *sql.DB
}

// NewPostgresIssueStore wraps an open database handle.
func NewPostgresIssueStore(db *sql.DB) *PostgresIssueStore {
	return &PostgresIssueStore{db: db}
}

const issueColumns = `id, public_id, canonical_id, title, priority, status,
	forge_mirror_status, execution_state, handoff_state, labels, scope,
	acceptance_criteria, notes, forge_repo, forge_issue_number, forge_url,
	pr_number, pr_url, pr_branch, lawbook_version, execution_override,
	verification_hash, spec_ready_at, created_at, updated_at`

func scanIssue(row interface{ Scan(...interface{}) error }) (*Issue, error) {
	var issue Issue
	var canonicalID, scope, notes, forgeRepo, forgeURL, prURL, prBranch sql.NullString
	var lawbookVersion, verificationHash sql.NullString
	var forgeIssueNumber, prNumber sql.NullInt64
	var specReadyAt sql.NullTime
	var labels, criteria pq.StringArray

	err := row.Scan(&issue.ID, &issue.PublicID, &canonicalID, &issue.Title,
		&issue.Priority, &issue.Status, &issue.MirrorStatus, &issue.ExecutionState,
		&issue.HandoffState, &labels, &scope, &criteria, &notes, &forgeRepo,
		&forgeIssueNumber, &forgeURL, &prNumber, &prURL, &prBranch,
		&lawbookVersion, &issue.ExecutionOverride, &verificationHash,
		&specReadyAt, &issue.CreatedAt, &issue.UpdatedAt)
	if err != nil {
		return nil, err
	}

	issue.CanonicalID = canonicalID.String
	issue.Labels = labels
	issue.Scope = scope.String
	issue.AcceptanceCriteria = criteria
	issue.Notes = notes.String
	issue.ForgeRepo = forgeRepo.String
	issue.ForgeIssueNumber = int(forgeIssueNumber.Int64)
	issue.ForgeURL = forgeURL.String
	issue.PRNumber = int(prNumber.Int64)
	issue.PRURL = prURL.String
	issue.PRBranch = prBranch.String
	issue.LawbookVersion = lawbookVersion.String
	issue.VerificationHash = verificationHash.String
	if specReadyAt.Valid {
		t := specReadyAt.Time
		issue.SpecReadyAt = &t
	}
	return &issue, nil
}

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt(n int) sql.NullInt64 {
	return sql.NullInt64{Int64: int64(n), Valid: n != 0}
}

func (s *PostgresIssueStore) CreateIssue(ctx context.Context, issue *Issue) (*Issue, error) {
	if issue.CanonicalID != "" && !ValidCanonicalID(issue.CanonicalID) {
		return nil, errcode.Newf(errcode.InvalidInput, "canonical id %q is not of form I<n> or E<n>.<m>", issue.CanonicalID)
	}

	cp := *issue
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	if cp.Status == "" {
		cp.Status = statemachine.StatusCreated
	}
	if !statemachine.IsKnown(cp.Status) {
		return nil, errcode.Newf(errcode.InvalidInput, "unknown status %q", cp.Status)
	}
	if cp.MirrorStatus == "" {
		cp.MirrorStatus = statemachine.MirrorUnknown
	}
	if cp.ExecutionState == "" {
		cp.ExecutionState = statemachine.ExecIdle
	}
	if cp.HandoffState == "" {
		cp.HandoffState = HandoffNotSent
	}
	if cp.Priority == "" {
		cp.Priority = PriorityP2
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errcode.Wrap(errcode.Internal, "begin create issue", err)
	}
	defer tx.Rollback()

	if cp.Status == statemachine.StatusActive {
		if holder, err := currentActiveTx(ctx, tx); err != nil {
			return nil, err
		} else if holder != nil {
			return nil, singleActiveErr(holder)
		}
	}

	row := tx.QueryRowContext(ctx, `INSERT INTO issues (
		id, canonical_id, title, priority, status, forge_mirror_status,
		execution_state, handoff_state, labels, scope, acceptance_criteria,
		notes, forge_repo, forge_issue_number, forge_url, pr_number, pr_url,
		pr_branch, lawbook_version, execution_override, verification_hash
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)
	RETURNING `+issueColumns,
		cp.ID, nullStr(cp.CanonicalID), cp.Title, cp.Priority, cp.Status,
		cp.MirrorStatus, cp.ExecutionState, cp.HandoffState,
		pq.Array(cp.Labels), nullStr(cp.Scope), pq.Array(cp.AcceptanceCriteria),
		nullStr(cp.Notes), nullStr(cp.ForgeRepo), nullInt(cp.ForgeIssueNumber),
		nullStr(cp.ForgeURL), nullInt(cp.PRNumber), nullStr(cp.PRURL),
		nullStr(cp.PRBranch), nullStr(cp.LawbookVersion), cp.ExecutionOverride,
		nullStr(cp.VerificationHash))

	created, err := scanIssue(row)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, errcode.Newf(errcode.Conflict, "canonical id %s already exists", cp.CanonicalID)
		}
		return nil, errcode.Wrap(errcode.Internal, "insert issue", err)
	}

	if err := appendEventTx(ctx, tx, &IssueEvent{
		IssueID:   created.ID,
		EventType: EventCreated,
		Actor:     ActorSystem,
		Payload:   map[string]interface{}{"status": string(created.Status), "canonicalId": created.CanonicalID},
	}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, errcode.Wrap(errcode.Internal, "commit create issue", err)
	}
	return created, nil
}

func (s *PostgresIssueStore) GetIssue(ctx context.Context, id string) (*Issue, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+issueColumns+` FROM issues WHERE id = $1`, id)
	issue, err := scanIssue(row)
	if err == sql.ErrNoRows {
		return nil, errcode.Newf(errcode.NotFound, "issue %s", id)
	}
	if err != nil {
		return nil, errcode.Wrap(errcode.Internal, "get issue", err)
	}
	return issue, nil
}

func (s *PostgresIssueStore) GetByCanonicalID(ctx context.Context, canonicalID string) (*Issue, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+issueColumns+` FROM issues WHERE canonical_id = $1`, canonicalID)
	issue, err := scanIssue(row)
	if err == sql.ErrNoRows {
		return nil, errcode.Newf(errcode.NotFound, "issue %s", canonicalID)
	}
	if err != nil {
		return nil, errcode.Wrap(errcode.Internal, "get issue by canonical id", err)
	}
	return issue, nil
}

// patchColumn maps API field names onto columns that may be edited outside
// a status transition.
var patchColumn = map[string]string{
	"title":              "title",
	"priority":           "priority",
	"labels":             "labels",
	"scope":              "scope",
	"acceptanceCriteria": "acceptance_criteria",
	"notes":              "notes",
	"forgeRepo":          "forge_repo",
	"forgeIssueNumber":   "forge_issue_number",
	"forgeUrl":           "forge_url",
	"prNumber":           "pr_number",
	"prUrl":              "pr_url",
	"prBranch":           "pr_branch",
	"lawbookVersion":     "lawbook_version",
	"executionOverride":  "execution_override",
	"executionState":     "execution_state",
	"forgeMirrorStatus":  "forge_mirror_status",
	"handoffState":       "handoff_state",
	"verificationHash":   "verification_hash",
}

func (s *PostgresIssueStore) PatchIssue(ctx context.Context, id string, fields map[string]interface{}, actor string) (*Issue, error) {
	if _, ok := fields["status"]; ok {
		return nil, errcode.New(errcode.InvalidTransition, "status cannot be patched directly; use a transition")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errcode.Wrap(errcode.Internal, "begin patch issue", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+issueColumns+` FROM issues WHERE id = $1 FOR UPDATE`, id)
	before, err := scanIssue(row)
	if err == sql.ErrNoRows {
		return nil, errcode.Newf(errcode.NotFound, "issue %s", id)
	}
	if err != nil {
		return nil, errcode.Wrap(errcode.Internal, "lock issue", err)
	}

	set := "updated_at = now()"
	args := []interface{}{id}
	idx := 2
	for k, v := range fields {
		col, ok := patchColumn[k]
		if !ok {
			continue
		}
		if col == "labels" || col == "acceptance_criteria" {
			v = pq.Array(toStringSlice(v))
		}
		set += fmt.Sprintf(", %s = $%d", col, idx)
		args = append(args, v)
		idx++
	}

	row = tx.QueryRowContext(ctx,
		`UPDATE issues SET `+set+` WHERE id = $1 RETURNING `+issueColumns, args...)
	after, err := scanIssue(row)
	if err != nil {
		return nil, errcode.Wrap(errcode.Internal, "patch issue", err)
	}

	if after.HandoffState != before.HandoffState {
		if err := appendEventTx(ctx, tx, &IssueEvent{
			IssueID:   id,
			EventType: EventHandoffStateChanged,
			Actor:     actor,
			Payload:   map[string]interface{}{"from": before.HandoffState, "to": after.HandoffState},
		}); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, errcode.Wrap(errcode.Internal, "commit patch issue", err)
	}
	return after, nil
}

func (s *PostgresIssueStore) UpdateStatus(ctx context.Context, id string, upd StatusUpdate) (*Issue, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errcode.Wrap(errcode.Internal, "begin transition", err)
	}
	defer tx.Rollback()

	issue, err := s.updateStatusTx(ctx, tx, id, upd)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, errcode.Wrap(errcode.Internal, "commit transition", err)
	}
	return issue, nil
}

func (s *PostgresIssueStore) updateStatusTx(ctx context.Context, tx *sql.Tx, id string, upd StatusUpdate) (*Issue, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+issueColumns+` FROM issues WHERE id = $1 FOR UPDATE`, id)
	current, err := scanIssue(row)
	if err == sql.ErrNoRows {
		return nil, errcode.Newf(errcode.NotFound, "issue %s", id)
	}
	if err != nil {
		return nil, errcode.Wrap(errcode.Internal, "lock issue", err)
	}
	if current.Status != upd.From {
		return nil, errcode.Newf(errcode.Conflict, "issue %s is %s, expected %s", id, current.Status, upd.From)
	}
	if !statemachine.IsValid(upd.From, upd.To) {
		return nil, errcode.Newf(errcode.InvalidTransition, "transition %s → %s is not allowed", upd.From, upd.To)
	}
	if upd.To == statemachine.StatusActive {
		if holder, err := currentActiveTx(ctx, tx); err != nil {
			return nil, err
		} else if holder != nil && holder.ID != id {
			return nil, singleActiveErr(holder)
		}
	}

	set := "status = $2, updated_at = now()"
	args := []interface{}{id, upd.To}
	idx := 3
	if upd.To == statemachine.StatusSpecReady && current.SpecReadyAt == nil {
		set += ", spec_ready_at = now()"
	}
	if statemachine.IsTerminal(upd.To) {
		set += ", execution_override = FALSE"
	}
	for k, v := range upd.Fields {
		col, ok := patchColumn[k]
		if !ok {
			continue
		}
		if col == "labels" || col == "acceptance_criteria" {
			v = pq.Array(toStringSlice(v))
		}
		set += fmt.Sprintf(", %s = $%d", col, idx)
		args = append(args, v)
		idx++
	}

	row = tx.QueryRowContext(ctx,
		`UPDATE issues SET `+set+` WHERE id = $1 RETURNING `+issueColumns, args...)
	after, err := scanIssue(row)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, errcode.New(errcode.SingleActiveViolation, "another issue is already ACTIVE")
		}
		return nil, errcode.Wrap(errcode.Internal, "update status", err)
	}

	actor := upd.Actor
	if actor == "" {
		actor = ActorSystem
	}
	if err := appendEventTx(ctx, tx, &IssueEvent{
		IssueID:   id,
		EventType: EventStatusChanged,
		Actor:     actor,
		Payload:   map[string]interface{}{"from": string(upd.From), "to": string(upd.To)},
	}); err != nil {
		return nil, err
	}
	return after, nil
}

func (s *PostgresIssueStore) ActivateIssue(ctx context.Context, id, actor string, force bool) (*Issue, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errcode.Wrap(errcode.Internal, "begin activate", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+issueColumns+` FROM issues WHERE id = $1 FOR UPDATE`, id)
	issue, err := scanIssue(row)
	if err == sql.ErrNoRows {
		return nil, errcode.Newf(errcode.NotFound, "issue %s", id)
	}
	if err != nil {
		return nil, errcode.Wrap(errcode.Internal, "lock issue", err)
	}
	if issue.Status == statemachine.StatusActive {
		return issue, nil
	}

	holder, err := currentActiveTx(ctx, tx)
	if err != nil {
		return nil, err
	}
	if holder != nil && holder.ID != id {
		if !force {
			return nil, singleActiveErr(holder)
		}
		if _, err := s.updateStatusTx(ctx, tx, holder.ID, StatusUpdate{
			From: statemachine.StatusActive, To: statemachine.StatusHold, Actor: actor,
		}); err != nil {
			return nil, err
		}
	}

	activated, err := s.updateStatusTx(ctx, tx, id, StatusUpdate{
		From: issue.Status, To: statemachine.StatusActive, Actor: actor,
	})
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, errcode.Wrap(errcode.Internal, "commit activate", err)
	}
	return activated, nil
}

func (s *PostgresIssueStore) ListIssues(ctx context.Context, f ListFilter) ([]*Issue, int, error) {
	f.Clamp()

	where := "TRUE"
	args := []interface{}{}
	idx := 1
	if f.Status != "" {
		where += fmt.Sprintf(" AND status = $%d", idx)
		args = append(args, f.Status)
		idx++
	}
	if f.CanonicalID != "" {
		where += fmt.Sprintf(" AND canonical_id = $%d", idx)
		args = append(args, f.CanonicalID)
		idx++
	}
	if f.OpenOnly {
		where += " AND status NOT IN ('DONE', 'KILLED')"
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM issues WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, errcode.Wrap(errcode.Internal, "count issues", err)
	}

	query := fmt.Sprintf(`SELECT %s FROM issues WHERE %s ORDER BY created_at, id LIMIT $%d OFFSET $%d`,
		issueColumns, where, idx, idx+1)
	rows, err := s.db.QueryContext(ctx, query, append(args, f.Limit, f.Offset)...)
	if err != nil {
		return nil, 0, errcode.Wrap(errcode.Internal, "list issues", err)
	}
	defer rows.Close()

	var out []*Issue
	for rows.Next() {
		issue, err := scanIssue(rows)
		if err != nil {
			return nil, 0, errcode.Wrap(errcode.Internal, "scan issue", err)
		}
		out = append(out, issue)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, errcode.Wrap(errcode.Internal, "iterate issues", err)
	}
	if out == nil {
		out = []*Issue{}
	}
	return out, total, nil
}

func (s *PostgresIssueStore) GetIssueEvents(ctx context.Context, issueID string, limit int) ([]*IssueEvent, error) {
	if limit <= 0 || limit > MaxPageSize {
		limit = MaxPageSize
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, issue_id, event_type, actor, payload, created_at
		FROM issue_events WHERE issue_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2`,
		issueID, limit)
	if err != nil {
		return nil, errcode.Wrap(errcode.Internal, "list issue events", err)
	}
	defer rows.Close()

	var out []*IssueEvent
	for rows.Next() {
		var ev IssueEvent
		var payload []byte
		if err := rows.Scan(&ev.ID, &ev.IssueID, &ev.EventType, &ev.Actor, &payload, &ev.CreatedAt); err != nil {
			return nil, errcode.Wrap(errcode.Internal, "scan issue event", err)
		}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &ev.Payload); err != nil {
				return nil, errcode.Wrap(errcode.Internal, "decode event payload", err)
			}
		}
		out = append(out, &ev)
	}
	return out, rows.Err()
}

func (s *PostgresIssueStore) AppendEvent(ctx context.Context, ev *IssueEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errcode.Wrap(errcode.Internal, "begin append event", err)
	}
	defer tx.Rollback()
	if err := appendEventTx(ctx, tx, ev); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return errcode.Wrap(errcode.Internal, "commit append event", err)
	}
	return nil
}

func (s *PostgresIssueStore) GetForHandoff(ctx context.Context, id string) (*Issue, error) {
	issue, err := s.GetIssue(ctx, id)
	if err != nil {
		return nil, err
	}
	if issue.CanonicalID == "" {
		return nil, errcode.Newf(errcode.InvalidInput, "issue %s has no canonical id, cannot hand off", id)
	}
	return issue, nil
}

func (s *PostgresIssueStore) SetHandoffState(ctx context.Context, id, state, actor string) error {
	_, err := s.PatchIssue(ctx, id, map[string]interface{}{"handoffState": state}, actor)
	return err
}

func (s *PostgresIssueStore) Stats(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM issues GROUP BY status`)
	if err != nil {
		return nil, errcode.Wrap(errcode.Internal, "issue stats", err)
	}
	defer rows.Close()

	stats := make(map[string]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, errcode.Wrap(errcode.Internal, "scan stats", err)
		}
		stats[status] = count
		stats["total"] += count
	}
	return stats, rows.Err()
}

func currentActiveTx(ctx context.Context, tx *sql.Tx) (*Issue, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+issueColumns+` FROM issues WHERE status = 'ACTIVE' FOR UPDATE`)
	holder, err := scanIssue(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errcode.Wrap(errcode.Internal, "query active issue", err)
	}
	return holder, nil
}

func appendEventTx(ctx context.Context, tx *sql.Tx, ev *IssueEvent) error {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return errcode.Wrap(errcode.Internal, "encode event payload", err)
	}
	actor := ev.Actor
	if actor == "" {
		actor = ActorSystem
	}
	id := ev.ID
	if id == "" {
		id = uuid.NewString()
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO issue_events (id, issue_id, event_type, actor, payload)
		VALUES ($1, $2, $3, $4, $5)`, id, ev.IssueID, ev.EventType, actor, payload); err != nil {
		return errcode.Wrap(errcode.Internal, "insert issue event", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	if pqErr, ok := err.(*pq.Error); ok {
		return pqErr.Code == "23505"
	}
	return false
}
