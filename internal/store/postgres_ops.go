package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/afu9/control-center/internal/errcode"
)

// PostgresOpsStore is the production OpsStore.
type PostgresOpsStore struct {
	db *sql.DB
}

// NewPostgresOpsStore wraps an open database handle.
func NewPostgresOpsStore(db *sql.DB) *PostgresOpsStore {
	return &PostgresOpsStore{db: db}
}

func (s *PostgresOpsStore) CreateRun(ctx context.Context, run *Run) (*Run, error) {
	cp := *run
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	if cp.Status == "" {
		cp.Status = RunRunning
	}
	err := s.db.QueryRowContext(ctx, `INSERT INTO runs (id, issue_id, kind, status)
		VALUES ($1, $2, $3, $4) RETURNING started_at`,
		cp.ID, nullStr(cp.IssueID), cp.Kind, cp.Status).Scan(&cp.StartedAt)
	if err != nil {
		return nil, errcode.Wrap(errcode.Internal, "insert run", err)
	}
	return &cp, nil
}

func (s *PostgresOpsStore) FinishRun(ctx context.Context, runID, status string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = $2, finished_at = now() WHERE id = $1`, runID, status)
	if err != nil {
		return errcode.Wrap(errcode.Internal, "finish run", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errcode.Newf(errcode.NotFound, "run %s", runID)
	}
	return nil
}

func (s *PostgresOpsStore) AddRunStep(ctx context.Context, step *RunStep) (*RunStep, error) {
	cp := *step
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO run_steps
		(id, run_id, idx, name, status, exit_code, duration_ms, stdout_tail, stderr_tail)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		cp.ID, cp.RunID, cp.Idx, cp.Name, cp.Status, cp.ExitCode, cp.DurationMs,
		nullStr(cp.StdoutTail), nullStr(cp.StderrTail))
	if err != nil {
		if isForeignKeyViolation(err) {
			return nil, errcode.Newf(errcode.NotFound, "run %s", cp.RunID)
		}
		return nil, errcode.Wrap(errcode.Internal, "insert run step", err)
	}
	return &cp, nil
}

func (s *PostgresOpsStore) AddRunArtifact(ctx context.Context, art *RunArtifact) (*RunArtifact, error) {
	cp := *art
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	// Finished runs take no more artifacts.
	res, err := s.db.ExecContext(ctx, `INSERT INTO run_artifacts
		(id, run_id, kind, name, sha256, bytes, url)
		SELECT $1, $2, $3, $4, $5, $6, $7
		WHERE EXISTS (SELECT 1 FROM runs WHERE id = $2 AND finished_at IS NULL)`,
		cp.ID, cp.RunID, cp.Kind, cp.Name, cp.SHA256, cp.Bytes, nullStr(cp.URL))
	if err != nil {
		return nil, errcode.Wrap(errcode.Internal, "insert run artifact", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists bool
		if err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM runs WHERE id = $1)`, cp.RunID).Scan(&exists); err == nil && !exists {
			return nil, errcode.Newf(errcode.NotFound, "run %s", cp.RunID)
		}
		return nil, errcode.Newf(errcode.Conflict, "run %s is finished, artifacts are immutable", cp.RunID)
	}
	return &cp, nil
}

func (s *PostgresOpsStore) GetRun(ctx context.Context, runID string) (*Run, []*RunStep, []*RunArtifact, error) {
	var run Run
	var issueID sql.NullString
	var finishedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `SELECT id, issue_id, kind, status, started_at, finished_at
		FROM runs WHERE id = $1`, runID).
		Scan(&run.ID, &issueID, &run.Kind, &run.Status, &run.StartedAt, &finishedAt)
	if err == sql.ErrNoRows {
		return nil, nil, nil, errcode.Newf(errcode.NotFound, "run %s", runID)
	}
	if err != nil {
		return nil, nil, nil, errcode.Wrap(errcode.Internal, "get run", err)
	}
	run.IssueID = issueID.String
	if finishedAt.Valid {
		t := finishedAt.Time
		run.FinishedAt = &t
	}

	steps, err := s.listRunSteps(ctx, runID)
	if err != nil {
		return nil, nil, nil, err
	}
	arts, err := s.listRunArtifacts(ctx, runID)
	if err != nil {
		return nil, nil, nil, err
	}
	return &run, steps, arts, nil
}

func (s *PostgresOpsStore) listRunSteps(ctx context.Context, runID string) ([]*RunStep, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, run_id, idx, name, status, exit_code,
		duration_ms, COALESCE(stdout_tail, ''), COALESCE(stderr_tail, '')
		FROM run_steps WHERE run_id = $1 ORDER BY idx`, runID)
	if err != nil {
		return nil, errcode.Wrap(errcode.Internal, "list run steps", err)
	}
	defer rows.Close()
	var out []*RunStep
	for rows.Next() {
		var st RunStep
		if err := rows.Scan(&st.ID, &st.RunID, &st.Idx, &st.Name, &st.Status,
			&st.ExitCode, &st.DurationMs, &st.StdoutTail, &st.StderrTail); err != nil {
			return nil, errcode.Wrap(errcode.Internal, "scan run step", err)
		}
		out = append(out, &st)
	}
	return out, rows.Err()
}

func (s *PostgresOpsStore) listRunArtifacts(ctx context.Context, runID string) ([]*RunArtifact, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, run_id, kind, name, sha256, bytes, COALESCE(url, '')
		FROM run_artifacts WHERE run_id = $1`, runID)
	if err != nil {
		return nil, errcode.Wrap(errcode.Internal, "list run artifacts", err)
	}
	defer rows.Close()
	var out []*RunArtifact
	for rows.Next() {
		var a RunArtifact
		if err := rows.Scan(&a.ID, &a.RunID, &a.Kind, &a.Name, &a.SHA256, &a.Bytes, &a.URL); err != nil {
			return nil, errcode.Wrap(errcode.Internal, "scan run artifact", err)
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

func (s *PostgresOpsStore) ListRunsForIssue(ctx context.Context, issueID string, limit int) ([]*Run, error) {
	if limit <= 0 || limit > MaxPageSize {
		limit = MaxPageSize
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, issue_id, kind, status, started_at, finished_at
		FROM runs WHERE issue_id = $1 ORDER BY started_at DESC LIMIT $2`, issueID, limit)
	if err != nil {
		return nil, errcode.Wrap(errcode.Internal, "list runs", err)
	}
	defer rows.Close()
	var out []*Run
	for rows.Next() {
		var run Run
		var iid sql.NullString
		var finishedAt sql.NullTime
		if err := rows.Scan(&run.ID, &iid, &run.Kind, &run.Status, &run.StartedAt, &finishedAt); err != nil {
			return nil, errcode.Wrap(errcode.Internal, "scan run", err)
		}
		run.IssueID = iid.String
		if finishedAt.Valid {
			t := finishedAt.Time
			run.FinishedAt = &t
		}
		out = append(out, &run)
	}
	return out, rows.Err()
}

func (s *PostgresOpsStore) RecordDeploy(ctx context.Context, ev *DeployEvent) (*DeployEvent, error) {
	cp := *ev
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	err := s.db.QueryRowContext(ctx, `INSERT INTO deploy_events
		(id, env, service, version, commit_hash, status, message)
		VALUES ($1,$2,$3,$4,$5,$6,$7) RETURNING created_at`,
		cp.ID, cp.Env, cp.Service, cp.Version, cp.CommitHash, cp.Status, nullStr(cp.Message)).
		Scan(&cp.CreatedAt)
	if err != nil {
		return nil, errcode.Wrap(errcode.Internal, "insert deploy event", err)
	}
	return &cp, nil
}

func (s *PostgresOpsStore) GetDeploy(ctx context.Context, id string) (*DeployEvent, error) {
	var d DeployEvent
	var msg sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT id, env, service, version, commit_hash, status, message, created_at
		FROM deploy_events WHERE id = $1`, id).
		Scan(&d.ID, &d.Env, &d.Service, &d.Version, &d.CommitHash, &d.Status, &msg, &d.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, errcode.Newf(errcode.NotFound, "deploy %s", id)
	}
	if err != nil {
		return nil, errcode.Wrap(errcode.Internal, "get deploy", err)
	}
	d.Message = msg.String
	return &d, nil
}

func (s *PostgresOpsStore) ListDeploys(ctx context.Context, env string, since time.Time, limit int) ([]*DeployEvent, error) {
	if limit <= 0 || limit > MaxPageSize {
		limit = MaxPageSize
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, env, service, version, commit_hash, status,
		COALESCE(message, ''), created_at
		FROM deploy_events
		WHERE ($1 = '' OR env = $1) AND created_at >= $2
		ORDER BY created_at DESC LIMIT $3`, env, since, limit)
	if err != nil {
		return nil, errcode.Wrap(errcode.Internal, "list deploys", err)
	}
	defer rows.Close()
	var out []*DeployEvent
	for rows.Next() {
		var d DeployEvent
		if err := rows.Scan(&d.ID, &d.Env, &d.Service, &d.Version, &d.CommitHash,
			&d.Status, &d.Message, &d.CreatedAt); err != nil {
			return nil, errcode.Wrap(errcode.Internal, "scan deploy", err)
		}
		out = append(out, &d)
	}
	return out, rows.Err()
}

func (s *PostgresOpsStore) CreatePolicySnapshot(ctx context.Context, snap *PolicySnapshot) (*PolicySnapshot, error) {
	cp := *snap
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	err := s.db.QueryRowContext(ctx, `INSERT INTO policy_snapshots (id, lawbook_id, version, hash)
		VALUES ($1,$2,$3,$4) RETURNING created_at`,
		cp.ID, cp.LawbookID, cp.Version, cp.Hash).Scan(&cp.CreatedAt)
	if err != nil {
		return nil, errcode.Wrap(errcode.Internal, "insert policy snapshot", err)
	}
	return &cp, nil
}

func (s *PostgresOpsStore) GetPolicySnapshot(ctx context.Context, id string) (*PolicySnapshot, error) {
	var snap PolicySnapshot
	err := s.db.QueryRowContext(ctx, `SELECT id, lawbook_id, version, hash, created_at
		FROM policy_snapshots WHERE id = $1`, id).
		Scan(&snap.ID, &snap.LawbookID, &snap.Version, &snap.Hash, &snap.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, errcode.Newf(errcode.NotFound, "policy snapshot %s", id)
	}
	if err != nil {
		return nil, errcode.Wrap(errcode.Internal, "get policy snapshot", err)
	}
	return &snap, nil
}

func (s *PostgresOpsStore) RecordVerdict(ctx context.Context, v *Verdict) (*Verdict, error) {
	cp := *v
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	signals, err := json.Marshal(cp.Signals)
	if err != nil {
		return nil, errcode.Wrap(errcode.Internal, "encode verdict signals", err)
	}
	tokens, err := json.Marshal(cp.Tokens)
	if err != nil {
		return nil, errcode.Wrap(errcode.Internal, "encode verdict tokens", err)
	}
	err = s.db.QueryRowContext(ctx, `INSERT INTO verdicts
		(id, execution_id, issue_id, color, policy_snapshot_id, fingerprint_id,
		 error_class, service, confidence_score, proposed_action, tokens, signals)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12) RETURNING created_at`,
		cp.ID, cp.ExecutionID, nullStr(cp.IssueID), cp.Color, nullStr(cp.PolicySnapshotID),
		nullStr(cp.FingerprintID), nullStr(cp.ErrorClass), nullStr(cp.Service),
		cp.ConfidenceScore, nullStr(cp.ProposedAction), tokens, signals).
		Scan(&cp.CreatedAt)
	if err != nil {
		return nil, errcode.Wrap(errcode.Internal, "insert verdict", err)
	}
	return &cp, nil
}

func (s *PostgresOpsStore) GetVerdict(ctx context.Context, id string) (*Verdict, error) {
	var v Verdict
	var issueID, snapID, fpID, errClass, service, action sql.NullString
	var tokens, signals []byte
	err := s.db.QueryRowContext(ctx, `SELECT id, execution_id, issue_id, color, policy_snapshot_id,
		fingerprint_id, error_class, service, confidence_score, proposed_action, tokens, signals, created_at
		FROM verdicts WHERE id = $1`, id).
		Scan(&v.ID, &v.ExecutionID, &issueID, &v.Color, &snapID, &fpID, &errClass,
			&service, &v.ConfidenceScore, &action, &tokens, &signals, &v.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, errcode.Newf(errcode.NotFound, "verdict %s", id)
	}
	if err != nil {
		return nil, errcode.Wrap(errcode.Internal, "get verdict", err)
	}
	v.IssueID = issueID.String
	v.PolicySnapshotID = snapID.String
	v.FingerprintID = fpID.String
	v.ErrorClass = errClass.String
	v.Service = service.String
	v.ProposedAction = action.String
	if len(tokens) > 0 {
		if err := json.Unmarshal(tokens, &v.Tokens); err != nil {
			return nil, errcode.Wrap(errcode.Internal, "decode verdict tokens", err)
		}
	}
	if len(signals) > 0 {
		if err := json.Unmarshal(signals, &v.Signals); err != nil {
			return nil, errcode.Wrap(errcode.Internal, "decode verdict signals", err)
		}
	}
	return &v, nil
}

func (s *PostgresOpsStore) CreateIncident(ctx context.Context, inc *Incident) (*Incident, error) {
	cp := *inc
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	if cp.Status == "" {
		cp.Status = IncidentOpen
	}
	err := s.db.QueryRowContext(ctx, `INSERT INTO incidents
		(id, title, severity, source_primary, category, status, service)
		VALUES ($1,$2,$3,$4,$5,$6,$7) RETURNING opened_at`,
		cp.ID, cp.Title, cp.Severity, cp.SourcePrimary, cp.Category, cp.Status, nullStr(cp.Service)).
		Scan(&cp.OpenedAt)
	if err != nil {
		return nil, errcode.Wrap(errcode.Internal, "insert incident", err)
	}
	return &cp, nil
}

func (s *PostgresOpsStore) GetIncident(ctx context.Context, id string) (*Incident, error) {
	var inc Incident
	var service sql.NullString
	var mitigatedAt, closedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `SELECT id, title, severity, source_primary, category,
		status, service, opened_at, mitigated_at, closed_at FROM incidents WHERE id = $1`, id).
		Scan(&inc.ID, &inc.Title, &inc.Severity, &inc.SourcePrimary, &inc.Category,
			&inc.Status, &service, &inc.OpenedAt, &mitigatedAt, &closedAt)
	if err == sql.ErrNoRows {
		return nil, errcode.Newf(errcode.NotFound, "incident %s", id)
	}
	if err != nil {
		return nil, errcode.Wrap(errcode.Internal, "get incident", err)
	}
	inc.Service = service.String
	if mitigatedAt.Valid {
		t := mitigatedAt.Time
		inc.MitigatedAt = &t
	}
	if closedAt.Valid {
		t := closedAt.Time
		inc.ClosedAt = &t
	}
	return &inc, nil
}

func (s *PostgresOpsStore) AppendIncidentEvent(ctx context.Context, ev *IncidentEvent) (*IncidentEvent, error) {
	cp := *ev
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	payload, err := json.Marshal(cp.Payload)
	if err != nil {
		return nil, errcode.Wrap(errcode.Internal, "encode incident event", err)
	}
	err = s.db.QueryRowContext(ctx, `INSERT INTO incident_events (id, incident_id, kind, payload)
		VALUES ($1,$2,$3,$4) RETURNING created_at`, cp.ID, cp.IncidentID, cp.Kind, payload).
		Scan(&cp.CreatedAt)
	if err != nil {
		if isForeignKeyViolation(err) {
			return nil, errcode.Newf(errcode.NotFound, "incident %s", cp.IncidentID)
		}
		return nil, errcode.Wrap(errcode.Internal, "insert incident event", err)
	}
	return &cp, nil
}

func (s *PostgresOpsStore) ListIncidentEvents(ctx context.Context, incidentID string) ([]*IncidentEvent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, incident_id, kind, payload, created_at
		FROM incident_events WHERE incident_id = $1 ORDER BY created_at`, incidentID)
	if err != nil {
		return nil, errcode.Wrap(errcode.Internal, "list incident events", err)
	}
	defer rows.Close()
	var out []*IncidentEvent
	for rows.Next() {
		var ev IncidentEvent
		var payload []byte
		if err := rows.Scan(&ev.ID, &ev.IncidentID, &ev.Kind, &payload, &ev.CreatedAt); err != nil {
			return nil, errcode.Wrap(errcode.Internal, "scan incident event", err)
		}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &ev.Payload); err != nil {
				return nil, errcode.Wrap(errcode.Internal, "decode incident event", err)
			}
		}
		out = append(out, &ev)
	}
	return out, rows.Err()
}

func (s *PostgresOpsStore) AddEvidence(ctx context.Context, item *EvidenceItem) (*EvidenceItem, error) {
	cp := *item
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	payload, err := json.Marshal(cp.Payload)
	if err != nil {
		return nil, errcode.Wrap(errcode.Internal, "encode evidence", err)
	}
	err = s.db.QueryRowContext(ctx, `INSERT INTO evidence_items (id, incident_id, kind, summary, sha256, payload)
		VALUES ($1,$2,$3,$4,$5,$6) RETURNING created_at`,
		cp.ID, cp.IncidentID, cp.Kind, cp.Summary, cp.SHA256, payload).Scan(&cp.CreatedAt)
	if err != nil {
		if isForeignKeyViolation(err) {
			return nil, errcode.Newf(errcode.NotFound, "incident %s", cp.IncidentID)
		}
		return nil, errcode.Wrap(errcode.Internal, "insert evidence", err)
	}
	return &cp, nil
}

func (s *PostgresOpsStore) ListEvidence(ctx context.Context, incidentID string) ([]*EvidenceItem, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, incident_id, kind, summary, sha256, payload, created_at
		FROM evidence_items WHERE incident_id = $1 ORDER BY created_at`, incidentID)
	if err != nil {
		return nil, errcode.Wrap(errcode.Internal, "list evidence", err)
	}
	defer rows.Close()
	var out []*EvidenceItem
	for rows.Next() {
		var item EvidenceItem
		var payload []byte
		if err := rows.Scan(&item.ID, &item.IncidentID, &item.Kind, &item.Summary,
			&item.SHA256, &payload, &item.CreatedAt); err != nil {
			return nil, errcode.Wrap(errcode.Internal, "scan evidence", err)
		}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &item.Payload); err != nil {
				return nil, errcode.Wrap(errcode.Internal, "decode evidence", err)
			}
		}
		out = append(out, &item)
	}
	return out, rows.Err()
}

func (s *PostgresOpsStore) AddRemediationRun(ctx context.Context, rr *RemediationRun) (*RemediationRun, error) {
	cp := *rr
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	err := s.db.QueryRowContext(ctx, `INSERT INTO remediation_runs (id, incident_id, run_id, playbook, status)
		VALUES ($1,$2,$3,$4,$5) RETURNING started_at`,
		cp.ID, cp.IncidentID, cp.RunID, cp.Playbook, cp.Status).Scan(&cp.StartedAt)
	if err != nil {
		if isForeignKeyViolation(err) {
			return nil, errcode.Newf(errcode.NotFound, "incident %s", cp.IncidentID)
		}
		return nil, errcode.Wrap(errcode.Internal, "insert remediation run", err)
	}
	return &cp, nil
}

func (s *PostgresOpsStore) ListRemediationRuns(ctx context.Context, incidentID string) ([]*RemediationRun, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, incident_id, run_id, playbook, status, started_at, finished_at
		FROM remediation_runs WHERE incident_id = $1 ORDER BY started_at`, incidentID)
	if err != nil {
		return nil, errcode.Wrap(errcode.Internal, "list remediation runs", err)
	}
	defer rows.Close()
	var out []*RemediationRun
	for rows.Next() {
		var rr RemediationRun
		var finishedAt sql.NullTime
		if err := rows.Scan(&rr.ID, &rr.IncidentID, &rr.RunID, &rr.Playbook,
			&rr.Status, &rr.StartedAt, &finishedAt); err != nil {
			return nil, errcode.Wrap(errcode.Internal, "scan remediation run", err)
		}
		if finishedAt.Valid {
			t := finishedAt.Time
			rr.FinishedAt = &t
		}
		out = append(out, &rr)
	}
	return out, rows.Err()
}

func (s *PostgresOpsStore) RecordVerification(ctx context.Context, rep *VerificationReport) (*VerificationReport, error) {
	cp := *rep
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	err := s.db.QueryRowContext(ctx, `INSERT INTO verification_reports
		(id, run_id, issue_id, env, result, report_hash, summary)
		VALUES ($1,$2,$3,$4,$5,$6,$7) RETURNING generated_at`,
		cp.ID, nullStr(cp.RunID), nullStr(cp.IssueID), nullStr(cp.Env),
		cp.Result, cp.ReportHash, nullStr(cp.Summary)).Scan(&cp.GeneratedAt)
	if err != nil {
		return nil, errcode.Wrap(errcode.Internal, "insert verification report", err)
	}
	return &cp, nil
}

func (s *PostgresOpsStore) GetVerification(ctx context.Context, id string) (*VerificationReport, error) {
	return s.scanVerification(s.db.QueryRowContext(ctx, `SELECT id, run_id, issue_id, env,
		result, report_hash, summary, generated_at FROM verification_reports WHERE id = $1`, id),
		"verification "+id)
}

func (s *PostgresOpsStore) LatestVerificationForIssue(ctx context.Context, issueID string) (*VerificationReport, error) {
	return s.scanVerification(s.db.QueryRowContext(ctx, `SELECT id, run_id, issue_id, env,
		result, report_hash, summary, generated_at FROM verification_reports
		WHERE issue_id = $1 ORDER BY generated_at DESC LIMIT 1`, issueID),
		"no verification for issue "+issueID)
}

func (s *PostgresOpsStore) LatestVerificationForRun(ctx context.Context, runID string) (*VerificationReport, error) {
	return s.scanVerification(s.db.QueryRowContext(ctx, `SELECT id, run_id, issue_id, env,
		result, report_hash, summary, generated_at FROM verification_reports
		WHERE run_id = $1 ORDER BY generated_at DESC LIMIT 1`, runID),
		"no verification for run "+runID)
}

func (s *PostgresOpsStore) scanVerification(row *sql.Row, notFoundMsg string) (*VerificationReport, error) {
	var rep VerificationReport
	var runID, issueID, env, summary sql.NullString
	err := row.Scan(&rep.ID, &runID, &issueID, &env, &rep.Result, &rep.ReportHash, &summary, &rep.GeneratedAt)
	if err == sql.ErrNoRows {
		return nil, errcode.New(errcode.NotFound, notFoundMsg)
	}
	if err != nil {
		return nil, errcode.Wrap(errcode.Internal, "get verification", err)
	}
	rep.RunID = runID.String
	rep.IssueID = issueID.String
	rep.Env = env.String
	rep.Summary = summary.String
	return &rep, nil
}

// UpsertOutcome inserts an outcome record keyed by outcomeKey. On conflict
// the existing row is returned unchanged and isNew is false.
func (s *PostgresOpsStore) UpsertOutcome(ctx context.Context, rec *OutcomeRecord) (*OutcomeRecord, bool, error) {
	cp := *rec
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	artifact, err := json.Marshal(cp.Artifact)
	if err != nil {
		return nil, false, errcode.Wrap(errcode.Internal, "encode outcome artifact", err)
	}

	var inserted bool
	err = s.db.QueryRowContext(ctx, `INSERT INTO outcome_records
		(id, outcome_key, incident_id, postmortem_hash, pack_hash, artifact)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (outcome_key) DO NOTHING
		RETURNING created_at`,
		cp.ID, cp.OutcomeKey, cp.IncidentID, cp.PostmortemHash, cp.PackHash, artifact).
		Scan(&cp.CreatedAt)
	switch {
	case err == sql.ErrNoRows:
		inserted = false
	case err != nil:
		return nil, false, errcode.Wrap(errcode.Internal, "insert outcome record", err)
	default:
		inserted = true
	}

	if !inserted {
		existing, err := s.GetOutcomeByKey(ctx, cp.OutcomeKey)
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}
	return &cp, true, nil
}

func (s *PostgresOpsStore) GetOutcomeByKey(ctx context.Context, outcomeKey string) (*OutcomeRecord, error) {
	var rec OutcomeRecord
	var artifact []byte
	err := s.db.QueryRowContext(ctx, `SELECT id, outcome_key, incident_id, postmortem_hash,
		pack_hash, artifact, created_at FROM outcome_records WHERE outcome_key = $1`, outcomeKey).
		Scan(&rec.ID, &rec.OutcomeKey, &rec.IncidentID, &rec.PostmortemHash,
			&rec.PackHash, &artifact, &rec.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, errcode.Newf(errcode.NotFound, "outcome %s", outcomeKey)
	}
	if err != nil {
		return nil, errcode.Wrap(errcode.Internal, "get outcome record", err)
	}
	if len(artifact) > 0 {
		if err := json.Unmarshal(artifact, &rec.Artifact); err != nil {
			return nil, errcode.Wrap(errcode.Internal, "decode outcome artifact", err)
		}
	}
	return &rec, nil
}

// PostgresNavigationStore is the production NavigationStore.
type PostgresNavigationStore struct {
	db *sql.DB
}

// NewPostgresNavigationStore wraps an open database handle.
func NewPostgresNavigationStore(db *sql.DB) *PostgresNavigationStore {
	return &PostgresNavigationStore{db: db}
}

func (s *PostgresNavigationStore) ListNavigation(ctx context.Context, role string) ([]*NavigationItem, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT role, href, label, position, enabled
		FROM navigation_items WHERE role = $1 OR role = '*' ORDER BY position`, role)
	if err != nil {
		return nil, errcode.Wrap(errcode.Internal, "list navigation", err)
	}
	defer rows.Close()
	var out []*NavigationItem
	for rows.Next() {
		var item NavigationItem
		if err := rows.Scan(&item.Role, &item.Href, &item.Label, &item.Position, &item.Enabled); err != nil {
			return nil, errcode.Wrap(errcode.Internal, "scan navigation item", err)
		}
		out = append(out, &item)
	}
	return out, rows.Err()
}

func (s *PostgresNavigationStore) ReplaceNavigation(ctx context.Context, role string, items []*NavigationItem) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errcode.Wrap(errcode.Internal, "begin navigation replace", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM navigation_items WHERE role = $1`, role); err != nil {
		return errcode.Wrap(errcode.Internal, "clear navigation", err)
	}
	for _, item := range items {
		if _, err := tx.ExecContext(ctx, `INSERT INTO navigation_items (role, href, label, position, enabled)
			VALUES ($1,$2,$3,$4,$5)`, role, item.Href, item.Label, item.Position, item.Enabled); err != nil {
			if isUniqueViolation(err) {
				return errcode.Newf(errcode.Conflict, "duplicate navigation entry for role %s", role)
			}
			return errcode.Wrap(errcode.Internal, "insert navigation item", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return errcode.Wrap(errcode.Internal, "commit navigation replace", err)
	}
	return nil
}

func isForeignKeyViolation(err error) bool {
	if pqErr, ok := err.(*pq.Error); ok {
		return pqErr.Code == "23503"
	}
	return false
}
