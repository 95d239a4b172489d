package syncengine

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/afu9/control-center/internal/canonical"
	"github.com/afu9/control-center/internal/errcode"
	"github.com/afu9/control-center/internal/events"
	"github.com/afu9/control-center/internal/forge"
	"github.com/afu9/control-center/internal/statemachine"
	"github.com/afu9/control-center/internal/store"
)

// hashBucketSeconds buckets audit hashes into 5-minute windows.
const hashBucketSeconds = 300

// Engine runs bidirectional sync between the issue store and the Forge.
type Engine struct {
	issues  store.IssueStore
	ops     store.OpsStore
	audit   AuditStore
	gate    *forge.Gate
	emitter events.Emitter
	logger  *log.Logger
	now     func() time.Time

	// SweepWorkers bounds the fan-out of RunSweep.
	SweepWorkers int
}

// New creates a sync engine.
func New(issues store.IssueStore, ops store.OpsStore, audit AuditStore, gate *forge.Gate, emitter events.Emitter) *Engine {
	return &Engine{
		issues:       issues,
		ops:          ops,
		audit:        audit,
		gate:         gate,
		emitter:      emitter,
		logger:       log.New(log.Writer(), "[SYNC] ", log.LstdFlags),
		now:          time.Now,
		SweepWorkers: 4,
	}
}

// EventHash fingerprints an audit event. Timestamps are floored into
// 5-minute buckets so replays inside a window produce the same hash.
func EventHash(eventType, issueID string, forgeIssueNumber int, ts time.Time, payload map[string]interface{}) (string, error) {
	body, err := canonical.Marshal(payload)
	if err != nil {
		return "", err
	}
	bucket := ts.Unix() / hashBucketSeconds
	material := fmt.Sprintf("%s%s%d%d%s", eventType, issueID, forgeIssueNumber, bucket, body)
	return canonical.HashBytes([]byte(material)), nil
}

// recordAudit writes one audit row, swallowing in-window duplicates.
func (e *Engine) recordAudit(ctx context.Context, eventType, issueID string, forgeIssueNumber int, dryRun bool, payload map[string]interface{}) error {
	hash, err := EventHash(eventType, issueID, forgeIssueNumber, e.now(), payload)
	if err != nil {
		return errcode.Wrap(errcode.Internal, "hash audit event", err)
	}
	inserted, err := e.audit.RecordAudit(ctx, &AuditEvent{
		EventType:        eventType,
		IssueID:          issueID,
		ForgeIssueNumber: forgeIssueNumber,
		EventHash:        hash,
		DryRun:           dryRun,
		Payload:          payload,
	})
	if err != nil {
		return err
	}
	if !inserted {
		e.logger.Printf("audit dedupe: %s for %s within bucket", eventType, issueID)
	}
	return nil
}

func (e *Engine) conflict(ctx context.Context, issue *store.Issue, conflictType, detail string, opts Options, outcome *Outcome) (*Outcome, error) {
	c, err := e.audit.RecordConflict(ctx, &Conflict{
		IssueID:      issue.ID,
		ConflictType: conflictType,
		LocalStatus:  issue.Status,
		MirrorStatus: issue.MirrorStatus,
		Detail:       detail,
	})
	if err != nil {
		return nil, err
	}
	outcome.Conflict = c
	if err := e.recordAudit(ctx, AuditConflict, issue.ID, issue.ForgeIssueNumber, opts.DryRun, map[string]interface{}{
		"conflictType": conflictType,
		"detail":       detail,
		"localStatus":  string(issue.Status),
	}); err != nil {
		return nil, err
	}
	return outcome, nil
}

// targetFromForge derives the target local status from PR evidence, by
// priority: merged, fully approved, in flight, then explicit labels. The
// labelDriven flag marks targets that came from the mirror labels rather
// than PR evidence: labels state where the Forge thinks the issue is, PR
// evidence drives an actual transition.
func targetFromForge(current statemachine.LocalStatus, pr *forge.PullRequest, reviews []forge.Review, checks []forge.CheckRun, labels []string) (statemachine.LocalStatus, string, bool) {
	if pr != nil {
		if pr.Merged {
			return statemachine.StatusDone, "pr merged", false
		}
		if pr.State == "open" {
			approved := false
			changesRequested := false
			for _, r := range reviews {
				switch r.State {
				case "APPROVED":
					approved = true
				case "CHANGES_REQUESTED":
					changesRequested = true
				}
			}
			checksPassed := true
			checksRunning := false
			for _, c := range checks {
				if !c.Required {
					continue
				}
				if c.Status != "completed" {
					checksRunning = true
					checksPassed = false
				} else if c.Conclusion != "success" {
					checksPassed = false
				}
			}
			if checksPassed && approved && !changesRequested {
				return statemachine.StatusMergeReady, "pr approved with passing checks", false
			}
			if checksRunning || !approved {
				if current == statemachine.StatusImplementing || current == statemachine.StatusImplementingPrep {
					return statemachine.StatusImplementing, "pr open, work in progress", false
				}
				return statemachine.StatusReviewReady, "pr open, review pending", false
			}
		}
	}
	mirror := statemachine.ExtractMirrorStatus("", labels, "")
	if mapped, ok := statemachine.MirrorToLocal(mirror); ok {
		return mapped, fmt.Sprintf("label status %s", mirror), true
	}
	return current, "no signal", false
}

// SyncForgeToLocal pulls PR, review and check evidence for one issue and
// moves the local status accordingly. Dry-run by default.
func (e *Engine) SyncForgeToLocal(ctx context.Context, issueID, owner, repo string, forgeIssueNumber int, opts Options) (*Outcome, error) {
	issue, err := e.issues.GetIssue(ctx, issueID)
	if err != nil {
		return nil, err
	}

	outcome := &Outcome{
		IssueID:    issueID,
		Direction:  AuditForgeToLocal,
		DryRun:     opts.DryRun,
		FromStatus: issue.Status,
	}

	client, err := e.gate.WithAuthenticatedClient(ctx, owner, repo, "")
	if err != nil {
		return nil, err
	}

	var pr *forge.PullRequest
	var reviews []forge.Review
	var checks []forge.CheckRun
	if issue.PRNumber > 0 {
		pr, err = client.GetPullRequest(ctx, owner, repo, issue.PRNumber)
		if err != nil && errcode.CodeOf(err) != errcode.NotFound {
			return nil, err
		}
		if pr != nil {
			reviews, err = client.ListReviews(ctx, owner, repo, issue.PRNumber)
			if err != nil {
				return nil, err
			}
			checks, err = client.ListCheckRuns(ctx, owner, repo, pr.HeadSHA)
			if err != nil {
				return nil, err
			}
		}
	}
	labels, err := client.ListLabels(ctx, owner, repo, forgeIssueNumber)
	if err != nil {
		return nil, err
	}

	target, reason, labelDriven := targetFromForge(issue.Status, pr, reviews, checks, labels)
	outcome.TargetStatus = target
	if target == issue.Status {
		if err := e.recordAudit(ctx, AuditForgeToLocal, issueID, forgeIssueNumber, opts.DryRun, map[string]interface{}{
			"noop": true, "status": string(issue.Status),
		}); err != nil {
			return nil, err
		}
		return outcome, nil
	}

	if !statemachine.IsValid(issue.Status, target) {
		// A label mirror that simply disagrees with the local state is a
		// divergence, not a refused transition attempt.
		conflictType := ConflictTransitionNotAllowed
		if labelDriven {
			conflictType = ConflictStateDivergence
		}
		return e.conflict(ctx, issue, conflictType,
			fmt.Sprintf("%s → %s (%s)", issue.Status, target, reason), opts, outcome)
	}

	// Evidence preconditions.
	if target == statemachine.StatusVerified {
		rep, err := e.ops.LatestVerificationForIssue(ctx, issueID)
		if err != nil {
			if errcode.CodeOf(err) == errcode.NotFound {
				return e.conflict(ctx, issue, ConflictEvidenceMissing,
					"VERIFIED requires a verification report", opts, outcome)
			}
			return nil, err
		}
		if rep.Result != "PASS" || rep.ReportHash == "" {
			return e.conflict(ctx, issue, ConflictPreconditionFailed,
				fmt.Sprintf("VERIFIED requires a passed report, latest is %s", rep.Result), opts, outcome)
		}
	}

	if issue.ExecutionOverride && !opts.AllowManualOverride {
		return e.conflict(ctx, issue, ConflictManualOverride,
			"issue has a manual override and caller did not allow it", opts, outcome)
	}

	payload := map[string]interface{}{
		"from":   string(issue.Status),
		"to":     string(target),
		"reason": reason,
	}
	if opts.DryRun {
		if err := e.recordAudit(ctx, AuditForgeToLocal, issueID, forgeIssueNumber, true, payload); err != nil {
			return nil, err
		}
		return outcome, nil
	}

	actor := opts.Actor
	if actor == "" {
		actor = store.ActorSystem
	}
	if _, err := e.issues.UpdateStatus(ctx, issueID, store.StatusUpdate{
		From: issue.Status, To: target, Actor: actor,
	}); err != nil {
		return nil, err
	}
	outcome.Applied = true
	if err := e.recordAudit(ctx, AuditForgeToLocal, issueID, forgeIssueNumber, false, payload); err != nil {
		return nil, err
	}
	e.emitter.Emit(events.TypeStateChanged, "sync", issueID, payload)
	e.logger.Printf("✅ Synced %s: %s → %s (%s)", issueID, issue.Status, target, reason)
	return outcome, nil
}

// SyncLocalToForge pushes the local status to the Forge as label diffs.
// Only the managed status labels are ever added or removed.
func (e *Engine) SyncLocalToForge(ctx context.Context, issueID, owner, repo string, forgeIssueNumber int, opts Options) (*Outcome, error) {
	issue, err := e.issues.GetIssue(ctx, issueID)
	if err != nil {
		return nil, err
	}

	outcome := &Outcome{
		IssueID:      issueID,
		Direction:    AuditLocalToForge,
		DryRun:       opts.DryRun,
		FromStatus:   issue.Status,
		TargetStatus: issue.Status,
	}

	client, err := e.gate.WithAuthenticatedClient(ctx, owner, repo, "")
	if err != nil {
		return nil, err
	}
	current, err := client.ListLabels(ctx, owner, repo, forgeIssueNumber)
	if err != nil {
		return nil, err
	}

	want := make(map[string]bool)
	for _, l := range statemachine.StatusLabels(issue.Status) {
		want[l] = true
	}
	managed := make(map[string]bool)
	for _, l := range statemachine.AllStatusLabels() {
		managed[l] = true
	}
	have := make(map[string]bool)
	for _, l := range current {
		have[l] = true
	}

	var add, remove []string
	for l := range want {
		if !have[l] {
			add = append(add, l)
		}
	}
	for _, l := range current {
		if managed[l] && !want[l] {
			remove = append(remove, l)
		}
	}
	outcome.LabelsAdded = add
	outcome.LabelsRemoved = remove

	payload := map[string]interface{}{
		"status":  string(issue.Status),
		"added":   add,
		"removed": remove,
	}
	if !opts.DryRun {
		if len(add) > 0 {
			if err := client.AddLabels(ctx, owner, repo, forgeIssueNumber, add); err != nil {
				return nil, err
			}
		}
		for _, l := range remove {
			if err := client.RemoveLabel(ctx, owner, repo, forgeIssueNumber, l); err != nil {
				return nil, err
			}
		}
		outcome.Applied = len(add)+len(remove) > 0
	}
	if err := e.recordAudit(ctx, AuditLocalToForge, issueID, forgeIssueNumber, opts.DryRun, payload); err != nil {
		return nil, err
	}
	return outcome, nil
}

// RunSweep syncs every open issue with a Forge linkage, fanning out over a
// bounded worker pool and aggregating the outcomes.
func (e *Engine) RunSweep(ctx context.Context, opts Options) (*SweepResult, error) {
	issues, _, err := e.issues.ListIssues(ctx, store.ListFilter{OpenOnly: true, Limit: store.MaxPageSize})
	if err != nil {
		return nil, err
	}

	type job struct{ issue *store.Issue }
	jobs := make(chan job)
	result := &SweepResult{}
	var mu sync.Mutex
	var wg sync.WaitGroup

	workers := e.SweepWorkers
	if workers < 1 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobs {
				issue := j.issue
				outcome, err := e.SyncForgeToLocal(ctx, issue.ID, ownerOf(issue.ForgeRepo), repoOf(issue.ForgeRepo), issue.ForgeIssueNumber, opts)
				mu.Lock()
				switch {
				case err != nil:
					result.FailedIssues++
				case outcome.Conflict != nil:
					result.ConflictsDetected++
					if outcome.Conflict.ConflictType == ConflictTransitionNotAllowed {
						result.TransitionsBlocked++
					}
				default:
					result.SyncedIssues++
				}
				mu.Unlock()
			}
		}()
	}

	for _, issue := range issues {
		if issue.ForgeRepo == "" || issue.ForgeIssueNumber == 0 {
			continue
		}
		select {
		case jobs <- job{issue: issue}:
		case <-ctx.Done():
			close(jobs)
			wg.Wait()
			return result, ctx.Err()
		}
	}
	close(jobs)
	wg.Wait()

	e.emitter.Emit(events.TypeSyncCompleted, "sync", "", map[string]interface{}{
		"syncedIssues":       result.SyncedIssues,
		"failedIssues":       result.FailedIssues,
		"conflictsDetected":  result.ConflictsDetected,
		"transitionsBlocked": result.TransitionsBlocked,
	})
	e.logger.Printf("✅ Sweep done: %d synced, %d failed, %d conflicts, %d blocked",
		result.SyncedIssues, result.FailedIssues, result.ConflictsDetected, result.TransitionsBlocked)
	return result, nil
}

// ownerOf and repoOf split an "owner/repo" linkage string.
func ownerOf(full string) string {
	for i := 0; i < len(full); i++ {
		if full[i] == '/' {
			return full[:i]
		}
	}
	return full
}

func repoOf(full string) string {
	for i := 0; i < len(full); i++ {
		if full[i] == '/' {
			return full[i+1:]
		}
	}
	return ""
}
