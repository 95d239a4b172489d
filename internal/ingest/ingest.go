// Package ingest projects operational rows (runs, deploys, verdicts,
// verification reports) into the evidence timeline. Every ingestor follows
// the same skeleton: fetch the source row, upsert the node by natural key,
// record a SourceRef carrying the row's canonical hash, create edges.
// Source rows are never mutated.
package ingest

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/afu9/control-center/internal/canonical"
	"github.com/afu9/control-center/internal/errcode"
	"github.com/afu9/control-center/internal/store"
	"github.com/afu9/control-center/internal/timeline"
)

// Ingestor wires the operational store to the timeline.
type Ingestor struct {
	ops      store.OpsStore
	timeline timeline.Store
	logger   *log.Logger
	now      func() time.Time
}

// New creates an Ingestor.
func New(ops store.OpsStore, tl timeline.Store) *Ingestor {
	return &Ingestor{
		ops:      ops,
		timeline: tl,
		logger:   log.New(log.Writer(), "[INGEST] ", log.LstdFlags),
		now:      time.Now,
	}
}

// hashRow fingerprints the source row for the SourceRef.
func hashRow(row interface{}) (string, error) {
	return canonical.Hash(row)
}

// wrap maps anything that is not a typed not-found error onto
// INGESTION_FAILED.
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if errcode.CodeOf(err) == errcode.NotFound {
		return err
	}
	return errcode.Wrap(errcode.IngestionFailed, op, err)
}

// upsertWithRetry retries a single time on internal errors; natural-key
// races resolve on the second attempt.
func (in *Ingestor) upsertWithRetry(ctx context.Context, node *timeline.Node) (*timeline.Node, error) {
	out, err := in.timeline.UpsertNode(ctx, node)
	if err != nil && errcode.CodeOf(err) == errcode.Internal {
		in.logger.Printf("⚠️ upsert retry for %s/%s/%s: %v", node.SourceSystem, node.SourceType, node.SourceID, err)
		out, err = in.timeline.UpsertNode(ctx, node)
	}
	return out, err
}

func (in *Ingestor) recordSource(ctx context.Context, nodeID, kind string, ref map[string]interface{}, row interface{}) error {
	sum, err := hashRow(row)
	if err != nil {
		return errcode.Wrap(errcode.IngestionFailed, "hash source row", err)
	}
	return in.timeline.CreateSource(ctx, &timeline.SourceRef{
		NodeID:     nodeID,
		SourceKind: kind,
		Ref:        ref,
		SHA256:     sum,
	})
}

// IngestRun projects a run, its steps and its artifacts. One RUN node plus
// one ARTIFACT node per step and per produced artifact, linked by
// RUN_HAS_ARTIFACT edges. All payloads carry the same fetched_at stamp.
func (in *Ingestor) IngestRun(ctx context.Context, runID string) (*timeline.Node, error) {
	run, steps, artifacts, err := in.ops.GetRun(ctx, runID)
	if err != nil {
		if errcode.Is(err, errcode.NotFound) {
			return nil, errcode.Newf(errcode.RunNotFound, "run %s not found", runID)
		}
		return nil, wrap("fetch run", err)
	}

	fetchedAt := in.now().UTC().Format(time.RFC3339)
	runNode, err := in.upsertWithRetry(ctx, &timeline.Node{
		SourceSystem: timeline.SourceAFU9,
		SourceType:   "run",
		SourceID:     run.ID,
		NodeType:     timeline.NodeRun,
		Title:        fmt.Sprintf("%s run %s", run.Kind, run.Status),
		Payload: map[string]interface{}{
			"kind":       run.Kind,
			"status":     run.Status,
			"issueId":    run.IssueID,
			"fetched_at": fetchedAt,
		},
	})
	if err != nil {
		return nil, wrap("upsert run node", err)
	}
	if err := in.recordSource(ctx, runNode.ID, "runs", map[string]interface{}{"id": run.ID}, run); err != nil {
		return nil, wrap("record run source", err)
	}

	for _, st := range steps {
		node, err := in.upsertWithRetry(ctx, &timeline.Node{
			SourceSystem: timeline.SourceAFU9,
			SourceType:   "run_step",
			SourceID:     st.ID,
			NodeType:     timeline.NodeArtifact,
			Title:        fmt.Sprintf("step %d: %s", st.Idx, st.Name),
			Payload: map[string]interface{}{
				"idx":        st.Idx,
				"name":       st.Name,
				"status":     st.Status,
				"exitCode":   st.ExitCode,
				"durationMs": st.DurationMs,
				"fetched_at": fetchedAt,
			},
		})
		if err != nil {
			return nil, wrap("upsert step node", err)
		}
		if err := in.recordSource(ctx, node.ID, "run_steps", map[string]interface{}{"id": st.ID}, st); err != nil {
			return nil, wrap("record step source", err)
		}
		if err := in.timeline.CreateEdge(ctx, &timeline.Edge{
			FromNodeID: runNode.ID, ToNodeID: node.ID, EdgeType: timeline.EdgeRunHasArtifact,
		}); err != nil {
			return nil, wrap("link step", err)
		}
	}

	for _, art := range artifacts {
		node, err := in.upsertWithRetry(ctx, &timeline.Node{
			SourceSystem: timeline.SourceAFU9,
			SourceType:   "run_artifact",
			SourceID:     art.ID,
			NodeType:     timeline.NodeArtifact,
			Title:        art.Name,
			URL:          art.URL,
			Payload: map[string]interface{}{
				"kind":       art.Kind,
				"sha256":     art.SHA256,
				"bytes":      art.Bytes,
				"fetched_at": fetchedAt,
			},
		})
		if err != nil {
			return nil, wrap("upsert artifact node", err)
		}
		if err := in.recordSource(ctx, node.ID, "run_artifacts", map[string]interface{}{"id": art.ID}, art); err != nil {
			return nil, wrap("record artifact source", err)
		}
		if err := in.timeline.CreateEdge(ctx, &timeline.Edge{
			FromNodeID: runNode.ID, ToNodeID: node.ID, EdgeType: timeline.EdgeRunHasArtifact,
		}); err != nil {
			return nil, wrap("link artifact", err)
		}
	}

	// Attach to the issue chain when the run knows its issue.
	if run.IssueID != "" {
		if issueNode, err := in.timeline.GetNode(ctx, timeline.NaturalKey{
			SourceSystem: timeline.SourceAFU9, SourceType: "issue", SourceID: run.IssueID,
		}); err == nil {
			if err := in.timeline.CreateEdge(ctx, &timeline.Edge{
				FromNodeID: issueNode.ID, ToNodeID: runNode.ID, EdgeType: timeline.EdgeIssueHasRun,
			}); err != nil {
				return nil, wrap("link run to issue", err)
			}
		}
	}

	in.logger.Printf("✅ Ingested run %s (%d steps, %d artifacts)", runID, len(steps), len(artifacts))
	return runNode, nil
}

// IngestDeploy projects one deploy event into a DEPLOY node.
func (in *Ingestor) IngestDeploy(ctx context.Context, deployID string) (*timeline.Node, error) {
	dep, err := in.ops.GetDeploy(ctx, deployID)
	if err != nil {
		if errcode.Is(err, errcode.NotFound) {
			return nil, errcode.Newf(errcode.DeployNotFound, "deploy %s not found", deployID)
		}
		return nil, wrap("fetch deploy", err)
	}
	node, err := in.upsertWithRetry(ctx, &timeline.Node{
		SourceSystem: timeline.SourceAFU9,
		SourceType:   "deploy",
		SourceID:     dep.ID,
		NodeType:     timeline.NodeDeploy,
		Title:        fmt.Sprintf("%s → %s (%s)", dep.Service, dep.Env, dep.Status),
		Payload: map[string]interface{}{
			"env":        dep.Env,
			"service":    dep.Service,
			"version":    dep.Version,
			"commitHash": dep.CommitHash,
			"status":     dep.Status,
		},
	})
	if err != nil {
		return nil, wrap("upsert deploy node", err)
	}
	if err := in.recordSource(ctx, node.ID, "deploy_events", map[string]interface{}{"id": dep.ID}, dep); err != nil {
		return nil, wrap("record deploy source", err)
	}
	in.logger.Printf("✅ Ingested deploy %s", deployID)
	return node, nil
}

// IngestVerdict projects one verdict into a VERDICT node. The node's
// lawbookVersion comes from the verdict's policy snapshot and may be
// empty when no snapshot was taken.
func (in *Ingestor) IngestVerdict(ctx context.Context, verdictID string) (*timeline.Node, error) {
	v, err := in.ops.GetVerdict(ctx, verdictID)
	if err != nil {
		if errcode.Is(err, errcode.NotFound) {
			return nil, errcode.Newf(errcode.VerdictNotFound, "verdict %s not found", verdictID)
		}
		return nil, wrap("fetch verdict", err)
	}

	lawbookVersion := ""
	if v.PolicySnapshotID != "" {
		snap, err := in.ops.GetPolicySnapshot(ctx, v.PolicySnapshotID)
		if err != nil {
			if errcode.CodeOf(err) != errcode.NotFound {
				return nil, wrap("fetch policy snapshot", err)
			}
		} else {
			lawbookVersion = snap.Version
		}
	}

	node, err := in.upsertWithRetry(ctx, &timeline.Node{
		SourceSystem:   timeline.SourceAFU9,
		SourceType:     "verdict",
		SourceID:       v.ID,
		NodeType:       timeline.NodeVerdict,
		Title:          fmt.Sprintf("verdict %s", v.Color),
		LawbookVersion: lawbookVersion,
		Payload: map[string]interface{}{
			"color":           v.Color,
			"executionId":     v.ExecutionID,
			"confidenceScore": v.ConfidenceScore,
			"errorClass":      v.ErrorClass,
			"proposedAction":  v.ProposedAction,
		},
	})
	if err != nil {
		return nil, wrap("upsert verdict node", err)
	}
	if err := in.recordSource(ctx, node.ID, "verdicts", map[string]interface{}{"id": v.ID}, v); err != nil {
		return nil, wrap("record verdict source", err)
	}
	in.logger.Printf("✅ Ingested verdict %s (%s)", verdictID, v.Color)
	return node, nil
}

// IngestVerification projects one verification report into an ARTIFACT
// node with sourceType "verification_report".
func (in *Ingestor) IngestVerification(ctx context.Context, reportID string) (*timeline.Node, error) {
	rep, err := in.ops.GetVerification(ctx, reportID)
	if err != nil {
		if errcode.Is(err, errcode.NotFound) {
			return nil, errcode.Newf(errcode.VerificationNotFound, "verification report %s not found", reportID)
		}
		return nil, wrap("fetch verification report", err)
	}
	node, err := in.upsertWithRetry(ctx, &timeline.Node{
		SourceSystem: timeline.SourceAFU9,
		SourceType:   "verification_report",
		SourceID:     rep.ID,
		NodeType:     timeline.NodeArtifact,
		Title:        fmt.Sprintf("verification %s", rep.Result),
		Payload: map[string]interface{}{
			"result":     rep.Result,
			"reportHash": rep.ReportHash,
			"env":        rep.Env,
			"issueId":    rep.IssueID,
			"runId":      rep.RunID,
		},
	})
	if err != nil {
		return nil, wrap("upsert verification node", err)
	}
	if err := in.recordSource(ctx, node.ID, "verification_reports", map[string]interface{}{"id": rep.ID}, rep); err != nil {
		return nil, wrap("record verification source", err)
	}
	if rep.IssueID != "" {
		if issueNode, err := in.timeline.GetNode(ctx, timeline.NaturalKey{
			SourceSystem: timeline.SourceAFU9, SourceType: "issue", SourceID: rep.IssueID,
		}); err == nil {
			if err := in.timeline.CreateEdge(ctx, &timeline.Edge{
				FromNodeID: issueNode.ID, ToNodeID: node.ID, EdgeType: timeline.EdgeIssueHasArtifact,
			}); err != nil {
				return nil, wrap("link verification to issue", err)
			}
		}
	}
	in.logger.Printf("✅ Ingested verification %s (%s)", reportID, rep.Result)
	return node, nil
}

// IngestIssue seeds the chain for an issue. Sync and ingestion call this
// before linking anything else.
func (in *Ingestor) IngestIssue(ctx context.Context, issue *store.Issue) (*timeline.Node, error) {
	node, err := in.upsertWithRetry(ctx, &timeline.Node{
		SourceSystem: timeline.SourceAFU9,
		SourceType:   "issue",
		SourceID:     issue.ID,
		NodeType:     timeline.NodeIssue,
		Title:        issue.Title,
		URL:          issue.ForgeURL,
		Payload: map[string]interface{}{
			"publicId":    issue.PublicID,
			"canonicalId": issue.CanonicalID,
			"status":      string(issue.Status),
			"priority":    issue.Priority,
		},
	})
	if err != nil {
		return nil, wrap("upsert issue node", err)
	}
	if err := in.recordSource(ctx, node.ID, "issues", map[string]interface{}{"id": issue.ID}, issue); err != nil {
		return nil, wrap("record issue source", err)
	}
	return node, nil
}
