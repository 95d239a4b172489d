// Package postmortem renders incidents into evidence-backed postmortem
// artifacts. Every fact cites a stored evidence item; anything the
// evidence cannot answer lands in unknowns instead of being invented.
package postmortem

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/afu9/control-center/internal/canonical"
	"github.com/afu9/control-center/internal/errcode"
	"github.com/afu9/control-center/internal/lawbook"
	"github.com/afu9/control-center/internal/store"
)

// Result wraps the generated (or re-fetched) outcome record.
type Result struct {
	Record *store.OutcomeRecord `json:"record"`
	IsNew  bool                 `json:"isNew"`
}

// Generator builds postmortems.
type Generator struct {
	ops      store.OpsStore
	resolver *lawbook.Resolver
	logger   *log.Logger
	now      func() time.Time
}

// New creates a generator.
func New(ops store.OpsStore, resolver *lawbook.Resolver) *Generator {
	return &Generator{
		ops:      ops,
		resolver: resolver,
		logger:   log.New(log.Writer(), "[POSTMORTEM] ", log.LstdFlags),
		now:      time.Now,
	}
}

// Generate builds the artifact for an incident and upserts the outcome
// record. Re-running with the same inputs returns the stored record with
// IsNew=false.
func (g *Generator) Generate(ctx context.Context, incidentID, lawbookVersion string) (*Result, error) {
	incident, err := g.ops.GetIncident(ctx, incidentID)
	if err != nil {
		return nil, err
	}
	evidence, err := g.ops.ListEvidence(ctx, incidentID)
	if err != nil {
		return nil, err
	}
	incEvents, err := g.ops.ListIncidentEvents(ctx, incidentID)
	if err != nil {
		return nil, err
	}
	remediations, err := g.ops.ListRemediationRuns(ctx, incidentID)
	if err != nil {
		return nil, err
	}

	artifact := g.buildArtifact(ctx, incident, evidence, incEvents, remediations)
	if lawbookVersion == "" {
		if v, err := g.resolver.ActiveVersion(ctx, ""); err == nil {
			lawbookVersion = v
		}
	}
	if lawbookVersion != "" {
		artifact["lawbookVersion"] = lawbookVersion
	}

	// generatedAt is excluded from the hash so regeneration with the
	// same inputs is a no-op at the record level.
	postmortemHash, err := canonical.Hash(artifact)
	if err != nil {
		return nil, errcode.Wrap(errcode.Internal, "hash postmortem", err)
	}
	artifact["generatedAt"] = g.now().UTC().Format(time.RFC3339)

	packHash, err := canonical.Hash(map[string]interface{}{
		"incidentId":       incidentID,
		"evidenceCount":    len(evidence),
		"eventsCount":      len(incEvents),
		"remediationCount": len(remediations),
	})
	if err != nil {
		return nil, errcode.Wrap(errcode.Internal, "hash evidence pack", err)
	}

	primaryRunID := ""
	if len(remediations) > 0 {
		primaryRunID = remediations[0].RunID
	}
	outcomeKey, err := canonical.Hash(map[string]interface{}{
		"incidentId":              incidentID,
		"primaryRemediationRunId": primaryRunID,
		"packHash":                packHash,
	})
	if err != nil {
		return nil, errcode.Wrap(errcode.Internal, "hash outcome key", err)
	}

	record, isNew, err := g.ops.UpsertOutcome(ctx, &store.OutcomeRecord{
		OutcomeKey:     outcomeKey,
		IncidentID:     incidentID,
		PostmortemHash: postmortemHash,
		PackHash:       packHash,
		Artifact:       artifact,
	})
	if err != nil {
		return nil, err
	}
	if isNew {
		g.logger.Printf("✅ Postmortem generated for incident %s (key %.12s)", incidentID, outcomeKey)
	} else {
		g.logger.Printf("Postmortem for incident %s already recorded (key %.12s)", incidentID, outcomeKey)
	}
	return &Result{Record: record, IsNew: isNew}, nil
}

func (g *Generator) buildArtifact(ctx context.Context, incident *store.Incident, evidence []*store.EvidenceItem, incEvents []*store.IncidentEvent, remediations []*store.RemediationRun) map[string]interface{} {
	var unknowns []string
	var facts []map[string]interface{}
	var sourceHashes []string
	var pointers []string

	signalKinds := make([]string, 0, len(evidence))
	seenKind := make(map[string]bool)
	for _, item := range evidence {
		if !seenKind[item.Kind] {
			seenKind[item.Kind] = true
			signalKinds = append(signalKinds, item.Kind)
		}
		sourceHashes = append(sourceHashes, item.SHA256)
		facts = append(facts, map[string]interface{}{
			"statement":    item.Summary,
			"evidenceId":   item.ID,
			"evidenceHash": item.SHA256,
		})
		pointers = append(pointers, fmt.Sprintf("evidence:%s", item.ID))
	}
	if len(evidence) == 0 {
		unknowns = append(unknowns, "Root cause: not classified")
	}

	primaryEvidence := ""
	for _, item := range evidence {
		if item.Kind == incident.SourcePrimary {
			primaryEvidence = item.ID
			break
		}
	}
	detection := map[string]interface{}{
		"signalKinds":     signalKinds,
		"primaryEvidence": primaryEvidence,
		"sourcePrimary":   incident.SourcePrimary,
	}

	impact := map[string]interface{}{
		"summary": fmt.Sprintf("%s incident (%s) affecting %s", incident.Severity, incident.Category, serviceOrUnknown(incident.Service)),
	}
	if incident.MitigatedAt != nil {
		impact["durationMinutes"] = int(incident.MitigatedAt.Sub(incident.OpenedAt).Minutes())
	} else {
		unknowns = append(unknowns, "Impact duration: incident not yet mitigated")
	}

	playbooks := make([]map[string]interface{}, 0, len(remediations))
	autoFixed := false
	for _, rr := range remediations {
		playbooks = append(playbooks, map[string]interface{}{
			"playbook": rr.Playbook,
			"runId":    rr.RunID,
			"status":   rr.Status,
		})
		if rr.Status == store.RunSucceeded {
			autoFixed = true
		}
		pointers = append(pointers, fmt.Sprintf("run:%s", rr.RunID))
	}

	verification := map[string]interface{}{"result": "UNKNOWN"}
	for _, rr := range remediations {
		if rep, err := g.ops.LatestVerificationForRun(ctx, rr.RunID); err == nil {
			verification["result"] = rep.Result
			verification["reportHash"] = rep.ReportHash
			break
		}
	}
	if verification["result"] == "UNKNOWN" {
		unknowns = append(unknowns, "Verification: no report linked to remediation")
	}

	resolved := incident.Status == store.IncidentClosed || incident.Status == store.IncidentMitigated
	outcome := map[string]interface{}{
		"resolved":  resolved,
		"autoFixed": autoFixed,
	}
	if resolved && incident.MitigatedAt != nil {
		outcome["mttrMinutes"] = int(incident.MitigatedAt.Sub(incident.OpenedAt).Minutes())
	} else {
		unknowns = append(unknowns, "MTTR: incident not yet resolved")
	}

	artifact := map[string]interface{}{
		"incidentId": incident.ID,
		"title":      incident.Title,
		"severity":   incident.Severity,
		"detection":  detection,
		"impact":     impact,
		"remediation": map[string]interface{}{
			"attemptedPlaybooks": playbooks,
		},
		"verification": verification,
		"outcome":      outcome,
		"learnings": map[string]interface{}{
			"facts":    facts,
			"unknowns": unknowns,
		},
		"references": map[string]interface{}{
			"used_sources_hashes": sourceHashes,
			"pointers":            pointers,
		},
	}
	return artifact
}

func serviceOrUnknown(service string) string {
	if service == "" {
		return "unknown service"
	}
	return service
}
