// Package timeline is the content-addressed linkage graph. Nodes are
// upserted by natural key, edges are unique per (from, to, type), and the
// chain query returns a stable ordering that callers may rely on.
package timeline

import (
	"context"
	"sort"
	"time"
)

// Source systems.
const (
	SourceAFU9  = "afu9"
	SourceForge = "forge"
)

// NodeType is the closed set of timeline node kinds.
type NodeType string

const (
	NodeIssue    NodeType = "ISSUE"
	NodePR       NodeType = "PR"
	NodeRun      NodeType = "RUN"
	NodeDeploy   NodeType = "DEPLOY"
	NodeVerdict  NodeType = "VERDICT"
	NodeArtifact NodeType = "ARTIFACT"
	NodeComment  NodeType = "COMMENT"
)

// chainRank fixes the cross-type ordering of chain results. The sequence
// ISSUE, PR, RUN, DEPLOY, VERDICT, ARTIFACT, COMMENT is part of the public
// contract.
var chainRank = map[NodeType]int{
	NodeIssue:    0,
	NodePR:       1,
	NodeRun:      2,
	NodeDeploy:   3,
	NodeVerdict:  4,
	NodeArtifact: 5,
	NodeComment:  6,
}

// EdgeType is the closed set of edge kinds.
type EdgeType string

const (
	EdgeIssueHasPR       EdgeType = "ISSUE_HAS_PR"
	EdgePRHasRun         EdgeType = "PR_HAS_RUN"
	EdgeRunHasDeploy     EdgeType = "RUN_HAS_DEPLOY"
	EdgeDeployHasVerdict EdgeType = "DEPLOY_HAS_VERDICT"
	EdgeIssueHasRun      EdgeType = "ISSUE_HAS_RUN"
	EdgeRunHasArtifact   EdgeType = "RUN_HAS_ARTIFACT"
	EdgeIssueHasArtifact EdgeType = "ISSUE_HAS_ARTIFACT"
	EdgeIssueHasComment  EdgeType = "ISSUE_HAS_COMMENT"
	EdgePRHasComment     EdgeType = "PR_HAS_COMMENT"
)

// Node is one timeline entry, addressed by (SourceSystem, SourceType,
// SourceID).
type Node struct {
	ID             string                 `json:"id"`
	SourceSystem   string                 `json:"sourceSystem"`
	SourceType     string                 `json:"sourceType"`
	SourceID       string                 `json:"sourceId"`
	NodeType       NodeType               `json:"nodeType"`
	Title          string                 `json:"title,omitempty"`
	URL            string                 `json:"url,omitempty"`
	Payload        map[string]interface{} `json:"payload,omitempty"`
	LawbookVersion string                 `json:"lawbookVersion,omitempty"`
	CreatedAt      time.Time              `json:"createdAt"`
	UpdatedAt      time.Time              `json:"updatedAt"`
}

// NaturalKey identifies a node independently of its row id.
type NaturalKey struct {
	SourceSystem string
	SourceType   string
	SourceID     string
}

// Key returns the node's natural key.
func (n *Node) Key() NaturalKey {
	return NaturalKey{SourceSystem: n.SourceSystem, SourceType: n.SourceType, SourceID: n.SourceID}
}

// Edge links two nodes.
type Edge struct {
	FromNodeID string                 `json:"fromNodeId"`
	ToNodeID   string                 `json:"toNodeId"`
	EdgeType   EdgeType               `json:"edgeType"`
	Payload    map[string]interface{} `json:"payload,omitempty"`
	CreatedAt  time.Time              `json:"createdAt"`
}

// SourceRef is an append-only pointer from a node back to the operational
// row it was projected from, fingerprinted by the row's canonical hash.
type SourceRef struct {
	NodeID     string                 `json:"nodeId"`
	SourceKind string                 `json:"sourceKind"`
	Ref        map[string]interface{} `json:"ref"`
	SHA256     string                 `json:"sha256"`
	CreatedAt  time.Time              `json:"createdAt"`
}

// Chain is the result of a chain query.
type Chain struct {
	Nodes    []*Node                `json:"nodes"`
	Edges    []*Edge                `json:"edges"`
	Metadata map[string]interface{} `json:"metadata"`
}

// Store is the timeline persistence contract.
type Store interface {
	// UpsertNode is idempotent by natural key. Identical content returns
	// the existing row untouched; differing content updates payload,
	// title, url, lawbookVersion and updatedAt in place.
	UpsertNode(ctx context.Context, node *Node) (*Node, error)
	GetNode(ctx context.Context, key NaturalKey) (*Node, error)
	// CreateEdge is unique per (from, to, type); re-creation is a no-op.
	CreateEdge(ctx context.Context, edge *Edge) error
	// CreateSource appends a source ref.
	CreateSource(ctx context.Context, ref *SourceRef) error
	ListSources(ctx context.Context, nodeID string) ([]*SourceRef, error)
	// ChainForIssue seeds at the ISSUE node for (sourceSystem, "issue",
	// issueID) and returns everything reachable, in contract order.
	ChainForIssue(ctx context.Context, issueID, sourceSystem string) (*Chain, error)
}

// sortChain applies the contract ordering: nodeType rank, then createdAt
// ascending, then id ascending. Edges sort by (from, to, type).
func sortChain(chain *Chain) {
	sort.Slice(chain.Nodes, func(i, j int) bool {
		a, b := chain.Nodes[i], chain.Nodes[j]
		if chainRank[a.NodeType] != chainRank[b.NodeType] {
			return chainRank[a.NodeType] < chainRank[b.NodeType]
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	sort.Slice(chain.Edges, func(i, j int) bool {
		a, b := chain.Edges[i], chain.Edges[j]
		if a.FromNodeID != b.FromNodeID {
			return a.FromNodeID < b.FromNodeID
		}
		if a.ToNodeID != b.ToNodeID {
			return a.ToNodeID < b.ToNodeID
		}
		return a.EdgeType < b.EdgeType
	})
}
