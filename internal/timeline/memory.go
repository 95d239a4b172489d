package timeline

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/afu9/control-center/internal/canonical"
	"github.com/afu9/control-center/internal/errcode"
)

// MemoryStore is the in-process timeline store.
type MemoryStore struct {
	mu      sync.RWMutex
	nodes   map[string]*Node // by id
	byKey   map[NaturalKey]string
	edges   map[string]*Edge // by from|to|type
	sources []*SourceRef
	now     func() time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nodes: make(map[string]*Node),
		byKey: make(map[NaturalKey]string),
		edges: make(map[string]*Edge),
		now:   time.Now,
	}
}

// contentHash fingerprints the mutable part of a node.
func contentHash(n *Node) (string, error) {
	return canonical.Hash(map[string]interface{}{
		"title":          n.Title,
		"url":            n.URL,
		"payload":        n.Payload,
		"lawbookVersion": n.LawbookVersion,
	})
}

func (s *MemoryStore) UpsertNode(ctx context.Context, node *Node) (*Node, error) {
	if node.SourceSystem == "" || node.SourceType == "" || node.SourceID == "" {
		return nil, errcode.New(errcode.InvalidInput, "node natural key is incomplete")
	}
	if _, ok := chainRank[node.NodeType]; !ok {
		return nil, errcode.Newf(errcode.InvalidInput, "unknown node type %q", node.NodeType)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	if id, ok := s.byKey[node.Key()]; ok {
		existing := s.nodes[id]
		oldHash, err := contentHash(existing)
		if err != nil {
			return nil, errcode.Wrap(errcode.Internal, "hash existing node", err)
		}
		newHash, err := contentHash(node)
		if err != nil {
			return nil, errcode.Wrap(errcode.Internal, "hash incoming node", err)
		}
		if oldHash != newHash {
			existing.Title = node.Title
			existing.URL = node.URL
			existing.Payload = node.Payload
			existing.LawbookVersion = node.LawbookVersion
			existing.UpdatedAt = now
		}
		cp := *existing
		return &cp, nil
	}

	cp := *node
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	cp.CreatedAt = now
	cp.UpdatedAt = now
	s.nodes[cp.ID] = &cp
	s.byKey[cp.Key()] = cp.ID
	out := cp
	return &out, nil
}

func (s *MemoryStore) GetNode(ctx context.Context, key NaturalKey) (*Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byKey[key]
	if !ok {
		return nil, errcode.Newf(errcode.NotFound, "timeline node %s/%s/%s", key.SourceSystem, key.SourceType, key.SourceID)
	}
	cp := *s.nodes[id]
	return &cp, nil
}

func edgeKey(from, to string, t EdgeType) string {
	return from + "|" + to + "|" + string(t)
}

func (s *MemoryStore) CreateEdge(ctx context.Context, edge *Edge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.nodes[edge.FromNodeID]; !ok {
		return errcode.Newf(errcode.NotFound, "timeline node %s", edge.FromNodeID)
	}
	if _, ok := s.nodes[edge.ToNodeID]; !ok {
		return errcode.Newf(errcode.NotFound, "timeline node %s", edge.ToNodeID)
	}
	key := edgeKey(edge.FromNodeID, edge.ToNodeID, edge.EdgeType)
	if _, exists := s.edges[key]; exists {
		return nil
	}
	cp := *edge
	cp.CreatedAt = s.now().UTC()
	s.edges[key] = &cp
	return nil
}

func (s *MemoryStore) CreateSource(ctx context.Context, ref *SourceRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.nodes[ref.NodeID]; !ok {
		return errcode.Newf(errcode.NotFound, "timeline node %s", ref.NodeID)
	}
	for _, existing := range s.sources {
		if existing.NodeID == ref.NodeID && existing.SourceKind == ref.SourceKind && existing.SHA256 == ref.SHA256 {
			return nil
		}
	}
	cp := *ref
	cp.CreatedAt = s.now().UTC()
	s.sources = append(s.sources, &cp)
	return nil
}

func (s *MemoryStore) ListSources(ctx context.Context, nodeID string) ([]*SourceRef, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*SourceRef
	for _, ref := range s.sources {
		if ref.NodeID == nodeID {
			cp := *ref
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryStore) ChainForIssue(ctx context.Context, issueID, sourceSystem string) (*Chain, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seedID, ok := s.byKey[NaturalKey{SourceSystem: sourceSystem, SourceType: "issue", SourceID: issueID}]
	if !ok {
		return nil, errcode.Newf(errcode.NotFound, "no issue node for %s in %s", issueID, sourceSystem)
	}

	visited := map[string]bool{seedID: true}
	queue := []string{seedID}
	chain := &Chain{Metadata: map[string]interface{}{
		"issueId":      issueID,
		"sourceSystem": sourceSystem,
	}}

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		cp := *s.nodes[id]
		chain.Nodes = append(chain.Nodes, &cp)
		for _, edge := range s.edges {
			if edge.FromNodeID != id {
				continue
			}
			ecp := *edge
			chain.Edges = append(chain.Edges, &ecp)
			if !visited[edge.ToNodeID] {
				visited[edge.ToNodeID] = true
				queue = append(queue, edge.ToNodeID)
			}
		}
	}

	chain.Metadata["nodeCount"] = len(chain.Nodes)
	chain.Metadata["edgeCount"] = len(chain.Edges)
	sortChain(chain)
	return chain, nil
}
