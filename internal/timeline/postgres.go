package timeline

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/afu9/control-center/internal/errcode"
)

// PostgresStore is the production timeline store. Natural-key races are
// resolved by the unique constraint plus ON CONFLICT; last writer wins
// when content differs.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const nodeColumns = `id, source_system, source_type, source_id, node_type,
	title, url, payload, lawbook_version, created_at, updated_at`

func scanNode(row interface{ Scan(...interface{}) error }) (*Node, error) {
	var n Node
	var title, url, lawbookVersion sql.NullString
	var payload []byte
	err := row.Scan(&n.ID, &n.SourceSystem, &n.SourceType, &n.SourceID, &n.NodeType,
		&title, &url, &payload, &lawbookVersion, &n.CreatedAt, &n.UpdatedAt)
	if err != nil {
		return nil, err
	}
	n.Title = title.String
	n.URL = url.String
	n.LawbookVersion = lawbookVersion.String
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &n.Payload); err != nil {
			return nil, err
		}
	}
	return &n, nil
}

func (s *PostgresStore) UpsertNode(ctx context.Context, node *Node) (*Node, error) {
	if node.SourceSystem == "" || node.SourceType == "" || node.SourceID == "" {
		return nil, errcode.New(errcode.InvalidInput, "node natural key is incomplete")
	}
	if _, ok := chainRank[node.NodeType]; !ok {
		return nil, errcode.Newf(errcode.InvalidInput, "unknown node type %q", node.NodeType)
	}

	newHash, err := contentHash(node)
	if err != nil {
		return nil, errcode.Wrap(errcode.Internal, "hash incoming node", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errcode.Wrap(errcode.Internal, "begin upsert node", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+nodeColumns+` FROM timeline_nodes
		WHERE source_system = $1 AND source_type = $2 AND source_id = $3 FOR UPDATE`,
		node.SourceSystem, node.SourceType, node.SourceID)
	existing, err := scanNode(row)
	switch {
	case err == sql.ErrNoRows:
		// insert below
	case err != nil:
		return nil, errcode.Wrap(errcode.Internal, "lock node", err)
	default:
		oldHash, err := contentHash(existing)
		if err != nil {
			return nil, errcode.Wrap(errcode.Internal, "hash existing node", err)
		}
		if oldHash == newHash {
			return existing, nil
		}
		payload, err := json.Marshal(node.Payload)
		if err != nil {
			return nil, errcode.Wrap(errcode.Internal, "encode node payload", err)
		}
		row := tx.QueryRowContext(ctx, `UPDATE timeline_nodes
			SET title = $2, url = $3, payload = $4, lawbook_version = $5, updated_at = now()
			WHERE id = $1 RETURNING `+nodeColumns,
			existing.ID, nullable(node.Title), nullable(node.URL), payload, nullable(node.LawbookVersion))
		updated, err := scanNode(row)
		if err != nil {
			return nil, errcode.Wrap(errcode.Internal, "update node", err)
		}
		if err := tx.Commit(); err != nil {
			return nil, errcode.Wrap(errcode.Internal, "commit upsert node", err)
		}
		return updated, nil
	}

	payload, err := json.Marshal(node.Payload)
	if err != nil {
		return nil, errcode.Wrap(errcode.Internal, "encode node payload", err)
	}
	id := node.ID
	if id == "" {
		id = uuid.NewString()
	}
	row = tx.QueryRowContext(ctx, `INSERT INTO timeline_nodes
		(id, source_system, source_type, source_id, node_type, title, url, payload, lawbook_version)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (source_system, source_type, source_id) DO UPDATE
			SET title = EXCLUDED.title, url = EXCLUDED.url,
			    payload = EXCLUDED.payload, lawbook_version = EXCLUDED.lawbook_version,
			    updated_at = now()
		RETURNING `+nodeColumns,
		id, node.SourceSystem, node.SourceType, node.SourceID, node.NodeType,
		nullable(node.Title), nullable(node.URL), payload, nullable(node.LawbookVersion))
	inserted, err := scanNode(row)
	if err != nil {
		return nil, errcode.Wrap(errcode.Internal, "insert node", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, errcode.Wrap(errcode.Internal, "commit upsert node", err)
	}
	return inserted, nil
}

func (s *PostgresStore) GetNode(ctx context.Context, key NaturalKey) (*Node, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+nodeColumns+` FROM timeline_nodes
		WHERE source_system = $1 AND source_type = $2 AND source_id = $3`,
		key.SourceSystem, key.SourceType, key.SourceID)
	n, err := scanNode(row)
	if err == sql.ErrNoRows {
		return nil, errcode.Newf(errcode.NotFound, "timeline node %s/%s/%s", key.SourceSystem, key.SourceType, key.SourceID)
	}
	if err != nil {
		return nil, errcode.Wrap(errcode.Internal, "get node", err)
	}
	return n, nil
}

func (s *PostgresStore) CreateEdge(ctx context.Context, edge *Edge) error {
	payload, err := json.Marshal(edge.Payload)
	if err != nil {
		return errcode.Wrap(errcode.Internal, "encode edge payload", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO timeline_edges
		(from_node_id, to_node_id, edge_type, payload) VALUES ($1,$2,$3,$4)
		ON CONFLICT (from_node_id, to_node_id, edge_type) DO NOTHING`,
		edge.FromNodeID, edge.ToNodeID, edge.EdgeType, payload)
	if err != nil {
		return errcode.Wrap(errcode.Internal, "insert edge", err)
	}
	return nil
}

func (s *PostgresStore) CreateSource(ctx context.Context, ref *SourceRef) error {
	body, err := json.Marshal(ref.Ref)
	if err != nil {
		return errcode.Wrap(errcode.Internal, "encode source ref", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO timeline_sources
		(node_id, source_kind, ref, sha256) VALUES ($1,$2,$3,$4)
		ON CONFLICT (node_id, source_kind, sha256) DO NOTHING`,
		ref.NodeID, ref.SourceKind, body, ref.SHA256)
	if err != nil {
		return errcode.Wrap(errcode.Internal, "insert source ref", err)
	}
	return nil
}

func (s *PostgresStore) ListSources(ctx context.Context, nodeID string) ([]*SourceRef, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT node_id, source_kind, ref, sha256, created_at
		FROM timeline_sources WHERE node_id = $1 ORDER BY created_at`, nodeID)
	if err != nil {
		return nil, errcode.Wrap(errcode.Internal, "list sources", err)
	}
	defer rows.Close()
	var out []*SourceRef
	for rows.Next() {
		var ref SourceRef
		var body []byte
		if err := rows.Scan(&ref.NodeID, &ref.SourceKind, &body, &ref.SHA256, &ref.CreatedAt); err != nil {
			return nil, errcode.Wrap(errcode.Internal, "scan source ref", err)
		}
		if len(body) > 0 {
			if err := json.Unmarshal(body, &ref.Ref); err != nil {
				return nil, errcode.Wrap(errcode.Internal, "decode source ref", err)
			}
		}
		out = append(out, &ref)
	}
	return out, rows.Err()
}

// ChainForIssue walks the graph with a recursive CTE, then applies the
// contract ordering in memory.
func (s *PostgresStore) ChainForIssue(ctx context.Context, issueID, sourceSystem string) (*Chain, error) {
	seed, err := s.GetNode(ctx, NaturalKey{SourceSystem: sourceSystem, SourceType: "issue", SourceID: issueID})
	if err != nil {
		if errcode.CodeOf(err) == errcode.NotFound {
			return nil, errcode.Newf(errcode.NotFound, "no issue node for %s in %s", issueID, sourceSystem)
		}
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		WITH RECURSIVE reachable (id) AS (
			SELECT $1::TEXT
			UNION
			SELECT e.to_node_id FROM timeline_edges e
			JOIN reachable r ON e.from_node_id = r.id
		)
		SELECT `+nodeColumns+` FROM timeline_nodes WHERE id IN (SELECT id FROM reachable)`,
		seed.ID)
	if err != nil {
		return nil, errcode.Wrap(errcode.Internal, "chain nodes", err)
	}
	defer rows.Close()

	chain := &Chain{Metadata: map[string]interface{}{
		"issueId":      issueID,
		"sourceSystem": sourceSystem,
	}}
	ids := make(map[string]bool)
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, errcode.Wrap(errcode.Internal, "scan chain node", err)
		}
		chain.Nodes = append(chain.Nodes, n)
		ids[n.ID] = true
	}
	if err := rows.Err(); err != nil {
		return nil, errcode.Wrap(errcode.Internal, "iterate chain nodes", err)
	}

	erows, err := s.db.QueryContext(ctx, `
		WITH RECURSIVE reachable (id) AS (
			SELECT $1::TEXT
			UNION
			SELECT e.to_node_id FROM timeline_edges e
			JOIN reachable r ON e.from_node_id = r.id
		)
		SELECT from_node_id, to_node_id, edge_type, payload, created_at
		FROM timeline_edges WHERE from_node_id IN (SELECT id FROM reachable)`,
		seed.ID)
	if err != nil {
		return nil, errcode.Wrap(errcode.Internal, "chain edges", err)
	}
	defer erows.Close()
	for erows.Next() {
		var e Edge
		var payload []byte
		if err := erows.Scan(&e.FromNodeID, &e.ToNodeID, &e.EdgeType, &payload, &e.CreatedAt); err != nil {
			return nil, errcode.Wrap(errcode.Internal, "scan chain edge", err)
		}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &e.Payload); err != nil {
				return nil, errcode.Wrap(errcode.Internal, "decode edge payload", err)
			}
		}
		chain.Edges = append(chain.Edges, &e)
	}
	if err := erows.Err(); err != nil {
		return nil, errcode.Wrap(errcode.Internal, "iterate chain edges", err)
	}

	chain.Metadata["nodeCount"] = len(chain.Nodes)
	chain.Metadata["edgeCount"] = len(chain.Edges)
	sortChain(chain)
	return chain, nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
