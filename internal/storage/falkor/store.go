// Package falkor implements the storage contract on FalkorDB. Records
// are property-graph entities carrying their canonical JSON document in
// a data property; Cypher narrows candidate sets and the shared
// in-memory matchers confirm, so Cypher and matcher semantics can never
// disagree. Edge endpoints that have not been observed yet exist as
// id-only stubs, which point lookups treat as absent.
package falkor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/FalkorDB/falkordb-go/v2"
	"github.com/google/uuid"

	"github.com/opsgraph/opsgraph/internal/graph"
	"github.com/opsgraph/opsgraph/internal/logging"
	"github.com/opsgraph/opsgraph/internal/storage"
)

// timeFormat is RFC3339 with fixed-width nanoseconds so lexicographic
// order equals chronological order in ORDER BY clauses.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// Config selects the FalkorDB endpoint and graph.
type Config struct {
	// Addr is the host:port of the FalkorDB server.
	Addr     string
	Password string
	// GraphName isolates one tenant's graph. Required.
	GraphName string
	// Grace is the disappearance threshold in full syncs; values below 1
	// fall back to the default.
	Grace int
}

// Store is a FalkorDB-backed Storage implementation.
type Store struct {
	cfg    Config
	logger *logging.Logger

	mu    sync.Mutex
	db    *falkordb.FalkorDB
	graph *falkordb.Graph

	// writeMu serializes read-modify-write upserts; FalkorDB has no
	// multi-statement transactions to lean on.
	writeMu sync.Mutex
}

// New returns an unconnected store.
func New(cfg Config) *Store {
	if cfg.Grace < 1 {
		cfg.Grace = storage.DefaultDisappearanceGrace
	}
	return &Store{
		cfg:    cfg,
		logger: logging.GetLogger("storage.falkor"),
	}
}

// Initialize connects and creates the indexes. Idempotent.
func (s *Store) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		return nil
	}
	if s.cfg.GraphName == "" {
		return fmt.Errorf("falkor store requires a graph name")
	}

	db, err := falkordb.FalkorDBNew(&falkordb.ConnectionOption{
		Addr:     s.cfg.Addr,
		Password: s.cfg.Password,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to falkordb at %s: %w", s.cfg.Addr, err)
	}
	s.db = db
	s.graph = db.SelectGraph(s.cfg.GraphName)

	// FalkorDB errors on duplicate index creation; existing indexes are
	// fine.
	for _, idx := range []string{
		"CREATE INDEX FOR (n:Resource) ON (n.id)",
		"CREATE INDEX FOR (n:Resource) ON (n.provider)",
		"CREATE INDEX FOR (n:Resource) ON (n.deleted)",
		"CREATE INDEX FOR (c:Change) ON (c.nodeId)",
		"CREATE INDEX FOR (c:Change) ON (c.detectedAt)",
		"CREATE INDEX FOR (g:Group) ON (g.id)",
	} {
		if _, err := s.graph.Query(idx, nil, nil); err != nil {
			s.logger.Debug("index creation skipped: %v", err)
		}
	}

	s.logger.Debug("opened graph %s at %s", s.cfg.GraphName, s.cfg.Addr)
	return nil
}

// Close releases the connection. Idempotent.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Conn.Close()
	s.db = nil
	s.graph = nil
	return err
}

func (s *Store) handle() (*falkordb.Graph, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.graph == nil {
		return nil, fmt.Errorf("falkor store not initialized")
	}
	return s.graph, nil
}

// query runs one Cypher statement and returns the raw rows.
func (s *Store) query(g *falkordb.Graph, q string, params map[string]any) ([][]any, error) {
	result, err := g.Query(q, params, nil)
	if err != nil {
		return nil, fmt.Errorf("falkordb query failed: %w", err)
	}
	var rows [][]any
	for result.Next() {
		rows = append(rows, result.Record().Values())
	}
	return rows, nil
}

// stringAt reads a string column, tolerating nil for absent properties.
func stringAt(row []any, i int) string {
	if i >= len(row) {
		return ""
	}
	if s, ok := row[i].(string); ok {
		return s
	}
	return ""
}

func decodeNode(data string) (*graph.Node, error) {
	var n graph.Node
	if err := json.Unmarshal([]byte(data), &n); err != nil {
		return nil, fmt.Errorf("failed to decode stored node: %w", err)
	}
	return &n, nil
}

func decodeEdge(data string) (*graph.Edge, error) {
	var e graph.Edge
	if err := json.Unmarshal([]byte(data), &e); err != nil {
		return nil, fmt.Errorf("failed to decode stored edge: %w", err)
	}
	return &e, nil
}

// writeNode persists a node document. MERGE keeps id-only stubs and real
// records on the same graph entity.
func (s *Store) writeNode(g *falkordb.Graph, n *graph.Node) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to encode node %s: %w", n.ID, err)
	}
	_, err = s.query(g, `
		MERGE (n:Resource {id: $id})
		SET n.data = $data, n.provider = $provider, n.account = $account,
		    n.deleted = $deleted, n.lastSyncId = $lastSyncId`,
		map[string]any{
			"id":         n.ID,
			"data":       string(data),
			"provider":   string(n.Provider),
			"account":    n.Account,
			"deleted":    n.Deleted,
			"lastSyncId": n.LastSyncID,
		})
	if err != nil {
		return fmt.Errorf("failed to store node %s: %w", n.ID, err)
	}
	return nil
}

func (s *Store) writeChange(g *falkordb.Graph, rec *graph.ChangeRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode change %s: %w", rec.ID, err)
	}
	_, err = s.query(g, `
		MERGE (c:Change {id: $id})
		SET c.data = $data, c.nodeId = $nodeId, c.detectedAt = $detectedAt`,
		map[string]any{
			"id":         rec.ID,
			"data":       string(data),
			"nodeId":     rec.NodeID,
			"detectedAt": rec.DetectedAt.UTC().Format(timeFormat),
		})
	if err != nil {
		return fmt.Errorf("failed to store change %s: %w", rec.ID, err)
	}
	return nil
}

func (s *Store) loadNode(g *falkordb.Graph, id string) (*graph.Node, error) {
	rows, err := s.query(g, `MATCH (n:Resource {id: $id}) RETURN n.data`, map[string]any{"id": id})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 || stringAt(rows[0], 0) == "" {
		// Absent or an edge-endpoint stub.
		return nil, fmt.Errorf("node %s: %w", id, storage.ErrNotFound)
	}
	return decodeNode(stringAt(rows[0], 0))
}

func (s *Store) UpsertNode(ctx context.Context, node *graph.Node) (storage.UpsertResult, error) {
	var res storage.UpsertResult
	if err := node.Validate(); err != nil {
		return res, err
	}
	g, err := s.handle()
	if err != nil {
		return res, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	id := node.ComputeID()
	prev, err := s.loadNode(g, id)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return res, err
	}

	merged, records, r := storage.ReconcileNode(prev, node, time.Now().UTC())
	res = r

	if err := s.writeNode(g, merged); err != nil {
		return res, err
	}
	for i := range records {
		if err := s.writeChange(g, &records[i]); err != nil {
			return res, err
		}
	}
	return res, nil
}

func (s *Store) GetNode(ctx context.Context, id string) (*graph.Node, error) {
	g, err := s.handle()
	if err != nil {
		return nil, err
	}
	return s.loadNode(g, id)
}

func (s *Store) QueryNodes(ctx context.Context, filter *graph.NodeFilter) ([]*graph.Node, error) {
	g, err := s.handle()
	if err != nil {
		return nil, err
	}

	// Narrow on the indexed deleted flag; the matcher confirms the rest.
	q := `MATCH (n:Resource) WHERE n.data IS NOT NULL`
	if filter == nil || !filter.IncludeDeleted {
		q += ` AND n.deleted = false`
	}
	q += ` RETURN n.data ORDER BY n.id ASC`

	rows, err := s.query(g, q, nil)
	if err != nil {
		return nil, err
	}

	var out []*graph.Node
	for _, row := range rows {
		n, err := decodeNode(stringAt(row, 0))
		if err != nil {
			return nil, err
		}
		if !filter.Matches(n) {
			continue
		}
		out = append(out, n)
		if filter != nil && filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

// relLabel maps a relationship type to a Cypher label,
// "routes-to" becomes ROUTES_TO.
func relLabel(t graph.RelationshipType) string {
	return strings.ToUpper(strings.ReplaceAll(string(t), "-", "_"))
}

func (s *Store) nodeIsLive(g *falkordb.Graph, id string) (bool, error) {
	n, err := s.loadNode(g, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return !n.Deleted, nil
}

func (s *Store) UpsertEdge(ctx context.Context, edge *graph.Edge) (storage.EdgeUpsertResult, error) {
	var res storage.EdgeUpsertResult
	if err := edge.Validate(); err != nil {
		return res, err
	}
	g, err := s.handle()
	if err != nil {
		return res, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	id := edge.ComputeID()
	var prev *graph.Edge
	rows, err := s.query(g, `MATCH ()-[r {id: $id}]->() RETURN r.data`, map[string]any{"id": id})
	if err != nil {
		return res, err
	}
	if len(rows) > 0 {
		if prev, err = decodeEdge(stringAt(rows[0], 0)); err != nil {
			return res, err
		}
	}

	observed := edge.Clone()
	srcLive, err := s.nodeIsLive(g, observed.SourceID)
	if err != nil {
		return res, err
	}
	tgtLive, err := s.nodeIsLive(g, observed.TargetID)
	if err != nil {
		return res, err
	}
	observed.Dangling = !srcLive || !tgtLive

	merged, r := storage.ReconcileEdge(prev, observed)
	res = r

	data, err := json.Marshal(merged)
	if err != nil {
		return res, fmt.Errorf("failed to encode edge %s: %w", id, err)
	}
	// Endpoint stubs keep the relationship anchored even before the
	// nodes themselves are observed.
	_, err = s.query(g, fmt.Sprintf(`
		MERGE (a:Resource {id: $src})
		MERGE (b:Resource {id: $dst})
		MERGE (a)-[r:%s]->(b)
		SET r.id = $id, r.data = $data`, relLabel(merged.Type)),
		map[string]any{
			"src":  merged.SourceID,
			"dst":  merged.TargetID,
			"id":   id,
			"data": string(data),
		})
	if err != nil {
		return res, fmt.Errorf("failed to store edge %s: %w", id, err)
	}
	return res, nil
}

func (s *Store) GetEdge(ctx context.Context, id string) (*graph.Edge, error) {
	g, err := s.handle()
	if err != nil {
		return nil, err
	}
	rows, err := s.query(g, `MATCH ()-[r {id: $id}]->() RETURN r.data`, map[string]any{"id": id})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("edge %s: %w", id, storage.ErrNotFound)
	}
	return decodeEdge(stringAt(rows[0], 0))
}

func (s *Store) QueryEdges(ctx context.Context, filter *graph.EdgeFilter) ([]*graph.Edge, error) {
	g, err := s.handle()
	if err != nil {
		return nil, err
	}

	q := `MATCH ()-[r]->() RETURN r.data ORDER BY r.id ASC`
	params := map[string]any{}
	if filter != nil && filter.SourceID != "" {
		q = `MATCH (a:Resource {id: $src})-[r]->() RETURN r.data ORDER BY r.id ASC`
		params["src"] = filter.SourceID
	}

	rows, err := s.query(g, q, params)
	if err != nil {
		return nil, err
	}

	var out []*graph.Edge
	for _, row := range rows {
		e, err := decodeEdge(stringAt(row, 0))
		if err != nil {
			return nil, err
		}
		if !filter.Matches(e) {
			continue
		}
		out = append(out, e)
		if filter != nil && filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

func (s *Store) GetEdgesForNode(ctx context.Context, nodeID string, direction graph.Direction) ([]*graph.Edge, error) {
	g, err := s.handle()
	if err != nil {
		return nil, err
	}

	var queries []string
	switch direction {
	case graph.DirectionUpstream:
		queries = []string{`MATCH (n:Resource {id: $id})-[r]->() RETURN r.data`}
	case graph.DirectionDownstream:
		queries = []string{`MATCH ()-[r]->(n:Resource {id: $id}) RETURN r.data`}
	default:
		queries = []string{
			`MATCH (n:Resource {id: $id})-[r]->() RETURN r.data`,
			`MATCH ()-[r]->(n:Resource {id: $id}) RETURN r.data`,
		}
	}

	seen := map[string]bool{}
	var out []*graph.Edge
	for _, q := range queries {
		rows, err := s.query(g, q, map[string]any{"id": nodeID})
		if err != nil {
			return nil, err
		}
		for _, row := range rows {
			e, err := decodeEdge(stringAt(row, 0))
			if err != nil {
				return nil, err
			}
			if seen[e.ID] {
				continue
			}
			seen[e.ID] = true
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) RecordChange(ctx context.Context, change *graph.ChangeRecord) error {
	if change.NodeID == "" {
		return fmt.Errorf("change record: nodeId is required")
	}
	g, err := s.handle()
	if err != nil {
		return err
	}

	rec := *change
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.DetectedAt.IsZero() {
		rec.DetectedAt = time.Now().UTC()
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.writeChange(g, &rec)
}

func (s *Store) QueryChanges(ctx context.Context, filter *graph.ChangeFilter) ([]graph.ChangeRecord, error) {
	g, err := s.handle()
	if err != nil {
		return nil, err
	}

	q := `MATCH (c:Change)`
	params := map[string]any{}
	var conds []string
	if filter != nil {
		if filter.NodeID != "" {
			conds = append(conds, `c.nodeId = $nodeId`)
			params["nodeId"] = filter.NodeID
		}
		if filter.Since != nil {
			conds = append(conds, `c.detectedAt >= $since`)
			params["since"] = filter.Since.UTC().Format(timeFormat)
		}
		if filter.Until != nil {
			conds = append(conds, `c.detectedAt <= $until`)
			params["until"] = filter.Until.UTC().Format(timeFormat)
		}
	}
	if len(conds) > 0 {
		q += ` WHERE ` + strings.Join(conds, " AND ")
	}
	q += ` RETURN c.data ORDER BY c.detectedAt DESC, c.id DESC`
	if filter != nil && filter.Limit > 0 {
		q += fmt.Sprintf(` LIMIT %d`, filter.Limit)
	}

	rows, err := s.query(g, q, params)
	if err != nil {
		return nil, err
	}

	out := make([]graph.ChangeRecord, 0, len(rows))
	for _, row := range rows {
		var rec graph.ChangeRecord
		if err := json.Unmarshal([]byte(stringAt(row, 0)), &rec); err != nil {
			return nil, fmt.Errorf("failed to decode stored change: %w", err)
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *Store) SaveGroup(ctx context.Context, group *graph.Group) error {
	if err := group.Validate(); err != nil {
		return err
	}
	g, err := s.handle()
	if err != nil {
		return err
	}

	gr := group.Clone()
	gr.Normalize()
	data, err := json.Marshal(gr)
	if err != nil {
		return fmt.Errorf("failed to encode group %s: %w", gr.ID, err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err = s.query(g, `MERGE (g:Group {id: $id}) SET g.data = $data`,
		map[string]any{"id": gr.ID, "data": string(data)})
	if err != nil {
		return fmt.Errorf("failed to store group %s: %w", gr.ID, err)
	}
	return nil
}

func (s *Store) GetGroup(ctx context.Context, id string) (*graph.Group, error) {
	g, err := s.handle()
	if err != nil {
		return nil, err
	}
	rows, err := s.query(g, `MATCH (g:Group {id: $id}) RETURN g.data`, map[string]any{"id": id})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("group %s: %w", id, storage.ErrNotFound)
	}
	var gr graph.Group
	if err := json.Unmarshal([]byte(stringAt(rows[0], 0)), &gr); err != nil {
		return nil, fmt.Errorf("failed to decode stored group %s: %w", id, err)
	}
	return &gr, nil
}

func (s *Store) ListGroups(ctx context.Context) ([]*graph.Group, error) {
	g, err := s.handle()
	if err != nil {
		return nil, err
	}
	rows, err := s.query(g, `MATCH (g:Group) RETURN g.data ORDER BY g.id ASC`, nil)
	if err != nil {
		return nil, err
	}
	out := make([]*graph.Group, 0, len(rows))
	for _, row := range rows {
		var gr graph.Group
		if err := json.Unmarshal([]byte(stringAt(row, 0)), &gr); err != nil {
			return nil, fmt.Errorf("failed to decode stored group: %w", err)
		}
		out = append(out, &gr)
	}
	return out, nil
}

func (s *Store) GetStats(ctx context.Context) (*graph.GraphStats, error) {
	g, err := s.handle()
	if err != nil {
		return nil, err
	}

	stats := graph.NewGraphStats()

	rows, err := s.query(g, `MATCH (n:Resource) WHERE n.data IS NOT NULL AND n.deleted = false RETURN n.data`, nil)
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		n, err := decodeNode(stringAt(row, 0))
		if err != nil {
			return nil, err
		}
		stats.AddNode(n)
	}

	rows, err = s.query(g, `MATCH ()-[r]->() RETURN r.data`, nil)
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		e, err := decodeEdge(stringAt(row, 0))
		if err != nil {
			return nil, err
		}
		stats.AddEdge(e)
	}

	rows, err = s.query(g, `MATCH (c:Change) RETURN c.data`, nil)
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		var rec graph.ChangeRecord
		if err := json.Unmarshal([]byte(stringAt(row, 0)), &rec); err != nil {
			return nil, fmt.Errorf("failed to decode stored change: %w", err)
		}
		stats.AddChange(&rec)
	}

	rows, err = s.query(g, `MATCH (g:Group) RETURN count(g)`, nil)
	if err != nil {
		return nil, err
	}
	if len(rows) > 0 && len(rows[0]) > 0 {
		switch v := rows[0][0].(type) {
		case int64:
			stats.TotalGroups = int(v)
		case float64:
			stats.TotalGroups = int(v)
		}
	}
	return stats, nil
}

func (s *Store) MarkMissing(ctx context.Context, syncID string, scope storage.SyncScope) ([]string, error) {
	g, err := s.handle()
	if err != nil {
		return nil, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	q := `MATCH (n:Resource)
		WHERE n.data IS NOT NULL AND n.deleted = false AND n.lastSyncId <> $syncId`
	params := map[string]any{"syncId": syncID}
	if scope.Provider != "" {
		q += ` AND n.provider = $provider`
		params["provider"] = string(scope.Provider)
	}
	if scope.Account != "" {
		q += ` AND n.account = $account`
		params["account"] = scope.Account
	}
	q += ` RETURN n.data`

	rows, err := s.query(g, q, params)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	var affected []string
	for _, row := range rows {
		n, err := decodeNode(stringAt(row, 0))
		if err != nil {
			return nil, err
		}
		if !scope.Contains(n) {
			continue
		}
		progressed, deletedNow := storage.AdvanceMissing(n, syncID, s.cfg.Grace, now)
		if !progressed {
			continue
		}
		if err := s.writeNode(g, n); err != nil {
			return nil, err
		}
		affected = append(affected, n.ID)
		if deletedNow {
			rec := storage.DeletionChange(n.ID, syncID, now)
			if err := s.writeChange(g, &rec); err != nil {
				return nil, err
			}
		}
	}

	sort.Strings(affected)
	if len(affected) > 0 {
		s.logger.Info("disappearance pass %s affected %d nodes", syncID, len(affected))
	}
	return affected, nil
}
