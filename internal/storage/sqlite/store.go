// Package sqlite implements the storage contract on SQLite via sqlx.
// Filters are narrowed in SQL where an index helps and confirmed with
// the shared in-memory matchers, so SQL and matcher semantics can never
// disagree.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/opsgraph/opsgraph/internal/graph"
	"github.com/opsgraph/opsgraph/internal/logging"
	"github.com/opsgraph/opsgraph/internal/storage"
)

// timeFormat is RFC3339 with fixed-width nanoseconds. Fixed width keeps
// lexicographic order equal to chronological order, which the change
// queries rely on.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

const schema = `
CREATE TABLE IF NOT EXISTS nodes (
	id                   TEXT PRIMARY KEY,
	name                 TEXT NOT NULL DEFAULT '',
	provider             TEXT NOT NULL,
	account              TEXT NOT NULL,
	region               TEXT NOT NULL,
	resource_type        TEXT NOT NULL,
	native_id            TEXT NOT NULL,
	status               TEXT NOT NULL,
	tags_json            TEXT NOT NULL DEFAULT '{}',
	metadata_json        TEXT NOT NULL DEFAULT '{}',
	cost_monthly         REAL,
	owner                TEXT NOT NULL DEFAULT '',
	created_at           TEXT,
	first_seen_at        TEXT NOT NULL,
	last_seen_at         TEXT NOT NULL,
	last_modified_at     TEXT NOT NULL,
	deleted              INTEGER NOT NULL DEFAULT 0,
	deleted_at           TEXT,
	missing_count        INTEGER NOT NULL DEFAULT 0,
	last_sync_id         TEXT NOT NULL DEFAULT '',
	last_missing_sync_id TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_nodes_scope ON nodes(provider, account, region);
CREATE INDEX IF NOT EXISTS idx_nodes_resource_type ON nodes(resource_type);

CREATE TABLE IF NOT EXISTS edges (
	id                TEXT PRIMARY KEY,
	source_id         TEXT NOT NULL,
	target_id         TEXT NOT NULL,
	relationship_type TEXT NOT NULL,
	confidence        REAL NOT NULL,
	discovered_via    TEXT NOT NULL DEFAULT '',
	metadata_json     TEXT NOT NULL DEFAULT '{}',
	dangling          INTEGER NOT NULL DEFAULT 0,
	UNIQUE(source_id, target_id, relationship_type)
);
CREATE INDEX IF NOT EXISTS idx_edges_source ON edges(source_id);
CREATE INDEX IF NOT EXISTS idx_edges_target ON edges(target_id);

CREATE TABLE IF NOT EXISTS changes (
	id             TEXT PRIMARY KEY,
	node_id        TEXT NOT NULL,
	detected_at    TEXT NOT NULL,
	change_type    TEXT NOT NULL,
	field          TEXT NOT NULL DEFAULT '',
	previous_value TEXT NOT NULL DEFAULT '',
	new_value      TEXT NOT NULL DEFAULT '',
	source         TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_changes_node ON changes(node_id, detected_at);

CREATE TABLE IF NOT EXISTS "groups" (
	id              TEXT PRIMARY KEY,
	name            TEXT NOT NULL,
	node_ids_json   TEXT NOT NULL DEFAULT '[]',
	tags_match_json TEXT NOT NULL DEFAULT '{}'
);
`

// Store is a SQLite-backed Storage implementation.
type Store struct {
	path   string
	grace  int
	logger *logging.Logger

	mu sync.Mutex
	db *sqlx.DB

	// writeMu serializes read-modify-write upserts. SQLite has a single
	// writer anyway; this keeps the reconcile step atomic without
	// holding a database transaction across Go-side work.
	writeMu sync.Mutex
}

// New returns an unopened store for the given database file. grace is
// the disappearance threshold in full syncs; values below 1 fall back
// to the default.
func New(path string, grace int) *Store {
	if grace < 1 {
		grace = storage.DefaultDisappearanceGrace
	}
	return &Store{
		path:   path,
		grace:  grace,
		logger: logging.GetLogger("storage.sqlite"),
	}
}

func (s *Store) dsn() string {
	if s.path == ":memory:" || strings.Contains(s.path, "?") || strings.HasPrefix(s.path, "file:") {
		return s.path
	}
	return s.path + "?_busy_timeout=5000&_journal_mode=WAL"
}

// Initialize opens the database and creates the schema. Idempotent.
func (s *Store) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		return nil
	}

	db, err := sqlx.Open("sqlite3", s.dsn())
	if err != nil {
		return fmt.Errorf("failed to open sqlite database %s: %w", s.path, err)
	}
	// One connection: SQLite serializes writers, and a single in-memory
	// database must never be split across connections.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return fmt.Errorf("failed to create schema: %w", err)
	}

	s.db = db
	s.logger.Debug("opened graph store at %s", s.path)
	return nil
}

// Close releases the database. Idempotent.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *Store) handle() (*sqlx.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil, fmt.Errorf("sqlite store not initialized")
	}
	return s.db, nil
}

type nodeRow struct {
	ID                string          `db:"id"`
	Name              string          `db:"name"`
	Provider          string          `db:"provider"`
	Account           string          `db:"account"`
	Region            string          `db:"region"`
	ResourceType      string          `db:"resource_type"`
	NativeID          string          `db:"native_id"`
	Status            string          `db:"status"`
	TagsJSON          string          `db:"tags_json"`
	MetadataJSON      string          `db:"metadata_json"`
	CostMonthly       sql.NullFloat64 `db:"cost_monthly"`
	Owner             string          `db:"owner"`
	CreatedAt         sql.NullString  `db:"created_at"`
	FirstSeenAt       string          `db:"first_seen_at"`
	LastSeenAt        string          `db:"last_seen_at"`
	LastModifiedAt    string          `db:"last_modified_at"`
	Deleted           bool            `db:"deleted"`
	DeletedAt         sql.NullString  `db:"deleted_at"`
	MissingCount      int             `db:"missing_count"`
	LastSyncID        string          `db:"last_sync_id"`
	LastMissingSyncID string          `db:"last_missing_sync_id"`
}

func nodeToRow(n *graph.Node) (*nodeRow, error) {
	tags, err := json.Marshal(orEmptyTags(n.Tags))
	if err != nil {
		return nil, fmt.Errorf("failed to encode tags for %s: %w", n.ID, err)
	}
	meta, err := json.Marshal(orEmptyMeta(n.Metadata))
	if err != nil {
		return nil, fmt.Errorf("failed to encode metadata for %s: %w", n.ID, err)
	}

	r := &nodeRow{
		ID:                n.ID,
		Name:              n.Name,
		Provider:          string(n.Provider),
		Account:           n.Account,
		Region:            n.Region,
		ResourceType:      string(n.ResourceType),
		NativeID:          n.NativeID,
		Status:            string(n.Status),
		TagsJSON:          string(tags),
		MetadataJSON:      string(meta),
		Owner:             n.Owner,
		FirstSeenAt:       n.FirstSeenAt.UTC().Format(timeFormat),
		LastSeenAt:        n.LastSeenAt.UTC().Format(timeFormat),
		LastModifiedAt:    n.LastModifiedAt.UTC().Format(timeFormat),
		Deleted:           n.Deleted,
		MissingCount:      n.MissingCount,
		LastSyncID:        n.LastSyncID,
		LastMissingSyncID: n.LastMissingSyncID,
	}
	if n.CostMonthly != nil {
		r.CostMonthly = sql.NullFloat64{Float64: *n.CostMonthly, Valid: true}
	}
	if n.CreatedAt != nil {
		r.CreatedAt = sql.NullString{String: n.CreatedAt.UTC().Format(timeFormat), Valid: true}
	}
	if n.DeletedAt != nil {
		r.DeletedAt = sql.NullString{String: n.DeletedAt.UTC().Format(timeFormat), Valid: true}
	}
	return r, nil
}

func (r *nodeRow) toNode() (*graph.Node, error) {
	n := &graph.Node{
		ID:                r.ID,
		Name:              r.Name,
		Provider:          graph.Provider(r.Provider),
		Account:           r.Account,
		Region:            r.Region,
		ResourceType:      graph.ResourceType(r.ResourceType),
		NativeID:          r.NativeID,
		Status:            graph.Status(r.Status),
		Owner:             r.Owner,
		Deleted:           r.Deleted,
		MissingCount:      r.MissingCount,
		LastSyncID:        r.LastSyncID,
		LastMissingSyncID: r.LastMissingSyncID,
	}

	if err := json.Unmarshal([]byte(r.TagsJSON), &n.Tags); err != nil {
		return nil, fmt.Errorf("failed to decode tags for %s: %w", r.ID, err)
	}
	if len(n.Tags) == 0 {
		n.Tags = nil
	}
	if err := json.Unmarshal([]byte(r.MetadataJSON), &n.Metadata); err != nil {
		return nil, fmt.Errorf("failed to decode metadata for %s: %w", r.ID, err)
	}
	if len(n.Metadata) == 0 {
		n.Metadata = nil
	}

	if r.CostMonthly.Valid {
		v := r.CostMonthly.Float64
		n.CostMonthly = &v
	}

	var err error
	if n.FirstSeenAt, err = parseTime(r.FirstSeenAt); err != nil {
		return nil, err
	}
	if n.LastSeenAt, err = parseTime(r.LastSeenAt); err != nil {
		return nil, err
	}
	if n.LastModifiedAt, err = parseTime(r.LastModifiedAt); err != nil {
		return nil, err
	}
	if r.CreatedAt.Valid {
		t, err := parseTime(r.CreatedAt.String)
		if err != nil {
			return nil, err
		}
		n.CreatedAt = &t
	}
	if r.DeletedAt.Valid {
		t, err := parseTime(r.DeletedAt.String)
		if err != nil {
			return nil, err
		}
		n.DeletedAt = &t
	}
	return n, nil
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse stored timestamp %q: %w", s, err)
	}
	return t, nil
}

func orEmptyTags(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func orEmptyMeta(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

const upsertNodeSQL = `
INSERT OR REPLACE INTO nodes (
	id, name, provider, account, region, resource_type, native_id, status,
	tags_json, metadata_json, cost_monthly, owner, created_at,
	first_seen_at, last_seen_at, last_modified_at,
	deleted, deleted_at, missing_count, last_sync_id, last_missing_sync_id
) VALUES (
	:id, :name, :provider, :account, :region, :resource_type, :native_id, :status,
	:tags_json, :metadata_json, :cost_monthly, :owner, :created_at,
	:first_seen_at, :last_seen_at, :last_modified_at,
	:deleted, :deleted_at, :missing_count, :last_sync_id, :last_missing_sync_id
)`

func (s *Store) UpsertNode(ctx context.Context, node *graph.Node) (storage.UpsertResult, error) {
	var res storage.UpsertResult
	if err := node.Validate(); err != nil {
		return res, err
	}
	db, err := s.handle()
	if err != nil {
		return res, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return res, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	id := node.ComputeID()
	prev, err := getNodeTx(ctx, tx, id)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return res, err
	}

	merged, records, r := storage.ReconcileNode(prev, node, time.Now().UTC())
	res = r

	row, err := nodeToRow(merged)
	if err != nil {
		return res, err
	}
	if _, err := tx.NamedExecContext(ctx, upsertNodeSQL, row); err != nil {
		return res, fmt.Errorf("failed to store node %s: %w", id, err)
	}
	for i := range records {
		if err := insertChangeTx(ctx, tx, &records[i]); err != nil {
			return res, err
		}
	}
	if err := tx.Commit(); err != nil {
		return res, fmt.Errorf("failed to commit node upsert: %w", err)
	}
	return res, nil
}

func getNodeTx(ctx context.Context, tx *sqlx.Tx, id string) (*graph.Node, error) {
	var row nodeRow
	err := tx.GetContext(ctx, &row, `SELECT * FROM nodes WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("node %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load node %s: %w", id, err)
	}
	return row.toNode()
}

func (s *Store) GetNode(ctx context.Context, id string) (*graph.Node, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}
	var row nodeRow
	err = db.GetContext(ctx, &row, `SELECT * FROM nodes WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("node %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load node %s: %w", id, err)
	}
	return row.toNode()
}

func (s *Store) QueryNodes(ctx context.Context, filter *graph.NodeFilter) ([]*graph.Node, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}

	query := `SELECT * FROM nodes`
	var conds []string
	var args []any

	if filter != nil {
		for _, dim := range []struct {
			col    string
			values []string
		}{
			{"provider", providerStrings(filter.Providers)},
			{"account", filter.Accounts},
			{"region", filter.Regions},
			{"resource_type", typeStrings(filter.ResourceTypes)},
			{"status", statusStrings(filter.Statuses)},
		} {
			if dim.values == nil {
				continue
			}
			if len(dim.values) == 0 {
				// Empty non-nil allow-list matches nothing.
				return nil, nil
			}
			conds = append(conds, dim.col+" IN (?)")
			args = append(args, dim.values)
		}
		if !filter.IncludeDeleted {
			conds = append(conds, "deleted = 0")
		}
		if filter.NativeID != "" {
			conds = append(conds, "native_id = ?")
			args = append(args, filter.NativeID)
		}
	} else {
		conds = append(conds, "deleted = 0")
	}

	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY id ASC"

	query, expanded, err := sqlx.In(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to build node query: %w", err)
	}

	var rows []nodeRow
	if err := db.SelectContext(ctx, &rows, db.Rebind(query), expanded...); err != nil {
		return nil, fmt.Errorf("failed to query nodes: %w", err)
	}

	var out []*graph.Node
	for i := range rows {
		n, err := rows[i].toNode()
		if err != nil {
			return nil, err
		}
		// SQL narrowed; the shared matcher confirms (tags, cost, name,
		// dates).
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

func providerStrings(ps []graph.Provider) []string {
	if ps == nil {
		return nil
	}
	out := make([]string, len(ps))
	for i, p := range ps {
		out[i] = string(p)
	}
	return out
}

func typeStrings(ts []graph.ResourceType) []string {
	if ts == nil {
		return nil
	}
	out := make([]string, len(ts))
	for i, t := range ts {
		out[i] = string(t)
	}
	return out
}

func statusStrings(ss []graph.Status) []string {
	if ss == nil {
		return nil
	}
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = string(s)
	}
	return out
}

type edgeRow struct {
	ID            string  `db:"id"`
	SourceID      string  `db:"source_id"`
	TargetID      string  `db:"target_id"`
	Type          string  `db:"relationship_type"`
	Confidence    float64 `db:"confidence"`
	DiscoveredVia string  `db:"discovered_via"`
	MetadataJSON  string  `db:"metadata_json"`
	Dangling      bool    `db:"dangling"`
}

func edgeToRow(e *graph.Edge) (*edgeRow, error) {
	meta, err := json.Marshal(orEmptyMeta(e.Metadata))
	if err != nil {
		return nil, fmt.Errorf("failed to encode edge metadata for %s: %w", e.ID, err)
	}
	return &edgeRow{
		ID:            e.ID,
		SourceID:      e.SourceID,
		TargetID:      e.TargetID,
		Type:          string(e.Type),
		Confidence:    e.Confidence,
		DiscoveredVia: string(e.DiscoveredVia),
		MetadataJSON:  string(meta),
		Dangling:      e.Dangling,
	}, nil
}

func (r *edgeRow) toEdge() (*graph.Edge, error) {
	e := &graph.Edge{
		ID:            r.ID,
		SourceID:      r.SourceID,
		TargetID:      r.TargetID,
		Type:          graph.RelationshipType(r.Type),
		Confidence:    r.Confidence,
		DiscoveredVia: graph.DiscoveryMethod(r.DiscoveredVia),
		Dangling:      r.Dangling,
	}
	if err := json.Unmarshal([]byte(r.MetadataJSON), &e.Metadata); err != nil {
		return nil, fmt.Errorf("failed to decode edge metadata for %s: %w", r.ID, err)
	}
	if len(e.Metadata) == 0 {
		e.Metadata = nil
	}
	return e, nil
}

const upsertEdgeSQL = `
INSERT OR REPLACE INTO edges (
	id, source_id, target_id, relationship_type, confidence,
	discovered_via, metadata_json, dangling
) VALUES (
	:id, :source_id, :target_id, :relationship_type, :confidence,
	:discovered_via, :metadata_json, :dangling
)`

func (s *Store) UpsertEdge(ctx context.Context, edge *graph.Edge) (storage.EdgeUpsertResult, error) {
	var res storage.EdgeUpsertResult
	if err := edge.Validate(); err != nil {
		return res, err
	}
	db, err := s.handle()
	if err != nil {
		return res, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return res, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	id := edge.ComputeID()
	var prev *graph.Edge
	var prevRow edgeRow
	err = tx.GetContext(ctx, &prevRow, `SELECT * FROM edges WHERE id = ?`, id)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return res, fmt.Errorf("failed to load edge %s: %w", id, err)
	default:
		if prev, err = prevRow.toEdge(); err != nil {
			return res, err
		}
	}

	observed := edge.Clone()
	srcLive, err := nodeIsLiveTx(ctx, tx, observed.SourceID)
	if err != nil {
		return res, err
	}
	tgtLive, err := nodeIsLiveTx(ctx, tx, observed.TargetID)
	if err != nil {
		return res, err
	}
	observed.Dangling = !srcLive || !tgtLive

	merged, r := storage.ReconcileEdge(prev, observed)
	res = r

	row, err := edgeToRow(merged)
	if err != nil {
		return res, err
	}
	if _, err := tx.NamedExecContext(ctx, upsertEdgeSQL, row); err != nil {
		return res, fmt.Errorf("failed to store edge %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return res, fmt.Errorf("failed to commit edge upsert: %w", err)
	}
	return res, nil
}

func nodeIsLiveTx(ctx context.Context, tx *sqlx.Tx, id string) (bool, error) {
	var deleted bool
	err := tx.GetContext(ctx, &deleted, `SELECT deleted FROM nodes WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check node %s: %w", id, err)
	}
	return !deleted, nil
}

func (s *Store) GetEdge(ctx context.Context, id string) (*graph.Edge, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}
	var row edgeRow
	err = db.GetContext(ctx, &row, `SELECT * FROM edges WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("edge %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load edge %s: %w", id, err)
	}
	return row.toEdge()
}

func (s *Store) QueryEdges(ctx context.Context, filter *graph.EdgeFilter) ([]*graph.Edge, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}

	query := `SELECT * FROM edges`
	var conds []string
	var args []any
	if filter != nil {
		if filter.SourceID != "" {
			conds = append(conds, "source_id = ?")
			args = append(args, filter.SourceID)
		}
		if filter.TargetID != "" {
			conds = append(conds, "target_id = ?")
			args = append(args, filter.TargetID)
		}
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY id ASC"

	var rows []edgeRow
	if err := db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to query edges: %w", err)
	}

	var out []*graph.Edge
	for i := range rows {
		e, err := rows[i].toEdge()
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
	db, err := s.handle()
	if err != nil {
		return nil, err
	}

	var query string
	var args []any
	switch direction {
	case graph.DirectionUpstream:
		query = `SELECT * FROM edges WHERE source_id = ? ORDER BY id ASC`
		args = []any{nodeID}
	case graph.DirectionDownstream:
		query = `SELECT * FROM edges WHERE target_id = ? ORDER BY id ASC`
		args = []any{nodeID}
	default:
		query = `SELECT * FROM edges WHERE source_id = ? OR target_id = ? ORDER BY id ASC`
		args = []any{nodeID, nodeID}
	}

	var rows []edgeRow
	if err := db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to query edges for %s: %w", nodeID, err)
	}
	out := make([]*graph.Edge, 0, len(rows))
	for i := range rows {
		e, err := rows[i].toEdge()
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

type changeRow struct {
	ID            string `db:"id"`
	NodeID        string `db:"node_id"`
	DetectedAt    string `db:"detected_at"`
	ChangeType    string `db:"change_type"`
	Field         string `db:"field"`
	PreviousValue string `db:"previous_value"`
	NewValue      string `db:"new_value"`
	Source        string `db:"source"`
}

func insertChangeTx(ctx context.Context, tx *sqlx.Tx, rec *graph.ChangeRecord) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO changes (id, node_id, detected_at, change_type, field, previous_value, new_value, source)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.NodeID, rec.DetectedAt.UTC().Format(timeFormat), string(rec.ChangeType),
		rec.Field, rec.PreviousValue, rec.NewValue, rec.Source)
	if err != nil {
		return fmt.Errorf("failed to store change %s: %w", rec.ID, err)
	}
	return nil
}

func (s *Store) RecordChange(ctx context.Context, change *graph.ChangeRecord) error {
	if change.NodeID == "" {
		return fmt.Errorf("change record: nodeId is required")
	}
	db, err := s.handle()
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
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()
	if err := insertChangeTx(ctx, tx, &rec); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) QueryChanges(ctx context.Context, filter *graph.ChangeFilter) ([]graph.ChangeRecord, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}

	query := `SELECT * FROM changes`
	var conds []string
	var args []any
	if filter != nil {
		if filter.NodeID != "" {
			conds = append(conds, "node_id = ?")
			args = append(args, filter.NodeID)
		}
		if filter.Since != nil {
			conds = append(conds, "detected_at >= ?")
			args = append(args, filter.Since.UTC().Format(timeFormat))
		}
		if filter.Until != nil {
			conds = append(conds, "detected_at <= ?")
			args = append(args, filter.Until.UTC().Format(timeFormat))
		}
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY detected_at DESC, id DESC"
	if filter != nil && filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	var rows []changeRow
	if err := db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to query changes: %w", err)
	}

	out := make([]graph.ChangeRecord, 0, len(rows))
	for _, r := range rows {
		detected, err := parseTime(r.DetectedAt)
		if err != nil {
			return nil, err
		}
		out = append(out, graph.ChangeRecord{
			ID:            r.ID,
			NodeID:        r.NodeID,
			DetectedAt:    detected,
			ChangeType:    graph.ChangeType(r.ChangeType),
			Field:         r.Field,
			PreviousValue: r.PreviousValue,
			NewValue:      r.NewValue,
			Source:        r.Source,
		})
	}
	return out, nil
}

type groupRow struct {
	ID            string `db:"id"`
	Name          string `db:"name"`
	NodeIDsJSON   string `db:"node_ids_json"`
	TagsMatchJSON string `db:"tags_match_json"`
}

func (s *Store) SaveGroup(ctx context.Context, group *graph.Group) error {
	if err := group.Validate(); err != nil {
		return err
	}
	db, err := s.handle()
	if err != nil {
		return err
	}

	g := group.Clone()
	g.Normalize()
	ids, err := json.Marshal(g.NodeIDs)
	if err != nil {
		return fmt.Errorf("failed to encode group members for %s: %w", g.ID, err)
	}
	if g.NodeIDs == nil {
		ids = []byte("[]")
	}
	match, err := json.Marshal(orEmptyTags(g.TagsMatch))
	if err != nil {
		return fmt.Errorf("failed to encode group tag match for %s: %w", g.ID, err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err = db.ExecContext(ctx,
		`INSERT OR REPLACE INTO "groups" (id, name, node_ids_json, tags_match_json) VALUES (?, ?, ?, ?)`,
		g.ID, g.Name, string(ids), string(match))
	if err != nil {
		return fmt.Errorf("failed to store group %s: %w", g.ID, err)
	}
	return nil
}

func (r *groupRow) toGroup() (*graph.Group, error) {
	g := &graph.Group{ID: r.ID, Name: r.Name}
	if err := json.Unmarshal([]byte(r.NodeIDsJSON), &g.NodeIDs); err != nil {
		return nil, fmt.Errorf("failed to decode group members for %s: %w", r.ID, err)
	}
	if err := json.Unmarshal([]byte(r.TagsMatchJSON), &g.TagsMatch); err != nil {
		return nil, fmt.Errorf("failed to decode group tag match for %s: %w", r.ID, err)
	}
	if len(g.TagsMatch) == 0 {
		g.TagsMatch = nil
	}
	return g, nil
}

func (s *Store) GetGroup(ctx context.Context, id string) (*graph.Group, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}
	var row groupRow
	err = db.GetContext(ctx, &row, `SELECT * FROM "groups" WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("group %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load group %s: %w", id, err)
	}
	return row.toGroup()
}

func (s *Store) ListGroups(ctx context.Context) ([]*graph.Group, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}
	var rows []groupRow
	if err := db.SelectContext(ctx, &rows, `SELECT * FROM "groups" ORDER BY id ASC`); err != nil {
		return nil, fmt.Errorf("failed to list groups: %w", err)
	}
	out := make([]*graph.Group, 0, len(rows))
	for i := range rows {
		g, err := rows[i].toGroup()
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, nil
}

func (s *Store) GetStats(ctx context.Context) (*graph.GraphStats, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}

	stats := graph.NewGraphStats()

	var nodeRows []nodeRow
	if err := db.SelectContext(ctx, &nodeRows, `SELECT * FROM nodes WHERE deleted = 0`); err != nil {
		return nil, fmt.Errorf("failed to scan nodes for stats: %w", err)
	}
	for i := range nodeRows {
		n, err := nodeRows[i].toNode()
		if err != nil {
			return nil, err
		}
		stats.AddNode(n)
	}

	var edgeRows []edgeRow
	if err := db.SelectContext(ctx, &edgeRows, `SELECT * FROM edges`); err != nil {
		return nil, fmt.Errorf("failed to scan edges for stats: %w", err)
	}
	for i := range edgeRows {
		e, err := edgeRows[i].toEdge()
		if err != nil {
			return nil, err
		}
		stats.AddEdge(e)
	}

	var changeRows []changeRow
	if err := db.SelectContext(ctx, &changeRows, `SELECT * FROM changes`); err != nil {
		return nil, fmt.Errorf("failed to scan changes for stats: %w", err)
	}
	for _, r := range changeRows {
		detected, err := parseTime(r.DetectedAt)
		if err != nil {
			return nil, err
		}
		stats.AddChange(&graph.ChangeRecord{ID: r.ID, DetectedAt: detected})
	}

	if err := db.GetContext(ctx, &stats.TotalGroups, `SELECT COUNT(*) FROM "groups"`); err != nil {
		return nil, fmt.Errorf("failed to count groups: %w", err)
	}
	return stats, nil
}

func (s *Store) MarkMissing(ctx context.Context, syncID string, scope storage.SyncScope) ([]string, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `SELECT * FROM nodes WHERE deleted = 0 AND last_sync_id != ?`
	args := []any{syncID}
	if scope.Provider != "" {
		query += ` AND provider = ?`
		args = append(args, string(scope.Provider))
	}
	if scope.Account != "" {
		query += ` AND account = ?`
		args = append(args, scope.Account)
	}

	var rows []nodeRow
	if err := tx.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to scan candidates: %w", err)
	}

	now := time.Now().UTC()
	var affected []string
	for i := range rows {
		n, err := rows[i].toNode()
		if err != nil {
			return nil, err
		}
		if !scope.Contains(n) {
			continue
		}
		progressed, deletedNow := storage.AdvanceMissing(n, syncID, s.grace, now)
		if !progressed {
			continue
		}

		var deletedAt any
		if n.DeletedAt != nil {
			deletedAt = n.DeletedAt.UTC().Format(timeFormat)
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE nodes SET missing_count = ?, last_missing_sync_id = ?, deleted = ?, deleted_at = ? WHERE id = ?`,
			n.MissingCount, n.LastMissingSyncID, n.Deleted, deletedAt, n.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to progress node %s: %w", n.ID, err)
		}
		affected = append(affected, n.ID)
		if deletedNow {
			rec := storage.DeletionChange(n.ID, syncID, now)
			if err := insertChangeTx(ctx, tx, &rec); err != nil {
				return nil, err
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit disappearance pass: %w", err)
	}

	sort.Strings(affected)
	if len(affected) > 0 {
		s.logger.Info("disappearance pass %s affected %d nodes", syncID, len(affected))
	}
	return affected, nil
}
