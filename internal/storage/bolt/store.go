// Package bolt implements the storage contract on an embedded bbolt
// key/value file. One writer at a time (bbolt serializes update
// transactions), so per-entity atomicity comes for free.
package bolt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	bbolt "go.etcd.io/bbolt"

	"github.com/opsgraph/opsgraph/internal/graph"
	"github.com/opsgraph/opsgraph/internal/logging"
	"github.com/opsgraph/opsgraph/internal/storage"
)

var (
	bucketNodes         = []byte("nodes")
	bucketEdges         = []byte("edges")
	bucketChanges       = []byte("changes")
	bucketGroups        = []byte("groups")
	bucketEdgesBySource = []byte("edges_by_source")
	bucketEdgesByTarget = []byte("edges_by_target")
	bucketChangesByNode = []byte("changes_by_node")
)

// indexSep joins composite index keys. Ids never contain NUL, so prefix
// scans stay unambiguous.
const indexSep = "\x00"

// Store is a bbolt-backed Storage implementation.
type Store struct {
	path   string
	grace  int
	logger *logging.Logger

	mu sync.Mutex
	db *bbolt.DB
}

// New returns an unopened store for the given file path. grace is the
// disappearance threshold in full syncs; values below 1 fall back to the
// default.
func New(path string, grace int) *Store {
	if grace < 1 {
		grace = storage.DefaultDisappearanceGrace
	}
	return &Store{
		path:   path,
		grace:  grace,
		logger: logging.GetLogger("storage.bolt"),
	}
}

// Initialize opens the database file and creates the buckets. Idempotent.
func (s *Store) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		return nil
	}

	db, err := bbolt.Open(s.path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return fmt.Errorf("failed to open bolt file %s: %w", s.path, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{
			bucketNodes, bucketEdges, bucketChanges, bucketGroups,
			bucketEdgesBySource, bucketEdgesByTarget, bucketChangesByNode,
		} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return err
	}

	s.db = db
	s.logger.Debug("opened graph store at %s", s.path)
	return nil
}

// Close releases the database file. Idempotent.
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

func (s *Store) handle() (*bbolt.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil, fmt.Errorf("bolt store not initialized")
	}
	return s.db, nil
}

func (s *Store) UpsertNode(ctx context.Context, node *graph.Node) (storage.UpsertResult, error) {
	var res storage.UpsertResult
	if err := node.Validate(); err != nil {
		return res, err
	}
	db, err := s.handle()
	if err != nil {
		return res, err
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		nb := tx.Bucket(bucketNodes)
		id := node.ComputeID()

		var prev *graph.Node
		if raw := nb.Get([]byte(id)); raw != nil {
			prev = &graph.Node{}
			if err := json.Unmarshal(raw, prev); err != nil {
				return fmt.Errorf("failed to decode stored node %s: %w", id, err)
			}
		}

		merged, records, r := storage.ReconcileNode(prev, node, time.Now().UTC())
		res = r

		raw, err := json.Marshal(merged)
		if err != nil {
			return fmt.Errorf("failed to encode node %s: %w", id, err)
		}
		if err := nb.Put([]byte(id), raw); err != nil {
			return fmt.Errorf("failed to store node %s: %w", id, err)
		}
		for i := range records {
			if err := putChange(tx, &records[i]); err != nil {
				return err
			}
		}
		return nil
	})
	return res, err
}

func (s *Store) GetNode(ctx context.Context, id string) (*graph.Node, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}

	var node *graph.Node
	err = db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketNodes).Get([]byte(id))
		if raw == nil {
			return fmt.Errorf("node %s: %w", id, storage.ErrNotFound)
		}
		node = &graph.Node{}
		return json.Unmarshal(raw, node)
	})
	if err != nil {
		return nil, err
	}
	return node, nil
}

func (s *Store) QueryNodes(ctx context.Context, filter *graph.NodeFilter) ([]*graph.Node, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var out []*graph.Node
	err = db.View(func(tx *bbolt.Tx) error {
		// Keys are node ids, so the cursor already yields ascending id
		// order and the limit can cut the scan short.
		c := tx.Bucket(bucketNodes).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			n := &graph.Node{}
			if err := json.Unmarshal(v, n); err != nil {
				return fmt.Errorf("failed to decode stored node %s: %w", k, err)
			}
			if !filter.Matches(n) {
				continue
			}
			out = append(out, n)
			if filter != nil && filter.Limit > 0 && len(out) >= filter.Limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) UpsertEdge(ctx context.Context, edge *graph.Edge) (storage.EdgeUpsertResult, error) {
	var res storage.EdgeUpsertResult
	if err := edge.Validate(); err != nil {
		return res, err
	}
	db, err := s.handle()
	if err != nil {
		return res, err
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		eb := tx.Bucket(bucketEdges)
		id := edge.ComputeID()

		var prev *graph.Edge
		if raw := eb.Get([]byte(id)); raw != nil {
			prev = &graph.Edge{}
			if err := json.Unmarshal(raw, prev); err != nil {
				return fmt.Errorf("failed to decode stored edge %s: %w", id, err)
			}
		}

		observed := edge.Clone()
		observed.Dangling = !nodeIsLive(tx, observed.SourceID) || !nodeIsLive(tx, observed.TargetID)

		merged, r := storage.ReconcileEdge(prev, observed)
		res = r

		raw, err := json.Marshal(merged)
		if err != nil {
			return fmt.Errorf("failed to encode edge %s: %w", id, err)
		}
		if err := eb.Put([]byte(id), raw); err != nil {
			return fmt.Errorf("failed to store edge %s: %w", id, err)
		}

		// Adjacency entries are keyed (endpoint, edge id); rewriting them
		// on update is a no-op.
		srcKey := []byte(merged.SourceID + indexSep + id)
		tgtKey := []byte(merged.TargetID + indexSep + id)
		if err := tx.Bucket(bucketEdgesBySource).Put(srcKey, []byte(id)); err != nil {
			return err
		}
		return tx.Bucket(bucketEdgesByTarget).Put(tgtKey, []byte(id))
	})
	return res, err
}

func nodeIsLive(tx *bbolt.Tx, id string) bool {
	raw := tx.Bucket(bucketNodes).Get([]byte(id))
	if raw == nil {
		return false
	}
	var n graph.Node
	if err := json.Unmarshal(raw, &n); err != nil {
		return false
	}
	return !n.Deleted
}

func (s *Store) GetEdge(ctx context.Context, id string) (*graph.Edge, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}

	var edge *graph.Edge
	err = db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketEdges).Get([]byte(id))
		if raw == nil {
			return fmt.Errorf("edge %s: %w", id, storage.ErrNotFound)
		}
		edge = &graph.Edge{}
		return json.Unmarshal(raw, edge)
	})
	if err != nil {
		return nil, err
	}
	return edge, nil
}

func (s *Store) QueryEdges(ctx context.Context, filter *graph.EdgeFilter) ([]*graph.Edge, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var out []*graph.Edge
	err = db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketEdges).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			e := &graph.Edge{}
			if err := json.Unmarshal(v, e); err != nil {
				return fmt.Errorf("failed to decode stored edge %s: %w", k, err)
			}
			if !filter.Matches(e) {
				continue
			}
			out = append(out, e)
			if filter != nil && filter.Limit > 0 && len(out) >= filter.Limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) GetEdgesForNode(ctx context.Context, nodeID string, direction graph.Direction) ([]*graph.Edge, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var out []*graph.Edge
	err = db.View(func(tx *bbolt.Tx) error {
		eb := tx.Bucket(bucketEdges)
		collect := func(index []byte) error {
			c := tx.Bucket(index).Cursor()
			prefix := []byte(nodeID + indexSep)
			for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
				id := string(v)
				if seen[id] {
					continue
				}
				seen[id] = true
				raw := eb.Get(v)
				if raw == nil {
					continue
				}
				e := &graph.Edge{}
				if err := json.Unmarshal(raw, e); err != nil {
					return fmt.Errorf("failed to decode stored edge %s: %w", id, err)
				}
				out = append(out, e)
			}
			return nil
		}

		if direction == graph.DirectionUpstream || direction == graph.DirectionBoth {
			if err := collect(bucketEdgesBySource); err != nil {
				return err
			}
		}
		if direction == graph.DirectionDownstream || direction == graph.DirectionBoth {
			if err := collect(bucketEdgesByTarget); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func putChange(tx *bbolt.Tx, rec *graph.ChangeRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode change %s: %w", rec.ID, err)
	}
	if err := tx.Bucket(bucketChanges).Put([]byte(rec.ID), raw); err != nil {
		return fmt.Errorf("failed to store change %s: %w", rec.ID, err)
	}
	idxKey := []byte(rec.NodeID + indexSep + rec.ID)
	return tx.Bucket(bucketChangesByNode).Put(idxKey, []byte(rec.ID))
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
	return db.Update(func(tx *bbolt.Tx) error {
		return putChange(tx, &rec)
	})
}

func (s *Store) QueryChanges(ctx context.Context, filter *graph.ChangeFilter) ([]graph.ChangeRecord, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var out []graph.ChangeRecord
	err = db.View(func(tx *bbolt.Tx) error {
		cb := tx.Bucket(bucketChanges)

		appendRec := func(raw []byte) error {
			var rec graph.ChangeRecord
			if err := json.Unmarshal(raw, &rec); err != nil {
				return fmt.Errorf("failed to decode change record: %w", err)
			}
			if filter.Matches(&rec) {
				out = append(out, rec)
			}
			return nil
		}

		// A node filter narrows the scan through the per-node index.
		if filter != nil && filter.NodeID != "" {
			c := tx.Bucket(bucketChangesByNode).Cursor()
			prefix := []byte(filter.NodeID + indexSep)
			for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
				raw := cb.Get(v)
				if raw == nil {
					continue
				}
				if err := appendRec(raw); err != nil {
					return err
				}
			}
			return nil
		}

		return cb.ForEach(func(_, v []byte) error {
			return appendRec(v)
		})
	})
	if err != nil {
		return nil, err
	}

	graph.SortChangesNewestFirst(out)
	if filter != nil && filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
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
	raw, err := json.Marshal(g)
	if err != nil {
		return fmt.Errorf("failed to encode group %s: %w", g.ID, err)
	}
	return db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketGroups).Put([]byte(g.ID), raw)
	})
}

func (s *Store) GetGroup(ctx context.Context, id string) (*graph.Group, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}

	var g *graph.Group
	err = db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketGroups).Get([]byte(id))
		if raw == nil {
			return fmt.Errorf("group %s: %w", id, storage.ErrNotFound)
		}
		g = &graph.Group{}
		return json.Unmarshal(raw, g)
	})
	if err != nil {
		return nil, err
	}
	return g, nil
}

func (s *Store) ListGroups(ctx context.Context) ([]*graph.Group, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}

	var out []*graph.Group
	err = db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketGroups).ForEach(func(k, v []byte) error {
			g := &graph.Group{}
			if err := json.Unmarshal(v, g); err != nil {
				return fmt.Errorf("failed to decode group %s: %w", k, err)
			}
			out = append(out, g)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) GetStats(ctx context.Context) (*graph.GraphStats, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	stats := graph.NewGraphStats()
	err = db.View(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketNodes).ForEach(func(_, v []byte) error {
			var n graph.Node
			if err := json.Unmarshal(v, &n); err != nil {
				return err
			}
			if !n.Deleted {
				stats.AddNode(&n)
			}
			return nil
		}); err != nil {
			return err
		}
		if err := tx.Bucket(bucketEdges).ForEach(func(_, v []byte) error {
			var e graph.Edge
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			stats.AddEdge(&e)
			return nil
		}); err != nil {
			return err
		}
		if err := tx.Bucket(bucketChanges).ForEach(func(_, v []byte) error {
			var c graph.ChangeRecord
			if err := json.Unmarshal(v, &c); err != nil {
				return err
			}
			stats.AddChange(&c)
			return nil
		}); err != nil {
			return err
		}
		return tx.Bucket(bucketGroups).ForEach(func(_, _ []byte) error {
			stats.TotalGroups++
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

func (s *Store) MarkMissing(ctx context.Context, syncID string, scope storage.SyncScope) ([]string, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	var affected []string
	err = db.Update(func(tx *bbolt.Tx) error {
		nb := tx.Bucket(bucketNodes)

		// Mutating keys under a live cursor can invalidate it, so scan
		// first and write after.
		type progressedNode struct {
			node    graph.Node
			deleted bool
		}
		var pending []progressedNode
		err := nb.ForEach(func(k, v []byte) error {
			var n graph.Node
			if err := json.Unmarshal(v, &n); err != nil {
				return fmt.Errorf("failed to decode stored node %s: %w", k, err)
			}
			if !scope.Contains(&n) {
				return nil
			}
			progressed, deletedNow := storage.AdvanceMissing(&n, syncID, s.grace, now)
			if progressed {
				pending = append(pending, progressedNode{node: n, deleted: deletedNow})
			}
			return nil
		})
		if err != nil {
			return err
		}

		for _, p := range pending {
			raw, err := json.Marshal(&p.node)
			if err != nil {
				return err
			}
			if err := nb.Put([]byte(p.node.ID), raw); err != nil {
				return err
			}
			affected = append(affected, p.node.ID)
			if p.deleted {
				rec := storage.DeletionChange(p.node.ID, syncID, now)
				if err := putChange(tx, &rec); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Strings(affected)
	if len(affected) > 0 {
		s.logger.Info("disappearance pass %s affected %d nodes", syncID, len(affected))
	}
	return affected, nil
}
