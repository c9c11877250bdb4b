package graph

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"
)

// ChangeType classifies a change record.
type ChangeType string

const (
	ChangeCreated    ChangeType = "created"
	ChangeUpdated    ChangeType = "updated"
	ChangeDeleted    ChangeType = "deleted"
	ChangeReappeared ChangeType = "reappeared"
)

// ChangeRecord is one append-only history entry for a node. Lifecycle
// changes (created, deleted, reappeared) leave Field empty; updated
// changes carry exactly one field with its before/after values.
type ChangeRecord struct {
	ID            string     `json:"id"`
	NodeID        string     `json:"nodeId"`
	DetectedAt    time.Time  `json:"detectedAt"`
	ChangeType    ChangeType `json:"changeType"`
	Field         string     `json:"field,omitempty"`
	PreviousValue string     `json:"previousValue,omitempty"`
	NewValue      string     `json:"newValue,omitempty"`
	Source        string     `json:"source"`
}

// FieldChange is a single attribute difference produced by DiffNodes.
type FieldChange struct {
	Field    string
	Previous string
	New      string
}

// FormatValue renders an attribute value for a change record. Numbers use
// the shortest decimal form ("100", not "100.000000") so records stay
// stable across backends; maps and slices serialize as JSON.
func FormatValue(v any) string {
	switch tv := v.(type) {
	case nil:
		return ""
	case string:
		return tv
	case float64:
		return strconv.FormatFloat(tv, 'f', -1, 64)
	case *float64:
		if tv == nil {
			return ""
		}
		return strconv.FormatFloat(*tv, 'f', -1, 64)
	case int:
		return strconv.Itoa(tv)
	case int64:
		return strconv.FormatInt(tv, 10)
	case bool:
		return strconv.FormatBool(tv)
	case time.Time:
		return tv.UTC().Format(time.RFC3339)
	case *time.Time:
		if tv == nil {
			return ""
		}
		return tv.UTC().Format(time.RFC3339)
	default:
		b, err := json.Marshal(canonicalize(v))
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

// canonicalize sorts map keys so JSON renderings compare stably.
// encoding/json already sorts map[string]X keys; this normalizes nested
// any-typed values to that shape.
func canonicalize(v any) any {
	switch tv := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(tv))
		for k, val := range tv {
			out[k] = canonicalize(val)
		}
		return out
	case []any:
		s := make([]any, len(tv))
		for i, val := range tv {
			s[i] = canonicalize(val)
		}
		return s
	default:
		return v
	}
}

// DiffNodes compares the user-provided attributes of two nodes and
// returns one FieldChange per differing field, in a fixed field order.
// Identity fields never differ (they are baked into the id); graph-internal
// timestamps are excluded.
func DiffNodes(old, updated *Node) []FieldChange {
	var changes []FieldChange
	add := func(field string, prev, next any) {
		p, n := FormatValue(prev), FormatValue(next)
		if p != n {
			changes = append(changes, FieldChange{Field: field, Previous: p, New: n})
		}
	}
	add("name", old.Name, updated.Name)
	add("status", string(old.Status), string(updated.Status))
	add("tags", tagsOrNil(old.Tags), tagsOrNil(updated.Tags))
	add("metadata", metadataOrNil(old.Metadata), metadataOrNil(updated.Metadata))
	add("costMonthly", old.CostMonthly, updated.CostMonthly)
	add("owner", old.Owner, updated.Owner)
	add("createdAt", old.CreatedAt, updated.CreatedAt)
	return changes
}

func tagsOrNil(m map[string]string) any {
	if len(m) == 0 {
		return nil
	}
	return m
}

func metadataOrNil(m map[string]any) any {
	if len(m) == 0 {
		return nil
	}
	return m
}

// SortChangesNewestFirst orders records newest first, ties broken by id so
// ordering is reproducible.
func SortChangesNewestFirst(records []ChangeRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		if !records[i].DetectedAt.Equal(records[j].DetectedAt) {
			return records[i].DetectedAt.After(records[j].DetectedAt)
		}
		return records[i].ID > records[j].ID
	})
}
