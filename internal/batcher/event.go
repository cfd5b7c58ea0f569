// Package batcher coalesces database change events into per-source sync
// batches and flushes them in priority order.
package batcher

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
)

// Op is the kind of row change that produced an event.
type Op string

// Row operations.
const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Priorities, lowest value first.
const (
	PriorityHigh   = 1
	PriorityMedium = 2
	PriorityLow    = 3
)

// Tables that produce change events.
const (
	TableFactors     = "emission_factors"
	TableSources     = "fe_sources"
	TableAssignments = "fe_source_workspace_assignments"
)

// Event is a decoded change notification. The concrete type is one of
// FactorEvent, AssignmentEvent, SourceEvent or OtherEvent.
type Event interface {
	// Source is the affected source name, empty when the event touches none.
	Source() string
	ObjectID() string
	Operation() Op
	Priority() int
	isEvent()
}

// FactorEvent is a change to an emission factor row.
type FactorEvent struct {
	Op         Op
	SourceName string
	ID         string
}

func (e FactorEvent) Source() string   { return e.SourceName }
func (e FactorEvent) ObjectID() string { return e.ID }
func (e FactorEvent) Operation() Op    { return e.Op }
func (e FactorEvent) isEvent()         {}

// Priority makes deletes urgent: a removed factor must leave the index fast.
func (e FactorEvent) Priority() int {
	if e.Op == OpDelete {
		return PriorityHigh
	}
	return PriorityMedium
}

// AssignmentEvent is a change to a workspace assignment. It gates
// visibility, so it always has the highest priority.
type AssignmentEvent struct {
	Op          Op
	SourceName  string
	WorkspaceID string
}

func (e AssignmentEvent) Source() string   { return e.SourceName }
func (e AssignmentEvent) ObjectID() string { return "" }
func (e AssignmentEvent) Operation() Op    { return e.Op }
func (e AssignmentEvent) Priority() int    { return PriorityHigh }
func (e AssignmentEvent) isEvent()         {}

// SourceEvent is a change to a source's metadata (access level, global flag).
type SourceEvent struct {
	Op          Op
	SourceName  string
	AccessLevel string
}

func (e SourceEvent) Source() string   { return e.SourceName }
func (e SourceEvent) ObjectID() string { return "" }
func (e SourceEvent) Operation() Op    { return e.Op }
func (e SourceEvent) Priority() int    { return PriorityMedium }
func (e SourceEvent) isEvent()         {}

// OtherEvent is a change on a table the index does not depend on.
type OtherEvent struct {
	Table string
	Op    Op
}

func (e OtherEvent) Source() string   { return "" }
func (e OtherEvent) ObjectID() string { return "" }
func (e OtherEvent) Operation() Op    { return e.Op }
func (e OtherEvent) Priority() int    { return PriorityLow }
func (e OtherEvent) isEvent()         {}

// envelope is the wire shape of a database webhook.
type envelope struct {
	Type      string         `json:"type"`
	Table     string         `json:"table"`
	Schema    string         `json:"schema"`
	Record    map[string]any `json:"record"`
	OldRecord map[string]any `json:"old_record"`
}

// Decode parses one webhook payload. Deletes read old_record; inserts and
// updates read record, falling back to the other side when it is absent.
func Decode(raw []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, eris.Wrap(err, "batcher: decode event")
	}

	op, err := parseOp(env.Type)
	if err != nil {
		return nil, err
	}

	rec := env.Record
	if op == OpDelete || rec == nil {
		if env.OldRecord != nil {
			rec = env.OldRecord
		}
	}

	table := TableName(env.Table)
	switch table {
	case TableFactors:
		return FactorEvent{
			Op:         op,
			SourceName: firstString(rec, "Source", "source"),
			ID:         firstString(rec, "id", "object_id"),
		}, nil
	case TableAssignments:
		return AssignmentEvent{
			Op:          op,
			SourceName:  firstString(rec, "source_name"),
			WorkspaceID: firstString(rec, "workspace_id"),
		}, nil
	case TableSources:
		return SourceEvent{
			Op:          op,
			SourceName:  firstString(rec, "source_name"),
			AccessLevel: firstString(rec, "access_level"),
		}, nil
	default:
		return OtherEvent{Table: table, Op: op}, nil
	}
}

// DecodeMany accepts either a single payload or a JSON array of payloads.
func DecodeMany(raw []byte) ([]Event, error) {
	trimmed := strings.TrimSpace(string(raw))
	if !strings.HasPrefix(trimmed, "[") {
		ev, err := Decode(raw)
		if err != nil {
			return nil, err
		}
		return []Event{ev}, nil
	}

	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, eris.Wrap(err, "batcher: decode event list")
	}
	events := make([]Event, 0, len(items))
	for i, item := range items {
		ev, err := Decode(item)
		if err != nil {
			return nil, eris.Wrapf(err, "batcher: event %d", i)
		}
		events = append(events, ev)
	}
	return events, nil
}

// TableName strips a schema prefix ("public.x" or "public:x").
func TableName(raw string) string {
	s := strings.TrimSpace(raw)
	if i := strings.LastIndexAny(s, ".:"); i >= 0 {
		s = s[i+1:]
	}
	return strings.TrimSpace(s)
}

func parseOp(t string) (Op, error) {
	switch strings.ToUpper(strings.TrimSpace(t)) {
	case "INSERT":
		return OpInsert, nil
	case "UPDATE":
		return OpUpdate, nil
	case "DELETE":
		return OpDelete, nil
	default:
		return "", eris.Errorf("batcher: unknown event type %q", t)
	}
}

func firstString(rec map[string]any, keys ...string) string {
	for _, k := range keys {
		switch v := rec[k].(type) {
		case string:
			if s := strings.TrimSpace(v); s != "" {
				return s
			}
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		}
	}
	return ""
}
