// Package entity is a document store addressed by hierarchical keys: every
// entity lives at a path of (kind, identifier) segments, and queries can be
// scoped to all descendants of a key. Two implementations are provided, an
// in-memory store for tests and a BoltDB-backed store for production.
package entity

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Sentinel errors surfaced by every Store implementation.
var (
	ErrNotFound     = errors.New("entity: not found")
	ErrInvalidQuery = errors.New("entity: query not satisfiable")
	ErrIncomplete   = errors.New("entity: incomplete key")
)

// Segment is one (kind, identifier) element of a key path. Exactly one of
// Name and ID is set on a complete segment; both empty means the identifier
// is allocated by the store on Put.
type Segment struct {
	Kind string `json:"kind"`
	Name string `json:"name,omitempty"`
	ID   int64  `json:"id,omitempty"`
}

func (s Segment) incomplete() bool { return s.Name == "" && s.ID == 0 }

// Key addresses an entity by its full ancestor path.
type Key []Segment

// NameKey returns a key whose final segment carries a caller-supplied
// string identifier, appended to parent (which may be nil).
func NameKey(kind, name string, parent Key) Key {
	return appendKey(parent, Segment{Kind: kind, Name: name})
}

// IDKey returns a key whose final segment carries an integer identifier.
func IDKey(kind string, id int64, parent Key) Key {
	return appendKey(parent, Segment{Kind: kind, ID: id})
}

// IncompleteKey returns a key whose final identifier the store allocates.
func IncompleteKey(kind string, parent Key) Key {
	return appendKey(parent, Segment{Kind: kind})
}

func appendKey(parent Key, seg Segment) Key {
	out := make(Key, 0, len(parent)+1)
	out = append(out, parent...)
	return append(out, seg)
}

// Kind returns the kind of the final segment, or "" for a zero key.
func (k Key) Kind() string {
	if len(k) == 0 {
		return ""
	}
	return k[len(k)-1].Kind
}

// ID returns the integer identifier of the final segment.
func (k Key) ID() int64 {
	if len(k) == 0 {
		return 0
	}
	return k[len(k)-1].ID
}

// Name returns the string identifier of the final segment.
func (k Key) Name() string {
	if len(k) == 0 {
		return ""
	}
	return k[len(k)-1].Name
}

// Parent returns the key with the final segment removed, or nil.
func (k Key) Parent() Key {
	if len(k) <= 1 {
		return nil
	}
	return k[:len(k)-1]
}

// Incomplete reports whether the final segment still needs an identifier.
func (k Key) Incomplete() bool {
	return len(k) == 0 || k[len(k)-1].incomplete()
}

// HasAncestor reports whether a is a strict prefix of k or equal to k.
func (k Key) HasAncestor(a Key) bool {
	if len(a) > len(k) {
		return false
	}
	for i, seg := range a {
		if k[i] != seg {
			return false
		}
	}
	return true
}

// Encode renders the path into a byte form whose lexicographic order groups
// every descendant behind its ancestor, so ancestor scans are prefix scans.
func (k Key) Encode() []byte {
	var buf bytes.Buffer
	for _, seg := range k {
		buf.WriteString(seg.Kind)
		buf.WriteByte(0x00)
		if seg.Name != "" {
			buf.WriteByte('n')
			buf.WriteString(seg.Name)
		} else {
			buf.WriteByte('i')
			var id [8]byte
			binary.BigEndian.PutUint64(id[:], uint64(seg.ID))
			buf.Write(id[:])
		}
		buf.WriteByte(0x00)
	}
	return buf.Bytes()
}

func (k Key) String() string {
	parts := make([]string, len(k))
	for i, seg := range k {
		if seg.Name != "" {
			parts[i] = fmt.Sprintf("%s/%s", seg.Kind, seg.Name)
		} else {
			parts[i] = fmt.Sprintf("%s/%d", seg.Kind, seg.ID)
		}
	}
	return strings.Join(parts, "/")
}

// Entity is a keyed bag of properties. Property values survive a JSON round
// trip, so callers store timestamps as RFC 3339 strings and rely on numeric
// values decoding as float64.
type Entity struct {
	Key   Key
	Props map[string]any
}

// Clone returns a deep-enough copy so callers never alias store state.
func (e Entity) Clone() Entity {
	props := make(map[string]any, len(e.Props))
	for k, v := range e.Props {
		props[k] = v
	}
	key := make(Key, len(e.Key))
	copy(key, e.Key)
	return Entity{Key: key, Props: props}
}

// Op is a filter comparison operator.
type Op string

const (
	OpEqual        Op = "="
	OpLess         Op = "<"
	OpLessEqual    Op = "<="
	OpGreater      Op = ">"
	OpGreaterEqual Op = ">="
)

// Filter constrains a query to entities whose property satisfies Op.
type Filter struct {
	Field string
	Op    Op
	Value any
}

// Order sorts query results on a property.
type Order struct {
	Field      string
	Descending bool
}

// Query selects entities of one kind, optionally below an ancestor key.
// Filters are conjunctive and evaluated by the store.
type Query struct {
	Kind     string
	Ancestor Key
	Filters  []Filter
	Orders   []Order
	Limit    int
}

// Store persists entities addressed by hierarchical keys.
type Store interface {
	Get(ctx context.Context, key Key) (Entity, error)
	Put(ctx context.Context, e Entity) (Entity, error)
	Delete(ctx context.Context, key Key) error
	Run(ctx context.Context, q Query) ([]Entity, error)

	Begin(ctx context.Context) (Txn, error)
}

// Txn groups reads and writes so a check-then-insert sequence observes no
// interleaved writer.
type Txn interface {
	Get(ctx context.Context, key Key) (Entity, error)
	Put(ctx context.Context, e Entity) (Entity, error)
	Delete(ctx context.Context, key Key) error
	Run(ctx context.Context, q Query) ([]Entity, error)

	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// validateQuery rejects filter/order combinations the backing store cannot
// serve from one index: at most one property may carry inequality filters,
// and when one does, it must be the first ordered property.
func validateQuery(q Query) error {
	if q.Kind == "" {
		return fmt.Errorf("%w: kind required", ErrInvalidQuery)
	}
	inequality := ""
	for _, f := range q.Filters {
		switch f.Op {
		case OpEqual:
		case OpLess, OpLessEqual, OpGreater, OpGreaterEqual:
			if inequality != "" && inequality != f.Field {
				return fmt.Errorf("%w: inequality filters on %q and %q", ErrInvalidQuery, inequality, f.Field)
			}
			inequality = f.Field
		default:
			return fmt.Errorf("%w: unknown operator %q", ErrInvalidQuery, f.Op)
		}
	}
	if inequality != "" && len(q.Orders) > 0 && q.Orders[0].Field != inequality {
		return fmt.Errorf("%w: first order must be %q", ErrInvalidQuery, inequality)
	}
	return nil
}

func matchEntity(e Entity, q Query) bool {
	if e.Key.Kind() != q.Kind {
		return false
	}
	if len(q.Ancestor) > 0 && !e.Key.HasAncestor(q.Ancestor) {
		return false
	}
	for _, f := range q.Filters {
		got, ok := e.Props[f.Field]
		if !ok {
			return false
		}
		cmp, comparable := compareValues(got, f.Value)
		if !comparable {
			return false
		}
		switch f.Op {
		case OpEqual:
			if cmp != 0 {
				return false
			}
		case OpLess:
			if cmp >= 0 {
				return false
			}
		case OpLessEqual:
			if cmp > 0 {
				return false
			}
		case OpGreater:
			if cmp <= 0 {
				return false
			}
		case OpGreaterEqual:
			if cmp < 0 {
				return false
			}
		}
	}
	return true
}

// compareValues orders two property values of the same family. Numeric
// values compare as float64 regardless of the concrete Go type.
func compareValues(a, b any) (int, bool) {
	if af, ok := asFloat(a); ok {
		bf, ok := asFloat(b)
		if !ok {
			return 0, false
		}
		switch {
		case af < bf:
			return -1, true
		case af > bf:
			return 1, true
		default:
			return 0, true
		}
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(av, bv), true
	case bool:
		bv, ok := b.(bool)
		if !ok {
			return 0, false
		}
		switch {
		case av == bv:
			return 0, true
		case !av:
			return -1, true
		default:
			return 1, true
		}
	}
	return 0, false
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func sortEntities(out []Entity, orders []Order) {
	if len(orders) == 0 {
		return
	}
	sort.SliceStable(out, func(i, j int) bool {
		for _, o := range orders {
			cmp, ok := compareValues(out[i].Props[o.Field], out[j].Props[o.Field])
			if !ok || cmp == 0 {
				continue
			}
			if o.Descending {
				return cmp > 0
			}
			return cmp < 0
		}
		return false
	})
}

func applyLimit(out []Entity, limit int) []Entity {
	if limit > 0 && len(out) > limit {
		return out[:limit]
	}
	return out
}
