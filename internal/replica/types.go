// Package replica implements the viewer-side replication engine: a pending
// delta buffer, a copy-on-write operation applier, and the controller that
// decides when buffered deltas are safe to apply.
package replica

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// SyncState is the controller's trust level in its replica.
type SyncState int

const (
	AwaitingSnapshot SyncState = iota
	Synced
	ResyncRequested
)

func (s SyncState) String() string {
	switch s {
	case AwaitingSnapshot:
		return "awaiting_snapshot"
	case Synced:
		return "synced"
	case ResyncRequested:
		return "resync_requested"
	default:
		return fmt.Sprintf("sync_state(%d)", int(s))
	}
}

func (s SyncState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *SyncState) UnmarshalText(text []byte) error {
	switch string(text) {
	case "awaiting_snapshot":
		*s = AwaitingSnapshot
	case "synced":
		*s = Synced
	case "resync_requested":
		*s = ResyncRequested
	default:
		return fmt.Errorf("unknown sync state %q", text)
	}
	return nil
}

type OpKind string

const (
	OpSet    OpKind = "set"
	OpDelete OpKind = "delete"
	OpInsert OpKind = "insert"
	OpAppend OpKind = "append"
)

// Operation is one atomic change. Path elements are string map keys or
// integer sequence indices.
type Operation struct {
	Path  []any  `json:"path"`
	Op    OpKind `json:"op"`
	Value any    `json:"value,omitempty"`
}

// Delta is the changes carried by one wire message, all applied as of Index.
type Delta struct {
	Index uint64      `json:"index"`
	Ops   []Operation `json:"changes"`
}

// View is the published, read-only picture of the replica. State must not be
// mutated by readers.
type View struct {
	Index uint64 `json:"index"`
	// Version increments every time the replica content is replaced. Unlike
	// Index it never repeats within one process, so it is safe as a cache key.
	Version   uint64    `json:"version"`
	SyncState SyncState `json:"syncState"`
	State     any       `json:"state"`
	Pending   int       `json:"pending"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// FormatPath renders a path as slash-separated segments for logs and errors.
func FormatPath(path []any) string {
	if len(path) == 0 {
		return "/"
	}
	parts := make([]string, 0, len(path))
	for _, elem := range path {
		switch v := elem.(type) {
		case string:
			parts = append(parts, v)
		default:
			if idx, ok := asIndex(elem); ok {
				parts = append(parts, strconv.Itoa(idx))
			} else {
				parts = append(parts, fmt.Sprintf("%v", elem))
			}
		}
	}
	return "/" + strings.Join(parts, "/")
}

// SplitPath turns "a/0/b" into its raw segments. Leading and trailing slashes
// are ignored; an empty string addresses the root.
func SplitPath(raw string) []string {
	raw = strings.Trim(strings.TrimSpace(raw), "/")
	if raw == "" {
		return nil
	}
	return strings.Split(raw, "/")
}

// Lookup resolves a typed path against state.
func Lookup(state any, path []any) (any, bool) {
	node := state
	for _, elem := range path {
		switch container := node.(type) {
		case map[string]any:
			key, ok := elem.(string)
			if !ok {
				return nil, false
			}
			child, exists := container[key]
			if !exists {
				return nil, false
			}
			node = child
		case []any:
			idx, ok := asIndex(elem)
			if !ok || idx < 0 || idx >= len(container) {
				return nil, false
			}
			node = container[idx]
		default:
			return nil, false
		}
	}
	return node, true
}

// LookupSegments resolves untyped segments, interpreting each one according
// to the container it is applied to.
func LookupSegments(state any, segments []string) (any, bool) {
	node := state
	for _, seg := range segments {
		switch container := node.(type) {
		case map[string]any:
			child, exists := container[seg]
			if !exists {
				return nil, false
			}
			node = child
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(container) {
				return nil, false
			}
			node = container[idx]
		default:
			return nil, false
		}
	}
	return node, true
}

func asIndex(elem any) (int, bool) {
	switch v := elem.(type) {
	case int:
		return v, true
	case int32:
		return int(v), true
	case int64:
		return int(v), true
	case uint:
		return int(v), true
	case uint32:
		return int(v), true
	case uint64:
		return int(v), true
	case float64:
		if v != float64(int(v)) {
			return 0, false
		}
		return int(v), true
	case float32:
		if v != float32(int(v)) {
			return 0, false
		}
		return int(v), true
	default:
		return 0, false
	}
}
