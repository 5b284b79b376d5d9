package replica

import (
	"errors"
	"fmt"
)

// Apply runs ops in order against state and returns the resulting tree.
// state is never modified: every container on an addressed path is copied
// before it is changed, untouched subtrees are shared with the input. Later
// operations observe the effects of earlier ones. On the first operation that
// cannot be applied Apply returns an *OpError and no result.
func Apply(state any, ops []Operation) (any, error) {
	current := state
	for i, op := range ops {
		if !knownOp(op.Op) {
			return nil, &OpError{Position: i, Op: op, Reason: fmt.Sprintf("unknown op %q", op.Op)}
		}
		next, err := applyAt(current, op.Path, op)
		if err != nil {
			return nil, &OpError{Position: i, Op: op, Reason: err.Error()}
		}
		current = next
	}
	return current, nil
}

// Combine folds an ordered delta list into one delta carrying every
// operation in the same order, tagged with the greatest index. It is a
// diagnostic view; Apply over the combined list is equivalent to applying
// each delta in turn.
func Combine(deltas []Delta) Delta {
	total := 0
	for _, d := range deltas {
		total += len(d.Ops)
	}
	combined := Delta{Ops: make([]Operation, 0, total)}
	for _, d := range deltas {
		if d.Index > combined.Index {
			combined.Index = d.Index
		}
		combined.Ops = append(combined.Ops, d.Ops...)
	}
	return combined
}

// Clone deep-copies a tree of map[string]any, []any and scalars.
func Clone(value any) any {
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, child := range v {
			out[key] = Clone(child)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, child := range v {
			out[i] = Clone(child)
		}
		return out
	default:
		return v
	}
}

func knownOp(kind OpKind) bool {
	switch kind {
	case OpSet, OpDelete, OpInsert, OpAppend:
		return true
	default:
		return false
	}
}

func applyAt(node any, path []any, op Operation) (any, error) {
	if len(path) == 0 {
		return applyRoot(node, op)
	}
	if len(path) == 1 && op.Op != OpAppend {
		return applyLeaf(node, path[0], op)
	}
	head := path[0]
	switch container := node.(type) {
	case map[string]any:
		key, ok := head.(string)
		if !ok {
			return nil, fmt.Errorf("path element %v is not a map key", head)
		}
		child, exists := container[key]
		if !exists {
			return nil, fmt.Errorf("missing key %q", key)
		}
		updated, err := applyAt(child, path[1:], op)
		if err != nil {
			return nil, err
		}
		next := copyMap(container)
		next[key] = updated
		return next, nil
	case []any:
		idx, ok := asIndex(head)
		if !ok {
			return nil, fmt.Errorf("path element %v is not a sequence index", head)
		}
		if idx < 0 || idx >= len(container) {
			return nil, fmt.Errorf("index %d out of range [0,%d)", idx, len(container))
		}
		updated, err := applyAt(container[idx], path[1:], op)
		if err != nil {
			return nil, err
		}
		next := copySlice(container)
		next[idx] = updated
		return next, nil
	default:
		return nil, fmt.Errorf("cannot descend into %s", describe(node))
	}
}

func applyRoot(node any, op Operation) (any, error) {
	switch op.Op {
	case OpSet:
		return Clone(op.Value), nil
	case OpAppend:
		seq, ok := node.([]any)
		if !ok {
			return nil, fmt.Errorf("append target is %s, not a sequence", describe(node))
		}
		next := make([]any, len(seq), len(seq)+1)
		copy(next, seq)
		return append(next, Clone(op.Value)), nil
	default:
		return nil, errors.New("operation requires a non-empty path")
	}
}

func applyLeaf(parent any, elem any, op Operation) (any, error) {
	switch container := parent.(type) {
	case map[string]any:
		key, ok := elem.(string)
		if !ok {
			return nil, fmt.Errorf("path element %v is not a map key", elem)
		}
		_, exists := container[key]
		switch op.Op {
		case OpSet:
		case OpDelete:
			if !exists {
				return nil, fmt.Errorf("missing key %q", key)
			}
		case OpInsert:
			if exists {
				return nil, fmt.Errorf("key %q already present", key)
			}
		}
		next := copyMap(container)
		if op.Op == OpDelete {
			delete(next, key)
		} else {
			next[key] = Clone(op.Value)
		}
		return next, nil
	case []any:
		idx, ok := asIndex(elem)
		if !ok {
			return nil, fmt.Errorf("path element %v is not a sequence index", elem)
		}
		switch op.Op {
		case OpSet:
			if idx < 0 || idx >= len(container) {
				return nil, fmt.Errorf("index %d out of range [0,%d)", idx, len(container))
			}
			next := copySlice(container)
			next[idx] = Clone(op.Value)
			return next, nil
		case OpDelete:
			if idx < 0 || idx >= len(container) {
				return nil, fmt.Errorf("index %d out of range [0,%d)", idx, len(container))
			}
			next := make([]any, 0, len(container)-1)
			next = append(next, container[:idx]...)
			return append(next, container[idx+1:]...), nil
		case OpInsert:
			if idx < 0 || idx > len(container) {
				return nil, fmt.Errorf("insert index %d out of range [0,%d]", idx, len(container))
			}
			next := make([]any, 0, len(container)+1)
			next = append(next, container[:idx]...)
			next = append(next, Clone(op.Value))
			return append(next, container[idx:]...), nil
		}
		return nil, fmt.Errorf("unknown op %q", op.Op)
	default:
		return nil, fmt.Errorf("parent is %s, not a container", describe(parent))
	}
}

func copyMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in)+1)
	for key, value := range in {
		out[key] = value
	}
	return out
}

func copySlice(in []any) []any {
	out := make([]any, len(in))
	copy(out, in)
	return out
}

func describe(node any) string {
	if node == nil {
		return "null"
	}
	return fmt.Sprintf("%T", node)
}
