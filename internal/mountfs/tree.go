// Package mountfs exposes the latest replica view as a read-only FUSE
// filesystem. Maps become directories, sequences become directories whose
// entries are named by index, and scalars become files holding their JSON
// encoding followed by a newline.
package mountfs

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"

	"github.com/agentworkforce/statecast/internal/replica"
)

// MetaName is the file at the mount root that reports replication status.
// It shadows a top-level key of the same name.
const MetaName = ".statecast"

type entry struct {
	name string
	dir  bool
}

type meta struct {
	Index     uint64            `json:"index"`
	SyncState replica.SyncState `json:"syncState"`
	Pending   int               `json:"pending"`
}

func isDir(value any) bool {
	switch value.(type) {
	case map[string]any, []any:
		return true
	default:
		return false
	}
}

// resolve finds the node addressed by segments in the view. A root-level
// MetaName resolves to the status document. The root is always a directory;
// a scalar or missing root tree is shown as an empty one.
func resolve(view replica.View, segments []string) (any, bool) {
	if len(segments) == 0 {
		if isDir(view.State) {
			return view.State, true
		}
		return map[string]any{}, true
	}
	if len(segments) == 1 && segments[0] == MetaName {
		return metaOf(view), true
	}
	return replica.LookupSegments(view.State, segments)
}

func metaOf(view replica.View) meta {
	return meta{Index: view.Index, SyncState: view.SyncState, Pending: view.Pending}
}

// render returns the file content for a scalar or the status document.
func render(value any) ([]byte, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// listEntries returns the directory entries of a map or sequence, sorted by
// name for maps and by index for sequences. Keys that cannot be used as a
// file name are left out.
func listEntries(value any) []entry {
	switch node := value.(type) {
	case map[string]any:
		out := make([]entry, 0, len(node))
		for key, child := range node {
			if !validName(key) {
				continue
			}
			out = append(out, entry{name: key, dir: isDir(child)})
		}
		sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
		return out
	case []any:
		out := make([]entry, 0, len(node))
		for i, child := range node {
			out = append(out, entry{name: strconv.Itoa(i), dir: isDir(child)})
		}
		return out
	default:
		return nil
	}
}

func validName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	return !strings.ContainsAny(name, "/\x00")
}
