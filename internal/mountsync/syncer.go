// Package mountsync mirrors the replica into a plain local directory, for
// hosts where a FUSE mount is unavailable. Maps become directories,
// sequences become directories named by index, and scalars become files
// holding their JSON encoding plus a newline.
package mountsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/agentworkforce/statecast/internal/logging"
	"github.com/agentworkforce/statecast/internal/replica"
	"github.com/cespare/xxhash"
)

const (
	metaFile         = ".statecast"
	defaultStateFile = ".statecast-mirror-state.json"
)

type ViewFunc func() replica.View

type SyncerOptions struct {
	LocalRoot string
	StateFile string
	Logger    logging.Logger
}

type Syncer struct {
	view      ViewFunc
	localRoot string
	stateFile string
	logger    logging.Logger
	state     mountState
	loaded    bool
	// version is the replica version last written; zero until the first sync.
	version uint64
	wake    chan struct{}
}

type mountState struct {
	Index  uint64                 `json:"index"`
	Digest string                 `json:"digest"`
	Files  map[string]trackedFile `json:"files"`
}

type trackedFile struct {
	Hash string `json:"hash"`
}

func NewSyncer(view ViewFunc, opts SyncerOptions) (*Syncer, error) {
	if view == nil {
		return nil, fmt.Errorf("view is required")
	}
	localRootRaw := strings.TrimSpace(opts.LocalRoot)
	if localRootRaw == "" {
		return nil, fmt.Errorf("local root is required")
	}
	localRoot := filepath.Clean(localRootRaw)
	stateFile := strings.TrimSpace(opts.StateFile)
	if stateFile == "" {
		stateFile = filepath.Join(localRoot, defaultStateFile)
	}
	if err := os.MkdirAll(localRoot, 0o755); err != nil {
		return nil, err
	}
	return &Syncer{
		view:      view,
		localRoot: localRoot,
		stateFile: stateFile,
		logger:    logging.OrNop(opts.Logger),
		state:     mountState{Files: map[string]trackedFile{}},
		wake:      make(chan struct{}, 1),
	}, nil
}

// Notify schedules a sync on the running Run loop without blocking. It fits
// replica.Options.OnChange.
func (s *Syncer) Notify(replica.View) {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run syncs on every Notify and at least once per interval until ctx is done.
func (s *Syncer) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := s.SyncOnce(ctx); err != nil && ctx.Err() == nil {
			s.logger.Warn("mirror sync failed", "root", s.localRoot, "err", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-s.wake:
		}
	}
}

// SyncOnce writes the current view to disk. Views that are not synced are
// skipped so the mirror only ever shows a trusted replica.
func (s *Syncer) SyncOnce(ctx context.Context) error {
	if err := s.loadState(); err != nil {
		return err
	}
	view := s.view()
	if view.SyncState != replica.Synced {
		return nil
	}
	if s.version != 0 && view.Version == s.version {
		return nil
	}
	digest, err := stateDigest(view.State)
	if err != nil {
		return err
	}
	if view.Index == s.state.Index && digest == s.state.Digest && len(s.state.Files) > 0 {
		s.version = view.Version
		return nil
	}

	desired := map[string][]byte{}
	if err := flatten(view.State, "", desired); err != nil {
		return err
	}
	meta, err := render(map[string]any{"index": view.Index, "syncState": view.SyncState})
	if err != nil {
		return err
	}
	desired[metaFile] = meta

	for rel, tracked := range s.state.Files {
		if _, keep := desired[rel]; keep {
			continue
		}
		s.removeTracked(rel, tracked)
		delete(s.state.Files, rel)
	}

	names := make([]string, 0, len(desired))
	for rel := range desired {
		names = append(names, rel)
	}
	sort.Strings(names)
	written := 0
	for _, rel := range names {
		if err := ctx.Err(); err != nil {
			return err
		}
		changed, err := s.writeFile(rel, desired[rel])
		if err != nil {
			return err
		}
		if changed {
			written++
		}
	}
	s.state.Index = view.Index
	s.state.Digest = digest
	s.logger.Debug("mirror synced", "index", view.Index, "version", view.Version, "files", len(names), "written", written)
	if err := s.saveState(); err != nil {
		return err
	}
	s.version = view.Version
	return nil
}

func (s *Syncer) writeFile(rel string, data []byte) (bool, error) {
	hash := hashBytes(data)
	localPath := filepath.Join(s.localRoot, filepath.FromSlash(rel))
	current, readErr := os.ReadFile(localPath)
	if readErr == nil && hashBytes(current) == hash {
		s.state.Files[rel] = trackedFile{Hash: hash}
		return false, nil
	}
	if tracked, ok := s.state.Files[rel]; ok && readErr == nil && hashBytes(current) != tracked.Hash {
		s.logger.Warn("overwriting locally modified mirror file", "path", rel)
	}
	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return false, err
	}
	if err := writeFileAtomic(localPath, data, 0o644); err != nil {
		return false, err
	}
	s.state.Files[rel] = trackedFile{Hash: hash}
	return true, nil
}

// removeTracked deletes a file that left the tree unless it was edited
// locally, then prunes directories it leaves empty.
func (s *Syncer) removeTracked(rel string, tracked trackedFile) {
	localPath := filepath.Join(s.localRoot, filepath.FromSlash(rel))
	current, err := os.ReadFile(localPath)
	if err != nil {
		return
	}
	if hashBytes(current) != tracked.Hash {
		s.logger.Warn("keeping locally modified mirror file", "path", rel)
		return
	}
	_ = os.Remove(localPath)
	for dir := filepath.Dir(localPath); dir != s.localRoot && strings.HasPrefix(dir, s.localRoot); dir = filepath.Dir(dir) {
		if os.Remove(dir) != nil {
			break
		}
	}
}

func (s *Syncer) loadState() error {
	if s.loaded {
		return nil
	}
	s.loaded = true
	data, err := os.ReadFile(s.stateFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.state.Files = map[string]trackedFile{}
			return nil
		}
		return err
	}
	var state mountState
	if err := json.Unmarshal(data, &state); err != nil {
		return err
	}
	if state.Files == nil {
		state.Files = map[string]trackedFile{}
	}
	s.state = state
	return nil
}

func (s *Syncer) saveState() error {
	data, err := json.Marshal(s.state)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.stateFile), 0o755); err != nil {
		return err
	}
	return writeFileAtomic(s.stateFile, data, 0o644)
}

func flatten(value any, prefix string, out map[string][]byte) error {
	switch node := value.(type) {
	case map[string]any:
		for key, child := range node {
			if !validName(key) || (prefix == "" && reservedName(key)) {
				continue
			}
			if err := flatten(child, path.Join(prefix, key), out); err != nil {
				return err
			}
		}
		return nil
	case []any:
		for i, child := range node {
			if err := flatten(child, path.Join(prefix, strconv.Itoa(i)), out); err != nil {
				return err
			}
		}
		return nil
	default:
		if prefix == "" {
			// A scalar root has no file name to live under.
			return nil
		}
		data, err := render(node)
		if err != nil {
			return fmt.Errorf("render %s: %w", prefix, err)
		}
		out[prefix] = data
		return nil
	}
}

func render(value any) ([]byte, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

func validName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	return !strings.ContainsAny(name, "/\\\x00")
}

func reservedName(name string) bool {
	return name == metaFile || name == defaultStateFile
}

func stateDigest(state any) (string, error) {
	data, err := json.Marshal(state)
	if err != nil {
		return "", err
	}
	return hashBytes(data), nil
}

func hashBytes(b []byte) string {
	return strconv.FormatUint(xxhash.Sum64(b), 16)
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
