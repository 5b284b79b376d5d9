// Package checkpoint persists the last known state tree together with its
// sequence index.
package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/cespare/xxhash"
)

var (
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotImplemented = errors.New("not implemented")
	ErrCorrupt        = errors.New("checkpoint corrupt")
)

// Checkpoint is a state tree as of Index. Digest is the xxhash of the
// state's JSON encoding.
type Checkpoint struct {
	Index   uint64
	State   any
	Digest  uint64
	SavedAt time.Time
}

// Backend stores a single checkpoint. Load returns nil, nil when nothing has
// been saved yet.
type Backend interface {
	Load() (*Checkpoint, error)
	Save(cp *Checkpoint) error
}

// New builds a checkpoint for state and computes its digest.
func New(index uint64, state any, savedAt time.Time) (*Checkpoint, error) {
	digest, err := Digest(state)
	if err != nil {
		return nil, err
	}
	return &Checkpoint{Index: index, State: state, Digest: digest, SavedAt: savedAt.UTC()}, nil
}

// Digest hashes the JSON encoding of state. Map keys are encoded in sorted
// order, so equal trees hash equally.
func Digest(state any) (uint64, error) {
	data, err := json.Marshal(state)
	if err != nil {
		return 0, err
	}
	return xxhash.Sum64(data), nil
}

// FormatDigest renders a digest as fixed-width hex.
func FormatDigest(digest uint64) string {
	return fmt.Sprintf("%016x", digest)
}

// Close releases backend resources when the backend holds any.
func Close(b Backend) error {
	if closer, ok := b.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

type record struct {
	Index   uint64          `json:"index"`
	State   json.RawMessage `json:"state"`
	Digest  string          `json:"digest"`
	SavedAt time.Time       `json:"savedAt"`
}

func encode(cp *Checkpoint) ([]byte, error) {
	if cp == nil {
		return nil, ErrInvalidInput
	}
	state, err := json.Marshal(cp.State)
	if err != nil {
		return nil, err
	}
	return json.Marshal(record{
		Index:   cp.Index,
		State:   state,
		Digest:  FormatDigest(xxhash.Sum64(state)),
		SavedAt: cp.SavedAt,
	})
}

func decode(data []byte) (*Checkpoint, error) {
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	want, err := strconv.ParseUint(rec.Digest, 16, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: digest %q", ErrCorrupt, rec.Digest)
	}
	got := xxhash.Sum64(rec.State)
	if got != want {
		return nil, fmt.Errorf("%w: digest %s does not match %s", ErrCorrupt, FormatDigest(got), rec.Digest)
	}
	var state any
	if err := json.Unmarshal(rec.State, &state); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return &Checkpoint{Index: rec.Index, State: state, Digest: got, SavedAt: rec.SavedAt}, nil
}
