package checkpoint

import (
	"errors"
	"strings"

	"github.com/cockroachdb/pebble"
)

var pebbleCheckpointKey = []byte("statecast/checkpoint/default")

// PebbleBackend stores the checkpoint in a local pebble database. Writes are
// synced before Save returns.
type PebbleBackend struct {
	db *pebble.DB
}

func NewPebbleBackend(dir string) (*PebbleBackend, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, ErrInvalidInput
	}
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, err
	}
	return &PebbleBackend{db: db}, nil
}

func (b *PebbleBackend) Load() (*Checkpoint, error) {
	if b == nil || b.db == nil {
		return nil, nil
	}
	value, closer, err := b.db.Get(pebbleCheckpointKey)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	data := make([]byte, len(value))
	copy(data, value)
	return decode(data)
}

func (b *PebbleBackend) Save(cp *Checkpoint) error {
	if b == nil || b.db == nil || cp == nil {
		return nil
	}
	data, err := encode(cp)
	if err != nil {
		return err
	}
	return b.db.Set(pebbleCheckpointKey, data, pebble.Sync)
}

func (b *PebbleBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}
