package checkpoint

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func sampleCheckpoint(t *testing.T, index uint64) *Checkpoint {
	t.Helper()
	cp, err := New(index, map[string]any{
		"score": []any{float64(1), float64(0)},
		"meta":  map[string]any{"title": "final"},
	}, time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
	if err != nil {
		t.Fatalf("new checkpoint failed: %v", err)
	}
	return cp
}

func assertRoundTrip(t *testing.T, backend Backend) {
	t.Helper()
	initial, err := backend.Load()
	if err != nil {
		t.Fatalf("initial load failed: %v", err)
	}
	if initial != nil {
		t.Fatalf("expected nil initial checkpoint, got %+v", initial)
	}

	saved := sampleCheckpoint(t, 7)
	if err := backend.Save(saved); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	loaded, err := backend.Load()
	if err != nil {
		t.Fatalf("load after save failed: %v", err)
	}
	if loaded == nil || loaded.Index != 7 {
		t.Fatalf("expected index 7, got %+v", loaded)
	}
	if !reflect.DeepEqual(loaded.State, saved.State) {
		t.Fatalf("expected state %#v, got %#v", saved.State, loaded.State)
	}
	if loaded.Digest != saved.Digest {
		t.Fatalf("expected digest %s, got %s", FormatDigest(saved.Digest), FormatDigest(loaded.Digest))
	}
	if !loaded.SavedAt.Equal(saved.SavedAt) {
		t.Fatalf("expected savedAt %s, got %s", saved.SavedAt, loaded.SavedAt)
	}

	if err := backend.Save(sampleCheckpoint(t, 12)); err != nil {
		t.Fatalf("second save failed: %v", err)
	}
	reloaded, err := backend.Load()
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if reloaded == nil || reloaded.Index != 12 {
		t.Fatalf("expected index 12 after update, got %+v", reloaded)
	}
}

func TestMemoryBackendRoundTrip(t *testing.T) {
	assertRoundTrip(t, NewMemoryBackend())
}

func TestMemoryBackendDoesNotAliasState(t *testing.T) {
	backend := NewMemoryBackend()
	state := map[string]any{"a": "b"}
	cp, err := New(1, state, time.Now())
	if err != nil {
		t.Fatalf("new checkpoint failed: %v", err)
	}
	if err := backend.Save(cp); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	state["a"] = "mutated"
	loaded, err := backend.Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if got := loaded.State.(map[string]any)["a"]; got != "b" {
		t.Fatalf("expected saved value b, got %v", got)
	}
}

func TestFileBackendRoundTrip(t *testing.T) {
	assertRoundTrip(t, NewFileBackend(filepath.Join(t.TempDir(), "nested", "checkpoint.json")))
}

func TestPebbleBackendRoundTrip(t *testing.T) {
	backend, err := NewPebbleBackend(filepath.Join(t.TempDir(), "pebble"))
	if err != nil {
		t.Fatalf("open pebble backend failed: %v", err)
	}
	t.Cleanup(func() {
		if err := backend.Close(); err != nil {
			t.Errorf("close pebble backend failed: %v", err)
		}
	})
	assertRoundTrip(t, backend)
}

func TestFileBackendDetectsCorruption(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint.json")
	backend := NewFileBackend(path)
	if err := backend.Save(sampleCheckpoint(t, 3)); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read checkpoint failed: %v", err)
	}
	tampered := bytes.Replace(data, []byte("final"), []byte("FINAL"), 1)
	if err := os.WriteFile(path, tampered, 0o644); err != nil {
		t.Fatalf("write tampered checkpoint failed: %v", err)
	}
	if _, err := backend.Load(); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("expected corrupt checkpoint error, got %v", err)
	}

	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write garbage failed: %v", err)
	}
	if _, err := backend.Load(); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("expected corrupt checkpoint error for garbage, got %v", err)
	}
}

func TestDigestIsStableAcrossKeyOrder(t *testing.T) {
	first, err := Digest(map[string]any{"a": float64(1), "b": []any{"x"}})
	if err != nil {
		t.Fatalf("digest failed: %v", err)
	}
	second, err := Digest(map[string]any{"b": []any{"x"}, "a": float64(1)})
	if err != nil {
		t.Fatalf("digest failed: %v", err)
	}
	if first != second {
		t.Fatalf("expected equal digests, got %s and %s", FormatDigest(first), FormatDigest(second))
	}
	if len(FormatDigest(first)) != 16 {
		t.Fatalf("expected 16 hex chars, got %q", FormatDigest(first))
	}
}

func TestBuildBackendFromDSN(t *testing.T) {
	backend, err := BuildBackendFromDSN("")
	if err != nil || backend != nil {
		t.Fatalf("expected nil backend for empty dsn, got %v, %v", backend, err)
	}

	backend, err = BuildBackendFromDSN("memory://")
	if err != nil {
		t.Fatalf("build memory backend failed: %v", err)
	}
	if _, ok := backend.(*MemoryBackend); !ok {
		t.Fatalf("expected *MemoryBackend, got %T", backend)
	}

	path := filepath.Join(t.TempDir(), "checkpoint.json")
	backend, err = BuildBackendFromDSN("file://" + path)
	if err != nil {
		t.Fatalf("build file backend failed: %v", err)
	}
	if fb, ok := backend.(*FileBackend); !ok || fb.Path != path {
		t.Fatalf("expected file backend at %s, got %#v", path, backend)
	}

	backend, err = BuildBackendFromDSN(path)
	if err != nil {
		t.Fatalf("build bare path backend failed: %v", err)
	}
	if fb, ok := backend.(*FileBackend); !ok || fb.Path != path {
		t.Fatalf("expected bare path file backend at %s, got %#v", path, backend)
	}

	backend, err = BuildBackendFromDSN("postgres://localhost/statecast?sslmode=disable")
	if err != nil {
		t.Fatalf("expected postgres backend to be available, got %v", err)
	}
	if _, ok := backend.(*PostgresBackend); !ok {
		t.Fatalf("expected *PostgresBackend, got %T", backend)
	}

	pebbleDir := filepath.Join(t.TempDir(), "kv")
	backend, err = BuildBackendFromDSN("pebble://" + pebbleDir)
	if err != nil {
		t.Fatalf("build pebble backend failed: %v", err)
	}
	if err := Close(backend); err != nil {
		t.Fatalf("close pebble backend failed: %v", err)
	}

	if _, err := BuildBackendFromDSN("mysql://localhost/statecast"); !errors.Is(err, ErrNotImplemented) {
		t.Fatalf("expected not implemented error for mysql, got %v", err)
	}
	if _, err := BuildBackendFromDSN("redis://localhost"); err == nil {
		t.Fatalf("expected error for unsupported scheme")
	}
}

func TestRegisterBackendFactory(t *testing.T) {
	scheme := "checkpointtestcustom"
	RegisterBackendFactory(scheme, func(dsn string) (Backend, error) {
		return NewMemoryBackend(), nil
	})
	backend, err := BuildBackendFromDSN(scheme + "://example")
	if err != nil {
		t.Fatalf("build backend via registered factory failed: %v", err)
	}
	if backend == nil {
		t.Fatalf("expected non-nil backend from registered factory")
	}
}
