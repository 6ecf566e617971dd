package pagesmith

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"
)

func TestBuildStateBackendFromDSNFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")

	backend, err := BuildStateBackendFromDSN("file://" + path)
	if err != nil {
		t.Fatalf("file dsn failed: %v", err)
	}
	fileBackend, ok := backend.(*JSONFileStateBackend)
	if !ok {
		t.Fatalf("expected *JSONFileStateBackend, got %T", backend)
	}
	if fileBackend.Path != path {
		t.Fatalf("unexpected path %q", fileBackend.Path)
	}
}

func TestBuildStateBackendFromDSNBarePath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bare.json")
	backend, err := BuildStateBackendFromDSN(path)
	if err != nil {
		t.Fatalf("bare path dsn failed: %v", err)
	}
	if _, ok := backend.(*JSONFileStateBackend); !ok {
		t.Fatalf("expected *JSONFileStateBackend, got %T", backend)
	}
}

func TestBuildStateBackendFromDSNMemory(t *testing.T) {
	for _, dsn := range []string{"memory://", "mem://", "inmem://"} {
		backend, err := BuildStateBackendFromDSN(dsn)
		if err != nil {
			t.Fatalf("%s failed: %v", dsn, err)
		}
		if _, ok := backend.(*InMemoryStateBackend); !ok {
			t.Fatalf("%s: expected *InMemoryStateBackend, got %T", dsn, backend)
		}
	}
}

func TestBuildStateBackendFromDSNNotImplemented(t *testing.T) {
	for _, dsn := range []string{"mysql://user@host/db", "sqlite:///tmp/x.db"} {
		_, err := BuildStateBackendFromDSN(dsn)
		if !errors.Is(err, ErrNotImplemented) {
			t.Fatalf("%s: expected ErrNotImplemented, got %v", dsn, err)
		}
	}
}

func TestBuildStateBackendFromDSNUnsupportedScheme(t *testing.T) {
	_, err := BuildStateBackendFromDSN("redis://localhost:6379")
	if err == nil || !strings.Contains(err.Error(), "redis") {
		t.Fatalf("expected unsupported scheme error naming the scheme, got %v", err)
	}
}

func TestRegisterStateBackendFactoryOverridesScheme(t *testing.T) {
	custom := NewInMemoryStateBackend()
	RegisterStateBackendFactory("custom", func(dsn string) (StateBackend, error) {
		return custom, nil
	})
	t.Cleanup(func() { RegisterStateBackendFactory("custom", nil) })

	backend, err := BuildStateBackendFromDSN("custom://anything")
	if err != nil {
		t.Fatalf("custom scheme failed: %v", err)
	}
	if backend != StateBackend(custom) {
		t.Fatalf("expected registered factory result, got %T", backend)
	}
}

func TestInMemoryBackendCopiesState(t *testing.T) {
	backend := NewInMemoryStateBackend()

	saved := &persistedState{Records: map[string]ProcessedRecord{
		"k": {Status: RunSuccess},
	}}
	if err := backend.Save(saved); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	// Mutating the caller's map must not leak into the stored snapshot.
	saved.Records["k"] = ProcessedRecord{Status: RunFailed}

	loaded, err := backend.Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if loaded.Records["k"].Status != RunSuccess {
		t.Fatalf("stored snapshot was mutated: %+v", loaded.Records["k"])
	}
}
