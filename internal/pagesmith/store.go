package pagesmith

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidInput   = errors.New("invalid input")
	ErrRecordConflict = errors.New("record conflict")
	ErrNotImplemented = errors.New("not implemented")
)

type RunStatus string

const (
	RunSuccess RunStatus = "success"
	RunFailed  RunStatus = "failed"
)

type RequestKey struct {
	Email string
	Task  string
	Round int
	Nonce string
}

func (k RequestKey) String() string {
	return fmt.Sprintf("%s::%s::round%d::%s", k.Email, k.Task, k.Round, k.Nonce)
}

type ProcessedRecord struct {
	Status        RunStatus       `json:"status"`
	NotifyPayload json.RawMessage `json:"notifyPayload"`
	CompletedAt   time.Time       `json:"completedAt"`
}

func (r ProcessedRecord) equal(other ProcessedRecord) bool {
	return r.Status == other.Status && bytes.Equal(r.NotifyPayload, other.NotifyPayload)
}

type persistedState struct {
	Records map[string]ProcessedRecord `json:"records"`
}

type StateBackend interface {
	Load() (*persistedState, error)
	Save(state *persistedState) error
}

type stateBackendCloser interface {
	Close() error
}

type JSONFileStateBackend struct {
	Path string
}

func NewJSONFileStateBackend(path string) *JSONFileStateBackend {
	return &JSONFileStateBackend{Path: strings.TrimSpace(path)}
}

func (b *JSONFileStateBackend) Load() (*persistedState, error) {
	if b == nil || strings.TrimSpace(b.Path) == "" {
		return nil, nil
	}
	data, err := os.ReadFile(b.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var snapshot persistedState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, err
	}
	return &snapshot, nil
}

func (b *JSONFileStateBackend) Save(state *persistedState) error {
	if b == nil || strings.TrimSpace(b.Path) == "" || state == nil {
		return nil
	}
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	dir := filepath.Dir(b.Path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := b.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, b.Path)
}

// Store is the dedup store: a write-once map from request key to the outcome
// of its pipeline run. A key becomes visible only after its record has been
// fully persisted, so a restart never re-executes a recorded request.
type Store struct {
	mu      sync.RWMutex
	records map[string]ProcessedRecord
	backend StateBackend
}

func NewStore(backend StateBackend) (*Store, error) {
	s := &Store{
		records: map[string]ProcessedRecord{},
		backend: backend,
	}
	if backend != nil {
		snapshot, err := backend.Load()
		if err != nil {
			return nil, fmt.Errorf("load dedup state: %w", err)
		}
		if snapshot != nil && snapshot.Records != nil {
			s.records = snapshot.Records
		}
	}
	return s, nil
}

func (s *Store) Lookup(key RequestKey) (ProcessedRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[key.String()]
	return rec, ok
}

// Record persists the outcome for key. Re-recording an identical record is a
// no-op; recording a different record for an existing key returns
// ErrRecordConflict. If the backend write fails the in-memory insert is
// rolled back so the key stays unrecorded and a later duplicate submission
// can re-attempt the run.
func (s *Store) Record(key RequestKey, rec ProcessedRecord) error {
	if len(rec.NotifyPayload) == 0 {
		return fmt.Errorf("%w: empty notify payload", ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id := key.String()
	if existing, ok := s.records[id]; ok {
		if existing.equal(rec) {
			return nil
		}
		return fmt.Errorf("%w: %s already recorded", ErrRecordConflict, id)
	}
	s.records[id] = rec
	if err := s.saveLocked(); err != nil {
		delete(s.records, id)
		return fmt.Errorf("persist record %s: %w", id, err)
	}
	return nil
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

func (s *Store) Close() error {
	if closer, ok := s.backend.(stateBackendCloser); ok {
		return closer.Close()
	}
	return nil
}

func (s *Store) saveLocked() error {
	if s.backend == nil {
		return nil
	}
	snapshot := persistedState{
		Records: make(map[string]ProcessedRecord, len(s.records)),
	}
	for id, rec := range s.records {
		snapshot.Records[id] = rec
	}
	return s.backend.Save(&snapshot)
}
