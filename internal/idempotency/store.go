// Package idempotency replays the recorded outcome of a create or approve
// request when a client retries it with the same idempotency key.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ErrKeyReused is returned when a key is presented with a different request body.
var ErrKeyReused = errors.New("idempotency key reused with a different request")

// Record is the stored outcome of one keyed request.
type Record struct {
	Fingerprint string    `json:"fingerprint"`
	ActionID    string    `json:"actionId,omitempty"`
	StatusCode  int       `json:"statusCode"`
	Response    []byte    `json:"response"`
	CreatedAt   time.Time `json:"createdAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// Store abstracts idempotency persistence. Get returns nil for a missing or
// expired key.
type Store interface {
	Get(ctx context.Context, key string) (*Record, error)
	Save(ctx context.Context, key string, record Record) error
}

// Fingerprint hashes the route and body a key was first used with.
func Fingerprint(route string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(route))
	h.Write([]byte{0})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// Lookup fetches the record for key and checks it was stored for the same
// request. A nil record means the request has not been seen.
func Lookup(ctx context.Context, s Store, key, fingerprint string) (*Record, error) {
	rec, err := s.Get(ctx, key)
	if err != nil || rec == nil {
		return nil, err
	}
	if rec.Fingerprint != "" && rec.Fingerprint != fingerprint {
		return nil, ErrKeyReused
	}
	return rec, nil
}

// MemoryStore keeps records for the life of the process.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]Record
	now  func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string]Record),
		now:  time.Now,
	}
}

func (m *MemoryStore) Get(_ context.Context, key string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.data[key]
	if !ok || m.now().After(rec.ExpiresAt) {
		return nil, nil
	}
	return &rec, nil
}

func (m *MemoryStore) Save(_ context.Context, key string, record Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = record
	return nil
}

// FileStore persists records as one JSON document. Suitable for a single
// local instance.
type FileStore struct {
	path string
	mu   sync.Mutex
	data map[string]Record
	now  func() time.Time
}

func NewFileStore(path string) (*FileStore, error) {
	fs := &FileStore{
		path: path,
		data: make(map[string]Record),
		now:  time.Now,
	}
	if err := fs.load(); err != nil {
		return nil, err
	}
	return fs, nil
}

func (f *FileStore) load() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	blob, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(blob) == 0 {
		return nil
	}
	if err := json.Unmarshal(blob, &f.data); err != nil {
		return err
	}
	f.pruneLocked()
	return nil
}

func (f *FileStore) pruneLocked() {
	now := f.now()
	for key, rec := range f.data {
		if now.After(rec.ExpiresAt) {
			delete(f.data, key)
		}
	}
}

// persist writes through a temp file so a crash never leaves a torn document.
func (f *FileStore) persist() error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return err
	}
	blob, err := json.MarshalIndent(f.data, "", "  ")
	if err != nil {
		return err
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, blob, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, f.path)
}

func (f *FileStore) Get(_ context.Context, key string) (*Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	record, ok := f.data[key]
	if !ok {
		return nil, nil
	}
	if f.now().After(record.ExpiresAt) {
		delete(f.data, key)
		_ = f.persist()
		return nil, nil
	}
	return &record, nil
}

func (f *FileStore) Save(_ context.Context, key string, record Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pruneLocked()
	f.data[key] = record
	return f.persist()
}
