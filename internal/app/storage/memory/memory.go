package memory

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/R3E-Network/contract_gateway/internal/app/storage"
	"github.com/R3E-Network/contract_gateway/platform/contracts/types"
	"github.com/google/uuid"
)

// Store is an in-memory implementation of the storage interfaces. It is safe
// for concurrent use and is primarily intended for tests and local development.
type Store struct {
	mu       sync.RWMutex
	state    map[types.AccountID]map[string][]byte
	accounts map[types.AccountID]storage.AccountRecord
	events   []storage.EventRecord
}

var _ storage.Store = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		state:    make(map[types.AccountID]map[string][]byte),
		accounts: make(map[types.AccountID]storage.AccountRecord),
	}
}

// StateStore implementation --------------------------------------------------

func (s *Store) GetState(_ context.Context, account types.AccountID, key []byte) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	value, ok := s.state[account][string(key)]
	if !ok {
		return nil, false, nil
	}
	return cloneBytes(value), true, nil
}

func (s *Store) StateKeys(_ context.Context, account types.AccountID, prefix []byte) ([][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var keys [][]byte
	for k := range s.state[account] {
		if bytes.HasPrefix([]byte(k), prefix) {
			keys = append(keys, []byte(k))
		}
	}
	sort.Slice(keys, func(i, j int) bool { return bytes.Compare(keys[i], keys[j]) < 0 })
	return keys, nil
}

func (s *Store) ApplyState(_ context.Context, account types.AccountID, writes []storage.Write) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	bucket, ok := s.state[account]
	if !ok {
		bucket = make(map[string][]byte)
		s.state[account] = bucket
	}
	for _, w := range writes {
		if w.Delete {
			delete(bucket, string(w.Key))
			continue
		}
		bucket[string(w.Key)] = cloneBytes(w.Value)
	}
	if len(bucket) == 0 {
		delete(s.state, account)
	}
	return nil
}

// AccountStore implementation ------------------------------------------------

func (s *Store) SaveAccount(_ context.Context, rec storage.AccountRecord) error {
	if err := rec.ID.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec.UpdatedAt = time.Now().UTC()
	rec.Code = cloneBytes(rec.Code)
	rec.AccessKeys = append([]string(nil), rec.AccessKeys...)
	s.accounts[rec.ID] = rec
	return nil
}

func (s *Store) GetAccount(_ context.Context, id types.AccountID) (storage.AccountRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.accounts[id]
	if !ok {
		return storage.AccountRecord{}, fmt.Errorf("account %s: %w", id, storage.ErrNotFound)
	}
	return rec, nil
}

func (s *Store) ListAccounts(_ context.Context) ([]storage.AccountRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]storage.AccountRecord, 0, len(s.accounts))
	for _, rec := range s.accounts {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// EventStore implementation --------------------------------------------------

func (s *Store) AppendEvent(_ context.Context, rec storage.EventRecord) (storage.EventRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	rec.Payload = cloneBytes(rec.Payload)
	s.events = append(s.events, rec)
	return rec, nil
}

func (s *Store) ListEvents(_ context.Context, requestID string, limit int) ([]storage.EventRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []storage.EventRecord
	for _, rec := range s.events {
		if requestID == "" || rec.RequestID == requestID {
			out = append(out, rec)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}
