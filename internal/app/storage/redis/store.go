// Package redis stores ledger state in Redis hashes.
package redis

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/R3E-Network/contract_gateway/internal/app/storage"
	"github.com/R3E-Network/contract_gateway/platform/contracts/types"
	goredis "github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

const defaultPrefix = "gateway"

// Store implements the storage interfaces on top of a Redis client.
//
// Layout:
//
//	<prefix>:state:<account>   hash of hex(key) -> value
//	<prefix>:account:<id>      JSON account record
//	<prefix>:accounts          set of account ids
//	<prefix>:events            list of JSON event records
type Store struct {
	client goredis.UniversalClient
	prefix string
}

var _ storage.Store = (*Store)(nil)

// New wraps client. An empty prefix uses "gateway".
func New(client goredis.UniversalClient, prefix string) *Store {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Store{client: client, prefix: prefix}
}

// Open connects to addr and pings it. Keys are namespaced by prefix.
func Open(ctx context.Context, addr, password string, db int, prefix string) (*Store, error) {
	client := goredis.NewClient(&goredis.Options{Addr: addr, Password: password, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", addr, err)
	}
	return New(client, prefix), nil
}

// Close closes the client.
func (s *Store) Close() error { return s.client.Close() }

func (s *Store) stateKey(account types.AccountID) string {
	return s.prefix + ":state:" + account.String()
}

func (s *Store) accountKey(id types.AccountID) string {
	return s.prefix + ":account:" + id.String()
}

func (s *Store) accountsKey() string { return s.prefix + ":accounts" }

func (s *Store) eventsKey() string { return s.prefix + ":events" }

// --- StateStore -------------------------------------------------------------

func (s *Store) GetState(ctx context.Context, account types.AccountID, key []byte) ([]byte, bool, error) {
	value, err := s.client.HGet(ctx, s.stateKey(account), hex.EncodeToString(key)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func (s *Store) StateKeys(ctx context.Context, account types.AccountID, prefix []byte) ([][]byte, error) {
	fields, err := s.client.HKeys(ctx, s.stateKey(account)).Result()
	if err != nil {
		return nil, err
	}
	return filterKeys(fields, prefix)
}

func filterKeys(fields []string, prefix []byte) ([][]byte, error) {
	keys := make([][]byte, 0, len(fields))
	for _, f := range fields {
		k, err := hex.DecodeString(f)
		if err != nil {
			return nil, fmt.Errorf("decode state field %q: %w", f, err)
		}
		if bytes.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return bytes.Compare(keys[i], keys[j]) < 0 })
	return keys, nil
}

func (s *Store) ApplyState(ctx context.Context, account types.AccountID, writes []storage.Write) error {
	if len(writes) == 0 {
		return nil
	}
	key := s.stateKey(account)
	_, err := s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		for _, w := range writes {
			field := hex.EncodeToString(w.Key)
			if w.Delete {
				pipe.HDel(ctx, key, field)
				continue
			}
			pipe.HSet(ctx, key, field, w.Value)
		}
		return nil
	})
	return err
}

// --- AccountStore -----------------------------------------------------------

func (s *Store) SaveAccount(ctx context.Context, rec storage.AccountRecord) error {
	if err := rec.ID.Validate(); err != nil {
		return err
	}
	rec.UpdatedAt = time.Now().UTC()
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Set(ctx, s.accountKey(rec.ID), payload, 0)
		pipe.SAdd(ctx, s.accountsKey(), rec.ID.String())
		return nil
	})
	return err
}

func (s *Store) GetAccount(ctx context.Context, id types.AccountID) (storage.AccountRecord, error) {
	payload, err := s.client.Get(ctx, s.accountKey(id)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return storage.AccountRecord{}, fmt.Errorf("account %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return storage.AccountRecord{}, err
	}
	var rec storage.AccountRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		return storage.AccountRecord{}, fmt.Errorf("decode account %s: %w", id, err)
	}
	return rec, nil
}

func (s *Store) ListAccounts(ctx context.Context) ([]storage.AccountRecord, error) {
	ids, err := s.client.SMembers(ctx, s.accountsKey()).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)

	out := make([]storage.AccountRecord, 0, len(ids))
	for _, id := range ids {
		rec, err := s.GetAccount(ctx, types.AccountID(id))
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// --- EventStore -------------------------------------------------------------

func (s *Store) AppendEvent(ctx context.Context, rec storage.EventRecord) (storage.EventRecord, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return storage.EventRecord{}, err
	}
	if err := s.client.RPush(ctx, s.eventsKey(), payload).Err(); err != nil {
		return storage.EventRecord{}, err
	}
	return rec, nil
}

func (s *Store) ListEvents(ctx context.Context, requestID string, limit int) ([]storage.EventRecord, error) {
	raw, err := s.client.LRange(ctx, s.eventsKey(), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	var out []storage.EventRecord
	for _, item := range raw {
		var rec storage.EventRecord
		if err := json.Unmarshal([]byte(item), &rec); err != nil {
			return nil, fmt.Errorf("decode event: %w", err)
		}
		if requestID == "" || rec.RequestID == requestID {
			out = append(out, rec)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}
