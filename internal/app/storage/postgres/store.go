package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/R3E-Network/contract_gateway/internal/app/storage"
	"github.com/R3E-Network/contract_gateway/platform/contracts/types"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// Store implements the storage interfaces backed by PostgreSQL.
type Store struct {
	db *sqlx.DB
}

var _ storage.Store = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Open connects to dsn with the lib/pq driver.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return New(db), nil
}

// DB exposes the underlying handle, e.g. for migrations.
func (s *Store) DB() *sql.DB { return s.db.DB }

// Close releases the connection pool.
func (s *Store) Close() error { return s.db.Close() }

// --- StateStore -------------------------------------------------------------

func (s *Store) GetState(ctx context.Context, account types.AccountID, key []byte) ([]byte, bool, error) {
	var value []byte
	err := s.db.GetContext(ctx, &value, `
		SELECT value FROM gateway_state
		WHERE account_id = $1 AND key = $2
	`, account.String(), key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func (s *Store) StateKeys(ctx context.Context, account types.AccountID, prefix []byte) ([][]byte, error) {
	var keys [][]byte
	err := s.db.SelectContext(ctx, &keys, `
		SELECT key FROM gateway_state
		WHERE account_id = $1 AND substring(key from 1 for $2) = $3
		ORDER BY key
	`, account.String(), len(prefix), prefix)
	if err != nil {
		return nil, err
	}
	return keys, nil
}

func (s *Store) ApplyState(ctx context.Context, account types.AccountID, writes []storage.Write) (err error) {
	if len(writes) == 0 {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	for _, w := range writes {
		if w.Delete {
			_, err = tx.ExecContext(ctx, `
				DELETE FROM gateway_state WHERE account_id = $1 AND key = $2
			`, account.String(), w.Key)
		} else {
			value := w.Value
			if value == nil {
				value = []byte{}
			}
			_, err = tx.ExecContext(ctx, `
				INSERT INTO gateway_state (account_id, key, value)
				VALUES ($1, $2, $3)
				ON CONFLICT (account_id, key) DO UPDATE SET value = EXCLUDED.value
			`, account.String(), w.Key, value)
		}
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// --- AccountStore -----------------------------------------------------------

type accountRow struct {
	AccountID  string    `db:"account_id"`
	Balance    string    `db:"balance"`
	Code       []byte    `db:"code"`
	AccessKeys []byte    `db:"access_keys"`
	Contract   string    `db:"contract"`
	UpdatedAt  time.Time `db:"updated_at"`
}

func (r accountRow) record() (storage.AccountRecord, error) {
	balance, err := types.ParseU128(r.Balance)
	if err != nil {
		return storage.AccountRecord{}, fmt.Errorf("account %s balance: %w", r.AccountID, err)
	}
	var keys []string
	if len(r.AccessKeys) > 0 {
		if err := json.Unmarshal(r.AccessKeys, &keys); err != nil {
			return storage.AccountRecord{}, fmt.Errorf("account %s access keys: %w", r.AccountID, err)
		}
	}
	return storage.AccountRecord{
		ID:         types.AccountID(r.AccountID),
		Balance:    balance,
		Code:       r.Code,
		AccessKeys: keys,
		Contract:   r.Contract,
		UpdatedAt:  r.UpdatedAt,
	}, nil
}

func (s *Store) SaveAccount(ctx context.Context, rec storage.AccountRecord) error {
	if err := rec.ID.Validate(); err != nil {
		return err
	}
	keys := rec.AccessKeys
	if keys == nil {
		keys = []string{}
	}
	keysJSON, err := json.Marshal(keys)
	if err != nil {
		return err
	}
	var code interface{}
	if len(rec.Code) > 0 {
		code = rec.Code
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO gateway_accounts (account_id, balance, code, access_keys, contract, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (account_id) DO UPDATE
		SET balance = EXCLUDED.balance, code = EXCLUDED.code, access_keys = EXCLUDED.access_keys,
		    contract = EXCLUDED.contract, updated_at = EXCLUDED.updated_at
	`, rec.ID.String(), rec.Balance.String(), code, keysJSON, rec.Contract, time.Now().UTC())
	return err
}

func (s *Store) GetAccount(ctx context.Context, id types.AccountID) (storage.AccountRecord, error) {
	var row accountRow
	err := s.db.GetContext(ctx, &row, `
		SELECT account_id, balance::text AS balance, code, access_keys, contract, updated_at
		FROM gateway_accounts
		WHERE account_id = $1
	`, id.String())
	if errors.Is(err, sql.ErrNoRows) {
		return storage.AccountRecord{}, fmt.Errorf("account %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return storage.AccountRecord{}, err
	}
	return row.record()
}

func (s *Store) ListAccounts(ctx context.Context) ([]storage.AccountRecord, error) {
	var rows []accountRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT account_id, balance::text AS balance, code, access_keys, contract, updated_at
		FROM gateway_accounts
		ORDER BY account_id
	`)
	if err != nil {
		return nil, err
	}

	out := make([]storage.AccountRecord, 0, len(rows))
	for _, row := range rows {
		rec, err := row.record()
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
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO gateway_events (id, receipt_id, event, request_id, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, rec.ID, rec.ReceiptID, rec.Event, rec.RequestID, []byte(rec.Payload), rec.CreatedAt)
	if err != nil {
		return storage.EventRecord{}, err
	}
	return rec, nil
}

func (s *Store) ListEvents(ctx context.Context, requestID string, limit int) ([]storage.EventRecord, error) {
	query := `
		SELECT id, receipt_id, event, request_id, payload, created_at
		FROM gateway_events
		WHERE ($1 = '' OR request_id = $1)
		ORDER BY created_at DESC`
	args := []interface{}{requestID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	var rows []storage.EventRecord
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
		rows[i], rows[j] = rows[j], rows[i]
	}
	return rows, nil
}
