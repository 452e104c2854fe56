package ledgerbox

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

// StoreManager owns the service's own state database (job records).
// It is separate from the ledger that gets backed up.
type StoreManager struct {
	path string
	mu   sync.RWMutex
	db   *sql.DB
}

func NewStoreManager(path string) (*StoreManager, error) {
	sm := &StoreManager{path: path}
	if err := sm.OpenDB(); err != nil {
		return nil, err
	}
	return sm, nil
}

func (t *StoreManager) OpenDB() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.db != nil {
		return nil
	}
	db, err := sql.Open("sqlite3", t.path)
	if err != nil {
		return fmt.Errorf("failed to open state db: %w", err)
	}
	// a single connection keeps ":memory:" databases coherent
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return fmt.Errorf("failed to open state db: %w", err)
	}
	t.db = db
	return nil
}

func (t *StoreManager) CloseDB() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.db == nil {
		return nil
	}
	err := t.db.Close()
	t.db = nil
	return err
}

func (t *StoreManager) conn() (*sql.DB, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.db == nil {
		return nil, fmt.Errorf("state db is closed")
	}
	return t.db, nil
}

// TypeStore persists values of T as JSON documents keyed by id.
type TypeStore[T any] struct {
	sm    *StoreManager
	Table string
}

func GetTypeStore[T any](sm *StoreManager) (*TypeStore[T], error) {
	var zero T
	name := strings.ToLower(reflect.TypeOf(zero).Name())
	table := fmt.Sprintf("store_%s", name)

	db, err := sm.conn()
	if err != nil {
		return nil, err
	}
	_, err = db.Exec(fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (id TEXT PRIMARY KEY, value TEXT NOT NULL)`, table))
	if err != nil {
		return nil, fmt.Errorf("failed to create table %s: %w", table, err)
	}
	return &TypeStore[T]{sm: sm, Table: table}, nil
}

func (t *TypeStore[T]) Get(id string) (T, error) {
	var v T
	db, err := t.sm.conn()
	if err != nil {
		return v, err
	}
	var raw string
	err = db.QueryRow(fmt.Sprintf("SELECT value FROM %s WHERE id = ?", t.Table), id).Scan(&raw)
	if err != nil {
		return v, err
	}
	err = json.Unmarshal([]byte(raw), &v)
	return v, err
}

func (t *TypeStore[T]) Set(id string, v T) error {
	db, err := t.sm.conn()
	if err != nil {
		return err
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = db.Exec(fmt.Sprintf("INSERT INTO %s (id, value) VALUES (?, ?) ON CONFLICT(id) DO UPDATE SET value = excluded.value", t.Table), id, string(raw))
	return err
}

// Exec runs a query selecting the value column and decodes every row.
func (t *TypeStore[T]) Exec(query string, args ...any) ([]T, error) {
	db, err := t.sm.conn()
	if err != nil {
		return nil, err
	}
	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []T{}
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var v T
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (t *TypeStore[T]) ExecWrite(query string, args ...any) (int64, error) {
	db, err := t.sm.conn()
	if err != nil {
		return 0, err
	}
	res, err := db.Exec(query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
