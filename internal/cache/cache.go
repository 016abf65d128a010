// Package cache is the durable local store for observed records. It owns
// three independent keyed tables (messages, chats, users) with
// insert-or-overwrite semantics, plus a small state table for the persisted
// user identifier. Records that arrive without a usable id are skipped at
// this boundary, never stored.
package cache

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO)

	"github.com/fanrelay/fanrelay/internal/logging"
	"github.com/fanrelay/fanrelay/internal/normalize"
)

// Table names the three record tables.
type Table string

const (
	TableMessages Table = "messages"
	TableChats    Table = "chats"
	TableUsers    Table = "users"
)

// schemaVersion is bumped when the table layout changes; future migrations
// dispatch on the stored user_version.
const schemaVersion = 1

// Store wraps the SQLite database.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the cache database at path.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create cache directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open cache database: %w", err)
	}

	// SQLite does not handle concurrent writers well; serialize all access
	// through a single connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping cache database: %w", err)
	}

	s := &Store{db: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) ensureSchema() error {
	for _, table := range []Table{TableMessages, TableChats, TableUsers} {
		stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			record TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		)`, table)
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("create table %s: %w", table, err)
		}
	}
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS state (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`); err != nil {
		return fmt.Errorf("create state table: %w", err)
	}

	var version int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version < schemaVersion {
		if _, err := s.db.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
			return fmt.Errorf("set schema version: %w", err)
		}
	}
	return nil
}

// UpsertOne writes one record, replacing any previous record with the same
// id wholesale. Records without a usable id are skipped with a log; write
// failures log and are swallowed so one bad record never stalls the caller.
func (s *Store) UpsertOne(table Table, rec normalize.Record) {
	if !normalize.ValidID(rec) {
		logging.Warnf("[Cache] Skipping %s record without usable id", table)
		return
	}
	if err := s.put(table, rec); err != nil {
		logging.Errorf("[Cache] Put failed in %s: %v", table, err)
	}
}

// UpsertMany writes a batch in input order, skipping invalid records.
func (s *Store) UpsertMany(table Table, recs []normalize.Record) {
	if len(recs) == 0 {
		return
	}
	tx, err := s.db.Begin()
	if err != nil {
		logging.Errorf("[Cache] Begin batch in %s: %v", table, err)
		return
	}
	for _, rec := range recs {
		if !normalize.ValidID(rec) {
			logging.Warnf("[Cache] Skipping %s record without usable id", table)
			continue
		}
		raw, err := json.Marshal(rec)
		if err != nil {
			logging.Errorf("[Cache] Marshal %s record: %v", table, err)
			continue
		}
		if _, err := tx.Exec(
			fmt.Sprintf("INSERT INTO %s (id, record, updated_at) VALUES (?, ?, ?) ON CONFLICT(id) DO UPDATE SET record = excluded.record, updated_at = excluded.updated_at", table),
			IDString(rec["id"]), string(raw), time.Now().Unix(),
		); err != nil {
			logging.Errorf("[Cache] Batch put in %s: %v", table, err)
		}
	}
	if err := tx.Commit(); err != nil {
		logging.Errorf("[Cache] Commit batch in %s: %v", table, err)
	}
}

func (s *Store) put(table Table, rec normalize.Record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	_, err = s.db.Exec(
		fmt.Sprintf("INSERT INTO %s (id, record, updated_at) VALUES (?, ?, ?) ON CONFLICT(id) DO UPDATE SET record = excluded.record, updated_at = excluded.updated_at", table),
		IDString(rec["id"]), string(raw), time.Now().Unix(),
	)
	return err
}

// Get returns the record with the given id, or ok=false if absent.
func (s *Store) Get(table Table, id any) (normalize.Record, bool, error) {
	var raw string
	err := s.db.QueryRow(
		fmt.Sprintf("SELECT record FROM %s WHERE id = ?", table),
		IDString(id),
	).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get from %s: %w", table, err)
	}
	var rec normalize.Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, false, fmt.Errorf("decode %s record: %w", table, err)
	}
	return rec, true, nil
}

// GetAll returns every record in the table, oldest write first.
func (s *Store) GetAll(table Table) ([]normalize.Record, error) {
	rows, err := s.db.Query(fmt.Sprintf("SELECT record FROM %s ORDER BY updated_at ASC, id ASC", table))
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", table, err)
	}
	defer rows.Close()

	var out []normalize.Record
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var rec normalize.Record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			logging.Warnf("[Cache] Undecodable %s record skipped: %v", table, err)
			continue
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Count returns the number of records in the table.
func (s *Store) Count(table Table) (int, error) {
	var n int
	err := s.db.QueryRow(fmt.Sprintf("SELECT COUNT(*) FROM %s", table)).Scan(&n)
	return n, err
}

// State reads a persisted state value; empty string if unset.
func (s *Store) State(key string) (string, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM state WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read state %s: %w", key, err)
	}
	return value, nil
}

// SetState persists a state value.
func (s *Store) SetState(key, value string) error {
	_, err := s.db.Exec(
		"INSERT INTO state (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
		key, value,
	)
	if err != nil {
		return fmt.Errorf("write state %s: %w", key, err)
	}
	return nil
}

// IDString renders any usable id value in its canonical key form. Whole
// numbers render without a fraction so "123" and 123 collide as intended.
func IDString(id any) string {
	switch v := id.(type) {
	case string:
		return v
	case float64:
		if v == float64(int64(v)) {
			return strconv.FormatInt(int64(v), 10)
		}
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	default:
		return fmt.Sprintf("%v", v)
	}
}
