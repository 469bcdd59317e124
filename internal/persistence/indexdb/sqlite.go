// Package indexdb maintains an optional SQLite read model of a run:
// lifecycle transitions, received items, location checks and error
// broadcasts. It never feeds back into the coordinator; operators query it
// out of band.
package indexdb

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"
)

type SQLiteIndex struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool
}

type reqKind int

const (
	reqTransition reqKind = iota + 1
	reqItem
	reqCheck
	reqError
)

type req struct {
	kind reqKind

	at         string
	fromState  string
	toState    string
	message    string
	itemID     int64
	itemName   string
	sender     string
	modID      string
	locationID int64
	code       string
	details    string
}

func OpenSQLite(path string) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db: db,
		ch: make(chan req, 4096),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	// WAL suits the append-only workload; NORMAL is enough durability for a
	// secondary index.
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS transitions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			at TEXT NOT NULL,
			from_state TEXT NOT NULL,
			to_state TEXT NOT NULL,
			message TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS items (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			at TEXT NOT NULL,
			item_id INTEGER NOT NULL,
			item_name TEXT,
			sender TEXT,
			mod_id TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_items_item_id ON items(item_id);`,
		`CREATE TABLE IF NOT EXISTS checks (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			at TEXT NOT NULL,
			location_id INTEGER NOT NULL,
			mod_id TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_checks_location_id ON checks(location_id);`,
		`CREATE TABLE IF NOT EXISTS errors (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			at TEXT NOT NULL,
			code TEXT NOT NULL,
			message TEXT,
			details TEXT
		);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

func (s *SQLiteIndex) loop() {
	for r := range s.ch {
		switch r.kind {
		case reqTransition:
			_, _ = s.db.Exec(
				`INSERT INTO transitions (at, from_state, to_state, message) VALUES (?, ?, ?, ?)`,
				r.at, r.fromState, r.toState, r.message)
		case reqItem:
			_, _ = s.db.Exec(
				`INSERT INTO items (at, item_id, item_name, sender, mod_id) VALUES (?, ?, ?, ?, ?)`,
				r.at, r.itemID, r.itemName, r.sender, r.modID)
		case reqCheck:
			_, _ = s.db.Exec(
				`INSERT INTO checks (at, location_id, mod_id) VALUES (?, ?, ?)`,
				r.at, r.locationID, r.modID)
		case reqError:
			_, _ = s.db.Exec(
				`INSERT INTO errors (at, code, message, details) VALUES (?, ?, ?, ?)`,
				r.at, r.code, r.message, r.details)
		}
	}
}

func (s *SQLiteIndex) enqueue(r req) {
	if s.closed.Load() {
		return
	}
	r.at = time.Now().UTC().Format(time.RFC3339)
	select {
	case s.ch <- r:
	default:
		// Saturated: the index is best-effort, drop rather than stall.
	}
}

func (s *SQLiteIndex) RecordTransition(from, to, message string) {
	s.enqueue(req{kind: reqTransition, fromState: from, toState: to, message: message})
}

func (s *SQLiteIndex) RecordItem(itemID int64, itemName, sender, modID string) {
	s.enqueue(req{kind: reqItem, itemID: itemID, itemName: itemName, sender: sender, modID: modID})
}

func (s *SQLiteIndex) RecordCheck(locationID int64, modID string) {
	s.enqueue(req{kind: reqCheck, locationID: locationID, modID: modID})
}

func (s *SQLiteIndex) RecordError(code, message, details string) {
	s.enqueue(req{kind: reqError, code: code, message: message, details: details})
}

// CountItems reports rows in the items table (tests and admin queries).
func (s *SQLiteIndex) CountItems() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM items`).Scan(&n)
	return n, err
}

// CountTransitions reports rows in the transitions table.
func (s *SQLiteIndex) CountTransitions() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM transitions`).Scan(&n)
	return n, err
}
