package storage

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/conorfennell/cardsync/internal/domain"
	_ "modernc.org/sqlite" // Registers the sqlite driver
)

// DB represents a wrapper around the SQL database connection.
type DB struct {
	conn *sql.DB
}

// Open creates a new database connection and ensures the schema is up to date.
func Open(dsn string) (*DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One writer keeps SQLite from returning SQLITE_BUSY under concurrent toggles.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Execute the schema to create tables if they don't exist.
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &DB{conn: db}, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// LoadPending returns every journaled override.
func (db *DB) LoadPending() (map[domain.CardID]bool, error) {
	rows, err := db.conn.Query(`SELECT card_id, active FROM pending_changes`)
	if err != nil {
		return nil, fmt.Errorf("failed to load pending changes: %w", err)
	}
	defer rows.Close()

	pending := make(map[domain.CardID]bool)
	for rows.Next() {
		var id int64
		var active bool
		if err := rows.Scan(&id, &active); err != nil {
			return nil, fmt.Errorf("failed to scan pending change row: %w", err)
		}
		pending[domain.CardID(id)] = active
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate pending changes: %w", err)
	}
	return pending, nil
}

// SavePending records the latest local choice for a card, replacing any
// earlier one.
func (db *DB) SavePending(id domain.CardID, active bool) error {
	_, err := db.conn.Exec(`
		INSERT INTO pending_changes (card_id, active, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(card_id) DO UPDATE SET active = excluded.active, updated_at = excluded.updated_at
	`, int64(id), active, time.Now())
	if err != nil {
		return fmt.Errorf("failed to save pending change for card %d: %w", id, err)
	}
	return nil
}

// DeletePending removes the journaled overrides of the given cards.
func (db *DB) DeletePending(ids []domain.CardID) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`DELETE FROM pending_changes WHERE card_id = ?`)
	if err != nil {
		return fmt.Errorf("failed to prepare delete: %w", err)
	}
	defer stmt.Close()

	for _, id := range ids {
		if _, err := stmt.Exec(int64(id)); err != nil {
			return fmt.Errorf("failed to delete pending change for card %d: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit deleted changes: %w", err)
	}
	return nil
}

// SaveSnapshot replaces the cached snapshot with cards.
func (db *DB) SaveSnapshot(cards []domain.Card) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM cards`); err != nil {
		return fmt.Errorf("failed to clear cached cards: %w", err)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO cards (id, question, answer, active, owner_id, class_id, fetched_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now()
	for _, c := range cards {
		if _, err := stmt.Exec(int64(c.ID), c.Question, c.Answer, c.Active, c.OwnerID, c.ClassID, now); err != nil {
			return fmt.Errorf("failed to cache card %d: %w", c.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot returns the cached snapshot ordered by id, and the time it was
// fetched. The time is zero when nothing is cached.
func (db *DB) LoadSnapshot() ([]domain.Card, time.Time, error) {
	rows, err := db.conn.Query(`
		SELECT id, question, answer, active, owner_id, class_id, fetched_at
		FROM cards ORDER BY id
	`)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("failed to load cached cards: %w", err)
	}
	defer rows.Close()

	var cards []domain.Card
	var fetchedAt time.Time
	for rows.Next() {
		var c domain.Card
		var id int64
		if err := rows.Scan(&id, &c.Question, &c.Answer, &c.Active, &c.OwnerID, &c.ClassID, &fetchedAt); err != nil {
			return nil, time.Time{}, fmt.Errorf("failed to scan card row: %w", err)
		}
		c.ID = domain.CardID(id)
		cards = append(cards, c)
	}
	if err := rows.Err(); err != nil {
		return nil, time.Time{}, fmt.Errorf("failed to iterate cached cards: %w", err)
	}
	return cards, fetchedAt, nil
}
