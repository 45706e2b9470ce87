package nonce

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/mattn/go-sqlite3"
)

// SQLiteStore persists reservations in sqlite. The composite primary key makes
// Reserve a single atomic INSERT: a duplicate key fails the unique constraint
// rather than overwriting.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a reservation store on an open database handle and
// ensures the schema exists. The handle is shared with the ledger when both
// live in the same database file.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.init(); err != nil {
		return nil, err
	}
	return s, nil
}

// OpenSQLiteStore opens (or creates) a sqlite database at path and returns a
// reservation store backed by it.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}
	s, err := NewSQLiteStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) init() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS nonce_reservations (
		payer TEXT NOT NULL,
		network TEXT NOT NULL,
		nonce TEXT NOT NULL,
		reserved_at INTEGER NOT NULL,
		PRIMARY KEY (payer, network, nonce)
	)`)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Reserve implements Store.
func (s *SQLiteStore) Reserve(ctx context.Context, payer, network, nonce string, now time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO nonce_reservations (payer, network, nonce, reserved_at) VALUES (?, ?, ?, ?)`,
		payer, network, nonce, now.Unix())
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
			return ErrAlreadyReserved
		}
		return err
	}
	return nil
}

// IsReserved implements Store.
func (s *SQLiteStore) IsReserved(ctx context.Context, payer, network, nonce string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM nonce_reservations WHERE payer = ? AND network = ? AND nonce = ?`,
		payer, network, nonce).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Release implements Store.
func (s *SQLiteStore) Release(ctx context.Context, payer, network, nonce string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM nonce_reservations WHERE payer = ? AND network = ? AND nonce = ?`,
		payer, network, nonce)
	return err
}

// ListStale implements Store.
func (s *SQLiteStore) ListStale(ctx context.Context, before time.Time) ([]Reservation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT payer, network, nonce, reserved_at FROM nonce_reservations WHERE reserved_at < ?`,
		before.Unix())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Reservation
	for rows.Next() {
		var r Reservation
		var reservedAt int64
		if err := rows.Scan(&r.Payer, &r.Network, &r.Nonce, &reservedAt); err != nil {
			return nil, err
		}
		r.ReservedAt = time.Unix(reservedAt, 0)
		out = append(out, r)
	}
	return out, rows.Err()
}
