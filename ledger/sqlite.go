package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"

	v402 "github.com/Dream-Voyage/v402-sub000"
)

// SQLiteStore persists payment records in sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a ledger on an open database handle and ensures the
// schema exists.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.init(); err != nil {
		return nil, err
	}
	return s, nil
}

// OpenSQLiteStore opens (or creates) a sqlite database at path and returns a
// ledger backed by it.
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
	queries := []string{
		`CREATE TABLE IF NOT EXISTS payments (
			id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			scheme TEXT NOT NULL,
			network TEXT NOT NULL,
			payer TEXT NOT NULL,
			pay_to TEXT NOT NULL,
			asset TEXT NOT NULL,
			amount TEXT NOT NULL,
			nonce TEXT NOT NULL,
			transaction_ref TEXT NOT NULL DEFAULT '',
			confirmations INTEGER NOT NULL DEFAULT 0,
			failure_reason TEXT NOT NULL DEFAULT '',
			attempts INTEGER NOT NULL DEFAULT 0,
			deadline INTEGER NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			requirement_json TEXT NOT NULL,
			payload_json TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_payments_status ON payments(status)`,
		`CREATE INDEX IF NOT EXISTS idx_payments_deadline ON payments(deadline)`,
	}
	for _, q := range queries {
		if _, err := s.db.Exec(q); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Create implements Store.
func (s *SQLiteStore) Create(ctx context.Context, rec *Record) error {
	reqJSON, err := json.Marshal(rec.Requirement)
	if err != nil {
		return fmt.Errorf("marshal requirement: %w", err)
	}
	payloadJSON, err := json.Marshal(rec.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `INSERT INTO payments
		(id, status, scheme, network, payer, pay_to, asset, amount, nonce,
		 transaction_ref, confirmations, failure_reason, attempts,
		 deadline, created_at, updated_at, requirement_json, payload_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Status, rec.Scheme, rec.Network, rec.Payer, rec.PayTo,
		rec.Asset, rec.Amount, rec.Nonce, rec.TransactionRef, rec.Confirmations,
		rec.FailureReason, rec.Attempts, rec.Deadline.Unix(),
		rec.CreatedAt.Unix(), rec.UpdatedAt.Unix(), string(reqJSON), string(payloadJSON))
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
			return ErrAlreadyExists
		}
		return err
	}
	return nil
}

const recordColumns = `id, status, scheme, network, payer, pay_to, asset, amount, nonce,
	transaction_ref, confirmations, failure_reason, attempts,
	deadline, created_at, updated_at, requirement_json, payload_json`

func scanRecord(scan func(dest ...interface{}) error) (*Record, error) {
	var rec Record
	var deadline, createdAt, updatedAt int64
	var reqJSON, payloadJSON string

	err := scan(&rec.ID, &rec.Status, &rec.Scheme, &rec.Network, &rec.Payer,
		&rec.PayTo, &rec.Asset, &rec.Amount, &rec.Nonce, &rec.TransactionRef,
		&rec.Confirmations, &rec.FailureReason, &rec.Attempts,
		&deadline, &createdAt, &updatedAt, &reqJSON, &payloadJSON)
	if err != nil {
		return nil, err
	}

	rec.Deadline = time.Unix(deadline, 0)
	rec.CreatedAt = time.Unix(createdAt, 0)
	rec.UpdatedAt = time.Unix(updatedAt, 0)
	if err := json.Unmarshal([]byte(reqJSON), &rec.Requirement); err != nil {
		return nil, fmt.Errorf("unmarshal requirement: %w", err)
	}
	if err := json.Unmarshal([]byte(payloadJSON), &rec.Payload); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}
	return &rec, nil
}

// Get implements Store.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM payments WHERE id = ?`, id)
	rec, err := scanRecord(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, v402.ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *SQLiteStore) transition(ctx context.Context, query string, args ...interface{}) (bool, error) {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// SetVerified implements Store.
func (s *SQLiteStore) SetVerified(ctx context.Context, id string) (bool, error) {
	return s.transition(ctx, `UPDATE payments
		SET status = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		StatusVerified, time.Now().Unix(), id, StatusRequested)
}

// SetReserved implements Store.
func (s *SQLiteStore) SetReserved(ctx context.Context, id string) (bool, error) {
	return s.transition(ctx, `UPDATE payments
		SET status = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		StatusReserved, time.Now().Unix(), id, StatusVerified)
}

// SetSubmitting implements Store.
func (s *SQLiteStore) SetSubmitting(ctx context.Context, id, txRef string, attempts int) (bool, error) {
	return s.transition(ctx, `UPDATE payments
		SET status = ?, transaction_ref = ?, attempts = ?, updated_at = ?
		WHERE id = ? AND status IN (?, ?)`,
		StatusSubmitting, txRef, attempts, time.Now().Unix(),
		id, StatusReserved, StatusSubmitting)
}

// SetSubmitted implements Store.
func (s *SQLiteStore) SetSubmitted(ctx context.Context, id string, attempts int) (bool, error) {
	return s.transition(ctx, `UPDATE payments
		SET status = ?, attempts = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		StatusSubmitted, attempts, time.Now().Unix(), id, StatusSubmitting)
}

// SetConfirming implements Store.
func (s *SQLiteStore) SetConfirming(ctx context.Context, id string, confirmations uint64) (bool, error) {
	return s.transition(ctx, `UPDATE payments
		SET status = ?, confirmations = ?, updated_at = ?
		WHERE id = ? AND status IN (?, ?)`,
		StatusConfirming, confirmations, time.Now().Unix(),
		id, StatusSubmitted, StatusConfirming)
}

// SetSettled implements Store.
func (s *SQLiteStore) SetSettled(ctx context.Context, id string, confirmations uint64) (bool, error) {
	return s.transition(ctx, `UPDATE payments
		SET status = ?, confirmations = ?, failure_reason = '', updated_at = ?
		WHERE id = ? AND status IN (?, ?, ?)`,
		StatusSettled, confirmations, time.Now().Unix(),
		id, StatusSubmitted, StatusConfirming, StatusSettlementTimeout)
}

// Fail implements Store.
func (s *SQLiteStore) Fail(ctx context.Context, id string, status Status, reason v402.Reason) (bool, error) {
	return s.transition(ctx, `UPDATE payments
		SET status = ?, failure_reason = ?, updated_at = ?
		WHERE id = ? AND status NOT IN (?, ?, ?, ?, ?)`,
		status, reason, time.Now().Unix(), id,
		StatusSettled, StatusRejected, StatusSubmissionFailed, StatusExpired, StatusSettlementTimeout)
}

// Reopen implements Store.
func (s *SQLiteStore) Reopen(ctx context.Context, id string, deadline time.Time) (bool, error) {
	return s.transition(ctx, `UPDATE payments
		SET status = ?, failure_reason = '', attempts = 0, deadline = ?, updated_at = ?
		WHERE id = ? AND (status = ? OR (status = ? AND transaction_ref = ''))`,
		StatusRequested, deadline.Unix(), time.Now().Unix(), id,
		StatusRejected, StatusSubmissionFailed)
}

// ListByStatus implements Store.
func (s *SQLiteStore) ListByStatus(ctx context.Context, statuses ...Status) ([]*Record, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	query := `SELECT ` + recordColumns + ` FROM payments WHERE status IN (?`
	args := []interface{}{statuses[0]}
	for _, st := range statuses[1:] {
		query += ", ?"
		args = append(args, st)
	}
	query += `) ORDER BY created_at`

	return s.queryRecords(ctx, query, args...)
}

// ListExpired implements Store.
func (s *SQLiteStore) ListExpired(ctx context.Context, now time.Time) ([]*Record, error) {
	return s.queryRecords(ctx, `SELECT `+recordColumns+` FROM payments
		WHERE status IN (?, ?, ?) AND deadline < ? ORDER BY deadline`,
		StatusSubmitting, StatusSubmitted, StatusConfirming, now.Unix())
}

func (s *SQLiteStore) queryRecords(ctx context.Context, query string, args ...interface{}) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		rec, err := scanRecord(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
