// Package sqlite persists account trust snapshots, accepted-circle history,
// relay heads and circle blobs in a single SQLite database.
package sqlite

import (
	"bytes"
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ipfs/go-cid"
	_ "modernc.org/sqlite"

	"xdao.co/sos/cidutil"
	"xdao.co/sos/storage"
)

//go:embed schema.sql
var schemaSQL string

var (
	_ storage.StateStore = (*Store)(nil)
	_ storage.HeadStore  = (*Store)(nil)
	_ storage.CAS        = (*Store)(nil)
)

type Store struct {
	db     *sql.DB
	dbPath string
}

// Open opens (creating if needed) the database at dbPath.
func Open(dbPath string) (*Store, error) {
	if dbPath == "" {
		return nil, errors.New("sqlite: database path is required")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}
	db, err := sql.Open("sqlite", dbPath+
		"?_pragma=journal_mode(WAL)"+
		"&_pragma=foreign_keys(ON)"+
		"&_pragma=busy_timeout(5000)"+
		"&_pragma=synchronous(NORMAL)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite serializes writers anyway.
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return &Store{db: db, dbPath: dbPath}, nil
}

func (s *Store) Close() error   { return s.db.Close() }
func (s *Store) DBPath() string { return s.dbPath }

// SaveAccount replaces the stored snapshot for snap.Circle.
func (s *Store) SaveAccount(ctx context.Context, snap storage.AccountSnapshot) error {
	if snap.Circle == "" {
		return errors.New("sqlite: snapshot without circle name")
	}
	updated := snap.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO accounts (circle, peer_record, trusted_circle, last_produced, departure, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(circle) DO UPDATE SET
		   peer_record = excluded.peer_record,
		   trusted_circle = excluded.trusted_circle,
		   last_produced = excluded.last_produced,
		   departure = excluded.departure,
		   updated_at = excluded.updated_at`,
		snap.Circle, nullable(snap.PeerRecord), nullable(snap.TrustedCircle), nullable(snap.LastProduced),
		snap.Departure, updated.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("save account: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM retirees WHERE circle = ?`, snap.Circle); err != nil {
		return err
	}
	for i, rec := range snap.Retirees {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO retirees (circle, seq, record) VALUES (?, ?, ?)`,
			snap.Circle, i, rec); err != nil {
			return fmt.Errorf("save retiree: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM expansion WHERE circle = ?`, snap.Circle); err != nil {
		return err
	}
	for k, v := range snap.Expansion {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO expansion (circle, key, value) VALUES (?, ?, ?)`,
			snap.Circle, k, v); err != nil {
			return fmt.Errorf("save expansion: %w", err)
		}
	}
	return tx.Commit()
}

// LoadAccount returns storage.ErrNotFound if no snapshot exists.
func (s *Store) LoadAccount(ctx context.Context, circle string) (*storage.AccountSnapshot, error) {
	snap := storage.AccountSnapshot{Circle: circle}
	var updated string
	err := s.db.QueryRowContext(ctx,
		`SELECT peer_record, trusted_circle, last_produced, departure, updated_at
		 FROM accounts WHERE circle = ?`, circle).
		Scan(&snap.PeerRecord, &snap.TrustedCircle, &snap.LastProduced, &snap.Departure, &updated)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if snap.UpdatedAt, err = time.Parse(time.RFC3339Nano, updated); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT record FROM retirees WHERE circle = ? ORDER BY seq`, circle)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var rec []byte
		if err := rows.Scan(&rec); err != nil {
			return nil, err
		}
		snap.Retirees = append(snap.Retirees, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	exp, err := s.db.QueryContext(ctx,
		`SELECT key, value FROM expansion WHERE circle = ?`, circle)
	if err != nil {
		return nil, err
	}
	defer exp.Close()
	for exp.Next() {
		var k string
		var v []byte
		if err := exp.Scan(&k, &v); err != nil {
			return nil, err
		}
		if snap.Expansion == nil {
			snap.Expansion = map[string][]byte{}
		}
		snap.Expansion[k] = v
	}
	return &snap, exp.Err()
}

// AppendHistory adds e after the last recorded entry for circle.
func (s *Store) AppendHistory(ctx context.Context, circle string, e storage.HistoryEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO history (circle, seq, generation, cid, accepted_at)
		 VALUES (?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM history WHERE circle = ?), ?, ?, ?)`,
		circle, circle, e.Generation, e.CID, e.AcceptedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	return nil
}

// History lists accepted circles, oldest first.
func (s *Store) History(ctx context.Context, circle string) ([]storage.HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT generation, cid, accepted_at FROM history WHERE circle = ? ORDER BY seq`, circle)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []storage.HistoryEntry
	for rows.Next() {
		var e storage.HistoryEntry
		var at string
		if err := rows.Scan(&e.Generation, &e.CID, &at); err != nil {
			return nil, err
		}
		if e.AcceptedAt, err = time.Parse(time.RFC3339Nano, at); err != nil {
			return nil, fmt.Errorf("parse accepted_at: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) SetHead(ctx context.Context, circle, id string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO heads (circle, cid, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(circle) DO UPDATE SET cid = excluded.cid, updated_at = excluded.updated_at`,
		circle, id, time.Now().UTC().Format(time.RFC3339Nano))
	return err
}

func (s *Store) Head(ctx context.Context, circle string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `SELECT cid FROM heads WHERE circle = ?`, circle).Scan(&id)
	if err == sql.ErrNoRows {
		return "", storage.ErrNotFound
	}
	return id, err
}

// Put stores data under its CID. Existing objects must match byte for byte.
func (s *Store) Put(data []byte) (cid.Cid, error) {
	id, err := cidutil.Sum(data)
	if err != nil {
		return cid.Undef, err
	}
	if _, err := s.db.Exec(`INSERT OR IGNORE INTO blobs (cid, data) VALUES (?, ?)`, id.String(), data); err != nil {
		return cid.Undef, err
	}
	existing, err := s.Get(id)
	if err != nil {
		return cid.Undef, storage.ErrImmutable
	}
	if !bytes.Equal(existing, data) {
		return cid.Undef, storage.ErrImmutable
	}
	return id, nil
}

func (s *Store) Get(id cid.Cid) ([]byte, error) {
	if !id.Defined() {
		return nil, storage.ErrInvalidCID
	}
	var data []byte
	err := s.db.QueryRow(`SELECT data FROM blobs WHERE cid = ?`, id.String()).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if !cidutil.Matches(id, data) {
		return nil, storage.ErrCIDMismatch
	}
	return data, nil
}

func (s *Store) Has(id cid.Cid) bool {
	if !id.Defined() {
		return false
	}
	var n int
	err := s.db.QueryRow(`SELECT COUNT(1) FROM blobs WHERE cid = ?`, id.String()).Scan(&n)
	return err == nil && n > 0
}

func nullable(b []byte) any {
	if b == nil {
		return nil
	}
	return b
}
