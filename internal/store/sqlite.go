package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"
	"xmrgate/internal/invoice"
	"xmrgate/internal/logging"
)

const cursorKey = "scan_cursor"

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite-backed store.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dsn := dbPath
	if dbPath != ":memory:" {
		dsn = fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=FULL&_busy_timeout=5000", dbPath)
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	// One connection serializes writers and keeps :memory: databases alive.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	logging.Store.WithField("path", dbPath).Debug("sqlite store opened")
	return &SQLiteStore{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS invoices (
			major INTEGER NOT NULL,
			minor INTEGER NOT NULL,
			unique_id TEXT NOT NULL,
			state TEXT NOT NULL,
			data BLOB NOT NULL,
			created_at DATETIME NOT NULL,
			PRIMARY KEY (major, minor)
		);
		CREATE INDEX IF NOT EXISTS invoices_state ON invoices (state);
		CREATE TABLE IF NOT EXISTS block_hashes (
			height INTEGER PRIMARY KEY,
			hash TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS minor_counters (
			major INTEGER PRIMARY KEY,
			next INTEGER NOT NULL
		)
	`)
	return err
}

func decodeInvoice(data []byte) (*invoice.Invoice, error) {
	var inv invoice.Invoice
	if err := json.Unmarshal(data, &inv); err != nil {
		return nil, fmt.Errorf("decode invoice: %w", err)
	}
	return &inv, nil
}

func isUniqueViolation(err error) bool {
	var serr sqlite3.Error
	return errors.As(err, &serr) && serr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}

func (s *SQLiteStore) Insert(ctx context.Context, inv *invoice.Invoice) error {
	data, err := json.Marshal(inv)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO invoices (major, minor, unique_id, state, data, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, inv.ID.Index.Major, inv.ID.Index.Minor, inv.ID.UniqueID, inv.State.String(), data, inv.CreatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicateIndex
	}
	return err
}

func (s *SQLiteStore) GetByIndex(ctx context.Context, idx invoice.SubIndex) (*invoice.Invoice, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT data FROM invoices WHERE major = ? AND minor = ?
	`, idx.Major, idx.Minor)

	var data []byte
	err := row.Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeInvoice(data)
}

func (s *SQLiteStore) Get(ctx context.Context, id invoice.ID) (*invoice.Invoice, error) {
	inv, err := s.GetByIndex(ctx, id.Index)
	if err != nil {
		return nil, err
	}
	if inv.ID != id {
		return nil, ErrNotFound
	}
	return inv, nil
}

func (s *SQLiteStore) Remove(ctx context.Context, id invoice.ID) (*invoice.Invoice, error) {
	inv, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM invoices WHERE major = ? AND minor = ? AND unique_id = ?
	`, id.Index.Major, id.Index.Minor, id.UniqueID)
	if err != nil {
		return nil, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		return nil, ErrNotFound
	}
	return inv, nil
}

func (s *SQLiteStore) list(ctx context.Context, query string, args ...any) ([]*invoice.Invoice, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var invoices []*invoice.Invoice
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		inv, err := decodeInvoice(data)
		if err != nil {
			return nil, err
		}
		invoices = append(invoices, inv)
	}
	return invoices, rows.Err()
}

func (s *SQLiteStore) List(ctx context.Context) ([]*invoice.Invoice, error) {
	return s.list(ctx, `SELECT data FROM invoices ORDER BY major, minor`)
}

func (s *SQLiteStore) ListActive(ctx context.Context) ([]*invoice.Invoice, error) {
	return s.list(ctx, `
		SELECT data FROM invoices WHERE state NOT IN (?, ?) ORDER BY major, minor
	`, invoice.Confirmed.String(), invoice.Expired.String())
}

func (s *SQLiteStore) NextMinor(ctx context.Context, major uint32) (uint32, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var next int64 = 1
	err = tx.QueryRowContext(ctx, `SELECT next FROM minor_counters WHERE major = ?`, major).Scan(&next)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, err
	}
	if next > int64(^uint32(0)) {
		return 0, fmt.Errorf("subaddress indices exhausted for account %d", major)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO minor_counters (major, next) VALUES (?, ?)
		ON CONFLICT (major) DO UPDATE SET next = excluded.next
	`, major, next+1); err != nil {
		return 0, err
	}
	return uint32(next), tx.Commit()
}

func (s *SQLiteStore) Cursor(ctx context.Context) (Cursor, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, cursorKey).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return Cursor{}, ErrNotFound
	}
	if err != nil {
		return Cursor{}, err
	}
	var c Cursor
	if err := json.Unmarshal([]byte(value), &c); err != nil {
		return Cursor{}, fmt.Errorf("decode cursor: %w", err)
	}
	return c, nil
}

func (s *SQLiteStore) RecentHashes(ctx context.Context) (map[uint64]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT height, hash FROM block_hashes`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	hashes := make(map[uint64]string)
	for rows.Next() {
		var height int64
		var hash string
		if err := rows.Scan(&height, &hash); err != nil {
			return nil, err
		}
		hashes[uint64(height)] = hash
	}
	return hashes, rows.Err()
}

func (s *SQLiteStore) Flush(ctx context.Context, b Batch) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, inv := range b.Invoices {
		data, err := json.Marshal(inv)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE invoices SET state = ?, data = ?
			WHERE major = ? AND minor = ? AND unique_id = ?
		`, inv.State.String(), data, inv.ID.Index.Major, inv.ID.Index.Minor, inv.ID.UniqueID); err != nil {
			return fmt.Errorf("update invoice %s: %w", inv.ID, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM block_hashes WHERE height > ?`, int64(b.Cursor.Height)); err != nil {
		return err
	}
	for height, hash := range b.Hashes {
		if height > b.Cursor.Height {
			continue
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO block_hashes (height, hash) VALUES (?, ?)
			ON CONFLICT (height) DO UPDATE SET hash = excluded.hash
		`, int64(height), hash); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM block_hashes WHERE height < ?`, int64(b.PruneBelow)); err != nil {
		return err
	}

	cursor, err := json.Marshal(b.Cursor)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO meta (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value
	`, cursorKey, string(cursor)); err != nil {
		return err
	}

	return tx.Commit()
}

func (s *SQLiteStore) Stats(ctx context.Context) (*Stats, error) {
	invoices, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	cursor, err := s.Cursor(ctx)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	return computeStats(invoices, cursor), nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
