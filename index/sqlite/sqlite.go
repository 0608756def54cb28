// Package sqlite provides the durable SQLite-backed index.Backend.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/quillmail/histstore/index"
)

const schema = `
CREATE TABLE IF NOT EXISTS history (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	blob_hash TEXT NOT NULL,
	display_name TEXT NOT NULL,
	source_ref TEXT NOT NULL DEFAULT '',
	last_accessed INTEGER NOT NULL,
	subject TEXT NOT NULL DEFAULT '',
	sender_email TEXT NOT NULL DEFAULT '',
	sender_name TEXT NOT NULL DEFAULT '',
	recipient_emails TEXT NOT NULL DEFAULT '',
	recipient_names TEXT NOT NULL DEFAULT '',
	email_date INTEGER NOT NULL DEFAULT 0,
	has_attachments INTEGER NOT NULL DEFAULT 0,
	body_preview TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_history_blob_hash ON history(blob_hash);
CREATE INDEX IF NOT EXISTS idx_history_last_accessed ON history(last_accessed, id);

CREATE TABLE IF NOT EXISTS blobs (
	hash TEXT PRIMARY KEY,
	size_bytes INTEGER NOT NULL,
	ref_count INTEGER NOT NULL
);
`

// effectiveDate is the SQL projection of HistoryRecord.EffectiveDate.
const effectiveDate = `CASE WHEN email_date > 0 THEN email_date ELSE last_accessed END`

const recordColumns = `id, blob_hash, display_name, source_ref, last_accessed,
	subject, sender_email, sender_name, recipient_emails, recipient_names,
	email_date, has_attachments, body_preview`

// Store implements index.Backend on a single SQLite database file.
type Store struct {
	db *sql.DB
}

// Open creates or opens the database at path and ensures the schema
// exists. Pass ":memory:" for a throwaway database.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// modernc's driver serializes writes per connection; a single
	// connection avoids SQLITE_BUSY between the pool's connections.
	db.SetMaxOpenConns(1)
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", p, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Insert(ctx context.Context, rec index.HistoryRecord) (uint64, error) {
	res, err := s.db.ExecContext(ctx, `
INSERT INTO history(
	blob_hash, display_name, source_ref, last_accessed,
	subject, sender_email, sender_name, recipient_emails, recipient_names,
	email_date, has_attachments, body_preview
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.BlobHash, rec.DisplayName, rec.SourceRef, rec.LastAccessed,
		rec.Subject, rec.SenderEmail, rec.SenderName, rec.RecipientEmails, rec.RecipientNames,
		rec.EmailDate, boolToInt(rec.HasAttachments), rec.BodyPreview)
	if err != nil {
		return 0, fmt.Errorf("insert history record: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert history record: %w", err)
	}
	return uint64(id), nil
}

func (s *Store) GetByID(ctx context.Context, id uint64) (index.HistoryRecord, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM history WHERE id = ?`, int64(id))
	return scanRecord(row)
}

func (s *Store) FindByBlobHash(ctx context.Context, hash string) (index.HistoryRecord, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM history WHERE blob_hash = ? ORDER BY id ASC LIMIT 1`, hash)
	return scanRecord(row)
}

func (s *Store) UpdateLastAccessed(ctx context.Context, id uint64, ts int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE history SET last_accessed = ? WHERE id = ?`, ts, int64(id))
	if err != nil {
		return fmt.Errorf("update last_accessed for %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update last_accessed for %d: %w", id, err)
	}
	if n == 0 {
		return index.ErrNotFound
	}
	return nil
}

func (s *Store) DeleteByID(ctx context.Context, id uint64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM history WHERE id = ?`, int64(id))
	if err != nil {
		return false, fmt.Errorf("delete history record %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete history record %d: %w", id, err)
	}
	return n > 0, nil
}

func (s *Store) DeleteAll(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete all: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM history`); err != nil {
		return fmt.Errorf("delete all history records: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM blobs`); err != nil {
		return fmt.Errorf("delete all ledger rows: %w", err)
	}
	return tx.Commit()
}

func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM history`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count history records: %w", err)
	}
	return n, nil
}

func (s *Store) CountByBlobHash(ctx context.Context, hash string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM history WHERE blob_hash = ?`, hash).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count records for blob %s: %w", hash, err)
	}
	return n, nil
}

func (s *Store) OldestByLastAccessed(ctx context.Context) (index.HistoryRecord, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM history ORDER BY last_accessed ASC, id ASC LIMIT 1`)
	return scanRecord(row)
}

func (s *Store) Records(ctx context.Context, q index.Query) ([]index.HistoryRecord, error) {
	where, args := buildWhere(q)
	query := `SELECT ` + recordColumns + ` FROM history` + where + ` ORDER BY ` + orderBy(q.Sort)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query history records: %w", err)
	}
	defer rows.Close()

	out := make([]index.HistoryRecord, 0)
	for rows.Next() {
		rec, err := scanRecordRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) LookupBlob(ctx context.Context, hash string) (index.BlobRecord, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT hash, size_bytes, ref_count FROM blobs WHERE hash = ?`, hash)
	var blob index.BlobRecord
	err := row.Scan(&blob.Hash, &blob.SizeBytes, &blob.RefCount)
	if err == sql.ErrNoRows {
		return index.BlobRecord{}, false, nil
	}
	if err != nil {
		return index.BlobRecord{}, false, fmt.Errorf("lookup blob %s: %w", hash, err)
	}
	return blob, true, nil
}

func (s *Store) CreateBlob(ctx context.Context, hash string, sizeBytes int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO blobs(hash, size_bytes, ref_count) VALUES (?, ?, 1)`, hash, sizeBytes)
	if err != nil {
		return fmt.Errorf("create ledger row for blob %s: %w", hash, err)
	}
	return nil
}

func (s *Store) AddBlobRef(ctx context.Context, hash string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE blobs SET ref_count = ref_count + 1 WHERE hash = ?`, hash)
	if err != nil {
		return fmt.Errorf("increment refcount for blob %s: %w", hash, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("increment refcount for blob %s: %w", hash, err)
	}
	if n == 0 {
		panic(fmt.Sprintf("index: AddBlobRef on unknown blob %s", hash))
	}
	return nil
}

func (s *Store) ReleaseBlobRef(ctx context.Context, hash string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("release blob ref %s: %w", hash, err)
	}
	defer tx.Rollback()

	var refCount int
	err = tx.QueryRowContext(ctx,
		`SELECT ref_count FROM blobs WHERE hash = ?`, hash).Scan(&refCount)
	if err == sql.ErrNoRows || (err == nil && refCount <= 0) {
		panic(fmt.Sprintf("index: ReleaseBlobRef underflow for blob %s", hash))
	}
	if err != nil {
		return 0, fmt.Errorf("release blob ref %s: %w", hash, err)
	}

	refCount--
	if refCount == 0 {
		if _, err := tx.ExecContext(ctx, `DELETE FROM blobs WHERE hash = ?`, hash); err != nil {
			return 0, fmt.Errorf("delete ledger row for blob %s: %w", hash, err)
		}
	} else {
		if _, err := tx.ExecContext(ctx,
			`UPDATE blobs SET ref_count = ? WHERE hash = ?`, refCount, hash); err != nil {
			return 0, fmt.Errorf("decrement refcount for blob %s: %w", hash, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("release blob ref %s: %w", hash, err)
	}
	return refCount, nil
}

func (s *Store) TotalBlobSize(ctx context.Context) (int64, error) {
	var total sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT SUM(size_bytes) FROM blobs`).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum blob sizes: %w", err)
	}
	return total.Int64, nil
}

// buildWhere assembles the WHERE clause for a query. Conditions compose
// by AND; the search string expands to an OR across the searchable
// columns.
func buildWhere(q index.Query) (string, []any) {
	var (
		conds []string
		args  []any
	)

	if search := strings.TrimSpace(q.Search); search != "" {
		pattern := likePattern(search)
		cols := []string{"subject", "sender_email", "sender_name", "recipient_emails", "recipient_names", "body_preview"}
		ors := make([]string, len(cols))
		for i, col := range cols {
			ors[i] = `LOWER(` + col + `) LIKE ? ESCAPE '\'`
			args = append(args, pattern)
		}
		conds = append(conds, "("+strings.Join(ors, " OR ")+")")
	}

	f := q.Filter
	if f.HasAttachments != nil {
		conds = append(conds, `has_attachments = ?`)
		args = append(args, boolToInt(*f.HasAttachments))
	}
	if f.DateFrom != nil {
		conds = append(conds, effectiveDate+` >= ?`)
		args = append(args, *f.DateFrom)
	}
	if f.DateTo != nil {
		conds = append(conds, effectiveDate+` <= ?`)
		args = append(args, *f.DateTo)
	}
	if f.SenderContains != "" {
		pattern := likePattern(f.SenderContains)
		conds = append(conds, `(LOWER(sender_email) LIKE ? ESCAPE '\' OR LOWER(sender_name) LIKE ? ESCAPE '\')`)
		args = append(args, pattern, pattern)
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func orderBy(sort *index.Sort) string {
	if sort == nil {
		return effectiveDate + ` DESC, id DESC`
	}
	dir := "ASC"
	if sort.Direction == index.Descending {
		dir = "DESC"
	}
	switch sort.Field {
	case index.SortBySubject:
		return `LOWER(subject) ` + dir + `, id ASC`
	case index.SortBySender:
		return `LOWER(CASE WHEN sender_name != '' THEN sender_name ELSE sender_email END) ` + dir + `, id ASC`
	default:
		return effectiveDate + ` ` + dir + `, id ASC`
	}
}

// likePattern lowercases the needle and escapes LIKE metacharacters so
// user input always matches literally. SQLite's LOWER() on the column
// side folds ASCII only, so non-ASCII matching is case-sensitive here.
func likePattern(needle string) string {
	escaped := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(strings.ToLower(needle))
	return "%" + escaped + "%"
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row *sql.Row) (index.HistoryRecord, bool, error) {
	rec, err := scanInto(row)
	if err == sql.ErrNoRows {
		return index.HistoryRecord{}, false, nil
	}
	if err != nil {
		return index.HistoryRecord{}, false, fmt.Errorf("scan history record: %w", err)
	}
	return rec, true, nil
}

func scanRecordRow(rows *sql.Rows) (index.HistoryRecord, error) {
	rec, err := scanInto(rows)
	if err != nil {
		return index.HistoryRecord{}, fmt.Errorf("scan history record: %w", err)
	}
	return rec, nil
}

func scanInto(row rowScanner) (index.HistoryRecord, error) {
	var (
		rec            index.HistoryRecord
		id             int64
		hasAttachments int
	)
	err := row.Scan(
		&id, &rec.BlobHash, &rec.DisplayName, &rec.SourceRef, &rec.LastAccessed,
		&rec.Subject, &rec.SenderEmail, &rec.SenderName, &rec.RecipientEmails, &rec.RecipientNames,
		&rec.EmailDate, &hasAttachments, &rec.BodyPreview,
	)
	if err != nil {
		return index.HistoryRecord{}, err
	}
	rec.ID = uint64(id)
	rec.HasAttachments = hasAttachments != 0
	return rec, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
