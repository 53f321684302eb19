// Package database provides SQLite persistence for notes.
package database

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// ErrVersionConflict is returned by Update when the caller's expected
// version does not match the stored row, i.e. a concurrent writer won.
var ErrVersionConflict = errors.New("version conflict")

// ErrNotFound is returned when a note id has no row.
var ErrNotFound = errors.New("note not found")

// Note is the durable record for a single note.
type Note struct {
	ID                string
	Content           string
	CRDTState         []byte
	Syntax            string
	IsEncrypted       bool
	ViewCount         int
	MaxViews          *int
	ExpiresAt         *int64
	LastAccessedAt    int64
	Version           int
	CreatedAt         int64
	UpdatedAt         int64
	LastEditorSession *string
	OTP               *string
}

// Database wraps a SQLite connection holding the note table.
type Database struct {
	db *sql.DB
}

// New opens (and migrates) the SQLite database at uri.
func New(uri string) (*Database, error) {
	db, err := sql.Open("sqlite3", uri)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1) // sqlite3 driver is not safe for concurrent writers

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return &Database{db: db}, nil
}

// Close closes the underlying connection.
func (d *Database) Close() error {
	return d.db.Close()
}

func scanNote(row interface{ Scan(...any) error }) (*Note, error) {
	var n Note
	var maxViews sql.NullInt64
	var expiresAt sql.NullInt64
	var lastEditor sql.NullString
	var otp sql.NullString
	var isEncrypted int

	err := row.Scan(
		&n.ID, &n.Content, &n.CRDTState, &n.Syntax, &isEncrypted,
		&n.ViewCount, &maxViews, &expiresAt, &n.LastAccessedAt,
		&n.Version, &n.CreatedAt, &n.UpdatedAt, &lastEditor, &otp,
	)
	if err != nil {
		return nil, err
	}
	n.IsEncrypted = isEncrypted != 0
	if maxViews.Valid {
		v := int(maxViews.Int64)
		n.MaxViews = &v
	}
	if expiresAt.Valid {
		v := expiresAt.Int64
		n.ExpiresAt = &v
	}
	if lastEditor.Valid {
		n.LastEditorSession = &lastEditor.String
	}
	if otp.Valid {
		n.OTP = &otp.String
	}
	return &n, nil
}

const selectColumns = `id, content, crdt_state, syntax, is_encrypted, view_count, max_views, expires_at, last_accessed_at, version, created_at, updated_at, last_editor_session, otp`

// Get loads a note by id. Returns ErrNotFound if it does not exist.
func (d *Database) Get(id string) (*Note, error) {
	row := d.db.QueryRow("SELECT "+selectColumns+" FROM note WHERE id = ?", id)
	n, err := scanNote(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query note: %w", err)
	}
	return n, nil
}

// Exists reports whether a note id is already taken, for idgen's collision check.
func (d *Database) Exists(id string) (bool, error) {
	var one int
	err := d.db.QueryRow("SELECT 1 FROM note WHERE id = ?", id).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("exists: %w", err)
	}
	return true, nil
}

// Create inserts a brand new note. now is injected by the caller so tests
// stay deterministic.
func (d *Database) Create(n *Note, now int64) error {
	n.Version = 1
	n.CreatedAt = now
	n.UpdatedAt = now
	n.LastAccessedAt = now

	_, err := d.db.Exec(`
		INSERT INTO note (id, content, crdt_state, syntax, is_encrypted, view_count, max_views, expires_at, last_accessed_at, version, created_at, updated_at, last_editor_session, otp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		n.ID, n.Content, n.CRDTState, n.Syntax, boolToInt(n.IsEncrypted), n.ViewCount, n.MaxViews, n.ExpiresAt,
		n.LastAccessedAt, n.Version, n.CreatedAt, n.UpdatedAt, n.LastEditorSession, n.OTP,
	)
	if err != nil {
		return fmt.Errorf("insert note: %w", err)
	}
	return nil
}

// Update persists content/crdt_state/syntax/view-budget changes under
// optimistic concurrency: the write only applies if the stored version
// still equals expectedVersion, otherwise ErrVersionConflict is returned
// and the caller must re-read and retry.
func (d *Database) Update(n *Note, expectedVersion int, now int64) error {
	n.UpdatedAt = now
	n.LastAccessedAt = now
	newVersion := expectedVersion + 1

	result, err := d.db.Exec(`
		UPDATE note SET content = ?, crdt_state = ?, syntax = ?, is_encrypted = ?,
			view_count = ?, max_views = ?, expires_at = ?,
			last_accessed_at = ?, version = ?, updated_at = ?, last_editor_session = ?
		WHERE id = ? AND version = ?`,
		n.Content, n.CRDTState, n.Syntax, boolToInt(n.IsEncrypted),
		n.ViewCount, n.MaxViews, n.ExpiresAt,
		n.LastAccessedAt, newVersion, n.UpdatedAt, n.LastEditorSession,
		n.ID, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("update note: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return ErrVersionConflict
	}
	n.Version = newVersion
	return nil
}

// Touch bumps last_accessed_at and increments view_count, whether or not
// max_views is set. It returns the view count after the increment so callers
// can decide whether the budget was just exhausted.
func (d *Database) Touch(id string, now int64) (viewCount int, err error) {
	_, err = d.db.Exec(`UPDATE note SET last_accessed_at = ?, view_count = view_count + 1 WHERE id = ?`, now, id)
	if err != nil {
		return 0, fmt.Errorf("touch note: %w", err)
	}
	err = d.db.QueryRow("SELECT view_count FROM note WHERE id = ?", id).Scan(&viewCount)
	if err != nil {
		return 0, fmt.Errorf("read view_count: %w", err)
	}
	return viewCount, nil
}

// SetEncrypted flips the is_encrypted flag, used by the OTP-gated
// encryption toggle.
func (d *Database) SetEncrypted(id string, encrypted bool, now int64) error {
	_, err := d.db.Exec("UPDATE note SET is_encrypted = ?, updated_at = ? WHERE id = ?", boolToInt(encrypted), now, id)
	if err != nil {
		return fmt.Errorf("set encrypted: %w", err)
	}
	return nil
}

// SetOTP sets or clears the one-time password gating access to an
// encrypted note. Pass nil to remove the gate entirely.
func (d *Database) SetOTP(id string, otp *string, now int64) error {
	_, err := d.db.Exec("UPDATE note SET otp = ?, updated_at = ? WHERE id = ?", otp, now, id)
	if err != nil {
		return fmt.Errorf("set otp: %w", err)
	}
	return nil
}

// Delete removes a note, e.g. once its view budget or TTL is exhausted.
func (d *Database) Delete(id string) error {
	_, err := d.db.Exec("DELETE FROM note WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete note: %w", err)
	}
	return nil
}

// ExpiredIDs returns ids of notes whose expires_at has passed or that have
// gone unread for more than maxIdle, for the periodic cleanup job.
func (d *Database) ExpiredIDs(now int64, maxIdle time.Duration) ([]string, error) {
	staleBefore := now - int64(maxIdle.Seconds())
	rows, err := d.db.Query(
		"SELECT id FROM note WHERE (expires_at IS NOT NULL AND expires_at <= ?) OR last_accessed_at <= ?",
		now, staleBefore,
	)
	if err != nil {
		return nil, fmt.Errorf("query expired: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan expired id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Count returns the total number of notes, surfaced by the stats endpoint.
func (d *Database) Count() (int, error) {
	var count int
	if err := d.db.QueryRow("SELECT COUNT(*) FROM note").Scan(&count); err != nil {
		return 0, fmt.Errorf("count: %w", err)
	}
	return count, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
