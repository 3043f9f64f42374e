// Package catalog records every archive produced, in SQLite.
package catalog

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/raysh454/scoop/internal/logging"
)

//go:embed schema.sql
var schemaFS embed.FS

var ErrNotFound = errors.New("capture not found")

// Entry is one archived capture.
type Entry struct {
	ID            string    `json:"id"`
	URL           string    `json:"url"`
	State         string    `json:"state"`
	PartialReason string    `json:"partialReason,omitempty"`
	Title         string    `json:"title,omitempty"`
	CapturedAt    time.Time `json:"capturedAt"`
	ExportedAt    time.Time `json:"exportedAt"`
	ExchangeCount int       `json:"exchangeCount"`
	// ArchiveID addresses the WACZ in the archive store.
	ArchiveID    string `json:"archiveId"`
	ArchiveBytes int64  `json:"archiveBytes"`
	Signed       bool   `json:"signed"`
}

// ListOptions filters List.
type ListOptions struct {
	// URLPrefix keeps captures whose URL starts with it.
	URLPrefix string
	// Limit caps the result; 0 means no cap.
	Limit int
}

type Catalog struct {
	db     *sql.DB
	logger logging.Logger
}

// Open opens (or creates) the catalog database at path.
func Open(path string, logger logging.Logger) (*Catalog, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open catalog %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA journal_mode = WAL; PRAGMA busy_timeout = 5000;`); err != nil {
		logger.Warn("catalog pragmas failed", logging.Err(err))
	}
	c, err := New(db, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

// New runs the schema against db and returns a Catalog over it.
func New(db *sql.DB, logger logging.Logger) (*Catalog, error) {
	if db == nil {
		return nil, fmt.Errorf("db is nil")
	}
	schemaSQL, err := schemaFS.ReadFile("schema.sql")
	if err != nil {
		return nil, fmt.Errorf("failed to read schema.sql: %w", err)
	}
	if _, err := db.Exec(string(schemaSQL)); err != nil {
		return nil, fmt.Errorf("failed to execute schema: %w", err)
	}
	return &Catalog{db: db, logger: logger}, nil
}

func (c *Catalog) Close() error { return c.db.Close() }

// Record inserts e, replacing an earlier entry with the same id.
func (c *Catalog) Record(ctx context.Context, e Entry) error {
	if e.ID == "" || e.URL == "" || e.ArchiveID == "" {
		return fmt.Errorf("entry needs id, url and archive id")
	}
	if e.ExportedAt.IsZero() {
		e.ExportedAt = time.Now()
	}
	_, err := c.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO captures
             (id, url, state, partial_reason, title, captured_at, exported_at, exchange_count, archive_id, archive_bytes, signed)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.URL, e.State, e.PartialReason, e.Title,
		e.CapturedAt.UnixMilli(), e.ExportedAt.UnixMilli(),
		e.ExchangeCount, e.ArchiveID, e.ArchiveBytes, e.Signed,
	)
	if err != nil {
		return fmt.Errorf("insert capture: %w", err)
	}
	c.logger.Debug("capture recorded", logging.String("capture_id", e.ID), logging.String("archive_id", e.ArchiveID))
	return nil
}

const selectColumns = `SELECT id, url, state, partial_reason, title, captured_at, exported_at, exchange_count, archive_id, archive_bytes, signed FROM captures`

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(s scanner) (Entry, error) {
	var e Entry
	var captured, exported int64
	if err := s.Scan(&e.ID, &e.URL, &e.State, &e.PartialReason, &e.Title,
		&captured, &exported, &e.ExchangeCount, &e.ArchiveID, &e.ArchiveBytes, &e.Signed); err != nil {
		return Entry{}, err
	}
	e.CapturedAt = time.UnixMilli(captured).UTC()
	e.ExportedAt = time.UnixMilli(exported).UTC()
	return e, nil
}

// Get returns the entry with id.
func (c *Catalog) Get(ctx context.Context, id string) (*Entry, error) {
	row := c.db.QueryRowContext(ctx, selectColumns+` WHERE id = ? LIMIT 1`, id)
	e, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &e, nil
}

// List returns entries newest first.
func (c *Catalog) List(ctx context.Context, opts ListOptions) ([]Entry, error) {
	query := selectColumns
	var args []any
	if opts.URLPrefix != "" {
		query += ` WHERE substr(url, 1, ?) = ?`
		args = append(args, len(opts.URLPrefix), opts.URLPrefix)
	}
	query += ` ORDER BY captured_at DESC, id DESC`
	if opts.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, opts.Limit)
	}
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Delete removes the entry with id.
func (c *Catalog) Delete(ctx context.Context, id string) error {
	res, err := c.db.ExecContext(ctx, `DELETE FROM captures WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete capture: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// ArchiveInUse reports whether any entry still points at archiveID.
func (c *Catalog) ArchiveInUse(ctx context.Context, archiveID string) (bool, error) {
	var n int
	err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM captures WHERE archive_id = ?`, strings.TrimSpace(archiveID)).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
