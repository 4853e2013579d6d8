package forward

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"golang.org/x/xerrors"
	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS dead_letters (
	id          TEXT PRIMARY KEY,
	source      TEXT NOT NULL,
	type        TEXT NOT NULL,
	reason      TEXT NOT NULL,
	error       TEXT NOT NULL DEFAULT '',
	payload     BLOB NOT NULL,
	received_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS dead_letters_received_at ON dead_letters (received_at);
`

// SQLiteArchive keeps dead letters in a local SQLite file so they can be
// inspected and replayed by hand.
type SQLiteArchive struct {
	db *sql.DB
}

// OpenSQLiteArchive opens or creates the archive at path. Use ":memory:" for
// a throwaway archive.
func OpenSQLiteArchive(ctx context.Context, path string) (*SQLiteArchive, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, xerrors.Errorf("open sqlite archive: %w", err)
	}
	// One connection serializes writers and keeps an in-memory database
	// alive for the lifetime of the archive.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, xerrors.Errorf("%s: %w", pragma, err)
		}
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, xerrors.Errorf("create dead letter schema: %w", err)
	}
	return &SQLiteArchive{db: db}, nil
}

func (a *SQLiteArchive) DeadLetter(ctx context.Context, dl DeadLetter) error {
	_, err := a.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO dead_letters (id, source, type, reason, error, payload, received_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		dl.ID.String(), dl.Source, dl.Type, dl.Reason, dl.Error, dl.Payload, dl.ReceivedAt.UnixMilli(),
	)
	if err != nil {
		return xerrors.Errorf("insert dead letter: %w", err)
	}
	return nil
}

// Recent returns up to limit dead letters, newest first.
func (a *SQLiteArchive) Recent(ctx context.Context, limit int) ([]DeadLetter, error) {
	rows, err := a.db.QueryContext(ctx,
		`SELECT id, source, type, reason, error, payload, received_at
		FROM dead_letters ORDER BY received_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, xerrors.Errorf("query dead letters: %w", err)
	}
	defer rows.Close()

	var out []DeadLetter
	for rows.Next() {
		var (
			dl         DeadLetter
			id         string
			receivedAt int64
		)
		if err := rows.Scan(&id, &dl.Source, &dl.Type, &dl.Reason, &dl.Error, &dl.Payload, &receivedAt); err != nil {
			return nil, xerrors.Errorf("scan dead letter: %w", err)
		}
		dl.ID, err = uuid.Parse(id)
		if err != nil {
			return nil, xerrors.Errorf("parse dead letter id %q: %w", id, err)
		}
		dl.ReceivedAt = time.UnixMilli(receivedAt).UTC()
		out = append(out, dl)
	}
	return out, rows.Err()
}

// Count returns the number of archived dead letters.
func (a *SQLiteArchive) Count(ctx context.Context) (int, error) {
	var n int
	if err := a.db.QueryRowContext(ctx, `SELECT count(*) FROM dead_letters`).Scan(&n); err != nil {
		return 0, xerrors.Errorf("count dead letters: %w", err)
	}
	return n, nil
}

func (a *SQLiteArchive) Close() error {
	return a.db.Close()
}
