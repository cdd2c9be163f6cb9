package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/loykin/devsup/internal/history"
)

// Sink writes lifecycle events to a SQLite file (modernc.org/sqlite,
// CGO-free). Use ":memory:" for an in-memory database.
type Sink struct {
	db *sql.DB
}

func New(path string) (*Sink, error) {
	p := strings.TrimSpace(strings.TrimPrefix(path, "sqlite://"))
	if p == "" {
		return nil, errors.New("empty sqlite path")
	}
	db, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	// short concurrent locks are expected during bursts of transitions
	_, _ = db.Exec("PRAGMA busy_timeout=3000;")
	s := &Sink{db: db}
	if err := s.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Sink) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS server_history(
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			type TEXT NOT NULL,
			server TEXT NOT NULL,
			pid INTEGER NOT NULL,
			status TEXT NOT NULL,
			detail TEXT NULL,
			occurred_at TIMESTAMP NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_server_history_server ON server_history(server);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO server_history(type, server, pid, status, detail, occurred_at)
		VALUES(?, ?, ?, ?, ?, ?);`,
		string(e.Type), e.Server, e.PID, e.Status, e.Detail, e.OccurredAt.UTC())
	return err
}

// CountByServer is used by tests and diagnostics.
func (s *Sink) CountByServer(ctx context.Context, server string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM server_history WHERE server = ?;`, server).Scan(&n)
	return n, err
}

func (s *Sink) Close() error { return s.db.Close() }
