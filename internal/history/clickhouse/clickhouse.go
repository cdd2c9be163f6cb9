package clickhouse

import (
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/loykin/devsup/internal/history"
)

// Sink streams lifecycle events to ClickHouse over the native protocol.
type Sink struct {
	conn  driver.Conn
	table string
}

// New connects to addr (host:port) and ensures table exists.
func New(addr, database, table string) (*Sink, error) {
	if database == "" {
		database = "default"
	}
	if table == "" {
		table = "server_history"
	}
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{Database: database, Username: "default"},
	})
	if err != nil {
		return nil, fmt.Errorf("connect clickhouse: %w", err)
	}
	if err := conn.Ping(context.Background()); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping clickhouse: %w", err)
	}
	s := &Sink{conn: conn, table: table}
	if err := s.ensureSchema(context.Background()); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *Sink) ensureSchema(ctx context.Context) error {
	stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		occurred_at DateTime64(3),
		type String,
		server String,
		pid Int64,
		status String,
		detail String
	) ENGINE = MergeTree() ORDER BY (server, occurred_at);`, s.table)
	return s.conn.Exec(ctx, stmt)
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	query := fmt.Sprintf(
		`INSERT INTO %s (occurred_at, type, server, pid, status, detail) VALUES (?, ?, ?, ?, ?, ?)`,
		s.table)
	if err := s.conn.Exec(ctx, query,
		e.OccurredAt, string(e.Type), e.Server, int64(e.PID), e.Status, e.Detail); err != nil {
		return fmt.Errorf("insert clickhouse event: %w", err)
	}
	return nil
}

func (s *Sink) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}
