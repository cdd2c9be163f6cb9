package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/loykin/devsup/internal/history"
)

func TestPostgresSink_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()

	postgresContainer, err := postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		t.Fatalf("Failed to start PostgreSQL container: %v", err)
	}
	defer func() {
		if err := postgresContainer.Terminate(ctx); err != nil {
			t.Errorf("Failed to terminate PostgreSQL container: %v", err)
		}
	}()

	connStr, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("Failed to get connection string: %v", err)
	}

	sink, err := New(connStr)
	if err != nil {
		t.Fatalf("Failed to create PostgreSQL sink: %v", err)
	}
	defer func() {
		if err := sink.Close(); err != nil {
			t.Errorf("Failed to close sink: %v", err)
		}
	}()

	events := []history.Event{
		{Type: history.EventStart, Server: "web", PID: 100, Status: "running", OccurredAt: time.Now().UTC()},
		{Type: history.EventStop, Server: "web", PID: 100, Status: "stopped", OccurredAt: time.Now().UTC()},
		{Type: history.EventReclaim, Server: "worker", PID: 200, Status: "running", Detail: "reattached", OccurredAt: time.Now().UTC()},
	}
	for _, e := range events {
		if err := sink.Send(ctx, e); err != nil {
			t.Fatalf("Failed to send %s event: %v", e.Type, err)
		}
	}

	var count int
	if err := sink.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM server_history WHERE server = $1", "web").Scan(&count); err != nil {
		t.Fatalf("Failed to query server_history: %v", err)
	}
	if count != 2 {
		t.Errorf("Expected 2 events for web, got %d", count)
	}
}

func TestPostgresSinkEmptyDSN(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Fatal("empty DSN accepted")
	}
}
