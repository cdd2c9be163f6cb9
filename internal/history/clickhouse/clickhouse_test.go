package clickhouse

import (
	"context"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/clickhouse"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/loykin/devsup/internal/history"
)

func setupClickHouseContainer(ctx context.Context, t *testing.T) (testcontainers.Container, string) {
	t.Helper()

	clickHouseContainer, err := clickhouse.Run(ctx,
		"clickhouse/clickhouse-server:24.3.2.23",
		clickhouse.WithUsername("default"),
		clickhouse.WithPassword(""),
		clickhouse.WithDatabase("default"),
		testcontainers.WithWaitStrategy(
			wait.ForHTTP("/ping").
				WithPort("8123/tcp").
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		t.Fatalf("Failed to start ClickHouse container: %v", err)
	}

	host, err := clickHouseContainer.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}
	port, err := clickHouseContainer.MappedPort(ctx, "9000")
	if err != nil {
		t.Fatalf("Failed to get mapped port: %v", err)
	}
	return clickHouseContainer, host + ":" + port.Port()
}

func TestClickHouseSink_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()

	clickHouseContainer, addr := setupClickHouseContainer(ctx, t)
	defer func() {
		if err := clickHouseContainer.Terminate(ctx); err != nil {
			t.Errorf("Failed to terminate ClickHouse container: %v", err)
		}
	}()

	sink, err := New(addr, "default", "server_history")
	if err != nil {
		t.Fatalf("Failed to create ClickHouse sink: %v", err)
	}
	defer func() {
		if err := sink.Close(); err != nil {
			t.Errorf("Failed to close sink: %v", err)
		}
	}()

	events := []history.Event{
		{Type: history.EventStart, Server: "web", PID: 100, Status: "running", OccurredAt: time.Now().UTC()},
		{Type: history.EventIdleStop, Server: "web", PID: 100, Status: "stopped", Detail: "idle timeout", OccurredAt: time.Now().UTC()},
	}
	for _, e := range events {
		if err := sink.Send(ctx, e); err != nil {
			t.Fatalf("Failed to send %s event: %v", e.Type, err)
		}
	}

	var count uint64
	row := sink.conn.QueryRow(ctx, "SELECT COUNT(*) FROM server_history WHERE server = 'web'")
	if err := row.Scan(&count); err != nil {
		t.Fatalf("Failed to count events: %v", err)
	}
	if count != 2 {
		t.Errorf("Expected 2 events, got %d", count)
	}
}
