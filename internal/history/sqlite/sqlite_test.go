package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/loykin/devsup/internal/history"
)

func testEvent(typ history.EventType, server string) history.Event {
	return history.Event{
		Type:       typ,
		Server:     server,
		PID:        4242,
		Status:     "running",
		OccurredAt: time.Now().UTC(),
	}
}

func TestSinkInMemory(t *testing.T) {
	sink, err := New(":memory:")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer func() { _ = sink.Close() }()

	ctx := context.Background()
	if err := sink.Send(ctx, testEvent(history.EventStart, "web")); err != nil {
		t.Fatalf("send start: %v", err)
	}
	if err := sink.Send(ctx, testEvent(history.EventStop, "web")); err != nil {
		t.Fatalf("send stop: %v", err)
	}
	if err := sink.Send(ctx, testEvent(history.EventStart, "worker")); err != nil {
		t.Fatalf("send other: %v", err)
	}

	n, err := sink.CountByServer(ctx, "web")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 2 {
		t.Fatalf("events for web: %d", n)
	}
}

func TestSinkFileAndDSNPrefix(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	sink, err := New("sqlite://" + path)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx := context.Background()
	if err := sink.Send(ctx, testEvent(history.EventReclaim, "web")); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// reopen: the schema and row persisted
	sink, err = New(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() { _ = sink.Close() }()
	n, err := sink.CountByServer(ctx, "web")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Fatalf("persisted events: %d", n)
	}
}

func TestSinkEmptyPath(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Fatal("empty path accepted")
	}
}
