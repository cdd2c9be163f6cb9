package devsup

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	cfg "github.com/loykin/devsup/internal/config"
	"github.com/loykin/devsup/internal/history"
	"github.com/loykin/devsup/internal/history/factory"
	"github.com/loykin/devsup/internal/logring"
	"github.com/loykin/devsup/internal/metrics"
	"github.com/loykin/devsup/internal/proc"
	iapi "github.com/loykin/devsup/internal/server"
	"github.com/loykin/devsup/internal/statestore"
	"github.com/loykin/devsup/internal/supervisor"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Definition = proc.Definition

type Status = proc.Status

type Snapshot = proc.Snapshot

type LogLine = logring.Line

type LogEvent = logring.Event

type Subscription = logring.Subscription

type HistorySink = history.Sink

type HistoryEvent = history.Event

type Config = supervisor.Config

// Supervisor is a thin facade over internal/supervisor.Supervisor.
// It provides a stable public API for embedding.

type Supervisor struct{ inner *supervisor.Supervisor }

func New(c Config) (*Supervisor, error) {
	s, err := supervisor.New(c)
	if err != nil {
		return nil, err
	}
	return &Supervisor{inner: s}, nil
}

func (s *Supervisor) Open(ctx context.Context) error { return s.inner.Open(ctx) }
func (s *Supervisor) Start(ctx context.Context, name string) (Snapshot, error) {
	return s.inner.Start(ctx, name)
}
func (s *Supervisor) Stop(ctx context.Context, name string) (Snapshot, error) {
	return s.inner.Stop(ctx, name)
}
func (s *Supervisor) Status(name string) (Snapshot, error) { return s.inner.Status(name) }
func (s *Supervisor) StatusAll() []Snapshot                { return s.inner.StatusAll() }
func (s *Supervisor) Logs(name string, offset uint64, limit int, reverse bool) ([]LogLine, bool, error) {
	return s.inner.Logs(name, offset, limit, reverse)
}
func (s *Supervisor) Subscribe(topic string) (*Subscription, error) { return s.inner.Subscribe(topic) }
func (s *Supervisor) Unsubscribe(sub *Subscription)                 { s.inner.Unsubscribe(sub) }
func (s *Supervisor) Definitions() []Definition                     { return s.inner.Definitions() }
func (s *Supervisor) Shutdown(ctx context.Context)                  { s.inner.Shutdown(ctx) }

// TopicAll subscribes to every server's log stream.
const TopicAll = logring.TopicAll

func LoadConfig(path string) (*cfg.FileConfig, error) {
	return cfg.Load(path)
}

// NewHTTPServer starts an HTTP server exposing the supervisor API in the
// background. Callers shut it down through the returned http.Server.
func NewHTTPServer(addr, basePath string, s *Supervisor) *http.Server {
	return iapi.NewServer(addr, basePath, s.inner)
}

// NewHTTPHandler returns the API as a plain http.Handler for mounting in an
// existing mux or framework.
func NewHTTPHandler(basePath string, s *Supervisor) http.Handler {
	return iapi.NewRouter(s.inner, basePath).Handler()
}

// NewHistorySink builds a lifecycle event sink from a DSN
// (sqlite path, postgres:// or clickhouse:// URL).
func NewHistorySink(dsn string) (HistorySink, error) {
	return factory.NewSinkFromDSN(dsn)
}

// CleanupOrphans terminates server processes left behind by supervisors
// that died without a clean shutdown. It returns the number terminated.
func CleanupOrphans() int { return statestore.CleanupOrphans("", nil) }

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }
