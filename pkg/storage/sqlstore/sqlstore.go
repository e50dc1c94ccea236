package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"           // PostgreSQL driver
	_ "github.com/mattn/go-sqlite3" // SQLite driver
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/voicescribe/pkg/storage"
)

var tracer = otel.Tracer("github.com/platinummonkey/voicescribe/pkg/storage/sqlstore")

// SQLStore implements storage.Store on a database/sql handle.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	timeout time.Duration
	logger  logrus.FieldLogger
	now     func() time.Time
}

var _ storage.Store = (*SQLStore)(nil)

// Option configures a SQLStore.
type Option func(*SQLStore)

// WithTimeout bounds every statement.
func WithTimeout(d time.Duration) Option {
	return func(s *SQLStore) { s.timeout = d }
}

// WithLogger sets the logger used by migrations.
func WithLogger(logger logrus.FieldLogger) Option {
	return func(s *SQLStore) { s.logger = logger }
}

// WithClock overrides the time source for row timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *SQLStore) { s.now = now }
}

// New wraps an open handle.
func New(db *sql.DB, dialect Dialect, opts ...Option) *SQLStore {
	s := &SQLStore{
		db:      db,
		dialect: dialect,
		timeout: 5 * time.Second,
		logger:  logrus.StandardLogger(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open connects to the backend named by cfg.Driver.
func Open(cfg storage.Config, opts ...Option) (*SQLStore, error) {
	switch Dialect(cfg.Driver) {
	case DialectPostgres:
		return OpenPostgres(cfg, opts...)
	case DialectSQLite, "sqlite3":
		return OpenSQLite(cfg.DSN, opts...)
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.Driver)
	}
}

// OpenPostgres opens and pings a PostgreSQL pool.
func OpenPostgres(cfg storage.Config, opts ...Option) (*SQLStore, error) {
	db, err := sql.Open(DialectPostgres.DriverName(), cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxConns)
	db.SetMaxIdleConns(cfg.MinConns)
	db.SetConnMaxLifetime(cfg.MaxLifetime)
	db.SetConnMaxIdleTime(cfg.MaxIdleTime)

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, wrapErr("ping postgres", err)
	}

	return New(db, DialectPostgres, append([]Option{WithTimeout(timeout)}, opts...)...), nil
}

// OpenSQLite opens a SQLite database. A single connection serializes writers
// so busy errors stay rare.
func OpenSQLite(dsn string, opts ...Option) (*SQLStore, error) {
	db, err := sql.Open(DialectSQLite.DriverName(), dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(context.Background()); err != nil {
		db.Close()
		return nil, wrapErr("ping sqlite", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys = ON`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	return New(db, DialectSQLite, opts...), nil
}

// DB exposes the handle for health checks.
func (s *SQLStore) DB() *sql.DB {
	return s.db
}

// Dialect reports the SQL flavor in use.
func (s *SQLStore) Dialect() Dialect {
	return s.dialect
}

// Ping verifies the database is reachable.
func (s *SQLStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return wrapErr("ping", s.db.PingContext(ctx))
}

// Close releases the pool.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// begin starts a span and applies the statement timeout.
func (s *SQLStore) begin(ctx context.Context, op string) (context.Context, func(*error)) {
	ctx, span := tracer.Start(ctx, "sqlstore."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("db.system", string(s.dialect))),
	)
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	return ctx, func(errp *error) {
		cancel()
		if errp != nil && *errp != nil {
			span.RecordError(*errp)
			span.SetStatus(codes.Error, (*errp).Error())
		}
		span.End()
	}
}

func (s *SQLStore) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.dialect.rebind(query), args...)
}

func (s *SQLStore) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.dialect.rebind(query), args...)
}

func (s *SQLStore) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.dialect.rebind(query), args...)
}

func (s *SQLStore) stamp() time.Time {
	return s.now().UTC()
}
