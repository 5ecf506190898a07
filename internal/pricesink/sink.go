// Package pricesink queues price lookups for the scanned code. Each user
// holds at most one pending request; a new submission replaces it.
package pricesink

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"golang.org/x/time/rate"
	_ "modernc.org/sqlite"

	"github.com/tiroq/skaner/internal/diaglog"
	"github.com/tiroq/skaner/internal/logging"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverNone     = "none"

	StatusPending = "pending"

	defaultTTL = 30 * time.Minute
)

var (
	// ErrRateLimited is returned when submissions arrive faster than allowed.
	ErrRateLimited = errors.New("price request rate limited")
	ErrEmptyCode   = errors.New("price request without code")
)

// Submitter is the boolean write used by the UI adapter.
type Submitter interface {
	Submit(ctx context.Context, code string) bool
}

// Request is one stored price request.
type Request struct {
	UserID      string
	Code        string
	RequestedAt time.Time
	Status      string
	ExpiresAt   time.Time
}

// Options configures Open.
type Options struct {
	Driver    string
	DSN       string
	UserID    string
	TTL       time.Duration
	PerMinute int
	Logger    *slog.Logger
	Diag      *diaglog.Logger
	Now       func() time.Time
}

// Store writes requests to sqlite or postgres through database/sql.
type Store struct {
	db      *sql.DB
	driver  string
	userID  string
	ttl     time.Duration
	limiter *rate.Limiter
	logger  *slog.Logger
	diag    *diaglog.Logger
	now     func() time.Time
}

// Open connects to the configured database and creates the schema.
func Open(ctx context.Context, opts Options) (*Store, error) {
	if strings.TrimSpace(opts.UserID) == "" {
		return nil, errors.New("pricesink: user id is required")
	}
	var driverName string
	switch opts.Driver {
	case DriverSQLite, "":
		opts.Driver = DriverSQLite
		driverName = "sqlite"
	case DriverPostgres:
		driverName = "pgx"
	default:
		return nil, fmt.Errorf("pricesink: unsupported driver %q", opts.Driver)
	}

	db, err := sql.Open(driverName, opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", opts.Driver, err)
	}
	if opts.Driver == DriverSQLite {
		db.SetMaxOpenConns(1)
		for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout = 5000"} {
			if _, err := db.ExecContext(ctx, pragma); err != nil {
				_ = db.Close()
				return nil, fmt.Errorf("apply pragma %q: %w", pragma, err)
			}
		}
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", opts.Driver, err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	ttl := opts.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	limit := rate.Inf
	if opts.PerMinute > 0 {
		limit = rate.Limit(float64(opts.PerMinute) / 60.0)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	s := &Store{
		db:      db,
		driver:  opts.Driver,
		userID:  opts.UserID,
		ttl:     ttl,
		limiter: rate.NewLimiter(limit, 1),
		logger:  logging.NewComponentLogger(opts.Logger, "price-sink"),
		diag:    opts.Diag,
		now:     now,
	}
	s.logger.Info("price sink ready", logging.String("driver", s.driver))
	return s, nil
}

const schema = `CREATE TABLE IF NOT EXISTS price_requests (
	user_id      TEXT PRIMARY KEY,
	code         TEXT NOT NULL,
	requested_at BIGINT NOT NULL,
	status       TEXT NOT NULL,
	expires_at   BIGINT NOT NULL
)`

const upsertSQL = `INSERT INTO price_requests (user_id, code, requested_at, status, expires_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (user_id) DO UPDATE SET
	code = excluded.code,
	requested_at = excluded.requested_at,
	status = excluded.status,
	expires_at = excluded.expires_at`

const selectSQL = `SELECT user_id, code, requested_at, status, expires_at FROM price_requests WHERE user_id = ?`

// UserID returns the identity requests are stored under.
func (s *Store) UserID() string { return s.userID }

// Submit stores a pending request for code and reports success.
func (s *Store) Submit(ctx context.Context, code string) bool {
	err := s.Request(ctx, code)
	s.diag.Log(diaglog.LogEntry{
		Component: diaglog.ComponentPriceSink,
		Event:     diaglog.EventPriceSubmit,
		Reason:    errString(err),
		Payload:   map[string]interface{}{"code": code, "accepted": err == nil},
	})
	if err != nil {
		s.logger.Warn("price request failed", logging.String(logging.FieldCode, code), logging.Error(err))
		return false
	}
	s.logger.Info("price request queued", logging.String(logging.FieldCode, code))
	return true
}

// Request is Submit with the error kept.
func (s *Store) Request(ctx context.Context, code string) error {
	code = strings.TrimSpace(code)
	if code == "" {
		return ErrEmptyCode
	}
	if !s.limiter.Allow() {
		return ErrRateLimited
	}
	at := s.now()
	_, err := s.execWithRetry(ctx, s.rebind(upsertSQL),
		s.userID, code, at.UnixMilli(), StatusPending, at.Add(s.ttl).UnixMilli())
	if err != nil {
		return fmt.Errorf("upsert price request: %w", err)
	}
	return nil
}

// Get loads the stored request for userID.
func (s *Store) Get(ctx context.Context, userID string) (*Request, error) {
	var (
		req                  Request
		requested, expiresAt int64
	)
	err := s.db.QueryRowContext(ctx, s.rebind(selectSQL), userID).
		Scan(&req.UserID, &req.Code, &requested, &req.Status, &expiresAt)
	if err != nil {
		return nil, err
	}
	req.RequestedAt = time.UnixMilli(requested)
	req.ExpiresAt = time.UnixMilli(expiresAt)
	return &req, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// rebind rewrites ? placeholders to $n for postgres.
func (s *Store) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// Noop rejects every submission. It stands in when no sink is configured.
type Noop struct{}

func (Noop) Submit(context.Context, string) bool { return false }
