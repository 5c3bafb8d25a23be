// Package pgarchive is the optional durable sink for the event bus
// (spec.md §6, [ADDED] domain stack): when config.json's dbURL is set,
// every instance/schedule event is additionally persisted to Postgres
// for audit and cross-host querying, alongside the mandatory in-memory
// bus and rotating JSONL log.
package pgarchive

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/r3e-network/hostrunner/internal/eventbus"
	"github.com/r3e-network/hostrunner/internal/logging"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Open establishes a Postgres connection using dsn and verifies
// connectivity with a ping.
func Open(ctx context.Context, dsn string) (*sqlx.DB, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("postgres DSN is required")
	}

	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// RunMigrations applies every pending migration under migrations/.
func RunMigrations(db *sql.DB) error {
	src, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return fmt.Errorf("load migration source: %w", err)
	}
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("create postgres migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// Store persists bus events to the event_archive table.
type Store struct {
	db  *sqlx.DB
	log *logging.Logger
}

// New returns a Store writing through db.
func New(db *sqlx.DB, log *logging.Logger) *Store {
	return &Store{db: db, log: log.Named("pgarchive")}
}

// Subscriber returns an eventbus.Subscriber that archives every event.
// Archival failures are logged, never propagated, per spec.md §7's
// "HTTP errors ... do not affect other in-flight requests" isolation
// principle applied to the bus's own fan-out.
func (s *Store) Subscriber() eventbus.Subscriber {
	return func(e eventbus.Event) {
		data, err := json.Marshal(e.Data)
		if err != nil {
			s.log.WithContext(context.Background()).Warnf("marshal event for archive: %v", err)
			return
		}
		_, err = s.db.Exec(
			`INSERT INTO event_archive (event_type, data, occurred_at) VALUES ($1, $2, $3)`,
			e.Type, data, e.Timestamp,
		)
		if err != nil {
			s.log.WithContext(context.Background()).Warnf("archive event %s: %v", e.Type, err)
		}
	}
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}
