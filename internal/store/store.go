// Package store persists users, chats, memberships and messages through gorm.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

var (
	ErrCreateDatabase  = errors.New("cannot create a database")
	ErrMigrationFailed = errors.New("failed to migrate")
	ErrQuery           = errors.New("failed to select")
	ErrCreationFailed  = errors.New("failed to insert new row")
	ErrNotFound        = errors.New("record not found")
	ErrAlreadyExists   = errors.New("record already exists")
	ErrUnknownDriver   = errors.New("unknown database driver")
)

// Options configures Open.
type Options struct {
	Driver   string
	DSN      string
	Attempts int
	Backoff  time.Duration
	Logger   zerolog.Logger
}

// Store wraps the gorm handle.
type Store struct {
	db  *gorm.DB
	log zerolog.Logger
}

// New wraps an existing gorm handle.
func New(db *gorm.DB, log zerolog.Logger) *Store {
	return &Store{db: db, log: log}
}

func dialector(driver, dsn string) (gorm.Dialector, error) {
	switch driver {
	case "postgres", "postgresql":
		return postgres.Open(dsn), nil
	case "mysql":
		return mysql.Open(dsn), nil
	case "sqlite", "sqlite3":
		return sqlite.Open(dsn), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, driver)
	}
}

// Open connects to the configured database, retrying with exponential
// back-off while the server is not reachable yet.
func Open(ctx context.Context, opts Options) (*Store, error) {
	dial, err := dialector(opts.Driver, opts.DSN)
	if err != nil {
		return nil, err
	}
	if opts.Attempts <= 0 {
		opts.Attempts = 1
	}
	if opts.Backoff <= 0 {
		opts.Backoff = time.Second
	}

	db, err := openWithRetry(ctx, dial, opts)
	if err != nil {
		opts.Logger.Error().Err(err).Str("driver", opts.Driver).Msg("Cannot open GORM database")
		return nil, fmt.Errorf("%w: %v", ErrCreateDatabase, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCreateDatabase, err)
	}
	if opts.Driver == "sqlite" || opts.Driver == "sqlite3" {
		// SQLite serialises writers; a single connection avoids "database is locked".
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxOpenConns(40)
		sqlDB.SetMaxIdleConns(10)
		sqlDB.SetConnMaxLifetime(30 * time.Minute)
	}

	return New(db, opts.Logger), nil
}

func openWithRetry(ctx context.Context, dial gorm.Dialector, opts Options) (*gorm.DB, error) {
	var last error
	sleep := opts.Backoff
	for i := 1; i <= opts.Attempts; i++ {
		db, err := gorm.Open(dial, &gorm.Config{
			Logger:         newGormLogger(opts.Logger),
			TranslateError: true,
			NowFunc:        func() time.Time { return time.Now().UTC() },
		})
		if err == nil {
			var sqlDB *sql.DB
			if sqlDB, err = db.DB(); err == nil {
				pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
				err = sqlDB.PingContext(pingCtx)
				cancel()
				if err == nil {
					return db, nil
				}
			}
		}
		last = err
		if i == opts.Attempts {
			break
		}
		opts.Logger.Warn().Err(err).Int("attempt", i).Dur("retry_in", sleep).Msg("Database not reachable yet")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(sleep):
		}
		if sleep < 8*time.Second {
			sleep *= 2
		}
	}
	return nil, last
}

// Migrate creates or updates the schema.
func (s *Store) Migrate() error {
	s.log.Info().Msg("Going to start database migrations")

	for _, model := range []any{&User{}, &Chat{}, &ChatMember{}, &Message{}} {
		if err := s.db.AutoMigrate(model); err != nil {
			s.log.Error().Err(err).Str("model", fmt.Sprintf("%T", model)).Msg("Migration failed")
			return ErrMigrationFailed
		}
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// DB exposes the gorm handle for tests and tooling.
func (s *Store) DB() *gorm.DB { return s.db }

func (s *Store) queryErr(err error, what string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	s.log.Error().Err(err).Str("query", what).Msg("Query failed")
	return fmt.Errorf("%w: %s: %v", ErrQuery, what, err)
}

func (s *Store) createErr(err error, what string) error {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrAlreadyExists
	}
	s.log.Error().Err(err).Str("insert", what).Msg("Insert failed")
	return fmt.Errorf("%w: %s: %v", ErrCreationFailed, what, err)
}
