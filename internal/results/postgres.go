package results

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
)

const duplicateDatabase = "42P04"

// Tables counted after the bug finder has run
const (
	TableDua         = "dua"
	TableAttackPoint = "attackpoint"
	TableBug         = "bug"
)

// Config locates the PostgreSQL server holding the results databases
type Config struct {
	// URL connects to the server's maintenance database
	URL         string
	PingTimeout time.Duration
}

func (c Config) Validate() error {
	if c.URL == "" {
		return errors.New("database.url is required")
	}
	if c.PingTimeout <= 0 {
		return errors.New("database ping timeout must be positive")
	}
	return nil
}

// Open connects to dsn and checks the server is reachable
func Open(ctx context.Context, dsn string, pingTimeout time.Duration) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return db, nil
}

// DatabaseURL returns adminURL pointing at database name instead
func DatabaseURL(adminURL, name string) (string, error) {
	u, err := url.Parse(adminURL)
	if err != nil {
		return "", fmt.Errorf("invalid database url: %w", err)
	}
	if u.Scheme != "postgres" && u.Scheme != "postgresql" {
		return "", fmt.Errorf("invalid database url: unsupported scheme %q", u.Scheme)
	}
	u.Path = "/" + name
	u.RawPath = ""
	return u.String(), nil
}

// IsDuplicateDatabase reports whether err is the server refusing to create
// a database that already exists
func IsDuplicateDatabase(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == duplicateDatabase
	}
	return false
}

// Postgres is the Store backed by a PostgreSQL server
type Postgres struct {
	Config Config
}

func (p *Postgres) open(ctx context.Context, name string) (*sql.DB, error) {
	if err := p.Config.Validate(); err != nil {
		return nil, err
	}
	target := p.Config.URL
	if name != "" {
		var err error
		if target, err = DatabaseURL(p.Config.URL, name); err != nil {
			return nil, err
		}
	}
	return Open(ctx, target, p.Config.PingTimeout)
}

func (p *Postgres) CreateDatabase(ctx context.Context, name string) error {
	db, err := p.open(ctx, "")
	if err != nil {
		return err
	}
	defer db.Close()

	if _, err := db.ExecContext(ctx, "CREATE DATABASE "+pgx.Identifier{name}.Sanitize()); err != nil {
		return fmt.Errorf("create database %s: %w", name, err)
	}
	return nil
}

func (p *Postgres) DropDatabase(ctx context.Context, name string) error {
	db, err := p.open(ctx, "")
	if err != nil {
		return err
	}
	defer db.Close()

	if _, err := db.ExecContext(ctx, "DROP DATABASE IF EXISTS "+pgx.Identifier{name}.Sanitize()); err != nil {
		return fmt.Errorf("drop database %s: %w", name, err)
	}
	return nil
}

func (p *Postgres) ApplySchema(ctx context.Context, name, schema string) error {
	db, err := p.open(ctx, name)
	if err != nil {
		return err
	}
	defer db.Close()

	// Without arguments the statement goes over the simple protocol, which
	// accepts a whole script.
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema to %s: %w", name, err)
	}
	return nil
}

func (p *Postgres) Count(ctx context.Context, name, table string) (int64, error) {
	db, err := p.open(ctx, name)
	if err != nil {
		return 0, err
	}
	defer db.Close()

	var n int64
	query := "SELECT count(*) FROM " + pgx.Identifier{strings.ToLower(table)}.Sanitize()
	if err := db.QueryRowContext(ctx, query).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", table, err)
	}
	return n, nil
}
