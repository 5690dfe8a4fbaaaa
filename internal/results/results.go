// Package results hands a finished replay to the bug finder and reports what
// it found.
package results

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/MinhTranCA/lava/internal/logging"
	"github.com/MinhTranCA/lava/internal/subprocess"
)

// Store manages the results databases
type Store interface {
	CreateDatabase(ctx context.Context, name string) error
	DropDatabase(ctx context.Context, name string) error
	ApplySchema(ctx context.Context, name, schema string) error
	Count(ctx context.Context, name, table string) (int64, error)
}

// Counts summarizes a results database
type Counts struct {
	Dua         int64 `json:"dua"`
	AttackPoint int64 `json:"attack_points"`
	Bug         int64 `json:"bugs"`
}

// Request is one handoff
type Request struct {
	Database    string
	SchemaPath  string
	FBI         string
	ProjectFile string
	SourceDir   string
	Pandalog    string
	InputBase   string
}

// FBICommand returns the bug finder invocation
func FBICommand(req Request) []string {
	return []string{req.FBI, req.ProjectFile, req.SourceDir, req.Pandalog, req.InputBase}
}

// Handoff prepares the results database and runs the bug finder
type Handoff struct {
	Store  Store
	Runner subprocess.Runner
	Stdout io.Writer
	Stderr io.Writer
	Logger *zap.Logger
}

func (h *Handoff) logger() *zap.Logger {
	if h.Logger == nil {
		return zap.NewNop()
	}
	return h.Logger
}

// EnsureDatabase creates the database and loads the schema into it. An
// existing database is reused untouched. created reports which happened.
// A database whose schema could not be loaded is dropped again, so the next
// run starts over instead of reusing an empty store.
func (h *Handoff) EnsureDatabase(ctx context.Context, name, schemaPath string) (created bool, err error) {
	logger := h.logger()

	schema, err := os.ReadFile(schemaPath)
	if err != nil {
		return false, fmt.Errorf("failed to read schema: %w", err)
	}

	logging.Progress(logger, fmt.Sprintf("Trying to create database %s...", name))
	if err := h.Store.CreateDatabase(ctx, name); err != nil {
		if IsDuplicateDatabase(err) {
			logging.Progress(logger, "Database already exists.")
			return false, nil
		}
		return false, fmt.Errorf("failed to create database: %w", err)
	}

	logging.Progress(logger, "Database created. Initializing...")
	if err := h.Store.ApplySchema(ctx, name, string(schema)); err != nil {
		err = fmt.Errorf("failed to initialize database: %w", err)
		// The caller's context may be the reason for the failure
		if dropErr := h.Store.DropDatabase(context.WithoutCancel(ctx), name); dropErr != nil {
			logger.Error("failed to drop uninitialized database", zap.String("database", name), zap.Error(dropErr))
			return false, multierr.Append(err, dropErr)
		}
		return false, err
	}
	return true, nil
}

// Run prepares the database, runs the bug finder and returns the time spent
func (h *Handoff) Run(ctx context.Context, req Request) (time.Duration, error) {
	start := time.Now()
	logger := h.logger()

	if _, err := h.EnsureDatabase(ctx, req.Database, req.SchemaPath); err != nil {
		return time.Since(start), err
	}

	logging.Progress(logger, "Calling the FBI on queries.plog...")
	command := FBICommand(req)
	logger.Debug("fbi", zap.String("cmd", subprocess.Join(command)))
	if err := h.Runner.Run(ctx, command, h.Stdout, h.Stderr); err != nil {
		return time.Since(start), fmt.Errorf("failed to run bug finder: %w", err)
	}
	logging.Progress(logger, "Found Bugs, Injectable!!")
	return time.Since(start), nil
}

// Counts reads the number of DUAs, attack points and bugs recorded
func (h *Handoff) Counts(ctx context.Context, database string) (Counts, error) {
	var c Counts
	for _, t := range []struct {
		table string
		dst   *int64
	}{
		{TableDua, &c.Dua},
		{TableAttackPoint, &c.AttackPoint},
		{TableBug, &c.Bug},
	} {
		n, err := h.Store.Count(ctx, database, t.table)
		if err != nil {
			return Counts{}, fmt.Errorf("failed to count results: %w", err)
		}
		*t.dst = n
	}
	return c, nil
}
