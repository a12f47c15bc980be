package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/roach88/provsync/internal/directory"
	"github.com/roach88/provsync/internal/message"
	"github.com/roach88/provsync/internal/provisioning"
	"github.com/roach88/provsync/internal/store"
	"github.com/roach88/provsync/internal/store/postgres"
)

// backend is a command store that also serves the domain projections.
type backend interface {
	provisioning.CommandStore
	directory.Loader
	Close() error
}

// openBackend opens PostgreSQL when a database URL is configured, else the
// SQLite file at DBPath (creating its directory).
func openBackend(ctx context.Context, opts *RootOptions) (backend, error) {
	if opts.Config.UsePostgres() {
		s, err := postgres.Open(ctx, opts.Config.DatabaseURL, opts.Config.MaxConns)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to open postgres", err)
		}
		return s, nil
	}

	path := opts.Config.DBPath
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to create database directory", err)
		}
	}
	s, err := store.Open(path)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	return s, nil
}

// openQueue opens the backend and builds a queue over it. The returned
// close function must be called when done.
func openQueue(ctx context.Context, opts *RootOptions) (*provisioning.Queue, func(), error) {
	b, err := openBackend(ctx, opts)
	if err != nil {
		return nil, nil, err
	}
	q := provisioning.New(b, provisioning.DefaultResolvers(b), provisioning.Config{
		BatchSize: opts.Config.BatchSize,
		LeaseTTL:  opts.Config.LeaseTTL,
		Retention: opts.Config.Retention,
		Owners:    provisioning.NamedOwnerGenerator{Name: opts.Config.Consumer},
		Logger:    opts.Logger,
	})
	closeFn := func() {
		if err := b.Close(); err != nil {
			opts.Logger.Error("error closing database", "error", err)
		}
	}
	return q, closeFn, nil
}

// loadRegistry returns the vocabulary from --vocabulary or the built-in one.
func loadRegistry(opts *RootOptions) (*message.Registry, error) {
	if opts.Vocabulary != "" {
		reg, err := message.LoadVocabularyFile(opts.Vocabulary)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, fmt.Sprintf("failed to load vocabulary %s", opts.Vocabulary), err)
		}
		return reg, nil
	}
	reg, err := message.DefaultRegistry()
	if err != nil {
		return nil, WrapExitError(ExitFailure, "failed to load built-in vocabulary", err)
	}
	return reg, nil
}
