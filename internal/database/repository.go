// Package database assembles the storage backends the importer runs on.
package database

import (
	"context"
	"fmt"

	"github.com/badno/catalogsync/internal/catalog"
	"github.com/badno/catalogsync/internal/catalog/memory"
	"github.com/badno/catalogsync/internal/database/postgres"
	"github.com/badno/catalogsync/internal/state"
	"github.com/badno/catalogsync/pkg/models"
)

// Backend kinds
const (
	BackendFile     = "file"
	BackendPostgres = "postgres"
)

// Backend groups the repositories one storage backend provides
type Backend struct {
	Kind     string
	Products catalog.Store
	Terms    catalog.TermStore
	State    state.Store
	Runs     state.RunLog
	// Flusher is nil for write-through backends
	Flusher catalog.Flusher

	closers []func()
}

// Close releases backend resources
func (b *Backend) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
	b.closers = nil
}

// OpenFiles opens the JSON file backend: run state in stateFile, the catalog
// snapshot in catalogFile.
func OpenFiles(stateFile, catalogFile string, defaults models.NotificationSettings) (*Backend, error) {
	store := state.NewFileStore(stateFile, defaults)
	if err := store.Load(); err != nil {
		return nil, fmt.Errorf("failed to load state: %w", err)
	}
	cat, err := memory.Open(catalogFile)
	if err != nil {
		return nil, err
	}
	return &Backend{
		Kind:     BackendFile,
		Products: cat,
		Terms:    cat,
		State:    store,
		Runs:     store,
		Flusher:  cat,
	}, nil
}

// OpenPostgres connects to PostgreSQL and applies pending migrations
func OpenPostgres(ctx context.Context, cfg *postgres.Config, defaults models.NotificationSettings) (*Backend, error) {
	client := postgres.NewClient(cfg)
	if err := client.Connect(ctx); err != nil {
		return nil, err
	}
	if err := client.RunMigrations(); err != nil {
		client.Close()
		return nil, err
	}
	return &Backend{
		Kind:     BackendPostgres,
		Products: postgres.NewCatalogRepo(client),
		Terms:    postgres.NewTermRepo(client),
		State:    postgres.NewStateRepo(client, defaults),
		Runs:     postgres.NewRunLogRepo(client),
		closers:  []func(){client.Close},
	}, nil
}
