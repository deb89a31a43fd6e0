// Command seed applies the database schema and stores the workflow documents
// from the configured workflows directory as version 1, skipping workflows
// that already exist.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"buildtriage/backend/internal/config"
	"buildtriage/backend/internal/logging"
	"buildtriage/backend/internal/repository"
	"buildtriage/backend/internal/workflow"
	"buildtriage/backend/pkg/models"
)

func main() {
	ctx := context.Background()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger := logging.NewLogger(cfg.Logging.Level)

	pool, err := pgxpool.New(ctx, cfg.DSN())
	if err != nil {
		log.Fatalf("Failed to connect to DB: %v", err)
	}
	defer pool.Close()

	store := repository.NewPostgresStore(pool)
	if err := store.Migrate(ctx); err != nil {
		log.Fatalf("Failed to apply schema: %v", err)
	}
	logger.Info("Schema applied")

	if err := seedWorkflows(ctx, store, cfg.WorkflowsDir, logger); err != nil {
		log.Fatalf("Seeding failed: %v", err)
	}
	logger.Info("Seeding complete!")
}

// seedWorkflows validates and stores every document in dir that the store
// does not already know. A lookup error other than not-found aborts the run:
// a flaky database must not cause duplicate seeding.
func seedWorkflows(ctx context.Context, store repository.WorkflowStore, dir string, logger *slog.Logger) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read workflows dir %s: %w", dir, err)
	}

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || (!strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml")) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return fmt.Errorf("read workflow %s: %w", name, err)
		}

		// structural validation only; handler names are checked at server start
		def, err := workflow.Load(data, workflow.Resources{})
		if err != nil {
			return fmt.Errorf("workflow %s is invalid: %w", name, err)
		}

		_, err = store.GetWorkflow(ctx, def.ID())
		switch {
		case err == nil:
			logger.Info("Skipping existing workflow", "workflow_id", def.ID())
			continue
		case !errors.Is(err, repository.ErrNotFound):
			return fmt.Errorf("look up workflow %s: %w", def.ID(), err)
		}

		record := &models.WorkflowRecord{
			ID:         uuid.NewString(),
			WorkflowID: def.ID(),
			Version:    1,
			IsLatest:   true,
			Name:       def.Name(),
			Document:   string(data),
			CreatedBy:  "seed-script",
		}
		if err := store.SaveWorkflow(ctx, record); err != nil {
			return fmt.Errorf("store workflow %s: %w", def.ID(), err)
		}
		logger.Info("Seeded workflow", "workflow_id", def.ID(), "file", name)
	}
	return nil
}
