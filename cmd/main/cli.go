package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/afero"
	"github.com/spf13/viper"

	"botswarm/internal/config"
	"botswarm/internal/db"
	"botswarm/internal/db/repositories"
	"botswarm/pkg/models"
)

// cmdFS is the filesystem definition files are read from; tests swap in
// an in-memory one.
var cmdFS = afero.NewOsFs()

// readDefinition loads a JSON definition file for the add and validate
// commands.
func readDefinition(path string) ([]byte, error) {
	raw, err := afero.ReadFile(cmdFS, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return raw, nil
}

// loadConfig resolves the effective configuration: built-in defaults,
// then plain environment variables, then the config file and BOTSWARM_
// variables, then explicit flags. Viper only overrides what it has a
// non-zero value for, so an unset flag never clobbers the environment.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if v := viper.GetString("database_url"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := viper.GetInt("metrics_port"); v != 0 {
		cfg.MetricsPort = v
	}
	if v := viper.GetInt("nats_port"); v != 0 {
		cfg.NATSPort = v
	}
	if v := viper.GetInt("worker_count"); v != 0 {
		cfg.WorkerCount = v
	}
	if v := viper.GetStringSlice("webhook_urls"); len(v) > 0 {
		cfg.WebhookURLs = v
	}
	if v := viper.GetString("otlp_endpoint"); v != "" {
		cfg.OTLPEndpoint = v
	}
	if v := viper.GetString("nats_url"); v != "" {
		cfg.NATSURL = v
	}
	return cfg, nil
}

// openDatabase connects to the configured database for one command
// invocation. The caller owns the Close.
func openDatabase() (*db.DB, *repositories.Repositories, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	database, err := db.New(cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := database.Migrate(); err != nil {
		database.Close()
		return nil, nil, fmt.Errorf("failed to run database migrations: %w", err)
	}
	return database, repositories.New(database), nil
}

// resolveTargetRef looks a target up by name, or by id when the
// reference is numeric.
func resolveTargetRef(ctx context.Context, repos *repositories.Repositories, ref string) (*models.Target, error) {
	if ref == "" {
		return nil, fmt.Errorf("a target is required")
	}
	if id, err := strconv.ParseInt(ref, 10, 64); err == nil {
		target, err := repos.Targets.GetByID(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("target %d not found", id)
		}
		return target, nil
	}
	target, err := repos.Targets.GetByName(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("target %q not found", ref)
	}
	return target, nil
}

func resolveScenarioRef(ctx context.Context, repos *repositories.Repositories, ref string) (*models.Scenario, error) {
	if ref == "" {
		return nil, fmt.Errorf("a scenario is required")
	}
	if id, err := strconv.ParseInt(ref, 10, 64); err == nil {
		scenario, err := repos.Scenarios.GetByID(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("scenario %d not found", id)
		}
		return scenario, nil
	}
	scenario, err := repos.Scenarios.GetByName(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("scenario %q not found", ref)
	}
	return scenario, nil
}

// resolveTargetRefs resolves a mixed list of names and ids, preserving
// order and rejecting duplicates.
func resolveTargetRefs(ctx context.Context, repos *repositories.Repositories, refs []string) ([]*models.Target, error) {
	if len(refs) == 0 {
		return nil, fmt.Errorf("at least one target is required")
	}
	seen := make(map[int64]bool, len(refs))
	targets := make([]*models.Target, 0, len(refs))
	for _, ref := range refs {
		target, err := resolveTargetRef(ctx, repos, ref)
		if err != nil {
			return nil, err
		}
		if seen[target.ID] {
			return nil, fmt.Errorf("target %q listed twice", target.Name)
		}
		seen[target.ID] = true
		targets = append(targets, target)
	}
	return targets, nil
}

// targetNames maps target ids to names for display.
func targetNames(ctx context.Context, repos *repositories.Repositories) map[int64]string {
	names := make(map[int64]string)
	targets, err := repos.Targets.List(ctx)
	if err != nil {
		return names
	}
	for _, t := range targets {
		names[t.ID] = t.Name
	}
	return names
}
