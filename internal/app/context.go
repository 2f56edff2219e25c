package app

import (
	"database/sql"
	"fmt"
	"log"
	"os"

	"okrio/internal/config"
	"okrio/internal/db"
	"okrio/internal/engine"
	"okrio/internal/events"
	"okrio/internal/migrate"
	"okrio/internal/policy"
	"okrio/internal/repo"
)

// App wires the workspace database, policy configuration and workflow
// engine together for the CLI and the HTTP server.
type App struct {
	DB     *sql.DB
	Config *config.Config
	Policy *policy.Engine
	Repo   repo.Repo
	Events events.Writer
	Engine engine.Engine
	Logger *log.Logger
}

// Open opens the workspace, runs migrations and loads the policy config,
// seeding the default config file if the workspace has none.
func Open(workspace string, logger *log.Logger) (*App, error) {
	if logger == nil {
		logger = log.Default()
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	cfg, err := config.Load(workspace)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return build(conn, cfg, logger), nil
}

// Init creates a fresh workspace: directory, database and the default
// okrio.yml. It fails if a config already exists.
func Init(workspace, tenantID string, logger *log.Logger) (*App, error) {
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return nil, err
	}
	path := config.Path(workspace)
	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("config %s already exists", path)
	}
	if err := os.WriteFile(path, []byte(config.GenerateDefault(tenantID)), 0o644); err != nil {
		return nil, err
	}
	return Open(workspace, logger)
}

func build(conn *sql.DB, cfg *config.Config, logger *log.Logger) *App {
	pol := policy.NewEngine(cfg.Ruleset())
	r := repo.Repo{DB: conn}
	sink := events.Writer{DB: conn}
	eng := engine.New(r, pol, sink, cfg.Tenant.ID)
	eng.Logger = logger
	return &App{
		DB:     conn,
		Config: cfg,
		Policy: pol,
		Repo:   r,
		Events: sink,
		Engine: eng,
		Logger: logger,
	}
}

// ReloadPolicy re-reads the config file and swaps the compiled ruleset
// atomically. Concurrent decisions keep the set they started with.
func (a *App) ReloadPolicy(workspace string) error {
	cfg, err := config.Load(workspace)
	if err != nil {
		return err
	}
	a.Config = cfg
	a.Policy.Swap(cfg.Ruleset())
	a.Logger.Printf("policy ruleset reloaded for tenant %s", cfg.Tenant.ID)
	return nil
}

func (a *App) Close() error {
	return a.DB.Close()
}
