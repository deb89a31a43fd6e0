package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/spf13/viper"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"buildtriage/backend/internal/api"
	"buildtriage/backend/internal/auth"
	"buildtriage/backend/internal/ci"
	"buildtriage/backend/internal/config"
	"buildtriage/backend/internal/engine"
	"buildtriage/backend/internal/handlers"
	"buildtriage/backend/internal/llm"
	"buildtriage/backend/internal/logging"
	"buildtriage/backend/internal/mcp"
	"buildtriage/backend/internal/notify"
	"buildtriage/backend/internal/prompt"
	"buildtriage/backend/internal/repository"
	"buildtriage/backend/internal/tls"
	"buildtriage/backend/internal/workflow"
)

// triageWorkflowID is the workflow started for incoming CI webhooks.
const triageWorkflowID = "build-triage"

func main() {
	ctx := context.Background()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Configuration loading failed: %v", err)
	}
	logger := logging.NewLogger(cfg.Logging.Level)
	logger.Info("Configuration loaded",
		"config_file", viper.ConfigFileUsed(),
		"workflows_dir", cfg.WorkflowsDir,
		"prompts_dir", cfg.PromptsDir,
		"auth_enabled", cfg.Auth.Enable,
	)

	logger.Info("Starting Build Triage Service")

	// Persistence is optional; without a database the service keeps runs in
	// memory only.
	var store repository.Store
	if cfg.DB.Host != "" {
		pool, err := initDatabase(ctx, cfg)
		if err != nil {
			logger.Error("Failed to initialize database", "error", err)
			log.Fatalf("Database initialization failed: %v", err)
		}
		defer pool.Close()

		pgStore := repository.NewPostgresStore(pool)
		if err := pgStore.Migrate(ctx); err != nil {
			logger.Error("Failed to apply schema", "error", err)
			log.Fatalf("Schema migration failed: %v", err)
		}
		store = pgStore
		logger.Info("Database connected")
	} else {
		logger.Warn("No database configured; finished runs are not persisted")
	}

	templates, err := prompt.LoadDir(cfg.PromptsDir)
	if err != nil {
		logger.Error("Failed to load prompt templates", "error", err)
		log.Fatalf("Prompt template loading failed: %v", err)
	}

	registry, err := buildHandlerRegistry(cfg, logger)
	if err != nil {
		logger.Error("Failed to build handler registry", "error", err)
		log.Fatalf("Handler registration failed: %v", err)
	}

	resources := workflow.Resources{Templates: templates, HandlerNames: registry}
	workflows, err := workflow.LoadDir(cfg.WorkflowsDir, resources)
	if err != nil {
		logger.Error("Failed to load workflows", "error", err)
		log.Fatalf("Workflow loading failed: %v", err)
	}
	logger.Info("Workflows loaded", "count", len(workflows.List()))

	eng := engine.New(registry, templates, engine.Config{
		MaxSteps:             cfg.Engine.MaxSteps,
		StepTimeout:          cfg.Engine.StepTimeout,
		RunTimeout:           cfg.Engine.RunTimeout,
		DefaultMaxRetries:    cfg.Engine.DefaultMaxRetries,
		RetryScope:           engine.RetryScope(cfg.Engine.RetryScope),
		FinishedRunRetention: cfg.Engine.FinishedRunRetention,
	}, logger)

	var sink engine.RunSink
	if store != nil {
		sink = store
	}
	runs := engine.NewManager(eng, workflows, sink, logger)

	logger.Info("Engine initialized")

	// Create Echo server
	e := echo.New()

	// Middleware
	e.Use(otelecho.Middleware("build-triage"))
	e.Use(middleware.Recover())

	// Initialize authentication
	authz, err := auth.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize auth", "error", err)
		log.Fatalf("auth initialization failed: %v", err)
	}

	// Register auth handlers
	e.GET("/login", echo.WrapHandler(http.HandlerFunc(authz.LoginHandler)))
	e.GET("/auth/callback", echo.WrapHandler(http.HandlerFunc(authz.CallbackHandler)))
	e.GET("/logout", echo.WrapHandler(http.HandlerFunc(authz.LogoutHandler)))

	// Mount REST API handlers under /api/v1 behind auth middleware
	apiGroup := e.Group("/api/v1")
	apiGroup.Use(echo.WrapMiddleware(authz.RequireAuth))
	server := api.NewServer(runs, workflows, store, resources, triageWorkflowID, logger)
	server.Register(e, apiGroup)

	logger.Info("REST API handlers mounted")

	// Mount MCP protocol handlers
	mcpServer := mcp.NewServer(runs)
	mcpHandlers := http.NewServeMux()
	mcp.MountHTTPHandlers(mcpHandlers, mcpServer.GetMCPServer())
	e.Any("/mcp/*", echo.WrapHandler(mcpHandlers))

	logger.Info("MCP protocol handlers mounted")

	// Create HTTP server
	addr := cfg.Server.Addr
	if cfg.TLS.Enable && addr == ":8080" {
		addr = ":8443"
	}
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      e,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown handling
	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("Server starting", "address", addr, "tls", cfg.TLS.Enable)
		if cfg.TLS.Enable {
			if cfg.TLS.CertFile == "" || cfg.TLS.KeyFile == "" {
				logger.Error("TLS enabled but cert/key file not provided")
				serverErrors <- httpServer.ListenAndServe()
				return
			}
			// generate if missing and hostnames provided
			if _, err := os.Stat(cfg.TLS.CertFile); os.IsNotExist(err) {
				if len(cfg.TLS.Hostnames) > 0 {
					if err := tls.GenerateSelfSignedCert(cfg.TLS.CertFile, cfg.TLS.KeyFile, cfg.TLS.Hostnames); err != nil {
						logger.Error("failed to generate self-signed cert", "error", err)
					}
				}
			}
			serverErrors <- httpServer.ListenAndServeTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		} else {
			serverErrors <- httpServer.ListenAndServe()
		}
	}()

	// Wait for shutdown signal
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if err != http.ErrServerClosed {
			logger.Error("Server error", "error", err)
			log.Fatalf("Server error: %v", err)
		}
	case sig := <-shutdown:
		logger.Info("Shutdown signal received", "signal", sig.String())

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("Server shutdown error", "error", err)
			if err := httpServer.Close(); err != nil {
				logger.Error("Server close error", "error", err)
			}
		}

		// let in-flight runs finish persisting
		runs.Wait()

		logger.Info("Server stopped gracefully")
	}
}

func buildHandlerRegistry(cfg *config.Config, logger *slog.Logger) (*handlers.Registry, error) {
	deps := handlers.TriageDeps{
		Model: llm.NewHTTPClient(cfg.Model.BaseURL, cfg.Model.APIKey, cfg.Model.Name, cfg.Model.Timeout),
		ModelOptions: llm.Options{
			Model:       cfg.Model.Name,
			Temperature: cfg.Model.Temperature,
			MaxTokens:   cfg.Model.MaxTokens,
		},
	}

	if cfg.Jenkins.BaseURL != "" {
		jenkins := ci.NewJenkinsClient(cfg.Jenkins.BaseURL, cfg.Jenkins.Username, cfg.Jenkins.APIToken)
		deps.Retrier = jenkins
		deps.Logs = jenkins
	} else {
		logger.Warn("No Jenkins endpoint configured; retry actions are disabled")
	}

	senders := make(map[string]notify.Notifier)
	if cfg.Notifications.SlackWebhookURL != "" {
		senders[notify.ChannelSlack] = notify.NewSlackNotifier(cfg.Notifications.SlackWebhookURL)
	}
	if smtp := cfg.Notifications.SMTP; smtp.Addr != "" {
		host, portStr, err := net.SplitHostPort(smtp.Addr)
		if err != nil {
			return nil, fmt.Errorf("invalid smtp addr %q: %w", smtp.Addr, err)
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, fmt.Errorf("invalid smtp port %q: %w", portStr, err)
		}
		senders[notify.ChannelEmail] = notify.NewEmailNotifier(host, port, smtp.Username, smtp.Password, smtp.From, smtp.To)
	}
	deps.Notifier = notify.NewRouter(senders)

	registry := handlers.NewRegistry()
	if err := handlers.RegisterTriage(registry, deps); err != nil {
		return nil, err
	}
	return registry, nil
}

func initDatabase(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Test connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return pool, nil
}
