package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dbsmedya/goforget/internal/access"
	"github.com/dbsmedya/goforget/internal/app"
	"github.com/dbsmedya/goforget/internal/classify"
	"github.com/dbsmedya/goforget/internal/database"
	"github.com/dbsmedya/goforget/internal/lock"
	"github.com/dbsmedya/goforget/internal/logger"
	"github.com/dbsmedya/goforget/internal/transport/httpapi"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	Long: `Serve exposes the erasure workflow over HTTP. Requests under /v1 need an
HS256 bearer token signed with http.jwt_signing_key; the token's role claim
selects the caller's privilege. /healthz and /metrics are public.

Example:
  goforget serve --addr :8080`,
	RunE: runServe,
}

var initSchemaCmd = &cobra.Command{
	Use:   "init-schema",
	Short: "Create the compliance and retention tables",
	Long: `Init-schema creates the erasure request, operation, discovery,
notification, audit and retention policy tables when they do not exist.
Running it again is safe.

Example:
  goforget init-schema --config goforget.yaml`,
	RunE: runInitSchema,
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration and run preflight checks",
	Long: `Validate checks the configuration file and runs preflight checks
before any request is processed.

Checks performed:
  - Configuration syntax and required fields
  - Connectivity of every enrolled store
  - Classification rules compile
  - Lock backend reachability

Example:
  goforget validate --config goforget.yaml`,
	RunE: runValidate,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (overrides http.addr)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(initSchemaCmd)
	rootCmd.AddCommand(validateCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	tokens, err := httpapi.NewTokenValidator(cfg.HTTP.JWTSigningKey, cfg.HTTP.JWTIssuer)
	if err != nil {
		return err
	}
	addr := cfg.HTTP.Addr
	if serveAddr != "" {
		addr = serveAddr
	}
	return withApp(func(ctx context.Context, a *app.App, c access.Capability) error {
		srv := httpapi.NewServer(a, tokens, a.Logger())
		return httpapi.Run(ctx, addr, srv, a.Logger())
	})
}

func runInitSchema(cmd *cobra.Command, args []string) error {
	return withApp(func(ctx context.Context, a *app.App, c access.Capability) error {
		if err := a.InitSchema(ctx); err != nil {
			return fmt.Errorf("schema initialization failed: %w", err)
		}
		success(cmd.OutOrStdout(), "Compliance schema is ready")
		return nil
	})
}

func runValidate(cmd *cobra.Command, args []string) error {
	configFile := GetConfigFile()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log, err := logger.New(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Sync()
	log.Info("Starting validation checks...")

	w := cmd.OutOrStdout()
	ctx := context.Background()
	heading(w, "Configuration Validation")
	cmd.Printf("Config file:  %s\n", configFile)
	cmd.Printf("Stores:       %d (%d data)\n", len(cfg.Stores), len(cfg.DataStoreNames()))
	cmd.Printf("Processors:   %d\n\n", len(cfg.ThirdParty.Processors))

	hasErrors := false

	dbm := database.NewManager(cfg)
	defer dbm.Close()
	for _, name := range cfg.StoreNames() {
		if err := dbm.ConnectStores(ctx, name); err != nil {
			failure(w, "Store %s: %v", name, err)
			hasErrors = true
			continue
		}
		db, _ := dbm.DB(name)
		if err := db.PingContext(ctx); err != nil {
			failure(w, "Store %s: ping failed: %v", name, err)
			hasErrors = true
			continue
		}
		success(w, "Store %s reachable", name)
	}

	if _, err := classify.FromConfig(cfg.Discovery.Tokens, cfg.Classification); err != nil {
		failure(w, "Classification rules: %v", err)
		hasErrors = true
	} else {
		success(w, "Classification rules compile (%d custom)", len(cfg.Classification.Rules))
	}

	if cfg.Locking.Backend == "redis" {
		client, err := lock.NewRedisClient(ctx, cfg.Locking.RedisURL)
		if err != nil {
			failure(w, "Redis lock backend: %v", err)
			hasErrors = true
		} else {
			_ = client.Close()
			success(w, "Redis lock backend reachable")
		}
	}

	if cfg.HTTP.JWTSigningKey == "" {
		cmd.PrintErrln("warning: http.jwt_signing_key is empty, serve will refuse to start")
	}

	if hasErrors {
		return errors.New("validation failed")
	}
	cmd.Println()
	cmd.Println("=== Validation Complete ===")
	success(w, "Configuration validated successfully")
	return nil
}
