package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/gookit/color"
	"github.com/spf13/cobra"

	"github.com/dbsmedya/goforget/internal/access"
	"github.com/dbsmedya/goforget/internal/app"
	"github.com/dbsmedya/goforget/internal/config"
	"github.com/dbsmedya/goforget/internal/database"
	"github.com/dbsmedya/goforget/internal/logger"
)

// Version information (set via ldflags at build time)
var (
	Version = "0.0.1-dev"
	Commit  = "unknown"
)

// CLI flags that override config file values
var (
	cfgFile       string
	logLevel      string
	logFormat     string
	concurrency   int
	lookbackHours int
	role          string
	noColor       bool
	jsonOutput    bool
)

var rootCmd = &cobra.Command{
	Use:   "goforget",
	Short: "GDPR right-to-be-forgotten orchestrator",
	Long: `GoForget discovers a data subject's personal data across enrolled
relational stores and erases it through an audited request lifecycle.

Features:
  - Schema scan with rule-based PII classification
  - Request lifecycle with legal-hold checks before every destructive step
  - Per-location delete or pseudonymize with failure isolation
  - Point-in-time deletion verification
  - Third-party processor notification over Kafka
  - Hash-stamped append-only audit trail`,
	Version:      Version,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		color.Enable = !noColor && !jsonOutput
	},
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "goforget.yaml",
		"Path to configuration file")

	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"Override log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "",
		"Override log format (json, text)")

	rootCmd.PersistentFlags().IntVar(&concurrency, "concurrency", 0,
		"Override discovery and execution concurrency")
	rootCmd.PersistentFlags().IntVar(&lookbackHours, "lookback-hours", 0,
		"Override the verification lookback window")

	rootCmd.PersistentFlags().StringVar(&role, "role", "operator",
		"Caller role used to mask subject data in output")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false,
		"Disable colored output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false,
		"Print results as JSON")
}

// GetConfigFile returns the config file path
func GetConfigFile() string {
	return cfgFile
}

// CLIOverrides contains flag values that override config file settings
type CLIOverrides struct {
	LogLevel      string
	LogFormat     string
	Concurrency   int
	LookbackHours int
	Role          string
}

// GetCLIOverrides returns the CLI flag override values
func GetCLIOverrides() CLIOverrides {
	return CLIOverrides{
		LogLevel:      logLevel,
		LogFormat:     logFormat,
		Concurrency:   concurrency,
		LookbackHours: lookbackHours,
		Role:          role,
	}
}

// loadConfig reads, overrides and validates the configuration.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(GetConfigFile())
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	o := GetCLIOverrides()
	cfg.ApplyOverrides(o.LogLevel, o.LogFormat, o.Concurrency, o.LookbackHours)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// withApp loads configuration, connects the stores and runs fn with the
// caller capability selected by --role.
func withApp(fn func(ctx context.Context, a *app.App, c access.Capability) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log, err := logger.New(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Sync()

	ctx := database.SetupSignalHandlerWithCallback(func(sig os.Signal) {
		log.Warnw("Received signal, stopping", "signal", sig.String())
	})

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("failed to start: %w", err)
	}
	defer a.Close()

	return fn(ctx, a, a.Capability(GetCLIOverrides().Role))
}
