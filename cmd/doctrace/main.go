// doctrace is the CLI for the document-processing dashboard backend:
// login/logout, one-off trace fetches, and live trace watching over
// polling or SSE.
package main

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"doctrace/internal/config"
	"doctrace/internal/logging"
	"doctrace/internal/session"
	"doctrace/internal/store"
	"doctrace/internal/trace"
)

const version = "0.3.0"

var (
	// Global flags
	configPath string
	verbose    bool

	// Logger
	logger *zap.Logger

	cfg *config.Config
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "doctrace",
	Short: "doctrace - document-processing trace client",
	Long: `doctrace talks to the document-processing backend: it manages the
authenticated session (login, token refresh, logout) and keeps a live view
of long-running job traces via polling or server-sent events.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Initialize logger
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		cfg, err = config.Load(configPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if verbose {
			cfg.Logging.DebugMode = true
			cfg.Logging.Level = "debug"
		}

		if err := logging.Initialize(logging.Options{
			DebugMode:  cfg.Logging.DebugMode,
			Dir:        cfg.Logging.Dir,
			Categories: cfg.Logging.Categories,
			Level:      cfg.Logging.Level,
			JSONFormat: cfg.Logging.JSONFormat,
		}); err != nil {
			logger.Warn("file logging unavailable", zap.Error(err))
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.CloseAll()
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// versionCmd prints the client version
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the doctrace version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("doctrace %s\n", version)
	},
}

// newSession builds a Session from the loaded config.
func newSession() (*session.Session, error) {
	var st store.CredentialStore
	var watchFile string

	switch cfg.Auth.Store {
	case "sqlite":
		s, err := store.NewSQLiteStore(cfg.Auth.CredentialsPath)
		if err != nil {
			return nil, fmt.Errorf("open credential store: %w", err)
		}
		st = s
	case "memory":
		st = store.NewMemoryStore()
	default:
		st = store.NewFileStore(cfg.Auth.CredentialsPath)
		if cfg.Auth.WatchCredentials {
			watchFile = cfg.Auth.CredentialsPath
		}
	}

	var cache *store.TraceCache
	if cfg.Sync.CachePath != "" {
		c, err := store.NewTraceCache(cfg.Sync.CachePath)
		if err != nil {
			logger.Warn("trace cache unavailable", zap.Error(err))
		} else {
			cache = c
		}
	}

	return session.New(session.Options{
		BaseURL:       cfg.Backend.BaseURL,
		HTTPClient:    &http.Client{Timeout: config.Duration(cfg.Backend.Timeout, 30*time.Second)},
		Store:         st,
		RefreshMargin: config.Duration(cfg.Auth.RefreshMargin, 0),
		Sync: trace.Options{
			PollInterval:       config.Duration(cfg.Sync.PollInterval, 0),
			BackoffBase:        config.Duration(cfg.Sync.BackoffBase, 0),
			BackoffMax:         config.Duration(cfg.Sync.BackoffMax, 0),
			UnhealthyThreshold: cfg.Sync.UnhealthyThreshold,
		},
		Cache:     cache,
		WatchFile: watchFile,
	})
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "doctrace.yaml"
	}
	return filepath.Join(home, ".doctrace", "config.yaml")
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", defaultConfigPath(), "path to config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(watchCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
