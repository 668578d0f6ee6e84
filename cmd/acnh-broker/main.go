package main

import (
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/acnh-api/acnh-api-public/internal/cache"
	"github.com/acnh-api/acnh-api-public/internal/config"
	"github.com/acnh-api/acnh-api-public/internal/credstore"
	"github.com/acnh-api/acnh-api-public/internal/designs"
	"github.com/acnh-api/acnh-api-public/internal/keymat"
	"github.com/acnh-api/acnh-api-public/internal/logging"
	"github.com/acnh-api/acnh-api-public/internal/session"
)

var (
	// Global flags
	configPath string
	debug      bool

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "acnh-broker",
	Short: "Session broker and design cache for the ACNH custom-design service",
	Long: `acnh-broker impersonates a specific console and game title to the
remote authentication service, exchanges console credentials for short-lived
bearer tokens, and fetches, decodes, and caches multi-layer custom designs.

Key material never leaves the session broker; commands print derived
identifiers only.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if debug {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
		logging.CloseAll()
	},
}

func main() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "path to the configuration file")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "enable debug logging")

	rootCmd.AddCommand(deriveCmd)
	rootCmd.AddCommand(sessionCmd)
	rootCmd.AddCommand(fetchCmd)
	rootCmd.AddCommand(designsCmd)
	rootCmd.AddCommand(cacheCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads the configuration and brings up the category file logger.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if debug {
		cfg.Logging.Debug = true
		cfg.Logging.Level = "debug"
	}
	if err := logging.Initialize(logging.Options{
		Dir:        cfg.Logging.Dir,
		Debug:      cfg.Logging.Debug,
		Level:      cfg.Logging.Level,
		Categories: cfg.Logging.Categories,
	}); err != nil {
		return nil, err
	}
	return cfg, nil
}

// deriveMaterial runs the key material derivation from the configured
// console inputs.
func deriveMaterial(cfg *config.Config) (keymat.KeyMaterial, error) {
	keysetRaw, err := os.ReadFile(cfg.KeysetPath)
	if err != nil {
		return keymat.KeyMaterial{}, fmt.Errorf("reading keyset: %w", err)
	}
	keyset, err := keymat.ParseKeyset(keysetRaw)
	if err != nil {
		return keymat.KeyMaterial{}, err
	}
	prodinfo, err := os.ReadFile(cfg.ProdinfoPath)
	if err != nil {
		return keymat.KeyMaterial{}, fmt.Errorf("reading calibration image: %w", err)
	}
	ticket, err := os.ReadFile(cfg.TicketPath)
	if err != nil {
		return keymat.KeyMaterial{}, fmt.Errorf("reading ticket: %w", err)
	}
	return keymat.ConsoleDeriver{}.Derive(keyset, prodinfo, ticket)
}

// buildBroker wires config and key material into a session broker.
func buildBroker(cfg *config.Config) (*session.Broker, error) {
	creds, err := credstore.FromConfig(cfg)
	if err != nil {
		return nil, err
	}
	material, err := deriveMaterial(cfg)
	if err != nil {
		return nil, err
	}
	return session.New(material, creds, session.Options{
		PlatformBaseURL: cfg.Upstream.PlatformBaseURL,
		GameBaseURL:     cfg.Upstream.GameBaseURL,
		HTTPClient:      &http.Client{Timeout: cfg.UpstreamTimeout()},
	}), nil
}

// buildFetcher wires a broker into a design fetcher.
func buildFetcher(cfg *config.Config, broker *session.Broker) (*designs.Fetcher, error) {
	creatorID, err := creatorNumericID(cfg.DesignCreatorID)
	if err != nil {
		return nil, err
	}
	return designs.NewFetcher(broker, designs.Options{
		BaseURL:    cfg.Upstream.GameBaseURL,
		HTTPClient: &http.Client{Timeout: cfg.UpstreamTimeout()},
		CreatorID:  creatorID,
	}), nil
}

func buildCache(cfg *config.Config, fetcher *designs.Fetcher) *cache.Cache {
	return cache.New(fetcher, cache.Options{BudgetBytes: cfg.Cache.BudgetBytes})
}

// creatorNumericID strips the display prefix and hyphens from a creator ID
// like "MA-1234-5678-9012".
func creatorNumericID(pretty string) (int64, error) {
	var digits strings.Builder
	for _, r := range pretty {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	if digits.Len() == 0 {
		return 0, fmt.Errorf("creator ID %q contains no digits", pretty)
	}
	id, err := strconv.ParseInt(digits.String(), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("creator ID %q is not numeric: %w", pretty, err)
	}
	return id, nil
}
