package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/acnh-api/acnh-api-public/internal/designs"
	"github.com/acnh-api/acnh-api-public/internal/store"
)

// cacheCmd groups cache maintenance subcommands.
var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Design cache maintenance",
}

// cacheGCCmd rebuilds the cache from the recorded images and reports what
// the configured budget keeps and what it evicts.
var cacheGCCmd = &cobra.Command{
	Use:   "gc",
	Short: "Warm the cache from recorded images and enforce the byte budget",
	Long: `Re-fetches every design image recorded in the database through the
cache, letting the configured byte budget evict the least recently used
complete entries, and prints what survived. Useful after shrinking the
budget or to pre-warm a fresh deployment.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		broker, err := buildBroker(cfg)
		if err != nil {
			return err
		}
		fetcher, err := buildFetcher(cfg, broker)
		if err != nil {
			return err
		}
		c := buildCache(cfg, fetcher)

		db, err := store.Open(cfg.Database.Path)
		if err != nil {
			return err
		}
		defer db.Close()

		recorded, err := db.List(cmd.Context())
		if err != nil {
			return err
		}

		var failed int
		for _, img := range recorded {
			if _, err := c.InvalidateAndRecreate(cmd.Context(), designs.DesignImage{ImageID: img.ImageID}); err != nil {
				failed++
				logger.Warn("refetch failed", zap.Int64("image_id", img.ImageID), zap.Error(err))
			}
		}
		evicted, freed := c.Evict()

		logger.Info("cache gc complete",
			zap.Int("recorded", len(recorded)),
			zap.Int("failed", failed),
			zap.Int("evicted", evicted),
			zap.Int64("freed_bytes", freed))

		fmt.Printf("recorded images: %d\n", len(recorded))
		fmt.Printf("failed fetches:  %d\n", failed)
		fmt.Printf("cached entries:  %d\n", c.Len())
		fmt.Printf("bytes used:      %d / %d budget\n", c.UsedBytes(), c.BudgetBytes())
		fmt.Printf("evicted:         %d entries (%d bytes)\n", evicted, freed)
		return nil
	},
}

func init() {
	cacheCmd.AddCommand(cacheGCCmd)
}
