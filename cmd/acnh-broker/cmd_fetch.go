package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/acnh-api/acnh-api-public/internal/config"
	"github.com/acnh-api/acnh-api-public/internal/designs"
	"github.com/acnh-api/acnh-api-public/internal/store"
)

var (
	fetchOutDir  string
	fetchAsImage bool
)

// fetchCmd downloads a design (or a whole multi-layer image) and optionally
// writes the decoded artifacts to disk.
var fetchCmd = &cobra.Command{
	Use:   "fetch <design-code | image-id>",
	Short: "Fetch and decode a design",
	Long: `Fetches a single design by its hyphenated code, or a whole multi-layer
image by numeric ID with --image. Image fetches go through the cache and
record metadata in the database; single-layer image entries also get a
combined zip bundle when --out is set.`,
	Args: cobra.ExactArgs(1),
	RunE: runFetch,
}

func init() {
	fetchCmd.Flags().StringVarP(&fetchOutDir, "out", "o", "", "directory to write decoded PNGs into")
	fetchCmd.Flags().BoolVar(&fetchAsImage, "image", false, "treat the argument as a numeric design image ID")
}

func runFetch(cmd *cobra.Command, args []string) error {
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

	if fetchAsImage {
		imageID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("image ID %q is not numeric", args[0])
		}
		return fetchImage(cmd, cfg, fetcher, imageID)
	}
	return fetchDesign(cmd, fetcher, args[0])
}

func fetchDesign(cmd *cobra.Command, fetcher *designs.Fetcher, code string) error {
	container, err := fetcher.DownloadDesign(cmd.Context(), code)
	if err != nil {
		return err
	}

	fmt.Printf("design:  %s\n", code)
	fmt.Printf("name:    %s (island %s)\n", container.Meta.DesignName, container.Meta.IslandName)
	fmt.Printf("layers:  %d\n", len(container.Layers))

	if fetchOutDir == "" {
		return nil
	}
	if err := os.MkdirAll(fetchOutDir, 0755); err != nil {
		return err
	}
	for _, layer := range container.Layers {
		path := filepath.Join(fetchOutDir, fmt.Sprintf("%s_%d.png", code, layer.Index))
		if err := os.WriteFile(path, layer.PNG, 0644); err != nil {
			return err
		}
		fmt.Printf("wrote %s\n", path)
	}
	if len(container.Preview) > 0 {
		path := filepath.Join(fetchOutDir, code+"_preview.png")
		if err := os.WriteFile(path, container.Preview, 0644); err != nil {
			return err
		}
		fmt.Printf("wrote %s\n", path)
	}
	return nil
}

func fetchImage(cmd *cobra.Command, cfg *config.Config, fetcher *designs.Fetcher, imageID int64) error {
	c := buildCache(cfg, fetcher)
	entry, err := c.InvalidateAndRecreate(cmd.Context(), designs.DesignImage{ImageID: imageID})
	if err != nil {
		return err
	}

	logger.Info("image fetched",
		zap.Int64("image_id", imageID),
		zap.Int("layers", entry.Completeness()),
		zap.Int("required", entry.Image.DesignsRequired),
		zap.Bool("partial", entry.Partial()))

	fmt.Printf("image:    %d (%s by %s)\n", entry.Image.ImageID, entry.Image.ImageName, entry.Image.AuthorName)
	fmt.Printf("layers:   %d/%d", entry.Completeness(), entry.Image.DesignsRequired)
	if entry.Partial() {
		fmt.Print("  (partial: some kiosk slots were pruned upstream)")
	}
	fmt.Println()

	if cfg.Database.Path != "" {
		db, err := store.Open(cfg.Database.Path)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := db.Upsert(cmd.Context(), entry.Image, entry.Layers); err != nil {
			return err
		}
	}

	if fetchOutDir == "" {
		return nil
	}
	if err := os.MkdirAll(fetchOutDir, 0755); err != nil {
		return err
	}
	for _, layer := range entry.Layers {
		path := filepath.Join(fetchOutDir, fmt.Sprintf("image%d_layer%d.png", imageID, layer.Position))
		if err := os.WriteFile(path, layer.PNG, 0644); err != nil {
			return err
		}
		fmt.Printf("wrote %s\n", path)
	}
	if blob, err := entry.Bundle(); err == nil {
		path := filepath.Join(fetchOutDir, fmt.Sprintf("image%d.zip", imageID))
		if err := os.WriteFile(path, blob, 0644); err != nil {
			return err
		}
		fmt.Printf("wrote %s\n", path)
	}
	return nil
}
