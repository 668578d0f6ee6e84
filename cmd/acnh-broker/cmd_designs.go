package main

import (
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/acnh-api/acnh-api-public/internal/designs"
)

var designsPro bool

// designsCmd lists the designs an author currently has in kiosk slots.
var designsCmd = &cobra.Command{
	Use:   "designs <author-id>",
	Short: "List an author's designs",
	Args:  cobra.ExactArgs(1),
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

		authorID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			// Accept pretty creator IDs too.
			authorID, err = creatorNumericID(args[0])
			if err != nil {
				return fmt.Errorf("author ID %q is not numeric", args[0])
			}
		}

		listed, err := fetcher.ListDesigns(cmd.Context(), authorID, designsPro)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "CODE\tNAME\tCREATED")
		for _, d := range listed {
			fmt.Fprintf(w, "%s\t%s\t%s\n", d.DesignCode, d.DesignName, d.CreatedAt.Format(time.DateOnly))
		}
		if err := w.Flush(); err != nil {
			return err
		}
		fmt.Printf("\n%d/%d kiosk slots in use\n", len(listed), designs.MaxDesigns)
		return nil
	},
}

func init() {
	designsCmd.Flags().BoolVar(&designsPro, "pro", false, "list pro designs instead of basic ones")
}
