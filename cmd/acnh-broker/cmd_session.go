package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// sessionCmd forces a full two-stage login and reports the broker state.
var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Perform a full login and print session state",
	Long: `Runs the two-stage login: platform account login with the console's
device credentials, then the game token exchange with the recovered title
key. Prints the resulting broker state and token expiry. The bearer token
itself is never printed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		broker, err := buildBroker(cfg)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 2*cfg.UpstreamTimeout())
		defer cancel()

		start := time.Now()
		sess, err := broker.EnsureSession(ctx)
		if err != nil {
			logger.Error("login failed", zap.String("state", broker.State().String()), zap.Error(err))
			return err
		}

		logger.Info("login complete",
			zap.String("state", broker.State().String()),
			zap.Duration("took", time.Since(start)))

		fmt.Printf("state:   %s\n", broker.State())
		fmt.Printf("issued:  %s\n", sess.IssuedAt.Format(time.RFC3339))
		fmt.Printf("expires: %s (in %s)\n", sess.ExpiresAt.Format(time.RFC3339),
			time.Until(sess.ExpiresAt).Round(time.Second))
		return nil
	},
}
