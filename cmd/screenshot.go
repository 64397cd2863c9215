// File: cmd/screenshot.go
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jogjitu/vibium/internal/bidi"
	"github.com/jogjitu/vibium/internal/launcher"
	"github.com/jogjitu/vibium/internal/observability"
	"github.com/jogjitu/vibium/internal/vibe"
)

func newScreenshotCommand() *cobra.Command {
	var output string

	screenshotCmd := &cobra.Command{
		Use:   "screenshot [url]",
		Short: "Navigate to a URL and save a screenshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			browser, err := launcher.New(cfg.Browser, logger).Launch(ctx)
			if err != nil {
				return fmt.Errorf("failed to launch browser: %w", err)
			}

			client, err := bidi.Dial(ctx, browser.WebSocketURL, logger)
			if err != nil {
				stopErr := browser.Stop(ctx)
				if stopErr != nil {
					logger.Warn("Failed to stop browser", zap.Error(stopErr))
				}
				return fmt.Errorf("failed to connect to browser: %w", err)
			}

			session := vibe.NewSession(client,
				vibe.WithProcess(browser), vibe.WithLogger(logger))
			defer func() {
				if err := session.Quit(ctx); err != nil {
					logger.Warn("Session teardown was not clean", zap.Error(err))
				}
			}()

			if err := session.Navigate(ctx, args[0]); err != nil {
				return err
			}
			png, err := session.Screenshot(ctx)
			if err != nil {
				return err
			}

			if err := os.WriteFile(output, png, 0o644); err != nil {
				return fmt.Errorf("failed to write %s: %w", output, err)
			}
			logger.Info("Screenshot saved",
				zap.String("url", args[0]), zap.String("path", output))
			return nil
		},
	}

	screenshotCmd.Flags().StringVarP(&output, "output", "o", "screenshot.png", "output file path")

	return screenshotCmd
}
