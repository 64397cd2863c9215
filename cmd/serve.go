// File: cmd/serve.go
package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jogjitu/vibium/internal/launcher"
	"github.com/jogjitu/vibium/internal/observability"
	"github.com/jogjitu/vibium/internal/proxy"
)

func newServeCommand() *cobra.Command {
	var (
		port     int
		headless bool
	)

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the WebSocket proxy that launches a browser per client",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := observability.GetLogger()

			browserCfg := cfg.Browser
			if cmd.Flags().Changed("headless") {
				browserCfg.Headless = headless
			}
			if !cmd.Flags().Changed("port") {
				port = cfg.Proxy.Port
			}

			l := launcher.New(browserCfg, logger)
			launch := func(ctx context.Context) (string, proxy.ProcessHandle, error) {
				browser, err := l.Launch(ctx)
				if err != nil {
					return "", nil, err
				}
				return browser.WebSocketURL, browser, nil
			}

			router := proxy.NewRouter(launch, proxy.RouterConfig{
				FindTimeout:     cfg.Session.FindTimeout,
				RecordingFPS:    cfg.Recording.FPS,
				RecordingFormat: cfg.Recording.Format,
			}, logger)

			server := proxy.NewServer(
				proxy.WithPort(port),
				proxy.WithLogger(logger),
				proxy.WithOnConnect(router.OnClientConnect),
				proxy.WithOnMessage(router.OnClientMessage),
				proxy.WithOnClose(router.OnClientDisconnect),
			)
			if err := server.Start(); err != nil {
				return fmt.Errorf("failed to start proxy: %w", err)
			}

			logger.Info("Proxy running", zap.Int("port", port))
			<-cmd.Context().Done()

			logger.Info("Shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Proxy.ShutdownTimeout)
			defer cancel()
			if err := server.Stop(shutdownCtx); err != nil {
				logger.Warn("Proxy shutdown was not clean", zap.Error(err))
			}
			router.CloseAll()
			return nil
		},
	}

	serveCmd.Flags().IntVarP(&port, "port", "p", 9222, "port to listen on")
	serveCmd.Flags().BoolVar(&headless, "headless", true, "launch browsers headless")

	return serveCmd
}
