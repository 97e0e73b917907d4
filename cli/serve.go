package cli

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/juanfont/impersonate/config"
	"github.com/juanfont/impersonate/server"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP service",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.GetConfig()
		if err := config.ValidateServe(cfg); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		srv, err := server.New(ctx, cfg)
		if err != nil {
			return err
		}
		defer func() {
			if err := srv.Close(); err != nil {
				log.Error().Err(err).Msg("Failed to close server resources")
			}
		}()

		return srv.Run(ctx)
	},
}
