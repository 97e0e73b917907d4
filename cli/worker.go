package cli

import (
	"github.com/juanfont/impersonate/config"
	"github.com/juanfont/impersonate/tasks"
	"github.com/spf13/cobra"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the background worker that expires impersonation sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.GetConfig()

		db, err := openDatabase(cfg)
		if err != nil {
			return err
		}
		defer db.Close()

		serverCfg := tasks.DefaultServerConfig(tasks.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if cfg.Worker.Concurrency > 0 {
			serverCfg.Concurrency = cfg.Worker.Concurrency
		}

		srv := tasks.NewServer(serverCfg)
		srv.Handle(tasks.TaskTypeExpireImpersonation, tasks.NewExpireHandler(db))

		// Run returns on SIGINT or SIGTERM.
		return srv.Run()
	},
}
