package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/quantfeed/klined/internal/config"
	"github.com/quantfeed/klined/internal/lifecycle"
)

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "klined",
		Short: "Multi-timeframe k-line data node",
		Long: "klined ingests 1m futures candles from the upstream exchange, rolls them\n" +
			"up into higher timeframes and serves them through a Binance-compatible\n" +
			"klines API.",
		SilenceUsage: true,
	}
	root.AddCommand(serveCmd(), migrateCmd())
	return root
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the data node",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			app, err := lifecycle.Build(ctx, cfg)
			if err != nil {
				return err
			}
			return app.Run(ctx)
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the kline tables and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			st := lifecycle.OpenStore(cfg)
			defer st.Close()
			if err := st.EnsureSchema(cmd.Context()); err != nil {
				return err
			}
			fmt.Println("schema up to date")
			return nil
		},
	}
}
