package main

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/daviddao/mailpilot/internal/cycle"
)

var (
	watchDryRun  bool
	watchAccount string
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Run cycles continuously until interrupted",
	Long: `Poll for new mail every watch.poll and rescan the whole window every
watch.full_scan. After a failed cycle the next one waits for the backoff
delay. With metrics.addr set, Prometheus metrics are served on /metrics.

Stop with Ctrl-C; the item in flight is finished first.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx, appOptions{Account: watchAccount})
		if err != nil {
			return err
		}
		defer a.Close()

		w := cycle.NewWatcher(cycle.WatchConfig{
			DB:               store,
			Runner:           a.runner,
			Backoff:          a.backoff,
			PollInterval:     cfg.PollInterval,
			FullScanInterval: cfg.FullScanInterval,
			StartupScan:      cfg.StartupScan,
			DryRun:           watchDryRun,
		})

		if cfg.MetricsAddr != "" {
			go func() {
				if err := a.metrics.Serve(ctx, cfg.MetricsAddr); err != nil {
					log.Error().Err(err).Str("addr", cfg.MetricsAddr).Msg("metrics server stopped")
				}
			}()
		}
		return w.Run(ctx)
	},
}

func init() {
	watchCmd.Flags().BoolVar(&watchDryRun, "dry-run", false, "Decide but do not act or record anything")
	watchCmd.Flags().StringVar(&watchAccount, "account", "", "Only watch this account")
	rootCmd.AddCommand(watchCmd)
}
