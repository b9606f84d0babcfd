package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/daviddao/mailpilot/internal/config"
	"github.com/daviddao/mailpilot/internal/db"
	"github.com/daviddao/mailpilot/internal/display"
	"github.com/daviddao/mailpilot/internal/logging"
)

// Version is set via ldflags at build time.
var Version = "dev"

var (
	configPath string
	jsonOutput bool
	quietFlag  bool
	cfg        *config.Config
	store      *db.DB
)

// flagKeys maps config keys to the persistent flags that override them.
var flagKeys = map[string]string{
	"db_path":    "db",
	"log.level":  "log-level",
	"log.format": "log-format",
}

var rootCmd = &cobra.Command{
	Use:   "mp",
	Short: "mp - autopilot for your inbox",
	Long: `Mailpilot: triage mail with quick rules and an AI classifier, act on it
through Gmail, IMAP or a helper program, and queue anything that needs a
human for review.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		switch cmd.Name() {
		case "help", "version", "completion":
			return nil
		}

		var err error
		cfg, err = config.Load(config.Options{
			Path:     configPath,
			Flags:    cmd.Flags(),
			FlagKeys: flagKeys,
		})
		if err != nil {
			return err
		}
		level := cfg.LogLevel
		if quietFlag && !cmd.Flags().Changed("log-level") {
			level = "warn"
		}
		if err := logging.Setup(level, cfg.LogFormat); err != nil {
			return err
		}

		// Rules and secrets do not touch the database.
		if p := cmd.Parent(); p != nil && (p.Name() == "rules" || p.Name() == "secret") {
			return nil
		}
		store, err = db.Open(cfg.DBPath)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		log.Debug().Str("db", cfg.DBPath).Str("config", cfg.Path).Msg("ready")
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if store != nil {
			store.Close()
		}
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("mp version %s\n", Version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: $MAILPILOT_CONFIG or ~/.config/mailpilot/config.yaml)")
	rootCmd.PersistentFlags().String("db", "", "Database path (default: ~/.config/mailpilot/mailpilot.db)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().BoolVarP(&quietFlag, "quiet", "q", false, "Suppress non-essential output")
	rootCmd.PersistentFlags().String("log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().String("log-format", "", "Log format: auto, console, json")

	rootCmd.AddCommand(versionCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		display.ErrorMsg("%v", err)
		os.Exit(1)
	}
}
