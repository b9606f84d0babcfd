package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/daviddao/mailpilot/internal/config"
	"github.com/daviddao/mailpilot/internal/credential"
	"github.com/daviddao/mailpilot/internal/display"
)

var secretCmd = &cobra.Command{
	Use:   "secret",
	Short: "Store API keys and passwords in the system keyring",
	Long: `Secrets never live in the config file. They are read from MAILPILOT_*
environment variables first, then from the system keyring.

Keys:
  anthropic-api-key          Anthropic API key (ANTHROPIC_API_KEY also works)
  imap-password/<account>    IMAP password of an account`,
}

var secretSetCmd = &cobra.Command{
	Use:   "set <key>",
	Short: "Prompt for a secret and store it in the keyring",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		key := args[0]
		if err := checkSecretKey(key); err != nil {
			return err
		}
		value, err := promptSecret(cmd.Context(), key)
		if err != nil {
			return err
		}
		if err := credential.Set(key, strings.TrimSpace(value)); err != nil {
			return err
		}
		display.SuccessMsg("Stored %s", key)
		return nil
	},
}

var secretCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Report which configured secrets can be resolved",
	RunE: func(cmd *cobra.Command, args []string) error {
		keys := []string{}
		if cfg.Classifier.Backend == "anthropic" {
			keys = append(keys, credential.AnthropicKey)
		}
		for _, a := range cfg.Accounts {
			if a.Type == config.AccountIMAP {
				keys = append(keys, credential.IMAPPasswordKey(a.Name))
			}
		}
		if len(keys) == 0 {
			fmt.Println("No secrets needed by this configuration.")
			return nil
		}
		var missing int
		for _, k := range keys {
			if _, err := credential.Get(k); err != nil {
				missing++
				display.ErrorMsg("%s: %v", k, err)
				continue
			}
			display.SuccessMsg("%s", k)
		}
		if missing > 0 {
			return fmt.Errorf("%d secrets missing", missing)
		}
		return nil
	},
}

func checkSecretKey(key string) error {
	if key == credential.AnthropicKey {
		return nil
	}
	if name, ok := strings.CutPrefix(key, "imap-password/"); ok && name != "" {
		return nil
	}
	return errors.New("unknown key (valid: anthropic-api-key, imap-password/<account>)")
}

func init() {
	secretCmd.AddCommand(secretSetCmd, secretCheckCmd)
	rootCmd.AddCommand(secretCmd)
}
