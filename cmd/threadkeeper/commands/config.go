package commands

import (
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/jholhewres/threadkeeper/pkg/threadkeeper/copilot"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var secretNames = []string{
	copilot.SecretLLMKey,
	copilot.SecretDiscord,
	copilot.SecretBraveKey,
	copilot.SecretImageGenKey,
}

// newConfigCmd creates the `threadkeeper config` command group.
func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and validate configuration",
		Long: `Inspect and validate the threadkeeper configuration and manage
secrets stored in the OS keyring.

Examples:
  threadkeeper config validate
  threadkeeper config show
  threadkeeper config set-key discord_token`,
	}

	cmd.AddCommand(
		newConfigValidateCmd(),
		newConfigShowCmd(),
		newConfigSetKeyCmd(),
		newConfigDeleteKeyCmd(),
	)
	return cmd
}

func newConfigValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Load the configuration and report every problem",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, path, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("%s is invalid:\n%w", path, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s is valid\n", path)
			return nil
		},
	}
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration with secrets masked",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			redacted := *cfg
			redacted.LLM.APIKey = mask(cfg.LLM.APIKey)
			redacted.Discord.Token = mask(cfg.Discord.Token)
			redacted.WebSearch.BraveAPIKey = mask(cfg.WebSearch.BraveAPIKey)
			redacted.ImageGeneration.APIKey = mask(cfg.ImageGeneration.APIKey)
			redacted.Database.PostgreSQL.Password = mask(cfg.Database.PostgreSQL.Password)

			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(&redacted)
		},
	}
}

func newConfigSetKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "set-key <name>",
		Short:     "Store a secret in the OS keyring",
		Long:      "Store a secret in the OS keyring. Names: " + strings.Join(secretNames, ", "),
		Args:      cobra.ExactArgs(1),
		ValidArgs: secretNames,
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			if !slices.Contains(secretNames, name) {
				return fmt.Errorf("unknown secret %q (expected one of %s)", name, strings.Join(secretNames, ", "))
			}
			value, err := copilot.ReadPassword(fmt.Sprintf("Value for %s: ", name))
			if err != nil {
				return fmt.Errorf("reading secret: %w", err)
			}
			value = strings.TrimSpace(value)
			if value == "" {
				return fmt.Errorf("empty value, nothing stored")
			}
			if err := copilot.StoreKeyring(name, value); err != nil {
				return fmt.Errorf("storing %s in keyring: %w", name, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s stored in the OS keyring\n", name)
			return nil
		},
	}
}

func newConfigDeleteKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "delete-key <name>",
		Short:     "Remove a secret from the OS keyring",
		Args:      cobra.ExactArgs(1),
		ValidArgs: secretNames,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := copilot.DeleteKeyring(args[0]); err != nil {
				return fmt.Errorf("deleting %s: %w", args[0], err)
			}
			fmt.Fprintf(os.Stderr, "%s removed\n", args[0])
			return nil
		},
	}
}

func mask(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 8 {
		return "****"
	}
	return secret[:4] + "****"
}
