package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/carecloud/agentd/internal/config"
)

var configureShow bool

var configureCmd = &cobra.Command{
	Use:   "configure",
	Short: "Write or inspect the agentd configuration file",
	Long: `Write the effective configuration (defaults, config file and
AGENTD_* environment variables merged) back to the config file, or
print it with --show. Secrets are redacted in printed output.`,
	RunE: runConfigure,
}

func init() {
	configureCmd.Flags().BoolVar(&configureShow, "show", false, "print the effective configuration without saving")
	rootCmd.AddCommand(configureCmd)
}

func runConfigure(cmd *cobra.Command, args []string) error {
	loader := config.NewLoader(cfgFile)
	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	if configureShow {
		fmt.Println(cfg.String())
		return nil
	}

	if err := loader.Save(cfg); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}

	fmt.Printf("Configuration saved to: %s\n", loader.GetConfigPath())
	fmt.Println("\nSet AGENTD_LLM_API_KEY (and AGENTD_EMBEDDING_API_KEY for retrieval),")
	fmt.Println("then start agentd with: agentd serve")
	return nil
}
