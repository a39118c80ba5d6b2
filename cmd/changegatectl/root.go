package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile   string
	serverURL string
	outputFmt string
	actAs     string
	actRoles  string
)

var rootCmd = &cobra.Command{
	Use:   "changegatectl",
	Short: "CLI for the changegate server",
	Long: `changegatectl drives security changes through their lifecycle: submit,
test, approve, deploy, roll back and cancel. It also covers emergency
response and audit queries.

The acting principal is sent with every mutating call. Set it with --as and
--roles, or persist it in the config file (~/.changegate.yaml).`,
	PersistentPreRunE: loadConfig,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default ~/.changegate.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "Changegate server URL (default http://localhost:8080)")
	rootCmd.PersistentFlags().StringVarP(&outputFmt, "output", "o", "table", "Output format: table, json, yaml")
	rootCmd.PersistentFlags().StringVar(&actAs, "as", "", "Acting principal for mutating operations")
	rootCmd.PersistentFlags().StringVar(&actRoles, "roles", "", "Comma-separated roles held by the acting principal")

	rootCmd.AddCommand(changesCmd)
	rootCmd.AddCommand(workflowsCmd)
	rootCmd.AddCommand(emergenciesCmd)
	rootCmd.AddCommand(auditCmd)
	rootCmd.AddCommand(healthCmd)
}

// loadConfig resolves flag defaults from the config file and environment.
// Precedence: flag > CHANGEGATE_CTL_* env > config file > built-in default.
func loadConfig(cmd *cobra.Command, _ []string) error {
	v := viper.New()
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			v.SetConfigFile(filepath.Join(home, ".changegate.yaml"))
		}
	}
	v.SetConfigType("yaml")
	v.SetEnvPrefix("CHANGEGATE_CTL")
	v.AutomaticEnv()
	v.SetDefault("server", "http://localhost:8080")

	// The default config file is optional; one named explicitly is not.
	if err := v.ReadInConfig(); err != nil && cfgFile != "" {
		return fmt.Errorf("reading config %s: %w", cfgFile, err)
	}

	if serverURL == "" {
		serverURL = v.GetString("server")
	}
	if actAs == "" {
		actAs = v.GetString("as")
	}
	if actRoles == "" {
		actRoles = v.GetString("roles")
	}
	return nil
}
