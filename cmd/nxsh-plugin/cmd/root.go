package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nexus-shell/nxsh/pkg/config"
	"github.com/nexus-shell/nxsh/pkg/plugin"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "nxsh-plugin",
	Short: "Plugin tooling for the nxsh shell",
	Long:  `Manage, sign, inspect and run nxsh WebAssembly plugins.`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to nxsh-plugin.yaml")
}

func loadConfig() *plugin.Config {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}
	return cfg
}
