package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nexus-shell/nxsh/pkg/plugin"
	"github.com/nexus-shell/nxsh/pkg/signature"
)

var lsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List plugin modules in the plugin directory",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()

		entries, err := os.ReadDir(cfg.PluginDir)
		if err != nil {
			if os.IsNotExist(err) {
				fmt.Printf("No plugin directory at %s\n", cfg.PluginDir)
				return
			}
			fmt.Fprintf(os.Stderr, "Error reading plugin directory: %v\n", err)
			os.Exit(1)
		}

		for _, e := range entries {
			name := e.Name()
			if e.IsDir() || !(strings.HasSuffix(name, ".wasm") || strings.HasSuffix(name, ".wasm.age")) {
				continue
			}
			path := cfg.PluginDir + "/" + name

			manifest, err := plugin.LoadManifest(plugin.ManifestPathFor(path))
			if err != nil {
				fmt.Printf("%-40s (manifest error: %v)\n", name, err)
				continue
			}
			meta := manifest.ToMetadata()

			signed := "unsigned"
			if _, err := os.Stat(signature.SidecarPath(path)); err == nil {
				signed = "signed"
			}
			fmt.Printf("%-40s %-24s %s\n", name, meta.ID(), signed)
		}
	},
}

func init() {
	rootCmd.AddCommand(lsCmd)
}
