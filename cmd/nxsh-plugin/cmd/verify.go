package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nexus-shell/nxsh/pkg/plugin"
	"github.com/nexus-shell/nxsh/pkg/signature"
	"github.com/nexus-shell/nxsh/pkg/telemetry"
)

var verifyCmd = &cobra.Command{
	Use:   "verify [module.wasm]",
	Short: "Verify a plugin module signature against the trust store",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		modulePath := args[0]
		cfg := loadConfig()
		ctx := context.Background()

		manifest, err := plugin.LoadManifest(plugin.ManifestPathFor(modulePath))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading manifest: %v\n", err)
			os.Exit(1)
		}
		meta := manifest.ToMetadata()

		module, err := os.ReadFile(modulePath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading module: %v\n", err)
			os.Exit(1)
		}

		verifier := signature.NewVerifier(cfg, telemetry.NewNoopLogger(), plugin.NewBus())
		if err := verifier.Initialize(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Error initializing verifier: %v\n", err)
			os.Exit(1)
		}

		result, err := verifier.Verify(ctx, modulePath, module, meta)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Verification failed: %v\n", err)
			os.Exit(1)
		}
		if !result.Valid {
			fmt.Printf("%s: unsigned (%s)\n", meta.ID(), result.Reason)
			return
		}
		fmt.Printf("%s: signature valid (key '%s')\n", meta.ID(), result.KeyID)
	},
}

func init() {
	rootCmd.AddCommand(verifyCmd)
}
