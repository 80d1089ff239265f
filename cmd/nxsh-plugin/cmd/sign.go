package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/nexus-shell/nxsh/pkg/plugin"
	"github.com/nexus-shell/nxsh/pkg/signature"
)

var (
	signKeyPath string
	signKeyID   string
	signExpiry  time.Duration
	signNoPass  bool
)

var signCmd = &cobra.Command{
	Use:   "sign [module.wasm]",
	Short: "Sign a plugin module",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		modulePath := args[0]

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

		passphrase := ""
		if !signNoPass {
			passphrase = promptPassphrase("Passphrase for signing key (empty for none): ")
		}
		key, err := signature.LoadSigningKey(signKeyPath, passphrase)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading signing key: %v\n", err)
			os.Exit(1)
		}

		if err := signature.SignModule(modulePath, module, meta, key, signKeyID, signExpiry); err != nil {
			fmt.Fprintf(os.Stderr, "Error signing module: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("Signed %s as %s with key '%s'\n", modulePath, meta.ID(), signKeyID)
	},
}

func init() {
	rootCmd.AddCommand(signCmd)
	signCmd.Flags().StringVar(&signKeyPath, "key", "nxsh-signing.key", "Private key path")
	signCmd.Flags().StringVar(&signKeyID, "key-id", "default", "Identifier stored in the signature")
	signCmd.Flags().DurationVar(&signExpiry, "expiry", 0, "Signature validity window (0 = no expiry)")
	signCmd.Flags().BoolVar(&signNoPass, "no-passphrase", false, "Key file is not passphrase protected")
}
