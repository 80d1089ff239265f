package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/nexus-shell/nxsh/pkg/signature"
)

var (
	keygenKeyID   string
	keygenOut     string
	keygenComment string
	keygenNoPass  bool
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a plugin signing key and trust it",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()

		pub, priv, err := signature.GenerateKeyPair()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error generating key: %v\n", err)
			os.Exit(1)
		}

		passphrase := ""
		if !keygenNoPass {
			passphrase = promptPassphrase("Passphrase for signing key (empty for none): ")
		}

		if err := signature.SaveSigningKey(keygenOut, priv, passphrase); err != nil {
			fmt.Fprintf(os.Stderr, "Error saving signing key: %v\n", err)
			os.Exit(1)
		}

		store, err := signature.LoadTrustStore(cfg.TrustStorePath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading trust store: %v\n", err)
			os.Exit(1)
		}
		if err := store.Add(keygenKeyID, pub, keygenComment); err != nil {
			fmt.Fprintf(os.Stderr, "Error adding key to trust store: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("Signing key '%s' written to %s and trusted in %s\n", keygenKeyID, keygenOut, cfg.TrustStorePath)
	},
}

func promptPassphrase(prompt string) string {
	fmt.Fprint(os.Stderr, prompt)
	pass, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading passphrase: %v\n", err)
		os.Exit(1)
	}
	return string(pass)
}

func init() {
	rootCmd.AddCommand(keygenCmd)
	keygenCmd.Flags().StringVar(&keygenKeyID, "key-id", "default", "Identifier stored in signatures")
	keygenCmd.Flags().StringVar(&keygenOut, "out", "nxsh-signing.key", "Private key output path")
	keygenCmd.Flags().StringVar(&keygenComment, "comment", "", "Trust store comment")
	keygenCmd.Flags().BoolVar(&keygenNoPass, "no-passphrase", false, "Store the key unencrypted")
}
