package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nexus-shell/nxsh/pkg/telemetry/audit"
)

// NXSH_PLUGIN_AUDIT_KEY keys the HMAC chain; an empty value still
// chains records but offers no tamper evidence against a writer who
// knows that.
func auditChainKey() []byte {
	return []byte(os.Getenv("NXSH_PLUGIN_AUDIT_KEY"))
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Audit trail operations",
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify [trail.jsonl]",
	Short: "Verify the hash chain of an audit trail",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		records, err := audit.ReadLog(args[0])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading trail: %v\n", err)
			os.Exit(1)
		}

		chain := audit.NewChain(auditChainKey())
		if err := chain.Verify(records); err != nil {
			fmt.Fprintf(os.Stderr, "Trail verification failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Trail intact: %d records\n", len(records))
	},
}

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.AddCommand(auditVerifyCmd)
}
