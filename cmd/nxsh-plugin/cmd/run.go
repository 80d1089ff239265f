package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nexus-shell/nxsh/pkg/system"
	"github.com/nexus-shell/nxsh/pkg/telemetry"
	"github.com/nexus-shell/nxsh/pkg/telemetry/audit"
)

var (
	runInput    string
	runAuditLog string
	runQuiet    bool
)

var pluginRunCmd = &cobra.Command{
	Use:   "run [module.wasm] [function]",
	Short: "Load a plugin, call one function and unload it",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		modulePath, function := args[0], args[1]
		cfg := loadConfig()
		ctx := context.Background()

		opts := []system.Option{}
		if runQuiet {
			opts = append(opts, system.WithLogger(telemetry.NewNoopLogger()))
		}
		sys := system.New(cfg, opts...)

		if runAuditLog != "" {
			store, err := audit.NewFileStore(runAuditLog)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error opening audit log: %v\n", err)
				os.Exit(1)
			}
			sys.Subscribe(audit.NewRecorder(store, auditChainKey()))
		}

		if err := sys.Initialize(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Error initializing plugin system: %v\n", err)
			os.Exit(1)
		}
		defer sys.Shutdown(ctx)

		id, err := sys.LoadPlugin(ctx, modulePath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading plugin: %v\n", err)
			os.Exit(1)
		}

		output, err := sys.ExecutePlugin(ctx, id, function, []byte(runInput))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error executing %s.%s: %v\n", id, function, err)
			os.Exit(1)
		}
		if len(output) > 0 {
			os.Stdout.Write(output)
			fmt.Println()
		}
	},
}

func init() {
	rootCmd.AddCommand(pluginRunCmd)
	pluginRunCmd.Flags().StringVar(&runInput, "input", "", "Bytes passed to the function")
	pluginRunCmd.Flags().StringVar(&runAuditLog, "audit-log", "", "Append security events to this JSONL trail")
	pluginRunCmd.Flags().BoolVar(&runQuiet, "quiet", false, "Suppress structured logs")
}
