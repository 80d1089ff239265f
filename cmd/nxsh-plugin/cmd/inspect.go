package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nexus-shell/nxsh/pkg/plugin"
	"github.com/nexus-shell/nxsh/pkg/signature"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect [module.wasm]",
	Short: "Show a plugin's manifest declarations",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		modulePath := args[0]

		manifest, err := plugin.LoadManifest(plugin.ManifestPathFor(modulePath))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading manifest: %v\n", err)
			os.Exit(1)
		}
		meta := manifest.ToMetadata()

		fmt.Printf("Plugin:       %s\n", meta.ID())
		if meta.Description != "" {
			fmt.Printf("Description:  %s\n", meta.Description)
		}
		if meta.Author != "" {
			fmt.Printf("Author:       %s\n", meta.Author)
		}
		if meta.License != "" {
			fmt.Printf("License:      %s\n", meta.License)
		}

		caps := make([]string, len(meta.Capabilities))
		for i, c := range meta.Capabilities {
			caps[i] = string(c)
		}
		fmt.Printf("Capabilities: %s\n", orNone(strings.Join(caps, ", ")))
		fmt.Printf("Exports:      %s\n", orNone(strings.Join(meta.Exports, ", ")))

		for name, constraintStr := range meta.Dependencies {
			fmt.Printf("Depends on:   %s %s\n", name, constraintStr)
		}
		if meta.MinHostVersion != "" || meta.MaxHostVersion != "" {
			fmt.Printf("Host window:  [%s, %s]\n", orAny(meta.MinHostVersion), orAny(meta.MaxHostVersion))
		}

		sidecar := signature.SidecarPath(modulePath)
		if _, err := os.Stat(sidecar); err == nil {
			fmt.Printf("Signature:    %s\n", sidecar)
		} else {
			fmt.Println("Signature:    none")
		}
	},
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}

func orAny(s string) string {
	if s == "" {
		return "any"
	}
	return s
}

func init() {
	rootCmd.AddCommand(inspectCmd)
}
