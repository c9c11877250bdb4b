// Package commands is the opsgraph CLI: a long-running server mode and
// one-shot commands for syncing, querying and moving graphs around.
package commands

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/opsgraph/opsgraph/internal/logging"
)

const Version = "0.1.0"

var (
	configPath    string
	logLevelFlags []string
)

var rootCmd = &cobra.Command{
	Use:   "opsgraph",
	Short: "opsgraph - multi-cloud infrastructure knowledge graph",
	Long: `opsgraph discovers resources across cloud accounts, reconciles them
into a per-tenant knowledge graph, and answers impact and dependency
questions about it.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setupLog(logLevelFlags)
	},
}

func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return err
	}
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"Path to the config file (defaults apply when empty)")
	// Supports per-package levels: --log-level debug --log-level engine=debug
	rootCmd.PersistentFlags().StringSliceVar(&logLevelFlags, "log-level",
		[]string{"info"},
		"Log level. Plain level sets the default; package=level overrides one package.\n"+
			"Examples: --log-level debug, --log-level engine=debug --log-level scheduler=warn")

	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(queryCmd)
	rootCmd.AddCommand(accountsCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(demoCmd)
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(Version)
		},
	})
}

// setupLog parses the level flags and initializes the logging system.
func setupLog(flags []string) error {
	defaultLevel := "info"
	packageLevels := make(map[string]string)
	for _, flag := range flags {
		if !strings.Contains(flag, "=") {
			defaultLevel = flag
			continue
		}
		parts := strings.SplitN(flag, "=", 2)
		if parts[0] == "default" {
			defaultLevel = parts[1]
			continue
		}
		packageLevels[parts[0]] = parts[1]
	}
	return logging.Initialize(defaultLevel, packageLevels)
}
