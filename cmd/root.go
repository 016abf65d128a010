// Package cmd wires the fanrelay subcommands.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fanrelay/fanrelay/internal/config"
)

var (
	cfgFile     string
	quiet       bool
	embeddedCfg []byte
)

var rootCmd = &cobra.Command{
	Use:   "fanrelay",
	Short: "Chat traffic relay: site observation agent and backend hub",
	Long: `fanrelay observes a chat site's network traffic, caches normalized
chat and message records locally, and relays snapshots and deltas to a
backend hub over a persistent socket. The hub fans extension traffic out
to frontend consumers and routes commands back.`,
}

// Execute runs the CLI with the embedded default configuration.
func Execute(defaultConfig []byte) {
	embeddedCfg = defaultConfig
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "path to YAML config (defaults to built-in)")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "suppress log output")
}

func loadConfig() (config.Config, error) {
	if cfgFile != "" {
		return config.LoadFromFile(cfgFile)
	}
	return config.LoadFromBytes(embeddedCfg)
}
