// Package cmd implements CLI commands using cobra framework.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	// Protocol profiles register themselves with the profile registry.
	_ "firestige.xyz/dissect/internal/protocol/cola2"
	_ "firestige.xyz/dissect/internal/protocol/sip"
)

// Version is set at build time with -ldflags.
var Version = "0.1.0"

var (
	// Global flags
	configFile string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "dissect",
	Short: "dissect - message reassembly and request/response correlation for captures",
	Long: `dissect reads a packet capture, rebuilds application messages from stream
segments and datagram fragments, tracks per-conversation session state and
pairs every response with the request it answers.

Supported protocol profiles: cola2 (SICK CoLa 2.0, including measurement
datagrams) and sip.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "",
		"config file path (defaults apply when empty)")

	rootCmd.AddCommand(analyzeCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(versionCmd)
}

// exitWithError prints error message and exits with code 1
func exitWithError(msg string, err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s: %v\n", msg, err)
	} else {
		fmt.Fprintf(os.Stderr, "Error: %s\n", msg)
	}
	os.Exit(1)
}
