package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"firestige.xyz/dissect/internal/config"
	"firestige.xyz/dissect/internal/protocol"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a configuration file",
	Long: `Validate a configuration file without reading any capture: the file is
loaded with environment overrides applied and every protocol profile is
instantiated with its options.

Examples:
  dissect validate -c dissect.yml`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configFile)
		if err != nil {
			return fmt.Errorf("INVALID: %w", err)
		}
		return runValidate(cmd.OutOrStdout(), cfg)
	},
}

func runValidate(w io.Writer, cfg *config.GlobalConfig) error {
	names := make([]string, 0, len(cfg.Protocols))
	for i, pc := range cfg.Protocols {
		p, err := protocol.New(pc.Profile, pc.Options)
		if err != nil {
			return fmt.Errorf("INVALID: protocols[%d]: %w", i, err)
		}
		names = append(names, fmt.Sprintf("%s%v", p.Name(), pc.Ports))
	}
	fmt.Fprintf(w, "VALID: %d profile(s): %s; available: %s\n",
		len(names), strings.Join(names, ", "), strings.Join(protocol.Names(), ", "))
	return nil
}
