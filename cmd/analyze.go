package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"firestige.xyz/dissect/internal/capture"
	"firestige.xyz/dissect/internal/config"
	"firestige.xyz/dissect/internal/log"
	"firestige.xyz/dissect/internal/metrics"
	"firestige.xyz/dissect/internal/pipeline"
	"firestige.xyz/dissect/internal/report"
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze <capture>",
	Short: "Reassemble and correlate the messages of a capture file",
	Long: `Analyze a pcap or pcapng file: reassemble messages, track conversations,
correlate requests with responses and write a report.

Examples:
  dissect analyze trace.pcapng
  dissect analyze -c dissect.yml -o report.json -f json trace.pcap
  dissect analyze --bpf "tcp port 2122" --no-replay trace.pcap`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configFile)
		if err != nil {
			exitWithError("failed to load config", err)
		}
		applyAnalyzeFlags(cmd, cfg)
		if err := cfg.ValidateAndApplyDefaults(); err != nil {
			exitWithError("invalid options", err)
		}
		if err := log.Init(cfg.Log); err != nil {
			exitWithError("failed to initialize logging", err)
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		r, err := runAnalyze(ctx, cfg, args[0])
		if err != nil {
			return err
		}
		if cfg.Report.Path == "" || cfg.Report.Path == "-" {
			return report.Write(cmd.OutOrStdout(), r, cfg.Report.Format)
		}
		if err := report.WriteFile(cfg.Report.Path, r, cfg.Report.Format); err != nil {
			return err
		}
		printSummary(cmd.ErrOrStderr(), r)
		return nil
	},
}

var (
	analyzeOutput   string
	analyzeFormat   string
	analyzeBPF      string
	analyzeNoReplay bool
	analyzeMetrics  string
	analyzeTotals   bool
)

func init() {
	analyzeCmd.Flags().StringVarP(&analyzeOutput, "output", "o", "", "report file (stdout when empty or -)")
	analyzeCmd.Flags().StringVarP(&analyzeFormat, "format", "f", "", "report format: yaml or json")
	analyzeCmd.Flags().StringVar(&analyzeBPF, "bpf", "", "BPF filter applied while reading")
	analyzeCmd.Flags().BoolVar(&analyzeNoReplay, "no-replay", false, "skip the verifying replay pass")
	analyzeCmd.Flags().StringVar(&analyzeMetrics, "metrics", "", "serve Prometheus metrics on this address while running")
	analyzeCmd.Flags().BoolVar(&analyzeTotals, "totals-only", false, "omit per-message entries from the report")
}

// applyAnalyzeFlags overlays explicitly set flags on the loaded configuration.
func applyAnalyzeFlags(cmd *cobra.Command, cfg *config.GlobalConfig) {
	flags := cmd.Flags()
	if flags.Changed("output") {
		cfg.Report.Path = analyzeOutput
	}
	if flags.Changed("format") {
		cfg.Report.Format = analyzeFormat
	}
	if flags.Changed("bpf") {
		cfg.Capture.BPFFilter = analyzeBPF
	}
	if flags.Changed("no-replay") {
		cfg.Session.ReplayVerify = !analyzeNoReplay
	}
	if flags.Changed("metrics") {
		cfg.Metrics.Enabled = true
		cfg.Metrics.Listen = analyzeMetrics
	}
	if flags.Changed("totals-only") {
		cfg.Report.Messages = !analyzeTotals
	}
}

// runAnalyze reads the capture through a pipeline and builds the report.
func runAnalyze(ctx context.Context, cfg *config.GlobalConfig, path string) (*report.Report, error) {
	reader, err := capture.Open(path, capture.Config{
		BPFFilter: cfg.Capture.BPFFilter,
		SnapLen:   cfg.Capture.SnapLen,
	})
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	if cfg.Metrics.Enabled {
		srv := metrics.NewServer(cfg.Metrics.Listen, cfg.Metrics.Path)
		if err := srv.Start(ctx); err != nil {
			return nil, err
		}
		defer srv.Stop(context.Background())
	}

	builder := report.NewBuilder(path, cfg.Report.Messages)
	p, err := pipeline.NewBuilder().
		FromConfig(cfg).
		WithSource(reader).
		WithSinks(builder).
		Build()
	if err != nil {
		return nil, err
	}

	out, err := p.Run(ctx)
	if err != nil {
		return nil, fmt.Errorf("analysis of %s failed: %w", path, err)
	}

	var replay *report.Replay
	if out.Replayed {
		replay = &report.Replay{Verified: len(out.Mismatches) == 0, Mismatches: out.Mismatches}
	}
	return builder.Finish(out.Summary, replay), nil
}

func printSummary(w io.Writer, r *report.Report) {
	t := r.Totals
	fmt.Fprintf(w, "session %s: %d records, %d messages (%d requests, %d responses, %d matched)\n",
		r.Session, r.Records, t.Messages, t.Requests, t.Responses, t.Matched)
	fmt.Fprintf(w, "  %d conversations, %d incomplete, %d unanswered, %d degraded\n",
		len(r.Conversations), t.Incomplete, t.Unmatched, t.Degraded)
	if r.Replay != nil && !r.Replay.Verified {
		fmt.Fprintf(w, "  replay disagreed on %d records\n", len(r.Replay.Mismatches))
	}
}
