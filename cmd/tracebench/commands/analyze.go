package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/joe4dev/trigger-bench/internal/config"
	"github.com/joe4dev/trigger-bench/internal/driver"
	"github.com/joe4dev/trigger-bench/internal/segment"
	"github.com/joe4dev/trigger-bench/pkg/observability"
)

// AnalyzeCommand holds the flags for the analyze command: span-graph
// construction, critical-path search, and breakdown analysis over a batch
// of traces.
type AnalyzeCommand struct {
	input            string
	breakdownOutput  string
	invalidOutput    string
	configPath       string
	workers          string
	otlpEndpoint     string
	invalidWarnPct   float64
	noSchemaValidate bool
}

// NewAnalyzeCommand creates and configures the analyze command.
func NewAnalyzeCommand() *cobra.Command {
	ac := &AnalyzeCommand{}

	cobraCmd := &cobra.Command{
		Use:   "analyze",
		Short: "Build span graphs and emit per-trace latency breakdowns",
		Long:  "Reads a JSONL trace file and writes a categorized critical-path latency breakdown per trace.",
		RunE:  ac.Run,
	}

	cobraCmd.Flags().StringVarP(&ac.input, "input", "i", "", "Input JSONL trace file (required)")
	cobraCmd.Flags().StringVarP(&ac.breakdownOutput, "breakdown-output", "o", "trace_breakdown.csv", "Breakdown CSV output path")
	cobraCmd.Flags().StringVar(&ac.invalidOutput, "invalid-output", "invalid_traces.csv", "Invalid-trace CSV output path")
	cobraCmd.Flags().StringVarP(&ac.configPath, "config", "c", "", "Path to tracebench.yaml (optional)")
	cobraCmd.Flags().StringVarP(&ac.workers, "workers", "w", "", "Worker pool size, humanize format (e.g. 8, 4K); default from config")
	cobraCmd.Flags().StringVar(&ac.otlpEndpoint, "otlp-endpoint", "", "OTLP gRPC collector endpoint (empty disables export)")
	cobraCmd.Flags().Float64Var(&ac.invalidWarnPct, "invalid-rate-warn-pct", 0, "Invalid-rate percentage that highlights the summary (0 uses the built-in default)")
	cobraCmd.Flags().BoolVar(&ac.noSchemaValidate, "no-schema-validate", false, "Skip the outer envelope schema check")

	_ = cobraCmd.MarkFlagRequired("input")

	return cobraCmd
}

// Run executes the analyze command.
func (ac *AnalyzeCommand) Run(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load(ac.configPath)
	if err != nil {
		return fmt.Errorf("analyze: load config: %w", err)
	}

	if ac.workers != "" {
		workers, werr := parseOptionalCount(ac.workers, cfg.Workers)
		if werr != nil {
			return fmt.Errorf("analyze: %w", werr)
		}

		cfg.Workers = workers
	}

	svc := &Service{cfg: cfg, otlpEndpoint: ac.otlpEndpoint}

	return svc.Analyze(ac.input, ac.breakdownOutput, ac.invalidOutput, ac.invalidWarnPct, !ac.noSchemaValidate)
}

// Service wires internal/config, internal/driver, internal/segment, and
// pkg/observability together for the CLI layer. Decoupled from cobra so it
// can be exercised directly in tests.
type Service struct {
	cfg          *config.Config
	otlpEndpoint string
}

func (svc *Service) initObservability(mode observability.AppMode) (observability.Providers, error) {
	obsCfg := observability.DefaultConfig()
	obsCfg.Mode = mode
	obsCfg.OTLPEndpoint = svc.otlpEndpoint

	return observability.Init(obsCfg)
}

// Analyze runs the breakdown pipeline end to end: opens input, builds a
// Driver from svc.cfg, runs RunBreakdown, writes the CSV outputs, and
// prints the go-pretty/fatih-color summary to stdout.
func (svc *Service) Analyze(inputPath, breakdownOutputPath, invalidOutputPath string, warnPct float64, validateSchema bool) error {
	in, err := os.Open(inputPath)
	if err != nil {
		return fmt.Errorf("analyze: open input: %w", err)
	}
	defer in.Close()

	breakdownOut, err := os.Create(breakdownOutputPath)
	if err != nil {
		return fmt.Errorf("analyze: create breakdown output: %w", err)
	}
	defer breakdownOut.Close()

	invalidOut, err := os.Create(invalidOutputPath)
	if err != nil {
		return fmt.Errorf("analyze: create invalid output: %w", err)
	}
	defer invalidOut.Close()

	providers, err := svc.initObservability(observability.ModeBatch)
	if err != nil {
		return fmt.Errorf("analyze: init observability: %w", err)
	}
	defer providers.Shutdown(context.Background())

	metrics, err := observability.NewAnalysisMetrics(providers.Meter)
	if err != nil {
		return fmt.Errorf("analyze: init metrics: %w", err)
	}

	var src segment.Source
	if validateSchema {
		src = segment.NewValidatingJSONLSource(in)
	} else {
		src = segment.NewJSONLSource(in)
	}

	d := driver.New(driver.Options{
		Workers:            svc.cfg.Workers,
		QueueDepth:         svc.cfg.QueueDepth,
		PerTraceTimeout:    svc.cfg.PerTraceTimeout,
		TimestampMargin:    svc.cfg.TimestampMargin(),
		TimestampThreshold: svc.cfg.TimestampThreshold(),
		AlwaysAnalyze:      svc.cfg.AlwaysAnalyze,
		Tracer:             providers.Tracer,
		Metrics:            metrics,
		Logger:             providers.Logger,
	})

	stats, err := d.RunBreakdown(context.Background(), src, breakdownOut, invalidOut)
	if err != nil {
		return fmt.Errorf("analyze: run breakdown: %w", err)
	}

	driver.WriteSummary(os.Stdout, stats, warnPct)

	return nil
}
