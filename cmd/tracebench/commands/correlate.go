package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/joe4dev/trigger-bench/internal/config"
	"github.com/joe4dev/trigger-bench/internal/driver"
	"github.com/joe4dev/trigger-bench/internal/segment"
	"github.com/joe4dev/trigger-bench/internal/trigger"
	"github.com/joe4dev/trigger-bench/pkg/observability"
)

// CorrelateCommand holds the flags for the correlate command: matching
// disconnected trigger/receiver trace pairs via the root_trace_id
// annotation and emitting their merged landmark timestamps.
type CorrelateCommand struct {
	input            string
	triggerOutput    string
	invalidOutput    string
	configPath       string
	cacheSize        string
	otlpEndpoint     string
	invalidWarnPct   float64
	noSchemaValidate bool
}

// NewCorrelateCommand creates and configures the correlate command.
func NewCorrelateCommand() *cobra.Command {
	cc := &CorrelateCommand{}

	cobraCmd := &cobra.Command{
		Use:   "correlate",
		Short: "Correlate trigger traces across function boundaries",
		Long:  "Matches parent (trigger) and child (receiver) trace halves via root_trace_id and emits landmark timestamps.",
		RunE:  cc.Run,
	}

	cobraCmd.Flags().StringVarP(&cc.input, "input", "i", "", "Input JSONL trace file (required)")
	cobraCmd.Flags().StringVarP(&cc.triggerOutput, "trigger-output", "o", "trigger_traces.csv", "Trigger correlation CSV output path")
	cobraCmd.Flags().StringVar(&cc.invalidOutput, "invalid-output", "invalid_traces.csv", "Invalid-trace CSV output path")
	cobraCmd.Flags().StringVarP(&cc.configPath, "config", "c", "", "Path to tracebench.yaml (optional)")
	cobraCmd.Flags().StringVar(&cc.cacheSize, "correlator-cache", "", "Bounded correlator cache size, humanize format (e.g. 4096, 4K); default from config")
	cobraCmd.Flags().StringVar(&cc.otlpEndpoint, "otlp-endpoint", "", "OTLP gRPC collector endpoint (empty disables export)")
	cobraCmd.Flags().Float64Var(&cc.invalidWarnPct, "invalid-rate-warn-pct", 0, "Invalid-rate percentage that highlights the summary (0 uses the built-in default)")
	cobraCmd.Flags().BoolVar(&cc.noSchemaValidate, "no-schema-validate", false, "Skip the outer envelope schema check")

	_ = cobraCmd.MarkFlagRequired("input")

	return cobraCmd
}

// Run executes the correlate command.
func (cc *CorrelateCommand) Run(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load(cc.configPath)
	if err != nil {
		return fmt.Errorf("correlate: load config: %w", err)
	}

	if cc.cacheSize != "" {
		size, serr := parseOptionalCount(cc.cacheSize, cfg.CorrelatorCacheSize)
		if serr != nil {
			return fmt.Errorf("correlate: %w", serr)
		}

		cfg.CorrelatorCacheSize = size
	}

	svc := &Service{cfg: cfg, otlpEndpoint: cc.otlpEndpoint}

	return svc.Correlate(cc.input, cc.triggerOutput, cc.invalidOutput, cc.invalidWarnPct, !cc.noSchemaValidate)
}

// Correlate runs the trigger-correlation pipeline end to end.
func (svc *Service) Correlate(inputPath, triggerOutputPath, invalidOutputPath string, warnPct float64, validateSchema bool) error {
	in, err := os.Open(inputPath)
	if err != nil {
		return fmt.Errorf("correlate: open input: %w", err)
	}
	defer in.Close()

	triggerOut, err := os.Create(triggerOutputPath)
	if err != nil {
		return fmt.Errorf("correlate: create trigger output: %w", err)
	}
	defer triggerOut.Close()

	invalidOut, err := os.Create(invalidOutputPath)
	if err != nil {
		return fmt.Errorf("correlate: create invalid output: %w", err)
	}
	defer invalidOut.Close()

	providers, err := svc.initObservability(observability.ModeBatch)
	if err != nil {
		return fmt.Errorf("correlate: init observability: %w", err)
	}
	defer providers.Shutdown(context.Background())

	metrics, err := observability.NewAnalysisMetrics(providers.Meter)
	if err != nil {
		return fmt.Errorf("correlate: init metrics: %w", err)
	}

	var src segment.Source
	if validateSchema {
		src = segment.NewValidatingJSONLSource(in)
	} else {
		src = segment.NewJSONLSource(in)
	}

	d := driver.New(driver.Options{
		NumReceivers:       svc.cfg.NumReceiverTimestamps,
		CorrelatorCache:    svc.cfg.CorrelatorCacheSize,
		TimestampMargin:    svc.cfg.TimestampMargin(),
		TimestampThreshold: svc.cfg.TimestampThreshold(),
		Tracer:             providers.Tracer,
		Metrics:            metrics,
		Logger:             providers.Logger,
		OnCorrelatorReady: func(corr *trigger.Correlator) {
			if regErr := observability.RegisterCacheMetrics(providers.Meter, corr); regErr != nil {
				providers.Logger.Warn("correlate: register cache metrics failed", "error", regErr)
			}
		},
	})

	stats, err := d.RunTrigger(context.Background(), src, triggerOut, invalidOut)
	if err != nil {
		return fmt.Errorf("correlate: run trigger: %w", err)
	}

	driver.WriteSummary(os.Stdout, stats, warnPct)

	return nil
}
