package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/joe4dev/trigger-bench/pkg/observability"
)

const readHeaderTimeout = 5 * time.Second

// ServeCommand holds the flags for the serve command: a long-running
// process that serves a Prometheus /metrics scrape endpoint until
// interrupted. The endpoint reads a registry private to this process: the
// counters of analyze and correlate runs, which are separate processes, do
// not appear on it, and the RED metrics of the scrape requests themselves
// are recorded on the OTLP meter (a no-op without --otlp-endpoint), not on
// that registry.
type ServeCommand struct {
	addr         string
	otlpEndpoint string
}

// NewServeCommand creates and configures the serve command.
func NewServeCommand() *cobra.Command {
	sc := &ServeCommand{}

	cobraCmd := &cobra.Command{
		Use:   "serve",
		Short: "Expose a Prometheus /metrics scrape endpoint while running",
		Long:  "Starts an HTTP server exposing a Prometheus /metrics endpoint, backed by a registry private to this process, until interrupted. Metrics of analyze and correlate runs are not exposed on it.",
		RunE:  sc.Run,
	}

	cobraCmd.Flags().StringVar(&sc.addr, "addr", ":9464", "Listen address for the /metrics endpoint")
	cobraCmd.Flags().StringVar(&sc.otlpEndpoint, "otlp-endpoint", "", "OTLP gRPC collector endpoint for the server's own request spans (empty disables export)")

	return cobraCmd
}

// Run executes the serve command. It blocks until the HTTP server stops
// (ctrl-C, or a listener error other than http.ErrServerClosed).
func (sc *ServeCommand) Run(cobraCmd *cobra.Command, _ []string) error {
	handler, _, err := observability.PrometheusHandler()
	if err != nil {
		return fmt.Errorf("serve: init prometheus handler: %w", err)
	}

	obsCfg := observability.DefaultConfig()
	obsCfg.Mode = observability.ModeServe
	obsCfg.OTLPEndpoint = sc.otlpEndpoint

	providers, err := observability.Init(obsCfg)
	if err != nil {
		return fmt.Errorf("serve: init observability: %w", err)
	}
	defer providers.Shutdown(context.Background())

	red, err := observability.NewREDMetrics(providers.Meter)
	if err != nil {
		return fmt.Errorf("serve: init RED metrics: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.HTTPMiddleware(providers.Tracer, providers.Logger, red, handler))

	server := &http.Server{
		Addr:              sc.addr,
		Handler:           mux,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	ctx := cobraCmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	go func() {
		<-ctx.Done()
		_ = server.Shutdown(context.Background())
	}()

	fmt.Fprintf(cobraCmd.OutOrStdout(), "tracebench serve: listening on %s/metrics\n", sc.addr)

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve: %w", err)
	}

	return nil
}
