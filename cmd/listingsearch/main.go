package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/efebarandurmaz/listingsearch/internal/app"
	"github.com/efebarandurmaz/listingsearch/internal/config"
	"github.com/efebarandurmaz/listingsearch/internal/listing"
	"github.com/efebarandurmaz/listingsearch/internal/observability"
	"github.com/efebarandurmaz/listingsearch/internal/provision"
	"github.com/efebarandurmaz/listingsearch/internal/search"
	"github.com/efebarandurmaz/listingsearch/internal/server"
	"github.com/efebarandurmaz/listingsearch/internal/tui"
	"github.com/efebarandurmaz/listingsearch/internal/web"
)

var version = "0.1.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		if errors.Is(err, config.ErrMissingEnv) {
			fmt.Fprintln(os.Stderr, "Set the variables in the environment or in a .env file in the working directory.")
		}
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "listingsearch",
		Short:         "Compare Cosmos DB vector indexes on a listings dataset",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Optional YAML config file")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the search page",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}

	var reportPath string
	tuiCmd := &cobra.Command{
		Use:   "tui",
		Short: "Search interactively in the terminal",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTUI(cmd.Context(), cmd.OutOrStdout(), configPath, reportPath)
		},
	}
	tuiCmd.Flags().StringVar(&reportPath, "report", "", "Write a JSON session report to this path on exit")

	var (
		variantName string
		query       string
		jsonOutput  bool
	)
	searchCmd := &cobra.Command{
		Use:   "search",
		Short: "Run one search and print the readout",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSearch(cmd.Context(), cmd.OutOrStdout(), configPath, variantName, query, jsonOutput)
		},
	}
	searchCmd.Flags().StringVar(&variantName, "variant", string(listing.VariantNone), "Index variant: none, quantized-flat or disk-ann")
	searchCmd.Flags().StringVar(&query, "query", "", "What are you looking for?")
	searchCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output the result as JSON")
	_ = searchCmd.MarkFlagRequired("query")

	provisionCmd := &cobra.Command{
		Use:   "provision",
		Short: "Create the database and the three listing containers if missing",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProvision(cmd.Context(), cmd.OutOrStdout(), configPath)
		},
	}

	variantsCmd := &cobra.Command{
		Use:   "variants",
		Short: "List the index variants and their containers",
		Run: func(cmd *cobra.Command, args []string) {
			printVariants(cmd.OutOrStdout())
		},
	}

	rootCmd.AddCommand(serveCmd, tuiCmd, searchCmd, provisionCmd, variantsCmd)
	return rootCmd
}

// load reads configuration and installs the logger as the slog default.
func load(configPath string, logOut io.Writer) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	logger, err := observability.NewLogger(logOut, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, nil, err
	}
	slog.SetDefault(logger)
	for _, w := range cfg.Validate() {
		logger.Warn("Config warning", "warning", w)
	}
	return cfg, logger, nil
}

func runServe(ctx context.Context, configPath string) error {
	cfg, logger, err := load(configPath, os.Stderr)
	if err != nil {
		return err
	}

	tp, err := observability.InitTracing(ctx, &observability.TracingConfig{
		ServiceName:    "listingsearch",
		ServiceVersion: version,
		Environment:    "production",
		OTLPEndpoint:   cfg.Tracing.OTLPEndpoint,
		SampleRate:     cfg.Tracing.SampleRate,
	})
	if err != nil {
		return err
	}

	a, err := app.Shared(cfg, logger)
	if err != nil {
		return err
	}

	gs := server.NewGracefulServer(
		&server.HealthConfig{Version: version},
		&server.ShutdownConfig{Timeout: cfg.Server.ShutdownTimeout, Logger: logger},
	)
	a.RegisterHealthChecks(gs.Health)

	srv, err := web.NewServer(&web.Config{
		ListenAddr:  cfg.Server.ListenAddr,
		MaxSessions: cfg.Server.MaxSessions,
	}, a.Service,
		web.WithHealth(gs.Health),
		web.WithMetrics(a.Metrics),
		web.WithLogger(logger),
	)
	if err != nil {
		return err
	}

	gs.Shutdown.Add(server.HTTPServerShutdownHook("web", srv.Stop))
	gs.Shutdown.Add(server.TracingShutdownHook(tp.Shutdown))
	gs.RegisterHook("audit", 90, func(ctx context.Context) error { return a.Close() })
	gs.Start()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		gs.Shutdown.Shutdown()
		// Hooks that ignore their context must not hold the exit forever.
		if !gs.Shutdown.WaitWithTimeout(cfg.Server.ShutdownTimeout + time.Second) {
			logger.Warn("Shutdown hooks did not finish in time")
		}
		return err
	case <-gs.Shutdown.Done():
		return <-errCh
	}
}

func runTUI(ctx context.Context, out io.Writer, configPath, reportPath string) error {
	// The terminal belongs to the program; logs would tear the screen.
	cfg, logger, err := load(configPath, io.Discard)
	if err != nil {
		return err
	}
	a, err := app.Shared(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	session, err := tui.Run(ctx, a.Service, tui.NewSession("tui-"+uuid.NewString()))
	if err != nil {
		return err
	}
	return writeSessionReport(out, session, reportPath)
}

func writeSessionReport(out io.Writer, session *tui.Session, reportPath string) error {
	if reportPath == "" {
		return nil
	}
	if err := tui.SaveSessionReport(session, reportPath); err != nil {
		return err
	}
	fmt.Fprintf(out, "Session report written to %s\n", reportPath)
	return nil
}

// searchOutput is the --json form of one search.
type searchOutput struct {
	Variant          listing.Variant `json:"variant"`
	Container        string          `json:"container"`
	Matches          []listing.Match `json:"matches"`
	EmbeddingSeconds float64         `json:"embedding_seconds"`
	QuerySeconds     float64         `json:"query_seconds"`
	RequestCharge    float64         `json:"request_charge"`
	Error            string          `json:"error,omitempty"`
}

func runSearch(ctx context.Context, out io.Writer, configPath, variantName, query string, jsonOutput bool) error {
	variant, err := listing.ParseVariant(variantName)
	if err != nil {
		return err
	}
	cfg, logger, err := load(configPath, os.Stderr)
	if err != nil {
		return err
	}
	a, err := app.Shared(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx = observability.WithSessionID(ctx, "cli-"+uuid.NewString())
	res, err := a.Service.Search(ctx, search.Request{Text: query, Variant: variant})
	if err != nil {
		return err
	}

	if jsonOutput {
		o := searchOutput{
			Variant:          res.Variant,
			Container:        res.Container,
			Matches:          res.Matches,
			EmbeddingSeconds: res.EmbeddingDuration.Seconds(),
			QuerySeconds:     res.QueryDuration.Seconds(),
			RequestCharge:    res.RequestCharge,
		}
		if o.Matches == nil {
			o.Matches = []listing.Match{}
		}
		if res.Err != nil {
			o.Error = res.Err.Error()
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(o); err != nil {
			return err
		}
		return res.Err
	}

	writeReadout(out, res)
	return res.Err
}

func writeReadout(out io.Writer, res *search.Result) {
	if res.Err != nil {
		fmt.Fprintln(out, res.ErrorMessage())
		return
	}
	fmt.Fprintln(out, res.Summary())
	fmt.Fprintf(out, "Embedding generation time: %s\n", search.FormatSeconds(res.EmbeddingDuration))
	fmt.Fprintf(out, "Query time: %s\n", search.FormatSeconds(res.QueryDuration))
	fmt.Fprintf(out, "RU consumed: %s\n\n", search.FormatCharge(res.RequestCharge))

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "id\ttitle\tabstract\tSimilarityScore")
	for _, m := range res.Matches {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%.6f\n", m.ID, m.Title, m.Abstract, m.SimilarityScore)
	}
	tw.Flush()
}

func runProvision(ctx context.Context, out io.Writer, configPath string) error {
	cfg, logger, err := load(configPath, os.Stderr)
	if err != nil {
		return err
	}
	a, err := app.Shared(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	report, err := a.Provision(ctx)
	if err != nil {
		return err
	}
	writeReport(out, report)
	return nil
}

func writeReport(out io.Writer, report *provision.Report) {
	fmt.Fprintf(out, "Database %s: %s\n", report.Database, createdOrExisting(report.DatabaseCreated))
	for _, c := range report.Containers {
		fmt.Fprintf(out, "  %-16s %-14s %s\n", c.Container, c.Variant, createdOrExisting(c.Created))
		for _, d := range c.Drift {
			fmt.Fprintf(out, "    drift: %s\n", d)
		}
	}
}

func createdOrExisting(created bool) string {
	if created {
		return "created"
	}
	return "exists"
}

func printVariants(out io.Writer) {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "VARIANT\tLABEL\tCONTAINER\tINDEX")
	for _, info := range listing.Variants() {
		index := info.IndexType
		if index == "" {
			index = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", info.Variant, info.Label, info.Container, index)
	}
	tw.Flush()
}
