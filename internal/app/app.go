// Package app builds the process-wide clients from configuration and shares them between the
// web, terminal and command-line front ends.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/efebarandurmaz/listingsearch/internal/config"
	"github.com/efebarandurmaz/listingsearch/internal/cosmos"
	"github.com/efebarandurmaz/listingsearch/internal/embedding"
	"github.com/efebarandurmaz/listingsearch/internal/listing"
	"github.com/efebarandurmaz/listingsearch/internal/observability"
	"github.com/efebarandurmaz/listingsearch/internal/provision"
	"github.com/efebarandurmaz/listingsearch/internal/search"
	"github.com/efebarandurmaz/listingsearch/internal/server"
)

// App holds the shared handles. Every field is safe for concurrent use.
type App struct {
	Config      *config.Config
	Logger      *slog.Logger
	Metrics     *observability.SearchMetrics
	Audit       *observability.AuditLogger
	Cosmos      *cosmos.Client
	Provisioner *provision.Provisioner
	Embedder    embedding.Embedder
	Dispatcher  *search.Dispatcher
	Service     *search.Service

	ensurer *recordingEnsurer
	azure   *embedding.AzureClient
}

// New creates every client. Nothing is contacted until the first search or provisioning pass.
func New(cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	httpClient := &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}

	cosmosClient, err := cosmos.NewClient(cfg.Cosmos.Endpoint, cfg.Cosmos.Key, &cosmos.ClientOptions{
		Transport: httpClient,
	})
	if err != nil {
		return nil, fmt.Errorf("creating cosmos client: %w", err)
	}

	azure, err := embedding.NewAzureClient(embedding.Config{
		Endpoint:   cfg.Embedding.Endpoint,
		APIKey:     cfg.Embedding.APIKey,
		Deployment: cfg.Embedding.Deployment,
		Model:      cfg.Embedding.Model,
		APIVersion: cfg.Embedding.APIVersion,
		Dimensions: cfg.Embedding.Dimensions,
		HTTPClient: httpClient,
	})
	if err != nil {
		return nil, fmt.Errorf("creating embedding client: %w", err)
	}
	embedder := embedding.WithTimeout(
		embedding.WithRateLimit(azure, cfg.Embedding.RequestsPerSecond, 0),
		cfg.Embedding.Timeout,
	)

	audit, err := observability.NewAuditLogger(&observability.AuditConfig{
		Enabled:    cfg.Audit.Enabled,
		OutputPath: cfg.Audit.Output,
	})
	if err != nil {
		return nil, err
	}

	opts := provision.DefaultOptions()
	opts.Database = cfg.Cosmos.Database
	opts.Throughput = cfg.Cosmos.Throughput
	opts.Dimensions = cfg.Embedding.Dimensions
	if cfg.Cosmos.DistanceFunction != "" {
		opts.Distance, err = listing.ParseDistanceFunction(cfg.Cosmos.DistanceFunction)
		if err != nil {
			return nil, fmt.Errorf("cosmos: %w", err)
		}
	}
	provisioner := provision.New(cosmosClient, opts, logger)
	database := provisioner.Options().Database

	containers := make(map[listing.Variant]search.Querier, len(listing.Variants()))
	for _, info := range listing.Variants() {
		containers[info.Variant] = cosmosClient.Container(database, info.Container)
	}
	dispatcher, err := search.NewDispatcher(containers, search.DispatchOptions{
		Limit:          listing.DefaultLimit,
		Distance:       provisioner.Options().Distance,
		Timeout:        cfg.Cosmos.Timeout,
		MaxConcurrency: cfg.Cosmos.MaxConcurrency,
	})
	if err != nil {
		return nil, err
	}

	metrics := observability.NewSearchMetrics()
	ensurer := &recordingEnsurer{
		provisioner: provisioner,
		metrics:     metrics,
		audit:       audit,
		database:    database,
	}

	service := search.NewService(embedder, dispatcher,
		search.WithEnsurer(ensurer),
		search.WithMetrics(metrics),
		search.WithAudit(audit),
		search.WithLogger(logger),
	)

	return &App{
		Config:      cfg,
		Logger:      logger,
		Metrics:     metrics,
		Audit:       audit,
		Cosmos:      cosmosClient,
		Provisioner: provisioner,
		Embedder:    embedder,
		Dispatcher:  dispatcher,
		Service:     service,
		ensurer:     ensurer,
		azure:       azure,
	}, nil
}

// Provision runs a full provisioning pass, recording it like the implicit one before the
// first search.
func (a *App) Provision(ctx context.Context) (*provision.Report, error) {
	report, err := a.Provisioner.Provision(ctx)
	a.ensurer.record(ctx, err)
	return report, err
}

// Provisioned reports whether a provisioning pass has succeeded in this process.
func (a *App) Provisioned() bool {
	return a.ensurer.done.Load()
}

// RegisterHealthChecks adds the Cosmos, embedding and provisioning checks to h.
func (a *App) RegisterHealthChecks(h *server.HealthServer) {
	database := a.Provisioner.Options().Database
	h.RegisterCheck("cosmos", server.CosmosHealthChecker(database, func(ctx context.Context) error {
		return a.Cosmos.ReadDatabase(ctx, database)
	}))
	h.RegisterCheck("embedding", server.EmbeddingHealthChecker(a.Config.Embedding.Deployment, a.pingEmbedding))
	h.RegisterCheck("provisioning", server.ProvisioningHealthChecker(a.Provisioned))
}

// pingEmbedding reaches the deployment without generating an embedding, bounded by the
// embedding timeout.
func (a *App) pingEmbedding(ctx context.Context) error {
	if d := a.Config.Embedding.Timeout; d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	return a.azure.Ping(ctx)
}

// Close releases the audit output.
func (a *App) Close() error {
	return a.Audit.Close()
}

// recordingEnsurer counts provisioning passes until one succeeds; later calls hit the
// provisioner's cached report.
type recordingEnsurer struct {
	provisioner *provision.Provisioner
	metrics     *observability.SearchMetrics
	audit       *observability.AuditLogger
	database    string
	done        atomic.Bool
}

func (r *recordingEnsurer) Ensure(ctx context.Context) (*provision.Report, error) {
	if r.done.Load() {
		return r.provisioner.Ensure(ctx)
	}
	report, err := r.provisioner.Ensure(ctx)
	r.record(ctx, err)
	return report, err
}

func (r *recordingEnsurer) record(ctx context.Context, err error) {
	r.metrics.RecordProvision(err)
	r.audit.LogProvision(ctx, r.database, err)
	if err == nil {
		r.done.Store(true)
	}
}

var (
	sharedOnce sync.Once
	shared     *App
	sharedErr  error
)

// Shared returns the process singleton, building it on first call. Later calls ignore their
// arguments.
func Shared(cfg *config.Config, logger *slog.Logger) (*App, error) {
	sharedOnce.Do(func() {
		shared, sharedErr = New(cfg, logger)
	})
	return shared, sharedErr
}
