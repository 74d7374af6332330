// Package provision makes sure the listings database and its three vector-index
// containers exist before anything is queried.
package provision

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/efebarandurmaz/listingsearch/internal/cosmos"
	"github.com/efebarandurmaz/listingsearch/internal/listing"
)

// DefaultThroughput is the manual RU/s reservation for each container.
const DefaultThroughput = 50000

// Creator is the subset of the Cosmos client provisioning needs.
type Creator interface {
	CreateDatabaseIfNotExists(ctx context.Context, id string) (bool, error)
	CreateContainerIfNotExists(ctx context.Context, database string, props cosmos.ContainerProperties, throughput int) (bool, error)
	ReadContainer(ctx context.Context, database, id string) (*cosmos.ContainerProperties, error)
}

// Options describes the shared shape of every container.
type Options struct {
	Database   string
	Throughput int
	Dimensions int
	Distance   listing.DistanceFunction
}

// DefaultOptions returns the demo layout: diskanndb, 1536-wide cosine embeddings, 50000 RU/s.
func DefaultOptions() Options {
	return Options{
		Database:   listing.DatabaseName,
		Throughput: DefaultThroughput,
		Dimensions: listing.Dimensions,
		Distance:   listing.DistanceCosine,
	}
}

// ContainerProperties builds the definition of the container backing variant v.
// Every variant declares the same vector embedding policy; indexed variants also exclude
// the vector path from the scalar index and add one vector index over it.
func ContainerProperties(v listing.Variant, opts Options) cosmos.ContainerProperties {
	vectorPath := "/" + listing.VectorField
	props := cosmos.ContainerProperties{
		ID: v.Container(),
		PartitionKey: cosmos.PartitionKeyDefinition{
			Paths:   []string{"/id"},
			Kind:    "Hash",
			Version: 2,
		},
		VectorEmbeddingPolicy: &cosmos.VectorEmbeddingPolicy{
			VectorEmbeddings: []cosmos.VectorEmbedding{{
				Path:             vectorPath,
				DataType:         "float32",
				DistanceFunction: string(opts.Distance),
				Dimensions:       opts.Dimensions,
			}},
		},
	}

	if indexType := v.IndexType(); indexType != "" {
		props.IndexingPolicy = &cosmos.IndexingPolicy{
			IncludedPaths: []cosmos.IndexPath{{Path: "/*"}},
			ExcludedPaths: []cosmos.IndexPath{
				{Path: `/"_etag"/?`},
				{Path: vectorPath + "/*"},
			},
			VectorIndexes: []cosmos.VectorIndex{{Path: vectorPath, Type: indexType}},
		}
	}
	return props
}

// ContainerStatus is the outcome for one variant.
type ContainerStatus struct {
	Variant   listing.Variant `json:"variant"`
	Container string          `json:"container"`
	Created   bool            `json:"created"`
	// Drift lists differences between an existing container and the wanted definition.
	Drift []string `json:"drift,omitempty"`
}

// Report summarizes a provisioning pass.
type Report struct {
	Database        string            `json:"database"`
	DatabaseCreated bool              `json:"database_created"`
	Containers      []ContainerStatus `json:"containers"`
}

// Provisioner creates the database and containers. Ensure runs the work at most once
// successfully per process; Provision always runs it.
type Provisioner struct {
	creator Creator
	opts    Options
	logger  *slog.Logger

	mu     sync.Mutex
	report *Report
}

// New creates a Provisioner. Zero-valued option fields take DefaultOptions values.
func New(creator Creator, opts Options, logger *slog.Logger) *Provisioner {
	def := DefaultOptions()
	if opts.Database == "" {
		opts.Database = def.Database
	}
	if opts.Throughput == 0 {
		opts.Throughput = def.Throughput
	}
	if opts.Dimensions == 0 {
		opts.Dimensions = def.Dimensions
	}
	if opts.Distance == "" {
		opts.Distance = def.Distance
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Provisioner{creator: creator, opts: opts, logger: logger}
}

// Options returns the effective options.
func (p *Provisioner) Options() Options { return p.opts }

// Ensure provisions on first use and returns the cached report afterwards. A failed pass is
// not cached, so the next call tries again.
func (p *Provisioner) Ensure(ctx context.Context) (*Report, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.report != nil {
		return p.report, nil
	}

	report, err := p.provision(ctx)
	if err != nil {
		return nil, err
	}
	p.report = report
	return report, nil
}

// Provision runs a full idempotent pass regardless of earlier runs.
func (p *Provisioner) Provision(ctx context.Context) (*Report, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	report, err := p.provision(ctx)
	if err != nil {
		return nil, err
	}
	p.report = report
	return report, nil
}

func (p *Provisioner) provision(ctx context.Context) (*Report, error) {
	created, err := p.creator.CreateDatabaseIfNotExists(ctx, p.opts.Database)
	if err != nil {
		return nil, fmt.Errorf("provisioning database: %w", err)
	}
	report := &Report{Database: p.opts.Database, DatabaseCreated: created}
	p.logger.Info("Database ready", "database", p.opts.Database, "created", created)

	for _, info := range listing.Variants() {
		want := ContainerProperties(info.Variant, p.opts)
		created, err := p.creator.CreateContainerIfNotExists(ctx, p.opts.Database, want, p.opts.Throughput)
		if err != nil {
			return nil, fmt.Errorf("provisioning %s container: %w", info.Label, err)
		}

		status := ContainerStatus{Variant: info.Variant, Container: want.ID, Created: created}
		if !created {
			got, err := p.creator.ReadContainer(ctx, p.opts.Database, want.ID)
			if err != nil {
				return nil, fmt.Errorf("inspecting %s container: %w", info.Label, err)
			}
			status.Drift = Drift(want, *got)
			if len(status.Drift) > 0 {
				p.logger.Warn("Existing container differs from the expected definition",
					"container", want.ID, "drift", status.Drift)
			}
		}
		p.logger.Info("Container ready", "container", want.ID, "variant", info.Variant, "created", created)
		report.Containers = append(report.Containers, status)
	}
	return report, nil
}
