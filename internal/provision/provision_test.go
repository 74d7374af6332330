package provision

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/efebarandurmaz/listingsearch/internal/cosmos"
	"github.com/efebarandurmaz/listingsearch/internal/listing"
)

type fakeCreator struct {
	databases  map[string]bool
	containers map[string]cosmos.ContainerProperties
	throughput map[string]int
	dbCalls    int
	failOn     string
}

func newFakeCreator() *fakeCreator {
	return &fakeCreator{
		databases:  map[string]bool{},
		containers: map[string]cosmos.ContainerProperties{},
		throughput: map[string]int{},
	}
}

func (f *fakeCreator) CreateDatabaseIfNotExists(ctx context.Context, id string) (bool, error) {
	f.dbCalls++
	if f.databases[id] {
		return false, nil
	}
	f.databases[id] = true
	return true, nil
}

func (f *fakeCreator) CreateContainerIfNotExists(ctx context.Context, database string, props cosmos.ContainerProperties, throughput int) (bool, error) {
	if props.ID == f.failOn {
		return false, errors.New("throttled")
	}
	if _, ok := f.containers[props.ID]; ok {
		return false, nil
	}
	f.containers[props.ID] = props
	f.throughput[props.ID] = throughput
	return true, nil
}

func (f *fakeCreator) ReadContainer(ctx context.Context, database, id string) (*cosmos.ContainerProperties, error) {
	props, ok := f.containers[id]
	if !ok {
		return nil, errors.New("not found")
	}
	return &props, nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestContainerProperties_NoIndex(t *testing.T) {
	props := ContainerProperties(listing.VariantNone, DefaultOptions())

	if props.ID != "search" {
		t.Fatalf("expected container search, got %s", props.ID)
	}
	if props.IndexingPolicy != nil {
		t.Fatal("no-index variant must not declare an indexing policy")
	}
	if got := props.PartitionKey.Paths; len(got) != 1 || got[0] != "/id" {
		t.Fatalf("expected partition key /id, got %v", got)
	}
	emb := props.VectorEmbeddingPolicy.VectorEmbeddings
	if len(emb) != 1 {
		t.Fatalf("expected one vector embedding, got %d", len(emb))
	}
	want := cosmos.VectorEmbedding{Path: "/embedding", DataType: "float32", DistanceFunction: "cosine", Dimensions: 1536}
	if emb[0] != want {
		t.Fatalf("got %+v, want %+v", emb[0], want)
	}
}

func TestContainerProperties_IndexedVariants(t *testing.T) {
	tests := []struct {
		variant   listing.Variant
		container string
		indexType string
	}{
		{listing.VariantQuantizedFlat, "search_qflat", "quantizedFlat"},
		{listing.VariantDiskANN, "search_diskann", "diskANN"},
	}
	for _, tt := range tests {
		t.Run(string(tt.variant), func(t *testing.T) {
			props := ContainerProperties(tt.variant, DefaultOptions())
			if props.ID != tt.container {
				t.Errorf("expected %s, got %s", tt.container, props.ID)
			}
			ip := props.IndexingPolicy
			if ip == nil {
				t.Fatal("expected an indexing policy")
			}
			if len(ip.VectorIndexes) != 1 || ip.VectorIndexes[0].Type != tt.indexType || ip.VectorIndexes[0].Path != "/embedding" {
				t.Errorf("unexpected vector indexes %+v", ip.VectorIndexes)
			}
			excluded := map[string]bool{}
			for _, p := range ip.ExcludedPaths {
				excluded[p.Path] = true
			}
			if !excluded["/embedding/*"] {
				t.Error("vector path must be excluded from the scalar index")
			}
			if !excluded[`/"_etag"/?`] {
				t.Error("_etag must be excluded from the scalar index")
			}
			if props.VectorEmbeddingPolicy == nil {
				t.Error("indexed variants keep the vector embedding policy")
			}
		})
	}
}

func TestProvisioner_CreatesEverything(t *testing.T) {
	fc := newFakeCreator()
	p := New(fc, Options{}, quietLogger())

	report, err := p.Provision(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !report.DatabaseCreated || report.Database != "diskanndb" {
		t.Errorf("unexpected database status %+v", report)
	}
	if len(report.Containers) != 3 {
		t.Fatalf("expected 3 containers, got %d", len(report.Containers))
	}
	for _, c := range report.Containers {
		if !c.Created {
			t.Errorf("container %s should have been created", c.Container)
		}
		if fc.throughput[c.Container] != DefaultThroughput {
			t.Errorf("container %s throughput %d", c.Container, fc.throughput[c.Container])
		}
	}
}

func TestProvisioner_Idempotent(t *testing.T) {
	fc := newFakeCreator()
	p := New(fc, Options{}, quietLogger())

	if _, err := p.Provision(context.Background()); err != nil {
		t.Fatal(err)
	}
	report, err := p.Provision(context.Background())
	if err != nil {
		t.Fatalf("second pass must not fail: %v", err)
	}
	if report.DatabaseCreated {
		t.Error("database should already exist")
	}
	for _, c := range report.Containers {
		if c.Created {
			t.Errorf("container %s should already exist", c.Container)
		}
		if len(c.Drift) != 0 {
			t.Errorf("container %s unexpected drift %v", c.Container, c.Drift)
		}
	}
}

func TestProvisioner_ReportsDrift(t *testing.T) {
	fc := newFakeCreator()
	wrong := ContainerProperties(listing.VariantDiskANN, DefaultOptions())
	wrong.IndexingPolicy.VectorIndexes[0].Type = "flat"
	fc.containers[wrong.ID] = wrong

	report, err := New(fc, Options{}, quietLogger()).Provision(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	for _, c := range report.Containers {
		if c.Variant == listing.VariantDiskANN && len(c.Drift) == 0 {
			t.Error("expected drift for the DiskANN container")
		}
	}
}

func TestProvisioner_EnsureRunsOnce(t *testing.T) {
	fc := newFakeCreator()
	p := New(fc, Options{}, quietLogger())

	for i := 0; i < 3; i++ {
		if _, err := p.Ensure(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	if fc.dbCalls != 1 {
		t.Errorf("expected one provisioning pass, got %d", fc.dbCalls)
	}
}

func TestProvisioner_EnsureRetriesAfterFailure(t *testing.T) {
	fc := newFakeCreator()
	fc.failOn = "search_qflat"
	p := New(fc, Options{}, quietLogger())

	if _, err := p.Ensure(context.Background()); err == nil {
		t.Fatal("expected error")
	}

	fc.failOn = ""
	if _, err := p.Ensure(context.Background()); err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if fc.dbCalls != 2 {
		t.Errorf("expected a second pass after failure, got %d", fc.dbCalls)
	}
}

func TestNew_AppliesDefaults(t *testing.T) {
	p := New(newFakeCreator(), Options{Throughput: 1000}, nil)
	opts := p.Options()
	if opts.Throughput != 1000 {
		t.Errorf("explicit throughput overwritten: %d", opts.Throughput)
	}
	if opts.Database != "diskanndb" || opts.Dimensions != 1536 || opts.Distance != listing.DistanceCosine {
		t.Errorf("defaults not applied: %+v", opts)
	}
}
