package provision

import (
	"fmt"
	"strings"

	"github.com/efebarandurmaz/listingsearch/internal/cosmos"
)

// Drift compares the parts of a container definition that matter for the comparison:
// partition key, vector embedding policy and vector indexes. Scalar indexing paths are
// ignored because the service normalizes them.
func Drift(want, got cosmos.ContainerProperties) []string {
	var drift []string

	if strings.Join(want.PartitionKey.Paths, ",") != strings.Join(got.PartitionKey.Paths, ",") {
		drift = append(drift, fmt.Sprintf("partition key %v, want %v", got.PartitionKey.Paths, want.PartitionKey.Paths))
	}

	wantEmb := embeddings(want.VectorEmbeddingPolicy)
	gotEmb := embeddings(got.VectorEmbeddingPolicy)
	if len(wantEmb) != len(gotEmb) {
		drift = append(drift, fmt.Sprintf("%d vector embeddings, want %d", len(gotEmb), len(wantEmb)))
	} else {
		for i := range wantEmb {
			if wantEmb[i] != gotEmb[i] {
				drift = append(drift, fmt.Sprintf("vector embedding %+v, want %+v", gotEmb[i], wantEmb[i]))
			}
		}
	}

	wantIdx := vectorIndexes(want.IndexingPolicy)
	gotIdx := vectorIndexes(got.IndexingPolicy)
	if len(wantIdx) != len(gotIdx) {
		drift = append(drift, fmt.Sprintf("%d vector indexes, want %d", len(gotIdx), len(wantIdx)))
	} else {
		for i := range wantIdx {
			if !strings.EqualFold(wantIdx[i].Path, gotIdx[i].Path) || !strings.EqualFold(wantIdx[i].Type, gotIdx[i].Type) {
				drift = append(drift, fmt.Sprintf("vector index %+v, want %+v", gotIdx[i], wantIdx[i]))
			}
		}
	}
	return drift
}

func embeddings(p *cosmos.VectorEmbeddingPolicy) []cosmos.VectorEmbedding {
	if p == nil {
		return nil
	}
	return p.VectorEmbeddings
}

func vectorIndexes(p *cosmos.IndexingPolicy) []cosmos.VectorIndex {
	if p == nil {
		return nil
	}
	return p.VectorIndexes
}
