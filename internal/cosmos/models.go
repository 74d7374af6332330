package cosmos

// DatabaseProperties is the body of a database create request.
type DatabaseProperties struct {
	ID string `json:"id"`
}

// ContainerProperties is the container definition sent at creation and returned on read.
type ContainerProperties struct {
	ID                    string                 `json:"id"`
	PartitionKey          PartitionKeyDefinition `json:"partitionKey"`
	IndexingPolicy        *IndexingPolicy        `json:"indexingPolicy,omitempty"`
	VectorEmbeddingPolicy *VectorEmbeddingPolicy `json:"vectorEmbeddingPolicy,omitempty"`
}

type PartitionKeyDefinition struct {
	Paths   []string `json:"paths"`
	Kind    string   `json:"kind"`
	Version int      `json:"version,omitempty"`
}

type IndexingPolicy struct {
	IndexingMode  string        `json:"indexingMode,omitempty"`
	Automatic     *bool         `json:"automatic,omitempty"`
	IncludedPaths []IndexPath   `json:"includedPaths,omitempty"`
	ExcludedPaths []IndexPath   `json:"excludedPaths,omitempty"`
	VectorIndexes []VectorIndex `json:"vectorIndexes,omitempty"`
}

type IndexPath struct {
	Path string `json:"path"`
}

// VectorIndex declares a vector index ("flat", "quantizedFlat" or "diskANN") over a path.
type VectorIndex struct {
	Path string `json:"path"`
	Type string `json:"type"`
}

type VectorEmbeddingPolicy struct {
	VectorEmbeddings []VectorEmbedding `json:"vectorEmbeddings"`
}

type VectorEmbedding struct {
	Path             string `json:"path"`
	DataType         string `json:"dataType"`
	DistanceFunction string `json:"distanceFunction"`
	Dimensions       int    `json:"dimensions"`
}

// PartitionKeyRange is one physical partition of a container.
type PartitionKeyRange struct {
	ID           string `json:"id"`
	MinInclusive string `json:"minInclusive"`
	MaxExclusive string `json:"maxExclusive"`
}
