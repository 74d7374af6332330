// Package listing defines the listing records returned by similarity search and the
// closed set of vector-index variants they can be searched through.
package listing

import (
	"errors"
	"fmt"
	"strings"
)

const (
	// DatabaseName is the logical database holding the three listing containers.
	DatabaseName = "diskanndb"
	// VectorField is the document property carrying the listing embedding.
	VectorField = "embedding"
	// Dimensions is the width of every listing embedding.
	Dimensions = 1536
	// DefaultLimit is the number of matches returned per search.
	DefaultLimit = 10
)

// ErrUnknownVariant is returned when a variant name or label is not one of the three known ones.
var ErrUnknownVariant = errors.New("unknown index variant")

// Variant identifies one vector-index configuration.
type Variant string

const (
	VariantNone          Variant = "none"
	VariantQuantizedFlat Variant = "quantized-flat"
	VariantDiskANN       Variant = "disk-ann"
)

// VariantInfo describes how a variant is presented and where its listings live.
type VariantInfo struct {
	Variant   Variant `json:"variant"`
	Label     string  `json:"label"`
	Container string  `json:"container"`
	// IndexType is the Cosmos DB vector index type, empty when no vector index is declared.
	IndexType string `json:"index_type,omitempty"`
}

var variants = []VariantInfo{
	{Variant: VariantNone, Label: "No Index", Container: "search"},
	{Variant: VariantQuantizedFlat, Label: "QFLAT Index", Container: "search_qflat", IndexType: "quantizedFlat"},
	{Variant: VariantDiskANN, Label: "DiskANN Index", Container: "search_diskann", IndexType: "diskANN"},
}

// Variants returns every variant in display order.
func Variants() []VariantInfo {
	out := make([]VariantInfo, len(variants))
	copy(out, variants)
	return out
}

// Info returns the descriptor for v.
func (v Variant) Info() (VariantInfo, bool) {
	for _, info := range variants {
		if info.Variant == v {
			return info, true
		}
	}
	return VariantInfo{}, false
}

// Valid reports whether v is one of the known variants.
func (v Variant) Valid() bool {
	_, ok := v.Info()
	return ok
}

func (v Variant) Label() string {
	info, _ := v.Info()
	return info.Label
}

func (v Variant) Container() string {
	info, _ := v.Info()
	return info.Container
}

func (v Variant) IndexType() string {
	info, _ := v.Info()
	return info.IndexType
}

func (v Variant) String() string { return string(v) }

// ParseVariant accepts a variant name ("disk-ann") or its display label ("DiskANN Index"),
// case-insensitively.
func ParseVariant(s string) (Variant, error) {
	s = strings.TrimSpace(s)
	for _, info := range variants {
		if strings.EqualFold(s, string(info.Variant)) || strings.EqualFold(s, info.Label) {
			return info.Variant, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownVariant, s)
}

// Match is one listing returned by a similarity query.
type Match struct {
	ID              string  `json:"id"`
	Title           string  `json:"title"`
	Abstract        string  `json:"abstract"`
	SimilarityScore float64 `json:"SimilarityScore"`
	// Distance is derived from SimilarityScore so that smaller always means closer.
	Distance float64 `json:"-"`
}
