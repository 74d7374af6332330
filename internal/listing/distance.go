package listing

import "fmt"

// DistanceFunction is the vector comparison declared on the embedding field.
type DistanceFunction string

const (
	DistanceCosine     DistanceFunction = "cosine"
	DistanceDotProduct DistanceFunction = "dotproduct"
	DistanceEuclidean  DistanceFunction = "euclidean"
)

// ParseDistanceFunction validates a configured distance function name.
func ParseDistanceFunction(s string) (DistanceFunction, error) {
	switch f := DistanceFunction(s); f {
	case DistanceCosine, DistanceDotProduct, DistanceEuclidean:
		return f, nil
	}
	return "", fmt.Errorf("unknown distance function %q", s)
}

// Distance converts the score VectorDistance reports into a value where smaller means closer.
// Cosine and dot product report similarities, euclidean reports a distance.
func (f DistanceFunction) Distance(score float64) float64 {
	switch f {
	case DistanceCosine:
		return 1 - score
	case DistanceDotProduct:
		return -score
	default:
		return score
	}
}
