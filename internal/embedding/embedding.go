// Package embedding turns free text into the 1536-wide vectors stored on every listing.
package embedding

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	// ErrEmptyInput is returned before any network call when the text is blank.
	ErrEmptyInput = errors.New("embedding: empty input")
	// ErrDimensionMismatch is returned when the service answers with a vector of the wrong width.
	ErrDimensionMismatch = errors.New("embedding: dimension mismatch")
)

// Embedder generates one vector per call.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// EmbedderFunc adapts a function to Embedder.
type EmbedderFunc func(ctx context.Context, text string) ([]float32, error)

func (f EmbedderFunc) Embed(ctx context.Context, text string) ([]float32, error) { return f(ctx, text) }

// Timed is a vector together with the wall-clock time spent producing it.
type Timed struct {
	Vector   []float32
	Duration time.Duration
}

// Generate rejects blank text, then calls e and measures how long it took.
func Generate(ctx context.Context, e Embedder, text string) (Timed, error) {
	if strings.TrimSpace(text) == "" {
		return Timed{}, ErrEmptyInput
	}
	start := time.Now()
	vec, err := e.Embed(ctx, text)
	elapsed := time.Since(start)
	if err != nil {
		return Timed{Duration: elapsed}, err
	}
	return Timed{Vector: vec, Duration: elapsed}, nil
}

// WithTimeout bounds each call to d. A zero or negative d returns e unchanged.
func WithTimeout(e Embedder, d time.Duration) Embedder {
	if d <= 0 {
		return e
	}
	return EmbedderFunc(func(ctx context.Context, text string) ([]float32, error) {
		ctx, cancel := context.WithTimeout(ctx, d)
		defer cancel()
		return e.Embed(ctx, text)
	})
}
