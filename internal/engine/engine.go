package engine

import (
	"context"
	"strings"
)

// ModelSizes lists the faster-whisper checkpoints the gateway is willing to load.
var ModelSizes = []string{"base", "small", "medium", "large-v2", "large-v3"}

func ValidModelSize(size string) bool {
	for _, s := range ModelSizes {
		if s == size {
			return true
		}
	}
	return false
}

// Config identifies one loaded engine instance. Two configs that differ in any
// field require a reload; equality is structural.
type Config struct {
	ModelSize   string
	Device      string // cpu or cuda
	ComputeType string // e.g. int8, float16
}

type Segment struct {
	Start float64
	End   float64
	Text  string
}

type Result struct {
	Text        string
	Language    string
	DurationSec float64
	Segments    []Segment
}

// Engine is a loaded recognition engine for one Config. Implementations decide
// whether concurrent Recognize calls are safe; the worker backend serializes
// them internally.
type Engine interface {
	Recognize(ctx context.Context, path, languageHint string, wantSegments bool) (Result, error)
	Close() error
}

// Factory constructs an Engine for a config. Construction is expensive (model
// load) and is invoked under the cache lock.
type Factory func(cfg Config) (Engine, error)

// shapeResult derives the response fields from raw engine output. Text is the
// space-joined concatenation of trimmed segment texts in emission order.
// Duration prefers the engine-reported value, then the last segment's end
// timestamp, then 0. wantSegments only controls whether the segment list is
// materialized in the result.
func shapeResult(language string, reportedDuration *float64, segments []Segment, wantSegments bool) Result {
	parts := make([]string, 0, len(segments))
	shaped := make([]Segment, 0, len(segments))
	for _, s := range segments {
		text := strings.TrimSpace(s.Text)
		parts = append(parts, text)
		shaped = append(shaped, Segment{Start: s.Start, End: s.End, Text: text})
	}

	duration := 0.0
	switch {
	case reportedDuration != nil:
		duration = *reportedDuration
	case len(shaped) > 0:
		duration = shaped[len(shaped)-1].End
	}

	res := Result{
		Text:        strings.TrimSpace(strings.Join(parts, " ")),
		Language:    language,
		DurationSec: duration,
	}
	if wantSegments {
		res.Segments = shaped
	}
	return res
}
