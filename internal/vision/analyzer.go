// Package vision abstracts the image description backend. The production
// implementation talks to a local Moondream Station server; a mock exists for
// development and tests.
package vision

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// Analysis is one model pass over an image.
type Analysis struct {
	Description string   `json:"description"`
	Tags        []string `json:"tags"`
	OCRText     string   `json:"ocr_text,omitempty"`
}

// ModelCard identifies the analyzer for the ai_model registry.
type ModelCard struct {
	Name    string
	Version string
}

// Analyzer produces descriptions, tags, and OCR text for images on disk.
type Analyzer interface {
	ModelCard() ModelCard
	Analyze(ctx context.Context, imagePath string) (*Analysis, error)
}

// New returns the named analyzer. The mock is only served when explicitly
// named or when allowMock permits defaulting to it; this keeps a
// misconfigured production deployment from silently tagging a whole library
// with placeholder output.
func New(name string, allowMock bool) (Analyzer, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "station", "moondream-station":
		return NewStationAnalyzer(os.Getenv(StationEndpointEnv)), nil
	case "mock":
		return &MockAnalyzer{}, nil
	case "":
		if allowMock {
			return &MockAnalyzer{}, nil
		}
		return nil, fmt.Errorf("no analyzer configured; pass --analyzer station or set MEDIASEARCH_ALLOW_MOCK_DEFAULT=true")
	default:
		return nil, fmt.Errorf("unknown analyzer %q", name)
	}
}
