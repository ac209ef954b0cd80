package vision

import "context"

// MockAnalyzer returns canned output. Development and tests only.
type MockAnalyzer struct{}

func (m *MockAnalyzer) ModelCard() ModelCard {
	return ModelCard{Name: "mock-analyzer", Version: "1.0"}
}

func (m *MockAnalyzer) Analyze(_ context.Context, _ string) (*Analysis, error) {
	return &Analysis{
		Description: "A placeholder description.",
		Tags:        []string{"mock", "test"},
		OCRText:     "MOCK TEXT",
	}, nil
}
