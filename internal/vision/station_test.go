package vision

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTestJPEG(t *testing.T) string {
	t.Helper()
	// A data URL is built straight from file bytes for .jpg, so any content
	// works for transport tests.
	path := filepath.Join(t.TempDir(), "frame.jpg")
	require.NoError(t, os.WriteFile(path, []byte{0xff, 0xd8, 0xff, 0xd9}, 0o644))
	return path
}

func TestStationAnalyzerHappyPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Contains(t, payload["image_url"], "data:image/jpeg;base64,")

		switch r.URL.Path {
		case "/v1/caption":
			_ = json.NewEncoder(w).Encode(map[string]string{"caption": "a test frame"})
		case "/v1/query":
			q := payload["question"].(string)
			switch {
			case q == "Provide a comma-separated list of single-word tags for this image.":
				_ = json.NewEncoder(w).Encode(map[string]string{"answer": "test, frame, test"})
			default:
				_ = json.NewEncoder(w).Encode(map[string]string{"answer": "None"})
			}
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	a := NewStationAnalyzer(srv.URL + "/v1")
	out, err := a.Analyze(context.Background(), writeTestJPEG(t))
	require.NoError(t, err)
	assert.Equal(t, "a test frame", out.Description)
	assert.Equal(t, []string{"test", "frame"}, out.Tags)
	assert.Empty(t, out.OCRText, "a literal None answer means no text")
}

func TestStationAnalyzerCaptionFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/caption":
			// Non-standard build: no caption key in the response.
			_ = json.NewEncoder(w).Encode(map[string]string{"result": "?"})
		case "/v1/query":
			_ = json.NewEncoder(w).Encode(map[string]string{"answer": "fallback answer"})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	a := NewStationAnalyzer(srv.URL + "/v1")
	out, err := a.Analyze(context.Background(), writeTestJPEG(t))
	require.NoError(t, err)
	assert.Equal(t, "fallback answer", out.Description)
}

func TestStationAnalyzerHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "model not loaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	a := NewStationAnalyzer(srv.URL + "/v1")
	_, err := a.Analyze(context.Background(), writeTestJPEG(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

func TestNewAnalyzerSelection(t *testing.T) {
	a, err := New("mock", false)
	require.NoError(t, err)
	assert.IsType(t, &MockAnalyzer{}, a)

	_, err = New("", false)
	assert.Error(t, err, "mock must not be the silent default")

	a, err = New("", true)
	require.NoError(t, err)
	assert.IsType(t, &MockAnalyzer{}, a)

	_, err = New("nope", true)
	assert.Error(t, err)
}
