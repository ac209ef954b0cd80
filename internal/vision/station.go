package vision

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ManuGH/mediasearch/internal/ffmpeg"
)

const (
	// StationEndpointEnv overrides the Moondream Station endpoint.
	StationEndpointEnv     = "MEDIASEARCH_MOONDREAM_STATION_ENDPOINT"
	defaultStationEndpoint = "http://localhost:2020/v1"

	stationTimeout = 120 * time.Second
)

// StationAnalyzer calls a local Moondream Station server. All inference runs
// in the Station process; this client just ships base64 JPEG data URLs.
type StationAnalyzer struct {
	endpoint string
	client   *http.Client
}

func NewStationAnalyzer(endpoint string) *StationAnalyzer {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		endpoint = defaultStationEndpoint
	}
	return &StationAnalyzer{
		endpoint: strings.TrimRight(endpoint, "/"),
		client: &http.Client{
			Timeout: stationTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

func (a *StationAnalyzer) ModelCard() ModelCard {
	return ModelCard{Name: "moondream-station", Version: "local"}
}

type captionResponse struct {
	Caption string `json:"caption"`
}

type queryResponse struct {
	Answer string `json:"answer"`
}

func (a *StationAnalyzer) Analyze(ctx context.Context, imagePath string) (*Analysis, error) {
	dataURL, err := encodeImageDataURL(ctx, imagePath)
	if err != nil {
		return nil, err
	}

	description, err := a.caption(ctx, dataURL)
	if err != nil {
		// Some Station builds return a non-standard caption shape; the
		// query endpoint is the stable fallback.
		description, err = a.query(ctx, dataURL, "Describe this image briefly in one or two sentences.")
		if err != nil {
			return nil, err
		}
	}

	tagsRaw, err := a.query(ctx, dataURL, "Provide a comma-separated list of single-word tags for this image.")
	if err != nil {
		return nil, err
	}
	ocrRaw, err := a.query(ctx, dataURL, "Extract all readable text. If there is no text, reply 'None'.")
	if err != nil {
		return nil, err
	}

	ocr := strings.TrimSpace(ocrRaw)
	if strings.EqualFold(ocr, "none") {
		ocr = ""
	}
	return &Analysis{
		Description: description,
		Tags:        ParseTags(tagsRaw),
		OCRText:     ocr,
	}, nil
}

func (a *StationAnalyzer) caption(ctx context.Context, dataURL string) (string, error) {
	var out captionResponse
	err := a.post(ctx, "caption", map[string]any{
		"image_url": dataURL,
		"length":    "short",
		"stream":    false,
	}, &out)
	if err != nil {
		return "", err
	}
	if out.Caption == "" {
		return "", fmt.Errorf("station caption: empty response")
	}
	return out.Caption, nil
}

func (a *StationAnalyzer) query(ctx context.Context, dataURL, question string) (string, error) {
	var out queryResponse
	err := a.post(ctx, "query", map[string]any{
		"image_url": dataURL,
		"question":  question,
		"reasoning": false,
		"stream":    false,
	}, &out)
	if err != nil {
		return "", err
	}
	return out.Answer, nil
}

func (a *StationAnalyzer) post(ctx context.Context, path string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("station %s: encode: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint+"/"+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("station %s: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("station %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("station %s: http %d: %s", path, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("station %s: decode: %w", path, err)
	}
	return nil
}

// ParseTags splits a comma-separated tag answer with order-preserving
// deduplication.
func ParseTags(s string) []string {
	seen := make(map[string]struct{})
	var tags []string
	for _, t := range strings.Split(s, ",") {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		tags = append(tags, t)
	}
	return tags
}

// encodeImageDataURL produces the base64 JPEG data URL the Station API
// expects. JPEG files ship as-is; anything else (WebP proxies in particular,
// which the stdlib cannot decode) is converted through ffmpeg.
func encodeImageDataURL(ctx context.Context, imagePath string) (string, error) {
	var jpeg []byte
	switch strings.ToLower(filepath.Ext(imagePath)) {
	case ".jpg", ".jpeg":
		b, err := os.ReadFile(imagePath)
		if err != nil {
			return "", fmt.Errorf("read image %s: %w", imagePath, err)
		}
		jpeg = b
	default:
		b, err := ffmpeg.Run(ctx, "-i", imagePath, "-frames:v", "1", "-q:v", "2", "-f", "image2pipe", "-vcodec", "mjpeg", "-")
		if err != nil {
			return "", fmt.Errorf("convert image %s: %w", imagePath, err)
		}
		jpeg = b
	}
	return "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(jpeg), nil
}
