package vision

import (
	"encoding/json"
	"fmt"
	"strings"

	fuzzy "github.com/paul-mannino/go-fuzzywuzzy"
)

// modelKey is where analyzer output lives inside the analysis/metadata JSONB
// documents.
const modelKey = "moondream"

// SemanticDupThreshold flags consecutive scenes whose descriptions score
// above this token-set similarity; they are almost always the same shot
// re-cut by the segmenter.
const SemanticDupThreshold = 85

type modelDoc struct {
	Description string   `json:"description"`
	Tags        []string `json:"tags"`
	OCRText     string   `json:"ocr_text,omitempty"`
}

// MergeLight folds the light pass (description and tags) into an existing
// analysis document. Keys outside the model block survive untouched. The
// caller must re-read the stored document immediately before merging so a
// concurrent full pass is never overwritten.
func MergeLight(existing []byte, a *Analysis) ([]byte, error) {
	doc, block, err := decodeDoc(existing)
	if err != nil {
		return nil, err
	}
	block.Description = a.Description
	block.Tags = a.Tags
	return encodeDoc(doc, block)
}

// MergeFull folds the full pass (OCR only) into an existing document. It
// refuses to run against a document with no light output: that means the
// status machine was bypassed.
func MergeFull(existing []byte, a *Analysis) ([]byte, error) {
	doc, block, err := decodeDoc(existing)
	if err != nil {
		return nil, err
	}
	if block.Description == "" && len(block.Tags) == 0 {
		return nil, fmt.Errorf("merge full: no light analysis present")
	}
	block.OCRText = a.OCRText
	return encodeDoc(doc, block)
}

// MarkSemanticDuplicate sets the duplicate flag on a metadata document.
func MarkSemanticDuplicate(existing []byte) ([]byte, error) {
	doc, block, err := decodeDoc(existing)
	if err != nil {
		return nil, err
	}
	doc["semantic_duplicate"] = json.RawMessage("true")
	return encodeDoc(doc, block)
}

func decodeDoc(existing []byte) (map[string]json.RawMessage, *modelDoc, error) {
	doc := make(map[string]json.RawMessage)
	if len(existing) > 0 {
		if err := json.Unmarshal(existing, &doc); err != nil {
			return nil, nil, fmt.Errorf("analysis document: %w", err)
		}
	}
	var block modelDoc
	if raw, ok := doc[modelKey]; ok {
		if err := json.Unmarshal(raw, &block); err != nil {
			return nil, nil, fmt.Errorf("analysis document %s block: %w", modelKey, err)
		}
	}
	return doc, &block, nil
}

func encodeDoc(doc map[string]json.RawMessage, block *modelDoc) ([]byte, error) {
	raw, err := json.Marshal(block)
	if err != nil {
		return nil, err
	}
	doc[modelKey] = raw
	return json.Marshal(doc)
}

// TokenSetRatio is a token-set similarity in [0, 100]. Shared vocabulary in
// different order still scores high, which is the behavior wanted for
// near-identical scene descriptions.
func TokenSetRatio(a, b string) int {
	if strings.TrimSpace(a) == "" || strings.TrimSpace(b) == "" {
		return 0
	}
	return fuzzy.TokenSetRatio(a, b)
}
