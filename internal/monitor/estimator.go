package monitor

import (
	"fmt"

	"github.com/tiktoken-go/tokenizer"
)

// Estimator approximates token counts for raw text, for adapters whose
// ingestion source lacks explicit counts.
type Estimator struct {
	codec tokenizer.Codec
}

// NewEstimator creates an estimator using the cl100k_base encoding.
func NewEstimator() (*Estimator, error) {
	codec, err := tokenizer.Get(tokenizer.Cl100kBase)
	if err != nil {
		return nil, fmt.Errorf("load tokenizer: %w", err)
	}
	return &Estimator{codec: codec}, nil
}

// EstimateTokens returns the token count for text.
func (e *Estimator) EstimateTokens(text string) (int64, error) {
	ids, _, err := e.codec.Encode(text)
	if err != nil {
		return 0, fmt.Errorf("encode text: %w", err)
	}
	return int64(len(ids)), nil
}
