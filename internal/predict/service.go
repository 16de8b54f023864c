package predict

import (
	"context"
	"errors"
	"fmt"
	"image"
	"math"
	"slices"
	"strconv"

	"go.uber.org/zap"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/Brownie44l1/flower-api/internal/labels"
	"github.com/Brownie44l1/flower-api/internal/model"
	"github.com/Brownie44l1/flower-api/internal/preprocess"
)

// TopK is the number of candidates returned per image.
const TopK = 3

// LabelOffset converts a zero-based model output slot into the one-based
// class id used by the label map.
const LabelOffset = 1

// ErrModelNotLoaded is returned by Predict when the service runs without a
// classifier.
var ErrModelNotLoaded = errors.New("model not loaded: check that the weights file exists")

// Scorer returns per-class probabilities for a preprocessed image.
type Scorer interface {
	Score(t *model.Tensor) ([]float32, error)
}

// Transformer converts a decoded image into a model input tensor.
type Transformer interface {
	Transform(img image.Image) *model.Tensor
}

// Prediction is one ranked candidate.
type Prediction struct {
	Species    string  `json:"species"`
	Confidence float64 `json:"confidence"`
}

// Result holds the ranked candidates, highest confidence first.
type Result struct {
	Predictions []Prediction `json:"predictions"`
}

// Service runs the decode, preprocess, score and label pipeline. It keeps no
// per-request state and may be shared between goroutines.
type Service struct {
	scorer      Scorer
	transformer Transformer
	catalog     labels.Catalog
	logger      *zap.Logger
}

// NewService wires the pipeline. A nil scorer puts the service in degraded
// mode where every Predict call fails with ErrModelNotLoaded.
func NewService(scorer Scorer, transformer Transformer, catalog labels.Catalog, logger *zap.Logger) *Service {
	return &Service{
		scorer:      scorer,
		transformer: transformer,
		catalog:     catalog,
		logger:      logger,
	}
}

// ModelLoaded reports whether a classifier is available.
func (s *Service) ModelLoaded() bool {
	return s.scorer != nil
}

// Catalog returns the label catalog in use.
func (s *Service) Catalog() labels.Catalog {
	return s.catalog
}

// Predict identifies the flower in the encoded image data.
func (s *Service) Predict(ctx context.Context, data []byte) (*Result, error) {
	if s.scorer == nil {
		return nil, ErrModelNotLoaded
	}

	img, err := preprocess.Decode(data)
	if err != nil {
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	probs, err := s.scorer.Score(s.transformer.Transform(img))
	if err != nil {
		return nil, fmt.Errorf("failed to score image: %w", err)
	}

	return s.rank(probs), nil
}

func (s *Service) rank(probs []float32) *Result {
	top := TopIndices(probs, TopK)

	result := &Result{Predictions: make([]Prediction, 0, len(top))}
	for _, i := range top {
		result.Predictions = append(result.Predictions, Prediction{
			Species:    TitleCase(s.label(i)),
			Confidence: Percent(probs[i]),
		})
	}

	if ce := s.logger.Check(zap.DebugLevel, "prediction ranked"); ce != nil {
		ce.Write(zap.Ints("indices", top), zap.Any("predictions", result.Predictions))
	}
	return result
}

// label resolves a zero-based model index. The two fallbacks differ on
// purpose: a missing key still names the one-based class id, a missing
// catalog names the raw model index.
func (s *Service) label(index int) string {
	switch s.catalog.State() {
	case labels.Loaded:
		key := CatalogKey(index)
		if name, ok := s.catalog.Lookup(key); ok {
			return name
		}
		return fmt.Sprintf("Unknown species (ID %s)", key)
	default:
		return fmt.Sprintf("Flower ID %d", index)
	}
}

// CatalogKey maps a zero-based model index to its label map key.
func CatalogKey(index int) string {
	return strconv.Itoa(index + LabelOffset)
}

// TopIndices returns the indices of the k largest probabilities in
// descending order. Equal probabilities keep the lower index first.
func TopIndices(probs []float32, k int) []int {
	indices := make([]int, len(probs))
	for i := range indices {
		indices[i] = i
	}

	slices.SortStableFunc(indices, func(a, b int) int {
		switch {
		case probs[a] > probs[b]:
			return -1
		case probs[a] < probs[b]:
			return 1
		default:
			return 0
		}
	})

	if k > len(indices) {
		k = len(indices)
	}
	return indices[:k]
}

// Percent renders a probability as a percentage rounded to two decimals.
func Percent(p float32) float64 {
	return math.Round(float64(p)*100*100) / 100
}

// TitleCase upper-cases the first letter of every word and leaves the rest
// untouched.
func TitleCase(s string) string {
	// Casers are stateful; one per call keeps Service safe for concurrent use.
	return cases.Title(language.English, cases.NoLower).String(s)
}
