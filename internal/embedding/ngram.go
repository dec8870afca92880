package embedding

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/thebtf/entmatch/pkg/similarity"
)

const (
	NgramModelVersion     = "ngram"
	NgramModelName        = "char-trigram-hash"
	NgramDefaultDimension = 512
)

var ngramTokenPattern = regexp.MustCompile(`[\p{L}\p{N}]+`)

// ngramModel embeds text by hashing character trigrams and whole words into
// a fixed number of buckets. It needs no corpus preparation and no network,
// so it serves offline runs and tests.
type ngramModel struct {
	dimensions int
}

// Compile-time check that ngramModel implements EmbeddingModel
var _ EmbeddingModel = (*ngramModel)(nil)

func init() {
	RegisterModel(ModelMetadata{
		Name:        NgramModelName,
		Version:     NgramModelVersion,
		Dimensions:  NgramDefaultDimension,
		Description: "Offline character trigram feature hashing",
	}, NewNgramModel)
}

// NewNgramModel creates the hashing model. Options other than Dimensions are ignored.
func NewNgramModel(opts Options) (EmbeddingModel, error) {
	dims := opts.Dimensions
	if dims <= 0 {
		dims = NgramDefaultDimension
	}
	return &ngramModel{dimensions: dims}, nil
}

func (m *ngramModel) Name() string    { return NgramModelName }
func (m *ngramModel) Version() string { return NgramModelVersion }
func (m *ngramModel) Dimensions() int { return m.dimensions }
func (m *ngramModel) Close() error    { return nil }

func (m *ngramModel) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, Failure("ngram embed", err)
		}
		vec, err := m.embed(text)
		if err != nil {
			return nil, &ContractError{Index: i, Reason: err.Error()}
		}
		out[i] = vec
	}
	return out, nil
}

func (m *ngramModel) embed(text string) ([]float32, error) {
	lower := strings.ToLower(text)
	words := ngramTokenPattern.FindAllString(lower, -1)
	if len(words) == 0 {
		// Punctuation-only mentions such as "&" embed on their raw characters.
		raw := strings.Join(strings.Fields(lower), " ")
		if raw == "" {
			return nil, fmt.Errorf("no features in %q", text)
		}
		words = []string{raw}
	}

	vec := make([]float32, m.dimensions)
	for _, w := range words {
		m.add(vec, "w:"+w, 1)

		runes := []rune(" " + w + " ")
		for i := 0; i+3 <= len(runes); i++ {
			m.add(vec, string(runes[i:i+3]), 1)
		}
	}

	if !similarity.Normalize(vec) {
		return nil, fmt.Errorf("zero vector for %q", text)
	}
	return vec, nil
}

// add hashes a feature into a bucket; the top bit picks the sign so
// colliding features tend to cancel instead of piling up.
func (m *ngramModel) add(vec []float32, feature string, weight float32) {
	h := xxhash.Sum64String(feature)
	idx := int(h % uint64(len(vec)))
	if h>>63 == 1 {
		weight = -weight
	}
	vec[idx] += weight
}
