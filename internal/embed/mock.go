package embed

import (
	"context"
	"hash/fnv"
	"image"
	"math"
)

// MockEncoder produces deterministic hash-based vectors for both spaces.
// Tests use it instead of a live engine; identical inputs always map to
// identical vectors, and distinct inputs are almost surely far apart.
type MockEncoder struct {
	TextDimension   int
	VisualDimension int
}

// NewMockEncoder returns a mock serving the given dimensions.
func NewMockEncoder(textDim, visualDim int) *MockEncoder {
	return &MockEncoder{TextDimension: textDim, VisualDimension: visualDim}
}

func (m *MockEncoder) EmbedText(ctx context.Context, text string) ([]float32, error) {
	return hashVector(text, m.TextDimension), nil
}

func (m *MockEncoder) EmbedTextBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	vecs := make([][]float32, len(texts))
	for i, t := range texts {
		vecs[i] = hashVector(t, m.TextDimension)
	}
	return vecs, nil
}

func (m *MockEncoder) EncodeImage(ctx context.Context, img image.Image) ([]float32, error) {
	b := img.Bounds()
	r, g, bl, _ := img.At(b.Min.X, b.Min.Y).RGBA()
	seed := string(rune(r%256)) + string(rune(g%256)) + string(rune(bl%256))
	return hashVector("image:"+seed, m.VisualDimension), nil
}

func (m *MockEncoder) EncodeText(ctx context.Context, text string) ([]float32, error) {
	return hashVector("visual:"+text, m.VisualDimension), nil
}

// hashVector expands a string hash into a unit vector via an LCG.
func hashVector(s string, dim int) []float32 {
	h := fnv.New64a()
	h.Write([]byte(s))
	seed := h.Sum64()

	vec := make([]float32, dim)
	var norm float64
	for i := 0; i < dim; i++ {
		seed = seed*6364136223846793005 + 1442695040888963407
		vec[i] = float32(int64(seed)) / float32(math.MaxInt64)
		norm += float64(vec[i]) * float64(vec[i])
	}
	if norm > 0 {
		inv := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= inv
		}
	}
	return vec
}
