package embed

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"strings"

	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/webp"
)

// ErrEncoding is returned when a payload cannot be turned into a vector:
// blank text, an undecodable image, or an encoder that produced the wrong
// dimension. Callers skip the offending chunk rather than failing the item.
var ErrEncoding = errors.New("embed: cannot encode payload")

// TextEncoder produces text-space vectors (the 1024-d index).
type TextEncoder interface {
	EmbedText(ctx context.Context, text string) ([]float32, error)
	EmbedTextBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// ImageEncoder produces visual-space vectors (the 512-d index). CLIP-style
// models carry both towers, so text queries can be projected into the same
// space as images.
type ImageEncoder interface {
	EncodeImage(ctx context.Context, img image.Image) ([]float32, error)
	EncodeText(ctx context.Context, text string) ([]float32, error)
}

// Gateway routes embedding requests to the modality-appropriate encoder and
// enforces the configured dimensions on everything that comes back.
type Gateway struct {
	text      TextEncoder
	image     ImageEncoder
	textDim   int
	visualDim int
}

// NewGateway builds a gateway. image may be nil when no visual encoder is
// configured; visual operations then return ErrEncoding.
func NewGateway(text TextEncoder, image ImageEncoder, textDim, visualDim int) *Gateway {
	return &Gateway{text: text, image: image, textDim: textDim, visualDim: visualDim}
}

// TextDim returns the text-space vector dimension.
func (g *Gateway) TextDim() int { return g.textDim }

// VisualDim returns the visual-space vector dimension.
func (g *Gateway) VisualDim() int { return g.visualDim }

// HasImageEncoder reports whether visual embedding is available.
func (g *Gateway) HasImageEncoder() bool { return g.image != nil }

// EmbedText embeds one text into the text space.
func (g *Gateway) EmbedText(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: blank text", ErrEncoding)
	}
	vec, err := g.text.EmbedText(ctx, text)
	if err != nil {
		return nil, err
	}
	return g.checkDim(vec, g.textDim)
}

// EmbedTextBatch embeds several texts into the text space, preserving order.
func (g *Gateway) EmbedTextBatch(ctx context.Context, texts []string) ([][]float32, error) {
	for i, t := range texts {
		if strings.TrimSpace(t) == "" {
			return nil, fmt.Errorf("%w: blank text at %d", ErrEncoding, i)
		}
	}
	vecs, err := g.text.EmbedTextBatch(ctx, texts)
	if err != nil {
		return nil, err
	}
	for i, vec := range vecs {
		if _, err := g.checkDim(vec, g.textDim); err != nil {
			return nil, fmt.Errorf("batch item %d: %w", i, err)
		}
	}
	return vecs, nil
}

// EmbedImage decodes raw image bytes and embeds them into the visual space.
func (g *Gateway) EmbedImage(ctx context.Context, data []byte) ([]float32, error) {
	if g.image == nil {
		return nil, fmt.Errorf("%w: no image encoder configured", ErrEncoding)
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: decoding image: %v", ErrEncoding, err)
	}
	vec, err := g.image.EncodeImage(ctx, img)
	if err != nil {
		return nil, err
	}
	return g.checkDim(vec, g.visualDim)
}

// EmbedQueryVisual projects a text query into the visual space so it can be
// searched against image vectors.
func (g *Gateway) EmbedQueryVisual(ctx context.Context, query string) ([]float32, error) {
	if g.image == nil {
		return nil, fmt.Errorf("%w: no image encoder configured", ErrEncoding)
	}
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("%w: blank query", ErrEncoding)
	}
	vec, err := g.image.EncodeText(ctx, query)
	if err != nil {
		return nil, err
	}
	return g.checkDim(vec, g.visualDim)
}

func (g *Gateway) checkDim(vec []float32, want int) ([]float32, error) {
	if len(vec) != want {
		return nil, fmt.Errorf("%w: encoder returned %d dims, want %d", ErrEncoding, len(vec), want)
	}
	return vec, nil
}
