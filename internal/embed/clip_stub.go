//go:build !onnx

package embed

import (
	"context"
	"fmt"
	"image"
)

// CLIPEncoder requires the onnx build tag; this stub keeps the default
// build working on machines without the ONNX runtime installed.
type CLIPEncoder struct{}

// NewCLIPEncoder always fails in non-onnx builds.
func NewCLIPEncoder(opts CLIPOptions) (*CLIPEncoder, error) {
	return nil, fmt.Errorf("clip: built without onnx support (rebuild with -tags onnx)")
}

func (c *CLIPEncoder) Close() error { return nil }

func (c *CLIPEncoder) EncodeImage(ctx context.Context, img image.Image) ([]float32, error) {
	return nil, fmt.Errorf("clip: built without onnx support")
}

func (c *CLIPEncoder) EncodeText(ctx context.Context, text string) ([]float32, error) {
	return nil, fmt.Errorf("clip: built without onnx support")
}
