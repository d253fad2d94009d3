//go:build onnx

package embed

import (
	"context"
	"encoding/json"
	"fmt"
	"image"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
	"golang.org/x/image/draw"
)

const (
	clipImageSize = 224
	clipMaxTokens = 77
)

// CLIP preprocessing constants (OpenAI CLIP ViT-B/32).
var (
	clipMean = [3]float32{0.48145466, 0.4578275, 0.40821073}
	clipStd  = [3]float32{0.26862954, 0.26130258, 0.27577711}
)

var ortInit sync.Once

// CLIPEncoder runs the CLIP visual and textual towers via ONNX Runtime.
type CLIPEncoder struct {
	mu      sync.Mutex
	visual  *ort.DynamicAdvancedSession
	textual *ort.DynamicAdvancedSession
	tok     *clipTokenizer
	dim     int
}

// NewCLIPEncoder loads both CLIP towers from opts.ModelDir.
func NewCLIPEncoder(opts CLIPOptions) (*CLIPEncoder, error) {
	if opts.ModelDir == "" {
		return nil, fmt.Errorf("clip: ModelDir is required")
	}
	if opts.Dim == 0 {
		opts.Dim = 512
	}

	var initErr error
	ortInit.Do(func() {
		if lib := os.Getenv("ONNXRUNTIME_SHARED_LIBRARY_PATH"); lib != "" {
			ort.SetSharedLibraryPath(lib)
		}
		initErr = ort.InitializeEnvironment()
	})
	if initErr != nil {
		return nil, fmt.Errorf("clip: initializing onnxruntime: %w", initErr)
	}

	tok, err := loadCLIPTokenizer(filepath.Join(opts.ModelDir, "vocab.json"))
	if err != nil {
		return nil, fmt.Errorf("clip: loading tokenizer: %w", err)
	}

	visual, err := ort.NewDynamicAdvancedSession(filepath.Join(opts.ModelDir, "visual.onnx"),
		[]string{"pixel_values"}, []string{"image_embeds"}, nil)
	if err != nil {
		return nil, fmt.Errorf("clip: creating visual session: %w", err)
	}

	textual, err := ort.NewDynamicAdvancedSession(filepath.Join(opts.ModelDir, "textual.onnx"),
		[]string{"input_ids"}, []string{"text_embeds"}, nil)
	if err != nil {
		visual.Destroy()
		return nil, fmt.Errorf("clip: creating textual session: %w", err)
	}

	return &CLIPEncoder{visual: visual, textual: textual, tok: tok, dim: opts.Dim}, nil
}

// Close releases both ONNX sessions.
func (c *CLIPEncoder) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.visual != nil {
		c.visual.Destroy()
		c.visual = nil
	}
	if c.textual != nil {
		c.textual.Destroy()
		c.textual = nil
	}
	return nil
}

// EncodeImage embeds an image into the CLIP visual space. The returned
// vector is L2-normalized so inner-product search equals cosine similarity.
func (c *CLIPEncoder) EncodeImage(ctx context.Context, img image.Image) ([]float32, error) {
	pixels := preprocessImage(img)

	input, err := ort.NewTensor(ort.NewShape(1, 3, clipImageSize, clipImageSize), pixels)
	if err != nil {
		return nil, fmt.Errorf("clip: creating input tensor: %w", err)
	}
	defer input.Destroy()

	output, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(c.dim)))
	if err != nil {
		return nil, fmt.Errorf("clip: creating output tensor: %w", err)
	}
	defer output.Destroy()

	c.mu.Lock()
	err = c.visual.Run([]ort.Value{input}, []ort.Value{output})
	c.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("clip: running visual tower: %w", err)
	}

	vec := make([]float32, c.dim)
	copy(vec, output.GetData())
	normalizeVec(vec)
	return vec, nil
}

// EncodeText embeds a text query into the CLIP visual space.
func (c *CLIPEncoder) EncodeText(ctx context.Context, text string) ([]float32, error) {
	ids := c.tok.encode(text)

	input, err := ort.NewTensor(ort.NewShape(1, clipMaxTokens), ids)
	if err != nil {
		return nil, fmt.Errorf("clip: creating input tensor: %w", err)
	}
	defer input.Destroy()

	output, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(c.dim)))
	if err != nil {
		return nil, fmt.Errorf("clip: creating output tensor: %w", err)
	}
	defer output.Destroy()

	c.mu.Lock()
	err = c.textual.Run([]ort.Value{input}, []ort.Value{output})
	c.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("clip: running textual tower: %w", err)
	}

	vec := make([]float32, c.dim)
	copy(vec, output.GetData())
	normalizeVec(vec)
	return vec, nil
}

// preprocessImage resizes to 224x224 and converts to a normalized CHW tensor.
func preprocessImage(img image.Image) []float32 {
	resized := image.NewRGBA(image.Rect(0, 0, clipImageSize, clipImageSize))
	draw.CatmullRom.Scale(resized, resized.Bounds(), img, img.Bounds(), draw.Over, nil)

	pixels := make([]float32, 3*clipImageSize*clipImageSize)
	plane := clipImageSize * clipImageSize
	for y := 0; y < clipImageSize; y++ {
		for x := 0; x < clipImageSize; x++ {
			r, g, b, _ := resized.At(x, y).RGBA()
			i := y*clipImageSize + x
			pixels[i] = (float32(r)/65535 - clipMean[0]) / clipStd[0]
			pixels[plane+i] = (float32(g)/65535 - clipMean[1]) / clipStd[1]
			pixels[2*plane+i] = (float32(b)/65535 - clipMean[2]) / clipStd[2]
		}
	}
	return pixels
}

func normalizeVec(vec []float32) {
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return
	}
	inv := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= inv
	}
}

// clipTokenizer is a greedy longest-match tokenizer over the CLIP BPE
// vocabulary. Good enough for retrieval queries; out-of-vocab pieces fall
// back to per-character tokens or <unk>.
type clipTokenizer struct {
	vocab map[string]int64
	start int64
	end   int64
	unk   int64
}

func loadCLIPTokenizer(path string) (*clipTokenizer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var vocab map[string]int64
	if err := json.Unmarshal(data, &vocab); err != nil {
		return nil, fmt.Errorf("parsing vocab: %w", err)
	}

	t := &clipTokenizer{vocab: vocab}
	var ok bool
	if t.start, ok = vocab["<|startoftext|>"]; !ok {
		return nil, fmt.Errorf("vocab missing <|startoftext|>")
	}
	if t.end, ok = vocab["<|endoftext|>"]; !ok {
		return nil, fmt.Errorf("vocab missing <|endoftext|>")
	}
	t.unk = t.end
	return t, nil
}

func (t *clipTokenizer) encode(text string) []int64 {
	ids := make([]int64, 0, clipMaxTokens)
	ids = append(ids, t.start)

	for _, word := range strings.Fields(strings.ToLower(text)) {
		ids = append(ids, t.encodeWord(word)...)
		if len(ids) >= clipMaxTokens-1 {
			ids = ids[:clipMaxTokens-1]
			break
		}
	}
	ids = append(ids, t.end)

	// Pad to fixed length with the end token.
	for len(ids) < clipMaxTokens {
		ids = append(ids, t.end)
	}
	return ids
}

// encodeWord greedily matches the longest vocab piece. CLIP's vocab marks
// word-final pieces with a "</w>" suffix.
func (t *clipTokenizer) encodeWord(word string) []int64 {
	var ids []int64
	for len(word) > 0 {
		matched := false
		for end := len(word); end > 0; end-- {
			piece := word[:end]
			key := piece
			if end == len(word) {
				key = piece + "</w>"
			}
			if id, ok := t.vocab[key]; ok {
				ids = append(ids, id)
				word = word[end:]
				matched = true
				break
			}
			if id, ok := t.vocab[piece]; ok {
				ids = append(ids, id)
				word = word[end:]
				matched = true
				break
			}
		}
		if !matched {
			ids = append(ids, t.unk)
			word = word[1:]
		}
	}
	return ids
}
