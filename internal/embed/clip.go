package embed

// CLIPOptions configures the ONNX CLIP encoder. ModelDir must contain the
// exported visual and textual towers (visual.onnx, textual.onnx) plus the
// tokenizer vocabulary (vocab.json).
type CLIPOptions struct {
	ModelDir string
	Dim      int
}
