package config

// Config holds all runtime configuration for the recall daemon and CLI.
type Config struct {
	Server   ServerConfig
	Ollama   OllamaConfig
	Clip     ClipConfig
	Storage  StorageConfig
	Chunking ChunkingConfig
	Search   SearchConfig
	Log      LogConfig
}

type ServerConfig struct {
	Port    int
	MCPPort int
}

type OllamaConfig struct {
	BaseURL    string
	EmbedModel string
	EmbedDim   int
}

// ClipConfig points at the CLIP ONNX model files used for visual embeddings.
// When ModelDir is empty, image ingestion and visual search are disabled.
type ClipConfig struct {
	ModelDir string
}

type StorageConfig struct {
	DataDir string
}

type ChunkingConfig struct {
	MaxChars     int
	OverlapChars int
}

type SearchConfig struct {
	FanOut         int
	VisualMinScore float64
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:    4500,
			MCPPort: 4501,
		},
		Ollama: OllamaConfig{
			BaseURL:    "http://localhost:11434",
			EmbedModel: "bge-m3",
			EmbedDim:   1024,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Chunking: ChunkingConfig{
			MaxChars:     512,
			OverlapChars: 64,
		},
		Search: SearchConfig{
			FanOut:         3,
			VisualMinScore: 0.22,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the platform-native backend and environment
// variables.
//
// On macOS the backend is UserDefaults (domain: com.recallos.recall).
// On Linux the backend is a JSON file at $XDG_CONFIG_HOME/recall/config.json.
//
// Environment variables (RECALL_*) override backend values on all platforms.
func Load() (Config, error) {
	return loadWith(newPlatformBackend())
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	return cfg, nil
}
