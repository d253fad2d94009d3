package config

import (
	"fmt"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kFloat
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "RECALL_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.mcp_port", typ: kInt, env: "RECALL_SERVER_MCP_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.MCPPort = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.MCPPort },
	},
	{
		key: "ollama.base_url", typ: kString, env: "RECALL_OLLAMA_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.BaseURL },
	},
	{
		key: "ollama.embed_model", typ: kString, env: "RECALL_OLLAMA_EMBED_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.EmbedModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.EmbedModel },
	},
	{
		key: "ollama.embed_dim", typ: kInt, env: "RECALL_OLLAMA_EMBED_DIM",
		apply:   func(cfg *Config, v any) { cfg.Ollama.EmbedDim = v.(int) },
		extract: func(cfg Config) any { return cfg.Ollama.EmbedDim },
	},
	{
		key: "clip.model_dir", typ: kString, env: "RECALL_CLIP_MODEL_DIR",
		apply:   func(cfg *Config, v any) { cfg.Clip.ModelDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Clip.ModelDir },
	},
	{
		key: "storage.data_dir", typ: kString, env: "RECALL_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "chunking.max_chars", typ: kInt, env: "RECALL_CHUNKING_MAX_CHARS",
		apply:   func(cfg *Config, v any) { cfg.Chunking.MaxChars = v.(int) },
		extract: func(cfg Config) any { return cfg.Chunking.MaxChars },
	},
	{
		key: "chunking.overlap_chars", typ: kInt, env: "RECALL_CHUNKING_OVERLAP_CHARS",
		apply:   func(cfg *Config, v any) { cfg.Chunking.OverlapChars = v.(int) },
		extract: func(cfg Config) any { return cfg.Chunking.OverlapChars },
	},
	{
		key: "search.fan_out", typ: kInt, env: "RECALL_SEARCH_FAN_OUT",
		apply:   func(cfg *Config, v any) { cfg.Search.FanOut = v.(int) },
		extract: func(cfg Config) any { return cfg.Search.FanOut },
	},
	{
		key: "search.visual_min_score", typ: kFloat, env: "RECALL_SEARCH_VISUAL_MIN_SCORE",
		apply:   func(cfg *Config, v any) { cfg.Search.VisualMinScore = v.(float64) },
		extract: func(cfg Config) any { return cfg.Search.VisualMinScore },
	},
	{
		key: "log.level", typ: kString, env: "RECALL_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kFloat:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if f, err := strconv.ParseFloat(v, 64); err == nil {
					s.apply(cfg, f)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse float from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kFloat:
			if f, err := strconv.ParseFloat(raw, 64); err == nil {
				s.apply(cfg, f)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse float from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
