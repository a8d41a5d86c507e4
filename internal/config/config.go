package config

import "fmt"

type Config struct {
	Server     ServerConfig
	LLM        LLMConfig
	Ollama     OllamaConfig
	Gemini     GeminiConfig
	Storage    StorageConfig
	Chunking   ChunkingConfig
	Retrieval  RetrievalConfig
	Generation GenerationConfig
	Log        LogConfig
}

type ServerConfig struct {
	Port int
}

// LLMConfig selects the completion provider. Embeddings always come from
// Ollama; only generation can be routed to a cloud model.
type LLMConfig struct {
	Provider string // "ollama" or "gemini"
}

type OllamaConfig struct {
	BaseURL    string
	EmbedModel string
	ChatModel  string
}

type GeminiConfig struct {
	APIKey string
	Model  string
}

type StorageConfig struct {
	DataDir string
}

type ChunkingConfig struct {
	Size    int
	Overlap int
}

type RetrievalConfig struct {
	TopK int
}

type GenerationConfig struct {
	BaseURL   string
	MaxTokens int
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 8000,
		},
		LLM: LLMConfig{
			Provider: "ollama",
		},
		Ollama: OllamaConfig{
			BaseURL:    "http://localhost:11434",
			EmbedModel: "nomic-embed-text",
			ChatModel:  "mistral-nemo",
		},
		Gemini: GeminiConfig{
			Model: "gemini-2.0-flash",
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Chunking: ChunkingConfig{
			Size:    800,
			Overlap: 150,
		},
		Retrieval: RetrievalConfig{
			TopK: 5,
		},
		Generation: GenerationConfig{
			BaseURL:   "http://localhost:3000",
			MaxTokens: 4096,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the JSON file backend at
// $XDG_CONFIG_HOME/testbrain/config.json, then applies TESTBRAIN_*
// environment overrides. The Gemini API key is a secret and is read from the
// environment only, never from the file.
func Load() (Config, error) {
	return loadWith(newFileBackend())
}

func loadWith(b Backend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.LLM.Provider {
	case "ollama":
	case "gemini":
		if c.Gemini.APIKey == "" {
			return fmt.Errorf("missing required config: Gemini API key. Set it via environment variable TESTBRAIN_GEMINI_API_KEY")
		}
	default:
		return fmt.Errorf("unknown llm.provider %q (want ollama or gemini)", c.LLM.Provider)
	}
	if c.Chunking.Overlap >= c.Chunking.Size {
		return fmt.Errorf("chunking.overlap (%d) must be smaller than chunking.size (%d)", c.Chunking.Overlap, c.Chunking.Size)
	}
	if c.Retrieval.TopK <= 0 {
		return fmt.Errorf("retrieval.top_k must be positive, got %d", c.Retrieval.TopK)
	}
	return nil
}
