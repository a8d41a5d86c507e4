package config

import (
	"strings"
	"testing"
)

// mapBackend is an in-memory Backend for tests.
type mapBackend struct {
	strings map[string]string
	ints    map[string]int
}

func newMapBackend() *mapBackend {
	return &mapBackend{strings: make(map[string]string), ints: make(map[string]int)}
}

func (b *mapBackend) GetString(key string) (string, bool, error) {
	v, ok := b.strings[key]
	return v, ok, nil
}

func (b *mapBackend) GetInt(key string) (int, bool, error) {
	v, ok := b.ints[key]
	return v, ok, nil
}

func (b *mapBackend) SetString(key, val string) error {
	b.strings[key] = val
	return nil
}

func (b *mapBackend) SetInt(key string, val int) error {
	b.ints[key] = val
	return nil
}

func (b *mapBackend) Delete(key string) error {
	delete(b.strings, key)
	delete(b.ints, key)
	return nil
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := loadWith(newMapBackend())
	if err != nil {
		t.Fatalf("loadWith: %v", err)
	}

	if cfg.Server.Port != 8000 {
		t.Errorf("port %d", cfg.Server.Port)
	}
	if cfg.LLM.Provider != "ollama" {
		t.Errorf("provider %q", cfg.LLM.Provider)
	}
	if cfg.Ollama.EmbedModel != "nomic-embed-text" {
		t.Errorf("embed model %q", cfg.Ollama.EmbedModel)
	}
	if cfg.Chunking.Size != 800 || cfg.Chunking.Overlap != 150 {
		t.Errorf("chunking %d/%d", cfg.Chunking.Size, cfg.Chunking.Overlap)
	}
	if cfg.Retrieval.TopK != 5 {
		t.Errorf("top_k %d", cfg.Retrieval.TopK)
	}
	if cfg.Generation.MaxTokens != 4096 {
		t.Errorf("max tokens %d", cfg.Generation.MaxTokens)
	}
}

func TestLoadBackendOverrides(t *testing.T) {
	b := newMapBackend()
	b.SetString("ollama.chat_model", "llama3")
	b.SetInt("chunking.size", 1000)
	b.SetInt("retrieval.top_k", 8)

	cfg, err := loadWith(b)
	if err != nil {
		t.Fatalf("loadWith: %v", err)
	}

	if cfg.Ollama.ChatModel != "llama3" {
		t.Errorf("chat model %q", cfg.Ollama.ChatModel)
	}
	if cfg.Chunking.Size != 1000 {
		t.Errorf("chunking.size %d", cfg.Chunking.Size)
	}
	if cfg.Retrieval.TopK != 8 {
		t.Errorf("top_k %d", cfg.Retrieval.TopK)
	}
}

func TestEnvOverridesBeatBackend(t *testing.T) {
	t.Setenv("TESTBRAIN_OLLAMA_CHAT_MODEL", "qwen2.5")
	t.Setenv("TESTBRAIN_SERVER_PORT", "9000")

	b := newMapBackend()
	b.SetString("ollama.chat_model", "llama3")
	b.SetInt("server.port", 8080)

	cfg, err := loadWith(b)
	if err != nil {
		t.Fatalf("loadWith: %v", err)
	}

	if cfg.Ollama.ChatModel != "qwen2.5" {
		t.Errorf("env should win over file, got %q", cfg.Ollama.ChatModel)
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("env should win over file, got %d", cfg.Server.Port)
	}
}

func TestEnvBadIntegerKeepsDefault(t *testing.T) {
	t.Setenv("TESTBRAIN_SERVER_PORT", "not-a-number")

	cfg, err := loadWith(newMapBackend())
	if err != nil {
		t.Fatalf("loadWith: %v", err)
	}
	if cfg.Server.Port != 8000 {
		t.Errorf("unparseable env value should keep default, got %d", cfg.Server.Port)
	}
}

func TestGeminiRequiresAPIKey(t *testing.T) {
	b := newMapBackend()
	b.SetString("llm.provider", "gemini")

	_, err := loadWith(b)
	if err == nil {
		t.Fatal("expected error without TESTBRAIN_GEMINI_API_KEY")
	}
	if !strings.Contains(err.Error(), "TESTBRAIN_GEMINI_API_KEY") {
		t.Errorf("error should name the env var: %v", err)
	}

	t.Setenv("TESTBRAIN_GEMINI_API_KEY", "key-123")
	cfg, err := loadWith(b)
	if err != nil {
		t.Fatalf("loadWith with key: %v", err)
	}
	if cfg.Gemini.APIKey != "key-123" {
		t.Errorf("api key not picked up from env")
	}
}

func TestAPIKeyNeverReadFromBackend(t *testing.T) {
	b := newMapBackend()
	b.SetString("gemini.api_key", "leaked")

	cfg, err := loadWith(b)
	if err != nil {
		t.Fatalf("loadWith: %v", err)
	}
	if cfg.Gemini.APIKey != "" {
		t.Errorf("secret must not load from the file backend, got %q", cfg.Gemini.APIKey)
	}
}

func TestValidateRejectsUnknownProvider(t *testing.T) {
	b := newMapBackend()
	b.SetString("llm.provider", "openai")

	if _, err := loadWith(b); err == nil {
		t.Fatal("expected error for unknown provider")
	}
}

func TestValidateRejectsBadChunking(t *testing.T) {
	b := newMapBackend()
	b.SetInt("chunking.size", 100)
	b.SetInt("chunking.overlap", 100)

	if _, err := loadWith(b); err == nil {
		t.Fatal("expected error when overlap >= size")
	}
}

func TestValidateRejectsNonPositiveTopK(t *testing.T) {
	b := newMapBackend()
	b.SetInt("retrieval.top_k", 0)

	if _, err := loadWith(b); err == nil {
		t.Fatal("expected error for top_k 0")
	}
}

func TestShowAllHidesSecrets(t *testing.T) {
	infos := ShowAll(defaults())

	seen := make(map[string]bool)
	for _, info := range infos {
		seen[info.Key] = true
	}
	if seen["gemini.api_key"] {
		t.Error("secret key listed by ShowAll")
	}
	if !seen["ollama.base_url"] || !seen["retrieval.top_k"] {
		t.Errorf("expected standard keys in listing, got %v", seen)
	}
}

func TestValidKeysExcludeSecrets(t *testing.T) {
	for _, k := range ValidKeys() {
		if k == "gemini.api_key" {
			t.Fatal("secret key listed as settable")
		}
	}
}

func TestFileBackendRoundTrip(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	b := newFileBackend()
	if err := b.SetString("ollama.chat_model", "llama3"); err != nil {
		t.Fatalf("SetString: %v", err)
	}
	if err := b.SetInt("server.port", 9000); err != nil {
		t.Fatalf("SetInt: %v", err)
	}

	// A fresh backend re-reads the file from disk.
	b2 := newFileBackend()
	s, ok, err := b2.GetString("ollama.chat_model")
	if err != nil || !ok || s != "llama3" {
		t.Errorf("GetString = %q, %v, %v", s, ok, err)
	}
	i, ok, err := b2.GetInt("server.port")
	if err != nil || !ok || i != 9000 {
		t.Errorf("GetInt = %d, %v, %v", i, ok, err)
	}

	if err := b2.Delete("server.port"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok, _ := newFileBackend().GetInt("server.port"); ok {
		t.Error("deleted key still present after reload")
	}
}

func TestSetKeyRejectsSecretsAndUnknown(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	if err := SetKey("gemini.api_key", "x"); err == nil {
		t.Error("expected error setting a secret key")
	}
	if err := SetKey("no.such.key", "x"); err == nil {
		t.Error("expected error for unknown key")
	}
	if err := SetKey("chunking.size", "abc"); err == nil {
		t.Error("expected error for non-integer value")
	}
	if err := SetKey("chunking.size", "600"); err != nil {
		t.Errorf("SetKey: %v", err)
	}
}
