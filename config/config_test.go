package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	t.Setenv("REDIS_ADDR", "")
	t.Setenv("LLM_API_KEY", "")
	cfg, err := LoadConfig(writeConfig(t, `{
		"server_addr": ":9000",
		"redis": {"addr": "redis:6379", "db": 2},
		"llm": {"provider": "openai", "model": "gpt-4o-mini", "api_key": "sk-test"},
		"rag": {"base_url": "http://rag:8000", "top_k": 8, "timeout_seconds": 30}
	}`))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ServerAddr != ":9000" || cfg.Redis.Addr != "redis:6379" || cfg.Redis.DB != 2 {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.LLM.Model != "gpt-4o-mini" || cfg.RAG.TopK != 8 {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestLoadConfigEnvFallbacks(t *testing.T) {
	t.Setenv("REDIS_ADDR", "env-redis:6379")
	t.Setenv("LLM_API_KEY", "sk-env")
	t.Setenv("RAG_API_URL", "http://env-rag:8000")

	cfg, err := LoadConfig(writeConfig(t, `{"llm": {"provider": "openai", "model": "gpt-4o-mini"}}`))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Redis.Addr != "env-redis:6379" {
		t.Fatalf("redis addr = %q", cfg.Redis.Addr)
	}
	if cfg.LLM.APIKey != "sk-env" {
		t.Fatalf("api key = %q", cfg.LLM.APIKey)
	}
	if cfg.RAG.BaseURL != "http://env-rag:8000" {
		t.Fatalf("rag url = %q", cfg.RAG.BaseURL)
	}
}

func TestLoadConfigDefaultRedisAddr(t *testing.T) {
	t.Setenv("REDIS_ADDR", "")
	cfg, err := LoadConfig(writeConfig(t, `{}`))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Redis.Addr != "localhost:6379" {
		t.Fatalf("default redis addr = %q", cfg.Redis.Addr)
	}
}

func TestLoadConfigRequiresAPIKey(t *testing.T) {
	t.Setenv("LLM_API_KEY", "")
	if _, err := LoadConfig(writeConfig(t, `{"llm": {"provider": "openai", "model": "gpt-4o-mini"}}`)); err == nil {
		t.Fatal("provider without api_key must be rejected")
	}
	// The mock provider needs no credentials.
	if _, err := LoadConfig(writeConfig(t, `{"llm": {"provider": "mock"}}`)); err != nil {
		t.Fatalf("mock provider rejected: %v", err)
	}
}
