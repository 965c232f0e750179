// Package config loads the JSON configuration shared by the server and CLI.
package config

import (
	"encoding/json"
	"errors"
	"os"
)

// Config is the top-level config.json schema.
type Config struct {
	ServerAddr string       `json:"server_addr,omitempty"`
	Redis      *RedisConfig `json:"redis,omitempty"`
	LLM        *LLMConfig   `json:"llm,omitempty"`
	RAG        *RAGConfig   `json:"rag,omitempty"`
}

// RedisConfig points at the shared queue store.
type RedisConfig struct {
	Addr     string `json:"addr,omitempty"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty"`
}

// LLMConfig 生成模块的模型配置。
type LLMConfig struct {
	Provider string `json:"provider,omitempty"`
	Model    string `json:"model,omitempty"`
	APIKey   string `json:"api_key,omitempty"`
	BaseURL  string `json:"base_url,omitempty"`
}

// RAGConfig points at the external document-search service.
type RAGConfig struct {
	BaseURL        string `json:"base_url,omitempty"`
	TopK           int    `json:"top_k,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
}

// LoadConfig reads JSON config from disk and fills gaps from the environment.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, err
	}
	cfg.applyEnv()
	if cfg.LLM != nil && cfg.LLM.Provider != "" && cfg.LLM.Provider != "mock" && cfg.LLM.APIKey == "" {
		return Config{}, errors.New("config must include llm.api_key when llm.provider is set")
	}
	return cfg, nil
}

// applyEnv fills unset fields from the environment so deployments can keep
// credentials out of the config file.
func (c *Config) applyEnv() {
	if c.Redis == nil {
		c.Redis = &RedisConfig{}
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = os.Getenv("REDIS_ADDR")
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.Redis.Password == "" {
		c.Redis.Password = os.Getenv("REDIS_PASSWORD")
	}
	if c.LLM == nil {
		c.LLM = &LLMConfig{}
	}
	if c.LLM.APIKey == "" {
		c.LLM.APIKey = os.Getenv("LLM_API_KEY")
	}
	if c.RAG == nil {
		c.RAG = &RAGConfig{}
	}
	if c.RAG.BaseURL == "" {
		c.RAG.BaseURL = os.Getenv("RAG_API_URL")
	}
}
