package config

import (
	"os"
	"path/filepath"
	"strconv"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Server   ServerConfig   `toml:"server"`
	LLM      LLMConfig      `toml:"llm"`
	Task     TaskConfig     `toml:"task"`
	Store    StoreConfig    `toml:"store"`
	Search   SearchConfig   `toml:"search"`
	Shell    ShellConfig    `toml:"shell"`
	Debug    DebugConfig    `toml:"debug"`
	Observer ObserverConfig `toml:"observer"`
}

type ServerConfig struct {
	Host       string `toml:"host"`
	Port       int    `toml:"port"`
	MaxClients int    `toml:"max_clients"`
}

type LLMConfig struct {
	Provider       string `toml:"provider"`
	Model          string `toml:"model"`
	APIKey         string `toml:"api_key"`
	BaseURL        string `toml:"base_url"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

type TaskConfig struct {
	MaxRounds      int    `toml:"max_rounds"`
	MaxToolCalls   int    `toml:"max_tool_calls"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
	SystemPrompt   string `toml:"system_prompt"`
	WorkspacePath  string `toml:"workspace_path"`
}

type StoreConfig struct {
	Backend     string `toml:"backend"`
	Path        string `toml:"path"`
	PostgresURL string `toml:"postgres_url"`
}

type SearchConfig struct {
	BraveAPIKey string `toml:"brave_api_key"`
}

type ShellConfig struct {
	Runner         string `toml:"runner"`
	DockerImage    string `toml:"docker_image"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

type DebugConfig struct {
	Enabled bool   `toml:"enabled"`
	Dir     string `toml:"dir"`
}

type ObserverConfig struct {
	Enabled bool                       `toml:"enabled"`
	Pricing map[string]ObserverPricing `toml:"pricing"`
}

type ObserverPricing struct {
	Input  float64 `toml:"input"`
	Output float64 `toml:"output"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	home, _ := os.UserHomeDir()
	if home == "" {
		home = "/tmp"
	}
	return Config{
		Server: ServerConfig{Host: "0.0.0.0", Port: 8080, MaxClients: 100},
		LLM:    LLMConfig{Provider: "gemini", Model: "gemini-2.5-flash", TimeoutSeconds: 300},
		Task:   TaskConfig{MaxRounds: 10, MaxToolCalls: 10, TimeoutSeconds: 600, WorkspacePath: filepath.Join(home, "mcpgate-workspace")},
		Store:  StoreConfig{Backend: "sqlite", Path: "mcpgate.db"},
		Shell:  ShellConfig{Runner: "local", TimeoutSeconds: 30},
		Debug:  DebugConfig{Dir: "mcp_ai_input"},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "mcpgate.toml"
	}

	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	// Env overrides
	if v := os.Getenv("MCPGATE_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("MCPGATE_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = p
		}
	}
	if v := os.Getenv("MCPGATE_LLM_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("MCPGATE_LLM_MODEL"); v != "" {
		cfg.LLM.Model = v
	}
	if v := os.Getenv("MCPGATE_BRAVE_API_KEY"); v != "" {
		cfg.Search.BraveAPIKey = v
	}
	if v := os.Getenv("MCPGATE_POSTGRES_URL"); v != "" {
		cfg.Store.PostgresURL = v
	}
	if os.Getenv("MCPGATE_DEBUG_ENABLED") == "true" || os.Getenv("MCPGATE_DEBUG_ENABLED") == "1" {
		cfg.Debug.Enabled = true
	}
	if os.Getenv("MCPGATE_OBSERVER_ENABLED") == "true" || os.Getenv("MCPGATE_OBSERVER_ENABLED") == "1" {
		cfg.Observer.Enabled = true
	}

	// Fallbacks
	if cfg.Server.Port <= 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Task.MaxRounds <= 0 {
		cfg.Task.MaxRounds = 10
	}
	if cfg.Task.MaxToolCalls <= 0 {
		cfg.Task.MaxToolCalls = 10
	}
	if cfg.Shell.TimeoutSeconds <= 0 {
		cfg.Shell.TimeoutSeconds = 30
	}

	return cfg
}
