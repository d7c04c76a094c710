package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"os"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// AppConfig holds all server configuration.
// Priority (lowest → highest): defaults < .env file < env vars < JSON config file < CLI flags.
type AppConfig struct {
	// Server
	Store       string `json:"store" env:"STORE"`             // memory | sqlite | bolt
	DB          string `json:"db" env:"DB"`                   // sqlite connection string
	BoltPath    string `json:"bolt_path" env:"BOLT_PATH"`     // bbolt database file
	Dev         bool   `json:"dev" env:"DEV"`                 // dev mode: verbose logging, store dumps on errors
	Addr        string `json:"addr" env:"ADDR"`               // HTTP listen address
	Atomic      bool   `json:"atomic" env:"ATOMIC"`           // compare-and-swap writes instead of last-write-wins
	Credentials string `json:"credentials" env:"CREDENTIALS"` // plain | bcrypt

	// WebSocket action throttling, per connection
	WSRate  float64 `json:"ws_rate" env:"WS_RATE"`
	WSBurst int     `json:"ws_burst" env:"WS_BURST"`

	// OTLP/HTTP trace endpoint URL; tracing is off when empty
	OtelEndpoint string `json:"otel_endpoint" env:"OTEL_ENDPOINT"`

	// Logging (extended diagnostics, off by default)
	LogOutputDir string `json:"log_output_dir" env:"LOG_OUTPUT_DIR"`
	LogRequests  bool   `json:"log_requests" env:"LOG_REQUESTS"`
	LogStore     bool   `json:"log_store" env:"LOG_STORE"`
	LogWS        bool   `json:"log_ws" env:"LOG_WS"`
	LogDebug     bool   `json:"log_debug" env:"LOG_DEBUG"`

	// AI Storyteller
	StorytellerProvider    string `json:"storyteller_provider" env:"STORYTELLER_PROVIDER"`       // ollama | openai | claude | gemini | groq | openai-compatible
	StorytellerModel       string `json:"storyteller_model" env:"STORYTELLER_MODEL"`             // model name
	StorytellerOllamaURL   string `json:"storyteller_ollama_url" env:"STORYTELLER_OLLAMA_URL"`   // Ollama server URL
	StorytellerURL         string `json:"storyteller_url" env:"STORYTELLER_URL"`                 // base URL for openai-compatible
	StorytellerAPIKey      string `json:"storyteller_api_key" env:"STORYTELLER_API_KEY"`         // API key for openai-compatible
	StorytellerTemperature string `json:"storyteller_temperature" env:"STORYTELLER_TEMPERATURE"` // float 0-1 as string
	StorytellerThinking    string `json:"storyteller_thinking" env:"STORYTELLER_THINKING"`       // none | low | medium | high | auto
	GroqAPIKey             string `json:"groq_api_key" env:"GROQ_API_KEY"`                       // API key for groq provider
}

func (cfg AppConfig) toLogConfig() LogConfig {
	return LogConfig{
		OutputDir:   cfg.LogOutputDir,
		LogRequests: cfg.LogRequests,
		LogStore:    cfg.LogStore,
		LogWS:       cfg.LogWS,
		Debug:       cfg.LogDebug,
	}
}

func defaultConfig() AppConfig {
	return AppConfig{
		Store:                "memory",
		DB:                   "impostor.db",
		BoltPath:             "impostor.bolt",
		Addr:                 ":8080",
		Credentials:          "plain",
		WSRate:               5,
		WSBurst:              10,
		StorytellerOllamaURL: "http://localhost:11434",
	}
}

// validate rejects settings the server cannot start with
func (cfg AppConfig) validate() error {
	switch cfg.Store {
	case "memory", "sqlite", "bolt":
	default:
		return fmt.Errorf("unknown store %q (valid: memory, sqlite, bolt)", cfg.Store)
	}
	if _, err := verifierFor(cfg.Credentials); err != nil {
		return err
	}
	if cfg.WSRate <= 0 || cfg.WSBurst <= 0 {
		return fmt.Errorf("ws_rate and ws_burst must be positive")
	}
	return nil
}

// loadConfig builds a config by layering: defaults → .env → env vars → JSON config file.
// CLI flag overrides are applied separately by flagValues.applyTo after parsing.
func loadConfig(configPath string) (AppConfig, error) {
	cfg := defaultConfig()

	// Layer 1: .env never overrides variables that are already set
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Printf("Config: failed to read .env: %v", err)
	}

	// Layer 2: env vars; unset variables keep the defaults
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}

	// Layer 3: JSON config file; only fields present in the file override env vars
	data, err := os.ReadFile(configPath)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", configPath, err)
		}
		log.Printf("Config: loaded from %s", configPath)
	case !errors.Is(err, fs.ErrNotExist):
		log.Printf("Config: failed to read %s: %v", configPath, err)
	}

	return cfg, nil
}

// flagValues collects CLI flags into a scratch config so applyTo can copy only
// the ones that were passed.
type flagValues struct {
	set        *flag.FlagSet
	configPath string
	values     AppConfig
}

// registerFlags registers all CLI flags on set.
// Call set.Parse after this, then applyTo to layer them over the loaded config.
func registerFlags(set *flag.FlagSet) *flagValues {
	fv := &flagValues{set: set}
	v := &fv.values
	set.StringVar(&fv.configPath, "config", "config.json", "path to JSON config file")
	set.StringVar(&v.Store, "store", "", "document store backend (memory|sqlite|bolt)")
	set.StringVar(&v.DB, "db", "", "sqlite connection string")
	set.StringVar(&v.BoltPath, "bolt-path", "", "bbolt database file")
	set.BoolVar(&v.Dev, "dev", false, "enable development mode (verbose logging, store dumps on error)")
	set.StringVar(&v.Addr, "addr", "", "HTTP listen address (e.g. :8080)")
	set.BoolVar(&v.Atomic, "atomic", false, "use compare-and-swap writes for game actions")
	set.StringVar(&v.Credentials, "credentials", "", "credential scheme (plain|bcrypt)")
	set.Float64Var(&v.WSRate, "ws-rate", 0, "WebSocket actions per second per connection")
	set.IntVar(&v.WSBurst, "ws-burst", 0, "WebSocket action burst per connection")
	set.StringVar(&v.OtelEndpoint, "otel-endpoint", "", "OTLP/HTTP trace endpoint URL (e.g. http://localhost:4318)")
	set.StringVar(&v.LogOutputDir, "log-output-dir", "", "directory for extended log files")
	set.BoolVar(&v.LogRequests, "log-requests", false, "log HTTP requests and responses")
	set.BoolVar(&v.LogStore, "log-store", false, "log document store dumps")
	set.BoolVar(&v.LogWS, "log-ws", false, "log WebSocket messages")
	set.BoolVar(&v.LogDebug, "log-debug", false, "enable debug logging")
	set.StringVar(&v.StorytellerProvider, "storyteller-provider", "", "AI storyteller provider (ollama|openai|claude|gemini|groq|openai-compatible)")
	set.StringVar(&v.StorytellerModel, "storyteller-model", "", "AI storyteller model name")
	set.StringVar(&v.StorytellerOllamaURL, "storyteller-ollama-url", "", "Ollama server URL")
	set.StringVar(&v.StorytellerURL, "storyteller-url", "", "base URL for openai-compatible provider")
	set.StringVar(&v.StorytellerAPIKey, "storyteller-api-key", "", "API key for storyteller provider")
	set.StringVar(&v.StorytellerTemperature, "storyteller-temperature", "", "sampling temperature 0-1")
	set.StringVar(&v.StorytellerThinking, "storyteller-thinking", "", "thinking mode: none|low|medium|high|auto")
	set.StringVar(&v.GroqAPIKey, "groq-api-key", "", "Groq API key")
	return fv
}

// flagFields copies one flag's value from the scratch config
var flagFields = map[string]func(dst, src *AppConfig){
	"store":                   func(d, s *AppConfig) { d.Store = s.Store },
	"db":                      func(d, s *AppConfig) { d.DB = s.DB },
	"bolt-path":               func(d, s *AppConfig) { d.BoltPath = s.BoltPath },
	"dev":                     func(d, s *AppConfig) { d.Dev = s.Dev },
	"addr":                    func(d, s *AppConfig) { d.Addr = s.Addr },
	"atomic":                  func(d, s *AppConfig) { d.Atomic = s.Atomic },
	"credentials":             func(d, s *AppConfig) { d.Credentials = s.Credentials },
	"ws-rate":                 func(d, s *AppConfig) { d.WSRate = s.WSRate },
	"ws-burst":                func(d, s *AppConfig) { d.WSBurst = s.WSBurst },
	"otel-endpoint":           func(d, s *AppConfig) { d.OtelEndpoint = s.OtelEndpoint },
	"log-output-dir":          func(d, s *AppConfig) { d.LogOutputDir = s.LogOutputDir },
	"log-requests":            func(d, s *AppConfig) { d.LogRequests = s.LogRequests },
	"log-store":               func(d, s *AppConfig) { d.LogStore = s.LogStore },
	"log-ws":                  func(d, s *AppConfig) { d.LogWS = s.LogWS },
	"log-debug":               func(d, s *AppConfig) { d.LogDebug = s.LogDebug },
	"storyteller-provider":    func(d, s *AppConfig) { d.StorytellerProvider = s.StorytellerProvider },
	"storyteller-model":       func(d, s *AppConfig) { d.StorytellerModel = s.StorytellerModel },
	"storyteller-ollama-url":  func(d, s *AppConfig) { d.StorytellerOllamaURL = s.StorytellerOllamaURL },
	"storyteller-url":         func(d, s *AppConfig) { d.StorytellerURL = s.StorytellerURL },
	"storyteller-api-key":     func(d, s *AppConfig) { d.StorytellerAPIKey = s.StorytellerAPIKey },
	"storyteller-temperature": func(d, s *AppConfig) { d.StorytellerTemperature = s.StorytellerTemperature },
	"storyteller-thinking":    func(d, s *AppConfig) { d.StorytellerThinking = s.StorytellerThinking },
	"groq-api-key":            func(d, s *AppConfig) { d.GroqAPIKey = s.GroqAPIKey },
}

// applyTo overlays any CLI flags that were explicitly set onto cfg.
// Flags that were not passed on the command line are ignored (env/JSON values win).
func (fv *flagValues) applyTo(cfg *AppConfig) {
	fv.set.Visit(func(f *flag.Flag) {
		if apply, ok := flagFields[f.Name]; ok {
			apply(cfg, &fv.values)
		}
	})
}
