// Package config loads server configuration from flags, environment
// variables and an optional .env file, using the pflag+viper+godotenv
// stack.
package config

import (
	"fmt"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config holds everything needed to start the server.
type Config struct {
	ModelID       string
	ModelPath     string
	GPULayers     int
	KVSize        int
	MaxConcurrent int
	DefaultMaxTok int
	Addr          string
	DBPath        string
	LogLevel      string
}

// RegisterFlags defines every flag Config reads. Call it on the flag set
// before parsing argv.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("model-id", "tinyllama-1.1b-chat", "identifier of the loaded model")
	fs.String("model-path", "models/model.gguf", "path to the model weights file")
	fs.Int("gpu-layers", 0, "number of layers to offload to GPU")
	fs.Int("kv-size", 8192, "context / KV cache size per session")
	fs.Int("max-concurrent", 8, "maximum number of sessions admitted at once")
	fs.Int("default-max-tokens", 256, "default generation budget when a request omits max_tokens")
	fs.String("addr", "127.0.0.1:4000", "address to bind the HTTP server on")
	fs.String("db-path", "chats.sqlite", "path to the chat history database")
	fs.String("log-level", "info", "log level: debug, info, warn, error")
}

// Load reads .env (if present) then merges already-parsed flags in fs with
// LLM_-prefixed environment variables, flags taking precedence only when
// explicitly set.
func Load(fs *pflag.FlagSet) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("LLM")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(fs); err != nil {
		return nil, fmt.Errorf("config: bind flags: %w", err)
	}

	return &Config{
		ModelID:       v.GetString("model-id"),
		ModelPath:     v.GetString("model-path"),
		GPULayers:     v.GetInt("gpu-layers"),
		KVSize:        v.GetInt("kv-size"),
		MaxConcurrent: v.GetInt("max-concurrent"),
		DefaultMaxTok: v.GetInt("default-max-tokens"),
		Addr:          v.GetString("addr"),
		DBPath:        v.GetString("db-path"),
		LogLevel:      v.GetString("log-level"),
	}, nil
}
