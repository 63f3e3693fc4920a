package config

import (
	"fmt"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds runtime configuration values for the grading companion
// service.
type Config struct {
	AppName               string
	AppEnv                string
	AppPort               string
	DatabaseURL           string
	RedisURL              string
	CanvasProxyBase       string
	NATSURL               string
	NATSSubjectBase       string
	ParallelDownloadLimit int
	FeedbackHistorySize   int
	AIProvider            string
	OpenAIAPIKey          string
	OpenAIModel           string
}

// HTTPAddress returns the address the HTTP server should listen on.
func (c Config) HTTPAddress() string {
	if strings.HasPrefix(c.AppPort, ":") {
		return c.AppPort
	}

	return fmt.Sprintf(":%s", c.AppPort)
}

// Load reads configuration values from environment variables and optional .env file.
func Load() (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("CRITKEY")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("app.name", "CritKey API")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.port", "3001")
	v.SetDefault("database.url", "file:critkey.db")
	v.SetDefault("redis.url", "redis://localhost:6379")
	v.SetDefault("canvas.proxy_base", "")
	v.SetDefault("nats.subject_base", "critkey.grading")
	v.SetDefault("parallel_download_limit", 3)
	v.SetDefault("feedback_history_size", 5)
	v.SetDefault("ai.provider", "")
	v.SetDefault("openai.model", "gpt-4o-mini")

	cfg := Config{
		AppName:               v.GetString("app.name"),
		AppEnv:                v.GetString("app.env"),
		AppPort:               v.GetString("app.port"),
		DatabaseURL:           v.GetString("database.url"),
		RedisURL:              v.GetString("redis.url"),
		CanvasProxyBase:       v.GetString("canvas.proxy_base"),
		NATSURL:               v.GetString("nats.url"),
		NATSSubjectBase:       v.GetString("nats.subject_base"),
		ParallelDownloadLimit: v.GetInt("parallel_download_limit"),
		FeedbackHistorySize:   v.GetInt("feedback_history_size"),
		AIProvider:            strings.ToLower(v.GetString("ai.provider")),
		OpenAIAPIKey:          v.GetString("openai_api_key"),
		OpenAIModel:           v.GetString("openai.model"),
	}

	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("database url must be provided")
	}

	if cfg.ParallelDownloadLimit < 0 {
		cfg.ParallelDownloadLimit = 0
	}

	if cfg.FeedbackHistorySize <= 0 {
		cfg.FeedbackHistorySize = 5
	}

	return cfg, nil
}
