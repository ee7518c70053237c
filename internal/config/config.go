package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

type Config struct {
	App        AppConfig        `toml:"app"`
	Classifier ClassifierConfig `toml:"classifier"`
	Media      MediaConfig      `toml:"media"`
	Camera     CameraConfig     `toml:"camera"`
	Auth       AuthConfig       `toml:"auth"`
	Redis      RedisConfig      `toml:"redis"`
	RabbitMQ   RabbitMQConfig   `toml:"rabbitmq"`
	GRPC       GRPCConfig       `toml:"grpc"`
}

type AppConfig struct {
	Addr            string   `toml:"addr"`
	GinMode         string   `toml:"gin_mode"`
	LogLevel        string   `toml:"log_level"`
	LogDevelopment  bool     `toml:"log_development"`
	ShutdownTimeout Duration `toml:"shutdown_timeout"`
}

// ClassifierConfig holds the remote inference endpoint and the retry budget.
type ClassifierConfig struct {
	URL            string   `toml:"url"`
	FieldName      string   `toml:"field_name"`
	MaxAttempts    int      `toml:"max_attempts"`
	AttemptTimeout Duration `toml:"attempt_timeout"`
	RetryDelay     Duration `toml:"retry_delay"`
}

type MediaConfig struct {
	MaxImageBytes int64 `toml:"max_image_bytes"`
}

type CameraConfig struct {
	Devices []CameraDevice `toml:"devices"`
}

// CameraDevice describes a snapshot camera reachable over HTTP.
type CameraDevice struct {
	ID     string `toml:"id"`
	URL    string `toml:"url"`
	Facing string `toml:"facing"`
}

type AuthConfig struct {
	JWTSecret   string `toml:"jwt_secret"`
	JWTAudience string `toml:"jwt_audience"`
}

type RedisConfig struct {
	Addr    string `toml:"addr"`
	Channel string `toml:"channel"`
}

type RabbitMQConfig struct {
	URL      string `toml:"url"`
	Exchange string `toml:"exchange"`
}

type GRPCConfig struct {
	HealthAddr string `toml:"health_addr"`
}

// Duration decodes TOML strings such as "30s" into a time.Duration.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", string(text), err)
	}
	d.Duration = parsed
	return nil
}

// Load builds the configuration from defaults, an optional .env file, an optional
// TOML file (CONFIG_FILE) and finally environment variables.
func Load() (*Config, error) {
	if err := godotenv.Load(getEnv("DOTENV_FILE", ".env")); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load dotenv failed: %w", err)
	}

	cfg := Default()

	configPath := getEnv("CONFIG_FILE", "configs/config.toml")
	if _, err := os.Stat(configPath); err == nil {
		if _, err := toml.DecodeFile(configPath, cfg); err != nil {
			return nil, fmt.Errorf("decode config file failed: %w", err)
		}
	}

	overrideByEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration used when nothing else is provided.
func Default() *Config {
	return &Config{
		App: AppConfig{
			Addr:            ":8080",
			GinMode:         "release",
			LogLevel:        "info",
			ShutdownTimeout: Duration{15 * time.Second},
		},
		Classifier: ClassifierConfig{
			URL:            "https://Dawgggggg-AvocadoRipness.hf.space/predict",
			FieldName:      "file",
			MaxAttempts:    5,
			AttemptTimeout: Duration{30 * time.Second},
			RetryDelay:     Duration{5 * time.Second},
		},
		Media: MediaConfig{
			MaxImageBytes: 5 * 1024 * 1024,
		},
		Redis: RedisConfig{
			Channel: "avocado:prediction:state",
		},
		RabbitMQ: RabbitMQConfig{
			Exchange: "avocado.prediction",
		},
	}
}

// Validate rejects configurations the service cannot run with.
func (c *Config) Validate() error {
	if c.Classifier.URL == "" {
		return errors.New("classifier url is required")
	}
	if c.Classifier.MaxAttempts < 1 {
		return fmt.Errorf("classifier max_attempts must be >= 1, got %d", c.Classifier.MaxAttempts)
	}
	if c.Classifier.AttemptTimeout.Duration <= 0 {
		return errors.New("classifier attempt_timeout must be positive")
	}
	if c.Classifier.RetryDelay.Duration <= 0 {
		return errors.New("classifier retry_delay must be positive")
	}
	if c.Media.MaxImageBytes <= 0 {
		return errors.New("media max_image_bytes must be positive")
	}
	for i, d := range c.Camera.Devices {
		if d.URL == "" {
			return fmt.Errorf("camera device %d has no url", i)
		}
	}
	return nil
}

func overrideByEnv(cfg *Config) {
	cfg.App.Addr = getEnv("HTTP_ADDR", cfg.App.Addr)
	cfg.App.GinMode = getEnv("GIN_MODE", cfg.App.GinMode)
	cfg.App.LogLevel = getEnv("LOG_LEVEL", cfg.App.LogLevel)
	cfg.App.LogDevelopment = getEnvAsBool("LOG_DEVELOPMENT", cfg.App.LogDevelopment)
	cfg.App.ShutdownTimeout = getEnvAsDuration("SHUTDOWN_TIMEOUT", cfg.App.ShutdownTimeout)

	cfg.Classifier.URL = getEnv("CLASSIFIER_URL", cfg.Classifier.URL)
	cfg.Classifier.FieldName = getEnv("CLASSIFIER_FIELD_NAME", cfg.Classifier.FieldName)
	cfg.Classifier.MaxAttempts = getEnvAsInt("CLASSIFIER_MAX_ATTEMPTS", cfg.Classifier.MaxAttempts)
	cfg.Classifier.AttemptTimeout = getEnvAsDuration("CLASSIFIER_ATTEMPT_TIMEOUT", cfg.Classifier.AttemptTimeout)
	cfg.Classifier.RetryDelay = getEnvAsDuration("CLASSIFIER_RETRY_DELAY", cfg.Classifier.RetryDelay)

	cfg.Media.MaxImageBytes = int64(getEnvAsInt("MEDIA_MAX_IMAGE_BYTES", int(cfg.Media.MaxImageBytes)))

	if url := os.Getenv("CAMERA_SNAPSHOT_URL"); url != "" {
		cfg.Camera.Devices = append(cfg.Camera.Devices, CameraDevice{
			ID:     getEnv("CAMERA_SNAPSHOT_ID", "env-camera"),
			URL:    url,
			Facing: getEnv("CAMERA_SNAPSHOT_FACING", "environment"),
		})
	}

	cfg.Auth.JWTSecret = getEnv("JWT_SECRET", cfg.Auth.JWTSecret)
	cfg.Auth.JWTAudience = getEnv("JWT_AUDIENCE", cfg.Auth.JWTAudience)

	cfg.Redis.Addr = getEnv("REDIS_ADDR", cfg.Redis.Addr)
	cfg.Redis.Channel = getEnv("REDIS_CHANNEL", cfg.Redis.Channel)

	cfg.RabbitMQ.URL = getEnv("RABBITMQ_URL", cfg.RabbitMQ.URL)
	cfg.RabbitMQ.Exchange = getEnv("RABBITMQ_EXCHANGE", cfg.RabbitMQ.Exchange)

	cfg.GRPC.HealthAddr = getEnv("GRPC_HEALTH_ADDR", cfg.GRPC.HealthAddr)
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvAsBool(key string, fallback bool) bool {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvAsDuration(key string, fallback Duration) Duration {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return Duration{parsed}
}
