// Package config loads tracker settings from .env files, an optional YAML
// file and environment variables, in increasing order of precedence.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/crew-runner/tracker/internal/gnss"
	"github.com/crew-runner/tracker/internal/station"
)

// Timeouts are the per-call budgets for queries to the sync peer.
type Timeouts struct {
	SearchTrain time.Duration `yaml:"search_train" validate:"gte=0"`
	TrainData   time.Duration `yaml:"train_data" validate:"gte=0"`
	Features    time.Duration `yaml:"features" validate:"gte=0"`
}

// GNSS configures the serial receiver used by the local source.
type GNSS struct {
	Device string           `yaml:"device"`
	Port   gnss.PortOptions `yaml:"port"`
}

// Identity is pushed to the sync peer after connecting.
type Identity struct {
	WorkGroupID string `yaml:"work_group_id"`
	WorkID      string `yaml:"work_id"`
	TrainID     string `yaml:"train_id"`
}

// Config holds all configuration for the tracker service
type Config struct {
	// Sync peer
	SyncURL                string        `yaml:"sync_url" validate:"omitempty,url"`
	PollInterval           time.Duration `yaml:"poll_interval" validate:"gt=0"`
	RemoteFailureThreshold int           `yaml:"remote_failure_threshold" validate:"gte=1"`
	Timeouts               Timeouts      `yaml:"timeouts"`
	Identity               Identity      `yaml:"identity"`

	// Local positioning
	GNSS GNSS `yaml:"gnss"`

	// Journal
	DatabasePath      string        `yaml:"database_path"`
	RetentionDuration time.Duration `yaml:"retention" validate:"gte=0"`

	// HTTP
	ListenAddr     string   `yaml:"listen_addr" validate:"required"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	VehicleID      string   `yaml:"vehicle_id"`

	InitialMode string `yaml:"initial_mode" validate:"oneof=disabled local remote"`

	// Trains maps a train ID to its station list.
	Trains map[string]station.List `yaml:"trains"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		PollInterval:           5 * time.Second,
		RemoteFailureThreshold: 10,
		Timeouts: Timeouts{
			SearchTrain: 10 * time.Second,
			TrainData:   30 * time.Second,
			Features:    5 * time.Second,
		},
		DatabasePath:      "tracker.db",
		RetentionDuration: 24 * time.Hour,
		ListenAddr:        ":8081",
		AllowedOrigins:    []string{"http://localhost:5173"},
		InitialMode:       "disabled",
	}
}

// Load reads .env and .env.local, then the YAML file named by
// TRACKER_CONFIG if set, then environment overrides.
func Load() (*Config, error) {
	_ = godotenv.Load(".env")
	_ = godotenv.Overload(".env.local")
	return LoadFile(os.Getenv("TRACKER_CONFIG"))
}

// LoadFile is Load without the .env step. An empty path skips the YAML file.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.SyncURL = getEnv("SYNC_URL", cfg.SyncURL)
	cfg.PollInterval = getEnvDuration("POLL_INTERVAL", cfg.PollInterval)
	cfg.RemoteFailureThreshold = getEnvInt("REMOTE_FAILURE_THRESHOLD", cfg.RemoteFailureThreshold)
	cfg.Timeouts.SearchTrain = getEnvDuration("SEARCH_TRAIN_TIMEOUT", cfg.Timeouts.SearchTrain)
	cfg.Timeouts.TrainData = getEnvDuration("TRAIN_DATA_TIMEOUT", cfg.Timeouts.TrainData)
	cfg.Timeouts.Features = getEnvDuration("FEATURES_TIMEOUT", cfg.Timeouts.Features)

	cfg.Identity.WorkGroupID = getEnv("WORK_GROUP_ID", cfg.Identity.WorkGroupID)
	cfg.Identity.WorkID = getEnv("WORK_ID", cfg.Identity.WorkID)
	cfg.Identity.TrainID = getEnv("TRAIN_ID", cfg.Identity.TrainID)

	cfg.GNSS.Device = getEnv("GNSS_DEVICE", cfg.GNSS.Device)
	cfg.GNSS.Port.BaudRate = getEnvInt("GNSS_BAUD_RATE", cfg.GNSS.Port.BaudRate)

	cfg.DatabasePath = getEnv("SQLITE_DATABASE", cfg.DatabasePath)
	if hours := getEnvInt("RETENTION_HOURS", -1); hours >= 0 {
		cfg.RetentionDuration = time.Duration(hours) * time.Hour
	}

	if port := os.Getenv("PORT"); port != "" {
		cfg.ListenAddr = ":" + port
	}
	cfg.ListenAddr = getEnv("LISTEN_ADDR", cfg.ListenAddr)
	if origins := os.Getenv("CORS_ALLOWED_ORIGINS"); origins != "" {
		cfg.AllowedOrigins = splitList(origins)
	}
	cfg.VehicleID = getEnv("VEHICLE_ID", cfg.VehicleID)
	cfg.InitialMode = getEnv("SOURCE_MODE", cfg.InitialMode)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("500ms") or plain seconds ("5").
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
