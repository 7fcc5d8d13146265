package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ClientConfig captures everything needed to talk to the backend and the
// realtime channel. Values come from the environment, optionally seeded from
// a .env file, with defaults that match the production deployment layout.
type ClientConfig struct {
	BaseURL     string
	APIPrefix   string
	HTTPTimeout time.Duration

	RealtimeURL          string
	RealtimeAppKey       string
	RealtimeAuthEndpoint string

	BoardingRadiusM      float64
	StationSearchRadiusM float64
	NearbyStationsLimit  int

	StoreBackend   string
	StorePath      string
	RedisAddr      string
	RedisPassword  string
	RedisKeyPrefix string

	OSRMEndpoint    string
	DefaultSpeedMps float64
	ETACacheTTL     time.Duration

	LogLevel  string
	LogFormat string
}

// AgentConfig adds the long-running process settings on top of the client.
type AgentConfig struct {
	ClientConfig

	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	PGDSN         string
	RunMigrations bool

	KafkaBrokers           []string
	KafkaNotificationTopic string
	KafkaGroup             string
}

func defaultClientConfig() ClientConfig {
	return ClientConfig{
		BaseURL:              "https://i-van.co",
		APIPrefix:            "api/v1",
		HTTPTimeout:          15 * time.Second,
		RealtimeURL:          "wss://i-van.co:2053",
		RealtimeAuthEndpoint: "https://i-van.co/api/v1/broadcasting/auth",
		BoardingRadiusM:      100,
		StationSearchRadiusM: 1000,
		NearbyStationsLimit:  10,
		StoreBackend:         "file",
		StorePath:            defaultStorePath(),
		RedisKeyPrefix:       "ivan:",
		DefaultSpeedMps:      8,
		ETACacheTTL:          30 * time.Second,
		LogLevel:             "info",
		LogFormat:            "json",
	}
}

func defaultAgentConfig() AgentConfig {
	cfg := AgentConfig{
		ClientConfig:           defaultClientConfig(),
		HTTPAddr:               ":8080",
		ReadTimeout:            5 * time.Second,
		WriteTimeout:           10 * time.Second,
		IdleTimeout:            120 * time.Second,
		ShutdownTimeout:        15 * time.Second,
		KafkaNotificationTopic: "rider-notifications",
		KafkaGroup:             "ivan-agent",
	}
	cfg.StoreBackend = "memory"
	return cfg
}

// LoadDotEnv loads the given files (or ./.env) into the process environment
// without overriding variables that are already set. Missing files are not
// an error.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	var existing []string
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			existing = append(existing, f)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	return godotenv.Load(existing...)
}

func LoadClientConfig() (ClientConfig, error) {
	cfg := defaultClientConfig()
	var errs []error
	loadClient(&cfg, &errs)
	return cfg, errors.Join(errs...)
}

func LoadAgentConfig() (AgentConfig, error) {
	cfg := defaultAgentConfig()
	var errs []error
	loadClient(&cfg.ClientConfig, &errs)

	setStringFromEnv(&cfg.HTTPAddr, "AGENT_HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.PGDSN = os.Getenv("PG_DSN")
	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaNotificationTopic, "KAFKA_NOTIFICATION_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")

	return cfg, errors.Join(errs...)
}

func loadClient(cfg *ClientConfig, errs *[]error) {
	setStringFromEnv(&cfg.BaseURL, "BASE_URL")
	setStringFromEnv(&cfg.APIPrefix, "API_V1_PREFIX")
	setDurationFromEnv(&cfg.HTTPTimeout, "HTTP_TIMEOUT", errs)
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	cfg.APIPrefix = strings.Trim(cfg.APIPrefix, "/")

	setStringFromEnv(&cfg.RealtimeURL, "REALTIME_URL")
	setStringFromEnv(&cfg.RealtimeAppKey, "REALTIME_APP_KEY")
	setStringFromEnv(&cfg.RealtimeAuthEndpoint, "REALTIME_AUTH_ENDPOINT")

	setFloatFromEnv(&cfg.BoardingRadiusM, "BOARDING_RADIUS_M", errs)
	setFloatFromEnv(&cfg.StationSearchRadiusM, "STATION_SEARCH_RADIUS_M", errs)
	setIntFromEnv(&cfg.NearbyStationsLimit, "NEARBY_STATIONS_LIMIT", errs)

	setStringFromEnv(&cfg.StoreBackend, "STORE_BACKEND")
	cfg.StoreBackend = strings.ToLower(cfg.StoreBackend)
	setStringFromEnv(&cfg.StorePath, "STORE_PATH")
	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisKeyPrefix, "REDIS_KEY_PREFIX")

	setStringFromEnv(&cfg.OSRMEndpoint, "OSRM_ENDPOINT")
	setFloatFromEnv(&cfg.DefaultSpeedMps, "ETA_DEFAULT_SPEED_MPS", errs)
	setDurationFromEnv(&cfg.ETACacheTTL, "ETA_CACHE_TTL", errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	setStringFromEnv(&cfg.LogFormat, "LOG_FORMAT")

	if cfg.BaseURL == "" {
		*errs = append(*errs, fmt.Errorf("BASE_URL must be set"))
	}
	if cfg.BoardingRadiusM <= 0 {
		*errs = append(*errs, fmt.Errorf("BOARDING_RADIUS_M must be > 0"))
	}
	if cfg.StationSearchRadiusM <= 0 {
		*errs = append(*errs, fmt.Errorf("STATION_SEARCH_RADIUS_M must be > 0"))
	}
	switch cfg.StoreBackend {
	case "memory", "file":
	case "redis":
		if cfg.RedisAddr == "" {
			*errs = append(*errs, fmt.Errorf("REDIS_ADDR is required for STORE_BACKEND=redis"))
		}
	default:
		*errs = append(*errs, fmt.Errorf("unknown STORE_BACKEND %q", cfg.StoreBackend))
	}
}

// APIBaseURL is the versioned endpoint root, always ending in a slash.
func (c ClientConfig) APIBaseURL() string {
	if c.APIPrefix == "" {
		return c.BaseURL + "/"
	}
	return c.BaseURL + "/" + c.APIPrefix + "/"
}

func defaultStorePath() string {
	dir, err := os.UserConfigDir()
	if err != nil || dir == "" {
		return ".ivan-session.json"
	}
	return dir + string(os.PathSeparator) + "ivan" + string(os.PathSeparator) + "session.json"
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
