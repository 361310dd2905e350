package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Port             string
	AllowedOrigins   []string
	AllowCredentials bool
	RedisHost        string
	RedisPort        string
	RedisPassword    string
	KafkaBrokers     []string
	KafkaGroupID     string
	Environment      string
	DatabaseURL      string

	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Transport TransportConfig `yaml:"transport"`
}

type DispatchConfig struct {
	OfferTimeout           time.Duration `yaml:"offer_timeout"`
	AverageHandlingMinutes int           `yaml:"average_handling_minutes"`
	SendBuffer             int           `yaml:"send_buffer"`
}

type TransportConfig struct {
	TypingExpiry          time.Duration `yaml:"typing_expiry"`
	ReconnectMaxAttempts  int           `yaml:"reconnect_max_attempts"`
	ReconnectInitialDelay time.Duration `yaml:"reconnect_initial_delay"`
	ReconnectMaxDelay     time.Duration `yaml:"reconnect_max_delay"`
	QueuePollInterval     time.Duration `yaml:"queue_poll_interval"`
}

func LoadConfig() *Config {
	// Get allowed origins from environment variable
	allowedOrigins := []string{"*"}
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		allowedOrigins = splitList(origins)
	}

	kafkaBrokers := []string{"localhost:9092"}
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		kafkaBrokers = splitList(brokers)
	}

	cfg := &Config{
		Port:             getEnv("PORT", "8082"),
		AllowedOrigins:   allowedOrigins,
		AllowCredentials: getEnv("ALLOW_CREDENTIALS", "false") == "true",
		RedisHost:        getEnv("REDIS_HOST", "localhost"),
		RedisPort:        getEnv("REDIS_PORT", "6379"),
		RedisPassword:    getEnv("REDIS_PASSWORD", ""),
		KafkaBrokers:     kafkaBrokers,
		KafkaGroupID:     getEnv("KAFKA_GROUP_ID", "livechat-group"),
		Environment:      getEnv("ENVIRONMENT", "development"),
		DatabaseURL:      getEnv("DATABASE_URL", ""),
		Dispatch: DispatchConfig{
			OfferTimeout:           getDuration("OFFER_TIMEOUT", 10*time.Second),
			AverageHandlingMinutes: getInt("AVERAGE_HANDLING_MINUTES", 5),
			SendBuffer:             getInt("SEND_BUFFER", 256),
		},
		Transport: TransportConfig{
			TypingExpiry:          getDuration("TYPING_EXPIRY", 3*time.Second),
			ReconnectMaxAttempts:  getInt("RECONNECT_MAX_ATTEMPTS", 5),
			ReconnectInitialDelay: getDuration("RECONNECT_INITIAL_DELAY", 2*time.Second),
			ReconnectMaxDelay:     getDuration("RECONNECT_MAX_DELAY", 30*time.Second),
			QueuePollInterval:     getDuration("QUEUE_POLL_INTERVAL", 10*time.Second),
		},
	}

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.Overlay(path); err != nil {
			log.Printf("Failed to apply config file %s: %v", path, err)
		}
	}
	return cfg
}

// Overlay applies the dispatch and transport sections of a YAML file. Keys
// missing from the file keep their current values.
func (c *Config) Overlay(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var file struct {
		Dispatch  *DispatchConfig  `yaml:"dispatch"`
		Transport *TransportConfig `yaml:"transport"`
	}
	file.Dispatch = &c.Dispatch
	file.Transport = &c.Transport
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		log.Printf("Invalid %s=%q, using %d", key, value, defaultValue)
		return defaultValue
	}
	return n
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		log.Printf("Invalid %s=%q, using %s", key, value, defaultValue)
		return defaultValue
	}
	return d
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	for i, p := range parts {
		parts[i] = strings.TrimSpace(p)
	}
	return parts
}

// GetCORSOrigins returns CORS origins as a comma-separated string
func (c *Config) GetCORSOrigins() string {
	if c.Environment == "production" && len(c.AllowedOrigins) > 0 && c.AllowedOrigins[0] != "*" {
		return strings.Join(c.AllowedOrigins, ",")
	}
	return "*"
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%s", c.RedisHost, c.RedisPort)
}
