package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Env        string
	ServerPort string

	StoreDriver string
	DatabaseURL string
	DBHost      string
	DBPort      string
	DBUser      string
	DBPassword  string
	DBName      string

	RedisURL  string
	JWTSecret string

	CORSOrigins []string

	WSAuthTimeout     time.Duration
	WSEventsPerSecond float64
	WSEventBurst      int

	KafkaBrokers []string
	KafkaTopic   string

	ReconcileBackoff time.Duration
}

// Load reads an optional .env file and the process environment.
// Environment variables win over the file.
func Load() *Config {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("APP_ENV", "development")
	v.SetDefault("SERVER_PORT", "8080")
	v.SetDefault("STORE_DRIVER", "postgres")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", "5432")
	v.SetDefault("DB_USER", "relay")
	v.SetDefault("DB_PASSWORD", "relay_dev_password")
	v.SetDefault("DB_NAME", "relay")
	v.SetDefault("REDIS_URL", "")
	v.SetDefault("JWT_SECRET", "dev-secret-change-me")
	v.SetDefault("CORS_ORIGINS", "*")
	v.SetDefault("WS_AUTH_TIMEOUT", "10s")
	v.SetDefault("WS_EVENTS_PER_SECOND", 20)
	v.SetDefault("WS_EVENT_BURST", 40)
	v.SetDefault("KAFKA_BROKERS", "")
	v.SetDefault("KAFKA_TOPIC", "relay.messages")
	v.SetDefault("RECONCILE_BACKOFF", "500ms")

	if err := v.ReadInConfig(); err != nil {
		log.Println("No .env file found, relying on environment variables")
	}

	return &Config{
		Env:               v.GetString("APP_ENV"),
		ServerPort:        v.GetString("SERVER_PORT"),
		StoreDriver:       v.GetString("STORE_DRIVER"),
		DatabaseURL:       v.GetString("DATABASE_URL"),
		DBHost:            v.GetString("DB_HOST"),
		DBPort:            v.GetString("DB_PORT"),
		DBUser:            v.GetString("DB_USER"),
		DBPassword:        v.GetString("DB_PASSWORD"),
		DBName:            v.GetString("DB_NAME"),
		RedisURL:          v.GetString("REDIS_URL"),
		JWTSecret:         v.GetString("JWT_SECRET"),
		CORSOrigins:       splitList(v.GetString("CORS_ORIGINS")),
		WSAuthTimeout:     v.GetDuration("WS_AUTH_TIMEOUT"),
		WSEventsPerSecond: v.GetFloat64("WS_EVENTS_PER_SECOND"),
		WSEventBurst:      v.GetInt("WS_EVENT_BURST"),
		KafkaBrokers:      splitList(v.GetString("KAFKA_BROKERS")),
		KafkaTopic:        v.GetString("KAFKA_TOPIC"),
		ReconcileBackoff:  v.GetDuration("RECONCILE_BACKOFF"),
	}
}

// DSN prefers DATABASE_URL and falls back to the DB_* parts.
func (c *Config) DSN() string {
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName)
}

func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
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
