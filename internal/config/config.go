package config

import (
	"log"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	AppEnv      string `env:"APP_ENV,notEmpty"`
	APIAddr     string `env:"API_ADDR" envDefault:":8080"`
	MetricsAddr string `env:"METRICS_ADDR" envDefault:":9091"`
	PostgresDSN string `env:"POSTGRES_DSN,notEmpty"`

	QueueDriver   string `env:"QUEUE_DRIVER" envDefault:"redis"`
	RedisAddr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	AMQPURL       string `env:"AMQP_URL"`

	EmailEnabled    bool   `env:"CHANNEL_EMAIL_ENABLED" envDefault:"true"`
	WhatsAppEnabled bool   `env:"CHANNEL_WHATSAPP_ENABLED" envDefault:"true"`
	EmailAPIBase    string `env:"EMAIL_API_BASE"`
	EmailAPIKey     string `env:"EMAIL_API_KEY"`
	WhatsAppAPIBase string `env:"WHATSAPP_API_BASE"`
	WhatsAppAPIKey  string `env:"WHATSAPP_API_KEY"`

	MaxAttempts       int `env:"MAX_ATTEMPTS" envDefault:"5"`
	RetryBaseSec      int `env:"RETRY_BASE_SEC" envDefault:"30"`
	RetryMaxSec       int `env:"RETRY_MAX_SEC" envDefault:"3600"`
	RateLimitRetrySec int `env:"RATE_LIMIT_RETRY_SEC" envDefault:"10"`
	LockDurationSec   int `env:"LOCK_DURATION_SEC" envDefault:"60"`
	BatchSize         int `env:"BATCH_SIZE" envDefault:"50"`
	DedupeWindowSec   int `env:"DEDUPE_WINDOW_SEC" envDefault:"300"`
	WorkerConcurrency int `env:"WORKER_CONCURRENCY" envDefault:"8"`
}

func Load() Config {
	var c Config
	if err := env.Parse(&c); err != nil {
		log.Fatal(err)
	}
	return c
}

func (c Config) RetryBase() time.Duration      { return time.Duration(c.RetryBaseSec) * time.Second }
func (c Config) RetryMax() time.Duration       { return time.Duration(c.RetryMaxSec) * time.Second }
func (c Config) RateLimitRetry() time.Duration { return time.Duration(c.RateLimitRetrySec) * time.Second }
func (c Config) LockDuration() time.Duration   { return time.Duration(c.LockDurationSec) * time.Second }
func (c Config) DedupeWindow() time.Duration   { return time.Duration(c.DedupeWindowSec) * time.Second }
