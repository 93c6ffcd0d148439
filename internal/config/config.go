package config

import (
	"fmt"

	"github.com/Netflix/go-env"
)

type Config struct {
	RabbitMQURL        string `env:"RABBITMQ_URL,required=true"`
	RedisURL           string `env:"REDIS_URL,required=true"`
	SubjectServiceURL  string `env:"SUBJECT_SERVICE_URL,required=true"`
	TemplateServiceURL string `env:"TEMPLATE_SERVICE_URL,required=true"`
	MailAPIURL         string `env:"MAIL_API_URL,required=true"`
	MailAPIKey         string `env:"MAIL_API_KEY"`
	MailFrom           string `env:"MAIL_FROM,default=no-reply@localhost"`
	// DatabaseDSN enables the Postgres delivery-attempt audit when set.
	DatabaseDSN       string `env:"DATABASE_DSN"`
	SendRatePerSec    int    `env:"SEND_RATE_PER_SEC,default=50"`
	WorkerConcurrency int    `env:"WORKER_CONCURRENCY,default=8"`
	OpsPort           int    `env:"OPS_PORT,default=8080"`
	LogLevel          string `env:"LOG_LEVEL,default=info"`
}

func Load() (*Config, error) {
	var cfg Config
	_, err := env.UnmarshalFromEnviron(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}
