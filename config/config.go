/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package config

import (
	"encoding/json"
	"errors"
	"log"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/sirupsen/logrus"
)

const (
	DEFAULT_PORT = "5001"

	DEFAULT_TICK_INTERVAL_SEC     = 60
	DEFAULT_BATCH_SIZE            = 100
	DEFAULT_SEND_TIMEOUT_SEC      = 30
	DEFAULT_MAX_SEND_FAILURES     = 3
	DEFAULT_RETRY_BACKOFF_SEC     = 3600
	DEFAULT_MAX_RETRY_BACKOFF_SEC = 6 * 3600
	DEFAULT_LOCK_TTL_SEC          = 300
	DEFAULT_SHUTDOWN_GRACE_SEC    = 30

	DEFAULT_EVENT_QUEUE      = "nurture_events"
	DEFAULT_WEBHOOK_QUEUE    = "nurture_webhooks"
	DEFAULT_NUMBER_OF_QUEUES = 4
	DEFAULT_MONITORING_PORT  = "5004"
)

var ConfigStore atomic.Value

type ServerConfig struct {
	SSL       bool   `json:"ssl" envconfig:"NURTURE_SERVER_SSL"`
	Secure    bool   `json:"secure" envconfig:"NURTURE_SERVER_SECURE"`
	SecretKey string `json:"secret_key" envconfig:"NURTURE_SERVER_SECRET_KEY"`
	Domain    string `json:"domain" envconfig:"NURTURE_SERVER_SSL_DOMAIN"`
	Email     string `json:"ssl_email" envconfig:"NURTURE_SERVER_SSL_EMAIL"`
	Port      string `json:"port" envconfig:"NURTURE_SERVER_PORT"`
}

type DataSourceConfig struct {
	Dns string `json:"dns" envconfig:"NURTURE_DATA_SOURCE_DNS"`
}

type RedisConfig struct {
	Dns           string `json:"dns" envconfig:"NURTURE_REDIS_DNS"`
	SkipTLSVerify bool   `json:"skip_tls_verify" envconfig:"NURTURE_REDIS_SKIP_TLS_VERIFY"`
}

// AutomationConfig holds the scheduling and dispatch settings of the engine.
type AutomationConfig struct {
	TickIntervalSec    int `json:"tick_interval_sec" envconfig:"NURTURE_AUTOMATION_TICK_INTERVAL_SEC"`
	BatchSize          int `json:"batch_size" envconfig:"NURTURE_AUTOMATION_BATCH_SIZE"`
	SendTimeoutSec     int `json:"send_timeout_sec" envconfig:"NURTURE_AUTOMATION_SEND_TIMEOUT_SEC"`
	MaxSendFailures    int `json:"max_send_failures" envconfig:"NURTURE_AUTOMATION_MAX_SEND_FAILURES"`
	RetryBackoffSec    int `json:"retry_backoff_sec" envconfig:"NURTURE_AUTOMATION_RETRY_BACKOFF_SEC"`
	MaxRetryBackoffSec int `json:"max_retry_backoff_sec" envconfig:"NURTURE_AUTOMATION_MAX_RETRY_BACKOFF_SEC"`
	LockTTLSec         int `json:"lock_ttl_sec" envconfig:"NURTURE_AUTOMATION_LOCK_TTL_SEC"`
	ShutdownGraceSec   int `json:"shutdown_grace_sec" envconfig:"NURTURE_AUTOMATION_SHUTDOWN_GRACE_SEC"`
}

func (a AutomationConfig) TickInterval() time.Duration {
	return time.Duration(a.TickIntervalSec) * time.Second
}

func (a AutomationConfig) SendTimeout() time.Duration {
	return time.Duration(a.SendTimeoutSec) * time.Second
}

func (a AutomationConfig) RetryBackoff() time.Duration {
	return time.Duration(a.RetryBackoffSec) * time.Second
}

func (a AutomationConfig) MaxRetryBackoff() time.Duration {
	return time.Duration(a.MaxRetryBackoffSec) * time.Second
}

func (a AutomationConfig) LockTTL() time.Duration {
	return time.Duration(a.LockTTLSec) * time.Second
}

func (a AutomationConfig) ShutdownGrace() time.Duration {
	return time.Duration(a.ShutdownGraceSec) * time.Second
}

type QueueConfig struct {
	EventQueue     string `json:"event_queue" envconfig:"NURTURE_QUEUE_EVENT_QUEUE"`
	WebhookQueue   string `json:"webhook_queue" envconfig:"NURTURE_QUEUE_WEBHOOK_QUEUE"`
	NumberOfQueues int    `json:"number_of_queues" envconfig:"NURTURE_QUEUE_NUMBER_OF_QUEUES"`
	MonitoringPort string `json:"monitoring_port" envconfig:"NURTURE_QUEUE_MONITORING_PORT"`
}

type SMTPConfig struct {
	Host     string `json:"host" envconfig:"NURTURE_MAIL_SMTP_HOST"`
	Port     int    `json:"port" envconfig:"NURTURE_MAIL_SMTP_PORT"`
	Username string `json:"username" envconfig:"NURTURE_MAIL_SMTP_USERNAME"`
	Password string `json:"password" envconfig:"NURTURE_MAIL_SMTP_PASSWORD"`
}

type SESConfig struct {
	Region string `json:"region" envconfig:"NURTURE_MAIL_SES_REGION"`
}

type MailConfig struct {
	// Provider is one of smtp, ses or log.
	Provider string     `json:"provider" envconfig:"NURTURE_MAIL_PROVIDER"`
	From     string     `json:"from" envconfig:"NURTURE_MAIL_FROM"`
	SMTP     SMTPConfig `json:"smtp"`
	SES      SESConfig  `json:"ses"`
}

type TemplatesConfig struct {
	Dir string `json:"dir" envconfig:"NURTURE_TEMPLATES_DIR"`
}

type RateLimitConfig struct {
	RequestsPerSecond  *float64 `json:"requests_per_second" envconfig:"NURTURE_RATE_LIMIT_RPS"`
	Burst              *int     `json:"burst" envconfig:"NURTURE_RATE_LIMIT_BURST"`
	CleanupIntervalSec *int     `json:"cleanup_interval_sec" envconfig:"NURTURE_RATE_LIMIT_CLEANUP_INTERVAL_SEC"`
}

type SlackWebhook struct {
	WebhookUrl string `json:"webhook_url" envconfig:"NURTURE_NOTIFICATION_SLACK_WEBHOOK_URL"`
}

type WebhookConfig struct {
	Url     string            `json:"url" envconfig:"NURTURE_NOTIFICATION_WEBHOOK_URL"`
	Headers map[string]string `json:"headers"`
}

type Notification struct {
	Slack     SlackWebhook  `json:"slack"`
	Webhook   WebhookConfig `json:"webhook"`
	SentryDSN string        `json:"sentry_dsn" envconfig:"NURTURE_NOTIFICATION_SENTRY_DSN"`
}

type Configuration struct {
	ProjectName     string           `json:"project_name" envconfig:"NURTURE_PROJECT_NAME"`
	Environment     string           `json:"environment" envconfig:"NURTURE_ENVIRONMENT"`
	EnableTelemetry bool             `json:"enable_telemetry" envconfig:"NURTURE_ENABLE_TELEMETRY"`
	Server          ServerConfig     `json:"server"`
	DataSource      DataSourceConfig `json:"data_source"`
	Redis           RedisConfig      `json:"redis"`
	Automation      AutomationConfig `json:"automation"`
	Queue           QueueConfig      `json:"queue"`
	Mail            MailConfig       `json:"mail"`
	Templates       TemplatesConfig  `json:"templates"`
	Notification    Notification     `json:"notification"`
	RateLimit       RateLimitConfig  `json:"rate_limit"`
}

func loadConfigFromFile(file string) error {
	var cnf Configuration
	_, err := os.Stat(file)
	if err == nil {
		f, err := os.Open(file)
		if err != nil {
			return err
		}
		defer f.Close()
		err = json.NewDecoder(f).Decode(&cnf)
		if err != nil {
			return err
		}
	} else if errors.Is(err, os.ErrNotExist) {
		log.Println("config json not passed, will use env variables")
	}

	// override config from environment variables
	err = envconfig.Process("nurture", &cnf)
	if err != nil {
		return err
	}

	err = cnf.validateAndAddDefaults()
	if err != nil {
		return err
	}

	ConfigStore.Store(&cnf)
	return nil
}

func InitConfig(configFile string) error {
	logger()
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("Warning: could not load .env file: %v", err)
	}
	return loadConfigFromFile(configFile)
}

func Fetch() (*Configuration, error) {
	config := ConfigStore.Load()
	c, ok := config.(*Configuration)
	if !ok {
		return nil, errors.New("config not loaded from file. Create a json file called nurture.json with your config")
	}
	return c, nil
}

func (cnf *Configuration) validateAndAddDefaults() error {
	if cnf.ProjectName == "" {
		log.Println("Warning: Project name is empty. Setting a default name.")
		cnf.ProjectName = "Nurture Engine"
	}

	if cnf.DataSource.Dns == "" {
		log.Println("Error: Data source DNS is empty. It's a required field.")
		return errors.New("data source DNS is required")
	}

	// Trim white spaces from fields
	cnf.ProjectName = strings.TrimSpace(cnf.ProjectName)
	cnf.Server.Port = strings.TrimSpace(cnf.Server.Port)
	cnf.DataSource.Dns = strings.TrimSpace(cnf.DataSource.Dns)
	cnf.Redis.Dns = strings.TrimSpace(cnf.Redis.Dns)
	cnf.Mail.Provider = strings.ToLower(strings.TrimSpace(cnf.Mail.Provider))

	if cnf.Server.Port == "" {
		cnf.Server.Port = DEFAULT_PORT
		log.Printf("Warning: Port not specified in config. Setting default port: %s", DEFAULT_PORT)
	}

	if cnf.Redis.Dns == "" {
		log.Println("Warning: Redis DNS is empty. Events are applied inline and subscriber locks are in-process.")
	}

	switch cnf.Mail.Provider {
	case "":
		cnf.Mail.Provider = "log"
		log.Println("Warning: Mail provider not specified. Emails will only be logged.")
	case "smtp":
		if cnf.Mail.SMTP.Host == "" {
			return errors.New("smtp host is required when mail provider is smtp")
		}
		if cnf.Mail.SMTP.Port == 0 {
			cnf.Mail.SMTP.Port = 587
		}
	case "ses":
		if cnf.Mail.SES.Region == "" {
			return errors.New("ses region is required when mail provider is ses")
		}
	case "log":
	default:
		return errors.New("mail provider must be one of smtp, ses or log")
	}
	if cnf.Mail.Provider != "log" && cnf.Mail.From == "" {
		return errors.New("mail from address is required")
	}

	if cnf.Templates.Dir == "" {
		cnf.Templates.Dir = "templates"
	}

	cnf.WithDefaults()

	// Rate limiting is disabled by default (when both RPS and Burst are nil)
	if cnf.RateLimit.RequestsPerSecond != nil && cnf.RateLimit.Burst == nil {
		defaultBurst := 2 * int(*cnf.RateLimit.RequestsPerSecond)
		cnf.RateLimit.Burst = &defaultBurst
		log.Printf("Warning: Rate limit burst not specified. Setting default value: %d", defaultBurst)
	}
	if cnf.RateLimit.RequestsPerSecond == nil && cnf.RateLimit.Burst != nil {
		defaultRPS := float64(*cnf.RateLimit.Burst) / 2
		cnf.RateLimit.RequestsPerSecond = &defaultRPS
		log.Printf("Warning: Rate limit RPS not specified. Setting default value: %.2f", defaultRPS)
	}
	if cnf.RateLimit.CleanupIntervalSec == nil {
		defaultCleanup := 10800
		cnf.RateLimit.CleanupIntervalSec = &defaultCleanup
	}

	return nil
}

// WithDefaults fills zero automation and queue settings. It is applied by
// validateAndAddDefaults and is also safe to call on a MockConfig value.
func (cnf *Configuration) WithDefaults() *Configuration {
	a := &cnf.Automation
	if a.TickIntervalSec <= 0 {
		a.TickIntervalSec = DEFAULT_TICK_INTERVAL_SEC
	}
	if a.BatchSize <= 0 {
		a.BatchSize = DEFAULT_BATCH_SIZE
	}
	if a.SendTimeoutSec <= 0 {
		a.SendTimeoutSec = DEFAULT_SEND_TIMEOUT_SEC
	}
	if a.MaxSendFailures <= 0 {
		a.MaxSendFailures = DEFAULT_MAX_SEND_FAILURES
	}
	if a.RetryBackoffSec <= 0 {
		a.RetryBackoffSec = DEFAULT_RETRY_BACKOFF_SEC
	}
	if a.MaxRetryBackoffSec <= 0 {
		a.MaxRetryBackoffSec = DEFAULT_MAX_RETRY_BACKOFF_SEC
	}
	if a.MaxRetryBackoffSec < a.RetryBackoffSec {
		a.MaxRetryBackoffSec = a.RetryBackoffSec
	}
	if a.LockTTLSec <= 0 {
		a.LockTTLSec = DEFAULT_LOCK_TTL_SEC
	}
	if a.ShutdownGraceSec <= 0 {
		a.ShutdownGraceSec = DEFAULT_SHUTDOWN_GRACE_SEC
	}

	q := &cnf.Queue
	if q.EventQueue == "" {
		q.EventQueue = DEFAULT_EVENT_QUEUE
	}
	if q.WebhookQueue == "" {
		q.WebhookQueue = DEFAULT_WEBHOOK_QUEUE
	}
	if q.NumberOfQueues <= 0 {
		q.NumberOfQueues = DEFAULT_NUMBER_OF_QUEUES
	}
	if q.MonitoringPort == "" {
		q.MonitoringPort = DEFAULT_MONITORING_PORT
	}
	return cnf
}

// MockConfig sets a mock configuration for testing purposes.
func MockConfig(mockConfig *Configuration) {
	ConfigStore.Store(mockConfig)
}

func logger() {
	logger := logrus.New()
	log.SetOutput(logger.Writer())
}
