package config

import (
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Database   DatabaseConfig   `yaml:"database" mapstructure:"database"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Automation AutomationConfig `yaml:"automation" mapstructure:"automation"`
	Email      EmailConfig      `yaml:"email" mapstructure:"email"`
}

type ServerConfig struct {
	Host string `yaml:"host" mapstructure:"host"`
	Port int    `yaml:"port" mapstructure:"port"`
}

type DatabaseConfig struct {
	Host            string        `yaml:"host" mapstructure:"host"`
	Port            int           `yaml:"port" mapstructure:"port"`
	User            string        `yaml:"user" mapstructure:"user"`
	Password        string        `yaml:"password" mapstructure:"password"`
	Name            string        `yaml:"name" mapstructure:"name"`
	SSLMode         string        `yaml:"ssl_mode" mapstructure:"ssl_mode"`
	TimeZone        string        `yaml:"time_zone" mapstructure:"time_zone"`
	MaxOpenConns    int           `yaml:"max_open_conns" mapstructure:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns" mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" mapstructure:"conn_max_lifetime"`
}

type LogConfig struct {
	Level      string `yaml:"level" mapstructure:"level"`
	Format     string `yaml:"format" mapstructure:"format"` // json, text
	Output     string `yaml:"output" mapstructure:"output"` // stdout, file, both
	FilePath   string `yaml:"file_path" mapstructure:"file_path"`
	MaxSize    int    `yaml:"max_size" mapstructure:"max_size"`       // MB
	MaxAge     int    `yaml:"max_age" mapstructure:"max_age"`         // days
	MaxBackups int    `yaml:"max_backups" mapstructure:"max_backups"` // number of backup files
	Compress   bool   `yaml:"compress" mapstructure:"compress"`       // compress backup files
}

type MonitoringConfig struct {
	Enabled     bool          `yaml:"enabled" mapstructure:"enabled"`
	MetricsPath string        `yaml:"metrics_path" mapstructure:"metrics_path"`
	Tracing     TracingConfig `yaml:"tracing" mapstructure:"tracing"`
}

// TracingConfig OpenTelemetry 追踪配置
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled" mapstructure:"enabled"`
	Endpoint    string  `yaml:"endpoint" mapstructure:"endpoint"`         // OTLP gRPC 端点，例如 http://otel-collector:4317
	Insecure    bool    `yaml:"insecure" mapstructure:"insecure"`         // 是否使用明文（本地/开发）
	SampleRatio float64 `yaml:"sample_ratio" mapstructure:"sample_ratio"` // 采样率 0.0~1.0
	ServiceName string  `yaml:"service_name" mapstructure:"service_name"` // 自定义服务名，缺省使用 "leadflow"
}

// AutomationConfig 自动化引擎配置
type AutomationConfig struct {
	// Schedule is a robfig/cron spec driving the job processor tick.
	Schedule  string `yaml:"schedule" mapstructure:"schedule"`
	BatchSize int    `yaml:"batch_size" mapstructure:"batch_size"`
	// PausedJobPolicy decides what happens to PENDING jobs of a paused automation:
	// "execute" or "skip".
	PausedJobPolicy string        `yaml:"paused_job_policy" mapstructure:"paused_job_policy"`
	TickTimeout     time.Duration `yaml:"tick_timeout" mapstructure:"tick_timeout"`
}

type EmailConfig struct {
	Provider       string               `yaml:"provider" mapstructure:"provider"` // smtp, log
	SMTPHost       string               `yaml:"smtp_host" mapstructure:"smtp_host"`
	SMTPPort       int                  `yaml:"smtp_port" mapstructure:"smtp_port"`
	Username       string               `yaml:"username" mapstructure:"username"`
	Password       string               `yaml:"password" mapstructure:"password"`
	From           string               `yaml:"from" mapstructure:"from"`
	ReplyTo        string               `yaml:"reply_to" mapstructure:"reply_to"`
	Timeout        time.Duration        `yaml:"timeout" mapstructure:"timeout"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker" mapstructure:"circuit_breaker"`
}

type CircuitBreakerConfig struct {
	Enabled         bool          `yaml:"enabled" mapstructure:"enabled"`
	MaxFailures     int           `yaml:"max_failures" mapstructure:"max_failures"`
	ResetTimeout    time.Duration `yaml:"reset_timeout" mapstructure:"reset_timeout"`
	HalfOpenMaxReqs int           `yaml:"half_open_max_requests" mapstructure:"half_open_max_requests"`
}

// Load 从 viper 读取配置，未设置的字段保持默认值
func Load() *Config {
	config := GetDefaultConfig()
	if err := viper.Unmarshal(config); err != nil {
		panic(err)
	}
	return config
}

// GetDefaultConfig 返回默认配置
func GetDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Database: DatabaseConfig{
			Host:            "localhost",
			Port:            5432,
			User:            "postgres",
			Password:        "password",
			Name:            "leadflow",
			SSLMode:         "disable",
			TimeZone:        "UTC",
			MaxOpenConns:    50,
			MaxIdleConns:    10,
			ConnMaxLifetime: 3600 * time.Second,
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "json",
			Output:     "both",
			FilePath:   "./logs/leadflow.log",
			MaxSize:    100,
			MaxAge:     7,
			MaxBackups: 3,
			Compress:   true,
		},
		Monitoring: MonitoringConfig{
			Enabled:     true,
			MetricsPath: "/metrics",
			Tracing: TracingConfig{
				Enabled:     false,
				Endpoint:    "http://localhost:4317",
				Insecure:    true,
				SampleRatio: 0.1,
				ServiceName: "leadflow",
			},
		},
		Automation: AutomationConfig{
			Schedule:        "@every 1m",
			BatchSize:       100,
			PausedJobPolicy: "execute",
			TickTimeout:     5 * time.Minute,
		},
		Email: EmailConfig{
			Provider: "log",
			SMTPHost: "localhost",
			SMTPPort: 587,
			From:     "noreply@leadflow.local",
			Timeout:  15 * time.Second,
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:         true,
				MaxFailures:     5,
				ResetTimeout:    60 * time.Second,
				HalfOpenMaxReqs: 3,
			},
		},
	}
}
