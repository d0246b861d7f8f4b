package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
)

// ErrInvalidConfig wraps every Validate failure.
var ErrInvalidConfig = errors.New("invalid config")

// Config 是 WayFlow 运行时的完整配置
type Config struct {
	Executor  ExecutorConfig  `yaml:"executor" env:"EXECUTOR"`
	Store     StoreConfig     `yaml:"store" env:"STORE"`
	Redis     RedisConfig     `yaml:"redis" env:"REDIS"`       // Store.Type == redis
	Database  DatabaseConfig  `yaml:"database" env:"DATABASE"` // Store.Type == database
	Log       LogConfig       `yaml:"log" env:"LOG"`
	Metrics   MetricsConfig   `yaml:"metrics" env:"METRICS"`
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`
}

// ExecutorConfig 执行器配置
type ExecutorConfig struct {
	// 每个会话保留的事件数
	MaxEvents int `yaml:"max_events" env:"MAX_EVENTS"`
	// 阻塞步骤工作池的最大并发数，0 表示不使用工作池
	Workers int `yaml:"workers" env:"WORKERS"`
	// 等待工作池空位的最大调用数，0 表示不限
	QueueSize int `yaml:"queue_size" env:"QUEUE_SIZE"`
	// 默认中断，0 表示不启用
	SoftTimeout time.Duration `yaml:"soft_timeout" env:"SOFT_TIMEOUT"`
	TokenLimit  int           `yaml:"token_limit" env:"TOKEN_LIMIT"`
}

// StoreConfig 快照存储配置
type StoreConfig struct {
	Type      string        `yaml:"type" env:"TYPE"` // memory | file | redis | database
	BaseDir   string        `yaml:"base_dir" env:"BASE_DIR"`
	KeyPrefix string        `yaml:"key_prefix" env:"KEY_PREFIX"`
	TTL       time.Duration `yaml:"ttl" env:"TTL"` // 0 表示不过期
}

type RedisConfig struct {
	Addr         string `yaml:"addr" env:"ADDR"`
	Password     string `yaml:"password" env:"PASSWORD"`
	DB           int    `yaml:"db" env:"DB"`
	PoolSize     int    `yaml:"pool_size" env:"POOL_SIZE"`
	MinIdleConns int    `yaml:"min_idle_conns" env:"MIN_IDLE_CONNS"`
}

// DatabaseConfig 数据库配置，sqlite 时 Name 为文件路径
type DatabaseConfig struct {
	Driver          string        `yaml:"driver" env:"DRIVER"` // postgres | mysql | sqlite
	Host            string        `yaml:"host" env:"HOST"`
	Port            int           `yaml:"port" env:"PORT"`
	User            string        `yaml:"user" env:"USER"`
	Password        string        `yaml:"password" env:"PASSWORD"`
	Name            string        `yaml:"name" env:"NAME"`
	SSLMode         string        `yaml:"ssl_mode" env:"SSL_MODE"`
	MaxOpenConns    int           `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	MaxIdleConns    int           `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level            string   `yaml:"level" env:"LEVEL"`   // debug | info | warn | error
	Format           string   `yaml:"format" env:"FORMAT"` // json | console
	OutputPaths      []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	EnableCaller     bool     `yaml:"enable_caller" env:"ENABLE_CALLER"`
	EnableStacktrace bool     `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled" env:"ENABLED"`
	Namespace string `yaml:"namespace" env:"NAMESPACE"`
}

// TelemetryConfig OTLP 导出配置
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled" env:"ENABLED"`
	OTLPEndpoint string  `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	ServiceName  string  `yaml:"service_name" env:"SERVICE_NAME"`
	SampleRate   float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
	// 使用明文 gRPC 连接 collector
	Insecure bool `yaml:"insecure" env:"INSECURE"`
}

// =============================================================================
// 校验
// =============================================================================

// Validate reports every problem at once, joined under ErrInvalidConfig.
func (c *Config) Validate() error {
	var errs []error
	bad := func(field, format string, args ...any) {
		errs = append(errs, errors.New(field+": "+fmt.Sprintf(format, args...)))
	}

	if c.Executor.MaxEvents < 0 {
		bad("executor.max_events", "must not be negative")
	}
	if c.Executor.Workers < 0 {
		bad("executor.workers", "must not be negative")
	}
	if c.Executor.QueueSize < 0 {
		bad("executor.queue_size", "must not be negative")
	}
	if c.Executor.SoftTimeout < 0 {
		bad("executor.soft_timeout", "must not be negative")
	}
	if c.Executor.TokenLimit < 0 {
		bad("executor.token_limit", "must not be negative")
	}

	switch c.Store.Type {
	case "memory":
	case "file":
		if c.Store.BaseDir == "" {
			bad("store.base_dir", "is required for file store")
		}
	case "redis":
		if c.Redis.Addr == "" {
			bad("redis.addr", "is required for redis store")
		}
	case "database":
		if !supportedDriver(c.Database.Driver) {
			bad("database.driver", "unsupported database driver %q", c.Database.Driver)
		}
	default:
		bad("store.type", "unknown store type %q", c.Store.Type)
	}
	if c.Store.TTL < 0 {
		bad("store.ttl", "must not be negative")
	}
	if r := c.Telemetry.SampleRate; r < 0 || r > 1 {
		bad("telemetry.sample_rate", "must be between 0 and 1, got %g", r)
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
}

func supportedDriver(d string) bool {
	switch d {
	case "postgres", "mysql", "sqlite":
		return true
	}
	return false
}

// DSN builds the driver connection string, empty for unknown drivers.
func (d *DatabaseConfig) DSN() string {
	switch d.Driver {
	case "postgres":
		pairs := []string{
			"host=" + pgQuote(d.Host),
			"port=" + strconv.Itoa(d.Port),
			"user=" + pgQuote(d.User),
			"password=" + pgQuote(d.Password),
			"dbname=" + pgQuote(d.Name),
			"sslmode=" + pgQuote(d.SSLMode),
		}
		return strings.Join(pairs, " ")
	case "mysql":
		mc := mysql.NewConfig()
		mc.User = d.User
		mc.Passwd = d.Password
		mc.Net = "tcp"
		mc.Addr = net.JoinHostPort(d.Host, strconv.Itoa(d.Port))
		mc.DBName = d.Name
		mc.ParseTime = true
		return mc.FormatDSN()
	case "sqlite":
		return d.Name
	}
	return ""
}

// pgQuote 按 libpq 规则给含空格或引号的值加引号
func pgQuote(v string) string {
	if v != "" && !strings.ContainsAny(v, ` '\`) {
		return v
	}
	r := strings.NewReplacer(`\`, `\\`, `'`, `\'`)
	return "'" + r.Replace(v) + "'"
}
