package config

import "time"

// 默认值中多处共用的名称
const (
	defaultName      = "wayflow"
	defaultKeyPrefix = defaultName + ":"
)

// DefaultConfig 每次返回新实例，调用方可以随意修改
func DefaultConfig() *Config {
	return &Config{
		Executor:  DefaultExecutorConfig(),
		Store:     DefaultStoreConfig(),
		Redis:     DefaultRedisConfig(),
		Database:  DefaultDatabaseConfig(),
		Log:       DefaultLogConfig(),
		Metrics:   DefaultMetricsConfig(),
		Telemetry: DefaultTelemetryConfig(),
	}
}

// DefaultExecutorConfig leaves both default interrupts off.
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{MaxEvents: 256, Workers: 16, QueueSize: 256}
}

// DefaultStoreConfig keeps snapshots in memory with no expiry.
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		Type:      "memory",
		BaseDir:   "./data/conversations",
		KeyPrefix: defaultKeyPrefix,
	}
}

func DefaultRedisConfig() RedisConfig {
	return RedisConfig{Addr: "localhost:6379", PoolSize: 10, MinIdleConns: 2}
}

// DefaultDatabaseConfig 指向本地无 TLS 的 postgres
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:          "postgres",
		Host:            "localhost",
		Port:            5432,
		User:            defaultName,
		Name:            defaultName,
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:        "info",
		Format:       "json",
		OutputPaths:  []string{"stdout"},
		EnableCaller: true,
	}
}

func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{Namespace: defaultName}
}

// DefaultTelemetryConfig 关闭导出，开启时采样 10%
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		OTLPEndpoint: "localhost:4317",
		ServiceName:  defaultName,
		SampleRate:   0.1,
		Insecure:     true,
	}
}
