// =============================================================================
// 📦 CharterFlow 默认配置
// =============================================================================
// 提供所有配置项的合理默认值
// =============================================================================
package config

import "time"

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server:       DefaultServerConfig(),
		Log:          DefaultLogConfig(),
		Telemetry:    DefaultTelemetryConfig(),
		Auth:         DefaultAuthConfig(),
		Store:        DefaultStoreConfig(),
		Redis:        DefaultRedisConfig(),
		Archive:      DefaultArchiveConfig(),
		Audit:        DefaultAuditConfig(),
		Coordination: DefaultCoordinationConfig(),
	}
}

// DefaultServerConfig 返回默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        8080,
		MetricsPort:     9091,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		MaxConns:        512,
		RateLimitRPS:    100,
		RateLimitBurst:  200,
		AllowedOrigin:   "",
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "charterflow",
		SampleRate:   0.1,
	}
}

// DefaultAuthConfig 返回默认认证配置
func DefaultAuthConfig() AuthConfig {
	return AuthConfig{
		Enabled:   false,
		JWTSecret: "",
		Issuer:    "",
		Audience:  "",
		APIKey:    "",
	}
}

// DefaultStoreConfig 返回默认存储配置
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		Backend:   "memory",
		KeyPrefix: "charterflow:",
	}
}

// DefaultRedisConfig 返回默认 Redis 配置
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		Password:     "",
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 2,
	}
}

// DefaultArchiveConfig 返回默认归档配置
func DefaultArchiveConfig() ArchiveConfig {
	return ArchiveConfig{
		Enabled:  false,
		Database: DefaultDatabaseConfig(),
	}
}

// DefaultDatabaseConfig 返回默认数据库配置
// 本地默认使用纯 Go 的 sqlite 驱动；切到 postgres/mysql
// 时沿用下面的主机与连接池默认值。
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:          "sqlite",
		Host:            "localhost",
		Port:            5432,
		User:            "charterflow",
		Password:        "",
		Name:            "charterflow.db",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// DefaultAuditConfig 返回默认审计配置
func DefaultAuditConfig() AuditConfig {
	return AuditConfig{
		Enabled:    false,
		URI:        "mongodb://localhost:27017",
		Database:   "charterflow",
		Collection: "messages",
		Timeout:    10 * time.Second,
	}
}

// DefaultCoordinationConfig 返回默认协调参数
func DefaultCoordinationConfig() CoordinationConfig {
	return CoordinationConfig{
		HistoryLimit:   100,
		MailboxSize:    256,
		LeaseDuration:  30 * time.Second,
		MaxPending:     0,
		HandoffTimeout: 30 * time.Second,
		PollInterval:   100 * time.Millisecond,
		SweepInterval:  5 * time.Second,
		Retry: RetryConfig{
			MaxRetries:        3,
			InitialBackoff:    time.Second,
			MaxBackoff:        30 * time.Second,
			BackoffMultiplier: 2.0,
		},
		StateTimeouts: nil,
	}
}
