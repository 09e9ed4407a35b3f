package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// DBConfig 数据库配置
type DBConfig struct {
	Host               string        `yaml:"host"`
	Port               int           `yaml:"port"`
	User               string        `yaml:"user"`
	Password           string        `yaml:"password"`
	Name               string        `yaml:"name"`
	SSLMode            string        `yaml:"ssl_mode"`
	MaxConns           int32         `yaml:"max_conns"`
	MinConns           int32         `yaml:"min_conns"`
	SlowQueryThreshold time.Duration `yaml:"slow_query_threshold"`
}

// DSN 返回 postgres 连接串
func (c DBConfig) DSN() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User,
		c.Password,
		c.Host,
		c.Port,
		c.Name,
		sslMode,
	)
}

// MQConfig 消息队列配置
type MQConfig struct {
	URL     string `yaml:"url"`
	Enabled bool   `yaml:"enabled"`
}

// RedisConfig Redis配置
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// JWTConfig JWT配置
type JWTConfig struct {
	Secret string        `yaml:"secret"`
	TTL    time.Duration `yaml:"ttl"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	Port string `yaml:"port"`
}

// OtelConfig 链路追踪配置
type OtelConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Endpoint    string `yaml:"endpoint"`
	ServiceName string `yaml:"service_name"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level string `yaml:"level"`
}

// EmailClientConfig 邮件 API 配置
type EmailClientConfig struct {
	BaseURL             string `yaml:"base_url"`
	SenderEmail         string `yaml:"sender_email"`
	AuthorizationToken  string `yaml:"authorization_token"`
	TimeoutMilliseconds int    `yaml:"timeout_milliseconds"`
}

// Timeout 单次发送的超时时间
func (c EmailClientConfig) Timeout() time.Duration {
	if c.TimeoutMilliseconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.TimeoutMilliseconds) * time.Millisecond
}

// DeliveryConfig 投递 worker 配置
type DeliveryConfig struct {
	Workers           int           `yaml:"workers"`
	EmptyQueueBackoff time.Duration `yaml:"empty_queue_backoff"`
	ErrorBackoff      time.Duration `yaml:"error_backoff"`
	DedupEnabled      bool          `yaml:"dedup_enabled"` // 用 Redis 记录已尝试的收件人
	DedupTTL          time.Duration `yaml:"dedup_ttl"`
}

// IdempotencyConfig 幂等键配置
type IdempotencyConfig struct {
	Retention          time.Duration `yaml:"retention"`
	SweepInterval      time.Duration `yaml:"sweep_interval"`
	ReservationTimeout time.Duration `yaml:"reservation_timeout"`
	CacheEnabled       bool          `yaml:"cache_enabled"`
}

// OverrideDBFromEnv 从环境变量覆盖数据库配置
func OverrideDBFromEnv(cfg *DBConfig) {
	if host := os.Getenv("DB_HOST"); host != "" {
		cfg.Host = host
	}
	if port := os.Getenv("DB_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Port = p
		}
	}
	if user := os.Getenv("DB_USER"); user != "" {
		cfg.User = user
	}
	if password := os.Getenv("DB_PASSWORD"); password != "" {
		cfg.Password = password
	}
	if name := os.Getenv("DB_NAME"); name != "" {
		cfg.Name = name
	}
	if sslMode := os.Getenv("DB_SSL_MODE"); sslMode != "" {
		cfg.SSLMode = sslMode
	}
}

// OverrideMQFromEnv 从环境变量覆盖MQ配置
func OverrideMQFromEnv(cfg *MQConfig) {
	if url := os.Getenv("MQ_URL"); url != "" {
		cfg.URL = url
		cfg.Enabled = true
	}
}

// OverrideRedisFromEnv 从环境变量覆盖Redis配置
func OverrideRedisFromEnv(cfg *RedisConfig) {
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.Addr = addr
	}
	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.Password = password
	}
}

// OverrideJWTFromEnv 从环境变量覆盖JWT配置
func OverrideJWTFromEnv(cfg *JWTConfig) {
	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		cfg.Secret = secret
	}
}

// OverrideServerFromEnv 从环境变量覆盖服务器配置
func OverrideServerFromEnv(cfg *ServerConfig) {
	if port := os.Getenv("SERVER_PORT"); port != "" {
		cfg.Port = port
	}
}

// OverrideEmailClientFromEnv 从环境变量覆盖邮件 API 配置
func OverrideEmailClientFromEnv(cfg *EmailClientConfig) {
	if url := os.Getenv("EMAIL_BASE_URL"); url != "" {
		cfg.BaseURL = url
	}
	if sender := os.Getenv("EMAIL_SENDER"); sender != "" {
		cfg.SenderEmail = sender
	}
	if token := os.Getenv("EMAIL_AUTH_TOKEN"); token != "" {
		cfg.AuthorizationToken = token
	}
	if timeout := os.Getenv("EMAIL_TIMEOUT_MS"); timeout != "" {
		if ms, err := strconv.Atoi(timeout); err == nil {
			cfg.TimeoutMilliseconds = ms
		}
	}
}

// OverrideDeliveryFromEnv 从环境变量覆盖 worker 数量
func OverrideDeliveryFromEnv(cfg *DeliveryConfig) {
	if workers := os.Getenv("DELIVERY_WORKERS"); workers != "" {
		if n, err := strconv.Atoi(workers); err == nil && n > 0 {
			cfg.Workers = n
		}
	}
}
