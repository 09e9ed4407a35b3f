package config

import (
	"log"
	"time"

	"newsletter/pkg/config"
)

type Config struct {
	DB          config.DBConfig          `yaml:"db"`
	Redis       config.RedisConfig       `yaml:"redis"`
	MQ          config.MQConfig          `yaml:"mq"`
	JWT         config.JWTConfig         `yaml:"jwt"`
	Server      config.ServerConfig      `yaml:"server"`
	Otel        config.OtelConfig        `yaml:"otel"`
	Log         config.LogConfig         `yaml:"log"`
	EmailClient config.EmailClientConfig `yaml:"email_client"`
	Delivery    config.DeliveryConfig    `yaml:"delivery"`
	Idempotency config.IdempotencyConfig `yaml:"idempotency"`
}

// Load 读取 CONFIG_DIR 下的 base.yaml + <CONFIG_ENV>.yaml，失败直接退出
func Load() *Config {
	cfg, err := LoadFrom(config.GetConfigEnv(), config.GetEnv("CONFIG_DIR", "config"))
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	return cfg
}

// LoadFrom 从指定目录加载配置
func LoadFrom(env, dir string) (*Config, error) {
	cfgMap, err := config.LoadConfig(env, dir)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := config.Decode(cfgMap, &cfg); err != nil {
		return nil, err
	}

	// 环境变量覆盖（优先级最高）
	config.OverrideDBFromEnv(&cfg.DB)
	config.OverrideRedisFromEnv(&cfg.Redis)
	config.OverrideMQFromEnv(&cfg.MQ)
	config.OverrideJWTFromEnv(&cfg.JWT)
	config.OverrideServerFromEnv(&cfg.Server)
	config.OverrideEmailClientFromEnv(&cfg.EmailClient)
	config.OverrideDeliveryFromEnv(&cfg.Delivery)

	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == "" {
		cfg.Server.Port = ":8080"
	}
	if cfg.JWT.TTL == 0 {
		cfg.JWT.TTL = 24 * time.Hour
	}
	if cfg.Delivery.Workers <= 0 {
		cfg.Delivery.Workers = 1
	}
	if cfg.Delivery.EmptyQueueBackoff == 0 {
		cfg.Delivery.EmptyQueueBackoff = 10 * time.Second
	}
	if cfg.Delivery.ErrorBackoff == 0 {
		cfg.Delivery.ErrorBackoff = time.Second
	}
	if cfg.Delivery.DedupTTL == 0 {
		cfg.Delivery.DedupTTL = 24 * time.Hour
	}
	if cfg.Idempotency.Retention == 0 {
		cfg.Idempotency.Retention = 24 * time.Hour
	}
	if cfg.Idempotency.SweepInterval == 0 {
		cfg.Idempotency.SweepInterval = 120 * time.Second
	}
	if cfg.Idempotency.ReservationTimeout == 0 {
		cfg.Idempotency.ReservationTimeout = 5 * time.Minute
	}
	if cfg.Otel.ServiceName == "" {
		cfg.Otel.ServiceName = "newsletter"
	}
}
