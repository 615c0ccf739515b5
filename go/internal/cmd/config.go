package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/mcdev12/arena/go/internal/contest/engine"
	"github.com/mcdev12/arena/go/internal/contest/gateway"
	"github.com/mcdev12/arena/go/internal/contest/lifecycle"
	"github.com/mcdev12/arena/go/internal/contest/outbox"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

const (
	storeMemory   = "memory"
	storePostgres = "postgres"
)

// Config is the engine configuration. Values come from the YAML file named
// by ARENA_CONFIG, then environment variables override them.
type Config struct {
	Server struct {
		Port           string   `yaml:"port"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"server"`

	Log struct {
		Level  string `yaml:"level"`
		Pretty bool   `yaml:"pretty"`
	} `yaml:"log"`

	Store     string `yaml:"store"` // memory | postgres
	JWTSecret string `yaml:"jwt_secret"`

	Scheduler struct {
		TickInterval time.Duration `yaml:"tick_interval"`
	} `yaml:"scheduler"`

	Gateway struct {
		HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
		HeartbeatTimeout  time.Duration `yaml:"heartbeat_timeout"`
		SendQueueSize     int           `yaml:"send_queue_size"`
	} `yaml:"gateway"`

	NATS struct {
		URL                string        `yaml:"url"`
		MaxReconnects      int           `yaml:"max_reconnects"`
		ReconnectWait      time.Duration `yaml:"reconnect_wait"`
		JudgeStream        string        `yaml:"judge_stream"`
		JudgeSubjectPrefix string        `yaml:"judge_subject_prefix"`
		JudgeConsumer      string        `yaml:"judge_consumer"`
		EventStream        string        `yaml:"event_stream"`
		EventSubjectPrefix string        `yaml:"event_subject_prefix"`
	} `yaml:"nats"`

	Outbox struct {
		PollInterval   time.Duration `yaml:"poll_interval"`
		BatchSize      int           `yaml:"batch_size"`
		StaleThreshold time.Duration `yaml:"stale_threshold"`
	} `yaml:"outbox"`
}

func defaultConfig() *Config {
	var c Config
	c.Server.Port = "8080"
	c.Server.AllowedOrigins = []string{"*"}
	c.Log.Level = "info"
	c.Log.Pretty = true
	c.Store = storeMemory

	c.Scheduler.TickInterval = lifecycle.DefaultTickInterval

	gw := gateway.DefaultConfig()
	c.Gateway.HeartbeatInterval = gw.HeartbeatInterval
	c.Gateway.HeartbeatTimeout = gw.HeartbeatTimeout
	c.Gateway.SendQueueSize = gw.SendQueueSize

	judge := engine.DefaultJudgeConsumerConfig()
	events := outbox.DefaultJetStreamConfig()
	c.NATS.MaxReconnects = -1
	c.NATS.ReconnectWait = 2 * time.Second
	c.NATS.JudgeStream = judge.StreamName
	c.NATS.JudgeSubjectPrefix = judge.SubjectPrefix
	c.NATS.JudgeConsumer = judge.ConsumerName
	c.NATS.EventStream = events.StreamName
	c.NATS.EventSubjectPrefix = events.SubjectPrefix

	worker := outbox.DefaultWorkerConfig()
	c.Outbox.PollInterval = worker.PollInterval
	c.Outbox.BatchSize = worker.BatchSize
	c.Outbox.StaleThreshold = 5 * time.Minute
	return &c
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// loadConfig reads the optional YAML file over the defaults and applies the
// environment on top.
func loadConfig(path string) (*Config, error) {
	config := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	config.Server.Port = getEnv("PORT", config.Server.Port)
	config.Log.Level = getEnv("LOG_LEVEL", config.Log.Level)
	config.Store = getEnv("STORE", config.Store)
	config.JWTSecret = getEnv("JWT_SECRET", config.JWTSecret)
	config.NATS.URL = getEnv("NATS_URL", config.NATS.URL)
	config.Scheduler.TickInterval = getEnvAsDuration("SCHEDULER_TICK", config.Scheduler.TickInterval)
	config.Gateway.SendQueueSize = getEnvAsInt("GATEWAY_SEND_QUEUE", config.Gateway.SendQueueSize)
	config.Outbox.PollInterval = getEnvAsDuration("OUTBOX_POLL_INTERVAL", config.Outbox.PollInterval)

	if err := config.validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func (c *Config) validate() error {
	switch c.Store {
	case storeMemory, storePostgres:
	default:
		return fmt.Errorf("unknown store %q", c.Store)
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	return nil
}

func (c *Config) gatewayConfig() gateway.Config {
	gw := gateway.DefaultConfig()
	gw.HeartbeatInterval = c.Gateway.HeartbeatInterval
	gw.HeartbeatTimeout = c.Gateway.HeartbeatTimeout
	if c.Gateway.SendQueueSize > 0 {
		gw.SendQueueSize = c.Gateway.SendQueueSize
	}
	return gw
}

func (c *Config) judgeConfig() engine.JudgeConsumerConfig {
	jc := engine.DefaultJudgeConsumerConfig()
	jc.StreamName = c.NATS.JudgeStream
	jc.SubjectPrefix = c.NATS.JudgeSubjectPrefix
	jc.ConsumerName = c.NATS.JudgeConsumer
	return jc
}

func (c *Config) eventStreamConfig() outbox.JetStreamConfig {
	js := outbox.DefaultJetStreamConfig()
	js.StreamName = c.NATS.EventStream
	js.SubjectPrefix = c.NATS.EventSubjectPrefix
	return js
}

func (c *Config) workerConfig() outbox.WorkerConfig {
	wc := outbox.DefaultWorkerConfig()
	wc.PollInterval = c.Outbox.PollInterval
	wc.BatchSize = c.Outbox.BatchSize
	return wc
}
