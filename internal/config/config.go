// Package config resolves the runner's configuration from the environment,
// with an optional YAML overlay file (RUNNER_CONFIG) applied before the
// environment is read. Environment variables always win.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	units "github.com/docker/go-units"
	"gopkg.in/yaml.v2"
)

// Config is the full runner configuration.
type Config struct {
	Server ServerConfig `yaml:"server"`
	Pool   PoolConfig   `yaml:"pool"`
	Kafka  KafkaConfig  `yaml:"kafka"`
}

type ServerConfig struct {
	Port        string `yaml:"port"`
	StaticCheck bool   `yaml:"static_check"`
}

type PoolConfig struct {
	Size        int     `yaml:"size"`
	BasePort    int     `yaml:"base_port"`
	MemoryLimit string  `yaml:"memory_limit"` // docker size string, e.g. "128m"
	CPULimit    float64 `yaml:"cpu_limit"`    // fraction of a core
	Timeout     int     `yaml:"timeout"`      // default per-execution deadline, seconds
	WorkerDir   string  `yaml:"worker_dir"`   // image build context
}

type KafkaConfig struct {
	BootstrapServers string `yaml:"bootstrap_servers"`
	RequestTopic     string `yaml:"request_topic"`
	ResponseTopic    string `yaml:"response_topic"`
	ConsumerGroup    string `yaml:"consumer_group"`
	ChatKey          string `yaml:"chat_key"`   // request-direction encryption key
	RunnerKey        string `yaml:"runner_key"` // response-direction encryption key
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port: "8080",
		},
		Pool: PoolConfig{
			Size:        5,
			BasePort:    9000,
			MemoryLimit: "128m",
			CPULimit:    0.25,
			Timeout:     10,
			WorkerDir:   "worker",
		},
		Kafka: KafkaConfig{
			RequestTopic:  "code-execution-requests",
			ResponseTopic: "code-execution-responses",
			ConsumerGroup: "runner-consumer-group",
			ChatKey:       "chat-kafka-encryption-key-32b!",
			RunnerKey:     "runner-kafka-encryption-key-32!",
		},
	}
}

// Load builds the effective configuration: defaults, then the optional YAML
// file named by RUNNER_CONFIG, then environment variables.
func Load() (*Config, error) {
	cfg := defaults()

	if path := os.Getenv("RUNNER_CONFIG"); path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open config file: %w", err)
		}
		defer f.Close()
		if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
			return nil, fmt.Errorf("decode config file %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	envString("PORT", &c.Server.Port)
	envBool("STATIC_CHECK", &c.Server.StaticCheck)

	if err := envInt("POOL_SIZE", &c.Pool.Size); err != nil {
		return err
	}
	if err := envInt("POOL_BASE_PORT", &c.Pool.BasePort); err != nil {
		return err
	}
	envString("WORKER_MEMORY_LIMIT", &c.Pool.MemoryLimit)
	if err := envFloat("WORKER_CPU_LIMIT", &c.Pool.CPULimit); err != nil {
		return err
	}
	if err := envInt("TIMEOUT", &c.Pool.Timeout); err != nil {
		return err
	}
	envString("WORKER_DIR", &c.Pool.WorkerDir)

	envString("KAFKA_BOOTSTRAP_SERVERS", &c.Kafka.BootstrapServers)
	envString("KAFKA_CODE_REQUEST_TOPIC", &c.Kafka.RequestTopic)
	envString("KAFKA_CODE_RESPONSE_TOPIC", &c.Kafka.ResponseTopic)
	envString("KAFKA_CONSUMER_GROUP", &c.Kafka.ConsumerGroup)
	envString("CHAT_KAFKA_ENCRYPTION_KEY", &c.Kafka.ChatKey)
	envString("RUNNER_KAFKA_ENCRYPTION_KEY", &c.Kafka.RunnerKey)

	if c.Pool.Size < 1 {
		return fmt.Errorf("pool size must be at least 1, got %d", c.Pool.Size)
	}
	if c.Pool.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", c.Pool.Timeout)
	}
	return nil
}

// MemoryBytes parses the worker memory limit into bytes.
func (c *Config) MemoryBytes() (int64, error) {
	n, err := units.RAMInBytes(c.Pool.MemoryLimit)
	if err != nil {
		return 0, fmt.Errorf("invalid WORKER_MEMORY_LIMIT %q: %w", c.Pool.MemoryLimit, err)
	}
	return n, nil
}

// NanoCPUs converts the fractional CPU limit into Docker's nano-CPU unit.
func (c *Config) NanoCPUs() int64 {
	return int64(c.Pool.CPULimit * 1e9)
}

// KafkaEnabled reports whether the queue ingress should start.
func (c *Config) KafkaEnabled() bool {
	return c.Kafka.BootstrapServers != ""
}

// Brokers splits the bootstrap server list.
func (c *KafkaConfig) Brokers() []string {
	parts := strings.Split(c.BootstrapServers, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envString(name string, dst *string) {
	if v := os.Getenv(name); v != "" {
		*dst = v
	}
}

func envBool(name string, dst *bool) {
	if v := os.Getenv(name); v != "" {
		*dst = strings.EqualFold(v, "true") || v == "1"
	}
}

func envInt(name string, dst *int) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", name, v, err)
	}
	*dst = n
	return nil
}

func envFloat(name string, dst *float64) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", name, v, err)
	}
	*dst = f
	return nil
}
