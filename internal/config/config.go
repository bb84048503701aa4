// Package config loads the sandmeta YAML configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	cluster "github.com/AnishMulay/sandmeta/internal/cluster_service"
	"github.com/AnishMulay/sandmeta/internal/log_service"
)

const (
	EnvEtcdEndpoints = "ETCD_ENDPOINTS"
	EnvLogLevel      = "SANDMETA_LOG_LEVEL"
)

var ErrInvalidConfig = errors.New("invalid configuration")

type Config struct {
	// ClientID names this session to the replicas. Empty means a fresh uuid per mount.
	ClientID  string          `yaml:"client_id"`
	Log       LogConfig       `yaml:"log"`
	Transport TransportConfig `yaml:"transport"`
	Replicas  ReplicasConfig  `yaml:"replicas"`
	Request   RequestConfig   `yaml:"request"`
	Cache     CacheConfig     `yaml:"cache"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

type LogConfig struct {
	Type  string `yaml:"type" validate:"oneof=localdisc zap"`
	Level string `yaml:"level" validate:"oneof=DEBUG INFO WARN ERROR"`
	Dir   string `yaml:"dir" validate:"required_if=Type localdisc"`
}

type TransportConfig struct {
	Type string `yaml:"type" validate:"oneof=grpc http"`
	// Listen is the address the client binds for its own endpoint.
	Listen string `yaml:"listen" validate:"required"`
}

type ReplicasConfig struct {
	Type   string                `yaml:"type" validate:"oneof=static etcd"`
	Static []cluster.ClusterNode `yaml:"static" validate:"required_if=Type static,dive"`
	Etcd   EtcdConfig            `yaml:"etcd"`
}

type EtcdConfig struct {
	Endpoints   []string      `yaml:"endpoints"`
	Prefix      string        `yaml:"prefix"`
	DialTimeout time.Duration `yaml:"dial_timeout" validate:"gte=0"`
}

type RequestConfig struct {
	AttemptTimeout time.Duration `yaml:"attempt_timeout" validate:"gt=0"`
	MaxAttempts    int           `yaml:"max_attempts" validate:"gte=1"`
	Deadline       time.Duration `yaml:"deadline" validate:"gtfield=AttemptTimeout"`
}

type CacheConfig struct {
	MaxNameLen int  `yaml:"max_name_len" validate:"gte=1,lte=4096"`
	DirStat    bool `yaml:"dirstat"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen" validate:"required_if=Enabled true"`
}

// Default returns a configuration for three local grpc replicas.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Type:  "zap",
			Level: log_service.InfoLevel,
			Dir:   "./logs",
		},
		Transport: TransportConfig{
			Type:   "grpc",
			Listen: "localhost:9090",
		},
		Replicas: ReplicasConfig{
			Type: "static",
			Static: []cluster.ClusterNode{
				{ID: "mds1", Address: "localhost:8080"},
				{ID: "mds2", Address: "localhost:8081"},
				{ID: "mds3", Address: "localhost:8082"},
			},
			Etcd: EtcdConfig{
				Endpoints:   []string{"127.0.0.1:2379"},
				Prefix:      "/sandmeta/",
				DialTimeout: 5 * time.Second,
			},
		},
		Request: RequestConfig{
			AttemptTimeout: 2 * time.Second,
			MaxAttempts:    5,
			Deadline:       30 * time.Second,
		},
		Cache: CacheConfig{
			MaxNameLen: 255,
		},
		Metrics: MetricsConfig{
			Listen: "localhost:9100",
		},
	}
}

// Load reads the configuration at path. A missing file is created with the
// defaults, which are then returned.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		if err := Write(path, cfg); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnv(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func Write(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv(EnvEtcdEndpoints); v != "" {
		var endpoints []string
		for _, ep := range strings.Split(v, ",") {
			if ep = strings.TrimSpace(ep); ep != "" {
				endpoints = append(endpoints, ep)
			}
		}
		cfg.Replicas.Etcd.Endpoints = endpoints
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.Log.Level = strings.ToUpper(strings.TrimSpace(v))
	}
}

var validate = validator.New()

// Validate checks struct tags and the rules tags cannot express.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			e := verrs[0]
			return fmt.Errorf("%w: %s failed on '%s' (value: %v)", ErrInvalidConfig, e.Namespace(), e.Tag(), e.Value())
		}
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	if cfg.Replicas.Type == "etcd" && len(cfg.Replicas.Etcd.Endpoints) == 0 {
		return fmt.Errorf("%w: replicas.etcd.endpoints is empty", ErrInvalidConfig)
	}
	seen := make(map[string]bool)
	for i, n := range cfg.Replicas.Static {
		if seen[n.ID] {
			return fmt.Errorf("%w: replicas.static[%d]: duplicate id %q", ErrInvalidConfig, i, n.ID)
		}
		seen[n.ID] = true
	}
	return nil
}
