// Package config loads worker process settings: YAML file first, then
// CDC_* environment variables, then validation.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

const (
	BackendEtcd      = "etcd"
	BackendZookeeper = "zookeeper"
)

var validate = validator.New()

type StoreConfig struct {
	Backend     string        `yaml:"backend" validate:"oneof=etcd zookeeper"`
	Endpoints   []string      `yaml:"endpoints" validate:"required,min=1,dive,required"`
	Root        string        `yaml:"root"` // znode root, zookeeper only
	DialTimeout time.Duration `yaml:"dial_timeout" validate:"gt=0"`
	Username    string        `yaml:"username"`
	Password    string        `yaml:"password"`
}

type LogConfig struct {
	Level       string `yaml:"level" validate:"oneof=debug info warn error"`
	Development bool   `yaml:"development"`
}

type Config struct {
	Group    string      `yaml:"group" validate:"required,max=128,excludesall=/"`
	WorkerID string      `yaml:"worker_id" validate:"omitempty,excludesall=/"`
	Store    StoreConfig `yaml:"store"`

	// Listen is the local bind address of the worker RPC server; Advertise
	// is the URL peers use to reach it. Advertise defaults to
	// http://<listen> with an empty host replaced by the hostname.
	Listen    string `yaml:"listen" validate:"required"`
	Advertise string `yaml:"advertise" validate:"omitempty,url"`

	SessionTTL           time.Duration `yaml:"session_ttl" validate:"gte=1s"`
	RebalanceInterval    time.Duration `yaml:"rebalance_interval" validate:"gt=0"`
	RetryInterval        time.Duration `yaml:"retry_interval" validate:"gt=0"`
	RPCTimeout           time.Duration `yaml:"rpc_timeout" validate:"gt=0"`
	BroadcastConcurrency int           `yaml:"broadcast_concurrency" validate:"gte=1"`
	ShutdownTimeout      time.Duration `yaml:"shutdown_timeout" validate:"gt=0"`

	// Partitions is the number of source partitions split among members.
	Partitions int `yaml:"partitions" validate:"gte=1"`

	Log LogConfig `yaml:"log"`
}

func Default() Config {
	return Config{
		Store: StoreConfig{
			Backend:     BackendEtcd,
			Endpoints:   []string{"http://etcd:2379"},
			DialTimeout: 5 * time.Second,
		},
		Listen:               ":8080",
		SessionTTL:           10 * time.Second,
		RebalanceInterval:    30 * time.Second,
		RetryInterval:        2 * time.Second,
		RPCTimeout:           5 * time.Second,
		BroadcastConcurrency: 16,
		ShutdownTimeout:      10 * time.Second,
		Partitions:           1024,
		Log:                  LogConfig{Level: "info"},
	}
}

// Load reads path (if non-empty) over the defaults, applies environment
// overrides from getenv and validates the result.
func Load(path string, getenv func(string) string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(getenv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	if getenv == nil {
		return nil
	}
	if v := getenv("CDC_GROUP"); v != "" {
		c.Group = v
	}
	if v := getenv("CDC_WORKER_ID"); v != "" {
		c.WorkerID = v
	}
	if v := getenv("CDC_STORE"); v != "" {
		c.Store.Backend = v
	}
	if v := getenv("CDC_STORE_ENDPOINTS"); v != "" {
		c.Store.Endpoints = strings.Split(v, ",")
	}
	if v := getenv("CDC_LISTEN"); v != "" {
		c.Listen = v
	}
	if v := getenv("CDC_ADVERTISE"); v != "" {
		c.Advertise = v
	}
	if v := getenv("CDC_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := getenv("CDC_PARTITIONS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("CDC_PARTITIONS: %w", err)
		}
		c.Partitions = n
	}
	return nil
}

func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q (%v)", fe.Namespace(), fe.Tag(), fe.Value()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	if _, _, err := net.SplitHostPort(c.Listen); err != nil {
		return fmt.Errorf("invalid config: listen %q: %w", c.Listen, err)
	}
	return nil
}

// AdvertiseURL is the address registered for peers to call.
func (c *Config) AdvertiseURL() string {
	if c.Advertise != "" {
		return strings.TrimRight(c.Advertise, "/")
	}
	host, port, _ := net.SplitHostPort(c.Listen)
	if host == "" || host == "0.0.0.0" || host == "::" {
		host, _ = os.Hostname()
	}
	return "http://" + net.JoinHostPort(host, port)
}
