// Package config loads the YAML configuration shared by servers and clients.
//
//	endpoint: unix:///tmp/helloworld
//	server:
//	  shutdown_timeout: 5s
//	  handler_timeout: 30s
//	  rate_limit: 100
//	  rate_burst: 20
//	client:
//	  dial_timeout: 3s
//	  heartbeat_interval: 30s
//	log:
//	  level: info
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"local-rpc/logger"
	"local-rpc/protocol"
	"local-rpc/transport"
)

type Config struct {
	Endpoint string        `yaml:"endpoint"`
	Server   ServerConfig  `yaml:"server"`
	Client   ClientConfig  `yaml:"client"`
	Log      logger.Config `yaml:"log"`
}

type ServerConfig struct {
	MaxFrameSize    uint32        `yaml:"max_frame_size"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	HandlerTimeout  time.Duration `yaml:"handler_timeout"` // 0 disables the timeout middleware
	RateLimit       float64       `yaml:"rate_limit"`      // calls per second, 0 disables limiting
	RateBurst       int           `yaml:"rate_burst"`
}

type ClientConfig struct {
	MaxFrameSize      uint32        `yaml:"max_frame_size"`
	DialTimeout       time.Duration `yaml:"dial_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"` // 0 disables heartbeats
	ConnectRetries    int           `yaml:"connect_retries"`    // extra attempts after a failed dial
	ConnectBackoff    time.Duration `yaml:"connect_backoff"`    // base delay, doubled per retry
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		MaxFrameSize:    protocol.DefaultMaxFrameSize,
		ShutdownTimeout: 5 * time.Second,
	}
}

func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		MaxFrameSize:      protocol.DefaultMaxFrameSize,
		DialTimeout:       3 * time.Second,
		HeartbeatInterval: transport.DefaultHeartbeatInterval,
		ConnectBackoff:    100 * time.Millisecond,
	}
}

// Default returns a configuration listening on the platform's default endpoint
// for the "helloworld" service.
func Default() Config {
	return Config{
		Endpoint: transport.DefaultEndpoint("helloworld").String(),
		Server:   DefaultServerConfig(),
		Client:   DefaultClientConfig(),
		Log:      logger.DefaultConfig(),
	}
}

// Load reads and validates the YAML file at path. Keys absent from the file keep
// their Default values.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML document.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the values that would otherwise fail later at listen/dial time.
func (c Config) Validate() error {
	if _, err := transport.ParseEndpoint(c.Endpoint); err != nil {
		return fmt.Errorf("config: endpoint: %w", err)
	}
	var errs []error
	if c.Server.RateLimit < 0 {
		errs = append(errs, errors.New("server.rate_limit must not be negative"))
	}
	if c.Server.RateLimit > 0 && c.Server.RateBurst <= 0 {
		errs = append(errs, errors.New("server.rate_burst must be positive when rate_limit is set"))
	}
	if c.Server.HandlerTimeout < 0 || c.Server.ShutdownTimeout < 0 {
		errs = append(errs, errors.New("server timeouts must not be negative"))
	}
	if c.Client.DialTimeout < 0 || c.Client.ConnectBackoff < 0 {
		errs = append(errs, errors.New("client timeouts must not be negative"))
	}
	if c.Client.ConnectRetries < 0 {
		errs = append(errs, errors.New("client.connect_retries must not be negative"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// ParsedEndpoint returns the validated endpoint.
func (c Config) ParsedEndpoint() (transport.Endpoint, error) {
	return transport.ParseEndpoint(c.Endpoint)
}
