// Package config loads the settings of the sockgate daemon.
package config

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/chenqinghe/sockgate/auth"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config is the daemon configuration.
type Config struct {
	Address   string         `yaml:"address"`
	Transport string         `yaml:"transport"` // tcp | ws
	WsPath    string         `yaml:"ws_path"`
	TLS       TLSConfig      `yaml:"tls"`
	Auth      AuthConfig     `yaml:"auth"`
	Registry  RegistryConfig `yaml:"registry"`
	Logging   LoggingConfig  `yaml:"logging"`
}

type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	// ClientCAFile turns on client certificate verification.
	ClientCAFile string `yaml:"client_ca_file"`
}

type AuthConfig struct {
	Method  string        `yaml:"method"` // unsecure | token | password | tls
	Timeout time.Duration `yaml:"timeout"`
	// Codec frames the login exchange: json | tlv
	Codec string `yaml:"codec"`

	TokenKey string `yaml:"token_key"`
	Issuer   string `yaml:"issuer"`

	// Users maps user names to argon2id hashes.
	Users map[string]string `yaml:"users"`
}

type RegistryConfig struct {
	MaxClients        int  `yaml:"max_clients"`
	ExclusiveIdentity bool `yaml:"exclusive_identity"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text | json
}

func DefaultConfig() *Config {
	return &Config{
		Address:   ":9527",
		Transport: "tcp",
		WsPath:    "/ws",
		Auth: AuthConfig{
			Method:  "unsecure",
			Timeout: 10 * time.Second,
			Codec:   "json",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads the YAML file at path over the defaults, applies environment
// overrides and validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if addr := os.Getenv("SOCKGATE_ADDR"); addr != "" {
		cfg.Address = addr
	}
	if transport := os.Getenv("SOCKGATE_TRANSPORT"); transport != "" {
		cfg.Transport = transport
	}
	if method := os.Getenv("SOCKGATE_AUTH_METHOD"); method != "" {
		cfg.Auth.Method = method
	}
	if key := os.Getenv("SOCKGATE_TOKEN_KEY"); key != "" {
		cfg.Auth.TokenKey = key
	}
	if max := os.Getenv("SOCKGATE_MAX_CLIENTS"); max != "" {
		if val, err := strconv.Atoi(max); err == nil {
			cfg.Registry.MaxClients = val
		}
	}
	if level := os.Getenv("SOCKGATE_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
}

func (c *Config) Validate() error {
	if c.Address == "" {
		return errors.New("address cannot be empty")
	}

	switch c.Transport {
	case "tcp":
	case "ws":
		if c.WsPath == "" || c.WsPath[0] != '/' {
			return fmt.Errorf("invalid ws_path %q", c.WsPath)
		}
		if c.TLS.Enabled {
			return errors.New("tls is not supported on the ws transport")
		}
	default:
		return fmt.Errorf("unknown transport %q", c.Transport)
	}

	if c.TLS.Enabled && (c.TLS.CertFile == "" || c.TLS.KeyFile == "") {
		return errors.New("tls enabled but cert/key files not provided")
	}

	if c.Auth.Timeout < 0 {
		return errors.New("auth timeout cannot be negative")
	}
	switch c.Auth.Method {
	case "unsecure":
	case "token":
		if c.Auth.TokenKey == "" {
			return errors.New("token auth requires token_key")
		}
	case "password":
		if len(c.Auth.Users) == 0 {
			return errors.New("password auth requires at least one user")
		}
		for user, hash := range c.Auth.Users {
			if err := auth.ValidateHash(hash); err != nil {
				return fmt.Errorf("user %q: %w", user, err)
			}
		}
	case "tls":
		if !c.TLS.Enabled || c.TLS.ClientCAFile == "" {
			return errors.New("tls auth requires tls with client_ca_file")
		}
	default:
		return fmt.Errorf("unknown auth method %q", c.Auth.Method)
	}

	if c.Auth.Codec != "json" && c.Auth.Codec != "tlv" {
		return fmt.Errorf("unknown auth codec %q", c.Auth.Codec)
	}

	if c.Registry.MaxClients < 0 {
		return errors.New("max_clients cannot be negative")
	}

	if _, err := logrus.ParseLevel(c.Logging.Level); err != nil {
		return err
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		return fmt.Errorf("unknown log format %q", c.Logging.Format)
	}

	return nil
}

// Apply configures logger's level and formatter.
func (c LoggingConfig) Apply(logger *logrus.Logger) error {
	level, err := logrus.ParseLevel(c.Level)
	if err != nil {
		return err
	}
	logger.SetLevel(level)

	if c.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return nil
}

// Load builds the server side tls.Config, nil when tls is disabled.
func (c TLSConfig) Load() (*tls.Config, error) {
	if !c.Enabled {
		return nil, nil
	}

	cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
	if err != nil {
		return nil, err
	}
	config := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}

	if c.ClientCAFile != "" {
		pem, err := os.ReadFile(c.ClientCAFile)
		if err != nil {
			return nil, err
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates in %s", c.ClientCAFile)
		}
		config.ClientCAs = pool
		config.ClientAuth = tls.RequireAndVerifyClientCert
	}

	return config, nil
}
