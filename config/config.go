// Package config loads the settings of an RPC client or server host from
// YAML and turns them into loggers and component options.
//
// A complete file, with the defaults:
//
//	log:
//	  level: info
//	  development: false
//	client:
//	  request_timeout: 30s
//	  max_retries: 0
//	  retry_delay: 1s
//	  codec: json        # json | binary
//	  serializer: json   # json | gob
//	server:
//	  workers: 16
//	  handler_timeout: 0s
//	  rate_limit: 0      # requests per second, 0 = unlimited
//	  rate_burst: 0
//	  send_timeout: 5s
//	  serializer: json
//	  shutdown_timeout: 10s
package config

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"msg-rpc/client"
	"msg-rpc/codec"
	rpcerr "msg-rpc/errors"
	"msg-rpc/server"
)

type Config struct {
	Log    Log    `yaml:"log"`
	Client Client `yaml:"client"`
	Server Server `yaml:"server"`
}

type Log struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

type Client struct {
	RequestTimeout time.Duration `yaml:"request_timeout"`
	MaxRetries     int           `yaml:"max_retries"`
	RetryDelay     time.Duration `yaml:"retry_delay"`
	Codec          string        `yaml:"codec"`
	Serializer     string        `yaml:"serializer"`
}

type Server struct {
	Workers         int           `yaml:"workers"`
	HandlerTimeout  time.Duration `yaml:"handler_timeout"`
	RateLimit       float64       `yaml:"rate_limit"`
	RateBurst       int           `yaml:"rate_burst"`
	SendTimeout     time.Duration `yaml:"send_timeout"`
	Serializer      string        `yaml:"serializer"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

func Default() *Config {
	return &Config{
		Log: Log{Level: "info"},
		Client: Client{
			RequestTimeout: 30 * time.Second,
			RetryDelay:     time.Second,
			Codec:          "json",
			Serializer:     "json",
		},
		Server: Server{
			Workers:         16,
			SendTimeout:     5 * time.Second,
			Serializer:      "json",
			ShutdownTimeout: 10 * time.Second,
		},
	}
}

// Load reads and validates the file at path. Missing keys keep their
// defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, rpcerr.Wrap(rpcerr.Configuration, err, "reading config")
	}
	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, rpcerr.Wrap(rpcerr.Configuration, err, "parsing config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if _, err := zap.ParseAtomicLevel(c.Log.Level); err != nil {
		return rpcerr.Wrap(rpcerr.Configuration, err, "log.level")
	}

	if c.Client.RequestTimeout <= 0 {
		return rpcerr.Newf(rpcerr.Configuration, "client.request_timeout must be positive, got %s", c.Client.RequestTimeout)
	}
	if c.Client.MaxRetries < 0 {
		return rpcerr.Newf(rpcerr.Configuration, "client.max_retries must not be negative, got %d", c.Client.MaxRetries)
	}
	if c.Client.MaxRetries > 0 && c.Client.RetryDelay <= 0 {
		return rpcerr.Newf(rpcerr.Configuration, "client.retry_delay must be positive when retrying")
	}
	if _, err := codec.ParseCodecType(c.Client.Codec); err != nil {
		return errors.Wrap(err, "client.codec")
	}
	if _, err := codec.GetSerializer(c.Client.Serializer); err != nil {
		return errors.Wrap(err, "client.serializer")
	}

	if c.Server.Workers <= 0 {
		return rpcerr.Newf(rpcerr.Configuration, "server.workers must be positive, got %d", c.Server.Workers)
	}
	if c.Server.HandlerTimeout < 0 {
		return rpcerr.Newf(rpcerr.Configuration, "server.handler_timeout must not be negative")
	}
	if c.Server.RateLimit < 0 || c.Server.RateBurst < 0 {
		return rpcerr.Newf(rpcerr.Configuration, "server.rate_limit and server.rate_burst must not be negative")
	}
	if c.Server.RateLimit > 0 && c.Server.RateBurst == 0 {
		return rpcerr.Newf(rpcerr.Configuration, "server.rate_burst must be set with server.rate_limit")
	}
	if c.Server.SendTimeout <= 0 || c.Server.ShutdownTimeout <= 0 {
		return rpcerr.Newf(rpcerr.Configuration, "server.send_timeout and server.shutdown_timeout must be positive")
	}
	if _, err := codec.GetSerializer(c.Server.Serializer); err != nil {
		return errors.Wrap(err, "server.serializer")
	}
	return nil
}

// Build creates the logger the section describes.
func (l Log) Build() (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(l.Level)
	if err != nil {
		return nil, rpcerr.Wrap(rpcerr.Configuration, err, "log.level")
	}
	zc := zap.NewProductionConfig()
	if l.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = level
	return zc.Build()
}

// CodecType is the envelope codec transports should use.
func (c Client) CodecType() codec.CodecType {
	t, _ := codec.ParseCodecType(c.Codec)
	return t
}

// ClientOptions converts the client section. The config must be valid.
func (c *Config) ClientOptions(logger *zap.Logger) []client.Option {
	s, _ := codec.GetSerializer(c.Client.Serializer)
	return []client.Option{
		client.WithTimeout(c.Client.RequestTimeout),
		client.WithRetry(c.Client.MaxRetries, c.Client.RetryDelay),
		client.WithSerializer(s),
		client.WithLogger(logger),
	}
}

// ServerOptions converts the server section. The config must be valid.
func (c *Config) ServerOptions(logger *zap.Logger) []server.Option {
	s, _ := codec.GetSerializer(c.Server.Serializer)
	opts := []server.Option{
		server.WithWorkers(c.Server.Workers),
		server.WithSendTimeout(c.Server.SendTimeout),
		server.WithSerializer(s),
		server.WithLogger(logger),
	}
	if c.Server.HandlerTimeout > 0 {
		opts = append(opts, server.WithHandlerTimeout(c.Server.HandlerTimeout))
	}
	if c.Server.RateLimit > 0 {
		opts = append(opts, server.WithRateLimit(c.Server.RateLimit, c.Server.RateBurst))
	}
	return opts
}
