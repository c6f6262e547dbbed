package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"tarun-kavipurapu/p2p-codeshare/pkg/manifest"
)

// EnvPrefix prefixes every environment override, e.g. CODESHARE_PEER_LISTEN_ADDR.
const EnvPrefix = "CODESHARE"

type Config struct {
	Broker   BrokerConfig   `mapstructure:"broker"`
	Peer     PeerConfig     `mapstructure:"peer"`
	Download DownloadConfig `mapstructure:"download"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Log      LogConfig      `mapstructure:"log"`
}

type BrokerConfig struct {
	ListenAddr    string        `mapstructure:"listen_addr"`
	SessionTTL    time.Duration `mapstructure:"session_ttl"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	DataDir       string        `mapstructure:"data_dir"`
	Advertise     bool          `mapstructure:"advertise"`
	ChunkSize     uint32        `mapstructure:"chunk_size"`
	MaxUploadSize int64         `mapstructure:"max_upload_size"`
}

type PeerConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
	// AdvertiseHost is the host registered with the broker. Empty means
	// detect the outbound LAN address.
	AdvertiseHost string `mapstructure:"advertise_host"`
	DataDir       string `mapstructure:"data_dir"`
	ChunkSize     uint32 `mapstructure:"chunk_size"`
	MaxConns      int    `mapstructure:"max_conns"`
	BrokerURL     string `mapstructure:"broker_url"`
}

type DownloadConfig struct {
	Concurrency int           `mapstructure:"concurrency"`
	Timeout     time.Duration `mapstructure:"timeout"`
	OutDir      string        `mapstructure:"out_dir"`
}

type StorageConfig struct {
	Backend string `mapstructure:"backend"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("broker.listen_addr", "0.0.0.0:5000")
	v.SetDefault("broker.session_ttl", time.Hour)
	v.SetDefault("broker.sweep_interval", 60*time.Second)
	v.SetDefault("broker.data_dir", "broker-data")
	v.SetDefault("broker.advertise", true)
	v.SetDefault("broker.chunk_size", manifest.DefaultChunkSize)
	v.SetDefault("broker.max_upload_size", int64(0))

	v.SetDefault("peer.listen_addr", "0.0.0.0:10001")
	v.SetDefault("peer.advertise_host", "")
	v.SetDefault("peer.data_dir", "peer-data")
	v.SetDefault("peer.chunk_size", manifest.DefaultChunkSize)
	v.SetDefault("peer.max_conns", 64)
	v.SetDefault("peer.broker_url", "http://127.0.0.1:5000")

	v.SetDefault("download.concurrency", 8)
	v.SetDefault("download.timeout", 10*time.Second)
	v.SetDefault("download.out_dir", "downloads")

	v.SetDefault("storage.backend", "disk")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "logs/p2p-codeshare.log")
}

// New returns a viper instance with defaults and env overrides bound. Flags
// are bound onto it by the CLI before Load reads it.
func New() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads path into v, or ./codeshare.{yaml,json,toml} if path is empty
// and such a file exists, then decodes and validates the result.
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("codeshare")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the built-in configuration with env overrides applied.
func Default() *Config {
	var cfg Config
	if err := New().Unmarshal(&cfg); err != nil {
		panic(err)
	}
	return &cfg
}

func (c *Config) Validate() error {
	switch {
	case c.Broker.SessionTTL <= 0:
		return errors.New("broker.session_ttl must be positive")
	case c.Broker.SweepInterval <= 0:
		return errors.New("broker.sweep_interval must be positive")
	case c.Broker.ChunkSize == 0 || c.Peer.ChunkSize == 0:
		return errors.New("chunk_size must be >= 1")
	case c.Peer.MaxConns <= 0:
		return errors.New("peer.max_conns must be positive")
	case c.Download.Concurrency <= 0:
		return errors.New("download.concurrency must be positive")
	case c.Download.Timeout <= 0:
		return errors.New("download.timeout must be positive")
	}
	switch c.Storage.Backend {
	case "disk", "badger", "memory":
	default:
		return fmt.Errorf("storage.backend %q: want disk, badger or memory", c.Storage.Backend)
	}
	return nil
}
