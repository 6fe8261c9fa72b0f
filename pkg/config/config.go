// Package config loads the lookup-server configuration.
//
// Sources, in order of precedence: CLI flags (bound by the serve command),
// environment variables (BREACHDB_*), an optional YAML config file, and the
// defaults below. The result is validated before the server starts;
// configuration is passed explicitly to the server constructor and never
// read from globals.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/breachline/breachdb/internal/logger"
)

// ErrNoBackend is returned when no database or filter is configured; a
// server with nothing to query is a usage error.
var ErrNoBackend = errors.New("config: at least one backend must be configured")

// Server is the full lookup-server configuration.
type Server struct {
	// Backend database files. Empty means the backend is disabled.
	SHA1DB    string `mapstructure:"sha1_db" yaml:"sha1_db"`
	NTLMDB    string `mapstructure:"ntlm_db" yaml:"ntlm_db"`
	SHA1T64DB string `mapstructure:"sha1t64_db" yaml:"sha1t64_db"`

	// Prebuilt sharded binary-fuse filter files.
	Binfuse8Filter  string `mapstructure:"binfuse8_filter" yaml:"binfuse8_filter"`
	Binfuse16Filter string `mapstructure:"binfuse16_filter" yaml:"binfuse16_filter"`

	BindAddress string `mapstructure:"bind_address" validate:"required,ip4_addr" yaml:"bind_address"`
	Port        int    `mapstructure:"port" validate:"required,gte=1,lte=65535" yaml:"port"`

	// Threads caps concurrently served connections.
	Threads int `mapstructure:"threads" validate:"required,gte=1" yaml:"threads"`

	// JSON switches response bodies from plain decimal counts to
	// {"count": n}.
	JSON bool `mapstructure:"json" yaml:"json"`

	// PerfTest perturbs every query before processing so the result cache
	// never hits. Results are wrong by construction.
	PerfTest bool `mapstructure:"perf_test" yaml:"perf_test"`

	// TOC enables the table-of-contents index for every configured DB.
	TOC     bool `mapstructure:"toc" yaml:"toc"`
	TOCBits int  `mapstructure:"toc_bits" validate:"gte=15,lte=25" yaml:"toc_bits"`

	// CacheSize bounds the result cache entry count; 0 disables caching.
	CacheSize int `mapstructure:"cache_size" validate:"gte=0" yaml:"cache_size"`

	// RequestTimeout bounds each request; exceeded requests return 504.
	RequestTimeout time.Duration `mapstructure:"request_timeout" validate:"required,gt=0" yaml:"request_timeout"`

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"required,gt=0" yaml:"shutdown_timeout"`

	// MetricsPort exposes Prometheus metrics on a separate listener;
	// 0 disables metrics.
	MetricsPort int `mapstructure:"metrics_port" validate:"gte=0,lte=65535" yaml:"metrics_port"`

	Logging logger.Config `mapstructure:"logging" yaml:"logging"`
}

// Defaults returns the built-in server configuration.
func Defaults() Server {
	return Server{
		BindAddress:     "0.0.0.0",
		Port:            8082,
		Threads:         4,
		TOCBits:         20,
		CacheSize:       100_000,
		RequestTimeout:  30 * time.Second,
		ShutdownTimeout: 10 * time.Second,
		Logging:         logger.Config{Level: "INFO", Format: "text", Output: "stderr"},
	}
}

// Load merges the config file (if any), environment and the viper instance
// the caller has bound flags into, then validates.
func Load(v *viper.Viper, file string) (Server, error) {
	def := Defaults()
	v.SetDefault("bind_address", def.BindAddress)
	v.SetDefault("port", def.Port)
	v.SetDefault("threads", def.Threads)
	v.SetDefault("toc_bits", def.TOCBits)
	v.SetDefault("cache_size", def.CacheSize)
	v.SetDefault("request_timeout", def.RequestTimeout)
	v.SetDefault("shutdown_timeout", def.ShutdownTimeout)
	v.SetDefault("logging.level", def.Logging.Level)
	v.SetDefault("logging.format", def.Logging.Format)
	v.SetDefault("logging.output", def.Logging.Output)

	v.SetEnvPrefix("BREACHDB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return Server{}, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Server
	decode := func(in, out any) error {
		dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
			Result:     out,
			DecodeHook: mapstructure.StringToTimeDurationHookFunc(),
		})
		if err != nil {
			return err
		}
		return dec.Decode(in)
	}
	if err := decode(v.AllSettings(), &cfg); err != nil {
		return Server{}, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Server{}, err
	}
	return cfg, nil
}

// Validate enforces field constraints and the at-least-one-backend rule.
func (c Server) Validate() error {
	if c.SHA1DB == "" && c.NTLMDB == "" && c.SHA1T64DB == "" &&
		c.Binfuse8Filter == "" && c.Binfuse16Filter == "" {
		return ErrNoBackend
	}
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}
