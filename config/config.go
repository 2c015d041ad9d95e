// Package config resolves server settings from defaults, an optional JSONC
// file, a .env file, the environment and command-line flags.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"
	"github.com/tailscale/hujson"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds all configuration options.
type Config struct {
	Host            string
	Port            int
	StoreBackend    string
	DataDir         string
	DatabaseURL     string
	AllowedOrigins  []string
	LogLevel        string
	LogFormat       string
	SchemaFile      string
	MaxBodyBytes    int64
	ShutdownTimeout time.Duration

	// ConfigFile and EnvFile record which files were read, if any.
	ConfigFile string
	EnvFile    string
}

var (
	errConfigInvalid     = errors.New("invalid config")
	errConfigFileMissing = errors.New("config file not found")
)

// ConfigEnv names the environment variable that points at a JSONC config file.
const ConfigEnv = "DOCGATE_CONFIG"

// DefaultEnvFile is read when present; a missing file is not an error.
const DefaultEnvFile = ".env"

// Default returns the default configuration.
func Default() Config {
	return Config{
		Host:            "0.0.0.0",
		Port:            8080,
		StoreBackend:    "json",
		DataDir:         "./data",
		AllowedOrigins:  []string{"*"},
		LogLevel:        "info",
		LogFormat:       "json",
		MaxBodyBytes:    1 << 20,
		ShutdownTimeout: 10 * time.Second,
	}
}

// fileConfig mirrors Config for the JSONC file. Nil fields were absent.
type fileConfig struct {
	Host            *string  `json:"host"`
	Port            *int     `json:"port"`
	StoreBackend    *string  `json:"store_backend"`
	DataDir         *string  `json:"data_dir"`
	DatabaseURL     *string  `json:"database_url"`
	AllowedOrigins  []string `json:"allowed_origins"`
	LogLevel        *string  `json:"log_level"`
	LogFormat       *string  `json:"log_format"`
	SchemaFile      *string  `json:"schema_file"`
	MaxBodyBytes    *int64   `json:"max_body_bytes"`
	ShutdownTimeout *string  `json:"shutdown_timeout"`
}

// ErrHelp is returned by Load when the arguments ask for usage.
var ErrHelp = flag.ErrHelp

type flagValues struct {
	configPath, envFile             *string
	host, backend, dataDir, dbURL   *string
	logLevel, logFormat, schemaFile *string
	port                            *int
	origins                         *[]string
	maxBody                         *int64
	shutdown                        *time.Duration
}

func newFlagSet(cfg Config) (*flag.FlagSet, *flagValues) {
	fs := flag.NewFlagSet("docgate", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	f := &flagValues{
		configPath: fs.StringP("config", "c", "", "path to a JSONC config file"),
		envFile:    fs.String("env-file", DefaultEnvFile, "path to a .env file"),
		host:       fs.String("host", cfg.Host, "interface to listen on"),
		port:       fs.IntP("port", "p", cfg.Port, "port to listen on"),
		backend:    fs.String("store", cfg.StoreBackend, "store backend: json, sqlite, postgres or memory"),
		dataDir:    fs.String("data-dir", cfg.DataDir, "directory for the json and sqlite backends"),
		dbURL:      fs.String("database-url", "", "postgres connection string"),
		origins:    fs.StringSlice("allowed-origins", cfg.AllowedOrigins, "CORS origins, * for any"),
		logLevel:   fs.String("log-level", cfg.LogLevel, "debug, info, warn or error"),
		logFormat:  fs.String("log-format", cfg.LogFormat, "json or console"),
		schemaFile: fs.String("schema", "", "path to a JSON Schema used for validated writes"),
		maxBody:    fs.Int64("max-body-bytes", cfg.MaxBodyBytes, "request body limit"),
		shutdown:   fs.Duration("shutdown-timeout", cfg.ShutdownTimeout, "graceful shutdown limit"),
	}
	return fs, f
}

// Usage returns the help text for the command-line flags.
func Usage() string {
	fs, _ := newFlagSet(Default())
	return "Usage: docgate [flags]\n\n" + fs.FlagUsages()
}

// Load resolves the configuration. Precedence, highest wins:
//  1. command-line flags in args
//  2. environment variables read through getenv
//  3. the .env file (--env-file, default ./.env)
//  4. the JSONC config file (--config or DOCGATE_CONFIG)
//  5. defaults
//
// A nil getenv reads the process environment.
func Load(args []string, getenv func(string) string) (Config, error) {
	if getenv == nil {
		getenv = os.Getenv
	}

	cfg := Default()

	fs, f := newFlagSet(cfg)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return Config{}, ErrHelp
		}
		return Config{}, fmt.Errorf("%w: %w", errConfigInvalid, err)
	}

	// JSONC file
	path := *f.configPath
	if path == "" {
		path = getenv(ConfigEnv)
	}
	if path != "" {
		if err := applyFile(&cfg, path); err != nil {
			return Config{}, err
		}
		cfg.ConfigFile = path
	}

	// .env is consulted only for keys the environment leaves unset.
	dotenv, err := godotenv.Read(*f.envFile)
	switch {
	case err == nil:
		cfg.EnvFile = *f.envFile
	case errors.Is(err, os.ErrNotExist) && !fs.Changed("env-file"):
		dotenv = nil
	default:
		return Config{}, fmt.Errorf("%w: reading %s: %w", errConfigInvalid, *f.envFile, err)
	}
	lookup := func(key string) string {
		if v := getenv(key); v != "" {
			return v
		}
		return dotenv[key]
	}
	if err := applyEnv(&cfg, lookup); err != nil {
		return Config{}, err
	}

	// Flags
	if fs.Changed("host") {
		cfg.Host = *f.host
	}
	if fs.Changed("port") {
		cfg.Port = *f.port
	}
	if fs.Changed("store") {
		cfg.StoreBackend = *f.backend
	}
	if fs.Changed("data-dir") {
		cfg.DataDir = *f.dataDir
	}
	if fs.Changed("database-url") {
		cfg.DatabaseURL = *f.dbURL
	}
	if fs.Changed("allowed-origins") {
		cfg.AllowedOrigins = *f.origins
	}
	if fs.Changed("log-level") {
		cfg.LogLevel = *f.logLevel
	}
	if fs.Changed("log-format") {
		cfg.LogFormat = *f.logFormat
	}
	if fs.Changed("schema") {
		cfg.SchemaFile = *f.schemaFile
	}
	if fs.Changed("max-body-bytes") {
		cfg.MaxBodyBytes = *f.maxBody
	}
	if fs.Changed("shutdown-timeout") {
		cfg.ShutdownTimeout = *f.shutdown
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", errConfigFileMissing, path)
		}
		return fmt.Errorf("%w: reading %s: %w", errConfigInvalid, path, err)
	}

	// Standardize JSONC to JSON
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return fmt.Errorf("%w %s: invalid JSONC: %w", errConfigInvalid, path, err)
	}

	var fc fileConfig
	dec := json.NewDecoder(bytes.NewReader(standardized))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&fc); err != nil {
		return fmt.Errorf("%w %s: %w", errConfigInvalid, path, err)
	}

	setString(&cfg.Host, fc.Host)
	setString(&cfg.StoreBackend, fc.StoreBackend)
	setString(&cfg.DataDir, fc.DataDir)
	setString(&cfg.DatabaseURL, fc.DatabaseURL)
	setString(&cfg.LogLevel, fc.LogLevel)
	setString(&cfg.LogFormat, fc.LogFormat)
	setString(&cfg.SchemaFile, fc.SchemaFile)
	if fc.Port != nil {
		cfg.Port = *fc.Port
	}
	if fc.AllowedOrigins != nil {
		cfg.AllowedOrigins = fc.AllowedOrigins
	}
	if fc.MaxBodyBytes != nil {
		cfg.MaxBodyBytes = *fc.MaxBodyBytes
	}
	if fc.ShutdownTimeout != nil {
		d, err := time.ParseDuration(*fc.ShutdownTimeout)
		if err != nil {
			return fmt.Errorf("%w %s: shutdown_timeout: %w", errConfigInvalid, path, err)
		}
		cfg.ShutdownTimeout = d
	}
	return nil
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

func applyEnv(cfg *Config, lookup func(string) string) error {
	strs := map[string]*string{
		"HOST":          &cfg.Host,
		"STORE_BACKEND": &cfg.StoreBackend,
		"DATA_DIR":      &cfg.DataDir,
		"DATABASE_URL":  &cfg.DatabaseURL,
		"LOG_LEVEL":     &cfg.LogLevel,
		"LOG_FORMAT":    &cfg.LogFormat,
		"SCHEMA_FILE":   &cfg.SchemaFile,
	}
	for key, dst := range strs {
		if v := lookup(key); v != "" {
			*dst = v
		}
	}

	if v := lookup("PORT"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: PORT: %w", errConfigInvalid, err)
		}
		cfg.Port = p
	}
	if v := lookup("ALLOWED_ORIGINS"); v != "" {
		cfg.AllowedOrigins = splitList(v)
	}
	if v := lookup("MAX_BODY_BYTES"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%w: MAX_BODY_BYTES: %w", errConfigInvalid, err)
		}
		cfg.MaxBodyBytes = n
	}
	if v := lookup("SHUTDOWN_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%w: SHUTDOWN_TIMEOUT: %w", errConfigInvalid, err)
		}
		cfg.ShutdownTimeout = d
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for part := range strings.SplitSeq(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate reports the first setting that cannot work.
func (c Config) Validate() error {
	switch c.StoreBackend {
	case "json", "sqlite", "memory":
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("%w: postgres backend requires DATABASE_URL", errConfigInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown store backend %q", errConfigInvalid, c.StoreBackend)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", errConfigInvalid, c.Port)
	}
	if c.MaxBodyBytes <= 0 {
		return fmt.Errorf("%w: max body bytes must be positive", errConfigInvalid)
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("%w: shutdown timeout must be positive", errConfigInvalid)
	}
	if len(c.AllowedOrigins) == 0 {
		return fmt.Errorf("%w: at least one allowed origin is required", errConfigInvalid)
	}
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("%w: %w", errConfigInvalid, err)
	}
	if c.LogFormat != "json" && c.LogFormat != "console" {
		return fmt.Errorf("%w: unknown log format %q", errConfigInvalid, c.LogFormat)
	}
	return nil
}

// Addr returns the listen address.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// NewLogger builds the process logger from LogLevel and LogFormat.
func (c Config) NewLogger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, err
	}

	zc := zap.NewProductionConfig()
	if c.LogFormat == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
