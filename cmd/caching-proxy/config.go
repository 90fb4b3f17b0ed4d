package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const envPrefix = "CACHING_PROXY_"

// errUsage marks errors caused by invalid command line or configuration input.
var errUsage = errors.New("usage error")

// options is the fully resolved runtime configuration.
type options struct {
	ConfigFile       string
	Port             int
	Origin           string
	Host             string
	ClearCache       bool
	Provider         string
	CacheDir         string
	DB               string
	KeyIncludesQuery bool
	Timeout          time.Duration
	MetricsAddr      string
	LogFile          string
	LogMaxSize       int
	LogMaxBackups    int
	LogMaxAge        int
	Trace            bool
	OTLPEndpoint     string
	TraceSampleRate  float64
}

func defaultOptions() options {
	return options{
		Provider:        "file",
		CacheDir:        ".cache",
		DB:              "cache.db",
		Timeout:         30 * time.Second,
		LogMaxSize:      100,
		LogMaxBackups:   3,
		LogMaxAge:       28,
		TraceSampleRate: 1,
	}
}

// fileConfig is the YAML config file layout.
// Zero values leave the defaults untouched.
type fileConfig struct {
	Port             int     `yaml:"port"`
	Origin           string  `yaml:"origin"`
	Host             string  `yaml:"host"`
	Provider         string  `yaml:"provider"`
	CacheDir         string  `yaml:"cacheDir"`
	DB               string  `yaml:"db"`
	KeyIncludesQuery bool    `yaml:"keyIncludesQuery"`
	Timeout          string  `yaml:"timeout"`
	MetricsAddr      string  `yaml:"metricsAddr"`
	OTLPEndpoint     string  `yaml:"otlpEndpoint"`
	TraceSampleRate  float64 `yaml:"traceSampleRate"`
	Log              struct {
		File       string `yaml:"file"`
		MaxSize    int    `yaml:"maxSize"`
		MaxBackups int    `yaml:"maxBackups"`
		MaxAge     int    `yaml:"maxAge"`
	} `yaml:"log"`
}

func getConfig(filename string) (fileConfig, error) {
	var config fileConfig
	configBytes, err := os.ReadFile(filename)
	if err != nil {
		return config, err
	}
	err = yaml.Unmarshal(configBytes, &config)
	return config, err
}

func (c fileConfig) apply(o *options) error {
	setString(&o.Origin, c.Origin)
	setString(&o.Host, c.Host)
	setString(&o.Provider, c.Provider)
	setString(&o.CacheDir, c.CacheDir)
	setString(&o.DB, c.DB)
	setString(&o.MetricsAddr, c.MetricsAddr)
	setString(&o.OTLPEndpoint, c.OTLPEndpoint)
	setString(&o.LogFile, c.Log.File)
	if c.Port != 0 {
		o.Port = c.Port
	}
	if c.KeyIncludesQuery {
		o.KeyIncludesQuery = true
	}
	if c.TraceSampleRate != 0 {
		o.TraceSampleRate = c.TraceSampleRate
	}
	if c.Log.MaxSize != 0 {
		o.LogMaxSize = c.Log.MaxSize
	}
	if c.Log.MaxBackups != 0 {
		o.LogMaxBackups = c.Log.MaxBackups
	}
	if c.Log.MaxAge != 0 {
		o.LogMaxAge = c.Log.MaxAge
	}
	if c.Timeout != "" {
		d, err := time.ParseDuration(c.Timeout)
		if err != nil {
			return fmt.Errorf("timeout: %w", err)
		}
		o.Timeout = d
	}
	return nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

// applyEnv overrides options with CACHING_PROXY_* variables.
func applyEnv(o *options, lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(envPrefix + name); ok && v != "" {
			*dst = v
		}
	}
	str("ORIGIN", &o.Origin)
	str("HOST", &o.Host)
	str("PROVIDER", &o.Provider)
	str("CACHE_DIR", &o.CacheDir)
	str("DB", &o.DB)
	str("METRICS_ADDR", &o.MetricsAddr)
	str("LOG_FILE", &o.LogFile)
	str("OTLP_ENDPOINT", &o.OTLPEndpoint)

	if v, ok := lookup(envPrefix + "PORT"); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sPORT: %w", envPrefix, err)
		}
		o.Port = port
	}
	if v, ok := lookup(envPrefix + "KEY_QUERY"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%sKEY_QUERY: %w", envPrefix, err)
		}
		o.KeyIncludesQuery = b
	}
	if v, ok := lookup(envPrefix + "TIMEOUT"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%sTIMEOUT: %w", envPrefix, err)
		}
		o.Timeout = d
	}
	if v, ok := lookup(envPrefix + "TRACE_SAMPLE_RATE"); ok && v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%sTRACE_SAMPLE_RATE: %w", envPrefix, err)
		}
		o.TraceSampleRate = f
	}
	return nil
}

// loadDotenv loads variables from a .env file in the working directory, if there is one.
// Variables already set in the environment win.
func loadDotenv() error {
	err := godotenv.Load()
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

func newFlagSet(o *options, output io.Writer) *flag.FlagSet {
	flags := flag.NewFlagSet("caching-proxy", flag.ContinueOnError)
	flags.SetOutput(output)
	flags.StringVar(&o.ConfigFile, "config", o.ConfigFile, "Path to YAML config file")
	flags.IntVar(&o.Port, "port", o.Port, "Port to listen on")
	flags.StringVar(&o.Origin, "origin", o.Origin, "Origin URL to forward to")
	flags.BoolVar(&o.ClearCache, "clear-cache", o.ClearCache, "Clear the cache and exit")
	flags.StringVar(&o.Host, "host", o.Host, "Hostname of origin (if origin is an IP address)")
	flags.StringVar(&o.Provider, "provider", o.Provider, "Cache provider to use (file or sqlite)")
	flags.StringVar(&o.CacheDir, "cache-dir", o.CacheDir, "Cache directory for the file provider")
	flags.StringVar(&o.DB, "db", o.DB, "Cache DB file name for the sqlite provider (use 'memory' for in-memory db)")
	flags.BoolVar(&o.KeyIncludesQuery, "key-query", o.KeyIncludesQuery, "Include the query string in the cache key")
	flags.DurationVar(&o.Timeout, "timeout", o.Timeout, "Timeout for origin requests (0 for none)")
	flags.StringVar(&o.MetricsAddr, "metrics-addr", o.MetricsAddr, "Address to serve Prometheus metrics on (disabled if empty)")
	flags.StringVar(&o.LogFile, "log-file", o.LogFile, "Log file to use (in addition to stdout)")
	flags.BoolVar(&o.Trace, "vv", o.Trace, "Verbosity: trace logging")
	flags.StringVar(&o.OTLPEndpoint, "otlp-endpoint", o.OTLPEndpoint, "OTLP gRPC endpoint for traces (disabled if empty)")
	return flags
}

// parseOptions resolves the configuration from defaults, config file, environment and args,
// in increasing order of precedence.
func parseOptions(args []string, lookup func(string) (string, bool), output io.Writer) (options, error) {
	// first pass only finds the config file and rejects malformed args
	first := defaultOptions()
	if v, ok := lookup(envPrefix + "CONFIG"); ok {
		first.ConfigFile = v
	}
	if err := newFlagSet(&first, output).Parse(args); err != nil {
		return options{}, flagError(err)
	}

	o := defaultOptions()
	o.ConfigFile = first.ConfigFile
	if o.ConfigFile != "" {
		config, err := getConfig(o.ConfigFile)
		if err != nil {
			return options{}, fmt.Errorf("config file %s: %w", o.ConfigFile, err)
		}
		if err := config.apply(&o); err != nil {
			return options{}, fmt.Errorf("config file %s: %w", o.ConfigFile, err)
		}
	}
	if err := applyEnv(&o, lookup); err != nil {
		return options{}, err
	}

	flags := newFlagSet(&o, output)
	if err := flags.Parse(args); err != nil {
		return options{}, flagError(err)
	}
	if flags.NArg() > 0 {
		return options{}, usageError(flags, "unexpected arguments: %v", flags.Args())
	}

	if o.Provider != "file" && o.Provider != "sqlite" {
		return options{}, usageError(flags, "unknown provider %q", o.Provider)
	}
	if o.ClearCache {
		return o, nil
	}
	if o.Port <= 0 || o.Port > 65535 || o.Origin == "" {
		return options{}, usageError(flags, "--port and --origin are required to start the server")
	}
	return o, nil
}

func usageError(flags *flag.FlagSet, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintf(flags.Output(), "%s\n", msg)
	flags.Usage()
	return fmt.Errorf("%w: %s", errUsage, msg)
}

// flagError marks flag parsing errors as usage errors. The flag set has already printed them.
func flagError(err error) error {
	if errors.Is(err, flag.ErrHelp) {
		return err
	}
	return fmt.Errorf("%w: %v", errUsage, err)
}
