package config

import (
	"bytes"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/afero"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g.
// PROXYTEST_BATCH_CONCURRENCY=4.
const EnvPrefix = "PROXYTEST"

// ErrInvalid wraps every validation failure returned by Load.
var ErrInvalid = errors.New("invalid configuration")

type Config struct {
	Checker  CheckerConfig  `mapstructure:"checker"`
	Batch    BatchConfig    `mapstructure:"batch"`
	Identity IdentityConfig `mapstructure:"identity"`
	Geo      GeoConfig      `mapstructure:"geo"`
	Store    StoreConfig    `mapstructure:"store"`
	Server   ServerConfig   `mapstructure:"server"`
	Log      LogConfig      `mapstructure:"log"`
}

type CheckerConfig struct {
	ConnectTimeout time.Duration `mapstructure:"connect_timeout" validate:"min=100ms,max=5m"`
	RelayTimeout   time.Duration `mapstructure:"relay_timeout" validate:"min=100ms,max=5m"`
	ResolveTimeout time.Duration `mapstructure:"resolve_timeout" validate:"min=100ms,max=5m"`
	OverallTimeout time.Duration `mapstructure:"overall_timeout" validate:"min=100ms,max=10m"`
	MaxRedirects   int           `mapstructure:"max_redirects" validate:"min=1,max=50"`
	MaxBodyBytes   int64         `mapstructure:"max_body_bytes" validate:"min=1024"`
	UserAgent      string        `mapstructure:"user_agent" validate:"required"`
	TestURL        string        `mapstructure:"test_url" validate:"required,url"`
	InsecureTLS    bool          `mapstructure:"insecure_tls"`
	DefaultType    string        `mapstructure:"default_type" validate:"oneof=http https socks4 socks5 residential datacenter mobile"`

	// Capabilities checks SOCKS5 proxies for mail ports and UDP after a
	// successful test.
	Capabilities      bool          `mapstructure:"capabilities"`
	CapabilityTimeout time.Duration `mapstructure:"capability_timeout" validate:"min=100ms,max=5m"`
}

type BatchConfig struct {
	Concurrency int           `mapstructure:"concurrency" validate:"min=1,max=1000"`
	Delay       time.Duration `mapstructure:"delay" validate:"min=0s,max=10m"`
	Retries     int           `mapstructure:"retries" validate:"min=0,max=10"`
}

type IdentityConfig struct {
	RealIP    string `mapstructure:"real_ip" validate:"omitempty,ip"`
	RealIPURL string `mapstructure:"real_ip_url" validate:"omitempty,url"`
}

type GeoConfig struct {
	Providers     []string      `mapstructure:"providers" validate:"dive,oneof=maxmind ip2location http"`
	MaxMindCityDB string        `mapstructure:"maxmind_city_db"`
	MaxMindISPDB  string        `mapstructure:"maxmind_isp_db"`
	IP2LocationDB string        `mapstructure:"ip2location_db"`
	HTTPURL       string        `mapstructure:"http_url"`
	Timeout       time.Duration `mapstructure:"timeout" validate:"min=100ms,max=1m"`
	CacheTTL      time.Duration `mapstructure:"cache_ttl" validate:"min=0s"`
}

type StoreConfig struct {
	Driver string `mapstructure:"driver" validate:"oneof=none sqlite postgres"`
	DSN    string `mapstructure:"dsn" validate:"required_unless=Driver none"`
}

type ServerConfig struct {
	ListenAddr      string        `mapstructure:"listen_addr" validate:"required,hostname_port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" validate:"min=1s,max=5m"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" validate:"min=1s,max=30m"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout" validate:"min=1s,max=10m"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"min=1s,max=5m"`
	MaxBatchSize    int           `mapstructure:"max_batch_size" validate:"min=1,max=100000"`
}

type LogConfig struct {
	Verbose bool   `mapstructure:"verbose"`
	Format  string `mapstructure:"format" validate:"oneof=json text"`
}

// setDefaults configures default values for viper
func setDefaults(v *viper.Viper) {
	// Checker defaults
	v.SetDefault("checker.connect_timeout", "10s")
	v.SetDefault("checker.relay_timeout", "15s")
	v.SetDefault("checker.resolve_timeout", "5s")
	v.SetDefault("checker.overall_timeout", "30s")
	v.SetDefault("checker.max_redirects", 10)
	v.SetDefault("checker.max_body_bytes", 1<<20)
	v.SetDefault("checker.user_agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36")
	v.SetDefault("checker.test_url", "https://httpbin.org/get")
	v.SetDefault("checker.insecure_tls", false)
	v.SetDefault("checker.default_type", "http")
	v.SetDefault("checker.capabilities", false)
	v.SetDefault("checker.capability_timeout", "10s")

	// Batch defaults
	v.SetDefault("batch.concurrency", 1)
	v.SetDefault("batch.delay", "1s")
	v.SetDefault("batch.retries", 0)

	// Identity defaults
	v.SetDefault("identity.real_ip", "")
	v.SetDefault("identity.real_ip_url", "https://api.ipify.org?format=json")

	// Geo defaults
	v.SetDefault("geo.providers", []string{"http"})
	v.SetDefault("geo.maxmind_city_db", "")
	v.SetDefault("geo.maxmind_isp_db", "")
	v.SetDefault("geo.ip2location_db", "")
	v.SetDefault("geo.http_url", "http://ip-api.com/json/%s?fields=status,message,country,regionName,city,isp,query")
	v.SetDefault("geo.timeout", "5s")
	v.SetDefault("geo.cache_ttl", "10m")

	// Store defaults
	v.SetDefault("store.driver", "none")
	v.SetDefault("store.dsn", "")

	// Server defaults
	v.SetDefault("server.listen_addr", "127.0.0.1:8787")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "10m")
	v.SetDefault("server.idle_timeout", "60s")
	v.SetDefault("server.shutdown_timeout", "15s")
	v.SetDefault("server.max_batch_size", 1000)

	// Log defaults
	v.SetDefault("log.verbose", false)
	v.SetDefault("log.format", "json")
}

// flagKeys maps CLI flag names to config keys.
var flagKeys = map[string]string{
	"concurrency":     "batch.concurrency",
	"delay":           "batch.delay",
	"retries":         "batch.retries",
	"connect-timeout": "checker.connect_timeout",
	"relay-timeout":   "checker.relay_timeout",
	"timeout":         "checker.overall_timeout",
	"test-url":        "checker.test_url",
	"type":            "checker.default_type",
	"insecure":        "checker.insecure_tls",
	"capabilities":    "checker.capabilities",
	"real-ip":         "identity.real_ip",
	"geo":             "geo.providers",
	"store":           "store.driver",
	"dsn":             "store.dsn",
	"listen":          "server.listen_addr",
	"verbose":         "log.verbose",
	"log-format":      "log.format",
}

// RegisterFlags adds the overridable settings to fs. Defaults shown in
// help come from setDefaults; a flag only wins when it is set.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.Int("concurrency", 1, "number of tests running at once")
	fs.Duration("delay", time.Second, "delay between tests")
	fs.Int("retries", 0, "re-run connectivity failures this many times")
	fs.Duration("connect-timeout", 10*time.Second, "proxy connect timeout")
	fs.Duration("relay-timeout", 15*time.Second, "request timeout through the proxy")
	fs.Duration("timeout", 30*time.Second, "overall per-test timeout")
	fs.String("test-url", "https://httpbin.org/get", "URL fetched through each proxy")
	fs.String("type", "http", "proxy type for lines without a scheme")
	fs.Bool("insecure", false, "skip TLS verification of the test URL")
	fs.Bool("capabilities", false, "check SOCKS5 proxies for mail and UDP support")
	fs.String("real-ip", "", "your public IP (skips the direct lookup)")
	fs.StringSlice("geo", []string{"http"}, "geo providers in order: maxmind, ip2location, http")
	fs.String("store", "none", "result store: none, sqlite or postgres")
	fs.String("dsn", "", "store DSN (sqlite path or postgres URL)")
	fs.String("listen", "127.0.0.1:8787", "API listen address")
	fs.BoolP("verbose", "v", false, "debug logging")
	fs.String("log-format", "json", "log format: json or text")
}

// Load builds the configuration from, lowest precedence first: defaults,
// the YAML file at path (optional when path is empty), a .env file next to
// it, PROXYTEST_* environment variables and set flags.
func Load(fs afero.Fs, path string, flags *pflag.FlagSet) (*Config, *viper.Viper, error) {
	v := viper.New()
	v.SetFs(fs)
	setDefaults(v)

	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("proxytest")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/proxytest")
		v.AddConfigPath("/etc/proxytest")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	envPath := ".env"
	if path != "" {
		envPath = filepath.Join(filepath.Dir(path), ".env")
	}
	if err := mergeDotEnv(v, fs, envPath); err != nil {
		return nil, nil, err
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, nil, fmt.Errorf("failed to bind flag %s: %w", name, err)
				}
			}
		}
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, nil, err
	}
	return cfg, v, nil
}

// mergeDotEnv layers PROXYTEST_* entries of a .env file over the config
// file. Real environment variables still win.
func mergeDotEnv(v *viper.Viper, fs afero.Fs, path string) error {
	raw, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil
	}
	env, err := godotenv.Parse(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}

	tree := map[string]any{}
	for k, val := range env {
		k = strings.ToLower(k)
		rest, ok := strings.CutPrefix(k, strings.ToLower(EnvPrefix)+"_")
		if !ok {
			continue
		}
		section, key, ok := strings.Cut(rest, "_")
		if !ok {
			continue
		}
		sub, _ := tree[section].(map[string]any)
		if sub == nil {
			sub = map[string]any{}
			tree[section] = sub
		}
		sub[key] = val
	}
	if len(tree) == 0 {
		return nil
	}
	if err := v.MergeConfigMap(tree); err != nil {
		return fmt.Errorf("failed to merge %s: %w", path, err)
	}
	return nil
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)))
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	for i, p := range cfg.Geo.Providers {
		cfg.Geo.Providers[i] = strings.ToLower(strings.TrimSpace(p))
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return &cfg, nil
}

// Watch re-decodes the config file whenever it changes and hands the
// result to fn. Invalid edits are reported through fn's error.
func Watch(v *viper.Viper, fn func(*Config, error)) {
	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		fn(decode(v))
	})
	v.WatchConfig()
}

// WriteTemplate writes the default configuration as YAML. It refuses to
// overwrite an existing file.
func WriteTemplate(fs afero.Fs, path string) error {
	v := viper.New()
	v.SetFs(fs)
	setDefaults(v)
	v.SetConfigType("yaml")

	if err := v.SafeWriteConfigAs(path); err != nil {
		return fmt.Errorf("failed to write config template: %w", err)
	}
	return nil
}
