// Package config loads the bridge configuration from a YAML file with an
// environment overlay.
//
// Keys are snake_case. Environment variables use the SIMBRIDGE_ prefix and a
// double underscore between levels, e.g. SIMBRIDGE_PORTAL__BASE_URL sets
// portal.base_url.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/pkg/errors"
	"github.com/warp/simbridge/portal"
	"github.com/warp/simbridge/workflow"
)

const (
	defaultPath = "."
	envPrefix   = "SIMBRIDGE_"
)

type Config struct {
	HTTP struct {
		Port         int           `koanf:"port"`
		ReadTimeout  time.Duration `koanf:"read_timeout"`
		WriteTimeout time.Duration `koanf:"write_timeout"`
		IdleTimeout  time.Duration `koanf:"idle_timeout"`
		// AllowedOrigins for CORS.
		AllowedOrigins []string `koanf:"allowed_origins"`
	} `koanf:"http"`

	Database struct {
		Path string `koanf:"path"`
	} `koanf:"database"`

	Log Log `koanf:"log"`

	Portal portal.Options `koanf:"portal"`

	Workflow struct {
		SwapDelay time.Duration `koanf:"swap_delay"`
		// Timeout bounds a whole activate_and_swap call at the HTTP boundary.
		Timeout time.Duration `koanf:"timeout"`
	} `koanf:"workflow"`

	Sync struct {
		// Schedule is a cron spec; empty disables scheduled syncs.
		Schedule string `koanf:"schedule"`
		OnStart  bool   `koanf:"on_start"`
	} `koanf:"sync"`

	Reconcile struct {
		Debounce           time.Duration `koanf:"debounce"`
		ExpiringWindowDays int           `koanf:"expiring_window_days"`
		PhoneRegion        string        `koanf:"phone_region"`
		Timezone           string        `koanf:"timezone"`
	} `koanf:"reconcile"`
}

type Log struct {
	Pretty bool   `koanf:"pretty"`
	Level  string `koanf:"level"`
}

// Default returns the configuration used for keys absent from file and env.
func Default() *Config {
	cfg := &Config{}
	cfg.HTTP.Port = 8080
	cfg.HTTP.ReadTimeout = 15 * time.Second
	cfg.HTTP.WriteTimeout = 120 * time.Second
	cfg.HTTP.IdleTimeout = 60 * time.Second
	cfg.HTTP.AllowedOrigins = []string{"http://localhost:5173", "http://localhost:8080"}
	cfg.Database.Path = "simbridge.db"
	cfg.Log = Log{Level: "info"}
	cfg.Portal = portal.DefaultOptions()
	cfg.Workflow.SwapDelay = workflow.MinSwapDelay
	cfg.Workflow.Timeout = 90 * time.Second
	cfg.Sync.Schedule = "@every 30m"
	cfg.Reconcile.Debounce = 750 * time.Millisecond
	cfg.Reconcile.ExpiringWindowDays = 7
	cfg.Reconcile.PhoneRegion = "IL"
	cfg.Reconcile.Timezone = "Asia/Jerusalem"
	return cfg
}

// Load reads <env>.yaml from the first search path that has it, overlays
// SIMBRIDGE_ environment variables and decodes on top of Default(). A
// missing file is not an error.
func Load(currEnv string, configPath ...string) (*Config, error) {
	cfg := Default()
	k := koanf.New(".")

	searchPaths := []string{defaultPath}
	if len(configPath) != 0 {
		pwd, err := os.Getwd()
		if err != nil {
			return nil, errors.Wrap(err, "os.Getwd")
		}
		for _, path := range configPath {
			if filepath.IsAbs(path) {
				searchPaths = append(searchPaths, path)
				continue
			}
			searchPaths = append(searchPaths, filepath.Join(pwd, path))
		}
	}

	if configFile, ok := findFile(currEnv, searchPaths); ok {
		if err := k.Load(file.Provider(configFile), yaml.Parser()); err != nil {
			return nil, errors.Wrapf(err, "read %s config failed", configFile)
		}
	}

	if err := k.Load(env.Provider(".", env.Opt{
		Prefix:        envPrefix,
		TransformFunc: envKey,
	}), nil); err != nil {
		return nil, errors.Wrap(err, "load env variables failed")
	}

	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{
		DecoderConfig: &mapstructure.DecoderConfig{
			Result:           cfg,
			TagName:          "koanf",
			WeaklyTypedInput: true,
			DecodeHook: mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				mapstructure.StringToSliceHookFunc(","),
			),
			MatchName: func(mapKey, fieldName string) bool {
				return strings.EqualFold(mapKey, fieldName)
			},
		},
	}); err != nil {
		return nil, errors.Wrapf(err, "unmarshal %s config failed", currEnv)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that would otherwise fail late, and raises the
// swap delay to the portal minimum.
func (c *Config) Validate() error {
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return errors.Errorf("http.port %d out of range", c.HTTP.Port)
	}
	if c.Workflow.SwapDelay < workflow.MinSwapDelay {
		c.Workflow.SwapDelay = workflow.MinSwapDelay
	}
	if c.Workflow.Timeout > 0 && c.Workflow.Timeout <= c.Workflow.SwapDelay {
		return errors.Errorf("workflow.timeout %s must exceed workflow.swap_delay %s", c.Workflow.Timeout, c.Workflow.SwapDelay)
	}
	if c.Reconcile.ExpiringWindowDays < 0 {
		return errors.Errorf("reconcile.expiring_window_days must not be negative, got %d", c.Reconcile.ExpiringWindowDays)
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	return nil
}

// Location is the time zone that decides the reconciliation's "today".
func (c *Config) Location() (*time.Location, error) {
	if c.Reconcile.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(c.Reconcile.Timezone)
	if err != nil {
		return nil, errors.Wrapf(err, "reconcile.timezone %q", c.Reconcile.Timezone)
	}
	return loc, nil
}

func findFile(currEnv string, searchPaths []string) (string, bool) {
	for _, path := range searchPaths {
		candidate := filepath.Join(path, currEnv+".yaml")
		if _, err := os.Stat(candidate); err == nil {
			return candidate, true
		}
	}
	return "", false
}

// envKey maps SIMBRIDGE_PORTAL__BASE_URL to portal.base_url.
func envKey(k, v string) (string, any) {
	key := strings.ToLower(strings.TrimPrefix(k, envPrefix))
	return strings.ReplaceAll(key, "__", "."), v
}
