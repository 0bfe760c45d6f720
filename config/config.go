// Copyright 2025 The Witness Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads keysweep settings from defaults, an optional config
// file, KEYSWEEP_ environment variables and command line flags, in increasing
// order of precedence.
package config

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/in-toto/keysweep/fetch"
	"github.com/in-toto/keysweep/internal/httpclient"
	"github.com/in-toto/keysweep/internal/logging"
	"github.com/in-toto/keysweep/scanner"
	"github.com/in-toto/keysweep/source"
	"github.com/in-toto/keysweep/validator"
	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

const (
	configName = ".keysweep"
	envPrefix  = "KEYSWEEP"

	// SourceKey is the prefix of per-registry options, as in
	// source.pypi.skip-packages.
	SourceKey = "source"

	DefaultStateFile = "state.json"
	DefaultReportDir = "keys"
	DefaultLimit     = 1000
)

type Config struct {
	State          string                    `mapstructure:"state"`
	Save           bool                      `mapstructure:"save"`
	Limit          int                       `mapstructure:"limit"`
	Sources        []string                  `mapstructure:"sources"`
	Workers        int                       `mapstructure:"workers"`
	ReportDir      string                    `mapstructure:"report-dir"`
	ReportTemplate string                    `mapstructure:"report-template"`
	Summary        string                    `mapstructure:"summary"`
	TempDir        string                    `mapstructure:"temp-dir"`
	HTTP           HTTP                      `mapstructure:"http"`
	Download       Download                  `mapstructure:"download"`
	Scan           Scan                      `mapstructure:"scan"`
	Validator      Validator                 `mapstructure:"validator"`
	Metrics        Metrics                   `mapstructure:"metrics"`
	Log            Log                       `mapstructure:"log"`
	Source         map[string]map[string]any `mapstructure:"source"`
}

type HTTP struct {
	Timeout   time.Duration `mapstructure:"timeout"`
	Retries   int           `mapstructure:"retries"`
	UserAgent string        `mapstructure:"user-agent"`
}

type Download struct {
	Timeout   time.Duration `mapstructure:"timeout"`
	MaxSizeMB int           `mapstructure:"max-size-mb"`
}

type Scan struct {
	MaxFileSizeMB  int `mapstructure:"max-file-size-mb"`
	MaxNestedDepth int `mapstructure:"max-nested-depth"`
}

type Validator struct {
	Region   string        `mapstructure:"region"`
	Endpoint string        `mapstructure:"endpoint"`
	Rate     float64       `mapstructure:"rate"`
	CacheTTL time.Duration `mapstructure:"cache-ttl"`
}

type Metrics struct {
	Textfile string `mapstructure:"textfile"`
}

type Log struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// New returns a viper instance carrying the defaults and environment binding.
// Flags are bound to it by the caller before Load.
func New() *viper.Viper {
	v := viper.New()
	applyDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

func applyDefaults(v *viper.Viper) {
	v.SetDefault("state", DefaultStateFile)
	v.SetDefault("save", false)
	v.SetDefault("limit", DefaultLimit)
	v.SetDefault("sources", kindNames(source.Kinds()))
	v.SetDefault("workers", runtime.NumCPU())
	v.SetDefault("report-dir", DefaultReportDir)
	v.SetDefault("report-template", "")
	v.SetDefault("summary", "")
	v.SetDefault("temp-dir", "")

	v.SetDefault("http.timeout", httpclient.DefaultTimeout)
	v.SetDefault("http.retries", httpclient.DefaultRetries)
	v.SetDefault("http.user-agent", httpclient.DefaultUserAgent)

	v.SetDefault("download.timeout", 10*time.Minute)
	v.SetDefault("download.max-size-mb", fetch.DefaultMaxSizeMB)

	v.SetDefault("scan.max-file-size-mb", scanner.DefaultMaxFileSizeMB)
	v.SetDefault("scan.max-nested-depth", scanner.DefaultMaxNestedDepth)

	v.SetDefault("validator.region", validator.DefaultRegion)
	v.SetDefault("validator.endpoint", "")
	v.SetDefault("validator.rate", validator.DefaultRate)
	v.SetDefault("validator.cache-ttl", validator.DefaultCacheTTL)

	v.SetDefault("metrics.textfile", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", logging.FormatAuto)
}

// Load reads configFile, or .keysweep.yaml from the working or home directory
// when configFile is empty, and decodes the merged settings. A missing default
// config file is not an error.
func Load(v *viper.Viper, configFile string) (*Config, error) {
	if configFile != "" {
		path, err := homedir.Expand(configFile)
		if err != nil {
			return nil, fmt.Errorf("expand config path: %w", err)
		}
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(configName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := homedir.Dir(); err == nil {
			v.AddConfigPath(home)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.expandPaths(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

func (c *Config) expandPaths() error {
	for _, p := range []*string{&c.State, &c.ReportDir, &c.ReportTemplate, &c.Summary, &c.TempDir, &c.Metrics.Textfile} {
		expanded, err := homedir.Expand(*p)
		if err != nil {
			return fmt.Errorf("expand path %q: %w", *p, err)
		}
		*p = expanded
	}

	return nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.State == "" {
		errs = append(errs, errors.New("state file is required"))
	}
	if c.Limit < 0 {
		errs = append(errs, fmt.Errorf("limit must not be negative, got %d", c.Limit))
	}
	if c.Workers < 1 {
		errs = append(errs, fmt.Errorf("workers must be at least 1, got %d", c.Workers))
	}
	if _, err := c.Kinds(); err != nil {
		errs = append(errs, err)
	}
	if c.HTTP.Retries < 0 {
		errs = append(errs, fmt.Errorf("http retries must not be negative, got %d", c.HTTP.Retries))
	}
	if c.HTTP.Timeout <= 0 || c.Download.Timeout <= 0 {
		errs = append(errs, errors.New("http and download timeouts must be positive"))
	}
	if c.Download.MaxSizeMB < 1 {
		errs = append(errs, fmt.Errorf("download max size must be at least 1 MB, got %d", c.Download.MaxSizeMB))
	}
	if c.Scan.MaxFileSizeMB < 1 {
		errs = append(errs, fmt.Errorf("scan max file size must be at least 1 MB, got %d", c.Scan.MaxFileSizeMB))
	}
	if c.Scan.MaxNestedDepth < 0 {
		errs = append(errs, fmt.Errorf("scan max nested depth must not be negative, got %d", c.Scan.MaxNestedDepth))
	}
	if c.Validator.Region == "" {
		errs = append(errs, errors.New("validator region is required"))
	}
	if c.Validator.Rate < 0 {
		errs = append(errs, fmt.Errorf("validator rate must not be negative, got %v", c.Validator.Rate))
	}
	for name := range c.Source {
		if _, err := source.ParseKind(name); err != nil {
			errs = append(errs, fmt.Errorf("options for %w", err))
		}
	}

	return errors.Join(errs...)
}

// Kinds parses the configured registry list, dropping duplicates.
func (c *Config) Kinds() ([]source.Kind, error) {
	if len(c.Sources) == 0 {
		return nil, errors.New("at least one source is required")
	}

	seen := make(map[source.Kind]struct{}, len(c.Sources))
	kinds := make([]source.Kind, 0, len(c.Sources))
	for _, name := range c.Sources {
		// flags and env vars may pass the list as one comma separated value
		for _, part := range strings.Split(name, ",") {
			if strings.TrimSpace(part) == "" {
				continue
			}
			kind, err := source.ParseKind(part)
			if err != nil {
				return nil, err
			}
			if _, ok := seen[kind]; ok {
				continue
			}
			seen[kind] = struct{}{}
			kinds = append(kinds, kind)
		}
	}

	return kinds, nil
}

// SourceOptions returns the options configured for kind, keyed by option name.
func (c *Config) SourceOptions(kind source.Kind) map[string]any {
	for name, opts := range c.Source {
		if k, err := source.ParseKind(name); err == nil && k == kind {
			return opts
		}
	}

	return nil
}

// OptionKey is the viper key of a per-registry option.
func OptionKey(kind source.Kind, option string) string {
	return fmt.Sprintf("%s.%s.%s", SourceKey, kind, option)
}

func kindNames(kinds []source.Kind) []string {
	names := make([]string, 0, len(kinds))
	for _, k := range kinds {
		names = append(names, k.String())
	}
	return names
}
