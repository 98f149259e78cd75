// Package config holds the daemon configuration: its defaults, the flags
// that set it and the JSON file that may set it instead.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"time"

	"dario.cat/mergo"
	"github.com/containerd/log"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
)

// Defaults.
const (
	DefaultConfigFile   = "/etc/machined/daemon.json"
	DefaultConfigDir    = "/etc/machined/machines"
	DefaultImageDir     = "/var/lib/machined/images"
	DefaultUnitDir      = "/etc/systemd/system"
	DefaultNspawnDir    = "/etc/systemd/nspawn"
	DefaultNetscriptDir = "/var/lib/machined/netscripts"
	DefaultMachinesDir  = "/var/lib/machines"
	DefaultZpool        = "triton"
	DefaultCacheTTL     = 10 * time.Minute
	DefaultRescan       = time.Minute
	DefaultLogLevel     = "info"
	DefaultLogFormat    = log.TextFormat
)

// Config defines the configuration of the machine daemon.
// It includes json tags to deserialize configuration from a file
// using the same names that the flags in the command line uses.
type Config struct {
	// ConfigDir holds the core record of every machine.
	ConfigDir string `json:"config-dir,omitempty"`
	// ImageDir holds image manifests, "{zpool}-{uuid}.json".
	ImageDir     string `json:"image-dir,omitempty"`
	UnitDir      string `json:"unit-dir,omitempty"`
	NspawnDir    string `json:"nspawn-dir,omitempty"`
	NetscriptDir string `json:"netscript-dir,omitempty"`
	MachinesDir  string `json:"machines-dir,omitempty"`
	// Root is prepended to every dataset mountpoint. It is empty on a real
	// host.
	Root string `json:"root,omitempty"`

	DefaultZpool string   `json:"default-zpool,omitempty"`
	Strict       bool     `json:"strict,omitempty"`
	CacheTTL     Duration `json:"cache-ttl,omitempty"`
	// Rescan is how often serve looks for machines created or deleted by
	// other processes. Zero disables it.
	Rescan Duration `json:"rescan-interval,omitempty"`

	LogLevel    string           `json:"log-level,omitempty"`
	LogFormat   log.OutputFormat `json:"log-format,omitempty"`
	MetricsAddr string           `json:"metrics-addr,omitempty"`
}

// New returns a configuration with every default set.
func New() *Config {
	return &Config{
		ConfigDir:    DefaultConfigDir,
		ImageDir:     DefaultImageDir,
		UnitDir:      DefaultUnitDir,
		NspawnDir:    DefaultNspawnDir,
		NetscriptDir: DefaultNetscriptDir,
		MachinesDir:  DefaultMachinesDir,
		DefaultZpool: DefaultZpool,
		CacheTTL:     Duration{DefaultCacheTTL},
		Rescan:       Duration{DefaultRescan},
		LogLevel:     DefaultLogLevel,
		LogFormat:    DefaultLogFormat,
	}
}

// Duration is a time.Duration written as "10m" in files and flags.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	return d.Set(s)
}

// Set implements pflag.Value.
func (d *Duration) Set(s string) error {
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d *Duration) Type() string { return "duration" }

// MergeDaemonConfigurations reads the configuration file and merges it
// with the configuration set by flags, failing when a directive is set in
// both places.
func MergeDaemonConfigurations(flagsConfig *Config, flags *pflag.FlagSet, configFile string) (*Config, error) {
	fileConfig, err := getConflictFreeConfiguration(configFile, flags)
	if err != nil {
		return nil, err
	}

	// merge flags configuration on top of the file configuration
	if err := mergo.Merge(fileConfig, flagsConfig); err != nil {
		return nil, err
	}

	if err := Validate(fileConfig); err != nil {
		return nil, errors.Wrap(err, "merged configuration validation from file and command line flags failed")
	}
	return fileConfig, nil
}

// Load returns the effective configuration. A missing file is only an
// error when it is not the default one.
func Load(flagsConfig *Config, flags *pflag.FlagSet, configFile string) (*Config, error) {
	if _, err := os.Stat(configFile); err != nil && os.IsNotExist(err) && configFile == DefaultConfigFile {
		if err := Validate(flagsConfig); err != nil {
			return nil, err
		}
		return flagsConfig, nil
	}
	return MergeDaemonConfigurations(flagsConfig, flags, configFile)
}

func getConflictFreeConfiguration(configFile string, flags *pflag.FlagSet) (*Config, error) {
	b, err := os.ReadFile(configFile)
	if err != nil {
		return nil, err
	}
	// Decode the contents of the JSON file using a UTF-8 decoder that
	// strips the byte order mark.
	b = bytes.TrimPrefix(b, []byte("\xef\xbb\xbf"))

	var config Config
	if flags != nil {
		var jsonConfig map[string]any
		if err := json.Unmarshal(b, &jsonConfig); err != nil {
			return nil, err
		}
		if err := findConfigurationConflicts(jsonConfig, flags); err != nil {
			return nil, err
		}
	}

	if err := json.Unmarshal(b, &config); err != nil {
		return nil, err
	}
	return &config, nil
}

// findConfigurationConflicts iterates over the provided flags searching for
// duplicated configurations and unknown keys. It returns an error with all
// the conflicts if it finds any.
func findConfigurationConflicts(config map[string]any, flags *pflag.FlagSet) error {
	var unknownKeys []string
	for key := range config {
		if flags.Lookup(key) == nil {
			unknownKeys = append(unknownKeys, key)
		}
	}
	if len(unknownKeys) > 0 {
		sort.Strings(unknownKeys)
		return errors.Errorf("the following directives don't match any configuration option: %s", strings.Join(unknownKeys, ", "))
	}

	var conflicts []string
	flags.Visit(func(f *pflag.Flag) {
		if value, ok := config[f.Name]; ok {
			conflicts = append(conflicts, fmt.Sprintf("%s: (from flag: %v, from file: %v)", f.Name, f.Value.String(), value))
		}
	})
	if len(conflicts) > 0 {
		sort.Strings(conflicts)
		return errors.Errorf("the following directives are specified both as a flag and in the configuration file: %s", strings.Join(conflicts, ", "))
	}
	return nil
}

// Validate validates some specific configs.
func Validate(config *Config) error {
	for _, dir := range []struct{ name, path string }{
		{"config-dir", config.ConfigDir},
		{"image-dir", config.ImageDir},
		{"unit-dir", config.UnitDir},
		{"nspawn-dir", config.NspawnDir},
		{"netscript-dir", config.NetscriptDir},
		{"machines-dir", config.MachinesDir},
	} {
		if !filepath.IsAbs(dir.path) {
			return errors.Errorf("%s must be an absolute path: %q", dir.name, dir.path)
		}
	}
	if config.Root != "" && !filepath.IsAbs(config.Root) {
		return errors.Errorf("root must be an absolute path: %q", config.Root)
	}
	if config.DefaultZpool == "" {
		return errors.New("default-zpool must not be empty")
	}
	if config.CacheTTL.Duration <= 0 {
		return errors.Errorf("invalid cache-ttl: %s", config.CacheTTL)
	}
	if config.Rescan.Duration < 0 {
		return errors.Errorf("invalid rescan-interval: %s", config.Rescan)
	}
	if config.LogLevel != "" {
		if _, err := logrus.ParseLevel(config.LogLevel); err != nil {
			return errors.Errorf("invalid logging level: %s", config.LogLevel)
		}
	}
	if config.LogFormat != "" && !slices.Contains([]log.OutputFormat{log.TextFormat, log.JSONFormat}, config.LogFormat) {
		return errors.Errorf("invalid log format: %s", config.LogFormat)
	}
	return nil
}
