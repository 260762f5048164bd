// Package config loads the xlrecalc configuration file.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// FileName is the configuration file looked up next to the executable.
const FileName = "xlrecalc.toml"

// Config is the xlrecalc configuration.
type Config struct {
	Recalc RecalcConfig `toml:"recalc"`
	HDFS   HDFSConfig   `toml:"hdfs"`
}

// RecalcConfig configures the recalculation pipeline.
type RecalcConfig struct {
	IgnoreMissingWorkbooks bool `toml:"ignore_missing_workbooks"`
	MaxCalcIterations      uint `toml:"max_calc_iterations"`
	FullCalcOnLoad         bool `toml:"full_calc_on_load"`
}

// HDFSConfig configures the cluster session of the distributed recalculator.
type HDFSConfig struct {
	AppName     string   `toml:"app_name"`
	Namenodes   []string `toml:"namenodes"`
	User        string   `toml:"user"`
	Krb5Config  string   `toml:"krb5_config"`
	CCache      string   `toml:"ccache"`
	DialTimeout Duration `toml:"dial_timeout"`
}

// Duration is a time.Duration written as a string such as "30s" in TOML.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Recalc: RecalcConfig{
			IgnoreMissingWorkbooks: true,
			MaxCalcIterations:      100,
		},
		HDFS: HDFSConfig{
			AppName:     "xlrecalc-hdfs",
			DialTimeout: Duration(30 * time.Second),
		},
	}
}

// Load reads the configuration file at path. An empty path looks up
// $XLRECALC_CONFIG, then xlrecalc.toml next to the executable; a missing
// file yields the defaults. Environment overrides are applied last.
func Load(path string) (*Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		if v := os.Getenv("XLRECALC_CONFIG"); v != "" {
			path, explicit = v, true
		} else if exe, err := os.Executable(); err == nil {
			path = filepath.Join(filepath.Dir(exe), FileName)
		}
	}

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := toml.Unmarshal(data, cfg); err != nil {
				return nil, err
			}
		case os.IsNotExist(err) && !explicit:
			// defaults
		default:
			return nil, err
		}
	}

	applyEnv(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("XLRECALC_HDFS_NAMENODE"); v != "" {
		cfg.HDFS.Namenodes = strings.Split(v, ",")
	}
	if v := os.Getenv("XLRECALC_HDFS_USER"); v != "" {
		cfg.HDFS.User = v
	}
	if v := os.Getenv("XLRECALC_APP_NAME"); v != "" {
		cfg.HDFS.AppName = v
	}
}
