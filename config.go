/*
Package lounge – configuration.
*/
package lounge

import (
	"os"
	"time"

	"github.com/goccy/go-yaml"
)

// Config holds the behavioural flags shared by every model bound to a Lounge
// handle. Schema options override the key/ref settings per schema.
type Config struct {
	// Key derivation
	KeyPrefix         string `yaml:"keyPrefix" json:"keyPrefix"`
	KeySuffix         string `yaml:"keySuffix" json:"keySuffix"`
	Delimiter         string `yaml:"delimiter" json:"delimiter"`                 // default "_"
	RefIndexKeyPrefix string `yaml:"refIndexKeyPrefix" json:"refIndexKeyPrefix"` // default "$_ref_by_"

	// Persisted representation
	StoreFullReferenceID bool  `yaml:"storeFullReferenceId" json:"storeFullReferenceId"`
	StoreFullKey         bool  `yaml:"storeFullKey" json:"storeFullKey"`
	Minimize             *bool `yaml:"minimize" json:"minimize"` // default true

	// Find behaviour
	AlwaysReturnArrays bool  `yaml:"alwaysReturnArrays" json:"alwaysReturnArrays"`
	Missing            *bool `yaml:"missing" json:"missing"` // default true
	KeepSortOrder      bool  `yaml:"keepSortOrder" json:"keepSortOrder"`

	// Index maintenance
	WaitForIndex        bool          `yaml:"waitForIndex" json:"waitForIndex"`
	AtomicRetryTimes    int           `yaml:"atomicRetryTimes" json:"atomicRetryTimes"` // default 5
	AtomicRetryInterval time.Duration `yaml:"-" json:"-"`
	AtomicLock          *bool         `yaml:"atomicLock" json:"atomicLock"` // default true
	ErrorOnMissingIndex bool          `yaml:"errorOnMissingIndex" json:"errorOnMissingIndex"`

	// Temporary-error retry
	RetryTemporaryErrors bool          `yaml:"retryTemporaryErrors" json:"retryTemporaryErrors"`
	TempRetryTimes       int           `yaml:"tempRetryTimes" json:"tempRetryTimes"` // default 5
	TempRetryInterval    time.Duration `yaml:"-" json:"-"`

	// Error reporting
	EmitErrors bool `yaml:"emitErrors" json:"emitErrors"`
}

// DefaultConfig returns a Config with the documented defaults.
func DefaultConfig() *Config {
	return &Config{
		Delimiter:           "_",
		RefIndexKeyPrefix:   "$_ref_by_",
		Minimize:            boolPtr(true),
		Missing:             boolPtr(true),
		AtomicRetryTimes:    5,
		AtomicRetryInterval: 0,
		AtomicLock:          boolPtr(true),
		TempRetryTimes:      5,
		TempRetryInterval:   50 * time.Millisecond,
	}
}

// normalize fills unset fields with defaults so the engine never has to
// re-check them.
func (c *Config) normalize() {
	d := DefaultConfig()
	if c.Delimiter == "" {
		c.Delimiter = d.Delimiter
	}
	if c.RefIndexKeyPrefix == "" {
		c.RefIndexKeyPrefix = d.RefIndexKeyPrefix
	}
	if c.Minimize == nil {
		c.Minimize = d.Minimize
	}
	if c.Missing == nil {
		c.Missing = d.Missing
	}
	if c.AtomicRetryTimes == 0 {
		c.AtomicRetryTimes = d.AtomicRetryTimes
	}
	if c.AtomicLock == nil {
		c.AtomicLock = d.AtomicLock
	}
	if c.TempRetryTimes == 0 {
		c.TempRetryTimes = d.TempRetryTimes
	}
	if c.TempRetryInterval == 0 {
		c.TempRetryInterval = d.TempRetryInterval
	}
}

// fileConfig is the on-disk representation. Intervals are plain millisecond
// integers so config files stay unit-free.
type fileConfig struct {
	Config                `yaml:",inline"`
	TempRetryIntervalMs   *int `yaml:"tempRetryInterval" json:"tempRetryInterval"`
	AtomicRetryIntervalMs *int `yaml:"atomicRetryInterval" json:"atomicRetryInterval"`
}

// LoadConfig reads a YAML (or JSON, a YAML subset) config file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, NewError("cannot read config file", WithCode(ErrArgument), WithCause(err))
	}
	return ParseConfig(data)
}

// ParseConfig parses YAML config bytes.
func ParseConfig(data []byte) (*Config, error) {
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, NewError("cannot parse config", WithCode(ErrArgument), WithCause(err))
	}
	cfg := fc.Config
	if fc.TempRetryIntervalMs != nil {
		cfg.TempRetryInterval = time.Duration(*fc.TempRetryIntervalMs) * time.Millisecond
	}
	if fc.AtomicRetryIntervalMs != nil {
		cfg.AtomicRetryInterval = time.Duration(*fc.AtomicRetryIntervalMs) * time.Millisecond
	}
	cfg.normalize()
	return &cfg, nil
}

func boolPtr(b bool) *bool { return &b }
