// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/hcl/v2/hclsimple"
	"gopkg.in/yaml.v3"

	"grimm.is/ackwatch/internal/errors"
)

// fileConfig is the on-disk form. Every field is optional; absent values
// fall back to the preset selected by mode, then to the built-in defaults.
type fileConfig struct {
	Mode      *string        `hcl:"mode,optional" json:"mode,omitempty" yaml:"mode,omitempty"`
	API       *fileAPI       `hcl:"api,block" json:"api,omitempty" yaml:"api,omitempty"`
	Log       *fileLog       `hcl:"log,block" json:"log,omitempty" yaml:"log,omitempty"`
	Defense   *fileDefense   `hcl:"defense,block" json:"defense,omitempty" yaml:"defense,omitempty"`
	Blocklist *fileBlocklist `hcl:"blocklist,block" json:"blocklist,omitempty" yaml:"blocklist,omitempty"`
}

type fileAPI struct {
	Listen             *string  `hcl:"listen,optional" json:"listen,omitempty" yaml:"listen,omitempty"`
	RateLimitPerSecond *float64 `hcl:"rate_limit_per_second,optional" json:"rate_limit_per_second,omitempty" yaml:"rate_limit_per_second,omitempty"`
	RateLimitBurst     *int     `hcl:"rate_limit_burst,optional" json:"rate_limit_burst,omitempty" yaml:"rate_limit_burst,omitempty"`
}

type fileLog struct {
	Level  *string     `hcl:"level,optional" json:"level,omitempty" yaml:"level,omitempty"`
	Format *string     `hcl:"format,optional" json:"format,omitempty" yaml:"format,omitempty"`
	Syslog *fileSyslog `hcl:"syslog,block" json:"syslog,omitempty" yaml:"syslog,omitempty"`
}

type fileSyslog struct {
	Enabled  *bool   `hcl:"enabled,optional" json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Host     *string `hcl:"host,optional" json:"host,omitempty" yaml:"host,omitempty"`
	Port     *int    `hcl:"port,optional" json:"port,omitempty" yaml:"port,omitempty"`
	Protocol *string `hcl:"protocol,optional" json:"protocol,omitempty" yaml:"protocol,omitempty"`
	Tag      *string `hcl:"tag,optional" json:"tag,omitempty" yaml:"tag,omitempty"`
	Facility *int    `hcl:"facility,optional" json:"facility,omitempty" yaml:"facility,omitempty"`
}

type fileBlocklist struct {
	Enabled *bool  `hcl:"enabled,optional" json:"enabled,omitempty" yaml:"enabled,omitempty"`
	TTL     *int64 `hcl:"ttl,optional" json:"ttl,omitempty" yaml:"ttl,omitempty"`
}

type fileDefense struct {
	ACKValidation       *bool    `hcl:"ack_validation,optional" json:"ack_validation,omitempty" yaml:"ack_validation,omitempty"`
	RateLimiting        *bool    `hcl:"rate_limiting,optional" json:"rate_limiting,omitempty" yaml:"rate_limiting,omitempty"`
	SequenceTracking    *bool    `hcl:"sequence_tracking,optional" json:"sequence_tracking,omitempty" yaml:"sequence_tracking,omitempty"`
	AdaptiveWindow      *bool    `hcl:"adaptive_window,optional" json:"adaptive_window,omitempty" yaml:"adaptive_window,omitempty"`
	AnomalyDetection    *bool    `hcl:"anomaly_detection,optional" json:"anomaly_detection,omitempty" yaml:"anomaly_detection,omitempty"`
	Quarantine          *bool    `hcl:"quarantine,optional" json:"quarantine,omitempty" yaml:"quarantine,omitempty"`
	MaxACKsPerSecond    *int     `hcl:"max_acks_per_second,optional" json:"max_acks_per_second,omitempty" yaml:"max_acks_per_second,omitempty"`
	MaxWindowGrowthRate *float64 `hcl:"max_window_growth_rate,optional" json:"max_window_growth_rate,omitempty" yaml:"max_window_growth_rate,omitempty"`
	MaxSequenceGap      *int64   `hcl:"max_sequence_gap,optional" json:"max_sequence_gap,omitempty" yaml:"max_sequence_gap,omitempty"`
	PatternThreshold    *float64 `hcl:"suspicious_pattern_threshold,optional" json:"suspicious_pattern_threshold,omitempty" yaml:"suspicious_pattern_threshold,omitempty"`
	QuarantineDuration  *int64   `hcl:"quarantine_duration,optional" json:"quarantine_duration,omitempty" yaml:"quarantine_duration,omitempty"`
}

// Load reads and resolves a configuration file. The format is chosen by
// extension: .hcl, .json, .yaml/.yml.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindNotFound, "read config file")
	}
	return Parse(data, path)
}

// Parse resolves configuration data. filename determines the format.
func Parse(data []byte, filename string) (*Config, error) {
	var fc fileConfig
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".hcl":
		if err := hclsimple.Decode(filename, data, nil, &fc); err != nil {
			return nil, errors.Wrap(err, errors.KindValidation, "parse hcl config")
		}
	case ".json":
		if err := json.Unmarshal(data, &fc); err != nil {
			return nil, errors.Wrap(err, errors.KindValidation, "parse json config")
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &fc); err != nil {
			return nil, errors.Wrap(err, errors.KindValidation, "parse yaml config")
		}
	default:
		return nil, errors.Errorf(errors.KindValidation, "unsupported config format %q", filepath.Ext(filename))
	}
	return fc.resolve()
}

func (fc *fileConfig) resolve() (*Config, error) {
	cfg := Default()

	if fc.Mode != nil {
		cfg.Mode = *fc.Mode
	}
	if cfg.Mode != "" {
		preset, err := Preset(cfg.Mode)
		if err != nil {
			return nil, err
		}
		cfg.Defense = preset
	}

	if a := fc.API; a != nil {
		setIf(&cfg.API.Listen, a.Listen)
		setIf(&cfg.API.RateLimitPerSecond, a.RateLimitPerSecond)
		setIf(&cfg.API.RateLimitBurst, a.RateLimitBurst)
	}
	if l := fc.Log; l != nil {
		setIf(&cfg.Log.Level, l.Level)
		setIf(&cfg.Log.Format, l.Format)
		if sl := l.Syslog; sl != nil {
			setIf(&cfg.Log.Syslog.Enabled, sl.Enabled)
			setIf(&cfg.Log.Syslog.Host, sl.Host)
			setIf(&cfg.Log.Syslog.Port, sl.Port)
			setIf(&cfg.Log.Syslog.Protocol, sl.Protocol)
			setIf(&cfg.Log.Syslog.Tag, sl.Tag)
			setIf(&cfg.Log.Syslog.Facility, sl.Facility)
		}
	}
	if b := fc.Blocklist; b != nil {
		setIf(&cfg.Blocklist.Enabled, b.Enabled)
		setIf(&cfg.Blocklist.TTL, b.TTL)
	}
	if d := fc.Defense; d != nil {
		setIf(&cfg.Defense.ACKValidationEnabled, d.ACKValidation)
		setIf(&cfg.Defense.RateLimitingEnabled, d.RateLimiting)
		setIf(&cfg.Defense.SequenceTrackingEnabled, d.SequenceTracking)
		setIf(&cfg.Defense.AdaptiveWindowEnabled, d.AdaptiveWindow)
		setIf(&cfg.Defense.AnomalyDetectionEnabled, d.AnomalyDetection)
		setIf(&cfg.Defense.QuarantineEnabled, d.Quarantine)
		setIf(&cfg.Defense.MaxACKsPerSecond, d.MaxACKsPerSecond)
		setIf(&cfg.Defense.MaxWindowGrowthRate, d.MaxWindowGrowthRate)
		setIf(&cfg.Defense.MaxSequenceGap, d.MaxSequenceGap)
		setIf(&cfg.Defense.SuspiciousPatternThreshold, d.PatternThreshold)
		setIf(&cfg.Defense.QuarantineDuration, d.QuarantineDuration)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setIf[T any](dst *T, src *T) {
	if src != nil {
		*dst = *src
	}
}
