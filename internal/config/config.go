// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

import (
	"strings"

	"grimm.is/ackwatch/internal/errors"
)

// Config is the resolved top-level configuration. Every recognized option is
// enumerated here with an explicit default; construction fails eagerly on
// invalid values rather than on the first packet.
type Config struct {
	// Mode selects a defense preset: high, medium, low or off.
	// An empty mode uses the engine defaults.
	Mode string `json:"mode"`

	API       API       `json:"api"`
	Log       Log       `json:"log"`
	Defense   Defense   `json:"defense"`
	Blocklist Blocklist `json:"blocklist"`
}

// API configures the HTTP/WebSocket surface.
type API struct {
	Listen             string  `json:"listen"`
	RateLimitPerSecond float64 `json:"rateLimitPerSecond"`
	RateLimitBurst     int     `json:"rateLimitBurst"`
}

// Log configures process logging.
type Log struct {
	Level  string `json:"level"`
	Format string `json:"format"`
	Syslog Syslog `json:"syslog"`
}

// Syslog configures optional forwarding of log lines to a remote collector.
type Syslog struct {
	Enabled  bool   `json:"enabled"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Protocol string `json:"protocol"` // udp or tcp
	Tag      string `json:"tag"`
	Facility int    `json:"facility"` // RFC 3164 facility code
}

// Blocklist configures the quarantine-to-blocklist promotion.
type Blocklist struct {
	Enabled bool  `json:"enabled"`
	TTL     int64 `json:"ttl"` // milliseconds
}

// Defense holds the detection engine thresholds and stage toggles.
// Field names mirror the wire-visible configuration surface.
type Defense struct {
	ACKValidationEnabled       bool    `json:"ackValidationEnabled"`
	RateLimitingEnabled        bool    `json:"rateLimitingEnabled"`
	SequenceTrackingEnabled    bool    `json:"sequenceTrackingEnabled"`
	AdaptiveWindowEnabled      bool    `json:"adaptiveWindowEnabled"`
	AnomalyDetectionEnabled    bool    `json:"anomalyDetectionEnabled"`
	QuarantineEnabled          bool    `json:"quarantineEnabled"`
	MaxACKsPerSecond           int     `json:"maxACKsPerSecond"`
	MaxWindowGrowthRate        float64 `json:"maxWindowGrowthRate"`
	MaxSequenceGap             int64   `json:"maxSequenceGap"`
	SuspiciousPatternThreshold float64 `json:"suspiciousPatternThreshold"`
	QuarantineDuration         int64   `json:"quarantineDuration"` // milliseconds
}

// Default returns the baseline configuration.
func Default() Config {
	return Config{
		API: API{
			Listen:             ":8080",
			RateLimitPerSecond: 50,
			RateLimitBurst:     100,
		},
		Log: Log{
			Level:  "info",
			Format: "text",
			Syslog: Syslog{
				Port:     514,
				Protocol: "udp",
				Tag:      "ackwatch",
				Facility: 1,
			},
		},
		Defense: DefaultDefense(),
		Blocklist: Blocklist{
			Enabled: true,
			TTL:     30 * 60 * 1000,
		},
	}
}

// DefaultDefense returns the engine's built-in thresholds.
func DefaultDefense() Defense {
	return Defense{
		ACKValidationEnabled:       true,
		RateLimitingEnabled:        true,
		SequenceTrackingEnabled:    true,
		AdaptiveWindowEnabled:      true,
		AnomalyDetectionEnabled:    true,
		QuarantineEnabled:          true,
		MaxACKsPerSecond:           100,
		MaxWindowGrowthRate:        2.0,
		MaxSequenceGap:             1 << 20, // 1 MiB
		SuspiciousPatternThreshold: 0.7,
		QuarantineDuration:         300000,
	}
}

// Preset maps a named defense mode to its fixed threshold tuple.
func Preset(mode string) (Defense, error) {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "high":
		return Defense{
			ACKValidationEnabled:       true,
			AnomalyDetectionEnabled:    true,
			QuarantineEnabled:          true,
			MaxACKsPerSecond:           1000,
			MaxWindowGrowthRate:        2.0,
			MaxSequenceGap:             10 << 20,
			SuspiciousPatternThreshold: 0.95,
			QuarantineDuration:         1800000,
		}, nil
	case "medium":
		return Defense{
			ACKValidationEnabled:       true,
			AnomalyDetectionEnabled:    true,
			QuarantineEnabled:          true,
			MaxACKsPerSecond:           1000,
			MaxWindowGrowthRate:        2.0,
			MaxSequenceGap:             10 << 20,
			SuspiciousPatternThreshold: 0.9,
			QuarantineDuration:         600000,
		}, nil
	case "low":
		return Defense{
			AnomalyDetectionEnabled:    true,
			MaxACKsPerSecond:           10000,
			MaxWindowGrowthRate:        2.0,
			MaxSequenceGap:             100 << 20,
			SuspiciousPatternThreshold: 0.99,
			QuarantineDuration:         300000,
		}, nil
	case "off":
		return Defense{
			MaxACKsPerSecond:           100000,
			MaxWindowGrowthRate:        2.0,
			MaxSequenceGap:             1000 << 20,
			SuspiciousPatternThreshold: 1.0,
		}, nil
	default:
		return Defense{}, errors.Errorf(errors.KindValidation, "unknown defense mode %q", mode)
	}
}

// Validate checks the whole configuration, failing fast on bad thresholds.
func (c *Config) Validate() error {
	if c.API.Listen == "" {
		return errors.New(errors.KindValidation, "api listen address is required")
	}
	if c.API.RateLimitPerSecond <= 0 {
		return errors.New(errors.KindValidation, "api rate limit must be positive")
	}
	if c.API.RateLimitBurst <= 0 {
		return errors.New(errors.KindValidation, "api rate limit burst must be positive")
	}
	if c.Blocklist.Enabled && c.Blocklist.TTL <= 0 {
		return errors.New(errors.KindValidation, "blocklist ttl must be positive")
	}
	if s := c.Log.Syslog; s.Enabled {
		if s.Host == "" {
			return errors.New(errors.KindValidation, "syslog host is required when syslog is enabled")
		}
		if s.Protocol != "udp" && s.Protocol != "tcp" {
			return errors.Errorf(errors.KindValidation, "syslog protocol must be udp or tcp, got %q", s.Protocol)
		}
	}
	return c.Defense.Validate()
}

// Validate checks the defense thresholds.
func (d Defense) Validate() error {
	if d.MaxACKsPerSecond <= 0 {
		return errors.Errorf(errors.KindValidation, "maxACKsPerSecond must be positive, got %d", d.MaxACKsPerSecond)
	}
	if d.MaxWindowGrowthRate <= 0 {
		return errors.Errorf(errors.KindValidation, "maxWindowGrowthRate must be positive, got %g", d.MaxWindowGrowthRate)
	}
	if d.MaxSequenceGap <= 0 {
		return errors.Errorf(errors.KindValidation, "maxSequenceGap must be positive, got %d", d.MaxSequenceGap)
	}
	if d.SuspiciousPatternThreshold <= 0 || d.SuspiciousPatternThreshold > 1 {
		return errors.Errorf(errors.KindValidation, "suspiciousPatternThreshold must be in (0,1], got %g", d.SuspiciousPatternThreshold)
	}
	if d.QuarantineEnabled && d.QuarantineDuration <= 0 {
		return errors.Errorf(errors.KindValidation, "quarantineDuration must be positive when quarantine is enabled, got %d", d.QuarantineDuration)
	}
	return nil
}
