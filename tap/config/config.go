// Package config loads the supervisor's threshold configuration (spec
// section 6) from a YAML file, the same loader shape sidecar.LoadPricingConfig
// uses for pricing: decimal/human-readable fields on disk, parsed into the
// big.Int-backed types the rest of the module operates on.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/graphprotocol/tap-sender-agent/tap/types"
)

// Thresholds holds the tunables named in spec section 6, recognized as YAML
// fields. cmd/tap-agent/run.go takes only the YAML file's path as a flag
// (--thresholds-config); the thresholds themselves have no flags.
type Thresholds struct {
	RAVRequestTriggerValue       types.Fee `yaml:"-"`
	RAVRequestReceiptLimit       uint64    `yaml:"rav_request_receipt_limit"`
	RAVRequestTimestampBufferMs  uint64    `yaml:"rav_request_timestamp_buffer_ms"`
	RAVRequestTimeoutSecs        uint64    `yaml:"rav_request_timeout_secs"`
	MaxUnaggregatedFeesPerSender types.Fee `yaml:"-"`
	RetryIntervalMs              uint64    `yaml:"retry_interval_ms"`
	FailedRAVBackoffSecs         uint64    `yaml:"failed_rav_backoff_secs"`

	// YAML-facing decimal string fields; converted into the types.Fee
	// values above by Parse.
	RAVRequestTriggerValueStr       string `yaml:"rav_request_trigger_value"`
	MaxUnaggregatedFeesPerSenderStr string `yaml:"max_unaggregated_fees_per_sender"`
}

// Load reads and parses a Thresholds document from path.
func Load(path string) (*Thresholds, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return Parse(data)
}

// Parse parses a Thresholds document from YAML bytes.
func Parse(data []byte) (*Thresholds, error) {
	var cfg Thresholds
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	triggerValue, err := types.ParseFee(cfg.RAVRequestTriggerValueStr)
	if err != nil {
		return nil, fmt.Errorf("invalid rav_request_trigger_value: %w", err)
	}
	cfg.RAVRequestTriggerValue = triggerValue

	maxFee, err := types.ParseFee(cfg.MaxUnaggregatedFeesPerSenderStr)
	if err != nil {
		return nil, fmt.Errorf("invalid max_unaggregated_fees_per_sender: %w", err)
	}
	cfg.MaxUnaggregatedFeesPerSender = maxFee

	return &cfg, nil
}

// BufferWindow converts RAVRequestTimestampBufferMs to a time.Duration.
func (c *Thresholds) BufferWindow() time.Duration {
	return time.Duration(c.RAVRequestTimestampBufferMs) * time.Millisecond
}

// RAVRequestTimeout converts RAVRequestTimeoutSecs to a time.Duration.
func (c *Thresholds) RAVRequestTimeout() time.Duration {
	return time.Duration(c.RAVRequestTimeoutSecs) * time.Second
}

// RetryInterval converts RetryIntervalMs to a time.Duration.
func (c *Thresholds) RetryInterval() time.Duration {
	return time.Duration(c.RetryIntervalMs) * time.Millisecond
}

// FailedRAVBackoff converts FailedRAVBackoffSecs to a time.Duration.
func (c *Thresholds) FailedRAVBackoff() time.Duration {
	return time.Duration(c.FailedRAVBackoffSecs) * time.Second
}

// Default returns the conservative defaults used when no config file is
// supplied, mirroring sidecar.DefaultPricingConfig's role for pricing.
func Default() *Thresholds {
	cfg := &Thresholds{
		RAVRequestReceiptLimit:          10_000,
		RAVRequestTimestampBufferMs:     1_000,
		RAVRequestTimeoutSecs:           30,
		RetryIntervalMs:                 5_000,
		FailedRAVBackoffSecs:            60,
		RAVRequestTriggerValueStr:       "500000000000000000",
		MaxUnaggregatedFeesPerSenderStr: "20000000000000000000",
	}
	cfg.RAVRequestTriggerValue, _ = types.ParseFee(cfg.RAVRequestTriggerValueStr)
	cfg.MaxUnaggregatedFeesPerSender, _ = types.ParseFee(cfg.MaxUnaggregatedFeesPerSenderStr)
	return cfg
}
