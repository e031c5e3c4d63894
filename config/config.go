// Package config implements the startup document loader of spec §6
// (C8): pool, queue, exchange, latency, and orchestrator settings
// parsed from a YAML or JSON document into the typed Config below.
//
// The "try YAML, fall back to JSON, pick by extension or leading brace"
// loading style follows the example corpus's own config loaders (e.g.
// ratelimit.ConfigManager.LoadFromFile), generalized here to pick the
// codec deterministically up front rather than attempting both and
// keeping whichever didn't error — a malformed document must fail
// loudly (spec §7: "Startup failure ... fatal, surfaced to caller"),
// not silently fall through to the wrong parser.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sugawarayuuta/sonnet"
	"golang.org/x/crypto/sha3"
	"gopkg.in/yaml.v3"
)

// PoolConfig mirrors spec §6's pool `{pool_bytes, block_bytes,
// use_mapped_arena}`. use_mapped_arena is accepted for schema fidelity
// but is not read: this repository's pool is always a plain Go slice
// arena.
type PoolConfig struct {
	PoolBytes      int  `yaml:"pool_bytes" json:"pool_bytes"`
	BlockBytes     int  `yaml:"block_bytes" json:"block_bytes"`
	UseMappedArena bool `yaml:"use_mapped_arena" json:"use_mapped_arena"`
}

// QueuesConfig mirrors spec §6's queues `{ingress_capacity,
// egress_capacity}`.
type QueuesConfig struct {
	IngressCapacity int `yaml:"ingress_capacity" json:"ingress_capacity"`
	EgressCapacity  int `yaml:"egress_capacity" json:"egress_capacity"`
}

// ExchangeConfig mirrors spec §6's per-exchange
// `{name, hosts, ports, protocol, latency_target_µs}`.
type ExchangeConfig struct {
	ID              int32    `yaml:"id" json:"id"`
	Name            string   `yaml:"name" json:"name"`
	Hosts           []string `yaml:"hosts" json:"hosts"`
	Ports           []uint16 `yaml:"ports" json:"ports"`
	Protocol        string   `yaml:"protocol" json:"protocol"` // "tcp", "udp", or "any"
	LatencyTargetUs uint32   `yaml:"latency_target_us" json:"latency_target_us"`
}

// LatencyConfig mirrors spec §6's latency tracker
// `{window_size, default_target_µs}`.
type LatencyConfig struct {
	WindowSize      int    `yaml:"window_size" json:"window_size"`
	DefaultTargetUs uint32 `yaml:"default_target_us" json:"default_target_us"`
}

// OrchestratorConfig mirrors spec §6's orchestrator
// `{parser_workers, shed_high_watermark, shed_low_watermark,
// backoff_spins, backoff_yield_after}`.
type OrchestratorConfig struct {
	ParserWorkers     int     `yaml:"parser_workers" json:"parser_workers"`
	ShedHighWatermark float64 `yaml:"shed_high_watermark" json:"shed_high_watermark"`
	ShedLowWatermark  float64 `yaml:"shed_low_watermark" json:"shed_low_watermark"`
	BackoffSpins      int     `yaml:"backoff_spins" json:"backoff_spins"`
	BackoffYieldAfter int     `yaml:"backoff_yield_after" json:"backoff_yield_after"`
}

// Config is the fully-typed startup document of spec §6.
type Config struct {
	Pool         PoolConfig         `yaml:"pool" json:"pool"`
	Queues       QueuesConfig       `yaml:"queues" json:"queues"`
	Exchanges    []ExchangeConfig   `yaml:"exchanges" json:"exchanges"`
	Latency      LatencyConfig      `yaml:"latency" json:"latency"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator" json:"orchestrator"`

	// raw holds the exact bytes that were decoded, so Fingerprint is
	// computed over what was actually on disk rather than a
	// re-serialization that could drift from it.
	raw []byte
}

// Warning describes a non-fatal adjustment the loader made while
// normalizing the document (spec §6: "non-powers are rounded up with
// a warning").
type Warning struct {
	Field   string
	Message string
}

func nextPowerOfTwo(n int) int {
	if n <= 1 {
		return 1
	}
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

// roundCapacities rounds every power-of-two-constrained field up and
// returns one Warning per field actually changed.
func (c *Config) roundCapacities() []Warning {
	var warnings []Warning
	round := func(field string, v *int) {
		if *v <= 0 {
			return
		}
		if next := nextPowerOfTwo(*v); next != *v {
			warnings = append(warnings, Warning{
				Field:   field,
				Message: fmt.Sprintf("rounded %d up to %d", *v, next),
			})
			*v = next
		}
	}
	round("pool.pool_bytes", &c.Pool.PoolBytes)
	round("pool.block_bytes", &c.Pool.BlockBytes)
	round("queues.ingress_capacity", &c.Queues.IngressCapacity)
	round("queues.egress_capacity", &c.Queues.EgressCapacity)
	round("latency.window_size", &c.Latency.WindowSize)
	return warnings
}

// Fingerprint returns a SHA3-256 digest of the raw document bytes,
// used only for an audit-log line (spec §4.8), never for correctness
// decisions.
func (c *Config) Fingerprint() [32]byte {
	return sha3.Sum256(c.raw)
}

// isJSON decides the codec per spec §4.8: a `.json` extension, or a
// document whose first non-whitespace byte is `{`.
func isJSON(path string, data []byte) bool {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return true
	}
	trimmed := bytes.TrimSpace(data)
	return len(trimmed) > 0 && trimmed[0] == '{'
}

// Load reads and decodes the document at path, rejecting unknown
// fields, rounding non-power-of-two capacities up (returning the
// resulting warnings), and populating Fingerprint's input.
func Load(path string) (*Config, []Warning, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(path, data)
}

// Parse decodes an in-memory document, choosing YAML or JSON per
// isJSON(name, data). name only affects codec selection (typically a
// file path, but any string with the right extension or a ".json"
// suffix works for testing).
func Parse(name string, data []byte) (*Config, []Warning, error) {
	cfg := &Config{raw: append([]byte(nil), data...)}

	if isJSON(name, data) {
		dec := sonnet.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(cfg); err != nil {
			return nil, nil, fmt.Errorf("config: decode JSON: %w", err)
		}
	} else {
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil {
			return nil, nil, fmt.Errorf("config: decode YAML: %w", err)
		}
	}

	warnings := cfg.roundCapacities()
	return cfg, warnings, nil
}
