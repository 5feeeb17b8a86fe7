// Package config loads and validates the recserve service configuration.
//
// The configuration is a single YAML file describing the listen address,
// the bundle store, the optional embedding table, and the set of served
// indexes with their fallback and out-of-index wiring. All referential
// checks happen at load time: a config that parses and validates can be
// wired without further surprises.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
)

// Duration is a time.Duration that unmarshals from YAML strings like "30s".
type Duration time.Duration

// UnmarshalYAML implements yaml.BytesUnmarshaler.
func (d *Duration) UnmarshalYAML(b []byte) error {
	s := strings.Trim(strings.TrimSpace(string(b)), `"'`)
	if s == "" {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the top-level service configuration.
type Config struct {
	// Listen is the HTTP listen address. Defaults to ":8080".
	Listen string `yaml:"listen"`

	// CacheDir is the root directory for extracted bundles; each index
	// gets a subdirectory named after it. Required.
	CacheDir string `yaml:"cache_dir"`

	// Strict switches the HTTP error policy from fail-open to strict.
	Strict bool `yaml:"strict"`

	Store      StoreConfig      `yaml:"store"`
	Embeddings EmbeddingsConfig `yaml:"embeddings"`
	Indexes    []IndexConfig    `yaml:"indexes"`
}

// StoreConfig selects the bundle store backend. Exactly one of Local and
// S3 must be set.
type StoreConfig struct {
	// Local is a directory path for a filesystem-backed store.
	Local string `yaml:"local"`

	// S3 configures an S3-backed store.
	S3 *S3Config `yaml:"s3"`
}

// S3Config describes an S3 bucket holding the packaged bundles.
type S3Config struct {
	Bucket string `yaml:"bucket"`
	Prefix string `yaml:"prefix"`
	Region string `yaml:"region"`

	// Endpoint overrides the S3 endpoint, for S3-compatible stores.
	Endpoint string `yaml:"endpoint"`
}

// EmbeddingsConfig configures the out-of-index embedding table. Leave it
// empty when no index uses the "table" strategy.
type EmbeddingsConfig struct {
	// BadgerDir is the BadgerDB directory for the embedding table.
	BadgerDir string `yaml:"badger_dir"`

	// InMemory runs the table without persistence, for development.
	InMemory bool `yaml:"in_memory"`
}

// configured reports whether any embedding table backend is selected.
func (e EmbeddingsConfig) configured() bool {
	return e.BadgerDir != "" || e.InMemory
}

// IndexConfig describes one served index.
type IndexConfig struct {
	// Name is the index name, used in routes and peer/fallback
	// references. Required, unique.
	Name string `yaml:"name"`

	// Source is the bundle path within the store. Required.
	Source string `yaml:"source"`

	// CheckInterval throttles the remote staleness probe. Zero probes on
	// every query.
	CheckInterval Duration `yaml:"check_interval"`

	// Fallback names the parent index consulted to backfill short
	// results. Optional.
	Fallback string `yaml:"fallback"`

	// OOI is the ordered out-of-index strategy list. Each entry is
	// either "table" or "peer:<name>".
	OOI []string `yaml:"ooi"`
}

// OOI strategy tags.
const (
	OOITable      = "table"
	ooiPeerPrefix = "peer:"
)

// PeerName returns the referenced index name if the strategy entry is a
// peer reference.
func PeerName(strategy string) (string, bool) {
	if name, ok := strings.CutPrefix(strategy, ooiPeerPrefix); ok {
		return name, true
	}
	return "", false
}

// Load reads and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse parses and validates raw YAML configuration.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	if cfg.Listen == "" {
		cfg.Listen = ":8080"
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.CacheDir == "" {
		return fmt.Errorf("config: cache_dir is required")
	}
	switch {
	case c.Store.Local == "" && c.Store.S3 == nil:
		return fmt.Errorf("config: store requires local or s3")
	case c.Store.Local != "" && c.Store.S3 != nil:
		return fmt.Errorf("config: store local and s3 are mutually exclusive")
	case c.Store.S3 != nil && c.Store.S3.Bucket == "":
		return fmt.Errorf("config: store.s3.bucket is required")
	}
	if len(c.Indexes) == 0 {
		return fmt.Errorf("config: at least one index is required")
	}

	byName := make(map[string]*IndexConfig, len(c.Indexes))
	for i := range c.Indexes {
		idx := &c.Indexes[i]
		if idx.Name == "" {
			return fmt.Errorf("config: index %d: name is required", i)
		}
		if idx.Source == "" {
			return fmt.Errorf("config: index %q: source is required", idx.Name)
		}
		if _, dup := byName[idx.Name]; dup {
			return fmt.Errorf("config: duplicate index name %q", idx.Name)
		}
		byName[idx.Name] = idx
	}

	for _, idx := range c.Indexes {
		for _, strategy := range idx.OOI {
			switch peer, isPeer := PeerName(strategy); {
			case strategy == OOITable:
				if !c.Embeddings.configured() {
					return fmt.Errorf("config: index %q: ooi strategy %q needs an embeddings section",
						idx.Name, strategy)
				}
			case isPeer:
				if peer == idx.Name {
					return fmt.Errorf("config: index %q: ooi peer references itself", idx.Name)
				}
				if _, ok := byName[peer]; !ok {
					return fmt.Errorf("config: index %q: ooi peer %q is not a configured index",
						idx.Name, peer)
				}
			default:
				return fmt.Errorf("config: index %q: unknown ooi strategy %q", idx.Name, strategy)
			}
		}
		if idx.Fallback != "" {
			if _, ok := byName[idx.Fallback]; !ok {
				return fmt.Errorf("config: index %q: fallback %q is not a configured index",
					idx.Name, idx.Fallback)
			}
		}
	}

	return c.validateFallbackGraph(byName)
}

// validateFallbackGraph walks every fallback chain with a visited set and
// rejects cycles, including self-references.
func (c *Config) validateFallbackGraph(byName map[string]*IndexConfig) error {
	for _, idx := range c.Indexes {
		visited := map[string]bool{idx.Name: true}
		for cur := idx.Fallback; cur != ""; cur = byName[cur].Fallback {
			if visited[cur] {
				return fmt.Errorf("config: fallback cycle through %q starting at %q", cur, idx.Name)
			}
			visited[cur] = true
		}
	}
	return nil
}
