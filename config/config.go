// Package config loads cache geometry from a human-edited JSON5-style
// file (comments and trailing commas allowed), the same convention
// _examples/calvinalkan-agent-task uses for its own config files.
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/Masterminds/semver/v3"
	"github.com/tailscale/hujson"

	"github.com/sarchlab/simcache/timing/cache"
)

// supportedSchema gates the config file format: a document whose
// schemaVersion falls outside this range is rejected as a ConfigError
// rather than silently misinterpreted.
const supportedSchema = ">= 1.0.0, < 2.0.0"

// file is the on-disk shape of a cache configuration document.
type file struct {
	SchemaVersion string `json:"schemaVersion"`
	Name          string `json:"name"`
	NSets         int    `json:"nsets"`
	BlockSize     int    `json:"blockSize"`
	Associativity int    `json:"associativity"`
	UserSize      int    `json:"userSize"`
	DataAllocated bool   `json:"dataAllocated"`
	// Replacement is a single-character policy tag: 'l' (LRU), 'f'
	// (FIFO), or 'r' (Random).
	Replacement string `json:"replacement"`
	// Write is "writeback" (default) or "writethrough".
	Write      string `json:"write"`
	HitLatency uint64 `json:"hitLatency"`
	RandSeed   uint64 `json:"randSeed"`
}

// Load reads and parses a cache configuration document at path,
// returning the construction parameters for cache.New. The caller must
// still set Params.NextLevel (and, optionally, Params.Logger) before
// calling cache.New, since neither is representable in the file
// format.
func Load(path string) (cache.Params, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return cache.Params{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(raw)
}

// Parse decodes raw JSON5-with-comments bytes into Params, as Load
// does for a file on disk.
func Parse(raw []byte) (cache.Params, error) {
	standardized, err := hujson.Standardize(raw)
	if err != nil {
		return cache.Params{}, &cache.Error{Kind: cache.ConfigError, Message: fmt.Sprintf("config: invalid JSON5: %s", err)}
	}

	var f file
	if err := json.Unmarshal(standardized, &f); err != nil {
		return cache.Params{}, &cache.Error{Kind: cache.ConfigError, Message: fmt.Sprintf("config: invalid document: %s", err)}
	}

	if err := checkSchema(f.SchemaVersion); err != nil {
		return cache.Params{}, err
	}

	var replacement cache.ReplacementPolicy
	if f.Replacement == "" {
		replacement = cache.LRU
	} else {
		replacement, err = cache.ParseReplacementPolicy(f.Replacement[0])
		if err != nil {
			return cache.Params{}, err
		}
	}

	write := cache.WriteBack
	switch f.Write {
	case "", "writeback":
		write = cache.WriteBack
	case "writethrough":
		write = cache.WriteThrough
	default:
		return cache.Params{}, &cache.Error{Kind: cache.ConfigError, Message: fmt.Sprintf("config: unrecognized write policy %q", f.Write)}
	}

	return cache.Params{
		Name:          f.Name,
		NSets:         f.NSets,
		BlockSize:     f.BlockSize,
		Associativity: f.Associativity,
		UserSize:      f.UserSize,
		DataAllocated: f.DataAllocated,
		Replacement:   replacement,
		Write:         write,
		HitLatency:    f.HitLatency,
		RandSeed:      f.RandSeed,
	}, nil
}

func checkSchema(version string) error {
	if version == "" {
		return &cache.Error{Kind: cache.ConfigError, Message: "config: missing schemaVersion"}
	}
	v, err := semver.NewVersion(version)
	if err != nil {
		return &cache.Error{Kind: cache.ConfigError, Message: fmt.Sprintf("config: invalid schemaVersion %q: %s", version, err)}
	}
	c, err := semver.NewConstraint(supportedSchema)
	if err != nil {
		// supportedSchema is a compile-time constant; a parse failure
		// here is a programming error, not user input.
		panic(fmt.Sprintf("config: bad built-in constraint: %s", err))
	}
	if !c.Check(v) {
		return &cache.Error{Kind: cache.ConfigError, Message: fmt.Sprintf("config: schemaVersion %q does not satisfy %s", version, supportedSchema)}
	}
	return nil
}
