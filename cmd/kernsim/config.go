package main

import (
	"github.com/BurntSushi/toml"
)

// bootConfig is the TOML-loaded shape for `kernsim run --config`, per
// spec §6's field list. Zero values fall back to sensible defaults so
// an absent --config still boots.
type bootConfig struct {
	NsPerQuantum   int64 `toml:"ns_per_quantum"`
	ReadyPriorities int  `toml:"ready_priorities"`
	PoolCapacity   int   `toml:"pool_capacity"`
	MaxItemCache   int   `toml:"max_item_cache"`
}

func defaultBootConfig() bootConfig {
	return bootConfig{
		NsPerQuantum:    1_000_000,
		ReadyPriorities: 64,
		PoolCapacity:    16,
		MaxItemCache:    8,
	}
}

func loadBootConfig(path string) (bootConfig, error) {
	cfg := defaultBootConfig()
	if path == "" {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return bootConfig{}, err
	}
	return cfg, nil
}
