// Copyright 2024 The rsm Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package rsmconfig loads cmd/rsmctl's TOML configuration file.
package rsmconfig

import "github.com/BurntSushi/toml"

// Config is the top-level configuration for rsmctl's bench and config
// subcommands.
type Config struct {
	// LogLevel is a logrus level name (see internal/rsmlog.Setup).
	LogLevel string `toml:"log_level"`

	PMM PMMConfig `toml:"pmm"`
	VMM VMMConfig `toml:"vmm"`
	KHA KHAConfig `toml:"kha"`
}

// PMMConfig configures the buddy page allocator.
type PMMConfig struct {
	// RegionSize is the size, in bytes, of the memory region the PMM
	// manages. Must be a multiple of the page size.
	RegionSize uint64 `toml:"region_size"`
	// MaxOrder overrides the largest buddy order the PMM tracks. Zero
	// means use the package default.
	MaxOrder int `toml:"max_order"`
}

// VMMConfig configures the page directory and translation cache bench
// target.
type VMMConfig struct {
	// RegionSize is the size, in bytes, of the PMM-backed region the VMM's
	// page directory draws pages from.
	RegionSize uint64 `toml:"region_size"`
}

// KHAConfig configures the kernel heap allocator bench target.
type KHAConfig struct {
	// RegionSize is the size, in bytes, of the PMM-backed region the heap
	// draws its runs from.
	RegionSize uint64 `toml:"region_size"`
	// InitBytes is the requested size, in bytes, of the heap's initial
	// sub-heap (kha.New's minInitBytes; kha.New accepts a smaller run when
	// the PMM has none that large).
	InitBytes uint64 `toml:"init_bytes"`
}

// Default returns the configuration used when no config file is given.
func Default() Config {
	return Config{
		LogLevel: "info",
		PMM:      PMMConfig{RegionSize: 16 << 20},
		VMM:      VMMConfig{RegionSize: 16 << 20},
		KHA:      KHAConfig{RegionSize: 16 << 20, InitBytes: 4 << 20},
	}
}

// Load reads and decodes the TOML configuration file at path, starting
// from Default() so an omitted section keeps its default value.
func Load(path string) (Config, error) {
	c := Default()
	_, err := toml.DecodeFile(path, &c)
	return c, err
}
