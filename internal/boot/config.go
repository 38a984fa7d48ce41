// Package boot assembles a running Machine from a VBoot record: the
// physical memory map the loader hands off, plus the config this port
// reads in place of compiled-in constants. Grounded on the teacher's
// KernelConfig/DefaultKernelConfig/InitializeCompleteKernel
// (internal/runtime/kernel/kernel.go) — a typed config struct with a
// defaulted constructor and a numbered bring-up sequence — generalized
// from kernel.go's eight fixed fmt.Println steps into spec.md §6's
// BspInit -> ApicInit -> MemoryInit -> SchedulerEnable ordering.
package boot

import (
	"fmt"

	"github.com/BurntSushi/toml"
)

// Config is the set of boot-time tunables this port reads from a TOML
// document instead of compiling them in, mirroring the teacher's
// KernelConfig shape (memory/scheduling fields) narrowed to what
// SPEC_FULL.md's components actually consume.
type Config struct {
	PageSize uint64 `toml:"page_size"`

	SchedulerLevels    int    `toml:"scheduler_levels"`
	InitialTimeslice   uint32 `toml:"initial_timeslice_ms"`
	BoostPeriodMs      uint64 `toml:"boost_period_ms"`
	NumCores           int    `toml:"num_cores"`

	InterruptVectors int `toml:"interrupt_vectors"`

	DebugDoubleFree bool `toml:"debug_double_free"`

	// LoaderProtocol is the semver constraint of VBoot.ProtocolVersion
	// strings this build of Bootstrap accepts, mirroring the teacher's
	// package manager resolving a manifest's version requirement against
	// a semver.Constraint before trusting a dependency.
	LoaderProtocol string `toml:"loader_protocol"`
}

// DefaultConfig mirrors the teacher's DefaultKernelConfig: a single place
// naming every tunable's bring-up default.
func DefaultConfig() *Config {
	return &Config{
		PageSize:         4096,
		SchedulerLevels:  6,
		InitialTimeslice: 20,
		BoostPeriodMs:    100,
		NumCores:         1,
		InterruptVectors: 256,
		DebugDoubleFree:  false,
		LoaderProtocol:   ">= 1.0.0, < 2.0.0",
	}
}

// LoadConfig decodes path into a Config, starting from DefaultConfig so an
// incomplete document still yields a valid bring-up set.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("boot: load config %s: %w", path, err)
	}
	return cfg, nil
}
