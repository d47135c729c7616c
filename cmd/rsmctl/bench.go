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

package main

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/google/subcommands"

	"github.com/iamleson98/rsm/internal/rsmconfig"
	"github.com/iamleson98/rsm/internal/rsmlog"
	"github.com/iamleson98/rsm/pkg/kha"
	"github.com/iamleson98/rsm/pkg/pmm"
	"github.com/iamleson98/rsm/pkg/vmm"
)

// benchCommand implements "rsmctl bench <pmm|vmm|kha>": a short allocate/
// free workout over one subsystem, backed by whatever region size the
// loaded config names, reported through rsmlog.
type benchCommand struct {
	iterations int
}

func (*benchCommand) Name() string     { return "bench" }
func (*benchCommand) Synopsis() string { return "exercise the pmm, vmm or kha allocator" }
func (*benchCommand) Usage() string {
	return "bench <pmm|vmm|kha>: allocate and free in a loop, reporting timing and allocator stats\n"
}

func (c *benchCommand) SetFlags(f *flag.FlagSet) {
	f.IntVar(&c.iterations, "iterations", 10000, "number of allocate/free cycles to run")
}

func (c *benchCommand) Execute(_ context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	cfg, ok := args[0].(rsmconfig.Config)
	if !ok {
		fmt.Println("bench: missing config argument")
		return subcommands.ExitFailure
	}

	log := rsmlog.Component("bench")
	target := f.Arg(0)
	start := time.Now()

	var err error
	switch target {
	case "pmm":
		err = c.runPMM(cfg)
	case "vmm":
		err = c.runVMM(cfg)
	case "kha":
		err = c.runKHA(cfg)
	default:
		fmt.Printf("bench: unknown target %q, want pmm, vmm or kha\n", target)
		return subcommands.ExitUsageError
	}
	if err != nil {
		log.WithError(err).Error("bench run failed")
		return subcommands.ExitFailure
	}
	log.WithField("elapsed", time.Since(start)).WithField("iterations", c.iterations).Infof("bench %s complete", target)
	return subcommands.ExitSuccess
}

func (c *benchCommand) runPMM(cfg rsmconfig.Config) error {
	var opts []pmm.Option
	if cfg.PMM.MaxOrder > 0 {
		opts = append(opts, pmm.WithMaxOrder(cfg.PMM.MaxOrder))
	}
	m, err := pmm.NewFromOS(int(cfg.PMM.RegionSize), opts...)
	if err != nil {
		return err
	}
	defer m.Close()
	for i := 0; i < c.iterations; i++ {
		ptr, ok := m.AllocPages(1)
		if !ok {
			return fmt.Errorf("pmm: AllocPages failed at iteration %d", i)
		}
		m.FreePages(ptr)
	}
	rsmlog.Component("pmm").
		WithField("cap_pages", m.Cap()).
		WithField("avail_pages", m.AvailTotal()).
		WithField("max_region_pages", m.AvailMaxRegion()).
		Info("final allocator state")
	return nil
}

func (c *benchCommand) runVMM(cfg rsmconfig.Config) error {
	m, err := pmm.New(make([]byte, cfg.VMM.RegionSize))
	if err != nil {
		return err
	}
	pd, err := vmm.New(m)
	if err != nil {
		return err
	}
	defer pd.Close()
	cache := vmm.NewCache()
	for i := 0; i < c.iterations; i++ {
		vaddr := uint64((i%4096)*4 + 0x1000)
		vmm.Store(cache, pd, vaddr, uint32(i))
		if got := vmm.Load[uint32](cache, pd, vaddr); got != uint32(i) {
			return fmt.Errorf("vmm: round-trip mismatch at iteration %d: got %d", i, got)
		}
	}
	return nil
}

func (c *benchCommand) runKHA(cfg rsmconfig.Config) error {
	m, err := pmm.New(make([]byte, cfg.KHA.RegionSize))
	if err != nil {
		return err
	}
	h, err := kha.New(m, cfg.KHA.InitBytes)
	if err != nil {
		return err
	}
	defer h.Close()
	for i := 0; i < c.iterations; i++ {
		r, ok := h.Alloc(64)
		if !ok {
			return fmt.Errorf("kha: Alloc failed at iteration %d", i)
		}
		h.Free(r)
	}
	log := rsmlog.Component("kha").
		WithField("cap_bytes", h.Cap()).
		WithField("avail_bytes", h.Avail())
	for _, s := range h.Stats() {
		log = log.WithField(fmt.Sprintf("slab_%d_blocks", s.Size), s.Blocks)
	}
	log.Info("final allocator state")
	return nil
}
