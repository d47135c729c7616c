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

	"github.com/google/subcommands"

	"github.com/iamleson98/rsm/internal/rsmconfig"
)

// configShowCommand implements "rsmctl config show": print the
// effective configuration (defaults overridden by -config and
// -log-level), to make it easy to check what a bench run would actually
// use.
type configShowCommand struct{}

func (*configShowCommand) Name() string     { return "config" }
func (*configShowCommand) Synopsis() string { return "print the effective configuration" }
func (*configShowCommand) Usage() string    { return "config show\n" }
func (*configShowCommand) SetFlags(*flag.FlagSet) {}

func (*configShowCommand) Execute(_ context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 1 || f.Arg(0) != "show" {
		f.Usage()
		return subcommands.ExitUsageError
	}
	cfg, ok := args[0].(rsmconfig.Config)
	if !ok {
		fmt.Println("config: missing config argument")
		return subcommands.ExitFailure
	}
	fmt.Printf("log_level = %q\n", cfg.LogLevel)
	fmt.Printf("[pmm]\n  region_size = %d\n  max_order = %d\n", cfg.PMM.RegionSize, cfg.PMM.MaxOrder)
	fmt.Printf("[vmm]\n  region_size = %d\n", cfg.VMM.RegionSize)
	fmt.Printf("[kha]\n  region_size = %d\n  init_bytes = %d\n", cfg.KHA.RegionSize, cfg.KHA.InitBytes)
	return subcommands.ExitSuccess
}
