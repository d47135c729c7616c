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

// Command rsmctl exercises and inspects the pmm, vmm and kha allocators
// from the command line.
package main

import (
	"context"
	"flag"
	"os"

	"github.com/google/subcommands"

	"github.com/iamleson98/rsm/internal/rsmconfig"
	"github.com/iamleson98/rsm/internal/rsmlog"
)

var configPath = flag.String("config", "", "path to a TOML config file (see internal/rsmconfig)")
var logLevel = flag.String("log-level", "", "override the configured log level")

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(subcommands.CommandsCommand(), "")
	subcommands.Register(&benchCommand{}, "")
	subcommands.Register(&configShowCommand{}, "")

	flag.Parse()

	cfg := rsmconfig.Default()
	if *configPath != "" {
		loaded, err := rsmconfig.Load(*configPath)
		if err != nil {
			os.Stderr.WriteString("rsmctl: loading config: " + err.Error() + "\n")
			os.Exit(1)
		}
		cfg = loaded
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	rsmlog.Setup(cfg.LogLevel)

	os.Exit(int(subcommands.Execute(context.Background(), cfg)))
}
