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

// Package rsmlog configures the process-wide logrus logger used by
// cmd/rsmctl. It owns setup, configured once at startup, and hands out
// component-tagged *logrus.Entry values; callers log through those entries
// directly rather than through an abstraction layer.
package rsmlog

import (
	"os"

	"github.com/sirupsen/logrus"
)

// Setup installs a text formatter and the requested level as the default
// logrus logger's configuration. level is parsed with logrus.ParseLevel;
// an unrecognized level falls back to logrus.InfoLevel with a warning.
func Setup(level string) {
	logrus.SetOutput(os.Stderr)
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		logrus.WithField("requested", level).Warn("unrecognized log level, defaulting to info")
		lvl = logrus.InfoLevel
	}
	logrus.SetLevel(lvl)
}

// Component returns a logger entry tagged with a "component" field, used
// to distinguish pmm/vmm/kha/cli log lines once a single process exercises
// more than one of them.
func Component(name string) *logrus.Entry {
	return logrus.WithField("component", name)
}
