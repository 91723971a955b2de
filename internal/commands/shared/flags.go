// Copyright 2025 The Spine Authors
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

// Package shared holds the plumbing every spine command group uses:
// global flags, exit codes, output helpers, and service bootstrap.
package shared

import "github.com/spf13/pflag"

// Global flag values, bound by the root command.
var (
	verboseFlag bool
	quietFlag   bool
	jsonFlag    bool
	apiFlag     string

	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// RegisterGlobalFlags binds the persistent flags every command honours.
func RegisterGlobalFlags(fs *pflag.FlagSet) {
	fs.BoolVarP(&verboseFlag, "verbose", "v", false, "Enable verbose output")
	fs.BoolVarP(&quietFlag, "quiet", "q", false, "Suppress non-error output")
	fs.BoolVar(&jsonFlag, "json", false, "Output in JSON format")
	fs.StringVar(&apiFlag, "api", "", "Base URL of a running spined (health commands)")
}

// SetVersion records build-time version information.
func SetVersion(v, c, b string) {
	version = v
	commit = c
	buildDate = b
}

// GetVersion returns version, commit, and build date.
func GetVersion() (string, string, string) {
	return version, commit, buildDate
}

// JSON reports whether --json was set.
func JSON() bool { return jsonFlag }

// Quiet reports whether --quiet was set.
func Quiet() bool { return quietFlag }

// Verbose reports whether --verbose was set.
func Verbose() bool { return verboseFlag }

// APIBase returns the daemon base URL, defaulting to the local daemon.
func APIBase() string {
	if apiFlag != "" {
		return apiFlag
	}
	return "http://127.0.0.1:8484"
}
