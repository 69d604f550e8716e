// Copyright 2025 Tom Barlow
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

// Package shared holds flag state, exit codes, and terminal helpers
// used across the lightci command packages.
package shared

// Global flag values - set by root command
var (
	verboseFlag bool
	quietFlag   bool
	jsonFlag    bool
	hostFlag    string

	// Build-time version information
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// RegisterFlagPointers returns pointers to flag variables for binding.
// Called by the root command to register global flags.
func RegisterFlagPointers() (verbose, quiet, jsonOut *bool, host *string) {
	return &verboseFlag, &quietFlag, &jsonFlag, &hostFlag
}

// SetVersion sets the version information (called from main).
func SetVersion(v, c, b string) {
	version = v
	commit = c
	buildDate = b
}

// GetVerbose returns the verbose flag value.
func GetVerbose() bool {
	return verboseFlag
}

// GetQuiet returns the quiet flag value.
func GetQuiet() bool {
	return quietFlag
}

// GetJSON returns the JSON output flag value.
func GetJSON() bool {
	return jsonFlag
}

// GetHost returns the --host flag value, or "" to fall back to
// LIGHTCI_HOST and the default address.
func GetHost() string {
	return hostFlag
}

// GetVersion returns version information.
func GetVersion() (string, string, string) {
	return version, commit, buildDate
}
