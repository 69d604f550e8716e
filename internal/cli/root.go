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

// Package cli builds the lightci root command.
package cli

import (
	"github.com/spf13/cobra"

	"github.com/lightci/lightci/internal/commands/shared"
)

// SetVersion sets the version information (called from main)
func SetVersion(v, c, b string) {
	shared.SetVersion(v, c, b)
}

// NewRootCommand creates the root Cobra command for lightci
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lightci",
		Short: "lightci - lightweight CI/CD for small teams",
		Long: `lightci is the command-line client for lightcid, a lightweight
CI/CD daemon. Pipelines are defined in YAML, triggered by webhooks,
schedules, or by hand, and can deploy straight to EC2.

Run 'lightci init' to scaffold a pipeline for the current repository.
Run 'lightci run start <pipeline>' to kick off a run.`,
		SilenceUsage:  true, // Don't show usage on errors
		SilenceErrors: true, // We handle errors ourselves for proper exit codes
	}

	// Get flag pointers from shared package
	verbose, quiet, jsonOut, host := shared.RegisterFlagPointers()

	// Add global flags
	cmd.PersistentFlags().BoolVarP(verbose, "verbose", "v", false, "Enable verbose output")
	cmd.PersistentFlags().BoolVarP(quiet, "quiet", "q", false, "Suppress non-error output")
	cmd.PersistentFlags().BoolVar(jsonOut, "json", false, "Output in JSON format")
	cmd.PersistentFlags().StringVar(host, "host", "", "Daemon address (default: $LIGHTCI_HOST or http://127.0.0.1:8085)")

	return cmd
}

// HandleExitError handles exit errors with proper exit codes
func HandleExitError(err error) {
	shared.HandleExitError(err)
}
