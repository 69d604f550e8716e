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

package shared

import (
	"fmt"
	"os"

	"github.com/AlecAivazis/survey/v2"
	"golang.org/x/term"
)

// IsNonInteractive detects if the current execution context is
// non-interactive. Checked in priority order:
//
// 1. LIGHTCI_NON_INTERACTIVE=true environment variable
// 2. CI environment detection (CI, GITHUB_ACTIONS, GITLAB_CI, CIRCLECI, JENKINS_HOME)
// 3. stdin is not a TTY
func IsNonInteractive() bool {
	if os.Getenv("LIGHTCI_NON_INTERACTIVE") == "true" {
		return true
	}
	if isCIEnvironment() {
		return true
	}
	return !isTerminal()
}

// Confirm asks the user to confirm a destructive action. In a
// non-interactive context it refuses unless assumeYes is set.
func Confirm(prompt string, assumeYes bool) (bool, error) {
	if assumeYes {
		return true, nil
	}
	if IsNonInteractive() {
		return false, fmt.Errorf("refusing to %s without confirmation; pass --yes in non-interactive contexts", prompt)
	}

	confirmed := false
	err := survey.AskOne(&survey.Confirm{
		Message: prompt + "?",
		Default: false,
	}, &confirmed)
	if err != nil {
		return false, err
	}
	return confirmed, nil
}

// isCIEnvironment checks for common CI environment variables.
func isCIEnvironment() bool {
	ciVars := []string{
		"CI",
		"GITHUB_ACTIONS",
		"GITLAB_CI",
		"CIRCLECI",
		"JENKINS_HOME",
	}

	for _, envVar := range ciVars {
		value := os.Getenv(envVar)
		if value == "true" || value == "1" {
			return true
		}
		// JENKINS_HOME is set to a path, just check if it exists
		if envVar == "JENKINS_HOME" && value != "" {
			return true
		}
	}
	return false
}

// isTerminal checks if stdin is connected to a terminal.
func isTerminal() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}
