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
	"errors"
	"fmt"
	"os"

	pkgerrors "github.com/lightci/lightci/pkg/errors"
)

// Exit codes for lightci commands
const (
	ExitSuccess          = 0
	ExitCommandFailed    = 1
	ExitInvalidPipeline  = 2
	ExitDaemonUnreachable = 3
)

// ExitError is an error that carries an exit code
type ExitError struct {
	Code    int
	Message string
	Cause   error
}

func (e *ExitError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Cause
}

// NewInvalidPipelineError creates an error for pipeline files that
// fail validation.
func NewInvalidPipelineError(msg string, cause error) *ExitError {
	return &ExitError{
		Code:    ExitInvalidPipeline,
		Message: msg,
		Cause:   cause,
	}
}

// NewDaemonError creates an error for daemon connectivity failures.
func NewDaemonError(msg string, cause error) *ExitError {
	return &ExitError{
		Code:    ExitDaemonUnreachable,
		Message: msg,
		Cause:   cause,
	}
}

// HandleExitError prints the error and exits with its code.
func HandleExitError(err error) {
	if err == nil {
		return
	}

	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		fmt.Fprintln(os.Stderr, "Error:", exitErr.Error())
		printUserVisibleSuggestion(err)
		os.Exit(exitErr.Code)
	}

	fmt.Fprintln(os.Stderr, "Error:", err.Error())
	printUserVisibleSuggestion(err)
	os.Exit(ExitCommandFailed)
}

// printUserVisibleSuggestion walks the error chain and prints the
// suggestion of the first UserVisibleError it finds.
func printUserVisibleSuggestion(err error) {
	for err != nil {
		if userErr, ok := err.(pkgerrors.UserVisibleError); ok {
			if suggestion := userErr.UserSuggestion(); suggestion != "" {
				fmt.Fprintf(os.Stderr, "\nSuggestion: %s\n", suggestion)
			}
			return
		}
		err = errors.Unwrap(err)
	}
}
