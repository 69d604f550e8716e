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

package errors

// UserVisibleError defines errors that should be displayed to end users
// with user-friendly messages and actionable suggestions.
//
// The CLI checks for this interface when formatting command failures so
// that validation problems print a fix hint instead of a bare message.
type UserVisibleError interface {
	error

	// UserMessage returns a user-friendly error message.
	// This should avoid internal identifiers and implementation details.
	UserMessage() string

	// UserSuggestion returns actionable guidance for resolving the error.
	// Returns empty string if no suggestion is available.
	UserSuggestion() string
}

// UserMessage implements UserVisibleError.
func (e *ValidationError) UserMessage() string { return e.Message }

// UserSuggestion implements UserVisibleError.
func (e *ValidationError) UserSuggestion() string { return e.Suggestion }
