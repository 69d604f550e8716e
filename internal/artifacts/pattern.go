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

// Package artifacts collects build outputs from run workspaces into
// durable storage and enforces their retention window.
package artifacts

import (
	"fmt"
	"path/filepath"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/lightci/lightci/pkg/errors"
)

// DefaultPatterns returns the built-in collection set: distribution
// and build output, source, package metadata, env files, scripts,
// Dockerfiles and config directories. Pipeline patterns are unioned
// with these.
func DefaultPatterns() []string {
	return []string{
		"dist/**",
		"build/**",
		"src/**",
		"package.json",
		"package-lock.json",
		".env*",
		"scripts/**",
		"Dockerfile*",
		"config/**",
	}
}

// ignoreDirs are subtrees never collected regardless of patterns.
var ignoreDirs = map[string]bool{
	"node_modules": true,
	".git":         true,
	"coverage":     true,
	"tmp":          true,
}

// IgnoredDir reports whether a directory name is always excluded from
// collection.
func IgnoredDir(name string) bool {
	return ignoreDirs[name]
}

// ValidatePattern checks that a glob pattern compiles.
func ValidatePattern(pattern string) error {
	if pattern == "" {
		return &errors.ValidationError{
			Field:      "pattern",
			Message:    "pattern must not be empty",
			Suggestion: "use a glob such as dist/** or *.tar.gz",
		}
	}
	if !doublestar.ValidatePattern(pattern) {
		return &errors.ValidationError{
			Field:      "pattern",
			Message:    fmt.Sprintf("invalid glob pattern %q", pattern),
			Suggestion: "check for unclosed brackets or a trailing backslash",
		}
	}
	return nil
}

// Matcher matches workspace-relative paths against a pattern set.
// Patterns support glob syntax:
//   - ** matches any sequence of characters including path separators
//   - * matches any sequence of non-separator characters
//   - ? matches a single non-separator character
//
// Matching is anchored: the whole relative path must match. Dotfiles
// are matched like any other name.
type Matcher struct {
	patterns []string
}

// NewMatcher creates a matcher, validating every pattern.
func NewMatcher(patterns []string) (*Matcher, error) {
	for _, pattern := range patterns {
		if err := ValidatePattern(pattern); err != nil {
			return nil, err
		}
	}
	return &Matcher{patterns: patterns}, nil
}

// Match reports whether the workspace-relative path matches any
// pattern. Paths inside ignored subtrees never match.
func (m *Matcher) Match(relPath string) bool {
	slashed := filepath.ToSlash(relPath)
	for dir := filepath.Dir(slashed); dir != "." && dir != "/"; dir = filepath.Dir(dir) {
		if ignoreDirs[filepath.Base(dir)] {
			return false
		}
	}

	for _, pattern := range m.patterns {
		if matched, _ := doublestar.Match(pattern, slashed); matched {
			return true
		}
	}
	return false
}

// UnionPatterns returns the default set unioned with the pipeline's
// configured patterns, preserving order and dropping duplicates.
func UnionPatterns(configured []string) []string {
	seen := make(map[string]bool)
	var union []string
	for _, p := range append(DefaultPatterns(), configured...) {
		if !seen[p] {
			seen[p] = true
			union = append(union, p)
		}
	}
	return union
}
