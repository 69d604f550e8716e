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

package artifacts

import (
	"strings"
	"testing"
)

func TestMatcherGlobSemantics(t *testing.T) {
	tests := []struct {
		name    string
		pattern string
		path    string
		want    bool
	}{
		{"doublestar matches nested", "**/*.txt", "a/b.txt", true},
		{"doublestar matches zero depth", "**/*.txt", "a.txt", true},
		{"doublestar rejects other extension", "**/*.txt", "a/b.md", false},
		{"question matches one char", "?.log", "a.log", true},
		{"question rejects two chars", "?.log", "ab.log", false},
		{"doublestar between segments zero dirs", "x/**/y", "x/y", true},
		{"doublestar between segments one dir", "x/**/y", "x/a/y", true},
		{"doublestar between segments two dirs", "x/**/y", "x/a/b/y", true},
		{"star does not cross separator", "*.txt", "a/b.txt", false},
		{"match is anchored", "b.txt", "a/b.txt", false},
		{"dot is literal", "a.txt", "aXtxt", false},
		{"dotfiles are matched", ".env*", ".env.production", true},
		{"directory prefix pattern", "dist/**", "dist/assets/app.js", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := NewMatcher([]string{tt.pattern})
			if err != nil {
				t.Fatalf("NewMatcher(%q) error = %v", tt.pattern, err)
			}
			if got := m.Match(tt.path); got != tt.want {
				t.Errorf("Match(%q) against %q = %v, want %v", tt.path, tt.pattern, got, tt.want)
			}
		})
	}
}

func TestMatcherIgnoresSubtrees(t *testing.T) {
	m, err := NewMatcher([]string{"**"})
	if err != nil {
		t.Fatalf("NewMatcher() error = %v", err)
	}

	ignored := []string{
		"node_modules/pkg/index.js",
		"a/node_modules/pkg/index.js",
		".git/HEAD",
		"coverage/lcov.info",
		"tmp/scratch.txt",
	}
	for _, path := range ignored {
		if m.Match(path) {
			t.Errorf("Match(%q) = true, want ignored subtree excluded", path)
		}
	}

	if !m.Match("dist/app.js") {
		t.Error("Match(\"dist/app.js\") = false, want true outside ignored subtrees")
	}
}

func TestValidatePattern(t *testing.T) {
	tests := []struct {
		name    string
		pattern string
		wantErr bool
	}{
		{"valid directory glob", "dist/**", false},
		{"valid extension glob", "*.tar.gz", false},
		{"empty", "", true},
		{"unclosed bracket", "[", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePattern(tt.pattern)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidatePattern(%q) error = %v, wantErr %v", tt.pattern, err, tt.wantErr)
			}
			if err != nil && !strings.Contains(err.Error(), "pattern") {
				t.Errorf("error %q should mention pattern", err)
			}
		})
	}
}

func TestUnionPatterns(t *testing.T) {
	union := UnionPatterns([]string{"*.tar.gz", "dist/**"})

	seen := make(map[string]int)
	for _, p := range union {
		seen[p]++
	}
	if seen["dist/**"] != 1 {
		t.Errorf("dist/** appears %d times, want deduplicated", seen["dist/**"])
	}
	if seen["*.tar.gz"] != 1 {
		t.Error("configured pattern missing from union")
	}
	for _, p := range DefaultPatterns() {
		if seen[p] == 0 {
			t.Errorf("default pattern %q missing from union", p)
		}
	}
	if union[0] != DefaultPatterns()[0] {
		t.Error("defaults should come first in the union")
	}
}

func TestIgnoredDir(t *testing.T) {
	for _, name := range []string{"node_modules", ".git", "coverage", "tmp"} {
		if !IgnoredDir(name) {
			t.Errorf("IgnoredDir(%q) = false, want true", name)
		}
	}
	if IgnoredDir("dist") {
		t.Error("IgnoredDir(\"dist\") = true, want false")
	}
}
