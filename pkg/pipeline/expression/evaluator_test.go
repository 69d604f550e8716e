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

package expression

import "testing"

func TestEvaluate(t *testing.T) {
	eval := New()

	ctx := map[string]interface{}{
		"branch":       "main",
		"commit":       "abc123",
		"pipeline":     "web",
		"triggered_by": "webhook",
	}

	tests := []struct {
		name       string
		expression string
		want       bool
	}{
		{"empty is true", "", true},
		{"branch equality", `branch == "main"`, true},
		{"branch mismatch", `branch == "develop"`, false},
		{"negation", `branch != "develop"`, true},
		{"and", `branch == "main" && triggered_by == "webhook"`, true},
		{"or", `branch == "develop" || pipeline == "web"`, true},
		{"matches", `matches(branch, "ai")`, true},
		{"startsWith", `startsWith(branch, "ma")`, true},
		{"startsWith false", `startsWith(branch, "feature/")`, false},
		{"undefined variable is nil", `missing == nil`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := eval.Evaluate(tt.expression, ctx)
			if err != nil {
				t.Fatalf("Evaluate(%q) error: %v", tt.expression, err)
			}
			if got != tt.want {
				t.Errorf("Evaluate(%q) = %v, want %v", tt.expression, got, tt.want)
			}
		})
	}
}

func TestEvaluateErrors(t *testing.T) {
	eval := New()

	if _, err := eval.Evaluate("((", nil); err == nil {
		t.Error("expected compile error for malformed expression")
	}

	if _, err := eval.Evaluate(`matches(branch)`, map[string]interface{}{"branch": "main"}); err == nil {
		t.Error("expected error for wrong arity")
	}
}

func TestEvaluateCachesPrograms(t *testing.T) {
	eval := New()

	if _, err := eval.Evaluate(`branch == "main"`, map[string]interface{}{"branch": "main"}); err != nil {
		t.Fatalf("first evaluation failed: %v", err)
	}

	eval.mu.RLock()
	cached := len(eval.cache)
	eval.mu.RUnlock()
	if cached != 1 {
		t.Errorf("expected 1 cached program, got %d", cached)
	}

	// Second evaluation with a different context reuses the program.
	got, err := eval.Evaluate(`branch == "main"`, map[string]interface{}{"branch": "develop"})
	if err != nil {
		t.Fatalf("second evaluation failed: %v", err)
	}
	if got {
		t.Error("expected false for develop branch")
	}
}
