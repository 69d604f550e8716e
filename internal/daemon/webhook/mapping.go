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

package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/itchyny/gojq"

	"github.com/lightci/lightci/internal/config"
)

// jqTimeout bounds a single extraction program. Payloads are small;
// a program that runs longer is broken.
const jqTimeout = time.Second

// mapping extracts trigger fields from an arbitrary JSON payload
// using pre-compiled jq programs.
type mapping struct {
	source     string
	repository *gojq.Code
	branch     *gojq.Code
	event      *gojq.Code
	commit     *gojq.Code
}

// compileMappings compiles all configured mappings up front so broken
// programs fail daemon startup, not delivery handling.
func compileMappings(configured []config.WebhookMapping) (map[string]*mapping, error) {
	out := make(map[string]*mapping, len(configured))
	for _, mc := range configured {
		m := &mapping{source: mc.Source}
		var err error

		if m.repository, err = compileProgram(mc.Repository); err != nil {
			return nil, fmt.Errorf("mapping %q repository: %w", mc.Source, err)
		}
		if m.branch, err = compileProgram(mc.Branch); err != nil {
			return nil, fmt.Errorf("mapping %q branch: %w", mc.Source, err)
		}
		if mc.Event != "" {
			if m.event, err = compileProgram(mc.Event); err != nil {
				return nil, fmt.Errorf("mapping %q event: %w", mc.Source, err)
			}
		}
		if mc.Commit != "" {
			if m.commit, err = compileProgram(mc.Commit); err != nil {
				return nil, fmt.Errorf("mapping %q commit: %w", mc.Source, err)
			}
		}
		out[mc.Source] = m
	}
	return out, nil
}

func compileProgram(program string) (*gojq.Code, error) {
	query, err := gojq.Parse(program)
	if err != nil {
		return nil, fmt.Errorf("parse error: %w", err)
	}
	code, err := gojq.Compile(query)
	if err != nil {
		return nil, fmt.Errorf("compile error: %w", err)
	}
	return code, nil
}

// extract applies the mapping to a delivery body. Payloads whose event
// program yields something other than push/pull_request produce a nil
// delivery.
func (m *mapping) extract(ctx context.Context, body []byte) (*delivery, error) {
	var payload interface{}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("failed to parse JSON: %w", err)
	}

	repository, err := m.evalString(ctx, m.repository, payload)
	if err != nil {
		return nil, fmt.Errorf("repository program: %w", err)
	}
	branch, err := m.evalString(ctx, m.branch, payload)
	if err != nil {
		return nil, fmt.Errorf("branch program: %w", err)
	}
	if repository == "" || branch == "" {
		return nil, fmt.Errorf("mapping produced empty repository or branch")
	}

	event := EventPush
	if m.event != nil {
		event, err = m.evalString(ctx, m.event, payload)
		if err != nil {
			return nil, fmt.Errorf("event program: %w", err)
		}
		if event != EventPush && event != EventPullRequest {
			return nil, nil
		}
	}

	var commit string
	if m.commit != nil {
		if commit, err = m.evalString(ctx, m.commit, payload); err != nil {
			return nil, fmt.Errorf("commit program: %w", err)
		}
	}

	return &delivery{
		event:          event,
		repoCandidates: []string{repository},
		branch:         branch,
		commit:         commit,
		sender:         m.source,
	}, nil
}

// evalString runs one jq program and expects a single string result.
func (m *mapping) evalString(ctx context.Context, code *gojq.Code, payload interface{}) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, jqTimeout)
	defer cancel()

	iter := code.RunWithContext(ctx, payload)
	v, ok := iter.Next()
	if !ok || v == nil {
		return "", nil
	}
	if err, isErr := v.(error); isErr {
		return "", err
	}
	s, isString := v.(string)
	if !isString {
		return "", fmt.Errorf("expected string, got %T", v)
	}
	return s, nil
}
