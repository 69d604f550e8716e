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

package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/healthz" {
			t.Errorf("path = %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]any{"status": "ok", "active_runs": 3})
	}))
	defer srv.Close()

	health, err := New(srv.URL).Health(context.Background())
	if err != nil {
		t.Fatalf("Health() error = %v", err)
	}
	if health.Status != "ok" || health.ActiveRuns != 3 {
		t.Errorf("health = %+v", health)
	}
}

func TestGetDecodesErrorBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{"error": "run not found: r-123"})
	}))
	defer srv.Close()

	_, err := New(srv.URL).Get(context.Background(), "/v1/runs/r-123")
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "run not found") {
		t.Errorf("error = %v, want daemon message surfaced", err)
	}
	if !strings.Contains(err.Error(), "404") {
		t.Errorf("error = %v, want status code included", err)
	}
}

func TestPostYAMLSetsContentType(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ct := r.Header.Get("Content-Type"); ct != "application/x-yaml" {
			t.Errorf("Content-Type = %q", ct)
		}
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]string{"id": "web-app"})
	}))
	defer srv.Close()

	resp, err := New(srv.URL).PostYAML(context.Background(), "/v1/pipelines", []byte("name: web"))
	if err != nil {
		t.Fatalf("PostYAML() error = %v", err)
	}
	if resp["id"] != "web-app" {
		t.Errorf("id = %v", resp["id"])
	}
}

func TestDelete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			t.Errorf("method = %s", r.Method)
		}
		json.NewEncoder(w).Encode(map[string]string{"status": "deleted"})
	}))
	defer srv.Close()

	if err := New(srv.URL).Delete(context.Background(), "/v1/pipelines/web"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
}

func TestGetStreamSetsAccept(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if accept := r.Header.Get("Accept"); accept != "text/event-stream" {
			t.Errorf("Accept = %q", accept)
		}
		w.Write([]byte("data: {}\n\n"))
	}))
	defer srv.Close()

	resp, err := New(srv.URL).GetStream(context.Background(), "/v1/runs/r1/logs", "text/event-stream")
	if err != nil {
		t.Fatalf("GetStream() error = %v", err)
	}
	resp.Body.Close()
}

func TestFromEnvironmentHonorsHost(t *testing.T) {
	t.Setenv("LIGHTCI_HOST", "http://example.test:9999")
	c := FromEnvironment()
	if c.baseURL != "http://example.test:9999" {
		t.Errorf("baseURL = %q", c.baseURL)
	}
}

func TestFromEnvironmentDefault(t *testing.T) {
	t.Setenv("LIGHTCI_HOST", "")
	c := FromEnvironment()
	if c.baseURL != DefaultHost {
		t.Errorf("baseURL = %q, want %q", c.baseURL, DefaultHost)
	}
}
