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

package run

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// startDaemonStub serves a scripted daemon and points the package's
// client at it via LIGHTCI_HOST.
func startDaemonStub(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	t.Setenv("LIGHTCI_HOST", srv.URL)
	return srv
}

func TestStartPostsRunRequest(t *testing.T) {
	var got map[string]string
	startDaemonStub(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/runs" {
			t.Errorf("%s %s", r.Method, r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]string{"id": "r-1", "status": "pending"})
	})

	if err := start("web-app", "release", "3f9a2c1", false); err != nil {
		t.Fatalf("start() error = %v", err)
	}
	if got["pipeline"] != "web-app" || got["branch"] != "release" || got["commit"] != "3f9a2c1" {
		t.Errorf("request = %+v", got)
	}
	if got["triggered_by"] != "cli" {
		t.Errorf("triggered_by = %q, want cli", got["triggered_by"])
	}
}

func TestStartSurfacesDaemonError(t *testing.T) {
	startDaemonStub(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(map[string]string{"error": "pipeline web-app already has an active run"})
	})

	err := start("web-app", "", "", false)
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "active run") {
		t.Errorf("error = %v, want daemon message surfaced", err)
	}
}

func TestListBuildsFilterQuery(t *testing.T) {
	startDaemonStub(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("pipeline") != "web-app" || q.Get("status") != "failed" || q.Get("limit") != "5" {
			t.Errorf("query = %s", r.URL.RawQuery)
		}
		json.NewEncoder(w).Encode(map[string]any{"runs": []any{}, "count": 0})
	})

	if err := list("web-app", "failed", 5); err != nil {
		t.Fatalf("list() error = %v", err)
	}
}

func TestCancelDeletesRun(t *testing.T) {
	deleted := false
	startDaemonStub(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodDelete && r.URL.Path == "/v1/runs/r-1" {
			deleted = true
		}
		json.NewEncoder(w).Encode(map[string]string{"status": "cancelled"})
	})

	if err := cancel("r-1"); err != nil {
		t.Fatalf("cancel() error = %v", err)
	}
	if !deleted {
		t.Error("DELETE /v1/runs/r-1 never issued")
	}
}

func TestLogsFollowConsumesStream(t *testing.T) {
	startDaemonStub(t, func(w http.ResponseWriter, r *http.Request) {
		if accept := r.Header.Get("Accept"); !strings.Contains(accept, "text/event-stream") {
			t.Errorf("Accept = %q", accept)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte("data: cloning repository\n\n"))
		w.Write([]byte("data: {\"timestamp\":\"2026-01-02T15:04:05Z\",\"level\":\"info\",\"message\":\"run completed\"}\n\n"))
		w.Write([]byte("event: done\ndata: {\"status\":\"completed\"}\n\n"))
	})

	if err := logs("r-1", true); err != nil {
		t.Fatalf("logs(follow) error = %v", err)
	}
}

func TestLogsJSONPath(t *testing.T) {
	startDaemonStub(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/runs/r-1/logs" {
			t.Errorf("path = %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]any{"logs": []string{"step build: ok"}, "count": 1})
	})

	if err := logs("r-1", false); err != nil {
		t.Fatalf("logs() error = %v", err)
	}
}
