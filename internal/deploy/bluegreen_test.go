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

package deploy

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/lightci/lightci/internal/daemon/backend/memory"
	"github.com/lightci/lightci/pkg/errors"
	"github.com/lightci/lightci/pkg/pipeline"
)

func blueGreenPipeline() *pipeline.Pipeline {
	return manualPipeline(map[string]string{
		"strategy":             "blue-green",
		"production_port":      "80",
		"staging_port":         "3001",
		"health_check_path":    "/health",
		"health_check_timeout": "1",
		"rollback_on_failure":  "true",
	})
}

func TestBlueGreenFirstRelease(t *testing.T) {
	runner := &fakeRunner{healthSeq: []string{"200"}}
	d := New(runner, singleKey("m"), &fakeInstances{}, memory.New(), discardLogger(),
		WithHealthPollInterval(time.Millisecond))

	result, err := d.Deploy(context.Background(), testRun(), blueGreenPipeline(), t.TempDir())
	if err != nil {
		t.Fatalf("Deploy() error = %v", err)
	}
	if !result.Success {
		t.Fatalf("Deploy() failed: %s", result.Message)
	}

	// No color owns the port yet, so the first release goes to blue.
	if result.Details["color"] != colorBlue {
		t.Errorf("color = %q, want blue", result.Details["color"])
	}

	prepare := runner.find(t, "mkdir -p '/home/ec2-user/app/blue'")
	if !strings.Contains(prepare.command, "rm -rf '/home/ec2-user/app/blue'/*") {
		t.Errorf("prepare command = %q", prepare.command)
	}
	start := runner.find(t, "pm2 start npm --name lightci-app-blue")
	if start.workDir != "/home/ec2-user/app/blue" {
		t.Errorf("start workDir = %q, want color path", start.workDir)
	}
	if start.env["PORT"] != "3001" {
		t.Errorf("start PORT = %q, want staging port", start.env["PORT"])
	}

	repoint := runner.find(t, "iptables -t nat -A PREROUTING")
	if !strings.Contains(repoint.command, "--dport 80") || !strings.Contains(repoint.command, "--to-port 3001") {
		t.Errorf("traffic switch = %q", repoint.command)
	}
}

func TestBlueGreenAlternatesColors(t *testing.T) {
	runner := &fakeRunner{
		healthSeq: []string{"201"},
		outputs:   map[string]string{"ss -tlnp": "lightci-app-blue\n"},
	}
	d := New(runner, singleKey("m"), &fakeInstances{}, memory.New(), discardLogger(),
		WithHealthPollInterval(time.Millisecond))

	result, err := d.Deploy(context.Background(), testRun(), blueGreenPipeline(), t.TempDir())
	if err != nil {
		t.Fatalf("Deploy() error = %v", err)
	}
	if !result.Success {
		t.Fatalf("Deploy() failed: %s", result.Message)
	}
	if result.Details["color"] != colorGreen {
		t.Errorf("color = %q, want green when blue is live", result.Details["color"])
	}

	// The old color is stopped only after the traffic switch.
	runner.find(t, "pm2 delete lightci-app-blue || true && pm2 save")
	var sawSwitch bool
	for _, c := range runner.calls {
		if strings.Contains(c.command, "iptables") {
			sawSwitch = true
		}
		if strings.Contains(c.command, "pm2 delete lightci-app-blue || true && pm2 save") && !sawSwitch {
			t.Fatal("old color stopped before traffic switch")
		}
	}
}

func TestBlueGreenRollback(t *testing.T) {
	runner := &fakeRunner{
		healthSeq: []string{"500"},
		outputs:   map[string]string{"ss -tlnp": "lightci-app-blue\n"},
	}
	d := New(runner, singleKey("m"), &fakeInstances{}, memory.New(), discardLogger(),
		WithHealthPollInterval(5*time.Millisecond))

	result, err := d.Deploy(context.Background(), testRun(), blueGreenPipeline(), t.TempDir())
	if err != nil {
		t.Fatalf("Deploy() error = %v", err)
	}
	if result.Success {
		t.Error("Success = true for a release that never became healthy")
	}
	if result.Message != "Health check failed, rolled back" {
		t.Errorf("Message = %q", result.Message)
	}

	// The sick target color is torn down and production is untouched.
	runner.find(t, "pm2 delete lightci-app-green || true && pm2 save")
	if runner.count("iptables") != 0 {
		t.Error("traffic switched despite failed health check")
	}
	if runner.count("pm2 delete lightci-app-blue || true && pm2 save") != 0 {
		t.Error("live color stopped during rollback")
	}
}

func TestBlueGreenHealthCheckRetries(t *testing.T) {
	runner := &fakeRunner{healthSeq: []string{"502", "502", "200"}}
	d := New(runner, singleKey("m"), &fakeInstances{}, memory.New(), discardLogger(),
		WithHealthPollInterval(time.Millisecond))

	result, err := d.Deploy(context.Background(), testRun(), blueGreenPipeline(), t.TempDir())
	if err != nil {
		t.Fatalf("Deploy() error = %v", err)
	}
	if !result.Success {
		t.Fatalf("Deploy() failed: %s", result.Message)
	}
	if got := runner.count("%{http_code}"); got != 3 {
		t.Errorf("health probes = %d, want 3", got)
	}
}

func TestBlueGreenRecordsActiveColor(t *testing.T) {
	be := memory.New()
	ctx := context.Background()
	if err := be.CreateDeployment(ctx, activeDeployment("203.0.113.10")); err != nil {
		t.Fatalf("failed to seed deployment: %v", err)
	}

	runner := &fakeRunner{healthSeq: []string{"200"}}
	pip := blueGreenPipeline()
	pip.Deployment.Mode = pipeline.DeployAutomatic
	d := New(runner, singleKey("m"), &fakeInstances{healthy: true}, be, discardLogger(),
		WithHealthPollInterval(time.Millisecond))

	result, err := d.Deploy(ctx, testRun(), pip, t.TempDir())
	if err != nil {
		t.Fatalf("Deploy() error = %v", err)
	}
	if !result.Success {
		t.Fatalf("Deploy() failed: %s", result.Message)
	}

	stored, err := be.GetDeployment(ctx, "ad-1")
	if err != nil {
		t.Fatalf("GetDeployment() error = %v", err)
	}
	if stored.Metadata[metadataActiveColor] != colorBlue {
		t.Errorf("active color = %q, want blue", stored.Metadata[metadataActiveColor])
	}
	if stored.Metadata[metadataActivePort] != "3001" {
		t.Errorf("active port = %q, want 3001", stored.Metadata[metadataActivePort])
	}
}

func TestBlueGreenRequiresPorts(t *testing.T) {
	d := New(&fakeRunner{}, singleKey("m"), &fakeInstances{}, memory.New(), discardLogger())

	pip := manualPipeline(map[string]string{"strategy": "blue-green"})
	_, err := d.Deploy(context.Background(), testRun(), pip, t.TempDir())
	var validationErr *errors.ValidationError
	if !errors.As(err, &validationErr) {
		t.Fatalf("error = %v, want *errors.ValidationError", err)
	}
	if validationErr.Field != "production_port" {
		t.Errorf("Field = %q, want production_port", validationErr.Field)
	}
}

func TestIs2xx(t *testing.T) {
	tests := []struct {
		output string
		want   bool
	}{
		{"200", true},
		{"201\n", true},
		{"299", true},
		{"300", false},
		{"500", false},
		{"000", false},
		{"", false},
		{"Warning: banner\n200", true},
	}
	for _, tt := range tests {
		if got := is2xx(tt.output); got != tt.want {
			t.Errorf("is2xx(%q) = %v, want %v", tt.output, got, tt.want)
		}
	}
}
