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

package api

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/lightci/lightci/internal/provision"
	"github.com/lightci/lightci/pkg/errors"
	"github.com/lightci/lightci/pkg/pipeline"
)

type fakeOperator struct {
	diagnosed  []string
	terminated []string
	termErr    error
}

func (f *fakeOperator) Diagnose(ctx context.Context, instanceID string) *provision.Diagnosis {
	f.diagnosed = append(f.diagnosed, instanceID)
	return &provision.Diagnosis{
		Success: true,
		Details: []string{"instance " + instanceID + " is running"},
	}
}

func (f *fakeOperator) Terminate(ctx context.Context, deploymentID string) error {
	if f.termErr != nil {
		return f.termErr
	}
	f.terminated = append(f.terminated, deploymentID)
	return nil
}

func newDeploymentsEnv(t *testing.T) (*testEnv, *fakeOperator) {
	t.Helper()
	env := newTestEnv(t)
	operator := &fakeOperator{}

	env.mux = http.NewServeMux()
	NewDeploymentsHandler(env.backend, operator).RegisterRoutes(env.mux)
	return env, operator
}

func seedDeployment(t *testing.T, env *testEnv, id, pipelineID string) {
	t.Helper()
	err := env.backend.CreateDeployment(context.Background(), &pipeline.AutoDeployment{
		ID:         id,
		PipelineID: pipelineID,
		InstanceID: "i-" + id,
		Region:     "eu-west-2",
		Status:     pipeline.DeploymentActive,
		CreatedAt:  time.Now(),
	})
	if err != nil {
		t.Fatalf("CreateDeployment: %v", err)
	}
}

func TestListDeployments(t *testing.T) {
	env, _ := newDeploymentsEnv(t)
	seedDeployment(t, env, "d1", "web")
	seedDeployment(t, env, "d2", "api")

	rec := env.serve(t, http.MethodGet, "/v1/deployments?pipeline=web", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp struct {
		Count       int                       `json:"count"`
		Deployments []pipeline.AutoDeployment `json:"deployments"`
	}
	decodeBody(t, rec, &resp)
	if resp.Count != 1 || resp.Deployments[0].ID != "d1" {
		t.Errorf("filtered list = %+v", resp)
	}
}

func TestDiagnoseDeployment(t *testing.T) {
	env, operator := newDeploymentsEnv(t)
	seedDeployment(t, env, "d1", "web")

	rec := env.serve(t, http.MethodPost, "/v1/deployments/d1/diagnose", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var diagnosis provision.Diagnosis
	decodeBody(t, rec, &diagnosis)
	if !diagnosis.Success {
		t.Errorf("diagnosis = %+v", diagnosis)
	}
	if len(operator.diagnosed) != 1 || operator.diagnosed[0] != "i-d1" {
		t.Errorf("diagnosed instances = %v, want [i-d1]", operator.diagnosed)
	}

	rec = env.serve(t, http.MethodPost, "/v1/deployments/ghost/diagnose", "", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown deployment: status = %d, want 404", rec.Code)
	}
}

func TestTerminateDeployment(t *testing.T) {
	env, operator := newDeploymentsEnv(t)
	seedDeployment(t, env, "d1", "web")

	rec := env.serve(t, http.MethodDelete, "/v1/deployments/d1", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if len(operator.terminated) != 1 || operator.terminated[0] != "d1" {
		t.Errorf("terminated = %v, want [d1]", operator.terminated)
	}

	operator.termErr = &errors.NotFoundError{Resource: "deployment", ID: "ghost"}
	rec = env.serve(t, http.MethodDelete, "/v1/deployments/ghost", "", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown deployment: status = %d, want 404", rec.Code)
	}
}
