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

	"github.com/lightci/lightci/internal/daemon/backend"
	"github.com/lightci/lightci/internal/daemon/httputil"
	"github.com/lightci/lightci/internal/provision"
)

// InstanceOperator is the slice of the provisioner the deployment
// endpoints use.
type InstanceOperator interface {
	Diagnose(ctx context.Context, instanceID string) *provision.Diagnosis
	Terminate(ctx context.Context, deploymentID string) error
}

// DeploymentsHandler serves deployment inspection and teardown.
type DeploymentsHandler struct {
	deployments backend.DeploymentStore
	operator    InstanceOperator
}

// NewDeploymentsHandler creates a deployments handler.
func NewDeploymentsHandler(deployments backend.DeploymentStore, operator InstanceOperator) *DeploymentsHandler {
	return &DeploymentsHandler{deployments: deployments, operator: operator}
}

// RegisterRoutes registers deployment API routes.
func (h *DeploymentsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/deployments", h.handleList)
	mux.HandleFunc("GET /v1/deployments/{id}", h.handleGet)
	mux.HandleFunc("POST /v1/deployments/{id}/diagnose", h.handleDiagnose)
	mux.HandleFunc("DELETE /v1/deployments/{id}", h.handleTerminate)
}

func (h *DeploymentsHandler) handleList(w http.ResponseWriter, r *http.Request) {
	deployments, err := h.deployments.ListDeployments(r.Context(), r.URL.Query().Get("pipeline"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"deployments": deployments,
		"count":       len(deployments),
	})
}

func (h *DeploymentsHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	deployment, err := h.deployments.GetDeployment(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, deployment)
}

// handleDiagnose runs the operator diagnosis against the deployment's
// instance: credentials, instance state, status checks, reachability.
func (h *DeploymentsHandler) handleDiagnose(w http.ResponseWriter, r *http.Request) {
	deployment, err := h.deployments.GetDeployment(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}

	diagnosis := h.operator.Diagnose(r.Context(), deployment.InstanceID)
	httputil.WriteJSON(w, http.StatusOK, diagnosis)
}

func (h *DeploymentsHandler) handleTerminate(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.operator.Terminate(r.Context(), id); err != nil {
		writeStoreError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{
		"status": "terminated",
		"id":     id,
	})
}
