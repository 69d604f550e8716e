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
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/lightci/lightci/internal/daemon/backend"
	"github.com/lightci/lightci/internal/daemon/httputil"
	"github.com/lightci/lightci/internal/sshkey"
)

// KeysHandler serves key pair management. Responses never include
// private material except the one-time generate response.
type KeysHandler struct {
	service *sshkey.Service
	keys    backend.SSHKeyStore
}

// NewKeysHandler creates a keys handler.
func NewKeysHandler(service *sshkey.Service, keys backend.SSHKeyStore) *KeysHandler {
	return &KeysHandler{service: service, keys: keys}
}

// RegisterRoutes registers key API routes.
func (h *KeysHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/keys", h.handleList)
	mux.HandleFunc("POST /v1/keys", h.handleGenerate)
	mux.HandleFunc("POST /v1/keys/import", h.handleImport)
	mux.HandleFunc("DELETE /v1/keys/{id}", h.handleDelete)
}

func (h *KeysHandler) handleList(w http.ResponseWriter, r *http.Request) {
	keys, err := h.keys.ListSSHKeys(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	// pipeline.SSHKey marshals without PrivateKey; keys stay opaque
	// in list responses.
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"keys":  keys,
		"count": len(keys),
	})
}

// GenerateKeyRequest is the request body for generating a key pair.
type GenerateKeyRequest struct {
	Name    string `json:"name"`
	OwnerID string `json:"owner_id,omitempty"`
}

// handleGenerate creates a fresh provider key pair. The private
// material appears in this response only; it cannot be retrieved
// again.
func (h *KeysHandler) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req GenerateKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest,
			fmt.Sprintf("invalid request body: %v", err))
		return
	}

	key, err := h.service.Create(r.Context(), req.Name, req.OwnerID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, map[string]any{
		"key":         key,
		"private_key": key.PrivateKey,
	})
}

// ImportKeyRequest is the request body for importing a key pair.
type ImportKeyRequest struct {
	Name        string `json:"name"`
	KeyPairName string `json:"key_pair_name"`
	PrivateKey  string `json:"private_key"`
	OwnerID     string `json:"owner_id,omitempty"`
}

func (h *KeysHandler) handleImport(w http.ResponseWriter, r *http.Request) {
	var req ImportKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest,
			fmt.Sprintf("invalid request body: %v", err))
		return
	}

	key, err := h.service.Import(r.Context(), req.Name, req.KeyPairName,
		[]byte(req.PrivateKey), req.OwnerID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, key)
}

func (h *KeysHandler) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.service.Delete(r.Context(), id); err != nil {
		writeStoreError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{
		"status": "deleted",
		"id":     id,
	})
}
