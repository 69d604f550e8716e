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

// Package client is the HTTP client for the lightcid control API.
// The lightci CLI talks to the daemon exclusively through it.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
)

// DefaultHost is where lightcid listens out of the box.
const DefaultHost = "http://127.0.0.1:8085"

// Client is a client for the lightcid control API.
type Client struct {
	httpClient *http.Client
	baseURL    string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// New creates a client for the daemon at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FromEnvironment creates a client from LIGHTCI_HOST, falling back to
// the default local daemon address.
func FromEnvironment() *Client {
	host := os.Getenv("LIGHTCI_HOST")
	if host == "" {
		host = DefaultHost
	}
	return New(host)
}

// HealthResponse is the response from /v1/healthz.
type HealthResponse struct {
	Status     string `json:"status"`
	ActiveRuns int    `json:"active_runs"`
	Schedules  int    `json:"schedules"`
}

// VersionResponse is the response from /v1/version.
type VersionResponse struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`
}

// Health returns the daemon health status.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var health HealthResponse
	if err := c.getJSON(ctx, "/v1/healthz", &health); err != nil {
		return nil, err
	}
	return &health, nil
}

// Version returns the daemon version information.
func (c *Client) Version(ctx context.Context) (*VersionResponse, error) {
	var version VersionResponse
	if err := c.getJSON(ctx, "/v1/version", &version); err != nil {
		return nil, err
	}
	return &version, nil
}

// Get performs a GET request and returns the JSON response as a map.
func (c *Client) Get(ctx context.Context, path string) (map[string]any, error) {
	var result map[string]any
	if err := c.getJSON(ctx, path, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// Post performs a POST request with a JSON body.
func (c *Client) Post(ctx context.Context, path string, body any) (map[string]any, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal body: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	return c.roundTrip(ctx, http.MethodPost, path, "application/json", reader)
}

// PostYAML performs a POST request with a YAML body. Pipeline create
// and validate accept YAML directly.
func (c *Client) PostYAML(ctx context.Context, path string, yamlData []byte) (map[string]any, error) {
	return c.roundTrip(ctx, http.MethodPost, path, "application/x-yaml", bytes.NewReader(yamlData))
}

// PostRaw performs a POST request with an arbitrary body, for artifact
// uploads.
func (c *Client) PostRaw(ctx context.Context, path, contentType string, body io.Reader) (map[string]any, error) {
	return c.roundTrip(ctx, http.MethodPost, path, contentType, body)
}

// Put performs a PUT request with a JSON body.
func (c *Client) Put(ctx context.Context, path string, body any) (map[string]any, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal body: %w", err)
	}
	return c.roundTrip(ctx, http.MethodPut, path, "application/json", bytes.NewReader(data))
}

// Delete performs a DELETE request.
func (c *Client) Delete(ctx context.Context, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return apiError(resp)
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

// GetStream performs a GET request with the given Accept header and
// returns the raw response. The caller owns the body; log following
// and artifact downloads go through here.
func (c *Client) GetStream(ctx context.Context, path, accept string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		return nil, apiError(resp)
	}
	return resp, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return apiError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func (c *Client) roundTrip(ctx context.Context, method, path, contentType string, body io.Reader) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, apiError(resp)
	}

	var result map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return result, nil
}

// apiError turns an error response into something readable. The daemon
// wraps errors as {"error": "..."}.
func apiError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	var e struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &e) == nil && e.Error != "" {
		return fmt.Errorf("daemon returned %d: %s", resp.StatusCode, e.Error)
	}
	return fmt.Errorf("daemon returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
}
