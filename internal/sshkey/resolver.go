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

package sshkey

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/lightci/lightci/internal/daemon/backend"
	"github.com/lightci/lightci/internal/log"
	"github.com/lightci/lightci/pkg/pipeline"
)

// Candidate is one possible key for a deployment target, in probe
// order. KeyID is set when the material came from the key store.
type Candidate struct {
	// Source says where the material came from: "config",
	// "deployment", "metadata", or a file path for disk recovery.
	Source string

	// KeyID is the stored key's id, empty for disk candidates.
	KeyID string

	// Material is the private key.
	Material []byte
}

// Resolver assembles key candidates for a deployment. The order is:
// the key id named in the deployment config, the key bound to the
// active deployment, the key named in the deployment's metadata, and
// finally any parsable .pem file found on disk, newest first.
type Resolver struct {
	keys backend.SSHKeyStore

	// SearchDirs are scanned for .pem files during recovery. Defaults
	// to ~/.ssh, the working directory and /tmp.
	SearchDirs []string

	logger *slog.Logger
}

// NewResolver creates a resolver with the default search directories.
func NewResolver(keys backend.SSHKeyStore, logger *slog.Logger) *Resolver {
	var dirs []string
	if home, err := os.UserHomeDir(); err == nil {
		dirs = append(dirs, filepath.Join(home, ".ssh"))
	}
	if cwd, err := os.Getwd(); err == nil {
		dirs = append(dirs, cwd)
	}
	dirs = append(dirs, "/tmp")

	return &Resolver{
		keys:       keys,
		SearchDirs: dirs,
		logger:     log.WithComponent(logger, "sshkey"),
	}
}

// Candidates returns key material candidates in probe order,
// deduplicated. configKeyID is the explicit key reference from the
// pipeline's deployment config; deployment may be nil.
func (r *Resolver) Candidates(ctx context.Context, configKeyID string, deployment *pipeline.AutoDeployment) []Candidate {
	var candidates []Candidate
	seen := make(map[string]bool)

	add := func(source, keyID string, material []byte) {
		if len(material) == 0 || seen[string(material)] {
			return
		}
		seen[string(material)] = true
		candidates = append(candidates, Candidate{Source: source, KeyID: keyID, Material: material})
	}

	if configKeyID != "" {
		if key, err := r.keys.GetSSHKey(ctx, configKeyID); err == nil {
			add("config", key.ID, []byte(key.PrivateKey))
		} else {
			r.logger.Debug("configured key not found", slog.String("key_id", configKeyID))
		}
	}

	if deployment != nil {
		if deployment.SSHKeyID != "" {
			if key, err := r.keys.GetSSHKey(ctx, deployment.SSHKeyID); err == nil {
				add("deployment", key.ID, []byte(key.PrivateKey))
			} else {
				r.logger.Debug("deployment key not found", slog.String("key_id", deployment.SSHKeyID))
			}
		}

		if keyID := deployment.Metadata[pipeline.MetadataSSHKeyID]; keyID != "" {
			if key, err := r.keys.GetSSHKey(ctx, keyID); err == nil {
				add("metadata", key.ID, []byte(key.PrivateKey))
			}
		}

		if keyName := deployment.Metadata[pipeline.MetadataKeyName]; keyName != "" {
			if key, err := r.keys.GetSSHKeyByName(ctx, keyName); err == nil {
				add("metadata", key.ID, []byte(key.PrivateKey))
			} else {
				r.logger.Debug("metadata key name not found", slog.String("key_name", keyName))
			}
		}
	}

	for _, found := range r.scanDisk() {
		add(found.path, "", found.material)
	}

	return candidates
}

type diskKey struct {
	path     string
	material []byte
	modTime  int64
}

// scanDisk finds readable .pem files that parse as private keys,
// newest by mtime first.
func (r *Resolver) scanDisk() []diskKey {
	var found []diskKey
	for _, dir := range r.SearchDirs {
		matches, err := filepath.Glob(filepath.Join(dir, "*.pem"))
		if err != nil {
			continue
		}
		for _, path := range matches {
			info, err := os.Stat(path)
			if err != nil || info.IsDir() {
				continue
			}
			material, err := os.ReadFile(path)
			if err != nil {
				continue
			}
			if ValidatePrivateKey(material) != nil {
				r.logger.Debug("skipping unparsable key file", slog.String("path", path))
				continue
			}
			found = append(found, diskKey{path: path, material: material, modTime: info.ModTime().UnixNano()})
		}
	}

	sort.Slice(found, func(i, j int) bool {
		return found[i].modTime > found[j].modTime
	})
	return found
}
