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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/lightci/lightci/internal/daemon/backend/memory"
	"github.com/lightci/lightci/pkg/pipeline"
)

func storeKey(t *testing.T, be *memory.Backend, id, name, pairName string, material []byte) {
	t.Helper()
	key := &pipeline.SSHKey{
		ID:          id,
		Name:        name,
		KeyPairName: pairName,
		PrivateKey:  string(material),
		OwnerID:     "user-1",
		CreatedAt:   time.Now(),
	}
	if err := be.CreateSSHKey(context.Background(), key); err != nil {
		t.Fatalf("failed to store key %s: %v", id, err)
	}
}

func writeDiskKey(t *testing.T, dir, name string, material []byte, mtime time.Time) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, material, 0o600); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatalf("failed to set mtime on %s: %v", name, err)
	}
	return path
}

func TestCandidatesOrder(t *testing.T) {
	be := memory.New()
	ctx := context.Background()

	configMaterial := genKeyPEM(t)
	deployMaterial := genKeyPEM(t)
	metaMaterial := genKeyPEM(t)
	newerDisk := genKeyPEM(t)
	olderDisk := genKeyPEM(t)

	storeKey(t, be, "k-config", "config key", "lightci-config-1", configMaterial)
	storeKey(t, be, "k-deploy", "deploy key", "lightci-deploy-1", deployMaterial)
	storeKey(t, be, "k-meta", "meta key", "lightci-meta-1", metaMaterial)

	dir := t.TempDir()
	writeDiskKey(t, dir, "newer.pem", newerDisk, time.Now())
	writeDiskKey(t, dir, "older.pem", olderDisk, time.Now().Add(-time.Hour))
	writeDiskKey(t, dir, "broken.pem", []byte("not a key"), time.Now())
	if err := os.WriteFile(filepath.Join(dir, "readme.txt"), newerDisk, 0o600); err != nil {
		t.Fatalf("failed to write decoy: %v", err)
	}

	r := NewResolver(be, discardLogger())
	r.SearchDirs = []string{dir}

	deployment := &pipeline.AutoDeployment{
		ID:         "ad-1",
		PipelineID: "web",
		SSHKeyID:   "k-deploy",
		Metadata:   map[string]string{pipeline.MetadataKeyName: "lightci-meta-1"},
	}

	candidates := r.Candidates(ctx, "k-config", deployment)
	if len(candidates) != 5 {
		t.Fatalf("got %d candidates, want 5: %+v", len(candidates), sources(candidates))
	}

	wantSources := []string{
		"config",
		"deployment",
		"metadata",
		filepath.Join(dir, "newer.pem"),
		filepath.Join(dir, "older.pem"),
	}
	for i, want := range wantSources {
		if candidates[i].Source != want {
			t.Errorf("candidate %d source = %q, want %q", i, candidates[i].Source, want)
		}
	}

	if candidates[0].KeyID != "k-config" {
		t.Errorf("config candidate key id = %q, want k-config", candidates[0].KeyID)
	}
	if candidates[3].KeyID != "" {
		t.Error("disk candidate should not carry a key id")
	}
	if string(candidates[3].Material) != string(newerDisk) {
		t.Error("newest disk key should come before older ones")
	}
}

func TestCandidatesDeduplicates(t *testing.T) {
	be := memory.New()
	material := genKeyPEM(t)
	storeKey(t, be, "k-1", "shared", "lightci-shared-1", material)

	r := NewResolver(be, discardLogger())
	r.SearchDirs = nil

	deployment := &pipeline.AutoDeployment{ID: "ad-1", SSHKeyID: "k-1"}
	candidates := r.Candidates(context.Background(), "k-1", deployment)
	if len(candidates) != 1 {
		t.Fatalf("got %d candidates, want 1 after dedupe: %+v", len(candidates), sources(candidates))
	}
	if candidates[0].Source != "config" {
		t.Errorf("surviving candidate source = %q, want first mention", candidates[0].Source)
	}
}

func TestCandidatesWithoutDeployment(t *testing.T) {
	be := memory.New()
	dir := t.TempDir()
	material := genKeyPEM(t)
	writeDiskKey(t, dir, "only.pem", material, time.Now())

	r := NewResolver(be, discardLogger())
	r.SearchDirs = []string{dir}

	candidates := r.Candidates(context.Background(), "", nil)
	if len(candidates) != 1 {
		t.Fatalf("got %d candidates, want 1 disk candidate", len(candidates))
	}
	if candidates[0].KeyID != "" || string(candidates[0].Material) != string(material) {
		t.Error("disk candidate not assembled correctly")
	}
}

func TestCandidatesMissingReferences(t *testing.T) {
	be := memory.New()
	r := NewResolver(be, discardLogger())
	r.SearchDirs = nil

	deployment := &pipeline.AutoDeployment{
		ID:       "ad-1",
		SSHKeyID: "gone",
		Metadata: map[string]string{pipeline.MetadataKeyName: "also-gone"},
	}

	candidates := r.Candidates(context.Background(), "missing", deployment)
	if len(candidates) != 0 {
		t.Fatalf("got %d candidates, want 0 when every reference dangles", len(candidates))
	}
}

func sources(candidates []Candidate) []string {
	out := make([]string, len(candidates))
	for i, c := range candidates {
		out[i] = c.Source
	}
	return out
}
