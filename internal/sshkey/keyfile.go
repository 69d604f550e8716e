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
	"fmt"
	"os"
	"path/filepath"
)

// KeyFile is private key material written to disk for the ssh
// binary. Callers must Remove it when done; the material lives in a
// private temp directory with 0600 permissions.
type KeyFile struct {
	// Path is the key file location, for ssh -i.
	Path string

	dir string
}

// WriteTemp writes key material to a fresh 0700 temp directory as a
// 0600 file.
func WriteTemp(material []byte) (*KeyFile, error) {
	dir, err := os.MkdirTemp("", "lightci-key-")
	if err != nil {
		return nil, fmt.Errorf("failed to create key directory: %w", err)
	}

	path := filepath.Join(dir, "key.pem")
	if err := os.WriteFile(path, material, 0o600); err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("failed to write key file: %w", err)
	}

	return &KeyFile{Path: path, dir: dir}, nil
}

// Remove deletes the key file and its directory. Safe to call more
// than once.
func (k *KeyFile) Remove() {
	if k.dir != "" {
		os.RemoveAll(k.dir)
		k.dir = ""
	}
}
