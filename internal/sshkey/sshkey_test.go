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
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"io"
	"log/slog"
	"os"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"golang.org/x/crypto/ssh"

	"github.com/lightci/lightci/internal/daemon/backend/memory"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func genKeyPEM(t *testing.T) []byte {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	block, err := ssh.MarshalPrivateKey(priv, "")
	if err != nil {
		t.Fatalf("failed to marshal key: %v", err)
	}
	return pem.EncodeToMemory(block)
}

type fakeEC2 struct {
	material    string
	createdName string
	deletedName string
	createErr   error
}

func (f *fakeEC2) CreateKeyPair(ctx context.Context, params *ec2.CreateKeyPairInput, optFns ...func(*ec2.Options)) (*ec2.CreateKeyPairOutput, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.createdName = aws.ToString(params.KeyName)
	return &ec2.CreateKeyPairOutput{
		KeyName:     params.KeyName,
		KeyMaterial: aws.String(f.material),
	}, nil
}

func (f *fakeEC2) DeleteKeyPair(ctx context.Context, params *ec2.DeleteKeyPairInput, optFns ...func(*ec2.Options)) (*ec2.DeleteKeyPairOutput, error) {
	f.deletedName = aws.ToString(params.KeyName)
	return &ec2.DeleteKeyPairOutput{}, nil
}

func TestCreateStoresMaterial(t *testing.T) {
	be := memory.New()
	fake := &fakeEC2{material: string(genKeyPEM(t))}
	svc := NewService(be, fake, discardLogger())
	ctx := context.Background()

	key, err := svc.Create(ctx, "deploy key", "user-1")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if !strings.HasPrefix(key.KeyPairName, "lightci-deploy-key-") {
		t.Errorf("KeyPairName = %q, want lightci prefix with sanitized name", key.KeyPairName)
	}
	if fake.createdName != key.KeyPairName {
		t.Errorf("EC2 saw name %q, stored %q", fake.createdName, key.KeyPairName)
	}
	if key.OwnerID != "user-1" {
		t.Errorf("OwnerID = %q, want user-1", key.OwnerID)
	}

	stored, err := be.GetSSHKey(ctx, key.ID)
	if err != nil {
		t.Fatalf("GetSSHKey() error = %v", err)
	}
	if stored.PrivateKey != fake.material {
		t.Error("stored material does not match provider material")
	}
}

func TestCreateRejectsEmptyName(t *testing.T) {
	svc := NewService(memory.New(), &fakeEC2{}, discardLogger())
	if _, err := svc.Create(context.Background(), "  ", "user-1"); err == nil {
		t.Fatal("Create() accepted an empty name")
	}
}

func TestCreateRejectsGarbageMaterial(t *testing.T) {
	svc := NewService(memory.New(), &fakeEC2{material: "not a key"}, discardLogger())
	if _, err := svc.Create(context.Background(), "deploy", "user-1"); err == nil {
		t.Fatal("Create() accepted unusable provider material")
	}
}

func TestDeleteRemovesPairAndRecord(t *testing.T) {
	be := memory.New()
	fake := &fakeEC2{material: string(genKeyPEM(t))}
	svc := NewService(be, fake, discardLogger())
	ctx := context.Background()

	key, err := svc.Create(ctx, "deploy", "user-1")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if err := svc.Delete(ctx, key.ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if fake.deletedName != key.KeyPairName {
		t.Errorf("EC2 deleted %q, want %q", fake.deletedName, key.KeyPairName)
	}
	if _, err := be.GetSSHKey(ctx, key.ID); err == nil {
		t.Error("record still present after delete")
	}
}

func TestEnsureKeyPair(t *testing.T) {
	be := memory.New()
	fake := &fakeEC2{material: string(genKeyPEM(t))}
	svc := NewService(be, fake, discardLogger())
	ctx := context.Background()

	// No keys yet: one gets created.
	first, err := svc.EnsureKeyPair(ctx, "user-1")
	if err != nil {
		t.Fatalf("EnsureKeyPair() error = %v", err)
	}
	if !strings.HasPrefix(first.KeyPairName, "lightci-auto-user-1-") {
		t.Errorf("KeyPairName = %q, want auto-generated name", first.KeyPairName)
	}

	// Existing key is reused, not recreated.
	fake.createdName = ""
	second, err := svc.EnsureKeyPair(ctx, "user-1")
	if err != nil {
		t.Fatalf("EnsureKeyPair() error = %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("EnsureKeyPair() created a new key %s, want reuse of %s", second.ID, first.ID)
	}
	if fake.createdName != "" {
		t.Error("EC2 CreateKeyPair called despite existing key")
	}

	// A different owner gets their own key.
	other, err := svc.EnsureKeyPair(ctx, "user-2")
	if err != nil {
		t.Fatalf("EnsureKeyPair() error = %v", err)
	}
	if other.ID == first.ID {
		t.Error("owners share a key pair")
	}
}

func TestImportStoresExistingPair(t *testing.T) {
	be := memory.New()
	fake := &fakeEC2{}
	svc := NewService(be, fake, discardLogger())
	ctx := context.Background()

	key, err := svc.Import(ctx, "staging", "staging-pair", genKeyPEM(t), "user-1")
	if err != nil {
		t.Fatalf("Import() error = %v", err)
	}
	if key.KeyPairName != "staging-pair" {
		t.Errorf("KeyPairName = %q, want %q", key.KeyPairName, "staging-pair")
	}
	if fake.createdName != "" {
		t.Error("Import called EC2 CreateKeyPair")
	}
	if _, err := be.GetSSHKey(ctx, key.ID); err != nil {
		t.Errorf("imported key not stored: %v", err)
	}
}

func TestImportRejectsBadInput(t *testing.T) {
	svc := NewService(memory.New(), &fakeEC2{}, discardLogger())
	ctx := context.Background()
	material := genKeyPEM(t)

	if _, err := svc.Import(ctx, "", "pair", material, "user-1"); err == nil {
		t.Error("Import() accepted an empty name")
	}
	if _, err := svc.Import(ctx, "staging", "", material, "user-1"); err == nil {
		t.Error("Import() accepted an empty key pair name")
	}
	if _, err := svc.Import(ctx, "staging", "pair", []byte("garbage"), "user-1"); err == nil {
		t.Error("Import() accepted garbage material")
	}
}

func TestValidatePrivateKey(t *testing.T) {
	if err := ValidatePrivateKey(genKeyPEM(t)); err != nil {
		t.Errorf("ValidatePrivateKey() rejected a valid key: %v", err)
	}
	if err := ValidatePrivateKey([]byte("garbage")); err == nil {
		t.Error("ValidatePrivateKey() accepted garbage")
	}
}

func TestFingerprint(t *testing.T) {
	material := genKeyPEM(t)

	fp, err := Fingerprint(material)
	if err != nil {
		t.Fatalf("Fingerprint() error = %v", err)
	}
	if !strings.HasPrefix(fp, "SHA256:") {
		t.Errorf("Fingerprint() = %q, want SHA256 prefix", fp)
	}

	again, _ := Fingerprint(material)
	if fp != again {
		t.Error("fingerprint not stable for the same key")
	}

	if _, err := Fingerprint([]byte("garbage")); err == nil {
		t.Error("Fingerprint() accepted garbage")
	}
}

func TestWriteTemp(t *testing.T) {
	material := genKeyPEM(t)

	kf, err := WriteTemp(material)
	if err != nil {
		t.Fatalf("WriteTemp() error = %v", err)
	}
	defer kf.Remove()

	info, err := os.Stat(kf.Path)
	if err != nil {
		t.Fatalf("key file missing: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("key file mode = %o, want 0600", perm)
	}

	data, err := os.ReadFile(kf.Path)
	if err != nil {
		t.Fatalf("failed to read key file: %v", err)
	}
	if string(data) != string(material) {
		t.Error("key file content does not match material")
	}

	kf.Remove()
	if _, err := os.Stat(kf.Path); !os.IsNotExist(err) {
		t.Error("key file still exists after Remove")
	}
	kf.Remove() // safe to repeat
}
