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

// Package sshkey manages cloud SSH key pairs and private key
// material. Material is confined to this package and the deployer;
// it never appears in logs or list responses.
package sshkey

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/google/uuid"
	"golang.org/x/crypto/ssh"

	"github.com/lightci/lightci/internal/daemon/backend"
	"github.com/lightci/lightci/internal/log"
	"github.com/lightci/lightci/pkg/errors"
	"github.com/lightci/lightci/pkg/pipeline"
)

// EC2API is the slice of the EC2 client used for key pair management.
type EC2API interface {
	CreateKeyPair(ctx context.Context, params *ec2.CreateKeyPairInput, optFns ...func(*ec2.Options)) (*ec2.CreateKeyPairOutput, error)
	DeleteKeyPair(ctx context.Context, params *ec2.DeleteKeyPairInput, optFns ...func(*ec2.Options)) (*ec2.DeleteKeyPairOutput, error)
}

// Service creates and removes key pairs, keeping the cloud side and
// the stored records in step.
type Service struct {
	keys   backend.SSHKeyStore
	client EC2API
	logger *slog.Logger
}

// NewService creates a key pair service.
func NewService(keys backend.SSHKeyStore, client EC2API, logger *slog.Logger) *Service {
	return &Service{
		keys:   keys,
		client: client,
		logger: log.WithComponent(logger, "sshkey"),
	}
}

var nonKeyNameChars = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

// Create generates a new key pair in EC2 and stores its private
// material. The cloud key pair name is derived from the given name
// with a random suffix so repeated names do not collide.
func (s *Service) Create(ctx context.Context, name, ownerID string) (*pipeline.SSHKey, error) {
	if strings.TrimSpace(name) == "" {
		return nil, &errors.ValidationError{
			Field:   "name",
			Message: "key name must not be empty",
		}
	}

	keyPairName := fmt.Sprintf("lightci-%s-%s",
		nonKeyNameChars.ReplaceAllString(name, "-"),
		uuid.NewString()[:8])

	out, err := s.client.CreateKeyPair(ctx, &ec2.CreateKeyPairInput{
		KeyName: aws.String(keyPairName),
	})
	if err != nil {
		return nil, &errors.ProviderError{
			Provider:  "aws",
			Operation: "CreateKeyPair",
			Message:   fmt.Sprintf("failed to create key pair %s", keyPairName),
			Cause:     err,
		}
	}

	material := aws.ToString(out.KeyMaterial)
	if err := ValidatePrivateKey([]byte(material)); err != nil {
		return nil, fmt.Errorf("provider returned unusable key material: %w", err)
	}

	key := &pipeline.SSHKey{
		ID:          uuid.NewString(),
		Name:        name,
		KeyPairName: keyPairName,
		PrivateKey:  material,
		OwnerID:     ownerID,
		CreatedAt:   time.Now(),
	}
	if err := s.keys.CreateSSHKey(ctx, key); err != nil {
		return nil, err
	}

	s.logger.Info("created key pair",
		slog.String("key_id", key.ID),
		slog.String("key_pair_name", keyPairName))
	return key, nil
}

// EnsureKeyPair returns the owner's newest key pair, creating one
// when the owner has none. Used by automatic provisioning.
func (s *Service) EnsureKeyPair(ctx context.Context, ownerID string) (*pipeline.SSHKey, error) {
	keys, err := s.keys.ListSSHKeys(ctx)
	if err != nil {
		return nil, err
	}

	var newest *pipeline.SSHKey
	for _, key := range keys {
		if key.OwnerID != ownerID {
			continue
		}
		if newest == nil || key.CreatedAt.After(newest.CreatedAt) {
			newest = key
		}
	}
	if newest != nil {
		return newest, nil
	}

	return s.Create(ctx, fmt.Sprintf("auto-%s", ownerID), ownerID)
}

// Import stores an existing key pair's private material. The cloud
// pair must already exist; keyPairName names it on the provider side.
func (s *Service) Import(ctx context.Context, name, keyPairName string, material []byte, ownerID string) (*pipeline.SSHKey, error) {
	if strings.TrimSpace(name) == "" {
		return nil, &errors.ValidationError{
			Field:   "name",
			Message: "key name must not be empty",
		}
	}
	if strings.TrimSpace(keyPairName) == "" {
		return nil, &errors.ValidationError{
			Field:   "key_pair_name",
			Message: "the provider key pair name must be given for imported keys",
		}
	}
	if err := ValidatePrivateKey(material); err != nil {
		return nil, err
	}

	key := &pipeline.SSHKey{
		ID:          uuid.NewString(),
		Name:        name,
		KeyPairName: keyPairName,
		PrivateKey:  string(material),
		OwnerID:     ownerID,
		CreatedAt:   time.Now(),
	}
	if err := s.keys.CreateSSHKey(ctx, key); err != nil {
		return nil, err
	}

	s.logger.Info("imported key pair",
		slog.String("key_id", key.ID),
		slog.String("key_pair_name", keyPairName))
	return key, nil
}

// Delete removes the cloud key pair and the stored record. EC2
// treats deleting an absent pair as success, so records for pairs
// removed out of band can still be cleaned up.
func (s *Service) Delete(ctx context.Context, id string) error {
	key, err := s.keys.GetSSHKey(ctx, id)
	if err != nil {
		return err
	}

	_, err = s.client.DeleteKeyPair(ctx, &ec2.DeleteKeyPairInput{
		KeyName: aws.String(key.KeyPairName),
	})
	if err != nil {
		return &errors.ProviderError{
			Provider:  "aws",
			Operation: "DeleteKeyPair",
			Message:   fmt.Sprintf("failed to delete key pair %s", key.KeyPairName),
			Cause:     err,
		}
	}

	if err := s.keys.DeleteSSHKey(ctx, id); err != nil {
		return err
	}

	s.logger.Info("deleted key pair",
		slog.String("key_id", id),
		slog.String("key_pair_name", key.KeyPairName))
	return nil
}

// ValidatePrivateKey checks that material parses as a private key.
func ValidatePrivateKey(material []byte) error {
	if _, err := ssh.ParseRawPrivateKey(material); err != nil {
		return &errors.ValidationError{
			Field:   "private_key",
			Message: "material does not parse as a private key",
		}
	}
	return nil
}

// Fingerprint returns the SHA256 fingerprint of the key's public half.
func Fingerprint(material []byte) (string, error) {
	signer, err := ssh.ParsePrivateKey(material)
	if err != nil {
		return "", &errors.ValidationError{
			Field:   "private_key",
			Message: "material does not parse as a private key",
		}
	}
	return ssh.FingerprintSHA256(signer.PublicKey()), nil
}
