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

// Package key implements the lightci key command group for deploy
// key pair management.
package key

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/lightci/lightci/internal/commands/shared"
)

const requestTimeout = 30 * time.Second

// NewCommand creates the key command group.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "key",
		Short: "Manage deploy key pairs",
		Long: `Commands for managing the SSH key pairs used to reach deploy
instances. Private material is shown exactly once, at generation; the
daemon stores it but never returns it again.`,
	}

	cmd.AddCommand(newListCommand())
	cmd.AddCommand(newGenerateCommand())
	cmd.AddCommand(newImportCommand())
	cmd.AddCommand(newDeleteCommand())

	return cmd
}

func newListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List key pairs",
		Long:  `List registered key pairs. Private material is never included.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return list()
		},
	}
}

func newGenerateCommand() *cobra.Command {
	var owner string

	cmd := &cobra.Command{
		Use:   "generate <name>",
		Short: "Generate a key pair",
		Long: `Create a fresh key pair with the cloud provider and register it.
The private key is printed to stdout once. Save it; it cannot be
retrieved again.`,
		Example: `  # Example 1: Generate and save the private key
  lightci key generate deploy-key > deploy-key.pem && chmod 600 deploy-key.pem`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return generate(args[0], owner)
		},
	}

	cmd.Flags().StringVar(&owner, "owner", "", "Owner identifier recorded on the key")

	return cmd
}

func newImportCommand() *cobra.Command {
	var keyPairName string
	var owner string

	cmd := &cobra.Command{
		Use:   "import <name> <private-key.pem>",
		Short: "Import an existing key pair",
		Long: `Register a key pair that already exists with the cloud provider.
The file must hold the pair's private key in PEM form.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if keyPairName == "" {
				keyPairName = args[0]
			}
			return importKey(args[0], keyPairName, args[1], owner)
		},
	}

	cmd.Flags().StringVar(&keyPairName, "key-pair-name", "", "Provider-side key pair name (default: the key name)")
	cmd.Flags().StringVar(&owner, "owner", "", "Owner identifier recorded on the key")

	return cmd
}

func newDeleteCommand() *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "delete <key-id>",
		Short: "Delete a key pair",
		Long:  `Delete a key pair locally and from the cloud provider.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return remove(args[0], yes)
		},
	}

	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Skip confirmation prompt")

	return cmd
}

func list() error {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	resp, err := shared.NewClient().Get(ctx, "/v1/keys")
	if err != nil {
		return fmt.Errorf("failed to list keys: %w", err)
	}

	if shared.GetJSON() {
		return shared.PrintJSON(resp)
	}

	keys, ok := resp["keys"].([]any)
	if !ok || len(keys) == 0 {
		fmt.Println("No keys registered")
		return nil
	}

	fmt.Printf("%-38s %-24s %-24s %s\n", "ID", "NAME", "KEY PAIR", "CREATED")
	for _, k := range keys {
		key, ok := k.(map[string]any)
		if !ok {
			continue
		}
		id, _ := key["id"].(string)
		name, _ := key["name"].(string)
		pairName, _ := key["key_pair_name"].(string)
		created, _ := key["created_at"].(string)
		fmt.Printf("%-38s %-24s %-24s %s\n",
			id,
			shared.Truncate(name, 24),
			shared.Truncate(pairName, 24),
			shared.FormatTime(created))
	}

	return nil
}

func generate(name, owner string) error {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	resp, err := shared.NewClient().Post(ctx, "/v1/keys", map[string]string{
		"name":     name,
		"owner_id": owner,
	})
	if err != nil {
		return fmt.Errorf("failed to generate key: %w", err)
	}

	if shared.GetJSON() {
		return shared.PrintJSON(resp)
	}

	material, _ := resp["private_key"].(string)
	if key, ok := resp["key"].(map[string]any); ok && !shared.GetQuiet() {
		fmt.Fprintln(os.Stderr, shared.RenderOK(fmt.Sprintf("Key %s generated (id: %s)", name, key["id"])))
		fmt.Fprintln(os.Stderr, shared.RenderWarn("The private key below is shown once; store it safely"))
	}
	fmt.Print(material)
	return nil
}

func importKey(name, keyPairName, path, owner string) error {
	material, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read private key file: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	resp, err := shared.NewClient().Post(ctx, "/v1/keys/import", map[string]string{
		"name":          name,
		"key_pair_name": keyPairName,
		"private_key":   string(material),
		"owner_id":      owner,
	})
	if err != nil {
		return fmt.Errorf("failed to import key: %w", err)
	}

	if shared.GetJSON() {
		return shared.PrintJSON(resp)
	}
	if !shared.GetQuiet() {
		fmt.Println(shared.RenderOK(fmt.Sprintf("Key %s imported (id: %s)", name, resp["id"])))
	}
	return nil
}

func remove(id string, yes bool) error {
	confirmed, err := shared.Confirm(fmt.Sprintf("delete key %q", id), yes)
	if err != nil {
		return err
	}
	if !confirmed {
		fmt.Println("Aborted")
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	if err := shared.NewClient().Delete(ctx, "/v1/keys/"+id); err != nil {
		return fmt.Errorf("failed to delete key: %w", err)
	}

	if !shared.GetQuiet() {
		fmt.Println(shared.RenderOK(fmt.Sprintf("Key %s deleted", id)))
	}
	return nil
}
