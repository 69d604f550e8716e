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

// Package artifact implements the lightci artifact command group.
package artifact

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/lightci/lightci/internal/commands/shared"
)

const requestTimeout = 5 * time.Minute

// NewCommand creates the artifact command group.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "artifact",
		Short: "Manage build artifacts",
		Long: `Commands for listing, downloading, and uploading run artifacts.

Artifacts are collected from the workspace after a successful run, per
the pipeline's artifact patterns, and expire after the configured
retention period.`,
	}

	cmd.AddCommand(newListCommand())
	cmd.AddCommand(newDownloadCommand())
	cmd.AddCommand(newUploadCommand())
	cmd.AddCommand(newSweepCommand())

	return cmd
}

func newListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list <run-id>",
		Short: "List a run's artifacts",
		Long:  `List the artifacts collected for a run. Records appear once collection finishes.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return list(args[0])
		},
	}
}

func newDownloadCommand() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "download <artifact-id>",
		Short: "Download an artifact",
		Long:  `Download an artifact's content. Writes to the artifact's file name unless -o is given.`,
		Example: `  # Example 1: Download next to the current directory
  lightci artifact download 550e8400:dist/app.js

  # Example 2: Download to a specific path
  lightci artifact download 550e8400:dist/app.js -o /tmp/app.js

  # Example 3: Stream to stdout
  lightci artifact download 550e8400:dist/app.js -o -`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return download(args[0], output)
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "Output path, or - for stdout")

	return cmd
}

func newUploadCommand() *cobra.Command {
	var name string

	cmd := &cobra.Command{
		Use:   "upload <run-id> <file>",
		Short: "Upload an artifact to a run",
		Long: `Upload a file as an artifact of a completed run. The artifact name
must match the pipeline's artifact patterns.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return upload(args[0], args[1], name)
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "Artifact name (default: the file's base name)")

	return cmd
}

func newSweepCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run a retention sweep now",
		Long:  `Delete expired artifacts immediately instead of waiting for the scheduled sweep.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return sweep()
		},
	}
}

func list(runID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	resp, err := shared.NewClient().Get(ctx, "/v1/runs/"+runID+"/artifacts")
	if err != nil {
		return fmt.Errorf("failed to list artifacts: %w", err)
	}

	if shared.GetJSON() {
		return shared.PrintJSON(resp)
	}

	if collected, _ := resp["collected"].(bool); !collected {
		fmt.Println("Artifacts not collected yet")
		return nil
	}

	artifacts, ok := resp["artifacts"].([]any)
	if !ok || len(artifacts) == 0 {
		fmt.Println("No artifacts")
		return nil
	}

	fmt.Printf("%-48s %-32s %12s\n", "ID", "NAME", "SIZE")
	for _, a := range artifacts {
		record, ok := a.(map[string]any)
		if !ok {
			continue
		}
		id, _ := record["id"].(string)
		name, _ := record["name"].(string)
		size, _ := record["size"].(float64)
		fmt.Printf("%-48s %-32s %12d\n",
			shared.Truncate(id, 48),
			shared.Truncate(name, 32),
			int64(size))
	}

	return nil
}

func download(artifactID, output string) error {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	resp, err := shared.NewClient().GetStream(ctx,
		"/v1/artifacts/"+url.PathEscape(artifactID)+"/download", "")
	if err != nil {
		return fmt.Errorf("failed to download artifact: %w", err)
	}
	defer resp.Body.Close()

	var dst io.Writer
	switch output {
	case "-":
		dst = os.Stdout
	case "":
		output = filepath.Base(filepath.FromSlash(artifactID))
		fallthrough
	default:
		f, err := os.Create(output)
		if err != nil {
			return fmt.Errorf("failed to create output file: %w", err)
		}
		defer f.Close()
		dst = f
	}

	n, err := io.Copy(dst, resp.Body)
	if err != nil {
		return fmt.Errorf("download failed: %w", err)
	}

	if output != "-" && !shared.GetQuiet() {
		fmt.Println(shared.RenderOK(fmt.Sprintf("Downloaded %s (%d bytes)", output, n)))
	}
	return nil
}

func upload(runID, path, name string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	if name == "" {
		name = filepath.Base(path)
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	resp, err := shared.NewClient().PostRaw(ctx,
		"/v1/runs/"+runID+"/artifacts?name="+url.QueryEscape(name),
		"application/octet-stream", f)
	if err != nil {
		return fmt.Errorf("failed to upload artifact: %w", err)
	}

	if shared.GetJSON() {
		return shared.PrintJSON(resp)
	}
	if !shared.GetQuiet() {
		fmt.Println(shared.RenderOK(fmt.Sprintf("Uploaded %s as %s", path, resp["id"])))
	}
	return nil
}

func sweep() error {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	resp, err := shared.NewClient().Post(ctx, "/v1/artifacts/sweep", nil)
	if err != nil {
		return fmt.Errorf("sweep failed: %w", err)
	}

	if shared.GetJSON() {
		return shared.PrintJSON(resp)
	}
	swept, _ := resp["swept"].(float64)
	fmt.Printf("Swept artifacts of %d expired runs\n", int(swept))
	return nil
}
