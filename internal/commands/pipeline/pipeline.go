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

// Package pipeline implements the lightci pipeline command group.
package pipeline

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/lightci/lightci/internal/commands/shared"
)

const requestTimeout = 30 * time.Second

// NewCommand creates the pipeline command group.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pipeline",
		Short: "Manage pipelines",
		Long: `Commands for creating, inspecting, and removing pipelines.

Pipelines registered here are owned by the API; pipelines loaded from
the daemon's pipelines directory are owned by their YAML files and
cannot be overwritten through the API.`,
	}

	cmd.AddCommand(newListCommand())
	cmd.AddCommand(newGetCommand())
	cmd.AddCommand(newCreateCommand())
	cmd.AddCommand(newDeleteCommand())
	cmd.AddCommand(newValidateCommand())

	return cmd
}

func newListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List pipelines",
		Long:  `List all pipelines known to the daemon.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return list()
		},
	}
}

func newGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get <pipeline-id>",
		Short: "Show pipeline details",
		Long:  `Display a pipeline's repository, steps, and trigger configuration.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return get(args[0])
		},
	}
}

func newCreateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create <file.yaml>",
		Short: "Create a pipeline from a YAML file",
		Long: `Register a pipeline from a YAML definition. The file is validated
by the daemon; an invalid definition is rejected without side effects.

See also: lightci pipeline validate, lightci init`,
		Example: `  # Example 1: Create a pipeline
  lightci pipeline create .lightci/web.yaml

  # Example 2: Validate without creating
  lightci pipeline validate .lightci/web.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return create(args[0])
		},
	}
	return cmd
}

func newDeleteCommand() *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "delete <pipeline-id>",
		Short: "Delete a pipeline",
		Long:  `Delete a pipeline. Its run history is kept; its schedule is removed.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return remove(args[0], yes)
		},
	}

	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Skip confirmation prompt")

	return cmd
}

func newValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file.yaml>",
		Short: "Validate a pipeline file",
		Long:  `Check a pipeline YAML file against the daemon without persisting it.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return validate(args[0])
		},
	}
}

func list() error {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	resp, err := shared.NewClient().Get(ctx, "/v1/pipelines")
	if err != nil {
		return fmt.Errorf("failed to list pipelines: %w", err)
	}

	if shared.GetJSON() {
		return shared.PrintJSON(resp)
	}

	pipelines, ok := resp["pipelines"].([]any)
	if !ok || len(pipelines) == 0 {
		fmt.Println("No pipelines configured")
		return nil
	}

	fmt.Printf("%-24s %-24s %-40s %s\n", "ID", "NAME", "REPOSITORY", "SOURCE")
	for _, p := range pipelines {
		pip, ok := p.(map[string]any)
		if !ok {
			continue
		}
		id, _ := pip["id"].(string)
		name, _ := pip["name"].(string)
		repo, _ := pip["repository"].(string)
		createdBy, _ := pip["created_by"].(string)
		fmt.Printf("%-24s %-24s %-40s %s\n",
			shared.Truncate(id, 24),
			shared.Truncate(name, 24),
			shared.Truncate(repo, 40),
			createdBy)
	}

	return nil
}

func get(id string) error {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	resp, err := shared.NewClient().Get(ctx, "/v1/pipelines/"+id)
	if err != nil {
		return fmt.Errorf("failed to get pipeline: %w", err)
	}

	if shared.GetJSON() {
		return shared.PrintJSON(resp)
	}

	fmt.Printf("ID:          %s\n", resp["id"])
	fmt.Printf("Name:        %s\n", resp["name"])
	fmt.Printf("Repository:  %s\n", resp["repository"])
	fmt.Printf("Branch:      %s\n", resp["default_branch"])
	if createdBy, ok := resp["created_by"].(string); ok && createdBy != "" {
		fmt.Printf("Source:      %s\n", createdBy)
	}

	if steps, ok := resp["steps"].([]any); ok && len(steps) > 0 {
		fmt.Println("\nSteps:")
		for _, s := range steps {
			step, ok := s.(map[string]any)
			if !ok {
				continue
			}
			name, _ := step["name"].(string)
			command, _ := step["command"].(string)
			fmt.Printf("  %-24s %s\n", name, shared.Truncate(command, 60))
		}
	}

	if trigger, ok := resp["trigger"].(map[string]any); ok {
		fmt.Println("\nTriggers:")
		if events, ok := trigger["events"].([]any); ok && len(events) > 0 {
			fmt.Printf("  Events:   %v\n", events)
		}
		if branches, ok := trigger["branches"].([]any); ok && len(branches) > 0 {
			fmt.Printf("  Branches: %v\n", branches)
		}
		if schedule, ok := trigger["schedule"].(map[string]any); ok {
			fmt.Printf("  Schedule: %s\n", schedule["cron"])
		}
	}

	return nil
}

func create(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read pipeline file: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	resp, err := shared.NewClient().PostYAML(ctx, "/v1/pipelines", data)
	if err != nil {
		return shared.NewInvalidPipelineError("failed to create pipeline", err)
	}

	if shared.GetJSON() {
		return shared.PrintJSON(resp)
	}

	if !shared.GetQuiet() {
		fmt.Println(shared.RenderOK(fmt.Sprintf("Pipeline %s created", resp["id"])))
	}
	return nil
}

func remove(id string, yes bool) error {
	confirmed, err := shared.Confirm(fmt.Sprintf("delete pipeline %q", id), yes)
	if err != nil {
		return err
	}
	if !confirmed {
		fmt.Println("Aborted")
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	if err := shared.NewClient().Delete(ctx, "/v1/pipelines/"+id); err != nil {
		return fmt.Errorf("failed to delete pipeline: %w", err)
	}

	if !shared.GetQuiet() {
		fmt.Println(shared.RenderOK(fmt.Sprintf("Pipeline %s deleted", id)))
	}
	return nil
}

func validate(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read pipeline file: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	resp, err := shared.NewClient().PostYAML(ctx, "/v1/pipelines/validate", data)
	if err != nil {
		return fmt.Errorf("validation request failed: %w", err)
	}

	if shared.GetJSON() {
		return shared.PrintJSON(resp)
	}

	if valid, _ := resp["valid"].(bool); valid {
		fmt.Println(shared.RenderOK(fmt.Sprintf("%s is valid (pipeline id: %s)", path, resp["id"])))
		return nil
	}

	msg, _ := resp["error"].(string)
	fmt.Println(shared.RenderError(fmt.Sprintf("%s is invalid: %s", path, msg)))
	return shared.NewInvalidPipelineError("pipeline validation failed", nil)
}
