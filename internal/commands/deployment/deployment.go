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

// Package deployment implements the lightci deployment command group.
package deployment

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/lightci/lightci/internal/commands/shared"
)

const requestTimeout = 2 * time.Minute

// NewCommand creates the deployment command group.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deployment",
		Short: "Manage auto-deployments",
		Long: `Commands for inspecting and tearing down instances created by
pipeline deploy steps.`,
	}

	cmd.AddCommand(newListCommand())
	cmd.AddCommand(newGetCommand())
	cmd.AddCommand(newDiagnoseCommand())
	cmd.AddCommand(newTerminateCommand())

	return cmd
}

func newListCommand() *cobra.Command {
	var pipelineID string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List deployments",
		Long:  `List deployment instances, optionally filtered by pipeline.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return list(pipelineID)
		},
	}

	cmd.Flags().StringVar(&pipelineID, "pipeline", "", "Filter by pipeline id")

	return cmd
}

func newGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get <deployment-id>",
		Short: "Show deployment details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return get(args[0])
		},
	}
}

func newDiagnoseCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "diagnose <deployment-id>",
		Short: "Diagnose a deployment's instance",
		Long: `Run connectivity diagnostics against the deployment's instance:
credentials, instance state, status checks, and port reachability.
Each failed check comes with a suggested remediation.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return diagnose(args[0])
		},
	}
}

func newTerminateCommand() *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "terminate <deployment-id>",
		Short: "Terminate a deployment's instance",
		Long:  `Terminate the cloud instance behind a deployment. This cannot be undone.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return terminate(args[0], yes)
		},
	}

	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Skip confirmation prompt")

	return cmd
}

func list(pipelineID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	path := "/v1/deployments"
	if pipelineID != "" {
		path += "?pipeline=" + pipelineID
	}

	resp, err := shared.NewClient().Get(ctx, path)
	if err != nil {
		return fmt.Errorf("failed to list deployments: %w", err)
	}

	if shared.GetJSON() {
		return shared.PrintJSON(resp)
	}

	deployments, ok := resp["deployments"].([]any)
	if !ok || len(deployments) == 0 {
		fmt.Println("No deployments")
		return nil
	}

	fmt.Printf("%-38s %-20s %-20s %-12s %s\n", "ID", "PIPELINE", "INSTANCE", "STATUS", "CREATED")
	for _, d := range deployments {
		dep, ok := d.(map[string]any)
		if !ok {
			continue
		}
		id, _ := dep["id"].(string)
		pip, _ := dep["pipeline_id"].(string)
		instance, _ := dep["instance_id"].(string)
		status, _ := dep["status"].(string)
		created, _ := dep["created_at"].(string)
		fmt.Printf("%-38s %-20s %-20s %-12s %s\n",
			id,
			shared.Truncate(pip, 20),
			instance,
			status,
			shared.FormatTime(created))
	}

	return nil
}

func get(id string) error {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	resp, err := shared.NewClient().Get(ctx, "/v1/deployments/"+id)
	if err != nil {
		return fmt.Errorf("failed to get deployment: %w", err)
	}

	if shared.GetJSON() {
		return shared.PrintJSON(resp)
	}

	fmt.Printf("ID:          %s\n", resp["id"])
	fmt.Printf("Pipeline:    %s\n", resp["pipeline_id"])
	fmt.Printf("Instance:    %s\n", resp["instance_id"])
	fmt.Printf("Region:      %s\n", resp["region"])
	fmt.Printf("Status:      %s\n", resp["status"])
	if meta, ok := resp["metadata"].(map[string]any); ok {
		if ip, ok := meta["public_ip"].(string); ok && ip != "" {
			fmt.Printf("Public IP:   %s\n", ip)
		}
	}
	return nil
}

func diagnose(id string) error {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	resp, err := shared.NewClient().Post(ctx, "/v1/deployments/"+id+"/diagnose", nil)
	if err != nil {
		return fmt.Errorf("diagnosis failed: %w", err)
	}

	if shared.GetJSON() {
		return shared.PrintJSON(resp)
	}

	success, _ := resp["success"].(bool)
	if success {
		fmt.Println(shared.RenderOK("All checks passed"))
	} else {
		fmt.Println(shared.RenderError("Diagnosis found problems"))
	}

	if details, ok := resp["details"].([]any); ok {
		for _, d := range details {
			fmt.Printf("  %v\n", d)
		}
	}
	if remediation, ok := resp["remediation"].([]any); ok && len(remediation) > 0 {
		fmt.Println("\nSuggested remediation:")
		for _, r := range remediation {
			fmt.Printf("  - %v\n", r)
		}
	}

	return nil
}

func terminate(id string, yes bool) error {
	confirmed, err := shared.Confirm(fmt.Sprintf("terminate deployment %q", id), yes)
	if err != nil {
		return err
	}
	if !confirmed {
		fmt.Println("Aborted")
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	if err := shared.NewClient().Delete(ctx, "/v1/deployments/"+id); err != nil {
		return fmt.Errorf("failed to terminate deployment: %w", err)
	}

	if !shared.GetQuiet() {
		fmt.Println(shared.RenderOK(fmt.Sprintf("Deployment %s terminated", id)))
	}
	return nil
}
