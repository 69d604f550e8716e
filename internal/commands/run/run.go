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

// Package run implements the lightci run command group.
package run

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/lightci/lightci/internal/client"
	"github.com/lightci/lightci/internal/commands/shared"
)

const requestTimeout = 30 * time.Second

// NewCommand creates the run command group.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Manage pipeline runs",
		Long: `Commands for starting, listing, and managing pipeline runs.

Runs are executions of a pipeline managed by the lightcid daemon.`,
	}

	cmd.AddCommand(newStartCommand())
	cmd.AddCommand(newListCommand())
	cmd.AddCommand(newGetCommand())
	cmd.AddCommand(newLogsCommand())
	cmd.AddCommand(newCancelCommand())

	return cmd
}

func newStartCommand() *cobra.Command {
	var branch string
	var commit string
	var follow bool

	cmd := &cobra.Command{
		Use:   "start <pipeline>",
		Short: "Start a pipeline run",
		Long: `Start a run of the named pipeline. The pipeline's default branch
is used unless --branch is given.

See also: lightci run logs, lightci run list`,
		Example: `  # Example 1: Run a pipeline on its default branch
  lightci run start web-app

  # Example 2: Run a specific branch and commit
  lightci run start web-app --branch release --commit 3f9a2c1

  # Example 3: Start and stream logs until the run finishes
  lightci run start web-app --follow`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return start(args[0], branch, commit, follow)
		},
	}

	cmd.Flags().StringVar(&branch, "branch", "", "Branch to build (default: pipeline's default branch)")
	cmd.Flags().StringVar(&commit, "commit", "", "Commit SHA to build")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Stream logs until the run completes")

	return cmd
}

func newListCommand() *cobra.Command {
	var pipelineID string
	var status string
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List pipeline runs",
		Long: `List runs, newest first, optionally filtered by pipeline or status.

See also: lightci run get, lightci pipeline list`,
		Example: `  # Example 1: List recent runs
  lightci run list

  # Example 2: List failed runs of one pipeline
  lightci run list --pipeline web-app --status failed

  # Example 3: Feed run ids into another command
  lightci run list --json | jq -r '.runs[].id'`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return list(pipelineID, status, limit)
		},
	}

	cmd.Flags().StringVar(&pipelineID, "pipeline", "", "Filter by pipeline id")
	cmd.Flags().StringVar(&status, "status", "", "Filter by status (pending, running, completed, failed, cancelled)")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of runs to return")

	return cmd
}

func newGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get <run-id>",
		Short: "Show run details",
		Long:  `Display the status, step results, and artifact summary of a run.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return get(args[0])
		},
	}
}

func newLogsCommand() *cobra.Command {
	var follow bool

	cmd := &cobra.Command{
		Use:   "logs <run-id>",
		Short: "View run logs",
		Long:  `Display logs from a run. Use -f to follow a live run until it finishes.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return logs(args[0], follow)
		},
	}

	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Follow log output")

	return cmd
}

func newCancelCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <run-id>",
		Short: "Cancel an active run",
		Long:  `Cancel a pending or running pipeline run. Terminal runs cannot be cancelled.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cancel(args[0])
		},
	}
}

func start(pipelineID, branch, commit string, follow bool) error {
	ctx, cancelCtx := context.WithTimeout(context.Background(), requestTimeout)
	defer cancelCtx()

	c := shared.NewClient()
	resp, err := c.Post(ctx, "/v1/runs", map[string]string{
		"pipeline":     pipelineID,
		"branch":       branch,
		"commit":       commit,
		"triggered_by": "cli",
	})
	if err != nil {
		return fmt.Errorf("failed to start run: %w", err)
	}

	if shared.GetJSON() && !follow {
		return shared.PrintJSON(resp)
	}

	id, _ := resp["id"].(string)
	if !shared.GetQuiet() {
		fmt.Println(shared.RenderOK(fmt.Sprintf("Run %s started", id)))
	}

	if follow {
		return streamLogs(c, id)
	}
	return nil
}

func list(pipelineID, status string, limit int) error {
	ctx, cancelCtx := context.WithTimeout(context.Background(), requestTimeout)
	defer cancelCtx()

	path := "/v1/runs"
	var params []string
	if pipelineID != "" {
		params = append(params, "pipeline="+pipelineID)
	}
	if status != "" {
		params = append(params, "status="+status)
	}
	if limit > 0 {
		params = append(params, fmt.Sprintf("limit=%d", limit))
	}
	if len(params) > 0 {
		path += "?" + strings.Join(params, "&")
	}

	resp, err := shared.NewClient().Get(ctx, path)
	if err != nil {
		return fmt.Errorf("failed to list runs: %w", err)
	}

	if shared.GetJSON() {
		return shared.PrintJSON(resp)
	}

	runs, ok := resp["runs"].([]any)
	if !ok || len(runs) == 0 {
		fmt.Println("No runs found")
		return nil
	}

	fmt.Printf("%-38s %-11s %-20s %-14s %s\n", "ID", "STATUS", "PIPELINE", "BRANCH", "STARTED")
	for _, r := range runs {
		run, ok := r.(map[string]any)
		if !ok {
			continue
		}
		id, _ := run["id"].(string)
		status, _ := run["status"].(string)
		pip, _ := run["pipeline_id"].(string)
		branch, _ := run["branch"].(string)
		started, _ := run["started_at"].(string)
		fmt.Printf("%-38s %-11s %-20s %-14s %s\n",
			id,
			shared.RenderRunStatus(status),
			shared.Truncate(pip, 20),
			shared.Truncate(branch, 14),
			shared.FormatTime(started))
	}

	return nil
}

func get(id string) error {
	ctx, cancelCtx := context.WithTimeout(context.Background(), requestTimeout)
	defer cancelCtx()

	resp, err := shared.NewClient().Get(ctx, "/v1/runs/"+id)
	if err != nil {
		return fmt.Errorf("failed to get run: %w", err)
	}

	if shared.GetJSON() {
		return shared.PrintJSON(resp)
	}

	printField := func(label string, key string) {
		if v, ok := resp[key].(string); ok && v != "" {
			fmt.Printf("%-13s %s\n", label+":", v)
		}
	}

	printField("Run ID", "id")
	printField("Pipeline", "pipeline_id")
	if status, ok := resp["status"].(string); ok {
		fmt.Printf("%-13s %s\n", "Status:", shared.RenderRunStatus(status))
	}
	printField("Branch", "branch")
	printField("Commit", "commit")
	printField("Triggered by", "triggered_by")
	printField("Started", "started_at")
	printField("Completed", "completed_at")
	printField("Error", "error")

	if steps, ok := resp["step_results"].([]any); ok && len(steps) > 0 {
		fmt.Println("\nSteps:")
		for _, s := range steps {
			step, ok := s.(map[string]any)
			if !ok {
				continue
			}
			name, _ := step["name"].(string)
			status, _ := step["status"].(string)
			fmt.Printf("  %-28s %s\n", name, shared.RenderRunStatus(status))
		}
	}

	if artifacts, ok := resp["artifacts"].(map[string]any); ok {
		if collected, _ := artifacts["collected"].(bool); collected {
			count, _ := artifacts["count"].(float64)
			bytes, _ := artifacts["total_bytes"].(float64)
			fmt.Printf("\nArtifacts:    %d files (%d bytes)\n", int(count), int64(bytes))
		}
	}

	return nil
}

func logs(id string, follow bool) error {
	c := shared.NewClient()

	if follow {
		return streamLogs(c, id)
	}

	ctx, cancelCtx := context.WithTimeout(context.Background(), requestTimeout)
	defer cancelCtx()

	resp, err := c.Get(ctx, "/v1/runs/"+id+"/logs")
	if err != nil {
		return fmt.Errorf("failed to get logs: %w", err)
	}

	if shared.GetJSON() {
		return shared.PrintJSON(resp)
	}

	lines, ok := resp["logs"].([]any)
	if !ok || len(lines) == 0 {
		fmt.Println("No logs available")
		return nil
	}
	for _, l := range lines {
		if line, ok := l.(string); ok {
			fmt.Println(line)
		}
	}
	return nil
}

// streamLogs follows the SSE stream until the daemon sends the done
// event. Replayed frames are raw log lines; live frames are JSON
// events.
func streamLogs(c *client.Client, id string) error {
	resp, err := c.GetStream(context.Background(), "/v1/runs/"+id+"/logs", "text/event-stream")
	if err != nil {
		return fmt.Errorf("failed to stream logs: %w", err)
	}
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}

		line = strings.TrimRight(line, "\n")
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "event: done") {
			// The final data frame carries the terminal status.
			if data, err := reader.ReadString('\n'); err == nil {
				var done struct {
					Status string `json:"status"`
				}
				payload := strings.TrimPrefix(strings.TrimSpace(data), "data: ")
				if json.Unmarshal([]byte(payload), &done) == nil && !shared.GetQuiet() {
					fmt.Println("run " + shared.RenderRunStatus(done.Status))
				}
			}
			return nil
		}

		if strings.HasPrefix(line, "data: ") {
			printFrame(strings.TrimPrefix(line, "data: "))
		}
	}
}

func printFrame(data string) {
	var event struct {
		Timestamp string `json:"timestamp"`
		Message   string `json:"message"`
		Step      string `json:"step"`
		Status    string `json:"status"`
	}
	if err := json.Unmarshal([]byte(data), &event); err != nil || (event.Message == "" && event.Step == "") {
		// Replayed buffer line, print as-is.
		fmt.Println(strings.ReplaceAll(data, "\\n", "\n"))
		return
	}

	ts := event.Timestamp
	if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
		ts = t.Local().Format("15:04:05")
	}
	switch {
	case event.Step != "" && event.Status != "":
		fmt.Printf("%s [%s] %s\n", ts, event.Step, event.Status)
	case event.Message != "":
		fmt.Printf("%s %s\n", ts, event.Message)
	}
}

func cancel(id string) error {
	ctx, cancelCtx := context.WithTimeout(context.Background(), requestTimeout)
	defer cancelCtx()

	if err := shared.NewClient().Delete(ctx, "/v1/runs/"+id); err != nil {
		return fmt.Errorf("failed to cancel run: %w", err)
	}

	if !shared.GetQuiet() {
		fmt.Println(shared.RenderOK(fmt.Sprintf("Run %s cancelled", id)))
	}
	return nil
}
