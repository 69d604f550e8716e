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

// Package initcmd implements lightci init, the interactive pipeline
// scaffold.
package initcmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/lightci/lightci/internal/commands/shared"
	"github.com/lightci/lightci/pkg/pipeline"
)

// NewCommand creates the init command.
func NewCommand() *cobra.Command {
	var output string
	var name string
	var repository string
	var branch string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Scaffold a pipeline file",
		Long: `Create a pipeline YAML file for the current repository.

Interactive by default; in scripts, pass --name and --repository to
skip the prompts. Register the result with 'lightci pipeline create'
or drop it into the daemon's pipelines directory.`,
		Example: `  # Example 1: Interactive scaffold
  lightci init

  # Example 2: Non-interactive scaffold
  lightci init --name web-app --repository https://github.com/acme/web.git`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(output, name, repository, branch)
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "lightci.yaml", "Output file path")
	cmd.Flags().StringVar(&name, "name", "", "Pipeline name")
	cmd.Flags().StringVar(&repository, "repository", "", "Git repository URL")
	cmd.Flags().StringVar(&branch, "branch", "main", "Default branch")

	return cmd
}

type answers struct {
	Name       string
	Repository string
	Branch     string
	BuildCmd   string
	TestCmd    string
	Artifacts  string
	Deploy     bool
}

func run(output, name, repository, branch string) error {
	a := answers{
		Name:       name,
		Repository: repository,
		Branch:     branch,
		BuildCmd:   "make build",
		TestCmd:    "make test",
		Artifacts:  "dist/**",
	}

	if a.Name == "" || a.Repository == "" {
		if shared.IsNonInteractive() {
			return fmt.Errorf("--name and --repository are required in non-interactive contexts")
		}
		if err := ask(&a); err != nil {
			return err
		}
	}

	pip := buildPipeline(a)
	if err := pip.Validate(); err != nil {
		return shared.NewInvalidPipelineError("generated pipeline is invalid", err)
	}

	data, err := yaml.Marshal(pip)
	if err != nil {
		return fmt.Errorf("failed to render pipeline: %w", err)
	}

	if _, err := os.Stat(output); err == nil {
		return fmt.Errorf("%s already exists, not overwriting", output)
	}
	if dir := filepath.Dir(output); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create output directory: %w", err)
		}
	}
	if err := os.WriteFile(output, data, 0o644); err != nil {
		return fmt.Errorf("failed to write pipeline file: %w", err)
	}

	if !shared.GetQuiet() {
		fmt.Println(shared.RenderOK(fmt.Sprintf("Wrote %s", output)))
		fmt.Printf("\nNext steps:\n")
		fmt.Printf("  lightci pipeline validate %s\n", output)
		fmt.Printf("  lightci pipeline create %s\n", output)
	}
	return nil
}

func ask(a *answers) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Pipeline name:").
				Description("Lowercase, hyphens allowed. Example: web-app").
				Value(&a.Name).
				Validate(func(s string) error {
					if strings.TrimSpace(s) == "" {
						return fmt.Errorf("pipeline name is required")
					}
					return nil
				}),
			huh.NewInput().
				Title("Repository URL:").
				Placeholder("https://github.com/acme/web.git").
				Value(&a.Repository).
				Validate(func(s string) error {
					if strings.TrimSpace(s) == "" {
						return fmt.Errorf("repository URL is required")
					}
					return nil
				}),
			huh.NewInput().
				Title("Default branch:").
				Value(&a.Branch),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Build command:").
				Description("Leave empty to skip the build step").
				Value(&a.BuildCmd),
			huh.NewInput().
				Title("Test command:").
				Description("Leave empty to skip the test step").
				Value(&a.TestCmd),
			huh.NewInput().
				Title("Artifact patterns (comma separated):").
				Value(&a.Artifacts),
			huh.NewConfirm().
				Title("Add a deploy step?").
				Description("Deploys to an EC2 instance after a successful build").
				Value(&a.Deploy),
		),
	)
	return form.Run()
}

func buildPipeline(a answers) *pipeline.Pipeline {
	pip := &pipeline.Pipeline{
		Name:          a.Name,
		Repository:    a.Repository,
		DefaultBranch: a.Branch,
	}

	if a.BuildCmd != "" {
		pip.Steps = append(pip.Steps, pipeline.Step{Name: "build", Command: a.BuildCmd})
	}
	if a.TestCmd != "" {
		pip.Steps = append(pip.Steps, pipeline.Step{Name: "test", Command: a.TestCmd})
	}
	if len(pip.Steps) == 0 {
		pip.Steps = append(pip.Steps, pipeline.Step{Name: "build", Command: "make build"})
	}
	if a.Deploy {
		pip.Steps = append(pip.Steps, pipeline.Step{Name: "deploy", Kind: "deploy"})
		pip.Deployment.Enabled = true
		pip.Deployment.Platform = "ec2"
	}

	for _, p := range strings.Split(a.Artifacts, ",") {
		if p = strings.TrimSpace(p); p != "" {
			pip.Artifacts.Patterns = append(pip.Artifacts.Patterns, p)
		}
	}

	pip.ApplyDefaults()
	return pip
}
