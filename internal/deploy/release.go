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

package deploy

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/lightci/lightci/internal/executor"
	"github.com/lightci/lightci/pkg/errors"
)

const (
	appName     = "lightci-app"
	archiveName = "deploy.tar.gz"
)

// runtimeInstallCommand makes sure node and pm2 exist on the target.
// Provisioned AMIs usually ship without either.
const runtimeInstallCommand = "command -v node >/dev/null 2>&1 || " +
	"{ curl -fsSL https://rpm.nodesource.com/setup_18.x | sudo bash - && " +
	"(sudo dnf install -y nodejs || sudo yum install -y nodejs || sudo apt-get install -y nodejs); }; " +
	"command -v pm2 >/dev/null 2>&1 || sudo npm install -g pm2"

// pm2RestartCommand replaces whatever pm2 is running with the freshly
// deployed application.
const pm2RestartCommand = "pm2 delete all || true && pm2 start npm --name " + appName + " -- start && pm2 save"

// release carries the state of one deployment attempt: the resolved
// target, the staged key, and the log transcript returned to the
// caller.
type release struct {
	d       *Deployer
	logger  *slog.Logger
	cfg     *Config
	tgt     *target
	keyPath string
	logs    []string
}

func (r *release) remote(workDir string) executor.Remote {
	return executor.Remote{
		User:    r.cfg.User,
		Host:    r.tgt.host,
		KeyPath: r.keyPath,
		WorkDir: workDir,
	}
}

func (r *release) logf(format string, args ...any) {
	r.logs = append(r.logs, fmt.Sprintf(format, args...))
}

func (r *release) capture(result *executor.Result) {
	if result == nil {
		return
	}
	if out := strings.TrimSpace(result.Output); out != "" {
		r.logs = append(r.logs, out)
	}
}

// ssh runs a remote command and folds its output into the transcript.
func (r *release) ssh(ctx context.Context, workDir, command string) error {
	r.logf("$ %s", command)
	result, err := r.d.runner.ExecuteRemote(ctx, command, r.remote(workDir), nil)
	r.capture(result)
	return err
}

// upload archives the artifact tree locally and copies it into destDir
// on the target.
func (r *release) upload(ctx context.Context, artifactsPath, destDir string) error {
	staging, err := os.MkdirTemp("", "lightci-deploy-")
	if err != nil {
		return errors.Wrap(err, "creating archive directory")
	}
	defer os.RemoveAll(staging)

	archive := filepath.Join(staging, archiveName)
	r.logf("$ tar czf %s", archiveName)
	if _, err := r.d.runner.Execute(ctx, fmt.Sprintf("tar czf %s -C %s .", quote(archive), quote(artifactsPath)), "", nil); err != nil {
		return err
	}

	r.logf("$ scp %s %s:%s/", archiveName, r.tgt.host, destDir)
	result, err := r.d.runner.Upload(ctx, archive, r.remote(""), destDir+"/")
	r.capture(result)
	return err
}

// startApp launches the application: detached under nohup when the
// config carries an explicit start command, via pm2 otherwise.
func (r *release) startApp(ctx context.Context) error {
	if cmd := r.cfg.StartCommand; cmd != "" {
		r.logf("$ %s", cmd)
		result, err := r.d.runner.StartRemoteApp(ctx, cmd, r.remote(r.cfg.DeployPath), r.cfg.AppPort, nil)
		r.capture(result)
		return err
	}
	return r.ssh(ctx, r.cfg.DeployPath, pm2RestartCommand)
}

func (r *release) details(color string) map[string]string {
	details := map[string]string{
		"host":     r.tgt.host,
		"strategy": r.cfg.Strategy,
	}
	if r.tgt.instanceID != "" {
		details["instance_id"] = r.tgt.instanceID
	}
	if color != "" {
		details["color"] = color
	}
	return details
}

func (r *release) success(message, color string) (*Result, error) {
	r.logf("%s", message)
	return &Result{Success: true, Message: message, Logs: r.logs, Details: r.details(color)}, nil
}

func (r *release) failure(message string, err error) (*Result, error) {
	r.logger.Error(message, slog.String("error", err.Error()))
	full := fmt.Sprintf("%s: %v", message, err)
	r.logf("%s", full)
	return &Result{Success: false, Message: full, Logs: r.logs, Details: r.details("")}, nil
}

// standardRelease wipes the deploy path and installs the new build in
// place. The application restarts once the new code is extracted and
// its dependencies are installed.
func (d *Deployer) standardRelease(ctx context.Context, rel *release, artifactsPath string) (*Result, error) {
	cfg := rel.cfg

	if err := rel.ssh(ctx, "", fmt.Sprintf("mkdir -p %s && rm -rf %s/*", quote(cfg.DeployPath), quote(cfg.DeployPath))); err != nil {
		return rel.failure("failed to prepare deploy path", err)
	}
	if err := rel.ssh(ctx, "", runtimeInstallCommand); err != nil {
		return rel.failure("failed to install runtime", err)
	}
	if err := rel.upload(ctx, artifactsPath, cfg.DeployPath); err != nil {
		return rel.failure("failed to upload artifacts", err)
	}
	if err := rel.ssh(ctx, cfg.DeployPath, "tar xzf "+archiveName); err != nil {
		return rel.failure("failed to extract archive", err)
	}
	if err := rel.ssh(ctx, cfg.DeployPath, cfg.InstallCommand); err != nil {
		return rel.failure("failed to install dependencies", err)
	}
	if err := rel.startApp(ctx); err != nil {
		return rel.failure("failed to start application", err)
	}
	if post := cfg.postDeploy(); post != "" {
		if err := rel.ssh(ctx, cfg.DeployPath, post); err != nil {
			return rel.failure("post-deploy command failed", err)
		}
	}

	rel.logger.Info("deployment completed", slog.String("strategy", cfg.Strategy))
	return rel.success("deployment completed", "")
}

// quote single-quotes a value for the remote shell.
func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}
