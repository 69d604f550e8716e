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

package executor

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/lightci/lightci/pkg/errors"
)

// Remote identifies an SSH target and the directory commands run in.
type Remote struct {
	User    string
	Host    string
	KeyPath string

	// WorkDir, when set, is entered before the command runs.
	WorkDir string
}

func (r Remote) destination() string {
	return fmt.Sprintf("%s@%s", r.User, r.Host)
}

// ExecuteRemote runs a command on the remote host. Environment
// entries are exported and the working directory entered before the
// command, all as a single remote shell string.
func (e *Executor) ExecuteRemote(ctx context.Context, command string, target Remote, env map[string]string) (*Result, error) {
	remoteCmd := buildRemoteCommand(command, target.WorkDir, env)
	args := e.sshArgs(target, remoteCmd)
	return e.runRemote(ctx, "ssh", args, target)
}

// StartRemoteApp launches a long-running process on the remote host.
// Any prior listener on appPort is killed first, and the command is
// detached under nohup so it survives the SSH session.
func (e *Executor) StartRemoteApp(ctx context.Context, command string, target Remote, appPort int, env map[string]string) (*Result, error) {
	wrapped := buildAppStartCommand(command, appPort)
	return e.ExecuteRemote(ctx, wrapped, target, env)
}

// Upload copies a local file to the remote path using scp.
func (e *Executor) Upload(ctx context.Context, localPath string, target Remote, remotePath string) (*Result, error) {
	args := append(e.sshOptions(target.KeyPath), localPath, fmt.Sprintf("%s:%s", target.destination(), remotePath))
	return e.runRemote(ctx, "scp", args, target)
}

func (e *Executor) runRemote(ctx context.Context, binary string, args []string, target Remote) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, binary, args...)
	cmd.WaitDelay = 5 * time.Second

	var output strings.Builder
	cmd.Stdout = &output
	cmd.Stderr = &output

	e.logger.Debug("executing remote command",
		slog.String("binary", binary),
		slog.String("host", target.Host),
		slog.String("user", target.User))

	start := time.Now()
	err := cmd.Run()
	result := &Result{
		Output:   output.String(),
		ExitCode: 0,
		Duration: time.Since(start),
	}

	if err != nil {
		result.ExitCode = -1
		if exitErr, ok := err.(*exec.ExitError); ok {
			result.ExitCode = exitErr.ExitCode()
		}
		if ctx.Err() == context.DeadlineExceeded {
			return result, &errors.TimeoutError{
				Operation: fmt.Sprintf("remote %s to %s", binary, target.Host),
				Duration:  e.timeout,
				Cause:     err,
			}
		}
		return result, fmt.Errorf("%s to %s failed with exit code %d: %s", binary, target.Host, result.ExitCode, lastLine(result.Output))
	}

	return result, nil
}

// sshOptions are the flags shared by ssh and scp invocations. Host
// key checking is disabled because provisioned instances have fresh,
// unknown host keys.
func (e *Executor) sshOptions(keyPath string) []string {
	args := []string{
		"-o", "StrictHostKeyChecking=no",
		"-o", "UserKnownHostsFile=/dev/null",
		"-o", "IdentitiesOnly=yes",
		"-o", fmt.Sprintf("ConnectTimeout=%d", int(e.connectTimeout.Seconds())),
	}
	if keyPath != "" {
		args = append(args, "-i", keyPath)
	}
	return args
}

func (e *Executor) sshArgs(target Remote, remoteCmd string) []string {
	return append(e.sshOptions(target.KeyPath), target.destination(), remoteCmd)
}

// buildRemoteCommand assembles the single shell string sent over SSH:
// exports, then cd, then the command itself.
func buildRemoteCommand(command, workDir string, env map[string]string) string {
	var parts []string

	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("export %s=%s", k, shellQuote(env[k])))
	}

	if workDir != "" {
		parts = append(parts, fmt.Sprintf("cd %s", shellQuote(workDir)))
	}

	parts = append(parts, command)
	return strings.Join(parts, " && ")
}

// buildAppStartCommand wraps a command for a detached application
// start. The previous listener on the port is killed so redeploys do
// not collide, then the command is backgrounded under nohup with its
// output captured in nohup.out.
func buildAppStartCommand(command string, appPort int) string {
	kill := fmt.Sprintf("sudo fuser -k %d/tcp >/dev/null 2>&1 || true", appPort)
	return fmt.Sprintf("%s; nohup %s > nohup.out 2>&1 &", kill, command)
}

// shellQuote single-quotes a value for the remote shell.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}
