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
	"path"
	"strconv"
	"strings"
	"time"
)

// Colors alternate between releases.
const (
	colorBlue  = "blue"
	colorGreen = "green"
)

// Deployment metadata keys tracking the live color between runs.
const (
	metadataActiveColor = "active_color"
	metadataActivePort  = "active_port"
)

// rollbackMessage is the deploy failure message after a rolled-back
// blue/green release.
const rollbackMessage = "Health check failed, rolled back"

func supervisorName(color string) string {
	return appName + "-" + color
}

// blueGreenRelease deploys into the idle color, health-checks it on
// the staging port, and only then repoints production traffic. The
// old color keeps serving until the switch, so a bad build never
// takes the site down.
func (d *Deployer) blueGreenRelease(ctx context.Context, rel *release, artifactsPath string) (*Result, error) {
	cfg := rel.cfg

	current, err := rel.currentColor(ctx)
	if err != nil {
		return rel.failure("failed to probe active color", err)
	}
	targetColor := colorBlue
	if current == colorBlue {
		targetColor = colorGreen
	}
	colorPath := path.Join(cfg.DeployPath, targetColor)
	rel.logf("deploying %s (current: %s)", targetColor, orNone(current))

	if err := rel.ssh(ctx, "", fmt.Sprintf("mkdir -p %s && rm -rf %s/*", quote(colorPath), quote(colorPath))); err != nil {
		return rel.failure("failed to prepare deploy path", err)
	}
	if err := rel.ssh(ctx, "", runtimeInstallCommand); err != nil {
		return rel.failure("failed to install runtime", err)
	}
	if err := rel.upload(ctx, artifactsPath, colorPath); err != nil {
		return rel.failure("failed to upload artifacts", err)
	}
	if err := rel.ssh(ctx, colorPath, "tar xzf "+archiveName); err != nil {
		return rel.failure("failed to extract archive", err)
	}
	if err := rel.ssh(ctx, colorPath, cfg.InstallCommand); err != nil {
		return rel.failure("failed to install dependencies", err)
	}

	if err := rel.startColor(ctx, colorPath, targetColor); err != nil {
		return rel.failure("failed to start "+targetColor, err)
	}

	healthy, err := rel.waitHealthy(ctx)
	if err != nil {
		return nil, err
	}
	if !healthy {
		rel.logf("health check did not pass within %ds, stopping %s", cfg.HealthCheckTimeout, targetColor)
		if err := rel.stopColor(ctx, targetColor); err != nil {
			rel.logger.Warn("failed to stop unhealthy color",
				slog.String("color", targetColor),
				slog.String("error", err.Error()))
		}
		message := "deployment health check failed"
		if cfg.RollbackOnFailure {
			message = rollbackMessage
		}
		rel.logger.Error(message, slog.String("color", targetColor))
		return &Result{Success: false, Message: message, Logs: rel.logs, Details: rel.details(targetColor)}, nil
	}

	if err := rel.switchTraffic(ctx); err != nil {
		return rel.failure("failed to switch traffic", err)
	}
	if current != "" {
		if err := rel.stopColor(ctx, current); err != nil {
			rel.logger.Warn("failed to stop old color",
				slog.String("color", current),
				slog.String("error", err.Error()))
		}
	}
	d.recordActiveColor(ctx, rel.logger, rel.tgt, targetColor, cfg.StagingPort)

	rel.logger.Info("deployment completed",
		slog.String("strategy", cfg.Strategy),
		slog.String("color", targetColor))
	return rel.success(fmt.Sprintf("deployment completed, %s is live", targetColor), targetColor)
}

// currentColor reports which color owns the production port. The
// listening socket decides; when nothing maps to a color the
// deployment's recorded metadata is trusted instead.
func (r *release) currentColor(ctx context.Context) (string, error) {
	command := fmt.Sprintf(
		"sudo ss -tlnp 2>/dev/null | grep -q ':%d ' && pm2 jlist 2>/dev/null | grep -o '%s\\|%s' | head -1 || true",
		r.cfg.ProductionPort, supervisorName(colorBlue), supervisorName(colorGreen))
	result, err := r.d.runner.ExecuteRemote(ctx, command, r.remote(""), nil)
	if err != nil {
		return "", err
	}

	switch {
	case strings.Contains(result.Output, supervisorName(colorBlue)):
		return colorBlue, nil
	case strings.Contains(result.Output, supervisorName(colorGreen)):
		return colorGreen, nil
	}
	if r.tgt.deployment != nil {
		if color := r.tgt.deployment.Metadata[metadataActiveColor]; color == colorBlue || color == colorGreen {
			return color, nil
		}
	}
	return "", nil
}

// startColor launches the target color on the staging port under a
// color-tagged supervisor entry.
func (r *release) startColor(ctx context.Context, colorPath, color string) error {
	name := supervisorName(color)
	command := fmt.Sprintf("pm2 delete %s || true && pm2 start npm --name %s -- start && pm2 save", name, name)
	r.logf("$ %s", command)
	result, err := r.d.runner.ExecuteRemote(ctx, command, r.remote(colorPath), map[string]string{
		"PORT": strconv.Itoa(r.cfg.StagingPort),
	})
	r.capture(result)
	return err
}

func (r *release) stopColor(ctx context.Context, color string) error {
	return r.ssh(ctx, "", fmt.Sprintf("pm2 delete %s || true && pm2 save", supervisorName(color)))
}

// waitHealthy polls the staging port's health endpoint at a fixed
// interval until it answers 2xx or the configured timeout elapses.
func (r *release) waitHealthy(ctx context.Context) (bool, error) {
	probe := fmt.Sprintf("curl -s -o /dev/null -w '%%{http_code}' http://localhost:%d%s",
		r.cfg.StagingPort, r.cfg.HealthCheckPath)
	deadline := time.Now().Add(time.Duration(r.cfg.HealthCheckTimeout) * time.Second)

	r.logf("waiting for http://localhost:%d%s", r.cfg.StagingPort, r.cfg.HealthCheckPath)
	for {
		result, err := r.d.runner.ExecuteRemote(ctx, probe, r.remote(""), nil)
		if err == nil && is2xx(result.Output) {
			r.logf("health check passed (%s)", strings.TrimSpace(result.Output))
			return true, nil
		}

		if time.Now().After(deadline) {
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(r.d.healthPollInterval):
		}
	}
}

// switchTraffic rewrites the host's port-forward rule so the
// production port redirects to the staging port the new color
// listens on.
func (r *release) switchTraffic(ctx context.Context) error {
	oldPort := r.cfg.ProductionPort
	if r.tgt.deployment != nil {
		if v, err := strconv.Atoi(r.tgt.deployment.Metadata[metadataActivePort]); err == nil && v > 0 {
			oldPort = v
		}
	}
	command := fmt.Sprintf(
		"sudo iptables -t nat -D PREROUTING -p tcp --dport %d -j REDIRECT --to-port %d 2>/dev/null || true; "+
			"sudo iptables -t nat -A PREROUTING -p tcp --dport %d -j REDIRECT --to-port %d",
		r.cfg.ProductionPort, oldPort, r.cfg.ProductionPort, r.cfg.StagingPort)
	return r.ssh(ctx, "", command)
}

// recordActiveColor persists the live color and port on the
// deployment so the next release can find the rule to replace.
func (d *Deployer) recordActiveColor(ctx context.Context, logger *slog.Logger, tgt *target, color string, port int) {
	dep := tgt.deployment
	if dep == nil {
		return
	}
	if dep.Metadata == nil {
		dep.Metadata = make(map[string]string)
	}
	dep.Metadata[metadataActiveColor] = color
	dep.Metadata[metadataActivePort] = strconv.Itoa(port)
	if err := d.deployments.UpdateDeployment(ctx, dep); err != nil {
		logger.Warn("failed to record active color", slog.String("error", err.Error()))
	}
}

func is2xx(output string) bool {
	code := strings.TrimSpace(output)
	if len(code) > 3 {
		code = code[len(code)-3:]
	}
	n, err := strconv.Atoi(code)
	return err == nil && n >= 200 && n < 300
}

func orNone(color string) string {
	if color == "" {
		return "none"
	}
	return color
}
