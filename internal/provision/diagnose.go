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

package provision

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
)

// Diagnosis is the result of an operator-facing instance check.
type Diagnosis struct {
	Success     bool     `json:"success"`
	Details     []string `json:"details"`
	Remediation []string `json:"remediation,omitempty"`
}

func (d *Diagnosis) detail(format string, args ...any) {
	d.Details = append(d.Details, fmt.Sprintf(format, args...))
}

func (d *Diagnosis) remediate(format string, args ...any) {
	d.Success = false
	d.Remediation = append(d.Remediation, fmt.Sprintf(format, args...))
}

// Diagnose inspects credentials, instance state, status checks and
// port reachability. It is for operators; the run path never calls
// it.
func (p *Provisioner) Diagnose(ctx context.Context, instanceID string) *Diagnosis {
	d := &Diagnosis{Success: true}

	identity, err := p.sts.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		d.detail("credential check failed: %v", err)
		d.remediate("configure AWS credentials (AWS_ACCESS_KEY_ID / AWS_SECRET_ACCESS_KEY or a shared profile)")
		return d
	}
	d.detail("authenticated as %s", aws.ToString(identity.Arn))

	instance, err := p.describeInstance(ctx, instanceID)
	if err != nil {
		d.detail("instance lookup failed: %v", err)
		d.remediate("check the instance id and AWS_DEFAULT_REGION (%s)", p.opts.Region)
		return d
	}

	state := ec2types.InstanceStateNamePending
	if instance.State != nil {
		state = instance.State.Name
	}
	d.detail("instance state: %s", state)
	if state != ec2types.InstanceStateNameRunning {
		d.remediate("start the instance or provision a new one")
	}

	checksOK, err := p.statusChecksPass(ctx, instanceID)
	switch {
	case err != nil:
		d.detail("status checks unavailable: %v", err)
	case checksOK:
		d.detail("system and instance status checks passed")
	default:
		d.detail("status checks not passing")
		d.remediate("wait for EC2 status checks or replace the instance")
	}

	addr := p.probeAddr(instance)
	if addr == "" {
		d.detail("no public address assigned")
		d.remediate("attach a public IP or check the subnet's auto-assign setting")
		return d
	}

	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := p.dial(probeCtx, addr); err != nil {
		d.detail("tcp probe to %s failed: %v", addr, err)
		d.remediate("check the security group allows port %d and the application is listening", p.opts.AppPort)
	} else {
		d.detail("tcp probe to %s succeeded", addr)
	}

	return d
}
