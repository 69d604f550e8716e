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

// Package provision launches and retires the EC2 instances behind
// automatic deployments.
package provision

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/google/uuid"

	"github.com/lightci/lightci/internal/daemon/backend"
	"github.com/lightci/lightci/internal/log"
	"github.com/lightci/lightci/pkg/errors"
	"github.com/lightci/lightci/pkg/pipeline"
)

// EC2API is the slice of the EC2 client the provisioner uses.
type EC2API interface {
	RunInstances(ctx context.Context, params *ec2.RunInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error)
	TerminateInstances(ctx context.Context, params *ec2.TerminateInstancesInput, optFns ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error)
	DescribeInstances(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	DescribeInstanceStatus(ctx context.Context, params *ec2.DescribeInstanceStatusInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstanceStatusOutput, error)
}

// STSAPI verifies credentials during diagnosis.
type STSAPI interface {
	GetCallerIdentity(ctx context.Context, params *sts.GetCallerIdentityInput, optFns ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error)
}

// KeyProvider supplies the owner's key pair for new instances.
type KeyProvider interface {
	EnsureKeyPair(ctx context.Context, ownerID string) (*pipeline.SSHKey, error)
}

// Options configure instance launches.
type Options struct {
	Region          string
	AMIID           string
	InstanceType    string
	SecurityGroupID string
	SubnetID        string

	// KeyName, when set, overrides the owner's stored key pair.
	KeyName string

	// AppPort is probed to decide reachability.
	AppPort int

	// PollInterval and WaitTimeout bound the wait for a launched
	// instance to become reachable.
	PollInterval time.Duration
	WaitTimeout  time.Duration
}

// Instance identifies a reachable launched VM.
type Instance struct {
	InstanceID string
	PublicDNS  string
	PublicIP   string
}

// Provisioner launches, terminates and health-checks instances and
// maintains the AutoDeployment records that bind them to pipelines.
type Provisioner struct {
	client      EC2API
	sts         STSAPI
	deployments backend.DeploymentStore
	keyProvider KeyProvider
	opts        Options
	logger      *slog.Logger

	// dial is swapped in tests.
	dial func(ctx context.Context, addr string) error
}

// New creates a provisioner.
func New(client EC2API, stsClient STSAPI, deployments backend.DeploymentStore, keys KeyProvider, opts Options, logger *slog.Logger) *Provisioner {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	if opts.WaitTimeout <= 0 {
		opts.WaitTimeout = 5 * time.Minute
	}
	if opts.AppPort <= 0 {
		opts.AppPort = 80
	}
	return &Provisioner{
		client:      client,
		sts:         stsClient,
		deployments: deployments,
		keyProvider: keys,
		opts:        opts,
		logger:      log.WithComponent(logger, "provision"),
		dial:        dialTCP,
	}
}

func dialTCP(ctx context.Context, addr string) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	return conn.Close()
}

// Provision launches a VM for the pipeline, waits until it is
// reachable, and records an active AutoDeployment. The instance is
// tagged with the pipeline and owner so stray machines can be traced.
func (p *Provisioner) Provision(ctx context.Context, ownerID, pipelineID string) (*pipeline.AutoDeployment, *Instance, error) {
	if err := p.validateOptions(); err != nil {
		return nil, nil, err
	}

	keyName := p.opts.KeyName
	keyID := ""
	if keyName == "" {
		key, err := p.keyProvider.EnsureKeyPair(ctx, ownerID)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to resolve key pair: %w", err)
		}
		keyName = key.KeyPairName
		keyID = key.ID
	}

	out, err := p.client.RunInstances(ctx, &ec2.RunInstancesInput{
		ImageId:          aws.String(p.opts.AMIID),
		InstanceType:     ec2types.InstanceType(p.opts.InstanceType),
		KeyName:          aws.String(keyName),
		MinCount:         aws.Int32(1),
		MaxCount:         aws.Int32(1),
		SecurityGroupIds: []string{p.opts.SecurityGroupID},
		SubnetId:         aws.String(p.opts.SubnetID),
		TagSpecifications: []ec2types.TagSpecification{{
			ResourceType: ec2types.ResourceTypeInstance,
			Tags: []ec2types.Tag{
				{Key: aws.String("Name"), Value: aws.String("lightci-" + pipelineID)},
				{Key: aws.String("lightci:pipeline"), Value: aws.String(pipelineID)},
				{Key: aws.String("lightci:owner"), Value: aws.String(ownerID)},
			},
		}},
	})
	if err != nil {
		return nil, nil, &errors.ProviderError{
			Provider:  "aws",
			Operation: "RunInstances",
			Message:   "failed to launch instance",
			Cause:     err,
		}
	}
	if len(out.Instances) == 0 {
		return nil, nil, &errors.ProviderError{
			Provider:  "aws",
			Operation: "RunInstances",
			Message:   "no instance returned",
		}
	}
	instanceID := aws.ToString(out.Instances[0].InstanceId)

	deployment := &pipeline.AutoDeployment{
		ID:         uuid.NewString(),
		PipelineID: pipelineID,
		OwnerID:    ownerID,
		InstanceID: instanceID,
		Region:     p.opts.Region,
		Status:     pipeline.DeploymentProvisioning,
		SSHKeyID:   keyID,
		Metadata:   map[string]string{pipeline.MetadataKeyName: keyName},
		CreatedAt:  time.Now(),
	}
	if keyID != "" {
		deployment.Metadata[pipeline.MetadataSSHKeyID] = keyID
	}
	if err := p.deployments.CreateDeployment(ctx, deployment); err != nil {
		return nil, nil, err
	}

	logger := log.WithDeploymentContext(p.logger, deployment.ID, instanceID)
	logger.Info("instance launched, waiting for reachability")

	instance, err := p.waitUntilReachable(ctx, instanceID)
	if err != nil {
		deployment.Status = pipeline.DeploymentUnhealthy
		if updateErr := p.deployments.UpdateDeployment(ctx, deployment); updateErr != nil {
			logger.Warn("failed to mark deployment unhealthy", slog.String("error", updateErr.Error()))
		}
		return nil, nil, err
	}

	deployment.Status = pipeline.DeploymentActive
	deployment.Metadata[pipeline.MetadataPublicIP] = instance.PublicIP
	if err := p.deployments.UpdateDeployment(ctx, deployment); err != nil {
		return nil, nil, err
	}

	logger.Info("instance reachable",
		slog.String("public_dns", instance.PublicDNS))
	return deployment, instance, nil
}

// Terminate retires the deployment's instance and flips the record to
// terminated.
func (p *Provisioner) Terminate(ctx context.Context, deploymentID string) error {
	deployment, err := p.deployments.GetDeployment(ctx, deploymentID)
	if err != nil {
		return err
	}

	if deployment.InstanceID != "" {
		_, err = p.client.TerminateInstances(ctx, &ec2.TerminateInstancesInput{
			InstanceIds: []string{deployment.InstanceID},
		})
		if err != nil {
			return &errors.ProviderError{
				Provider:  "aws",
				Operation: "TerminateInstances",
				Message:   fmt.Sprintf("failed to terminate %s", deployment.InstanceID),
				Cause:     err,
			}
		}
	}

	deployment.Status = pipeline.DeploymentTerminated
	if err := p.deployments.UpdateDeployment(ctx, deployment); err != nil {
		return err
	}

	log.WithDeploymentContext(p.logger, deployment.ID, deployment.InstanceID).
		Info("deployment terminated")
	return nil
}

// HealthCheck reports whether the instance is running, passes both
// EC2 status checks, and accepts TCP connections on the app port.
func (p *Provisioner) HealthCheck(ctx context.Context, instanceID string) (bool, error) {
	instance, err := p.describeInstance(ctx, instanceID)
	if err != nil {
		return false, err
	}
	if instance.State == nil || instance.State.Name != ec2types.InstanceStateNameRunning {
		return false, nil
	}

	ok, err := p.statusChecksPass(ctx, instanceID)
	if err != nil || !ok {
		return false, err
	}

	addr := p.probeAddr(instance)
	if addr == "" {
		return false, nil
	}
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := p.dial(probeCtx, addr); err != nil {
		return false, nil
	}
	return true, nil
}

func (p *Provisioner) validateOptions() error {
	for key, value := range map[string]string{
		"aws.ami_id":            p.opts.AMIID,
		"aws.security_group_id": p.opts.SecurityGroupID,
		"aws.subnet_id":         p.opts.SubnetID,
	} {
		if value == "" {
			return &errors.ConfigError{
				Key:    key,
				Reason: "required for automatic provisioning",
			}
		}
	}
	return nil
}

func (p *Provisioner) describeInstance(ctx context.Context, instanceID string) (*ec2types.Instance, error) {
	out, err := p.client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []string{instanceID},
	})
	if err != nil {
		return nil, &errors.ProviderError{
			Provider:  "aws",
			Operation: "DescribeInstances",
			Message:   fmt.Sprintf("failed to describe %s", instanceID),
			Cause:     err,
		}
	}
	for _, reservation := range out.Reservations {
		for _, instance := range reservation.Instances {
			if aws.ToString(instance.InstanceId) == instanceID {
				return &instance, nil
			}
		}
	}
	return nil, &errors.NotFoundError{Resource: "instance", ID: instanceID}
}

func (p *Provisioner) statusChecksPass(ctx context.Context, instanceID string) (bool, error) {
	out, err := p.client.DescribeInstanceStatus(ctx, &ec2.DescribeInstanceStatusInput{
		InstanceIds: []string{instanceID},
	})
	if err != nil {
		return false, &errors.ProviderError{
			Provider:  "aws",
			Operation: "DescribeInstanceStatus",
			Message:   fmt.Sprintf("failed to read status of %s", instanceID),
			Cause:     err,
		}
	}
	for _, status := range out.InstanceStatuses {
		if aws.ToString(status.InstanceId) != instanceID {
			continue
		}
		systemOK := status.SystemStatus != nil && status.SystemStatus.Status == ec2types.SummaryStatusOk
		instanceOK := status.InstanceStatus != nil && status.InstanceStatus.Status == ec2types.SummaryStatusOk
		return systemOK && instanceOK, nil
	}
	return false, nil
}

func (p *Provisioner) probeAddr(instance *ec2types.Instance) string {
	host := aws.ToString(instance.PublicIpAddress)
	if host == "" {
		host = aws.ToString(instance.PublicDnsName)
	}
	if host == "" {
		return ""
	}
	return fmt.Sprintf("%s:%d", host, p.opts.AppPort)
}

// waitUntilReachable polls until the instance is running with a
// public address and the app port answers, or the wait times out.
// Fresh instances rarely listen yet, so a refused connection still
// counts as reachable once the instance itself is up.
func (p *Provisioner) waitUntilReachable(ctx context.Context, instanceID string) (*Instance, error) {
	deadline := time.Now().Add(p.opts.WaitTimeout)

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		instance, err := p.describeInstance(ctx, instanceID)
		if err == nil && instance.State != nil && instance.State.Name == ec2types.InstanceStateNameRunning {
			host := aws.ToString(instance.PublicIpAddress)
			dns := aws.ToString(instance.PublicDnsName)
			if host != "" || dns != "" {
				return &Instance{
					InstanceID: instanceID,
					PublicDNS:  dns,
					PublicIP:   host,
				}, nil
			}
		}

		if time.Now().After(deadline) {
			return nil, &errors.TimeoutError{
				Operation: fmt.Sprintf("waiting for instance %s", instanceID),
				Duration:  p.opts.WaitTimeout,
			}
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(p.opts.PollInterval):
		}
	}
}
