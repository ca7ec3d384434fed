// Package ecs converges the serverless-task backend: an ECS cluster, a
// Fargate task definition and a service attached to the backend target group.
package ecs

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsecs "github.com/aws/aws-sdk-go-v2/service/ecs"
	ecstypes "github.com/aws/aws-sdk-go-v2/service/ecs/types"

	"github.com/videoproc-hackathon/provisioner/internal/plan"
)

type ECSAPI interface {
	DescribeClusters(ctx context.Context, params *awsecs.DescribeClustersInput, optFns ...func(*awsecs.Options)) (*awsecs.DescribeClustersOutput, error)
	CreateCluster(ctx context.Context, params *awsecs.CreateClusterInput, optFns ...func(*awsecs.Options)) (*awsecs.CreateClusterOutput, error)
	RegisterTaskDefinition(ctx context.Context, params *awsecs.RegisterTaskDefinitionInput, optFns ...func(*awsecs.Options)) (*awsecs.RegisterTaskDefinitionOutput, error)
	DescribeServices(ctx context.Context, params *awsecs.DescribeServicesInput, optFns ...func(*awsecs.Options)) (*awsecs.DescribeServicesOutput, error)
	CreateService(ctx context.Context, params *awsecs.CreateServiceInput, optFns ...func(*awsecs.Options)) (*awsecs.CreateServiceOutput, error)
	UpdateService(ctx context.Context, params *awsecs.UpdateServiceInput, optFns ...func(*awsecs.Options)) (*awsecs.UpdateServiceOutput, error)
	DeleteService(ctx context.Context, params *awsecs.DeleteServiceInput, optFns ...func(*awsecs.Options)) (*awsecs.DeleteServiceOutput, error)
}

type Client struct {
	api ECSAPI
}

func NewClient(api ECSAPI) *Client {
	return &Client{api: api}
}

// EnsureCluster finds an active cluster by name or creates it.
func (c *Client) EnsureCluster(ctx context.Context, name string) (string, error) {
	out, err := c.api.DescribeClusters(ctx, &awsecs.DescribeClustersInput{
		Clusters: []string{name},
	})
	if err != nil {
		return "", fmt.Errorf("DescribeClusters: %w", err)
	}
	for _, cl := range out.Clusters {
		if aws.ToString(cl.Status) == "ACTIVE" {
			return aws.ToString(cl.ClusterArn), nil
		}
	}

	created, err := c.api.CreateCluster(ctx, &awsecs.CreateClusterInput{
		ClusterName: aws.String(name),
	})
	if err != nil {
		return "", fmt.Errorf("CreateCluster(%s): %w", name, err)
	}
	return aws.ToString(created.Cluster.ClusterArn), nil
}

// TaskDefinitionInput carries the backend-specific pieces the task definition
// needs beyond the workload spec itself.
type TaskDefinitionInput struct {
	Workload         plan.Workload
	ExecutionRoleARN string
	Region           string
	LogGroup         string
	LogStreamPrefix  string
}

// RegisterTaskDefinition registers a Fargate task definition revision for the
// workload. Plain env values go into Environment; secret bindings go into
// Secrets as valueFrom references, so credential material never appears in
// the definition.
func (c *Client) RegisterTaskDefinition(ctx context.Context, in TaskDefinitionInput) (string, error) {
	w := in.Workload

	env := make([]ecstypes.KeyValuePair, len(w.Env))
	for i, e := range w.Env {
		env[i] = ecstypes.KeyValuePair{Name: aws.String(e.Name), Value: aws.String(e.Value)}
	}
	secrets := make([]ecstypes.Secret, len(w.Secrets))
	for i, s := range w.Secrets {
		secrets[i] = ecstypes.Secret{Name: aws.String(s.Name), ValueFrom: aws.String(s.ValueARN)}
	}

	prefix := in.LogStreamPrefix
	if prefix == "" {
		prefix = w.Name
	}

	out, err := c.api.RegisterTaskDefinition(ctx, &awsecs.RegisterTaskDefinitionInput{
		Family:                  aws.String(w.Name),
		RequiresCompatibilities: []ecstypes.Compatibility{ecstypes.CompatibilityFargate},
		NetworkMode:             ecstypes.NetworkModeAwsvpc,
		Cpu:                     aws.String(w.CPU),
		Memory:                  aws.String(w.Memory),
		ExecutionRoleArn:        aws.String(in.ExecutionRoleARN),
		ContainerDefinitions: []ecstypes.ContainerDefinition{{
			Name:      aws.String(w.Name),
			Image:     aws.String(w.Image),
			Essential: aws.Bool(true),
			PortMappings: []ecstypes.PortMapping{{
				ContainerPort: aws.Int32(int32(w.ContainerPort)),
				Protocol:      ecstypes.TransportProtocolTcp,
			}},
			Environment: env,
			Secrets:     secrets,
			LogConfiguration: &ecstypes.LogConfiguration{
				LogDriver: ecstypes.LogDriverAwslogs,
				Options: map[string]string{
					"awslogs-group":         in.LogGroup,
					"awslogs-region":        in.Region,
					"awslogs-stream-prefix": prefix,
				},
			},
		}},
	})
	if err != nil {
		return "", fmt.Errorf("RegisterTaskDefinition(%s): %w", w.Name, err)
	}
	return aws.ToString(out.TaskDefinition.TaskDefinitionArn), nil
}

// ServiceInput parameterizes the converged service.
type ServiceInput struct {
	Cluster        string
	Workload       plan.Workload
	TaskDefinition string
	TargetGroupARN string
	SubnetIDs      []string
	SecurityGroup  string
}

// EnsureService creates the Fargate service with IP target-group attachment,
// or updates the task definition and desired count of an existing one.
func (c *Client) EnsureService(ctx context.Context, in ServiceInput) (string, error) {
	out, err := c.api.DescribeServices(ctx, &awsecs.DescribeServicesInput{
		Cluster:  aws.String(in.Cluster),
		Services: []string{in.Workload.Name},
	})
	if err != nil {
		return "", fmt.Errorf("DescribeServices: %w", err)
	}
	for _, svc := range out.Services {
		if aws.ToString(svc.Status) != "ACTIVE" {
			continue
		}
		updated, err := c.api.UpdateService(ctx, &awsecs.UpdateServiceInput{
			Cluster:        aws.String(in.Cluster),
			Service:        aws.String(in.Workload.Name),
			TaskDefinition: aws.String(in.TaskDefinition),
			DesiredCount:   aws.Int32(int32(in.Workload.DesiredCount)),
		})
		if err != nil {
			return "", fmt.Errorf("UpdateService(%s): %w", in.Workload.Name, err)
		}
		return aws.ToString(updated.Service.ServiceArn), nil
	}

	created, err := c.api.CreateService(ctx, &awsecs.CreateServiceInput{
		Cluster:        aws.String(in.Cluster),
		ServiceName:    aws.String(in.Workload.Name),
		TaskDefinition: aws.String(in.TaskDefinition),
		DesiredCount:   aws.Int32(int32(in.Workload.DesiredCount)),
		LaunchType:     ecstypes.LaunchTypeFargate,
		NetworkConfiguration: &ecstypes.NetworkConfiguration{
			AwsvpcConfiguration: &ecstypes.AwsVpcConfiguration{
				Subnets:        in.SubnetIDs,
				SecurityGroups: []string{in.SecurityGroup},
				AssignPublicIp: ecstypes.AssignPublicIpDisabled,
			},
		},
		LoadBalancers: []ecstypes.LoadBalancer{{
			TargetGroupArn: aws.String(in.TargetGroupARN),
			ContainerName:  aws.String(in.Workload.Name),
			ContainerPort:  aws.Int32(int32(in.Workload.ContainerPort)),
		}},
	})
	if err != nil {
		return "", fmt.Errorf("CreateService(%s): %w", in.Workload.Name, err)
	}
	return aws.ToString(created.Service.ServiceArn), nil
}

// DeleteService scales the service to zero and deletes it.
func (c *Client) DeleteService(ctx context.Context, cluster, service string) error {
	_, err := c.api.UpdateService(ctx, &awsecs.UpdateServiceInput{
		Cluster:      aws.String(cluster),
		Service:      aws.String(service),
		DesiredCount: aws.Int32(0),
	})
	if err != nil {
		return fmt.Errorf("UpdateService(%s): %w", service, err)
	}

	_, err = c.api.DeleteService(ctx, &awsecs.DeleteServiceInput{
		Cluster: aws.String(cluster),
		Service: aws.String(service),
		Force:   aws.Bool(true),
	})
	if err != nil {
		return fmt.Errorf("DeleteService(%s): %w", service, err)
	}
	return nil
}
