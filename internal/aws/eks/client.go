// Package eks converges the cluster-node-group backend: a managed node group
// inside a pre-existing EKS cluster, the workload scheduled onto it, and the
// node instances registered with the backend target group once the group
// reports ready.
package eks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsec2 "github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	awseks "github.com/aws/aws-sdk-go-v2/service/eks"
	ekstypes "github.com/aws/aws-sdk-go-v2/service/eks/types"
	"github.com/aws/smithy-go"

	"github.com/videoproc-hackathon/provisioner/internal/plan"
)

type EKSAPI interface {
	DescribeCluster(ctx context.Context, params *awseks.DescribeClusterInput, optFns ...func(*awseks.Options)) (*awseks.DescribeClusterOutput, error)
	DescribeNodegroup(ctx context.Context, params *awseks.DescribeNodegroupInput, optFns ...func(*awseks.Options)) (*awseks.DescribeNodegroupOutput, error)
	CreateNodegroup(ctx context.Context, params *awseks.CreateNodegroupInput, optFns ...func(*awseks.Options)) (*awseks.CreateNodegroupOutput, error)
	DeleteNodegroup(ctx context.Context, params *awseks.DeleteNodegroupInput, optFns ...func(*awseks.Options)) (*awseks.DeleteNodegroupOutput, error)
}

// InstanceAPI is the slice of EC2 used to find a node group's worker
// instances for target-group registration.
type InstanceAPI interface {
	DescribeInstances(ctx context.Context, params *awsec2.DescribeInstancesInput, optFns ...func(*awsec2.Options)) (*awsec2.DescribeInstancesOutput, error)
}

type Client struct {
	api AggregateAPI
	cfg aws.Config
}

// AggregateAPI bundles the two service surfaces the backend touches.
type AggregateAPI struct {
	EKS EKSAPI
	EC2 InstanceAPI
}

func NewClient(eksAPI EKSAPI, ec2API InstanceAPI, cfg aws.Config) *Client {
	return &Client{api: AggregateAPI{EKS: eksAPI, EC2: ec2API}, cfg: cfg}
}

// Cluster is the subset of EKS cluster state the provisioner needs.
type Cluster struct {
	Name          string
	ARN           string
	Status        string
	Endpoint      string
	CertAuthority string
}

// DescribeCluster resolves the pre-existing cluster. The cluster itself is a
// read-only shared input: a missing or non-active cluster is a configuration
// problem, not something this system creates.
func (c *Client) DescribeCluster(ctx context.Context, name string) (Cluster, error) {
	out, err := c.api.EKS.DescribeCluster(ctx, &awseks.DescribeClusterInput{
		Name: aws.String(name),
	})
	if err != nil {
		return Cluster{}, fmt.Errorf("DescribeCluster(%s): %w", name, err)
	}

	cl := out.Cluster
	cluster := Cluster{
		Name:   aws.ToString(cl.Name),
		ARN:    aws.ToString(cl.Arn),
		Status: string(cl.Status),
	}
	cluster.Endpoint = aws.ToString(cl.Endpoint)
	if cl.CertificateAuthority != nil {
		cluster.CertAuthority = aws.ToString(cl.CertificateAuthority.Data)
	}

	if cluster.Status != string(ekstypes.ClusterStatusActive) {
		return Cluster{}, plan.Configf("EKS cluster %s is %s, need ACTIVE", name, cluster.Status)
	}
	return cluster, nil
}

// NodeGroupInput parameterizes the managed node group.
type NodeGroupInput struct {
	Cluster      string
	Name         string
	NodeRoleARN  string
	SubnetIDs    []string
	InstanceType string
	Size         int
}

// EnsureNodeGroup finds the node group or creates it with a fixed size
// (min = max = desired; scaling policies are out of scope).
func (c *Client) EnsureNodeGroup(ctx context.Context, in NodeGroupInput) (string, error) {
	out, err := c.api.EKS.DescribeNodegroup(ctx, &awseks.DescribeNodegroupInput{
		ClusterName:   aws.String(in.Cluster),
		NodegroupName: aws.String(in.Name),
	})
	if err == nil && out.Nodegroup != nil {
		return aws.ToString(out.Nodegroup.NodegroupArn), nil
	}
	// Only an absent group routes to creation; anything else (throttle,
	// auth) surfaces as the describe failure it is.
	if err != nil && !isNotFound(err) {
		return "", fmt.Errorf("DescribeNodegroup(%s/%s): %w", in.Cluster, in.Name, err)
	}

	size := int32(in.Size)
	created, err := c.api.EKS.CreateNodegroup(ctx, &awseks.CreateNodegroupInput{
		ClusterName:   aws.String(in.Cluster),
		NodegroupName: aws.String(in.Name),
		NodeRole:      aws.String(in.NodeRoleARN),
		Subnets:       in.SubnetIDs,
		InstanceTypes: []string{in.InstanceType},
		ScalingConfig: &ekstypes.NodegroupScalingConfig{
			MinSize:     aws.Int32(size),
			MaxSize:     aws.Int32(size),
			DesiredSize: aws.Int32(size),
		},
	})
	if err != nil {
		return "", fmt.Errorf("CreateNodegroup(%s): %w", in.Name, err)
	}
	return aws.ToString(created.Nodegroup.NodegroupArn), nil
}

// isNotFound matches the EKS error for a node group that does not exist.
func isNotFound(err error) bool {
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == "ResourceNotFoundException"
}

// NodeGroupStatus returns the current lifecycle status of the node group.
func (c *Client) NodeGroupStatus(ctx context.Context, cluster, name string) (string, error) {
	out, err := c.api.EKS.DescribeNodegroup(ctx, &awseks.DescribeNodegroupInput{
		ClusterName:   aws.String(cluster),
		NodegroupName: aws.String(name),
	})
	if err != nil {
		return "", fmt.Errorf("DescribeNodegroup(%s/%s): %w", cluster, name, err)
	}
	return string(out.Nodegroup.Status), nil
}

// WaitNodeGroupActive blocks until the node group reports ACTIVE or the
// timeout elapses. Target-group attachment is ordered behind this call:
// the engine never attaches instances of a group that has not reported
// ready, and a timeout surfaces as a DependencyError rather than a partial
// attachment.
func (c *Client) WaitNodeGroupActive(ctx context.Context, cluster, name string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		status, err := c.NodeGroupStatus(ctx, cluster, name)
		if err != nil {
			return err
		}
		switch status {
		case string(ekstypes.NodegroupStatusActive):
			return nil
		case string(ekstypes.NodegroupStatusCreateFailed), string(ekstypes.NodegroupStatusDegraded):
			return &plan.DependencyError{
				Entity: cluster + "/" + name,
				Msg:    "node group entered " + status,
			}
		}

		if time.Now().After(deadline) {
			return &plan.DependencyError{
				Entity: cluster + "/" + name,
				Msg:    fmt.Sprintf("not ready after %s (status %s)", timeout, status),
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(15 * time.Second):
		}
	}
}

// NodeInstanceIDs lists the running worker instances of a node group, found
// by the tag EKS applies to every node it launches.
func (c *Client) NodeInstanceIDs(ctx context.Context, nodeGroup string) ([]string, error) {
	var ids []string
	var nextToken *string

	for {
		out, err := c.api.EC2.DescribeInstances(ctx, &awsec2.DescribeInstancesInput{
			Filters: []ec2types.Filter{
				{Name: aws.String("tag:eks:nodegroup-name"), Values: []string{nodeGroup}},
				{Name: aws.String("instance-state-name"), Values: []string{"running"}},
			},
			NextToken: nextToken,
		})
		if err != nil {
			return nil, fmt.Errorf("DescribeInstances: %w", err)
		}

		for _, reservation := range out.Reservations {
			for _, inst := range reservation.Instances {
				ids = append(ids, aws.ToString(inst.InstanceId))
			}
		}

		if out.NextToken == nil {
			break
		}
		nextToken = out.NextToken
	}
	return ids, nil
}

// DeleteNodeGroup tears down a converged node group.
func (c *Client) DeleteNodeGroup(ctx context.Context, cluster, name string) error {
	_, err := c.api.EKS.DeleteNodegroup(ctx, &awseks.DeleteNodegroupInput{
		ClusterName:   aws.String(cluster),
		NodegroupName: aws.String(name),
	})
	if err != nil {
		return fmt.Errorf("DeleteNodegroup(%s/%s): %w", cluster, name, err)
	}
	return nil
}
