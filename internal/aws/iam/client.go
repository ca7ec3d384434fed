// Package iam resolves the pre-existing roles the workloads run under. Roles
// are read-only shared inputs: the provisioner looks them up and fails fast
// when one is missing, it never creates or mutates them.
package iam

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsiam "github.com/aws/aws-sdk-go-v2/service/iam"

	"github.com/videoproc-hackathon/provisioner/internal/plan"
)

type IAMAPI interface {
	GetRole(ctx context.Context, params *awsiam.GetRoleInput, optFns ...func(*awsiam.Options)) (*awsiam.GetRoleOutput, error)
}

type Client struct {
	api IAMAPI
}

func NewClient(api IAMAPI) *Client {
	return &Client{api: api}
}

// RoleARN resolves a role name to its ARN. A missing role is a configuration
// problem surfaced before any resource is created.
func (c *Client) RoleARN(ctx context.Context, name string) (string, error) {
	out, err := c.api.GetRole(ctx, &awsiam.GetRoleInput{
		RoleName: aws.String(name),
	})
	if err != nil {
		return "", plan.Configf("IAM role %s not found: %v", name, err)
	}
	return aws.ToString(out.Role.Arn), nil
}

// ResolveRole accepts either a full ARN or a bare role name, so manifests can
// use whichever form the operator has at hand.
func (c *Client) ResolveRole(ctx context.Context, nameOrARN string) (string, error) {
	if len(nameOrARN) > 4 && nameOrARN[:4] == "arn:" {
		return nameOrARN, nil
	}
	arn, err := c.RoleARN(ctx, nameOrARN)
	if err != nil {
		return "", fmt.Errorf("resolving role %s: %w", nameOrARN, err)
	}
	return arn, nil
}
