package aws

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	awsec2 "github.com/aws/aws-sdk-go-v2/service/ec2"
	awsecrsdk "github.com/aws/aws-sdk-go-v2/service/ecr"
	awsecssdk "github.com/aws/aws-sdk-go-v2/service/ecs"
	awsekssdk "github.com/aws/aws-sdk-go-v2/service/eks"
	elbv2 "github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2"
	awsiamsdk "github.com/aws/aws-sdk-go-v2/service/iam"
	awss3sdk "github.com/aws/aws-sdk-go-v2/service/s3"

	awsecr "github.com/videoproc-hackathon/provisioner/internal/aws/ecr"
	awsecs "github.com/videoproc-hackathon/provisioner/internal/aws/ecs"
	awseks "github.com/videoproc-hackathon/provisioner/internal/aws/eks"
	awselb "github.com/videoproc-hackathon/provisioner/internal/aws/elb"
	awsiam "github.com/videoproc-hackathon/provisioner/internal/aws/iam"
	awslogs "github.com/videoproc-hackathon/provisioner/internal/aws/logs"
	awss3 "github.com/videoproc-hackathon/provisioner/internal/aws/s3"
	awssg "github.com/videoproc-hackathon/provisioner/internal/aws/sg"
	awsvpc "github.com/videoproc-hackathon/provisioner/internal/aws/vpc"
)

// ServiceClient bundles the per-service clients a convergence run touches.
type ServiceClient struct {
	VPC  *awsvpc.Client
	SG   *awssg.Client
	ELB  *awselb.Client
	ECS  *awsecs.Client
	EKS  *awseks.Client
	IAM  *awsiam.Client
	ECR  *awsecr.Client
	S3   *awss3.Client
	Logs *awslogs.Client
}

// NewServiceClient loads the AWS config, verifies the credentials resolve,
// and wires every service client.
func NewServiceClient(ctx context.Context, profile, region string) (*ServiceClient, error) {
	cfg, err := LoadConfig(ctx, profile, region)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	if _, err := AccountID(ctx, cfg); err != nil {
		return nil, fmt.Errorf("verifying credentials: %w", err)
	}

	ec2Client := awsec2.NewFromConfig(cfg)

	return &ServiceClient{
		VPC:  awsvpc.NewClient(ec2Client),
		SG:   awssg.NewClient(ec2Client),
		ELB:  awselb.NewClient(elbv2.NewFromConfig(cfg)),
		ECS:  awsecs.NewClient(awsecssdk.NewFromConfig(cfg)),
		EKS:  awseks.NewClient(awsekssdk.NewFromConfig(cfg), ec2Client, cfg),
		IAM:  awsiam.NewClient(awsiamsdk.NewFromConfig(cfg)),
		ECR:  awsecr.NewClient(awsecrsdk.NewFromConfig(cfg)),
		S3:   awss3.NewClient(awss3sdk.NewFromConfig(cfg)),
		Logs: awslogs.NewClient(cloudwatchlogs.NewFromConfig(cfg)),
	}, nil
}
