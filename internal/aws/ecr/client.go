// Package ecr verifies that a workload's image actually exists before any
// compute resources are created for it.
package ecr

import (
	"context"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsecr "github.com/aws/aws-sdk-go-v2/service/ecr"
	ecrtypes "github.com/aws/aws-sdk-go-v2/service/ecr/types"

	"github.com/videoproc-hackathon/provisioner/internal/plan"
)

type ECRAPI interface {
	DescribeImages(ctx context.Context, params *awsecr.DescribeImagesInput, optFns ...func(*awsecr.Options)) (*awsecr.DescribeImagesOutput, error)
}

type Client struct {
	api ECRAPI
}

func NewClient(api ECRAPI) *Client {
	return &Client{api: api}
}

// VerifyImage checks that the tagged image exists in its repository. Images
// from registries other than ECR are skipped; the orchestrator will surface
// pull failures for those at schedule time instead.
func (c *Client) VerifyImage(ctx context.Context, image string) error {
	repo, tag, ok := parseImageRef(image)
	if !ok {
		return nil
	}

	_, err := c.api.DescribeImages(ctx, &awsecr.DescribeImagesInput{
		RepositoryName: aws.String(repo),
		ImageIds: []ecrtypes.ImageIdentifier{
			{ImageTag: aws.String(tag)},
		},
	})
	if err != nil {
		return plan.Configf("image %s not found in ECR: %v", image, err)
	}
	return nil
}

// parseImageRef splits an ECR image reference into repository name and tag.
// Returns ok=false for non-ECR references.
func parseImageRef(image string) (repo, tag string, ok bool) {
	registry, path, found := strings.Cut(image, "/")
	if !found || !strings.Contains(registry, ".ecr.") {
		return "", "", false
	}
	repo, tag, found = strings.Cut(path, ":")
	if !found {
		tag = "latest"
	}
	return repo, tag, true
}
