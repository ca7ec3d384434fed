// Package s3 verifies the frame-storage bucket the workload depends on.
package s3

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/videoproc-hackathon/provisioner/internal/plan"
)

type S3API interface {
	HeadBucket(ctx context.Context, params *awss3.HeadBucketInput, optFns ...func(*awss3.Options)) (*awss3.HeadBucketOutput, error)
}

type Client struct {
	api S3API
}

func NewClient(api S3API) *Client {
	return &Client{api: api}
}

// VerifyBucket checks that the bucket exists and is reachable with the
// current credentials. The bucket is a read-only shared input; the workload
// fails at runtime without it, so a missing bucket aborts the run up front.
func (c *Client) VerifyBucket(ctx context.Context, name string) error {
	_, err := c.api.HeadBucket(ctx, &awss3.HeadBucketInput{
		Bucket: aws.String(name),
	})
	if err != nil {
		return plan.Configf("S3 bucket %s not reachable: %v", name, err)
	}
	return nil
}
