package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/ecr"
	"github.com/aws/smithy-go"

	"github.com/tagwatch/tagwatch/internal/config"
)

// unknownPushedAt stands in for a missing or unparsable push timestamp.
const unknownPushedAt = "<unknown>"

// ecrClient is a Client implementation for AWS Elastic Container Registry.
type ecrClient struct {
	cfg config.ECRConfig

	// api is broken out as an interface for testing purposes.
	api ecr.DescribeImagesAPIClient
}

func newECRClient(cfg *config.Config) (Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{}
	if cfg.ECR.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.ECR.Region))
	}
	if cfg.ECR.AccessKeyID != "" && cfg.ECR.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(
				cfg.ECR.AccessKeyID,
				cfg.ECR.SecretAccessKey,
				"",
			),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("error loading AWS configuration: %w", err)
	}
	return &ecrClient{
		cfg: cfg.ECR,
		api: ecr.NewFromConfig(awsCfg),
	}, nil
}

// ListImages implements Client.
func (e *ecrClient) ListImages(
	ctx context.Context,
	repo string,
) ([]Image, error) {
	var images []Image
	paginator := ecr.NewDescribeImagesPaginator(
		e.api,
		&ecr.DescribeImagesInput{RepositoryName: aws.String(repo)},
	)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf(
				"error describing images in repository %q: %w",
				repo, classifyAWSError(err),
			)
		}
		for _, detail := range page.ImageDetails {
			image := Image{
				Tags:     detail.ImageTags,
				PushedAt: unknownPushedAt,
			}
			if detail.ImageDigest != nil {
				image.Digest = *detail.ImageDigest
			}
			if detail.ImagePushedAt != nil {
				image.PushedAt = detail.ImagePushedAt.Format(time.ANSIC)
			}
			images = append(images, image)
		}
	}
	return images, nil
}

// ListTags implements Client.
func (e *ecrClient) ListTags(
	ctx context.Context,
	repo string,
) ([]string, error) {
	images, err := e.ListImages(ctx, repo)
	if err != nil {
		return nil, err
	}
	var tags []string
	for _, image := range images {
		tags = append(tags, image.Tags...)
	}
	return tags, nil
}

// Repositories implements Client.
func (e *ecrClient) Repositories() []string {
	return e.cfg.Repositories
}

// PollInterval implements Client.
func (e *ecrClient) PollInterval() int {
	return e.cfg.PollIntervalSeconds
}

// classifyAWSError wraps credential rejections in ErrUnauthorized so callers
// can tell them apart from transient failures.
func classifyAWSError(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "UnrecognizedClientException",
			"AccessDeniedException",
			"InvalidSignatureException":
			return fmt.Errorf("%w: %s", ErrUnauthorized, apiErr.ErrorMessage())
		}
	}
	return err
}
