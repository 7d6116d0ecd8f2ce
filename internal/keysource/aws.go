package keysource

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// SecretsManagerAPI is the subset of the Secrets Manager client we use.
type SecretsManagerAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

type awsSource struct {
	client   SecretsManagerAPI
	secretID string
}

func newAWSSource(ctx context.Context, opts Options) (*awsSource, error) {
	if opts.Ref == "" {
		return nil, fmt.Errorf("encryption.ref must name the AWS secret")
	}
	region := opts.Region
	if region == "" {
		region = defaultAWSRegion
	}

	configOpts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	// Static credentials are for LocalStack and similar endpoints.
	if opts.AccessKeyID != "" && opts.SecretAccessKey != "" {
		configOpts = append(configOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, ""),
		))
	}

	cfg, err := config.LoadDefaultConfig(ctx, configOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var clientOpts []func(*secretsmanager.Options)
	if opts.Endpoint != "" {
		endpoint := opts.Endpoint
		clientOpts = append(clientOpts, func(o *secretsmanager.Options) {
			o.BaseEndpoint = &endpoint
		})
	}
	return &awsSource{
		client:   secretsmanager.NewFromConfig(cfg, clientOpts...),
		secretID: opts.Ref,
	}, nil
}

func (a *awsSource) Name() string { return SourceAWS }

func (a *awsSource) Fetch(ctx context.Context) (Material, error) {
	out, err := a.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(a.secretID),
	})
	if err != nil {
		return Material{}, err
	}
	if out.SecretString == nil {
		return Material{}, fmt.Errorf("secret %s has no string value", a.secretID)
	}
	return parseMaterial(*out.SecretString)
}
