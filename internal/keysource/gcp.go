package keysource

import (
	"context"
	"fmt"
	"strings"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"google.golang.org/api/option"
)

type gcpAccessor func(ctx context.Context, name string) ([]byte, error)

type gcpSource struct {
	access gcpAccessor
	name   string
}

func newGCPSource(ctx context.Context, opts Options) (*gcpSource, error) {
	name := opts.Ref
	if !strings.HasPrefix(name, "projects/") {
		return nil, fmt.Errorf("encryption.ref must be a resource name like projects/<p>/secrets/<s>/versions/latest")
	}
	if !strings.Contains(name, "/versions/") {
		name += "/versions/latest"
	}

	var clientOptions []option.ClientOption
	if opts.CredentialsFile != "" {
		clientOptions = append(clientOptions, option.WithCredentialsFile(opts.CredentialsFile))
	}
	client, err := secretmanager.NewClient(ctx, clientOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCP Secret Manager client: %w", err)
	}

	return &gcpSource{
		name: name,
		access: func(ctx context.Context, name string) ([]byte, error) {
			resp, err := client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{Name: name})
			if err != nil {
				return nil, err
			}
			if resp.Payload == nil || resp.Payload.Data == nil {
				return nil, fmt.Errorf("secret %s has no payload", name)
			}
			return resp.Payload.Data, nil
		},
	}, nil
}

func (g *gcpSource) Name() string { return SourceGCP }

func (g *gcpSource) Fetch(ctx context.Context) (Material, error) {
	data, err := g.access(ctx, g.name)
	if err != nil {
		return Material{}, err
	}
	return parseMaterial(string(data))
}
