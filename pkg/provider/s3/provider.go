package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/quarryhq/quarry/pkg/provider"
)

const providerID = "s3"

// Provider fetches objects from S3 and S3-compatible storage.
type Provider struct {
	client  *s3.Client
	maxKeys int
}

var _ provider.Provider = (*Provider)(nil)

// New creates an S3 provider. The SDK default credential chain applies
// unless Config carries explicit keys.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	awsCfg, err := loadAWSConfig(ctx, cfg)
	if err != nil {
		return nil, &provider.Error{Op: "New", Provider: providerID, Err: err}
	}

	opts := []func(*s3.Options){
		func(o *s3.Options) {
			o.UsePathStyle = cfg.ForcePathStyle
		},
	}
	if cfg.Endpoint != "" {
		opts = append(opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}

	return &Provider{
		client:  s3.NewFromConfig(awsCfg, opts...),
		maxKeys: clampMaxKeys(cfg.MaxKeys),
	}, nil
}

func loadAWSConfig(ctx context.Context, cfg Config) (aws.Config, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.Profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(cfg.Profile))
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, err
	}
	awsCfg.Region = resolveRegion(cfg.Endpoint, awsCfg.Region)
	return awsCfg, nil
}

func (p *Provider) ID() string { return providerID }

// Matches accepts s3://bucket[/key] URLs.
func (p *Provider) Matches(rawURL string) bool {
	_, _, err := parseObjectURL(rawURL)
	return err == nil
}

// Enumerate lists the source. A key naming one object yields a single
// descriptor; a prefix (trailing slash or empty key) yields every object
// under it, paginated internally and returned in S3's lexicographic key
// order.
func (p *Provider) Enumerate(ctx context.Context, src provider.Source) ([]provider.ResourceDescriptor, error) {
	bucket, key, err := parseObjectURL(src.URL)
	if err != nil {
		return nil, p.wrapError("Enumerate", src.URL, err)
	}

	if key != "" && !strings.HasSuffix(key, "/") {
		head, err := p.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(key),
		})
		if err == nil {
			rd := describe(bucket, key, aws.ToInt64(head.ContentLength), 1)
			rd.ContentType = aws.ToString(head.ContentType)
			return []provider.ResourceDescriptor{rd}, nil
		}
		if !provider.IsNotFound(p.wrapError("Enumerate", key, err)) {
			return nil, p.wrapError("Enumerate", key, err)
		}
		// No object at the exact key; fall through to a prefix listing.
	}

	var (
		rds   []provider.ResourceDescriptor
		token *string
	)
	for {
		input := &s3.ListObjectsV2Input{
			Bucket:            aws.String(bucket),
			MaxKeys:           aws.Int32(int32(p.maxKeys)),
			ContinuationToken: token,
		}
		if key != "" {
			input.Prefix = aws.String(key)
		}

		out, err := p.client.ListObjectsV2(ctx, input)
		if err != nil {
			return nil, p.wrapError("Enumerate", src.URL, err)
		}
		for _, obj := range out.Contents {
			k := aws.ToString(obj.Key)
			if strings.HasSuffix(k, "/") {
				continue // directory placeholder
			}
			rds = append(rds, describe(bucket, k, aws.ToInt64(obj.Size), len(rds)+1))
		}
		if !aws.ToBool(out.IsTruncated) {
			break
		}
		token = out.NextContinuationToken
	}

	if len(rds) == 0 {
		return nil, p.wrapError("Enumerate", src.URL, provider.ErrNotFound)
	}
	return rds, nil
}

// Fetch opens a GetObject stream for one enumerated resource.
func (p *Provider) Fetch(ctx context.Context, rd provider.ResourceDescriptor) (io.ReadCloser, int64, error) {
	bucket, key, err := parseObjectURL(rd.Key)
	if err != nil {
		return nil, -1, p.wrapError("Fetch", rd.Key, err)
	}

	out, err := p.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, -1, p.wrapError("Fetch", rd.Key, err)
	}
	return out.Body, aws.ToInt64(out.ContentLength), nil
}

// Close satisfies the interface; the S3 client needs no explicit cleanup.
func (p *Provider) Close() error { return nil }

// describe builds a descriptor whose Key round-trips through
// parseObjectURL for Fetch.
func describe(bucket, key string, size int64, index int) provider.ResourceDescriptor {
	base := path.Base(key)
	ext := strings.TrimPrefix(path.Ext(base), ".")
	return provider.ResourceDescriptor{
		Key:   "s3://" + bucket + "/" + key,
		Title: strings.TrimSuffix(base, path.Ext(base)),
		Ext:   strings.ToLower(ext),
		Size:  size,
		Index: index,
	}
}

// parseObjectURL splits s3://bucket/key into bucket and key. The key may
// be empty (whole bucket) or end in a slash (prefix).
func parseObjectURL(rawURL string) (bucket, key string, err error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", "", err
	}
	if u.Scheme != "s3" || u.Host == "" {
		return "", "", fmt.Errorf("not an s3 url: %s", rawURL)
	}
	return u.Host, strings.TrimPrefix(u.Path, "/"), nil
}

// wrapError converts SDK failures into provider errors with sentinel
// classification, checking typed errors first and API codes second.
func (p *Provider) wrapError(op, key string, err error) error {
	wrapped := &provider.Error{Op: op, Provider: providerID, Key: key, Err: err}

	var notFound *types.NotFound
	var noSuchKey *types.NoSuchKey
	var noSuchBucket *types.NoSuchBucket
	switch {
	case errors.As(err, &notFound), errors.As(err, &noSuchKey), errors.As(err, &noSuchBucket):
		wrapped.Err = fmt.Errorf("%v: %w", err, provider.ErrNotFound)
		return wrapped
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		if sentinel := sentinelForCode(apiErr.ErrorCode()); sentinel != nil {
			wrapped.Err = fmt.Errorf("%v: %w", err, sentinel)
		}
		return wrapped
	}
	return wrapped
}

func sentinelForCode(code string) error {
	switch code {
	case "NoSuchKey", "NotFound", "NoSuchBucket":
		return provider.ErrNotFound
	case "AccessDenied", "Forbidden", "InvalidAccessKeyId", "SignatureDoesNotMatch":
		return provider.ErrAccessDenied
	case "SlowDown", "Throttling", "RequestLimitExceeded":
		return provider.ErrThrottled
	case "ServiceUnavailable", "InternalError":
		return provider.ErrUnavailable
	}
	return nil
}
