// Package s3 implements the provider contract for AWS S3 and S3-compatible
// object stores. An s3://bucket/key URL enumerates to one resource; an
// s3://bucket/prefix/ URL enumerates every object under the prefix in key
// order, which drives the on-disk page numbering.
package s3

import "fmt"

// Config configures the S3 provider.
//
// Authentication follows the AWS SDK v2 default chain: explicit keys here
// win, then environment variables, then shared credentials/config files,
// then instance or task roles. For S3-compatible stores (MinIO, Wasabi,
// DigitalOcean Spaces) set Endpoint and usually ForcePathStyle.
type Config struct {
	// Region is the AWS region. Empty falls back to environment/profile
	// resolution, then to DefaultAWSRegion for real AWS endpoints.
	Region string

	// Endpoint is a custom endpoint URL for S3-compatible stores. Empty
	// means AWS S3.
	Endpoint string

	// Profile selects a shared-config profile. Empty uses the default.
	Profile string

	// AccessKeyID and SecretAccessKey are explicit static credentials.
	// Either both or neither must be set.
	AccessKeyID     string
	SecretAccessKey string

	// ForcePathStyle puts the bucket in the URL path instead of the
	// subdomain. Required by most S3-compatible stores.
	ForcePathStyle bool

	// MaxKeys is the list page size. Zero uses DefaultMaxKeys; values over
	// MaxAllowedKeys are clamped.
	MaxKeys int
}

// DefaultMaxKeys is the default list page size.
const DefaultMaxKeys = 1000

// MaxAllowedKeys is the largest page size S3 accepts.
const MaxAllowedKeys = 1000

// DefaultAWSRegion is the fallback region when nothing else resolves one.
const DefaultAWSRegion = "us-east-1"

// Validate checks credential pairing; everything else has a usable zero
// value.
func (c Config) Validate() error {
	if (c.AccessKeyID != "") != (c.SecretAccessKey != "") {
		return fmt.Errorf("access key id and secret access key must be provided together")
	}
	return nil
}

// resolveRegion applies the region fallback after SDK config loading.
// sdkRegion already reflects explicit config, environment, and profile; a
// default is applied only for real AWS endpoints.
func resolveRegion(endpoint, sdkRegion string) string {
	if sdkRegion != "" {
		return sdkRegion
	}
	if endpoint == "" {
		return DefaultAWSRegion
	}
	return ""
}

// clampMaxKeys applies the default and upper bound to a page size.
func clampMaxKeys(requested int) int {
	if requested <= 0 {
		requested = DefaultMaxKeys
	}
	if requested > MaxAllowedKeys {
		return MaxAllowedKeys
	}
	return requested
}
