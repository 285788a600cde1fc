package s3

import (
	"testing"

	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarryhq/quarry/pkg/provider"
)

func TestParseObjectURL(t *testing.T) {
	tests := []struct {
		url     string
		bucket  string
		key     string
		wantErr bool
	}{
		{url: "s3://photos/albums/2024/img_001.jpg", bucket: "photos", key: "albums/2024/img_001.jpg"},
		{url: "s3://photos/albums/2024/", bucket: "photos", key: "albums/2024/"},
		{url: "s3://photos", bucket: "photos", key: ""},
		{url: "http://photos/x", wantErr: true},
		{url: "s3://", wantErr: true},
	}
	for _, tt := range tests {
		bucket, key, err := parseObjectURL(tt.url)
		if tt.wantErr {
			assert.Error(t, err, tt.url)
			continue
		}
		require.NoError(t, err, tt.url)
		assert.Equal(t, tt.bucket, bucket)
		assert.Equal(t, tt.key, key)
	}
}

func TestMatches(t *testing.T) {
	p := &Provider{}
	assert.True(t, p.Matches("s3://bucket/key.png"))
	assert.True(t, p.Matches("s3://bucket"))
	assert.False(t, p.Matches("https://bucket.s3.amazonaws.com/key"))
}

func TestDescribeRoundTripsThroughParse(t *testing.T) {
	rd := describe("photos", "albums/2024/img_001.JPG", 1024, 3)

	assert.Equal(t, "s3://photos/albums/2024/img_001.JPG", rd.Key)
	assert.Equal(t, "img_001", rd.Title)
	assert.Equal(t, "jpg", rd.Ext)
	assert.Equal(t, int64(1024), rd.Size)
	assert.Equal(t, 3, rd.Index)

	bucket, key, err := parseObjectURL(rd.Key)
	require.NoError(t, err)
	assert.Equal(t, "photos", bucket)
	assert.Equal(t, "albums/2024/img_001.JPG", key)
}

func TestWrapErrorMapsAPICodes(t *testing.T) {
	p := &Provider{}
	tests := []struct {
		code     string
		sentinel error
	}{
		{"NoSuchKey", provider.ErrNotFound},
		{"NoSuchBucket", provider.ErrNotFound},
		{"AccessDenied", provider.ErrAccessDenied},
		{"InvalidAccessKeyId", provider.ErrAccessDenied},
		{"SlowDown", provider.ErrThrottled},
		{"ServiceUnavailable", provider.ErrUnavailable},
	}
	for _, tt := range tests {
		apiErr := &smithy.GenericAPIError{Code: tt.code, Message: "boom"}
		err := p.wrapError("Fetch", "s3://b/k", apiErr)
		assert.ErrorIs(t, err, tt.sentinel, tt.code)

		var perr *provider.Error
		require.ErrorAs(t, err, &perr)
		assert.Equal(t, "s3", perr.Provider)
	}

	// Unknown codes keep the raw error without a sentinel.
	err := p.wrapError("Fetch", "s3://b/k", &smithy.GenericAPIError{Code: "Weird"})
	assert.NotErrorIs(t, err, provider.ErrNotFound)
	assert.Error(t, err)
}

func TestResolveRegion(t *testing.T) {
	assert.Equal(t, "eu-west-1", resolveRegion("", "eu-west-1"))
	assert.Equal(t, DefaultAWSRegion, resolveRegion("", ""))
	assert.Equal(t, "", resolveRegion("https://minio.local:9000", ""))
}

func TestClampMaxKeys(t *testing.T) {
	assert.Equal(t, DefaultMaxKeys, clampMaxKeys(0))
	assert.Equal(t, 250, clampMaxKeys(250))
	assert.Equal(t, MaxAllowedKeys, clampMaxKeys(5000))
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, Config{}.Validate())
	assert.NoError(t, Config{AccessKeyID: "k", SecretAccessKey: "s"}.Validate())
	assert.Error(t, Config{AccessKeyID: "k"}.Validate())
	assert.Error(t, Config{SecretAccessKey: "s"}.Validate())
}
