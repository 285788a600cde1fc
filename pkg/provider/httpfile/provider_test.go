package httpfile

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarryhq/quarry/pkg/provider"
)

func TestMatches(t *testing.T) {
	p := New(Config{})
	assert.True(t, p.Matches("http://example.com/a.jpg"))
	assert.True(t, p.Matches("https://example.com/a.jpg"))
	assert.False(t, p.Matches("s3://bucket/key"))
	assert.False(t, p.Matches("file:///tmp/a"))
	assert.False(t, p.Matches("https://")) // no host
	assert.False(t, p.Matches("::not a url::"))
}

func TestEnumerateUsesHeadMetadata(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodHead, r.Method)
		assert.Equal(t, DefaultUserAgent, r.Header.Get("User-Agent"))
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Content-Length", "512")
	}))
	defer srv.Close()

	p := New(Config{})
	rds, err := p.Enumerate(context.Background(), provider.Source{URL: srv.URL + "/gallery/cat.png"})
	require.NoError(t, err)
	require.Len(t, rds, 1)

	rd := rds[0]
	assert.Equal(t, srv.URL+"/gallery/cat.png", rd.Key)
	assert.Equal(t, "cat", rd.Title)
	assert.Equal(t, "png", rd.Ext)
	assert.Equal(t, "image/png", rd.ContentType)
	assert.Equal(t, int64(512), rd.Size)
	assert.Equal(t, 1, rd.Index)
}

func TestEnumerateToleratesHeadRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusMethodNotAllowed)
	}))
	defer srv.Close()

	p := New(Config{})
	rds, err := p.Enumerate(context.Background(), provider.Source{URL: srv.URL + "/a.bin"})
	require.NoError(t, err)
	require.Len(t, rds, 1)
	assert.Equal(t, int64(-1), rds[0].Size)
}

func TestEnumerateMapsStatusToSentinel(t *testing.T) {
	status := http.StatusNotFound
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))
	defer srv.Close()

	p := New(Config{})

	_, err := p.Enumerate(context.Background(), provider.Source{URL: srv.URL + "/missing"})
	assert.True(t, provider.IsNotFound(err))

	status = http.StatusForbidden
	_, err = p.Enumerate(context.Background(), provider.Source{URL: srv.URL + "/locked"})
	assert.ErrorIs(t, err, provider.ErrAccessDenied)

	status = http.StatusServiceUnavailable
	_, err = p.Enumerate(context.Background(), provider.Source{URL: srv.URL + "/down"})
	assert.ErrorIs(t, err, provider.ErrUnavailable)
}

func TestFetchStreamsBody(t *testing.T) {
	const payload = "file contents here"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodGet, r.Method)
		_, _ = w.Write([]byte(payload))
	}))
	defer srv.Close()

	p := New(Config{})
	body, size, err := p.Fetch(context.Background(), provider.ResourceDescriptor{Key: srv.URL + "/a.txt"})
	require.NoError(t, err)
	defer func() { _ = body.Close() }()

	b, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, payload, string(b))
	assert.Equal(t, int64(len(payload)), size)
}

func TestFetchMapsThrottling(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	p := New(Config{})
	_, _, err := p.Fetch(context.Background(), provider.ResourceDescriptor{Key: srv.URL + "/busy"})
	assert.True(t, provider.IsThrottled(err))

	var perr *provider.Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "Fetch", perr.Op)
	assert.Equal(t, "http", perr.Provider)
}

func TestFetchHonorsCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(10 * time.Second):
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	p := New(Config{})
	_, _, err := p.Fetch(ctx, provider.ResourceDescriptor{Key: srv.URL + "/slow"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRateLimiterSpacesRequests(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	// 20 req/s with burst 1: three requests need at least ~100ms.
	p := New(Config{RequestsPerSecond: 20, Burst: 1})
	start := time.Now()
	for i := 0; i < 3; i++ {
		body, _, err := p.Fetch(context.Background(), provider.ResourceDescriptor{Key: srv.URL + "/a"})
		require.NoError(t, err)
		_, _ = io.Copy(io.Discard, body)
		_ = body.Close()
	}
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
}

func TestStatusError(t *testing.T) {
	assert.ErrorIs(t, statusError(http.StatusGone), provider.ErrNotFound)
	assert.ErrorIs(t, statusError(http.StatusUnauthorized), provider.ErrAccessDenied)
	assert.ErrorIs(t, statusError(http.StatusInternalServerError), provider.ErrUnavailable)
	assert.NoError(t, statusError(http.StatusOK))
	assert.Error(t, statusError(http.StatusTeapot))
}
