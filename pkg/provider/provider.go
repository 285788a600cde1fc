// Package provider defines the contract between the download scheduler and
// the site-specific backends that know how to enumerate and fetch remote
// resources.
//
// Providers implement a minimal surface area: pure URL matching, resource
// enumeration, and byte-stream fetching. Scheduling, naming, and
// persistence stay outside the provider.
package provider

import (
	"context"
	"io"
)

// Provider resolves a submitted URL into fetchable resources.
//
// Implementations should:
//   - Keep Matches pure (no network, no filesystem)
//   - Return enumeration results in a stable order; that order drives
//     on-disk page numbering
//   - Be safe for concurrent use
type Provider interface {
	// ID is a short stable identifier ("http", "s3", "file").
	ID() string

	// Matches reports whether this provider can handle the raw URL.
	Matches(rawURL string) bool

	// Enumerate resolves the source into an ordered, finite list of
	// resources. A single-file source yields exactly one descriptor.
	// Source.Context may carry an opaque resume cursor from a previous
	// enumeration of the same source.
	Enumerate(ctx context.Context, src Source) ([]ResourceDescriptor, error)

	// Fetch opens a byte stream for one enumerated resource.
	// contentLength is -1 when unknown.
	Fetch(ctx context.Context, rd ResourceDescriptor) (body io.ReadCloser, contentLength int64, err error)

	// Close releases any resources held by the provider.
	Close() error
}

// Source is the provider-facing view of a submitted fetch specification.
type Source struct {
	// URL is the raw locator the user submitted.
	URL string

	// Context is opaque provider metadata (pagination cursors, session
	// hints). It round-trips through the job cache so a restarted job can
	// resume enumeration where it left off.
	Context map[string]string
}

// ResourceDescriptor identifies one fetchable unit within a source.
type ResourceDescriptor struct {
	// Key is the provider-scoped locator for this resource (an absolute
	// URL for HTTP, an object key for S3, a path for local files).
	Key string

	// Title is a human-readable name used for filename templating.
	Title string

	// Ext is the filename extension without the leading dot, if known.
	Ext string

	// ContentType is the MIME type, if known before fetching.
	ContentType string

	// Size is the resource size in bytes, or -1 if unknown. A known size
	// lets a resumed job verify partially written files.
	Size int64

	// Index is the 1-based position within the enumeration order.
	Index int
}
