// Package localdir implements the provider contract for file:// URLs.
//
// A URL naming a regular file enumerates to one resource; a URL naming a
// directory enumerates to its regular files in sorted path order. Useful
// for re-organizing an existing download tree through the naming engine,
// and for tests that need a real provider without a network.
package localdir

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/quarryhq/quarry/pkg/provider"
)

const providerID = "file"

// Provider serves local filesystem sources.
type Provider struct{}

var _ provider.Provider = (*Provider)(nil)

func New() *Provider { return &Provider{} }

func (p *Provider) ID() string { return providerID }

// Matches accepts file:// URLs only. Bare paths are rejected so that a
// mistyped URL never silently reads the local disk.
func (p *Provider) Matches(rawURL string) bool {
	u, err := url.Parse(rawURL)
	return err == nil && u.Scheme == "file"
}

func (p *Provider) Enumerate(ctx context.Context, src provider.Source) ([]provider.ResourceDescriptor, error) {
	root, err := pathFromURL(src.URL)
	if err != nil {
		return nil, p.wrapError("Enumerate", src.URL, err)
	}

	st, err := os.Stat(root)
	if err != nil {
		return nil, p.wrapError("Enumerate", src.URL, mapFSError(err))
	}

	if !st.IsDir() {
		return []provider.ResourceDescriptor{describe(root, st, 1)}, nil
	}

	var files []string
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		if d.Type().IsRegular() {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, p.wrapError("Enumerate", src.URL, mapFSError(err))
	}
	sort.Strings(files)

	rds := make([]provider.ResourceDescriptor, 0, len(files))
	for i, path := range files {
		st, err := os.Stat(path)
		if err != nil {
			continue
		}
		rds = append(rds, describe(path, st, i+1))
	}
	if len(rds) == 0 {
		return nil, p.wrapError("Enumerate", src.URL, fmt.Errorf("directory is empty: %w", provider.ErrNotFound))
	}
	return rds, nil
}

func (p *Provider) Fetch(ctx context.Context, rd provider.ResourceDescriptor) (io.ReadCloser, int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, -1, err
	}
	f, err := os.Open(rd.Key)
	if err != nil {
		return nil, -1, p.wrapError("Fetch", rd.Key, mapFSError(err))
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, -1, p.wrapError("Fetch", rd.Key, mapFSError(err))
	}
	return f, st.Size(), nil
}

func (p *Provider) Close() error { return nil }

func (p *Provider) wrapError(op, key string, err error) error {
	return &provider.Error{Op: op, Provider: providerID, Key: key, Err: err}
}

func describe(path string, st fs.FileInfo, index int) provider.ResourceDescriptor {
	base := filepath.Base(path)
	ext := strings.TrimPrefix(filepath.Ext(base), ".")
	return provider.ResourceDescriptor{
		Key:   path,
		Title: strings.TrimSuffix(base, filepath.Ext(base)),
		Ext:   strings.ToLower(ext),
		Size:  st.Size(),
		Index: index,
	}
}

// pathFromURL converts a file:// URL to a clean absolute path.
func pathFromURL(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	if u.Scheme != "file" {
		return "", fmt.Errorf("not a file url: %s", rawURL)
	}
	p := u.Path
	if u.Host != "" && u.Host != "localhost" {
		return "", fmt.Errorf("remote hosts are not supported: %s", u.Host)
	}
	if p == "" {
		return "", fmt.Errorf("empty path in %s", rawURL)
	}
	return filepath.Clean(filepath.FromSlash(p)), nil
}

func mapFSError(err error) error {
	switch {
	case os.IsNotExist(err):
		return fmt.Errorf("%v: %w", err, provider.ErrNotFound)
	case os.IsPermission(err):
		return fmt.Errorf("%v: %w", err, provider.ErrAccessDenied)
	default:
		return err
	}
}
