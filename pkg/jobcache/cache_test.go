package jobcache

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarryhq/quarry/pkg/job"
	"github.com/quarryhq/quarry/pkg/naming"
)

func openTestCache(t *testing.T, path string) *Cache {
	t.Helper()
	c, err := Open(path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func entry(url string) Entry {
	return Entry{
		URL: url,
		Options: job.Options{
			SaveTo:        "/downloads",
			OverwriteMode: naming.OverwriteRename,
			NamingPattern: "%title%.%ext%",
		},
	}
}

func TestCache_PutRemoveRoundTrip(t *testing.T) {
	c := openTestCache(t, filepath.Join(t.TempDir(), "queue.json"))

	c.Put("job-1", entry("https://a.example/x.jpg"))
	got := c.All()
	require.Contains(t, got, "job-1")
	assert.Equal(t, "https://a.example/x.jpg", got["job-1"].URL)

	c.Remove("job-1")
	assert.NotContains(t, c.All(), "job-1")
}

func TestCache_BatchAndClear(t *testing.T) {
	c := openTestCache(t, filepath.Join(t.TempDir(), "queue.json"))

	c.PutBatch(map[string]Entry{
		"a": entry("https://a.example/1"),
		"b": entry("https://a.example/2"),
	})
	assert.Len(t, c.All(), 2)

	c.Clear()
	assert.Empty(t, c.All())
}

func TestCache_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.json")

	c := openTestCache(t, path)
	c.Put("job-1", Entry{
		URL:     "https://a.example/gallery",
		Options: job.Options{SaveTo: "/dl", AcceptTypes: []string{"image/*"}},
		Context: map[string]string{"cursor": "page-3"},
	})
	require.NoError(t, c.Close())

	reopened := openTestCache(t, path)
	got := reopened.All()
	require.Contains(t, got, "job-1")
	assert.Equal(t, "https://a.example/gallery", got["job-1"].URL)
	assert.Equal(t, []string{"image/*"}, got["job-1"].Options.AcceptTypes)
	assert.Equal(t, "page-3", got["job-1"].Context["cursor"])
}

func TestCache_FileIsValidJSONAfterClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.json")

	c := openTestCache(t, path)
	for i := 0; i < 50; i++ {
		c.Put("job", entry("https://a.example/x"))
		c.Remove("job")
	}
	c.Put("kept", entry("https://a.example/kept"))
	require.NoError(t, c.Close())

	b, err := os.ReadFile(path)
	require.NoError(t, err)

	var decoded map[string]Entry
	require.NoError(t, json.Unmarshal(b, &decoded))
	assert.Len(t, decoded, 1)

	// No orphaned temp files from the atomic replace.
	matches, err := filepath.Glob(filepath.Join(filepath.Dir(path), "*.tmp.*"))
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestCache_CloseIsIdempotentUnderConcurrency(t *testing.T) {
	c := openTestCache(t, filepath.Join(t.TempDir(), "queue.json"))
	c.Put("job-1", entry("https://a.example/x"))

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, c.Close())
		}()
	}
	wg.Wait()
	require.NoError(t, c.Close())
}

func TestCache_MalformedEntrySkipped(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "queue.json")
	raw := `{
  "good": {"url": "https://a.example/ok", "options": {"save_to": "/dl", "overwrite_mode": "skip", "naming_pattern": ""}},
  "bad-shape": {"url": 12345},
  "no-url": {"options": {}}
}`
	require.NoError(t, os.WriteFile(path, []byte(raw), 0644))

	c := openTestCache(t, path)
	got := c.All()
	assert.Len(t, got, 1)
	require.Contains(t, got, "good")
	assert.Equal(t, naming.OverwriteSkip, got["good"].Options.OverwriteMode)
}

func TestCache_CorruptFileStartsEmpty(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "queue.json")
	require.NoError(t, os.WriteFile(path, []byte("{{not json"), 0644))

	c := openTestCache(t, path)
	assert.Empty(t, c.All())
}

func TestCache_Relocate(t *testing.T) {
	oldDir := t.TempDir()
	newDir := t.TempDir()
	oldPath := filepath.Join(oldDir, "queue.json")
	newPath := filepath.Join(newDir, "deep", "queue.json")

	c := openTestCache(t, oldPath)
	c.Put("job-1", entry("https://a.example/x"))

	require.NoError(t, c.Relocate(newPath))
	assert.Equal(t, newPath, c.Path())

	// Entries survive the move and land in the new file.
	assert.Contains(t, c.All(), "job-1")
	b, err := os.ReadFile(newPath)
	require.NoError(t, err)
	var decoded map[string]Entry
	require.NoError(t, json.Unmarshal(b, &decoded))
	assert.Contains(t, decoded, "job-1")

	_, err = os.Stat(oldPath)
	assert.True(t, os.IsNotExist(err), "old backing file should be gone")

	// Writes after the move go to the new location.
	c.Put("job-2", entry("https://a.example/y"))
	require.NoError(t, c.Close())

	b, err = os.ReadFile(newPath)
	require.NoError(t, err)
	decoded = nil
	require.NoError(t, json.Unmarshal(b, &decoded))
	assert.Len(t, decoded, 2)
}
