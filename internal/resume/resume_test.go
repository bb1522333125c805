package resume

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/simcache/vmworker/internal/dictionary"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeDownloader struct {
	dictBytes []byte
	dictErr   error
	batches   map[string][]byte
	keys      []string
}

func (f *fakeDownloader) GetObject(ctx context.Context, key string) ([]byte, error) {
	if key == f.DictionaryKey() {
		if f.dictErr != nil {
			return nil, f.dictErr
		}
		return f.dictBytes, nil
	}
	data, ok := f.batches[key]
	if !ok {
		return nil, errors.New("not found")
	}
	return data, nil
}

func (f *fakeDownloader) ListBatchKeys(ctx context.Context) ([]string, error) {
	return f.keys, nil
}

func (f *fakeDownloader) DictionaryKey() string { return "prefix/dictionary.zstd" }

func buildBatch(t *testing.T, dict *dictionary.Manager, entries map[string]string) []byte {
	t.Helper()
	var archiveBuf bytes.Buffer
	tw := tar.NewWriter(&archiveBuf)
	for name, content := range entries {
		require.NoError(t, tw.WriteHeader(&tar.Header{Name: name, Size: int64(len(content)), Mode: 0o644}))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())

	enc, err := dict.Encoder()
	require.NoError(t, err)
	defer enc.Close()
	return enc.EncodeAll(archiveBuf.Bytes(), nil)
}

func TestRunRestoresFramesAndFiles(t *testing.T) {
	dict := dictionary.New(3, nil)
	cacheDir := t.TempDir()

	batch1 := buildBatch(t, dict, map[string]string{"sim_000001.bphys": "frame one"})
	batch2 := buildBatch(t, dict, map[string]string{"sim_000002.bphys": "frame two"})

	dl := &fakeDownloader{
		batches: map[string][]byte{
			"prefix/batch_0001.tar.zst": batch1,
			"prefix/batch_0002.tar.zst": batch2,
		},
		keys: []string{"prefix/batch_0001.tar.zst", "prefix/batch_0002.tar.zst"},
	}

	m := New(dl, dictionary.New(3, nil), cacheDir, testLogger())
	result, err := m.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, result.BatchCount)
	assert.ElementsMatch(t, []int{1, 2}, result.SecuredFrames)
	assert.FileExists(t, filepath.Join(cacheDir, "sim_000001.bphys"))
	assert.FileExists(t, filepath.Join(cacheDir, "sim_000002.bphys"))
}

func TestRunWithoutPriorDictionaryStartsUntrained(t *testing.T) {
	dl := &fakeDownloader{dictErr: errors.New("404 not found"), keys: nil}
	dictMgr := dictionary.New(3, nil)
	m := New(dl, dictMgr, t.TempDir(), testLogger())

	result, err := m.Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, result.SecuredFrames)
	assert.False(t, dictMgr.IsTrained())
}

func TestExtractArchiveRejectsPathTraversal(t *testing.T) {
	var archiveBuf bytes.Buffer
	tw := tar.NewWriter(&archiveBuf)
	require.NoError(t, tw.WriteHeader(&tar.Header{
		Name: "../../etc/passwd", Size: 4, Mode: 0o644,
	}))
	_, err := tw.Write([]byte("evil"))
	require.NoError(t, err)
	require.NoError(t, tw.Close())

	dict := dictionary.New(3, nil)
	enc, err := dict.Encoder()
	require.NoError(t, err)
	compressed := enc.EncodeAll(archiveBuf.Bytes(), nil)
	enc.Close()

	cacheDir := t.TempDir()
	dl := &fakeDownloader{
		batches: map[string][]byte{"prefix/batch_0001.tar.zst": compressed},
		keys:    []string{"prefix/batch_0001.tar.zst"},
	}
	m := New(dl, dict, cacheDir, testLogger())

	_, err = m.Run(context.Background())
	require.Error(t, err)

	_, statErr := os.Stat(filepath.Join(filepath.Dir(filepath.Dir(cacheDir)), "etc", "passwd"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestBatchIDFromKey(t *testing.T) {
	id, ok := BatchIDFromKey("job-1/batch_0042.tar.zst")
	require.True(t, ok)
	assert.Equal(t, 42, id)

	_, ok = BatchIDFromKey("job-1/dictionary.zstd")
	assert.False(t, ok)
}
