package archive

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"e2eed/internal/config"
)

func TestFileSystemSink_RoundTrip(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	sink, err := NewFileSystemSink(root)
	require.NoError(t, err)

	require.NoError(t, sink.Put(ctx, "keys.age", strings.NewReader("first")))
	require.NoError(t, sink.Put(ctx, "keys.age", strings.NewReader("second")))

	var buf bytes.Buffer
	require.NoError(t, sink.Get(ctx, "keys.age", &buf))
	assert.Equal(t, "second", buf.String())

	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files are cleaned up")

	err = sink.Get(ctx, "missing.age", &buf)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFileSystemSink_RejectsEscapingNames(t *testing.T) {
	sink, err := NewFileSystemSink(t.TempDir())
	require.NoError(t, err)

	for _, name := range []string{"", "../x", "a/b", ".hidden", `a\b`} {
		assert.Error(t, sink.Put(context.Background(), name, strings.NewReader("x")), name)
	}
}

func TestNewFromConfig(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "exports")
	sink, err := NewFromConfig(context.Background(), config.ArchiveConfig{Type: "fs", Dir: dir})
	require.NoError(t, err)
	assert.IsType(t, &FileSystemSink{}, sink)
	assert.DirExists(t, dir)

	_, err = NewFromConfig(context.Background(), config.ArchiveConfig{Type: "tape"})
	assert.Error(t, err)
	_, err = NewFromConfig(context.Background(), config.ArchiveConfig{Type: "s3"})
	assert.Error(t, err)
}

type fakeBucket struct {
	objects map[string][]byte
}

func (b *fakeBucket) Upload(_ context.Context, in *s3.PutObjectInput, _ ...func(*manager.Uploader)) (*manager.UploadOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	b.objects[*in.Bucket+"/"+*in.Key] = data
	return &manager.UploadOutput{}, nil
}

func (b *fakeBucket) Download(_ context.Context, w io.WriterAt, in *s3.GetObjectInput, _ ...func(*manager.Downloader)) (int64, error) {
	data, ok := b.objects[*in.Bucket+"/"+*in.Key]
	if !ok {
		return 0, &types.NoSuchKey{}
	}
	n, err := w.WriteAt(data, 0)
	return int64(n), err
}

func TestS3Sink_PrefixAndNotFound(t *testing.T) {
	ctx := context.Background()
	bucket := &fakeBucket{objects: map[string][]byte{}}
	sink := newS3Sink("exports", "e2eed/", bucket, bucket)

	require.NoError(t, sink.Put(ctx, "alice.age", strings.NewReader("ciphertext")))
	assert.Contains(t, bucket.objects, "exports/e2eed/alice.age")

	var buf bytes.Buffer
	require.NoError(t, sink.Get(ctx, "alice.age", &buf))
	assert.Equal(t, "ciphertext", buf.String())

	assert.ErrorIs(t, sink.Get(ctx, "bob.age", &buf), ErrNotFound)
}
