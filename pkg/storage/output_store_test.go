package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalOutputStore_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	store, err := NewLocalOutputStore(filepath.Join(dir, "out"))
	require.NoError(t, err)

	ctx := context.Background()
	ref, err := store.Store(ctx, "abc", []byte("line 1\nline 2\n"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "out", "abc.log"), ref)

	data, err := store.Retrieve(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, "line 1\nline 2\n", string(data))
}

func TestLocalOutputStore_RejectsEscapes(t *testing.T) {
	dir := t.TempDir()
	store, err := NewLocalOutputStore(dir)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = store.Store(ctx, "../evil", []byte("x"))
	assert.Error(t, err)

	_, err = store.Retrieve(ctx, filepath.Join(dir, "..", "etc", "passwd"))
	assert.Error(t, err)

	_, err = store.Retrieve(ctx, filepath.Join(dir, "missing.log"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestS3OutputStore_Keys(t *testing.T) {
	s := &S3OutputStore{
		bucket: "artifacts",
		prefix: "sparkstep/output/",
		now:    func() time.Time { return time.Date(2024, 3, 9, 23, 0, 0, 0, time.UTC) },
	}
	assert.Equal(t, "sparkstep/output/2024/03/09/abc.log", s.buildKey("abc"))

	assert.Equal(t, "sparkstep/output/2024/03/09/abc.log", extractKey("s3://artifacts/sparkstep/output/2024/03/09/abc.log"))
	assert.Equal(t, "plain/key.log", extractKey("plain/key.log"))
	assert.Equal(t, "", extractKey("s3://bucket-only"))
}

func TestNewS3OutputStore_RequiresBucket(t *testing.T) {
	_, err := NewS3OutputStore(context.Background(), S3OutputStoreConfig{Region: "us-east-1"})
	assert.Error(t, err)
}
