package blobstore

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeS3 keeps objects in a map and serves the narrow client surface.
type fakeS3 struct {
	objects map[string][]byte
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: map[string][]byte{}}
}

func (f *fakeS3) Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error) {
	data, err := io.ReadAll(input.Body)
	if err != nil {
		return nil, err
	}
	f.objects[aws.ToString(input.Key)] = data
	return &manager.UploadOutput{}, nil
}

func (f *fakeS3) GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	data, ok := f.objects[aws.ToString(params.Key)]
	if !ok {
		return nil, &s3types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	delete(f.objects, aws.ToString(params.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	prefix := aws.ToString(params.Prefix)
	var keys []string
	for key := range f.objects {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(false)}
	for _, key := range keys {
		out.Contents = append(out.Contents, s3types.Object{Key: aws.String(key)})
	}
	return out, nil
}

func newTestStore(t *testing.T) (*Store, *fakeS3) {
	t.Helper()
	fake := newFakeS3()
	return NewWithClient(fake, fake, "routespark-exports", zerolog.Nop()), fake
}

func TestStorePutGetDelete(t *testing.T) {
	ctx := context.Background()
	store, fake := newTestStore(t)

	key := ExportPath("508", "job-1")
	require.Equal(t, "exports/508/job-1.zip", key)

	require.NoError(t, store.Put(ctx, key, "application/zip", []byte("archive bytes")))
	assert.Equal(t, []byte("archive bytes"), fake.objects[key])

	data, err := store.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []byte("archive bytes"), data)

	require.NoError(t, store.Delete(ctx, key))
	_, err = store.Get(ctx, key)
	assert.ErrorIs(t, err, ErrNotFound)

	// Deleting again is a no-op.
	assert.NoError(t, store.Delete(ctx, key))
}

func TestStoreDeletePrefix(t *testing.T) {
	ctx := context.Background()
	store, fake := newTestStore(t)

	require.NoError(t, store.Put(ctx, ExportPath("508", "a"), "application/zip", []byte("a")))
	require.NoError(t, store.Put(ctx, ExportPath("508", "b"), "application/zip", []byte("b")))
	require.NoError(t, store.Put(ctx, ExportPath("509", "c"), "application/zip", []byte("c")))

	deleted, err := store.DeletePrefix(ctx, ExportPrefix("508"))
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)

	assert.Len(t, fake.objects, 1)
	_, err = store.Get(ctx, ExportPath("509", "c"))
	assert.NoError(t, err)
}
