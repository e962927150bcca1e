package storage

import (
	"bytes"
	"context"
	"io"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte

	getErr       error
	putErr       error
	transientErr error
	getFail      int // fail this many gets with transientErr before succeeding
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string][]byte)}
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.getFail > 0 {
		f.getFail--
		return nil, f.transientErr
	}
	if f.getErr != nil {
		return nil, f.getErr
	}

	data, ok := f.objects[*in.Key]
	if !ok {
		return nil, &smithy.GenericAPIError{Code: "NoSuchKey", Message: "not found"}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.putErr != nil {
		return nil, f.putErr
	}

	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[*in.Key] = data
	return &s3.PutObjectOutput{}, nil
}

func testS3Cache(fake *fakeS3) *S3Cache {
	return &S3Cache{
		client: fake,
		bucket: "builds",
		prefix: "ci",
		retry:  fastPolicy(3),
	}
}

func TestS3Cache_PutGetRoundTrip(t *testing.T) {
	fake := newFakeS3()
	c := testS3Cache(fake)
	ctx := context.Background()

	key := testKey("s3")
	entry := entryOfSize(t, 200)
	require.NoError(t, c.Put(ctx, key, entry))

	// Key prefix applies.
	_, ok := fake.objects["ci/"+key.String()]
	assert.True(t, ok)

	got, err := c.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, entry.Outputs, got.Outputs)
}

func TestS3Cache_MissingObjectIsMiss(t *testing.T) {
	c := testS3Cache(newFakeS3())

	_, err := c.Get(context.Background(), testKey("absent"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestS3Cache_AccessDeniedIsAuthError(t *testing.T) {
	fake := newFakeS3()
	fake.getErr = &smithy.GenericAPIError{Code: "AccessDenied", Message: "no"}
	c := testS3Cache(fake)

	_, err := c.Get(context.Background(), testKey("x"))

	var se *StoreError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, KindAuth, se.Kind)
}

func TestS3Cache_TransientFailureRetried(t *testing.T) {
	fake := newFakeS3()
	c := testS3Cache(fake)
	ctx := context.Background()

	key := testKey("flaky")
	require.NoError(t, c.Put(ctx, key, entryOfSize(t, 64)))

	fake.mu.Lock()
	fake.transientErr = &smithy.GenericAPIError{Code: "SlowDown", Message: "throttled"}
	fake.getFail = 2
	fake.mu.Unlock()

	got, err := c.Get(ctx, key)
	require.NoError(t, err, "two transient failures fit inside three attempts")
	assert.NotNil(t, got)
}
