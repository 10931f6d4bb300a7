package blob

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"testing"

	"github.com/openmined/s3rotate/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient() (*BlobClient, *testutil.FakeS3) {
	fake := testutil.NewFakeS3()
	return NewBlobClient(fake, WithEndpointConfig("http://localhost:9000", "backups", "key", "secret")), fake
}

func TestS3ConfigValidate(t *testing.T) {
	cfg := WithEndpointConfig("http://localhost:9000", "backups", "key", "secret")
	assert.NoError(t, cfg.Validate())

	cfg.Endpoint = "not a url"
	assert.Error(t, cfg.Validate())

	cfg = WithEndpointConfig("http://localhost:9000", "", "key", "secret")
	assert.EqualError(t, cfg.Validate(), "bucket_name required")

	cfg = WithEndpointConfig("http://localhost:9000", "b", "key", "")
	assert.EqualError(t, cfg.Validate(), "secret_key required")

	cfg = WithEndpointConfig("http://localhost:9000", "b", "key", "secret")
	cfg.Region = ""
	assert.EqualError(t, cfg.Validate(), "region required")
}

func TestNewBlobClientWithS3ConfigValidates(t *testing.T) {
	client, err := NewBlobClientWithS3Config(context.Background(), WithEndpointConfig("http://localhost:9000", "", "key", "secret"))
	assert.Nil(t, client)
	assert.ErrorContains(t, err, "bucket_name required")
}

func TestHeadObject(t *testing.T) {
	client, fake := newTestClient()
	fake.Seed("db/a.dump", []byte("hello"))

	head, err := client.HeadObject(context.Background(), "db/a.dump")
	require.NoError(t, err)

	sum := md5.Sum([]byte("hello"))
	assert.Equal(t, hex.EncodeToString(sum[:]), head.ETag, "etag must be unquoted")
	assert.Equal(t, int64(5), head.Size)

	_, err = client.HeadObject(context.Background(), "db/missing")
	assert.Error(t, err)
}

func TestStreamWriter(t *testing.T) {
	client, fake := newTestClient()
	ctx := context.Background()
	data := []byte("0123456789abcdef")

	w, err := client.OpenWriter(ctx, &PutObjectParams{Key: "db/a.dump", Size: int64(len(data))})
	require.NoError(t, err)

	require.NoError(t, w.WriteChunk(ctx, data[:8]))
	require.NoError(t, w.WriteChunk(ctx, data[8:]))

	resp, err := w.Close(ctx)
	require.NoError(t, err)

	sum := md5.Sum(data)
	assert.Equal(t, hex.EncodeToString(sum[:]), resp.ETag)
	assert.Equal(t, 1, resp.Parts)

	obj, ok := fake.Object("db/a.dump")
	require.True(t, ok)
	assert.Equal(t, data, obj.Body)
	assert.Equal(t, 1, fake.Puts)
}

func TestStreamWriterEmpty(t *testing.T) {
	client, fake := newTestClient()
	ctx := context.Background()

	w, err := client.OpenWriter(ctx, &PutObjectParams{Key: "db/empty", Size: 0})
	require.NoError(t, err)

	resp, err := w.Close(ctx)
	require.NoError(t, err)
	assert.Equal(t, "d41d8cd98f00b204e9800998ecf8427e", resp.ETag)

	_, ok := fake.Object("db/empty")
	assert.True(t, ok)
}

func TestStreamWriterOverflow(t *testing.T) {
	client, _ := newTestClient()
	ctx := context.Background()

	w, err := client.OpenWriter(ctx, &PutObjectParams{Key: "db/a", Size: 4})
	require.NoError(t, err)

	err = w.WriteChunk(ctx, []byte("12345"))
	assert.ErrorIs(t, err, ErrShortBody)
	w.Abort(ctx)
}

func TestStreamWriterShortBody(t *testing.T) {
	client, fake := newTestClient()
	ctx := context.Background()

	w, err := client.OpenWriter(ctx, &PutObjectParams{Key: "db/a", Size: 10})
	require.NoError(t, err)
	require.NoError(t, w.WriteChunk(ctx, []byte("1234")))

	_, err = w.Close(ctx)
	assert.ErrorIs(t, err, ErrShortBody)

	_, ok := fake.Object("db/a")
	assert.False(t, ok, "aborted upload must not create the object")
}

func TestStreamWriterPutError(t *testing.T) {
	client, fake := newTestClient()
	fake.PutErr = errors.New("connection reset")
	ctx := context.Background()

	w, err := client.OpenWriter(ctx, &PutObjectParams{Key: "db/a", Size: 3})
	require.NoError(t, err)
	require.NoError(t, w.WriteChunk(ctx, []byte("abc")))

	_, err = w.Close(ctx)
	assert.ErrorContains(t, err, "connection reset")
}

func TestMultipartWriter(t *testing.T) {
	client, fake := newTestClient()
	ctx := context.Background()
	parts := [][]byte{bytes.Repeat([]byte("a"), 8), bytes.Repeat([]byte("b"), 8), []byte("c")}

	w, err := client.OpenMultipartWriter(ctx, &PutObjectParams{Key: "db/big.dump"})
	require.NoError(t, err)
	for _, p := range parts {
		require.NoError(t, w.WriteChunk(ctx, p))
	}

	resp, err := w.Close(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, resp.Parts)
	assert.Equal(t, int64(17), resp.Size)
	assert.Regexp(t, `^[0-9a-f]{32}-3$`, resp.ETag)

	obj, ok := fake.Object("db/big.dump")
	require.True(t, ok)
	assert.Equal(t, bytes.Join(parts, nil), obj.Body)
	assert.Equal(t, 0, fake.PendingUploads())

	// closing twice is an error, aborting after close is a no-op
	_, err = w.Close(ctx)
	assert.ErrorIs(t, err, ErrWriterClosed)
	w.Abort(ctx)
	assert.Equal(t, 0, fake.Aborts)
}

func TestMultipartWriterAbortOnPartError(t *testing.T) {
	client, fake := newTestClient()
	ctx := context.Background()

	w, err := client.OpenMultipartWriter(ctx, &PutObjectParams{Key: "db/big.dump"})
	require.NoError(t, err)
	require.NoError(t, w.WriteChunk(ctx, []byte("part one")))

	fake.PartErr = errors.New("503 slow down")
	err = w.WriteChunk(ctx, []byte("part two"))
	assert.ErrorContains(t, err, "upload part 2")

	w.Abort(ctx)
	assert.Equal(t, 1, fake.Aborts)
	assert.Equal(t, 0, fake.PendingUploads())
	_, ok := fake.Object("db/big.dump")
	assert.False(t, ok)
}

func TestMultipartWriterNoParts(t *testing.T) {
	client, fake := newTestClient()
	ctx := context.Background()

	w, err := client.OpenMultipartWriter(ctx, &PutObjectParams{Key: "db/x"})
	require.NoError(t, err)

	_, err = w.Close(ctx)
	assert.ErrorIs(t, err, ErrNoParts)
	assert.Equal(t, 1, fake.Aborts)
}

func TestOpenWriterInvalidKey(t *testing.T) {
	client, _ := newTestClient()
	ctx := context.Background()

	_, err := client.OpenWriter(ctx, &PutObjectParams{Key: "/abs", Size: 1})
	assert.ErrorIs(t, err, ErrInvalidKey)
	_, err = client.OpenMultipartWriter(ctx, &PutObjectParams{Key: "a/../b"})
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestDeleteObject(t *testing.T) {
	client, fake := newTestClient()
	fake.Seed("db/a", []byte("x"))

	ok, err := client.DeleteObject(context.Background(), "db/a")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, fake.Keys())

	fake.DeleteErr = errors.New("denied")
	ok, err = client.DeleteObject(context.Background(), "db/b")
	assert.Error(t, err)
	assert.False(t, ok)
}

// ===================================================================================================

func collect(t *testing.T, client *BlobClient, params *ListParams) []string {
	t.Helper()
	var keys []string
	for info, err := range client.ListObjects(context.Background(), params) {
		require.NoError(t, err)
		keys = append(keys, info.Key)
	}
	return keys
}

func TestListObjectsPaging(t *testing.T) {
	client, fake := newTestClient()
	fake.PageSize = 2
	for i := range 5 {
		fake.Seed(fmt.Sprintf("db/%d.dump", i), []byte{byte(i)})
	}
	fake.Seed("other/x", []byte("x"))

	keys := collect(t, client, &ListParams{Prefixes: []string{"db/"}})
	assert.Equal(t, []string{"db/0.dump", "db/1.dump", "db/2.dump", "db/3.dump", "db/4.dump"}, keys)
	assert.Equal(t, 3, fake.Lists)
}

func TestListObjectsMultiplePrefixes(t *testing.T) {
	client, fake := newTestClient()
	fake.Seed("a/1", nil)
	fake.Seed("b/1", nil)
	fake.Seed("b/2", nil)

	// caller order, no de-duplication
	keys := collect(t, client, &ListParams{Prefixes: []string{"b/", "a/", "b/"}})
	assert.Equal(t, []string{"b/1", "b/2", "a/1", "b/1", "b/2"}, keys)
}

func TestListObjectsSuffix(t *testing.T) {
	client, fake := newTestClient()
	fake.Seed("db/a.dump", nil)
	fake.Seed("db/a.log", nil)
	fake.Seed("db/b.dump", nil)

	keys := collect(t, client, &ListParams{Prefixes: []string{"db/"}, Suffix: ".dump"})
	assert.Equal(t, []string{"db/a.dump", "db/b.dump"}, keys)
}

func TestListObjectsEmpty(t *testing.T) {
	client, _ := newTestClient()
	assert.Empty(t, collect(t, client, &ListParams{Prefixes: []string{"nothing/"}}))
	assert.Empty(t, collect(t, client, nil))
}

func TestListObjectsEarlyStop(t *testing.T) {
	client, fake := newTestClient()
	fake.PageSize = 1
	for i := range 10 {
		fake.Seed(fmt.Sprintf("k%d", i), nil)
	}

	for range client.ListObjects(context.Background(), nil) {
		break
	}
	assert.Equal(t, 1, fake.Lists, "stopping early must not fetch more pages")
}

func TestListObjectsError(t *testing.T) {
	client, fake := newTestClient()
	fake.ListErr = errors.New("access denied")

	var errs []error
	for info, err := range client.ListObjects(context.Background(), nil) {
		assert.Nil(t, info)
		errs = append(errs, err)
	}
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ErrList)
}

func TestListObjectsFields(t *testing.T) {
	client, fake := newTestClient()
	fake.Seed("db/a", []byte("abc"))

	for info, err := range client.ListObjects(context.Background(), nil) {
		require.NoError(t, err)
		assert.Equal(t, "900150983cd24fb0d6963f7d28e17f72", info.ETag)
		assert.Equal(t, int64(3), info.Size)
		assert.False(t, info.LastModified.IsZero())
	}
}

func TestKeyHelpers(t *testing.T) {
	assert.Equal(t, "db/", PrefixPath("db"))
	assert.Equal(t, "db/", PrefixPath("/db/"))
	assert.Equal(t, "", PrefixPath(""))
	assert.Equal(t, "db/a.dump", JoinKey("db", "a.dump"))
	assert.Equal(t, "a.dump", JoinKey("", "a.dump"))

	name, ok := TrimKey("db", "db/a.dump")
	assert.True(t, ok)
	assert.Equal(t, "a.dump", name)

	_, ok = TrimKey("db", "dbx/a.dump")
	assert.False(t, ok)

	name, ok = TrimKey("", "a.dump")
	assert.True(t, ok)
	assert.Equal(t, "a.dump", name)
}

func TestValidateKey(t *testing.T) {
	assert.True(t, ValidateKey("db/2024-01-01.dump"))
	assert.False(t, ValidateKey(""))
	assert.False(t, ValidateKey("/db"))
	assert.False(t, ValidateKey("db\\a"))
	assert.False(t, ValidateKey("db/../a"))
}
