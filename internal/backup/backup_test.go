package backup

import (
	"crypto/md5"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/openmined/s3rotate/internal/blob"
	"github.com/openmined/s3rotate/internal/testutil"
	"github.com/stretchr/testify/require"
)

var baseTime = time.Date(2024, 3, 1, 2, 0, 0, 0, time.UTC)

func newTestBlobClient() (*blob.BlobClient, *testutil.FakeS3) {
	fake := testutil.NewFakeS3()
	cfg := blob.WithEndpointConfig("http://localhost:9000", "backups", "key", "secret")
	return blob.NewBlobClient(fake, cfg), fake
}

// writeBackup creates name under dir with the given content and modification time
func writeBackup(t *testing.T, dir, name string, content []byte, modTime time.Time) string {
	t.Helper()
	path := filepath.Join(dir, filepath.FromSlash(name))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, content, 0o644))
	require.NoError(t, os.Chtimes(path, modTime, modTime))
	return path
}

func md5Hex(b []byte) string {
	sum := md5.Sum(b)
	return hex.EncodeToString(sum[:])
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
