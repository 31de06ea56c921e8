package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/ruteri/tss-session-relay/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileBackendStoreFetch(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	backend, err := NewFileBackend(dir, discardLogger())
	require.NoError(t, err)
	assert.True(t, backend.Available(ctx))

	id, err := backend.Store(ctx, "vaults/a.vult", []byte("first"))
	require.NoError(t, err)
	assert.Equal(t, interfaces.ComputeID([]byte("first")), id)

	_, err = os.Stat(filepath.Join(dir, "vaults", "a.vult"))
	require.NoError(t, err)

	// Store replaces.
	_, err = backend.Store(ctx, "vaults/a.vult", []byte("second"))
	require.NoError(t, err)

	data, err := backend.Fetch(ctx, "vaults/a.vult")
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), data)

	entries, err := os.ReadDir(filepath.Join(dir, "vaults"))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temporary files must not be left behind")
}

func TestFileBackendNotFound(t *testing.T) {
	backend, err := NewFileBackend(t.TempDir(), discardLogger())
	require.NoError(t, err)

	_, err = backend.Fetch(context.Background(), "vaults/missing.vult")
	assert.ErrorIs(t, err, interfaces.ErrContentNotFound)
}

func TestFileBackendRejectsEscapingKeys(t *testing.T) {
	ctx := context.Background()
	backend, err := NewFileBackend(t.TempDir(), discardLogger())
	require.NoError(t, err)

	for _, key := range []string{"", "../outside", "vaults/../../etc/passwd", `vaults\a`, "/"} {
		_, err := backend.Store(ctx, key, []byte("x"))
		assert.ErrorIs(t, err, ErrInvalidKey, key)
		_, err = backend.Fetch(ctx, key)
		assert.ErrorIs(t, err, ErrInvalidKey, key)
	}
}

func TestCleanKey(t *testing.T) {
	cleaned, err := cleanKey("/vaults//a.vult")
	require.NoError(t, err)
	assert.Equal(t, "vaults/a.vult", cleaned)

	cleaned, err = cleanKey("./vaults/./a.vult")
	require.NoError(t, err)
	assert.Equal(t, "vaults/a.vult", cleaned)
}

func TestFactory(t *testing.T) {
	factory := NewStorageBackendFactory(discardLogger())

	loc, err := interfaces.NewStorageBackendLocation("file://" + t.TempDir())
	require.NoError(t, err)
	backend, err := factory.StorageBackendFor(loc)
	require.NoError(t, err)
	assert.IsType(t, &FileBackend{}, backend)

	loc, err = interfaces.NewStorageBackendLocation("s3://AKID:SECRET@backups/tss/?region=eu-west-1&endpoint=http://127.0.0.1:9000")
	require.NoError(t, err)
	backend, err = factory.StorageBackendFor(loc)
	require.NoError(t, err)
	assert.Equal(t, "s3-backups", backend.Name())
	assert.NotContains(t, backend.LocationURI(), "SECRET")

	loc, err = interfaces.NewStorageBackendLocation("vault://127.0.0.1:8200/secret/tss?token=root&tls=false")
	require.NoError(t, err)
	backend, err = factory.StorageBackendFor(loc)
	require.NoError(t, err)
	assert.Equal(t, "vault-secret-tss", backend.Name())

	loc, err = interfaces.NewStorageBackendLocation("ipfs://127.0.0.1:5001/?root=/wallets")
	require.NoError(t, err)
	backend, err = factory.StorageBackendFor(loc)
	require.NoError(t, err)
	assert.Equal(t, "ipfs-127.0.0.1-5001", backend.Name())

	_, err = interfaces.NewStorageBackendLocation("github://owner/repo")
	assert.ErrorIs(t, err, interfaces.ErrInvalidLocationURI)
}

func TestFactoryMultiBackend(t *testing.T) {
	factory := NewStorageBackendFactory(discardLogger())

	good, err := interfaces.NewStorageBackendLocation("file://" + t.TempDir())
	require.NoError(t, err)
	bad := interfaces.StorageBackendLocation{Raw: "ipfs://", Scheme: "ipfs"}

	multi, err := factory.CreateMultiBackend([]interfaces.StorageBackendLocation{good, bad})
	require.NoError(t, err)

	ctx := context.Background()
	_, err = multi.Store(ctx, "vaults/x.vult", []byte("data"))
	require.NoError(t, err)
	data, err := multi.Fetch(ctx, "vaults/x.vult")
	require.NoError(t, err)
	assert.Equal(t, []byte("data"), data)

	_, err = factory.CreateMultiBackend([]interfaces.StorageBackendLocation{bad})
	assert.Error(t, err)
}
