package file

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ASTGD/ValidEmailVerifierGUI-sub000/pkg/storage"
)

func TestDisk_PutGetExists(t *testing.T) {
	ctx := context.Background()
	d, err := New(Config{BaseDir: t.TempDir()})
	require.NoError(t, err)

	ok, err := d.Exists(ctx, "jobs/1/input.txt")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, d.Put(ctx, "jobs/1/input.txt", []byte("a@x.com\n")))

	ok, err = d.Exists(ctx, "jobs/1/input.txt")
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := d.Get(ctx, "/jobs/1/input.txt")
	require.NoError(t, err)
	assert.Equal(t, "a@x.com\n", string(got))

	rc, err := d.Open(ctx, "jobs/1/input.txt")
	require.NoError(t, err)
	streamed, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, got, streamed)
}

func TestDisk_GetMissingIsNotFound(t *testing.T) {
	d, err := New(Config{BaseDir: t.TempDir()})
	require.NoError(t, err)

	_, err = d.Get(context.Background(), "missing.csv")
	require.Error(t, err)
	assert.True(t, storage.IsNotFound(err))
}

func TestDisk_RejectsTraversal(t *testing.T) {
	d, err := New(Config{BaseDir: t.TempDir()})
	require.NoError(t, err)

	err = d.Put(context.Background(), "../../etc/passwd", []byte("x"))
	require.NoError(t, err, "cleaned keys stay under the base dir")

	_, err = d.fullPath("")
	assert.ErrorIs(t, err, storage.ErrInvalidKey)
}

func TestConfig_Validate(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
}
