package storage_test

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ASTGD/ValidEmailVerifierGUI-sub000/pkg/storage"
	"github.com/ASTGD/ValidEmailVerifierGUI-sub000/pkg/storage/file"
	"github.com/ASTGD/ValidEmailVerifierGUI-sub000/pkg/storage/memory"
)

func TestRegistry_DefaultDiskAndRouting(t *testing.T) {
	ctx := context.Background()
	local, err := file.New(file.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)
	mem := memory.New()

	reg := storage.NewRegistry("local")
	reg.Register("local", local)
	reg.Register("scratch", mem)

	require.NoError(t, reg.Put(ctx, "", "a.txt", []byte("local")))
	require.NoError(t, reg.Put(ctx, "scratch", "a.txt", []byte("mem")))

	got, err := reg.Get(ctx, "local", "a.txt")
	require.NoError(t, err)
	assert.Equal(t, "local", string(got))

	got, err = reg.Get(ctx, "scratch", "a.txt")
	require.NoError(t, err)
	assert.Equal(t, "mem", string(got))

	assert.Equal(t, []string{"local", "scratch"}, reg.Names())
	require.NoError(t, reg.Close())
}

func TestRegistry_UnknownDisk(t *testing.T) {
	reg := storage.NewRegistry("local")
	_, err := reg.Get(context.Background(), "nope", "a.txt")
	require.Error(t, err)
	assert.ErrorIs(t, err, storage.ErrUnknownDisk)
}

func TestOpen_FallsBackToGet(t *testing.T) {
	ctx := context.Background()
	reg := storage.NewRegistry("mem")
	reg.Register("mem", memory.New())
	require.NoError(t, reg.Put(ctx, "mem", "k", []byte("payload")))

	rc, err := storage.Open(ctx, reg, "mem", "k")
	require.NoError(t, err)
	defer func() { _ = rc.Close() }()
	b, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(b))
}

func TestMemoryDisk_CopiesData(t *testing.T) {
	ctx := context.Background()
	d := memory.New()
	data := []byte("abc")
	require.NoError(t, d.Put(ctx, "k", data))
	data[0] = 'z'

	got, err := d.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "abc", string(got))

	_, err = d.Get(ctx, "missing")
	assert.True(t, storage.IsNotFound(err))
}
