package localfs

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmined/bisync/internal/vio"
)

func TestOpenReadWrite(t *testing.T) {
	ctx := context.Background()
	v := New()
	path := filepath.Join(t.TempDir(), "f.txt")

	h, err := v.Open(ctx, path, vio.OpenWrite|vio.OpenCreate|vio.OpenExcl, 0o644)
	require.NoError(t, err)
	_, err = h.Write([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, h.Close())

	r, err := v.Open(ctx, path, vio.OpenRead|vio.OpenNoFollow, 0)
	require.NoError(t, err)
	defer r.Close()
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestOpenExclCollision(t *testing.T) {
	ctx := context.Background()
	v := New()
	path := filepath.Join(t.TempDir(), "f.txt")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	_, err := v.Open(ctx, path, vio.OpenWrite|vio.OpenCreate|vio.OpenExcl, 0o644)
	require.Error(t, err)
	assert.Equal(t, syscall.EEXIST, vio.Errno(err))
	assert.Equal(t, vio.StatusOpenError, vio.Classify(err, vio.StatusPropagateError))
}

func TestOpenMissingParent(t *testing.T) {
	ctx := context.Background()
	v := New()
	path := filepath.Join(t.TempDir(), "a", "b", "f.txt")

	_, err := v.Open(ctx, path, vio.OpenWrite|vio.OpenCreate|vio.OpenExcl, 0o644)
	require.Error(t, err)
	assert.Equal(t, syscall.ENOENT, vio.Errno(err))
}

func TestStat(t *testing.T) {
	ctx := context.Background()
	v := New()
	path := filepath.Join(t.TempDir(), "f.txt")
	require.NoError(t, os.WriteFile(path, []byte("12345"), 0o600))
	require.NoError(t, v.Utimes(ctx, path, 1000))

	fi, err := v.Stat(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, int64(5), fi.Size)
	assert.Equal(t, int64(1000), fi.ModTime)
	assert.False(t, fi.IsDir)
	assert.NotZero(t, fi.Inode)
}

func TestRmdirNotEmpty(t *testing.T) {
	ctx := context.Background()
	v := New()
	dir := t.TempDir()
	sub := filepath.Join(dir, "d")
	require.NoError(t, os.Mkdir(sub, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(sub, "child"), []byte("x"), 0o644))

	err := v.Rmdir(ctx, sub)
	require.Error(t, err)
	assert.Equal(t, syscall.ENOTEMPTY, vio.Errno(err))

	require.NoError(t, os.Remove(filepath.Join(sub, "child")))
	require.NoError(t, v.Rmdir(ctx, sub))
}

func TestMkdirsAndRename(t *testing.T) {
	ctx := context.Background()
	v := New()
	dir := t.TempDir()

	nested := filepath.Join(dir, "x", "y", "z")
	require.NoError(t, v.Mkdirs(ctx, nested, 0o755))
	assert.DirExists(t, nested)

	src := filepath.Join(dir, "src.txt")
	dst := filepath.Join(dir, "x", "dst.txt")
	require.NoError(t, os.WriteFile(src, []byte("x"), 0o644))
	require.NoError(t, v.Rename(ctx, src, dst))
	assert.NoFileExists(t, src)
	assert.FileExists(t, dst)
}

func TestUnsupportedOps(t *testing.T) {
	ctx := context.Background()
	v := New()

	_, err := v.FileID(ctx, "/tmp/x")
	assert.ErrorIs(t, err, vio.ErrNotSupported)
	assert.ErrorIs(t, v.Sendfile(ctx, nil, nil, nil), vio.ErrNotSupported)
	assert.ErrorIs(t, v.Put(ctx, nil, nil, 0), vio.ErrNotSupported)
	assert.ErrorIs(t, v.Get(ctx, nil, nil, 0), vio.ErrNotSupported)
}

func TestCaps(t *testing.T) {
	caps := New().Caps()
	assert.False(t, caps.AtomicOverwrite)
	assert.True(t, caps.PostCopyStat)
	assert.False(t, caps.UseSendfile)
}
