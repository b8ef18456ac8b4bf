package progress

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestGetRequiresFullKeyMatch(t *testing.T) {
	s := newTestStore(t)

	rec := &Record{
		PHash:       0xdeadbeef,
		ModTime:     1000,
		Fingerprint: "fp1",
		Chunk:       3,
		TransferID:  42,
		ErrorCount:  2,
	}
	require.NoError(t, s.Put(rec))

	got, err := s.Get(0xdeadbeef, 1000, "fp1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, int64(3), got.Chunk)
	assert.Equal(t, int64(42), got.TransferID)
	assert.Equal(t, 2, got.ErrorCount)

	// Edited source: modtime differs, no resume.
	got, err = s.Get(0xdeadbeef, 1001, "fp1")
	require.NoError(t, err)
	assert.Nil(t, got)

	// Remote content changed: fingerprint differs, no resume.
	got, err = s.Get(0xdeadbeef, 1000, "fp2")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestPutUpserts(t *testing.T) {
	s := newTestStore(t)

	rec := &Record{PHash: 7, ModTime: 1, Fingerprint: "f", ErrorCount: 1}
	require.NoError(t, s.Put(rec))
	rec.ErrorCount = 3
	rec.TmpFile = "/tmp/.x.~AB"
	require.NoError(t, s.Put(rec))

	got, err := s.Get(7, 1, "f")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 3, got.ErrorCount)
	assert.Equal(t, "/tmp/.x.~AB", got.TmpFile)

	n, err := s.Count()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestDelete(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Put(&Record{PHash: 9, ModTime: 1, Fingerprint: "f"}))
	require.NoError(t, s.Delete(9))

	got, err := s.Get(9, 1, "f")
	require.NoError(t, err)
	assert.Nil(t, got)

	// deleting a missing row is fine
	require.NoError(t, s.Delete(12345))
}

func TestLargeHashRoundTrip(t *testing.T) {
	s := newTestStore(t)

	// Hashes above MaxInt64 must survive the signed storage column.
	h := uint64(0xfedcba9876543210)
	require.NoError(t, s.Put(&Record{PHash: h, ModTime: 5, Fingerprint: "f"}))

	got, err := s.Get(h, 5, "f")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, h, got.PHash)
}

func TestFileBackedStoreLocks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")

	s1, err := NewStore(path)
	require.NoError(t, err)
	defer s1.Close()

	_, err = NewStore(path)
	require.Error(t, err, "second open must fail while the lock is held")
}
