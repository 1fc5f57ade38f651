package device

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOpenReadWriteRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vol.img")

	d, err := Open(path, 12)
	require.NoError(t, err)
	defer d.Close()

	require.NoError(t, d.Truncate(1<<20))
	require.Equal(t, 4096, d.BlockSize())

	want := make([]byte, 4096)
	for i := range want {
		want[i] = byte(i)
	}
	require.NoError(t, d.WriteAt(want, 4096))

	got := make([]byte, 4096)
	require.NoError(t, d.ReadAt(got, 4096))
	require.Equal(t, want, got)
}

func TestOpenTwiceFails(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vol.img")

	d1, err := Open(path, 12)
	require.NoError(t, err)
	defer d1.Close()

	_, err = Open(path, 12)
	require.Error(t, err)
}

func TestOperationsAfterCloseFail(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vol.img")

	d, err := Open(path, 12)
	require.NoError(t, err)
	require.NoError(t, d.Close())

	require.ErrorIs(t, d.ReadAt(make([]byte, 10), 0), ErrClosed)
	require.ErrorIs(t, d.WriteAt(make([]byte, 10), 0), ErrClosed)
}
