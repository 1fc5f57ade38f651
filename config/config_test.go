package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultValidates(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestValidateRejectsBadBlockBits(t *testing.T) {
	m := Default()
	m.BlockBits = 2
	require.Error(t, m.Validate())
}

func TestValidateRejectsDuplicateInums(t *testing.T) {
	m := Default()
	m.VTableIno = m.BitmapIno
	require.Error(t, m.Validate())
}

func TestLoadOverlaysDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mount.toml")
	require.NoError(t, os.WriteFile(path, []byte("pool_size = 512\n"), 0o644))

	m, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 512, m.PoolSize)
	require.Equal(t, Default().BlockBits, m.BlockBits)
}

func TestBlockSize(t *testing.T) {
	m := Default()
	m.BlockBits = 12
	require.Equal(t, 4096, m.BlockSize())
}
