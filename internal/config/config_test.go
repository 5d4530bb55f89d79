package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg, err := Default()
	require.NoError(t, err)

	require.Equal(t, 8, cfg.BucketSize)
	require.Equal(t, 3, cfg.Alpha)
	require.Equal(t, 160, cfg.IDBits)
	require.NotEqual(t, [20]byte{}, cfg.NodeID, "NodeID should be randomly generated, not zero")
}

func TestGeneratePeerID(t *testing.T) {
	cfg, err := Default()
	require.NoError(t, err)

	id, err := cfg.GeneratePeerID()
	require.NoError(t, err)
	require.Equal(t, []byte("-PC0001-"), id[:8])

	other, err := cfg.GeneratePeerID()
	require.NoError(t, err)
	require.NotEqual(t, id[8:], other[8:], "the random suffix should differ between calls")
}

func TestGeneratePeerID_TruncatesLongPrefix(t *testing.T) {
	cfg, err := Default()
	require.NoError(t, err)
	cfg.ClientIDPrefix = "-TOO-LONG-PREFIX-"

	id, err := cfg.GeneratePeerID()
	require.NoError(t, err)
	require.Equal(t, []byte("-TOO-LON"), id[:8])
}
