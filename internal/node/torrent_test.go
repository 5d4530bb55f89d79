package node

import (
	"crypto/sha1"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"testing"

	"github.com/prxssh/rabbit/internal/bencode"
	"github.com/prxssh/rabbit/internal/config"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestManifest(t *testing.T, pieceLen int32, data []byte) []byte {
	t.Helper()

	hash := sha1.Sum(data)

	info := map[string]any{
		"name":         "testfile",
		"piece length": int64(pieceLen),
		"pieces":       string(hash[:]),
		"length":       int64(len(data)),
	}

	top := map[string]any{
		"announce": "udp://example.invalid:1337",
		"info":     info,
	}

	encoded, err := bencode.Marshal(top)
	require.NoError(t, err)
	return encoded
}

func newTestNode(t *testing.T) *Node {
	t.Helper()

	cfg, err := config.Default()
	require.NoError(t, err)
	n, err := New(cfg, "127.0.0.1:0", testLogger())
	require.NoError(t, err)
	t.Cleanup(n.Stop)

	return n
}

func TestNewTorrent_ParsesManifestAndBuildsPipeline(t *testing.T) {
	n := newTestNode(t)

	data := []byte("a single piece of test payload!")
	manifest := newTestManifest(t, int32(len(data)), data)

	tr, err := newTorrent(n, manifest, 6882)
	require.NoError(t, err)
	require.Equal(t, "testfile", tr.Metainfo().Info.Name)
	require.NotNil(t, tr.storage)
	require.NotNil(t, tr.picker)
	require.NotNil(t, tr.swarm)
	require.Equal(t, 0.0, tr.Progress())
}

func TestToAddrPorts_SkipsNonUDPAndKeepsRest(t *testing.T) {
	good := &net.UDPAddr{IP: net.ParseIP("203.0.113.5"), Port: 6881}
	bad := &net.TCPAddr{IP: net.ParseIP("203.0.113.6"), Port: 6882}

	out := toAddrPorts([]net.Addr{good, bad})

	require.Len(t, out, 1)
	require.Equal(t, netip.MustParseAddrPort("203.0.113.5:6881"), out[0])
}
