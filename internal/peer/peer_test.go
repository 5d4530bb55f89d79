package peer

import (
	"io"
	"log/slog"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/prxssh/rabbit/internal/bitfield"
	"github.com/prxssh/rabbit/internal/protocol"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestPeer(t *testing.T, opts *PeerOpts) *Peer {
	t.Helper()

	_, server := net.Pipe()
	t.Cleanup(func() { _ = server.Close() })

	if opts.Log == nil {
		opts.Log = testLogger()
	}
	if opts.ReadTimeout == 0 {
		opts.ReadTimeout = time.Second
	}
	if opts.WriteTimeout == 0 {
		opts.WriteTimeout = time.Second
	}
	if opts.KeepAlive == 0 {
		opts.KeepAlive = time.Minute
	}
	if opts.OutboxSize == 0 {
		opts.OutboxSize = 8
	}

	addr := netip.MustParseAddrPort("10.0.0.1:6881")
	return Accept(server, addr, opts)
}

func TestPeer_InitialState(t *testing.T) {
	p := newTestPeer(t, &PeerOpts{PieceCount: 4})

	require.True(t, p.AmChoking())
	require.True(t, p.PeerChoking())
	require.False(t, p.AmInterested())
	require.False(t, p.PeerInterested())
}

func TestPeer_HandleUnchokeInvokesCallback(t *testing.T) {
	var got netip.AddrPort
	p := newTestPeer(t, &PeerOpts{
		PieceCount: 4,
		OnUnchoke:  func(a netip.AddrPort) { got = a },
	})

	require.NoError(t, p.handleMessage(protocol.MessageUnchoke()))
	require.False(t, p.PeerChoking())
	require.Equal(t, p.addr, got)
}

func TestPeer_HandleBitfieldInvokesCallback(t *testing.T) {
	var got bitfield.Bitfield
	p := newTestPeer(t, &PeerOpts{
		PieceCount: 8,
		OnBitfield: func(_ netip.AddrPort, bf bitfield.Bitfield) { got = bf },
	})

	require.NoError(t, p.handleMessage(protocol.MessageBitfield([]byte{0xF0})))
	require.True(t, got.Has(0))
	require.False(t, got.Has(4))
}

func TestPeer_HandleHaveUpdatesOwnBitfieldView(t *testing.T) {
	p := newTestPeer(t, &PeerOpts{PieceCount: 4})

	require.NoError(t, p.handleMessage(protocol.MessageHave(2)))
	require.True(t, p.Bitfield().Has(2))
}

func TestPeer_RequestServedWhenUnchoking(t *testing.T) {
	p := newTestPeer(t, &PeerOpts{
		PieceCount: 1,
		OnRequest: func(piece int, begin, length int32) ([]byte, bool) {
			return []byte("payload"), true
		},
	})
	p.setState(maskAmChoking, false)

	require.NoError(t, p.handleMessage(protocol.MessageRequest(0, 0, 7)))

	select {
	case msg := <-p.outbox:
		require.Equal(t, protocol.Piece, msg.ID)
		idx, begin, block, ok := msg.ParsePiece()
		require.True(t, ok)
		require.EqualValues(t, 0, idx)
		require.EqualValues(t, 0, begin)
		require.Equal(t, []byte("payload"), block)
	default:
		t.Fatal("expected a queued Piece reply")
	}
}

func TestPeer_RequestNotQueuedWhileChoking(t *testing.T) {
	p := newTestPeer(t, &PeerOpts{
		PieceCount: 1,
		OnRequest: func(piece int, begin, length int32) ([]byte, bool) {
			return []byte("payload"), true
		},
	})
	// am_choking defaults to true; SendPiece must refuse to enqueue.
	require.NoError(t, p.handleMessage(protocol.MessageRequest(0, 0, 7)))

	select {
	case <-p.outbox:
		t.Fatal("must not serve a block while choking the requester")
	default:
	}
}

func TestPeer_UnknownMessageIsAnError(t *testing.T) {
	p := newTestPeer(t, &PeerOpts{PieceCount: 1})
	err := p.handleMessage(&protocol.Message{ID: protocol.MessageID(99)})
	require.Error(t, err)
}
