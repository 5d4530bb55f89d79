package piece

import (
	"crypto/sha1"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStorage(t *testing.T, pieces [][]byte, pieceLen, blockLen int32) *Storage {
	t.Helper()

	hashes := make([][sha1.Size]byte, len(pieces))
	var total int64
	for i, p := range pieces {
		hashes[i] = sha1.Sum(p)
		total += int64(len(p))
	}

	return NewStorage(hashes, pieceLen, total, blockLen, testLogger())
}

func TestStorageVerifyAndCommit_Success(t *testing.T) {
	piece0 := []byte("hello world, this is piece zero")
	s := newTestStorage(t, [][]byte{piece0}, int32(len(piece0)), 8)

	require.False(t, s.HasPiece(0))

	nb, err := s.NumBlocks(0)
	require.NoError(t, err)

	for b := 0; b < nb; b++ {
		begin, length, err := s.BlockBounds(0, b)
		require.NoError(t, err)
		require.NoError(t, s.MarkBlockReceived(0, begin, piece0[begin:begin+length]))
	}

	complete, err := s.IsPieceComplete(0)
	require.NoError(t, err)
	require.True(t, complete)

	require.NoError(t, s.VerifyAndCommit(0))
	require.True(t, s.HasPiece(0))
	require.True(t, s.Complete())

	out, err := s.ReadBlock(0, 0, int32(len(piece0)))
	require.NoError(t, err)
	require.Equal(t, piece0, out)
}

func TestStorageVerifyAndCommit_BadHashResetsBlocks(t *testing.T) {
	piece0 := []byte("0123456789abcdef")
	s := newTestStorage(t, [][]byte{piece0}, int32(len(piece0)), 4)

	nb, _ := s.NumBlocks(0)
	for b := 0; b < nb; b++ {
		begin, length, _ := s.BlockBounds(0, b)
		corrupted := make([]byte, length)
		require.NoError(t, s.MarkBlockReceived(0, begin, corrupted))
	}

	err := s.VerifyAndCommit(0)
	require.ErrorIs(t, err, ErrVerificationFailed)
	require.False(t, s.HasPiece(0))

	for b := 0; b < nb; b++ {
		absent, requested, received, err := s.BlockStatus(0, b)
		require.NoError(t, err)
		require.True(t, absent)
		require.False(t, requested)
		require.False(t, received)
	}
}

func TestStorageVerifyAndCommit_IncompleteReturnsError(t *testing.T) {
	piece0 := make([]byte, 16)
	s := newTestStorage(t, [][]byte{piece0}, 16, 4)

	require.NoError(t, s.MarkBlockReceived(0, 0, piece0[0:4]))

	err := s.VerifyAndCommit(0)
	require.ErrorIs(t, err, ErrPieceNotComplete)
}

func TestStorageReadBlock_RefusesUnverified(t *testing.T) {
	piece0 := make([]byte, 8)
	s := newTestStorage(t, [][]byte{piece0}, 8, 4)

	_, err := s.ReadBlock(0, 0, 4)
	require.Error(t, err)
}

func TestStorageLastPieceShorter(t *testing.T) {
	full := make([]byte, 16)
	short := make([]byte, 5)
	s := newTestStorage(t, [][]byte{full, short}, 16, 4)

	length, err := s.PieceLength(1)
	require.NoError(t, err)
	require.EqualValues(t, 5, length)

	nb, err := s.NumBlocks(1)
	require.NoError(t, err)
	require.Equal(t, 2, nb) // 4 + 1 byte remainder
}
