package piece

import (
	"bytes"
	"crypto/sha1"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/prxssh/rabbit/internal/bitfield"
)

var (
	// ErrPieceIndexRange is returned when a piece index is outside [0, P).
	ErrPieceIndexRange = errors.New("piece: index out of range")
	// ErrPieceNotComplete is returned by VerifyAndCommit when not every
	// block of the piece has been received yet.
	ErrPieceNotComplete = errors.New("piece: not all blocks received")
	// ErrVerificationFailed indicates the piece's SHA-1 digest did not
	// match the manifest's declared hash.
	ErrVerificationFailed = errors.New("piece: digest mismatch")
)

type blockState uint8

const (
	blockAbsent blockState = iota
	blockRequested
	blockReceived
)

// pieceSlot is the per-piece bookkeeping Storage keeps while a piece is
// being actively downloaded. Both fields are lazily allocated by
// InitializePiece; once the piece verifies, states is freed and data is
// kept so the piece can be served.
type pieceSlot struct {
	length    int32
	hash      [sha1.Size]byte
	blockLen  int32
	numBlocks int

	states []blockState // nil until InitializePiece; len == numBlocks
	data   []byte        // nil until InitializePiece; len == length
}

// Storage owns the pieces making up one download session: their declared
// length and digest, the locally-verified bitfield, and the in-progress
// block status of pieces currently being downloaded.
//
// Storage exposes piece-indexed block I/O only (ReadBlock/MarkBlockReceived). It
// has no notion of file paths or directory layout; a caller that wants
// assembled files on disk composes this interface with its own layout
// policy outside the core.
type Storage struct {
	mu          sync.RWMutex
	pieceLength int32
	totalLength int64
	blockLength int32
	pieces      []*pieceSlot
	bf          bitfield.Bitfield
	logger      *slog.Logger
}

// NewStorage builds a Storage for a manifest declaring pieceHashes (one
// SHA-1 digest per piece, in order), a nominal piece length, the total
// content length (used to compute the final piece's shorter length), and
// the block size used for request/piece wire messages.
func NewStorage(
	pieceHashes [][sha1.Size]byte,
	pieceLength int32,
	totalLength int64,
	blockLength int32,
	logger *slog.Logger,
) *Storage {
	n := len(pieceHashes)
	s := &Storage{
		pieceLength: pieceLength,
		totalLength: totalLength,
		blockLength: blockLength,
		pieces:      make([]*pieceSlot, n),
		bf:          bitfield.New(n),
		logger:      logger,
	}

	for i := range pieceHashes {
		length, _ := PieceLengthAt(uint32(i), uint64(totalLength), uint32(pieceLength))
		numBlocks, _ := BlockCountForPiece(length, uint32(blockLength))
		s.pieces[i] = &pieceSlot{
			length:    int32(length),
			hash:      pieceHashes[i],
			blockLen:  blockLength,
			numBlocks: int(numBlocks),
		}
	}

	return s
}

// BlockLength returns the nominal block size used to split every piece
// except (possibly) the last one.
func (s *Storage) BlockLength() int32 {
	return s.blockLength
}

// PieceCount returns the number of pieces in the manifest.
func (s *Storage) PieceCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.pieces)
}

// PieceLength returns the declared length of piece i.
func (s *Storage) PieceLength(i int) (int32, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if i < 0 || i >= len(s.pieces) {
		return 0, ErrPieceIndexRange
	}
	return s.pieces[i].length, nil
}

// NumBlocks returns the number of blocks piece i is divided into.
func (s *Storage) NumBlocks(i int) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if i < 0 || i >= len(s.pieces) {
		return 0, ErrPieceIndexRange
	}
	return s.pieces[i].numBlocks, nil
}

// Bitfield returns a snapshot of the locally-verified bitfield.
func (s *Storage) Bitfield() bitfield.Bitfield {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bf.Clone()
}

// HasPiece reports whether piece i is locally complete and verified.
func (s *Storage) HasPiece(i int) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bf.Has(i)
}

// Complete reports whether every piece has been verified.
func (s *Storage) Complete() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bf.AllN(len(s.pieces))
}

// InitializePiece allocates the block-status vector and staging buffer for
// piece i, all blocks initially absent. Calling it more than once for the
// same not-yet-verified piece is a no-op.
func (s *Storage) InitializePiece(i int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initializePieceLocked(i)
}

func (s *Storage) initializePieceLocked(i int) error {
	if i < 0 || i >= len(s.pieces) {
		return ErrPieceIndexRange
	}
	p := s.pieces[i]
	if p.states != nil {
		return nil
	}
	p.states = make([]blockState, p.numBlocks)
	p.data = make([]byte, p.length)
	return nil
}

// MarkBlockRequested records that block b of piece i has an outstanding
// request. This is advisory bookkeeping used by IsPieceComplete's callers
// to avoid re-requesting; it does not gate MarkBlockReceived.
func (s *Storage) MarkBlockRequested(i, b int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.initializePieceLocked(i); err != nil {
		return err
	}
	p := s.pieces[i]
	if b < 0 || b >= len(p.states) {
		return fmt.Errorf("piece: block index %d out of range for piece %d", b, i)
	}
	if p.states[b] == blockAbsent {
		p.states[b] = blockRequested
	}
	return nil
}

// MarkBlockReceived stages the received bytes for block b of piece i and
// marks it received. begin is the byte offset within the piece (not within
// the block), matching the peer-wire `piece` message's begin field. A block
// for a piece that has already verified is ignored.
func (s *Storage) MarkBlockReceived(i int, begin int32, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.bf.Has(i) {
		return nil
	}

	if err := s.initializePieceLocked(i); err != nil {
		return err
	}
	p := s.pieces[i]

	blockIdx := int(begin / p.blockLen)
	if blockIdx < 0 || blockIdx >= len(p.states) {
		return fmt.Errorf("piece: begin %d out of range for piece %d", begin, i)
	}
	if begin < 0 || int(begin)+len(data) > len(p.data) {
		return fmt.Errorf("piece: block write out of bounds for piece %d", i)
	}

	copy(p.data[begin:], data)
	p.states[blockIdx] = blockReceived
	return nil
}

// BlockStatus returns the current status of block b of piece i. A piece
// that has never been touched reports every block as absent without
// allocating its staging buffers.
func (s *Storage) BlockStatus(i, b int) (absent, requested, received bool, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if i < 0 || i >= len(s.pieces) {
		return false, false, false, ErrPieceIndexRange
	}
	p := s.pieces[i]
	if p.states == nil {
		if b < 0 || b >= p.numBlocks {
			return false, false, false, fmt.Errorf("piece: block index %d out of range for piece %d", b, i)
		}
		return true, false, false, nil
	}
	if b < 0 || b >= len(p.states) {
		return false, false, false, fmt.Errorf("piece: block index %d out of range for piece %d", b, i)
	}

	switch p.states[b] {
	case blockAbsent:
		return true, false, false, nil
	case blockRequested:
		return false, true, false, nil
	default:
		return false, false, true, nil
	}
}

// ResetBlock reverts block b of piece i back to absent, e.g. because the
// peer holding its outstanding request timed out or disconnected.
func (s *Storage) ResetBlock(i, b int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if i < 0 || i >= len(s.pieces) {
		return ErrPieceIndexRange
	}
	p := s.pieces[i]
	if p.states == nil {
		return nil
	}
	if b < 0 || b >= len(p.states) {
		return fmt.Errorf("piece: block index %d out of range for piece %d", b, i)
	}
	if p.states[b] == blockReceived {
		return nil
	}
	p.states[b] = blockAbsent
	return nil
}

// BlockBounds returns the [begin, length) of block b within piece i.
func (s *Storage) BlockBounds(i, b int) (begin, length int32, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if i < 0 || i >= len(s.pieces) {
		return 0, 0, ErrPieceIndexRange
	}
	p := s.pieces[i]
	if b < 0 || b >= p.numBlocks {
		return 0, 0, fmt.Errorf("piece: block index %d out of range for piece %d", b, i)
	}

	bg, ln, ok := BlockOffsetBounds(uint32(p.length), uint32(p.blockLen), uint32(b))
	if !ok {
		return 0, 0, fmt.Errorf("piece: block bounds for block %d of piece %d", b, i)
	}
	return int32(bg), int32(ln), nil
}

// IsPieceComplete reports whether every block of piece i has been received.
func (s *Storage) IsPieceComplete(i int) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if i < 0 || i >= len(s.pieces) {
		return false, ErrPieceIndexRange
	}
	p := s.pieces[i]
	if p.states == nil {
		return false, nil
	}
	for _, st := range p.states {
		if st != blockReceived {
			return false, nil
		}
	}
	return true, nil
}

// VerifyAndCommit concatenates piece i's staged blocks, computes their
// SHA-1, and compares it against the manifest's declared digest.
//
// On match: sets the bitfield bit and frees the block-status vector (the
// staged bytes are retained so the piece can be served to other peers).
// On mismatch: resets the block-status vector to all-absent and zeroes the
// staged bytes; the piece re-enters the download pool from scratch.
//
// VerifyAndCommit only succeeds (returns nil) when the piece is complete;
// otherwise it returns ErrPieceNotComplete without touching state.
func (s *Storage) VerifyAndCommit(i int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if i < 0 || i >= len(s.pieces) {
		return ErrPieceIndexRange
	}
	p := s.pieces[i]
	if p.states == nil {
		return ErrPieceNotComplete
	}
	for _, st := range p.states {
		if st != blockReceived {
			return ErrPieceNotComplete
		}
	}

	sum := sha1.Sum(p.data)
	if !bytes.Equal(sum[:], p.hash[:]) {
		s.logger.Warn("piece verification failed", "piece", i)
		for b := range p.states {
			p.states[b] = blockAbsent
		}
		clear(p.data)
		return ErrVerificationFailed
	}

	s.bf.Set(i)
	p.states = nil
	s.logger.Debug("piece verified", "piece", i)
	return nil
}

// ReadBlock returns a copy of the requested byte range of piece i. It only
// succeeds once the piece has been verified (Storage refuses to serve
// unverified, possibly-corrupt data to other peers).
func (s *Storage) ReadBlock(i int, begin, length int32) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if i < 0 || i >= len(s.pieces) {
		return nil, ErrPieceIndexRange
	}
	if !s.bf.Has(i) {
		return nil, fmt.Errorf("piece: %d not yet verified", i)
	}
	p := s.pieces[i]
	if begin < 0 || length < 0 || int(begin+length) > len(p.data) {
		return nil, fmt.Errorf("piece: read out of bounds for piece %d", i)
	}

	out := make([]byte, length)
	copy(out, p.data[begin:begin+length])
	return out, nil
}

// ResetPiece discards any in-progress staging for piece i, as if it had
// never been touched. Nothing in this module calls it; Picker.OnPeerGone
// returns a departed peer's blocks to the pool one at a time via
// ResetBlock.
func (s *Storage) ResetPiece(i int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if i < 0 || i >= len(s.pieces) {
		return ErrPieceIndexRange
	}
	p := s.pieces[i]
	p.states = nil
	p.data = nil
	return nil
}
