// Package piece implements the piece/block state machine for a single
// torrent: block selection (including endgame), block ingestion and
// verification, and the local bitfield.
package piece

import (
	"crypto/sha1"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"

	"github.com/wrenbt/warren/internal/bitfield"
	"github.com/wrenbt/warren/internal/config"
)

// MaxBlockLength is the fixed block size used to carve pieces into
// requests. The wire protocol and every testable property of the manager
// are defined in terms of this exact constant.
const MaxBlockLength = 16 * 1024

// Status is the lifecycle state of a single block.
type Status uint8

const (
	StatusNotRequested Status = iota
	StatusRequested
	StatusReceived
)

// BlockInfo describes a block selected for download.
type BlockInfo struct {
	PieceIdx uint32
	Begin    uint32
	Length   uint32
}

// FileStore is the file manager's boundary with the piece manager: reading
// a block back for upload, and persisting a freshly-verified piece.
type FileStore interface {
	ReadBlock(pieceIdx, begin, length uint32) ([]byte, error)
	WritePiece(pieceIdx uint32, data []byte) error
}

// pieceState tracks in-memory state for one piece. The buffer is allocated
// lazily on the first block request for that piece and released on verify.
type pieceState struct {
	hash        [sha1.Size]byte
	length      uint32
	blockCount  uint32
	verified    bool
	buf         []byte
	blockStatus []Status
	received    uint32
}

// Manager is the sole owner of piece/block state for one torrent. Every
// mutating method takes the manager's mutex; this is the "single strand"
// serialization discipline applied via a plain mutex rather than a
// goroutine-owned channel.
type Manager struct {
	logger          *slog.Logger
	store           FileStore
	onPieceComplete func(pieceIdx uint32)
	availability    *availabilityBucket
	strategy        config.PieceDownloadStrategy

	mut             sync.Mutex
	pieces          []*pieceState
	pieceCount      uint32
	completedPieces uint32
	endgameCursor   uint32
	localBF         bitfield.Bitfield
	threshold       float64
	totalSize       uint64

	downloaded atomic.Uint64
	uploaded   atomic.Uint64
}

// NewManager builds a manager for a torrent with the given per-piece
// hashes, piece length, and total size. threshold is the fraction of
// completed pieces (0..1) at which endgame engages.
func NewManager(
	pieceHashes [][sha1.Size]byte,
	pieceLen uint32,
	totalSize uint64,
	threshold float64,
	strategy config.PieceDownloadStrategy,
	store FileStore,
	onPieceComplete func(pieceIdx uint32),
	logger *slog.Logger,
) (*Manager, error) {
	n := len(pieceHashes)
	if n == 0 {
		return nil, fmt.Errorf("piece: no pieces")
	}

	pieces := make([]*pieceState, n)
	for i := 0; i < n; i++ {
		length, ok := PieceLengthAt(uint32(i), totalSize, pieceLen)
		if !ok {
			return nil, fmt.Errorf("piece: index %d out of bounds", i)
		}
		blockCount, _ := BlocksInPiece(length)

		pieces[i] = &pieceState{
			hash:       pieceHashes[i],
			length:     length,
			blockCount: blockCount,
		}
	}

	return &Manager{
		logger:          logger,
		store:           store,
		onPieceComplete: onPieceComplete,
		availability:    newAvailabilityBucket(n),
		strategy:        strategy,
		pieces:          pieces,
		pieceCount:      uint32(n),
		threshold:       threshold,
		totalSize:       totalSize,
		localBF:         bitfield.New(n),
	}, nil
}

// PieceCount returns the number of pieces in the torrent.
func (m *Manager) PieceCount() uint32 { return m.pieceCount }

// Total returns the torrent's total size in bytes.
func (m *Manager) Total() uint64 { return m.totalSize }

// Downloaded returns the sum of verified piece sizes added to local
// storage. Best-effort accessor; may race with concurrent AddBlock calls.
func (m *Manager) Downloaded() uint64 { return m.downloaded.Load() }

// Uploaded returns the sum of block lengths served via FetchBlock.
func (m *Manager) Uploaded() uint64 { return m.uploaded.Load() }

// LocalBitfield returns a snapshot copy of the local bitfield.
func (m *Manager) LocalBitfield() bitfield.Bitfield {
	m.mut.Lock()
	defer m.mut.Unlock()

	return m.localBF.Clone()
}

// PieceLengthForIndex returns the byte length of piece p.
func (m *Manager) PieceLengthForIndex(p uint32) uint32 {
	m.mut.Lock()
	defer m.mut.Unlock()

	if p >= m.pieceCount {
		return 0
	}
	return m.pieces[p].length
}

// IsPieceComplete reports whether piece p has been verified.
func (m *Manager) IsPieceComplete(p uint32) bool {
	m.mut.Lock()
	defer m.mut.Unlock()

	if p >= m.pieceCount {
		return false
	}
	return m.pieces[p].verified
}

// IsComplete reports whether every piece has verified.
func (m *Manager) IsComplete() bool {
	m.mut.Lock()
	defer m.mut.Unlock()

	return m.completedPieces == m.pieceCount
}

// MarkPieceComplete marks piece p as already verified without re-hashing,
// used to seed state from a resume log on startup.
func (m *Manager) MarkPieceComplete(p uint32) {
	m.mut.Lock()
	defer m.mut.Unlock()

	if p >= m.pieceCount || m.pieces[p].verified {
		return
	}

	piece := m.pieces[p]
	piece.verified = true
	piece.buf = nil
	piece.blockStatus = nil
	piece.received = piece.blockCount

	m.localBF.Set(int(p))
	m.completedPieces++
	if m.endgameCursor == p {
		m.endgameCursor++
	}
}

// PeerHasPiece records that a remote peer advertised piece p, for
// availability-based selection and swarm health metrics.
func (m *Manager) PeerHasPiece(p uint32) {
	if p >= m.pieceCount {
		return
	}
	m.availability.Move(int(p), +1)
}

// PeerLostPiece undoes a prior PeerHasPiece, used on disconnect.
func (m *Manager) PeerLostPiece(p uint32) {
	if p >= m.pieceCount {
		return
	}
	m.availability.Move(int(p), -1)
}

// Availability returns how many connected peers are known to have piece p.
func (m *Manager) Availability(p uint32) int {
	if p >= m.pieceCount {
		return 0
	}
	return m.availability.Availability(int(p))
}

// NextBlockRequest selects the next block to request from a peer
// advertising peerBF, per the block-selection algorithm:
//
//  1. If all pieces are complete, return none.
//  2. endgame engages once completed_pieces/N >= threshold.
//  3. Outside endgame the scan starts at a piece chosen by the configured
//     PieceDownloadStrategy (sequential always starts at 0; rarest-first
//     starts at the least-available non-empty bucket; random starts at a
//     uniformly sampled piece); in endgame it starts at endgameCursor mod
//     N instead, wrapping once around the piece set.
//  4. Skip complete pieces and pieces absent from peerBF.
//  5. Outside endgame, return the first not-requested block in the piece.
//     In endgame, return the first block not yet received, advancing
//     requested blocks; advance endgameCursor to i+1 before returning.
func (m *Manager) NextBlockRequest(peerBF bitfield.Bitfield) (*BlockInfo, bool) {
	m.mut.Lock()
	defer m.mut.Unlock()

	if m.completedPieces >= m.pieceCount {
		return nil, false
	}

	endgame := float64(m.completedPieces)/float64(m.pieceCount) >= m.threshold

	start := uint32(0)
	if endgame {
		start = m.endgameCursor % m.pieceCount
	} else {
		start = m.scanStart()
	}

	for step := uint32(0); step < m.pieceCount; step++ {
		i := (start + step) % m.pieceCount
		piece := m.pieces[i]
		if piece.verified || !peerBF.Has(int(i)) {
			continue
		}

		m.ensureBuffer(piece)

		for b := uint32(0); b < piece.blockCount; b++ {
			status := piece.blockStatus[b]

			if endgame {
				if status == StatusReceived {
					continue
				}
				if status == StatusNotRequested {
					piece.blockStatus[b] = StatusRequested
				}
				m.endgameCursor = i + 1
				begin, length := blockBoundsWithin(piece.length, b)
				return &BlockInfo{PieceIdx: i, Begin: begin, Length: length}, true
			}

			if status == StatusNotRequested {
				piece.blockStatus[b] = StatusRequested
				begin, length := blockBoundsWithin(piece.length, b)
				return &BlockInfo{PieceIdx: i, Begin: begin, Length: length}, true
			}
		}
	}

	return nil, false
}

// scanStart picks where the non-endgame scan in NextBlockRequest begins,
// per the configured PieceDownloadStrategy. It never changes which blocks
// are eligible, only which piece is tried first. Caller must hold m.mut.
func (m *Manager) scanStart() uint32 {
	switch m.strategy {
	case config.PieceDownloadStrategyRarestFirst:
		a, ok := m.availability.FirstNonEmpty()
		if !ok {
			return 0
		}
		bucket := m.availability.Bucket(a)
		if len(bucket) == 0 {
			return 0
		}
		return uint32(bucket[0])
	case config.PieceDownloadStrategyRandom:
		return uint32(rand.Intn(int(m.pieceCount)))
	default: // PieceDownloadStrategySequential
		return 0
	}
}

// ReturnBlock transitions a block back to not-requested. Idempotent if the
// block is already not-requested or received.
func (m *Manager) ReturnBlock(pieceIdx, begin uint32) {
	m.mut.Lock()
	defer m.mut.Unlock()

	if pieceIdx >= m.pieceCount {
		return
	}
	piece := m.pieces[pieceIdx]
	if piece.verified || piece.blockStatus == nil {
		return
	}

	b, ok := BlockIndexForBegin(begin, piece.length)
	if !ok || b >= piece.blockCount {
		return
	}
	if piece.blockStatus[b] == StatusRequested {
		piece.blockStatus[b] = StatusNotRequested
	}
}

// AddBlock ingests a received block. It is idempotent: once a block has
// transitioned to received, later deliveries (endgame duplicates) are
// silently dropped.
func (m *Manager) AddBlock(pieceIdx, begin uint32, data []byte) error {
	m.mut.Lock()

	if pieceIdx >= m.pieceCount {
		m.mut.Unlock()
		return nil
	}
	piece := m.pieces[pieceIdx]
	if piece.verified {
		m.mut.Unlock()
		return nil
	}

	b, ok := BlockIndexForBegin(begin, piece.length)
	if !ok || b >= piece.blockCount {
		m.mut.Unlock()
		return nil
	}

	m.ensureBuffer(piece)

	if piece.blockStatus[b] == StatusReceived {
		m.mut.Unlock()
		return nil
	}

	copy(piece.buf[begin:], data)
	piece.blockStatus[b] = StatusReceived
	piece.received++

	if piece.received != piece.blockCount {
		m.mut.Unlock()
		return nil
	}

	// Full piece received: verify outside the critical section isn't
	// possible since buf/blockStatus are manager-owned state, but hashing
	// itself doesn't need the lock held for writers elsewhere to starve —
	// keep it simple and hash while held, matching piece sizes (<= a few
	// MB) this is not a bottleneck worth a second lock dance.
	sum := sha1.Sum(piece.buf)
	buf := piece.buf
	ok = sum == piece.hash

	if !ok {
		piece.buf = nil
		piece.blockStatus = make([]Status, piece.blockCount)
		piece.received = 0
		m.mut.Unlock()
		m.logger.Warn("piece hash mismatch", "piece", pieceIdx)
		return nil
	}

	piece.verified = true
	piece.buf = nil
	piece.blockStatus = nil
	m.localBF.Set(int(pieceIdx))
	m.completedPieces++
	m.downloaded.Add(uint64(len(buf)))
	if m.endgameCursor == pieceIdx {
		m.endgameCursor = pieceIdx + 1
	}

	m.mut.Unlock()

	if m.store != nil {
		if err := m.store.WritePiece(pieceIdx, buf); err != nil {
			m.logger.Error("write piece", "piece", pieceIdx, "err", err)
		}
	}
	if m.onPieceComplete != nil {
		m.onPieceComplete(pieceIdx)
	}

	return nil
}

// FetchBlock reads a block for upload, via the file manager, and counts it
// toward the uploaded total. Returns ok=false for an incomplete piece, a
// malformed request (zero or oversized length, misaligned begin, or a
// range extending past the piece), or an out-of-range piece index.
func (m *Manager) FetchBlock(pieceIdx, begin, length uint32) ([]byte, bool) {
	if length == 0 || length > MaxBlockLength || begin%MaxBlockLength != 0 {
		return nil, false
	}

	m.mut.Lock()
	if pieceIdx >= m.pieceCount {
		m.mut.Unlock()
		return nil, false
	}
	piece := m.pieces[pieceIdx]
	if !piece.verified {
		m.mut.Unlock()
		return nil, false
	}
	if begin+length > piece.length {
		m.mut.Unlock()
		return nil, false
	}
	m.mut.Unlock()

	if m.store == nil {
		return nil, false
	}
	data, err := m.store.ReadBlock(pieceIdx, begin, length)
	if err != nil {
		return nil, false
	}

	m.uploaded.Add(uint64(len(data)))
	return data, true
}

// ensureBuffer lazily allocates the piece's in-memory buffer and block
// status vector on first touch. Caller must hold m.mut.
func (m *Manager) ensureBuffer(p *pieceState) {
	if p.buf != nil {
		return
	}
	p.buf = make([]byte, p.length)
	p.blockStatus = make([]Status, p.blockCount)
}

// blockBoundsWithin returns the (begin, length) of block b within a piece
// of the given length, where length is min(MaxBlockLength, pieceLen-begin).
func blockBoundsWithin(pieceLen, b uint32) (begin, length uint32) {
	begin = b * MaxBlockLength
	length = MaxBlockLength
	if rem := pieceLen - begin; rem < length {
		length = rem
	}
	return begin, length
}
