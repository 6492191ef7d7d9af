package peer

import (
	"context"
	"crypto/sha1"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wrenbt/warren/internal/bitfield"
	"github.com/wrenbt/warren/internal/config"
	"github.com/wrenbt/warren/internal/piece"
	"github.com/wrenbt/warren/internal/retry"
	"github.com/wrenbt/warren/internal/syncmap"
)

// Swarm is the set of live connections for a single torrent. It dials
// tracker-supplied addresses and accepts routed-in inbound connections.
// Every interested peer is unchoked on request; there is no slot-limited
// choking algorithm here.
type Swarm struct {
	logger     *slog.Logger
	peers      *syncmap.Map[netip.AddrPort, *Peer]
	infoHash   [sha1.Size]byte
	pieceCount int
	isSeeder   bool
	manager    *piece.Manager
	stats      *SwarmStats

	peerConnectCh chan netip.AddrPort
}

type SwarmStats struct {
	TotalPeers       atomic.Uint32
	ConnectingPeers  atomic.Uint32
	FailedConnection atomic.Uint32
	UnchokedPeers    atomic.Uint32
	InterestedPeers  atomic.Uint32
	UploadingTo      atomic.Uint32
	DownloadingFrom  atomic.Uint32
	TotalDownloaded  atomic.Uint64
	TotalUploaded    atomic.Uint64
	DownloadRate     atomic.Uint64
	UploadRate       atomic.Uint64
}

type SwarmOpts struct {
	Logger     *slog.Logger
	InfoHash   [sha1.Size]byte
	PieceCount int
	IsSeeder   bool
	Manager    *piece.Manager
}

type SwarmMetrics struct {
	TotalPeers       uint32
	ConnectingPeers  uint32
	FailedConnection uint32
	UnchokedPeers    uint32
	InterestedPeers  uint32
	UploadingTo      uint32
	DownloadingFrom  uint32
	TotalDownloaded  uint64
	TotalUploaded    uint64
	DownloadRate     uint64
	UploadRate       uint64
}

func NewSwarm(opts *SwarmOpts) *Swarm {
	return &Swarm{
		logger:        opts.Logger.With("src", "swarm"),
		infoHash:      opts.InfoHash,
		pieceCount:    opts.PieceCount,
		isSeeder:      opts.IsSeeder,
		manager:       opts.Manager,
		stats:         &SwarmStats{},
		peers:         syncmap.New[netip.AddrPort, *Peer](),
		peerConnectCh: make(chan netip.AddrPort, config.Load().MaxPeers*4),
	}
}

// Run drives peer maintenance, outbound dialing, and stat aggregation until
// ctx is done.
func (s *Swarm) Run(ctx context.Context) error {
	var wg sync.WaitGroup

	wg.Add(2)
	go func() { defer wg.Done(); s.maintenanceLoop(ctx) }()
	go func() { defer wg.Done(); s.statsLoop(ctx) }()

	dialWorkers := 10
	wg.Add(dialWorkers)
	for i := 0; i < dialWorkers; i++ {
		go func() { defer wg.Done(); s.peerDialerLoop(ctx) }()
	}

	wg.Wait()
	return nil
}

func (s *Swarm) Stats() SwarmMetrics {
	ps := s.stats
	return SwarmMetrics{
		TotalPeers:       ps.TotalPeers.Load(),
		ConnectingPeers:  ps.ConnectingPeers.Load(),
		FailedConnection: ps.FailedConnection.Load(),
		UnchokedPeers:    ps.UnchokedPeers.Load(),
		InterestedPeers:  ps.InterestedPeers.Load(),
		UploadingTo:      ps.UploadingTo.Load(),
		DownloadingFrom:  ps.DownloadingFrom.Load(),
		TotalDownloaded:  ps.TotalDownloaded.Load(),
		TotalUploaded:    ps.TotalUploaded.Load(),
		DownloadRate:     ps.DownloadRate.Load(),
		UploadRate:       ps.UploadRate.Load(),
	}
}

func (s *Swarm) PeerMetrics() []PeerMetrics {
	peers := s.peers.Values()
	metrics := make([]PeerMetrics, 0, len(peers))
	for _, p := range peers {
		metrics = append(metrics, p.Stats())
	}
	return metrics
}

func (s *Swarm) Count() int { return s.peers.Len() }

// AdmitPeers queues addresses (typically from a tracker announce) for
// dialing. Overflow is dropped; the next announce will offer fresh ones.
func (s *Swarm) AdmitPeers(addrs []netip.AddrPort) {
	for _, addr := range addrs {
		select {
		case s.peerConnectCh <- addr:
		default:
			s.logger.Warn("admit peer queue full; dropping", "addr", addr)
		}
	}
}

// AdoptInbound registers an already-connected, already-handshaken peer
// (accepted by the session's listener and routed here by info hash).
func (s *Swarm) AdoptInbound(p *Peer) bool {
	if _, dup := s.peers.Get(p.addr); dup {
		return false
	}
	if s.peers.Len() >= config.Load().MaxPeers {
		return false
	}

	s.peers.Put(p.addr, p)
	s.stats.TotalPeers.Add(1)
	return true
}

// AdoptInboundConn completes an inbound connection whose handshake has
// already been read and replied to by the caller (typically the session's
// Client, dispatching by info hash), registers it, and drives it until it
// disconnects.
func (s *Swarm) AdoptInboundConn(ctx context.Context, conn net.Conn, addr netip.AddrPort) {
	p := NewInboundPeer(conn, addr, s.peerOpts(addr))
	if !s.AdoptInbound(p) {
		p.Close()
		return
	}

	go func() {
		defer s.onPeerDisconnect(p.addr)
		_ = p.Run(ctx)
	}()
}

func (s *Swarm) peerOpts(addr netip.AddrPort) *PeerOpts {
	return &PeerOpts{
		Log:           s.logger,
		PieceCount:    s.pieceCount,
		InfoHash:      s.infoHash,
		OnBitfield:    s.onPeerBitfield,
		OnHave:        s.onPeerHave,
		OnDisconnect:  s.onPeerDisconnect,
		OnHandshake:   s.onPeerHandshake,
		LocalBitfield: s.manager.LocalBitfield,
		NextBlock:     s.manager.NextBlockRequest,
		ReturnBlock:   s.manager.ReturnBlock,
		DeliverBlock: func(pieceIdx, begin uint32, data []byte) error {
			return s.manager.AddBlock(pieceIdx, begin, data)
		},
		FetchBlock: func(pieceIdx, begin, length uint32) ([]byte, bool) {
			return s.manager.FetchBlock(pieceIdx, begin, length)
		},
	}
}

func (s *Swarm) addPeer(ctx context.Context, addr netip.AddrPort) (*Peer, error) {
	if _, dup := s.peers.Get(addr); dup {
		return nil, nil
	}
	if s.peers.Len() >= config.Load().MaxPeers {
		return nil, nil
	}

	s.stats.ConnectingPeers.Add(1)
	defer s.stats.ConnectingPeers.Add(^uint32(0))

	var p *Peer
	err := retry.Do(ctx, func(ctx context.Context) error {
		var dialErr error
		p, dialErr = NewPeer(ctx, addr, s.peerOpts(addr))
		return dialErr
	}, retry.WithMaxAttempts(2), retry.WithInitialDelay(500*time.Millisecond), retry.WithMaxDelay(2*time.Second))

	if err != nil {
		s.stats.FailedConnection.Add(1)
		return nil, err
	}

	s.peers.Put(addr, p)
	s.stats.TotalPeers.Add(1)

	return p, nil
}

func (s *Swarm) removePeer(addr netip.AddrPort) {
	if _, exists := s.peers.Get(addr); !exists {
		return
	}
	s.peers.Delete(addr)
	s.stats.TotalPeers.Add(^uint32(0))
}

func (s *Swarm) GetPeer(addr netip.AddrPort) (*Peer, bool) { return s.peers.Get(addr) }

// BroadcastHave notifies every connected peer that a local piece completed.
func (s *Swarm) BroadcastHave(pieceIdx uint32) {
	for _, p := range s.peers.Values() {
		p.SendHave(pieceIdx)
	}
}

func (s *Swarm) onPeerBitfield(addr netip.AddrPort, bf bitfield.Bitfield) {
	for i := 0; i < bf.Len(); i++ {
		if bf.Has(i) {
			s.manager.PeerHasPiece(uint32(i))
		}
	}
}

func (s *Swarm) onPeerHave(addr netip.AddrPort, pieceIdx uint32) {
	s.manager.PeerHasPiece(pieceIdx)
}

func (s *Swarm) onPeerHandshake(addr netip.AddrPort) {}

func (s *Swarm) onPeerDisconnect(addr netip.AddrPort) {
	p, ok := s.peers.Get(addr)
	if ok {
		bf := p.Bitfield()
		for i := 0; i < bf.Len(); i++ {
			if bf.Has(i) {
				s.manager.PeerLostPiece(uint32(i))
			}
		}
	}

	s.removePeer(addr)
}

func (s *Swarm) maintenanceLoop(ctx context.Context) {
	l := s.logger.With("component", "maintenance loop")
	l.Debug("started")

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			maxIdle := config.Load().ChokeTimeout
			var stale []netip.AddrPort

			for _, p := range s.peers.Values() {
				if p.Idleness() > maxIdle*2 {
					stale = append(stale, p.addr)
				}
			}

			for _, addr := range stale {
				if p, ok := s.peers.Get(addr); ok {
					p.Close()
				}
			}
		}
	}
}

func (s *Swarm) peerDialerLoop(ctx context.Context) {
	l := s.logger.With("component", "peer dialer loop")
	l.Debug("started")

	for {
		select {
		case <-ctx.Done():
			return
		case addr, ok := <-s.peerConnectCh:
			if !ok {
				return
			}

			p, err := s.addPeer(ctx, addr)
			if err != nil {
				l.Debug("peer connection failed", "addr", addr, "error", err.Error())
				continue
			}
			if p == nil {
				continue
			}

			go func(p *Peer) {
				defer s.onPeerDisconnect(p.addr)
				_ = p.Run(ctx)
			}(p)
		}
	}
}

func (s *Swarm) statsLoop(ctx context.Context) {
	l := s.logger.With("component", "stats loop")
	l.Debug("started")

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var totUp, totDown, upRate, downRate uint64
			var unchoked, interested, uploadingTo, downloadingFrom uint32

			for _, p := range s.peers.Values() {
				totUp += p.stats.Uploaded.Load()
				totDown += p.stats.Downloaded.Load()
				ru := p.stats.UploadRate.Load()
				rd := p.stats.DownloadRate.Load()
				upRate += ru
				downRate += rd

				if !p.AmChoking() {
					unchoked++
				}
				if p.AmInterested() {
					interested++
				}
				if ru > 0 {
					uploadingTo++
				}
				if rd > 0 {
					downloadingFrom++
				}
			}

			s.stats.TotalUploaded.Store(totUp)
			s.stats.TotalDownloaded.Store(totDown)
			s.stats.UploadRate.Store(upRate)
			s.stats.DownloadRate.Store(downRate)
			s.stats.UnchokedPeers.Store(unchoked)
			s.stats.InterestedPeers.Store(interested)
			s.stats.UploadingTo.Store(uploadingTo)
			s.stats.DownloadingFrom.Store(downloadingFrom)
		}
	}
}

