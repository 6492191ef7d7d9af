// Package session owns a single torrent's full download/upload engine: the
// piece manager, on-disk file store, tracker set, and live peer swarm.
package session

import (
	"context"
	"crypto/sha1"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/wrenbt/warren/internal/config"
	"github.com/wrenbt/warren/internal/meta"
	"github.com/wrenbt/warren/internal/peer"
	"github.com/wrenbt/warren/internal/piece"
	"github.com/wrenbt/warren/internal/storage"
	"github.com/wrenbt/warren/internal/tracker"
	"golang.org/x/sync/errgroup"
)

// Session drives one torrent: announcing to its trackers, dialing and
// accepting peer connections, and persisting verified pieces to disk.
type Session struct {
	Metainfo *meta.Metainfo

	clientID [sha1.Size]byte
	logger   *slog.Logger

	store     *storage.Store
	resumeLog *storage.ResumeLog
	manager   *piece.Manager
	tr        *tracker.Tracker
	swarm     *peer.Swarm

	cancel    context.CancelFunc
	closeOnce sync.Once
}

// Stats is a point-in-time snapshot of a session's progress, suitable for a
// control front-end (or, here, a terminal) to print.
type Stats struct {
	peer.SwarmMetrics
	tracker.TrackerMetrics
	Progress float64
	Peers    []peer.PeerMetrics
}

// New builds a session for the torrent described by metainfo, rooted at
// downloadDir (empty uses the configured default). Any pieces already
// recorded in the resume log are seeded as complete without re-hashing.
func New(metainfo *meta.Metainfo, clientID [sha1.Size]byte, downloadDir string, logger *slog.Logger) (*Session, error) {
	if downloadDir == "" {
		downloadDir = config.Load().DefaultDownloadDir
	}
	logger = logger.With("torrent", metainfo.Info.Name)

	store, err := storage.NewStore(metainfo, downloadDir)
	if err != nil {
		return nil, fmt.Errorf("session: storage: %w", err)
	}

	resumePath := filepath.Join(downloadDir, metainfo.Info.Name+".fastresume")
	resumeLog, err := storage.OpenResumeLog(resumePath)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("session: resume log: %w", err)
	}

	s := &Session{
		Metainfo:  metainfo,
		clientID:  clientID,
		logger:    logger,
		store:     store,
		resumeLog: resumeLog,
	}

	manager, err := piece.NewManager(
		metainfo.Info.Pieces,
		uint32(metainfo.Info.PieceLength),
		uint64(metainfo.Size()),
		config.Load().EndgameThreshold,
		config.Load().PieceDownloadStrategy,
		store,
		s.onPieceComplete,
		logger,
	)
	if err != nil {
		resumeLog.Close()
		store.Close()
		return nil, fmt.Errorf("session: piece manager: %w", err)
	}
	s.manager = manager

	completed, err := storage.ReadResume(resumePath)
	if err != nil {
		logger.Warn("resume log unreadable, starting fresh", "error", err)
	}
	for _, p := range completed {
		manager.MarkPieceComplete(p)
	}

	s.swarm = peer.NewSwarm(&peer.SwarmOpts{
		Logger:     logger,
		InfoHash:   metainfo.InfoHash,
		PieceCount: int(manager.PieceCount()),
		IsSeeder:   manager.IsComplete(),
		Manager:    manager,
	})

	tr, err := tracker.NewTracker(metainfo.Announce, metainfo.AnnounceList, &tracker.TrackerOpts{
		Log:               logger,
		OnAnnounceStart:   s.buildAnnounceParams,
		OnAnnounceSuccess: s.swarm.AdmitPeers,
	})
	if err != nil {
		resumeLog.Close()
		store.Close()
		return nil, fmt.Errorf("session: tracker: %w", err)
	}
	s.tr = tr

	return s, nil
}

// Run drives the tracker announce loop and peer swarm until ctx is
// canceled or a component fails unrecoverably.
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.swarm.Run(gctx) })
	g.Go(func() error { return s.tr.Run(gctx) })

	return g.Wait()
}

// Stop cancels the session's context, idempotently.
func (s *Session) Stop() {
	s.closeOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		_ = s.resumeLog.Close()
		_ = s.store.Close()
	})
}

// InfoHashHex returns the torrent's 40-character hex info hash, the key
// the Client uses to route inbound connections.
func (s *Session) InfoHashHex() string {
	return fmt.Sprintf("%x", s.Metainfo.InfoHash)
}

// AdoptInbound hands an already-accepted, handshake-complete connection to
// this session's swarm.
func (s *Session) AdoptInbound(ctx context.Context, hs peer.InboundHandshake) {
	s.swarm.AdoptInboundConn(ctx, hs.Conn, hs.Addr)
}

// Stats snapshots the session's current swarm, tracker, and progress state.
func (s *Session) Stats() Stats {
	swarmStats := s.swarm.Stats()
	trackerStats := s.tr.Stats()

	stats := Stats{
		SwarmMetrics:   swarmStats,
		TrackerMetrics: trackerStats,
		Peers:          s.swarm.PeerMetrics(),
	}

	if total := s.manager.PieceCount(); total > 0 {
		stats.Progress = float64(s.manager.Downloaded()) / float64(s.manager.Total()) * 100
	}

	return stats
}

func (s *Session) buildAnnounceParams() *tracker.AnnounceParams {
	downloaded := s.manager.Downloaded()
	total := uint64(s.Metainfo.Size())
	left := total - downloaded

	event := tracker.EventNone
	switch {
	case left == 0:
		event = tracker.EventCompleted
	case downloaded == 0:
		event = tracker.EventStarted
	}

	return &tracker.AnnounceParams{
		Event:      event,
		InfoHash:   s.Metainfo.InfoHash,
		PeerID:     s.clientID,
		Uploaded:   s.manager.Uploaded(),
		Downloaded: downloaded,
		Left:       left,
		NumWant:    config.Load().NumWant,
		Port:       config.Load().ListenPort,
	}
}

// onPieceComplete appends the piece to the resume log and notifies every
// connected peer, fired by the piece manager right after a verified piece
// is written to disk.
func (s *Session) onPieceComplete(pieceIdx uint32) {
	if err := s.resumeLog.AppendPiece(pieceIdx); err != nil {
		s.logger.Error("resume log append failed", "piece", pieceIdx, "error", err)
	}
	s.swarm.BroadcastHave(pieceIdx)
}
