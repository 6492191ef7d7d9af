package config

import (
	"crypto/rand"
	"crypto/sha1"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"time"
)

// PieceDownloadStrategy enumerates the order in which eligible pieces are
// offered to the scan in next_block_request, outside of endgame.
//
// The block state machine and endgame behavior are strategy-agnostic; the
// strategy only changes which piece the scan tries first.
type PieceDownloadStrategy uint8

const (
	// PieceDownloadStrategySequential scans pieces in ascending index order.
	// This is the manager's default scan order and needs no extra state.
	PieceDownloadStrategySequential PieceDownloadStrategy = iota

	// PieceDownloadStrategyRarestFirst prioritizes pieces with the lowest
	// availability across connected peers.
	PieceDownloadStrategyRarestFirst

	// PieceDownloadStrategyRandom starts the scan at a uniformly sampled
	// piece index, reducing clumping on the same pieces across
	// independently-started clients.
	PieceDownloadStrategyRandom
)

// BlockLength is the fixed block size used to carve pieces into requests.
// It is not configurable: the wire protocol and the testable properties of
// the piece manager are defined in terms of this exact constant.
const BlockLength = 16384

// Config holds the tunables for a running session. Most fields mirror a
// specific clause of the download/exchange engine; see the field comments
// for where each one is read.
type Config struct {
	// ========== Identity / Paths ==========

	// DefaultDownloadDir is the default directory new torrents are saved
	// under. Changing this does not move torrents already in progress.
	DefaultDownloadDir string

	// ClientID is this process's 20-byte peer id, sent in every handshake.
	ClientID [sha1.Size]byte

	// ========== Networking ==========

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	DialTimeout  time.Duration

	// MaxPeers is the maximum number of concurrent peer connections a
	// session keeps open.
	MaxPeers int

	// ListenPort is the TCP port a session accepts inbound peer
	// connections on.
	ListenPort uint16

	// ========== Tracker / Announce ==========

	NumWant uint32

	// AnnounceInterval is the re-announce interval used when a tracker
	// reports none; zero falls back to DefaultAnnounceInterval. A
	// tracker-reported interval takes precedence over it.
	AnnounceInterval time.Duration

	// DefaultAnnounceInterval is used when neither side states one, and
	// as the re-announce delay after a failed announce.
	DefaultAnnounceInterval time.Duration

	// MinAnnounceInterval floors the interval a tracker can request,
	// guarding against a misbehaving tracker asking for near-continuous
	// announces.
	MinAnnounceInterval time.Duration

	// ========== Piece Picker / Requests ==========

	PieceDownloadStrategy PieceDownloadStrategy

	// MaxInflightRequestsPerPeer bounds outstanding Request messages per
	// peer connection.
	MaxInflightRequestsPerPeer int

	// RequestTimeout is how long an in-flight block waits before it is
	// returned to the piece manager as abandoned.
	RequestTimeout time.Duration

	// EndgameThreshold is the fraction of completed pieces (in [0,1]) at
	// which the piece manager allows duplicate in-flight requests for the
	// same block across peers.
	EndgameThreshold float64

	// ========== Keepalive / Idle ==========

	KeepAliveInterval time.Duration

	// ChokeTimeout is how long a connection may go with no data received
	// and no unchoke from the peer before the watchdog closes it.
	ChokeTimeout time.Duration

	// WatchdogTick is how often the per-peer watchdog evaluates timeouts.
	WatchdogTick time.Duration

	// PeerOutboxBacklog is the buffered capacity of a peer connection's
	// outbound message channel.
	PeerOutboxBacklog int

	// ========== Misc ==========

	EnableIPv6 bool
	HasIPv6    bool
}

// defaultConfig returns sensible defaults for a single-torrent session.
func defaultConfig() (Config, error) {
	clientID, err := generateClientID()
	if err != nil {
		return Config{}, err
	}

	v6 := hasIPv6()

	return Config{
		DefaultDownloadDir:         defaultDownloadDir(),
		ClientID:                   clientID,
		ReadTimeout:                30 * time.Second,
		WriteTimeout:               30 * time.Second,
		DialTimeout:                7 * time.Second,
		MaxPeers:                   50,
		ListenPort:                 6881,
		NumWant:                    50,
		AnnounceInterval:           0,
		DefaultAnnounceInterval:    180 * time.Second,
		MinAnnounceInterval:        15 * time.Second,
		PieceDownloadStrategy:      PieceDownloadStrategySequential,
		MaxInflightRequestsPerPeer: 16,
		RequestTimeout:             10 * time.Second,
		EndgameThreshold:           0.90,
		KeepAliveInterval:          90 * time.Second,
		ChokeTimeout:               2 * time.Minute,
		WatchdogTick:               time.Second,
		PeerOutboxBacklog:          64,
		EnableIPv6:                 v6,
		HasIPv6:                    v6,
	}, nil
}

func hasIPv6() bool {
	ifaces, _ := net.Interfaces()

	for _, ifi := range ifaces {
		if (ifi.Flags & net.FlagUp) == 0 {
			continue
		}
		addrs, _ := ifi.Addrs()
		for _, a := range addrs {
			ipNet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}

			ip := ipNet.IP
			if ip == nil || ip.To4() != nil {
				continue
			}
			if ip.IsGlobalUnicast() && !ip.IsLinkLocalUnicast() && !ip.IsLoopback() {
				return true
			}
		}
	}

	return false
}

func defaultDownloadDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		if cwd, err := os.Getwd(); err == nil {
			return filepath.Join(cwd, "downloads")
		}
		return "./downloads"
	}

	switch runtime.GOOS {
	case "windows", "darwin":
		return filepath.Join(home, "Downloads", "warren")
	default: // linux, bsd, etc.
		return filepath.Join(home, ".local", "share", "warren", "downloads")
	}
}

// generateClientID returns a fresh Azureus-style peer id with a random
// per-process suffix, per the recommendation that peer ids not be fixed
// across sessions.
func generateClientID() ([sha1.Size]byte, error) {
	var peerID [sha1.Size]byte

	prefix := []byte("-WR0001-")
	copy(peerID[:], prefix)

	if _, err := rand.Read(peerID[len(prefix):]); err != nil {
		return [sha1.Size]byte{}, err
	}

	return peerID, nil
}
