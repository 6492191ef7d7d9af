package session

import (
	"context"
	"crypto/sha1"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/wrenbt/warren/internal/meta"
	"github.com/wrenbt/warren/internal/peer"
	"github.com/wrenbt/warren/internal/protocol"
	"golang.org/x/sync/errgroup"
)

// Client owns every active Session, keyed by hex info hash, and the single
// TCP listener that demultiplexes inbound peer connections to the right
// one.
type Client struct {
	clientID [sha1.Size]byte
	logger   *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session

	listener *peer.Listener
}

// NewClient creates a Client and opens its inbound listener.
func NewClient(clientID [sha1.Size]byte, logger *slog.Logger) (*Client, error) {
	c := &Client{
		clientID: clientID,
		logger:   logger.With("component", "client"),
		sessions: make(map[string]*Session),
	}

	ln, err := peer.Listen(c.logger, c.dispatchInbound)
	if err != nil {
		return nil, fmt.Errorf("client: listen: %w", err)
	}
	c.listener = ln

	return c, nil
}

// Run accepts inbound connections until ctx is canceled. Each Session is
// expected to be driven by its own caller via Session.Run.
func (c *Client) Run(ctx context.Context) error {
	return c.listener.Run(ctx)
}

// AddTorrent parses metainfo bytes, opens a Session for it, and registers
// it for inbound dispatch. The caller is responsible for calling Run on
// the returned Session.
func (c *Client) AddTorrent(data []byte, downloadDir string) (*Session, error) {
	mi, err := meta.ParseMetainfo(data)
	if err != nil {
		return nil, fmt.Errorf("client: parse metainfo: %w", err)
	}

	s, err := New(mi, c.clientID, downloadDir, c.logger)
	if err != nil {
		return nil, err
	}

	key := s.InfoHashHex()

	c.mu.Lock()
	if _, dup := c.sessions[key]; dup {
		c.mu.Unlock()
		s.Stop()
		return nil, fmt.Errorf("client: torrent %s already added", key)
	}
	c.sessions[key] = s
	c.mu.Unlock()

	return s, nil
}

// RemoveTorrent stops and unregisters the session for infoHashHex, if any.
func (c *Client) RemoveTorrent(infoHashHex string) {
	c.mu.Lock()
	s, ok := c.sessions[infoHashHex]
	delete(c.sessions, infoHashHex)
	c.mu.Unlock()

	if ok {
		s.Stop()
	}
}

// Sessions returns a snapshot of every currently registered session.
func (c *Client) Sessions() []*Session {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]*Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		out = append(out, s)
	}
	return out
}

// RunAll runs the listener and every currently registered session
// together, returning when any one of them fails or ctx is canceled.
func (c *Client) RunAll(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return c.Run(gctx) })
	for _, s := range c.Sessions() {
		s := s
		g.Go(func() error { return s.Run(gctx) })
	}

	return g.Wait()
}

func (c *Client) dispatchInbound(ctx context.Context, hs peer.InboundHandshake) {
	key := fmt.Sprintf("%x", hs.InfoHash)

	c.mu.RLock()
	s, ok := c.sessions[key]
	c.mu.RUnlock()

	if !ok {
		c.logger.Debug("inbound connection for unknown torrent", "info_hash", key)
		_ = hs.Conn.Close()
		return
	}

	local := struct {
		InfoHash [sha1.Size]byte
		PeerID   [sha1.Size]byte
	}{InfoHash: hs.InfoHash, PeerID: c.clientID}

	if err := writeLocalHandshake(hs.Conn, local.InfoHash, local.PeerID); err != nil {
		c.logger.Debug("inbound handshake reply failed", "error", err)
		_ = hs.Conn.Close()
		return
	}

	s.AdoptInbound(ctx, hs)
}

// writeLocalHandshake sends our half of the handshake exchange over an
// already-verified inbound connection.
func writeLocalHandshake(conn net.Conn, infoHash, peerID [sha1.Size]byte) error {
	hs := protocol.NewHandshake(infoHash, peerID)
	_, err := hs.WriteTo(conn)
	return err
}
