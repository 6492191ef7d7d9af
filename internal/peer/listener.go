package peer

import (
	"context"
	"crypto/sha1"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"github.com/wrenbt/warren/internal/config"
	"github.com/wrenbt/warren/internal/protocol"
)

// InboundHandshake is a freshly-accepted connection whose 68-byte handshake
// prefix has already been read off the wire, identifying which torrent the
// remote peer is asking about.
type InboundHandshake struct {
	Conn     net.Conn
	Addr     netip.AddrPort
	InfoHash [sha1.Size]byte
	PeerID   [sha1.Size]byte
}

// Listener accepts inbound peer connections on the configured TCP port and
// hands each one, post-handshake-read, to a dispatch callback. The
// callback owns everything past that: looking up the torrent by info
// hash, replying with the local handshake, and routing the connection into
// the right swarm.
type Listener struct {
	logger   *slog.Logger
	ln       net.Listener
	dispatch func(ctx context.Context, hs InboundHandshake)
}

// Listen opens a TCP listener on config.Load().ListenPort.
func Listen(logger *slog.Logger, dispatch func(ctx context.Context, hs InboundHandshake)) (*Listener, error) {
	addr := fmt.Sprintf(":%d", config.Load().ListenPort)

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	return &Listener{
		logger:   logger.With("src", "listener"),
		ln:       ln,
		dispatch: dispatch,
	}, nil
}

func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

func (l *Listener) Close() error { return l.ln.Close() }

// Run accepts connections until ctx is done or the listener is closed.
func (l *Listener) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = l.ln.Close()
	}()

	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			l.logger.Warn("accept failed", "error", err)
			continue
		}

		go l.handleConn(ctx, conn)
	}
}

func (l *Listener) handleConn(ctx context.Context, conn net.Conn) {
	_ = conn.SetReadDeadline(time.Now().Add(config.Load().ReadTimeout))

	var hs protocol.Handshake
	if _, err := hs.ReadFrom(conn); err != nil {
		l.logger.Debug("inbound handshake read failed", "error", err)
		_ = conn.Close()
		return
	}
	if hs.Pstr != protocol.ProtocolString {
		l.logger.Debug("inbound handshake protocol string mismatch", "pstr", hs.Pstr)
		_ = conn.Close()
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	addr, ok := addrPortOf(conn.RemoteAddr())
	if !ok {
		l.logger.Debug("inbound connection has no usable remote addr")
		_ = conn.Close()
		return
	}

	l.dispatch(ctx, InboundHandshake{
		Conn:     conn,
		Addr:     addr,
		InfoHash: hs.InfoHash,
		PeerID:   hs.PeerID,
	})
}

func addrPortOf(a net.Addr) (netip.AddrPort, bool) {
	tcp, ok := a.(*net.TCPAddr)
	if !ok {
		return netip.AddrPort{}, false
	}
	ip, ok := netip.AddrFromSlice(tcp.IP)
	if !ok {
		return netip.AddrPort{}, false
	}
	return netip.AddrPortFrom(ip.Unmap(), uint16(tcp.Port)), true
}
