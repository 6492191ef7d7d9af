package peer

import (
	"context"
	"crypto/sha1"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wrenbt/warren/internal/bitfield"
	"github.com/wrenbt/warren/internal/config"
	"github.com/wrenbt/warren/internal/piece"
	"github.com/wrenbt/warren/internal/protocol"
	"golang.org/x/sync/errgroup"
)

const (
	maskAmChoking      = 1 << 0
	maskAmInterested   = 1 << 1
	maskPeerChoking    = 1 << 2
	maskPeerInterested = 1 << 3
)

// Direction records which side initiated the TCP connection.
type Direction uint8

const (
	Outbound Direction = iota
	Inbound
)

func (d Direction) String() string {
	if d == Inbound {
		return "inbound"
	}
	return "outbound"
}

// historyCapacity bounds the rolling per-connection message log used for
// diagnostics; it is not a protocol concern.
const historyCapacity = 256

type inFlightRequest struct {
	length      uint32
	requestedAt time.Time
}

// blockKey identifies an outstanding request within a single connection.
type blockKey struct {
	pieceIdx uint32
	begin    uint32
}

// Peer is a single peer-wire-protocol connection. It owns its own request
// pipeline: once unchoked, it pulls blocks from the shared piece manager via
// nextBlock and keeps up to MaxInflightRequestsPerPeer outstanding, retiring
// or reaping them as data arrives or times out.
type Peer struct {
	log            *slog.Logger
	conn           net.Conn
	addr           netip.AddrPort
	direction      Direction
	state          uint32
	stats          *PeerStats
	bitfieldMu     sync.RWMutex
	bitfield       bitfield.Bitfield
	lastActivityAt atomic.Int64
	lastUnchokedAt atomic.Int64
	outbox         chan *protocol.Message
	closeOnce      sync.Once
	stopped        atomic.Bool
	cancel         context.CancelFunc

	inFlightMu sync.Mutex
	inFlight   map[blockKey]*inFlightRequest

	history *messageHistoryBuffer

	onBitfield   func(netip.AddrPort, bitfield.Bitfield)
	onHave       func(netip.AddrPort, uint32)
	onDisconnect func(netip.AddrPort)
	onHandshake  func(netip.AddrPort)
	localBitfield func() bitfield.Bitfield
	nextBlock    func(peerBF bitfield.Bitfield) (*piece.BlockInfo, bool)
	returnBlock  func(pieceIdx, begin uint32)
	deliverBlock func(pieceIdx, begin uint32, data []byte) error
	fetchBlock   func(pieceIdx, begin, length uint32) ([]byte, bool)
}

// PeerStats holds per-connection counters/timestamps. All fields are
// atomic. The counters only increase for the lifetime of a peer;
// DownloadRate and UploadRate hold smoothed rates that can also fall.
type PeerStats struct {
	Downloaded   atomic.Uint64
	Uploaded     atomic.Uint64
	DownloadRate atomic.Uint64
	UploadRate   atomic.Uint64

	MessagesReceived atomic.Uint64
	MessagesSent     atomic.Uint64

	RequestsSent      atomic.Uint64
	RequestsReceived  atomic.Uint64
	RequestsCancelled atomic.Uint64
	RequestsTimeout   atomic.Uint64

	PiecesReceived atomic.Uint64
	PiecesSent     atomic.Uint64

	Errors atomic.Uint64

	ConnectedAt    time.Time
	DisconnectedAt time.Time
}

// PeerMetrics is a snapshot of a single peer's connection + transfer stats.
type PeerMetrics struct {
	Addr           netip.AddrPort
	Direction      string
	Downloaded     uint64
	Uploaded       uint64
	RequestsSent   uint64
	BlocksReceived uint64
	BlocksFailed   uint64
	LastActive     time.Time
	ConnectedAt    time.Time
	ConnectedFor   int64
	DownloadRate   uint64
	UploadRate     uint64
	IsChoked       bool
	IsInterested   bool
}

type PeerOpts struct {
	Log          *slog.Logger
	PieceCount   int
	InfoHash     [sha1.Size]byte
	OnBitfield   func(netip.AddrPort, bitfield.Bitfield)
	OnHave       func(netip.AddrPort, uint32)
	OnDisconnect func(netip.AddrPort)
	OnHandshake  func(netip.AddrPort)
	LocalBitfield func() bitfield.Bitfield
	NextBlock    func(peerBF bitfield.Bitfield) (*piece.BlockInfo, bool)
	ReturnBlock  func(pieceIdx, begin uint32)
	DeliverBlock func(pieceIdx, begin uint32, data []byte) error
	FetchBlock   func(pieceIdx, begin, length uint32) ([]byte, bool)
}

// NewPeer dials addr and performs the outbound handshake.
func NewPeer(ctx context.Context, addr netip.AddrPort, opts *PeerOpts) (*Peer, error) {
	conn, err := net.DialTimeout("tcp", addr.String(), config.Load().DialTimeout)
	if err != nil {
		return nil, err
	}

	handshake := protocol.NewHandshake(opts.InfoHash, config.Load().ClientID)
	if _, err := handshake.Exchange(conn, true); err != nil {
		_ = conn.Close()
		return nil, err
	}

	return newPeer(conn, addr, Outbound, opts), nil
}

// NewInboundPeer wraps an already-accepted connection that has already
// exchanged handshakes (the caller has read the remote's handshake to learn
// its info hash and routed to the right session before calling this).
func NewInboundPeer(conn net.Conn, addr netip.AddrPort, opts *PeerOpts) *Peer {
	return newPeer(conn, addr, Inbound, opts)
}

func newPeer(conn net.Conn, addr netip.AddrPort, dir Direction, opts *PeerOpts) *Peer {
	log := opts.Log.With("src", "peer", "addr", addr, "direction", dir.String())

	p := &Peer{
		log:           log,
		conn:          conn,
		addr:          addr,
		direction:     dir,
		stats:         &PeerStats{},
		onBitfield:    opts.OnBitfield,
		onHave:        opts.OnHave,
		onDisconnect:  opts.OnDisconnect,
		onHandshake:   opts.OnHandshake,
		localBitfield: opts.LocalBitfield,
		nextBlock:     opts.NextBlock,
		returnBlock:   opts.ReturnBlock,
		deliverBlock:  opts.DeliverBlock,
		fetchBlock:    opts.FetchBlock,
		bitfield:      bitfield.New(opts.PieceCount),
		inFlight:      make(map[blockKey]*inFlightRequest),
		history:       newMessageHistoryBuffer(historyCapacity),
		outbox:        make(chan *protocol.Message, config.Load().PeerOutboxBacklog),
	}
	p.setState(maskAmChoking|maskPeerChoking, true)
	p.lastActivityAt.Store(time.Now().UnixNano())
	p.lastUnchokedAt.Store(time.Now().UnixNano())
	p.stats.ConnectedAt = time.Now()

	return p
}

// Run drives the connection until ctx is cancelled or an unrecoverable I/O
// error occurs. It always returns once every goroutine has exited.
func (p *Peer) Run(ctx context.Context) error {
	defer p.Close()

	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return p.readMessagesLoop(gctx) })
	g.Go(func() error { return p.writeMessagesLoop(gctx) })
	g.Go(func() error { return p.downloadUploadRatesLoop(gctx) })
	g.Go(func() error { return p.watchdogLoop(gctx) })

	return g.Wait()
}

func (p *Peer) Close() {
	p.closeOnce.Do(func() {
		p.stopped.Store(true)

		if p.cancel != nil {
			p.cancel()
		}

		_ = p.conn.Close()
		close(p.outbox)
		p.stats.DisconnectedAt = time.Now()

		p.returnAllInFlight()

		if p.onDisconnect != nil {
			p.onDisconnect(p.addr)
		}

		p.log.Debug("stopped peer")
	})
}

func (p *Peer) Addr() netip.AddrPort   { return p.addr }
func (p *Peer) Direction() Direction   { return p.direction }

func (p *Peer) Idleness() time.Duration {
	ns := time.Unix(0, p.lastActivityAt.Load())
	return time.Since(ns)
}

// UnchokedIdleness returns how long it has been since this connection was
// last unchoked by the remote peer (or since connecting, if never).
func (p *Peer) UnchokedIdleness() time.Duration {
	ns := time.Unix(0, p.lastUnchokedAt.Load())
	return time.Since(ns)
}

func (p *Peer) Bitfield() bitfield.Bitfield {
	p.bitfieldMu.RLock()
	defer p.bitfieldMu.RUnlock()
	return p.bitfield.Clone()
}

func (p *Peer) SendBitfield(bf bitfield.Bitfield) {
	p.enqueueMessage(protocol.MessageBitfield(bf.Bytes()))
}

func (p *Peer) SendKeepAlive() { p.enqueueMessage(nil) }

func (p *Peer) SendChoke()         { p.enqueueMessage(protocol.MessageChoke()) }
func (p *Peer) SendUnchoke()       { p.enqueueMessage(protocol.MessageUnchoke()) }
func (p *Peer) SendInterested()    { p.enqueueMessage(protocol.MessageInterested()) }
func (p *Peer) SendNotInterested() { p.enqueueMessage(protocol.MessageNotInterested()) }

func (p *Peer) SendHave(pieceIdx uint32) { p.enqueueMessage(protocol.MessageHave(pieceIdx)) }

func (p *Peer) SendPiece(pieceIdx, begin uint32, block []byte) {
	if p.AmChoking() {
		return
	}
	p.enqueueMessage(protocol.MessagePiece(pieceIdx, begin, block))
}

// declareInterestIfNeeded sends Interested the first time this connection
// learns the remote has any piece at all, per the Have/Bitfield handlers in
// the wire protocol: declaring interest is what prompts an unchoke under a
// no-choking-algorithm policy where every interested peer gets unchoked on
// request.
func (p *Peer) declareInterestIfNeeded() {
	if p.AmInterested() {
		return
	}
	p.SendInterested()
	p.setState(maskAmInterested, true)
}

// Choke and Unchoke set our choking state towards this peer and notify it.
func (p *Peer) Choke()   { p.SendChoke() }
func (p *Peer) Unchoke() { p.SendUnchoke() }

// fillPipeline tops up outstanding requests to MaxInflightRequestsPerPeer,
// pulling the next eligible block from the shared piece manager.
func (p *Peer) fillPipeline() {
	if p.PeerChoking() || p.nextBlock == nil {
		return
	}

	max := config.Load().MaxInflightRequestsPerPeer

	for {
		p.inFlightMu.Lock()
		n := len(p.inFlight)
		p.inFlightMu.Unlock()
		if n >= max {
			return
		}

		peerBF := p.Bitfield()
		blk, ok := p.nextBlock(peerBF)
		if !ok {
			return
		}

		key := blockKey{pieceIdx: blk.PieceIdx, begin: blk.Begin}
		p.inFlightMu.Lock()
		p.inFlight[key] = &inFlightRequest{length: blk.Length, requestedAt: time.Now()}
		p.inFlightMu.Unlock()

		p.enqueueMessage(protocol.MessageRequest(blk.PieceIdx, blk.Begin, blk.Length))
		p.stats.RequestsSent.Add(1)
	}
}

// returnAllInFlight gives back every outstanding request on disconnect so
// the piece manager can reassign them to other peers.
func (p *Peer) returnAllInFlight() {
	if p.returnBlock == nil {
		return
	}

	p.inFlightMu.Lock()
	keys := make([]blockKey, 0, len(p.inFlight))
	for k := range p.inFlight {
		keys = append(keys, k)
	}
	p.inFlight = make(map[blockKey]*inFlightRequest)
	p.inFlightMu.Unlock()

	for _, k := range keys {
		p.returnBlock(k.pieceIdx, k.begin)
	}
}

func (p *Peer) readMessagesLoop(ctx context.Context) error {
	l := p.log.With("component", "read message loop")
	l.Debug("started")

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		message, err := p.readMessage()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}

			l.Debug("failed to read message, exiting", "error", err.Error())
			return err
		}

		if err := p.handleMessage(message); err != nil {
			l.Warn("handle message failed", "error", err.Error())
			return err
		}
	}
}

func (p *Peer) writeMessagesLoop(ctx context.Context) error {
	l := p.log.With("component", "write messages loop")
	l.Debug("started")

	if p.onHandshake != nil {
		p.onHandshake(p.addr)
	}
	if p.localBitfield != nil {
		p.SendBitfield(p.localBitfield())
	}

	keepAliveInterval := config.Load().KeepAliveInterval
	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case message, ok := <-p.outbox:
			if !ok {
				return nil
			}

			if err := p.writeMessage(message); err != nil {
				l.Debug("failed to write message, exiting loop", "error", err.Error())
				return err
			}

		case <-ticker.C:
			lastActivityAt := time.Unix(0, p.lastActivityAt.Load())
			if time.Since(lastActivityAt) >= keepAliveInterval {
				p.SendKeepAlive()
			}
		}
	}
}

// downloadUploadRatesLoop maintains an exponential moving average of
// throughput in both directions.
//
// Every tick it snapshots the monotonic byte counters, computes the delta
// since the previous tick as an instantaneous bytes/sec figure, and blends
// it into the running average:
//
//	emaNext = α*instant + (1-α)*emaPrev
//
// A higher α reacts faster to bursts; a lower one smooths them out.
func (p *Peer) downloadUploadRatesLoop(ctx context.Context) error {
	t := time.NewTicker(time.Second)
	defer t.Stop()

	lastUp := p.stats.Uploaded.Load()
	lastDown := p.stats.Downloaded.Load()

	const alpha = 0.2
	var upEMA, downEMA float64
	var inited bool

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			curUp := p.stats.Uploaded.Load()
			curDown := p.stats.Downloaded.Load()

			instUp := float64(curUp - lastUp)
			instDown := float64(curDown - lastDown)

			if !inited {
				upEMA, downEMA, inited = instUp, instDown, true
			} else {
				upEMA = alpha*instUp + (1-alpha)*upEMA
				downEMA = alpha*instDown + (1-alpha)*downEMA
			}

			p.stats.UploadRate.Store(uint64(upEMA))
			p.stats.DownloadRate.Store(uint64(downEMA))

			lastUp, lastDown = curUp, curDown
		}
	}
}

// watchdogLoop enforces the two timeouts that are local to a single
// connection: request timeouts (an in-flight block with no Piece reply
// within RequestTimeout is returned to the manager and re-requested
// elsewhere) and the choke timeout (a connection that sits both choked by
// the peer and idle for ChokeTimeout is dropped).
func (p *Peer) watchdogLoop(ctx context.Context) error {
	tick := config.Load().WatchdogTick
	if tick <= 0 {
		tick = time.Second
	}

	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.reapTimedOutRequests()

			timeout := config.Load().ChokeTimeout
			if p.PeerChoking() && p.Idleness() >= timeout && p.UnchokedIdleness() >= timeout {
				p.log.Debug("closing idle, choked connection")
				return errors.New("peer: idle while choked")
			}

			p.fillPipeline()
		}
	}
}

func (p *Peer) reapTimedOutRequests() {
	timeout := config.Load().RequestTimeout
	now := time.Now()

	var expired []blockKey

	p.inFlightMu.Lock()
	for k, req := range p.inFlight {
		if now.Sub(req.requestedAt) >= timeout {
			expired = append(expired, k)
			delete(p.inFlight, k)
		}
	}
	p.inFlightMu.Unlock()

	for _, k := range expired {
		p.stats.RequestsTimeout.Add(1)
		if p.returnBlock != nil {
			p.returnBlock(k.pieceIdx, k.begin)
		}
	}
}

func (p *Peer) readMessage() (*protocol.Message, error) {
	_ = p.conn.SetReadDeadline(time.Now().Add(config.Load().ReadTimeout))
	defer p.conn.SetReadDeadline(time.Time{})

	message, err := protocol.ReadMessage(p.conn)
	if err != nil {
		p.stats.Errors.Add(1)
		return nil, err
	}

	p.stats.MessagesReceived.Add(1)
	p.lastActivityAt.Store(time.Now().UnixNano())
	p.recordEvent(EventReceived, message)

	return message, nil
}

func (p *Peer) writeMessage(message *protocol.Message) error {
	_ = p.conn.SetWriteDeadline(time.Now().Add(config.Load().WriteTimeout))
	defer p.conn.SetWriteDeadline(time.Time{})

	if err := protocol.WriteMessage(p.conn, message); err != nil {
		p.stats.Errors.Add(1)
		return err
	}

	p.onMessageWritten(message)
	p.recordEvent(EventSent, message)
	return nil
}

// recordEvent appends a message to this connection's rolling history,
// exposed via History for diagnostics.
func (p *Peer) recordEvent(direction string, message *protocol.Message) {
	ev := &Event{Timestamp: time.Now(), Direction: direction, PayloadSize: 0}

	if protocol.IsKeepAlive(message) {
		ev.MessageType = "KeepAlive"
	} else {
		ev.MessageType = message.ID.String()
		ev.PayloadSize = len(message.Payload)

		switch message.ID {
		case protocol.Have:
			if idx, ok := message.ParseHave(); ok {
				ev.PieceIndex = &idx
			}
		case protocol.Request, protocol.Cancel:
			if idx, begin, _, ok := message.ParseRequest(); ok {
				ev.PieceIndex, ev.BlockOffset = &idx, &begin
			}
		case protocol.Piece:
			if idx, begin, _, ok := message.ParsePiece(); ok {
				ev.PieceIndex, ev.BlockOffset = &idx, &begin
			}
		}
	}

	p.history.Add(ev)
}

// History returns up to batchSize of the most recently recorded message
// events for this connection, oldest first.
func (p *Peer) History(batchSize int) ([]*Event, error) {
	return p.history.Get(batchSize)
}

func (p *Peer) AmChoking() bool      { return p.getState(maskAmChoking) }
func (p *Peer) AmInterested() bool   { return p.getState(maskAmInterested) }
func (p *Peer) PeerChoking() bool    { return p.getState(maskPeerChoking) }
func (p *Peer) PeerInterested() bool { return p.getState(maskPeerInterested) }

func (p *Peer) getState(mask uint32) bool { return atomic.LoadUint32(&p.state)&mask != 0 }

func (p *Peer) setState(mask uint32, on bool) {
	for {
		old := atomic.LoadUint32(&p.state)
		var next uint32
		if on {
			next = old | mask
		} else {
			next = old &^ mask
		}

		if atomic.CompareAndSwapUint32(&p.state, old, next) {
			return
		}
	}
}

func (p *Peer) handleMessage(message *protocol.Message) error {
	if protocol.IsKeepAlive(message) {
		return nil
	}

	switch message.ID {
	case protocol.Choke:
		p.setState(maskPeerChoking, true)

	case protocol.Unchoke:
		p.setState(maskPeerChoking, false)
		p.lastUnchokedAt.Store(time.Now().UnixNano())
		p.fillPipeline()

	case protocol.Interested:
		p.setState(maskPeerInterested, true)
		if p.AmChoking() {
			p.SendUnchoke()
		}

	case protocol.NotInterested:
		p.setState(maskPeerInterested, false)

	case protocol.Bitfield:
		bf := bitfield.FromBytes(message.Payload)
		p.bitfieldMu.Lock()
		p.bitfield = bf
		p.bitfieldMu.Unlock()
		if p.onBitfield != nil {
			p.onBitfield(p.addr, bf)
		}
		p.declareInterestIfNeeded()

	case protocol.Have:
		pieceIdx, ok := message.ParseHave()
		if !ok {
			return errors.New("malformed have message")
		}

		p.bitfieldMu.Lock()
		if int(pieceIdx) < p.bitfield.Len() {
			p.bitfield.Set(int(pieceIdx))
		}
		p.bitfieldMu.Unlock()

		if p.onHave != nil {
			p.onHave(p.addr, pieceIdx)
		}
		p.declareInterestIfNeeded()

	case protocol.Piece:
		pieceIdx, begin, block, ok := message.ParsePiece()
		if !ok {
			return errors.New("malformed piece message")
		}

		key := blockKey{pieceIdx: pieceIdx, begin: begin}
		p.inFlightMu.Lock()
		_, wasInFlight := p.inFlight[key]
		delete(p.inFlight, key)
		p.inFlightMu.Unlock()

		if !wasInFlight {
			// Unsolicited or already-retired (e.g. timed-out then served
			// late, or an endgame duplicate from another peer); still
			// forward it, the manager de-duplicates idempotently.
		}

		if p.deliverBlock != nil {
			if err := p.deliverBlock(pieceIdx, begin, block); err != nil {
				return fmt.Errorf("deliver block: %w", err)
			}
		}

		p.stats.PiecesReceived.Add(1)
		p.stats.Downloaded.Add(uint64(len(block)))

		p.fillPipeline()

	case protocol.Request:
		pieceIdx, begin, length, ok := message.ParseRequest()
		if !ok {
			return errors.New("malformed request message")
		}

		p.stats.RequestsReceived.Add(1)

		if p.AmChoking() || p.fetchBlock == nil {
			return nil
		}

		block, ok := p.fetchBlock(pieceIdx, begin, length)
		if ok {
			p.SendPiece(pieceIdx, begin, block)
		}

	case protocol.Cancel:
		p.stats.RequestsCancelled.Add(1)

	case protocol.Port:
		// DHT port advertisement; we run no DHT node, ignore.

	default:
		// Unrecognized ids (e.g. the extension protocol's id 20) are read
		// and discarded rather than treated as a protocol violation.
		p.log.Debug("ignoring unrecognized message id", "id", message.ID)
	}

	return nil
}

func (p *Peer) enqueueMessage(message *protocol.Message) bool {
	if p.stopped.Load() {
		return false
	}

	select {
	case p.outbox <- message:
		return true
	default:
		return false
	}
}

func (p *Peer) onMessageWritten(message *protocol.Message) {
	p.stats.MessagesSent.Add(1)

	if message == nil {
		return
	}

	switch message.ID {
	case protocol.Choke:
		p.setState(maskAmChoking, true)

	case protocol.Unchoke:
		p.setState(maskAmChoking, false)

	case protocol.Interested:
		p.setState(maskAmInterested, true)

	case protocol.NotInterested:
		p.setState(maskAmInterested, false)

	case protocol.Piece:
		if n := len(message.Payload); n >= 8 {
			p.stats.PiecesSent.Add(1)
			p.stats.Uploaded.Add(uint64(n - 8))
		}

	case protocol.Cancel:
		p.stats.RequestsCancelled.Add(1)
	}
}

// Stats returns a snapshot of metrics for this peer.
func (p *Peer) Stats() PeerMetrics {
	lastNs := p.lastActivityAt.Load()
	lastActive := time.Unix(0, lastNs)
	connectedAt := p.stats.ConnectedAt
	connectedFor := time.Since(connectedAt).Nanoseconds()

	return PeerMetrics{
		Addr:           p.addr,
		Direction:      p.direction.String(),
		Downloaded:     p.stats.Downloaded.Load(),
		Uploaded:       p.stats.Uploaded.Load(),
		RequestsSent:   p.stats.RequestsSent.Load(),
		BlocksReceived: p.stats.PiecesReceived.Load(),
		BlocksFailed:   p.stats.RequestsTimeout.Load(),
		LastActive:     lastActive,
		ConnectedAt:    connectedAt,
		ConnectedFor:   connectedFor,
		DownloadRate:   p.stats.DownloadRate.Load(),
		UploadRate:     p.stats.UploadRate.Load(),
		IsChoked:       p.PeerChoking(),
		IsInterested:   p.AmInterested(),
	}
}
