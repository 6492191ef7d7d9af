package peer

import (
	"io"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/wrenbt/warren/internal/bitfield"
	"github.com/wrenbt/warren/internal/config"
	"github.com/wrenbt/warren/internal/piece"
	"github.com/wrenbt/warren/internal/protocol"
)

func init() {
	config.Init()
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testAddr() netip.AddrPort {
	return netip.MustParseAddrPort("127.0.0.1:6881")
}

func newTestPeer(t *testing.T, conn net.Conn, opts *PeerOpts) *Peer {
	t.Helper()
	if opts.Log == nil {
		opts.Log = testLogger()
	}
	return newPeer(conn, testAddr(), Outbound, opts)
}

func newTestPeerAt(t *testing.T, conn net.Conn, addr netip.AddrPort, opts *PeerOpts) *Peer {
	t.Helper()
	if opts.Log == nil {
		opts.Log = testLogger()
	}
	return newPeer(conn, addr, Outbound, opts)
}

func TestPeerUnchokeTriggersFillPipeline(t *testing.T) {
	local, remote := net.Pipe()
	defer remote.Close()

	var mu sync.Mutex
	calls := 0

	p := newTestPeer(t, local, &PeerOpts{
		PieceCount: 1,
		LocalBitfield: func() bitfield.Bitfield {
			return bitfield.New(1)
		},
		NextBlock: func(peerBF bitfield.Bitfield) (*piece.BlockInfo, bool) {
			mu.Lock()
			defer mu.Unlock()
			if calls > 0 {
				return nil, false
			}
			calls++
			return &piece.BlockInfo{PieceIdx: 0, Begin: 0, Length: 16384}, true
		},
	})

	if err := p.handleMessage(protocol.MessageUnchoke()); err != nil {
		t.Fatalf("handleMessage: %v", err)
	}

	if p.PeerChoking() {
		t.Fatalf("expected PeerChoking false after Unchoke")
	}

	select {
	case msg := <-p.outbox:
		if msg.ID != protocol.Request {
			t.Fatalf("expected Request message, got %v", msg.ID)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected a Request to be enqueued after unchoke")
	}
}

func TestPeerPieceDeliveryClearsInFlightAndRefills(t *testing.T) {
	local, remote := net.Pipe()
	defer remote.Close()

	var delivered []uint32
	refilled := false

	p := newTestPeer(t, local, &PeerOpts{
		PieceCount: 1,
		NextBlock: func(peerBF bitfield.Bitfield) (*piece.BlockInfo, bool) {
			if refilled {
				return nil, false
			}
			refilled = true
			return &piece.BlockInfo{PieceIdx: 0, Begin: 16384, Length: 16384}, true
		},
		DeliverBlock: func(pieceIdx, begin uint32, data []byte) error {
			delivered = append(delivered, begin)
			return nil
		},
	})
	p.setState(maskPeerChoking, false)

	key := blockKey{pieceIdx: 0, begin: 0}
	p.inFlightMu.Lock()
	p.inFlight[key] = &inFlightRequest{length: 16384, requestedAt: time.Now()}
	p.inFlightMu.Unlock()

	block := make([]byte, 16384)
	if err := p.handleMessage(protocol.MessagePiece(0, 0, block)); err != nil {
		t.Fatalf("handleMessage: %v", err)
	}

	if len(delivered) != 1 || delivered[0] != 0 {
		t.Fatalf("expected block delivered at begin=0, got %v", delivered)
	}

	p.inFlightMu.Lock()
	_, stillThere := p.inFlight[key]
	p.inFlightMu.Unlock()
	if stillThere {
		t.Fatalf("expected in-flight entry cleared")
	}

	select {
	case msg := <-p.outbox:
		if msg.ID != protocol.Request {
			t.Fatalf("expected refill Request, got %v", msg.ID)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected pipeline to refill after delivery")
	}
}

func TestPeerRequestTimeoutReturnsBlock(t *testing.T) {
	local, remote := net.Pipe()
	defer remote.Close()

	var returned []uint32
	p := newTestPeer(t, local, &PeerOpts{
		PieceCount: 1,
		ReturnBlock: func(pieceIdx, begin uint32) {
			returned = append(returned, begin)
		},
	})

	key := blockKey{pieceIdx: 0, begin: 0}
	p.inFlightMu.Lock()
	p.inFlight[key] = &inFlightRequest{length: 16384, requestedAt: time.Now().Add(-time.Hour)}
	p.inFlightMu.Unlock()

	p.reapTimedOutRequests()

	if len(returned) != 1 || returned[0] != 0 {
		t.Fatalf("expected timed-out block returned, got %v", returned)
	}
	if p.stats.RequestsTimeout.Load() != 1 {
		t.Fatalf("expected RequestsTimeout counter incremented")
	}
}

func TestPeerCloseReturnsAllInFlight(t *testing.T) {
	local, remote := net.Pipe()
	defer remote.Close()

	var mu sync.Mutex
	returned := map[uint32]bool{}

	p := newTestPeer(t, local, &PeerOpts{
		PieceCount: 1,
		ReturnBlock: func(pieceIdx, begin uint32) {
			mu.Lock()
			returned[begin] = true
			mu.Unlock()
		},
	})

	for _, begin := range []uint32{0, 16384} {
		p.inFlightMu.Lock()
		p.inFlight[blockKey{pieceIdx: 0, begin: begin}] = &inFlightRequest{length: 16384, requestedAt: time.Now()}
		p.inFlightMu.Unlock()
	}

	p.Close()

	mu.Lock()
	defer mu.Unlock()
	if !returned[0] || !returned[16384] {
		t.Fatalf("expected both in-flight blocks returned on close, got %v", returned)
	}
}

func TestPeerBitfieldAndHaveUpdateLocalView(t *testing.T) {
	local, remote := net.Pipe()
	defer remote.Close()

	var sawBitfield bitfield.Bitfield
	var sawHave uint32
	p := newTestPeer(t, local, &PeerOpts{
		PieceCount: 4,
		OnBitfield: func(addr netip.AddrPort, bf bitfield.Bitfield) { sawBitfield = bf },
		OnHave:     func(addr netip.AddrPort, pieceIdx uint32) { sawHave = pieceIdx },
	})

	bf := bitfield.New(4)
	bf.Set(1)
	if err := p.handleMessage(protocol.MessageBitfield(bf.Bytes())); err != nil {
		t.Fatalf("handleMessage bitfield: %v", err)
	}
	if !sawBitfield.Has(1) {
		t.Fatalf("expected onBitfield callback to observe bit 1")
	}
	if !p.Bitfield().Has(1) {
		t.Fatalf("expected peer's own bitfield updated")
	}

	if err := p.handleMessage(protocol.MessageHave(2)); err != nil {
		t.Fatalf("handleMessage have: %v", err)
	}
	if sawHave != 2 {
		t.Fatalf("expected onHave callback piece=2, got %d", sawHave)
	}
	if !p.Bitfield().Has(2) {
		t.Fatalf("expected local bitfield bit 2 set after Have")
	}
}

func TestHaveAndBitfieldDeclareInterestOnce(t *testing.T) {
	local, remote := net.Pipe()
	defer remote.Close()

	p := newTestPeer(t, local, &PeerOpts{PieceCount: 4})

	if err := p.handleMessage(protocol.MessageHave(1)); err != nil {
		t.Fatalf("handleMessage have: %v", err)
	}
	if !p.AmInterested() {
		t.Fatalf("expected am_interested set after first Have")
	}

	select {
	case msg := <-p.outbox:
		if msg.ID != protocol.Interested {
			t.Fatalf("expected Interested sent after Have, got %v", msg.ID)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected Interested to be queued after learning of a remote piece")
	}

	bf := bitfield.New(4)
	bf.Set(2)
	if err := p.handleMessage(protocol.MessageBitfield(bf.Bytes())); err != nil {
		t.Fatalf("handleMessage bitfield: %v", err)
	}

	select {
	case msg := <-p.outbox:
		t.Fatalf("expected no second Interested once already interested, got %v", msg.ID)
	default:
	}
}

func TestPeerChokedRequestNotServed(t *testing.T) {
	local, remote := net.Pipe()
	defer remote.Close()

	fetchCalled := false
	p := newTestPeer(t, local, &PeerOpts{
		PieceCount: 1,
		FetchBlock: func(pieceIdx, begin, length uint32) ([]byte, bool) {
			fetchCalled = true
			return nil, false
		},
	})
	// p.AmChoking() defaults to true.

	req := protocol.MessageRequest(0, 0, 16384)
	if err := p.handleMessage(req); err != nil {
		t.Fatalf("handleMessage request: %v", err)
	}
	if fetchCalled {
		t.Fatalf("expected fetchBlock not called while choking the peer")
	}
	if p.stats.RequestsReceived.Load() != 1 {
		t.Fatalf("expected request counted even though choked")
	}
}

func TestRequestServedAfterUnchokingPeer(t *testing.T) {
	local, remote := net.Pipe()
	defer remote.Close()

	block := make([]byte, 16384)
	p := newTestPeer(t, local, &PeerOpts{
		PieceCount: 1,
		FetchBlock: func(pieceIdx, begin, length uint32) ([]byte, bool) {
			return block, true
		},
	})
	// The peer is choking us (PeerChoking) but we've unchoked them
	// (AmChoking false): SendPiece must gate on our own choking state, not
	// theirs, or a leeching connection that never sends us Unchoke would
	// never be served.
	p.setState(maskAmChoking, false)

	req := protocol.MessageRequest(0, 0, 16384)
	if err := p.handleMessage(req); err != nil {
		t.Fatalf("handleMessage request: %v", err)
	}

	select {
	case msg := <-p.outbox:
		if msg.ID != protocol.Piece {
			t.Fatalf("expected Piece message served, got %v", msg.ID)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected a served block after unchoking the peer")
	}
}

func TestUnrecognizedMessageIDIsIgnoredNotFatal(t *testing.T) {
	local, remote := net.Pipe()
	defer remote.Close()

	p := newTestPeer(t, local, &PeerOpts{PieceCount: 1})

	extension := &protocol.Message{ID: 20, Payload: []byte{0x01, 0x02}}
	if err := p.handleMessage(extension); err != nil {
		t.Fatalf("expected unrecognized message id to be discarded, not fatal: %v", err)
	}
}

func TestInterestedUnchokesUnconditionally(t *testing.T) {
	local, remote := net.Pipe()
	defer remote.Close()

	p := newTestPeer(t, local, &PeerOpts{PieceCount: 1})
	// p.AmChoking() defaults to true.

	if err := p.handleMessage(protocol.MessageInterested()); err != nil {
		t.Fatalf("handleMessage interested: %v", err)
	}
	if !p.PeerInterested() {
		t.Fatalf("expected peer marked interested")
	}

	select {
	case msg := <-p.outbox:
		if msg.ID != protocol.Unchoke {
			t.Fatalf("expected Unchoke sent on Interested, got %v", msg.ID)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected an Unchoke to be queued for every interested peer")
	}
}
