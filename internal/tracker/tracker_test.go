package tracker

import (
	"net/netip"
	"testing"
	"time"

	"github.com/wrenbt/warren/internal/config"
)

func init() {
	config.Init()
}

func TestBuildAnnounceURLsTiersAndFallback(t *testing.T) {
	tiers, err := buildAnnounceURLs("http://a.example/announce", [][]string{
		{"udp://b.example:80", "ftp://unsupported.example/y"},
		{"http://c.example/announce"},
	})
	if err != nil {
		t.Fatalf("buildAnnounceURLs: %v", err)
	}

	if len(tiers) != 3 {
		t.Fatalf("expected 3 tiers (1 primary + 2 list), got %d", len(tiers))
	}
	if len(tiers[0]) != 1 || tiers[0][0].String() != "http://a.example/announce" {
		t.Fatalf("expected primary announce as first tier, got %v", tiers[0])
	}
	if len(tiers[1]) != 1 {
		t.Fatalf("expected unsupported-scheme url dropped from tier, got %v", tiers[1])
	}
}

func TestBuildAnnounceURLsNoneIsError(t *testing.T) {
	if _, err := buildAnnounceURLs("", nil); err == nil {
		t.Fatalf("expected error when no announce urls at all")
	}
}

func TestPromoteWithinTierMovesToFront(t *testing.T) {
	tiers, err := buildAnnounceURLs("http://a.example/x", [][]string{
		{"http://b.example/x", "http://c.example/x", "http://d.example/x"},
	})
	if err != nil {
		t.Fatalf("buildAnnounceURLs: %v", err)
	}

	tr := &Tracker{tiers: tiers}
	tr.promoteWithinTier(1, 2) // promote d.example to front

	if tr.tiers[1][0].Host != "d.example" {
		t.Fatalf("expected d.example promoted to front, got %v", tr.tiers[1][0])
	}
	if tr.tiers[1][1].Host != "b.example" || tr.tiers[1][2].Host != "c.example" {
		t.Fatalf("expected remaining order preserved, got %v", tr.tiers[1])
	}
}

func TestGetNextAnnounceIntervalPrefersTrackerMinimum(t *testing.T) {
	cfg := config.Load()
	cfg.AnnounceInterval = 0
	cfg.MinAnnounceInterval = 30 * time.Second
	config.Swap(*cfg)

	resp := &AnnounceResponse{Interval: 10 * time.Second}
	got := getNextAnnounceInterval(resp)
	if got != 30*time.Second {
		t.Fatalf("expected floor to MinAnnounceInterval, got %v", got)
	}

	resp2 := &AnnounceResponse{Interval: time.Minute, MinInterval: 90 * time.Second}
	got2 := getNextAnnounceInterval(resp2)
	if got2 != 90*time.Second {
		t.Fatalf("expected tracker min-interval to win, got %v", got2)
	}
}

func TestDecodeCompactPeersV4(t *testing.T) {
	data := []byte{
		127, 0, 0, 1, 0x1A, 0xE1, // 127.0.0.1:6881
		8, 8, 8, 8, 0x00, 0x50, // 8.8.8.8:80
	}

	peers, err := decodePeers(string(data), false)
	if err != nil {
		t.Fatalf("decodePeers: %v", err)
	}
	if len(peers) != 2 {
		t.Fatalf("expected 2 peers, got %d", len(peers))
	}

	want := netip.MustParseAddrPort("127.0.0.1:6881")
	if peers[0] != want {
		t.Fatalf("peer[0] = %v, want %v", peers[0], want)
	}
}

func TestDecodeCompactPeersMalformedLength(t *testing.T) {
	if _, err := decodePeers(string([]byte{1, 2, 3}), false); err == nil {
		t.Fatalf("expected error for length not a multiple of stride")
	}
}
