package peer

import "crypto/sha1"

// azureusPrefixes maps the 2-character client code inside an Azureus-style
// "-XXyyyy-" peer id prefix to a human-readable client name, for the common
// clients seen in the wild.
var azureusPrefixes = map[string]string{
	"TR": "Transmission",
	"UT": "uTorrent",
	"DE": "Deluge",
	"LT": "libtorrent",
	"qB": "qBittorrent",
	"AZ": "Azureus/Vuze",
	"WR": "warren",
}

// ClientName decodes the Azureus-style "-XXyyyy-" prefix of a 20-byte peer
// id into a human-readable client name, or "Unknown" if the id doesn't
// match that convention or names a client not in the table.
func ClientName(peerID [sha1.Size]byte) string {
	if peerID[0] != '-' || peerID[7] != '-' {
		return "Unknown"
	}

	code := string(peerID[1:3])
	if name, ok := azureusPrefixes[code]; ok {
		return name
	}
	return "Unknown"
}
