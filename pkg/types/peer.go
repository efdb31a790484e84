package types

import (
	"fmt"
	"strings"
	"time"
)

// PeerStatus status of a peer in the peer table
type PeerStatus string

const (
	PeerConnecting PeerStatus = "connecting"
	PeerActive     PeerStatus = "active"
	PeerStale      PeerStatus = "stale"
	PeerEvicted    PeerStatus = "evicted"
)

// ParsePeerStatus parses a status name
func ParsePeerStatus(s string) (PeerStatus, error) {
	switch PeerStatus(strings.ToLower(strings.TrimSpace(s))) {
	case PeerConnecting:
		return PeerConnecting, nil
	case PeerActive:
		return PeerActive, nil
	case PeerStale:
		return PeerStale, nil
	case PeerEvicted:
		return PeerEvicted, nil
	}
	return "", fmt.Errorf("unknown peer status %q", s)
}

// PeerRecord a known peer (created/updated through gossip dispatch only)
type PeerRecord struct {
	ID       string     `yaml:"id" json:"id"`
	Address  string     `yaml:"address" json:"address"`
	Status   PeerStatus `yaml:"status" json:"status"`
	LastSeen time.Time  `yaml:"last_seen" json:"last_seen"`
}

// Age returns how long ago the peer was last seen
func (p PeerRecord) Age(now time.Time) time.Duration {
	return now.Sub(p.LastSeen)
}
