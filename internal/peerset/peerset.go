// Package peerset provides a small set type for Peers.
package peerset

import "github.com/cenkalti/downpour/internal/peer"

// PeerSet is a slice of unique Peers.
type PeerSet struct {
	Peers []*peer.Peer
}

// Add the peer to the set. Returns false if the peer is already in the set.
func (l *PeerSet) Add(pe *peer.Peer) bool {
	for _, p := range l.Peers {
		if p == pe {
			return false
		}
	}
	l.Peers = append(l.Peers, pe)
	return true
}

// Remove the peer from the set. Returns false if the peer is not in the set.
func (l *PeerSet) Remove(pe *peer.Peer) bool {
	for i, p := range l.Peers {
		if p == pe {
			l.Peers[i] = l.Peers[len(l.Peers)-1]
			l.Peers = l.Peers[:len(l.Peers)-1]
			return true
		}
	}
	return false
}

// Has returns true if the set contains the peer.
func (l *PeerSet) Has(pe *peer.Peer) bool {
	for _, p := range l.Peers {
		if p == pe {
			return true
		}
	}
	return false
}

// Len returns the number of peers in the set.
func (l *PeerSet) Len() int {
	return len(l.Peers)
}
