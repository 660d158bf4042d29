// Package piecepicker selects the next piece to download from a peer.
package piecepicker

import (
	"math/rand"
	"sort"

	"github.com/cenkalti/downpour/internal/logger"
	"github.com/cenkalti/downpour/internal/peer"
	"github.com/cenkalti/downpour/internal/peerset"
	"github.com/cenkalti/downpour/internal/piece"
)

/*

These are the things to consider when selecting a piece for downloading:

  * Piece is done (hash checked and written to disk)
  * Piece is being written to disk
  * Peer has the piece
  * Peer is choking us
  * Piece is requested from other peers
  * Is endgame mode activated
  * Are there stalled downloads (peer snubbed or choked in the middle of a piece)

Do not forget to re-check these when making changes.

*/

// PiecePicker runs the rarest-first algorithm to determine which piece to
// download next and from which peer.
// PiecePicker keeps track of the availability of pieces among peers.
type PiecePicker struct {
	pieces               []myPiece
	sortedPieces         []*myPiece
	endgameThreshold     int
	maxDuplicateDownload int
	available            uint32
	endgame              bool
	log                  logger.Logger
}

type myPiece struct {
	*piece.Piece
	Having    peerset.PeerSet
	Requested peerset.PeerSet
	Snubbed   peerset.PeerSet
	Choked    peerset.PeerSet
}

// RunningDownloads returns the number of active downloads of the piece.
// Downloads from snubbed or choked peers do not count.
func (p *myPiece) RunningDownloads() int {
	return p.Requested.Len() - p.StalledDownloads()
}

// StalledDownloads returns the number of downloads of the piece whose peers are snubbed or choked.
func (p *myPiece) StalledDownloads() int {
	return p.Snubbed.Len() + p.Choked.Len()
}

// New returns a new PiecePicker.
// Endgame mode is activated when the number of unfinished pieces drops below
// endgameThreshold or when every unfinished piece is already requested.
// In endgame mode a piece may be downloaded from up to maxDuplicateDownload
// peers at the same time.
func New(pieces []piece.Piece, endgameThreshold, maxDuplicateDownload int, l logger.Logger) *PiecePicker {
	ps := make([]myPiece, len(pieces))
	for i := range pieces {
		ps[i] = myPiece{Piece: &pieces[i]}
	}
	sps := make([]*myPiece, len(ps))
	for i := range ps {
		sps[i] = &ps[i]
	}
	return &PiecePicker{
		pieces:               ps,
		sortedPieces:         sps,
		endgameThreshold:     endgameThreshold,
		maxDuplicateDownload: maxDuplicateDownload,
		log:                  l,
	}
}

// Available returns the number of distinct pieces available among connected peers.
func (p *PiecePicker) Available() uint32 {
	return p.available
}

// Rarity of the piece: the number of connected peers that have it.
func (p *PiecePicker) Rarity(i uint32) int {
	return p.pieces[i].Having.Len()
}

// RequestedPeers returns the peers that the piece is requested from.
func (p *PiecePicker) RequestedPeers(i uint32) []*peer.Peer {
	return p.pieces[i].Requested.Peers
}

// InEndgame returns true after endgame mode has been activated.
func (p *PiecePicker) InEndgame() bool {
	return p.endgame
}

// HandleHave must be called when a have or bitfield message sets the
// availability of the piece at the peer.
func (p *PiecePicker) HandleHave(pe *peer.Peer, i uint32) {
	pe.Bitfield.Set(i)
	ok := p.pieces[i].Having.Add(pe)
	if ok && p.pieces[i].Having.Len() == 1 {
		p.available++
	}
}

// HandleSnubbed must be called when the peer did not deliver a requested block in time.
func (p *PiecePicker) HandleSnubbed(pe *peer.Peer, i uint32) {
	p.pieces[i].Choked.Remove(pe)
	p.pieces[i].Snubbed.Add(pe)
}

// HandleUnsnubbed must be called when a previously snubbed peer delivers a block again.
func (p *PiecePicker) HandleUnsnubbed(pe *peer.Peer, i uint32) {
	p.pieces[i].Snubbed.Remove(pe)
}

// HandleChoke must be called when the peer chokes us while downloading the piece.
func (p *PiecePicker) HandleChoke(pe *peer.Peer, i uint32) {
	p.pieces[i].Snubbed.Remove(pe)
	p.pieces[i].Choked.Add(pe)
}

// HandleUnchoke must be called when the peer unchokes us while a download of the piece is attached.
func (p *PiecePicker) HandleUnchoke(pe *peer.Peer, i uint32) {
	p.pieces[i].Choked.Remove(pe)
}

// HandleCancelDownload must be called when the piece download from the peer ends
// for any reason: completed, abandoned or the peer has disconnected.
func (p *PiecePicker) HandleCancelDownload(pe *peer.Peer, i uint32) {
	p.pieces[i].Requested.Remove(pe)
	p.pieces[i].Snubbed.Remove(pe)
	p.pieces[i].Choked.Remove(pe)
}

// HandleDisconnect must be called when the peer has disconnected.
// Rarity counts are kept consistent with the bitfields of connected peers.
func (p *PiecePicker) HandleDisconnect(pe *peer.Peer) {
	for i := range p.pieces {
		p.HandleCancelDownload(pe, uint32(i))
		ok := p.pieces[i].Having.Remove(pe)
		if ok && p.pieces[i].Having.Len() == 0 {
			p.available--
		}
	}
}

// PickFor selects the next piece to download from the peer.
// Returns nil if there is no suitable piece.
func (p *PiecePicker) PickFor(pe *peer.Peer) *piece.Piece {
	pi := p.findPiece(pe)
	if pi == nil {
		return nil
	}
	pe.Snubbed = false
	pi.Requested.Add(pe)
	return pi.Piece
}

func (p *PiecePicker) findPiece(pe *peer.Peer) *myPiece {
	// A peer downloads one piece at a time.
	if pe.Downloading {
		return nil
	}
	// Must be unchoked to request from the peer.
	if pe.PeerChoking {
		return nil
	}
	p.updateEndgame()
	// Short path for endgame mode.
	if p.endgame {
		return p.pickEndgame(pe)
	}
	// Pick rarest piece.
	pi := p.pickRarest(pe)
	if pi != nil {
		return pi
	}
	// pickRarest may have activated endgame mode.
	if p.endgame {
		return p.pickEndgame(pe)
	}
	// Re-request stalled downloads.
	return p.pickStalled(pe)
}

func (p *PiecePicker) updateEndgame() {
	if p.endgame {
		return
	}
	var unfinished int
	for i := range p.pieces {
		if !p.pieces[i].Done && !p.pieces[i].Writing {
			unfinished++
		}
	}
	if unfinished > 0 && unfinished < p.endgameThreshold {
		p.log.Debugf("endgame mode activated, %d pieces left", unfinished)
		p.endgame = true
	}
}

func (p *PiecePicker) pickRarest(pe *peer.Peer) *myPiece {
	// Sort by rarity. The random pick among equally-rare candidates below
	// prevents swarm synchronization.
	sort.SliceStable(p.sortedPieces, func(i, j int) bool {
		return p.sortedPieces[i].Having.Len() < p.sortedPieces[j].Having.Len()
	})
	var candidates []*myPiece
	var hasUnrequested bool
	for _, mp := range p.sortedPieces {
		if mp.Done || mp.Writing {
			continue
		}
		if mp.Requested.Len() > 0 {
			continue
		}
		hasUnrequested = true
		if !mp.Having.Has(pe) {
			continue
		}
		if len(candidates) > 0 && mp.Having.Len() != candidates[0].Having.Len() {
			break
		}
		candidates = append(candidates, mp)
	}
	if len(candidates) == 0 {
		if !hasUnrequested {
			p.log.Debug("endgame mode activated, all pieces are requested")
			p.endgame = true
		}
		return nil
	}
	return candidates[rand.Intn(len(candidates))] // nolint: gosec
}

func (p *PiecePicker) pickEndgame(pe *peer.Peer) *myPiece {
	// Sort by number of running downloads so duplicates spread out evenly.
	sort.SliceStable(p.sortedPieces, func(i, j int) bool {
		return p.sortedPieces[i].RunningDownloads() < p.sortedPieces[j].RunningDownloads()
	})
	for _, mp := range p.sortedPieces {
		if mp.Done || mp.Writing {
			continue
		}
		if mp.Requested.Has(pe) {
			continue
		}
		if mp.Requested.Len() < p.maxDuplicateDownload && mp.Having.Has(pe) {
			return mp
		}
	}
	return nil
}

func (p *PiecePicker) pickStalled(pe *peer.Peer) *myPiece {
	sort.SliceStable(p.sortedPieces, func(i, j int) bool {
		return p.sortedPieces[i].StalledDownloads() < p.sortedPieces[j].StalledDownloads()
	})
	for _, mp := range p.sortedPieces {
		if mp.Done || mp.Writing {
			continue
		}
		if mp.RunningDownloads() > 0 {
			continue
		}
		if mp.Requested.Has(pe) {
			continue
		}
		if mp.Requested.Len() < p.maxDuplicateDownload && mp.Having.Has(pe) {
			return mp
		}
	}
	return nil
}
