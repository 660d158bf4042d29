package piecepicker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cenkalti/downpour/internal/bitfield"
	"github.com/cenkalti/downpour/internal/logger"
	"github.com/cenkalti/downpour/internal/peer"
	"github.com/cenkalti/downpour/internal/piece"
)

const numPieces = 4

var testLogger = logger.New("test piecepicker")

func newPiece(i int) piece.Piece {
	return piece.Piece{Index: uint32(i)}
}

func newPeer(i int) *peer.Peer {
	return &peer.Peer{
		ID:       [20]byte{byte(i)},
		Bitfield: bitfield.New(numPieces),
	}
}

func TestRarestFirst(t *testing.T) {
	pieces := make([]piece.Piece, numPieces)
	for i := range pieces {
		pieces[i] = newPiece(i)
	}
	peers := make([]*peer.Peer, 3)
	for i := range peers {
		peers[i] = newPeer(i)
	}
	pp := New(pieces, 0, 2, testLogger)

	// Piece 1 is owned by everyone, piece 2 only by peer 0.
	for _, pe := range peers {
		pp.HandleHave(pe, 1)
	}
	pp.HandleHave(peers[0], 2)

	assert.Equal(t, uint32(2), pp.Available())
	assert.Equal(t, 3, pp.Rarity(1))
	assert.Equal(t, 1, pp.Rarity(2))

	// Peer 0 gets the rarest piece it has.
	assert.Equal(t, &pieces[2], pp.PickFor(peers[0]))
	// Peer 1 does not have piece 2; it gets piece 1.
	assert.Equal(t, &pieces[1], pp.PickFor(peers[1]))
	// Nothing left for peer 2 outside endgame: 0 and 3 are unavailable,
	// 1 and 2 are already requested.
	assert.Nil(t, pp.PickFor(peers[2]))
}

func TestEndgameActivation(t *testing.T) {
	pieces := []piece.Piece{newPiece(0), newPiece(1)}
	pe0 := newPeer(0)
	pe1 := newPeer(1)
	pp := New(pieces, 0, 2, testLogger)
	pp.HandleHave(pe0, 0)
	pp.HandleHave(pe0, 1)
	pp.HandleHave(pe1, 0)
	pp.HandleHave(pe1, 1)

	// Both pieces are equally rare, so the first pick is random; the second
	// peer gets the other piece.
	first := pp.PickFor(pe0)
	require.NotNil(t, first)
	pe0.Downloading = true
	assert.Equal(t, &pieces[1-first.Index], pp.PickFor(pe1))
	pe1.Downloading = true

	// All unfinished pieces are requested; the next pick activates endgame
	// and duplicates an outstanding download.
	pe2 := newPeer(2)
	pp.HandleHave(pe2, 0)
	pp.HandleHave(pe2, 1)
	got := pp.PickFor(pe2)
	require.NotNil(t, got)
	assert.True(t, pp.InEndgame())
	assert.Len(t, pp.RequestedPeers(got.Index), 2)

	// maxDuplicateDownload caps duplication.
	pe3 := newPeer(3)
	pp.HandleHave(pe3, got.Index)
	got2 := pp.PickFor(pe3)
	if got2 != nil {
		assert.NotEqual(t, got.Index, got2.Index)
	}
}

func TestEndgameThreshold(t *testing.T) {
	pieces := []piece.Piece{newPiece(0), newPiece(1), newPiece(2)}
	pieces[0].Done = true
	pieces[1].Done = true
	pe := newPeer(0)
	pp := New(pieces, 10, 2, testLogger)
	pp.HandleHave(pe, 2)

	// Only one unfinished piece left, below the threshold.
	got := pp.PickFor(pe)
	require.Equal(t, &pieces[2], got)
	assert.True(t, pp.InEndgame())
}

func TestChokedPeer(t *testing.T) {
	pieces := []piece.Piece{newPiece(0)}
	pe := newPeer(0)
	pe.PeerChoking = true
	pp := New(pieces, 0, 2, testLogger)
	pp.HandleHave(pe, 0)
	assert.Nil(t, pp.PickFor(pe))
}

func TestStalledDownloadIsStealable(t *testing.T) {
	// Piece 1 is held by no peer, so it stays unrequested and endgame mode
	// is not activated.
	pieces := []piece.Piece{newPiece(0), newPiece(1)}
	pe0 := newPeer(0)
	pe1 := newPeer(1)
	pp := New(pieces, 0, 2, testLogger)
	pp.HandleHave(pe0, 0)
	pp.HandleHave(pe1, 0)

	require.Equal(t, &pieces[0], pp.PickFor(pe0))
	// While the download is running, the piece is not given to another peer.
	assert.Nil(t, pp.PickFor(pe1))

	// The peer stops delivering; the piece becomes stealable.
	pp.HandleSnubbed(pe0, 0)
	assert.Equal(t, &pieces[0], pp.PickFor(pe1))
}

func TestDisconnectReclaims(t *testing.T) {
	pieces := []piece.Piece{newPiece(0), newPiece(1)}
	pe0 := newPeer(0)
	pe1 := newPeer(1)
	pp := New(pieces, 0, 2, testLogger)
	pp.HandleHave(pe0, 0)
	pp.HandleHave(pe0, 1)
	pp.HandleHave(pe1, 0)

	require.NotNil(t, pp.PickFor(pe0))
	assert.Equal(t, uint32(2), pp.Available())

	pp.HandleDisconnect(pe0)
	// Rarity counts shrink and requests of the peer are reclaimed.
	assert.Equal(t, uint32(1), pp.Available())
	assert.Equal(t, 0, pp.Rarity(1))
	assert.Len(t, pp.RequestedPeers(0), 0)
	assert.Len(t, pp.RequestedPeers(1), 0)

	// The reclaimed piece can be picked by the other peer.
	assert.Equal(t, &pieces[0], pp.PickFor(pe1))
}
