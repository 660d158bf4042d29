package torrent

import (
	"sort"

	"github.com/cenkalti/downpour/internal/peer"
	"github.com/cenkalti/downpour/internal/piecedownloader"
)

// startPieceDownloaders tops up download slots on all eligible peers,
// fastest peers first.
func (t *Torrent) startPieceDownloaders() {
	if t.completed {
		return
	}
	peers := make([]*peer.Peer, 0, len(t.peers))
	for pe := range t.peers {
		if !pe.PeerChoking && !pe.Downloading && !pe.Snubbed {
			peers = append(peers, pe)
		}
	}
	sort.Slice(peers, func(i, j int) bool {
		return peers[i].DownloadSpeed() > peers[j].DownloadSpeed()
	})
	for _, pe := range peers {
		t.startPieceDownloaderFor(pe)
	}
}

// startPieceDownloaderFor attaches a new piece downloader to the peer if the
// piece picker has a piece for it.
func (t *Torrent) startPieceDownloaderFor(pe *peer.Peer) {
	if t.completed {
		return
	}
	if pe.PeerChoking || pe.Downloading {
		return
	}
	pi := t.picker.PickFor(pe)
	if pi == nil {
		return
	}
	buf := t.piecePool.Get(int(pi.Length))
	pd := piecedownloader.New(pi, pe, buf)
	t.pieceDownloaders[pe] = pd
	pe.Downloading = true
	pd.RequestBlocks(t.config.RequestQueueLength)
}

// closePieceDownloader detaches the piece downloader from its peer without
// releasing the buffer. The caller owns the buffer after this call.
func (t *Torrent) closePieceDownloader(pe *peer.Peer) *piecedownloader.PieceDownloader {
	pd, ok := t.pieceDownloaders[pe]
	if !ok {
		return nil
	}
	delete(t.pieceDownloaders, pe)
	delete(t.pieceDownloadersSnubbed, pe)
	delete(t.pieceDownloadersChoked, pe)
	pe.Downloading = false
	t.picker.HandleCancelDownload(pe, pd.Piece.Index)
	return pd
}

// abandonPieceDownloader closes the downloader and releases its buffer.
// In-flight blocks become requestable from other peers again.
func (t *Torrent) abandonPieceDownloader(pe *peer.Peer) {
	pd := t.closePieceDownloader(pe)
	if pd != nil {
		pd.Buffer.Release()
	}
}

// cancelDuplicateDownloads closes downloaders of the piece attached to other
// peers. Used in endgame mode when the first copy of the piece is complete.
func (t *Torrent) cancelDuplicateDownloads(winner *peer.Peer, index uint32) {
	// Copy the slice, closePieceDownloader mutates the underlying set.
	requested := append([]*peer.Peer(nil), t.picker.RequestedPeers(index)...)
	for _, pe := range requested {
		if pe == winner {
			continue
		}
		pd, ok := t.pieceDownloaders[pe]
		if !ok || pd.Piece.Index != index {
			continue
		}
		pd.CancelPending()
		t.abandonPieceDownloader(pe)
		pe.StopSnubTimer()
		t.startPieceDownloaderFor(pe)
	}
}
