package torrent

import (
	"sync/atomic"

	"github.com/cenkalti/downpour/internal/bitfield"
	"github.com/cenkalti/downpour/internal/peer"
	"github.com/cenkalti/downpour/internal/peerprotocol"
	"github.com/cenkalti/downpour/internal/piecedownloader"
	"github.com/cenkalti/downpour/internal/piecewriter"
)

func (t *Torrent) handlePeerMessage(pm peer.Message) {
	pe := pm.Peer
	if _, ok := t.peers[pe]; !ok {
		// Message from a peer that is already closed.
		return
	}
	switch msg := pm.Message.(type) {
	case peerprotocol.HaveMessage:
		if msg.Index >= t.info.NumPieces {
			pe.Logger().Errorln("unexpected piece index:", msg.Index)
			t.closePeer(pe)
			break
		}
		t.picker.HandleHave(pe, msg.Index)
		t.updateInterestedState(pe)
		t.startPieceDownloaderFor(pe)
	case peerprotocol.BitfieldMessage:
		bf, err := bitfield.NewBytes(msg.Data, t.info.NumPieces)
		if err != nil {
			pe.Logger().Errorf("%s [len(bitfield)=%d] [numPieces=%d]", err, len(msg.Data), t.info.NumPieces)
			t.closePeer(pe)
			break
		}
		pe.Logger().Debugln("Received bitfield:", bf.Hex())
		for i := uint32(0); i < bf.Len(); i++ {
			if bf.Test(i) {
				t.picker.HandleHave(pe, i)
			}
		}
		t.updateInterestedState(pe)
		t.startPieceDownloaderFor(pe)
	case peerprotocol.UnchokeMessage:
		pe.PeerChoking = false
		if pd, ok := t.pieceDownloadersChoked[pe]; ok {
			delete(t.pieceDownloadersChoked, pe)
			t.picker.HandleUnchoke(pe, pd.Piece.Index)
			pd.RequestBlocks(t.config.RequestQueueLength)
		} else {
			t.startPieceDownloaderFor(pe)
		}
	case peerprotocol.ChokeMessage:
		pe.PeerChoking = true
		pe.Snubbed = false
		pe.StopSnubTimer()
		if pd, ok := t.pieceDownloaders[pe]; ok {
			// In-flight requests are considered dropped. The piece becomes
			// stealable by other peers; blocks are re-requested on unchoke.
			pd.Choked()
			delete(t.pieceDownloadersSnubbed, pe)
			t.pieceDownloadersChoked[pe] = pd
			t.picker.HandleChoke(pe, pd.Piece.Index)
			t.startPieceDownloaders()
		}
	case peerprotocol.InterestedMessage:
		pe.PeerInterested = true
	case peerprotocol.NotInterestedMessage:
		pe.PeerInterested = false
	case peerprotocol.RequestMessage:
		if msg.Index >= t.info.NumPieces {
			pe.Logger().Errorln("invalid request index:", msg.Index)
			t.closePeer(pe)
			break
		}
		if msg.Begin+msg.Length > t.pieces[msg.Index].Length {
			pe.Logger().Errorln("invalid request length:", msg.Length)
			t.closePeer(pe)
			break
		}
		// This client does not seed; remote peers stay choked and their
		// requests are not answered.
		pe.Logger().Debugln("ignoring request, peer is choked")
	case peerprotocol.CancelMessage:
		// Nothing queued for upload, nothing to cancel.
	}
}

func (t *Torrent) handlePieceMessage(pm peer.PieceMessage) {
	msg := pm.Piece
	pe := pm.Peer
	if _, ok := t.peers[pe]; !ok {
		msg.Buffer.Release()
		return
	}
	l := int64(len(msg.Buffer.Data))
	if msg.Index >= t.info.NumPieces {
		pe.Logger().Errorln("invalid piece index:", msg.Index)
		atomic.AddInt64(&t.bytesWasted, l)
		t.closePeer(pe)
		msg.Buffer.Release()
		return
	}
	t.downloadSpeed.Mark(l)
	atomic.AddInt64(&t.bytesDownloaded, l)
	pd, ok := t.pieceDownloaders[pe]
	if !ok || pd.Piece.Index != msg.Index {
		// Late block of an abandoned or duplicate download. Discard silently.
		atomic.AddInt64(&t.bytesWasted, l)
		msg.Buffer.Release()
		return
	}
	pi := pd.Piece
	if _, valid := pi.FindBlock(msg.Begin, uint32(len(msg.Buffer.Data))); !valid {
		pe.Logger().Errorln("invalid piece index:", msg.Index, "begin:", msg.Begin, "length:", len(msg.Buffer.Data))
		atomic.AddInt64(&t.bytesWasted, l)
		t.closePeer(pe)
		msg.Buffer.Release()
		return
	}
	err := pd.GotBlock(msg.Begin, msg.Buffer.Data)
	msg.Buffer.Release()
	switch err {
	case nil:
	case piecedownloader.ErrBlockDuplicate, piecedownloader.ErrBlockNotRequested:
		// Accept first, discard duplicates silently.
		atomic.AddInt64(&t.bytesWasted, l)
	default:
		pe.Logger().Errorln("cannot accept block:", err)
		atomic.AddInt64(&t.bytesWasted, l)
		t.closePeer(pe)
		return
	}

	if pe.Snubbed {
		// The peer has delivered after all.
		pe.Snubbed = false
		delete(t.pieceDownloadersSnubbed, pe)
		t.picker.HandleUnsnubbed(pe, pi.Index)
	}

	if !pd.Done() {
		pd.RequestBlocks(t.config.RequestQueueLength)
		pe.ResetSnubTimer()
		return
	}

	// All blocks of the piece are received.
	t.closePieceDownloader(pe)
	pe.StopSnubTimer()

	if pi.Done || pi.Writing {
		// Another copy of the piece is already being verified and written,
		// or has been committed.
		atomic.AddInt64(&t.bytesWasted, int64(pi.Length))
		pd.Buffer.Release()
		t.startPieceDownloaderFor(pe)
		return
	}
	// Marked before new downloads start so the picker does not hand out
	// this piece again while it is being written.
	pi.Writing = true
	t.cancelDuplicateDownloads(pe, pi.Index)

	// Request the next piece while this one is being written, being
	// optimistic about the hash check.
	t.startPieceDownloaderFor(pe)

	pw := piecewriter.New(pi, pe, pd.Buffer)
	t.pieceWritersRunning++
	go pw.Run(t.pieceWriterResultC, t.doneC, t.writeSpeed, t.writeSem)
}

func (t *Torrent) handlePieceWriteDone(pw *piecewriter.PieceWriter) {
	t.pieceWritersRunning--
	pi := pw.Piece
	pi.Writing = false
	pw.Buffer.Release()

	if !pw.HashOK {
		t.log.Errorf("piece #%d failed hash check", pi.Index)
		atomic.AddInt64(&t.bytesWasted, int64(pi.Length))
		t.pieceFailures[pi.Index]++
		if t.pieceFailures[pi.Index] >= t.config.MaxPieceRetries {
			t.fatalErr = &IntegrityError{PieceIndex: pi.Index, Tries: t.pieceFailures[pi.Index]}
			return
		}
		// All blocks of the piece came from the same downloader, so the
		// source peer is the suspect.
		pe := pw.Source
		if _, connected := t.peers[pe]; connected {
			pe.AddHashFailure()
			if pe.HashFailures() >= t.config.MaxPeerHashFailures {
				t.banPeer(pe)
			}
		}
		// A failed piece that no connected peer has and no pending dial can
		// bring cannot be recovered this session. This covers a lone corrupt
		// peer getting banned before the retry limit is reached.
		if t.pieceUnrecoverable(pi.Index) {
			t.fatalErr = &IntegrityError{PieceIndex: pi.Index, Tries: t.pieceFailures[pi.Index]}
			return
		}
		// The piece stays unfinished; the picker will hand it out again.
		t.startPieceDownloaders()
		return
	}
	if pw.Error != nil {
		// Disk errors are fatal.
		t.fatalErr = pw.Error
		return
	}

	pi.Done = true
	t.bitfield.Set(pi.Index)
	atomic.AddInt64(&t.bytesComplete, int64(pi.Length))
	delete(t.pieceFailures, pi.Index)

	// Peers observing a committed piece receive the corresponding have
	// no earlier than the commit completed.
	for pe := range t.peers {
		pe.SendMessage(peerprotocol.HaveMessage{Index: pi.Index})
		t.updateInterestedState(pe)
	}

	if t.bitfield.All() {
		t.handleCompleted()
		return
	}
	t.startPieceDownloaders()
}

// pieceUnrecoverable returns true if the piece is held by no connected peer
// and there is no address or handshake in flight that could still provide it.
func (t *Torrent) pieceUnrecoverable(i uint32) bool {
	if t.picker.Rarity(i) > 0 {
		return false
	}
	return len(t.addrList) == 0 && len(t.outgoingHandshakers) == 0 && len(t.incomingHandshakers) == 0
}

// handleCompleted finishes the download: peers are told we are no longer
// interested and closed, and the completed event is announced.
func (t *Torrent) handleCompleted() {
	t.log.Info("download completed")
	t.completed = true

	for pe := range t.peers {
		pe.SendMessage(peerprotocol.NotInterestedMessage{})
	}

	close(t.completedAnnounceC)
	close(t.completeC)
}
