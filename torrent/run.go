package torrent

import (
	"time"

	"github.com/cenkalti/downpour/internal/announcer"
)

// Safety net: the scheduler also runs periodically in case an event is missed.
const schedulerTick = time.Second

// run is the single owner of the piece table, the rarity counts and the peer set.
// Everything else communicates with it over channels.
func (t *Torrent) run() {
	defer close(t.doneC)

	ticker := time.NewTicker(schedulerTick)
	defer ticker.Stop()

	noPeerTimer := time.NewTimer(t.config.NoPeerTimeout)
	defer noPeerTimer.Stop()

	for {
		select {
		case <-t.closeC:
			t.stop()
			return
		case addrs := <-t.newPeersC:
			t.handleNewPeers(addrs)
		case conn := <-t.incomingConnC:
			t.handleNewConnection(conn)
		case hs := <-t.outgoingHandshakerResultC:
			t.handleOutgoingHandshakeDone(hs)
		case hs := <-t.incomingHandshakerResultC:
			t.handleIncomingHandshakeDone(hs)
		case pm := <-t.messages:
			t.handlePeerMessage(pm)
		case pm := <-t.pieceMessages:
			t.handlePieceMessage(pm)
		case pe := <-t.peerSnubbedC:
			t.handlePeerSnubbed(pe)
		case pe := <-t.peerDisconnectedC:
			t.closePeer(pe)
			t.dialAddresses()
			t.startPieceDownloaders()
		case pw := <-t.pieceWriterResultC:
			t.handlePieceWriteDone(pw)
			if t.fatalErr != nil {
				t.stopWithError(t.fatalErr)
				return
			}
		case req := <-t.statsCommandC:
			req.Response <- t.stats()
		case <-ticker.C:
			t.dialAddresses()
			t.startPieceDownloaders()
		case <-noPeerTimer.C:
			if !t.everConnectedPeer && !t.completed {
				t.stopWithError(ErrNoPeers)
				return
			}
		}
	}
}

// stopWithError reports the fatal error and shuts down.
func (t *Torrent) stopWithError(err error) {
	t.log.Errorln("download failed:", err)
	select {
	case t.errC <- err:
	default:
	}
	t.stop()
}

// stop closes peers and handshakers, announces the stopped event and closes the files.
func (t *Torrent) stop() {
	t.log.Info("stopping torrent")

	if t.acceptor != nil {
		t.acceptor.Close()
	}

	for h := range t.outgoingHandshakers {
		h.Close()
	}
	for h := range t.incomingHandshakers {
		h.Close()
	}

	for pe := range t.peers {
		pe.Close()
	}

	for _, pd := range t.pieceDownloaders {
		pd.Buffer.Release()
	}

	for _, an := range t.announcers {
		an.Close()
	}
	t.announcers = nil

	// Wait for running piece writes to finish; a fully received piece is
	// permitted to reach the disk.
	for t.pieceWritersRunning > 0 {
		pw := <-t.pieceWriterResultC
		t.pieceWritersRunning--
		pw.Buffer.Release()
	}

	t.announceStopped()

	if t.udpTransport != nil {
		t.udpTransport.Close()
	}

	for _, f := range t.files {
		err := f.Storage.Close()
		if err != nil {
			t.log.Errorln("cannot close file:", err)
		}
	}

	t.downloadSpeed.Stop()
	t.writeSpeed.Stop()
}

// announceStopped sends the stopped event to every tracker with a timeout.
func (t *Torrent) announceStopped() {
	if len(t.trackers) == 0 {
		return
	}
	resultC := make(chan struct{}, 1)
	sa := announcer.NewStopAnnouncer(t.trackers, t.announcerTorrent(), t.config.TrackerStoppedEventTimeout, resultC, t.log)
	t.stopAnnouncer = sa
	go sa.Run()
	select {
	case <-resultC:
	case <-time.After(t.config.TrackerStoppedEventTimeout + time.Second):
	}
}

func (t *Torrent) stats() Stats {
	s := Stats{
		Name:            t.info.Name,
		InfoHash:        t.info.Hash,
		Port:            t.port,
		TotalLength:     t.info.TotalLength,
		BytesComplete:   t.bytesComplete,
		BytesDownloaded: t.bytesDownloaded,
		BytesWasted:     t.bytesWasted,
		PiecesTotal:     uint32(len(t.pieces)),
		PiecesDone:      t.bitfield.Count(),
		PeersConnected:  len(t.peers),
		PiecesAvailable: t.picker.Available(),
		DownloadSpeed:   uint(t.downloadSpeed.Rate1()),
		Endgame:         t.picker.InEndgame(),
		Completed:       t.completed,
	}
	return s
}
