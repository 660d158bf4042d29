package torrent

import (
	"net"

	"github.com/cenkalti/downpour/internal/handshaker/incominghandshaker"
	"github.com/cenkalti/downpour/internal/handshaker/outgoinghandshaker"
	"github.com/cenkalti/downpour/internal/logger"
	"github.com/cenkalti/downpour/internal/peer"
	"github.com/cenkalti/downpour/internal/peerprotocol"
)

// Reserved bytes of the handshake. This client implements no extensions.
var ourExtensions [8]byte

func (t *Torrent) setNeedMorePeers(val bool) {
	for _, an := range t.announcers {
		an.NeedMorePeers(val)
	}
}

func (t *Torrent) handleNewPeers(addrs []*net.TCPAddr) {
	t.log.Debugf("received %d peers from tracker", len(addrs))
	t.setNeedMorePeers(false)
	if t.completed {
		return
	}
	for _, addr := range addrs {
		if _, ok := t.bannedPeerIPs[addr.IP.String()]; ok {
			continue
		}
		key := addr.String()
		if _, ok := t.knownAddrs[key]; ok {
			continue
		}
		t.knownAddrs[key] = struct{}{}
		t.addrList = append(t.addrList, addr)
	}
	t.dialAddresses()
}

func (t *Torrent) dialAddresses() {
	if t.completed {
		return
	}
	peersConnected := func() int {
		return len(t.outgoingPeers) + len(t.outgoingHandshakers)
	}
	for peersConnected() < t.config.MaxPeerDial {
		if len(t.addrList) == 0 {
			t.setNeedMorePeers(true)
			return
		}
		addr := t.addrList[0]
		t.addrList = t.addrList[1:]
		ip := addr.IP.String()
		if _, ok := t.connectedPeerIPs[ip]; ok {
			continue
		}
		h := outgoinghandshaker.New(addr)
		t.outgoingHandshakers[h] = struct{}{}
		t.connectedPeerIPs[ip] = struct{}{}
		go h.Run(
			t.config.PeerConnectTimeout,
			t.config.PeerHandshakeTimeout,
			t.peerID,
			t.info.Hash,
			t.outgoingHandshakerResultC,
			ourExtensions,
		)
	}
}

func (t *Torrent) handleNewConnection(conn net.Conn) {
	if len(t.incomingHandshakers)+len(t.incomingPeers) >= t.config.MaxPeerAccept {
		t.log.Debugln("peer limit reached, rejecting peer", conn.RemoteAddr().String())
		conn.Close()
		return
	}
	ip := conn.RemoteAddr().(*net.TCPAddr).IP.String()
	if _, ok := t.bannedPeerIPs[ip]; ok {
		conn.Close()
		return
	}
	h := incominghandshaker.New(conn)
	t.incomingHandshakers[h] = struct{}{}
	go h.Run(t.peerID, t.info.Hash, t.config.PeerHandshakeTimeout, t.incomingHandshakerResultC, ourExtensions)
}

func (t *Torrent) handleOutgoingHandshakeDone(hs *outgoinghandshaker.OutgoingHandshaker) {
	delete(t.outgoingHandshakers, hs)
	if hs.Error != nil {
		delete(t.connectedPeerIPs, hs.Addr.IP.String())
		// The address may be retried if a tracker returns it again.
		delete(t.knownAddrs, hs.Addr.String())
		t.dialAddresses()
		return
	}
	log := logger.New("peer -> " + hs.Conn.RemoteAddr().String())
	t.startPeer(hs.Conn, hs.PeerID, t.outgoingPeers, log)
}

func (t *Torrent) handleIncomingHandshakeDone(hs *incominghandshaker.IncomingHandshaker) {
	delete(t.incomingHandshakers, hs)
	if hs.Error != nil {
		return
	}
	log := logger.New("peer <- " + hs.Conn.RemoteAddr().String())
	t.connectedPeerIPs[hs.Conn.RemoteAddr().(*net.TCPAddr).IP.String()] = struct{}{}
	t.startPeer(hs.Conn, hs.PeerID, t.incomingPeers, log)
}

func (t *Torrent) startPeer(conn net.Conn, peerID [20]byte, peers map[*peer.Peer]struct{}, log logger.Logger) {
	// A second connection claiming an already-seen peer id is a duplicate;
	// the newer one is closed.
	if _, ok := t.peerIDs[peerID]; ok {
		log.Debugln("peer with same id already connected:", peerID)
		delete(t.connectedPeerIPs, conn.RemoteAddr().(*net.TCPAddr).IP.String())
		conn.Close()
		t.dialAddresses()
		return
	}
	t.peerIDs[peerID] = struct{}{}
	t.everConnectedPeer = true

	pe := peer.New(conn, peerID, t.info.NumPieces, log, t.config.PieceReadTimeout, t.config.RequestTimeout, t.bucket)
	t.peers[pe] = struct{}{}
	peers[pe] = struct{}{}
	go pe.Run(t.messages, t.pieceMessages, t.peerSnubbedC, t.peerDisconnectedC)
	t.sendFirstMessage(pe)
}

// sendFirstMessage sends our bitfield if any piece is committed already.
func (t *Torrent) sendFirstMessage(p *peer.Peer) {
	if t.bitfield.Count() == 0 {
		return
	}
	bitfieldData := make([]byte, len(t.bitfield.Bytes()))
	copy(bitfieldData, t.bitfield.Bytes())
	p.SendMessage(peerprotocol.BitfieldMessage{Data: bitfieldData})
}

func (t *Torrent) closePeer(pe *peer.Peer) {
	if _, ok := t.peers[pe]; !ok {
		return
	}
	t.abandonPieceDownloader(pe)
	pe.Close()
	t.picker.HandleDisconnect(pe)
	delete(t.peers, pe)
	delete(t.incomingPeers, pe)
	delete(t.outgoingPeers, pe)
	delete(t.peerIDs, pe.ID)
	delete(t.connectedPeerIPs, pe.Addr().(*net.TCPAddr).IP.String())
	delete(t.knownAddrs, pe.Addr().String())
}

// banPeer closes the peer and prevents new connections with its IP for this session.
func (t *Torrent) banPeer(pe *peer.Peer) {
	t.log.Infoln("banning peer", pe.String())
	t.bannedPeerIPs[pe.Addr().(*net.TCPAddr).IP.String()] = struct{}{}
	t.closePeer(pe)
}

// updateInterestedState sends interested/not interested when our relationship
// with the peer's pieces changes.
func (t *Torrent) updateInterestedState(pe *peer.Peer) {
	interested := false
	for i := uint32(0); i < t.bitfield.Len(); i++ {
		if !t.bitfield.Test(i) && pe.Bitfield.Test(i) {
			interested = true
			break
		}
	}
	if !pe.AmInterested && interested {
		pe.AmInterested = true
		pe.SendMessage(peerprotocol.InterestedMessage{})
		return
	}
	if pe.AmInterested && !interested {
		pe.AmInterested = false
		pe.SendMessage(peerprotocol.NotInterestedMessage{})
	}
}

func (t *Torrent) handlePeerSnubbed(pe *peer.Peer) {
	// Mark the slow peer as snubbed so the piece picker lets other peers
	// steal the piece.
	if pd, ok := t.pieceDownloaders[pe]; ok {
		// The snub timer may fire while the peer is choking us.
		if pe.PeerChoking {
			return
		}
		pe.Snubbed = true
		t.pieceDownloadersSnubbed[pe] = pd
		t.picker.HandleSnubbed(pe, pd.Piece.Index)
		t.startPieceDownloaders()
	}
}
