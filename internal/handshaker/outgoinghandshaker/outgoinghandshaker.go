// Package outgoinghandshaker does the BitTorrent handshake on an outgoing connection.
package outgoinghandshaker

import (
	"io"
	"net"
	"time"

	"github.com/cenkalti/downpour/internal/btconn"
	"github.com/cenkalti/downpour/internal/logger"
)

// OutgoingHandshaker dials a peer address and does the BitTorrent handshake.
type OutgoingHandshaker struct {
	Addr       *net.TCPAddr
	Conn       net.Conn
	PeerID     [20]byte
	Extensions [8]byte
	Error      error

	closeC chan struct{}
	doneC  chan struct{}
}

// New returns a new OutgoingHandshaker for a TCP address.
func New(addr *net.TCPAddr) *OutgoingHandshaker {
	return &OutgoingHandshaker{
		Addr:   addr,
		closeC: make(chan struct{}),
		doneC:  make(chan struct{}),
	}
}

// Close the handshaker and wait for Run to return.
func (h *OutgoingHandshaker) Close() {
	close(h.closeC)
	<-h.doneC
}

// Run the handshaker. The handshaker itself is sent to resultC with either
// Conn or Error set.
func (h *OutgoingHandshaker) Run(dialTimeout, handshakeTimeout time.Duration, peerID, infoHash [20]byte, resultC chan *OutgoingHandshaker, ourExtensions [8]byte) {
	defer close(h.doneC)
	log := logger.New("peer -> " + h.Addr.String())

	conn, peerExtensions, remoteID, err := btconn.Dial(h.Addr, dialTimeout, handshakeTimeout, ourExtensions, infoHash, peerID, h.closeC)
	if err != nil {
		if err == io.EOF {
			log.Debug("peer has closed the connection: EOF")
		} else if err == io.ErrUnexpectedEOF {
			log.Debug("peer has closed the connection: Unexpected EOF")
		} else if _, ok := err.(*net.OpError); ok {
			log.Debugln("net operation error:", err)
		} else if _, ok := err.(*btconn.HandshakeError); ok {
			log.Debugln("protocol error:", err)
		} else {
			log.Errorln("cannot complete outgoing handshake:", err)
		}
		h.Error = err
		select {
		case resultC <- h:
		case <-h.closeC:
		}
		return
	}
	log.Debugf("Connected to peer. (extensions=%x client=%q)", peerExtensions, remoteID[:8])

	h.Conn = conn
	h.PeerID = remoteID
	h.Extensions = peerExtensions

	select {
	case resultC <- h:
	case <-h.closeC:
		conn.Close()
	}
}
