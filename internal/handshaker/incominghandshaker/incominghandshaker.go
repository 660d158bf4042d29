// Package incominghandshaker does the BitTorrent handshake on an accepted connection.
package incominghandshaker

import (
	"io"
	"net"
	"time"

	"github.com/cenkalti/downpour/internal/btconn"
	"github.com/cenkalti/downpour/internal/logger"
)

// IncomingHandshaker does the BitTorrent handshake on an incoming connection.
type IncomingHandshaker struct {
	Conn       net.Conn
	PeerID     [20]byte
	Extensions [8]byte
	Error      error

	closeC chan struct{}
	doneC  chan struct{}
}

// New returns a new IncomingHandshaker on an accepted connection.
func New(conn net.Conn) *IncomingHandshaker {
	return &IncomingHandshaker{
		Conn:   conn,
		closeC: make(chan struct{}),
		doneC:  make(chan struct{}),
	}
}

// Close the handshaker and wait for Run to return.
func (h *IncomingHandshaker) Close() {
	close(h.closeC)
	h.Conn.Close()
	<-h.doneC
}

// Run the handshaker. The handshaker itself is sent to resultC with either
// the handshake completed or Error set.
func (h *IncomingHandshaker) Run(peerID, infoHash [20]byte, handshakeTimeout time.Duration, resultC chan *IncomingHandshaker, ourExtensions [8]byte) {
	defer close(h.doneC)
	log := logger.New("peer <- " + h.Conn.RemoteAddr().String())

	peerExtensions, remoteID, _, err := btconn.Accept(h.Conn, handshakeTimeout,
		func(ih [20]byte) bool { return ih == infoHash },
		ourExtensions, peerID)
	if err != nil {
		if err == io.EOF {
			log.Debug("peer has closed the connection: EOF")
		} else if _, ok := err.(*net.OpError); ok {
			log.Debugln("net operation error:", err)
		} else if _, ok := err.(*btconn.HandshakeError); ok {
			log.Debugln("protocol error:", err)
		} else {
			log.Errorln("cannot complete incoming handshake:", err)
		}
		h.Error = err
		h.Conn.Close()
		select {
		case resultC <- h:
		case <-h.closeC:
		}
		return
	}
	log.Debugf("Connection accepted. (extensions=%x client=%q)", peerExtensions, remoteID[:8])

	h.PeerID = remoteID
	h.Extensions = peerExtensions

	select {
	case resultC <- h:
	case <-h.closeC:
		h.Conn.Close()
	}
}
