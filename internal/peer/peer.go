// Package peer represents a connected peer and routes its messages to the torrent loop.
package peer

import (
	"net"
	"time"

	"github.com/juju/ratelimit"
	"github.com/rcrowley/go-metrics"

	"github.com/cenkalti/downpour/internal/bitfield"
	"github.com/cenkalti/downpour/internal/logger"
	"github.com/cenkalti/downpour/internal/peerconn/peerreader"
	"github.com/cenkalti/downpour/internal/peerconn/peerwriter"
	"github.com/cenkalti/downpour/internal/peerprotocol"
)

// Peer of a torrent. A Peer owns its socket and its local mirror of the remote state.
// All other state about the peer is mutated only by the torrent loop.
type Peer struct {
	conn   net.Conn
	reader *peerreader.PeerReader
	writer *peerwriter.PeerWriter

	// ID is the peer id received in the handshake.
	ID [20]byte

	// Bitfield of the pieces the peer claims to have.
	Bitfield *bitfield.Bitfield

	AmChoking      bool
	AmInterested   bool
	PeerChoking    bool
	PeerInterested bool

	// Snubbed is set when the peer has stopped sending requested blocks in time.
	Snubbed bool

	// Downloading is set while a piece downloader is attached to this peer.
	Downloading bool

	downloadSpeed metrics.Meter
	hashFailures  int

	snubTimeout time.Duration
	snubTimer   *time.Timer

	closeC chan struct{}
	doneC  chan struct{}

	log logger.Logger
}

// Message is a wire message wrapped with the Peer it originated from.
type Message struct {
	*Peer
	Message interface{}
}

// PieceMessage is a piece wire message wrapped with the Peer it originated from.
type PieceMessage struct {
	*Peer
	Piece peerreader.Piece
}

// New returns a new Peer over an established and handshaked connection.
func New(conn net.Conn, id [20]byte, numPieces uint32, l logger.Logger, pieceTimeout, snubTimeout time.Duration, b *ratelimit.Bucket) *Peer {
	t := time.NewTimer(snubTimeout)
	t.Stop()
	return &Peer{
		conn:          conn,
		reader:        peerreader.New(conn, l, pieceTimeout, b),
		writer:        peerwriter.New(conn, l),
		ID:            id,
		Bitfield:      bitfield.New(numPieces),
		AmChoking:     true,
		PeerChoking:   true,
		downloadSpeed: metrics.NewMeter(),
		snubTimeout:   snubTimeout,
		snubTimer:     t,
		closeC:        make(chan struct{}),
		doneC:         make(chan struct{}),
		log:           l,
	}
}

// String returns the remote address of the peer.
func (p *Peer) String() string { return p.conn.RemoteAddr().String() }

// Addr returns the remote address of the peer.
func (p *Peer) Addr() net.Addr { return p.conn.RemoteAddr() }

// Logger of the peer.
func (p *Peer) Logger() logger.Logger { return p.log }

// Close stops the peer goroutines and closes the connection.
// It does not wait for Run to return.
func (p *Peer) Close() {
	p.snubTimer.Stop()
	p.downloadSpeed.Stop()
	close(p.closeC)
	p.conn.Close()
}

// Done returns a channel that is closed when Run exits.
func (p *Peer) Done() chan struct{} {
	return p.doneC
}

// Run reads and routes messages of the peer.
// Wire messages go to messages, piece data goes to pieces.
// The peer itself is sent to snubbedC when the snub timer fires,
// and to disconnectedC when the connection is gone.
func (p *Peer) Run(messages chan Message, pieces chan PieceMessage, snubbedC chan *Peer, disconnectedC chan *Peer) {
	defer close(p.doneC)

	go p.reader.Run()
	defer func() { <-p.reader.Done() }()

	go p.writer.Run()
	defer func() { <-p.writer.Done() }()

	defer func() {
		select {
		case disconnectedC <- p:
		case <-p.closeC:
		}
	}()

	defer p.reader.Stop()
	defer p.writer.Stop()

	for {
		select {
		case msg := <-p.reader.Messages():
			if pm, isPiece := msg.(peerreader.Piece); isPiece {
				p.downloadSpeed.Mark(int64(len(pm.Buffer.Data)))
				select {
				case pieces <- PieceMessage{Peer: p, Piece: pm}:
				case <-p.closeC:
					pm.Buffer.Release()
					return
				}
			} else {
				select {
				case messages <- Message{Peer: p, Message: msg}:
				case <-p.closeC:
					return
				}
			}
		case <-p.snubTimer.C:
			select {
			case snubbedC <- p:
			case <-p.closeC:
				return
			}
		case <-p.reader.Done():
			return
		case <-p.writer.Done():
			return
		case <-p.closeC:
			return
		}
	}
}

// SendMessage queues a message for writing.
func (p *Peer) SendMessage(msg peerprotocol.Message) {
	p.writer.SendMessage(msg)
}

// RequestPiece sends a request message and restarts the snub timer.
func (p *Peer) RequestPiece(index, begin, length uint32) {
	msg := peerprotocol.RequestMessage{Index: index, Begin: begin, Length: length}
	p.writer.SendMessage(msg)
	p.snubTimer.Reset(p.snubTimeout)
}

// CancelPiece sends a cancel message for a previously requested block.
func (p *Peer) CancelPiece(index, begin, length uint32) {
	msg := peerprotocol.CancelMessage{RequestMessage: peerprotocol.RequestMessage{Index: index, Begin: begin, Length: length}}
	p.writer.SendMessage(msg)
}

// ResetSnubTimer restarts the snub timer, e.g. when the peer has delivered a block.
func (p *Peer) ResetSnubTimer() {
	p.snubTimer.Reset(p.snubTimeout)
}

// StopSnubTimer stops the snub timer, e.g. when the piece download is finished.
func (p *Peer) StopSnubTimer() {
	p.snubTimer.Stop()
}

// DownloadSpeed is the peer's score: an exponentially-weighted moving average
// of delivered bytes per second. Hash failures and snubbing do not change it.
func (p *Peer) DownloadSpeed() float64 {
	return p.downloadSpeed.Rate1()
}

// HashFailures returns how many hash failures have been traced to this peer.
func (p *Peer) HashFailures() int { return p.hashFailures }

// AddHashFailure records a hash failure traced to this peer.
func (p *Peer) AddHashFailure() { p.hashFailures++ }
