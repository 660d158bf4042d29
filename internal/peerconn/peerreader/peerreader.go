// Package peerreader reads and decodes messages from a peer connection.
package peerreader

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/juju/ratelimit"

	"github.com/cenkalti/downpour/internal/bufferpool"
	"github.com/cenkalti/downpour/internal/logger"
	"github.com/cenkalti/downpour/internal/peerprotocol"
	"github.com/cenkalti/downpour/internal/piece"
)

const (
	// MaxBlockSize is the maximum block size we accept in request and piece messages.
	MaxBlockSize = 16 * 1024
	// Time to wait for a message. The peer must send keep-alive messages to keep the connection alive.
	readTimeout = 2 * time.Minute
	// length + msgid + piece header
	readBufferSize = 4 + 1 + 8
)

var blockPool = bufferpool.New(piece.BlockSize)

// PeerReader is the read half of a peer connection.
// Run decodes frames from the wire and pushes typed messages to the Messages channel.
type PeerReader struct {
	conn         net.Conn
	r            io.Reader
	log          logger.Logger
	pieceTimeout time.Duration
	bucket       *ratelimit.Bucket
	messages     chan interface{}
	stopC        chan struct{}
	doneC        chan struct{}
}

// New returns a new PeerReader. bucket may be nil for unlimited download speed.
func New(conn net.Conn, l logger.Logger, pieceTimeout time.Duration, b *ratelimit.Bucket) *PeerReader {
	return &PeerReader{
		conn:         conn,
		r:            bufio.NewReaderSize(conn, readBufferSize),
		log:          l,
		pieceTimeout: pieceTimeout,
		bucket:       b,
		messages:     make(chan interface{}),
		stopC:        make(chan struct{}),
		doneC:        make(chan struct{}),
	}
}

// Messages returns the channel the decoded messages are pushed to.
func (p *PeerReader) Messages() <-chan interface{} {
	return p.messages
}

// Stop the reader loop.
func (p *PeerReader) Stop() {
	close(p.stopC)
}

// Done returns a channel that is closed when the reader loop exits.
func (p *PeerReader) Done() chan struct{} {
	return p.doneC
}

// Run the reader loop. Any decode failure terminates the loop and the
// connection is dropped by the owner.
func (p *PeerReader) Run() {
	defer close(p.doneC)

	var err error
	defer func() {
		if err == nil {
			return
		} else if err == io.EOF { // peer closed the connection
			return
		} else if err == io.ErrUnexpectedEOF {
			return
		} else if err == errStoppedWhileWaitingBucket {
			return
		} else if _, ok := err.(*net.OpError); ok {
			return
		}
		select {
		case <-p.stopC: // don't log error if the reader is stopped
		default:
			p.log.Error(err)
		}
	}()

	first := true
	for {
		err = p.conn.SetReadDeadline(time.Now().Add(readTimeout))
		if err != nil {
			return
		}

		var length uint32
		err = binary.Read(p.r, binary.BigEndian, &length)
		if err != nil {
			return
		}

		if length == 0 { // keep-alive message
			p.log.Debug("Received keep-alive")
			continue
		}
		if length > MaxBlockSize+9 {
			err = fmt.Errorf("received message of length %d larger than allowed", length)
			return
		}

		var id peerprotocol.MessageID
		err = binary.Read(p.r, binary.BigEndian, &id)
		if err != nil {
			return
		}
		length--

		var msg interface{}

		switch id {
		case peerprotocol.Choke:
			msg = peerprotocol.ChokeMessage{}
		case peerprotocol.Unchoke:
			msg = peerprotocol.UnchokeMessage{}
		case peerprotocol.Interested:
			msg = peerprotocol.InterestedMessage{}
		case peerprotocol.NotInterested:
			msg = peerprotocol.NotInterestedMessage{}
		case peerprotocol.Have:
			var hm peerprotocol.HaveMessage
			err = binary.Read(p.r, binary.BigEndian, &hm)
			if err != nil {
				return
			}
			msg = hm
		case peerprotocol.Bitfield:
			if !first {
				err = errors.New("bitfield can only be sent after handshake")
				return
			}
			var bm peerprotocol.BitfieldMessage
			bm.Data = make([]byte, length)
			_, err = io.ReadFull(p.r, bm.Data)
			if err != nil {
				return
			}
			msg = bm
		case peerprotocol.Request:
			var rm peerprotocol.RequestMessage
			err = binary.Read(p.r, binary.BigEndian, &rm)
			if err != nil {
				return
			}
			if rm.Length > MaxBlockSize {
				err = fmt.Errorf("received a request with block size larger than allowed (%d > %d)", rm.Length, MaxBlockSize)
				return
			}
			msg = rm
		case peerprotocol.Cancel:
			var cm peerprotocol.CancelMessage
			err = binary.Read(p.r, binary.BigEndian, &cm)
			if err != nil {
				return
			}
			msg = cm
		case peerprotocol.Piece:
			var pm peerprotocol.PieceMessage
			err = binary.Read(p.r, binary.BigEndian, &pm)
			if err != nil {
				return
			}
			length -= 8
			if length > piece.BlockSize {
				err = fmt.Errorf("received a piece with block size larger than allowed (%d > %d)", length, piece.BlockSize)
				return
			}
			var buf bufferpool.Buffer
			buf, err = p.readPiece(length)
			if err != nil {
				return
			}
			msg = Piece{PieceMessage: pm, Buffer: buf}
		default:
			err = fmt.Errorf("received message of unknown type: %d", id)
			return
		}
		if msg == nil {
			panic("msg unset")
		}
		first = false
		select {
		case p.messages <- msg:
		case <-p.stopC:
			return
		}
	}
}

func (p *PeerReader) readPiece(length uint32) (buf bufferpool.Buffer, err error) {
	buf = blockPool.Get(int(length))
	defer func() {
		if err != nil {
			buf.Release()
		}
	}()

	if p.bucket != nil {
		d := p.bucket.Take(int64(length))
		select {
		case <-time.After(d):
		case <-p.stopC:
			err = errStoppedWhileWaitingBucket
			return
		}
	}

	var n, m int
	for {
		err = p.conn.SetReadDeadline(time.Now().Add(p.pieceTimeout))
		if err != nil {
			return
		}
		n, err = io.ReadFull(p.r, buf.Data[m:])
		if err != nil {
			if nerr, ok := err.(net.Error); ok && nerr.Timeout() && n > 0 {
				// Some bytes received, the peer appears to be slow, keep receiving the rest.
				m += n
				continue
			}
			return
		}
		// Received full block.
		return
	}
}

var errStoppedWhileWaitingBucket = errors.New("peer reader stopped while waiting for bucket")
