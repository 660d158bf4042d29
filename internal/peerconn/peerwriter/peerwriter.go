// Package peerwriter queues and writes messages to a peer connection.
package peerwriter

import (
	"bytes"
	"container/list"
	"encoding/binary"
	"net"
	"time"

	"github.com/cenkalti/downpour/internal/logger"
	"github.com/cenkalti/downpour/internal/peerprotocol"
)

const keepAlivePeriod = 2 * time.Minute

// PeerWriter is the write half of a peer connection.
// Messages are queued with SendMessage and written in order by Run.
// A keep-alive is written every keepAlivePeriod/2, whether or not other
// messages were sent in between.
type PeerWriter struct {
	conn       net.Conn
	queueC     chan peerprotocol.Message
	writeQueue *list.List
	writeC     chan peerprotocol.Message
	log        logger.Logger
	stopC      chan struct{}
	doneC      chan struct{}
}

// New returns a new PeerWriter.
func New(conn net.Conn, l logger.Logger) *PeerWriter {
	return &PeerWriter{
		conn:       conn,
		queueC:     make(chan peerprotocol.Message),
		writeQueue: list.New(),
		writeC:     make(chan peerprotocol.Message),
		log:        l,
		stopC:      make(chan struct{}),
		doneC:      make(chan struct{}),
	}
}

// SendMessage queues the message for writing. Ordering is preserved.
func (p *PeerWriter) SendMessage(msg peerprotocol.Message) {
	select {
	case p.queueC <- msg:
	case <-p.doneC:
	}
}

// Stop the writer loop.
func (p *PeerWriter) Stop() {
	close(p.stopC)
}

// Done returns a channel that is closed when the writer loop exits.
func (p *PeerWriter) Done() chan struct{} {
	return p.doneC
}

// Run the writer loop.
func (p *PeerWriter) Run() {
	defer close(p.doneC)

	go p.messageWriter()

	for {
		var (
			e      *list.Element
			msg    peerprotocol.Message
			writeC chan peerprotocol.Message
		)
		if p.writeQueue.Len() > 0 {
			e = p.writeQueue.Front()
			msg = e.Value.(peerprotocol.Message)
			writeC = p.writeC
		}
		select {
		case msg = <-p.queueC:
			p.writeQueue.PushBack(msg)
		case writeC <- msg:
			p.writeQueue.Remove(e)
		case <-p.stopC:
			return
		}
	}
}

func (p *PeerWriter) messageWriter() {
	defer p.conn.Close()

	// Disable the write deadline that was set by the handshaker.
	err := p.conn.SetWriteDeadline(time.Time{})
	if err != nil {
		p.log.Error(err)
		return
	}

	keepAliveTicker := time.NewTicker(keepAlivePeriod / 2)
	defer keepAliveTicker.Stop()

	for {
		select {
		case msg := <-p.writeC:
			payload, err := msg.MarshalBinary()
			if err != nil {
				p.log.Errorf("cannot marshal message [%v]: %s", msg.ID(), err.Error())
				return
			}
			buf := bytes.NewBuffer(make([]byte, 0, 4+1+len(payload)))
			var header = struct {
				Length uint32
				ID     peerprotocol.MessageID
			}{
				Length: uint32(1 + len(payload)),
				ID:     msg.ID(),
			}
			_ = binary.Write(buf, binary.BigEndian, &header)
			buf.Write(payload)
			_, err = p.conn.Write(buf.Bytes())
			if _, ok := err.(*net.OpError); ok {
				p.log.Debugf("cannot write message [%v]: %s", msg.ID(), err.Error())
				return
			}
			if err != nil {
				p.log.Errorf("cannot write message [%v]: %s", msg.ID(), err.Error())
				return
			}
		case <-keepAliveTicker.C:
			_, err := p.conn.Write([]byte{0, 0, 0, 0})
			if err != nil {
				p.log.Debugf("cannot write keepalive message: %s", err.Error())
				return
			}
		case <-p.stopC:
			return
		}
	}
}
