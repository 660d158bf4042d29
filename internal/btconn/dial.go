package btconn

import (
	"bytes"
	"context"
	"net"
	"time"
)

// Dial a new connection to the address and do the BitTorrent protocol handshake.
// Returns a net.Conn that is ready for sending and receiving peer protocol messages.
func Dial(
	addr net.Addr,
	dialTimeout, handshakeTimeout time.Duration,
	ourExtensions [8]byte,
	ih [20]byte,
	ourID [20]byte,
	stopC chan struct{}) (
	conn net.Conn, peerExtensions [8]byte, peerID [20]byte, err error) {
	done := make(chan struct{})
	defer close(done)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-stopC:
			cancel()
		case <-done:
		}
	}()

	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err = dialer.DialContext(ctx, addr.Network(), addr.String())
	if err != nil {
		return
	}
	defer func(conn net.Conn) {
		if err != nil {
			conn.Close()
		}
	}(conn)
	go func(conn net.Conn) {
		select {
		case <-stopC:
			conn.Close()
		case <-done:
		}
	}(conn)

	// Handshake must be completed in the allowed duration.
	if err = conn.SetDeadline(time.Now().Add(handshakeTimeout)); err != nil {
		return
	}

	out := bytes.NewBuffer(make([]byte, 0, 68))
	err = writeHandshake(out, ih, ourID, ourExtensions)
	if err != nil {
		return
	}
	if _, err = conn.Write(out.Bytes()); err != nil {
		return
	}

	var ihRead [20]byte
	peerExtensions, ihRead, err = readHandshake1(conn)
	if err != nil {
		return
	}
	if ihRead != ih {
		err = errInvalidInfoHash
		return
	}

	peerID, err = readHandshake2(conn)
	if err != nil {
		return
	}
	if peerID == ourID {
		err = errOwnConnection
		return
	}

	err = conn.SetDeadline(time.Time{})
	return
}
