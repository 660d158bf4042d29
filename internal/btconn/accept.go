package btconn

import (
	"net"
	"time"
)

// Accept a BitTorrent handshake from the connection.
// Returns when the connection is ready for sending and receiving peer protocol messages.
func Accept(
	conn net.Conn,
	handshakeTimeout time.Duration,
	hasInfoHash func([20]byte) bool,
	ourExtensions [8]byte, ourID [20]byte) (
	peerExtensions [8]byte, peerID [20]byte, infoHash [20]byte, err error) {
	if err = conn.SetDeadline(time.Now().Add(handshakeTimeout)); err != nil {
		return
	}

	peerExtensions, infoHash, err = readHandshake1(conn)
	if err != nil {
		return
	}
	if !hasInfoHash(infoHash) {
		err = errInvalidInfoHash
		return
	}
	err = writeHandshake(conn, infoHash, ourID, ourExtensions)
	if err != nil {
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
