// Package peerprotocol contains the messages that are sent between peers after the handshake.
package peerprotocol

import "encoding/binary"

// Message is a peer message of the BitTorrent wire protocol.
// MarshalBinary returns only the payload.
// The length prefix and the message id are written by the peer writer.
type Message interface {
	ID() MessageID
	MarshalBinary() ([]byte, error)
}

// HaveMessage indicates that the peer has the piece with Index.
type HaveMessage struct {
	Index uint32
}

// ID returns the peer protocol message type.
func (m HaveMessage) ID() MessageID { return Have }

// MarshalBinary returns the message payload.
func (m HaveMessage) MarshalBinary() ([]byte, error) {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, m.Index)
	return b, nil
}

// RequestMessage is sent to ask for a block of a piece.
type RequestMessage struct {
	Index, Begin, Length uint32
}

// ID returns the peer protocol message type.
func (m RequestMessage) ID() MessageID { return Request }

// MarshalBinary returns the message payload.
func (m RequestMessage) MarshalBinary() ([]byte, error) {
	b := make([]byte, 12)
	binary.BigEndian.PutUint32(b[0:4], m.Index)
	binary.BigEndian.PutUint32(b[4:8], m.Begin)
	binary.BigEndian.PutUint32(b[8:12], m.Length)
	return b, nil
}

// PieceMessage is the header of a piece message carrying a block of data.
// Block data follows the header on the wire and is handled separately
// because of its size.
type PieceMessage struct {
	Index, Begin uint32
}

// ID returns the peer protocol message type.
func (m PieceMessage) ID() MessageID { return Piece }

// MarshalBinary returns the message payload.
func (m PieceMessage) MarshalBinary() ([]byte, error) {
	b := make([]byte, 8)
	binary.BigEndian.PutUint32(b[0:4], m.Index)
	binary.BigEndian.PutUint32(b[4:8], m.Begin)
	return b, nil
}

// BitfieldMessage is sent after the handshake to tell which pieces the peer has.
type BitfieldMessage struct {
	Data []byte
}

// ID returns the peer protocol message type.
func (m BitfieldMessage) ID() MessageID { return Bitfield }

// MarshalBinary returns the message payload.
func (m BitfieldMessage) MarshalBinary() ([]byte, error) {
	return m.Data, nil
}

type emptyMessage struct{}

// MarshalBinary returns the message payload.
func (m emptyMessage) MarshalBinary() ([]byte, error) { return nil, nil }

// ChokeMessage tells the peer that its requests will not be answered.
type ChokeMessage struct{ emptyMessage }

// UnchokeMessage tells the peer that it may send requests.
type UnchokeMessage struct{ emptyMessage }

// InterestedMessage tells the peer that we want to request pieces from it.
type InterestedMessage struct{ emptyMessage }

// NotInterestedMessage tells the peer that we don't want any piece from it.
type NotInterestedMessage struct{ emptyMessage }

// CancelMessage is sent to cancel a previously sent request.
type CancelMessage struct{ RequestMessage }

// ID returns the peer protocol message type.
func (m ChokeMessage) ID() MessageID { return Choke }

// ID returns the peer protocol message type.
func (m UnchokeMessage) ID() MessageID { return Unchoke }

// ID returns the peer protocol message type.
func (m InterestedMessage) ID() MessageID { return Interested }

// ID returns the peer protocol message type.
func (m NotInterestedMessage) ID() MessageID { return NotInterested }

// ID returns the peer protocol message type.
func (m CancelMessage) ID() MessageID { return Cancel }
