package udptracker

import (
	"encoding/binary"
	"io"

	"github.com/cenkalti/downpour/internal/tracker"
)

type action int32

// UDP tracker actions. Values are defined in BEP 15.
const (
	actionConnect  action = 0
	actionAnnounce action = 1
	actionError    action = 3
)

const connectionIDMagic = 0x41727101980

type udpMessageHeader struct {
	Action        action
	TransactionID int32
}

type udpRequestHeader struct {
	ConnectionID int64
	udpMessageHeader
}

func (h *udpRequestHeader) setConnectionID(id int64)  { h.ConnectionID = id }
func (h *udpRequestHeader) setTransactionID(id int32) { h.TransactionID = id }

// udpRequest is a request that can be written to a UDP tracker.
type udpRequest interface {
	io.WriterTo
	setConnectionID(int64)
	setTransactionID(int32)
}

type connectRequest struct {
	udpRequestHeader
}

func newConnectRequest() *connectRequest {
	req := new(connectRequest)
	req.Action = actionConnect
	req.ConnectionID = connectionIDMagic
	return req
}

func (r *connectRequest) WriteTo(w io.Writer) (int64, error) {
	return 0, binary.Write(w, binary.BigEndian, r.udpRequestHeader)
}

type connectResponse struct {
	udpMessageHeader
	ConnectionID int64
}

type announceRequest struct {
	udpRequestHeader
	InfoHash   [20]byte
	PeerID     [20]byte
	Downloaded int64
	Left       int64
	Uploaded   int64
	Event      tracker.Event
	IP         uint32
	Key        uint32
	NumWant    int32
	Port       uint16
}

func (r *announceRequest) WriteTo(w io.Writer) (int64, error) {
	return 0, binary.Write(w, binary.BigEndian, r)
}

type announceResponseHeader struct {
	udpMessageHeader
	Interval int32
	Leechers int32
	Seeders  int32
}
