// Package udptracker implements the UDP tracker protocol described in BEP 15.
package udptracker

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"math/rand"
	"net"
	"net/url"
	"time"

	"github.com/cenkalti/downpour/internal/logger"
	"github.com/cenkalti/downpour/internal/tracker"
)

// UDPTracker is a torrent tracker that speaks UDP.
type UDPTracker struct {
	rawURL    string
	dest      string
	log       logger.Logger
	transport *Transport
	dead      bool
}

var _ tracker.Tracker = (*UDPTracker)(nil)

// New returns a new UDPTracker that sends requests over the shared transport.
func New(rawURL string, u *url.URL, t *Transport) *UDPTracker {
	return &UDPTracker{
		rawURL:    rawURL,
		dest:      u.Host,
		log:       logger.New("tracker " + u.Host),
		transport: t,
	}
}

// URL returns the URL string of the tracker.
func (t *UDPTracker) URL() string {
	return t.rawURL
}

// Announce the torrent to the tracker.
// A tracker that has timed out four times is dead for the rest of the session;
// further announces fail immediately.
func (t *UDPTracker) Announce(ctx context.Context, req tracker.AnnounceRequest) (*tracker.AnnounceResponse, error) {
	if t.dead {
		return nil, ErrTrackerDead
	}
	request := &announceRequest{
		InfoHash:   req.Torrent.InfoHash,
		PeerID:     req.Torrent.PeerID,
		Downloaded: req.Torrent.BytesDownloaded,
		Left:       req.Torrent.BytesLeft,
		Uploaded:   req.Torrent.BytesUploaded,
		Event:      req.Event,
		Key:        rand.Uint32(), // nolint: gosec
		NumWant:    int32(req.NumWant),
		Port:       uint16(req.Torrent.Port),
	}
	request.Action = actionAnnounce

	reply, err := t.transport.Do(ctx, t.dest, request)
	if err != nil {
		if errors.Is(err, ErrTrackerDead) {
			t.dead = true
		}
		return nil, err
	}

	response, peers, err := parseAnnounceResponse(reply, request.TransactionID)
	if err != nil {
		return nil, err
	}

	return &tracker.AnnounceResponse{
		Interval: time.Duration(response.Interval) * time.Second,
		Leechers: response.Leechers,
		Seeders:  response.Seeders,
		Peers:    peers,
	}, nil
}

func parseAnnounceResponse(data []byte, transactionID int32) (*announceResponseHeader, []*net.TCPAddr, error) {
	var response announceResponseHeader
	err := binary.Read(bytes.NewReader(data), binary.BigEndian, &response)
	if err != nil {
		return nil, nil, tracker.ErrDecode
	}
	if response.Action != actionAnnounce {
		return nil, nil, errors.New("invalid action in announce response")
	}
	if response.TransactionID != transactionID {
		return nil, nil, errors.New("transaction id mismatch")
	}
	peers, err := tracker.DecodePeersCompact(data[binary.Size(response):])
	if err != nil {
		return nil, nil, tracker.ErrDecode
	}
	return &response, peers, nil
}
