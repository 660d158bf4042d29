// Package tracker provides support for announcing torrents to HTTP and UDP trackers.
package tracker

import (
	"context"
	"errors"
	"net"
	"time"
)

// Tracker is a server that knows the peers of a swarm.
type Tracker interface {
	// Announce transfer to the tracker.
	// Announce should be called periodically with the interval returned in AnnounceResponse.
	// Announce should also be called on specific events.
	Announce(ctx context.Context, req AnnounceRequest) (*AnnounceResponse, error)

	// URL of the tracker.
	URL() string
}

// AnnounceRequest contains the parameters for an announce.
type AnnounceRequest struct {
	Torrent Torrent
	Event   Event
	NumWant int
}

// AnnounceResponse is the parsed response of an announce.
type AnnounceResponse struct {
	Interval time.Duration
	Leechers int32
	Seeders  int32
	Peers    []*net.TCPAddr
}

// ErrDecode is returned from Announce when the tracker response cannot be parsed.
var ErrDecode = errors.New("cannot decode response")

// Error is the failure reason sent by the tracker in an announce response.
type Error string

func (e Error) Error() string { return string(e) }
