package torrent

import (
	"net/url"
	"sync/atomic"

	"github.com/cenkalti/downpour/internal/tracker"
	"github.com/cenkalti/downpour/internal/tracker/httptracker"
	"github.com/cenkalti/downpour/internal/tracker/udptracker"
)

// newTrackerTiers builds one Tracker per announce tier.
// A tier with a single tracker is used directly, without the Tier wrapper.
func (t *Torrent) newTrackerTiers(announceList [][]string) []tracker.Tracker {
	var udpTransport *udptracker.Transport
	getTransport := func() *udptracker.Transport {
		if udpTransport == nil {
			udpTransport = udptracker.NewTransport()
		}
		return udpTransport
	}

	var tiers []tracker.Tracker
	for _, tierURLs := range announceList {
		var trackers []tracker.Tracker
		for _, s := range tierURLs {
			trk := t.newTracker(s, getTransport)
			if trk != nil {
				trackers = append(trackers, trk)
			}
		}
		if len(trackers) == 1 {
			tiers = append(tiers, trackers[0])
		} else if len(trackers) > 1 {
			tiers = append(tiers, tracker.NewTier(trackers))
		}
	}
	t.udpTransport = udpTransport
	return tiers
}

func (t *Torrent) newTracker(s string, getTransport func() *udptracker.Transport) tracker.Tracker {
	u, err := url.Parse(s)
	if err != nil {
		t.log.Warningln("cannot parse tracker url:", err)
		return nil
	}
	switch u.Scheme {
	case "http", "https":
		return httptracker.New(s, u, t.config.TrackerHTTPTimeout)
	case "udp":
		return udptracker.New(s, u, getTransport())
	default:
		t.log.Warningln("unsupported tracker scheme: " + u.Scheme)
		return nil
	}
}

// announcerTorrent is called by announcers to get the current transfer state.
// It may be called from announcer goroutines, hence the atomic loads.
func (t *Torrent) announcerTorrent() tracker.Torrent {
	return tracker.Torrent{
		BytesUploaded:   atomic.LoadInt64(&t.bytesUploaded),
		BytesDownloaded: atomic.LoadInt64(&t.bytesDownloaded),
		BytesLeft:       t.info.TotalLength - atomic.LoadInt64(&t.bytesComplete),
		InfoHash:        t.info.Hash,
		PeerID:          t.peerID,
		Port:            t.port,
	}
}
