package tracker

import (
	"context"
	"sync"
)

// Tier implements the Tracker interface over multiple Trackers.
// Trackers in the tier are tried in order until one succeeds.
// A tracker that responds is promoted to the head of the tier so
// subsequent announces go to it first.
type Tier struct {
	Trackers []Tracker
	m        sync.Mutex
}

var _ Tracker = (*Tier)(nil)

// NewTier returns a new Tier.
func NewTier(trackers []Tracker) *Tier {
	return &Tier{Trackers: trackers}
}

// Announce a torrent to the first working tracker in the tier.
func (t *Tier) Announce(ctx context.Context, req AnnounceRequest) (*AnnounceResponse, error) {
	trackers := t.trackers()
	var lastErr error
	for _, trk := range trackers {
		resp, err := trk.Announce(ctx, req)
		if err == nil {
			t.promote(trk)
			return resp, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return nil, lastErr
}

// URL returns the URL of the tracker at the head of the tier.
func (t *Tier) URL() string {
	t.m.Lock()
	defer t.m.Unlock()
	return t.Trackers[0].URL()
}

func (t *Tier) trackers() []Tracker {
	t.m.Lock()
	defer t.m.Unlock()
	trackers := make([]Tracker, len(t.Trackers))
	copy(trackers, t.Trackers)
	return trackers
}

func (t *Tier) promote(trk Tracker) {
	t.m.Lock()
	defer t.m.Unlock()
	for i, existing := range t.Trackers {
		if existing == trk {
			copy(t.Trackers[1:i+1], t.Trackers[:i])
			t.Trackers[0] = trk
			return
		}
	}
}
