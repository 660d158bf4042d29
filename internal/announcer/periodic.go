package announcer

import (
	"context"
	"math"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v3"

	"github.com/cenkalti/downpour/internal/logger"
	"github.com/cenkalti/downpour/internal/tracker"
)

// Status of the announcer.
type Status int

// Announcer statuses.
const (
	NotContactedYet Status = iota
	Contacting
	Working
	NotWorking
)

// PeriodicalAnnouncer announces a torrent to a single tracker (or tier)
// periodically and pushes the returned peer addresses to the torrent.
type PeriodicalAnnouncer struct {
	Tracker      tracker.Tracker
	status       Status
	numWant      int
	interval     time.Duration
	minInterval  time.Duration
	seeders      int
	leechers     int
	log          logger.Logger
	completedC   chan struct{}
	newPeers     chan []*net.TCPAddr
	backoff      backoff.BackOff
	getTorrent   func() tracker.Torrent
	lastAnnounce time.Time
	responseC    chan *tracker.AnnounceResponse
	errC         chan error
	closeC       chan struct{}
	doneC        chan struct{}

	needMorePeers  bool
	mNeedMorePeers sync.RWMutex
	needMorePeersC chan struct{}
}

// NewPeriodicalAnnouncer returns a new PeriodicalAnnouncer.
// completedC must be closed by the owner when the download finishes;
// a single `completed` event is announced after that.
func NewPeriodicalAnnouncer(trk tracker.Tracker, numWant int, minInterval time.Duration, getTorrent func() tracker.Torrent, completedC chan struct{}, newPeers chan []*net.TCPAddr, l logger.Logger) *PeriodicalAnnouncer {
	return &PeriodicalAnnouncer{
		Tracker:        trk,
		status:         NotContactedYet,
		numWant:        numWant,
		minInterval:    minInterval,
		log:            l,
		completedC:     completedC,
		newPeers:       newPeers,
		getTorrent:     getTorrent,
		needMorePeersC: make(chan struct{}, 1),
		responseC:      make(chan *tracker.AnnounceResponse),
		errC:           make(chan error),
		closeC:         make(chan struct{}),
		doneC:          make(chan struct{}),
		backoff: &backoff.ExponentialBackOff{
			InitialInterval:     5 * time.Second,
			RandomizationFactor: 0.5,
			Multiplier:          2,
			MaxInterval:         30 * time.Minute,
			MaxElapsedTime:      0, // never stop
			Clock:               backoff.SystemClock,
		},
	}
}

// Close the announcer.
func (a *PeriodicalAnnouncer) Close() {
	close(a.closeC)
	<-a.doneC
}

// NeedMorePeers signals the announcer that the torrent is hungry for peers.
// The next announce is made after min-interval instead of interval.
func (a *PeriodicalAnnouncer) NeedMorePeers(val bool) {
	a.mNeedMorePeers.Lock()
	a.needMorePeers = val
	a.mNeedMorePeers.Unlock()
	select {
	case a.needMorePeersC <- struct{}{}:
	case <-a.doneC:
	default:
	}
}

// Run the announcer. Blocks until Close is called.
func (a *PeriodicalAnnouncer) Run() {
	defer close(a.doneC)
	a.backoff.Reset()

	timer := time.NewTimer(math.MaxInt64)
	defer timer.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer func() { cancel() }() // cancel the current context, it may be replaced below

	go a.announce(ctx, tracker.EventStarted, a.numWant)
	a.status = Contacting
	for {
		select {
		case <-timer.C:
			if a.status == Contacting {
				break
			}
			go a.announce(ctx, tracker.EventNone, a.numWant)
			a.status = Contacting
		case resp := <-a.responseC:
			a.status = Working
			a.lastAnnounce = time.Now()
			a.seeders = int(resp.Seeders)
			a.leechers = int(resp.Leechers)
			a.interval = resp.Interval
			if a.interval == 0 {
				a.interval = a.minInterval
			}
			a.backoff.Reset()
			if len(resp.Peers) > 0 {
				select {
				case a.newPeers <- resp.Peers:
				case <-a.closeC:
					return
				}
			}
			if a.hungry() {
				timer.Reset(a.minInterval)
			} else {
				timer.Reset(a.interval)
			}
		case err := <-a.errC:
			a.status = NotWorking
			a.lastAnnounce = time.Now()
			a.log.Debugln("announce error:", err.Error())
			timer.Reset(a.backoff.NextBackOff())
		case <-a.needMorePeersC:
			if a.status == Contacting {
				break
			}
			if a.hungry() {
				timer.Reset(time.Until(a.lastAnnounce.Add(a.minInterval)))
			} else {
				timer.Reset(time.Until(a.lastAnnounce.Add(a.interval)))
			}
		case <-a.completedC:
			if a.status == Contacting {
				cancel()
				ctx, cancel = context.WithCancel(context.Background())
			}
			go a.announce(ctx, tracker.EventCompleted, 0)
			a.status = Contacting
			a.completedC = nil // do not send more than one "completed" event
		case <-a.closeC:
			return
		}
	}
}

func (a *PeriodicalAnnouncer) announce(ctx context.Context, event tracker.Event, numWant int) {
	announce(ctx, a.Tracker, event, numWant, a.getTorrent(), a.responseC, a.errC)
}

func (a *PeriodicalAnnouncer) hungry() bool {
	a.mNeedMorePeers.RLock()
	defer a.mNeedMorePeers.RUnlock()
	return a.needMorePeers
}

// Stats is a snapshot of the tracker state.
type Stats struct {
	Status   Status
	Seeders  int
	Leechers int
}
