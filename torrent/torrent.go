// Package torrent implements a leech-oriented BitTorrent download engine.
//
// A Torrent discovers peers through its trackers, downloads the payload by
// exchanging protocol messages with peers, verifies each piece and writes the
// assembled bytes to disk. Seeding is not implemented; remote peers are never
// unchoked.
package torrent

import (
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/google/uuid"
	"github.com/juju/ratelimit"
	"github.com/rcrowley/go-metrics"

	"github.com/cenkalti/downpour/internal/acceptor"
	"github.com/cenkalti/downpour/internal/allocator"
	"github.com/cenkalti/downpour/internal/announcer"
	"github.com/cenkalti/downpour/internal/bitfield"
	"github.com/cenkalti/downpour/internal/bufferpool"
	"github.com/cenkalti/downpour/internal/filesection"
	"github.com/cenkalti/downpour/internal/handshaker/incominghandshaker"
	"github.com/cenkalti/downpour/internal/handshaker/outgoinghandshaker"
	"github.com/cenkalti/downpour/internal/logger"
	"github.com/cenkalti/downpour/internal/metainfo"
	"github.com/cenkalti/downpour/internal/peer"
	"github.com/cenkalti/downpour/internal/piece"
	"github.com/cenkalti/downpour/internal/piecedownloader"
	"github.com/cenkalti/downpour/internal/piecepicker"
	"github.com/cenkalti/downpour/internal/piecewriter"
	"github.com/cenkalti/downpour/internal/semaphore"
	"github.com/cenkalti/downpour/internal/storage/filestorage"
	"github.com/cenkalti/downpour/internal/tracker"
	"github.com/cenkalti/downpour/internal/tracker/udptracker"
)

// Torrent is a single download.
type Torrent struct {
	config       Config
	info         *metainfo.Info
	trackers     []tracker.Tracker
	peerID       [20]byte
	files        []allocator.File
	pieces       []piece.Piece
	bitfield     *bitfield.Bitfield
	picker       *piecepicker.PiecePicker
	listener     *net.TCPListener
	port         int
	udpTransport *udptracker.Transport

	piecePool *bufferpool.Pool
	bucket    *ratelimit.Bucket

	// All fields below are owned by the run loop.
	peers                   map[*peer.Peer]struct{}
	incomingPeers           map[*peer.Peer]struct{}
	outgoingPeers           map[*peer.Peer]struct{}
	peerIDs                 map[[20]byte]struct{}
	connectedPeerIPs        map[string]struct{}
	bannedPeerIPs           map[string]struct{}
	addrList                []*net.TCPAddr
	knownAddrs              map[string]struct{}
	incomingHandshakers     map[*incominghandshaker.IncomingHandshaker]struct{}
	outgoingHandshakers     map[*outgoinghandshaker.OutgoingHandshaker]struct{}
	pieceDownloaders        map[*peer.Peer]*piecedownloader.PieceDownloader
	pieceDownloadersSnubbed map[*peer.Peer]*piecedownloader.PieceDownloader
	pieceDownloadersChoked  map[*peer.Peer]*piecedownloader.PieceDownloader
	pieceFailures           map[uint32]int
	pieceWritersRunning     int

	// Accessed atomically; also read by announcer goroutines.
	bytesDownloaded int64
	bytesUploaded   int64
	bytesWasted     int64
	bytesComplete   int64
	downloadSpeed   metrics.Meter
	writeSpeed      metrics.Meter
	writeSem        *semaphore.Semaphore

	announcers        []*announcer.PeriodicalAnnouncer
	stopAnnouncer     *announcer.StopAnnouncer
	acceptor          *acceptor.Acceptor
	completed         bool
	everConnectedPeer bool
	fatalErr          error

	// Channels of the run loop.
	newPeersC                 chan []*net.TCPAddr
	incomingConnC             chan net.Conn
	outgoingHandshakerResultC chan *outgoinghandshaker.OutgoingHandshaker
	incomingHandshakerResultC chan *incominghandshaker.IncomingHandshaker
	messages                  chan peer.Message
	pieceMessages             chan peer.PieceMessage
	peerSnubbedC              chan *peer.Peer
	peerDisconnectedC         chan *peer.Peer
	pieceWriterResultC        chan *piecewriter.PieceWriter
	statsCommandC             chan statsRequest
	completeC                 chan struct{}
	completedAnnounceC        chan struct{}
	errC                      chan error
	closeC                    chan struct{}
	doneC                     chan struct{}

	log logger.Logger
}

// New reads a torrent metainfo from r and prepares a download into dest.
// Files are created at their full length and the listen port is bound, but no
// network traffic happens until Start is called.
func New(r io.Reader, dest string, cfg Config) (*Torrent, error) {
	mi, err := metainfo.New(r)
	if err != nil {
		return nil, &InputError{Err: err}
	}
	if len(mi.AnnounceList) == 0 {
		return nil, &InputError{Err: errors.New("no tracker in torrent file")}
	}
	log := logger.New("torrent " + mi.Info.Name)

	sto, err := filestorage.New(dest)
	if err != nil {
		return nil, err
	}
	files, err := allocator.Allocate(&mi.Info, sto)
	if err != nil {
		return nil, err
	}

	sections := make([]filesection.ReadWriterAt, len(files))
	for i := range files {
		sections[i] = files[i].Storage
	}
	pieces := piece.NewPieces(&mi.Info, sections)

	t := &Torrent{
		config:   cfg,
		info:     &mi.Info,
		files:    files,
		pieces:   pieces,
		bitfield: bitfield.New(mi.Info.NumPieces),
		peerID:   generatePeerID(),

		piecePool: bufferpool.New(int(mi.Info.PieceLength)),

		peers:                   make(map[*peer.Peer]struct{}),
		incomingPeers:           make(map[*peer.Peer]struct{}),
		outgoingPeers:           make(map[*peer.Peer]struct{}),
		peerIDs:                 make(map[[20]byte]struct{}),
		connectedPeerIPs:        make(map[string]struct{}),
		bannedPeerIPs:           make(map[string]struct{}),
		knownAddrs:              make(map[string]struct{}),
		incomingHandshakers:     make(map[*incominghandshaker.IncomingHandshaker]struct{}),
		outgoingHandshakers:     make(map[*outgoinghandshaker.OutgoingHandshaker]struct{}),
		pieceDownloaders:        make(map[*peer.Peer]*piecedownloader.PieceDownloader),
		pieceDownloadersSnubbed: make(map[*peer.Peer]*piecedownloader.PieceDownloader),
		pieceDownloadersChoked:  make(map[*peer.Peer]*piecedownloader.PieceDownloader),
		pieceFailures:           make(map[uint32]int),

		downloadSpeed: metrics.NewMeter(),
		writeSpeed:    metrics.NewMeter(),
		writeSem:      semaphore.New(cfg.ParallelWrites),

		newPeersC:                 make(chan []*net.TCPAddr),
		incomingConnC:             make(chan net.Conn),
		outgoingHandshakerResultC: make(chan *outgoinghandshaker.OutgoingHandshaker),
		incomingHandshakerResultC: make(chan *incominghandshaker.IncomingHandshaker),
		messages:                  make(chan peer.Message),
		pieceMessages:             make(chan peer.PieceMessage),
		peerSnubbedC:              make(chan *peer.Peer),
		peerDisconnectedC:         make(chan *peer.Peer),
		pieceWriterResultC:        make(chan *piecewriter.PieceWriter),
		statsCommandC:             make(chan statsRequest),
		completeC:                 make(chan struct{}),
		completedAnnounceC:        make(chan struct{}),
		errC:                      make(chan error, 1),
		closeC:                    make(chan struct{}),
		doneC:                     make(chan struct{}),

		log: log,
	}
	if cfg.DownloadRateLimit > 0 {
		t.bucket = ratelimit.NewBucketWithRate(float64(cfg.DownloadRateLimit), cfg.DownloadRateLimit)
	}
	t.picker = piecepicker.New(t.pieces, cfg.EndgameThreshold, cfg.EndgameParallelDownloadsPerPiece, log)

	err = t.listen()
	if err != nil {
		allocator.CloseAll(files)
		return nil, err
	}

	t.trackers = t.newTrackerTiers(mi.AnnounceList)

	return t, nil
}

// listen binds the first free port in the configured range.
func (t *Torrent) listen() error {
	for p := int(t.config.PortBegin); p < int(t.config.PortEnd); p++ {
		addr := &net.TCPAddr{Port: p}
		lis, err := net.ListenTCP("tcp4", addr)
		if err == nil {
			t.listener = lis
			t.port = p
			return nil
		}
	}
	return fmt.Errorf("cannot bind a port in range %d-%d", t.config.PortBegin, t.config.PortEnd-1)
}

func generatePeerID() [20]byte {
	var id [20]byte
	copy(id[:], "-DP0001-")
	u := uuid.New()
	copy(id[8:], u[:])
	return id
}

// InfoHash of the torrent.
func (t *Torrent) InfoHash() [20]byte { return t.info.Hash }

// Name of the torrent.
func (t *Torrent) Name() string { return t.info.Name }

// Port the torrent listens on for incoming peer connections.
func (t *Torrent) Port() int { return t.port }

// Start the torrent: announcers, acceptor and the run loop.
func (t *Torrent) Start() {
	an := acceptor.New(t.listener, t.incomingConnC, t.log)
	t.acceptor = an
	go an.Run()

	for _, trk := range t.trackers {
		pa := announcer.NewPeriodicalAnnouncer(
			trk,
			t.config.TrackerNumWant,
			t.config.TrackerMinAnnounceInterval,
			t.announcerTorrent,
			t.completedAnnounceC,
			t.newPeersC,
			t.log,
		)
		t.announcers = append(t.announcers, pa)
		go pa.Run()
	}

	go t.run()
}

// NotifyComplete returns a channel that is closed once all pieces are
// downloaded, verified and written to disk.
func (t *Torrent) NotifyComplete() <-chan struct{} {
	return t.completeC
}

// NotifyError returns a channel that carries the fatal error of the download.
func (t *Torrent) NotifyError() <-chan error {
	return t.errC
}

// Close stops the torrent: peers are closed, the stopped event is announced
// and the files are closed. Blocks until the shutdown is finished.
func (t *Torrent) Close() {
	close(t.closeC)
	<-t.doneC
}
