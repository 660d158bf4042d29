package torrent

import (
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Config for a Torrent.
type Config struct {
	// New torrents will be listened at the first free port in this range.
	PortBegin uint16 `yaml:"port-begin"`
	// Port range end, exclusive.
	PortEnd uint16 `yaml:"port-end"`

	// Max number of blocks requested from a peer but not received yet.
	RequestQueueLength int `yaml:"request-queue-length"`
	// Time to wait for a requested block to be received before marking the peer as snubbed.
	RequestTimeout time.Duration `yaml:"request-timeout"`
	// When the number of unfinished pieces drops below this number, endgame mode is activated.
	EndgameThreshold int `yaml:"endgame-threshold"`
	// Max number of running downloads of a piece in endgame mode.
	EndgameParallelDownloadsPerPiece int `yaml:"endgame-parallel-downloads-per-piece"`
	// Max number of outgoing connections to dial.
	MaxPeerDial int `yaml:"max-peer-dial"`
	// Max number of incoming connections to accept.
	MaxPeerAccept int `yaml:"max-peer-accept"`
	// Number of hash failures traced to a peer before it is banned for the session.
	MaxPeerHashFailures int `yaml:"max-peer-hash-failures"`
	// Number of times downloading a piece may fail verification before the download is aborted.
	MaxPieceRetries int `yaml:"max-piece-retries"`
	// The download errors out if no peer could be connected in this duration.
	NoPeerTimeout time.Duration `yaml:"no-peer-timeout"`
	// Download rate limit in bytes per second. Zero means unlimited.
	DownloadRateLimit int64 `yaml:"download-rate-limit"`
	// Number of piece writes that may run at the same time.
	ParallelWrites int `yaml:"parallel-writes"`

	// Time to wait for a TCP connection to open.
	PeerConnectTimeout time.Duration `yaml:"peer-connect-timeout"`
	// Time to wait for the BitTorrent handshake to complete.
	PeerHandshakeTimeout time.Duration `yaml:"peer-handshake-timeout"`
	// When the peer has started to send a piece block, if no bytes arrive in
	// this duration, the connection is closed.
	PieceReadTimeout time.Duration `yaml:"piece-read-timeout"`

	// Number of peer addresses to request in an announce request.
	TrackerNumWant int `yaml:"tracker-numwant"`
	// Time to wait for announcing the stopped event during shutdown.
	TrackerStoppedEventTimeout time.Duration `yaml:"tracker-stopped-event-timeout"`
	// Minimum duration between two announces to the same tracker.
	TrackerMinAnnounceInterval time.Duration `yaml:"tracker-min-announce-interval"`
	// Total time to wait for a response from an HTTP tracker.
	TrackerHTTPTimeout time.Duration `yaml:"tracker-http-timeout"`
}

// DefaultConfig for new torrents.
var DefaultConfig = Config{
	PortBegin: 6881,
	PortEnd:   6890,

	RequestQueueLength:               5,
	RequestTimeout:                   30 * time.Second,
	EndgameThreshold:                 10,
	EndgameParallelDownloadsPerPiece: 2,
	MaxPeerDial:                      15,
	MaxPeerAccept:                    15,
	MaxPeerHashFailures:              3,
	MaxPieceRetries:                  5,
	NoPeerTimeout:                    5 * time.Minute,
	ParallelWrites:                   4,

	PeerConnectTimeout:   10 * time.Second,
	PeerHandshakeTimeout: 10 * time.Second,
	PieceReadTimeout:     30 * time.Second,

	TrackerNumWant:             30,
	TrackerStoppedEventTimeout: 5 * time.Second,
	TrackerMinAnnounceInterval: time.Minute,
	TrackerHTTPTimeout:         30 * time.Second,
}

// NewConfig returns the default configuration.
func NewConfig() *Config {
	c := DefaultConfig
	return &c
}

// LoadFile loads values from a YAML file over the existing values.
func (c *Config) LoadFile(filename string) error {
	b, err := os.ReadFile(filename)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(b, c)
}
