package torrent

// Stats is a snapshot of the torrent state.
type Stats struct {
	// Name of the torrent.
	Name string
	// InfoHash identifying the swarm.
	InfoHash [20]byte
	// Port the torrent listens on for incoming peer connections.
	Port int
	// TotalLength is the number of bytes of the payload.
	TotalLength int64
	// BytesComplete is the number of bytes verified and written to disk.
	BytesComplete int64
	// BytesDownloaded is the number of block bytes received from peers.
	// May be larger than BytesComplete because of duplicate and discarded blocks.
	BytesDownloaded int64
	// BytesWasted is the number of received bytes that were discarded.
	BytesWasted int64
	// PiecesTotal is the number of pieces in the torrent.
	PiecesTotal uint32
	// PiecesDone is the number of committed pieces.
	PiecesDone uint32
	// PiecesAvailable is the number of distinct pieces available among connected peers.
	PiecesAvailable uint32
	// PeersConnected is the number of connected peers.
	PeersConnected int
	// DownloadSpeed is bytes per second received from peers.
	DownloadSpeed uint
	// Endgame is true when duplicate block requests are being made.
	Endgame bool
	// Completed is true when all pieces are committed.
	Completed bool
}

type statsRequest struct {
	Response chan Stats
}

// Stats returns a snapshot of the torrent state.
func (t *Torrent) Stats() Stats {
	var stats Stats
	req := statsRequest{Response: make(chan Stats, 1)}
	select {
	case t.statsCommandC <- req:
	case <-t.doneC:
		return stats
	}
	select {
	case stats = <-req.Response:
	case <-t.doneC:
	}
	return stats
}
