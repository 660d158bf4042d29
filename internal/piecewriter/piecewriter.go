// Package piecewriter verifies a downloaded piece and commits it to disk.
package piecewriter

import (
	"crypto/sha1" // nolint: gosec

	"github.com/rcrowley/go-metrics"

	"github.com/cenkalti/downpour/internal/bufferpool"
	"github.com/cenkalti/downpour/internal/peer"
	"github.com/cenkalti/downpour/internal/piece"
	"github.com/cenkalti/downpour/internal/semaphore"
)

// PieceWriter checks the hash of the data in the buffer and writes it to disk.
// Run is called on a worker goroutine so disk writes never stall the torrent loop.
type PieceWriter struct {
	Piece  *piece.Piece
	Source *peer.Peer
	Buffer bufferpool.Buffer

	HashOK bool
	Error  error
}

// New returns a new PieceWriter for the piece.
// Source is the peer the last block came from; it is charged on hash failure.
func New(p *piece.Piece, source *peer.Peer, buf bufferpool.Buffer) *PieceWriter {
	return &PieceWriter{
		Piece:  p,
		Source: source,
		Buffer: buf,
	}
}

// Run checks the hash, then writes the data in the buffer to the disk.
// The PieceWriter itself is sent to resultC when finished.
func (w *PieceWriter) Run(resultC chan *PieceWriter, closeC chan struct{}, writeBytesPerSecond metrics.Meter, sem *semaphore.Semaphore) {
	w.HashOK = w.Piece.VerifyHash(w.Buffer.Data, sha1.New()) // nolint: gosec
	if w.HashOK {
		writeBytesPerSecond.Mark(int64(len(w.Buffer.Data)))
		sem.Wait()
		_, w.Error = w.Piece.Data.Write(w.Buffer.Data)
		sem.Signal()
	}
	select {
	case resultC <- w:
	case <-closeC:
		w.Buffer.Release()
	}
}
