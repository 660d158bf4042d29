package torrent

import (
	"errors"
	"fmt"
)

// ErrNoPeers is the error of a download that could not connect any peer.
var ErrNoPeers = errors.New("no peers discoverable")

// InputError is returned from New when the torrent file cannot be parsed.
type InputError struct {
	Err error
}

func (e *InputError) Error() string {
	return "invalid torrent: " + e.Err.Error()
}

func (e *InputError) Unwrap() error {
	return e.Err
}

// IntegrityError is the error of a download aborted because a piece failed
// verification too many times.
type IntegrityError struct {
	PieceIndex uint32
	Tries      int
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("piece #%d failed hash check %d times", e.PieceIndex, e.Tries)
}
