package udptracker

import (
	"math/rand"
	"net"
)

type transaction struct {
	id      int32
	request udpRequest
	addr    *net.UDPAddr

	response []byte
	err      error
	done     chan struct{}
}

func newTransaction(req udpRequest) *transaction {
	t := &transaction{
		id:      rand.Int31(), // nolint: gosec
		request: req,
		done:    make(chan struct{}),
	}
	req.setTransactionID(t.id)
	return t
}

func (t *transaction) Done() {
	close(t.done)
}
