package udptracker

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v3"

	"github.com/cenkalti/downpour/internal/logger"
	"github.com/cenkalti/downpour/internal/resolver"
	"github.com/cenkalti/downpour/internal/tracker"
)

// Connection ids from trackers are valid for a minute.
const connectionIDInterval = time.Minute

const resolveTimeout = 10 * time.Second

// ErrTrackerDead is returned from Announce when the tracker did not respond to
// repeated retries of a request.
var ErrTrackerDead = errors.New("udp tracker did not respond")

// Transport is a shared UDP socket that multiplexes transactions to multiple trackers.
type Transport struct {
	conn *net.UDPConn
	log  logger.Logger

	connections  map[string]*connection
	transactions map[int32]*transaction
	m            sync.Mutex

	closeC    chan struct{}
	closeOnce sync.Once
}

type connection struct {
	id        int64
	timestamp time.Time
	m         sync.Mutex
}

// NewTransport returns a new Transport. The underlying socket is opened lazily
// at the first request.
func NewTransport() *Transport {
	return &Transport{
		log:          logger.New("udp tracker transport"),
		connections:  make(map[string]*connection),
		transactions: make(map[int32]*transaction),
		closeC:       make(chan struct{}),
	}
}

func (t *Transport) getConnection(addr string) *connection {
	t.m.Lock()
	defer t.m.Unlock()
	conn, ok := t.connections[addr]
	if !ok {
		conn = new(connection)
		t.connections[addr] = conn
	}
	return conn
}

func (t *Transport) listen() error {
	t.m.Lock()
	defer t.m.Unlock()
	if t.conn != nil {
		return nil
	}
	var laddr net.UDPAddr
	conn, err := net.ListenUDP("udp4", &laddr)
	if err != nil {
		return err
	}
	t.conn = conn
	go t.readLoop()
	return nil
}

// Do resolves the destination, makes sure there is a valid connection id for it,
// then performs the request and returns the response bytes.
func (t *Transport) Do(ctx context.Context, dest string, req udpRequest) ([]byte, error) {
	err := t.listen()
	if err != nil {
		return nil, err
	}
	ip, port, err := resolver.Resolve(ctx, dest, resolveTimeout)
	if err != nil {
		return nil, err
	}
	addr := &net.UDPAddr{IP: ip, Port: port}

	conn := t.getConnection(addr.String())
	conn.m.Lock()
	defer conn.m.Unlock()
	if time.Since(conn.timestamp) > connectionIDInterval {
		conn.id, err = t.connect(ctx, addr)
		if err != nil {
			return nil, err
		}
		conn.timestamp = time.Now()
	}
	req.setConnectionID(conn.id)

	trx := newTransaction(req)
	trx.addr = addr
	return t.retryTransaction(ctx, trx)
}

// Close the transport socket.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() { close(t.closeC) })
	t.m.Lock()
	defer t.m.Unlock()
	if t.conn != nil {
		return t.conn.Close()
	}
	return nil
}

// readLoop reads datagrams from the socket, finds the matching transaction by
// its transaction id and hands over the bytes. Datagrams with an unknown
// transaction id are discarded.
func (t *Transport) readLoop() {
	// Read buffer must be big enough to hold a UDP packet of maximum expected size.
	const maxNumWant = 1000
	bigBuf := make([]byte, 20+6*maxNumWant)
	for {
		n, err := t.conn.Read(bigBuf)
		if err != nil {
			select {
			case <-t.closeC:
			default:
				t.log.Error(err)
			}
			return
		}
		buf := bigBuf[:n]

		var header udpMessageHeader
		err = binary.Read(bytes.NewReader(buf), binary.BigEndian, &header)
		if err != nil {
			t.log.Error(err)
			continue
		}

		t.m.Lock()
		trx, ok := t.transactions[header.TransactionID]
		delete(t.transactions, header.TransactionID)
		t.m.Unlock()
		if !ok {
			t.log.Debugln("unexpected transaction_id:", header.TransactionID)
			continue
		}

		// Tracker has sent an error.
		if header.Action == actionError {
			// The part after the header is the error message.
			trx.err = tracker.Error(buf[binary.Size(header):])
			trx.Done()
			continue
		}

		// Copy data into a new slice because buf will be overwritten at next read.
		trx.response = make([]byte, len(buf))
		copy(trx.response, buf)
		trx.Done()
	}
}

func (t *Transport) writeTrx(trx *transaction) {
	var buf bytes.Buffer
	_, err := trx.request.WriteTo(&buf)
	if err != nil {
		t.log.Error(err)
		return
	}
	_, err = t.conn.WriteTo(buf.Bytes(), trx.addr)
	if err != nil {
		t.log.Error(err)
	}
}

// connect sends a connect request and returns the connection id given by the tracker.
func (t *Transport) connect(ctx context.Context, addr *net.UDPAddr) (connectionID int64, err error) {
	req := newConnectRequest()
	trx := newTransaction(req)
	trx.addr = addr

	data, err := t.retryTransaction(ctx, trx)
	if err != nil {
		return 0, err
	}

	var response connectResponse
	err = binary.Read(bytes.NewReader(data), binary.BigEndian, &response)
	if err != nil {
		return 0, tracker.ErrDecode
	}
	if response.Action != actionConnect {
		return 0, errors.New("invalid action in connect response")
	}
	return response.ConnectionID, nil
}

// retryTransaction sends the transaction and waits for the response.
// The request is resent on the schedule described in BEP 15: the n'th retry
// waits 15 * 2^n seconds. After four unanswered retries the tracker is
// considered dead and ErrTrackerDead is returned.
func (t *Transport) retryTransaction(ctx context.Context, trx *transaction) ([]byte, error) {
	t.m.Lock()
	t.transactions[trx.id] = trx
	t.m.Unlock()

	defer func() {
		t.m.Lock()
		delete(t.transactions, trx.id)
		t.m.Unlock()
	}()

	var bo udpBackOff
	ticker := backoff.NewTicker(&bo)
	defer ticker.Stop()
	for {
		select {
		case _, ok := <-ticker.C:
			if !ok {
				return nil, ErrTrackerDead
			}
			t.writeTrx(trx)
		case <-trx.done:
			return trx.response, trx.err
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.closeC:
			return nil, errors.New("udp tracker transport closed")
		}
	}
}

// udpBackOff implements the retry schedule in BEP 15.
type udpBackOff int

const maxRetries = 4

func (b *udpBackOff) NextBackOff() time.Duration {
	if *b >= maxRetries {
		return backoff.Stop
	}
	d := time.Duration(15<<uint(*b)) * time.Second
	*b++
	return d
}

func (b *udpBackOff) Reset() { *b = 0 }

var _ backoff.BackOff = (*udpBackOff)(nil)
