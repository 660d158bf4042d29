package udptracker

import (
	"bytes"
	"context"
	"encoding/binary"
	"net"
	"net/url"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cenkalti/downpour/internal/tracker"
)

// fakeTracker is an in-process UDP tracker good for a single connect+announce exchange.
type fakeTracker struct {
	conn  net.PacketConn
	t     *testing.T
	laddr string

	// When set, a datagram with a bogus transaction id is sent before every real connect reply.
	sendBogus bool
}

func newFakeTracker(t *testing.T, sendBogus bool) *fakeTracker {
	conn, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	f := &fakeTracker{conn: conn, t: t, laddr: conn.LocalAddr().String(), sendBogus: sendBogus}
	go f.serve()
	return f
}

func (f *fakeTracker) serve() {
	conn := f.conn
	buf := make([]byte, 1024)
	const connectionID = 0x1122334455667788
	for {
		n, addr, err := conn.ReadFrom(buf)
		if err != nil {
			return
		}
		var req announceRequest
		r := bytes.NewReader(buf[:n])
		if n == 16 { // connect request
			var creq connectRequest
			if binary.Read(r, binary.BigEndian, &creq.udpRequestHeader) != nil {
				return
			}
			if creq.ConnectionID != connectionIDMagic || creq.Action != actionConnect {
				return
			}
			if f.sendBogus {
				f.reply(addr, connectResponse{udpMessageHeader{actionConnect, creq.TransactionID + 1}, 0})
			}
			f.reply(addr, connectResponse{udpMessageHeader{actionConnect, creq.TransactionID}, connectionID})
			continue
		}
		if binary.Read(r, binary.BigEndian, &req) != nil {
			return
		}
		if req.ConnectionID != connectionID || req.Action != actionAnnounce {
			return
		}
		var resp bytes.Buffer
		_ = binary.Write(&resp, binary.BigEndian, announceResponseHeader{
			udpMessageHeader: udpMessageHeader{Action: actionAnnounce, TransactionID: req.TransactionID},
			Interval:         1800,
			Leechers:         1,
			Seeders:          2,
		})
		resp.Write([]byte{9, 8, 7, 6, 0x1a, 0xe1}) // 9.8.7.6:6881
		_, _ = conn.WriteTo(resp.Bytes(), addr)
	}
}

func (f *fakeTracker) reply(addr net.Addr, resp connectResponse) {
	conn := f.conn
	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.BigEndian, resp)
	_, _ = conn.WriteTo(buf.Bytes(), addr)
}

func testAnnounceRequest() tracker.AnnounceRequest {
	var req tracker.AnnounceRequest
	copy(req.Torrent.InfoHash[:], "aaaaaaaaaaaaaaaaaaaa")
	copy(req.Torrent.PeerID[:], "-DP0001-123456789012")
	req.Torrent.Port = 6881
	req.Event = tracker.EventStarted
	req.NumWant = 50
	return req
}

func newTestUDPTracker(t *testing.T, laddr string) (*UDPTracker, *Transport) {
	trans := NewTransport()
	t.Cleanup(func() { trans.Close() })
	u, err := url.Parse("udp://" + laddr + "/announce")
	require.NoError(t, err)
	return New(u.String(), u, trans), trans
}

func TestAnnounce(t *testing.T) {
	f := newFakeTracker(t, false)
	trk, _ := newTestUDPTracker(t, f.laddr)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	resp, err := trk.Announce(ctx, testAnnounceRequest())
	require.NoError(t, err)
	assert.Equal(t, 30*time.Minute, resp.Interval)
	assert.Equal(t, int32(1), resp.Leechers)
	assert.Equal(t, int32(2), resp.Seeders)
	require.Len(t, resp.Peers, 1)
	assert.Equal(t, "9.8.7.6:6881", resp.Peers[0].String())
}

func TestAnnounceIgnoresUnknownTransactionID(t *testing.T) {
	// The bogus datagram must be discarded; the exchange still succeeds
	// with the reply carrying the correct transaction id.
	f := newFakeTracker(t, true)
	trk, _ := newTestUDPTracker(t, f.laddr)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	resp, err := trk.Announce(ctx, testAnnounceRequest())
	require.NoError(t, err)
	require.Len(t, resp.Peers, 1)
}

func TestAnnounceContextCancel(t *testing.T) {
	// No server. The announce must return when the context is cancelled.
	trk, _ := newTestUDPTracker(t, "127.0.0.1:1") // nothing listens here
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := trk.Announce(ctx, testAnnounceRequest())
	require.Error(t, err)
}

func TestBackOffSchedule(t *testing.T) {
	var b udpBackOff
	assert.Equal(t, 15*time.Second, b.NextBackOff())
	assert.Equal(t, 30*time.Second, b.NextBackOff())
	assert.Equal(t, 60*time.Second, b.NextBackOff())
	assert.Equal(t, 120*time.Second, b.NextBackOff())
	assert.Equal(t, backoff.Stop, b.NextBackOff())
	b.Reset()
	assert.Equal(t, 15*time.Second, b.NextBackOff())
}
