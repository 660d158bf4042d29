package peerreader

import (
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cenkalti/downpour/internal/logger"
	"github.com/cenkalti/downpour/internal/peerconn/peerwriter"
	"github.com/cenkalti/downpour/internal/peerprotocol"
)

func startReader(t *testing.T) (net.Conn, *PeerReader) {
	t.Helper()
	local, remote := net.Pipe()
	pr := New(remote, logger.New("test peer reader"), 10*time.Second, nil)
	go pr.Run()
	t.Cleanup(func() {
		pr.Stop()
		local.Close()
		<-pr.Done()
	})
	return local, pr
}

func writeFrame(t *testing.T, w net.Conn, id peerprotocol.MessageID, payload []byte) {
	t.Helper()
	buf := make([]byte, 5+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(1+len(payload)))
	buf[4] = byte(id)
	copy(buf[5:], payload)
	_, err := w.Write(buf)
	require.NoError(t, err)
}

func readMessage(t *testing.T, pr *PeerReader) interface{} {
	t.Helper()
	select {
	case msg := <-pr.Messages():
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("no message from reader")
		return nil
	}
}

func TestDecodeMessages(t *testing.T) {
	conn, pr := startReader(t)

	// keep-alive is consumed silently
	_, err := conn.Write([]byte{0, 0, 0, 0})
	require.NoError(t, err)

	writeFrame(t, conn, peerprotocol.Unchoke, nil)
	assert.Equal(t, peerprotocol.UnchokeMessage{}, readMessage(t, pr))

	have := make([]byte, 4)
	binary.BigEndian.PutUint32(have, 7)
	writeFrame(t, conn, peerprotocol.Have, have)
	assert.Equal(t, peerprotocol.HaveMessage{Index: 7}, readMessage(t, pr))

	piecePayload := make([]byte, 8+5)
	binary.BigEndian.PutUint32(piecePayload[0:4], 1)
	binary.BigEndian.PutUint32(piecePayload[4:8], 0)
	copy(piecePayload[8:], "hello")
	writeFrame(t, conn, peerprotocol.Piece, piecePayload)
	msg := readMessage(t, pr)
	pm, ok := msg.(Piece)
	require.True(t, ok)
	assert.Equal(t, uint32(1), pm.Index)
	assert.Equal(t, "hello", string(pm.Buffer.Data))
	pm.Buffer.Release()
}

func TestBitfieldOnlyFirst(t *testing.T) {
	conn, pr := startReader(t)

	writeFrame(t, conn, peerprotocol.Bitfield, []byte{0xff})
	msg := readMessage(t, pr)
	bm, ok := msg.(peerprotocol.BitfieldMessage)
	require.True(t, ok)
	assert.Equal(t, []byte{0xff}, bm.Data)

	// A second bitfield is a protocol error and terminates the reader.
	writeFrame(t, conn, peerprotocol.Bitfield, []byte{0xff})
	select {
	case <-pr.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("reader did not stop")
	}
}

func TestUnknownMessageID(t *testing.T) {
	conn, pr := startReader(t)
	writeFrame(t, conn, peerprotocol.MessageID(99), []byte{1, 2, 3})
	select {
	case <-pr.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("reader did not stop on unknown message id")
	}
}

func TestOversizedFrame(t *testing.T) {
	conn, pr := startReader(t)
	var length [4]byte
	binary.BigEndian.PutUint32(length[:], MaxBlockSize+10)
	_, err := conn.Write(length[:])
	require.NoError(t, err)
	select {
	case <-pr.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("reader did not stop on oversized frame")
	}
}

// TestRoundTrip encodes messages with the writer and decodes them with the
// reader, asserting that nothing is lost or reordered on the way.
func TestRoundTrip(t *testing.T) {
	local, remote := net.Pipe()
	pr := New(remote, logger.New("test peer reader"), 10*time.Second, nil)
	go pr.Run()
	pw := peerwriter.New(local, logger.New("test peer writer"))
	go pw.Run()
	defer func() {
		pw.Stop()
		pr.Stop()
		<-pr.Done()
		<-pw.Done()
	}()

	sent := []peerprotocol.Message{
		peerprotocol.InterestedMessage{},
		peerprotocol.HaveMessage{Index: 3},
		peerprotocol.RequestMessage{Index: 1, Begin: 16384, Length: 16384},
		peerprotocol.CancelMessage{RequestMessage: peerprotocol.RequestMessage{Index: 1, Begin: 16384, Length: 16384}},
		peerprotocol.NotInterestedMessage{},
	}
	for _, msg := range sent {
		pw.SendMessage(msg)
	}
	for _, want := range sent {
		assert.Equal(t, want, readMessage(t, pr))
	}
}
