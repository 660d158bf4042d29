package torrent

import (
	"bytes"
	"crypto/sha1"
	"encoding/binary"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/rcrowley/go-metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zeebo/bencode"
)

func TestMain(m *testing.M) {
	// Start the meter arbiter goroutine before any leak check snapshot.
	metrics.NewMeter().Stop()
	os.Exit(m.Run())
}

const testPieceLength = 32 * 1024

// makePayload returns deterministic payload bytes.
func makePayload(total int64) []byte {
	payload := make([]byte, total)
	for i := range payload {
		payload[i] = byte(i*7 + i/255)
	}
	return payload
}

func numTestPieces(payload []byte) int {
	return (len(payload) + testPieceLength - 1) / testPieceLength
}

// makeTorrentBytes builds a bencoded torrent for the payload.
func makeTorrentBytes(t *testing.T, payload []byte, fileLengths []int64, announce string) []byte {
	t.Helper()
	total := int64(len(payload))

	numPieces := (total + testPieceLength - 1) / testPieceLength
	pieces := make([]byte, 0, 20*numPieces)
	for i := int64(0); i < numPieces; i++ {
		end := (i + 1) * testPieceLength
		if end > total {
			end = total
		}
		sum := sha1.Sum(payload[i*testPieceLength : end])
		pieces = append(pieces, sum[:]...)
	}

	info := map[string]interface{}{
		"name":         "downpour-test",
		"piece length": testPieceLength,
		"pieces":       pieces,
	}
	if len(fileLengths) == 1 {
		info["length"] = fileLengths[0]
	} else {
		files := make([]map[string]interface{}, len(fileLengths))
		for i, l := range fileLengths {
			files[i] = map[string]interface{}{
				"length": l,
				"path":   []string{"file" + string(rune('a'+i)) + ".dat"},
			}
		}
		info["files"] = files
	}
	infoBytes, err := bencode.EncodeBytes(info)
	require.NoError(t, err)
	torrentBytes, err := bencode.EncodeBytes(map[string]interface{}{
		"announce": announce,
		"info":     bencode.RawMessage(infoBytes),
	})
	require.NoError(t, err)
	return torrentBytes
}

// testSeeder is a minimal remote peer serving pieces of the payload.
type testSeeder struct {
	t          *testing.T
	lis        net.Listener
	payload    []byte
	numPieces  int
	id         byte
	have       func(i int) bool
	corruptAll bool // serve corrupt bytes for every block of piece 0
	disconnect int  // close the connection after this many served blocks; 0 = never

	m                 sync.Mutex
	servedBlocks      int
	havesReceived     int
	notInterestedSeen bool
	requestedPieces   map[uint32]struct{}
}

func newTestSeeder(t *testing.T, payload []byte, numPieces int, id byte) *testSeeder {
	lis, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	s := &testSeeder{
		t:               t,
		lis:             lis,
		payload:         payload,
		numPieces:       numPieces,
		id:              id,
		have:            func(i int) bool { return true },
		requestedPieces: make(map[uint32]struct{}),
	}
	t.Cleanup(func() { lis.Close() })
	go s.acceptLoop()
	return s
}

func (s *testSeeder) addr() *net.TCPAddr {
	return s.lis.Addr().(*net.TCPAddr)
}

func (s *testSeeder) stats() (blocks, haves int, notInterested bool, distinct int) {
	s.m.Lock()
	defer s.m.Unlock()
	return s.servedBlocks, s.havesReceived, s.notInterestedSeen, len(s.requestedPieces)
}

func (s *testSeeder) acceptLoop() {
	for {
		conn, err := s.lis.Accept()
		if err != nil {
			return
		}
		go s.serve(conn)
	}
}

func (s *testSeeder) serve(conn net.Conn) {
	defer conn.Close()

	// Handshake.
	hs := make([]byte, 68)
	if _, err := io.ReadFull(conn, hs); err != nil {
		return
	}
	var reply bytes.Buffer
	reply.WriteByte(19)
	reply.WriteString("BitTorrent protocol")
	reply.Write(make([]byte, 8))
	reply.Write(hs[28:48]) // echo info hash
	var peerID [20]byte
	copy(peerID[:], "-TS0001-seederseeder")
	peerID[19] = s.id
	reply.Write(peerID[:])
	if _, err := conn.Write(reply.Bytes()); err != nil {
		return
	}

	// Bitfield.
	bf := make([]byte, (s.numPieces+7)/8)
	for i := 0; i < s.numPieces; i++ {
		if s.have(i) {
			bf[i/8] |= 1 << (7 - uint(i)%8)
		}
	}
	s.writeFrame(conn, 5, bf)

	for {
		var length uint32
		if err := binary.Read(conn, binary.BigEndian, &length); err != nil {
			return
		}
		if length == 0 {
			continue
		}
		frame := make([]byte, length)
		if _, err := io.ReadFull(conn, frame); err != nil {
			return
		}
		switch frame[0] {
		case 2: // interested
			s.writeFrame(conn, 1, nil) // unchoke
		case 3: // not interested
			s.m.Lock()
			s.notInterestedSeen = true
			s.m.Unlock()
		case 4: // have
			s.m.Lock()
			s.havesReceived++
			s.m.Unlock()
		case 6: // request
			index := binary.BigEndian.Uint32(frame[1:5])
			begin := binary.BigEndian.Uint32(frame[5:9])
			blockLength := binary.BigEndian.Uint32(frame[9:13])
			start := int(index)*testPieceLength + int(begin)
			data := make([]byte, blockLength)
			copy(data, s.payload[start:start+int(blockLength)])
			if s.corruptAll && index == 0 {
				for i := range data {
					data[i] ^= 0xff
				}
			}
			payload := make([]byte, 8+len(data))
			binary.BigEndian.PutUint32(payload[0:4], index)
			binary.BigEndian.PutUint32(payload[4:8], begin)
			copy(payload[8:], data)
			s.writeFrame(conn, 7, payload)

			s.m.Lock()
			s.servedBlocks++
			s.requestedPieces[index] = struct{}{}
			served := s.servedBlocks
			s.m.Unlock()
			if s.disconnect > 0 && served >= s.disconnect {
				return
			}
		case 8: // cancel
		default:
		}
	}
}

func (s *testSeeder) writeFrame(conn net.Conn, id byte, payload []byte) {
	buf := make([]byte, 5+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(1+len(payload)))
	buf[4] = id
	copy(buf[5:], payload)
	_, _ = conn.Write(buf)
}

// newTestTracker serves a compact announce response with the given peers.
func newTestTracker(t *testing.T, addrs func() []*net.TCPAddr) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var peers []byte
		for _, addr := range addrs() {
			peers = append(peers, addr.IP.To4()...)
			peers = append(peers, byte(addr.Port>>8), byte(addr.Port))
		}
		b, _ := bencode.EncodeBytes(map[string]interface{}{
			"interval": 60,
			"peers":    string(peers),
		})
		_, _ = w.Write(b)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// makeTorrentBytesMultiTracker builds a torrent with an announce-list.
func makeTorrentBytesMultiTracker(t *testing.T, payload []byte, announceList [][]string) []byte {
	t.Helper()
	b := makeTorrentBytes(t, payload, []int64{int64(len(payload))}, "")
	var decoded map[string]bencode.RawMessage
	require.NoError(t, bencode.DecodeBytes(b, &decoded))
	al, err := bencode.EncodeBytes(announceList)
	require.NoError(t, err)
	decoded["announce-list"] = al
	delete(decoded, "announce")
	b, err = bencode.EncodeBytes(decoded)
	require.NoError(t, err)
	return b
}

// startTestUDPTracker runs a BEP 15 responder good enough for one client.
func startTestUDPTracker(t *testing.T, addrs func() []*net.TCPAddr) string {
	t.Helper()
	conn, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	const connectionID = 0x0102030405060708
	go func() {
		buf := make([]byte, 1500)
		for {
			n, raddr, err := conn.ReadFrom(buf)
			if err != nil {
				return
			}
			if n == 16 { // connect request
				txid := buf[12:16]
				var resp bytes.Buffer
				resp.Write([]byte{0, 0, 0, 0}) // action = connect
				resp.Write(txid)
				_ = binary.Write(&resp, binary.BigEndian, int64(connectionID))
				_, _ = conn.WriteTo(resp.Bytes(), raddr)
				continue
			}
			if n >= 98 { // announce request
				txid := buf[12:16]
				var resp bytes.Buffer
				resp.Write([]byte{0, 0, 0, 1}) // action = announce
				resp.Write(txid)
				_ = binary.Write(&resp, binary.BigEndian, int32(60)) // interval
				_ = binary.Write(&resp, binary.BigEndian, int32(0))  // leechers
				_ = binary.Write(&resp, binary.BigEndian, int32(1))  // seeders
				for _, a := range addrs() {
					resp.Write(a.IP.To4())
					resp.Write([]byte{byte(a.Port >> 8), byte(a.Port)})
				}
				_, _ = conn.WriteTo(resp.Bytes(), raddr)
			}
		}
	}()
	return conn.LocalAddr().String()
}

func testConfig(portBegin uint16) Config {
	cfg := DefaultConfig
	cfg.PortBegin = portBegin
	cfg.PortEnd = portBegin + 10
	cfg.RequestTimeout = 2 * time.Second
	cfg.NoPeerTimeout = 30 * time.Second
	return cfg
}

func startTestTorrent(t *testing.T, torrentBytes []byte, cfg Config) (*Torrent, string) {
	t.Helper()
	dest := t.TempDir()
	tor, err := New(bytes.NewReader(torrentBytes), dest, cfg)
	require.NoError(t, err)
	tor.Start()
	return tor, dest
}

func waitComplete(t *testing.T, tor *Torrent) {
	t.Helper()
	select {
	case <-tor.NotifyComplete():
	case err := <-tor.NotifyError():
		t.Fatal("download failed:", err)
	case <-time.After(60 * time.Second):
		t.Fatal("download did not complete in time")
	}
}

func TestDownloadSingleSeeder(t *testing.T) {
	t.Cleanup(leaktest.CheckTimeout(t, 10*time.Second))

	payload := makePayload(80000)
	numPieces := numTestPieces(payload)
	seeder := newTestSeeder(t, payload, numPieces, 1)
	trk := newTestTracker(t, func() []*net.TCPAddr { return []*net.TCPAddr{seeder.addr()} })
	torrentBytes := makeTorrentBytes(t, payload, []int64{80000}, trk.URL+"/announce")

	tor, dest := startTestTorrent(t, torrentBytes, testConfig(51010))
	waitComplete(t, tor)

	stats := tor.Stats()
	assert.True(t, stats.Completed)
	assert.Equal(t, uint32(numPieces), stats.PiecesDone)

	// One have broadcast per piece commit, and a clean not_interested at the end.
	require.Eventually(t, func() bool {
		_, haves, notInterested, _ := seeder.stats()
		return haves == numPieces && notInterested
	}, 10*time.Second, 50*time.Millisecond)

	tor.Close()

	// Written bytes read back equal the payload.
	got, err := os.ReadFile(filepath.Join(dest, "downpour-test"))
	require.NoError(t, err)
	assert.True(t, bytes.Equal(payload, got))
}

func TestDownloadMultiFileStraddling(t *testing.T) {
	t.Cleanup(leaktest.CheckTimeout(t, 10*time.Second))

	// Three files; the piece boundaries straddle the file boundaries.
	fileLengths := []int64{40000, 100, 39900}
	payload := makePayload(80000)
	seeder := newTestSeeder(t, payload, numTestPieces(payload), 1)
	trk := newTestTracker(t, func() []*net.TCPAddr { return []*net.TCPAddr{seeder.addr()} })
	torrentBytes := makeTorrentBytes(t, payload, fileLengths, trk.URL+"/announce")

	tor, dest := startTestTorrent(t, torrentBytes, testConfig(51020))
	waitComplete(t, tor)
	tor.Close()

	var got []byte
	for _, name := range []string{"filea.dat", "fileb.dat", "filec.dat"} {
		b, err := os.ReadFile(filepath.Join(dest, "downpour-test", name))
		require.NoError(t, err)
		got = append(got, b...)
	}
	assert.True(t, bytes.Equal(payload, got))
}

func TestDownloadDisjointHalves(t *testing.T) {
	t.Cleanup(leaktest.CheckTimeout(t, 10*time.Second))

	payload := makePayload(5 * testPieceLength)
	numPieces := numTestPieces(payload)

	first := newTestSeeder(t, payload, numPieces, 1)
	first.have = func(i int) bool { return i < numPieces/2 }
	second := newTestSeeder(t, payload, numPieces, 2)
	second.have = func(i int) bool { return i >= numPieces/2 }

	trk := newTestTracker(t, func() []*net.TCPAddr {
		return []*net.TCPAddr{first.addr(), second.addr()}
	})
	torrentBytes := makeTorrentBytes(t, payload, []int64{int64(len(payload))}, trk.URL+"/announce")

	tor, dest := startTestTorrent(t, torrentBytes, testConfig(51030))
	waitComplete(t, tor)
	tor.Close()

	// Every piece was requested from the seeder that has it.
	_, _, _, firstPieces := first.stats()
	_, _, _, secondPieces := second.stats()
	assert.Equal(t, numPieces/2, firstPieces)
	assert.Equal(t, numPieces-numPieces/2, secondPieces)

	got, err := os.ReadFile(filepath.Join(dest, "downpour-test"))
	require.NoError(t, err)
	assert.True(t, bytes.Equal(payload, got))
}

func TestDownloadAbortsOnPersistentCorruption(t *testing.T) {
	t.Cleanup(leaktest.CheckTimeout(t, 10*time.Second))

	payload := makePayload(2 * testPieceLength)
	seeder := newTestSeeder(t, payload, numTestPieces(payload), 1)
	seeder.corruptAll = true
	trk := newTestTracker(t, func() []*net.TCPAddr { return []*net.TCPAddr{seeder.addr()} })
	torrentBytes := makeTorrentBytes(t, payload, []int64{int64(len(payload))}, trk.URL+"/announce")

	// Default limits: the lone corrupt peer is banned after its hash
	// failures, which leaves the piece unavailable and must abort the
	// download with an integrity error.
	tor, _ := startTestTorrent(t, torrentBytes, testConfig(51040))
	select {
	case err := <-tor.NotifyError():
		var ierr *IntegrityError
		require.ErrorAs(t, err, &ierr)
		assert.Equal(t, uint32(0), ierr.PieceIndex)
	case <-tor.NotifyComplete():
		t.Fatal("download completed with corrupt data")
	case <-time.After(60 * time.Second):
		t.Fatal("download did not abort in time")
	}
	tor.Close()
}

func TestDownloadAbortsAfterRetriesExhausted(t *testing.T) {
	t.Cleanup(leaktest.CheckTimeout(t, 10*time.Second))

	payload := makePayload(2 * testPieceLength)
	numPieces := numTestPieces(payload)
	first := newTestSeeder(t, payload, numPieces, 1)
	first.corruptAll = true
	second := newTestSeeder(t, payload, numPieces, 2)
	second.corruptAll = true
	trk := newTestTracker(t, func() []*net.TCPAddr {
		return []*net.TCPAddr{first.addr(), second.addr()}
	})
	torrentBytes := makeTorrentBytes(t, payload, []int64{int64(len(payload))}, trk.URL+"/announce")

	// With two corrupt peers the failing piece stays available until the
	// per-piece retry limit is reached.
	tor, _ := startTestTorrent(t, torrentBytes, testConfig(51070))
	select {
	case err := <-tor.NotifyError():
		var ierr *IntegrityError
		require.ErrorAs(t, err, &ierr)
		assert.Equal(t, uint32(0), ierr.PieceIndex)
	case <-tor.NotifyComplete():
		t.Fatal("download completed with corrupt data")
	case <-time.After(60 * time.Second):
		t.Fatal("download did not abort in time")
	}
	tor.Close()
}

func TestDownloadSurvivesPeerDisconnect(t *testing.T) {
	t.Cleanup(leaktest.CheckTimeout(t, 10*time.Second))

	payload := makePayload(5 * testPieceLength)
	numPieces := numTestPieces(payload)

	flaky := newTestSeeder(t, payload, numPieces, 1)
	flaky.disconnect = 3 // drops the connection after 3 served blocks
	stable := newTestSeeder(t, payload, numPieces, 2)

	trk := newTestTracker(t, func() []*net.TCPAddr {
		return []*net.TCPAddr{flaky.addr(), stable.addr()}
	})
	torrentBytes := makeTorrentBytes(t, payload, []int64{int64(len(payload))}, trk.URL+"/announce")

	tor, dest := startTestTorrent(t, torrentBytes, testConfig(51050))
	waitComplete(t, tor)
	tor.Close()

	got, err := os.ReadFile(filepath.Join(dest, "downpour-test"))
	require.NoError(t, err)
	assert.True(t, bytes.Equal(payload, got))
}

func TestDownloadViaUDPTrackerWhenHTTPHasNoPeers(t *testing.T) {
	t.Cleanup(leaktest.CheckTimeout(t, 10*time.Second))

	payload := makePayload(3 * testPieceLength)
	seeder := newTestSeeder(t, payload, numTestPieces(payload), 1)

	// HTTP tracker knows no peers.
	emptyTrk := newTestTracker(t, func() []*net.TCPAddr { return nil })
	// UDP tracker returns the seeder.
	udpAddr := startTestUDPTracker(t, func() []*net.TCPAddr { return []*net.TCPAddr{seeder.addr()} })

	payloadTorrent := makeTorrentBytesMultiTracker(t, payload, [][]string{
		{emptyTrk.URL + "/announce"},
		{"udp://" + udpAddr + "/announce"},
	})

	tor, dest := startTestTorrent(t, payloadTorrent, testConfig(51060))
	waitComplete(t, tor)
	tor.Close()

	got, err := os.ReadFile(filepath.Join(dest, "downpour-test"))
	require.NoError(t, err)
	assert.True(t, bytes.Equal(payload, got))
}
