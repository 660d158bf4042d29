package httptracker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zeebo/bencode"

	"github.com/cenkalti/downpour/internal/tracker"
)

func newTestTracker(t *testing.T, handler http.HandlerFunc) *HTTPTracker {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	u, err := url.Parse(srv.URL + "/announce")
	require.NoError(t, err)
	return New(u.String(), u, 5*time.Second)
}

func testRequest() tracker.AnnounceRequest {
	var req tracker.AnnounceRequest
	copy(req.Torrent.InfoHash[:], "aaaaaaaaaaaaaaaaaaaa")
	copy(req.Torrent.PeerID[:], "-DP0001-123456789012")
	req.Torrent.Port = 6881
	req.Torrent.BytesLeft = 1000
	req.Event = tracker.EventStarted
	req.NumWant = 50
	return req
}

func TestAnnounceCompact(t *testing.T) {
	trk := newTestTracker(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "aaaaaaaaaaaaaaaaaaaa", q.Get("info_hash"))
		assert.Equal(t, "1", q.Get("compact"))
		assert.Equal(t, "started", q.Get("event"))
		assert.Equal(t, "1000", q.Get("left"))
		resp := map[string]interface{}{
			"interval": 120,
			"complete": 1,
			"peers":    string([]byte{1, 2, 3, 4, 0x1a, 0xe1}),
		}
		b, _ := bencode.EncodeBytes(resp)
		_, _ = w.Write(b)
	})

	resp, err := trk.Announce(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, 2*time.Minute, resp.Interval)
	assert.Equal(t, int32(1), resp.Seeders)
	require.Len(t, resp.Peers, 1)
	assert.Equal(t, "1.2.3.4:6881", resp.Peers[0].String())
}

func TestAnnounceDictionaryModel(t *testing.T) {
	trk := newTestTracker(t, func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]interface{}{
			"interval": 60,
			"peers": []map[string]interface{}{
				{"ip": "5.6.7.8", "port": 6999},
			},
		}
		b, _ := bencode.EncodeBytes(resp)
		_, _ = w.Write(b)
	})

	resp, err := trk.Announce(context.Background(), testRequest())
	require.NoError(t, err)
	require.Len(t, resp.Peers, 1)
	assert.Equal(t, "5.6.7.8:6999", resp.Peers[0].String())
}

func TestAnnounceFailureReason(t *testing.T) {
	trk := newTestTracker(t, func(w http.ResponseWriter, r *http.Request) {
		b, _ := bencode.EncodeBytes(map[string]interface{}{"failure reason": "torrent not registered"})
		_, _ = w.Write(b)
	})

	_, err := trk.Announce(context.Background(), testRequest())
	require.Error(t, err)
	var terr tracker.Error
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, "torrent not registered", terr.Error())
}

func TestAnnounceBadStatus(t *testing.T) {
	trk := newTestTracker(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	})
	_, err := trk.Announce(context.Background(), testRequest())
	require.Error(t, err)
	var serr *StatusError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, http.StatusInternalServerError, serr.Code)
}

func TestAnnounceMalformedResponse(t *testing.T) {
	trk := newTestTracker(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("this is not bencode"))
	})
	_, err := trk.Announce(context.Background(), testRequest())
	assert.ErrorIs(t, err, tracker.ErrDecode)
}
