package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osa030/voicebox/internal/app/playback"
	"github.com/osa030/voicebox/internal/app/queue"
	"github.com/osa030/voicebox/internal/domain/playerr"
	"github.com/osa030/voicebox/internal/domain/track"
)

const testToken = "s3cret"

type fakePlayer struct {
	snaps   map[string]playback.Snapshot
	err     error
	stopped []string
}

func (p *fakePlayer) Snapshots() []playback.Snapshot {
	out := make([]playback.Snapshot, 0, len(p.snaps))
	for _, s := range p.snaps {
		out = append(out, s)
	}
	return out
}

func (p *fakePlayer) Snapshot(id string) (playback.Snapshot, bool) {
	s, ok := p.snaps[id]
	return s, ok
}

func (p *fakePlayer) Skip(id string) (*track.Reference, error) {
	if p.err != nil {
		return nil, p.err
	}
	return p.snaps[id].Current, nil
}

func (p *fakePlayer) Pause(id string) error  { return p.err }
func (p *fakePlayer) Resume(id string) error { return p.err }

func (p *fakePlayer) Stop(ctx context.Context, id string) error {
	if p.err != nil {
		return p.err
	}
	p.stopped = append(p.stopped, id)
	return nil
}

type fakeSweeper struct{ removed int }

func (f fakeSweeper) Sweep(context.Context) int { return f.removed }

func newPlayer() *fakePlayer {
	cur := track.NewReference(track.Locator{URL: "https://youtu.be/a"}, "Song A",
		track.Requester{ID: "u1", Name: "alice", Type: track.RequesterTypeUser}, time.Now())
	cur.MarkResolved(track.Metadata{Title: "Song A", Duration: 200 * time.Second, StreamURL: "s", SourcePageURL: "https://www.youtube.com/watch?v=a"})
	next := track.NewReference(track.Locator{URL: "https://youtu.be/b"}, "Song B",
		track.Requester{ID: "autoplay", Name: "Radio", Type: track.RequesterTypeAutoplay}, time.Now())

	return &fakePlayer{snaps: map[string]playback.Snapshot{
		"g1": {
			Snapshot: queue.Snapshot{
				Current:      cur,
				Pending:      []*track.Reference{next},
				PendingCount: 1,
				HistoryCount: 2,
			},
			ChannelID:      "g1",
			VoiceChannelID: "v1",
			State:          playback.StatePlaying,
		},
	}}
}

func do(t *testing.T, h http.Handler, method, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestServer_Health(t *testing.T) {
	s := New(Config{Token: testToken}, newPlayer(), nil, promhttp.Handler())

	rec := do(t, s.Handler(), http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	rec = do(t, s.Handler(), http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestServer_Auth(t *testing.T) {
	s := New(Config{Token: testToken}, newPlayer(), nil, nil)

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{name: "missing", header: "", want: http.StatusUnauthorized},
		{name: "wrong token", header: "Bearer nope", want: http.StatusUnauthorized},
		{name: "wrong scheme", header: "Basic " + testToken, want: http.StatusUnauthorized},
		{name: "ok", header: "Bearer " + testToken, want: http.StatusOK},
		{name: "scheme case", header: "bearer " + testToken, want: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/channels", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			s.Handler().ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestServer_DisabledWithoutToken(t *testing.T) {
	s := New(Config{}, newPlayer(), nil, nil)
	rec := do(t, s.Handler(), http.MethodGet, "/api/v1/channels", "anything")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_Channels(t *testing.T) {
	s := New(Config{Token: testToken}, newPlayer(), nil, nil)

	rec := do(t, s.Handler(), http.MethodGet, "/api/v1/channels", testToken)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []ChannelView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)

	rec = do(t, s.Handler(), http.MethodGet, "/api/v1/channels/g1", testToken)
	require.Equal(t, http.StatusOK, rec.Code)
	var view ChannelView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))

	assert.Equal(t, "g1", view.ChannelID)
	assert.Equal(t, "v1", view.VoiceChannelID)
	assert.Equal(t, "playing", view.State)
	require.NotNil(t, view.Current)
	assert.Equal(t, "Song A", view.Current.Title)
	assert.Equal(t, "https://www.youtube.com/watch?v=a", view.Current.URL)
	assert.Equal(t, 200, view.Current.DurationSec)
	assert.Equal(t, "alice", view.Current.Requester)
	require.Len(t, view.Pending, 1)
	assert.Equal(t, "Song B", view.Pending[0].Title)
	assert.Equal(t, "https://youtu.be/b", view.Pending[0].URL)
	assert.Equal(t, string(track.RequesterTypeAutoplay), view.Pending[0].RequesterType)
	assert.Equal(t, 2, view.HistoryCount)

	rec = do(t, s.Handler(), http.MethodGet, "/api/v1/channels/nope", testToken)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_Actions(t *testing.T) {
	tests := []struct {
		name     string
		path     string
		err      error
		wantCode int
		wantBody string
	}{
		{name: "skip", path: "/api/v1/channels/g1/skip", wantCode: http.StatusOK, wantBody: "skipped Song A"},
		{name: "pause", path: "/api/v1/channels/g1/pause", wantCode: http.StatusOK, wantBody: "paused"},
		{name: "resume", path: "/api/v1/channels/g1/resume", wantCode: http.StatusOK, wantBody: "resumed"},
		{name: "stop", path: "/api/v1/channels/g1/stop", wantCode: http.StatusOK, wantBody: "stopped"},
		{name: "skip idle", path: "/api/v1/channels/g1/skip", err: playerr.ErrNothingPlaying, wantCode: http.StatusConflict, wantBody: "nothing_playing"},
		{name: "stop unconnected", path: "/api/v1/channels/g1/stop", err: playerr.ErrNotConnected, wantCode: http.StatusConflict, wantBody: "not_connected"},
		{name: "pause broken", path: "/api/v1/channels/g1/pause", err: errors.New("boom"), wantCode: http.StatusInternalServerError, wantBody: "internal"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newPlayer()
			p.err = tt.err
			s := New(Config{Token: testToken}, p, nil, nil)

			rec := do(t, s.Handler(), http.MethodPost, tt.path, testToken)
			assert.Equal(t, tt.wantCode, rec.Code)
			assert.Contains(t, rec.Body.String(), tt.wantBody)
		})
	}
}

func TestServer_MethodNotAllowed(t *testing.T) {
	s := New(Config{Token: testToken}, newPlayer(), nil, nil)
	rec := do(t, s.Handler(), http.MethodGet, "/api/v1/channels/g1/skip", testToken)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestServer_Sweep(t *testing.T) {
	s := New(Config{Token: testToken}, newPlayer(), fakeSweeper{removed: 7}, nil)
	rec := do(t, s.Handler(), http.MethodPost, "/api/v1/cache/sweep", testToken)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"removed":7}`, rec.Body.String())
}

func TestServer_RateLimit(t *testing.T) {
	s := New(Config{Token: testToken, RequestsPerMin: 2}, newPlayer(), nil, nil)

	var codes []int
	for i := 0; i < 3; i++ {
		codes = append(codes, do(t, s.Handler(), http.MethodGet, "/api/v1/channels", testToken).Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)

	// health is not limited
	for i := 0; i < 3; i++ {
		assert.Equal(t, http.StatusOK, do(t, s.Handler(), http.MethodGet, "/healthz", "").Code)
	}
}

func TestExtractToken(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	_, ok := extractToken(req)
	assert.False(t, ok)

	req.Header.Set("Authorization", "Bearer   ")
	_, ok = extractToken(req)
	assert.False(t, ok)

	req.Header.Set("Authorization", "Bearer abc")
	got, ok := extractToken(req)
	assert.True(t, ok)
	assert.Equal(t, "abc", strings.TrimSpace(got))
}
