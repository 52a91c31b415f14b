package autoplay

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osa030/voicebox/internal/domain/track"
	"github.com/osa030/voicebox/internal/infra/lastfm"
)

type fakeResolver struct {
	mu       sync.Mutex
	searches []string
	playlist []*track.Reference
	err      error
}

func keyFor(query string) string {
	return "https://youtu.be/" + strings.ReplaceAll(query, " ", "_")
}

func (r *fakeResolver) SearchReferences(ctx context.Context, query string, requester track.Requester, limit int) ([]*track.Reference, error) {
	r.mu.Lock()
	r.searches = append(r.searches, query)
	r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	return []*track.Reference{
		track.NewReference(track.Locator{URL: keyFor(query)}, query, requester, time.Now()),
	}, nil
}

func (r *fakeResolver) Expand(ctx context.Context, input string, requester track.Requester, limit int) ([]*track.Reference, error) {
	if r.err != nil {
		return nil, r.err
	}
	out := make([]*track.Reference, 0, len(r.playlist))
	for _, ref := range r.playlist {
		c := ref.Clone()
		c.Requester = requester
		out = append(out, c)
	}
	return out, nil
}

type fakeListings struct {
	similar    []lastfm.Track
	tagTops    map[string][]lastfm.Track
	chart      []lastfm.Track
	similarArg [2]string
	calls      []string
}

func (f *fakeListings) GetSimilarTracks(ctx context.Context, trackName, artistName string, limit int) ([]lastfm.Track, error) {
	f.calls = append(f.calls, "similar")
	f.similarArg = [2]string{artistName, trackName}
	return f.similar, nil
}

func (f *fakeListings) GetTopTracks(ctx context.Context, tagName string, limit int) ([]lastfm.Track, error) {
	f.calls = append(f.calls, "tag:"+tagName)
	return f.tagTops[tagName], nil
}

func (f *fakeListings) GetChartTopTracks(ctx context.Context, limit int) ([]lastfm.Track, error) {
	f.calls = append(f.calls, "chart")
	return f.chart, nil
}

func seedRef(title, uploader string) *track.Reference {
	ref := track.NewReference(track.Locator{URL: "https://youtu.be/seed"}, title, track.Requester{ID: "u1"}, time.Now())
	ref.MarkResolved(track.Metadata{Title: title, Uploader: uploader, StreamURL: "s"})
	return ref
}

func noShuffle([]lastfm.Track) {}

func TestSeedQuery(t *testing.T) {
	tests := []struct {
		name       string
		seed       *track.Reference
		wantArtist string
		wantName   string
	}{
		{name: "nil seed", seed: nil},
		{name: "artist dash title", seed: seedRef("Daft Punk - One More Time (Official Video)", "DaftPunkVEVO"), wantArtist: "Daft Punk", wantName: "One More Time"},
		{name: "topic channel", seed: seedRef("Harder, Better, Faster, Stronger", "Daft Punk - Topic"), wantArtist: "Daft Punk", wantName: "Harder, Better, Faster, Stronger"},
		{name: "lyric tag stripped", seed: seedRef("Digital Love [Lyrics]", "Daft Punk"), wantArtist: "Daft Punk", wantName: "Digital Love"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			artist, name := seedQuery(tt.seed)
			assert.Equal(t, tt.wantArtist, artist)
			assert.Equal(t, tt.wantName, name)
		})
	}
}

func TestLastFMProvider_Similar(t *testing.T) {
	listings := &fakeListings{similar: []lastfm.Track{
		{Name: "Around the World", Artist: "Daft Punk"},
		{Name: "Music Sounds Better", Artist: "Stardust"},
		{Name: "Lady", Artist: "Modjo"},
	}}
	res := &fakeResolver{}
	p, err := NewLastFMProvider(listings, res, "Radio", nil)
	require.NoError(t, err)
	p.shuffle = noShuffle

	exclude := map[string]bool{track.Locator{URL: keyFor("Daft Punk - Around the World")}.Key(): true}
	refs, err := p.Candidates(context.Background(), 2, seedRef("Daft Punk - One More Time", ""), exclude)
	require.NoError(t, err)

	assert.Equal(t, [2]string{"Daft Punk", "One More Time"}, listings.similarArg)
	require.Len(t, refs, 2)
	assert.Equal(t, "Stardust - Music Sounds Better", refs[0].Title())
	assert.Equal(t, "Modjo - Lady", refs[1].Title())
	for _, ref := range refs {
		assert.Equal(t, track.RequesterTypeAutoplay, ref.Requester.Type)
		assert.Equal(t, "Radio", ref.Requester.Name)
	}
	assert.Equal(t, []string{"similar"}, listings.calls)
}

func TestLastFMProvider_Fallbacks(t *testing.T) {
	listings := &fakeListings{
		tagTops: map[string][]lastfm.Track{"jazz": nil},
		chart:   []lastfm.Track{{Name: "Hit", Artist: "Someone"}},
	}
	res := &fakeResolver{}
	p, err := NewLastFMProvider(listings, res, "Radio", map[string]any{"tags": []string{"jazz"}})
	require.NoError(t, err)
	p.shuffle = noShuffle

	refs, err := p.Candidates(context.Background(), 3, nil, nil)
	require.NoError(t, err)

	require.Len(t, refs, 1)
	assert.Equal(t, "Someone - Hit", refs[0].Title())
	assert.Equal(t, []string{"tag:jazz", "chart"}, listings.calls)
}

func TestLastFMProvider_MaxSearches(t *testing.T) {
	var chart []lastfm.Track
	for i := 0; i < 20; i++ {
		chart = append(chart, lastfm.Track{Name: "Same", Artist: "Artist"})
	}
	listings := &fakeListings{chart: chart}
	res := &fakeResolver{}
	p, err := NewLastFMProvider(listings, res, "Radio", map[string]any{"max_searches": 4})
	require.NoError(t, err)
	p.shuffle = noShuffle

	refs, err := p.Candidates(context.Background(), 5, nil, nil)
	require.NoError(t, err)
	assert.Len(t, refs, 1)
	assert.Len(t, res.searches, 4)
}

func TestPlaylistProvider(t *testing.T) {
	var listing []*track.Reference
	for _, id := range []string{"a", "b", "c", "d"} {
		listing = append(listing, track.NewReference(track.Locator{URL: "https://youtu.be/" + id}, id, track.Requester{}, time.Now()))
	}
	res := &fakeResolver{playlist: listing}

	p, err := NewPlaylistProvider(res, "House", map[string]any{"playlist_url": "https://www.youtube.com/playlist?list=PL1"})
	require.NoError(t, err)

	exclude := map[string]bool{"url:https://youtu.be/a": true, "url:https://youtu.be/b": true}
	refs, err := p.Candidates(context.Background(), 5, nil, exclude)
	require.NoError(t, err)
	require.Len(t, refs, 2)
	for _, ref := range refs {
		assert.NotContains(t, exclude, ref.Key())
		assert.Equal(t, "House", ref.Requester.Name)
	}

	refs, err = p.Candidates(context.Background(), 1, nil, nil)
	require.NoError(t, err)
	assert.Len(t, refs, 1)
}

func TestPlaylistProvider_InvalidSettings(t *testing.T) {
	_, err := NewPlaylistProvider(&fakeResolver{}, "House", nil)
	assert.Error(t, err)

	_, err = NewPlaylistProvider(&fakeResolver{}, "House", map[string]any{"playlist_url": "not a url"})
	assert.Error(t, err)
}

type stubProvider struct {
	name string
	refs []*track.Reference
	err  error
}

func (s *stubProvider) Name() string { return s.name }

func (s *stubProvider) Candidates(ctx context.Context, count int, seed *track.Reference, exclude map[string]bool) ([]*track.Reference, error) {
	return s.refs, s.err
}

func ref(id string) *track.Reference {
	return track.NewReference(track.Locator{URL: "https://youtu.be/" + id}, id, track.Requester{}, time.Now())
}

func TestChain_Candidates(t *testing.T) {
	tests := []struct {
		name      string
		providers []Provider
		count     int
		exclude   map[string]bool
		want      []string
		wantErr   bool
	}{
		{
			name: "failing provider is skipped",
			providers: []Provider{
				&stubProvider{name: "a", err: errors.New("boom")},
				&stubProvider{name: "b", refs: []*track.Reference{ref("x"), ref("y")}},
			},
			count: 2,
			want:  []string{"x", "y"},
		},
		{
			name: "stops once enough",
			providers: []Provider{
				&stubProvider{name: "a", refs: []*track.Reference{ref("x")}},
				&stubProvider{name: "b", refs: []*track.Reference{ref("y")}},
				&stubProvider{name: "c", refs: []*track.Reference{ref("z")}},
			},
			count: 2,
			want:  []string{"x", "y"},
		},
		{
			name: "duplicates and excluded dropped",
			providers: []Provider{
				&stubProvider{name: "a", refs: []*track.Reference{ref("x"), ref("x"), ref("old")}},
				&stubProvider{name: "b", refs: []*track.Reference{ref("x"), ref("y")}},
			},
			count:   3,
			exclude: map[string]bool{"url:https://youtu.be/old": true},
			want:    []string{"x", "y"},
		},
		{
			name: "all failed",
			providers: []Provider{
				&stubProvider{name: "a", err: errors.New("boom")},
			},
			count:   1,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewChain(tt.providers...)
			refs, err := c.Candidates(context.Background(), tt.count, nil, tt.exclude)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			var got []string
			for _, r := range refs {
				got = append(got, r.Title())
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNewChainFromSpecs(t *testing.T) {
	res := &fakeResolver{}

	c, err := NewChainFromSpecs([]ProviderSpec{
		{Type: "lastfm", DisplayName: "Radio"},
		{Type: "playlist", DisplayName: "House", Settings: map[string]any{"playlist_url": "https://youtube.com/playlist?list=PL1"}},
	}, res, &fakeListings{})
	require.NoError(t, err)
	assert.Equal(t, 2, c.Len())

	_, err = NewChainFromSpecs([]ProviderSpec{{Type: "lastfm", DisplayName: "Radio"}}, res, nil)
	assert.Error(t, err)

	_, err = NewChainFromSpecs([]ProviderSpec{{Type: "radio", DisplayName: "Radio"}}, res, nil)
	assert.Error(t, err)

	var empty *Chain
	assert.Zero(t, empty.Len())
}
