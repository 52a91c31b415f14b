package filter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osa030/voicebox/internal/domain/track"
)

// fakeQueue is a QueueView over a fixed list of references.
type fakeQueue struct {
	refs []*track.Reference
}

func (q *fakeQueue) Contains(key string) bool {
	for _, r := range q.refs {
		if r.Key() == key {
			return true
		}
	}
	return false
}

func (q *fakeQueue) PendingBy(id string) int {
	n := 0
	for _, r := range q.refs {
		if r.Requester.ID == id {
			n++
		}
	}
	return n
}

func (q *fakeQueue) Titles() []string {
	out := make([]string, 0, len(q.refs))
	for _, r := range q.refs {
		out = append(out, r.Title())
	}
	return out
}

func userRef(url, title, user string) *track.Reference {
	return track.NewReference(track.Locator{URL: url}, title,
		track.Requester{ID: user, Name: user, Type: track.RequesterTypeUser}, time.Now())
}

func TestAppliesTo(t *testing.T) {
	filters := []Filter{
		NewDurationLimitFilter(),
		NewDuplicateTrackFilter(),
		&UserPendingFilter{},
		&BlockedUserFilter{},
	}

	for _, f := range filters {
		t.Run(f.Name(), func(t *testing.T) {
			assert.True(t, f.AppliesTo(track.RequesterTypeUser))
			assert.False(t, f.AppliesTo(track.RequesterTypeSystem))
			assert.False(t, f.AppliesTo(track.RequesterTypeAutoplay))
		})
	}
}

func TestRegistry(t *testing.T) {
	assert.Equal(t, []string{
		"blocked_user_filter",
		"duplicate_track_filter",
		"duration_limit_filter",
		"user_pending_filter",
	}, Names())

	for name, factory := range GetRegistered() {
		f := factory()
		assert.Equal(t, name, f.Name())
		assert.NotEmpty(t, f.Description())
		assert.NotEmpty(t, f.ReturnCodes())
	}
}

func TestBuildChain(t *testing.T) {
	t.Run("enabled filters in name order", func(t *testing.T) {
		c, err := BuildChain(map[string]map[string]any{
			"user_pending_filter":   {"max_pending": 2},
			"duration_limit_filter": {"max_minutes": 10},
		})
		require.NoError(t, err)
		require.Len(t, c.Filters(), 2)
		assert.Equal(t, "duration_limit_filter", c.Filters()[0].Name())
		assert.Equal(t, "user_pending_filter", c.Filters()[1].Name())
	})

	t.Run("unknown filter", func(t *testing.T) {
		_, err := BuildChain(map[string]map[string]any{"nope": nil})
		assert.ErrorContains(t, err, "unknown filter: nope")
	})

	t.Run("invalid settings", func(t *testing.T) {
		_, err := BuildChain(map[string]map[string]any{
			"duration_limit_filter": {"min_minutes": 10, "max_minutes": 5},
		})
		assert.Error(t, err)
	})
}

func TestChain_ExecuteSkipsOtherRequesters(t *testing.T) {
	c := NewChain()
	blocked := &BlockedUserFilter{}
	require.NoError(t, blocked.ValidateConfig(map[string]any{"user_ids": []string{"bad"}}))
	c.Add(blocked)

	ref := userRef("u1", "Song", "bad")
	assert.Equal(t, Reject("blocked_user"), c.Execute(context.Background(), ref, &fakeQueue{}))

	ref.Requester.Type = track.RequesterTypeAutoplay
	assert.True(t, c.Execute(context.Background(), ref, &fakeQueue{}).Accepted)
}

func TestChain_ApplySeesEarlierBatchEntries(t *testing.T) {
	c := NewChain()
	pending := &UserPendingFilter{}
	require.NoError(t, pending.ValidateConfig(map[string]any{"max_pending": 3}))
	c.Add(pending)
	c.Add(NewDuplicateTrackFilter())

	q := &fakeQueue{refs: []*track.Reference{userRef("q1", "Queued", "alice")}}
	batch := []*track.Reference{
		userRef("a", "A", "alice"),
		userRef("a", "A again", "alice"), // duplicate of the previous entry
		userRef("b", "B", "alice"),
		userRef("c", "C", "alice"), // alice now has 3 pending
		userRef("d", "D", "bob"),
	}

	accepted, rejected := c.Apply(context.Background(), batch, q)

	require.Len(t, accepted, 3)
	assert.Equal(t, "a", accepted[0].Locator.URL)
	assert.Equal(t, "b", accepted[1].Locator.URL)
	assert.Equal(t, "d", accepted[2].Locator.URL)

	require.Len(t, rejected, 2)
	assert.Equal(t, "duplicate_track", rejected[0].Code)
	assert.Equal(t, "user_pending", rejected[1].Code)
}

func TestChain_ApplyEmptyChain(t *testing.T) {
	refs := []*track.Reference{userRef("a", "A", "u")}
	accepted, rejected := NewChain().Apply(context.Background(), refs, &fakeQueue{})
	assert.Equal(t, refs, accepted)
	assert.Empty(t, rejected)
}

func TestDurationLimitFilter_Check(t *testing.T) {
	tests := []struct {
		name         string
		minMinutes   float64
		maxMinutes   float64
		duration     time.Duration
		shouldReject bool
	}{
		{"within limits", 2, 5, 3 * time.Minute, false},
		{"too short", 3, 0, 2 * time.Minute, true},
		{"too long", 1, 5, 6 * time.Minute, true},
		{"exact max", 1, 5, 5 * time.Minute, false},
		{"no upper limit", 0, 0, 3 * time.Hour, false},
		{"unknown duration passes", 3, 5, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := NewDurationLimitFilter()
			f.config = &DurationLimitConfig{MinMinutes: tt.minMinutes, MaxMinutes: tt.maxMinutes}

			ref := userRef("u", "T", "x")
			ref.Duration = tt.duration
			result := f.Check(context.Background(), ref, &fakeQueue{})

			if tt.shouldReject {
				assert.False(t, result.Accepted)
				assert.Equal(t, "duration_limit_exceeded", result.Code)
			} else {
				assert.True(t, result.Accepted)
			}
		})
	}
}

func TestDurationLimitFilter_ValidateConfig(t *testing.T) {
	tests := []struct {
		name     string
		settings map[string]any
		wantErr  bool
	}{
		{"valid", map[string]any{"min_minutes": 2.5, "max_minutes": 5.0}, false},
		{"integers", map[string]any{"min_minutes": 2, "max_minutes": 5}, false},
		{"min greater than max", map[string]any{"min_minutes": 10.0, "max_minutes": 5.0}, true},
		{"negative min", map[string]any{"min_minutes": -1.0}, true},
		{"negative max", map[string]any{"max_minutes": -1.0}, true},
		{"empty", map[string]any{}, false},
		{"nil", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewDurationLimitFilter().ValidateConfig(tt.settings)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestDuplicateTrackFilter_Key(t *testing.T) {
	f := NewDuplicateTrackFilter()
	q := &fakeQueue{refs: []*track.Reference{userRef("https://youtu.be/x", "Song", "a")}}

	assert.False(t, f.Check(context.Background(), userRef("https://youtu.be/x", "Other", "b"), q).Accepted)
	assert.True(t, f.Check(context.Background(), userRef("https://youtu.be/y", "Song", "b"), q).Accepted,
		"titles are ignored unless match_titles is set")
}

func TestDuplicateTrackFilter_MatchTitles(t *testing.T) {
	tests := []struct {
		name         string
		queued       string
		requested    string
		shouldReject bool
	}{
		{"year remaster", "Let It Be", "Let It Be - 2011 Remaster", true},
		{"remastered in parentheses", "Yesterday", "Yesterday (Remastered 2023)", true},
		{"two remasters", "Let It Be - 2011 Remaster", "Let It Be (Remastered 2023)", true},
		{"radio edit", "Stairway to Heaven", "Stairway to Heaven (Radio Edit)", true},
		{"official video", "Queen - Bohemian Rhapsody", "Queen - Bohemian Rhapsody (Official Video)", true},
		{"different songs", "Love", "Love Song", false},
		{"remix allowed", "Le Freak", "Le Freak (Oliver Heldens Remix)", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := NewDuplicateTrackFilter()
			require.NoError(t, f.ValidateConfig(map[string]any{"match_titles": true}))

			q := &fakeQueue{refs: []*track.Reference{userRef("queued", tt.queued, "a")}}
			result := f.Check(context.Background(), userRef("requested", tt.requested, "b"), q)
			assert.Equal(t, !tt.shouldReject, result.Accepted)
		})
	}
}

func TestNormalizeTrackName(t *testing.T) {
	assert.Equal(t, "yesterday", normalizeTrackName("Yesterday (Remastered 2023)"))
	assert.Equal(t, "song", normalizeTrackName("  Song   [Official Music Video] "))
	assert.Equal(t, "a b", normalizeTrackName("A    B -"))
}

func TestUserPendingFilter(t *testing.T) {
	f := &UserPendingFilter{}
	require.NoError(t, f.ValidateConfig(map[string]any{}))
	assert.Equal(t, 10, f.config.MaxPending)

	require.NoError(t, f.ValidateConfig(map[string]any{"max_pending": 1}))
	q := &fakeQueue{refs: []*track.Reference{userRef("a", "A", "alice")}}
	assert.Equal(t, Reject("user_pending"), f.Check(context.Background(), userRef("b", "B", "alice"), q))
	assert.True(t, f.Check(context.Background(), userRef("b", "B", "bob"), q).Accepted)

	assert.Error(t, f.ValidateConfig(map[string]any{"max_pending": -2}))
}
