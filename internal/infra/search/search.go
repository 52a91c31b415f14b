// Package search finds tracks for free text on YouTube Music and YouTube.
package search

import (
	"context"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/ppalone/ytsearch"
	"github.com/raitonoberu/ytmusic"

	"github.com/osa030/voicebox/internal/domain/track"
)

const (
	musicWatchURL = "https://music.youtube.com/watch?v="
	videoWatchURL = "https://www.youtube.com/watch?v="
)

// Music searches YouTube Music tracks.
type Music struct{}

// NewMusic creates a YouTube Music searcher.
func NewMusic() *Music { return &Music{} }

func (m *Music) Name() string { return "ytmusic" }

// Search returns up to limit tracks. The library call has no context, so
// ctx is only checked before and after it.
func (m *Music) Search(ctx context.Context, query string, limit int) ([]track.Candidate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r, err := ytmusic.TrackSearch(query).Next()
	if err != nil {
		return nil, errors.Wrap(err, "ytmusic search")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := make([]track.Candidate, 0, limit)
	for _, v := range r.Tracks {
		if v.VideoID == "" {
			continue
		}
		uploader := ""
		if len(v.Artists) > 0 {
			uploader = v.Artists[0].Name
		}
		out = append(out, track.Candidate{
			URL:      musicWatchURL + v.VideoID,
			Title:    joinTitle(v.Title, uploader),
			Uploader: uploader,
		})
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Video searches regular YouTube videos.
type Video struct {
	client *ytsearch.Client
}

// NewVideo creates a YouTube searcher.
func NewVideo() *Video {
	return &Video{client: ytsearch.NewClient(nil)}
}

func (v *Video) Name() string { return "ytsearch" }

// Search returns up to limit videos.
func (v *Video) Search(ctx context.Context, query string, limit int) ([]track.Candidate, error) {
	r, err := v.client.Search(ctx, query)
	if err != nil {
		return nil, errors.Wrap(err, "youtube search")
	}

	out := make([]track.Candidate, 0, limit)
	for _, res := range r.Results {
		if res.VideoID == "" {
			continue
		}
		out = append(out, track.Candidate{
			URL:   videoWatchURL + res.VideoID,
			Title: res.Title,
		})
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func joinTitle(title, artist string) string {
	if artist == "" || strings.Contains(strings.ToLower(title), strings.ToLower(artist)) {
		return title
	}
	return artist + " - " + title
}
