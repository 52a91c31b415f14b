// Package lastfm provides a client for the Last.fm API.
package lastfm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/voicebox/internal/infra/cache"
)

const defaultBaseURL = "https://ws.audioscrobbler.com/2.0/"

// Client is a Last.fm API client. Responses are cached when a cache is set.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	cache      *cache.Cache
}

// Config represents Last.fm client configuration.
type Config struct {
	APIKey string
}

// Track is a track returned by Last.fm.
type Track struct {
	Name   string `json:"name"`
	Artist string `json:"artist"`
}

// Query returns an "artist - name" search query.
func (t Track) Query() string {
	if t.Artist == "" {
		return t.Name
	}
	return t.Artist + " - " + t.Name
}

type trackList struct {
	Track []struct {
		Name   string `json:"name"`
		Artist struct {
			Name string `json:"name"`
		} `json:"artist"`
	} `json:"track"`
}

func (l trackList) tracks() []Track {
	out := make([]Track, 0, len(l.Track))
	for _, t := range l.Track {
		out = append(out, Track{Name: t.Name, Artist: t.Artist.Name})
	}
	return out
}

type similarResponse struct {
	SimilarTracks trackList `json:"similartracks"`
}

type topTracksResponse struct {
	Tracks trackList `json:"tracks"`
}

type apiError struct {
	Error   int    `json:"error"`
	Message string `json:"message"`
}

// New creates a new Last.fm client. c may be nil.
func New(cfg Config, c *cache.Cache) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("last.fm API key is required")
	}

	return &Client{
		apiKey:     cfg.APIKey,
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		cache:      c,
	}, nil
}

// GetSimilarTracks retrieves similar tracks based on track name and artist.
// Reference: https://www.last.fm/api/show/track.getSimilar
func (c *Client) GetSimilarTracks(ctx context.Context, trackName, artistName string, limit int) ([]Track, error) {
	if trackName == "" || artistName == "" {
		return nil, errors.New("track name and artist name are required")
	}
	limit = clampLimit(limit)

	params := url.Values{}
	params.Set("method", "track.getSimilar")
	params.Set("artist", artistName)
	params.Set("track", trackName)
	params.Set("limit", strconv.Itoa(limit))
	params.Set("autocorrect", "1")

	key := fmt.Sprintf("lastfm:similar:%d:%s:%s", limit, strings.ToLower(artistName), strings.ToLower(trackName))
	return c.cached(ctx, key, func() ([]Track, error) {
		var resp similarResponse
		if err := c.call(ctx, params, &resp); err != nil {
			return nil, err
		}
		return resp.SimilarTracks.tracks(), nil
	})
}

// GetTopTracks retrieves top tracks for a tag.
// Reference: https://www.last.fm/api/show/tag.getTopTracks
func (c *Client) GetTopTracks(ctx context.Context, tagName string, limit int) ([]Track, error) {
	if tagName == "" {
		return nil, errors.New("tag name is required")
	}
	limit = clampLimit(limit)

	params := url.Values{}
	params.Set("method", "tag.getTopTracks")
	params.Set("tag", tagName)
	params.Set("limit", strconv.Itoa(limit))

	key := fmt.Sprintf("lastfm:tag:%d:%s", limit, strings.ToLower(tagName))
	return c.cached(ctx, key, func() ([]Track, error) {
		var resp topTracksResponse
		if err := c.call(ctx, params, &resp); err != nil {
			return nil, err
		}
		return resp.Tracks.tracks(), nil
	})
}

// GetChartTopTracks retrieves global top tracks from Last.fm charts.
// Reference: https://www.last.fm/api/show/chart.getTopTracks
func (c *Client) GetChartTopTracks(ctx context.Context, limit int) ([]Track, error) {
	limit = clampLimit(limit)

	params := url.Values{}
	params.Set("method", "chart.getTopTracks")
	params.Set("limit", strconv.Itoa(limit))

	key := fmt.Sprintf("lastfm:chart:%d", limit)
	return c.cached(ctx, key, func() ([]Track, error) {
		var resp topTracksResponse
		if err := c.call(ctx, params, &resp); err != nil {
			return nil, err
		}
		return resp.Tracks.tracks(), nil
	})
}

func (c *Client) cached(ctx context.Context, key string, fetch func() ([]Track, error)) ([]Track, error) {
	if c.cache != nil {
		if tracks, ok := cache.GetJSON[[]Track](ctx, c.cache, key); ok {
			zlog.Debug().Msgf("lastfm: cache hit: key=%s", key)
			return tracks, nil
		}
	}

	tracks, err := fetch()
	if err != nil {
		return nil, err
	}

	if c.cache != nil {
		cache.SetJSON(ctx, c.cache, key, tracks, cache.TTLListing)
	}
	return tracks, nil
}

func (c *Client) call(ctx context.Context, params url.Values, out any) error {
	params.Set("api_key", c.apiKey)
	params.Set("format", "json")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return errors.Wrap(err, "failed to create request")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "failed to send request")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(err, "failed to read response body")
	}

	// Last.fm reports errors in the body, sometimes with status 200
	var apiErr apiError
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Error != 0 {
		return errors.Errorf("last.fm API error %d: %s", apiErr.Error, apiErr.Message)
	}
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("last.fm API status %d", resp.StatusCode)
	}

	if err := json.Unmarshal(body, out); err != nil {
		return errors.Wrap(err, "failed to parse response")
	}
	return nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return 20
	}
	if limit > 100 {
		return 100
	}
	return limit
}
