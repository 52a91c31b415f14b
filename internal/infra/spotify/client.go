// Package spotify expands Spotify links into search queries.
package spotify

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/zmb3/spotify/v2"
	spotifyauth "github.com/zmb3/spotify/v2/auth"
	"golang.org/x/oauth2/clientcredentials"
)

// Link kinds.
const (
	KindTrack    = "track"
	KindAlbum    = "album"
	KindPlaylist = "playlist"
)

// Client resolves Spotify links with the client credentials flow.
type Client struct {
	client     *spotify.Client
	market     string
	maxRetries int
	retryDelay time.Duration
}

// Config represents Spotify client configuration.
type Config struct {
	ClientID     string
	ClientSecret string
	Market       string
}

// New creates a new Spotify client. The token is refreshed automatically.
func New(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, errors.New("spotify credentials are required")
	}

	creds := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     spotifyauth.TokenURL,
	}
	if _, err := creds.Token(ctx); err != nil {
		return nil, errors.Wrap(err, "failed to obtain spotify token")
	}

	market := cfg.Market
	if market == "" {
		market = "JP"
	}

	return &Client{
		client:     spotify.New(creds.Client(ctx)),
		market:     market,
		maxRetries: 3,
		retryDelay: time.Second,
	}, nil
}

// Supports reports whether rawURL is a Spotify track, album or playlist link.
func (c *Client) Supports(rawURL string) bool {
	_, _, ok := parseLink(rawURL)
	return ok
}

// Queries returns "artist - title" search queries for every track behind
// the link, up to limit.
func (c *Client) Queries(ctx context.Context, rawURL string, limit int) ([]string, error) {
	kind, id, ok := parseLink(rawURL)
	if !ok {
		return nil, errors.Newf("not a spotify link: %s", rawURL)
	}
	if limit <= 0 {
		limit = 100
	}

	switch kind {
	case KindTrack:
		var t *spotify.FullTrack
		err := c.retry(ctx, func() error {
			var err error
			t, err = c.client.GetTrack(ctx, spotify.ID(id))
			return err
		})
		if err != nil {
			return nil, errors.Wrap(err, "failed to get track")
		}
		return []string{query(t.Name, t.Artists)}, nil

	case KindAlbum:
		return c.albumQueries(ctx, id, limit)

	default:
		return c.playlistQueries(ctx, id, limit)
	}
}

func (c *Client) playlistQueries(ctx context.Context, id string, limit int) ([]string, error) {
	queries := make([]string, 0, limit)
	offset := 0
	pageSize := 100

	for len(queries) < limit {
		var page *spotify.PlaylistItemPage
		err := c.retry(ctx, func() error {
			var err error
			page, err = c.client.GetPlaylistItems(ctx, spotify.ID(id),
				spotify.Limit(pageSize),
				spotify.Offset(offset),
				spotify.Market(c.market),
			)
			return err
		})
		if err != nil {
			return nil, errors.Wrap(err, "failed to get playlist items")
		}

		for _, item := range page.Items {
			// episodes have no Track
			if item.Track.Track == nil || item.Track.Track.ID == "" {
				continue
			}
			queries = append(queries, query(item.Track.Track.Name, item.Track.Track.Artists))
			if len(queries) >= limit {
				break
			}
		}

		if len(page.Items) < pageSize {
			break
		}
		offset += pageSize
	}
	return queries, nil
}

func (c *Client) albumQueries(ctx context.Context, id string, limit int) ([]string, error) {
	var page *spotify.SimpleTrackPage
	err := c.retry(ctx, func() error {
		var err error
		page, err = c.client.GetAlbumTracks(ctx, spotify.ID(id), spotify.Limit(50), spotify.Market(c.market))
		return err
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to get album tracks")
	}

	queries := make([]string, 0, len(page.Tracks))
	for _, t := range page.Tracks {
		queries = append(queries, query(t.Name, t.Artists))
		if len(queries) >= limit {
			break
		}
	}
	return queries, nil
}

func query(name string, artists []spotify.SimpleArtist) string {
	if len(artists) == 0 {
		return name
	}
	return artists[0].Name + " - " + name
}

// retry retries an operation with linear backoff.
func (c *Client) retry(ctx context.Context, fn func() error) error {
	var lastErr error
	for i := 0; i < c.maxRetries; i++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if !isRetryable(err) {
			return err
		}

		if i < c.maxRetries-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.retryDelay * time.Duration(i+1)):
			}
		}
	}
	return errors.Wrap(lastErr, "max retries exceeded")
}

// isRetryable checks if an error is retryable.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	// Rate limit errors and server errors are retryable
	errStr := err.Error()
	return strings.Contains(errStr, "rate limit") ||
		strings.Contains(errStr, "429") ||
		strings.Contains(errStr, "500") ||
		strings.Contains(errStr, "502") ||
		strings.Contains(errStr, "503") ||
		strings.Contains(errStr, "504")
}

// parseLink extracts the kind and ID from a Spotify URL or URI.
func parseLink(input string) (kind, id string, ok bool) {
	input = strings.TrimSpace(input)

	// spotify:track:ID
	if strings.HasPrefix(input, "spotify:") {
		parts := strings.Split(input, ":")
		if len(parts) == 3 && isKind(parts[1]) && parts[2] != "" {
			return parts[1], parts[2], true
		}
		return "", "", false
	}

	// https://open.spotify.com/track/ID or https://open.spotify.com/intl-XX/track/ID
	if !strings.Contains(input, "open.spotify.com") {
		return "", "", false
	}
	for _, k := range []string{KindTrack, KindAlbum, KindPlaylist} {
		marker := "/" + k + "/"
		if !strings.Contains(input, marker) {
			continue
		}
		parts := strings.Split(input, marker)
		id := strings.Split(parts[len(parts)-1], "?")[0]
		id = strings.TrimRight(id, "/")
		if id == "" {
			return "", "", false
		}
		return k, id, true
	}
	return "", "", false
}

func isKind(s string) bool {
	return s == KindTrack || s == KindAlbum || s == KindPlaylist
}
