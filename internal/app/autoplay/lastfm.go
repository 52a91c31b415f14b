package autoplay

import (
	"context"
	"math/rand/v2"
	"regexp"
	"strings"

	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/voicebox/internal/domain/track"
	"github.com/osa030/voicebox/internal/infra/lastfm"
)

// LastFMConfig holds the lastfm provider settings.
type LastFMConfig struct {
	Tags         []string `mapstructure:"tags"`
	ListingLimit int      `mapstructure:"listing_limit" default:"30" validate:"gte=1,lte=100"`
	MaxSearches  int      `mapstructure:"max_searches" default:"10" validate:"gte=1,lte=50"`
}

// LastFMProvider picks tracks similar to the last one played. Without a
// usable seed it falls back to the configured tags and then to the global
// chart. Picks are turned into references by searching for them.
type LastFMProvider struct {
	listings  ListingSource
	resolver  Resolver
	requester track.Requester
	config    LastFMConfig
	shuffle   func([]lastfm.Track)
}

// NewLastFMProvider creates a lastfm provider.
func NewLastFMProvider(listings ListingSource, res Resolver, displayName string, settings map[string]any) (*LastFMProvider, error) {
	var config LastFMConfig
	if err := decodeSettings(settings, &config); err != nil {
		return nil, err
	}
	return &LastFMProvider{
		listings:  listings,
		resolver:  res,
		requester: requester(displayName),
		config:    config,
		shuffle: func(ts []lastfm.Track) {
			rand.Shuffle(len(ts), func(i, j int) { ts[i], ts[j] = ts[j], ts[i] })
		},
	}, nil
}

// Name returns the provider name.
func (p *LastFMProvider) Name() string {
	return "lastfm"
}

// Candidates returns up to count searched references.
func (p *LastFMProvider) Candidates(ctx context.Context, count int, seed *track.Reference, exclude map[string]bool) ([]*track.Reference, error) {
	if count <= 0 {
		return nil, nil
	}

	pool, err := p.listing(ctx, seed)
	if err != nil {
		return nil, err
	}
	p.shuffle(pool)

	taken := make(map[string]bool)
	var out []*track.Reference
	searches := 0
	for _, t := range pool {
		if len(out) >= count || searches >= p.config.MaxSearches {
			break
		}
		searches++

		refs, err := p.resolver.SearchReferences(ctx, t.Query(), p.requester, 1)
		if err != nil || len(refs) == 0 {
			zlog.Debug().Msgf("autoplay: lastfm pick not found: query=%s err=%v", t.Query(), err)
			continue
		}
		ref := refs[0]
		if exclude[ref.Key()] || taken[ref.Key()] {
			continue
		}
		taken[ref.Key()] = true
		out = append(out, ref)
	}
	return out, nil
}

// listing returns the candidate pool: similar tracks, then tag tops, then
// the chart.
func (p *LastFMProvider) listing(ctx context.Context, seed *track.Reference) ([]lastfm.Track, error) {
	limit := p.config.ListingLimit

	if artist, name := seedQuery(seed); artist != "" && name != "" {
		tracks, err := p.listings.GetSimilarTracks(ctx, name, artist, limit)
		if err != nil {
			zlog.Warn().Msgf("autoplay: similar tracks failed: artist=%s track=%s err=%v", artist, name, err)
		} else if len(tracks) > 0 {
			return tracks, nil
		}
	}

	tags := append([]string(nil), p.config.Tags...)
	rand.Shuffle(len(tags), func(i, j int) { tags[i], tags[j] = tags[j], tags[i] })
	for _, tag := range tags {
		tracks, err := p.listings.GetTopTracks(ctx, tag, limit)
		if err != nil {
			zlog.Warn().Msgf("autoplay: tag top tracks failed: tag=%s err=%v", tag, err)
			continue
		}
		if len(tracks) > 0 {
			return tracks, nil
		}
	}

	return p.listings.GetChartTopTracks(ctx, limit)
}

var decorationPattern = regexp.MustCompile(`(?i)\s*[\(\[][^\)\]]*(official|video|audio|lyric|lyrics|mv|hd|4k|remaster)[^\)\]]*[\)\]]`)

// seedQuery guesses artist and track name from a played reference.
// "Artist - Title" style titles win over the uploader name.
func seedQuery(seed *track.Reference) (artist, name string) {
	if seed == nil {
		return "", ""
	}
	title := strings.TrimSpace(decorationPattern.ReplaceAllString(seed.Title(), ""))
	if a, n, ok := strings.Cut(title, " - "); ok {
		return strings.TrimSpace(a), strings.TrimSpace(n)
	}
	md, _ := seed.Metadata()
	uploader := strings.TrimSpace(strings.TrimSuffix(md.Uploader, " - Topic"))
	return uploader, title
}
