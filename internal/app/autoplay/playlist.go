package autoplay

import (
	"context"
	"math/rand/v2"

	"github.com/cockroachdb/errors"

	"github.com/osa030/voicebox/internal/domain/track"
)

// PlaylistConfig holds the playlist provider settings.
type PlaylistConfig struct {
	PlaylistURL string `mapstructure:"playlist_url" validate:"required,url"`
	SampleSize  int    `mapstructure:"sample_size" default:"50" validate:"gte=1,lte=500"`
}

// PlaylistProvider picks random entries of a configured playlist. The
// listing is cached by the resolver, so repeated refills are cheap.
type PlaylistProvider struct {
	resolver  Resolver
	requester track.Requester
	config    PlaylistConfig
}

// NewPlaylistProvider creates a playlist provider.
func NewPlaylistProvider(res Resolver, displayName string, settings map[string]any) (*PlaylistProvider, error) {
	var config PlaylistConfig
	if err := decodeSettings(settings, &config); err != nil {
		return nil, err
	}
	return &PlaylistProvider{
		resolver:  res,
		requester: requester(displayName),
		config:    config,
	}, nil
}

// Name returns the provider name.
func (p *PlaylistProvider) Name() string {
	return "playlist"
}

// Candidates returns up to count random playlist entries not in exclude.
func (p *PlaylistProvider) Candidates(ctx context.Context, count int, seed *track.Reference, exclude map[string]bool) ([]*track.Reference, error) {
	if count <= 0 {
		return nil, nil
	}

	refs, err := p.resolver.Expand(ctx, p.config.PlaylistURL, p.requester, p.config.SampleSize)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list playlist")
	}

	available := make([]*track.Reference, 0, len(refs))
	for _, ref := range refs {
		if !exclude[ref.Key()] {
			available = append(available, ref)
		}
	}
	rand.Shuffle(len(available), func(i, j int) { available[i], available[j] = available[j], available[i] })

	if len(available) > count {
		available = available[:count]
	}
	return available, nil
}
