// Package autoplay refills an empty queue with related tracks.
package autoplay

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/voicebox/internal/domain/track"
	"github.com/osa030/voicebox/internal/infra/lastfm"
)

// Provider is the interface for autoplay track providers.
type Provider interface {
	// Candidates returns up to count references. seed is the most recently
	// played track and may be nil; exclude holds locator keys that are
	// already queued or were played recently.
	Candidates(ctx context.Context, count int, seed *track.Reference, exclude map[string]bool) ([]*track.Reference, error)

	// Name returns the provider type (used in config).
	Name() string
}

// Resolver turns queries and links into references.
type Resolver interface {
	SearchReferences(ctx context.Context, query string, requester track.Requester, limit int) ([]*track.Reference, error)
	Expand(ctx context.Context, input string, requester track.Requester, limit int) ([]*track.Reference, error)
}

// ListingSource is the part of the Last.fm client used by the lastfm provider.
type ListingSource interface {
	GetSimilarTracks(ctx context.Context, trackName, artistName string, limit int) ([]lastfm.Track, error)
	GetTopTracks(ctx context.Context, tagName string, limit int) ([]lastfm.Track, error)
	GetChartTopTracks(ctx context.Context, limit int) ([]lastfm.Track, error)
}

// requester builds the requester attached to references of a provider.
func requester(displayName string) track.Requester {
	return track.Requester{ID: "autoplay", Name: displayName, Type: track.RequesterTypeAutoplay}
}

// decodeSettings decodes provider settings, then applies defaults and
// validation tags.
func decodeSettings(settings map[string]any, out any) error {
	if settings != nil {
		if err := mapstructure.WeakDecode(settings, out); err != nil {
			return errors.Wrap(err, "failed to decode settings")
		}
	}
	if err := defaults.Set(out); err != nil {
		return errors.Wrap(err, "failed to set defaults")
	}
	if err := validator.New().Struct(out); err != nil {
		return errors.Wrap(err, "validation failed")
	}
	return nil
}

// Chain tries providers in order until enough candidates are found.
type Chain struct {
	providers []Provider
}

// NewChain creates a provider chain.
func NewChain(providers ...Provider) *Chain {
	return &Chain{providers: providers}
}

// Len returns the number of providers.
func (c *Chain) Len() int {
	if c == nil {
		return 0
	}
	return len(c.providers)
}

// Candidates collects references from the providers in order. A failing
// provider is logged and skipped. References returned by an earlier
// provider are excluded from later ones.
func (c *Chain) Candidates(ctx context.Context, count int, seed *track.Reference, exclude map[string]bool) ([]*track.Reference, error) {
	if c.Len() == 0 || count <= 0 {
		return nil, nil
	}

	seen := make(map[string]bool, len(exclude))
	for k, v := range exclude {
		seen[k] = v
	}

	var out []*track.Reference
	var lastErr error
	for i, p := range c.providers {
		if len(out) >= count {
			break
		}
		zlog.Debug().Msgf("autoplay: trying provider: index=%d total=%d type=%s", i+1, len(c.providers), p.Name())

		refs, err := p.Candidates(ctx, count-len(out), seed, seen)
		if err != nil {
			lastErr = err
			zlog.Warn().Msgf("autoplay: provider failed, trying next: type=%s err=%v", p.Name(), err)
			continue
		}
		for _, ref := range refs {
			if seen[ref.Key()] || len(out) >= count {
				continue
			}
			seen[ref.Key()] = true
			out = append(out, ref)
		}
		zlog.Info().Msgf("autoplay: provider returned candidates: type=%s count=%d total_so_far=%d", p.Name(), len(refs), len(out))
	}

	if len(out) == 0 && lastErr != nil {
		return nil, errors.Wrap(lastErr, "all providers failed")
	}
	return out, nil
}

// ProviderSpec describes one configured provider.
type ProviderSpec struct {
	Type        string
	DisplayName string
	Settings    map[string]any
}

// NewChainFromSpecs creates a provider chain from configuration. listings
// may be nil when no lastfm provider is configured.
func NewChainFromSpecs(specs []ProviderSpec, res Resolver, listings ListingSource) (*Chain, error) {
	var providers []Provider
	for i, spec := range specs {
		var (
			p   Provider
			err error
		)
		zlog.Debug().Msgf("autoplay: creating provider: index=%d type=%s settings=%+v", i+1, spec.Type, spec.Settings)
		switch spec.Type {
		case "lastfm":
			if listings == nil {
				return nil, errors.Newf("provider %d: lastfm client is not configured", i)
			}
			p, err = NewLastFMProvider(listings, res, spec.DisplayName, spec.Settings)
		case "playlist":
			p, err = NewPlaylistProvider(res, spec.DisplayName, spec.Settings)
		default:
			return nil, errors.Newf("unsupported provider type: %s (provider index %d)", spec.Type, i)
		}
		if err != nil {
			return nil, errors.Wrapf(err, "failed to create provider (index %d, type %s)", i, spec.Type)
		}
		providers = append(providers, p)
		zlog.Info().Msgf("autoplay: registered provider: index=%d type=%s display_name=%s", i+1, spec.Type, spec.DisplayName)
	}
	return NewChain(providers...), nil
}
