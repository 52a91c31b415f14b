package resolver

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/voicebox/internal/domain/playerr"
	"github.com/osa030/voicebox/internal/domain/track"
	"github.com/osa030/voicebox/internal/infra/cache"
	"github.com/osa030/voicebox/internal/infra/metrics"
)

// DefaultStreamFormats is the format fallback chain, most preferred first.
var DefaultStreamFormats = []string{"bestaudio", "bestaudio*[height<=480]", "best"}

// ErrNoResults is returned when a query expands to nothing.
var ErrNoResults = errors.New("no results")

// Extractor performs the blocking extraction calls.
type Extractor interface {
	Metadata(ctx context.Context, loc track.Locator) (track.Metadata, error)
	StreamURL(ctx context.Context, pageURL, format string) (string, error)
	Playlist(ctx context.Context, playlistURL string, limit int) ([]track.Candidate, error)
	Search(ctx context.Context, query string, limit int) ([]track.Candidate, error)
}

// Searcher finds candidates for free text.
type Searcher interface {
	Name() string
	Search(ctx context.Context, query string, limit int) ([]track.Candidate, error)
}

// LinkExpander turns a link from another service into search queries.
type LinkExpander interface {
	Supports(rawURL string) bool
	Queries(ctx context.Context, rawURL string, limit int) ([]string, error)
}

// Config holds resolver configuration.
type Config struct {
	StreamFormats    []string
	MetadataTTL      time.Duration
	StreamTTL        time.Duration
	ListingTTL       time.Duration
	MaxPlaylistItems int
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithSearchers sets the free text searchers, tried in order.
func WithSearchers(s ...Searcher) Option {
	return func(r *Resolver) { r.searchers = append(r.searchers, s...) }
}

// WithLinkExpanders sets the link expanders.
func WithLinkExpanders(e ...LinkExpander) Option {
	return func(r *Resolver) { r.expanders = append(r.expanders, e...) }
}

// WithNow overrides the time source.
func WithNow(now func() time.Time) Option {
	return func(r *Resolver) { r.now = now }
}

// Resolver resolves references through the cache, the pool and the extractor.
type Resolver struct {
	config    Config
	pool      *Pool
	cache     *cache.Cache
	extractor Extractor
	searchers []Searcher
	expanders []LinkExpander
	now       func() time.Time
}

// New creates a resolver. pool, c and ex are required.
func New(config Config, pool *Pool, c *cache.Cache, ex Extractor, opts ...Option) *Resolver {
	if len(config.StreamFormats) == 0 {
		config.StreamFormats = DefaultStreamFormats
	}
	if config.MetadataTTL <= 0 {
		config.MetadataTTL = cache.TTLMetadata
	}
	if config.StreamTTL <= 0 {
		config.StreamTTL = cache.TTLStream
	}
	if config.ListingTTL <= 0 {
		config.ListingTTL = cache.TTLListing
	}
	if config.MaxPlaylistItems <= 0 {
		config.MaxPlaylistItems = 100
	}
	r := &Resolver{
		config:    config,
		pool:      pool,
		cache:     c,
		extractor: ex,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ResolveMetadata returns the metadata of loc, without a stream address.
func (r *Resolver) ResolveMetadata(ctx context.Context, loc track.Locator) (track.Metadata, error) {
	key := "meta:" + loc.Key()
	if md, ok := cache.GetJSON[track.Metadata](ctx, r.cache, key); ok {
		return md, nil
	}

	val, err := r.pool.Submit(key, func(ctx context.Context) (any, error) {
		return r.extractor.Metadata(ctx, loc)
	}).Wait(ctx)
	if err != nil {
		err = asExtraction(loc.String(), err)
		r.record("metadata", err)
		return track.Metadata{}, err
	}
	r.record("metadata", nil)

	md := val.(track.Metadata)
	md.StreamURL = ""
	if md.SourcePageURL == "" {
		md.SourcePageURL = loc.URL
	}
	cache.SetJSON(ctx, r.cache, key, md, r.config.MetadataTTL)
	return md, nil
}

// streamEntry is the cached form of a stream address.
type streamEntry struct {
	URL        string    `json:"url"`
	ResolvedAt time.Time `json:"resolved_at"`
}

// ResolveStream returns a playable stream address for pageURL, trying the
// format chain in order inside one pool job.
func (r *Resolver) ResolveStream(ctx context.Context, pageURL string) (string, error) {
	e, err := r.resolveStream(ctx, pageURL)
	return e.URL, err
}

func (r *Resolver) resolveStream(ctx context.Context, pageURL string) (streamEntry, error) {
	key := streamKey(pageURL)
	if e, ok := cache.GetJSON[streamEntry](ctx, r.cache, key); ok && e.URL != "" {
		return e, nil
	}

	formats := r.config.StreamFormats
	val, err := r.pool.Submit(key, func(ctx context.Context) (any, error) {
		var lastErr error
		for _, format := range formats {
			streamURL, err := r.extractor.StreamURL(ctx, pageURL, format)
			if err == nil && streamURL != "" {
				return streamURL, nil
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if err == nil {
				err = errors.Newf("format %s returned no url", format)
			}
			zlog.Debug().Msgf("resolver: format failed, trying next: url=%s format=%s err=%v", pageURL, format, err)
			lastErr = err
		}
		return nil, &playerr.ExtractionError{Locator: pageURL, Reason: "all formats failed", Err: lastErr}
	}).Wait(ctx)
	if err != nil {
		err = asExtraction(pageURL, err)
		r.record("stream", err)
		return streamEntry{}, err
	}
	r.record("stream", nil)

	e := streamEntry{URL: val.(string), ResolvedAt: r.now()}
	cache.SetJSON(ctx, r.cache, key, e, r.config.StreamTTL)
	return e, nil
}

// Resolve returns full metadata including a stream address. ResolvedAt is
// when that address was extracted, which may predate the call.
func (r *Resolver) Resolve(ctx context.Context, ref *track.Reference) (track.Metadata, error) {
	md, err := r.ResolveMetadata(ctx, ref.Locator)
	if err != nil {
		return track.Metadata{}, err
	}

	page := md.SourcePageURL
	if page == "" {
		page = ref.Locator.URL
	}
	e, err := r.resolveStream(ctx, page)
	if err != nil {
		return track.Metadata{}, err
	}

	md.StreamURL = e.URL
	md.ResolvedAt = e.ResolvedAt
	return md, nil
}

// ForgetStream drops the cached stream address of md, so the next Resolve
// extracts a new one.
func (r *Resolver) ForgetStream(md track.Metadata) {
	if md.SourcePageURL == "" {
		return
	}
	r.cache.Delete(context.Background(), streamKey(md.SourcePageURL))
	zlog.Debug().Msgf("resolver: stream forgotten: url=%s", md.SourcePageURL)
}

func streamKey(pageURL string) string {
	return "stream:" + pageURL
}

// Prefetch warms the metadata cache for ref in the background.
func (r *Resolver) Prefetch(ref *track.Reference) {
	if ref == nil {
		return
	}
	loc := ref.Locator
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), r.pool.config.Timeout)
		defer cancel()
		if _, err := r.ResolveMetadata(ctx, loc); err != nil {
			zlog.Debug().Msgf("resolver: prefetch failed: locator=%s err=%v", loc, err)
		}
	}()
}

// Expand turns user input into references. Links from other services
// become lazy search references, playlist links become member references,
// other links a single reference, and free text the top search result.
func (r *Resolver) Expand(ctx context.Context, input string, requester track.Requester, limit int) ([]*track.Reference, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return nil, ErrNoResults
	}
	if limit <= 0 || limit > r.config.MaxPlaylistItems {
		limit = r.config.MaxPlaylistItems
	}
	now := r.now()

	if !isURL(input) {
		c, err := r.searchOne(ctx, input)
		if err != nil {
			return nil, err
		}
		ref := track.NewReference(track.Locator{URL: c.URL}, c.Title, requester, now)
		ref.Duration = c.Duration
		return []*track.Reference{ref}, nil
	}

	for _, e := range r.expanders {
		if !e.Supports(input) {
			continue
		}
		queries, err := e.Queries(ctx, input, limit)
		if err != nil {
			return nil, errors.Wrap(err, "expand link")
		}
		refs := make([]*track.Reference, 0, len(queries))
		for _, q := range queries {
			refs = append(refs, track.NewReference(track.Locator{URL: "ytsearch1:" + q}, q, requester, now))
		}
		if len(refs) == 0 {
			return nil, ErrNoResults
		}
		return refs, nil
	}

	if isPlaylistURL(input) {
		entries, err := r.listing(ctx, input, limit)
		if err != nil {
			return nil, err
		}
		if len(entries) > 0 {
			refs := make([]*track.Reference, 0, len(entries))
			for i, e := range entries {
				loc := track.Locator{URL: e.URL, Container: input, Index: i + 1}
				ref := track.NewReference(loc, e.Title, requester, now)
				ref.Duration = e.Duration
				refs = append(refs, ref)
			}
			return refs, nil
		}
	}

	loc := track.Locator{URL: input}
	md, err := r.ResolveMetadata(ctx, loc)
	if err != nil {
		return nil, err
	}
	ref := track.NewReference(loc, md.Title, requester, now)
	ref.Duration = md.Duration
	return []*track.Reference{ref}, nil
}

// SearchReferences returns up to limit references for free text.
func (r *Resolver) SearchReferences(ctx context.Context, query string, requester track.Requester, limit int) ([]*track.Reference, error) {
	candidates, err := r.search(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	now := r.now()
	refs := make([]*track.Reference, 0, len(candidates))
	for _, c := range candidates {
		ref := track.NewReference(track.Locator{URL: c.URL}, c.Title, requester, now)
		ref.Duration = c.Duration
		refs = append(refs, ref)
	}
	return refs, nil
}

func (r *Resolver) searchOne(ctx context.Context, query string) (track.Candidate, error) {
	candidates, err := r.search(ctx, query, 1)
	if err != nil {
		return track.Candidate{}, err
	}
	return candidates[0], nil
}

func (r *Resolver) search(ctx context.Context, query string, limit int) ([]track.Candidate, error) {
	key := fmt.Sprintf("search:%d:%s", limit, strings.ToLower(query))
	if found, ok := cache.GetJSON[[]track.Candidate](ctx, r.cache, key); ok && len(found) > 0 {
		return found, nil
	}

	val, err := r.pool.Submit(key, func(ctx context.Context) (any, error) {
		for _, s := range r.searchers {
			found, err := s.Search(ctx, query, limit)
			if err != nil {
				zlog.Warn().Err(err).Msgf("resolver: searcher failed: searcher=%s query=%s", s.Name(), query)
				continue
			}
			if len(found) > 0 {
				return found, nil
			}
		}
		return r.extractor.Search(ctx, query, limit)
	}).Wait(ctx)
	if err != nil {
		return nil, asExtraction(query, err)
	}

	found := val.([]track.Candidate)
	if len(found) == 0 {
		return nil, ErrNoResults
	}
	cache.SetJSON(ctx, r.cache, key, found, r.config.ListingTTL)
	if len(found) > limit {
		found = found[:limit]
	}
	return found, nil
}

func (r *Resolver) listing(ctx context.Context, playlistURL string, limit int) ([]track.Candidate, error) {
	key := fmt.Sprintf("list:%d:%s", limit, playlistURL)
	if found, ok := cache.GetJSON[[]track.Candidate](ctx, r.cache, key); ok {
		return found, nil
	}

	val, err := r.pool.Submit(key, func(ctx context.Context) (any, error) {
		return r.extractor.Playlist(ctx, playlistURL, limit)
	}).Wait(ctx)
	if err != nil {
		return nil, asExtraction(playlistURL, err)
	}

	found := val.([]track.Candidate)
	if len(found) > 0 {
		cache.SetJSON(ctx, r.cache, key, found, r.config.ListingTTL)
	}
	return found, nil
}

func (r *Resolver) record(kind string, err error) {
	switch {
	case err == nil:
		metrics.Resolution(kind, "success")
	case errors.Is(err, playerr.ErrTimeout):
		metrics.Resolution(kind, "timeout")
	default:
		metrics.Resolution(kind, "failure")
	}
}

// asExtraction wraps err as an extraction error unless it already is one.
// A caller deadline becomes a timeout.
func asExtraction(locator string, err error) error {
	if playerr.IsExtraction(err) || errors.Is(err, ErrPoolClosed) ||
		errors.Is(err, context.Canceled) || errors.Is(err, ErrNoResults) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return playerr.NewTimeoutError(locator, err)
	}
	return playerr.NewExtractionError(locator, err)
}

func isURL(s string) bool {
	u, err := url.Parse(s)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func isPlaylistURL(s string) bool {
	u, err := url.Parse(s)
	if err != nil {
		return false
	}
	return u.Query().Get("list") != "" || strings.Contains(u.Path, "/playlist") || strings.Contains(u.Path, "/sets/")
}
