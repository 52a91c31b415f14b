package filter

import (
	"context"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/voicebox/internal/domain/track"
)

// Chain executes filters in sequence.
type Chain struct {
	filters []Filter
}

// Rejection records a reference refused by a filter.
type Rejection struct {
	Ref  *track.Reference
	Code string
}

// NewChain creates a new filter chain.
func NewChain() *Chain {
	return &Chain{
		filters: make([]Filter, 0),
	}
}

// BuildChain creates a chain from the enabled filters and their settings,
// in registry name order.
func BuildChain(enabled map[string]map[string]any) (*Chain, error) {
	c := NewChain()
	for _, name := range Names() {
		settings, ok := enabled[name]
		if !ok {
			continue
		}
		f := registry[name]()
		if err := f.ValidateConfig(settings); err != nil {
			return nil, errors.Wrapf(err, "filter %s", name)
		}
		zlog.Info().Msgf("filter: enabled: name=%s", name)
		c.Add(f)
	}
	for name := range enabled {
		if _, ok := registry[name]; !ok {
			return nil, errors.Newf("unknown filter: %s", name)
		}
	}
	return c, nil
}

// Add adds a filter to the chain.
func (c *Chain) Add(f Filter) {
	c.filters = append(c.filters, f)
}

// Execute runs all filters in sequence.
// Returns immediately if any filter rejects the request.
// Filters are only applied if they declare they apply to the requester type.
func (c *Chain) Execute(ctx context.Context, ref *track.Reference, q QueueView) Result {
	for _, f := range c.filters {
		if !f.AppliesTo(ref.Requester.Type) {
			continue
		}

		result := f.Check(ctx, ref, q)
		if !result.Accepted {
			return result
		}
	}
	return Accept()
}

// Apply checks refs in order. References accepted earlier in the batch are
// visible to later checks as if they were already pending.
func (c *Chain) Apply(ctx context.Context, refs []*track.Reference, q QueueView) ([]*track.Reference, []Rejection) {
	if c == nil || len(c.filters) == 0 {
		return refs, nil
	}

	view := &batchView{base: q}
	var rejected []Rejection
	for _, ref := range refs {
		res := c.Execute(ctx, ref, view)
		if !res.Accepted {
			rejected = append(rejected, Rejection{Ref: ref, Code: res.Code})
			continue
		}
		view.accepted = append(view.accepted, ref)
	}
	return view.accepted, rejected
}

// Filters returns all filters in the chain.
func (c *Chain) Filters() []Filter {
	return c.filters
}

type batchView struct {
	base     QueueView
	accepted []*track.Reference
}

func (v *batchView) Contains(key string) bool {
	if v.base.Contains(key) {
		return true
	}
	for _, ref := range v.accepted {
		if ref.Key() == key {
			return true
		}
	}
	return false
}

func (v *batchView) PendingBy(requesterID string) int {
	n := v.base.PendingBy(requesterID)
	for _, ref := range v.accepted {
		if ref.Requester.ID == requesterID {
			n++
		}
	}
	return n
}

func (v *batchView) Titles() []string {
	titles := v.base.Titles()
	for _, ref := range v.accepted {
		titles = append(titles, ref.Title())
	}
	return titles
}
