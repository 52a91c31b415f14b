// Package track provides the track reference and metadata domain types.
package track

import (
	"fmt"
	"time"
)

// RequesterType represents the type of requester.
type RequesterType string

const (
	RequesterTypeUser     RequesterType = "USER"
	RequesterTypeSystem   RequesterType = "SYSTEM"
	RequesterTypeAutoplay RequesterType = "AUTOPLAY"
)

// Requester represents the person who requested the track.
type Requester struct {
	ID   string        // Opaque user identifier (Discord user snowflake)
	Name string        // Display name
	Type RequesterType // Type of requester
}

// Locator identifies where a track comes from: a direct URL or a member of
// a playlist container. URL is also set for members when flat extraction
// reported it.
type Locator struct {
	URL       string
	Container string
	Index     int
}

// IsPlaylistMember reports whether the locator points into a container.
func (l Locator) IsPlaylistMember() bool {
	return l.Container != ""
}

// Key returns a deterministic cache key for the locator.
func (l Locator) Key() string {
	if l.URL != "" {
		return "url:" + l.URL
	}
	return fmt.Sprintf("member:%s#%d", l.Container, l.Index)
}

func (l Locator) String() string {
	if l.URL != "" {
		return l.URL
	}
	return fmt.Sprintf("%s[%d]", l.Container, l.Index)
}

// Metadata is the resolved form of a track. Values are immutable:
// re-resolution produces a new Metadata.
type Metadata struct {
	ID            string        `json:"id"`
	Title         string        `json:"title"`
	Uploader      string        `json:"uploader,omitempty"`
	StreamURL     string        `json:"stream_url"`
	Duration      time.Duration `json:"duration,omitempty"`
	ThumbnailURL  string        `json:"thumbnail_url,omitempty"`
	SourcePageURL string        `json:"source_page_url"`
	ResolvedAt    time.Time     `json:"resolved_at"`
}

// StreamExpired reports whether the stream address is older than ttl.
func (m Metadata) StreamExpired(now time.Time, ttl time.Duration) bool {
	if m.StreamURL == "" {
		return true
	}
	return now.Sub(m.ResolvedAt) >= ttl
}

// Reference is a queued track that may not be resolved yet.
type Reference struct {
	DisplayTitle string        // Best-effort title, may be a placeholder
	Duration     time.Duration // Best-effort duration, zero if unknown
	Locator      Locator
	Requester    Requester
	RequestedAt  time.Time

	resolution Resolution
}

// NewReference creates a pending reference.
func NewReference(loc Locator, title string, requester Requester, at time.Time) *Reference {
	return &Reference{
		DisplayTitle: title,
		Locator:      loc,
		Requester:    requester,
		RequestedAt:  at,
		resolution:   Pending{},
	}
}

// Resolution returns the current resolution variant.
func (r *Reference) Resolution() Resolution {
	if r.resolution == nil {
		return Pending{}
	}
	return r.resolution
}

// State returns the tag of the current resolution variant.
func (r *Reference) State() ResolutionState {
	return r.Resolution().State()
}

// MarkResolving moves the reference into Resolving.
func (r *Reference) MarkResolving() {
	r.resolution = Resolving{}
}

// MarkResolved stores the metadata and moves the reference into Resolved.
func (r *Reference) MarkResolved(md Metadata) {
	r.resolution = Resolved{Metadata: md}
	if md.Title != "" {
		r.DisplayTitle = md.Title
	}
	if md.Duration > 0 {
		r.Duration = md.Duration
	}
}

// MarkFailed moves the reference into Failed.
func (r *Reference) MarkFailed(reason error) {
	r.resolution = Failed{Reason: reason}
}

// Metadata returns the resolved metadata, if any.
func (r *Reference) Metadata() (Metadata, bool) {
	if res, ok := r.resolution.(Resolved); ok {
		return res.Metadata, true
	}
	return Metadata{}, false
}

// Title returns the best title known for the reference.
func (r *Reference) Title() string {
	if md, ok := r.Metadata(); ok && md.Title != "" {
		return md.Title
	}
	if r.DisplayTitle != "" {
		return r.DisplayTitle
	}
	return r.Locator.String()
}

// Key returns the locator key.
func (r *Reference) Key() string {
	return r.Locator.Key()
}

// Clone returns an independent copy. Resolution variants are values, so a
// shallow struct copy shares nothing mutable.
func (r *Reference) Clone() *Reference {
	if r == nil {
		return nil
	}
	c := *r
	return &c
}

// Candidate is a lightweight search or playlist listing result.
type Candidate struct {
	URL      string        `json:"url"`
	Title    string        `json:"title"`
	Uploader string        `json:"uploader,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
}
