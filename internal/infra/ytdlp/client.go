// Package ytdlp implements track extraction on top of the yt-dlp binary.
package ytdlp

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/lrstanley/go-ytdlp"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/voicebox/internal/domain/playerr"
	"github.com/osa030/voicebox/internal/domain/track"
)

const (
	metadataTemplate = "%(id)s\t%(title)s\t%(uploader)s\t%(duration)s\t%(webpage_url)s\t%(thumbnail)s"
	listingTemplate  = "%(url)s\t%(title)s\t%(uploader)s\t%(duration)s"
)

// Config holds extractor configuration.
type Config struct {
	Executable    string   // yt-dlp binary; empty searches PATH
	Proxy         string   // Optional proxy for all requests
	SocketTimeout int      // Seconds (default 30)
	ExtraArgs     []string // Appended to every invocation
}

// Client runs yt-dlp for metadata, stream addresses, listings and search.
type Client struct {
	config Config
}

// New creates a client.
func New(config Config) *Client {
	if config.SocketTimeout <= 0 {
		config.SocketTimeout = 30
	}
	return &Client{config: config}
}

func (c *Client) command() *ytdlp.Command {
	cmd := ytdlp.New().
		Quiet().
		NoWarnings().
		IgnoreConfig()
	if c.config.Executable != "" {
		cmd.SetExecutable(c.config.Executable)
	}
	if c.config.Proxy != "" {
		cmd.Proxy(c.config.Proxy)
	}
	return cmd
}

func (c *Client) args(extra ...string) []string {
	args := []string{
		"--no-check-certificates",
		"--socket-timeout", strconv.Itoa(c.config.SocketTimeout),
		"--extractor-args", "youtube:player_client=android,web",
	}
	args = append(args, c.config.ExtraArgs...)
	return append(args, extra...)
}

// Metadata resolves title, duration and page URL. Playlist members without
// a URL are addressed by their index in the container.
func (c *Client) Metadata(ctx context.Context, loc track.Locator) (track.Metadata, error) {
	cmd := c.command().Print(metadataTemplate)

	var args []string
	if loc.URL != "" {
		args = c.args("--skip-download", "--no-playlist", normalize(loc.URL))
	} else {
		cmd = cmd.PlaylistItems(strconv.Itoa(loc.Index))
		args = c.args("--skip-download", "--yes-playlist", loc.Container)
	}

	res, err := cmd.Run(ctx, args...)
	if err != nil {
		return track.Metadata{}, classify(loc.String(), res, err)
	}

	md, ok := parseMetadata(stdout(res))
	if !ok {
		return track.Metadata{}, &playerr.ExtractionError{Locator: loc.String(), Reason: "unparseable metadata"}
	}
	return md, nil
}

// StreamURL returns the direct media URL for pageURL in the given format.
func (c *Client) StreamURL(ctx context.Context, pageURL, format string) (string, error) {
	res, err := c.command().
		Format(format).
		Print("%(url)s").
		Run(ctx, c.args("--skip-download", "--no-playlist", normalize(pageURL))...)
	if err != nil {
		return "", classify(pageURL, res, err)
	}

	for _, line := range lines(stdout(res)) {
		if strings.HasPrefix(line, "http") {
			return line, nil
		}
	}
	return "", &playerr.ExtractionError{Locator: pageURL, Reason: fmt.Sprintf("no stream url for format %s", format)}
}

// Playlist lists up to limit members of a playlist without resolving them.
func (c *Client) Playlist(ctx context.Context, playlistURL string, limit int) ([]track.Candidate, error) {
	res, err := c.command().
		FlatPlaylist().
		Print(listingTemplate).
		PlaylistItems(fmt.Sprintf("1-%d", limit)).
		Run(ctx, c.args("--yes-playlist", playlistURL)...)
	if err != nil {
		return nil, classify(playlistURL, res, err)
	}
	return parseListing(stdout(res)), nil
}

// Search runs a yt-dlp search and returns up to limit results.
func (c *Client) Search(ctx context.Context, query string, limit int) ([]track.Candidate, error) {
	if limit <= 0 {
		limit = 1
	}
	res, err := c.command().
		FlatPlaylist().
		Print(listingTemplate).
		PlaylistItems(fmt.Sprintf("1-%d", limit)).
		Run(ctx, c.args(fmt.Sprintf("ytsearch%d:%s", limit, query))...)
	if err != nil {
		return nil, classify(query, res, err)
	}
	return parseListing(stdout(res)), nil
}

func stdout(res *ytdlp.Result) string {
	if res == nil {
		return ""
	}
	return res.Stdout
}

// classify maps a failed run to an extraction error carrying the first
// ERROR line of stderr.
func classify(locator string, res *ytdlp.Result, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return playerr.NewTimeoutError(locator, err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	reason := ""
	if res != nil {
		reason = errorReason(res.Stderr)
	}
	zlog.Debug().Msgf("ytdlp: run failed: locator=%s reason=%s err=%v", locator, reason, err)
	return &playerr.ExtractionError{Locator: locator, Reason: reason, Err: err}
}

func errorReason(stderr string) string {
	for _, line := range lines(stderr) {
		if strings.HasPrefix(line, "ERROR:") {
			return strings.TrimSpace(strings.TrimPrefix(line, "ERROR:"))
		}
	}
	return ""
}

func parseMetadata(out string) (track.Metadata, bool) {
	for _, line := range lines(out) {
		ps := strings.Split(line, "\t")
		if len(ps) < 5 {
			continue
		}
		return track.Metadata{
			ID:            na(ps[0]),
			Title:         na(ps[1]),
			Uploader:      na(ps[2]),
			Duration:      parseSeconds(ps[3]),
			SourcePageURL: na(ps[4]),
			ThumbnailURL:  field(ps, 5),
		}, true
	}
	return track.Metadata{}, false
}

func parseListing(out string) []track.Candidate {
	ls := lines(out)
	rs := make([]track.Candidate, 0, len(ls))
	for _, l := range ls {
		ps := strings.Split(l, "\t")
		if len(ps) < 2 || na(ps[0]) == "" || na(ps[1]) == "" {
			continue
		}
		rs = append(rs, track.Candidate{
			URL:      ps[0],
			Title:    ps[1],
			Uploader: field(ps, 2),
			Duration: parseSeconds(field(ps, 3)),
		})
	}
	return rs
}

func lines(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

func field(ps []string, i int) string {
	if i >= len(ps) {
		return ""
	}
	return na(ps[i])
}

// na maps yt-dlp's "NA" placeholder to the empty string.
func na(s string) string {
	s = strings.TrimSpace(s)
	if s == "NA" {
		return ""
	}
	return s
}

func parseSeconds(s string) time.Duration {
	s = na(s)
	if s == "" {
		return 0
	}
	d, err := time.ParseDuration(s + "s")
	if err != nil {
		return 0
	}
	return d
}

func normalize(u string) string {
	return strings.Replace(u, "music.youtube.com", "www.youtube.com", 1)
}
