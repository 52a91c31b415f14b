// Package main provides the admin CLI entry point.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/cockroachdb/errors"
	"github.com/joho/godotenv"

	"github.com/osa030/voicebox/internal/api/httpapi"
)

var (
	app    = kingpin.New("voicebox-admincli", "voicebox admin client")
	server = app.Flag("server", "Server address").Default("http://localhost:8080").String()
	token  = app.Flag("token", "Admin token (or set ADMIN_TOKEN env)").Envar("ADMIN_TOKEN").String()

	// status command
	statusCmd     = app.Command("status", "Show playback status")
	statusChannel = statusCmd.Arg("channel", "Guild ID (all when omitted)").String()

	// pause command
	pauseCmd     = app.Command("pause", "Pause playback")
	pauseChannel = pauseCmd.Arg("channel", "Guild ID").Required().String()

	// resume command
	resumeCmd     = app.Command("resume", "Resume playback")
	resumeChannel = resumeCmd.Arg("channel", "Guild ID").Required().String()

	// skip command
	skipCmd     = app.Command("skip", "Skip the current track")
	skipChannel = skipCmd.Arg("channel", "Guild ID").Required().String()

	// stop command
	stopCmd     = app.Command("stop", "Stop playback and leave the voice channel")
	stopChannel = stopCmd.Arg("channel", "Guild ID").Required().String()

	// sweep command
	sweepCmd = app.Command("sweep", "Remove expired cache entries")
)

type client struct {
	http  *http.Client
	base  string
	token string
}

// apiError carries the error body of a non-2xx reply.
type apiError struct {
	Status int
	Body   httpapi.ErrorResponse
}

func (e *apiError) Error() string {
	if e.Body.Detail != "" {
		return fmt.Sprintf("%s (%d): %s", e.Body.Error, e.Status, e.Body.Detail)
	}
	return fmt.Sprintf("%s (%d)", e.Body.Error, e.Status)
}

func (c *client) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, nil)
	if err != nil {
		return errors.Wrap(err, "failed to build request")
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrap(err, "request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		e := &apiError{Status: resp.StatusCode}
		_ = json.NewDecoder(resp.Body).Decode(&e.Body)
		if e.Body.Error == "" {
			e.Body.Error = http.StatusText(resp.StatusCode)
		}
		return e
	}
	if out == nil {
		return nil
	}
	return errors.Wrap(json.NewDecoder(resp.Body).Decode(out), "failed to decode response")
}

func main() {
	// Load .env file if it exists (errors are ignored)
	_ = godotenv.Load()

	command := kingpin.MustParse(app.Parse(os.Args[1:]))

	if *token == "" {
		fmt.Println("Error: admin token is required (use --token or ADMIN_TOKEN env)")
		os.Exit(1)
	}

	c := &client{
		http:  &http.Client{Timeout: 15 * time.Second},
		base:  strings.TrimRight(*server, "/"),
		token: *token,
	}
	ctx := context.Background()

	var err error
	switch command {
	case statusCmd.FullCommand():
		err = status(ctx, c, *statusChannel)
	case pauseCmd.FullCommand():
		err = action(ctx, c, *pauseChannel, "pause")
	case resumeCmd.FullCommand():
		err = action(ctx, c, *resumeChannel, "resume")
	case skipCmd.FullCommand():
		err = action(ctx, c, *skipChannel, "skip")
	case stopCmd.FullCommand():
		err = action(ctx, c, *stopChannel, "stop")
	case sweepCmd.FullCommand():
		err = sweep(ctx, c)
	}
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
}

func status(ctx context.Context, c *client, channel string) error {
	if channel != "" {
		var view httpapi.ChannelView
		if err := c.do(ctx, http.MethodGet, "/api/v1/channels/"+channel, &view); err != nil {
			return err
		}
		printChannel(view)
		return nil
	}

	var views []httpapi.ChannelView
	if err := c.do(ctx, http.MethodGet, "/api/v1/channels", &views); err != nil {
		return err
	}
	if len(views) == 0 {
		fmt.Println("No active channels")
		return nil
	}
	for _, v := range views {
		printChannel(v)
	}
	return nil
}

func printChannel(v httpapi.ChannelView) {
	fmt.Printf("\n=== CHANNEL %s ===\n", v.ChannelID)
	fmt.Printf("Voice Channel: %s\n", v.VoiceChannelID)
	fmt.Printf("State: %s\n", v.State)
	fmt.Printf("Pending: %d\n", v.PendingCount)
	fmt.Printf("History: %d\n", v.HistoryCount)

	if v.Current != nil {
		fmt.Println("\nCurrently Playing:")
		printTrack(*v.Current)
	} else {
		fmt.Println("\nNo track currently playing")
	}
	if v.Resolving != nil {
		fmt.Println("\nLoading:")
		printTrack(*v.Resolving)
	}
	if len(v.Pending) > 0 {
		fmt.Println("\nUp Next:")
		for i, t := range v.Pending {
			fmt.Printf("  %d. %s (%s)\n", i+1, t.Title, t.Requester)
		}
	}
	fmt.Println()
}

func printTrack(t httpapi.TrackView) {
	fmt.Printf("  Title: %s\n", t.Title)
	fmt.Printf("  URL: %s\n", t.URL)
	if t.DurationSec > 0 {
		fmt.Printf("  Duration: %s\n", time.Duration(t.DurationSec)*time.Second)
	}
	fmt.Printf("  Requested by: %s (%s)\n", t.Requester, t.RequesterType)
}

func action(ctx context.Context, c *client, channel, name string) error {
	var resp httpapi.ActionResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/channels/"+channel+"/"+name, &resp); err != nil {
		return err
	}
	if resp.Success {
		fmt.Printf("OK: %s\n", resp.Message)
	} else {
		fmt.Printf("Failed: %s\n", resp.Message)
	}
	return nil
}

func sweep(ctx context.Context, c *client) error {
	var resp httpapi.SweepResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/cache/sweep", &resp); err != nil {
		return err
	}
	fmt.Printf("Removed %d expired cache entries\n", resp.Removed)
	return nil
}
