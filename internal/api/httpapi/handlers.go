package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/voicebox/internal/app/playback"
	"github.com/osa030/voicebox/internal/domain/playerr"
	"github.com/osa030/voicebox/internal/domain/track"
)

// stopTimeout bounds a stop request, which closes the voice connection.
const stopTimeout = 10 * time.Second

// TrackView is the JSON form of a queued track.
type TrackView struct {
	Title         string `json:"title"`
	URL           string `json:"url"`
	DurationSec   int    `json:"duration_sec,omitempty"`
	Requester     string `json:"requester"`
	RequesterType string `json:"requester_type"`
}

// ChannelView is the JSON form of a channel snapshot.
type ChannelView struct {
	ChannelID      string      `json:"channel_id"`
	VoiceChannelID string      `json:"voice_channel_id"`
	State          string      `json:"state"`
	Current        *TrackView  `json:"current,omitempty"`
	Resolving      *TrackView  `json:"resolving,omitempty"`
	Pending        []TrackView `json:"pending"`
	PendingCount   int         `json:"pending_count"`
	HistoryCount   int         `json:"history_count"`
}

// ActionResponse reports the outcome of a control request.
type ActionResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// SweepResponse reports a cache sweep.
type SweepResponse struct {
	Removed int `json:"removed"`
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

func newTrackView(ref *track.Reference) *TrackView {
	if ref == nil {
		return nil
	}
	v := &TrackView{
		Title:         ref.Title(),
		URL:           ref.Locator.String(),
		Requester:     ref.Requester.Name,
		RequesterType: string(ref.Requester.Type),
	}
	d := ref.Duration
	if md, ok := ref.Metadata(); ok {
		if md.SourcePageURL != "" {
			v.URL = md.SourcePageURL
		}
		if md.Duration > 0 {
			d = md.Duration
		}
	}
	v.DurationSec = int(d / time.Second)
	return v
}

func newChannelView(snap playback.Snapshot) ChannelView {
	v := ChannelView{
		ChannelID:      snap.ChannelID,
		VoiceChannelID: snap.VoiceChannelID,
		State:          snap.State.String(),
		Current:        newTrackView(snap.Current),
		Resolving:      newTrackView(snap.Resolving),
		Pending:        make([]TrackView, 0, len(snap.Pending)),
		PendingCount:   snap.PendingCount,
		HistoryCount:   snap.HistoryCount,
	}
	for _, ref := range snap.Pending {
		v.Pending = append(v.Pending, *newTrackView(ref))
	}
	return v
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListChannels(w http.ResponseWriter, r *http.Request) {
	snaps := s.player.Snapshots()
	views := make([]ChannelView, 0, len(snaps))
	for _, snap := range snaps {
		views = append(views, newChannelView(snap))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleGetChannel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	snap, ok := s.player.Snapshot(id)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "no playback on channel "+id)
		return
	}
	writeJSON(w, http.StatusOK, newChannelView(snap))
}

func (s *Server) handleSkip(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	skipped, err := s.player.Skip(id)
	if err != nil {
		writeActionError(w, id, "skip", err)
		return
	}
	zlog.Info().Msgf("httpapi: skipped: channel=%s title=%s", id, skipped.Title())
	writeJSON(w, http.StatusOK, ActionResponse{Success: true, Message: "skipped " + skipped.Title()})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.player.Pause(id); err != nil {
		writeActionError(w, id, "pause", err)
		return
	}
	writeJSON(w, http.StatusOK, ActionResponse{Success: true, Message: "paused"})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.player.Resume(id); err != nil {
		writeActionError(w, id, "resume", err)
		return
	}
	writeJSON(w, http.StatusOK, ActionResponse{Success: true, Message: "resumed"})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx, cancel := context.WithTimeout(r.Context(), stopTimeout)
	defer cancel()
	if err := s.player.Stop(ctx, id); err != nil {
		writeActionError(w, id, "stop", err)
		return
	}
	zlog.Info().Msgf("httpapi: stopped: channel=%s", id)
	writeJSON(w, http.StatusOK, ActionResponse{Success: true, Message: "stopped"})
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	if s.sweeper == nil {
		writeJSON(w, http.StatusOK, SweepResponse{})
		return
	}
	n := s.sweeper.Sweep(r.Context())
	zlog.Info().Msgf("httpapi: cache swept: removed=%d", n)
	writeJSON(w, http.StatusOK, SweepResponse{Removed: n})
}

// writeActionError maps playback errors to status codes.
func writeActionError(w http.ResponseWriter, channelID, action string, err error) {
	switch {
	case errors.Is(err, playerr.ErrNothingPlaying):
		writeError(w, http.StatusConflict, "nothing_playing", err.Error())
	case errors.Is(err, playerr.ErrNotConnected):
		writeError(w, http.StatusConflict, "not_connected", err.Error())
	default:
		zlog.Error().Msgf("httpapi: %s failed: channel=%s err=%v", action, channelID, err)
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, kind, detail string) {
	writeJSON(w, code, ErrorResponse{Error: kind, Detail: detail})
}
