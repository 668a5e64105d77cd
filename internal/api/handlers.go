package api

import (
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ivugurura/radio-sync/internal/analytics"
	"github.com/ivugurura/radio-sync/internal/listeners"
	"github.com/ivugurura/radio-sync/internal/netutil"
	"github.com/ivugurura/radio-sync/internal/resolver"
	"github.com/ivugurura/radio-sync/internal/stream"
)

const minQueryLen = 2

// Handlers holds the HTTP handlers.
type Handlers struct {
	Deps
	startedAt time.Time
}

func NewHandlers(d Deps) *Handlers {
	return &Handlers{Deps: d, startedAt: time.Now()}
}

func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	netutil.ServerResponse(w, http.StatusOK, "ok", map[string]any{
		"state":     h.Coordinator.State().State.String(),
		"listeners": h.Coordinator.Broadcaster().Count(),
		"uptime":    time.Since(h.startedAt).Truncate(time.Second).String(),
	})
}

func (h *Handlers) Status(w http.ResponseWriter, r *http.Request) {
	netutil.ServerResponse(w, http.StatusOK, "", h.Coordinator.Status())
}

// Listen streams the current track, starting at the byte offset that
// matches elapsed playback so every listener hears the same moment.
func (h *Handlers) Listen(w http.ResponseWriter, r *http.Request) {
	if h.Coordinator.State().State == stream.StateIdle {
		netutil.ServerResponse(w, http.StatusNotFound, "No song is currently playing", nil)
		return
	}

	ua := r.UserAgent()
	l := listeners.New(netutil.ExtractClientIP(r), ua, netutil.ClassifyUserAgent(ua))
	if h.Enricher != nil {
		h.Enricher.Enrich(l)
	}

	sub, err := h.Coordinator.Join(r.Context(), l)
	switch {
	case err == nil:
	case errors.Is(err, stream.ErrNoActiveTrack):
		netutil.ServerResponse(w, http.StatusNotFound, "No song is currently playing", nil)
		return
	case r.Context().Err() != nil:
		return
	default:
		log.Printf("Listen: %s could not join: %v", l.ID, err)
		w.Header().Set("Retry-After", "2")
		netutil.ServerResponse(w, http.StatusServiceUnavailable, "Stream is not ready, try again shortly", nil)
		return
	}

	hdr := w.Header()
	hdr.Set("Content-Type", "audio/mpeg")
	hdr.Set("Cache-Control", "no-cache, no-store")
	hdr.Set("Connection", "keep-alive")
	hdr.Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)

	log.Printf("Listen: %s (%s) joined %s", l.ID, l.ClientType, sub.TrackID)
	err = sub.Stream(r.Context(), newHTTPConn(w))
	log.Printf("Listen: %s left after %d bytes: %v", l.ID, l.BytesSent.Load(), err)
}

func (h *Handlers) ListenerStats(w http.ResponseWriter, r *http.Request) {
	if h.Listeners == nil {
		netutil.ServerResponse(w, http.StatusOK, "", analytics.Snapshot{GeneratedAt: time.Now().UTC()})
		return
	}
	netutil.ServerResponse(w, http.StatusOK, "", analytics.BuildSnapshot(h.Listeners.All(), time.Now()))
}

func (h *Handlers) Stop(w http.ResponseWriter, r *http.Request) {
	if err := h.Coordinator.Stop(r.Context()); err != nil {
		netutil.ServerResponse(w, http.StatusServiceUnavailable, err.Error(), nil)
		return
	}
	netutil.ServerResponse(w, http.StatusOK, "Radio stopped", h.Coordinator.Status())
}

func (h *Handlers) Skip(w http.ResponseWriter, r *http.Request) {
	if err := h.Coordinator.Advance(r.Context()); err != nil {
		netutil.ServerResponse(w, http.StatusServiceUnavailable, err.Error(), nil)
		return
	}
	netutil.ServerResponse(w, http.StatusOK, "Skipped to the next song", h.Coordinator.Status())
}

func (h *Handlers) GetQueue(w http.ResponseWriter, r *http.Request) {
	netutil.ServerResponse(w, http.StatusOK, "", map[string]any{
		"currentSong": h.Coordinator.State().Track,
		"playlist":    h.Coordinator.Queue(),
	})
}

func (h *Handlers) AddToQueue(w http.ResponseWriter, r *http.Request) {
	var t stream.Track
	if err := netutil.DecodeJSON(w, r, &t); err != nil {
		netutil.ServerResponse(w, http.StatusBadRequest, err.Error(), nil)
		return
	}
	t.ID = strings.TrimSpace(t.ID)
	if t.ID == "" {
		netutil.ServerResponse(w, http.StatusBadRequest, "YouTube video ID is required", nil)
		return
	}
	if !resolver.IsValidID(t.ID) {
		netutil.ServerResponse(w, http.StatusBadRequest, "Invalid YouTube video ID", nil)
		return
	}
	t = t.WithDefaults()
	if err := h.Coordinator.Enqueue(r.Context(), t); err != nil {
		if errors.Is(err, stream.ErrInvalidTrack) {
			netutil.ServerResponse(w, http.StatusBadRequest, err.Error(), nil)
			return
		}
		netutil.ServerResponse(w, http.StatusServiceUnavailable, err.Error(), nil)
		return
	}
	netutil.ServerResponse(w, http.StatusCreated, "Song added to the queue", map[string]any{
		"song":     t,
		"playlist": h.Coordinator.Queue(),
	})
}

func (h *Handlers) RemoveFromQueue(w http.ResponseWriter, r *http.Request) {
	idx, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil || idx < 0 {
		netutil.ServerResponse(w, http.StatusBadRequest, "Invalid index", nil)
		return
	}
	removed, err := h.Coordinator.RemoveAt(r.Context(), idx)
	switch {
	case errors.Is(err, stream.ErrIndexOutOfRange):
		netutil.ServerResponse(w, http.StatusNotFound, "Song not found at index", nil)
		return
	case err != nil:
		netutil.ServerResponse(w, http.StatusServiceUnavailable, err.Error(), nil)
		return
	}
	netutil.ServerResponse(w, http.StatusOK, "Song removed", map[string]any{
		"removed":  removed,
		"playlist": h.Coordinator.Queue(),
	})
}

func (h *Handlers) ClearQueue(w http.ResponseWriter, r *http.Request) {
	if err := h.Coordinator.Clear(r.Context()); err != nil {
		netutil.ServerResponse(w, http.StatusServiceUnavailable, err.Error(), nil)
		return
	}
	netutil.ServerResponse(w, http.StatusOK, "Playlist cleared", nil)
}

func (h *Handlers) Search(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	if q == "" {
		q = r.URL.Query().Get("query")
	}
	q = strings.TrimSpace(q)
	if len(q) < minQueryLen {
		netutil.ServerResponse(w, http.StatusBadRequest, "Query must be at least 2 characters", nil)
		return
	}
	if h.Searcher == nil {
		netutil.ServerResponse(w, http.StatusNotImplemented, "Search is not configured", nil)
		return
	}
	t, err := h.Searcher.Resolve(r.Context(), q)
	if err != nil {
		h.searchFailed(w, err, "No results found")
		return
	}
	netutil.ServerResponse(w, http.StatusOK, "", map[string]any{"song": t})
}

func (h *Handlers) SongByID(w http.ResponseWriter, r *http.Request) {
	if h.Searcher == nil {
		netutil.ServerResponse(w, http.StatusNotImplemented, "Search is not configured", nil)
		return
	}
	t, err := h.Searcher.ResolveByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.searchFailed(w, err, "Song not found")
		return
	}
	netutil.ServerResponse(w, http.StatusOK, "", map[string]any{"song": t})
}

func (h *Handlers) searchFailed(w http.ResponseWriter, err error, notFound string) {
	if errors.Is(err, resolver.ErrNotFound) {
		netutil.ServerResponse(w, http.StatusNotFound, notFound, nil)
		return
	}
	netutil.ServerResponse(w, http.StatusBadGateway, err.Error(), nil)
}

func (h *Handlers) ValidateURL(w http.ResponseWriter, r *http.Request) {
	var body struct {
		URL string `json:"url"`
	}
	if err := netutil.DecodeJSON(w, r, &body); err != nil || body.URL == "" {
		netutil.ServerResponse(w, http.StatusBadRequest, "URL is required", nil)
		return
	}
	netutil.ServerResponse(w, http.StatusOK, "", map[string]any{
		"isValid": resolver.IsValidURL(body.URL),
		"videoId": resolver.ExtractVideoID(body.URL),
		"url":     body.URL,
	})
}

func (h *Handlers) WebSocket(w http.ResponseWriter, r *http.Request) {
	h.Hub.ServeWS(w, r)
}
