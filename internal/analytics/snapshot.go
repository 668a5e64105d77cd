package analytics

import (
	"time"

	"github.com/samber/lo"

	"github.com/ivugurura/radio-sync/internal/listeners"
)

// Snapshot is a point-in-time summary of the audience.
type Snapshot struct {
	GeneratedAt time.Time      `json:"generated_at"`
	TotalActive int            `json:"total_active"`
	Countries   map[string]int `json:"countries"`
	ClientTypes map[string]int `json:"client_types"`
	BytesSent   int64          `json:"bytes_sent"`
}

func BuildSnapshot(ls []*listeners.Listener, now time.Time) Snapshot {
	active := lo.Filter(ls, func(l *listeners.Listener, _ int) bool { return l.Connected() })
	located := lo.Filter(active, func(l *listeners.Listener, _ int) bool { return l.Country != "" })
	return Snapshot{
		GeneratedAt: now.UTC(),
		TotalActive: len(active),
		Countries:   lo.CountValuesBy(located, func(l *listeners.Listener) string { return l.Country }),
		ClientTypes: lo.CountValuesBy(active, func(l *listeners.Listener) string { return l.ClientType }),
		BytesSent:   lo.SumBy(ls, func(l *listeners.Listener) int64 { return l.BytesSent.Load() }),
	}
}

func toSession(l *listeners.Listener, _ int) ListenerSession {
	return ListenerSession{
		ID:          l.ID,
		StartedAt:   l.ConnectedAt,
		EndedAt:     l.DisconnectedAt.Load(),
		TrackID:     l.JoinedTrackID,
		IPHash:      l.IPHash,
		UserAgent:   l.UserAgent,
		ClientType:  l.ClientType,
		Country:     l.Country,
		Region:      l.Region,
		City:        l.City,
		Lat:         l.Lat,
		Lon:         l.Lon,
		TotalBytes:  l.BytesSent.Load(),
		GeoResolved: l.Enriched.Load(),
	}
}
