package stream

import (
	"fmt"
	"math"
	"time"
)

// Names of the notifications published to observers.
const (
	EventTrackStarted         = "trackStarted"
	EventTrackEnded           = "trackEnded"
	EventTrackFailed          = "trackFailed"
	EventProgress             = "progress"
	EventQueueChanged         = "queueChanged"
	EventListenerCountChanged = "listenerCountChanged"
	EventStateChanged         = "stateChanged"
)

// Reasons carried by trackEnded.
const (
	EndFinished = "finished"
	EndSkipped  = "skipped"
	EndStopped  = "stopped"
	EndPipeline = "pipeline"
)

// Publisher receives every notification. Implementations must not block.
type Publisher interface {
	Publish(typ string, data any)
}

type nopPublisher struct{}

func (nopPublisher) Publish(string, any) {}

// MultiPublisher delivers each notification to every publisher in order.
type MultiPublisher []Publisher

func (m MultiPublisher) Publish(typ string, data any) {
	for _, p := range m {
		p.Publish(typ, data)
	}
}

// CountPublisher adapts a Publisher to the broadcaster count hook.
func CountPublisher(p Publisher) func(int) {
	return func(n int) {
		p.Publish(EventListenerCountChanged, ListenerCountPayload{Count: n})
	}
}

type Progress struct {
	CurrentPosition      int     `json:"currentPosition"`
	Duration             int     `json:"duration"`
	Percent              float64 `json:"progress"`
	FormattedCurrentTime string  `json:"formattedCurrentTime"`
	FormattedDuration    string  `json:"formattedDuration"`
}

type ProgressPayload struct {
	Progress
	IsPlaying   bool   `json:"isPlaying"`
	CurrentSong *Track `json:"currentSong"`
}

type TrackPayload struct {
	Track     Track      `json:"track"`
	StartTime *time.Time `json:"startTime,omitempty"`
	Reason    string     `json:"reason,omitempty"`
	Error     string     `json:"error,omitempty"`
}

type QueuePayload struct {
	Playlist []Track `json:"playlist"`
}

type ListenerCountPayload struct {
	Count int `json:"count"`
}

// computeProgress derives position from the start timestamp; elapsed time is
// never accumulated, so ticks that arrive late cannot drift.
func computeProgress(t Track, startedAt, now time.Time) Progress {
	pos := int(now.Sub(startedAt) / time.Second)
	if pos < 0 {
		pos = 0
	}
	p := Progress{Duration: t.DurationSec}
	if t.HasDuration() {
		if pos > t.DurationSec {
			pos = t.DurationSec
		}
		p.Percent = math.Min(float64(pos)/float64(t.DurationSec)*100, 100)
	}
	p.CurrentPosition = pos
	p.FormattedCurrentTime = FormatTime(pos)
	p.FormattedDuration = FormatTime(t.DurationSec)
	return p
}

// FormatTime renders seconds as M:SS.
func FormatTime(seconds int) string {
	if seconds <= 0 {
		return "0:00"
	}
	return fmt.Sprintf("%d:%02d", seconds/60, seconds%60)
}
