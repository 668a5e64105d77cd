package analytics

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/ivugurura/radio-sync/internal/listeners"
	"github.com/ivugurura/radio-sync/internal/stream"
)

const maxPendingPlays = 1000

// sessionRetention bounds how long ended sessions are kept when the backend
// never accepts them.
const sessionRetention = time.Hour

// Reporter periodically sends listener sessions, interval buckets and play
// events to the backend. Sessions that ended are pruned from the store once
// reported. Delivery failures never affect streaming.
type Reporter struct {
	client    *Client
	store     *listeners.Store
	stationID string
	interval  time.Duration
	clock     clock.Clock
	buckets   *bucketState

	mu    sync.Mutex
	plays []PlayEvent

	flushMu sync.Mutex
	last    time.Time
}

type ReporterOption func(*Reporter)

func WithReporterClock(c clock.Clock) ReporterOption {
	return func(r *Reporter) { r.clock = c }
}

func NewReporter(client *Client, store *listeners.Store, stationID string, every time.Duration, opts ...ReporterOption) *Reporter {
	r := &Reporter{
		client:    client,
		store:     store,
		stationID: stationID,
		interval:  every,
		clock:     clock.New(),
		buckets:   newBucketState(),
	}
	for _, o := range opts {
		o(r)
	}
	r.last = r.clock.Now().UTC()
	return r
}

// Publish records track lifecycle events; everything else is ignored.
func (r *Reporter) Publish(typ string, data any) {
	p, ok := data.(stream.TrackPayload)
	if !ok {
		return
	}
	ev := PlayEvent{
		ID:        uuid.NewString(),
		TrackID:   p.Track.ID,
		Title:     p.Track.Title,
		Artist:    p.Track.Artist,
		Reason:    p.Reason,
		Error:     p.Error,
		StartedAt: p.StartTime,
		At:        r.clock.Now().UTC(),
	}
	switch typ {
	case stream.EventTrackStarted:
		ev.Type = "started"
	case stream.EventTrackEnded:
		ev.Type = "ended"
	case stream.EventTrackFailed:
		ev.Type = "failed"
	default:
		return
	}
	r.mu.Lock()
	r.plays = append(r.plays, ev)
	if over := len(r.plays) - maxPendingPlays; over > 0 {
		r.plays = r.plays[over:]
	}
	r.mu.Unlock()
}

func (r *Reporter) Run(ctx context.Context) error {
	if r.interval <= 0 {
		<-ctx.Done()
		return nil
	}
	t := r.clock.Ticker(r.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = r.Flush(flushCtx)
			cancel()
			return nil
		case <-t.C:
			if err := r.Flush(ctx); err != nil {
				log.Printf("Analytics: flush failed: %v", err)
			}
		}
	}
}

// Flush samples the audience and sends what is ready. Sessions reported with
// an end time are dropped from the store.
func (r *Reporter) Flush(ctx context.Context) error {
	r.flushMu.Lock()
	defer r.flushMu.Unlock()

	now := r.clock.Now().UTC()
	all := r.store.All()
	snap := BuildSnapshot(all, now)
	r.buckets.addSample(now, snap.TotalActive, snap.Countries)
	r.buckets.accrue(now, now.Sub(r.last), snap.TotalActive)
	r.last = now

	var errs []error
	batch := ListenerBatch{
		StationID: r.stationID,
		Sessions:  lo.Map(all, toSession),
		Buckets:   r.buckets.drainReady(now.Add(-time.Second)),
	}
	if len(batch.Sessions) > 0 || len(batch.Buckets) > 0 {
		if err := r.client.SendListenerBatch(ctx, batch); err != nil {
			errs = append(errs, err)
		} else if n := r.store.Remove(endedIDs(batch.Sessions)...); n > 0 {
			log.Printf("Analytics: reported and pruned %d ended sessions", n)
		}
	}

	r.store.Prune(now.Add(-sessionRetention))

	if plays := r.takePlays(); len(plays) > 0 {
		if err := r.client.SendPlayBatch(ctx, PlayBatch{StationID: r.stationID, Events: plays}); err != nil {
			r.requeue(plays)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Reporter) takePlays() []PlayEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	plays := r.plays
	r.plays = nil
	return plays
}

// requeue puts unsent events back ahead of anything recorded since.
func (r *Reporter) requeue(plays []PlayEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.plays = append(plays, r.plays...)
	if over := len(r.plays) - maxPendingPlays; over > 0 {
		r.plays = r.plays[over:]
	}
}

func endedIDs(sessions []ListenerSession) []string {
	return lo.FilterMap(sessions, func(s ListenerSession, _ int) (string, bool) {
		return s.ID, s.EndedAt != nil
	})
}
