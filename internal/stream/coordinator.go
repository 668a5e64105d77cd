package stream

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/ivugurura/radio-sync/internal/listeners"
)

type State int

const (
	StateIdle State = iota
	StateAcquiring
	StatePlaying
	StateEnding
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAcquiring:
		return "acquiring"
	case StatePlaying:
		return "playing"
	case StateEnding:
		return "ending"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// AudioStream is a running acquisition of one track. Chunks is closed when the
// audio ends; Done is closed once the underlying processes are gone, after
// which Err reports why they stopped.
type AudioStream interface {
	Chunks() <-chan []byte
	Done() <-chan struct{}
	Err() error
	Stop()
}

// Source starts acquiring a track. It must return promptly; startup
// failures after launch are reported through the stream.
type Source interface {
	Acquire(ctx context.Context, t Track) (AudioStream, error)
}

// PlaybackState is a consistent snapshot of what is on air. Playing implies
// Track is set and StartedAt is non-zero.
type PlaybackState struct {
	State     State
	Track     *Track
	Playing   bool
	StartedAt time.Time
	Epoch     uint64
}

// Status is the externally visible radio state.
type Status struct {
	State       string     `json:"state"`
	CurrentSong *Track     `json:"currentSong"`
	IsPlaying   bool       `json:"isPlaying"`
	StartTime   *time.Time `json:"startTime"`
	Progress
	ListenerCount int     `json:"listenerCount"`
	Playlist      []Track `json:"playlist"`
}

const (
	mailboxSize    = 64
	joinPoll       = 50 * time.Millisecond
	prerollSeconds = 2
)

type Option func(*Coordinator)

func WithClock(c clock.Clock) Option {
	return func(co *Coordinator) { co.clock = c }
}

func WithPublisher(p Publisher) Option {
	return func(co *Coordinator) {
		if p != nil {
			co.pub = p
		}
	}
}

func WithBytesPerSecond(n int) Option {
	return func(co *Coordinator) {
		if n > 0 {
			co.bytesPerSec = n
		}
	}
}

func WithStartupTimeout(d time.Duration) Option {
	return func(co *Coordinator) { co.startupTimeout = d }
}

func WithRetryDelay(d time.Duration) Option {
	return func(co *Coordinator) { co.retryDelay = d }
}

func WithJoinWait(d time.Duration) Option {
	return func(co *Coordinator) { co.joinWait = d }
}

func WithMaxBufferBytes(n int) Option {
	return func(co *Coordinator) { co.maxBuffer = n }
}

// WithPacing toggles wall-clock pacing of chunks into the broadcaster.
func WithPacing(on bool) Option {
	return func(co *Coordinator) { co.pace = on }
}

// Coordinator owns the queue, the current track and the playback clock.
// All state changes run on the Run goroutine, one message at a time; other
// goroutines only post closures to the mailbox or read the published snapshot.
type Coordinator struct {
	source      Source
	queue       *Queue
	broadcaster *Broadcaster
	pub         Publisher
	clock       clock.Clock

	bytesPerSec    int
	startupTimeout time.Duration
	retryDelay     time.Duration
	joinWait       time.Duration
	maxBuffer      int
	pace           bool

	mailbox chan func()
	quit    chan struct{}
	running atomic.Bool
	snap    atomic.Pointer[PlaybackState]

	// owned by the Run goroutine
	ctx           context.Context
	state         State
	track         *Track
	startedAt     time.Time
	gen           uint64
	epoch         uint64
	stream        AudioStream
	pumpStop      chan struct{}
	progress      *clock.Ticker
	durationTimer *clock.Timer
	startupTimer  *clock.Timer
	retryTimer    *clock.Timer
}

func NewCoordinator(src Source, b *Broadcaster, opts ...Option) *Coordinator {
	c := &Coordinator{
		source:         src,
		queue:          NewQueue(),
		broadcaster:    b,
		pub:            nopPublisher{},
		clock:          clock.New(),
		bytesPerSec:    16000,
		startupTimeout: 8 * time.Second,
		retryDelay:     3 * time.Second,
		joinWait:       5 * time.Second,
		maxBuffer:      32 << 20,
		pace:           true,
		mailbox:        make(chan func(), mailboxSize),
		quit:           make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	c.snap.Store(&PlaybackState{State: StateIdle})
	return c
}

func (c *Coordinator) Broadcaster() *Broadcaster { return c.broadcaster }

// Run processes commands and timers until ctx is done, then stops the
// current track. It may only be called once.
func (c *Coordinator) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return errors.New("coordinator already running")
	}
	c.ctx = ctx
	defer close(c.quit)

	for {
		// expired timers go before queued commands
		if c.drainTimers() {
			continue
		}
		select {
		case <-ctx.Done():
			if c.track != nil || c.state != StateIdle {
				log.Printf("Coordinator: shutting down, stopping %s", c.describe())
			}
			c.toIdle()
			return nil
		case fn := <-c.mailbox:
			fn()
		case <-tickerC(c.progress):
			c.onTick()
		case <-timerC(c.durationTimer):
			c.durationTimer = nil
			c.onDurationElapsed()
		case <-timerC(c.startupTimer):
			c.startupTimer = nil
			c.onStartupTimeout()
		case <-timerC(c.retryTimer):
			c.retryTimer = nil
			c.startNext()
		}
	}
}

func (c *Coordinator) drainTimers() bool {
	select {
	case <-tickerC(c.progress):
		c.onTick()
		return true
	default:
	}
	select {
	case <-timerC(c.durationTimer):
		c.durationTimer = nil
		c.onDurationElapsed()
		return true
	default:
	}
	select {
	case <-timerC(c.startupTimer):
		c.startupTimer = nil
		c.onStartupTimeout()
		return true
	default:
	}
	select {
	case <-timerC(c.retryTimer):
		c.retryTimer = nil
		c.startNext()
		return true
	default:
	}
	return false
}

// nil timers yield nil channels, which never fire in a select.
func tickerC(t *clock.Ticker) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

func timerC(t *clock.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

// call runs fn on the Run goroutine and waits for it to finish.
func (c *Coordinator) call(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	msg := func() {
		defer close(done)
		fn()
	}
	select {
	case c.mailbox <- msg:
	case <-c.quit:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-c.quit:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
}

// post delivers an event from a worker goroutine. It reports false once the
// coordinator has stopped.
func (c *Coordinator) post(fn func()) bool {
	select {
	case c.mailbox <- fn:
		return true
	case <-c.quit:
		return false
	}
}

// Enqueue appends t. Playback starts when the queue goes from empty to
// non-empty while nothing is on air.
func (c *Coordinator) Enqueue(ctx context.Context, t Track) error {
	if err := t.Validate(); err != nil {
		return err
	}
	t = t.WithDefaults()
	return c.call(ctx, func() {
		wasEmpty := c.queue.Len() == 0
		c.queue.Enqueue(t)
		log.Printf("Coordinator: queued %s (%s)", t.Title, t.ID)
		c.publishQueue()
		if wasEmpty && c.state == StateIdle {
			c.startNext()
		}
	})
}

func (c *Coordinator) RemoveAt(ctx context.Context, i int) (Track, error) {
	var (
		removed Track
		rerr    error
	)
	err := c.call(ctx, func() {
		removed, rerr = c.queue.RemoveAt(i)
		if rerr == nil {
			c.publishQueue()
		}
	})
	if err != nil {
		return Track{}, err
	}
	return removed, rerr
}

// Clear empties the queue. The current track keeps playing.
func (c *Coordinator) Clear(ctx context.Context) error {
	return c.call(ctx, func() {
		c.queue.Clear()
		c.publishQueue()
	})
}

// Advance ends the current track, if any, and starts the next queued one.
func (c *Coordinator) Advance(ctx context.Context) error {
	return c.call(ctx, func() {
		switch c.state {
		case StatePlaying:
			c.finishTrack(EndSkipped)
		case StateAcquiring:
			if c.track != nil {
				log.Printf("Coordinator: abandoning acquisition of %s", c.track.ID)
			}
			c.startNext()
		default:
			c.startNext()
		}
	})
}

// Stop ends playback and returns to Idle. The queue is kept.
func (c *Coordinator) Stop(ctx context.Context) error {
	return c.call(ctx, func() {
		if c.state == StatePlaying && c.track != nil {
			c.pub.Publish(EventTrackEnded, TrackPayload{Track: *c.track, Reason: EndStopped})
		}
		log.Printf("Coordinator: stopped")
		c.toIdle()
	})
}

func (c *Coordinator) Queue() []Track {
	return c.queue.Snapshot()
}

func (c *Coordinator) State() PlaybackState {
	return *c.snap.Load()
}

func (c *Coordinator) Status() Status {
	ps := c.State()
	st := Status{
		State:         ps.State.String(),
		CurrentSong:   ps.Track,
		IsPlaying:     ps.Playing,
		ListenerCount: c.broadcaster.Count(),
		Playlist:      c.queue.Snapshot(),
	}
	if ps.Playing {
		started := ps.StartedAt
		st.StartTime = &started
		st.Progress = computeProgress(*ps.Track, ps.StartedAt, c.clock.Now())
	}
	return st
}

// Join attaches l to the current track at the offset matching elapsed
// playback time. While a track is being acquired it waits up to the join
// wait for the first audio to arrive.
func (c *Coordinator) Join(ctx context.Context, l *listeners.Listener) (*Subscription, error) {
	deadline := time.Now().Add(c.joinWait)
	for {
		ps := c.State()
		var err error
		switch ps.State {
		case StateIdle:
			return nil, ErrNoActiveTrack
		case StatePlaying:
			var sub *Subscription
			elapsed := c.clock.Since(ps.StartedAt)
			sub, err = c.broadcaster.Attach(ps.Epoch, elapsed, c.bytesPerSec, l)
			if errors.Is(err, ErrOutsideWindow) {
				log.Printf("Coordinator: offset %s for %s already evicted, joining live", elapsed.Truncate(time.Second), ps.Track.ID)
				sub, err = c.broadcaster.AttachLive(ps.Epoch, l)
			}
			if err == nil {
				return sub, nil
			}
			if !errors.Is(err, ErrBufferEmpty) && !errors.Is(err, ErrStaleTrack) && !errors.Is(err, ErrNoActiveTrack) {
				return nil, err
			}
		default:
			err = ErrBufferEmpty
		}

		if !time.Now().Before(deadline) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.quit:
			return nil, ErrNotRunning
		case <-time.After(joinPoll):
		}
	}
}

// sync waits until every message posted before it has been handled.
func (c *Coordinator) sync(ctx context.Context) error {
	return c.call(ctx, func() {})
}

func (c *Coordinator) setState(s State) {
	c.state = s
	ps := &PlaybackState{State: s, Epoch: c.epoch}
	if c.track != nil {
		t := *c.track
		ps.Track = &t
	}
	if s == StatePlaying && c.track != nil && !c.startedAt.IsZero() {
		ps.Playing = true
		ps.StartedAt = c.startedAt
	}
	c.snap.Store(ps)
}

func (c *Coordinator) describe() string {
	if c.track == nil {
		return c.state.String()
	}
	return fmt.Sprintf("%s (%s, %s)", c.track.Title, c.track.ID, c.state)
}

// startNext dequeues the next track and launches its acquisition, or goes
// Idle when the queue is empty.
func (c *Coordinator) startNext() {
	c.teardownStream()

	next, ok := c.queue.DequeueNext()
	if !ok {
		c.toIdle()
		return
	}
	c.publishQueue()

	gen := c.gen
	c.track = &next
	c.startedAt = time.Time{}
	c.setState(StateAcquiring)
	c.publishState()
	c.startupTimer = c.clock.Timer(c.startupTimeout)
	log.Printf("Coordinator: acquiring %s (%s)", next.Title, next.ID)

	ctx := c.ctx
	go func() {
		st, err := c.source.Acquire(ctx, next)
		if !c.post(func() { c.onAcquired(gen, st, err) }) && st != nil {
			st.Stop()
		}
	}()
}

func (c *Coordinator) onAcquired(gen uint64, st AudioStream, err error) {
	if gen != c.gen || c.state != StateAcquiring {
		if st != nil {
			st.Stop()
		}
		return
	}
	if err != nil {
		c.failTrack(err)
		return
	}

	c.stream = st
	c.pumpStop = make(chan struct{})
	c.epoch = c.broadcaster.Begin(c.track.ID, c.bufferLimit(*c.track))
	c.setState(StateAcquiring)
	go c.pump(gen, c.epoch, st, c.pumpStop)
}

// pump moves chunks from the stream into the broadcaster, paced to the
// assumed bitrate with a short preroll so new listeners start with a cushion.
func (c *Coordinator) pump(gen, epoch uint64, st AudioStream, stop <-chan struct{}) {
	var (
		sent    int64
		start   time.Time
		started bool
		preroll = int64(prerollSeconds * c.bytesPerSec)
	)

	for chunk := range st.Chunks() {
		if !c.broadcaster.Push(epoch, chunk) {
			continue // superseded; keep draining until the stream closes
		}
		if !started {
			started = true
			start = time.Now()
			if !c.post(func() { c.onReady(gen) }) {
				return
			}
		}
		sent += int64(len(chunk))

		if !c.pace || sent <= preroll {
			continue
		}
		expected := time.Duration(float64(sent-preroll) / float64(c.bytesPerSec) * float64(time.Second))
		if elapsed := time.Since(start); expected > elapsed {
			t := time.NewTimer(expected - elapsed)
			select {
			case <-t.C:
			case <-stop:
				t.Stop()
				return
			}
		}
	}

	<-st.Done()
	err := st.Err()
	c.post(func() { c.onStreamEnded(gen, started, err) })
}

func (c *Coordinator) onReady(gen uint64) {
	if gen != c.gen || c.state != StateAcquiring || c.track == nil {
		return
	}
	stopTimer(&c.startupTimer)
	c.startedAt = c.clock.Now()
	c.setState(StatePlaying)
	c.progress = c.clock.Ticker(time.Second)
	if c.track.HasDuration() {
		c.durationTimer = c.clock.Timer(c.track.Duration())
	}

	started := c.startedAt
	log.Printf("Coordinator: now playing %s by %s", c.track.Title, c.track.Artist)
	c.pub.Publish(EventTrackStarted, TrackPayload{Track: *c.track, StartTime: &started})
	c.publishState()
}

func (c *Coordinator) onStartupTimeout() {
	if c.state != StateAcquiring || c.track == nil {
		return
	}
	c.failTrack(&AcquisitionError{TrackID: c.track.ID, Stage: "startup", Err: ErrStartupTimeout})
}

func (c *Coordinator) onStreamEnded(gen uint64, produced bool, err error) {
	if gen != c.gen || c.track == nil {
		return
	}
	switch c.state {
	case StateAcquiring:
		if err == nil {
			err = errors.New("exited before producing audio")
		}
		c.failTrack(&AcquisitionError{TrackID: c.track.ID, Stage: "exit", Err: err})
	case StatePlaying:
		if err == nil && c.track.HasDuration() && c.clock.Since(c.startedAt) < c.track.Duration() {
			// audio delivered ahead of the clock; the duration timer ends the track
			log.Printf("Coordinator: stream for %s finished early, holding until %s", c.track.ID, FormatTime(c.track.DurationSec))
			return
		}
		if err != nil {
			log.Printf("Coordinator: stream for %s failed: %v", c.track.ID, err)
		}
		c.finishTrack(EndPipeline)
	}
}

func (c *Coordinator) onDurationElapsed() {
	if c.state != StatePlaying {
		return
	}
	c.finishTrack(EndFinished)
}

func (c *Coordinator) onTick() {
	if c.state != StatePlaying || c.track == nil {
		return
	}
	t := *c.track
	c.pub.Publish(EventProgress, ProgressPayload{
		Progress:    computeProgress(t, c.startedAt, c.clock.Now()),
		IsPlaying:   true,
		CurrentSong: &t,
	})
}

func (c *Coordinator) finishTrack(reason string) {
	track := *c.track
	c.setState(StateEnding)
	c.teardownStream()
	log.Printf("Coordinator: %s ended (%s)", track.Title, reason)
	c.pub.Publish(EventTrackEnded, TrackPayload{Track: track, Reason: reason})
	c.startNext()
}

// failTrack drops the current track. Playback moves on to the next queued
// track after the retry delay.
func (c *Coordinator) failTrack(err error) {
	track := *c.track
	log.Printf("Coordinator: failed to play %s: %v", track.ID, err)
	c.teardownStream()
	c.pub.Publish(EventTrackFailed, TrackPayload{Track: track, Error: err.Error()})

	if c.queue.Len() == 0 {
		c.toIdle()
		return
	}
	c.track = nil
	c.startedAt = time.Time{}
	c.setState(StateAcquiring)
	c.publishState()
	c.retryTimer = c.clock.Timer(c.retryDelay)
}

func (c *Coordinator) toIdle() {
	c.teardownStream()
	wasIdle := c.state == StateIdle && c.track == nil
	c.track = nil
	c.startedAt = time.Time{}
	c.setState(StateIdle)
	if !wasIdle {
		c.publishState()
	}
}

// teardownStream invalidates every outstanding worker event, stops the
// pipeline and timers, and disconnects listeners.
func (c *Coordinator) teardownStream() {
	c.gen++
	if c.progress != nil {
		c.progress.Stop()
		c.progress = nil
	}
	stopTimer(&c.durationTimer)
	stopTimer(&c.startupTimer)
	stopTimer(&c.retryTimer)
	if c.pumpStop != nil {
		close(c.pumpStop)
		c.pumpStop = nil
	}
	if c.stream != nil {
		c.stream.Stop()
		c.stream = nil
	}
	c.broadcaster.End()
}

func stopTimer(t **clock.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

// bufferLimit sizes the resync buffer to hold the whole track plus headroom,
// bounded by the configured ceiling.
func (c *Coordinator) bufferLimit(t Track) int {
	limit := c.maxBuffer
	if t.HasDuration() {
		est := int(float64(t.DurationSec)*1.25*float64(c.bytesPerSec)) + 10*c.bytesPerSec
		if limit <= 0 || est < limit {
			limit = est
		}
	}
	return limit
}

func (c *Coordinator) publishQueue() {
	c.pub.Publish(EventQueueChanged, QueuePayload{Playlist: c.queue.Snapshot()})
}

func (c *Coordinator) publishState() {
	c.pub.Publish(EventStateChanged, c.Status())
}
