package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/url"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/samber/lo"

	"github.com/ivugurura/radio-sync/internal/stream"
)

// ErrStopped is reported by Err when the stream was stopped by its owner.
var ErrStopped = errors.New("pipeline stopped")

var (
	DefaultFetchArgs     = []string{"-f", "bestaudio/best", "--no-playlist", "--no-warnings", "-o", "-", "{url}"}
	DefaultTranscodeArgs = []string{"-hide_banner", "-loglevel", "error", "-i", "pipe:0", "-vn", "-acodec", "libmp3lame", "-b:a", "{bitrate}k", "-f", "mp3", "pipe:1"}
)

const (
	defaultChunkSize = 4096
	chunkQueue       = 64
	stderrTail       = 512
	fetchGrace       = 2 * time.Second
)

// Config describes the two commands. Arguments may contain the {url} and
// {bitrate} placeholders.
type Config struct {
	FetchCommand     string
	FetchArgs        []string
	TranscodeCommand string
	TranscodeArgs    []string
	BitrateKbps      int
	ChunkSize        int
}

// Pipeline launches a fetch process whose stdout feeds a transcode process.
type Pipeline struct {
	cfg Config
}

func New(cfg Config) *Pipeline {
	if cfg.FetchCommand == "" {
		cfg.FetchCommand = "yt-dlp"
	}
	if cfg.FetchArgs == nil {
		cfg.FetchArgs = DefaultFetchArgs
	}
	if cfg.TranscodeCommand == "" {
		cfg.TranscodeCommand = "ffmpeg"
	}
	if cfg.TranscodeArgs == nil {
		cfg.TranscodeArgs = DefaultTranscodeArgs
	}
	if cfg.BitrateKbps <= 0 {
		cfg.BitrateKbps = 128
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = defaultChunkSize
	}
	return &Pipeline{cfg: cfg}
}

// Acquire starts the pipeline for t's source URL.
func (p *Pipeline) Acquire(ctx context.Context, t stream.Track) (stream.AudioStream, error) {
	s, err := p.Start(ctx, t.ID, t.SourceURL())
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Start launches both processes and returns without waiting for audio.
func (p *Pipeline) Start(ctx context.Context, trackID, source string) (*Stream, error) {
	if err := validateSource(source); err != nil {
		return nil, &stream.AcquisitionError{TrackID: trackID, Stage: "url", Err: err}
	}

	r := strings.NewReplacer("{url}", source, "{bitrate}", strconv.Itoa(p.cfg.BitrateKbps))
	expand := func(args []string) []string {
		return lo.Map(args, func(a string, _ int) string { return r.Replace(a) })
	}

	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, &stream.AcquisitionError{TrackID: trackID, Stage: "fetch", Err: err}
	}

	s := &Stream{
		trackID:      trackID,
		chunks:       make(chan []byte, chunkQueue),
		done:         make(chan struct{}),
		stop:         make(chan struct{}),
		fetchErr:     &tailBuffer{max: stderrTail},
		transcodeErr: &tailBuffer{max: stderrTail},
	}

	s.transcode = exec.Command(p.cfg.TranscodeCommand, expand(p.cfg.TranscodeArgs)...)
	s.transcode.Stdin = pr
	s.transcode.Stderr = s.transcodeErr
	setProcessGroup(s.transcode)
	stdout, err := s.transcode.StdoutPipe()
	if err != nil {
		pr.Close()
		pw.Close()
		return nil, &stream.AcquisitionError{TrackID: trackID, Stage: "transcode", Err: err}
	}
	if err := s.transcode.Start(); err != nil {
		pr.Close()
		pw.Close()
		return nil, &stream.AcquisitionError{TrackID: trackID, Stage: "transcode", Err: err}
	}

	s.fetch = exec.Command(p.cfg.FetchCommand, expand(p.cfg.FetchArgs)...)
	s.fetch.Stdout = pw
	s.fetch.Stderr = s.fetchErr
	setProcessGroup(s.fetch)
	if err := s.fetch.Start(); err != nil {
		pr.Close()
		pw.Close()
		killGroup(s.transcode.Process)
		_ = s.transcode.Wait()
		return nil, &stream.AcquisitionError{TrackID: trackID, Stage: "fetch", Err: err}
	}

	// the children hold their own copies of the pipe ends
	pr.Close()
	pw.Close()

	log.Printf("[pipeline %s] started fetch pid=%d transcode pid=%d", trackID, s.fetch.Process.Pid, s.transcode.Process.Pid)
	go s.run(stdout, p.cfg.ChunkSize)
	go func() {
		select {
		case <-ctx.Done():
			s.Stop()
		case <-s.done:
		}
	}()
	return s, nil
}

func validateSource(source string) error {
	u, err := url.ParseRequestURI(source)
	if err != nil {
		return fmt.Errorf("malformed source url %q: %w", source, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("malformed source url %q", source)
	}
	return nil
}

// Stream is one running fetch/transcode pair.
type Stream struct {
	trackID   string
	fetch     *exec.Cmd
	transcode *exec.Cmd

	chunks chan []byte
	done   chan struct{}
	stop   chan struct{}

	stopOnce sync.Once
	stopped  atomic.Bool

	fetchErr     *tailBuffer
	transcodeErr *tailBuffer

	mu  sync.Mutex
	err error
}

func (s *Stream) Chunks() <-chan []byte { return s.chunks }
func (s *Stream) Done() <-chan struct{} { return s.done }

// Err is nil after a clean exit. It is only meaningful once Done is closed.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Pids returns the fetch and transcode process ids.
func (s *Stream) Pids() []int {
	return []int{s.fetch.Process.Pid, s.transcode.Process.Pid}
}

// Stop kills both process groups. It does not wait; Done is closed once they
// have been reaped.
func (s *Stream) Stop() {
	s.stopOnce.Do(func() {
		s.stopped.Store(true)
		select {
		case <-s.done:
		default:
			killGroup(s.transcode.Process)
			killGroup(s.fetch.Process)
		}
		close(s.stop)
	})
}

func (s *Stream) run(stdout io.Reader, chunkSize int) {
	defer close(s.done)

	s.read(stdout, chunkSize)
	close(s.chunks)

	terr := s.transcode.Wait()

	// fetch has nothing left to write to once transcode is gone
	fetchDone := make(chan error, 1)
	go func() { fetchDone <- s.fetch.Wait() }()
	var ferr error
	select {
	case ferr = <-fetchDone:
	case <-time.After(fetchGrace):
		killGroup(s.fetch.Process)
		<-fetchDone
	}

	var err error
	switch {
	case s.stopped.Load():
		err = ErrStopped
	case ferr != nil:
		err = exitError(s.fetch, ferr, s.fetchErr)
	case terr != nil:
		err = exitError(s.transcode, terr, s.transcodeErr)
	}
	if err != nil && !errors.Is(err, ErrStopped) {
		log.Printf("[pipeline %s] %v", s.trackID, err)
	}

	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *Stream) read(stdout io.Reader, chunkSize int) {
	buf := make([]byte, chunkSize)
	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case s.chunks <- chunk:
			case <-s.stop:
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func exitError(cmd *exec.Cmd, err error, stderr *tailBuffer) error {
	name := cmd.Path
	if len(cmd.Args) > 0 {
		name = cmd.Args[0]
	}
	if tail := stderr.String(); tail != "" {
		return fmt.Errorf("%s: %w: %s", name, err, tail)
	}
	return fmt.Errorf("%s: %w", name, err)
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
	max int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf.Write(p)
	if over := t.buf.Len() - t.max; over > 0 {
		t.buf.Next(over)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.TrimSpace(t.buf.String())
}
