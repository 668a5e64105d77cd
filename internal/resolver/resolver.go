package resolver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/url"
	"os/exec"
	"regexp"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/ivugurura/radio-sync/internal/stream"
)

// ErrNotFound covers every resolution failure: no match, tool error or a
// record that does not validate.
var ErrNotFound = errors.New("no result")

// Runner executes a command and returns its stdout.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil && stderr.Len() > 0 {
		return out, fmt.Errorf("%w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return out, err
}

type Resolver struct {
	command string
	run     Runner
	timeout time.Duration
	cache   *lru.Cache[string, stream.Track]
}

type Option func(*Resolver)

func WithRunner(run Runner) Option {
	return func(r *Resolver) { r.run = run }
}

func WithTimeout(d time.Duration) Option {
	return func(r *Resolver) { r.timeout = d }
}

func New(command string, cacheSize int, opts ...Option) (*Resolver, error) {
	if command == "" {
		command = "yt-dlp"
	}
	if cacheSize <= 0 {
		cacheSize = 512
	}
	cache, err := lru.New[string, stream.Track](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("resolver cache: %w", err)
	}
	r := &Resolver{
		command: command,
		run:     execRunner,
		timeout: 20 * time.Second,
		cache:   cache,
	}
	for _, o := range opts {
		o(r)
	}
	return r, nil
}

// Resolve turns a free-text query, or a video link, into a track.
func (r *Resolver) Resolve(ctx context.Context, query string) (stream.Track, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return stream.Track{}, ErrNotFound
	}
	if id := ExtractVideoID(query); id != "" {
		return r.ResolveByID(ctx, id)
	}

	key := "q:" + strings.ToLower(query)
	if t, ok := r.cache.Get(key); ok {
		return t, nil
	}

	searchURL := "https://music.youtube.com/search?q=" + url.QueryEscape(query)
	out, err := r.exec(ctx, "-j", "--flat-playlist", "--playlist-items", "1", "--no-warnings", searchURL)
	if err != nil {
		log.Printf("Resolver: search %q failed: %v", query, err)
		return stream.Track{}, fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	hit, err := decodeFirst(out)
	if err != nil || hit.ID == "" {
		return stream.Track{}, ErrNotFound
	}

	t, err := r.ResolveByID(ctx, hit.ID)
	if err != nil {
		return stream.Track{}, err
	}
	r.cache.Add(key, t)
	return t, nil
}

// ResolveByID fetches full metadata for one video id.
func (r *Resolver) ResolveByID(ctx context.Context, id string) (stream.Track, error) {
	id = strings.TrimSpace(id)
	if !IsValidID(id) {
		return stream.Track{}, ErrNotFound
	}
	key := "id:" + id
	if t, ok := r.cache.Get(key); ok {
		return t, nil
	}

	out, err := r.exec(ctx, "-j", "--no-playlist", "--no-warnings", "https://music.youtube.com/watch?v="+id)
	if err != nil {
		log.Printf("Resolver: lookup %s failed: %v", id, err)
		return stream.Track{}, fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	data, err := decodeFirst(out)
	if err != nil {
		return stream.Track{}, fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	t := data.track()
	if err := t.Validate(); err != nil {
		return stream.Track{}, fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	r.cache.Add(key, t)
	return t, nil
}

func (r *Resolver) exec(ctx context.Context, args ...string) ([]byte, error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	return r.run(ctx, r.command, args...)
}

// ytData is the subset of yt-dlp's JSON output the radio uses.
type ytData struct {
	ID         string  `json:"id"`
	Title      string  `json:"title"`
	Artist     string  `json:"artist"`
	Uploader   string  `json:"uploader"`
	Channel    string  `json:"channel"`
	Album      string  `json:"album"`
	Duration   float64 `json:"duration"`
	Thumbnail  string  `json:"thumbnail"`
	Thumbnails []struct {
		URL string `json:"url"`
	} `json:"thumbnails"`
	URL        string `json:"url"`
	WebpageURL string `json:"webpage_url"`
}

func (d ytData) track() stream.Track {
	t := stream.Track{
		ID:          d.ID,
		Title:       firstNonEmpty(d.Title, "Unknown Title"),
		Artist:      firstNonEmpty(d.Artist, d.Uploader, d.Channel, "Unknown Artist"),
		Album:       d.Album,
		DurationSec: int(d.Duration),
		Thumbnail:   d.Thumbnail,
		URL:         firstNonEmpty(d.WebpageURL, d.URL),
	}
	if t.Thumbnail == "" && len(d.Thumbnails) > 0 {
		t.Thumbnail = d.Thumbnails[0].URL
	}
	return t
}

// decodeFirst parses the first JSON object from yt-dlp output, which emits
// one object per line.
func decodeFirst(out []byte) (ytData, error) {
	var d ytData
	dec := json.NewDecoder(bytes.NewReader(out))
	if err := dec.Decode(&d); err != nil {
		return ytData{}, fmt.Errorf("decode yt-dlp output: %w", err)
	}
	return d, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

var (
	videoIDPattern = regexp.MustCompile(`^[\w-]+$`)
	videoURLRe     = regexp.MustCompile(`(?:youtube\.com/watch\?v=|youtu\.be/|music\.youtube\.com/watch\?v=)([\w-]+)`)
	validURLRes    = []*regexp.Regexp{
		regexp.MustCompile(`^https?://(www\.)?youtube\.com/watch\?v=[\w-]+`),
		regexp.MustCompile(`^https?://youtu\.be/[\w-]+`),
		regexp.MustCompile(`^https?://music\.youtube\.com/watch\?v=[\w-]+`),
	}
)

// IsValidID reports whether id is safe to splice into a watch URL.
func IsValidID(id string) bool {
	return videoIDPattern.MatchString(id)
}

// IsValidURL reports whether u is a YouTube or YouTube Music watch link.
func IsValidURL(u string) bool {
	for _, re := range validURLRes {
		if re.MatchString(u) {
			return true
		}
	}
	return false
}

// ExtractVideoID returns the video id in a watch link, or "".
func ExtractVideoID(u string) string {
	m := videoURLRe.FindStringSubmatch(u)
	if m == nil {
		return ""
	}
	return m[1]
}
