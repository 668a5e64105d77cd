package stream

import (
	"fmt"
	"time"
)

// Track describes one playable item. It is passed by value and never
// modified after construction.
type Track struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Artist      string `json:"artist"`
	Album       string `json:"album,omitempty"`
	DurationSec int    `json:"duration"`
	Thumbnail   string `json:"thumbnail"`
	URL         string `json:"url"`
}

func (t Track) Validate() error {
	switch {
	case t.ID == "":
		return fmt.Errorf("%w: missing id", ErrInvalidTrack)
	case t.Title == "":
		return fmt.Errorf("%w: missing title", ErrInvalidTrack)
	case t.DurationSec < 0:
		return fmt.Errorf("%w: negative duration %d", ErrInvalidTrack, t.DurationSec)
	}
	return nil
}

// WithDefaults fills the display fields a submitter may leave out.
func (t Track) WithDefaults() Track {
	if t.Title == "" {
		t.Title = "Unknown Title"
	}
	if t.Artist == "" {
		t.Artist = "Unknown Artist"
	}
	if t.Thumbnail == "" && t.ID != "" {
		t.Thumbnail = "https://i.ytimg.com/vi/" + t.ID + "/hqdefault.jpg"
	}
	if t.URL == "" && t.ID != "" {
		t.URL = "https://music.youtube.com/watch?v=" + t.ID
	}
	return t
}

func (t Track) HasDuration() bool {
	return t.DurationSec > 0
}

func (t Track) Duration() time.Duration {
	return time.Duration(t.DurationSec) * time.Second
}

// SourceURL is the address handed to the fetch step.
func (t Track) SourceURL() string {
	return "https://www.youtube.com/watch?v=" + t.ID
}
