package stream

import "errors"

var (
	ErrIndexOutOfRange = errors.New("queue index out of range")
	ErrNoActiveTrack   = errors.New("no song is currently playing")
	ErrBufferEmpty     = errors.New("no audio buffered yet")
	ErrStaleTrack      = errors.New("track changed during join")
	ErrOutsideWindow   = errors.New("join offset outside the retained buffer")
	ErrInvalidTrack    = errors.New("invalid track")
	ErrStartupTimeout  = errors.New("pipeline produced no audio within the startup window")
	ErrNotRunning      = errors.New("coordinator is not running")
)

// AcquisitionError reports that the pipeline could not produce audio for a
// track. It is recoverable: the coordinator skips to the next entry.
type AcquisitionError struct {
	TrackID string
	Stage   string // url, fetch, transcode, startup, exit
	Err     error
}

func (e *AcquisitionError) Error() string {
	return "acquire " + e.TrackID + ": " + e.Stage + ": " + e.Err.Error()
}

func (e *AcquisitionError) Unwrap() error {
	return e.Err
}
