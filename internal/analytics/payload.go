package analytics

import "time"

type ListenerSession struct {
	ID          string     `json:"id"`
	StartedAt   time.Time  `json:"started_at"`
	EndedAt     *time.Time `json:"ended_at"`
	TrackID     string     `json:"track_id,omitempty"`
	IPHash      string     `json:"ip_hash"`
	UserAgent   string     `json:"user_agent"`
	ClientType  string     `json:"client_type"`
	Country     string     `json:"country"`
	Region      string     `json:"region"`
	City        string     `json:"city"`
	Lat         float64    `json:"lat"`
	Lon         float64    `json:"lon"`
	TotalBytes  int64      `json:"total_bytes"`
	GeoResolved bool       `json:"geo_resolved"`
}

type ListenerBucket struct {
	Interval        string         `json:"interval"`
	BucketStart     time.Time      `json:"bucket_start"`
	ActivePeak      int            `json:"active_peak"`
	ListenerMinutes int            `json:"listener_minutes"`
	Countries       map[string]int `json:"countries"`
}

type ListenerBatch struct {
	StationID string            `json:"station_id"`
	Sessions  []ListenerSession `json:"sessions"`
	Buckets   []ListenerBucket  `json:"buckets"`
}

// PlayEvent records one track lifecycle transition.
type PlayEvent struct {
	ID        string     `json:"id"`
	Type      string     `json:"type"` // started, ended, failed
	TrackID   string     `json:"track_id"`
	Title     string     `json:"title,omitempty"`
	Artist    string     `json:"artist,omitempty"`
	Reason    string     `json:"reason,omitempty"`
	Error     string     `json:"error,omitempty"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	At        time.Time  `json:"at"`
}

type PlayBatch struct {
	StationID string      `json:"station_id"`
	Events    []PlayEvent `json:"events"`
}
