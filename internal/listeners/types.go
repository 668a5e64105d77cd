package listeners

import (
	"net"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Listener is the session record of one audio connection.
type Listener struct {
	ID string

	// Connection metadata
	ConnectedAt    time.Time
	DisconnectedAt atomic.Pointer[time.Time]
	JoinedTrackID  string

	// Network / Client
	RemoteIP   net.IP
	IPHash     string
	Country    string
	Region     string
	City       string
	Lat, Lon   float64
	UserAgent  string
	ClientType string

	// Stats
	BytesSent atomic.Int64

	// Internal flags
	Enriched atomic.Bool
}

func New(remoteIP net.IP, userAgent, clientType string) *Listener {
	return &Listener{
		ID:          uuid.NewString(),
		ConnectedAt: time.Now().UTC(),
		RemoteIP:    remoteIP,
		UserAgent:   userAgent,
		ClientType:  clientType,
	}
}

// MarkDisconnected records the first disconnect time only.
func (l *Listener) MarkDisconnected() {
	now := time.Now().UTC()
	l.DisconnectedAt.CompareAndSwap(nil, &now)
}

func (l *Listener) Connected() bool {
	return l.DisconnectedAt.Load() == nil
}
