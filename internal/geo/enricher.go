package geo

import (
	"crypto/sha256"
	"encoding/hex"
	"log"
	"net"

	"github.com/oschwald/geoip2-golang"

	"github.com/ivugurura/radio-sync/internal/listeners"
)

// cityLookup is the part of *geoip2.Reader the enricher needs.
type cityLookup interface {
	City(ip net.IP) (*geoip2.City, error)
}

// Enricher fills in listener location and replaces the raw address with a
// salted hash. Without a database it only hashes.
type Enricher struct {
	db     cityLookup
	closer func() error
	salt   []byte
}

func NewEnricher(dbPath, salt string, enabled bool) *Enricher {
	e := &Enricher{salt: []byte(salt)}
	if !enabled {
		return e
	}
	db, err := geoip2.Open(dbPath)
	if err != nil {
		log.Printf("GeoIP: failed opening db: %v (continuing without geo)", err)
		return e
	}
	e.db = db
	e.closer = db.Close
	return e
}

func (e *Enricher) Close() {
	if e.closer != nil {
		_ = e.closer()
	}
}

// HashIP returns the hex sha256 of salt followed by the textual address.
func HashIP(salt []byte, ip net.IP) string {
	sum := sha256.Sum256(append(append([]byte{}, salt...), ip.String()...))
	return hex.EncodeToString(sum[:])
}

// Enrich is safe to run concurrently with streaming; it only touches the
// descriptive fields and flips Enriched when a lookup succeeded.
func (e *Enricher) Enrich(l *listeners.Listener) {
	if l.RemoteIP == nil {
		return
	}
	defer e.anonymize(l)

	if e.db == nil {
		return
	}
	city, err := e.db.City(l.RemoteIP)
	if err != nil {
		return
	}
	l.Country = city.Country.IsoCode
	if len(city.Subdivisions) > 0 {
		l.Region = city.Subdivisions[0].Names["en"]
	}
	l.City = city.City.Names["en"]
	l.Lat = round2(city.Location.Latitude)
	l.Lon = round2(city.Location.Longitude)
	l.Enriched.Store(true)
}

func (e *Enricher) anonymize(l *listeners.Listener) {
	l.IPHash = HashIP(e.salt, l.RemoteIP)
	l.RemoteIP = nil
}

func round2(f float64) float64 {
	if f < 0 {
		return -round2(-f)
	}
	return float64(int64(f*100+0.5)) / 100
}
