package geo

import (
	"encoding/json"
	"errors"
	"net"
	"testing"

	"github.com/oschwald/geoip2-golang"

	"github.com/ivugurura/radio-sync/internal/listeners"
)

type fakeDB struct {
	city *geoip2.City
	err  error
}

func (f fakeDB) City(net.IP) (*geoip2.City, error) { return f.city, f.err }

func TestEnrichWithoutDatabaseOnlyHashes(t *testing.T) {
	e := NewEnricher("", "pepper", false)
	ip := net.ParseIP("203.0.113.9")
	l := listeners.New(ip, "VLC/3.0", "vlc")

	e.Enrich(l)

	if l.RemoteIP != nil {
		t.Error("raw address should be dropped")
	}
	if l.IPHash != HashIP([]byte("pepper"), ip) || len(l.IPHash) != 64 {
		t.Errorf("IPHash = %q", l.IPHash)
	}
	if l.Enriched.Load() {
		t.Error("Enriched should stay false without a lookup")
	}
}

func TestEnrichFillsLocation(t *testing.T) {
	// geoip2 records carry no json tags, so field names decode directly
	city := &geoip2.City{}
	raw := `{
		"Country": {"IsoCode": "RW"},
		"City": {"Names": {"en": "Kigali"}},
		"Subdivisions": [{"Names": {"en": "Kigali City"}}],
		"Location": {"Latitude": -1.94995, "Longitude": 30.05885}
	}`
	if err := json.Unmarshal([]byte(raw), city); err != nil {
		t.Fatal(err)
	}

	e := &Enricher{db: fakeDB{city: city}, salt: []byte("s")}
	l := listeners.New(net.ParseIP("41.186.0.1"), "", "unknown")
	e.Enrich(l)

	if l.Country != "RW" || l.City != "Kigali" || l.Region != "Kigali City" {
		t.Errorf("location = %q/%q/%q", l.Country, l.Region, l.City)
	}
	if l.Lat != -1.95 || l.Lon != 30.06 {
		t.Errorf("coordinates = %v,%v", l.Lat, l.Lon)
	}
	if !l.Enriched.Load() || l.RemoteIP != nil {
		t.Error("listener should be enriched and anonymized")
	}
}

func TestEnrichLookupFailureStillAnonymizes(t *testing.T) {
	e := &Enricher{db: fakeDB{err: errors.New("not found")}}
	l := listeners.New(net.ParseIP("10.0.0.1"), "", "unknown")
	e.Enrich(l)
	if l.RemoteIP != nil || l.IPHash == "" || l.Enriched.Load() {
		t.Errorf("listener after failed lookup: ip=%v hash=%q enriched=%v", l.RemoteIP, l.IPHash, l.Enriched.Load())
	}
}
