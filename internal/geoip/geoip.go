// Package geoip annotates audit rows with the country of the client that
// reported an event.
package geoip

import (
	"encoding/json"
	"net"
	"net/http"
	"os"
	"strings"

	"github.com/oschwald/geoip2-golang"
)

// GeoIP resolves countries from a MaxMind database or, for development and
// tests, a JSON list of {net, country} ranges.
type GeoIP struct {
	db       *geoip2.Reader
	fallback []rangeEntry
}

type rangeEntry struct {
	net     *net.IPNet
	country string
}

// Init opens the database at path, trying the MaxMind format first and the
// JSON range list second.
func Init(path string) (*GeoIP, error) {
	db, err := geoip2.Open(path)
	if err == nil {
		return &GeoIP{db: db}, nil
	}

	data, jerr := os.ReadFile(path)
	if jerr != nil {
		return nil, err
	}
	var entries []struct {
		Net     string `json:"net"`
		Country string `json:"country"`
	}
	if jerr = json.Unmarshal(data, &entries); jerr != nil {
		return nil, err
	}
	g := &GeoIP{}
	for _, e := range entries {
		if _, n, perr := net.ParseCIDR(e.Net); perr == nil {
			g.fallback = append(g.fallback, rangeEntry{net: n, country: strings.ToUpper(e.Country)})
		}
	}
	return g, nil
}

// Country returns the ISO country code for ip, or "" when unknown. A nil
// GeoIP always returns "".
func (g *GeoIP) Country(ip net.IP) string {
	if g == nil || ip == nil {
		return ""
	}
	if g.db != nil {
		if rec, err := g.db.Country(ip); err == nil {
			return rec.Country.IsoCode
		}
	}
	for _, r := range g.fallback {
		if r.net.Contains(ip) {
			return r.country
		}
	}
	return ""
}

// ClientIP returns the originating address of r, preferring the first
// X-Forwarded-For hop.
func ClientIP(r *http.Request) net.IP {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := net.ParseIP(strings.TrimSpace(first)); ip != nil {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return net.ParseIP(host)
}

// Close releases the database.
func (g *GeoIP) Close() error {
	if g != nil && g.db != nil {
		return g.db.Close()
	}
	return nil
}
