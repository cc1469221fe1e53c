package geoip

import (
	"encoding/json"
	"net"
	"os"
	"strings"

	"github.com/oschwald/geoip2-golang"
)

// GeoIP provides country/city lookup using a MaxMind DB or a JSON fallback.
// The gateway uses it when the classifier errors or returns Unknown geo.
type GeoIP struct {
	db       *geoip2.Reader
	fallback []record
}

type record struct {
	net     *net.IPNet
	country string
	city    string
}

// Init opens the GeoIP2 database located at path.
func Init(path string) (*GeoIP, error) {
	g := &GeoIP{}
	db, err := geoip2.Open(path)
	if err == nil {
		g.db = db
		return g, nil
	}

	data, jerr := os.ReadFile(path)
	if jerr != nil {
		return nil, err
	}
	var entries []struct {
		Net     string `json:"net"`
		Country string `json:"country"`
		City    string `json:"city"`
	}
	if jerr = json.Unmarshal(data, &entries); jerr != nil {
		return nil, err
	}
	for _, e := range entries {
		if _, n, perr := net.ParseCIDR(e.Net); perr == nil {
			g.fallback = append(g.fallback, record{net: n, country: e.Country, city: e.City})
		}
	}
	return g, nil
}

// Country returns the lowercase ISO country code for the given IP, or "".
func (g *GeoIP) Country(ip net.IP) string {
	if g == nil {
		return ""
	}
	if g.db != nil {
		rec, err := g.db.Country(ip)
		if err == nil {
			return strings.ToLower(rec.Country.IsoCode)
		}
	}
	for _, r := range g.fallback {
		if r.net.Contains(ip) {
			return strings.ToLower(r.country)
		}
	}
	return ""
}

// City returns the English city name for the given IP, or "".
func (g *GeoIP) City(ip net.IP) string {
	if g == nil {
		return ""
	}
	if g.db != nil {
		rec, err := g.db.City(ip)
		if err == nil {
			return rec.City.Names["en"]
		}
	}
	for _, r := range g.fallback {
		if r.net.Contains(ip) {
			return r.city
		}
	}
	return ""
}

// Close releases resources associated with the database.
func (g *GeoIP) Close() error {
	if g != nil && g.db != nil {
		return g.db.Close()
	}
	return nil
}
