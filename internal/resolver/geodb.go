package resolver

import (
	"bufio"
	"net"
	"os"
	"strings"
)

// GeoDB is a minimal on-disk GeoIP database reader.
//
// spec.md §1 explicitly places the GeoIP database out of scope, assuming
// only "a function (ip) -> {country_code, country_name, region_code,
// region_name, city_name}". None of the retrieved example repos import a
// MaxMind reader (no oschwald/geoip2-golang or similar appeared in the
// pack), so rather than hand-roll a binary MMDB parser for a collaborator
// the spec says is external, this reads a flat CIDR-keyed text format:
// one "cidr,country_code,country_name,region_code,region_name,city_name"
// record per line. A real deployment points geoDBPath at a file produced by
// converting a MaxMind GeoLite2 export to this format; the conversion
// itself is out of scope for the same reason the spec gives.
type GeoDB struct {
	entries []geoEntry
}

type geoEntry struct {
	network *net.IPNet
	data    GeoData
}

// OpenGeoDB parses the database at path.
func OpenGeoDB(path string) (*GeoDB, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	db := &GeoDB{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.Split(line, ",")
		if len(fields) != 6 {
			continue
		}

		_, network, err := net.ParseCIDR(fields[0])
		if err != nil {
			continue
		}

		db.entries = append(db.entries, geoEntry{
			network: network,
			data: GeoData{
				CountryCode: fields[1],
				CountryName: fields[2],
				RegionCode:  fields[3],
				RegionName:  fields[4],
				CityName:    fields[5],
			},
		})
	}

	return db, scanner.Err()
}

// Lookup returns the first matching record's GeoData, or UnknownGeo.
func (db *GeoDB) Lookup(ip string) GeoData {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return UnknownGeo
	}

	for _, e := range db.entries {
		if e.network.Contains(parsed) {
			return e.data
		}
	}

	return UnknownGeo
}
