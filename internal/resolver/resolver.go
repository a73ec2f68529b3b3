// Package resolver turns hostnames into IPv4 literals, tags them with GeoIP
// data, and discovers the broker's own external IP. Grounded on
// proxybroker/resolver.py; the MaxMind lookup and the DNS cache follow its
// shape, translated from asyncio to a context-based, mutex-guarded Go type.
package resolver

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/grishkovelli/proxybroker/internal/perrors"
)

// GeoData mirrors proxybroker/resolver.py's GeoData namedtuple.
type GeoData struct {
	CountryCode string `json:"country_code"`
	CountryName string `json:"country_name"`
	RegionCode  string `json:"region_code"`
	RegionName  string `json:"region_name"`
	CityName    string `json:"city_name"`
}

// UnknownGeo is returned for any IP the database has no entry for.
var UnknownGeo = GeoData{
	CountryCode: "--",
	CountryName: "Unknown",
	RegionCode:  "Unknown",
	RegionName:  "Unknown",
	CityName:    "Unknown",
}

// externalIPHosts is the fixed list of public echo endpoints probed by
// ExternalIP, ported from resolver.py's _ip_hosts.
var externalIPHosts = []string{
	"https://ifconfig.co/ip",
	"https://wtfismyip.com/text",
	"http://api.ipify.org/",
	"http://ipinfo.io/ip",
	"http://ipv4.icanhazip.com/",
	"http://myexternalip.com/raw",
	"http://ifconfig.io/ip",
}

// Resolver caches resolved hosts for the lifetime of a broker run and wraps
// a GeoIP database reader.
type Resolver struct {
	Timeout time.Duration

	net *net.Resolver
	geo *GeoDB

	mu    sync.RWMutex
	cache map[string]string
}

// New builds a Resolver with the given DNS/HTTP timeout and an optional
// GeoIP database path. An empty path disables geo lookups (every IP maps to
// UnknownGeo), matching resolver.py's fallback when no database file exists.
func New(timeout time.Duration, geoDBPath string) *Resolver {
	r := &Resolver{
		Timeout: timeout,
		net:     net.DefaultResolver,
		cache:   make(map[string]string),
	}
	if geoDBPath != "" {
		if db, err := OpenGeoDB(geoDBPath); err == nil {
			r.geo = db
		}
	}
	return r
}

// IsIP reports whether s is a valid IPv4 dotted-quad. IPv6 literals are
// rejected per spec.md's non-goal of IPv6 support.
func IsIP(s string) bool {
	ip := net.ParseIP(s)
	return ip != nil && ip.To4() != nil && strings.Count(s, ".") == 3
}

// Resolve returns host unchanged if it is already an IPv4 literal;
// otherwise it performs an A-record lookup, caching the first answer for
// the lifetime of the Resolver. Returns perrors.ErrResolveFailed on DNS
// error or timeout.
func (r *Resolver) Resolve(ctx context.Context, host string) (string, error) {
	if IsIP(host) {
		return host, nil
	}

	r.mu.RLock()
	if ip, ok := r.cache[host]; ok {
		r.mu.RUnlock()
		return ip, nil
	}
	r.mu.RUnlock()

	cctx, cancel := context.WithTimeout(ctx, r.Timeout)
	defer cancel()

	ips, err := r.net.LookupIP(cctx, "ip4", host)
	if err != nil || len(ips) == 0 {
		return "", perrors.ErrResolveFailed
	}

	ip := ips[0].String()

	r.mu.Lock()
	r.cache[host] = ip
	r.mu.Unlock()

	return ip, nil
}

// Geo looks up GeoData for ip, returning UnknownGeo for anything the
// database doesn't cover (or when no database was configured).
func (r *Resolver) Geo(ip string) GeoData {
	if r.geo == nil {
		return UnknownGeo
	}
	return r.geo.Lookup(ip)
}

// ExternalIP probes a randomized, once-each sequence of public echo
// endpoints until one returns a body that parses as an IPv4 literal.
func (r *Resolver) ExternalIP(ctx context.Context) (string, error) {
	hosts := append([]string(nil), externalIPHosts...)
	rand.Shuffle(len(hosts), func(i, j int) { hosts[i], hosts[j] = hosts[j], hosts[i] })

	client := &http.Client{Timeout: r.Timeout}

	for _, host := range hosts {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, host, nil)
		if err != nil {
			continue
		}

		resp, err := client.Do(req)
		if err != nil {
			continue
		}

		var body [64]byte
		n, _ := resp.Body.Read(body[:])
		resp.Body.Close()

		ip := strings.TrimSpace(string(body[:n]))
		if IsIP(ip) {
			return ip, nil
		}
	}

	return "", fmt.Errorf("could not get the external IP")
}
