// Package provider implements the generic provider contract (spec.md
// §4.6): fetch one or more pages, extract host:port pairs with a shared
// regex, and yield (host, port, hint) tuples. Grounded on
// proxybroker/providers.py's IPPortPatternGlobal and the teacher's
// fetchProxies (worker.go/balancer.go), which both GET a page and split its
// body on a pattern; per-site scraping beyond the shared regex is out of
// scope per spec.md §1.
package provider

import (
	"context"
	"net/http"
	"regexp"
	"strconv"

	"github.com/grishkovelli/proxybroker/internal/proxyrec"
)

// ipPortPattern mirrors proxybroker/utils.py's IPPortPatternLine: an IPv4
// literal followed somewhere on the same line by a 2-5 digit port.
var ipPortPattern = regexp.MustCompile(
	`(?:(?:25[0-5]|2[0-4]\d|[01]?\d\d?)\.){3}(?:25[0-5]|2[0-4]\d|[01]?\d\d?)\D+(\d{2,5})`)

var ipPattern = regexp.MustCompile(
	`(?:(?:25[0-5]|2[0-4]\d|[01]?\d\d?)\.){3}(?:25[0-5]|2[0-4]\d|[01]?\d\d?)`)

// Tuple is a raw (host, port, hint) discovery, pre-resolution,
// pre-deduplication (spec.md §4.6).
type Tuple struct {
	Host string
	Port int
	Hint []proxyrec.Tag
}

// Provider is the contract the Broker consumes: only URL, Domain, Proto
// and GetProxies are used by the pipeline (spec.md §4.6).
type Provider interface {
	URL() string
	Domain() string
	Proto() []proxyrec.Tag
	GetProxies(ctx context.Context) ([]Tuple, error)
}

// Fetcher performs the HTTP GET used to retrieve a provider page. It is the
// "assumed" collaborator spec.md §1 places out of scope; RegexProvider's
// default is net/http, but tests substitute a stub.
type Fetcher func(ctx context.Context, url string) (string, error)

// DefaultFetcher performs a plain HTTP GET and returns the body as text.
func DefaultFetcher(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", randomUserAgent())

	client := &http.Client{}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	buf := make([]byte, 0, 64*1024)
	chunk := make([]byte, 32*1024)
	for {
		n, rerr := resp.Body.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		if rerr != nil {
			break
		}
	}
	return string(buf), nil
}

// RegexProvider is the one bundled Provider implementation: it fetches a
// single URL and extracts every host:port pair the shared regex finds.
// Concurrency across pages is the caller's (Broker's) responsibility; this
// type only owns extraction from one page's text.
type RegexProvider struct {
	url    string
	domain string
	proto  []proxyrec.Tag
	fetch  Fetcher
}

// New builds a RegexProvider for url, hinting the given protocol tags.
func New(url, domain string, proto []proxyrec.Tag, fetch Fetcher) *RegexProvider {
	if fetch == nil {
		fetch = DefaultFetcher
	}
	return &RegexProvider{url: url, domain: domain, proto: proto, fetch: fetch}
}

func (p *RegexProvider) URL() string           { return p.url }
func (p *RegexProvider) Domain() string        { return p.domain }
func (p *RegexProvider) Proto() []proxyrec.Tag { return p.proto }

// GetProxies fetches the page and extracts host:port tuples.
func (p *RegexProvider) GetProxies(ctx context.Context) ([]Tuple, error) {
	page, err := p.fetch(ctx, p.url)
	if err != nil {
		return nil, err
	}
	return ExtractTuples(page, p.proto), nil
}

// ExtractTuples walks text line by line, pulling the first IPv4 literal and
// the first 2-5 digit number after it as a host:port pair. Lines that don't
// match either pattern are skipped, matching the source's per-line regex
// rather than a single global match across line boundaries.
func ExtractTuples(text string, hint []proxyrec.Tag) []Tuple {
	var out []Tuple
	seen := make(map[string]bool)

	for _, line := range splitLines(text) {
		host := ipPattern.FindString(line)
		if host == "" {
			continue
		}

		m := ipPortPattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}

		port, err := strconv.Atoi(m[1])
		if err != nil || port < 1 || port > 65535 {
			continue
		}

		key := host + ":" + m[1]
		if seen[key] {
			continue
		}
		seen[key] = true

		out = append(out, Tuple{Host: host, Port: port, Hint: hint})
	}

	return out
}

func splitLines(s string) []string {
	var lines []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			lines = append(lines, s[start:i])
			start = i + 1
		}
	}
	if start < len(s) {
		lines = append(lines, s[start:])
	}
	return lines
}
