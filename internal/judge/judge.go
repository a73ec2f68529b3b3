// Package judge validates oracle URLs used during protocol classification.
// Grounded on proxybroker/judge.py: a judge's own (non-proxied) response
// tells the checker what "no proxy present" looks like, and carries the
// via/proxy baseline counts used later to classify anonymity.
package judge

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grishkovelli/proxybroker/internal/resolver"
)

// Scheme is the oracle's transport family, distinct from the protocol tags
// Checker probes (several tags map to the same judge scheme).
type Scheme string

const (
	SchemeHTTP  Scheme = "HTTP"
	SchemeHTTPS Scheme = "HTTPS"
	SchemeSMTP  Scheme = "SMTP"
)

// Marks records how many times the literal substrings "via" and "proxy"
// occur on the judge's own page; Checker subtracts this baseline before
// deciding a proxy is merely Anonymous rather than High.
type Marks struct {
	Via   int
	Proxy int
}

// Judge represents one oracle URL.
type Judge struct {
	URL    string
	Scheme Scheme
	Host   string
	Path   string

	IP        string
	IsWorking bool
	Marks     Marks
}

// New parses url into a Judge. scheme must be one of HTTP/HTTPS/SMTP.
func New(rawURL string, scheme Scheme) (*Judge, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	return &Judge{
		URL:    rawURL,
		Scheme: scheme,
		Host:   u.Host,
		Path:   u.Path,
	}, nil
}

// Check validates the judge. SMTP judges are marked working without a
// fetch (there is no HTTP oracle to talk to on port 25). HTTP/HTTPS judges
// are fetched with a UA carrying a random 4-digit version tag; the judge is
// considered working iff the response is 200 and both myExternalIP and the
// version tag appear (case-insensitively) in the body.
func (j *Judge) Check(ctx context.Context, r *resolver.Resolver, myExternalIP string) error {
	ip, err := r.Resolve(ctx, j.Host)
	if err != nil {
		j.IsWorking = false
		return err
	}
	j.IP = ip

	if j.Scheme == SchemeSMTP {
		j.IsWorking = true
		return nil
	}

	ua, rv := headersWithVersionTag()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, j.URL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", ua)

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		j.IsWorking = false
		return err
	}
	defer resp.Body.Close()

	var buf strings.Builder
	chunk := make([]byte, 4096)
	for {
		n, rerr := resp.Body.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])
		}
		if rerr != nil {
			break
		}
	}
	body := strings.ToLower(buf.String())

	if resp.StatusCode == http.StatusOK &&
		strings.Contains(body, strings.ToLower(myExternalIP)) &&
		strings.Contains(body, strings.ToLower(rv)) {
		j.Marks = Marks{
			Via:   strings.Count(body, "via"),
			Proxy: strings.Count(body, "proxy"),
		}
		j.IsWorking = true
		return nil
	}

	j.IsWorking = false
	return fmt.Errorf("judge %s failed verification", j.URL)
}

// headersWithVersionTag builds a User-Agent embedding a random 4-digit
// version tag and returns both, mirroring proxybroker/utils.py's
// get_headers(rv=True).
func headersWithVersionTag() (ua string, rv string) {
	rv = strconv.Itoa(1000 + rand.Intn(9000))
	ua = fmt.Sprintf("Mozilla/5.0 (rv:%s) ProxyBrokerGo/%s", rv, rv)
	return ua, rv
}

// TagToScheme maps a spec.md protocol tag to the judge scheme that
// validates it (spec.md §4.2).
func TagToScheme(tag string) Scheme {
	switch tag {
	case "CONNECT:25":
		return SchemeSMTP
	case "HTTPS":
		return SchemeHTTPS
	default:
		return SchemeHTTP
	}
}

// Registry groups working judges by scheme and exposes per-scheme
// readiness. spec.md §4.2/§9 describes this as module-scope state; here it
// is an explicit collaborator threaded through Checker instead, per the
// REDESIGN FLAGS in §9.
type Registry struct {
	mu     sync.Mutex
	judges map[Scheme][]*Judge
	ready  map[Scheme]chan struct{}
	closed map[Scheme]bool
}

// NewRegistry returns an empty, unready registry.
func NewRegistry() *Registry {
	return &Registry{
		judges: make(map[Scheme][]*Judge),
		ready:  make(map[Scheme]chan struct{}),
		closed: make(map[Scheme]bool),
	}
}

// Clear resets the registry to empty, unready state. Called by
// Checker.CheckJudges at the start of every find/serve run.
func (reg *Registry) Clear() {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.judges = make(map[Scheme][]*Judge)
	reg.ready = make(map[Scheme]chan struct{})
	reg.closed = make(map[Scheme]bool)
}

// Add registers j as working for its scheme and signals readiness.
func (reg *Registry) Add(j *Judge) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.judges[j.Scheme] = append(reg.judges[j.Scheme], j)
	reg.signalReadyLocked(j.Scheme)
}

// Disable permanently marks scheme as having no judges, signalling
// readiness so any waiter unblocks (with zero judges available).
func (reg *Registry) Disable(scheme Scheme) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.closed[scheme] = true
	reg.signalReadyLocked(scheme)
}

func (reg *Registry) signalReadyLocked(scheme Scheme) {
	ch, ok := reg.ready[scheme]
	if !ok {
		ch = make(chan struct{})
		reg.ready[scheme] = ch
	}
	select {
	case <-ch: // already closed
	default:
		close(ch)
	}
}

// Ready returns a channel that closes once scheme has at least one working
// judge, or has been permanently disabled.
func (reg *Registry) Ready(scheme Scheme) <-chan struct{} {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	if len(reg.judges[scheme]) > 0 || reg.closed[scheme] {
		done := make(chan struct{})
		close(done)
		return done
	}

	ch, ok := reg.ready[scheme]
	if !ok {
		ch = make(chan struct{})
		reg.ready[scheme] = ch
	}
	return ch
}

// HasAny reports whether scheme has at least one working judge.
func (reg *Registry) HasAny(scheme Scheme) bool {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return len(reg.judges[scheme]) > 0
}

// Random returns a random working judge for tag's scheme, or nil if none.
func (reg *Registry) Random(tag string) *Judge {
	scheme := TagToScheme(tag)

	reg.mu.Lock()
	defer reg.mu.Unlock()

	pool := reg.judges[scheme]
	if len(pool) == 0 {
		return nil
	}
	return pool[rand.Intn(len(pool))]
}
