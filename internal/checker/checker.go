// Package checker orchestrates protocol probes against a candidate proxy
// and classifies HTTP anonymity. Grounded on proxybroker/checker.py for the
// overall flow and on proxybroker/utils.py for the header/anonymity
// helpers; proxybroker/negotiators.py/judge.py supply the per-protocol and
// baseline-subtraction details spec.md §4.5 and §9 describe.
package checker

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grishkovelli/proxybroker/internal/config"
	"github.com/grishkovelli/proxybroker/internal/judge"
	"github.com/grishkovelli/proxybroker/internal/logging"
	"github.com/grishkovelli/proxybroker/internal/negotiator"
	"github.com/grishkovelli/proxybroker/internal/perrors"
	"github.com/grishkovelli/proxybroker/internal/proxyrec"
	"github.com/grishkovelli/proxybroker/internal/resolver"
)

var ipv4Pattern = regexp.MustCompile(`(?:(?:25[0-5]|2[0-4]\d|[01]?\d\d?)\.){3}(?:25[0-5]|2[0-4]\d|[01]?\d\d?)`)

// Config is the Checker's configuration, spec.md §4.5.
type Config struct {
	Judges     []*judge.Judge
	MaxTries   int                                `default:"3"`
	Timeout    time.Duration                      `default:"8s"`
	VerifySSL  bool
	Strict     bool
	DNSBL      []string
	RealExtIP  string
	Types      map[proxyrec.Tag][]proxyrec.AnonLevel
	Post       bool
}

// Checker runs protocol probes against proxies using a pool of judges.
type Checker struct {
	cfg      Config
	registry *judge.Registry
	resolver *resolver.Resolver
	log      *logging.Logger

	mu     sync.Mutex
	active map[proxyrec.Tag]bool
}

// New builds a Checker. registry and resolver are explicit collaborators
// per spec.md §9's REDESIGN FLAGS (no module-scope judge state).
func New(cfg Config, registry *judge.Registry, r *resolver.Resolver, log *logging.Logger) *Checker {
	config.SetDefaults(&cfg)

	active := make(map[proxyrec.Tag]bool, len(proxyrec.AllTags))
	for _, t := range proxyrec.AllTags {
		active[t] = true
	}

	return &Checker{cfg: cfg, registry: registry, resolver: r, log: log, active: active}
}

// CheckJudges validates every configured judge concurrently, registers the
// working ones, and disables the protocol tags whose scheme has none.
func (c *Checker) CheckJudges(ctx context.Context) {
	c.registry.Clear()

	var wg sync.WaitGroup
	for _, j := range c.cfg.Judges {
		wg.Add(1)
		go func(j *judge.Judge) {
			defer wg.Done()
			if err := j.Check(ctx, c.resolver, c.cfg.RealExtIP); err == nil {
				c.registry.Add(j)
			}
		}(j)
	}
	wg.Wait()

	var disabled []proxyrec.Tag
	if !c.registry.HasAny(judge.SchemeHTTP) {
		c.registry.Disable(judge.SchemeHTTP)
		disabled = append(disabled, proxyrec.TagHTTP, proxyrec.TagConnect80, proxyrec.TagSOCKS4, proxyrec.TagSOCKS5)
	}
	if !c.registry.HasAny(judge.SchemeHTTPS) {
		c.registry.Disable(judge.SchemeHTTPS)
		disabled = append(disabled, proxyrec.TagHTTPS)
	}
	if !c.registry.HasAny(judge.SchemeSMTP) {
		c.registry.Disable(judge.SchemeSMTP)
		disabled = append(disabled, proxyrec.TagConnect25)
	}

	if len(disabled) > 0 {
		c.mu.Lock()
		for _, t := range disabled {
			delete(c.active, t)
		}
		c.mu.Unlock()
		c.log.Printf("no judges for one or more schemes; disabled protocols: %v", disabled)
	}
}

func (c *Checker) activeSet() map[proxyrec.Tag]bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[proxyrec.Tag]bool, len(c.active))
	for k, v := range c.active {
		out[k] = v
	}
	return out
}

// Check probes p across the relevant negotiator set and returns true iff a
// protocol succeeded and the result passes the configured type filter
// (spec.md §4.5).
func (c *Checker) Check(ctx context.Context, p *proxyrec.Proxy) bool {
	if len(c.cfg.DNSBL) > 0 {
		if c.dnsblListed(ctx, p) {
			p.LogEvent("listed on a DNSBL zone", time.Time{}, nil)
			return false
		}
	}

	active := c.activeSet()

	schemesNeeded := requiredSchemes(c.cfg.Types)
	for scheme := range schemesNeeded {
		select {
		case <-c.registry.Ready(scheme):
		case <-ctx.Done():
			return false
		}
	}

	var toTry []proxyrec.Tag
	if len(p.ExpectedTypes) > 0 {
		for t := range p.ExpectedTypes {
			if active[t] {
				toTry = append(toTry, t)
			}
		}
	} else {
		for t := range active {
			toTry = append(toTry, t)
		}
	}

	anySucceeded := false
	for _, tag := range toTry {
		if c.checkOne(ctx, p, tag) {
			anySucceeded = true
		}
	}

	p.SetWorking(anySucceeded)
	return anySucceeded && c.TypesPassed(p)
}

// requiredSchemes derives which judge schemes must be ready before checking
// given the caller's requested types (or all three, when unrestricted).
func requiredSchemes(types map[proxyrec.Tag][]proxyrec.AnonLevel) map[judge.Scheme]bool {
	out := make(map[judge.Scheme]bool)
	if len(types) == 0 {
		out[judge.SchemeHTTP] = true
		out[judge.SchemeHTTPS] = true
		out[judge.SchemeSMTP] = true
		return out
	}
	for tag := range types {
		out[judge.TagToScheme(string(tag))] = true
	}
	return out
}

// checkOne runs up to MaxTries attempts of tag's negotiator against p.
func (c *Checker) checkOne(ctx context.Context, p *proxyrec.Proxy, tag proxyrec.Tag) bool {
	ngtr, ok := negotiator.ByTag[tag]
	if !ok {
		return false
	}

	for attempt := 0; attempt < c.cfg.MaxTries; attempt++ {
		j := c.registry.Random(string(tag))
		if j == nil {
			return false
		}

		p.SetNegotiator(ngtr.Name())

		err := p.Connect(ctx, false)
		if err != nil {
			if perrors.IsTimeout(err) {
				continue
			}
			return false
		}

		ok, done := c.attemptOne(ctx, p, tag, ngtr, j)
		p.Close()
		if done {
			return ok
		}
		// timeout: retry
	}

	return false
}

// attemptOne runs a single negotiate+verify attempt. The second return
// value is false only when the caller should retry (a timeout); true means
// the protocol attempt is finished (success or a terminal failure).
func (c *Checker) attemptOne(ctx context.Context, p *proxyrec.Proxy, tag proxyrec.Tag, ngtr negotiator.Negotiator, j *judge.Judge) (ok bool, done bool) {
	port := judgePort(tag, j)

	err := ngtr.Negotiate(p, j.Host, j.IP, port)
	if err != nil {
		if perrors.IsTimeout(err) {
			return false, false
		}
		return false, true
	}

	if tag == proxyrec.TagConnect25 {
		p.SetType(tag, proxyrec.AnonNone)
		return true, true
	}

	body, respErr := c.fetchThroughProxy(p, ngtr, j)
	if respErr != nil {
		if perrors.IsTimeout(respErr) {
			return false, false
		}
		return false, true
	}

	if ngtr.CheckAnonLvl() {
		lvl := c.classifyAnonymity(body, j)
		p.SetType(tag, lvl)
	} else {
		p.SetType(tag, proxyrec.AnonNone)
	}

	return true, true
}

func judgePort(tag proxyrec.Tag, j *judge.Judge) int {
	switch tag {
	case proxyrec.TagHTTPS:
		return 443
	case proxyrec.TagConnect80:
		return 80
	case proxyrec.TagConnect25:
		return 25
	default:
		if j.Scheme == judge.SchemeHTTPS {
			return 443
		}
		return 80
	}
}

// fetchThroughProxy issues the GET/POST request through the negotiated
// transport and validates the oracle response per spec.md §4.5.
func (c *Checker) fetchThroughProxy(p *proxyrec.Proxy, ngtr negotiator.Negotiator, j *judge.Judge) ([]byte, error) {
	method := "GET"
	if c.cfg.Post {
		method = "POST"
	}

	target := j.Path
	if ngtr.UseFullPath() {
		target = j.URL
	}

	rv := strconv.Itoa(1000 + rand.Intn(9000))
	req := buildRequest(method, target, j.Host, rv)

	if err := p.Send(req); err != nil {
		return nil, err
	}

	resp, err := p.Recv(proxyrec.RecvOptions{})
	if err != nil {
		return nil, err
	}

	status, err := proxyrec.ParseStatusLine(resp)
	if err != nil {
		return nil, perrors.BadResponse(err)
	}
	if status != 200 {
		return nil, perrors.BadStatus(fmt.Errorf("judge returned status %d", status))
	}

	encoding := proxyrec.HeaderValue(resp, "Content-Encoding")
	body, err := proxyrec.Decompress(encoding, bodyOf(resp))
	if err != nil {
		return nil, perrors.BadResponse(err)
	}
	text := string(body)

	if !strings.Contains(text, rv) {
		return nil, perrors.BadResponse(fmt.Errorf("version tag not found in response"))
	}
	if !ipv4Pattern.MatchString(text) {
		return nil, perrors.BadResponse(fmt.Errorf("no IPv4 literal found in response"))
	}
	if !strings.Contains(text, "https://www.google.com/") {
		return nil, perrors.BadResponse(fmt.Errorf("referer marker not found in response"))
	}
	if !strings.Contains(text, "cookie=ok") {
		return nil, perrors.BadResponse(fmt.Errorf("cookie marker not found in response"))
	}

	return body, nil
}

func bodyOf(resp []byte) []byte {
	idx := strings.Index(string(resp), "\r\n\r\n")
	if idx < 0 {
		return nil
	}
	return resp[idx+4:]
}

func buildRequest(method, target, host, rv string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s HTTP/1.1\r\n", method, target)
	fmt.Fprintf(&b, "Host: %s\r\n", host)
	fmt.Fprintf(&b, "User-Agent: ProxyBrokerGo/%s\r\n", rv)
	b.WriteString("Accept: */*\r\n")
	b.WriteString("Accept-Encoding: gzip, deflate\r\n")
	b.WriteString("Pragma: no-cache\r\n")
	b.WriteString("Cache-control: no-cache\r\n")
	b.WriteString("Cookie: cookie=ok\r\n")
	b.WriteString("Referer: https://www.google.com/\r\n")
	b.WriteString("Connection: close\r\n\r\n")
	return []byte(b.String())
}

// classifyAnonymity compares via/proxy occurrence counts against the
// judge's own baseline, with the real external IP check taking precedence
// (spec.md §4.5, GLOSSARY "Anonymity level").
func (c *Checker) classifyAnonymity(body []byte, j *judge.Judge) proxyrec.AnonLevel {
	text := strings.ToLower(string(body))

	if strings.Contains(text, strings.ToLower(c.cfg.RealExtIP)) {
		return proxyrec.AnonTransparent
	}

	viaCount := strings.Count(text, "via")
	proxyCount := strings.Count(text, "proxy")

	if viaCount > j.Marks.Via || proxyCount > j.Marks.Proxy {
		return proxyrec.AnonAnonymous
	}

	return proxyrec.AnonHigh
}

// TypesPassed applies the requested type/anonymity-level filter, pruning
// failing entries in strict mode (spec.md §4.5).
func (c *Checker) TypesPassed(p *proxyrec.Proxy) bool {
	if len(c.cfg.Types) == 0 {
		return true
	}

	types := p.Types()
	anyPassed := false

	for tag, lvl := range types {
		wanted, restricted := c.cfg.Types[tag]
		matches := !restricted || len(wanted) == 0 || levelIn(lvl, wanted)

		if matches {
			anyPassed = true
			if !c.cfg.Strict {
				return true
			}
		} else if c.cfg.Strict {
			p.RemoveType(tag)
		}
	}

	if c.cfg.Strict {
		return len(p.Types()) > 0
	}
	return anyPassed
}

func levelIn(lvl proxyrec.AnonLevel, wanted []proxyrec.AnonLevel) bool {
	for _, w := range wanted {
		if w == lvl {
			return true
		}
	}
	return false
}

// dnsblListed reverses p's IPv4 octets and queries each configured zone;
// any successful (non-error) answer means the proxy is listed.
func (c *Checker) dnsblListed(ctx context.Context, p *proxyrec.Proxy) bool {
	parts := strings.Split(p.Host, ".")
	if len(parts) != 4 {
		return false
	}
	reversed := fmt.Sprintf("%s.%s.%s.%s", parts[3], parts[2], parts[1], parts[0])

	resolvr := net.Resolver{}
	for _, zone := range c.cfg.DNSBL {
		cctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
		addrs, err := resolvr.LookupHost(cctx, reversed+"."+zone)
		cancel()
		if err == nil && len(addrs) > 0 {
			return true
		}
	}
	return false
}
