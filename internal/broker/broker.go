// Package broker wires providers, the resolver, and the checker into the
// discover → dedup → resolve → geo-filter → check → emit pipeline
// (spec.md §4.7). Grounded on proxybroker/api.py's Broker for the pipeline
// shape and lifecycle, and on the teacher's Worker.Run/fetchAndCheck
// (worker.go) for the channel/goroutine idiom a cooperative asyncio loop
// translates to in Go.
package broker

import (
	"context"
	"sync"
	"time"

	"github.com/grishkovelli/proxybroker/internal/checker"
	"github.com/grishkovelli/proxybroker/internal/config"
	"github.com/grishkovelli/proxybroker/internal/judge"
	"github.com/grishkovelli/proxybroker/internal/logging"
	"github.com/grishkovelli/proxybroker/internal/perrors"
	"github.com/grishkovelli/proxybroker/internal/provider"
	"github.com/grishkovelli/proxybroker/internal/proxyrec"
	"github.com/grishkovelli/proxybroker/internal/resolver"
)

// MaxConcurrentProviders bounds how many providers are fetched at once
// (proxybroker/api.py hardcodes this; spec.md §4.7 names it explicitly).
const MaxConcurrentProviders = 3

// GrabPause is the sleep between grab cycles while serving, matching
// proxybroker/api.py's module-level GRAB_PAUSE.
const GrabPause = 180 * time.Second

// Config configures a Broker, spec.md §4.7/§6.
type Config struct {
	Timeout   time.Duration `default:"8s"`
	MaxConn   int           `default:"200"`
	MaxTries  int           `default:"3"`
	VerifySSL bool
}

// FindConfig parameterizes Find, spec.md §4.7/§6.
type FindConfig struct {
	Types     map[proxyrec.Tag][]proxyrec.AnonLevel
	Data      string // raw host:port text; when set, providers are skipped
	Countries []string
	Post      bool
	Strict    bool
	DNSBL     []string
	Limit     int
}

// Broker is the pipeline controller: grab → dedup → resolve → geo-filter →
// check → emit, with uniqueness and limit bookkeeping (spec.md §4.7).
type Broker struct {
	cfg       Config
	resolver  *resolver.Resolver
	judges    []*judge.Judge
	providers []provider.Provider
	log       *logging.Logger

	output  chan *proxyrec.Proxy
	onCheck chan struct{} // bounded semaphore, capacity = MaxConn

	mu            sync.Mutex
	uniqueProxies map[string]*proxyrec.Proxy
	countries     map[string]bool
	limit         int
	serving       bool

	wg       sync.WaitGroup
	doneOnce sync.Once
	ctx      context.Context
	cancel   context.CancelFunc
}

// New builds a Broker. judges and providers are the fixed collaborator
// lists a CLI/library caller assembles (spec.md §4.7's "a handle to the
// Server" is attached later by Serve).
func New(cfg Config, r *resolver.Resolver, judges []*judge.Judge, providers []provider.Provider, log *logging.Logger) *Broker {
	config.SetDefaults(&cfg)

	ctx, cancel := context.WithCancel(context.Background())

	return &Broker{
		cfg:           cfg,
		resolver:      r,
		judges:        judges,
		providers:     providers,
		log:           log,
		output:        make(chan *proxyrec.Proxy, cfg.MaxConn),
		onCheck:       make(chan struct{}, cfg.MaxConn),
		uniqueProxies: make(map[string]*proxyrec.Proxy),
		ctx:           ctx,
		cancel:        cancel,
	}
}

// Output is the consumer-facing stream; a nil value is the end-of-stream
// sentinel (spec.md §4.7's done()).
func (b *Broker) Output() <-chan *proxyrec.Proxy { return b.output }

func countrySet(countries []string) map[string]bool {
	if len(countries) == 0 {
		return nil
	}
	set := make(map[string]bool, len(countries))
	for _, c := range countries {
		set[c] = true
	}
	return set
}

// Grab streams unchecked proxies: gather only, no protocol checking
// (spec.md §4.7/§6).
func (b *Broker) Grab(countries []string, limit int) {
	b.mu.Lock()
	b.countries = countrySet(countries)
	b.limit = limit
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.grabLoop(nil)
	}()
}

// Find grabs (or loads raw data), checks, and streams passing proxies.
// Requires non-empty types (spec.md §4.7).
func (b *Broker) Find(fc FindConfig) (*checker.Checker, error) {
	if len(fc.Types) == 0 {
		return nil, perrors.ErrNoTypes
	}

	b.mu.Lock()
	b.countries = countrySet(fc.Countries)
	b.limit = fc.Limit
	b.mu.Unlock()

	extIP, err := b.resolver.ExternalIP(b.ctx)
	if err != nil {
		b.log.Printf("could not determine external IP: %v", err)
	}

	registry := judge.NewRegistry()
	c := checker.New(checker.Config{
		Judges:    b.judges,
		MaxTries:  b.cfg.MaxTries,
		Timeout:   b.cfg.Timeout,
		VerifySSL: b.cfg.VerifySSL,
		Strict:    fc.Strict,
		DNSBL:     fc.DNSBL,
		RealExtIP: extIP,
		Types:     fc.Types,
		Post:      fc.Post,
	}, registry, b.resolver, b.log)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		c.CheckJudges(b.ctx)
	}()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		if fc.Data != "" {
			b.load(fc.Data, c)
		} else {
			b.grabLoop(c)
		}
	}()

	return c, nil
}

// Serve starts the dispatch server (via the caller-supplied startServer,
// when non-nil) and runs Find in serve mode, where the grab loop
// repeats every GrabPause instead of terminating (spec.md §4.7/§4.9).
func (b *Broker) Serve(fc FindConfig, startServer func(*Broker) error) error {
	if fc.Limit <= 0 {
		return perrors.ErrServeNeedsLimit
	}

	b.mu.Lock()
	b.serving = true
	b.mu.Unlock()

	if startServer != nil {
		if err := startServer(b); err != nil {
			return err
		}
	}

	_, err := b.Find(fc)
	return err
}

// load parses raw host:port text and handles each tuple, matching
// proxybroker/api.py's _load.
func (b *Broker) load(data string, c *checker.Checker) {
	tuples := provider.ExtractTuples(data, nil)
	for _, t := range tuples {
		b.handle(t, c)
	}
	b.done()
}

// grabLoop runs providers in waves of MaxConcurrentProviders; in serve mode
// it repeats indefinitely with GrabPause between cycles (spec.md §4.7).
func (b *Broker) grabLoop(c *checker.Checker) {
	for {
		b.runProviderWave(c)

		b.mu.Lock()
		serving := b.serving
		b.mu.Unlock()

		if !serving {
			break
		}

		select {
		case <-b.ctx.Done():
			return
		case <-time.After(GrabPause):
		}
	}
	b.done()
}

func (b *Broker) runProviderWave(c *checker.Checker) {
	sem := make(chan struct{}, MaxConcurrentProviders)
	var wg sync.WaitGroup

	for _, pr := range b.providers {
		sem <- struct{}{}
		wg.Add(1)
		go func(pr provider.Provider) {
			defer wg.Done()
			defer func() { <-sem }()

			tuples, err := pr.GetProxies(b.ctx)
			if err != nil {
				b.log.Printf("provider %s failed: %v", pr.Domain(), err)
				return
			}
			for _, t := range tuples {
				b.handle(t, c)
			}
		}(pr)
	}

	wg.Wait()
}

// handle builds a Proxy from a raw tuple, resolving the host, enforcing
// uniqueness and the country filter, then routes it to check or straight
// to the result queue (spec.md §4.7).
func (b *Broker) handle(t provider.Tuple, c *checker.Checker) {
	host := t.Host
	if !resolver.IsIP(host) {
		resolved, err := b.resolver.Resolve(b.ctx, host)
		if err != nil {
			return // resolve_failed: drop silently
		}
		host = resolved
	}

	p, err := proxyrec.New(host, t.Port, t.Hint, b.cfg.Timeout, b.cfg.VerifySSL)
	if err != nil {
		return
	}
	p.Geo = b.resolver.Geo(host)

	if !b.markUnique(p) || !b.countryPassed(p) {
		return
	}

	if c != nil {
		b.pushToCheck(p, c)
	} else {
		b.pushToResult(p)
	}
}

func (b *Broker) markUnique(p *proxyrec.Proxy) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.uniqueProxies[p.Key()]; ok {
		return false
	}
	b.uniqueProxies[p.Key()] = p
	return true
}

func (b *Broker) countryPassed(p *proxyrec.Proxy) bool {
	b.mu.Lock()
	countries := b.countries
	b.mu.Unlock()

	if countries == nil {
		return true
	}
	if countries[p.Geo.CountryCode] {
		return true
	}
	p.LogEvent("Location of proxy is outside the given countries list", time.Time{}, nil)
	return false
}

// pushToCheck enqueues a check task, blocking on the onCheck semaphore for
// backpressure (spec.md §4.7). A serving broker whose output queue is
// nonempty and whose limit is exhausted pauses new submissions until the
// output drains.
func (b *Broker) pushToCheck(p *proxyrec.Proxy, c *checker.Checker) {
	b.mu.Lock()
	serving, limit := b.serving, b.limit
	b.mu.Unlock()

	if serving && limit <= 0 && len(b.output) > 0 {
		for len(b.output) > 0 {
			select {
			case <-b.ctx.Done():
				return
			case <-time.After(50 * time.Millisecond):
			}
		}
	}

	select {
	case b.onCheck <- struct{}{}:
	case <-b.ctx.Done():
		return
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer func() { <-b.onCheck }()

		if c.Check(b.ctx, p) {
			b.pushToResult(p)
		}
	}()
}

// pushToResult enqueues the proxy on the output stream and decrements the
// remaining limit; a non-serving broker that hits zero signals done
// (spec.md §4.7).
func (b *Broker) pushToResult(p *proxyrec.Proxy) {
	select {
	case b.output <- p:
	case <-b.ctx.Done():
		return
	}

	b.mu.Lock()
	b.limit--
	limit, serving := b.limit, b.serving
	b.mu.Unlock()

	if limit == 0 && !serving {
		b.done()
	}
}

// Stop cancels every outstanding task and closes the output stream; a
// second call is a no-op (spec.md §8 idempotence).
func (b *Broker) Stop() {
	b.done()
}

func (b *Broker) done() {
	b.doneOnce.Do(func() {
		b.cancel()
		go func() {
			b.wg.Wait()
			b.output <- nil
		}()
		b.log.Printf("done: total found proxies: %d", len(b.uniqueProxies))
	})
}

// Remove deletes the proxy identified by host:port from uniqueProxies. It
// does not touch the pool; the dispatch control API's /api/remove endpoint
// removes from the pool only and does not call this.
func (b *Broker) Remove(host string, port int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.uniqueProxies, proxyKey(host, port))
}

func proxyKey(host string, port int) string {
	p, err := proxyrec.New(host, port, nil, time.Second, false)
	if err != nil {
		return host
	}
	return p.Key()
}
