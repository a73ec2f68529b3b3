// Command proxybroker is the CLI surface spec.md §6 describes: find | grab
// | serve subcommands over the broker/pool/dispatch pipeline. Grounded on
// the shape of the teacher's example/main.go (build collaborators, hand
// them to a long-running Run/pipeline call) generalized to three
// subcommands instead of one fixed worker invocation.
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/grishkovelli/proxybroker/internal/broker"
	"github.com/grishkovelli/proxybroker/internal/dashboard"
	"github.com/grishkovelli/proxybroker/internal/dispatch"
	"github.com/grishkovelli/proxybroker/internal/judge"
	"github.com/grishkovelli/proxybroker/internal/logging"
	"github.com/grishkovelli/proxybroker/internal/pool"
	"github.com/grishkovelli/proxybroker/internal/provider"
	"github.com/grishkovelli/proxybroker/internal/proxyrec"
	"github.com/grishkovelli/proxybroker/internal/resolver"
)

// stringList accumulates repeatable --judge/--provider/--countries flags.
type stringList []string

func (s *stringList) String() string { return strings.Join(*s, ",") }
func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: proxybroker <find|grab|serve> [flags]")
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "find":
		err = runFind(args)
	case "grab":
		err = runGrab(args)
	case "serve":
		err = runServe(args)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q (want find|grab|serve)\n", cmd)
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// sharedFlags is the §6 option surface common to find/grab/serve.
type sharedFlags struct {
	types            stringList
	lvl              stringList
	countries        stringList
	data             string
	dnsbl            stringList
	post             bool
	strict           bool
	limit            int
	outfile          string
	showStats        bool
	maxConn          int
	maxTries         int
	timeout          time.Duration
	judges           stringList
	providers        stringList
	verifySSL        bool
	logPath          string
	host             string
	port             int
	minReqProxy      int
	maxErrorRate     float64
	maxRespTime      int64
	preferConnect    bool
	httpAllowedCodes stringList
	backlog          int
}

func bindShared(fs *flag.FlagSet, f *sharedFlags) {
	fs.Var(&f.types, "types", "protocol tag to check (repeatable), e.g. HTTP, SOCKS5")
	fs.Var(&f.lvl, "lvl", "HTTP anonymity level filter for --types=HTTP (repeatable)")
	fs.Var(&f.countries, "countries", "ISO country code filter (repeatable)")
	fs.StringVar(&f.data, "data", "", "raw host:port text to check instead of providers")
	fs.Var(&f.dnsbl, "dnsbl", "DNSBL zone to query (repeatable)")
	fs.BoolVar(&f.post, "post", false, "probe judges with POST instead of GET requests")
	fs.BoolVar(&f.strict, "strict", false, "prune types whose anonymity level wasn't confirmed")
	fs.IntVar(&f.limit, "limit", 0, "stop after this many validated proxies (0 = unbounded)")
	fs.StringVar(&f.outfile, "outfile", "", "write validated proxies here instead of stdout")
	fs.BoolVar(&f.showStats, "show-stats", false, "print an aggregated report on exit")
	fs.IntVar(&f.maxConn, "max-conn", 200, "max proxies being checked concurrently")
	fs.IntVar(&f.maxTries, "max-tries", 3, "max negotiation attempts per protocol")
	fs.DurationVar(&f.timeout, "timeout", 8*time.Second, "network operation timeout")
	fs.Var(&f.judges, "judge", "judge oracle URL (repeatable)")
	fs.Var(&f.providers, "provider", "provider page URL (repeatable)")
	fs.BoolVar(&f.verifySSL, "verify-ssl", false, "verify TLS certificates when probing HTTPS")
	fs.StringVar(&f.logPath, "log", "", "also write log lines to this file")
	fs.StringVar(&f.host, "host", "127.0.0.1", "dispatch server bind host (serve only)")
	fs.IntVar(&f.port, "port", 8888, "dispatch server bind port (serve only)")
	fs.IntVar(&f.minReqProxy, "min-req-proxy", 5, "requests before a proxy leaves the newcomers queue")
	fs.Float64Var(&f.maxErrorRate, "max-error-rate", 0.5, "evict a proxy once its error rate exceeds this")
	fs.Int64Var(&f.maxRespTime, "max-resp-time", 8000, "evict a proxy once its avg response time (ms) exceeds this")
	fs.BoolVar(&f.preferConnect, "prefer-connect", false, "prefer CONNECT:80 over plain HTTP proxying")
	fs.Var(&f.httpAllowedCodes, "http-allowed-codes", "reject responses outside this status set (repeatable, serve only)")
	fs.IntVar(&f.backlog, "backlog", 100, "dispatch server listen backlog (serve only; stored in the dispatch config, the listener uses the system default backlog)")

	fs.IntVar(&f.limit, "l", 0, "shorthand for --limit")
	fs.Var(&f.countries, "c", "shorthand for --countries")
	fs.StringVar(&f.outfile, "o", "", "shorthand for --outfile")
	fs.DurationVar(&f.timeout, "t", 8*time.Second, "shorthand for --timeout")
}

func (f *sharedFlags) typesMap() (map[proxyrec.Tag][]proxyrec.AnonLevel, error) {
	if len(f.types) == 0 {
		return nil, fmt.Errorf("--types is required")
	}

	var levels []proxyrec.AnonLevel
	for _, l := range f.lvl {
		levels = append(levels, proxyrec.AnonLevel(l))
	}

	out := make(map[proxyrec.Tag][]proxyrec.AnonLevel, len(f.types))
	for _, t := range f.types {
		tag := proxyrec.Tag(strings.ToUpper(t))
		if tag == proxyrec.TagHTTP {
			out[tag] = levels
		} else {
			out[tag] = nil
		}
	}
	return out, nil
}

func (f *sharedFlags) httpAllowedCodesInts() []int {
	var codes []int
	for _, c := range f.httpAllowedCodes {
		if n, err := strconv.Atoi(c); err == nil {
			codes = append(codes, n)
		}
	}
	return codes
}

// buildCollaborators assembles the resolver/judges/providers/logger/broker
// shared by all three subcommands.
func buildCollaborators(f *sharedFlags) (*logging.Logger, *resolver.Resolver, *broker.Broker, error) {
	log := logging.New()
	if f.logPath != "" {
		fileOut, err := os.OpenFile(f.logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("opening --log file: %w", err)
		}
		sub := make(logging.Subscriber, 256)
		log.Subscribe(sub)
		go func() {
			w := bufio.NewWriter(fileOut)
			defer w.Flush()
			for line := range sub {
				w.WriteString(line + "\n")
				w.Flush()
			}
		}()
	}

	r := resolver.New(f.timeout, "")

	var judges []*judge.Judge
	for _, raw := range f.judges {
		j, err := newJudge(raw)
		if err != nil {
			log.Printf("skipping invalid judge %q: %v", raw, err)
			continue
		}
		judges = append(judges, j)
	}

	var providers []provider.Provider
	for _, raw := range f.providers {
		providers = append(providers, newProvider(raw))
	}

	b := broker.New(broker.Config{
		Timeout:   f.timeout,
		MaxConn:   f.maxConn,
		MaxTries:  f.maxTries,
		VerifySSL: f.verifySSL,
	}, r, judges, providers, log)

	return log, r, b, nil
}

func newJudge(rawURL string) (*judge.Judge, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}

	var scheme judge.Scheme
	switch strings.ToLower(u.Scheme) {
	case "https":
		scheme = judge.SchemeHTTPS
	case "smtp":
		scheme = judge.SchemeSMTP
	default:
		scheme = judge.SchemeHTTP
	}

	return judge.New(rawURL, scheme)
}

func newProvider(rawURL string) provider.Provider {
	domain := rawURL
	if u, err := url.Parse(rawURL); err == nil {
		domain = u.Host
	}
	return provider.New(rawURL, domain, nil, provider.DefaultFetcher)
}

func runFind(args []string) error {
	fs := flag.NewFlagSet("find", flag.ExitOnError)
	f := &sharedFlags{}
	bindShared(fs, f)
	if err := fs.Parse(args); err != nil {
		return err
	}

	types, err := f.typesMap()
	if err != nil {
		return err
	}

	_, _, b, err := buildCollaborators(f)
	if err != nil {
		return err
	}

	_, err = b.Find(broker.FindConfig{
		Types:     types,
		Data:      f.data,
		Countries: f.countries,
		Post:      f.post,
		Strict:    f.strict,
		DNSBL:     f.dnsbl,
		Limit:     f.limit,
	})
	if err != nil {
		return err
	}

	onSignal(func() { b.Stop() })

	drainToOutput(b, f)

	if f.showStats {
		printStats(b)
	}
	return nil
}

func runGrab(args []string) error {
	fs := flag.NewFlagSet("grab", flag.ExitOnError)
	f := &sharedFlags{}
	bindShared(fs, f)
	if err := fs.Parse(args); err != nil {
		return err
	}

	_, _, b, err := buildCollaborators(f)
	if err != nil {
		return err
	}

	onSignal(func() { b.Stop() })

	b.Grab(f.countries, f.limit)
	drainToOutput(b, f)

	if f.showStats {
		printStats(b)
	}
	return nil
}

func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	f := &sharedFlags{}
	bindShared(fs, f)
	if err := fs.Parse(args); err != nil {
		return err
	}

	types, err := f.typesMap()
	if err != nil {
		return err
	}

	log, r, b, err := buildCollaborators(f)
	if err != nil {
		return err
	}

	// b.Output() is consumed exclusively by the pool's lazy import (spec.md
	// §4.8 "synchronously import more proxies from the broker's output
	// queue"); nothing else may read from it concurrently.
	p := pool.New(pool.Config{
		MinReqProxy:  f.minReqProxy,
		MaxErrorRate: f.maxErrorRate,
		MaxRespTime:  f.maxRespTime,
		MinQueue:     f.maxConn / 10,
		Strategy:     "best",
	}, b.Output())

	stopped := make(chan struct{})

	startServer := func(b *broker.Broker) error {
		srv := dispatch.New(dispatch.Config{
			Host:             f.host,
			Port:             f.port,
			Timeout:          f.timeout,
			MaxTries:         f.maxTries,
			PreferConnect:    f.preferConnect,
			HTTPAllowedCodes: f.httpAllowedCodesInts(),
			Backlog:          f.backlog,
		}, p, r, log)

		if err := srv.Start(); err != nil {
			return err
		}

		dash := dashboard.New(b, log, 0)
		if err := dash.Start(f.host, f.port+1); err != nil {
			log.Printf("dashboard did not start: %v", err)
		}

		onSignal(func() {
			srv.Stop()
			dash.Stop()
			b.Stop()
			close(stopped)
		})
		return nil
	}

	if err := b.Serve(broker.FindConfig{
		Types:     types,
		Data:      f.data,
		Countries: f.countries,
		Post:      f.post,
		Strict:    f.strict,
		DNSBL:     f.dnsbl,
		Limit:     f.limit,
	}, startServer); err != nil {
		return err
	}

	<-stopped

	if f.showStats {
		printStats(b)
	}
	return nil
}

func drainToOutput(b *broker.Broker, f *sharedFlags) {
	var out *os.File
	if f.outfile != "" {
		file, err := os.Create(f.outfile)
		if err != nil {
			fmt.Fprintln(os.Stderr, "could not open --outfile:", err)
			out = os.Stdout
		} else {
			defer file.Close()
			out = file
		}
	} else {
		out = os.Stdout
	}

	w := bufio.NewWriter(out)
	defer w.Flush()

	for proxy := range b.Output() {
		if proxy == nil {
			return
		}
		fmt.Fprintln(w, proxy.Key())
	}
}

func printStats(b *broker.Broker) {
	report := b.ShowStats(true)
	enc := json.NewEncoder(os.Stderr)
	enc.SetIndent("", "  ")
	enc.Encode(report)
}

func onSignal(fn func()) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-ch
		fn()
	}()
}
