package broker

import (
	"sort"
	"strings"

	"github.com/grishkovelli/proxybroker/internal/proxyrec"
)

// Report is the aggregated view ShowStats produces, a structured
// counterpart to proxybroker/api.py's printed show_stats output.
type Report struct {
	WorkingCount   int
	ByType         map[proxyrec.Tag][]string // proxy keys, grouped by protocol tag
	WrongCountry   []string
	WrongLevel     []string
	ConnSuccess    []string
	ConnTimeout    []string
	ConnFailed     []string
	Errors         map[string]int
	Verbose        []VerboseEntry
}

// VerboseEntry mirrors the per-negotiator log dump show_stats(verbose=true)
// prints for each successfully-connected proxy.
type VerboseEntry struct {
	ProxyKey string
	Events   []string
}

// ShowStats aggregates unique_proxies into a Report (spec.md §4.7/§6).
func (b *Broker) ShowStats(verbose bool) Report {
	b.mu.Lock()
	proxies := make([]*proxyrec.Proxy, 0, len(b.uniqueProxies))
	for _, p := range b.uniqueProxies {
		proxies = append(proxies, p)
	}
	b.mu.Unlock()

	sort.Slice(proxies, func(i, j int) bool { return proxies[i].Key() < proxies[j].Key() })

	report := Report{
		ByType: make(map[proxyrec.Tag][]string, len(proxyrec.AllTags)),
		Errors: make(map[string]int),
	}

	for _, p := range proxies {
		if p.IsWorking() {
			report.WorkingCount++
		}

		for tag := range p.Types() {
			report.ByType[tag] = append(report.ByType[tag], p.Key())
		}

		snap := p.StatSnapshot()
		for kind, n := range snap.Errors {
			report.Errors[kind] += n
		}

		b.classify(p, &report, verbose)
	}

	return report
}

// classify buckets a single proxy's log into the country/level/connection
// categories show_stats reports, matching api.py's substring scan over the
// joined log messages.
func (b *Broker) classify(p *proxyrec.Proxy, report *Report, verbose bool) {
	entries := p.Log()
	var msgs []string
	for _, e := range entries {
		msgs = append(msgs, e.Message)
	}
	joined := strings.Join(msgs, " ")

	switch {
	case strings.Contains(joined, "Location of proxy"):
		report.WrongCountry = append(report.WrongCountry, p.Key())
	case strings.Contains(joined, "Connection: success") || strings.Contains(joined, "success"):
		if strings.Contains(joined, "Protocol or the level") {
			report.WrongLevel = append(report.WrongLevel, p.Key())
		}
		report.ConnSuccess = append(report.ConnSuccess, p.Key())
		if verbose {
			report.Verbose = append(report.Verbose, VerboseEntry{ProxyKey: p.Key(), Events: msgs})
		}
	case strings.Contains(joined, "Connection: closed") || strings.Contains(joined, "failed"):
		report.ConnFailed = append(report.ConnFailed, p.Key())
	default:
		report.ConnTimeout = append(report.ConnTimeout, p.Key())
	}
}
