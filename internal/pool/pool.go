// Package pool implements the priority-ordered working set of validated
// proxies. Grounded on pkg/wlpb/wlpb.go's Balancer: that type keeps an
// "alive" slice it re-sorts by weight and hands out via bestServer/
// computeCapacity on every request. This package generalizes the same
// shape — a guarded slice of candidates, re-sorted by a priority key,
// handed out one at a time — from "best latency" to spec.md §4.8's
// (error_rate, avg_resp_time) priority, using container/heap (no
// priority-queue library appeared anywhere in the retrieved pack).
package pool

import (
	"container/heap"
	"sync"

	"github.com/grishkovelli/proxybroker/internal/config"
	"github.com/grishkovelli/proxybroker/internal/perrors"
	"github.com/grishkovelli/proxybroker/internal/proxyrec"
)

// Config mirrors spec.md §4.8.
type Config struct {
	MinReqProxy  int     `default:"5"`
	MaxErrorRate float64 `default:"0.5"`
	MaxRespTime  int64   `default:"8000"` // milliseconds
	MinQueue     int     `default:"5"`
	Strategy     string  `default:"best"`
}

// Importer supplies more proxies when the pool runs low, matching
// spec.md §4.8's "synchronously import more proxies from the broker's
// output queue" — a channel works just as well as the conceptual queue.
type Importer <-chan *proxyrec.Proxy

// heapItem wraps a proxy with the priority key it was pushed with, so the
// heap doesn't need to re-read mutex-guarded fields on every comparison.
type heapItem struct {
	proxy      *proxyrec.Proxy
	errorRate  float64
	avgRespMs  int64
}

type priorityHeap []*heapItem

func (h priorityHeap) Len() int { return len(h) }
func (h priorityHeap) Less(i, j int) bool {
	if h[i].errorRate != h[j].errorRate {
		return h[i].errorRate < h[j].errorRate
	}
	return h[i].avgRespMs < h[j].avgRespMs
}
func (h priorityHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *priorityHeap) Push(x any)   { *h = append(*h, x.(*heapItem)) }
func (h *priorityHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Pool is the priority queue of healthy proxies plus a FIFO of newcomers
// (spec.md §4.8).
type Pool struct {
	cfg Config

	mu        sync.Mutex
	heap      priorityHeap
	newcomers []*proxyrec.Proxy
	imports   Importer
}

// New builds an empty Pool. imports is consulted by Get when the pool runs
// low on candidates.
func New(cfg Config, imports Importer) *Pool {
	config.SetDefaults(&cfg)
	p := &Pool{cfg: cfg, imports: imports}
	heap.Init(&p.heap)
	return p
}

// Put classifies a proxy: a newcomer (fewer than MinReqProxy completed
// requests) joins the FIFO; one whose error rate or response time breach
// the eviction thresholds is discarded; otherwise it joins the heap
// (spec.md §4.8).
func (p *Pool) Put(proxy *proxyrec.Proxy) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.putLocked(proxy)
}

func (p *Pool) putLocked(proxy *proxyrec.Proxy) {
	if proxy.Requests() < p.cfg.MinReqProxy {
		p.newcomers = append(p.newcomers, proxy)
		return
	}

	errRate, avgResp := proxy.Priority()
	if errRate > p.cfg.MaxErrorRate || avgResp.Milliseconds() > p.cfg.MaxRespTime {
		return // eviction
	}

	heap.Push(&p.heap, &heapItem{proxy: proxy, errorRate: errRate, avgRespMs: avgResp.Milliseconds()})
}

// Get returns the best candidate supporting scheme ("HTTP" or "HTTPS"). If
// the pool is thin (below MinQueue total), it synchronously imports from
// the broker's output queue first. It prefers a newcomer if one matches
// scheme, else the best-priority heap entry; candidates that don't match
// scheme are returned to the pool rather than dropped.
func (p *Pool) Get(scheme string) (*proxyrec.Proxy, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.heap)+len(p.newcomers) < p.cfg.MinQueue {
		if err := p.importUntilLocked(scheme); err != nil {
			return nil, err
		}
	}

	if idx := p.findNewcomerLocked(scheme); idx >= 0 {
		proxy := p.newcomers[idx]
		p.newcomers = append(p.newcomers[:idx], p.newcomers[idx+1:]...)
		return proxy, nil
	}

	if proxy := p.popBestLocked(scheme); proxy != nil {
		return proxy, nil
	}

	return nil, perrors.ErrNoProxy
}

func (p *Pool) findNewcomerLocked(scheme string) int {
	for i, proxy := range p.newcomers {
		if schemeSupported(proxy, scheme) {
			return i
		}
	}
	return -1
}

// popBestLocked pops heap entries until one matches scheme, returning
// non-matching ones to the heap.
func (p *Pool) popBestLocked(scheme string) *proxyrec.Proxy {
	var rejected []*heapItem

	var found *proxyrec.Proxy
	for len(p.heap) > 0 {
		item := heap.Pop(&p.heap).(*heapItem)
		if schemeSupported(item.proxy, scheme) {
			found = item.proxy
			break
		}
		rejected = append(rejected, item)
	}

	for _, item := range rejected {
		heap.Push(&p.heap, item)
	}

	return found
}

// importUntilLocked drains the import channel into the pool until a
// matching-scheme candidate has been queued or the channel closes (the
// null sentinel, spec.md §4.8/§7).
func (p *Pool) importUntilLocked(scheme string) error {
	if p.imports == nil {
		return nil
	}

	for {
		proxy, ok := <-p.imports
		if !ok || proxy == nil {
			return perrors.ErrNoProxy
		}

		p.putLocked(proxy)

		if schemeSupported(proxy, scheme) {
			return nil
		}
	}
}

func schemeSupported(proxy *proxyrec.Proxy, scheme string) bool {
	for _, s := range proxy.Schemes() {
		if s == scheme {
			return true
		}
	}
	return false
}

// Remove deletes the proxy identified by host:port from both the heap and
// the newcomers FIFO, used by the dispatch server's control API.
func (p *Pool) Remove(host string, port int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := proxyKey(host, port)

	for i, proxy := range p.newcomers {
		if proxy.Key() == key {
			p.newcomers = append(p.newcomers[:i], p.newcomers[i+1:]...)
			return true
		}
	}

	for i, item := range p.heap {
		if item.proxy.Key() == key {
			heap.Remove(&p.heap, i)
			return true
		}
	}

	return false
}

func proxyKey(host string, port int) string {
	return host + ":" + itoa(port)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// Len returns the combined size of the heap and the newcomers FIFO.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.heap) + len(p.newcomers)
}
