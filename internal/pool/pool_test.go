package pool

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	. "github.com/bsm/ginkgo/v2"
	. "github.com/bsm/gomega"

	"github.com/grishkovelli/proxybroker/internal/perrors"
	"github.com/grishkovelli/proxybroker/internal/proxyrec"
)

func TestPool(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "pool")
}

// listenerProxy starts a loopback listener that silently accepts and holds
// connections open, returning a *proxyrec.Proxy pointed at it so Connect
// succeeds for real without any protocol negotiation.
func listenerProxy(tag proxyrec.Tag) *proxyrec.Proxy {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	Expect(err).NotTo(HaveOccurred())
	DeferCleanup(func() { ln.Close() })

	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() { <-make(chan struct{}); c.Close() }()
		}
	}()

	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	Expect(err).NotTo(HaveOccurred())
	port, err := strconv.Atoi(portStr)
	Expect(err).NotTo(HaveOccurred())

	p, err := proxyrec.New(host, port, []proxyrec.Tag{tag}, time.Second, false)
	Expect(err).NotTo(HaveOccurred())
	p.SetType(tag, proxyrec.AnonHigh)
	return p
}

// workingProxy connects ok+bad times (each bumping Requests), logging a
// connection error after the bad attempts so ErrorRate() reflects bad/(ok+bad).
func workingProxy(tag proxyrec.Tag, ok, bad int) *proxyrec.Proxy {
	p := listenerProxy(tag)
	for i := 0; i < ok; i++ {
		Expect(p.Connect(context.Background(), false)).To(Succeed())
		p.Close()
	}
	for i := 0; i < bad; i++ {
		Expect(p.Connect(context.Background(), false)).To(Succeed())
		p.LogEvent("probe failed", time.Time{}, perrors.ConnFailed(nil))
		p.Close()
	}
	return p
}

var _ = Describe("Pool", func() {
	It("routes below-threshold proxies to the newcomers FIFO", func() {
		p := New(Config{MinReqProxy: 5, MinQueue: 0}, nil)
		proxy := workingProxy(proxyrec.TagHTTP, 1, 0)
		p.Put(proxy)
		Expect(p.Len()).To(Equal(1))

		got, err := p.Get("HTTP")
		Expect(err).NotTo(HaveOccurred())
		Expect(got.Key()).To(Equal(proxy.Key()))
	})

	It("prefers newcomers over heap entries regardless of priority", func() {
		p := New(Config{MinReqProxy: 5, MinQueue: 0}, nil)
		seasoned := workingProxy(proxyrec.TagHTTP, 10, 0)
		newcomer := workingProxy(proxyrec.TagHTTP, 1, 0)
		p.Put(seasoned)
		p.Put(newcomer)

		got, err := p.Get("HTTP")
		Expect(err).NotTo(HaveOccurred())
		Expect(got.Key()).To(Equal(newcomer.Key()))
	})

	It("returns the best (error_rate, avg_resp_time) candidate from the heap", func() {
		p := New(Config{MinReqProxy: 1, MinQueue: 0}, nil)
		worse := workingProxy(proxyrec.TagHTTP, 8, 2)
		better := workingProxy(proxyrec.TagHTTP, 10, 0)
		p.Put(worse)
		p.Put(better)

		got, err := p.Get("HTTP")
		Expect(err).NotTo(HaveOccurred())
		Expect(got.Key()).To(Equal(better.Key()))
	})

	It("evicts proxies breaching the max error rate", func() {
		p := New(Config{MinReqProxy: 1, MaxErrorRate: 0.1, MinQueue: 0}, nil)
		bad := workingProxy(proxyrec.TagHTTP, 1, 9)
		p.Put(bad)
		Expect(p.Len()).To(Equal(0))
	})

	It("skips candidates that don't support the requested scheme", func() {
		p := New(Config{MinReqProxy: 1, MinQueue: 0}, nil)
		httpOnly := workingProxy(proxyrec.TagHTTP, 5, 0)
		p.Put(httpOnly)

		_, err := p.Get("HTTPS")
		Expect(err).To(MatchError(perrors.ErrNoProxy))
		Expect(p.Len()).To(Equal(1)) // returned to the heap, not dropped
	})

	It("imports from the channel once below MinQueue, stopping at the null sentinel", func() {
		ch := make(chan *proxyrec.Proxy, 2)
		match := workingProxy(proxyrec.TagHTTP, 1, 0)
		ch <- match
		close(ch)

		p := New(Config{MinReqProxy: 5, MinQueue: 1}, Importer(ch))
		got, err := p.Get("HTTP")
		Expect(err).NotTo(HaveOccurred())
		Expect(got.Key()).To(Equal(match.Key()))
	})

	It("reports ErrNoProxy once imports are exhausted and the pool is empty", func() {
		ch := make(chan *proxyrec.Proxy)
		close(ch)
		p := New(Config{MinQueue: 1}, Importer(ch))

		_, err := p.Get("HTTP")
		Expect(err).To(MatchError(perrors.ErrNoProxy))
	})

	It("removes a proxy by host:port from either the newcomers FIFO or the heap", func() {
		p := New(Config{MinReqProxy: 5, MinQueue: 0}, nil)
		newcomer := workingProxy(proxyrec.TagHTTP, 1, 0)
		seasoned := workingProxy(proxyrec.TagHTTP, 10, 0)
		p.Put(newcomer)
		p.Put(seasoned)

		nHost, nPort, _ := net.SplitHostPort(newcomer.Key())
		sHost, sPort, _ := net.SplitHostPort(seasoned.Key())
		nPortN, _ := strconv.Atoi(nPort)
		sPortN, _ := strconv.Atoi(sPort)

		Expect(p.Remove(nHost, nPortN)).To(BeTrue())
		Expect(p.Remove(sHost, sPortN)).To(BeTrue())
		Expect(p.Remove("6.6.6.6", 80)).To(BeFalse())
		Expect(p.Len()).To(Equal(0))
	})
})
