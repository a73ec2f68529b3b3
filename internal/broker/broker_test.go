package broker

import (
	"context"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/grishkovelli/proxybroker/internal/logging"
	"github.com/grishkovelli/proxybroker/internal/provider"
	"github.com/grishkovelli/proxybroker/internal/proxyrec"
	"github.com/grishkovelli/proxybroker/internal/resolver"
)

func TestBroker(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "broker")
}

type stubProvider struct {
	domain string
	tuples []provider.Tuple
}

func (s *stubProvider) URL() string              { return "http://" + s.domain }
func (s *stubProvider) Domain() string           { return s.domain }
func (s *stubProvider) Proto() []proxyrec.Tag    { return nil }
func (s *stubProvider) GetProxies(ctx context.Context) ([]provider.Tuple, error) {
	return s.tuples, nil
}

func drain(ch <-chan *proxyrec.Proxy, timeout time.Duration) []*proxyrec.Proxy {
	var out []*proxyrec.Proxy
	deadline := time.After(timeout)
	for {
		select {
		case p := <-ch:
			out = append(out, p)
			if p == nil {
				return out
			}
		case <-deadline:
			return out
		}
	}
}

var _ = Describe("Broker.Grab", func() {
	It("emits unique proxies then the null sentinel", func() {
		r := resolver.New(time.Second, "")
		pr := &stubProvider{domain: "example.com", tuples: []provider.Tuple{
			{Host: "1.2.3.4", Port: 8080},
			{Host: "1.2.3.4", Port: 8080}, // duplicate, dropped
			{Host: "5.6.7.8", Port: 3128},
		}}
		b := New(Config{}, r, nil, []provider.Provider{pr}, logging.New())

		b.Grab(nil, 0)

		got := drain(b.Output(), 2*time.Second)
		Expect(got).To(HaveLen(3)) // two proxies + the null sentinel
		Expect(got[2]).To(BeNil())

		keys := map[string]bool{}
		for _, p := range got {
			if p != nil {
				keys[p.Key()] = true
			}
		}
		Expect(keys).To(HaveKey("1.2.3.4:8080"))
		Expect(keys).To(HaveKey("5.6.7.8:3128"))
	})

	It("drops proxies whose geo doesn't match the countries filter", func() {
		r := resolver.New(time.Second, "")
		pr := &stubProvider{domain: "example.com", tuples: []provider.Tuple{
			{Host: "1.2.3.4", Port: 8080},
		}}
		b := New(Config{}, r, nil, []provider.Provider{pr}, logging.New())

		b.Grab([]string{"US"}, 0) // UnknownGeo's code is "--", never matches "US"

		got := drain(b.Output(), 2*time.Second)
		Expect(got).To(HaveLen(1))
		Expect(got[0]).To(BeNil())
	})
})

var _ = Describe("Broker.Stop", func() {
	It("is idempotent and closes the output with exactly one sentinel", func() {
		r := resolver.New(time.Second, "")
		b := New(Config{}, r, nil, nil, logging.New())

		b.Stop()
		b.Stop()

		got := drain(b.Output(), time.Second)
		Expect(got).To(HaveLen(1))
		Expect(got[0]).To(BeNil())
	})
})

var _ = Describe("Broker.Find", func() {
	It("rejects an empty types map", func() {
		r := resolver.New(time.Second, "")
		b := New(Config{}, r, nil, nil, logging.New())

		_, err := b.Find(FindConfig{})
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("Broker.Serve", func() {
	It("rejects limit <= 0", func() {
		r := resolver.New(time.Second, "")
		b := New(Config{}, r, nil, nil, logging.New())

		err := b.Serve(FindConfig{Limit: 0}, nil)
		Expect(err).To(HaveOccurred())
	})
})
