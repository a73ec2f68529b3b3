package resolver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/grishkovelli/proxybroker/internal/perrors"
)

func TestResolver(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "resolver")
}

var _ = Describe("IsIP", func() {
	When("given a valid IPv4 dotted-quad", func() {
		It("returns true", func() {
			Expect(IsIP("192.168.0.1")).To(BeTrue())
		})
	})

	When("given a domain name", func() {
		It("returns false", func() {
			Expect(IsIP("example.com")).To(BeFalse())
		})
	})

	When("given an out-of-range octet", func() {
		It("returns false", func() {
			Expect(IsIP("256.0.0.1")).To(BeFalse())
		})
	})

	When("given an IPv6 literal", func() {
		It("returns false", func() {
			Expect(IsIP("::1")).To(BeFalse())
		})
	})
})

var _ = Describe("Resolver.Resolve", func() {
	var r *Resolver

	BeforeEach(func() {
		r = New(time.Second, "")
	})

	When("host is already an IP", func() {
		It("returns it unchanged without a cache entry", func() {
			ip, err := r.Resolve(context.Background(), "10.0.0.1")
			Expect(err).NotTo(HaveOccurred())
			Expect(ip).To(Equal("10.0.0.1"))
			Expect(r.cache).To(BeEmpty())
		})
	})

	When("resolving the same host twice", func() {
		It("is idempotent and served from cache on the second call", func() {
			r.cache["cached.example"] = "1.2.3.4"
			ip1, err1 := r.Resolve(context.Background(), "cached.example")
			ip2, err2 := r.Resolve(context.Background(), "cached.example")
			Expect(err1).NotTo(HaveOccurred())
			Expect(err2).NotTo(HaveOccurred())
			Expect(ip1).To(Equal(ip2))
		})
	})

	When("the host cannot resolve", func() {
		It("returns ErrResolveFailed", func() {
			_, err := r.Resolve(context.Background(), "this-host-does-not-exist.invalid")
			Expect(err).To(MatchError(perrors.ErrResolveFailed))
		})
	})
})

var _ = Describe("Resolver.Geo", func() {
	When("no database is configured", func() {
		It("returns UnknownGeo", func() {
			r := New(time.Second, "")
			Expect(r.Geo("8.8.8.8")).To(Equal(UnknownGeo))
		})
	})
})

var _ = Describe("Resolver.ExternalIP", func() {
	It("accepts the first host that returns a parseable IPv4 body", func() {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("203.0.113.7\n"))
		}))
		defer srv.Close()

		r := New(time.Second, "")
		old := externalIPHosts
		externalIPHosts = []string{srv.URL}
		defer func() { externalIPHosts = old }()

		ip, err := r.ExternalIP(context.Background())
		Expect(err).NotTo(HaveOccurred())
		Expect(ip).To(Equal("203.0.113.7"))
	})
})
