package checker

import (
	"context"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/grishkovelli/proxybroker/internal/judge"
	"github.com/grishkovelli/proxybroker/internal/logging"
	"github.com/grishkovelli/proxybroker/internal/proxyrec"
	"github.com/grishkovelli/proxybroker/internal/resolver"
)

func TestChecker(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "checker")
}

func newTestChecker(cfg Config) (*Checker, *judge.Registry) {
	reg := judge.NewRegistry()
	r := resolver.New(time.Second, "")
	return New(cfg, reg, r, logging.New()), reg
}

var _ = Describe("CheckJudges with zero judges", func() {
	It("disables every protocol without opening a socket", func() {
		c, reg := newTestChecker(Config{})
		c.CheckJudges(context.Background())

		Expect(reg.HasAny(judge.SchemeHTTP)).To(BeFalse())
		Expect(c.activeSet()).To(BeEmpty())

		p, err := proxyrec.New("127.0.0.1", 8080, nil, time.Millisecond, false)
		Expect(err).NotTo(HaveOccurred())

		ok := c.Check(context.Background(), p)
		Expect(ok).To(BeFalse())
		Expect(p.IsWorking()).To(BeFalse())
	})
})

var _ = Describe("classifyAnonymity", func() {
	It("reports Transparent when the real external IP leaks", func() {
		c, _ := newTestChecker(Config{RealExtIP: "1.2.3.4"})
		j := &judge.Judge{Marks: judge.Marks{Via: 0, Proxy: 0}}
		lvl := c.classifyAnonymity([]byte("your ip is 1.2.3.4"), j)
		Expect(lvl).To(Equal(proxyrec.AnonTransparent))
	})

	It("reports Anonymous when via/proxy markers exceed baseline", func() {
		c, _ := newTestChecker(Config{RealExtIP: "1.2.3.4"})
		j := &judge.Judge{Marks: judge.Marks{Via: 0, Proxy: 0}}
		lvl := c.classifyAnonymity([]byte("via: 1.1, proxy detected, client ip 5.6.7.8"), j)
		Expect(lvl).To(Equal(proxyrec.AnonAnonymous))
	})

	It("reports High when neither leak nor markers exceed baseline", func() {
		c, _ := newTestChecker(Config{RealExtIP: "1.2.3.4"})
		j := &judge.Judge{Marks: judge.Marks{Via: 5, Proxy: 5}}
		lvl := c.classifyAnonymity([]byte("via proxy client ip 5.6.7.8"), j)
		Expect(lvl).To(Equal(proxyrec.AnonHigh))
	})
})

var _ = Describe("TypesPassed", func() {
	It("passes unrestricted requests unconditionally", func() {
		c, _ := newTestChecker(Config{})
		p, _ := proxyrec.New("1.2.3.4", 80, nil, time.Second, false)
		Expect(c.TypesPassed(p)).To(BeTrue())
	})

	It("in strict mode prunes entries that fail the level filter", func() {
		c, _ := newTestChecker(Config{
			Strict: true,
			Types:  map[proxyrec.Tag][]proxyrec.AnonLevel{proxyrec.TagHTTP: {proxyrec.AnonHigh}},
		})
		p, _ := proxyrec.New("1.2.3.4", 80, nil, time.Second, false)
		p.SetType(proxyrec.TagHTTP, proxyrec.AnonAnonymous)

		Expect(c.TypesPassed(p)).To(BeFalse())
		Expect(p.Types()).To(BeEmpty())
	})

	It("treats an unspecified level list as a match even in strict mode", func() {
		c, _ := newTestChecker(Config{
			Strict: true,
			Types:  map[proxyrec.Tag][]proxyrec.AnonLevel{proxyrec.TagHTTP: nil},
		})
		p, _ := proxyrec.New("1.2.3.4", 80, nil, time.Second, false)
		p.SetType(proxyrec.TagHTTP, proxyrec.AnonAnonymous)

		Expect(c.TypesPassed(p)).To(BeTrue())
	})
})

var _ = Describe("dnsblListed", func() {
	It("returns false when no zones are configured", func() {
		c, _ := newTestChecker(Config{})
		p, _ := proxyrec.New("1.2.3.4", 80, nil, time.Second, false)
		Expect(c.dnsblListed(context.Background(), p)).To(BeFalse())
	})
})
