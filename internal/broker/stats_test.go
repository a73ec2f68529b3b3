package broker

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/grishkovelli/proxybroker/internal/logging"
	"github.com/grishkovelli/proxybroker/internal/proxyrec"
	"github.com/grishkovelli/proxybroker/internal/resolver"
)

var _ = Describe("Broker.ShowStats", func() {
	It("buckets proxies by working type, country rejection, and log content", func() {
		r := resolver.New(time.Second, "")
		b := New(Config{}, r, nil, nil, logging.New())

		working, _ := proxyrec.New("1.1.1.1", 80, nil, time.Second, false)
		working.SetType(proxyrec.TagHTTP, proxyrec.AnonHigh)
		working.SetWorking(true)
		working.LogEvent("Connection: success", time.Time{}, nil)

		rejectedCountry, _ := proxyrec.New("2.2.2.2", 80, nil, time.Second, false)
		rejectedCountry.LogEvent("Location of proxy is outside the given countries list", time.Time{}, nil)

		b.mu.Lock()
		b.uniqueProxies[working.Key()] = working
		b.uniqueProxies[rejectedCountry.Key()] = rejectedCountry
		b.mu.Unlock()

		report := b.ShowStats(false)

		Expect(report.WorkingCount).To(Equal(1))
		Expect(report.ByType[proxyrec.TagHTTP]).To(ConsistOf(working.Key()))
		Expect(report.WrongCountry).To(ConsistOf(rejectedCountry.Key()))
		Expect(report.ConnSuccess).To(ConsistOf(working.Key()))
	})
})
