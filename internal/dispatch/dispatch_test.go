package dispatch

import (
	"net/textproto"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/grishkovelli/proxybroker/internal/proxyrec"
)

func TestDispatch(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "dispatch")
}

var _ = Describe("choiceProto", func() {
	newProxy := func(tags ...proxyrec.Tag) *proxyrec.Proxy {
		p, err := proxyrec.New("1.1.1.1", 8080, nil, time.Second, false)
		Expect(err).NotTo(HaveOccurred())
		for _, t := range tags {
			p.SetType(t, proxyrec.AnonHigh)
		}
		return p
	}

	It("prefers CONNECT:80 for HTTP scheme when prefer_connect is set and supported", func() {
		p := newProxy(proxyrec.TagHTTP, proxyrec.TagConnect80)
		tag, err := choiceProto(p, "HTTP", true)
		Expect(err).NotTo(HaveOccurred())
		Expect(tag).To(Equal(proxyrec.TagConnect80))
	})

	It("falls back to HTTP when prefer_connect is set but CONNECT:80 is unsupported", func() {
		p := newProxy(proxyrec.TagHTTP)
		tag, err := choiceProto(p, "HTTP", true)
		Expect(err).NotTo(HaveOccurred())
		Expect(tag).To(Equal(proxyrec.TagHTTP))
	})

	It("picks the first of HTTP/CONNECT:80/SOCKS4/SOCKS5 in order for HTTP scheme", func() {
		p := newProxy(proxyrec.TagSOCKS4, proxyrec.TagConnect80)
		tag, err := choiceProto(p, "HTTP", false)
		Expect(err).NotTo(HaveOccurred())
		Expect(tag).To(Equal(proxyrec.TagConnect80))
	})

	It("picks among HTTPS/SOCKS4/SOCKS5 for HTTPS scheme", func() {
		p := newProxy(proxyrec.TagSOCKS5)
		tag, err := choiceProto(p, "HTTPS", false)
		Expect(err).NotTo(HaveOccurred())
		Expect(tag).To(Equal(proxyrec.TagSOCKS5))
	})

	It("errors when the proxy has no protocol compatible with the scheme", func() {
		p := newProxy(proxyrec.TagConnect25)
		_, err := choiceProto(p, "HTTP", false)
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("identifyScheme", func() {
	It("maps CONNECT to HTTPS and everything else to HTTP", func() {
		Expect(identifyScheme("CONNECT")).To(Equal("HTTPS"))
		Expect(identifyScheme("GET")).To(Equal("HTTP"))
		Expect(identifyScheme("POST")).To(Equal("HTTP"))
	})
})

var _ = Describe("splitHostPort", func() {
	It("defaults to 443 for CONNECT with no explicit port", func() {
		host, port := splitHostPort("example.com", true)
		Expect(host).To(Equal("example.com"))
		Expect(port).To(Equal(443))
	})

	It("defaults to 80 for plain HTTP with no explicit port", func() {
		_, port := splitHostPort("example.com", false)
		Expect(port).To(Equal(80))
	})

	It("honors an explicit port", func() {
		host, port := splitHostPort("example.com:8443", true)
		Expect(host).To(Equal("example.com"))
		Expect(port).To(Equal(8443))
	})
})

var _ = Describe("isControlHost", func() {
	It("recognizes the proxycontrol sentinel host", func() {
		h := textproto.MIMEHeader{"Host": []string{"proxycontrol"}}
		Expect(isControlHost(h)).To(BeTrue())
	})

	It("rejects any other host", func() {
		h := textproto.MIMEHeader{"Host": []string{"example.com"}}
		Expect(isControlHost(h)).To(BeFalse())
	})
})

var _ = Describe("injectProxyInfo", func() {
	It("inserts X-Proxy-Info just before the terminating blank line", func() {
		block := []byte("HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n")
		out := injectProxyInfo(block, "1.2.3.4:8080")
		Expect(string(out)).To(ContainSubstring("X-Proxy-Info: 1.2.3.4:8080\r\n\r\n"))
		Expect(string(out)).To(HavePrefix("HTTP/1.1 200 OK\r\nContent-Length: 0\r\n"))
	})

	It("returns the block unchanged when no terminator is found", func() {
		block := []byte("garbage")
		Expect(injectProxyInfo(block, "x")).To(Equal(block))
	})
})

var _ = Describe("checkStatusAllowed", func() {
	It("accepts a status present in the allowed set", func() {
		Expect(checkStatusAllowed([]byte("HTTP/1.1 200 OK\r\n"), []int{200, 301})).NotTo(HaveOccurred())
	})

	It("rejects a status absent from the allowed set", func() {
		Expect(checkStatusAllowed([]byte("HTTP/1.1 403 Forbidden\r\n"), []int{200, 301})).To(HaveOccurred())
	})
})

var _ = Describe("history", func() {
	It("round-trips a recorded entry", func() {
		h := newHistory(10, time.Minute)
		h.record("10.0.0.1", "/x", "2.2.2.2:8080")
		Expect(h.lookup("10.0.0.1", "/x")).To(Equal("2.2.2.2:8080"))
	})

	It("returns empty for an unknown key", func() {
		h := newHistory(10, time.Minute)
		Expect(h.lookup("10.0.0.1", "/missing")).To(Equal(""))
	})

	It("expires entries past their TTL", func() {
		h := newHistory(10, -time.Second)
		h.record("10.0.0.1", "/x", "2.2.2.2:8080")
		Expect(h.lookup("10.0.0.1", "/x")).To(Equal(""))
	})

	It("evicts the oldest entry once capacity is exceeded", func() {
		h := newHistory(2, time.Minute)
		h.record("1", "/a", "p1")
		h.record("2", "/b", "p2")
		h.record("3", "/c", "p3")
		Expect(h.lookup("1", "/a")).To(Equal(""))
		Expect(h.lookup("2", "/b")).To(Equal("p2"))
		Expect(h.lookup("3", "/c")).To(Equal("p3"))
	})
})
