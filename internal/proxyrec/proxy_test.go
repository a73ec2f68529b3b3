package proxyrec

import (
	"bufio"
	"context"
	"net"
	"strings"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestProxyrec(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "proxyrec")
}

var _ = Describe("New", func() {
	When("port is 65535", func() {
		It("is accepted", func() {
			_, err := New("1.2.3.4", 65535, nil, time.Second, false)
			Expect(err).NotTo(HaveOccurred())
		})
	})

	When("port is 65536", func() {
		It("is rejected", func() {
			_, err := New("1.2.3.4", 65536, nil, time.Second, false)
			Expect(err).To(HaveOccurred())
		})
	})

	When("host is not an IPv4 literal", func() {
		It("is rejected", func() {
			_, err := New("256.0.0.1", 80, nil, time.Second, false)
			Expect(err).To(HaveOccurred())
		})
	})
})

var _ = Describe("Proxy derived fields", func() {
	var p *Proxy

	BeforeEach(func() {
		p, _ = New("1.2.3.4", 8080, nil, time.Second, false)
	})

	It("reports zero error rate with no requests", func() {
		Expect(p.ErrorRate()).To(Equal(0.0))
	})

	It("derives HTTP scheme from an HTTP type entry", func() {
		p.SetType(TagHTTP, AnonHigh)
		Expect(p.Schemes()).To(ConsistOf("HTTP"))
	})

	It("derives both schemes from SOCKS5", func() {
		p.SetType(TagSOCKS5, AnonNone)
		Expect(p.Schemes()).To(ConsistOf("HTTP", "HTTPS"))
	})

	It("keeps requests >= sum(errors) after LogEvent failures", func() {
		p.Connect(context.Background(), false) // will fail: nothing listening normally, but might race with a real port
		stat := p.StatSnapshot()
		sum := 0
		for _, c := range stat.Errors {
			sum += c
		}
		Expect(stat.Requests).To(BeNumerically(">=", sum))
	})
})

var _ = Describe("Proxy.Connect/Close", func() {
	It("connects to a listening TCP server and closes idempotently", func() {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		Expect(err).NotTo(HaveOccurred())
		defer ln.Close()

		go func() {
			conn, _ := ln.Accept()
			if conn != nil {
				conn.Close()
			}
		}()

		addr := ln.Addr().(*net.TCPAddr)
		p, err := New("127.0.0.1", addr.Port, nil, time.Second, false)
		Expect(err).NotTo(HaveOccurred())

		Expect(p.Connect(context.Background(), false)).To(Succeed())
		p.Close()
		p.Close() // idempotent
	})
})

var _ = Describe("readChunked", func() {
	It("reads a chunked body terminated by a zero-size chunk", func() {
		raw := "4\r\ntest\r\n0\r\n\r\n"
		r := bufio.NewReader(strings.NewReader(raw))
		body, err := readChunked(r)
		Expect(err).NotTo(HaveOccurred())
		Expect(string(body)).To(Equal("test"))
	})
})
