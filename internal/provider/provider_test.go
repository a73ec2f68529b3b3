package provider

import (
	"context"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/grishkovelli/proxybroker/internal/proxyrec"
)

func TestProvider(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "provider")
}

var _ = Describe("ExtractTuples", func() {
	It("extracts host:port pairs from plain lines", func() {
		text := "1.2.3.4:8080\n5.6.7.8:3128\n"
		tuples := ExtractTuples(text, []proxyrec.Tag{proxyrec.TagHTTP})
		Expect(tuples).To(HaveLen(2))
		Expect(tuples[0].Host).To(Equal("1.2.3.4"))
		Expect(tuples[0].Port).To(Equal(8080))
		Expect(tuples[0].Hint).To(ConsistOf(proxyrec.TagHTTP))
	})

	It("ignores lines without a port", func() {
		text := "1.2.3.4\nnot a proxy line\n"
		tuples := ExtractTuples(text, nil)
		Expect(tuples).To(BeEmpty())
	})

	It("deduplicates repeated host:port pairs", func() {
		text := "1.2.3.4:8080\n1.2.3.4:8080\n"
		tuples := ExtractTuples(text, nil)
		Expect(tuples).To(HaveLen(1))
	})
})

var _ = Describe("RegexProvider.GetProxies", func() {
	It("delegates to the fetcher and extracts tuples from the page", func() {
		stub := func(ctx context.Context, url string) (string, error) {
			return "9.9.9.9:1080\n", nil
		}
		p := New("http://example.com/list", "example.com", []proxyrec.Tag{proxyrec.TagSOCKS5}, stub)

		tuples, err := p.GetProxies(context.Background())
		Expect(err).NotTo(HaveOccurred())
		Expect(tuples).To(HaveLen(1))
		Expect(tuples[0].Host).To(Equal("9.9.9.9"))
		Expect(tuples[0].Port).To(Equal(1080))
		Expect(p.Domain()).To(Equal("example.com"))
	})
})
