package dashboard

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/gorilla/websocket"

	"github.com/grishkovelli/proxybroker/internal/broker"
	"github.com/grishkovelli/proxybroker/internal/logging"
	"github.com/grishkovelli/proxybroker/internal/resolver"
)

func TestDashboard(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "dashboard")
}

func newTestDashboard() (*Dashboard, *broker.Broker, *logging.Logger) {
	log := logging.New()
	r := resolver.New(time.Second, "")
	b := broker.New(broker.Config{}, r, nil, nil, log)
	return New(b, log, 10*time.Millisecond), b, log
}

func handlerFor(d *Dashboard) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", d.wsHandler)
	return mux
}

var _ = Describe("Dashboard websocket feed", func() {
	It("pushes a stat payload to connected clients", func() {
		d, _, _ := newTestDashboard()

		srv := httptest.NewServer(handlerFor(d))
		defer srv.Close()

		wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
		conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
		Expect(err).NotTo(HaveOccurred())
		defer conn.Close()

		go d.pushStats()
		defer close(d.stopCh)

		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, data, err := conn.ReadMessage()
		Expect(err).NotTo(HaveOccurred())

		var p Payload
		Expect(json.Unmarshal(data, &p)).To(Succeed())
		Expect(p.Kind).To(Equal("stat"))
	})

	It("fans log lines out as log-kind payloads", func() {
		d, _, log := newTestDashboard()

		srv := httptest.NewServer(handlerFor(d))
		defer srv.Close()

		wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
		conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
		Expect(err).NotTo(HaveOccurred())
		defer conn.Close()

		sub := make(logging.Subscriber, 8)
		log.Subscribe(sub)
		go d.pumpLogs(sub)
		defer close(d.stopCh)

		log.Println("hello from the test")

		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, data, err := conn.ReadMessage()
		Expect(err).NotTo(HaveOccurred())

		var p Payload
		Expect(json.Unmarshal(data, &p)).To(Succeed())
		Expect(p.Kind).To(Equal("log"))
	})
})
