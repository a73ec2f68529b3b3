// Package dashboard serves the live-stats web UI: a websocket feed of
// broker stats and log lines, plus the index page that renders them.
// Grounded on the teacher's web.go/httptines.go (listenAndServe, wsHandler,
// handleMessages, serveIndex, the Payload envelope and broadcast channel),
// generalized from one global broadcast channel feeding a single Worker's
// Stat to a Dashboard bound to an arbitrary *broker.Broker's ShowStats
// report and an internal/logging.Logger subscription.
package dashboard

import (
	"encoding/json"
	"net"
	"net/http"
	"path"
	"runtime"
	"strconv"
	"sync"
	"text/template"
	"time"

	"github.com/gorilla/websocket"

	"github.com/grishkovelli/proxybroker/internal/broker"
	"github.com/grishkovelli/proxybroker/internal/logging"
)

// Payload is the envelope sent over the websocket, matching the teacher's
// {kind, body} shape so a single client-side switch can route both stat
// snapshots and log lines.
type Payload struct {
	Kind string `json:"kind"`
	Body any    `json:"body"`
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Dashboard pushes broker.Report snapshots and log lines to connected
// websocket clients and serves the index page that displays them.
type Dashboard struct {
	b            *broker.Broker
	log          *logging.Logger
	pushInterval time.Duration

	mu      sync.Mutex
	clients map[*websocket.Conn]bool

	srv    *http.Server
	stopCh chan struct{}
}

// New builds a Dashboard bound to a Broker and Logger. pushInterval
// defaults to 3s, matching the teacher's sendStat cadence.
func New(b *broker.Broker, log *logging.Logger, pushInterval time.Duration) *Dashboard {
	if pushInterval == 0 {
		pushInterval = 3 * time.Second
	}
	return &Dashboard{
		b:            b,
		log:          log,
		pushInterval: pushInterval,
		clients:      make(map[*websocket.Conn]bool),
		stopCh:       make(chan struct{}),
	}
}

// Start launches the HTTP listener and the stat-push/log-fanout
// goroutines in the background.
func (d *Dashboard) Start(host string, port int) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", d.serveIndex)
	mux.HandleFunc("/ws", d.wsHandler)

	fs := http.FileServer(http.Dir(webDir()))
	mux.Handle("/static/", http.StripPrefix("/static/", fs))

	d.srv = &http.Server{Addr: host + ":" + strconv.Itoa(port), Handler: mux}

	sub := make(logging.Subscriber, 64)
	d.log.Subscribe(sub)

	go d.pushStats()
	go d.pumpLogs(sub)

	ln, err := net.Listen("tcp", d.srv.Addr)
	if err != nil {
		return err
	}

	go d.srv.Serve(ln)
	return nil
}

// Stop shuts the dashboard down.
func (d *Dashboard) Stop() {
	close(d.stopCh)
	if d.srv != nil {
		d.srv.Close()
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for c := range d.clients {
		c.Close()
	}
	d.clients = make(map[*websocket.Conn]bool)
}

func (d *Dashboard) pushStats() {
	ticker := time.NewTicker(d.pushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stopCh:
			return
		case <-ticker.C:
			report := d.b.ShowStats(false)
			body, err := json.Marshal(Payload{Kind: "stat", Body: report})
			if err != nil {
				continue
			}
			d.broadcast(body)
		}
	}
}

func (d *Dashboard) pumpLogs(sub logging.Subscriber) {
	defer d.log.Unsubscribe(sub)
	for {
		select {
		case <-d.stopCh:
			return
		case line, ok := <-sub:
			if !ok {
				return
			}
			body, err := json.Marshal(Payload{Kind: "log", Body: line})
			if err != nil {
				continue
			}
			d.broadcast(body)
		}
	}
}

func (d *Dashboard) broadcast(msg []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for c := range d.clients {
		if err := c.WriteMessage(websocket.TextMessage, msg); err != nil {
			c.Close()
			delete(d.clients, c)
		}
	}
}

func (d *Dashboard) wsHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		d.log.Printf("dashboard: upgrade failed: %v", err)
		return
	}

	d.mu.Lock()
	d.clients[conn] = true
	d.mu.Unlock()
}

func (d *Dashboard) serveIndex(w http.ResponseWriter, r *http.Request) {
	t, err := template.ParseFiles(path.Join(webDir(), "template.html"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if err := t.Execute(w, "ws://"+r.Host+"/ws"); err != nil {
		d.log.Printf("dashboard: template execute failed: %v", err)
	}
}

func webDir() string {
	_, file, _, _ := runtime.Caller(0)
	return path.Join(path.Dir(file), "web")
}
