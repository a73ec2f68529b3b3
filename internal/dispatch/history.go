package dispatch

import (
	"container/list"
	"sync"
	"time"
)

// historyEntry records which proxy served a given (client, path) request,
// spec.md §4.9's control API backing store for GET /api/history/url:<url>.
type historyEntry struct {
	key       string
	proxyKey  string
	expiresAt time.Time
}

// history is a bounded, TTL'd cache keyed by "clientIP path". Eviction is
// two-pronged: a hard capacity cap (the least recently recorded entry is
// dropped first; a lookup does not refresh an entry's position) and a lazy
// TTL check on lookup — there is no background
// sweeper, matching the teacher's preference for on-access cleanup over a
// dedicated ticker goroutine (see logging.Logger's lack of one too).
type history struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	order    *list.List
	entries  map[string]*list.Element
}

func newHistory(capacity int, ttl time.Duration) *history {
	return &history{
		capacity: capacity,
		ttl:      ttl,
		order:    list.New(),
		entries:  make(map[string]*list.Element),
	}
}

func historyKey(clientIP, path string) string {
	return clientIP + " " + path
}

func (h *history) record(clientIP, path, proxyKey string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	key := historyKey(clientIP, path)
	if el, ok := h.entries[key]; ok {
		h.order.Remove(el)
	}

	entry := &historyEntry{key: key, proxyKey: proxyKey, expiresAt: time.Now().Add(h.ttl)}
	el := h.order.PushFront(entry)
	h.entries[key] = el

	for h.order.Len() > h.capacity {
		oldest := h.order.Back()
		if oldest == nil {
			break
		}
		h.order.Remove(oldest)
		delete(h.entries, oldest.Value.(*historyEntry).key)
	}
}

// lookup returns the proxy key last used for clientIP+path, or "" if
// there is no live entry.
func (h *history) lookup(clientIP, path string) string {
	h.mu.Lock()
	defer h.mu.Unlock()

	key := historyKey(clientIP, path)
	el, ok := h.entries[key]
	if !ok {
		return ""
	}

	entry := el.Value.(*historyEntry)
	if time.Now().After(entry.expiresAt) {
		h.order.Remove(el)
		delete(h.entries, key)
		return ""
	}

	return entry.proxyKey
}
