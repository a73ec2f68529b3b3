// Package logging is the teacher's writeLog/broadcast pattern (httptines.go,
// web.go) pulled out so the broker, checker and dispatch server share one
// logger instead of each printing to stdout directly.
package logging

import (
	"fmt"
	"sync"
	"time"
)

// Subscriber receives every line logged after it subscribed.
type Subscriber chan string

// Logger fans a timestamped line out to stdout and to any subscribers
// (the dashboard's websocket broadcaster is one).
type Logger struct {
	mu   sync.RWMutex
	subs map[Subscriber]bool
}

// New returns a ready-to-use Logger.
func New() *Logger {
	return &Logger{subs: make(map[Subscriber]bool)}
}

// Printf formats and logs a line the way the teacher's writeLog does:
// "<DateTime> <message>" to stdout, then the same string to subscribers.
func (l *Logger) Printf(format string, args ...any) {
	l.log(fmt.Sprintf(format, args...))
}

// Println logs args the way fmt.Sprintln would, trimmed of the trailing
// newline Sprintln adds.
func (l *Logger) Println(args ...any) {
	msg := fmt.Sprintln(args...)
	l.log(msg[:len(msg)-1])
}

func (l *Logger) log(msg string) {
	line := fmt.Sprintf("%s %s", time.Now().Format(time.DateTime), msg)
	fmt.Println(line)

	l.mu.RLock()
	defer l.mu.RUnlock()
	for s := range l.subs {
		select {
		case s <- line:
		default: // slow subscriber, drop the line rather than block the pipeline
		}
	}
}

// Subscribe registers a channel to receive future log lines.
func (l *Logger) Subscribe(s Subscriber) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.subs[s] = true
}

// Unsubscribe removes a previously registered channel.
func (l *Logger) Unsubscribe(s Subscriber) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.subs, s)
}

// Default is the package-level logger used where a component wasn't handed
// one explicitly (mirrors the teacher's package-scope broadcast channel).
var Default = New()
