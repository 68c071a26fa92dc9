package eventbus

import "sync"

// Log is a bounded ring of recent events, kept for operational display.
// Writers never block and old entries are overwritten silently.
type Log struct {
	mu   sync.Mutex
	buf  []Event
	next int
	full bool
}

func NewLog(capacity int) *Log {
	if capacity <= 0 {
		capacity = 64
	}
	return &Log{buf: make([]Event, capacity)}
}

func (l *Log) Record(e Event) {
	if l == nil {
		return
	}
	l.mu.Lock()
	l.buf[l.next] = e
	l.next++
	if l.next == len(l.buf) {
		l.next = 0
		l.full = true
	}
	l.mu.Unlock()
}

// Recent returns the recorded events, oldest first.
func (l *Log) Recent() []Event {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.full {
		return append([]Event(nil), l.buf[:l.next]...)
	}
	out := make([]Event, 0, len(l.buf))
	out = append(out, l.buf[l.next:]...)
	out = append(out, l.buf[:l.next]...)
	return out
}
