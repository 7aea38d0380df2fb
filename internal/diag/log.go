// Package diag is the diagnostics sink for the provisioning flow: an
// append-only, time-ordered record of protocol events shown to the user.
package diag

import (
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Origin identifies who produced a log entry.
type Origin int

const (
	OriginApp Origin = iota
	OriginPeripheral
	OriginSystem
)

func (o Origin) String() string {
	switch o {
	case OriginPeripheral:
		return "device"
	case OriginSystem:
		return "system"
	default:
		return "app"
	}
}

// Entry is one immutable diagnostic record.
type Entry struct {
	ID      string
	Origin  Origin
	Message string
	Time    time.Time
}

func (e Entry) String() string {
	return fmt.Sprintf("%s [%s] %s", e.Time.Format("15:04:05.000"), e.Origin, e.Message)
}

// Log is an unbounded append-only entry list. Entries live until the Log is
// discarded. Safe for concurrent use.
type Log struct {
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	entries []Entry
	entropy *ulid.MonotonicEntropy
	subs    map[int]chan Entry
	nextSub int
}

// NewLog creates an empty log. Entries are mirrored to logger at debug level;
// a nil logger uses slog.Default().
func NewLog(logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	now := time.Now()
	return &Log{
		logger:  logger,
		now:     time.Now,
		entropy: ulid.Monotonic(rand.New(rand.NewSource(now.UnixNano())), 0),
		subs:    make(map[int]chan Entry),
	}
}

// Append records a message and returns the stored entry.
func (l *Log) Append(origin Origin, message string) Entry {
	l.mu.Lock()
	t := l.now()
	if n := len(l.entries); n > 0 && t.Before(l.entries[n-1].Time) {
		t = l.entries[n-1].Time
	}
	e := Entry{
		ID:      ulid.MustNew(ulid.Timestamp(t), l.entropy).String(),
		Origin:  origin,
		Message: message,
		Time:    t,
	}
	l.entries = append(l.entries, e)
	for _, ch := range l.subs {
		// Subscribers are display-only; a full buffer drops the entry for
		// that subscriber but never blocks the protocol.
		select {
		case ch <- e:
		default:
		}
	}
	l.mu.Unlock()

	l.logger.Debug("[DIAG] "+message, "origin", origin.String())
	return e
}

// Appendf is Append with fmt.Sprintf formatting.
func (l *Log) Appendf(origin Origin, format string, args ...any) Entry {
	return l.Append(origin, fmt.Sprintf(format, args...))
}

// Entries returns a copy of all entries, newest first.
func (l *Log) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entry, len(l.entries))
	for i, e := range l.entries {
		out[len(l.entries)-1-i] = e
	}
	return out
}

// Len returns the number of entries recorded.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Count returns the number of entries from origin.
func (l *Log) Count(origin Origin) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.entries {
		if e.Origin == origin {
			n++
		}
	}
	return n
}

// Subscribe streams entries appended after the call. The cancel func closes
// the channel.
func (l *Log) Subscribe(buffer int) (<-chan Entry, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Entry, buffer)

	l.mu.Lock()
	id := l.nextSub
	l.nextSub++
	l.subs[id] = ch
	l.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.subs, id)
			l.mu.Unlock()
			close(ch)
		})
	}
}
