// Package broker fans a session's PTY output out to multiple subscribers.
//
// A Broker owns the session's monotonic byte cursor and a bounded tail
// backlog of recent output. Late subscribers replay the retained tail; live
// subscribers receive every chunk in strictly increasing cursor order.
package broker

import (
	"sync"
)

// Chunk is one delivered slice of PTY output. Cursor is the session byte
// cursor after the chunk's logical write.
type Chunk struct {
	Cursor uint64
	Data   []byte
}

// DeliverFunc receives chunks for one subscriber. It is called with the
// broker lock held and must not block; enqueue and return.
type DeliverFunc func(Chunk)

// Broker is the per-session fan-out layer. Safe for concurrent use.
type Broker struct {
	mu       sync.Mutex
	budget   int
	cursor   uint64
	tail     []Chunk
	retained int
	subs     map[int]DeliverFunc
	nextSub  int
	active   bool
}

// New creates a Broker with the given tail backlog budget in bytes.
// A zero budget retains nothing; replay then delivers no history.
func New(budget int) *Broker {
	return &Broker{
		budget: budget,
		subs:   make(map[int]DeliverFunc),
		active: true,
	}
}

// Cursor returns the byte cursor after all logical writes so far.
func (b *Broker) Cursor() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cursor
}

// Append records one PTY chunk, advances the cursor by the full logical
// write size, and delivers the chunk to every subscriber. The backlog keeps
// at most budget bytes: an oversize chunk is truncated to its last budget
// bytes (cursor still reflects the full write), then the oldest retained
// chunks are evicted until the total fits.
func (b *Broker) Append(data []byte) {
	if len(data) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.active {
		return
	}

	b.cursor += uint64(len(data))
	full := Chunk{Cursor: b.cursor, Data: append([]byte(nil), data...)}

	stored := full.Data
	if len(stored) > b.budget {
		stored = stored[len(stored)-b.budget:]
	}
	if len(stored) > 0 {
		b.tail = append(b.tail, Chunk{Cursor: b.cursor, Data: stored})
		b.retained += len(stored)
	}
	for b.retained > b.budget && len(b.tail) > 0 {
		b.retained -= len(b.tail[0].Data)
		b.tail = b.tail[1:]
	}

	for _, deliver := range b.subs {
		deliver(full)
	}
}

// Attach subscribes deliver and replays the retained tail whose cursor
// window follows sinceCursor. When sinceCursor has already been evicted the
// replay starts at the oldest retained chunk; the caller sees the gap as a
// jump in the first cursor. Returns a handle for Detach.
func (b *Broker) Attach(sinceCursor uint64, deliver DeliverFunc) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, c := range b.tail {
		if c.Cursor > sinceCursor {
			deliver(c)
		}
	}

	id := b.nextSub
	b.nextSub++
	if b.active {
		b.subs[id] = deliver
	}
	return id
}

// Detach removes a subscriber. Safe to call with an unknown handle.
func (b *Broker) Detach(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, id)
}

// Tail returns a copy of the retained backlog, oldest first.
func (b *Broker) Tail() []Chunk {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Chunk, len(b.tail))
	for i, c := range b.tail {
		out[i] = Chunk{Cursor: c.Cursor, Data: append([]byte(nil), c.Data...)}
	}
	return out
}

// Deactivate stops all future deliveries and drops every subscriber. Called
// once on session exit; after it no pty.output is ever delivered again.
func (b *Broker) Deactivate() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.active = false
	b.subs = make(map[int]DeliverFunc)
}
