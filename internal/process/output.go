package process

import (
	"bytes"
	"sync"
)

const (
	// subscriberBufferSize is the channel buffer for each console subscriber.
	// Lines are dropped if a subscriber falls this far behind.
	subscriberBufferSize = 64

	// maxBufferedOutput caps undrained stdout. The oldest bytes go first.
	maxBufferedOutput = 1 << 20
)

// Output collects a child's stdout. Bytes accumulate until Drain is called,
// and each complete line is also fanned out to subscribers. It is safe for
// concurrent use.
type Output struct {
	mu      sync.Mutex
	buf     bytes.Buffer
	partial []byte
	subs    map[int]chan string
	nextID  int
	closed  bool
}

func newOutput() *Output {
	return &Output{subs: make(map[int]chan string)}
}

// Write implements io.Writer for the exec stdout copier.
func (o *Output) Write(p []byte) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.buf.Write(p)
	if over := o.buf.Len() - maxBufferedOutput; over > 0 {
		o.buf.Next(over)
	}

	o.partial = append(o.partial, p...)
	for {
		i := bytes.IndexByte(o.partial, '\n')
		if i < 0 {
			break
		}
		o.publish(string(bytes.TrimSuffix(o.partial[:i], []byte("\r"))))
		o.partial = o.partial[i+1:]
	}
	return len(p), nil
}

// Drain returns the bytes written since the previous Drain and forgets them.
func (o *Output) Drain() string {
	o.mu.Lock()
	defer o.mu.Unlock()

	s := o.buf.String()
	o.buf.Reset()
	return s
}

// Subscribe returns a channel of stdout lines and an unsubscribe function.
// After the process exits the returned channel is already closed.
func (o *Output) Subscribe() (<-chan string, func()) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.subscribe()
}

// Follow drains the complete lines written so far and subscribes to every
// later line in one step, so no line is missed or delivered twice. An
// unterminated tail stays buffered and arrives on the channel once it ends.
func (o *Output) Follow() (string, <-chan string, func()) {
	o.mu.Lock()
	defer o.mu.Unlock()

	s := o.buf.String()
	o.buf.Reset()
	if !o.closed {
		cut := max(len(s)-len(o.partial), 0)
		o.buf.WriteString(s[cut:])
		s = s[:cut]
	}
	ch, unsubscribe := o.subscribe()
	return s, ch, unsubscribe
}

// subscribe must be called with o.mu held.
func (o *Output) subscribe() (<-chan string, func()) {
	ch := make(chan string, subscriberBufferSize)
	if o.closed {
		close(ch)
		return ch, func() {}
	}

	id := o.nextID
	o.nextID++
	o.subs[id] = ch

	return ch, func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		if _, ok := o.subs[id]; ok {
			delete(o.subs, id)
			close(ch)
		}
	}
}

// publish must be called with o.mu held.
func (o *Output) publish(line string) {
	for _, ch := range o.subs {
		select {
		case ch <- line:
		default:
			// Drop the line rather than stall the child's stdout pipe.
		}
	}
}

// close flushes any unterminated line and closes every subscriber.
func (o *Output) close() {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return
	}
	if len(o.partial) > 0 {
		o.publish(string(o.partial))
		o.partial = nil
	}
	o.closed = true
	for id, ch := range o.subs {
		close(ch)
		delete(o.subs, id)
	}
}
