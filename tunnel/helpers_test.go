package tunnel

import (
	"bytes"
	"context"
	"path"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

// memResolver is an in-memory Resolver. openErr makes Open fail for a path
// that still Exists.
type memResolver struct {
	files   map[string][]byte
	openErr map[string]error

	// delay is slept before every read, to stretch a transfer out
	delay time.Duration

	mu     sync.Mutex
	opened int
	closed int
}

func newMemResolver(files map[string][]byte) *memResolver {
	return &memResolver{files: files, openErr: map[string]error{}}
}

func (m *memResolver) Exists(p string) bool {
	_, ok := m.files[p]
	return ok
}

func (m *memResolver) Open(p string) (Resource, error) {
	if err := m.openErr[p]; err != nil {
		return nil, err
	}
	b, ok := m.files[p]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "open %s", p)
	}
	m.mu.Lock()
	m.opened++
	m.mu.Unlock()
	return &memResource{Reader: bytes.NewReader(b), size: int64(len(b)), owner: m}, nil
}

func (m *memResolver) MimeType(p string) string {
	switch path.Ext(p) {
	case ".html":
		return "text/html"
	case ".txt":
		return "text/plain"
	default:
		return "application/octet-stream"
	}
}

func (m *memResolver) counts() (opened, closed int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opened, m.closed
}

type memResource struct {
	*bytes.Reader
	size  int64
	owner *memResolver
}

func (r *memResource) Size() int64 { return r.size }

func (r *memResource) Read(p []byte) (int, error) {
	if r.owner.delay > 0 {
		time.Sleep(r.owner.delay)
	}
	return r.Reader.Read(p)
}

func (r *memResource) Close() error {
	r.owner.mu.Lock()
	r.owner.closed++
	r.owner.mu.Unlock()
	return nil
}

// recordingLink captures packets sent by the processor.
type recordingLink struct {
	packets    []Packet
	services   int
	failSendAt int // 1-based; 0 never fails
	serviceErr error
}

func (l *recordingLink) Send(p Packet) error {
	if l.failSendAt > 0 && len(l.packets)+1 == l.failSendAt {
		return ErrDisconnected
	}
	l.packets = append(l.packets, p)
	return nil
}

func (l *recordingLink) Service() error {
	l.services++
	return l.serviceErr
}

// fakeConn is an in-memory Conn. Messages pushed to in are read as binary
// frames; everything written is kept in order.
type fakeConn struct {
	in     chan []byte
	closed chan struct{}
	once   sync.Once

	mu          sync.Mutex
	out         []Packet
	failWrites  int // fail every write after this many; 0 never fails
	failControl bool
	pingsAt     []int // len(out) when each ping was written
	closes      int
	deadlines   int
	pong        func(string) error
}

func newFakeConn(frames ...[]byte) *fakeConn {
	c := &fakeConn{
		in:     make(chan []byte, 64),
		closed: make(chan struct{}),
	}
	for _, f := range frames {
		c.in <- f
	}
	return c
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case b := <-c.in:
		return websocket.BinaryMessage, b, nil
	case <-c.closed:
		return 0, nil, errors.New("use of closed connection")
	}
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-c.closed:
		return errors.New("write on closed connection")
	default:
	}
	if c.failWrites > 0 && len(c.out) >= c.failWrites {
		return errors.New("broken pipe")
	}
	c.out = append(c.out, append(Packet(nil), data...))
	return nil
}

func (c *fakeConn) WriteControl(mt int, _ []byte, _ time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.failControl {
		return errors.New("broken pipe")
	}
	switch mt {
	case websocket.PingMessage:
		c.pingsAt = append(c.pingsAt, len(c.out))
	case websocket.CloseMessage:
		c.closes++
	}
	return nil
}

func (c *fakeConn) SetReadDeadline(time.Time) error {
	c.mu.Lock()
	c.deadlines++
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (c *fakeConn) SetPongHandler(h func(string) error) {
	c.mu.Lock()
	c.pong = h
	c.mu.Unlock()
}

func (c *fakeConn) pings() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int(nil), c.pingsAt...)
}

func (c *fakeConn) readDeadlines() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deadlines
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// drop simulates the relay going away.
func (c *fakeConn) drop() {
	c.Close()
}

func (c *fakeConn) packets() []Packet {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Packet(nil), c.out...)
}

func (c *fakeConn) countType(t Type) int {
	n := 0
	for _, p := range c.packets() {
		if p.Type() == t {
			n++
		}
	}
	return n
}

// dialSequence hands out conns in order; a nil entry, or running out,
// makes that dial fail.
func dialSequence(conns ...Conn) (DialFunc, func() int) {
	var mu sync.Mutex
	calls := 0
	return func(ctx context.Context) (Conn, error) {
		mu.Lock()
		defer mu.Unlock()
		i := calls
		calls++
		if i < len(conns) && conns[i] != nil {
			return conns[i], nil
		}
		return nil, errors.New("connection refused")
	}, func() int {
		mu.Lock()
		defer mu.Unlock()
		return calls
	}
}

func testSessionConfig() SessionConfig {
	return SessionConfig{
		ReconnectInterval: 10 * time.Millisecond,
		WriteTimeout:      time.Second,
	}
}

func body(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte('a' + i%26)
	}
	return b
}
