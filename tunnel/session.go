package tunnel

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

var (
	ErrNotConnected = errors.New("tunnel not connected")
	ErrDisconnected = errors.New("tunnel disconnected")
)

// ConnState is the transport lifecycle position.
type ConnState int32

const (
	ConnDisconnected ConnState = iota
	ConnConnecting
	ConnConnected
)

func (s ConnState) String() string {
	switch s {
	case ConnDisconnected:
		return "disconnected"
	case ConnConnecting:
		return "connecting"
	case ConnConnected:
		return "connected"
	default:
		return "unknown"
	}
}

type EventKind int

const (
	EventConnected EventKind = iota
	EventDisconnected
	EventFrame
)

// Event is one transport occurrence, consumed by the session loop.
type Event struct {
	Kind EventKind
	Data []byte
	Err  error
}

// Handler receives decoded Request frames. It runs on the session loop and
// must use link for every frame it sends.
type Handler interface {
	Handle(link Link, id uint32, path string) error
}

type SessionConfig struct {
	ReconnectInterval time.Duration
	PingInterval      time.Duration // 0 disables pings
	PongWait          time.Duration // 0 disables the read deadline
	WriteTimeout      time.Duration
	EventBuffer       int
}

func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		ReconnectInterval: 5 * time.Second,
		PingInterval:      15 * time.Second,
		PongWait:          45 * time.Second,
		WriteTimeout:      10 * time.Second,
		EventBuffer:       64,
	}
}

// link is one connected socket and the goroutine reading it. A link is never
// reused: reconnecting always builds a new one.
type link struct {
	id       string
	conn     Conn
	events   chan Event
	closed   chan struct{}
	once     sync.Once
	lastPing time.Time
}

func (l *link) emit(ev Event) bool {
	select {
	case l.events <- ev:
		return true
	case <-l.closed:
		return false
	}
}

func (l *link) close() {
	l.once.Do(func() {
		close(l.closed)
		_ = l.conn.Close()
	})
}

// Session owns the single relay connection. Run drives everything on one
// goroutine: connecting, decoding, dispatching to the handler, and every
// send the handler makes. The per-link reader goroutine only queues events.
type Session struct {
	cfg     SessionConfig
	dial    DialFunc
	handler Handler
	stats   *Stats

	state    atomic.Int32
	linkID   atomic.Value
	connects atomic.Uint64

	// owned by the Run goroutine
	ctx     context.Context
	link    *link
	pending []Event
	retryAt time.Time
}

// NewSession builds a session. stats may be nil.
func NewSession(cfg SessionConfig, dial DialFunc, handler Handler, stats *Stats) *Session {
	def := DefaultSessionConfig()
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = def.ReconnectInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = def.EventBuffer
	}
	if stats == nil {
		stats = NewStats()
	}

	s := &Session{
		cfg:     cfg,
		dial:    dial,
		handler: handler,
		stats:   stats,
	}
	s.linkID.Store("")
	return s
}

func (s *Session) State() ConnState {
	return ConnState(s.state.Load())
}

// LinkID identifies the current connection in logs; empty when disconnected.
func (s *Session) LinkID() string {
	return s.linkID.Load().(string)
}

// Connects counts successful connections, the first one included.
func (s *Session) Connects() uint64 {
	return s.connects.Load()
}

func (s *Session) setState(st ConnState) {
	s.state.Store(int32(st))
}

// Run connects, reconnects at a fixed interval for as long as ctx lives, and
// dispatches incoming frames. It returns ctx's error after closing the socket.
func (s *Session) Run(ctx context.Context) error {
	s.ctx = ctx
	defer s.drop(nil)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if s.link == nil {
			if wait := time.Until(s.retryAt); wait > 0 {
				if !sleepCtx(ctx, wait) {
					return ctx.Err()
				}
			}
			if err := s.connect(ctx); err != nil {
				log.Printf("[session] connect failed: %v (retry in %s)", err, s.cfg.ReconnectInterval)
				s.retryAt = time.Now().Add(s.cfg.ReconnectInterval)
				continue
			}
		}

		ev, err := s.next(ctx)
		if err != nil {
			return err
		}
		s.dispatch(ev)
	}
}

func (s *Session) connect(ctx context.Context) error {
	s.setState(ConnConnecting)

	conn, err := s.dial(ctx)
	if err != nil {
		s.setState(ConnDisconnected)
		return err
	}

	l := &link{
		id:       uuid.New().String(),
		conn:     conn,
		events:   make(chan Event, s.cfg.EventBuffer),
		closed:   make(chan struct{}),
		lastPing: time.Now(),
	}

	if wait := s.cfg.PongWait; wait > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(wait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wait))
		})
	}

	s.link = l
	s.linkID.Store(l.id)
	if s.connects.Add(1) > 1 {
		s.stats.Reconnected()
	}

	go s.readLoop(l)

	s.pending = append(s.pending, Event{Kind: EventConnected})
	return nil
}

func (s *Session) readLoop(l *link) {
	for {
		mt, data, err := l.conn.ReadMessage()
		if err != nil {
			l.emit(Event{Kind: EventDisconnected, Err: err})
			return
		}
		if s.cfg.PongWait > 0 {
			_ = l.conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		if !l.emit(Event{Kind: EventFrame, Data: data}) {
			return
		}
	}
}

// next returns the next event to dispatch, sending keepalive pings while it
// waits.
func (s *Session) next(ctx context.Context) (Event, error) {
	for {
		if len(s.pending) > 0 {
			ev := s.pending[0]
			s.pending = s.pending[1:]
			return ev, nil
		}

		l := s.link
		var tick <-chan time.Time
		var timer *time.Timer
		if s.cfg.PingInterval > 0 {
			timer = time.NewTimer(time.Until(l.lastPing.Add(s.cfg.PingInterval)))
			tick = timer.C
		}

		select {
		case ev := <-l.events:
			if timer != nil {
				timer.Stop()
			}
			return ev, nil
		case <-tick:
			if err := s.ping(l); err != nil {
				return Event{Kind: EventDisconnected, Err: err}, nil
			}
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return Event{}, ctx.Err()
		}
	}
}

func (s *Session) dispatch(ev Event) {
	switch ev.Kind {
	case EventConnected:
		s.setState(ConnConnected)
		log.Printf("[session] connected (link %s)", s.link.id)

	case EventDisconnected:
		log.Printf("[session] disconnected: %v", ev.Err)
		s.drop(ev.Err)

	case EventFrame:
		f, err := Decode(ev.Data)
		if err != nil {
			return
		}
		if f.Type != TypeRequest {
			return
		}
		if err := s.handler.Handle(s, f.RequestID, string(f.Payload)); err != nil {
			log.Printf("[session] request %d: %v", f.RequestID, err)
		}
	}
}

// Send writes one packet as a binary transport message. A write failure
// tears the link down.
func (s *Session) Send(p Packet) error {
	l := s.link
	if l == nil {
		return ErrNotConnected
	}

	_ = l.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	if err := l.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		log.Printf("[session] write failed: %v", err)
		s.drop(err)
		return errors.Wrapf(ErrDisconnected, "send %s frame: %v", p.Type(), err)
	}
	return nil
}

// Service is the cooperative yield point for long transfers. Frames that
// arrived meanwhile are queued for dispatch after the current request. It
// also notices a dropped socket and sends due pings.
func (s *Session) Service() error {
	l := s.link
	if l == nil {
		return ErrNotConnected
	}
	if s.ctx != nil {
		if err := s.ctx.Err(); err != nil {
			return err
		}
	}

	// stop at EventBuffer queued frames; the reader then blocks on the
	// full channel until the transfer ends
	for len(s.pending) < s.cfg.EventBuffer {
		select {
		case ev := <-l.events:
			if ev.Kind == EventDisconnected {
				log.Printf("[session] disconnected mid-transfer: %v", ev.Err)
				s.drop(ev.Err)
				return errors.Wrapf(ErrDisconnected, "%v", ev.Err)
			}
			s.pending = append(s.pending, ev)
			continue
		default:
		}
		break
	}

	if s.cfg.PingInterval > 0 && time.Since(l.lastPing) >= s.cfg.PingInterval {
		if err := s.ping(l); err != nil {
			return errors.Wrapf(ErrDisconnected, "ping: %v", err)
		}
	}
	return nil
}

func (s *Session) ping(l *link) error {
	l.lastPing = time.Now()
	err := l.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.cfg.WriteTimeout))
	if err != nil {
		log.Printf("[session] ping failed: %v", err)
		s.drop(err)
	}
	return err
}

// drop discards the current link and everything queued from it. cause is
// nil for a local shutdown, which also sends a close frame.
func (s *Session) drop(cause error) {
	l := s.link
	if l == nil {
		return
	}
	if cause == nil {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = l.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	}
	l.close()

	s.link = nil
	s.pending = nil
	s.linkID.Store("")
	s.setState(ConnDisconnected)
	s.retryAt = time.Now().Add(s.cfg.ReconnectInterval)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
