package tunnel

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

// Conn is the part of *websocket.Conn the session uses.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// DialFunc opens a fresh transport connection to the relay.
type DialFunc func(ctx context.Context) (Conn, error)

// Endpoint is the fixed relay address.
type Endpoint struct {
	Host   string
	Port   int
	Path   string
	Secure bool
}

// URL renders the endpoint as a ws:// or wss:// URL.
func (e Endpoint) URL() string {
	scheme := "ws"
	if e.Secure {
		scheme = "wss"
	}
	path := e.Path
	if path == "" {
		path = "/"
	}
	u := url.URL{
		Scheme: scheme,
		Host:   net.JoinHostPort(e.Host, strconv.Itoa(e.Port)),
		Path:   path,
	}
	return u.String()
}

// DialOptions tune the websocket handshake.
type DialOptions struct {
	HandshakeTimeout time.Duration
	TLSConfig        *tls.Config
	// Header is sent with every handshake; Token, when set, is called per
	// attempt and its result is sent as a bearer Authorization header.
	Header http.Header
	Token  func() (string, error)
}

// WebSocketDialer returns a DialFunc that connects to ep with gorilla/websocket.
func WebSocketDialer(ep Endpoint, opts DialOptions) DialFunc {
	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: opts.HandshakeTimeout,
		TLSClientConfig:  opts.TLSConfig,
		ReadBufferSize:   4096,
		WriteBufferSize:  HeaderSize + ChunkSize,
	}
	if dialer.HandshakeTimeout == 0 {
		dialer.HandshakeTimeout = 10 * time.Second
	}
	target := ep.URL()

	return func(ctx context.Context) (Conn, error) {
		header := http.Header{}
		for k, v := range opts.Header {
			header[k] = append([]string(nil), v...)
		}
		if opts.Token != nil {
			tok, err := opts.Token()
			if err != nil {
				return nil, errors.Wrap(err, "device token")
			}
			header.Set("Authorization", "Bearer "+tok)
		}

		conn, resp, err := dialer.DialContext(ctx, target, header)
		if err != nil {
			if resp != nil {
				return nil, errors.Wrapf(err, "dial %s: status %d", target, resp.StatusCode)
			}
			return nil, errors.Wrapf(err, "dial %s", target)
		}
		return conn, nil
	}
}
