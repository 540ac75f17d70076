package tunnel

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

type relayResult struct {
	deviceID string
	frames   []Frame
	err      error
}

// newTestRelay upgrades the device connection, asks for path with request
// id 21 and collects the response frames up to the End frame.
func newTestRelay(t *testing.T, secret []byte, path string) (*httptest.Server, chan relayResult) {
	t.Helper()

	results := make(chan relayResult, 1)
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}

	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var res relayResult
		defer func() {
			// the device reconnects after we hang up; only the first
			// exchange is reported
			select {
			case results <- res:
			default:
			}
		}()

		if r.URL.Path != "/tunnel" {
			http.NotFound(w, r)
			return
		}
		if len(secret) > 0 {
			auth := r.Header.Get("Authorization")
			if len(auth) < 7 {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			res.deviceID, res.err = ParseDeviceToken(auth[len("Bearer "):], secret)
			if res.err != nil {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			res.err = err
			return
		}
		defer conn.Close()

		if err := conn.WriteMessage(websocket.BinaryMessage, Encode(TypeRequest, 21, []byte(path))); err != nil {
			res.err = err
			return
		}
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				res.err = err
				return
			}
			f, err := Decode(data)
			if err != nil {
				res.err = err
				return
			}
			res.frames = append(res.frames, f)
			if f.Type == TypeResponseEnd {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv, results
}

func endpointFor(t *testing.T, srv *httptest.Server) Endpoint {
	t.Helper()

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	host, portStr, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	return Endpoint{Host: host, Port: port, Path: "/tunnel", Secure: true}
}

func TestWebSocketTunnelEndToEnd(t *testing.T) {
	secret := []byte("device-secret")
	srv, results := newTestRelay(t, secret, "/")

	ep := endpointFor(t, srv)
	require.Equal(t, "wss://"+srv.Listener.Addr().String()+"/tunnel", ep.URL())

	dial := WebSocketDialer(ep, DialOptions{
		TLSConfig: srv.Client().Transport.(*http.Transport).TLSClientConfig,
		Token:     DeviceToken(secret, "esp-01", time.Minute),
	})

	page := body(4100)
	res := newMemResolver(map[string][]byte{"/index.html": page})
	s := NewSession(testSessionConfig(), dial, NewProcessor(res, nil), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	var got relayResult
	select {
	case got = <-results:
	case <-time.After(5 * time.Second):
		t.Fatal("relay got no response")
	}
	require.NoError(t, got.err)
	require.Equal(t, "esp-01", got.deviceID)

	require.Len(t, got.frames, 5)
	hdr, err := ParseHeader(got.frames[0].Payload)
	require.NoError(t, err)
	require.Equal(t, Header{Mime: "text/html", Size: 4100}, hdr)

	var joined []byte
	for _, f := range got.frames[1:4] {
		require.Equal(t, TypeResponseChunk, f.Type)
		require.Equal(t, uint32(21), f.RequestID)
		joined = append(joined, f.Payload...)
	}
	require.Equal(t, page, joined)
	require.Equal(t, TypeResponseEnd, got.frames[4].Type)
}

func TestWebSocketDialerReportsHandshakeStatus(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	ep := endpointFor(t, srv)
	ep.Secure = false

	_, err := WebSocketDialer(ep, DialOptions{})(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "status 404")
}

func TestEndpointURL(t *testing.T) {
	require.Equal(t, "wss://relay.example.com:443/tunnel", Endpoint{Host: "relay.example.com", Port: 443, Path: "/tunnel", Secure: true}.URL())
	require.Equal(t, "ws://10.0.0.2:8080/", Endpoint{Host: "10.0.0.2", Port: 8080}.URL())
	require.Equal(t, "ws://[::1]:9000/t", Endpoint{Host: "::1", Port: 9000, Path: "/t"}.URL())
}
