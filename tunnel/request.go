package tunnel

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// State is the lifecycle position of one in-flight relay request.
type State int

const (
	StateReceived State = iota
	StateResolving
	StateStreamingHeader
	StateStreamingBody
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateReceived:
		return "received"
	case StateResolving:
		return "resolving"
	case StateStreamingHeader:
		return "streaming_header"
	case StateStreamingBody:
		return "streaming_body"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Request is the processor's view of a relay request. It lives only until
// its End frame has been sent (or the stream is abandoned).
type Request struct {
	ID    uint32
	Path  string
	State State
}

// Header is the parsed payload of a ResponseHeader frame.
type Header struct {
	Mime string
	Size int64
}

// Encode renders the header payload as "mime|size".
func (h Header) Encode() []byte {
	return []byte(h.Mime + "|" + strconv.FormatInt(h.Size, 10))
}

// ParseHeader is the inverse of Header.Encode. The relay side uses it; the
// device only ever emits headers.
func ParseHeader(payload []byte) (Header, error) {
	s := string(payload)
	i := strings.LastIndexByte(s, '|')
	if i < 0 {
		return Header{}, errors.Errorf("header payload %q has no size field", s)
	}
	size, err := strconv.ParseInt(s[i+1:], 10, 64)
	if err != nil {
		return Header{}, errors.Wrapf(err, "header payload %q", s)
	}
	return Header{Mime: s[:i], Size: size}, nil
}
