package tunnel

import (
	"io"
	"io/fs"
	"log"
	"time"

	"github.com/pkg/errors"
)

// ChunkSize is the largest body slice carried by one ResponseChunk frame.
const ChunkSize = 2048

const (
	notFoundBody  = "404 Not Found"
	fsErrorBody   = "500 FS Error"
	syntheticMime = "text/plain"
	indexPath     = "/index.html"
)

// ErrNotFound is returned by a Resolver for a path with no store entry.
var ErrNotFound = errors.New("not found")

// IsNotFound reports whether err means the path has no store entry.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, fs.ErrNotExist)
}

// Resource is an open, readable store entry.
type Resource interface {
	io.ReadCloser
	Size() int64
}

// Resolver looks up request paths in local storage. Open must return an
// error for which IsNotFound reports true when the entry is missing, and
// any other error for storage faults.
type Resolver interface {
	Exists(path string) bool
	Open(path string) (Resource, error)
	MimeType(path string) string
}

// Link is the processor's only path to the relay. Service is the yield
// point: it lets the session handle keepalives and notice a dropped socket
// between chunks.
type Link interface {
	Send(p Packet) error
	Service() error
}

type Processor struct {
	resolver  Resolver
	stats     *Stats
	chunkSize int
}

// NewProcessor creates a processor streaming from resolver. stats may be nil.
func NewProcessor(resolver Resolver, stats *Stats) *Processor {
	if stats == nil {
		stats = NewStats()
	}
	return &Processor{
		resolver:  resolver,
		stats:     stats,
		chunkSize: ChunkSize,
	}
}

// Stats returns the processor's counters.
func (p *Processor) Stats() *Stats {
	return p.stats
}

// Handle turns one Request frame into a complete Header, Chunk..., End
// sequence on link. A non-nil error means the stream was abandoned
// mid-way and no End frame was sent for id.
func (p *Processor) Handle(link Link, id uint32, path string) error {
	start := time.Now()
	req := &Request{ID: id, Path: path, State: StateReceived}

	p.stats.StartRequest()

	res := p.process(link, req)

	elapsed := time.Since(start)
	p.stats.EndRequest(res.outcome, res.bytes, elapsed)

	entry := RequestLog{
		Time:       time.Now(),
		ID:         id,
		Path:       path,
		Outcome:    res.outcome,
		Mime:       res.mime,
		Bytes:      res.bytes,
		DurationMs: float64(elapsed.Microseconds()) / 1000,
	}
	if res.err != nil {
		entry.Error = res.err.Error()
	}
	logRequestJSON(entry)

	if res.outcome == OutcomeAbandoned {
		return res.err
	}
	return nil
}

type result struct {
	outcome Outcome
	mime    string
	bytes   int64
	err     error
}

func (p *Processor) process(link Link, req *Request) result {
	req.State = StateResolving

	path := req.Path
	if path == "/" {
		path = indexPath
	}

	if !p.resolver.Exists(path) {
		return p.synthetic(link, req, notFoundBody, OutcomeNotFound, nil)
	}

	rc, err := p.resolver.Open(path)
	if err != nil {
		// a file that vanished between Exists and Open is still a 404
		if IsNotFound(err) {
			return p.synthetic(link, req, notFoundBody, OutcomeNotFound, nil)
		}
		log.Printf("[processor] req %d: open %s: %v", req.ID, path, err)
		return p.synthetic(link, req, fsErrorBody, OutcomeFSError, err)
	}
	defer rc.Close()

	hdr := Header{Mime: p.resolver.MimeType(path), Size: rc.Size()}

	req.State = StateStreamingHeader
	if err := link.Send(Encode(TypeResponseHeader, req.ID, hdr.Encode())); err != nil {
		return p.abandon(req, hdr.Mime, 0, err)
	}

	req.State = StateStreamingBody
	buf := make([]byte, p.chunkSize)
	var sent int64
	var readErr error
	for {
		n, err := io.ReadFull(rc, buf)
		if n > 0 {
			if err := link.Send(Encode(TypeResponseChunk, req.ID, buf[:n])); err != nil {
				return p.abandon(req, hdr.Mime, sent, err)
			}
			sent += int64(n)

			if err := link.Service(); err != nil {
				return p.abandon(req, hdr.Mime, sent, err)
			}
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			// the header is already out, so the sequence is closed
			// normally and the relay sees a short body
			log.Printf("[processor] req %d: read %s after %d bytes: %v", req.ID, path, sent, err)
			readErr = errors.Wrapf(err, "read %s", path)
			break
		}
	}

	if err := link.Send(Encode(TypeResponseEnd, req.ID, nil)); err != nil {
		return p.abandon(req, hdr.Mime, sent, err)
	}

	if readErr != nil {
		req.State = StateFailed
		return result{outcome: OutcomeFSError, mime: hdr.Mime, bytes: sent, err: readErr}
	}
	req.State = StateCompleted
	return result{outcome: OutcomeOK, mime: hdr.Mime, bytes: sent}
}

// synthetic answers with a fixed text body in the same Header, Chunk, End
// shape as a real file.
func (p *Processor) synthetic(link Link, req *Request, body string, outcome Outcome, cause error) result {
	// The announced size counts a trailing terminator byte that is not sent.
	hdr := Header{Mime: syntheticMime, Size: int64(len(body)) + 1}

	req.State = StateStreamingHeader
	if err := link.Send(Encode(TypeResponseHeader, req.ID, hdr.Encode())); err != nil {
		return p.abandon(req, hdr.Mime, 0, err)
	}
	req.State = StateStreamingBody
	if err := link.Send(Encode(TypeResponseChunk, req.ID, []byte(body))); err != nil {
		return p.abandon(req, hdr.Mime, 0, err)
	}
	if err := link.Send(Encode(TypeResponseEnd, req.ID, nil)); err != nil {
		return p.abandon(req, hdr.Mime, int64(len(body)), err)
	}

	if outcome == OutcomeFSError {
		req.State = StateFailed
	} else {
		req.State = StateCompleted
	}
	return result{outcome: outcome, mime: hdr.Mime, bytes: int64(len(body)), err: cause}
}

func (p *Processor) abandon(req *Request, mime string, sent int64, err error) result {
	log.Printf("[processor] req %d abandoned in state %s after %d bytes: %v", req.ID, req.State, sent, err)
	req.State = StateFailed
	return result{outcome: OutcomeAbandoned, mime: mime, bytes: sent, err: err}
}
