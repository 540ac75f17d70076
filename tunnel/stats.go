package tunnel

import (
	"sync"
	"time"
)

// Outcome classifies how a relay request ended.
type Outcome string

const (
	OutcomeOK        Outcome = "ok"
	OutcomeNotFound  Outcome = "not_found"
	OutcomeFSError   Outcome = "fs_error"
	OutcomeAbandoned Outcome = "abandoned"
)

type Stats struct {
	mu            sync.Mutex
	TotalRequests uint64        `json:"total_requests"`
	Completed     uint64        `json:"completed"`
	NotFound      uint64        `json:"not_found"`
	FSErrors      uint64        `json:"fs_errors"`
	Abandoned     uint64        `json:"abandoned"`
	InFlight      uint64        `json:"in_flight"`
	BytesStreamed uint64        `json:"bytes_streamed"`
	Reconnects    uint64        `json:"reconnects"`
	TotalLatency  time.Duration `json:"total_latency_ns"`
}

func NewStats() *Stats {
	return &Stats{}
}

func (s *Stats) StartRequest() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.InFlight++
	s.TotalRequests++
}

func (s *Stats) EndRequest(outcome Outcome, bytes int64, latency time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.InFlight > 0 {
		s.InFlight--
	}
	switch outcome {
	case OutcomeOK:
		s.Completed++
	case OutcomeNotFound:
		s.NotFound++
	case OutcomeFSError:
		s.FSErrors++
	case OutcomeAbandoned:
		s.Abandoned++
	}
	if bytes > 0 {
		s.BytesStreamed += uint64(bytes)
	}
	s.TotalLatency += latency
}

func (s *Stats) Reconnected() {
	s.mu.Lock()
	s.Reconnects++
	s.mu.Unlock()
}

// Snapshot returns a copy that is safe to encode while the loop keeps running.
func (s *Stats) Snapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Stats{
		TotalRequests: s.TotalRequests,
		Completed:     s.Completed,
		NotFound:      s.NotFound,
		FSErrors:      s.FSErrors,
		Abandoned:     s.Abandoned,
		InFlight:      s.InFlight,
		BytesStreamed: s.BytesStreamed,
		Reconnects:    s.Reconnects,
		TotalLatency:  s.TotalLatency,
	}
}
