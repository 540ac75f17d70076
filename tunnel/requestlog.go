package tunnel

import (
	"encoding/json"
	"log"
	"time"
)

type RequestLog struct {
	Time       time.Time `json:"time"`
	ID         uint32    `json:"id"`
	Path       string    `json:"path"`
	Outcome    Outcome   `json:"outcome"`
	Mime       string    `json:"mime,omitempty"`
	Bytes      int64     `json:"bytes"`
	DurationMs float64   `json:"duration_ms"`
	Error      string    `json:"error,omitempty"`
}

func logRequestJSON(entry RequestLog) {
	b, err := json.Marshal(entry)
	if err != nil {
		log.Printf("[processor] error marshaling log entry: %v", err)
		return
	}
	log.Println(string(b))
}
