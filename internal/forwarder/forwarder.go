// Package forwarder ships telemetry received from devices to a sink.
package forwarder

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/goccy/go-json"
)

// Record is one telemetry message.
type Record struct {
	ReceivedAt time.Time       `json:"receivedAt"`
	SN         string          `json:"sn"`
	Kind       string          `json:"kind"`
	Source     string          `json:"source"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	// Text holds payloads that are not JSON.
	Text string `json:"text,omitempty"`
}

// NewRecord builds a Record, keeping payload as raw JSON when it is valid.
func NewRecord(sn, kind, source string, payload []byte) Record {
	r := Record{ReceivedAt: time.Now().UTC(), SN: sn, Kind: kind, Source: source}
	if json.Valid(payload) {
		r.Payload = append(json.RawMessage(nil), payload...)
	} else {
		r.Text = string(payload)
	}
	return r
}

// Forwarder delivers records. Implementations are safe for concurrent use.
type Forwarder interface {
	Forward(ctx context.Context, r Record) error
	Close() error
}

// Observer is told the outcome of every forwarded record.
type Observer interface {
	ObserveForward(err error)
}

// StdoutForwarder writes records as JSON lines.
type StdoutForwarder struct {
	mu  sync.Mutex
	enc *json.Encoder
}

// NewStdoutForwarder writes to w.
func NewStdoutForwarder(w io.Writer) *StdoutForwarder {
	return &StdoutForwarder{enc: json.NewEncoder(w)}
}

// Forward writes r as one line.
func (s *StdoutForwarder) Forward(_ context.Context, r Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enc.Encode(r); err != nil {
		return fmt.Errorf("failed to write record: %w", err)
	}
	return nil
}

// Close is a no-op.
func (s *StdoutForwarder) Close() error {
	return nil
}
