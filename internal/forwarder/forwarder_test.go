package forwarder

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type dummyKafkaWriter struct {
	mu      sync.Mutex
	batches [][]kafka.Message
	err     error
	closed  bool
}

func (d *dummyKafkaWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.batches = append(d.batches, append([]kafka.Message(nil), msgs...))
	return nil
}

func (d *dummyKafkaWriter) Close() error {
	d.closed = true
	return nil
}

type countingObserver struct {
	ok, failed int
}

func (c *countingObserver) ObserveForward(err error) {
	if err != nil {
		c.failed++
		return
	}
	c.ok++
}

// TestNewRecord tests that JSON payloads stay raw and others become text.
func TestNewRecord(t *testing.T) {
	r := NewRecord("HW52", "quota", "/open/a/HW52/quota", []byte(`{"params":{"switchSta":true}}`))
	assert.JSONEq(t, `{"params":{"switchSta":true}}`, string(r.Payload))
	assert.Empty(t, r.Text)

	r = NewRecord("HW52", "status", "/open/a/HW52/status", []byte("online"))
	assert.Nil(t, r.Payload)
	assert.Equal(t, "online", r.Text)
}

// TestStdoutForwarder tests JSON lines output.
func TestStdoutForwarder(t *testing.T) {
	var buf bytes.Buffer
	f := NewStdoutForwarder(&buf)

	require.NoError(t, f.Forward(context.Background(), NewRecord("HW52", "quota", "t", []byte(`{"a":1}`))))
	require.NoError(t, f.Forward(context.Background(), NewRecord("HW51", "status", "t", []byte(`{"b":2}`))))
	require.NoError(t, f.Close())

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 2)

	var got Record
	require.NoError(t, json.Unmarshal(lines[1], &got))
	assert.Equal(t, "HW51", got.SN)
	assert.Equal(t, "status", got.Kind)
	assert.JSONEq(t, `{"b":2}`, string(got.Payload))
}

// TestKafkaForwarder_BatchSize tests that a full batch is written keyed by serial number.
func TestKafkaForwarder_BatchSize(t *testing.T) {
	w := &dummyKafkaWriter{}
	obs := &countingObserver{}
	f := newKafkaForwarder(w, KafkaOptions{BatchSize: 2, BatchPeriod: time.Hour}, obs, zerolog.Nop())

	require.NoError(t, f.Forward(context.Background(), NewRecord("HW52", "quota", "t", []byte(`{}`))))
	assert.Empty(t, w.batches)

	require.NoError(t, f.Forward(context.Background(), NewRecord("HW51", "quota", "t", []byte(`{}`))))
	require.Len(t, w.batches, 1)
	require.Len(t, w.batches[0], 2)
	assert.Equal(t, []byte("HW52"), w.batches[0][0].Key)
	assert.Equal(t, []byte("HW51"), w.batches[0][1].Key)
	assert.Equal(t, 2, obs.ok)
}

// TestKafkaForwarder_BatchPeriod tests that an old batch is written on the next record.
func TestKafkaForwarder_BatchPeriod(t *testing.T) {
	w := &dummyKafkaWriter{}
	f := newKafkaForwarder(w, KafkaOptions{BatchSize: 100, BatchPeriod: time.Millisecond}, nil, zerolog.Nop())

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, f.Forward(context.Background(), NewRecord("HW52", "quota", "t", []byte(`{}`))))

	assert.Len(t, w.batches, 1)
}

// TestKafkaForwarder_WriteFails tests that a failed batch is kept and retried,
// and that the record is counted once.
func TestKafkaForwarder_WriteFails(t *testing.T) {
	w := &dummyKafkaWriter{err: errors.New("leader not available")}
	obs := &countingObserver{}
	f := newKafkaForwarder(w, KafkaOptions{BatchSize: 1}, obs, zerolog.Nop())

	err := f.Forward(context.Background(), NewRecord("HW52", "quota", "t", []byte(`{}`)))
	assert.ErrorContains(t, err, "leader not available")
	assert.ErrorContains(t, f.Flush(context.Background()), "leader not available")
	assert.Equal(t, 0, obs.failed)
	assert.Equal(t, 0, obs.ok)

	w.err = nil
	require.NoError(t, f.Flush(context.Background()))
	require.Len(t, w.batches, 1)
	assert.Len(t, w.batches[0], 1)
	assert.Equal(t, 1, obs.ok)
	assert.Equal(t, 0, obs.failed)
}

// TestKafkaForwarder_RetainCap tests that the oldest records are dropped once
// a failing batch outgrows the cap.
func TestKafkaForwarder_RetainCap(t *testing.T) {
	w := &dummyKafkaWriter{err: errors.New("leader not available")}
	obs := &countingObserver{}
	f := newKafkaForwarder(w, KafkaOptions{BatchSize: 1, MaxRetained: 2}, obs, zerolog.Nop())

	for _, sn := range []string{"HW50", "HW51", "HW52", "HW53"} {
		err := f.Forward(context.Background(), NewRecord(sn, "quota", "t", []byte(`{}`)))
		assert.ErrorContains(t, err, "leader not available")
	}
	assert.Equal(t, 2, obs.failed)

	w.err = nil
	require.NoError(t, f.Flush(context.Background()))
	require.Len(t, w.batches, 1)
	require.Len(t, w.batches[0], 2)
	assert.Equal(t, "HW52", string(w.batches[0][0].Key))
	assert.Equal(t, "HW53", string(w.batches[0][1].Key))
	assert.Equal(t, 2, obs.ok)
	assert.Equal(t, 2, obs.failed)
}

// TestKafkaForwarder_Close tests that Close flushes and closes the writer.
func TestKafkaForwarder_Close(t *testing.T) {
	w := &dummyKafkaWriter{}
	f := newKafkaForwarder(w, KafkaOptions{BatchSize: 10, BatchPeriod: time.Hour}, nil, zerolog.Nop())
	require.NoError(t, f.Forward(context.Background(), NewRecord("HW52", "quota", "t", []byte(`{}`))))

	require.NoError(t, f.Close())

	assert.Len(t, w.batches, 1)
	assert.True(t, w.closed)
}

// TestNewKafkaForwarder_Invalid tests option validation.
func TestNewKafkaForwarder_Invalid(t *testing.T) {
	_, err := NewKafkaForwarder(KafkaOptions{Topic: "t"}, nil, zerolog.Nop())
	assert.ErrorIs(t, err, errNoBrokers)

	_, err = NewKafkaForwarder(KafkaOptions{Brokers: []string{"localhost:9092"}}, nil, zerolog.Nop())
	assert.Error(t, err)
}
