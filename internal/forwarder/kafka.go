package forwarder

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

const (
	defaultBatchPeriod = 5 * time.Second
	defaultBatchSize   = 100

	// A failed batch may grow to this many batches before the oldest
	// records are dropped.
	defaultRetainFactor = 10
)

var errNoBrokers = errors.New("no kafka brokers configured")

// kafkaWriter is implemented by kafka.Writer and by the test writer.
type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// KafkaOptions configures a KafkaForwarder.
type KafkaOptions struct {
	Brokers     []string
	Topic       string
	TLS         bool
	BatchSize   int
	BatchPeriod time.Duration
	// MaxRetained caps the records kept across failed writes.
	MaxRetained int
}

// KafkaForwarder batches records and writes them to a Kafka topic, keyed by
// serial number so that a device's records stay ordered within a partition.
type KafkaForwarder struct {
	mu        sync.Mutex
	writer    kafkaWriter
	batch     []kafka.Message
	lastFlush time.Time
	size      int
	period    time.Duration
	retained  int
	observer  Observer
	logger    zerolog.Logger
}

// NewKafkaForwarder creates a forwarder backed by a kafka.Writer.
func NewKafkaForwarder(o KafkaOptions, observer Observer, logger zerolog.Logger) (*KafkaForwarder, error) {
	if len(o.Brokers) == 0 {
		return nil, errNoBrokers
	}
	if o.Topic == "" {
		return nil, errors.New("kafka topic must not be empty")
	}

	w := &kafka.Writer{
		Addr:     kafka.TCP(o.Brokers...),
		Topic:    o.Topic,
		Balancer: &kafka.Hash{},
	}
	if o.TLS {
		w.Transport = &kafka.Transport{
			TLS: &tls.Config{MinVersion: tls.VersionTLS12},
		}
	}
	logger.Info().Strs("brokers", o.Brokers).Str("topic", o.Topic).Msg("Created Kafka writer")
	return newKafkaForwarder(w, o, observer, logger), nil
}

func newKafkaForwarder(w kafkaWriter, o KafkaOptions, observer Observer, logger zerolog.Logger) *KafkaForwarder {
	size, period := o.BatchSize, o.BatchPeriod
	if size <= 0 {
		size = defaultBatchSize
	}
	if period <= 0 {
		period = defaultBatchPeriod
	}
	retained := o.MaxRetained
	if retained < size {
		retained = size * defaultRetainFactor
	}
	return &KafkaForwarder{
		writer:    w,
		lastFlush: time.Now(),
		size:      size,
		period:    period,
		retained:  retained,
		observer:  observer,
		logger:    logger,
	}
}

// Forward queues r and writes the batch once it is full or old enough.
func (k *KafkaForwarder) Forward(ctx context.Context, r Record) error {
	value, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	k.batch = append(k.batch, kafka.Message{Key: []byte(r.SN), Value: value, Time: r.ReceivedAt})
	if len(k.batch) < k.size && time.Since(k.lastFlush) < k.period {
		return nil
	}
	return k.flush(ctx)
}

// Flush writes whatever is queued.
func (k *KafkaForwarder) Flush(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.flush(ctx)
}

// flush must be called with mu held. A failed batch is kept for the next
// attempt up to the retain cap. Each record is observed once, when it is
// written or when it is dropped.
func (k *KafkaForwarder) flush(ctx context.Context) error {
	if len(k.batch) == 0 {
		return nil
	}

	err := k.writer.WriteMessages(ctx, k.batch...)
	if err != nil {
		k.dropOverflow(err)
		return fmt.Errorf("failed to forward %d records to Kafka: %w", len(k.batch), err)
	}

	k.observe(len(k.batch), nil)
	k.logger.Debug().Int("records", len(k.batch)).Msg("Sent records to Kafka")
	k.batch = nil
	k.lastFlush = time.Now()
	return nil
}

func (k *KafkaForwarder) dropOverflow(err error) {
	over := len(k.batch) - k.retained
	if over <= 0 {
		return
	}
	k.logger.Warn().Err(err).Int("dropped", over).Int("retained", k.retained).Msg("Dropping oldest Kafka records")
	k.observe(over, err)
	k.batch = append(k.batch[:0:0], k.batch[over:]...)
}

func (k *KafkaForwarder) observe(n int, err error) {
	if k.observer == nil {
		return
	}
	for i := 0; i < n; i++ {
		k.observer.ObserveForward(err)
	}
}

// Close flushes the remaining batch and closes the writer.
func (k *KafkaForwarder) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := k.Flush(ctx)
	if c, ok := k.writer.(io.Closer); ok {
		err = errors.Join(err, c.Close())
	}
	return err
}
