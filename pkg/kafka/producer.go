package kafka

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"lookout/pkg/logging"
)

// Record is one message for Produce.
type Record struct {
	Topic   string
	Key     []byte
	Value   []byte
	Headers map[string]string
}

// ProducerConfig configures a franz-go producer client.
type ProducerConfig struct {
	Brokers        []string
	ClientID       string
	Linger         time.Duration
	ProduceTimeout time.Duration
}

// Producer publishes records synchronously.
type Producer struct {
	client  *kgo.Client
	logger  logging.Logger
	timeout time.Duration
}

// NewProducer creates a producer. Connections are established lazily.
func NewProducer(cfg ProducerConfig, logger logging.Logger) (*Producer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka: at least one broker is required")
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "lookout"
	}
	if cfg.Linger <= 0 {
		cfg.Linger = 10 * time.Millisecond
	}
	if cfg.ProduceTimeout <= 0 {
		cfg.ProduceTimeout = 5 * time.Second
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ClientID(cfg.ClientID),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
		kgo.ProducerLinger(cfg.Linger),
		kgo.ProducerBatchMaxBytes(1_000_000),
		kgo.RequiredAcks(kgo.AllISRAcks()),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	logger.WithFields(logging.Fields{
		"brokers":   cfg.Brokers,
		"client_id": cfg.ClientID,
	}).Info("Kafka producer created")

	return &Producer{client: client, logger: logger, timeout: cfg.ProduceTimeout}, nil
}

// Produce sends records and waits for every acknowledgement or the produce timeout.
func (p *Producer) Produce(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	results := p.client.ProduceSync(ctx, toKgoRecords(records)...)
	if err := results.FirstErr(); err != nil {
		return fmt.Errorf("failed to produce %d records: %w", len(records), err)
	}
	return nil
}

// Ping checks broker connectivity.
func (p *Producer) Ping(ctx context.Context) error {
	if err := p.client.Ping(ctx); err != nil {
		return fmt.Errorf("kafka ping: %w", err)
	}
	return nil
}

// Close flushes buffered records and closes the client.
func (p *Producer) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	err := p.client.Flush(ctx)
	p.client.Close()
	if err != nil {
		return fmt.Errorf("kafka flush on close: %w", err)
	}
	return nil
}

func toKgoRecords(records []Record) []*kgo.Record {
	out := make([]*kgo.Record, 0, len(records))
	for _, r := range records {
		rec := &kgo.Record{Topic: r.Topic, Key: r.Key, Value: r.Value}
		keys := make([]string, 0, len(r.Headers))
		for k := range r.Headers {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			rec.Headers = append(rec.Headers, kgo.RecordHeader{Key: k, Value: []byte(r.Headers[k])})
		}
		out = append(out, rec)
	}
	return out
}
