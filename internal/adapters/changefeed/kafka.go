package changefeed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/okian/outreachops/pkg/metrics"
)

// Kafka writes every change to one topic keyed by collection, so changes of
// one collection keep their order within a partition.
type Kafka struct {
	brokers []string
	topic   string
	writer  *kafka.Writer
}

// NewKafka creates a Kafka feed.
func NewKafka(brokers []string, topic string) *Kafka {
	return &Kafka{
		brokers: brokers,
		topic:   topic,
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
			Async:        false,
		},
	}
}

func message(c Change) (kafka.Message, error) {
	payload, err := encode(c)
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{Key: []byte(c.Collection), Value: payload, Time: c.At}, nil
}

// Publish implements Publisher.
func (k *Kafka) Publish(ctx context.Context, c Change) error {
	msg, err := message(c)
	if err == nil {
		err = k.writer.WriteMessages(ctx, msg)
	}
	metrics.RecordFeedPublish(string(c.Collection), err)
	return err
}

// Subscribe opens a reader in consumer group name. Subscribers sharing a
// name split the stream; distinct names each see every change.
func (k *Kafka) Subscribe(_ context.Context, name string, collections ...Collection) (Subscription, error) {
	if name == "" {
		return nil, fmt.Errorf("kafka subscribe: consumer name required")
	}
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  k.brokers,
		GroupID:  name,
		Topic:    k.topic,
		MinBytes: 1,
		MaxBytes: 10e6,
		MaxWait:  500 * time.Millisecond,
	})
	return &kafkaSub{reader: r, collections: collections}, nil
}

// Close flushes and closes the writer.
func (k *Kafka) Close() error {
	return k.writer.Close()
}

type kafkaSub struct {
	reader      *kafka.Reader
	collections []Collection
}

func (s *kafkaSub) Next(ctx context.Context) (Change, error) {
	for {
		msg, err := s.reader.ReadMessage(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return Change{}, ErrClosed
			}
			return Change{}, err
		}
		if !wants(s.collections, Collection(msg.Key)) {
			continue
		}
		return decode(msg.Value)
	}
}

func (s *kafkaSub) Close() error {
	return s.reader.Close()
}
