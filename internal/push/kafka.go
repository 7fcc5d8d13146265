package push

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ivan/internal/logging"
)

// OriginHeader optionally carries the delivery origin on a Kafka record.
const OriginHeader = "origin"

// MessageReader is the subset of *kafka.Reader the source uses.
type MessageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// KafkaSource feeds notifications from a topic into the router.
type KafkaSource struct {
	reader     MessageReader
	router     *Router
	logger     *slog.Logger
	backoff    time.Duration
	maxBackoff time.Duration
}

func NewKafkaReader(brokers []string, topic, group string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{Brokers: brokers, Topic: topic, GroupID: group, MinBytes: 1, MaxBytes: 10e6})
}

func NewKafkaSource(reader MessageReader, router *Router, logger *slog.Logger) *KafkaSource {
	return &KafkaSource{
		reader:     reader,
		router:     router,
		logger:     logging.Component(logger, "push.kafka"),
		backoff:    time.Second,
		maxBackoff: 30 * time.Second,
	}
}

// Run consumes until ctx is cancelled. Read errors back off exponentially;
// bad records are logged and skipped.
func (k *KafkaSource) Run(ctx context.Context) error {
	backoff := k.backoff
	for {
		m, err := k.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				k.logger.Info("notification consumer stopping")
				return nil
			}
			k.logger.Warn("kafka read error", "error", err, "backoff", backoff)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil
			}
			backoff *= 2
			if backoff > k.maxBackoff {
				backoff = k.maxBackoff
			}
			continue
		}
		backoff = k.backoff

		origin, err := ParseOrigin(header(m, OriginHeader))
		if err != nil {
			k.logger.Warn("bad origin header, treating as foreground", "error", err)
			origin = OriginForeground
		}
		if err := k.router.Handle(ctx, origin, m.Value); err != nil {
			if errors.Is(err, ErrMalformed) {
				k.logger.Warn("invalid notification record", "offset", m.Offset, "error", err)
			}
			continue
		}
	}
}

func (k *KafkaSource) Close() error { return k.reader.Close() }

func header(m kafka.Message, key string) string {
	for _, h := range m.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

// KafkaPublisher writes notification payloads to the topic the agent
// consumes.
type KafkaPublisher struct {
	writer *kafka.Writer
}

func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	w := &kafka.Writer{Addr: kafka.TCP(brokers...), Topic: topic, Balancer: &kafka.LeastBytes{}}
	return &KafkaPublisher{writer: w}
}

func (k *KafkaPublisher) Publish(ctx context.Context, key string, origin Origin, payload []byte) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	msg := kafka.Message{Key: []byte(key), Value: payload}
	if origin != "" {
		msg.Headers = []kafka.Header{{Key: OriginHeader, Value: []byte(origin)}}
	}
	return k.writer.WriteMessages(ctx, msg)
}

func (k *KafkaPublisher) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
