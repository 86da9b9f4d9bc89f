// Package messaging publishes pool events to Kafka and consumes them for
// auditing.
package messaging

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/segmentio/kafka-go"

	"github.com/bardlex/orepool/internal/pool"
	"github.com/bardlex/orepool/pkg/circuit"
	"github.com/bardlex/orepool/pkg/errors"
	"github.com/bardlex/orepool/pkg/log"
	"github.com/bardlex/orepool/pkg/retry"
)

const consumeBackoff = time.Second

// KafkaClient wraps kafka-go with one cached writer per topic and one cached
// reader per topic and group.
type KafkaClient struct {
	brokers        []string
	logger         *log.Logger
	writers        map[string]*kafka.Writer
	readers        map[string]*kafka.Reader
	writersMu      sync.RWMutex
	readersMu      sync.RWMutex
	circuitBreaker *circuit.Breaker
	retryConfig    *retry.Config
}

// NewKafkaClient creates a client. No connection is made until the first
// publish or read.
func NewKafkaClient(brokers []string, logger *log.Logger) *KafkaClient {
	if logger == nil {
		logger = log.Nop()
	}
	logger = logger.WithComponent("kafka")
	cbConfig := &circuit.Config{
		Name:            "kafka",
		MaxFailures:     5,
		SuccessRequired: 3,
		Timeout:         15 * time.Second,
		ResetTimeout:    60 * time.Second,
		OnStateChange:   circuit.LogTransitions(logger),
	}

	return &KafkaClient{
		brokers:        brokers,
		logger:         logger,
		writers:        make(map[string]*kafka.Writer),
		readers:        make(map[string]*kafka.Reader),
		circuitBreaker: circuit.New(cbConfig),
		retryConfig:    retry.NetworkConfig(),
	}
}

// GetProducer returns the writer of topic, creating it on first use. Messages
// are hash-partitioned by key so events of one member stay ordered.
func (k *KafkaClient) GetProducer(topic string) *kafka.Writer {
	k.writersMu.RLock()
	if writer, exists := k.writers[topic]; exists {
		k.writersMu.RUnlock()
		return writer
	}
	k.writersMu.RUnlock()

	k.writersMu.Lock()
	defer k.writersMu.Unlock()

	if writer, exists := k.writers[topic]; exists {
		return writer
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(k.brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		Compression:  kafka.Snappy,
	}

	k.writers[topic] = writer
	k.logger.Info("created Kafka producer", "topic", topic)
	return writer
}

// GetConsumer returns the reader of topic and groupID, creating it on first use.
func (k *KafkaClient) GetConsumer(topic, groupID string) *kafka.Reader {
	key := fmt.Sprintf("%s-%s", topic, groupID)

	k.readersMu.RLock()
	if reader, exists := k.readers[key]; exists {
		k.readersMu.RUnlock()
		return reader
	}
	k.readersMu.RUnlock()

	k.readersMu.Lock()
	defer k.readersMu.Unlock()

	if reader, exists := k.readers[key]; exists {
		return reader
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     k.brokers,
		Topic:       topic,
		GroupID:     groupID,
		StartOffset: kafka.FirstOffset,
		MinBytes:    1,
		MaxBytes:    10e6,
		MaxWait:     time.Second,
	})

	k.readers[key] = reader
	k.logger.Info("created Kafka consumer", "topic", topic, "group_id", groupID)
	return reader
}

// Publish writes events to topic in one batch.
func (k *KafkaClient) Publish(ctx context.Context, topic string, events ...Event) error {
	if len(events) == 0 {
		return nil
	}

	now := time.Now()
	msgs := make([]kafka.Message, len(events))
	size := 0
	for i, ev := range events {
		data, err := ev.Marshal()
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeValidation, "event_marshal",
				"failed to marshal event").
				WithContext("topic", topic).
				WithContext("key", ev.Key())
		}
		msgs[i] = kafka.Message{Key: []byte(ev.Key()), Value: data, Time: now}
		size += len(data)
	}

	return k.circuitBreaker.Execute(ctx, func() error {
		return retry.Do(ctx, k.retryConfig, func() error {
			writer := k.GetProducer(topic)
			if err := writer.WriteMessages(ctx, msgs...); err != nil {
				return errors.Wrap(err, errors.ErrorTypeMessaging, "publish_events",
					"failed to publish events to Kafka").
					WithContext("topic", topic).
					WithContext("count", len(msgs)).
					WithContext("size", size)
			}

			k.logger.Debug("published events", "topic", topic, "count", len(msgs), "size", size)
			return nil
		})
	})
}

// PublishContribution publishes an accepted contribution.
func (k *KafkaClient) PublishContribution(ctx context.Context, c pool.Contribution) error {
	return k.Publish(ctx, TopicContributions, NewContributionEvent(c))
}

// PublishRound publishes a round lifecycle event.
func (k *KafkaClient) PublishRound(ctx context.Context, ev *RoundEvent) error {
	return k.Publish(ctx, TopicRounds, ev)
}

// PublishRewards publishes the reward deltas of one round.
func (k *KafkaClient) PublishRewards(ctx context.Context, deltas []pool.RewardDelta) error {
	events := make([]Event, len(deltas))
	for i, d := range deltas {
		events[i] = &RewardEvent{RoundID: d.RoundID, MemberID: d.MemberID, Amount: d.Amount}
	}
	return k.Publish(ctx, TopicRewards, events...)
}

// Consume reads the next message from reader and decodes it into ev.
// Decode failures are not retried.
func (k *KafkaClient) Consume(ctx context.Context, reader *kafka.Reader, ev Event) (string, error) {
	msg, err := circuit.ExecuteWithResult(ctx, k.circuitBreaker, func() (kafka.Message, error) {
		return retry.DoWithResult(ctx, k.retryConfig, func() (kafka.Message, error) {
			m, err := reader.ReadMessage(ctx)
			if err != nil {
				return m, errors.Wrap(err, errors.ErrorTypeMessaging, "read_message",
					"failed to read message from Kafka")
			}
			return m, nil
		})
	})
	if err != nil {
		return "", err
	}

	if err := ev.Unmarshal(msg.Value); err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeValidation, "event_unmarshal",
			"failed to unmarshal event").
			WithContext("topic", msg.Topic).
			WithContext("offset", msg.Offset)
	}

	key := string(msg.Key)
	k.logger.Debug("consumed message", "topic", msg.Topic, "key", key, "size", len(msg.Value))
	return key, nil
}

// Handler processes consumed events.
type Handler interface {
	HandleEvent(ctx context.Context, key string, ev Event) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, key string, ev Event) error

// HandleEvent implements Handler.
func (f HandlerFunc) HandleEvent(ctx context.Context, key string, ev Event) error {
	return f(ctx, key, ev)
}

// StartConsumer consumes topic until ctx is done. newEvent returns an empty
// event of the topic's type.
func (k *KafkaClient) StartConsumer(ctx context.Context, topic, groupID string, newEvent func() Event, handler Handler) error {
	reader := k.GetConsumer(topic, groupID)
	logger := k.logger.WithFields("topic", topic, "group_id", groupID)
	logger.Info("starting consumer")

	for {
		select {
		case <-ctx.Done():
			logger.Info("consumer stopping")
			return ctx.Err()
		default:
		}

		ev := newEvent()
		key, err := k.Consume(ctx, reader, ev)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			logger.Error("failed to consume message", "error", err)
			select {
			case <-ctx.Done():
			case <-time.After(consumeBackoff):
			}
			continue
		}

		if err := handler.HandleEvent(ctx, key, ev); err != nil {
			logger.Error("failed to handle message", "key", key, "error", err)
		}
	}
}

// Close closes all producers and consumers and reports every failure.
func (k *KafkaClient) Close() error {
	k.writersMu.Lock()
	defer k.writersMu.Unlock()

	k.readersMu.Lock()
	defer k.readersMu.Unlock()

	var result *multierror.Error

	for topic, writer := range k.writers {
		if err := writer.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("producer %s: %w", topic, err))
		}
	}

	for key, reader := range k.readers {
		if err := reader.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("consumer %s: %w", key, err))
		}
	}

	k.writers = make(map[string]*kafka.Writer)
	k.readers = make(map[string]*kafka.Reader)
	return result.ErrorOrNil()
}
