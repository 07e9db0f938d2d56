package jobs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/helixir/literature-pipeline/internal/domain"
)

const envelopeVersion = 1

// envelope is the wire form of a Message on the jobs topic.
type envelope struct {
	Version    int       `msgpack:"v"`
	JobID      string    `msgpack:"job_id"`
	ProjectID  string    `msgpack:"project_id"`
	Kind       string    `msgpack:"kind"`
	Payload    []byte    `msgpack:"payload,omitempty"`
	EnqueuedAt time.Time `msgpack:"enqueued_at"`
}

func encodeMessage(msg Message, now time.Time) ([]byte, error) {
	return msgpack.Marshal(&envelope{
		Version:    envelopeVersion,
		JobID:      msg.JobID.String(),
		ProjectID:  msg.ProjectID.String(),
		Kind:       string(msg.Kind),
		Payload:    msg.Payload,
		EnqueuedAt: now.UTC(),
	})
}

func decodeMessage(data []byte) (Message, error) {
	var env envelope
	if err := msgpack.Unmarshal(data, &env); err != nil {
		return Message{}, fmt.Errorf("decode job envelope: %w", err)
	}
	if env.Version != envelopeVersion {
		return Message{}, fmt.Errorf("unsupported job envelope version %d", env.Version)
	}
	jobID, err := uuid.Parse(env.JobID)
	if err != nil {
		return Message{}, fmt.Errorf("job envelope: job id: %w", err)
	}
	projectID, err := uuid.Parse(env.ProjectID)
	if err != nil {
		return Message{}, fmt.Errorf("job envelope: project id: %w", err)
	}
	return Message{
		JobID:     jobID,
		ProjectID: projectID,
		Kind:      domain.JobKind(env.Kind),
		Payload:   env.Payload,
	}, nil
}

// KafkaConfig configures the Kafka-backed queue.
type KafkaConfig struct {
	Brokers []string
	Topic   string
	// GroupID is the consumer group shared by all job runners.
	GroupID      string
	BatchTimeout time.Duration
	MaxWait      time.Duration
}

// KafkaQueue is a Queue on a Kafka topic. Messages are keyed by project so one
// project's jobs stay ordered on a partition. A message's offset is committed when it
// is acknowledged, so a runner that dies before claiming the job leaves it to be
// redelivered after the consumer group rebalances.
type KafkaQueue struct {
	writer *kafka.Writer
	reader *kafka.Reader
	logger zerolog.Logger
	now    func() time.Time
}

var _ Queue = (*KafkaQueue)(nil)

// NewKafkaQueue creates the writer and consumer-group reader for cfg.
func NewKafkaQueue(cfg KafkaConfig, logger zerolog.Logger) (*KafkaQueue, error) {
	if len(cfg.Brokers) == 0 {
		return nil, domain.NewValidationError("queue.kafka.brokers", "at least one broker is required")
	}
	if cfg.Topic == "" {
		return nil, domain.NewValidationError("queue.kafka.topic", "topic is required")
	}
	if cfg.GroupID == "" {
		return nil, domain.NewValidationError("queue.kafka.group_id", "group id is required")
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 10 * time.Millisecond
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = 3 * time.Second
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: cfg.BatchTimeout,
		RequiredAcks: kafka.RequireAll,
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6,
		MaxWait:  cfg.MaxWait,
	})

	return &KafkaQueue{
		writer: writer,
		reader: reader,
		logger: logger.With().Str("component", "kafka_queue").Logger(),
		now:    time.Now,
	}, nil
}

// Enqueue publishes msg and waits for the brokers to acknowledge it.
func (q *KafkaQueue) Enqueue(ctx context.Context, msg Message) error {
	value, err := encodeMessage(msg, q.now())
	if err != nil {
		return fmt.Errorf("encode job message: %w", err)
	}
	err = q.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(msg.ProjectID.String()),
		Value: value,
	})
	if err != nil {
		if errors.Is(err, io.ErrClosedPipe) {
			return ErrQueueClosed
		}
		return fmt.Errorf("publish job %s: %w", msg.JobID, err)
	}
	return nil
}

// Dequeue fetches the next decodable message. Its offset is committed by Message.Ack.
// Undecodable messages are logged, committed and skipped.
func (q *KafkaQueue) Dequeue(ctx context.Context) (Message, error) {
	for {
		m, err := q.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return Message{}, ctx.Err()
			}
			if errors.Is(err, io.EOF) {
				return Message{}, ErrQueueClosed
			}
			return Message{}, fmt.Errorf("fetch job message: %w", err)
		}

		msg, err := decodeMessage(m.Value)
		if err != nil {
			q.logger.Error().Err(err).
				Int("partition", m.Partition).
				Int64("offset", m.Offset).
				Msg("skipping undecodable job message")
			if err := q.reader.CommitMessages(ctx, m); err != nil {
				return Message{}, fmt.Errorf("commit job message offset %d: %w", m.Offset, err)
			}
			continue
		}
		msg.ack = q.committer(m)

		q.logger.Debug().
			Str("job_id", msg.JobID.String()).
			Int("partition", m.Partition).
			Int64("offset", m.Offset).
			Msg("dequeued job message")
		return msg, nil
	}
}

func (q *KafkaQueue) committer(m kafka.Message) func(context.Context) error {
	return func(ctx context.Context) error {
		if err := q.reader.CommitMessages(ctx, m); err != nil {
			return fmt.Errorf("commit job message offset %d: %w", m.Offset, err)
		}
		return nil
	}
}

// Close closes the writer and the reader.
func (q *KafkaQueue) Close() error {
	return errors.Join(q.writer.Close(), q.reader.Close())
}
