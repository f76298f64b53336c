package sources

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog"

	"github.com/willibrandon/tideflow/core"
)

// KafkaOptions configures a KafkaSource (MSK or any Kafka-compatible
// cluster).
type KafkaOptions struct {
	Brokers []string
	Topics  []string
	GroupID string
	TLS     bool
}

// KafkaSource consumes from a consumer group. Offsets are marked only when
// the pipeline acks a record, so a crash replays unacked messages
// (at-least-once).
type KafkaSource struct {
	name    string
	opts    KafkaOptions
	decoder Decoder
	fwd     Forwarder
	logger  zerolog.Logger

	newGroup func() (sarama.ConsumerGroup, error)
}

func NewKafkaSource(name string, opts KafkaOptions, decoder Decoder, fwd Forwarder, logger zerolog.Logger) *KafkaSource {
	l := logger.With().Str("source", name).Logger()
	decoder.Logger = l
	s := &KafkaSource{name: name, opts: opts, decoder: decoder, fwd: fwd, logger: l}
	s.newGroup = func() (sarama.ConsumerGroup, error) {
		cfg := sarama.NewConfig()
		cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
		cfg.Consumer.Return.Errors = false
		cfg.Consumer.Offsets.AutoCommit.Enable = true
		cfg.Consumer.Offsets.AutoCommit.Interval = time.Second
		if opts.TLS {
			cfg.Net.TLS.Enable = true
			cfg.Net.TLS.Config = &tls.Config{MinVersion: tls.VersionTLS12}
		}
		return sarama.NewConsumerGroup(opts.Brokers, opts.GroupID, cfg)
	}
	return s
}

func (s *KafkaSource) Name() string { return s.name }

func (s *KafkaSource) Run(ctx context.Context) error {
	group, err := s.newGroup()
	if err != nil {
		return fmt.Errorf("creating consumer group: %w", err)
	}
	defer group.Close()

	handler := &kafkaHandler{source: s}
	for {
		if err := group.Consume(ctx, s.opts.Topics, handler); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) || ctx.Err() != nil {
				return nil
			}
			s.logger.Warn().Err(err).Msg("consume session failed; rejoining")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

type kafkaHandler struct {
	source *KafkaSource
}

func (h *kafkaHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *kafkaHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *kafkaHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	s := h.source
	for msg := range claim.Messages() {
		ndjson := s.decoder.Normalize(msg.Value, "", "")
		frames := SplitLines(ndjson)

		msg := msg
		ack := core.AckFunc(func(ctx context.Context) error {
			session.MarkMessage(msg, "")
			return nil
		})

		if err := s.fwd.Forward(session.Context(), sourceRef(s.name), frames, []core.Ack{ack}); err != nil {
			return err
		}
	}
	return nil
}
