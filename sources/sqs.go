package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/rs/zerolog"

	"github.com/willibrandon/tideflow/core"
)

// SQSAPI is the queue surface the source calls.
type SQSAPI interface {
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, opts ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, opts ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// S3GetAPI fetches referenced objects when the queue carries S3 event
// notifications.
type S3GetAPI interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// SQSOptions configures an SQSSource.
type SQSOptions struct {
	QueueURL            string
	MaxNumberOfMessages int32
	WaitTimeSeconds     int32

	// MaxChunk bounds the NDJSON frame size handed downstream.
	MaxChunk int
}

// SQSSource long-polls a queue. Message bodies that are S3 event
// notifications are expanded by fetching the referenced objects; anything
// else is decoded directly. The message is deleted only when the pipeline
// acks it.
type SQSSource struct {
	name    string
	opts    SQSOptions
	queue   SQSAPI
	objects S3GetAPI
	decoder Decoder
	fwd     Forwarder
	logger  zerolog.Logger
}

// NewSQSSource builds the source from the ambient AWS credential chain.
func NewSQSSource(ctx context.Context, name string, opts SQSOptions, decoder Decoder, fwd Forwarder, logger zerolog.Logger) (*SQSSource, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config for source %s: %w", name, err)
	}
	return NewSQSSourceWithClients(name, opts, sqs.NewFromConfig(awsCfg), s3.NewFromConfig(awsCfg), decoder, fwd, logger), nil
}

// NewSQSSourceWithClients injects clients, for tests.
func NewSQSSourceWithClients(name string, opts SQSOptions, queue SQSAPI, objects S3GetAPI, decoder Decoder, fwd Forwarder, logger zerolog.Logger) *SQSSource {
	if opts.MaxNumberOfMessages <= 0 {
		opts.MaxNumberOfMessages = 10
	}
	if opts.WaitTimeSeconds <= 0 {
		opts.WaitTimeSeconds = 20
	}
	if opts.MaxChunk <= 0 {
		opts.MaxChunk = 256 << 10
	}
	l := logger.With().Str("source", name).Logger()
	decoder.Logger = l
	return &SQSSource{
		name: name, opts: opts,
		queue: queue, objects: objects,
		decoder: decoder, fwd: fwd, logger: l,
	}
}

func (s *SQSSource) Name() string { return s.name }

func (s *SQSSource) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		out, err := s.queue.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(s.opts.QueueURL),
			WaitTimeSeconds:     s.opts.WaitTimeSeconds,
			MaxNumberOfMessages: s.opts.MaxNumberOfMessages,
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.logger.Warn().Err(err).Msg("receive failed; backing off")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		for _, msg := range out.Messages {
			s.handleMessage(ctx, msg)
		}
	}
}

// deleteAck removes the message once every downstream delivery is durable.
func (s *SQSSource) deleteAck(receipt string) core.Ack {
	return core.AckFunc(func(ctx context.Context) error {
		_, err := s.queue.DeleteMessage(ctx, &sqs.DeleteMessageInput{
			QueueUrl:      aws.String(s.opts.QueueURL),
			ReceiptHandle: aws.String(receipt),
		})
		if err != nil {
			s.logger.Warn().Err(err).Msg("delete message failed")
		}
		return err
	})
}

func (s *SQSSource) handleMessage(ctx context.Context, msg sqstypes.Message) {
	body := aws.ToString(msg.Body)
	receipt := aws.ToString(msg.ReceiptHandle)
	if body == "" || receipt == "" {
		return
	}
	ack := s.deleteAck(receipt)

	if s.expandS3Notification(ctx, body, ack) {
		return
	}

	ndjson := s.decoder.Normalize([]byte(body), "", "")
	s.forwardChunks(ctx, ndjson, ack)
}

// s3Notification is the slice of the S3 event payload the source reads.
type s3Notification struct {
	Records []struct {
		S3 struct {
			Bucket struct {
				Name string `json:"name"`
			} `json:"bucket"`
			Object struct {
				Key string `json:"key"`
			} `json:"object"`
		} `json:"s3"`
	} `json:"Records"`
}

// expandS3Notification fetches every object the notification references and
// forwards their contents. The message ack is shared by every fetched record
// so the notification is deleted only after all of it is durable; if any
// fetch fails the ack is withheld and the message is redelivered.
func (s *SQSSource) expandS3Notification(ctx context.Context, body string, ack core.Ack) bool {
	var note s3Notification
	if err := json.Unmarshal([]byte(body), &note); err != nil || len(note.Records) == 0 {
		return false
	}

	var bodies [][]byte
	failed := false
	for _, rec := range note.Records {
		bucket := rec.S3.Bucket.Name
		keyEnc := rec.S3.Object.Key
		if bucket == "" || keyEnc == "" {
			continue
		}
		key, err := url.QueryUnescape(strings.ReplaceAll(keyEnc, "+", " "))
		if err != nil {
			key = keyEnc
		}

		obj, err := s.objects.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			s.logger.Error().Err(err).Str("bucket", bucket).Str("key", key).Msg("S3 get failed")
			failed = true
			continue
		}
		data, err := io.ReadAll(obj.Body)
		_ = obj.Body.Close()
		if err != nil {
			s.logger.Error().Err(err).Str("key", key).Msg("S3 read failed")
			failed = true
			continue
		}

		bodies = append(bodies, s.decoder.Normalize(data, aws.ToString(obj.ContentEncoding), key))
	}
	if len(bodies) == 0 {
		return false
	}

	var recAck core.Ack
	if !failed {
		recAck = core.NewFanOutAck([]core.Ack{ack}, len(bodies))
	}
	for _, ndjson := range bodies {
		s.forwardChunks(ctx, ndjson, recAck)
	}
	return true
}

// forwardChunks splits an NDJSON buffer into bounded frames and forwards
// them with the ack attached across the whole set.
func (s *SQSSource) forwardChunks(ctx context.Context, ndjson []byte, ack core.Ack) {
	frames := ChunkSlices(ndjson, s.opts.MaxChunk)
	var acks []core.Ack
	if ack != nil {
		acks = []core.Ack{ack}
	}
	if err := s.fwd.Forward(ctx, sourceRef(s.name), frames, acks); err != nil {
		s.logger.Warn().Err(err).Msg("forward failed")
	}
}
