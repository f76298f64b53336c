package sinks

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rs/zerolog"

	"github.com/willibrandon/tideflow/core"
)

const (
	// Objects below this size go up in one PUT; larger ones stream as
	// multipart parts.
	s3SinglePutLimit = 5 * 1024 * 1024
	s3PartSize       = 8 * 1024 * 1024
)

// S3API is the slice of the S3 client the driver calls, separable for tests.
type S3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	CreateMultipartUpload(ctx context.Context, in *s3.CreateMultipartUploadInput, opts ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, in *s3.UploadPartInput, opts ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	CompleteMultipartUpload(ctx context.Context, in *s3.CompleteMultipartUploadInput, opts ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, in *s3.AbortMultipartUploadInput, opts ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
}

// S3Driver uploads sealed staging files as objects.
type S3Driver struct {
	name     string
	client   S3API
	partSize int64
	logger   zerolog.Logger
}

// NewS3Driver builds a driver from the ambient AWS credential chain.
func NewS3Driver(ctx context.Context, name, region string, logger zerolog.Logger) (*S3Driver, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config for sink %s: %w", name, err)
	}
	return &S3Driver{
		name:     name,
		client:   s3.NewFromConfig(awsCfg),
		partSize: s3PartSize,
		logger:   logger.With().Str("component", "s3").Str("sink", name).Logger(),
	}, nil
}

// NewS3DriverWithClient injects a client, for tests and custom endpoints.
func NewS3DriverWithClient(name string, client S3API, logger zerolog.Logger) *S3Driver {
	return &S3Driver{
		name:     name,
		client:   client,
		partSize: s3PartSize,
		logger:   logger.With().Str("component", "s3").Str("sink", name).Logger(),
	}
}

// WritePath uploads the artifact at path under a key derived from its base
// id, the encoding extension, and the compression extension.
func (d *S3Driver) WritePath(ctx context.Context, path string, enc core.Encoding, comp core.Compression, dest core.Destination) error {
	key := objectKeyFrom(path, dest.KeyPrefix, enc, comp)

	st, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}

	if st.Size() < s3SinglePutLimit {
		return d.putObject(ctx, path, key, dest.Bucket, enc, comp)
	}
	return d.multipartUpload(ctx, path, key, dest.Bucket, enc, comp)
}

func (d *S3Driver) putObject(ctx context.Context, path, key, bucket string, enc core.Encoding, comp core.Compression) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	in := &s3.PutObjectInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(key),
		Body:        f,
		ContentType: aws.String(enc.ContentType()),
	}
	if ce := comp.ContentEncoding(); ce != "" && !enc.Container() {
		in.ContentEncoding = aws.String(ce)
	}

	if _, err := d.client.PutObject(ctx, in); err != nil {
		return fmt.Errorf("put_object %s/%s: %w", bucket, key, err)
	}
	return nil
}

func (d *S3Driver) multipartUpload(ctx context.Context, path, key, bucket string, enc core.Encoding, comp core.Compression) error {
	createIn := &s3.CreateMultipartUploadInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(key),
		ContentType: aws.String(enc.ContentType()),
	}
	if ce := comp.ContentEncoding(); ce != "" && !enc.Container() {
		createIn.ContentEncoding = aws.String(ce)
	}
	created, err := d.client.CreateMultipartUpload(ctx, createIn)
	if err != nil {
		return fmt.Errorf("create_multipart_upload %s/%s: %w", bucket, key, err)
	}
	uploadID := aws.ToString(created.UploadId)
	if uploadID == "" {
		return fmt.Errorf("create_multipart_upload %s/%s: missing upload id", bucket, key)
	}

	abort := func() {
		_, _ = d.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
			Bucket:   aws.String(bucket),
			Key:      aws.String(key),
			UploadId: aws.String(uploadID),
		})
	}

	f, err := os.Open(path)
	if err != nil {
		abort()
		return err
	}
	defer f.Close()

	var parts []types.CompletedPart
	buf := make([]byte, d.partSize)
	partNumber := int32(1)

	for {
		filled, err := io.ReadFull(f, buf)
		if err == io.EOF {
			break
		}
		if err != nil && err != io.ErrUnexpectedEOF {
			abort()
			return fmt.Errorf("reading part %d of %s: %w", partNumber, path, err)
		}

		up, err := d.client.UploadPart(ctx, &s3.UploadPartInput{
			Bucket:     aws.String(bucket),
			Key:        aws.String(key),
			UploadId:   aws.String(uploadID),
			PartNumber: aws.Int32(partNumber),
			Body:       bytes.NewReader(buf[:filled]),
		})
		if err != nil {
			abort()
			return fmt.Errorf("upload_part %s/%s part %d: %w", bucket, key, partNumber, err)
		}

		parts = append(parts, types.CompletedPart{
			ETag:       up.ETag,
			PartNumber: aws.Int32(partNumber),
		})
		partNumber++
	}

	if len(parts) == 0 {
		abort()
		return fmt.Errorf("no data read for multipart upload: %s", path)
	}

	if _, err := d.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(bucket),
		Key:             aws.String(key),
		UploadId:        aws.String(uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: parts},
	}); err != nil {
		return fmt.Errorf("complete_multipart_upload %s/%s: %w", bucket, key, err)
	}

	d.logger.Info().Str("key", key).Str("bucket", bucket).Msg("multipart upload completed")
	return nil
}

// objectKeyFrom derives the object key from the artifact's base name plus
// the encoding and compression extensions, under the optional prefix.
func objectKeyFrom(localPath, prefix string, enc core.Encoding, comp core.Compression) string {
	stem := filepath.Base(BaseFor(localPath))
	name := stem + enc.Extension()
	if !enc.Container() {
		name += comp.Extension()
	}

	if prefix == "" {
		return name
	}
	return strings.TrimRight(prefix, "/") + "/" + name
}
