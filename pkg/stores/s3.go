package stores

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

const contentTypeJSON = "application/json"

// S3API is the subset of the S3 client used by S3GraphBackend.
type S3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3GraphBackend stores each namespace's graph as one JSON object. The
// object ETag is the version; writes use conditional PutObject.
type S3GraphBackend struct {
	client S3API
	bucket string
	prefix string
}

// NewS3GraphBackend creates a backend writing to bucket under prefix.
func NewS3GraphBackend(client S3API, bucket, prefix string) (*S3GraphBackend, error) {
	if bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	if prefix == "" {
		prefix = "stackrun"
	}
	return &S3GraphBackend{client: client, bucket: bucket, prefix: prefix}, nil
}

func (b *S3GraphBackend) key(namespace string) string {
	return path.Join(b.prefix, namespace, "persistent-graph.json")
}

// Load returns the stored graph and its ETag.
func (b *S3GraphBackend) Load(ctx context.Context, namespace string) (*GraphBlob, Version, error) {
	output, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(namespace)),
	})
	if err != nil {
		var nk *types.NoSuchKey
		if errors.As(err, &nk) {
			return emptyGraphBlob(), "", nil
		}
		return nil, "", fmt.Errorf("failed to read persistent graph from s3: %w", err)
	}
	defer output.Body.Close()

	buf := bytes.NewBuffer(nil)
	if _, err := io.Copy(buf, output.Body); err != nil {
		return nil, "", fmt.Errorf("failed to read persistent graph body: %w", err)
	}

	blob, err := DecodeGraphBlob(buf.Bytes())
	if err != nil {
		return nil, "", err
	}
	return blob, Version(aws.ToString(output.ETag)), nil
}

// Store writes the graph with If-Match on the expected ETag, or
// If-None-Match when creating it.
func (b *S3GraphBackend) Store(ctx context.Context, namespace string, blob *GraphBlob, expected Version) (Version, error) {
	data, err := EncodeGraphBlob(blob)
	if err != nil {
		return "", err
	}

	input := &s3.PutObjectInput{
		ContentType:   aws.String(contentTypeJSON),
		ContentLength: aws.Int64(int64(len(data))),
		Body:          bytes.NewReader(data),
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(b.key(namespace)),
	}
	if expected == "" {
		input.IfNoneMatch = aws.String("*")
	} else {
		input.IfMatch = aws.String(string(expected))
	}

	output, err := b.client.PutObject(ctx, input)
	if err != nil {
		if isPreconditionFailed(err) {
			return "", ErrVersionConflict
		}
		return "", fmt.Errorf("failed to write persistent graph to s3: %w", err)
	}
	return Version(aws.ToString(output.ETag)), nil
}

// Delete removes the graph object.
func (b *S3GraphBackend) Delete(ctx context.Context, namespace string) error {
	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(namespace)),
	})
	if err != nil {
		return fmt.Errorf("failed to delete persistent graph from s3: %w", err)
	}
	return nil
}

// Close is a no-op.
func (b *S3GraphBackend) Close() error {
	return nil
}

// isPreconditionFailed reports a failed conditional write. S3 answers 412,
// or 409 when a concurrent conditional write is in flight.
func isPreconditionFailed(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "PreconditionFailed", "ConditionalRequestConflict":
			return true
		}
	}

	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		status := respErr.HTTPStatusCode()
		return status == http.StatusPreconditionFailed || status == http.StatusConflict
	}
	return false
}
