// Package uploader implements the pipeline's third stage: it PUTs spilled
// batch archives and the trained dictionary to an S3-compatible bucket,
// behind a circuit breaker, with no application-level retry of a failed
// batch — a failed PUT is the batch's only attempt.
package uploader

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/simcache/vmworker/internal/circuit"
	"github.com/simcache/vmworker/internal/compressor"
	"github.com/simcache/vmworker/internal/ledger"
	pkgerrors "github.com/simcache/vmworker/pkg/errors"
)

// Credentials carries the S3-compatible destination handed down over the
// control channel's S3_CREDENTIALS message.
type Credentials struct {
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	Region          string
	Endpoint        string // non-empty for S3-compatible stores behind a custom endpoint
	Bucket          string
	Prefix          string
}

// Client uploads batch archives and the dictionary to object storage.
type Client struct {
	s3      *s3.Client
	bucket  string
	prefix  string
	breaker *circuit.Breaker
	log     *slog.Logger
}

// NewClient builds an S3 client scoped to the given credentials. The
// endpoint is forced to path-style addressing since the destination set
// includes S3-compatible stores that don't support virtual-hosted buckets.
func NewClient(ctx context.Context, creds Credentials, breaker *circuit.Breaker, log *slog.Logger) (*Client, error) {
	provider := credentials.NewStaticCredentialsProvider(creds.AccessKeyID, creds.SecretAccessKey, creds.SessionToken)

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(creds.Region),
		awsconfig.WithCredentialsProvider(provider),
		awsconfig.WithRetryMaxAttempts(5),
	)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeConnectionFailed, "uploader", "loading aws config", err)
	}

	svc := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = true
		if creds.Endpoint != "" {
			o.BaseEndpoint = aws.String(creds.Endpoint)
		}
	})

	if breaker == nil {
		breaker = circuit.New(circuit.Config{})
	}

	return &Client{
		s3:      svc,
		bucket:  creds.Bucket,
		prefix:  creds.Prefix,
		breaker: breaker,
		log:     log,
	}, nil
}

// ObjectKey returns the destination key for a batch id.
func (c *Client) ObjectKey(id int) string {
	return path.Join(c.prefix, fmt.Sprintf("batch_%04d.tar.zst", id))
}

// DictionaryKey returns the destination key for the trained dictionary.
func (c *Client) DictionaryKey() string {
	return path.Join(c.prefix, "dictionary.zstd")
}

// UploadBatch PUTs a compressed batch's spill file and records the outcome
// in the ledger, returning the object's server-assigned ETag for the
// SECURED progress event. On failure it registers the batch as failed; per
// the documented error model there is no further application-level retry.
func (c *Client) UploadBatch(ctx context.Context, b compressor.Batch, tr *ledger.Tracker) (string, error) {
	start := time.Now()
	key := c.ObjectKey(b.ID)

	data, err := os.ReadFile(b.SpillPath)
	if err != nil {
		tr.RegisterBatchFailed(b.ID)
		return "", pkgerrors.Wrap(pkgerrors.CodeStorageRead, "uploader", "reading spill file", err)
	}

	var etag string
	err = c.breaker.Execute(func() error {
		if putErr := c.putBytes(ctx, key, data, batchMetadata(b)); putErr != nil {
			return putErr
		}
		tag, headErr := c.headETag(ctx, key)
		if headErr != nil {
			return headErr
		}
		etag = tag
		return nil
	})
	if err != nil {
		c.log.Error("batch upload failed", "batch_id", b.ID, "key", key, "err", err)
		tr.RegisterBatchFailed(b.ID)
		return "", pkgerrors.Wrap(pkgerrors.CodeBatchFailed, "uploader", "uploading batch", err)
	}

	tr.RegisterSecured(b.ID, key, etag, time.Since(start))
	if rmErr := os.Remove(b.SpillPath); rmErr != nil && c.log != nil {
		c.log.Warn("failed to remove spill file after upload", "path", b.SpillPath, "err", rmErr)
	}
	return etag, nil
}

// headETag retrieves the ETag the store assigned to key, confirming the
// object actually landed rather than trusting a 200 from PutObject alone.
func (c *Client) headETag(ctx context.Context, key string) (string, error) {
	out, err := c.s3.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return "", pkgerrors.Wrap(pkgerrors.CodeNetworkError, "uploader", "s3 HeadObject", err)
	}
	return strings.Trim(aws.ToString(out.ETag), `"`), nil
}

// UploadDictionary PUTs the trained dictionary's bytes.
func (c *Client) UploadDictionary(ctx context.Context, data []byte) error {
	key := c.DictionaryKey()
	err := c.breaker.Execute(func() error {
		return c.putBytes(ctx, key, data, nil)
	})
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeBatchFailed, "uploader", "uploading dictionary", err)
	}
	return nil
}

// putBytes PUTs an in-memory payload with an exact Content-Length. Spec
// requires the full batch be read into memory first rather than streamed
// from an *os.File, since some S3-compatible endpoints reject PutObject
// bodies that don't carry a known length up front.
func (c *Client) putBytes(ctx context.Context, key string, data []byte, metadata map[string]string) error {
	_, err := c.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(c.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		Metadata:      metadata,
	})
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeNetworkError, "uploader", "s3 PutObject", err)
	}
	return nil
}

// GetObject downloads an object's full body.
func (c *Client) GetObject(ctx context.Context, key string) ([]byte, error) {
	out, err := c.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeNetworkError, "uploader", "s3 GetObject", err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeNetworkError, "uploader", "reading object body", err)
	}
	return data, nil
}

// ListBatchKeys lists every batch_*.tar.zst object under the run's prefix.
func (c *Client) ListBatchKeys(ctx context.Context) ([]string, error) {
	var keys []string
	var token *string
	for {
		out, err := c.s3.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(c.bucket),
			Prefix:            aws.String(c.prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeNetworkError, "uploader", "s3 ListObjectsV2", err)
		}
		for _, obj := range out.Contents {
			key := aws.ToString(obj.Key)
			if strings.HasSuffix(key, ".tar.zst") && !strings.HasSuffix(key, "dictionary.zstd") {
				keys = append(keys, key)
			}
		}
		if out.IsTruncated == nil || !*out.IsTruncated {
			break
		}
		token = out.NextContinuationToken
	}
	return keys, nil
}

func batchMetadata(b compressor.Batch) map[string]string {
	frames := make([]string, len(b.Frames))
	for i, f := range b.Frames {
		frames[i] = strconv.Itoa(f)
	}
	return map[string]string{
		"batch_id":    strconv.Itoa(b.ID),
		"frame_count": strconv.Itoa(len(b.Frames)),
		"frames":      strings.Join(frames, ","),
	}
}
