// Package objectstore is the Object-Store Adapter: the engine's only point
// of contact with the destination object store. It speaks the low-level
// multipart protocol directly (NewMultipartUpload / PutObjectPart /
// CompleteMultipartUpload) instead of minio-go's auto-chunking PutObject
// helper, so the Worker controls part boundaries, retry, and buffer reuse
// itself.
package objectstore

import (
	"bytes"
	"context"
	"io"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"uploadengine/pkg/logging"
)

// Part is one completed multipart part, identified by its 1-based part
// number and the ETag the object store returned for it.
type Part struct {
	PartNumber int
	ETag       string
}

// ObjectInfo is the subset of object metadata HeadObject needs to verify an
// upload: size is compared against the source file's size.
type ObjectInfo struct {
	Size         int64
	ETag         string
	LastModified int64
}

// Adapter wraps minio-go's low-level (Core) API behind the seven operations
// the Worker and Orchestrator need.
type Adapter struct {
	core    minio.Core
	logger  *logging.EngineLogger
	breaker *circuitBreaker
}

// Config configures the underlying minio client.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Secure    bool
}

// New constructs an Adapter against the given object store endpoint.
func New(cfg Config, logger *logging.EngineLogger) (*Adapter, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.Secure,
	})
	if err != nil {
		return nil, logging.ErrObjectStoreConn("connect", err)
	}

	return &Adapter{
		core:    minio.Core{Client: client},
		logger:  logger,
		breaker: newCircuitBreaker(5, 30*time.Second),
	}, nil
}

// BreakerState reports the object-store circuit breaker's current state,
// exposed through the metrics endpoint.
func (a *Adapter) BreakerState() string {
	return a.breaker.State()
}

// EnsureBucket creates the destination bucket if it does not already exist.
func (a *Adapter) EnsureBucket(ctx context.Context, bucket string) error {
	exists, err := a.core.BucketExists(ctx, bucket)
	if err != nil {
		return Classify("ensure_bucket", err)
	}
	if exists {
		return nil
	}
	if err := a.core.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
		return Classify("ensure_bucket", err)
	}
	return nil
}

// CreateMultipartUpload starts a multipart upload for object and returns the
// upload id the Worker must pass to every subsequent part/complete/abort
// call for this object.
func (a *Adapter) CreateMultipartUpload(ctx context.Context, bucket, object string) (string, error) {
	var uploadID string
	err := a.breaker.call(ctx, func() error {
		var innerErr error
		uploadID, innerErr = a.core.NewMultipartUpload(ctx, bucket, object, minio.PutObjectOptions{})
		return innerErr
	})
	if err != nil {
		return "", Classify("create_multipart_upload", err)
	}
	return uploadID, nil
}

// UploadPart uploads one part of data (1-based partNumber) and returns the
// ETag the object store assigned it, to be recorded for CompleteMultipartUpload.
func (a *Adapter) UploadPart(ctx context.Context, bucket, object, uploadID string, partNumber int, data []byte) (string, error) {
	var etag string
	err := a.breaker.call(ctx, func() error {
		part, innerErr := a.core.PutObjectPart(ctx, bucket, object, uploadID, partNumber, bytes.NewReader(data), int64(len(data)), minio.PutObjectPartOptions{})
		if innerErr != nil {
			return innerErr
		}
		etag = part.ETag
		return nil
	})
	if err != nil {
		return "", Classify("upload_part", err)
	}
	return etag, nil
}

// CompleteMultipartUpload assembles the uploaded parts into the final
// object. parts must be supplied in ascending part-number order.
func (a *Adapter) CompleteMultipartUpload(ctx context.Context, bucket, object, uploadID string, parts []Part) error {
	completeParts := make([]minio.CompletePart, len(parts))
	for i, p := range parts {
		completeParts[i] = minio.CompletePart{PartNumber: p.PartNumber, ETag: p.ETag}
	}
	err := a.breaker.call(ctx, func() error {
		_, innerErr := a.core.CompleteMultipartUpload(ctx, bucket, object, uploadID, completeParts, minio.PutObjectOptions{})
		return innerErr
	})
	if err != nil {
		return Classify("complete_multipart_upload", err)
	}
	return nil
}

// AbortMultipartUpload releases a partially uploaded object's parts after a
// permanent failure, so the object store does not bill for orphaned parts.
func (a *Adapter) AbortMultipartUpload(ctx context.Context, bucket, object, uploadID string) error {
	err := a.breaker.call(ctx, func() error {
		return a.core.AbortMultipartUpload(ctx, bucket, object, uploadID)
	})
	if err != nil {
		return Classify("abort_multipart_upload", err)
	}
	return nil
}

// HeadObject returns the final object's metadata, used to verify that the
// assembled object's size matches the source file's recorded size.
func (a *Adapter) HeadObject(ctx context.Context, bucket, object string) (ObjectInfo, error) {
	var info minio.ObjectInfo
	err := a.breaker.call(ctx, func() error {
		var innerErr error
		info, innerErr = a.core.Client.StatObject(ctx, bucket, object, minio.StatObjectOptions{})
		return innerErr
	})
	if err != nil {
		return ObjectInfo{}, Classify("head_object", err)
	}
	return ObjectInfo{Size: info.Size, ETag: info.ETag, LastModified: info.LastModified.Unix()}, nil
}

// PutSmallObject uploads small files (below the multipart threshold) in one
// call instead of opening a multipart upload for a single part.
func (a *Adapter) PutSmallObject(ctx context.Context, bucket, object string, data io.Reader, size int64) error {
	err := a.breaker.call(ctx, func() error {
		_, innerErr := a.core.Client.PutObject(ctx, bucket, object, data, size, minio.PutObjectOptions{})
		return innerErr
	})
	if err != nil {
		return Classify("put_object", err)
	}
	return nil
}

// RemoveObject deletes object, used to remove an uploaded object whose size
// fails post-upload verification.
func (a *Adapter) RemoveObject(ctx context.Context, bucket, object string) error {
	err := a.breaker.call(ctx, func() error {
		return a.core.Client.RemoveObject(ctx, bucket, object, minio.RemoveObjectOptions{})
	})
	if err != nil {
		return Classify("remove_object", err)
	}
	return nil
}
