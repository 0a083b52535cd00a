package minio

import (
	"context"
	"io"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"go.uber.org/zap"
)

// ObjectInfo describes a stored object
type ObjectInfo struct {
	Key          string
	Size         int64
	ContentType  string
	LastModified time.Time
}

// PutObject uploads reader under objectName; size -1 streams with multipart
func (c *Client) PutObject(ctx context.Context, objectName string, reader io.Reader, size int64, contentType string) (int64, error) {
	if err := c.checkClosed(); err != nil {
		return 0, err
	}
	if objectName == "" {
		return 0, WrapError("PutObject", ErrInvalidObjectName, c.config.Bucket, objectName)
	}

	info, err := c.client.PutObject(ctx, c.config.Bucket, objectName, reader, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return 0, WrapError("PutObject", err, c.config.Bucket, objectName)
	}

	c.logger.Debug("object uploaded",
		zap.String("object", objectName),
		zap.Int64("size", info.Size),
	)
	return info.Size, nil
}

// GetObject opens objectName for reading; a missing object yields ErrObjectNotFound
func (c *Client) GetObject(ctx context.Context, objectName string) (io.ReadCloser, error) {
	if err := c.checkClosed(); err != nil {
		return nil, err
	}

	obj, err := c.client.GetObject(ctx, c.config.Bucket, objectName, minio.GetObjectOptions{})
	if err != nil {
		return nil, WrapError("GetObject", err, c.config.Bucket, objectName)
	}
	// GetObject is lazy; stat surfaces a missing key before the caller reads
	if _, err := obj.Stat(); err != nil {
		_ = obj.Close()
		if IsNotFound(err) {
			return nil, WrapError("GetObject", ErrObjectNotFound, c.config.Bucket, objectName)
		}
		return nil, WrapError("GetObject", err, c.config.Bucket, objectName)
	}
	return obj, nil
}

// StatObject returns object metadata
func (c *Client) StatObject(ctx context.Context, objectName string) (ObjectInfo, error) {
	if err := c.checkClosed(); err != nil {
		return ObjectInfo{}, err
	}
	info, err := c.client.StatObject(ctx, c.config.Bucket, objectName, minio.StatObjectOptions{})
	if err != nil {
		if IsNotFound(err) {
			return ObjectInfo{}, WrapError("StatObject", ErrObjectNotFound, c.config.Bucket, objectName)
		}
		return ObjectInfo{}, WrapError("StatObject", err, c.config.Bucket, objectName)
	}
	return ObjectInfo{
		Key:          info.Key,
		Size:         info.Size,
		ContentType:  info.ContentType,
		LastModified: info.LastModified,
	}, nil
}

// RemoveObject deletes objectName; removing a missing object succeeds
func (c *Client) RemoveObject(ctx context.Context, objectName string) error {
	if err := c.checkClosed(); err != nil {
		return err
	}
	if err := c.client.RemoveObject(ctx, c.config.Bucket, objectName, minio.RemoveObjectOptions{}); err != nil {
		if IsNotFound(err) {
			return nil
		}
		return WrapError("RemoveObject", err, c.config.Bucket, objectName)
	}
	c.logger.Debug("object removed", zap.String("object", objectName))
	return nil
}

// ListObjects returns every object key under prefix
func (c *Client) ListObjects(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	if err := c.checkClosed(); err != nil {
		return nil, err
	}

	var out []ObjectInfo
	for obj := range c.client.ListObjects(ctx, c.config.Bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, WrapError("ListObjects", obj.Err, c.config.Bucket, prefix)
		}
		if strings.HasSuffix(obj.Key, "/") {
			continue
		}
		out = append(out, ObjectInfo{
			Key:          obj.Key,
			Size:         obj.Size,
			ContentType:  obj.ContentType,
			LastModified: obj.LastModified,
		})
	}
	return out, nil
}
