package blob

import (
	"context"
	"fmt"
	"io"

	"github.com/lk2023060901/filevault-backend/internal/pkg/minio"
)

// MinIOBackend stores objects in a MinIO or S3 bucket
type MinIOBackend struct {
	client *minio.Client
}

func NewMinIOBackend(client *minio.Client) *MinIOBackend {
	return &MinIOBackend{client: client}
}

func (b *MinIOBackend) Put(ctx context.Context, p string, r io.Reader, size int64) (int64, error) {
	c, err := cleanPath(p)
	if err != nil {
		return 0, err
	}
	n, err := b.client.PutObject(ctx, c, &ctxReader{ctx: ctx, r: r}, size, "application/octet-stream")
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (b *MinIOBackend) Open(ctx context.Context, p string) (io.ReadCloser, error) {
	rc, err := b.client.GetObject(ctx, p)
	if err != nil {
		if minio.IsNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, p)
		}
		return nil, err
	}
	return rc, nil
}

func (b *MinIOBackend) Delete(ctx context.Context, p string) error {
	return b.client.RemoveObject(ctx, p)
}

func (b *MinIOBackend) Exists(ctx context.Context, p string) (bool, error) {
	_, err := b.client.StatObject(ctx, p)
	if err == nil {
		return true, nil
	}
	if minio.IsNotFound(err) {
		return false, nil
	}
	return false, err
}

func (b *MinIOBackend) List(ctx context.Context, prefix string) ([]Object, error) {
	objs, err := b.client.ListObjects(ctx, prefix)
	if err != nil {
		return nil, err
	}
	out := make([]Object, 0, len(objs))
	for _, o := range objs {
		out = append(out, Object{Path: o.Key, Size: o.Size, ModTime: o.LastModified})
	}
	return out, nil
}
