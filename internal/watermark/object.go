package watermark

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/minio/minio-go/v7"

	"github.com/mkoziy/fireincidents/ingester/internal/models"
	"github.com/mkoziy/fireincidents/ingester/internal/objectstore"
)

// ObjectStore keeps the watermark as a JSON object in a bucket. A single
// object PUT is atomic, so readers never see a partial document.
type ObjectStore struct {
	client  *minio.Client
	bucket  string
	key     string
	dataset string
}

// NewObjectStore stores the watermark of dataset at watermarks/<dataset>.json.
func NewObjectStore(client *minio.Client, bucket, dataset string) *ObjectStore {
	return &ObjectStore{
		client:  client,
		bucket:  bucket,
		key:     "watermarks/" + dataset + ".json",
		dataset: dataset,
	}
}

func (s *ObjectStore) Read(ctx context.Context) (models.Watermark, bool, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, s.key, minio.GetObjectOptions{})
	if err != nil {
		return models.Watermark{}, false, fmt.Errorf("get watermark: %w", err)
	}
	defer func() {
		_ = obj.Close()
	}()

	data, err := io.ReadAll(obj)
	if objectstore.IsNotFound(err) {
		return models.Watermark{}, false, nil
	}
	if err != nil {
		return models.Watermark{}, false, fmt.Errorf("read watermark: %w", err)
	}
	mark, err := decode(s.dataset, data)
	if err != nil {
		return models.Watermark{}, false, fmt.Errorf("%s/%s: %w", s.bucket, s.key, err)
	}
	return mark, true, nil
}

func (s *ObjectStore) Write(ctx context.Context, position time.Time) error {
	current, ok, err := s.Read(ctx)
	if err != nil {
		return err
	}
	data, err := encode(s.dataset, later(current, ok, position), time.Now())
	if err != nil {
		return err
	}
	_, err = s.client.PutObject(ctx, s.bucket, s.key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return fmt.Errorf("put watermark: %w", err)
	}
	return nil
}

func (s *ObjectStore) Reset(ctx context.Context) error {
	err := s.client.RemoveObject(ctx, s.bucket, s.key, minio.RemoveObjectOptions{})
	if err != nil && !objectstore.IsNotFound(err) {
		return fmt.Errorf("remove watermark: %w", err)
	}
	return nil
}
