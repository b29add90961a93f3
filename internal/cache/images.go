package cache

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/matheus3301/chatsync/internal/logging"
)

// ImageAPI downloads image blobs.
type ImageAPI interface {
	GetImageData(ctx context.Context, url string) ([]byte, error)
}

// ImageStore is the part of *store.Store the image cache uses.
type ImageStore interface {
	SaveImageData(ctx context.Context, data []byte, url string) error
	RetrieveImageData(ctx context.Context, url string) ([]byte, error)
}

// Images is a read-through blob cache keyed by URL. Concurrent misses for the
// same URL share one download.
type Images struct {
	api    ImageAPI
	store  ImageStore
	group  singleflight.Group
	logger *zap.Logger
}

func NewImages(api ImageAPI, s ImageStore, logger *zap.Logger) *Images {
	return &Images{api: api, store: s, logger: logging.OrNop(logger)}
}

// Get returns the blob for url, from the cache when present.
func (i *Images) Get(ctx context.Context, url string) ([]byte, error) {
	data, err := i.store.RetrieveImageData(ctx, url)
	if err != nil {
		i.logger.Warn("cache read failed", zap.String("url", url), zap.Error(err))
	}
	if data != nil {
		return data, nil
	}

	v, err, _ := i.group.Do(url, func() (any, error) {
		data, err := i.api.GetImageData(ctx, url)
		if err != nil {
			return nil, err
		}
		if err := i.store.SaveImageData(ctx, data, url); err != nil {
			i.logger.Warn("failed to cache image", zap.String("url", url), zap.Error(err))
		}
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}
