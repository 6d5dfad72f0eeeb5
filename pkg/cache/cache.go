// Package cache indexes committed layers by fingerprint. The engine's image
// store is the only state: a lookup is a label query and an insert is a
// labeled commit.
package cache

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/rolecraft/rolecraft/pkg/drivers"
	"github.com/rolecraft/rolecraft/pkg/telemetry"
)

// Index is the layer cache over a build-capable driver.
type Index struct {
	builder drivers.Builder
	metrics *telemetry.Metrics
	logger  zerolog.Logger
}

// New creates a cache index. metrics may be nil.
func New(builder drivers.Builder, metrics *telemetry.Metrics, logger zerolog.Logger) *Index {
	return &Index{
		builder: builder,
		metrics: metrics,
		logger:  logger.With().Str("component", "cache").Logger(),
	}
}

// Lookup returns the id of an image carrying the fingerprint, or "" on a miss.
// Any of several images sharing a fingerprint may be returned.
func (i *Index) Lookup(ctx context.Context, fingerprint string) (string, error) {
	if fingerprint == "" {
		return "", fmt.Errorf("fingerprint is required")
	}

	id, err := i.builder.GetImageIDByFingerprint(ctx, fingerprint)
	if err != nil {
		return "", fmt.Errorf("failed to look up fingerprint %s: %w", short(fingerprint), err)
	}

	if id == "" {
		i.metrics.RecordCacheMiss()
		i.logger.Debug().Str("fingerprint", short(fingerprint)).Msg("Cache miss")
		return "", nil
	}

	i.metrics.RecordCacheHit()
	i.logger.Debug().
		Str("fingerprint", short(fingerprint)).
		Str("image", id).
		Msg("Cache hit")
	return id, nil
}

// Insert commits a container as the layer for req.Fingerprint and returns
// the new image id. Inserting the same fingerprint twice yields two
// equivalent images.
func (i *Index) Insert(ctx context.Context, req drivers.CommitRequest) (string, error) {
	if req.Fingerprint == "" {
		return "", fmt.Errorf("fingerprint is required")
	}
	if req.Role == "" {
		return "", fmt.Errorf("role is required")
	}

	id, err := i.builder.CommitRoleAsLayer(ctx, req)
	if err != nil {
		return "", err
	}

	i.metrics.RecordLayerCommitted(req.Service)
	i.logger.Debug().
		Str("service", req.Service).
		Str("role", req.Role).
		Str("fingerprint", short(req.Fingerprint)).
		Str("image", id).
		Msg("Layer committed")
	return id, nil
}

func short(fingerprint string) string {
	if len(fingerprint) > 12 {
		return fingerprint[:12]
	}
	return fingerprint
}
