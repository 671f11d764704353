package usecase

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/example/wastesense/internal/logging"
	"github.com/example/wastesense/internal/metrics"
	"github.com/example/wastesense/internal/repository"
)

// HeatPoint is serialized as a [lat, lng] pair.
type HeatPoint [2]float64

// Stats returns the number of scans per waste type.
func (uc *ScanUseCase) Stats(ctx context.Context) (map[string]int64, error) {
	var counts map[string]int64
	if uc.readAggregate(ctx, "usecase.stats", statsKey, &counts) {
		return counts, nil
	}

	counts, err := uc.repo.CountByCategory(ctx)
	if err != nil {
		return nil, logging.NewOperationError("usecase.stats", "", err)
	}
	uc.writeAggregate(ctx, "usecase.stats", statsKey, counts)
	return counts, nil
}

// Heatmap returns the locations of recent located scans.
func (uc *ScanUseCase) Heatmap(ctx context.Context) ([]HeatPoint, error) {
	var points []HeatPoint
	if uc.readAggregate(ctx, "usecase.heatmap", heatmapKey, &points) {
		return points, nil
	}

	rows, err := uc.repo.HeatmapPoints(ctx, uc.heatmapLimit)
	if err != nil {
		return nil, logging.NewOperationError("usecase.heatmap", "", err)
	}
	points = make([]HeatPoint, 0, len(rows))
	for _, row := range rows {
		points = append(points, HeatPoint{row.Latitude, row.Longitude})
	}
	uc.writeAggregate(ctx, "usecase.heatmap", heatmapKey, points)
	return points, nil
}

// RecentScans returns up to limit scans, newest first.
func (uc *ScanUseCase) RecentScans(ctx context.Context, limit int) ([]*repository.ScanLog, error) {
	if limit <= 0 {
		limit = 1000
	}
	scans, err := uc.repo.ListScans(ctx, limit)
	if err != nil {
		return nil, logging.NewOperationError("usecase.recent_scans", "", err)
	}
	return scans, nil
}

func (uc *ScanUseCase) readAggregate(ctx context.Context, operation, key string, dst interface{}) bool {
	cached, err := uc.withRedisGet(ctx, "", operation, key)
	if err != nil {
		if errors.Is(err, redis.Nil) {
			metrics.CacheMissesTotal.Inc()
		} else {
			logging.WithOperation(uc.logger, operation, "").Warn("failed to read cache", zap.Error(err))
		}
		return false
	}
	if err := json.Unmarshal([]byte(cached), dst); err != nil {
		logging.WithOperation(uc.logger, operation, "").Warn("failed to decode cached aggregate", zap.Error(err))
		return false
	}
	metrics.CacheHitsTotal.Inc()
	return true
}

// writeAggregate is best effort; a cache failure never fails the request.
func (uc *ScanUseCase) writeAggregate(ctx context.Context, operation, key string, value interface{}) {
	serialized, err := json.Marshal(value)
	if err != nil {
		return
	}
	if err := uc.cache.Set(ctx, key, string(serialized), uc.statsTTL); err != nil {
		logging.WithOperation(uc.logger, operation, "").Warn("failed to cache aggregate", zap.Error(err))
	}
}
