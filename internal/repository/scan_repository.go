package repository

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/wastesense/internal/logging"
	"github.com/example/wastesense/internal/retry"
)

// ScanLog is one persisted scan.
type ScanLog struct {
	ID                   uint      `gorm:"primaryKey"`
	RequestID            string    `gorm:"column:request_id;uniqueIndex;size:64"`
	UserID               string    `gorm:"column:user_id;index;size:64"`
	WasteType            string    `gorm:"column:waste_type;index;size:32"`
	Confidence           float64   `gorm:"column:confidence"`
	ODPUnits             float64   `gorm:"column:odp_units"`
	OzoneProtectionScore float64   `gorm:"column:ozone_protection_score"`
	Action               string    `gorm:"column:action;size:128"`
	Value                *string   `gorm:"column:value;size:128"`
	Latitude             *float64  `gorm:"column:latitude"`
	Longitude            *float64  `gorm:"column:longitude"`
	Mode                 string    `gorm:"column:mode;size:16"`
	Suggestion           string    `gorm:"column:suggestion;size:128"`
	ViolationCount       int       `gorm:"column:violation_count"`
	SHA1Hash             string    `gorm:"column:sha1_hash;index;size:40"`
	CreatedAt            time.Time `gorm:"column:created_at;index"`
}

// TableName overrides the default table name.
func (ScanLog) TableName() string {
	return "scan_logs"
}

// HasPosition reports whether the scan was geolocated.
func (s *ScanLog) HasPosition() bool {
	return s.Latitude != nil && s.Longitude != nil
}

// CategoryCount is one row of the per-category aggregate.
type CategoryCount struct {
	WasteType string `gorm:"column:waste_type"`
	Count     int64  `gorm:"column:count"`
}

// HeatPoint is the location of one located scan.
type HeatPoint struct {
	Latitude  float64 `gorm:"column:latitude"`
	Longitude float64 `gorm:"column:longitude"`
}

// ScanRepository provides persistence APIs for scan logs.
type ScanRepository struct {
	db     *gorm.DB
	logger *zap.Logger
	retry  retry.Policy
}

// NewScanRepository creates a new repository instance.
func NewScanRepository(db *gorm.DB, logger *zap.Logger) *ScanRepository {
	return &ScanRepository{
		db:     db,
		logger: logger.Named("scan_repository"),
		retry:  retry.Default(gorm.ErrRecordNotFound),
	}
}

// AutoMigrate ensures the schema is available.
func (r *ScanRepository) AutoMigrate(ctx context.Context) error {
	return r.executeWithRetry(ctx, "repository.auto_migrate", "", func() error {
		return r.db.WithContext(ctx).AutoMigrate(&ScanLog{})
	})
}

// SaveScan persists a scan.
func (r *ScanRepository) SaveScan(ctx context.Context, scan *ScanLog) error {
	return r.executeWithRetry(ctx, "repository.save_scan", scan.RequestID, func() error {
		return r.db.WithContext(ctx).Create(scan).Error
	})
}

// FindByRequestIDAndUser retrieves a scan matching the request and owner.
func (r *ScanRepository) FindByRequestIDAndUser(ctx context.Context, requestID, userID string) (*ScanLog, error) {
	var scan ScanLog
	err := r.executeWithRetry(ctx, "repository.find_scan", requestID, func() error {
		return r.db.WithContext(ctx).First(&scan, "request_id = ? AND user_id = ?", requestID, userID).Error
	})
	if err != nil {
		return nil, err
	}
	return &scan, nil
}

// CountByCategory returns waste type to scan count.
func (r *ScanRepository) CountByCategory(ctx context.Context) (map[string]int64, error) {
	var rows []CategoryCount
	err := r.executeWithRetry(ctx, "repository.count_by_category", "", func() error {
		rows = rows[:0]
		return r.db.WithContext(ctx).
			Model(&ScanLog{}).
			Select("waste_type, COUNT(*) AS count").
			Group("waste_type").
			Order("waste_type").
			Scan(&rows).Error
	})
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(rows))
	for _, row := range rows {
		out[row.WasteType] = row.Count
	}
	return out, nil
}

// HeatmapPoints returns the locations of the most recent located scans.
func (r *ScanRepository) HeatmapPoints(ctx context.Context, limit int) ([]HeatPoint, error) {
	var points []HeatPoint
	err := r.executeWithRetry(ctx, "repository.heatmap_points", "", func() error {
		points = points[:0]
		return r.db.WithContext(ctx).
			Model(&ScanLog{}).
			Select("latitude, longitude").
			Where("latitude IS NOT NULL AND longitude IS NOT NULL").
			Order("created_at DESC").
			Limit(limit).
			Scan(&points).Error
	})
	if err != nil {
		return nil, err
	}
	return points, nil
}

// ListScans returns the most recent scans, newest first. A non-positive limit
// returns every scan.
func (r *ScanRepository) ListScans(ctx context.Context, limit int) ([]*ScanLog, error) {
	if limit <= 0 {
		limit = -1
	}
	var scans []*ScanLog
	err := r.executeWithRetry(ctx, "repository.list_scans", "", func() error {
		scans = scans[:0]
		return r.db.WithContext(ctx).Order("created_at DESC").Limit(limit).Find(&scans).Error
	})
	if err != nil {
		return nil, err
	}
	return scans, nil
}

func (r *ScanRepository) executeWithRetry(ctx context.Context, operation, requestID string, fn func() error) error {
	opLogger := logging.WithOperation(r.logger, operation, requestID)
	attempts, err := r.retry.Do(ctx, fn, func(attempt int, err error) {
		opLogger.Warn("transient database error", zap.Error(err), zap.Int("attempt", attempt))
	})
	switch {
	case err == nil:
		if attempts > 1 {
			opLogger.Info("database operation succeeded after retry", zap.Int("attempt", attempts))
		}
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
	default:
		opLogger.Error("database operation failed", zap.Error(err), zap.Int("attempt", attempts))
	}
	return logging.NewOperationError(operation, requestID, err)
}
