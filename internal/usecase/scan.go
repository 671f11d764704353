package usecase

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/wastesense/internal/catalog"
	"github.com/example/wastesense/internal/classifier"
	"github.com/example/wastesense/internal/geo"
	"github.com/example/wastesense/internal/logging"
	"github.com/example/wastesense/internal/metrics"
	"github.com/example/wastesense/internal/repository"
	"github.com/example/wastesense/internal/retry"
	"github.com/example/wastesense/internal/session"
	"github.com/example/wastesense/internal/verifier"
)

// DefaultNearbyRadiusMeters bounds the bins listed next to a result.
const DefaultNearbyRadiusMeters = 500.0

var (
	// ErrProcessing is returned by GetResult while the scan is still running.
	ErrProcessing = errors.New("scan still processing")
	// ErrSuperseded is returned when a newer scan from the same user cancelled
	// this one.
	ErrSuperseded = errors.New("scan superseded by a newer request")
	// ErrNotFound is returned for unknown or foreign request ids.
	ErrNotFound = errors.New("scan not found")
)

// ScanRepository defines the persistence operations needed by the use case.
type ScanRepository interface {
	SaveScan(ctx context.Context, scan *repository.ScanLog) error
	FindByRequestIDAndUser(ctx context.Context, requestID, userID string) (*repository.ScanLog, error)
	CountByCategory(ctx context.Context) (map[string]int64, error)
	HeatmapPoints(ctx context.Context, limit int) ([]repository.HeatPoint, error)
	ListScans(ctx context.Context, limit int) ([]*repository.ScanLog, error)
}

// CatalogProvider yields the bins and map view for a mode.
type CatalogProvider interface {
	Bins(mode catalog.Mode, user *geo.Position) ([]verifier.Bin, error)
	View(mode catalog.Mode, user *geo.Position) catalog.View
}

// ScanRequest is one image submitted for analysis.
type ScanRequest struct {
	UserID   string
	Image    []byte
	Filename string
	// Position is nil when the user denied geolocation; nearby-site logic is
	// then skipped.
	Position *geo.Position
	Mode     catalog.Mode
}

// ScanOutcome is everything the front end renders for a scan.
type ScanOutcome struct {
	RequestID    string                 `json:"request_id"`
	UserID       string                 `json:"user_id"`
	Prediction   *classifier.Prediction `json:"prediction"`
	Mode         catalog.Mode           `json:"mode"`
	Position     *geo.Position          `json:"position,omitempty"`
	View         catalog.View           `json:"view"`
	Bins         []verifier.Bin         `json:"bins,omitempty"`
	NearbyBins   []catalog.NearbyBin    `json:"nearby_bins,omitempty"`
	Verification *verifier.Result       `json:"verification,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
}

// Located reports whether nearby-site logic ran for this outcome.
func (o *ScanOutcome) Located() bool {
	return o.Position != nil && o.Verification != nil
}

// ScanUseCase encapsulates business logic for the scan flow.
type ScanUseCase struct {
	repo         ScanRepository
	cache        Cache
	classifier   classifier.Client
	catalog      CatalogProvider
	verifier     *verifier.Verifier
	tracker      *session.Tracker
	logger       *zap.Logger
	nearbyRadius float64
	resultTTL    time.Duration
	statsTTL     time.Duration
	heatmapLimit int
	retry        retry.Policy
	now          func() time.Time
}

// NewScanUseCase constructs a new use case instance.
func NewScanUseCase(repo ScanRepository, cache Cache, client classifier.Client, provider CatalogProvider, v *verifier.Verifier, logger *zap.Logger) *ScanUseCase {
	tracker := session.NewTracker()
	tracker.OnSuperseded = func(string) { metrics.SupersededScansTotal.Inc() }
	return &ScanUseCase{
		repo:         repo,
		cache:        cache,
		classifier:   client,
		catalog:      provider,
		verifier:     v,
		tracker:      tracker,
		logger:       logger.Named("scan_usecase"),
		nearbyRadius: DefaultNearbyRadiusMeters,
		resultTTL:    5 * time.Minute,
		statsTTL:     30 * time.Second,
		heatmapLimit: 1000,
		retry:        retry.Default(redis.Nil),
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// Scan classifies the image, verifies the disposal against the session's
// catalog and records the outcome.
func (uc *ScanUseCase) Scan(ctx context.Context, req ScanRequest) (*ScanOutcome, error) {
	if req.Position != nil {
		if err := req.Position.Validate(); err != nil {
			metrics.ScansTotal.WithLabelValues("invalid_input").Inc()
			return nil, err
		}
	}
	if req.Mode == "" {
		req.Mode = catalog.ModeCampus
	}

	ctx, finish := uc.tracker.Begin(ctx, req.UserID)
	defer finish()

	requestID := uuid.NewString()
	opLogger := logging.WithOperation(uc.logger, "usecase.scan", requestID)
	cacheKey := scanKey(requestID)

	if err := uc.withRedisRetry(ctx, requestID, "cache.set.processing", func() error {
		return uc.cache.Set(ctx, cacheKey, "processing", time.Minute)
	}); err != nil {
		metrics.ScansTotal.WithLabelValues("error").Inc()
		opLogger.Error("failed to set processing flag", zap.Error(err))
		return nil, err
	}

	pred, err := uc.classifier.Classify(ctx, req.Image, req.Filename)
	if err != nil {
		if ctx.Err() != nil {
			return nil, uc.superseded(requestID, opLogger)
		}
		metrics.ScansTotal.WithLabelValues("classifier_error").Inc()
		wrapped := logging.NewOperationError("usecase.classify", requestID, err)
		opLogger.Error("classification failed", zap.Error(wrapped))
		uc.clearProcessing(cacheKey, opLogger)
		return nil, wrapped
	}
	if ctx.Err() != nil {
		return nil, uc.superseded(requestID, opLogger)
	}
	pred.FillImpact()
	metrics.PredictionsTotal.WithLabelValues(string(pred.WasteType)).Inc()

	outcome := &ScanOutcome{
		RequestID:  requestID,
		UserID:     req.UserID,
		Prediction: pred,
		Mode:       req.Mode,
		Position:   req.Position,
		View:       uc.catalog.View(req.Mode, req.Position),
		CreatedAt:  uc.now(),
	}
	if req.Position != nil {
		if err := uc.locate(outcome); err != nil {
			metrics.ScansTotal.WithLabelValues("invalid_input").Inc()
			uc.clearProcessing(cacheKey, opLogger)
			return nil, logging.NewOperationError("usecase.verify", requestID, err)
		}
		if n := len(outcome.Verification.Violations); n > 0 {
			metrics.ViolationsTotal.WithLabelValues(string(pred.WasteType)).Add(float64(n))
			opLogger.Info("wrong disposal detected", zap.String("waste_type", string(pred.WasteType)), zap.Int("violations", n))
		}
	} else if bins, err := uc.catalog.Bins(req.Mode, nil); err == nil {
		outcome.Bins = bins
	}

	hash := sha1.Sum(req.Image)
	if err := uc.repo.SaveScan(ctx, toScanLog(outcome, hex.EncodeToString(hash[:]))); err != nil {
		if ctx.Err() != nil {
			return nil, uc.superseded(requestID, opLogger)
		}
		metrics.ScansTotal.WithLabelValues("error").Inc()
		wrapped := logging.NewOperationError("usecase.save_scan", requestID, err)
		opLogger.Error("failed to persist scan", zap.Error(wrapped))
		uc.clearProcessing(cacheKey, opLogger)
		return nil, wrapped
	}
	// the row is stored; dropping the flag lets GetResult read it back
	if ctx.Err() != nil {
		return nil, uc.superseded(requestID, opLogger)
	}

	serialized, err := json.Marshal(outcome)
	if err != nil {
		opLogger.Error("failed to serialize scan outcome", zap.Error(err))
		uc.clearProcessing(cacheKey, opLogger)
		return nil, err
	}
	if err := uc.withRedisRetry(ctx, requestID, "cache.set.result", func() error {
		return uc.cache.Set(ctx, cacheKey, string(serialized), uc.resultTTL)
	}); err != nil {
		if ctx.Err() != nil {
			return nil, uc.superseded(requestID, opLogger)
		}
		metrics.ScansTotal.WithLabelValues("error").Inc()
		opLogger.Error("failed to cache scan outcome", zap.Error(err))
		uc.clearProcessing(cacheKey, opLogger)
		return nil, err
	}
	uc.invalidateAggregates(ctx, requestID)

	metrics.ScansTotal.WithLabelValues("ok").Inc()
	opLogger.Info("scan complete",
		zap.String("waste_type", string(pred.WasteType)),
		zap.Float64("confidence", pred.Confidence),
		zap.Bool("located", outcome.Located()))
	return outcome, nil
}

// GetResult returns a scan outcome owned by userID, from cache when possible
// and rebuilt from the stored scan otherwise.
func (uc *ScanUseCase) GetResult(ctx context.Context, userID, requestID string) (*ScanOutcome, error) {
	opLogger := logging.WithOperation(uc.logger, "usecase.get_result", requestID)
	cached, err := uc.withRedisGet(ctx, requestID, "cache.get.result", scanKey(requestID))
	switch {
	case err == nil && cached == "processing":
		metrics.CacheHitsTotal.Inc()
		return nil, ErrProcessing
	case err == nil:
		metrics.CacheHitsTotal.Inc()
		var outcome ScanOutcome
		if err := json.Unmarshal([]byte(cached), &outcome); err != nil {
			opLogger.Warn("failed to decode cached outcome", zap.Error(err))
			break
		}
		if outcome.UserID != userID {
			return nil, ErrNotFound
		}
		return &outcome, nil
	case errors.Is(err, redis.Nil):
		metrics.CacheMissesTotal.Inc()
	default:
		opLogger.Warn("failed to read cache", zap.Error(err))
	}

	scan, err := uc.repo.FindByRequestIDAndUser(ctx, requestID, userID)
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return nil, fmt.Errorf("%w: %v", ErrNotFound, err)
	case err != nil:
		opLogger.Error("scan lookup failed", zap.Error(err))
		return nil, logging.NewOperationError("usecase.get_result", requestID, err)
	}
	return uc.fromScanLog(scan), nil
}

// VerifyRequest asks for a verification without an image.
type VerifyRequest struct {
	Position  geo.Position
	WasteType verifier.WasteCategory
	Mode      catalog.Mode
}

// VerifyOutcome is the verification plus the catalog it ran against.
type VerifyOutcome struct {
	Mode         catalog.Mode        `json:"mode"`
	View         catalog.View        `json:"view"`
	Bins         []verifier.Bin      `json:"bins"`
	NearbyBins   []catalog.NearbyBin `json:"nearby_bins"`
	Verification verifier.Result     `json:"verification"`
	RadiusMeters float64             `json:"radius_meters"`
}

// Verify runs the disposal verifier for a known category.
func (uc *ScanUseCase) Verify(ctx context.Context, req VerifyRequest) (*VerifyOutcome, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req.Mode == "" {
		req.Mode = catalog.ModeCampus
	}
	outcome := &ScanOutcome{
		Prediction: &classifier.Prediction{WasteType: req.WasteType},
		Mode:       req.Mode,
		Position:   &req.Position,
	}
	if err := uc.locate(outcome); err != nil {
		return nil, err
	}
	return &VerifyOutcome{
		Mode:         req.Mode,
		View:         uc.catalog.View(req.Mode, &req.Position),
		Bins:         outcome.Bins,
		NearbyBins:   outcome.NearbyBins,
		Verification: *outcome.Verification,
		RadiusMeters: uc.verifier.Radius(),
	}, nil
}

// BinsOutcome is the catalog for the map.
type BinsOutcome struct {
	Mode       catalog.Mode        `json:"mode"`
	View       catalog.View        `json:"view"`
	Bins       []verifier.Bin      `json:"bins"`
	NearbyBins []catalog.NearbyBin `json:"nearby_bins,omitempty"`
}

// Bins lists the active catalog, with distances when the user is located.
func (uc *ScanUseCase) Bins(mode catalog.Mode, user *geo.Position) (*BinsOutcome, error) {
	if user != nil {
		if err := user.Validate(); err != nil {
			return nil, err
		}
	}
	bins, err := uc.catalog.Bins(mode, user)
	if err != nil {
		return nil, err
	}
	out := &BinsOutcome{Mode: mode, View: uc.catalog.View(mode, user), Bins: bins}
	if user != nil {
		idx, err := catalog.NewIndex(bins)
		if err != nil {
			return nil, err
		}
		if out.NearbyBins, err = idx.Within(*user, uc.nearbyRadius); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (uc *ScanUseCase) locate(outcome *ScanOutcome) error {
	bins, err := uc.catalog.Bins(outcome.Mode, outcome.Position)
	if err != nil {
		return err
	}
	result, err := uc.verifier.Verify(*outcome.Position, outcome.Prediction.WasteType, bins)
	if err != nil {
		return err
	}
	idx, err := catalog.NewIndex(bins)
	if err != nil {
		return err
	}
	nearby, err := idx.Within(*outcome.Position, uc.nearbyRadius)
	if err != nil {
		return err
	}
	outcome.Bins = bins
	outcome.NearbyBins = nearby
	outcome.Verification = &result
	return nil
}

func (uc *ScanUseCase) superseded(requestID string, opLogger *zap.Logger) error {
	metrics.ScansTotal.WithLabelValues("superseded").Inc()
	opLogger.Info("scan superseded")
	uc.clearProcessing(scanKey(requestID), opLogger)
	return logging.NewOperationError("usecase.scan", requestID, ErrSuperseded)
}

// clearProcessing runs on a fresh context: the request context may already be
// cancelled.
func (uc *ScanUseCase) clearProcessing(key string, opLogger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := uc.cache.Del(ctx, key); err != nil {
		opLogger.Warn("failed to clear processing flag", zap.Error(err))
	}
}

func (uc *ScanUseCase) invalidateAggregates(ctx context.Context, requestID string) {
	if err := uc.cache.Del(ctx, statsKey, heatmapKey); err != nil {
		logging.WithOperation(uc.logger, "cache.del.aggregates", requestID).Warn("failed to invalidate aggregates", zap.Error(err))
	}
}

func toScanLog(o *ScanOutcome, hash string) *repository.ScanLog {
	log := &repository.ScanLog{
		RequestID:            o.RequestID,
		UserID:               o.UserID,
		WasteType:            string(o.Prediction.WasteType),
		Confidence:           o.Prediction.Confidence,
		ODPUnits:             o.Prediction.ODPUnits,
		OzoneProtectionScore: o.Prediction.OzoneProtectionScore,
		Action:               o.Prediction.Action,
		Value:                o.Prediction.Value,
		Mode:                 string(o.Mode),
		SHA1Hash:             hash,
		CreatedAt:            o.CreatedAt,
	}
	if o.Position != nil {
		lat, lng := o.Position.Latitude, o.Position.Longitude
		log.Latitude = &lat
		log.Longitude = &lng
	}
	if o.Verification != nil {
		log.ViolationCount = len(o.Verification.Violations)
		if o.Verification.Suggestion != nil {
			log.Suggestion = o.Verification.Suggestion.Name
		}
	}
	return log
}

func (uc *ScanUseCase) fromScanLog(scan *repository.ScanLog) *ScanOutcome {
	mode, err := catalog.ParseMode(scan.Mode)
	if err != nil {
		mode = catalog.ModeCampus
	}
	outcome := &ScanOutcome{
		RequestID: scan.RequestID,
		UserID:    scan.UserID,
		Prediction: &classifier.Prediction{
			WasteType:            verifier.WasteCategory(scan.WasteType),
			Confidence:           scan.Confidence,
			ODPUnits:             scan.ODPUnits,
			OzoneProtectionScore: scan.OzoneProtectionScore,
			Action:               scan.Action,
			Value:                scan.Value,
		},
		Mode:      mode,
		CreatedAt: scan.CreatedAt,
	}
	if scan.HasPosition() {
		outcome.Position = &geo.Position{Latitude: *scan.Latitude, Longitude: *scan.Longitude}
		// the verifier is deterministic, so the stored inputs reproduce the
		// original verification
		if err := uc.locate(outcome); err != nil {
			logging.WithOperation(uc.logger, "usecase.rebuild_outcome", scan.RequestID).Warn("failed to rebuild verification", zap.Error(err))
			outcome.Verification = nil
		}
	}
	outcome.View = uc.catalog.View(mode, outcome.Position)
	return outcome
}

func (uc *ScanUseCase) withRedisRetry(ctx context.Context, requestID, operation string, fn func() error) error {
	opLogger := logging.WithOperation(uc.logger, operation, requestID)
	attempts, err := uc.retry.Do(ctx, fn, func(attempt int, err error) {
		opLogger.Warn("transient redis error", zap.Error(err), zap.Int("attempt", attempt))
	})
	switch {
	case err == nil:
		if attempts > 1 {
			opLogger.Info("redis operation succeeded after retry", zap.Int("attempt", attempts))
		}
		return nil
	case errors.Is(err, redis.Nil):
	default:
		opLogger.Error("redis operation failed", zap.Error(err), zap.Int("attempt", attempts))
	}
	return logging.NewOperationError(operation, requestID, err)
}

func (uc *ScanUseCase) withRedisGet(ctx context.Context, requestID, operation, cacheKey string) (string, error) {
	var result string
	err := uc.withRedisRetry(ctx, requestID, operation, func() error {
		value, err := uc.cache.Get(ctx, cacheKey)
		result = value
		return err
	})
	if err != nil {
		return "", err
	}
	return result, nil
}
