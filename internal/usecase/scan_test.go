package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/wastesense/internal/catalog"
	"github.com/example/wastesense/internal/classifier"
	"github.com/example/wastesense/internal/geo"
	"github.com/example/wastesense/internal/logging"
	"github.com/example/wastesense/internal/repository"
	"github.com/example/wastesense/internal/retry"
	"github.com/example/wastesense/internal/verifier"
)

type stubRepository struct {
	mu        sync.Mutex
	saved     []*repository.ScanLog
	saveErr   error
	findScan  *repository.ScanLog
	findErr   error
	findCalls int
	counts    map[string]int64
	countCall int
	points    []repository.HeatPoint

	// saveGate, when set, makes SaveScan wait for the context or the gate;
	// saveStarted is signalled on entry.
	saveGate    chan struct{}
	saveStarted chan struct{}
}

func (s *stubRepository) SaveScan(ctx context.Context, scan *repository.ScanLog) error {
	if s.saveStarted != nil {
		select {
		case s.saveStarted <- struct{}{}:
		default:
		}
	}
	if s.saveGate != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.saveGate:
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = append(s.saved, scan)
	return s.saveErr
}

func (s *stubRepository) FindByRequestIDAndUser(ctx context.Context, requestID, userID string) (*repository.ScanLog, error) {
	s.findCalls++
	if s.findErr != nil {
		return nil, s.findErr
	}
	if s.findScan != nil && s.findScan.RequestID == requestID && s.findScan.UserID == userID {
		return s.findScan, nil
	}
	return nil, gorm.ErrRecordNotFound
}

func (s *stubRepository) CountByCategory(ctx context.Context) (map[string]int64, error) {
	s.countCall++
	return s.counts, nil
}

func (s *stubRepository) HeatmapPoints(ctx context.Context, limit int) ([]repository.HeatPoint, error) {
	return s.points, nil
}

func (s *stubRepository) ListScans(ctx context.Context, limit int) ([]*repository.ScanLog, error) {
	return s.saved, nil
}

type stubCache struct {
	mu      sync.Mutex
	setErrs []error
	values  map[string]string
	setKeys []string
	delKeys []string
}

func newStubCache() *stubCache {
	return &stubCache{values: map[string]string{}}
}

func (s *stubCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setKeys = append(s.setKeys, key)
	if len(s.setErrs) > 0 {
		err := s.setErrs[0]
		s.setErrs = s.setErrs[1:]
		if err != nil {
			return err
		}
	}
	s.values[key] = value.(string)
	return nil
}

func (s *stubCache) Get(ctx context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	value, ok := s.values[key]
	if !ok {
		return "", redis.Nil
	}
	return value, nil
}

func (s *stubCache) Del(ctx context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range keys {
		s.delKeys = append(s.delKeys, key)
		delete(s.values, key)
	}
	return nil
}

type stubClassifier struct {
	prediction *classifier.Prediction
	err        error
	// block, when set, makes Classify wait for the context or the channel
	block chan struct{}
}

func (s *stubClassifier) Classify(ctx context.Context, image []byte, filename string) (*classifier.Prediction, error) {
	if s.block != nil {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.block:
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	pred := *s.prediction
	return &pred, nil
}

type transientRedisError struct{}

func (transientRedisError) Error() string   { return "redis transient" }
func (transientRedisError) Timeout() bool   { return true }
func (transientRedisError) Temporary() bool { return true }

var campusUser = geo.Position{Latitude: 21.1642, Longitude: 81.7756}

func newTestUseCase(repo ScanRepository, cache Cache, client classifier.Client) *ScanUseCase {
	uc := NewScanUseCase(repo, cache, client, catalog.NewProvider(), verifier.New(verifier.Config{}), zap.NewNop())
	uc.retry = retry.Policy{Attempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond, Permanent: []error{redis.Nil}}
	return uc
}

func TestScanVerifiesAndPersists(t *testing.T) {
	cache := newStubCache()
	repo := &stubRepository{}
	client := &stubClassifier{prediction: &classifier.Prediction{WasteType: verifier.Organic, Confidence: 0.91}}
	uc := newTestUseCase(repo, cache, client)

	// standing right at the glass bin, holding organic waste
	user := geo.Position{Latitude: 21.1643, Longitude: 81.7753}
	outcome, err := uc.Scan(context.Background(), ScanRequest{UserID: "user-1", Image: []byte("img"), Position: &user, Mode: catalog.ModeCampus})
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if outcome.Verification == nil || outcome.Verification.Suggestion == nil {
		t.Fatalf("expected a suggestion, got %+v", outcome.Verification)
	}
	if outcome.Verification.Suggestion.Name != "Organic Bin (Hostel Mess)" {
		t.Fatalf("unexpected suggestion %q", outcome.Verification.Suggestion.Name)
	}
	if len(outcome.Verification.Violations) == 0 || outcome.Verification.Violations[0].Bin.Type != verifier.Glass {
		t.Fatalf("expected glass violation, got %+v", outcome.Verification.Violations)
	}
	if outcome.Prediction.Action != "Compost or Biogas Unit" {
		t.Fatalf("expected impact to be filled, got %q", outcome.Prediction.Action)
	}
	if len(outcome.NearbyBins) == 0 {
		t.Fatal("expected nearby bins")
	}

	if len(repo.saved) != 1 {
		t.Fatalf("expected scan to be saved, got %d entries", len(repo.saved))
	}
	saved := repo.saved[0]
	if saved.ViolationCount != len(outcome.Verification.Violations) || !saved.HasPosition() || saved.SHA1Hash == "" {
		t.Fatalf("unexpected saved scan: %+v", saved)
	}

	var cached ScanOutcome
	if err := json.Unmarshal([]byte(cache.values[scanKey(outcome.RequestID)]), &cached); err != nil {
		t.Fatalf("expected cached outcome: %v", err)
	}
	if cached.RequestID != outcome.RequestID {
		t.Fatalf("cached outcome mismatch: %+v", cached)
	}
}

func TestScanWithoutPositionSkipsVerification(t *testing.T) {
	repo := &stubRepository{}
	client := &stubClassifier{prediction: &classifier.Prediction{WasteType: verifier.Plastic, Confidence: 0.6}}
	uc := newTestUseCase(repo, newStubCache(), client)

	outcome, err := uc.Scan(context.Background(), ScanRequest{UserID: "user-1", Image: []byte("img"), Mode: catalog.ModeGlobal})
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if outcome.Verification != nil || outcome.Located() {
		t.Fatalf("expected no verification without a position, got %+v", outcome.Verification)
	}
	if outcome.View.Zoom != 5 {
		t.Fatalf("expected global overview zoom, got %d", outcome.View.Zoom)
	}
	if repo.saved[0].HasPosition() {
		t.Fatal("expected scan without position")
	}
}

func TestScanRejectsInvalidPositionBeforeClassifying(t *testing.T) {
	client := &stubClassifier{err: errors.New("should not be called")}
	uc := newTestUseCase(&stubRepository{}, newStubCache(), client)

	bad := geo.Position{Latitude: 200, Longitude: 0}
	_, err := uc.Scan(context.Background(), ScanRequest{UserID: "u", Image: []byte("img"), Position: &bad})
	if !errors.Is(err, geo.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestScanRetriesRedisSet(t *testing.T) {
	cache := newStubCache()
	cache.setErrs = []error{transientRedisError{}}
	repo := &stubRepository{}
	client := &stubClassifier{prediction: &classifier.Prediction{WasteType: verifier.Metal, Confidence: 0.9}}
	uc := newTestUseCase(repo, cache, client)

	if _, err := uc.Scan(context.Background(), ScanRequest{UserID: "user-1", Image: []byte("image")}); err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if len(cache.setKeys) < 3 {
		t.Fatalf("expected at least 3 cache set calls (retry + result), got %d", len(cache.setKeys))
	}
	if cache.setKeys[0] != cache.setKeys[1] {
		t.Fatalf("expected retry to target same key, got %s and %s", cache.setKeys[0], cache.setKeys[1])
	}
}

func TestScanReturnsOperationErrorOnCacheFailure(t *testing.T) {
	cache := newStubCache()
	cache.setErrs = []error{errors.New("boom")}
	client := &stubClassifier{prediction: &classifier.Prediction{WasteType: verifier.Metal, Confidence: 0.9}}
	uc := newTestUseCase(&stubRepository{}, cache, client)

	_, err := uc.Scan(context.Background(), ScanRequest{UserID: "user-1", Image: []byte("image")})
	var opErr *logging.OperationError
	if !errors.As(err, &opErr) {
		t.Fatalf("expected OperationError, got %T", err)
	}
	if opErr.Operation != "cache.set.processing" {
		t.Fatalf("unexpected operation: %s", opErr.Operation)
	}
}

func TestScanClassifierFailureIsNotRetried(t *testing.T) {
	cache := newStubCache()
	repo := &stubRepository{}
	client := &stubClassifier{err: classifier.ErrService}
	uc := newTestUseCase(repo, cache, client)

	_, err := uc.Scan(context.Background(), ScanRequest{UserID: "user-1", Image: []byte("image")})
	if !errors.Is(err, classifier.ErrService) {
		t.Fatalf("expected ErrService, got %v", err)
	}
	if len(repo.saved) != 0 {
		t.Fatal("failed scans must not be persisted")
	}
	if len(cache.values) != 0 {
		t.Fatalf("expected processing flag to be cleared, got %v", cache.values)
	}
}

func TestScanSupersededByNewerScan(t *testing.T) {
	cache := newStubCache()
	repo := &stubRepository{}
	slow := &stubClassifier{prediction: &classifier.Prediction{WasteType: verifier.Glass, Confidence: 0.7}, block: make(chan struct{})}
	uc := newTestUseCase(repo, cache, slow)

	firstErr := make(chan error, 1)
	go func() {
		_, err := uc.Scan(context.Background(), ScanRequest{UserID: "user-1", Image: []byte("first")})
		firstErr <- err
	}()

	deadline := time.Now().Add(2 * time.Second)
	for !uc.tracker.InFlight("user-1") {
		if time.Now().After(deadline) {
			t.Fatal("first scan never started")
		}
		time.Sleep(time.Millisecond)
	}

	secondDone := make(chan error, 1)
	go func() {
		_, err := uc.Scan(context.Background(), ScanRequest{UserID: "user-1", Image: []byte("second")})
		secondDone <- err
	}()

	select {
	case err := <-firstErr:
		if !errors.Is(err, ErrSuperseded) {
			t.Fatalf("expected ErrSuperseded, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("first scan was not cancelled")
	}

	close(slow.block)
	if err := <-secondDone; err != nil {
		t.Fatalf("second scan failed: %v", err)
	}
	if len(repo.saved) != 1 {
		t.Fatalf("expected only the newer scan to be saved, got %d", len(repo.saved))
	}
}

func TestScanSupersededWhilePersisting(t *testing.T) {
	cache := newStubCache()
	repo := &stubRepository{saveGate: make(chan struct{}), saveStarted: make(chan struct{}, 2)}
	client := &stubClassifier{prediction: &classifier.Prediction{WasteType: verifier.Battery, Confidence: 0.8}}
	uc := newTestUseCase(repo, cache, client)

	firstErr := make(chan error, 1)
	go func() {
		_, err := uc.Scan(context.Background(), ScanRequest{UserID: "user-1", Image: []byte("first")})
		firstErr <- err
	}()
	select {
	case <-repo.saveStarted:
	case <-time.After(2 * time.Second):
		t.Fatal("first scan never reached the repository")
	}

	secondDone := make(chan *ScanOutcome, 1)
	go func() {
		outcome, err := uc.Scan(context.Background(), ScanRequest{UserID: "user-1", Image: []byte("second")})
		if err != nil {
			t.Errorf("second scan failed: %v", err)
		}
		secondDone <- outcome
	}()

	select {
	case err := <-firstErr:
		if !errors.Is(err, ErrSuperseded) {
			t.Fatalf("expected ErrSuperseded, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("first scan was not cancelled")
	}
	close(repo.saveGate)

	second := <-secondDone
	if second == nil {
		t.Fatal("expected the newer scan to complete")
	}
	cache.mu.Lock()
	defer cache.mu.Unlock()
	for key, value := range cache.values {
		if value == "processing" {
			t.Fatalf("stale processing flag left at %s", key)
		}
	}
	if _, ok := cache.values[scanKey(second.RequestID)]; !ok {
		t.Fatal("expected the newer result to be cached")
	}
}

func TestScanPersistFailureClearsProcessingFlag(t *testing.T) {
	cache := newStubCache()
	repo := &stubRepository{saveErr: errors.New("connection reset by peer")}
	client := &stubClassifier{prediction: &classifier.Prediction{WasteType: verifier.Metal, Confidence: 0.9}}
	uc := newTestUseCase(repo, cache, client)

	_, err := uc.Scan(context.Background(), ScanRequest{UserID: "user-1", Image: []byte("image")})
	var opErr *logging.OperationError
	if !errors.As(err, &opErr) || opErr.Operation != "usecase.save_scan" {
		t.Fatalf("expected save_scan OperationError, got %v", err)
	}
	if errors.Is(err, ErrSuperseded) {
		t.Fatal("a database failure is not a superseded scan")
	}
	if len(cache.values) != 0 {
		t.Fatalf("expected processing flag to be cleared, got %v", cache.values)
	}
}

func TestScanResultCacheFailureClearsProcessingFlag(t *testing.T) {
	cache := newStubCache()
	// processing flag succeeds, the result write fails outright
	cache.setErrs = []error{nil, errors.New("OOM command not allowed")}
	client := &stubClassifier{prediction: &classifier.Prediction{WasteType: verifier.Metal, Confidence: 0.9}}
	uc := newTestUseCase(&stubRepository{}, cache, client)

	_, err := uc.Scan(context.Background(), ScanRequest{UserID: "user-1", Image: []byte("image")})
	var opErr *logging.OperationError
	if !errors.As(err, &opErr) || opErr.Operation != "cache.set.result" {
		t.Fatalf("expected cache.set.result OperationError, got %v", err)
	}
	if len(cache.values) != 0 {
		t.Fatalf("expected processing flag to be cleared, got %v", cache.values)
	}
}

func TestGetResultRepositoryOutageIsNotNotFound(t *testing.T) {
	repo := &stubRepository{findErr: errors.New("dial tcp 10.0.0.5:5432: connect: connection refused")}
	uc := newTestUseCase(repo, newStubCache(), &stubClassifier{})

	_, err := uc.GetResult(context.Background(), "user", "req")
	if err == nil || errors.Is(err, ErrNotFound) {
		t.Fatalf("expected a service error distinct from ErrNotFound, got %v", err)
	}

	repo.findErr = nil
	if _, err := uc.GetResult(context.Background(), "user", "req"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for a missing row, got %v", err)
	}
}

func TestGetResultFallsBackToRepositoryWhenCacheMiss(t *testing.T) {
	lat, lng := campusUser.Latitude, campusUser.Longitude
	stored := &repository.ScanLog{RequestID: "req", UserID: "user", WasteType: "Plastic", Mode: "campus", Latitude: &lat, Longitude: &lng}
	repo := &stubRepository{findScan: stored}
	uc := newTestUseCase(repo, newStubCache(), &stubClassifier{})

	outcome, err := uc.GetResult(context.Background(), "user", "req")
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if repo.findCalls != 1 {
		t.Fatalf("expected repository to be queried once, got %d", repo.findCalls)
	}
	if outcome.Verification == nil || outcome.Verification.Suggestion == nil || outcome.Verification.Suggestion.Type != verifier.Plastic {
		t.Fatalf("expected rebuilt verification, got %+v", outcome.Verification)
	}
}

func TestGetResultFromCacheChecksOwner(t *testing.T) {
	cache := newStubCache()
	payload, _ := json.Marshal(ScanOutcome{RequestID: "req", UserID: "owner", Prediction: &classifier.Prediction{WasteType: verifier.Glass}})
	cache.values[scanKey("req")] = string(payload)
	repo := &stubRepository{}
	uc := newTestUseCase(repo, cache, &stubClassifier{})

	outcome, err := uc.GetResult(context.Background(), "owner", "req")
	if err != nil || outcome.Prediction.WasteType != verifier.Glass {
		t.Fatalf("expected cached outcome, got %+v, %v", outcome, err)
	}
	if repo.findCalls != 0 {
		t.Fatal("repository should not be queried on cache hit")
	}

	if _, err := uc.GetResult(context.Background(), "intruder", "req"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for foreign user, got %v", err)
	}
}

func TestGetResultProcessing(t *testing.T) {
	cache := newStubCache()
	cache.values[scanKey("req")] = "processing"
	uc := newTestUseCase(&stubRepository{}, cache, &stubClassifier{})

	if _, err := uc.GetResult(context.Background(), "user", "req"); !errors.Is(err, ErrProcessing) {
		t.Fatalf("expected ErrProcessing, got %v", err)
	}
}

func TestVerifyUsesSessionCatalog(t *testing.T) {
	uc := newTestUseCase(&stubRepository{}, newStubCache(), &stubClassifier{})

	out, err := uc.Verify(context.Background(), VerifyRequest{Position: campusUser, WasteType: verifier.EWaste, Mode: catalog.ModeGlobal})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if len(out.Bins) != 3 || out.Verification.Suggestion == nil || out.Verification.Suggestion.Name != "E-Waste Bin" {
		t.Fatalf("unexpected global verification: %+v", out)
	}
	if out.RadiusMeters != verifier.DefaultViolationRadiusMeters {
		t.Fatalf("unexpected radius %v", out.RadiusMeters)
	}

	_, err = uc.Verify(context.Background(), VerifyRequest{Position: geo.Position{Latitude: 200}, WasteType: verifier.Glass})
	if !errors.Is(err, geo.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestBinsGlobalNeedsPosition(t *testing.T) {
	uc := newTestUseCase(&stubRepository{}, newStubCache(), &stubClassifier{})

	if _, err := uc.Bins(catalog.ModeGlobal, nil); !errors.Is(err, geo.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	out, err := uc.Bins(catalog.ModeCampus, &campusUser)
	if err != nil {
		t.Fatalf("bins: %v", err)
	}
	if len(out.Bins) != 6 || len(out.NearbyBins) != 6 {
		t.Fatalf("expected all campus bins nearby, got %d/%d", len(out.Bins), len(out.NearbyBins))
	}
}

func TestStatsCachesAggregate(t *testing.T) {
	cache := newStubCache()
	repo := &stubRepository{counts: map[string]int64{"Glass": 2, "Metal": 1}}
	uc := newTestUseCase(repo, cache, &stubClassifier{})

	counts, err := uc.Stats(context.Background())
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if counts["Glass"] != 2 || repo.countCall != 1 {
		t.Fatalf("unexpected counts %v after %d repository calls", counts, repo.countCall)
	}

	if _, err := uc.Stats(context.Background()); err != nil {
		t.Fatalf("stats: %v", err)
	}
	if repo.countCall != 1 {
		t.Fatalf("expected cached stats, repository called %d times", repo.countCall)
	}
}

func TestScanInvalidatesAggregates(t *testing.T) {
	cache := newStubCache()
	cache.values[statsKey] = `{"Glass":1}`
	cache.values[heatmapKey] = `[[1,2]]`
	client := &stubClassifier{prediction: &classifier.Prediction{WasteType: verifier.Glass, Confidence: 0.9}}
	uc := newTestUseCase(&stubRepository{}, cache, client)

	if _, err := uc.Scan(context.Background(), ScanRequest{UserID: "u", Image: []byte("img")}); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if _, ok := cache.values[statsKey]; ok {
		t.Fatal("expected stats cache to be invalidated")
	}
	if _, ok := cache.values[heatmapKey]; ok {
		t.Fatal("expected heatmap cache to be invalidated")
	}
}

func TestHeatmapReturnsPairs(t *testing.T) {
	repo := &stubRepository{points: []repository.HeatPoint{{Latitude: 21.1, Longitude: 81.7}}}
	cache := newStubCache()
	uc := newTestUseCase(repo, cache, &stubClassifier{})

	points, err := uc.Heatmap(context.Background())
	if err != nil {
		t.Fatalf("heatmap: %v", err)
	}
	if len(points) != 1 || points[0] != (HeatPoint{21.1, 81.7}) {
		t.Fatalf("unexpected points %v", points)
	}
	if cache.values[heatmapKey] != "[[21.1,81.7]]" {
		t.Fatalf("unexpected cached heatmap %q", cache.values[heatmapKey])
	}
}
