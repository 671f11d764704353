package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/example/wastesense/internal/auth"
	"github.com/example/wastesense/internal/classifier"
	"github.com/example/wastesense/internal/export"
	"github.com/example/wastesense/internal/geo"
	"github.com/example/wastesense/internal/repository"
	"github.com/example/wastesense/internal/verifier"
)

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("CLASSIFIER_TRANSPORT", "http")
	t.Setenv("VIOLATION_RADIUS_METERS", "")
	t.Setenv("DEFAULT_MODE", "")
	if os.Getenv("JWT_SECRET") == "" {
		t.Setenv("JWT_SECRET", "cli-test-secret")
	}

	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"--env-file", filepath.Join(t.TempDir(), "missing.env")}, args...))
	err := root.Execute()
	return out.String(), err
}

func TestVerifyCommand(t *testing.T) {
	out, err := runCLI(t, "verify", "--lat", "21.1643", "--lng", "81.7753", "--category", "Organic")
	require.NoError(t, err)

	var check localCheck
	require.NoError(t, json.Unmarshal([]byte(out), &check))
	require.NotNil(t, check.Verification)
	require.NotNil(t, check.Verification.Suggestion)
	assert.Equal(t, verifier.Organic, check.Verification.Suggestion.Type)
	require.NotEmpty(t, check.Verification.Violations)
	assert.Equal(t, verifier.Glass, check.Verification.Violations[0].Bin.Type)
	assert.Equal(t, verifier.DefaultViolationRadiusMeters, check.RadiusMeters)
}

func TestVerifyCommandRadiusFlag(t *testing.T) {
	out, err := runCLI(t, "verify", "--lat", "21.1642", "--lng", "81.7756", "--category", "Organic", "--radius", "40")
	require.NoError(t, err)

	var check localCheck
	require.NoError(t, json.Unmarshal([]byte(out), &check))
	// plastic, glass and metal bins lie within 40 m
	assert.Len(t, check.Verification.Violations, 3)
}

func TestVerifyCommandRejectsBadInput(t *testing.T) {
	_, err := runCLI(t, "verify", "--lat", "91", "--lng", "0", "--category", "Glass")
	assert.True(t, errors.Is(err, geo.ErrInvalidInput))

	_, err = runCLI(t, "verify", "--lat", "21", "--category", "Glass")
	assert.True(t, errors.Is(err, geo.ErrInvalidInput))

	for _, radius := range []string{"0", "-5"} {
		_, err = runCLI(t, "verify", "--lat", "21.1642", "--lng", "81.7756", "--category", "Glass", "--radius="+radius)
		assert.True(t, errors.Is(err, geo.ErrInvalidInput), "radius %s: %v", radius, err)
	}
}

func TestBinsCommand(t *testing.T) {
	out, err := runCLI(t, "bins", "--mode", "global", "--lat", "48.85", "--lng", "2.35")
	require.NoError(t, err)

	var check localCheck
	require.NoError(t, json.Unmarshal([]byte(out), &check))
	assert.Len(t, check.Bins, 3)
	assert.Len(t, check.NearbyBins, 3)
	assert.Equal(t, 13, check.View.Zoom)

	_, err = runCLI(t, "bins", "--mode", "global")
	assert.True(t, errors.Is(err, geo.ErrInvalidInput))
}

func TestBinsCommandNearest(t *testing.T) {
	out, err := runCLI(t, "bins", "--lat", "21.1642", "--lng", "81.7756", "--nearest", "2")
	require.NoError(t, err)

	var check localCheck
	require.NoError(t, json.Unmarshal([]byte(out), &check))
	require.Len(t, check.NearbyBins, 2)
	assert.Equal(t, verifier.Plastic, check.NearbyBins[0].Type)
	assert.Equal(t, verifier.Glass, check.NearbyBins[1].Type)
}

func TestScanCommandClassifiesFile(t *testing.T) {
	classifierSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/predict" {
			http.NotFound(w, r)
			return
		}
		if _, _, err := r.FormFile("image"); err != nil {
			http.Error(w, `{"error":"no image"}`, http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"waste_type":"Glass","confidence":0.93}`))
	}))
	defer classifierSrv.Close()

	path := filepath.Join(t.TempDir(), "bottle.png")
	png := []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x02\x00\x00\x00")
	require.NoError(t, os.WriteFile(path, png, 0o600))

	t.Setenv("CLASSIFIER_URL", classifierSrv.URL)
	t.Setenv("LOG_LEVEL", "error")
	out, err := runCLI(t, "scan", "--image", path, "--lat", "21.1642", "--lng", "81.7756")
	require.NoError(t, err)

	var result struct {
		Prediction   classifier.Prediction `json:"prediction"`
		Verification *verifier.Result      `json:"verification"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	assert.Equal(t, verifier.Glass, result.Prediction.WasteType)
	assert.Equal(t, "Glass Recycling Center", result.Prediction.Action)
	require.NotNil(t, result.Verification)
	require.NotNil(t, result.Verification.Suggestion)
	assert.Equal(t, "Glass Bin (Library Gate)", result.Verification.Suggestion.Name)
}

func TestStatsCommandQueriesServer(t *testing.T) {
	t.Setenv("JWT_SECRET", "cli-secret")
	t.Setenv("JWT_AUDIENCE", "")

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/stats", auth.JWTMiddleware("cli-secret", ""), func(c *gin.Context) {
		c.JSON(http.StatusOK, map[string]int64{"Glass": 3})
	})
	srv := httptest.NewServer(router)
	defer srv.Close()

	out, err := runCLI(t, "stats", "--server", srv.URL)
	require.NoError(t, err)
	assert.JSONEq(t, `{"Glass": 3}`, out)

	_, err = runCLI(t, "heatmap", "--server", srv.URL)
	assert.Error(t, err)
}

func TestWriteWorkbook(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scans.xlsx")
	require.NoError(t, writeWorkbook(path, []*repository.ScanLog{{RequestID: "req-1", WasteType: "Metal"}}))

	f, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := f.GetRows(export.SheetName)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "req-1", rows[1][0])
}
