package export

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/example/wastesense/internal/repository"
)

func TestWriteScans(t *testing.T) {
	lat, lng := 21.1642, 81.7756
	value := "₹5/kg"
	scans := []*repository.ScanLog{
		{
			RequestID: "req-1", UserID: "alice", WasteType: "Plastic", Confidence: 0.8,
			Action: "Recycle", Value: &value, Latitude: &lat, Longitude: &lng,
			Mode: "campus", Suggestion: "Plastic Bin (Canteen)", ViolationCount: 2,
			CreatedAt: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		},
		{RequestID: "req-2", UserID: "bob", WasteType: "Glass", Mode: "global"},
	}

	var buf bytes.Buffer
	require.NoError(t, WriteScans(&buf, scans))

	f, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer f.Close()

	assert.Equal(t, []string{SheetName}, f.GetSheetList())

	rows, err := f.GetRows(SheetName)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "Request ID", rows[0][0])
	assert.Equal(t, "req-1", rows[1][0])
	assert.Equal(t, "₹5/kg", rows[1][7])
	assert.Equal(t, "21.1642", rows[1][8])
	assert.Equal(t, "2", rows[1][12])
	assert.Equal(t, "2024-03-01T12:00:00Z", rows[1][14])
	assert.Equal(t, "req-2", rows[2][0])
	assert.Equal(t, "global", rows[2][10])
}

func TestWriteScansEmpty(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteScans(&buf, nil))

	f, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer f.Close()

	rows, err := f.GetRows(SheetName)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Len(t, rows[0], len(Header))
}
