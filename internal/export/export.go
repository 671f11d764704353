// Package export renders stored scans as an xlsx workbook.
package export

import (
	"fmt"
	"io"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/example/wastesense/internal/repository"
)

// SheetName is the worksheet holding the scan rows.
const SheetName = "Scans"

// Header is the first row of the sheet.
var Header = []interface{}{
	"Request ID", "User ID", "Waste Type", "Confidence",
	"ODP Units", "Ozone Score", "Action", "Value",
	"Latitude", "Longitude", "Mode", "Suggestion",
	"Violations", "SHA1", "Created At",
}

// WriteScans writes one row per scan to w.
func WriteScans(w io.Writer, scans []*repository.ScanLog) error {
	f := excelize.NewFile()
	defer f.Close()

	index, err := f.NewSheet(SheetName)
	if err != nil {
		return fmt.Errorf("create sheet: %w", err)
	}

	sw, err := f.NewStreamWriter(SheetName)
	if err != nil {
		return fmt.Errorf("open stream writer: %w", err)
	}
	if err := sw.SetRow("A1", Header); err != nil {
		return err
	}

	for i, s := range scans {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := sw.SetRow(cell, row(s)); err != nil {
			return fmt.Errorf("write row %d: %w", i+2, err)
		}
	}
	if err := sw.Flush(); err != nil {
		return err
	}

	f.SetActiveSheet(index)
	if err := f.DeleteSheet("Sheet1"); err != nil {
		return err
	}
	return f.Write(w)
}

func row(s *repository.ScanLog) []interface{} {
	var value, lat, lng interface{} = "", "", ""
	if s.Value != nil {
		value = *s.Value
	}
	if s.HasPosition() {
		lat, lng = *s.Latitude, *s.Longitude
	}
	return []interface{}{
		s.RequestID, s.UserID, s.WasteType, s.Confidence,
		s.ODPUnits, s.OzoneProtectionScore, s.Action, value,
		lat, lng, s.Mode, s.Suggestion,
		s.ViolationCount, s.SHA1Hash, s.CreatedAt.UTC().Format(time.RFC3339),
	}
}
