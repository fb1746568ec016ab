package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/xuri/excelize/v2"

	"github.com/rasd/surveillance-server/internal/lifecycle"
	"github.com/rasd/surveillance-server/internal/logger"
	"github.com/rasd/surveillance-server/pkg/types"
)

const (
	summarySheet  = "Summary"
	capturesSheet = "Captures"
	xlsxMIME      = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

var captureHeader = []string{"Type", "Confidence", "Time", "X1", "Y1", "X2", "Y2", "Snapshot"}

func (s *Server) handleTaskReport(w http.ResponseWriter, r *http.Request) {
	rec, err := s.deps.Runs.GetTask(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, lifecycle.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Task not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if rec.Status != types.TaskCompleted || rec.Stats == nil {
		writeError(w, http.StatusConflict, "Task has not completed")
		return
	}

	f, err := buildTaskReport(rec)
	if err != nil {
		logger.Error("API", "Build report for %s: %v", rec.ID, err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", xlsxMIME)
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="report_%s.xlsx"`, rec.ID))
	if _, err := f.WriteTo(w); err != nil {
		logger.Warn("API", "Write report for %s: %v", rec.ID, err)
	}
}

// buildTaskReport lays a completed task out as a summary sheet and one row per capture.
func buildTaskReport(rec types.TaskRecord) (*excelize.File, error) {
	f := excelize.NewFile()

	if err := f.SetSheetName("Sheet1", summarySheet); err != nil {
		f.Close()
		return nil, fmt.Errorf("rename sheet: %w", err)
	}
	if _, err := f.NewSheet(capturesSheet); err != nil {
		f.Close()
		return nil, fmt.Errorf("create sheet: %w", err)
	}

	bold, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#E6F3FF"}, Pattern: 1},
	})
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("create header style: %w", err)
	}

	st := rec.Stats
	summary := [][]any{
		{"Task", rec.ID},
		{"File", rec.Filename},
		{"Uploaded", rec.UploadTime},
		{"Output", rec.OutputPath},
		{"Duration (s)", st.Duration},
		{"Frames", st.Frames},
		{"FPS", st.FPS},
		{"Persons (unique)", st.Persons.Unique},
		{"Persons (total)", st.Persons.Total},
		{"Bags (unique)", st.Bags.Unique},
		{"Bags (total)", st.Bags.Total},
		{"Weapons (unique)", st.Weapons.Unique},
		{"Weapons (total)", st.Weapons.Total},
		{"Mask", st.Mask},
		{"No mask", st.NoMask},
		{"Captures", len(rec.Captures)},
	}
	for i, row := range summary {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			f.Close()
			return nil, err
		}
		if err := f.SetSheetRow(summarySheet, cell, &row); err != nil {
			f.Close()
			return nil, fmt.Errorf("write summary row %d: %w", i+1, err)
		}
	}
	if err := f.SetCellStyle(summarySheet, "A1", fmt.Sprintf("A%d", len(summary)), bold); err != nil {
		f.Close()
		return nil, fmt.Errorf("style summary: %w", err)
	}
	if err := f.SetColWidth(summarySheet, "A", "B", 22); err != nil {
		f.Close()
		return nil, err
	}

	header := make([]any, len(captureHeader))
	for i, h := range captureHeader {
		header[i] = h
	}
	if err := f.SetSheetRow(capturesSheet, "A1", &header); err != nil {
		f.Close()
		return nil, fmt.Errorf("write capture header: %w", err)
	}
	last, _ := excelize.ColumnNumberToName(len(captureHeader))
	if err := f.SetCellStyle(capturesSheet, "A1", last+"1", bold); err != nil {
		f.Close()
		return nil, fmt.Errorf("style capture header: %w", err)
	}
	for i, c := range rec.Captures {
		row := []any{
			c.Kind,
			c.Confidence,
			c.Timestamp.Format(types.TimeLayout),
			c.Box.X1, c.Box.Y1, c.Box.X2, c.Box.Y2,
			c.Path,
		}
		cell, _ := excelize.CoordinatesToCellName(1, i+2)
		if err := f.SetSheetRow(capturesSheet, cell, &row); err != nil {
			f.Close()
			return nil, fmt.Errorf("write capture row %d: %w", i+2, err)
		}
	}
	return f, nil
}
