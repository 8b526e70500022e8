// Package downloads renders local exports of the committed grading
// result (CSV and styled Excel). The graded spreadsheet itself comes
// from the grading service; these exports cover the on-screen view:
// summary, grade ranges, distribution and per-student rows.
package downloads

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/payback159/gradeview/pkg/logging"
	"github.com/payback159/gradeview/pkg/results"
	"github.com/payback159/gradeview/pkg/security"
	"github.com/payback159/gradeview/pkg/session"
	"github.com/payback159/gradeview/pkg/workflow"
)

// setCellValueSafe safely sets a cell value with error handling
func setCellValueSafe(f *excelize.File, sheet, axis string, value interface{}, sessionID, ip string) error {
	if err := f.SetCellValue(sheet, axis, value); err != nil {
		logging.LogError("Failed to set cell value", err,
			"sheet", sheet,
			"axis", axis,
			"session_id", sessionID,
			"ip", ip)
		return err
	}
	return nil
}

// setCellStyleSafe safely sets a cell style with error handling
func setCellStyleSafe(f *excelize.File, sheet, hCell, vCell string, styleID int, sessionID, ip string) {
	if err := f.SetCellStyle(sheet, hCell, vCell, styleID); err != nil {
		logging.LogError("Failed to set cell style", err,
			"sheet", sheet,
			"range", fmt.Sprintf("%s:%s", hCell, vCell),
			"session_id", sessionID,
			"ip", ip)
		// Non-critical error for styles, continue execution
	}
}

// createSheetSafe safely creates a new sheet with error handling
func createSheetSafe(f *excelize.File, name, sessionID, ip string) error {
	if _, err := f.NewSheet(name); err != nil {
		logging.LogError("Failed to create sheet", err,
			"sheet_name", name,
			"session_id", sessionID,
			"ip", ip)
		return err
	}
	return nil
}

// deleteSheetSafe safely deletes a sheet with error handling
func deleteSheetSafe(f *excelize.File, name, sessionID, ip string) {
	if err := f.DeleteSheet(name); err != nil {
		logging.LogError("Failed to delete sheet", err,
			"sheet_name", name,
			"session_id", sessionID,
			"ip", ip)
		// Non-critical error, continue
	}
}

// writeResponseSafe safely writes response with error handling
func writeResponseSafe(w http.ResponseWriter, buffer *bytes.Buffer, sessionID, ip string) {
	if _, err := w.Write(buffer.Bytes()); err != nil {
		logging.LogError("Failed to write response", err,
			"session_id", sessionID,
			"ip", ip)
		// Response already started, can't send error status
	}
}

// getSessionIDFromCookie reads the session ID from an HttpOnly cookie
func getSessionIDFromCookie(r *http.Request) string {
	cookie, err := r.Cookie("session_id")
	if err != nil {
		return ""
	}
	return cookie.Value
}

// sanitizeCSVField prevents CSV injection and properly escapes fields
func sanitizeCSVField(field string) string {
	// Prevent formula injection: prefix dangerous first characters
	if len(field) > 0 {
		first := field[0]
		if first == '=' || first == '+' || first == '-' || first == '@' || first == '\t' || first == '\r' {
			field = "'" + field
		}
	}
	// Properly quote fields containing commas, quotes, or newlines
	if strings.ContainsAny(field, ",\"\n") {
		field = "\"" + strings.ReplaceAll(field, "\"", "\"\"") + "\""
	}
	return field
}

// gradeColors maps each grade label to its export fill color
var gradeColors = map[string]string{
	"O":  "#c6f6d5",
	"A+": "#d4edda",
	"A":  "#e2f0d9",
	"B+": "#fff3cd",
	"B":  "#ffe8cc",
	"C":  "#ffd8b1",
	"U":  "#f8d7da",
}

// createGradeStyles creates colored Excel styles for each grade label
func createGradeStyles(f *excelize.File) map[string]int {
	gradeStyles := make(map[string]int)
	for grade, color := range gradeColors {
		style, _ := f.NewStyle(&excelize.Style{
			Fill: excelize.Fill{Type: "pattern", Color: []string{color}, Pattern: 1},
			Border: []excelize.Border{
				{Type: "left", Color: "#000000", Style: 1},
				{Type: "top", Color: "#000000", Style: 1},
				{Type: "right", Color: "#000000", Style: 1},
				{Type: "bottom", Color: "#000000", Style: 1},
			},
		})
		gradeStyles[grade] = style
	}
	return gradeStyles
}

// setDownloadHeaders sets common security and caching headers for downloads
func setDownloadHeaders(w http.ResponseWriter, contentType, filename string) {
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s", filename))
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
}

// markString renders a nullable mark for export; absent marks stay empty
func markString(mark *float64) string {
	if mark == nil {
		return ""
	}
	return strconv.FormatFloat(*mark, 'f', -1, 64)
}

// resultSnapshot fetches the committed result for the request's session
func resultSnapshot(r *http.Request, sessionStore *session.Store) (workflow.State, string, bool) {
	sessionID := getSessionIDFromCookie(r)
	ctrl, exists := sessionStore.Get(sessionID)
	if !exists {
		return workflow.State{}, sessionID, false
	}
	state := ctrl.Snapshot()
	if state.Result == nil {
		return workflow.State{}, sessionID, false
	}
	return state, sessionID, true
}

// HandleResultsCSV exports the full result view as CSV
func HandleResultsCSV(w http.ResponseWriter, r *http.Request, sessionStore *session.Store) {
	start := time.Now()
	ip := security.GetClientIP(r)

	state, sessionID, ok := resultSnapshot(r, sessionStore)
	if !ok {
		logging.LogWarn("CSV export requested but no result available",
			"session_id", sessionID,
			"ip", ip)
		http.Error(w, "No graded result available for export", http.StatusBadRequest)
		return
	}

	result := state.Result
	var buffer bytes.Buffer

	// Summary section
	buffer.WriteString("SUMMARY\n")
	buffer.WriteString("Students Graded,Average,Max,Min,Grading Method\n")
	buffer.WriteString(fmt.Sprintf("%d,%.2f,%.1f,%.1f,%s\n",
		result.Summary.Count,
		result.Summary.Average,
		result.Summary.Max,
		result.Summary.Min,
		sanitizeCSVField(results.MethodLabel(result.Summary.GradingMethod))))

	// Grade range section, only when the lookup has resolved
	if rows := results.OrderedRanges(state.Ranges); len(rows) > 0 {
		buffer.WriteString("\nGRADE RANGES\n")
		buffer.WriteString("Grade,Grade Points,Mark Range\n")
		for _, row := range rows {
			buffer.WriteString(fmt.Sprintf("%s,%d,%s\n",
				sanitizeCSVField(row.Grade), row.Points, sanitizeCSVField(row.Range)))
		}
	}

	// Distribution section
	buffer.WriteString("\nGRADE DISTRIBUTION\n")
	buffer.WriteString("Grade,Count\n")
	for _, gc := range state.Chart {
		buffer.WriteString(fmt.Sprintf("%s,%d\n", sanitizeCSVField(gc.Grade), gc.Count))
	}

	// Per-student section
	buffer.WriteString("\nSTUDENT RESULTS\n")
	buffer.WriteString("Name,Marks,Grade,Grade Points\n")
	for _, record := range result.Details {
		buffer.WriteString(fmt.Sprintf("%s,%s,%s,%s\n",
			sanitizeCSVField(record.Name),
			markString(record.Marks),
			sanitizeCSVField(record.Grade),
			markString(record.GradePoints)))
	}

	setDownloadHeaders(w, "text/csv", "grading_results.csv")
	writeResponseSafe(w, &buffer, sessionID, ip)

	duration := time.Since(start)
	logging.LogFileOperation("csv_export", "grading_results.csv", int64(buffer.Len()), duration, true,
		"session_id", sessionID,
		"ip", ip,
		"student_count", len(result.Details))
}

// HandleResultsExcel exports the full result view as a styled workbook
func HandleResultsExcel(w http.ResponseWriter, r *http.Request, sessionStore *session.Store) {
	start := time.Now()
	ip := security.GetClientIP(r)

	state, sessionID, ok := resultSnapshot(r, sessionStore)
	if !ok {
		logging.LogWarn("Excel export requested but no result available",
			"session_id", sessionID,
			"ip", ip)
		http.Error(w, "No graded result available for export", http.StatusBadRequest)
		return
	}

	result := state.Result

	f := excelize.NewFile()
	defer func() {
		if err := f.Close(); err != nil {
			logging.LogError("Failed to close Excel file", err, "session_id", sessionID, "ip", ip)
		}
	}()

	summarySheet := "Summary"
	if err := createSheetSafe(f, summarySheet, sessionID, ip); err != nil {
		http.Error(w, "Failed to generate Excel file", http.StatusInternalServerError)
		return
	}
	deleteSheetSafe(f, "Sheet1", sessionID, ip)

	summaryCells := [][2]interface{}{
		{"Students Graded", result.Summary.Count},
		{"Average", result.Summary.Average},
		{"Max", result.Summary.Max},
		{"Min", result.Summary.Min},
		{"Grading Method", results.MethodLabel(result.Summary.GradingMethod)},
	}
	for i, pair := range summaryCells {
		row := i + 1
		if err := setCellValueSafe(f, summarySheet, fmt.Sprintf("A%d", row), pair[0], sessionID, ip); err != nil {
			http.Error(w, "Failed to generate Excel file", http.StatusInternalServerError)
			return
		}
		if err := setCellValueSafe(f, summarySheet, fmt.Sprintf("B%d", row), pair[1], sessionID, ip); err != nil {
			http.Error(w, "Failed to generate Excel file", http.StatusInternalServerError)
			return
		}
	}

	// Distribution block below the summary, with resolved ranges when present
	distHeaderRow := len(summaryCells) + 2
	if err := setCellValueSafe(f, summarySheet, fmt.Sprintf("A%d", distHeaderRow), "Grade", sessionID, ip); err != nil {
		http.Error(w, "Failed to generate Excel file", http.StatusInternalServerError)
		return
	}
	if err := setCellValueSafe(f, summarySheet, fmt.Sprintf("B%d", distHeaderRow), "Count", sessionID, ip); err != nil {
		http.Error(w, "Failed to generate Excel file", http.StatusInternalServerError)
		return
	}
	if err := setCellValueSafe(f, summarySheet, fmt.Sprintf("C%d", distHeaderRow), "Mark Range", sessionID, ip); err != nil {
		http.Error(w, "Failed to generate Excel file", http.StatusInternalServerError)
		return
	}

	gradeStyles := createGradeStyles(f)

	for i, gc := range state.Chart {
		row := distHeaderRow + 1 + i
		if err := setCellValueSafe(f, summarySheet, fmt.Sprintf("A%d", row), gc.Grade, sessionID, ip); err != nil {
			http.Error(w, "Failed to generate Excel file", http.StatusInternalServerError)
			return
		}
		if err := setCellValueSafe(f, summarySheet, fmt.Sprintf("B%d", row), gc.Count, sessionID, ip); err != nil {
			http.Error(w, "Failed to generate Excel file", http.StatusInternalServerError)
			return
		}
		if markRange, exists := state.Ranges[gc.Grade]; exists {
			if err := setCellValueSafe(f, summarySheet, fmt.Sprintf("C%d", row), markRange, sessionID, ip); err != nil {
				http.Error(w, "Failed to generate Excel file", http.StatusInternalServerError)
				return
			}
		}
		if style, exists := gradeStyles[gc.Grade]; exists {
			setCellStyleSafe(f, summarySheet, fmt.Sprintf("A%d", row), fmt.Sprintf("C%d", row), style, sessionID, ip)
		}
	}

	// Per-student sheet
	detailSheet := "Student Results"
	if err := createSheetSafe(f, detailSheet, sessionID, ip); err != nil {
		http.Error(w, "Failed to generate Excel file", http.StatusInternalServerError)
		return
	}

	detailHeaders := []string{"Name", "Marks", "Grade", "Grade Points"}
	for i, header := range detailHeaders {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		if err := setCellValueSafe(f, detailSheet, cell, header, sessionID, ip); err != nil {
			http.Error(w, "Failed to generate Excel file", http.StatusInternalServerError)
			return
		}
	}

	for i, record := range result.Details {
		row := i + 2
		if err := setCellValueSafe(f, detailSheet, fmt.Sprintf("A%d", row), security.SanitizeName(record.Name), sessionID, ip); err != nil {
			http.Error(w, "Failed to generate Excel file", http.StatusInternalServerError)
			return
		}
		if record.Marks != nil {
			if err := setCellValueSafe(f, detailSheet, fmt.Sprintf("B%d", row), *record.Marks, sessionID, ip); err != nil {
				http.Error(w, "Failed to generate Excel file", http.StatusInternalServerError)
				return
			}
		}
		if err := setCellValueSafe(f, detailSheet, fmt.Sprintf("C%d", row), record.Grade, sessionID, ip); err != nil {
			http.Error(w, "Failed to generate Excel file", http.StatusInternalServerError)
			return
		}
		if record.GradePoints != nil {
			if err := setCellValueSafe(f, detailSheet, fmt.Sprintf("D%d", row), *record.GradePoints, sessionID, ip); err != nil {
				http.Error(w, "Failed to generate Excel file", http.StatusInternalServerError)
				return
			}
		}
		if style, exists := gradeStyles[record.Grade]; exists {
			setCellStyleSafe(f, detailSheet, fmt.Sprintf("A%d", row), fmt.Sprintf("D%d", row), style, sessionID, ip)
		}
	}

	setDownloadHeaders(w, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", "grading_results.xlsx")

	if err := f.Write(w); err != nil {
		logging.LogError("Failed to write Excel file", err, "session_id", sessionID, "ip", ip)
		http.Error(w, "Failed to generate Excel file", http.StatusInternalServerError)
		return
	}

	duration := time.Since(start)
	logging.LogFileOperation("excel_export", "grading_results.xlsx", 0, duration, true,
		"session_id", sessionID,
		"ip", ip,
		"student_count", len(result.Details))
}
