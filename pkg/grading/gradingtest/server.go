// Package gradingtest provides an in-process stand-in for the remote
// grading service, implementing its HTTP contract for tests. Grades in
// the responses come from the configured fixture rows; only the summary
// statistics are computed, so the double never grows its own grading
// algorithm.
package gradingtest

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/montanaflynn/stats"

	"github.com/payback159/gradeview/pkg/models"
)

// ReceivedUpload records one upload request for assertions
type ReceivedUpload struct {
	Filename      string
	ExpectedTotal string
	SubjectCode   string
	Size          int
}

// Server is the fake grading service. Zero value knobs give a healthy
// service; set the Fail/Status fields to script failures.
type Server struct {
	HTTP *httptest.Server

	mu      sync.Mutex
	uploads []ReceivedUpload
	fileIDs map[string]bool
	lastID  string

	// Details are returned verbatim as the graded rows
	Details []models.StudentRecord

	// Ranges answers the grade-range lookup; nil omits the field
	Ranges map[string]string

	// UploadStatus, when non-zero, fails every upload with this status
	// and UploadBody as the response body
	UploadStatus int
	UploadBody   string

	// RangesStatus, when non-zero, fails the range lookup
	RangesStatus int

	// DownloadStatus, when non-zero, fails the download
	DownloadStatus int

	// DownloadContent and DownloadName shape the graded file response
	DownloadContent []byte
	DownloadName    string
}

// New starts the fake service with a default graded fixture
func New() *Server {
	s := &Server{
		Details:         DefaultDetails(),
		DownloadContent: []byte("xlsx-bytes"),
		DownloadName:    "marks_graded.xlsx",
		fileIDs:         make(map[string]bool),
	}

	r := chi.NewRouter()
	r.Post("/upload", s.handleUpload)
	r.Get("/grade-ranges/{fileID}", s.handleRanges)
	r.Get("/download/{fileID}", s.handleDownload)

	s.HTTP = httptest.NewServer(r)
	return s
}

// Close shuts the fake service down
func (s *Server) Close() { s.HTTP.Close() }

// URL returns the service base URL
func (s *Server) URL() string { return s.HTTP.URL }

// Uploads returns a copy of the recorded upload requests
func (s *Server) Uploads() []ReceivedUpload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ReceivedUpload(nil), s.uploads...)
}

// UploadCount returns how many upload requests reached the service
func (s *Server) UploadCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.uploads)
}

// LastFileID returns the file id issued for the most recent upload
func (s *Server) LastFileID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastID
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(models.MaxFileSize); err != nil {
		http.Error(w, `{"error":"malformed multipart body"}`, http.StatusBadRequest)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, `{"error":"No file part in the request"}`, http.StatusBadRequest)
		return
	}
	file.Close()

	s.mu.Lock()
	s.uploads = append(s.uploads, ReceivedUpload{
		Filename:      header.Filename,
		ExpectedTotal: r.FormValue("expected_total_students"),
		SubjectCode:   r.FormValue("subject_code"),
		Size:          int(header.Size),
	})
	s.mu.Unlock()

	if s.UploadStatus != 0 {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(s.UploadStatus)
		fmt.Fprint(w, s.UploadBody)
		return
	}

	fileID := newFileID()
	s.mu.Lock()
	s.fileIDs[fileID] = true
	s.lastID = fileID
	s.mu.Unlock()

	result := models.UploadResult{
		FileID:   fileID,
		Filename: trimExt(header.Filename) + "_graded.xlsx",
		Summary:  summarize(s.Details),
		Details:  s.Details,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}

func (s *Server) handleRanges(w http.ResponseWriter, r *http.Request) {
	if s.RangesStatus != 0 {
		http.Error(w, `{"error":"ranges unavailable"}`, s.RangesStatus)
		return
	}

	fileID := chi.URLParam(r, "fileID")
	s.mu.Lock()
	known := s.fileIDs[fileID]
	s.mu.Unlock()
	if !known {
		http.Error(w, `{"error":"File not found or has expired"}`, http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if s.Ranges == nil {
		fmt.Fprint(w, `{}`)
		return
	}
	json.NewEncoder(w).Encode(map[string]interface{}{"grade_ranges": s.Ranges})
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	if s.DownloadStatus != 0 {
		http.Error(w, `{"error":"Download failed"}`, s.DownloadStatus)
		return
	}

	fileID := chi.URLParam(r, "fileID")
	s.mu.Lock()
	known := s.fileIDs[fileID]
	s.mu.Unlock()
	if !known {
		http.Error(w, `{"error":"File not found or has expired"}`, http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s", s.DownloadName))
	w.Write(s.DownloadContent)
}

// summarize computes the statistics block from the fixture marks
func summarize(details []models.StudentRecord) models.Summary {
	var marks []float64
	for _, record := range details {
		if record.Marks != nil {
			marks = append(marks, *record.Marks)
		}
	}

	summary := models.Summary{
		Count:         len(marks),
		GradingMethod: "fixed_grading",
	}
	if len(marks) > 30 {
		summary.GradingMethod = "relative_grading"
	}
	if len(marks) == 0 {
		return summary
	}

	if avg, err := stats.Mean(marks); err == nil {
		if rounded, err := stats.Round(avg, 2); err == nil {
			summary.Average = rounded
		}
	}
	if max, err := stats.Max(marks); err == nil {
		summary.Max = max
	}
	if min, err := stats.Min(marks); err == nil {
		summary.Min = min
	}

	return summary
}

// DefaultDetails is a small graded fixture covering present and absent
// marks and every grade family the canonical order cares about.
func DefaultDetails() []models.StudentRecord {
	return []models.StudentRecord{
		record("Asha Rao", f(95), "O", f(10)),
		record("Ben Thomas", f(84), "A+", f(9)),
		record("Chitra Nair", f(74), "A", f(8)),
		record("Divya Menon", f(63), "B+", f(7)),
		record("Eshan Pillai", f(57), "B", f(6)),
		record("Farah Khan", f(51), "C", f(5)),
		record("Gopal Iyer", f(32), "U", f(0)),
		record("Hema Das", nil, "U", nil),
	}
}

func record(name string, marks *float64, grade string, points *float64) models.StudentRecord {
	return models.StudentRecord{Name: name, Marks: marks, Grade: grade, GradePoints: points}
}

func f(v float64) *float64 { return &v }

func newFileID() string {
	bytes := make([]byte, 8)
	rand.Read(bytes)
	return hex.EncodeToString(bytes)
}

func trimExt(name string) string {
	for i := len(name) - 1; i >= 0; i-- {
		if name[i] == '.' {
			return name[:i]
		}
	}
	return name
}
