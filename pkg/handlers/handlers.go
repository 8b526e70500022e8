package handlers

import (
	"fmt"
	"html/template"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/csrf"

	"github.com/payback159/gradeview/pkg/logging"
	"github.com/payback159/gradeview/pkg/models"
	"github.com/payback159/gradeview/pkg/results"
	"github.com/payback159/gradeview/pkg/security"
	"github.com/payback159/gradeview/pkg/session"
	"github.com/payback159/gradeview/pkg/workflow"
)

// Handler holds dependencies for HTTP handlers
type Handler struct {
	Templates    *template.Template
	SessionStore *session.Store
}

// NewHandler creates a new handler with dependencies
func NewHandler(templates *template.Template, sessionStore *session.Store) *Handler {
	return &Handler{
		Templates:    templates,
		SessionStore: sessionStore,
	}
}

// getCSRFField returns CSRF field for production, empty string for development
func getCSRFField(r *http.Request) template.HTML {
	if os.Getenv("ENV") == "production" {
		return csrf.TemplateField(r)
	}
	return template.HTML("")
}

// controllerFor resolves the request's workflow controller, creating a
// session (and its cookie) on first contact.
func (h *Handler) controllerFor(w http.ResponseWriter, r *http.Request) (*workflow.Controller, string) {
	if cookie, err := r.Cookie("session_id"); err == nil && cookie.Value != "" {
		return h.SessionStore.GetOrCreate(cookie.Value), cookie.Value
	}

	sessionID, err := session.GenerateSessionID()
	if err != nil {
		logging.LogCritical("Session ID generation failed", err,
			"ip", security.GetClientIP(r))
		// Degrade to an unkeyed throwaway session rather than failing the page
		sessionID = "anonymous"
	}

	http.SetCookie(w, &http.Cookie{
		Name:     "session_id",
		Value:    sessionID,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   os.Getenv("ENV") == "production",
		MaxAge:   models.SessionTimeout,
	})

	return h.SessionStore.GetOrCreate(sessionID), sessionID
}

// pageData builds the template view model from a workflow snapshot
func pageData(r *http.Request, ctrl *workflow.Controller, sessionID string) models.PageData {
	state := ctrl.Snapshot()

	data := models.PageData{
		Phase:     ctrl.Phase(),
		Staged:    state.Staged,
		Params:    state.Params,
		Message:   state.Notice,
		Busy:      state.Busy,
		Result:    state.Result,
		Ranges:    results.OrderedRanges(state.Ranges),
		SessionID: sessionID,
		CSRFField: getCSRFField(r),
	}
	data.HasRanges = len(data.Ranges) > 0

	if state.Result != nil {
		data.MethodLabel = results.MethodLabel(state.Result.Summary.GradingMethod)

		total := 0
		for _, gc := range state.Chart {
			total += gc.Count
		}
		for _, gc := range state.Chart {
			percent := 0
			if total > 0 {
				percent = gc.Count * 100 / total
			}
			data.Chart = append(data.Chart, models.ChartRow{
				Grade:   gc.Grade,
				Count:   gc.Count,
				Percent: percent,
			})
		}
	}

	return data
}

// render executes the page template with the current workflow state
func (h *Handler) render(w http.ResponseWriter, r *http.Request, ctrl *workflow.Controller, sessionID string) {
	if err := h.Templates.ExecuteTemplate(w, "index.html", pageData(r, ctrl, sessionID)); err != nil {
		logging.LogError("Template rendering failed", err,
			"session_id", sessionID,
			"ip", security.GetClientIP(r))
	}
}

// HandleHome handles the main page
func (h *Handler) HandleHome(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	ctrl, sessionID := h.controllerFor(w, r)
	h.render(w, r, ctrl, sessionID)
}

// HandleSelect stages a newly chosen mark sheet. Drag-and-drop and the
// picker both post here; the controller is the single intake funnel.
func (h *Handler) HandleSelect(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ip := security.GetClientIP(r)
	ctrl, sessionID := h.controllerFor(w, r)

	if err := r.ParseMultipartForm(models.MaxFileSize); err != nil {
		logging.LogError("Form parsing failed", err,
			"content_length", r.ContentLength,
			"content_type", r.Header.Get("Content-Type"),
			"ip", ip)
		ctrl.Notify("Could not read the uploaded file.", models.MessageError)
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}

	file, fileHeader, err := r.FormFile("file")
	if err != nil {
		logging.LogWarn("File selection without file part",
			"session_id", sessionID,
			"ip", ip)
		ctrl.Notify("Please choose a mark sheet first.", models.MessageError)
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}
	defer file.Close()

	if !workflow.HasSpreadsheetExtension(fileHeader.Filename) {
		// Let the intake contract reject and raise its own banner
		ctrl.SelectFile(fileHeader.Filename, fileHeader.Size, nil)
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}

	if err := security.ValidateUpload(fileHeader); err != nil {
		logging.LogSecurityEvent("Invalid file upload attempted", "medium",
			"filename", fileHeader.Filename,
			"size", fileHeader.Size,
			"error", err.Error())
		ctrl.Notify(err.Error(), models.MessageError)
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}

	content, err := io.ReadAll(io.LimitReader(file, models.MaxFileSize))
	if err != nil {
		logging.LogError("Reading uploaded file failed", err,
			"filename", fileHeader.Filename,
			"session_id", sessionID,
			"ip", ip)
		ctrl.Notify("Could not read the uploaded file.", models.MessageError)
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}

	if err := ctrl.SelectFile(fileHeader.Filename, fileHeader.Size, content); err == nil {
		logging.LogFileOperation("file_staged", fileHeader.Filename, fileHeader.Size, time.Since(start), true,
			"session_id", sessionID,
			"ip", ip)
	}

	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// HandleSubmit validates parameters and delegates grading to the
// remote service via the workflow controller.
func (h *Handler) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ip := security.GetClientIP(r)
	ctrl, sessionID := h.controllerFor(w, r)

	if err := r.ParseForm(); err != nil {
		logging.LogError("Form parsing failed", err,
			"content_length", r.ContentLength,
			"ip", ip)
		ctrl.Notify("Could not read the submitted form.", models.MessageError)
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}

	ctrl.SetParams(
		r.FormValue("expected_total_students"),
		r.FormValue("subject_code"),
	)

	err := ctrl.Submit(r.Context())
	duration := time.Since(start)

	if err != nil {
		// Banner already raised by the controller; just log the outcome
		logging.LogInfo("Submission not completed",
			"session_id", sessionID,
			"ip", ip,
			"reason", err.Error(),
			"duration_ms", duration.Milliseconds())
	} else {
		logging.LogInfo("Submission completed",
			"session_id", sessionID,
			"ip", ip,
			"duration_ms", duration.Milliseconds())
	}

	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// HandleReset clears the session's workflow state
func (h *Handler) HandleReset(w http.ResponseWriter, r *http.Request) {
	ctrl, sessionID := h.controllerFor(w, r)
	ctrl.Reset()

	logging.LogDebug("Workflow reset requested",
		"session_id", sessionID,
		"ip", security.GetClientIP(r))

	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// HandleDownload streams the graded spreadsheet from the grading
// service to the browser. The stream is closed on every exit path.
func (h *Handler) HandleDownload(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ip := security.GetClientIP(r)
	ctrl, sessionID := h.controllerFor(w, r)

	stream, filename, err := ctrl.Download(r.Context())
	if err != nil {
		// Banner raised by the controller
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}
	defer stream.Close()

	if filename == "" {
		filename = "graded_results.xlsx"
	}

	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s", filename))
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")

	written, err := io.Copy(w, stream)
	duration := time.Since(start)
	if err != nil {
		// Response already started, can't send an error status
		logging.LogFileOperation("graded_download", filename, written, duration, false,
			"session_id", sessionID,
			"ip", ip)
		return
	}

	logging.LogFileOperation("graded_download", filename, written, duration, true,
		"session_id", sessionID,
		"ip", ip)
}

// HandleHealthz is the liveness endpoint
func (h *Handler) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprint(w, `{"status":"healthy","message":"grade upload console is running"}`)
}
