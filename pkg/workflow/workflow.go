// Package workflow implements the upload/result controller: the state
// machine that takes a staged mark sheet through validation, submission
// to the grading service, result commitment, the supplementary range
// lookup and user notifications. One controller exists per session.
package workflow

import (
	"context"
	"errors"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/payback159/gradeview/pkg/grading"
	"github.com/payback159/gradeview/pkg/logging"
	"github.com/payback159/gradeview/pkg/models"
	"github.com/payback159/gradeview/pkg/results"
)

// Validation and lifecycle errors. Each corresponds to exactly one
// user-facing banner; handlers never surface them any other way.
var (
	ErrInvalidFileType      = errors.New("file must be an Excel spreadsheet (.xlsx or .xls)")
	ErrMissingFile          = errors.New("no file staged for upload")
	ErrInvalidExpectedTotal = errors.New("expected total students must be a non-negative number")
	ErrMissingSubjectCode   = errors.New("subject code must not be empty")
	ErrSubmitInFlight       = errors.New("an upload is already in progress")
	ErrNoDownloadTarget     = errors.New("no graded file available for download")
	ErrDownloadFailed       = errors.New("downloading the graded file failed")
)

// State is the complete workflow snapshot. Transitions replace fields
// wholesale; nothing outside this package mutates a published snapshot.
type State struct {
	Staged *models.StagedFile
	Params models.SubmissionParams
	Result *models.UploadResult
	Ranges models.GradeRangeMap
	Chart  []models.GradeCount
	Notice *models.Message
	Busy   bool
}

// Controller guards one workflow state and runs its transitions.
//
// The mutex stands in for the event loop of the original single-user
// interface: every transition takes the lock exactly once and commits
// all-or-nothing. The two network suspension points (upload, range
// lookup) run outside the lock, and their completions are checked
// against the epoch / file id they were issued for, so a completion
// that outlived a reset or re-selection is discarded instead of
// committing into fresh state.
type Controller struct {
	mu    sync.Mutex
	state State
	svc   grading.Service

	// epoch increments on every reset or re-selection; in-flight
	// upload completions from an older epoch are dropped.
	epoch uint64

	// noticeGen guards banner expiry: a timer only clears the banner
	// whose generation it captured.
	noticeGen uint64

	// indirection points for tests
	spawn    func(fn func())
	schedule func(d time.Duration, fn func())
}

// NewController creates a controller backed by the given grading service
func NewController(svc grading.Service) *Controller {
	return &Controller{
		svc:   svc,
		spawn: func(fn func()) { go fn() },
		schedule: func(d time.Duration, fn func()) {
			time.AfterFunc(d, fn)
		},
	}
}

// Snapshot returns a copy of the current workflow state for rendering
func (c *Controller) Snapshot() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Phase derives the workflow phase from the state rather than storing it
func (c *Controller) Phase() models.WorkflowPhase {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case c.state.Busy:
		return models.PhaseSubmitting
	case c.state.Result != nil:
		return models.PhaseResultReady
	case c.state.Staged != nil:
		return models.PhaseFileStaged
	default:
		return models.PhaseIdle
	}
}

// SelectFile stages a newly chosen mark sheet. Drag-and-drop and the
// file picker both funnel here. A name without an .xlsx/.xls suffix is
// rejected with an error banner and no other state change; a valid
// file fully resets the prior workflow before being staged, so an old
// result can never sit next to a new file.
func (c *Controller) SelectFile(name string, size int64, content []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !HasSpreadsheetExtension(name) {
		logging.LogWarn("Rejected staged file with invalid extension",
			"filename", name,
			"size_bytes", size)
		c.notifyLocked(ErrInvalidFileType.Error(), models.MessageError)
		return ErrInvalidFileType
	}

	c.epoch++
	c.state = State{
		Staged: &models.StagedFile{Name: name, Size: size, Content: content},
	}

	logging.LogInfo("File staged for grading",
		"filename", name,
		"size_bytes", size)

	return nil
}

// SetParams stores the raw submission parameters. They only exist
// while a file is staged; without one the call is a no-op.
func (c *Controller) SetParams(expectedTotal, subjectCode string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.Staged == nil {
		return
	}
	c.state.Params = models.SubmissionParams{
		ExpectedTotal: expectedTotal,
		SubjectCode:   subjectCode,
	}
}

// Reset clears the staged file, parameters, result, ranges, chart and
// busy flag unconditionally. Idempotent. A visible banner is left to
// its own expiry timer.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.epoch++
	notice := c.state.Notice
	c.state = State{Notice: notice}

	logging.LogDebug("Workflow reset")
}

// Submit validates the staged file and parameters, uploads to the
// grading service and commits the result. Validation failures surface
// as banners before any network call. The busy flag is cleared on
// every outcome.
func (c *Controller) Submit(ctx context.Context) error {
	c.mu.Lock()

	if c.state.Busy {
		c.mu.Unlock()
		return ErrSubmitInFlight
	}
	if c.state.Staged == nil {
		c.notifyLocked("Please choose a mark sheet before uploading.", models.MessageError)
		c.mu.Unlock()
		return ErrMissingFile
	}

	expectedTotal, err := parseExpectedTotal(c.state.Params.ExpectedTotal)
	if err != nil {
		c.notifyLocked("Please enter a valid (non-negative) expected student count.", models.MessageError)
		c.mu.Unlock()
		return err
	}

	subjectCode := strings.TrimSpace(c.state.Params.SubjectCode)
	if subjectCode == "" {
		c.notifyLocked("Please enter a subject code.", models.MessageError)
		c.mu.Unlock()
		return ErrMissingSubjectCode
	}

	c.state.Busy = true
	issuedAt := c.epoch
	staged := c.state.Staged
	c.mu.Unlock()

	result, uploadErr := c.svc.Upload(ctx, grading.UploadRequest{
		Filename:      staged.Name,
		Content:       staged.Content,
		ExpectedTotal: expectedTotal,
		SubjectCode:   subjectCode,
	})

	c.mu.Lock()

	if c.epoch != issuedAt {
		// The workflow was reset or re-staged while the upload was in
		// flight; this response no longer has a home.
		logging.LogWarn("Discarded stale upload response",
			"filename", staged.Name,
			"issued_epoch", issuedAt,
			"current_epoch", c.epoch)
		c.mu.Unlock()
		return nil
	}

	c.state.Busy = false

	if uploadErr != nil {
		var rejection *grading.UploadError
		if errors.As(uploadErr, &rejection) {
			c.notifyLocked(rejection.UserMessage(), models.MessageError)
		} else {
			logging.LogError("Upload to grading service failed", uploadErr,
				"filename", staged.Name)
			c.notifyLocked("Could not reach the grading service. Please try again.", models.MessageError)
		}
		c.mu.Unlock()
		return uploadErr
	}

	c.state.Result = result
	c.state.Chart = results.Aggregate(result.Details)
	c.state.Ranges = nil
	c.notifyLocked("File processed successfully.", models.MessageSuccess)
	fileID := result.FileID
	c.mu.Unlock()

	// Supplementary lookup: starts only after the result is committed,
	// and its failure never touches the committed result.
	c.spawn(func() { c.fetchRanges(fileID) })

	return nil
}

// fetchRanges resolves the grade-to-mark-range mapping for the given
// upload. Best effort: every failure leaves the ranges absent. The
// result is keyed to the file id it was fetched for; if a different
// result (or none) is current when it lands, it is dropped.
func (c *Controller) fetchRanges(fileID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	ranges, err := c.svc.GradeRanges(ctx, fileID)
	if err != nil {
		logging.LogWarn("Grade range lookup failed, continuing without ranges",
			"file_id", fileID,
			"error", err.Error())
		return
	}
	if ranges == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.Result == nil || c.state.Result.FileID != fileID {
		logging.LogDebug("Discarded grade ranges for stale upload",
			"file_id", fileID)
		return
	}
	c.state.Ranges = ranges
}

// Download opens the graded-file stream for the committed result. The
// caller must close the reader on every path; the returned filename
// falls back to the one committed at upload time when the service
// supplies none.
func (c *Controller) Download(ctx context.Context) (io.ReadCloser, string, error) {
	c.mu.Lock()
	result := c.state.Result
	if result == nil {
		c.notifyLocked("Upload and grade a mark sheet before downloading.", models.MessageError)
		c.mu.Unlock()
		return nil, "", ErrNoDownloadTarget
	}
	fileID := result.FileID
	fallbackName := result.Filename
	c.mu.Unlock()

	stream, filename, err := c.svc.Download(ctx, fileID)
	if err != nil {
		logging.LogError("Graded file download failed", err, "file_id", fileID)
		c.mu.Lock()
		c.notifyLocked("Could not download the graded file. Please try again.", models.MessageError)
		c.mu.Unlock()
		return nil, "", ErrDownloadFailed
	}

	if filename == "" {
		filename = fallbackName
	}

	c.mu.Lock()
	c.notifyLocked("Graded file download started.", models.MessageSuccess)
	c.mu.Unlock()

	return stream, filename, nil
}

// Notify publishes a transient banner. Single slot: a new banner
// replaces the old one immediately.
func (c *Controller) Notify(text string, kind models.MessageType) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notifyLocked(text, kind)
}

// notifyLocked sets the banner and arms its expiry. The timer captures
// the banner's generation and only clears the slot if that generation
// is still current, so an old timer can never wipe a newer banner.
// Callers must hold c.mu.
func (c *Controller) notifyLocked(text string, kind models.MessageType) {
	c.state.Notice = &models.Message{Type: kind, Text: text}
	c.noticeGen++
	gen := c.noticeGen

	c.schedule(models.NotificationTTL, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.noticeGen == gen {
			c.state.Notice = nil
		}
	})
}

// HasSpreadsheetExtension reports whether the filename carries one of
// the accepted mark sheet extensions, case-insensitively.
func HasSpreadsheetExtension(name string) bool {
	lower := strings.ToLower(name)
	return strings.HasSuffix(lower, ".xlsx") || strings.HasSuffix(lower, ".xls")
}

func parseExpectedTotal(raw string) (int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return 0, ErrInvalidExpectedTotal
	}
	n, err := strconv.Atoi(trimmed)
	if err != nil || n < 0 {
		return 0, ErrInvalidExpectedTotal
	}
	return n, nil
}
