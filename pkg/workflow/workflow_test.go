package workflow

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/payback159/gradeview/pkg/grading"
	"github.com/payback159/gradeview/pkg/logging"
	"github.com/payback159/gradeview/pkg/models"
)

func TestMain(m *testing.M) {
	logging.InitLogger()
	m.Run()
}

// fakeService is a scriptable grading.Service
type fakeService struct {
	uploadFn   func(ctx context.Context, req grading.UploadRequest) (*models.UploadResult, error)
	rangesFn   func(ctx context.Context, fileID string) (models.GradeRangeMap, error)
	downloadFn func(ctx context.Context, fileID string) (io.ReadCloser, string, error)

	uploadCalls   int
	rangeCalls    int
	downloadCalls int
}

func (f *fakeService) Upload(ctx context.Context, req grading.UploadRequest) (*models.UploadResult, error) {
	f.uploadCalls++
	if f.uploadFn == nil {
		return gradedResult("file-1"), nil
	}
	return f.uploadFn(ctx, req)
}

func (f *fakeService) GradeRanges(ctx context.Context, fileID string) (models.GradeRangeMap, error) {
	f.rangeCalls++
	if f.rangesFn == nil {
		return models.GradeRangeMap{"O": "91 - 100"}, nil
	}
	return f.rangesFn(ctx, fileID)
}

func (f *fakeService) Download(ctx context.Context, fileID string) (io.ReadCloser, string, error) {
	f.downloadCalls++
	if f.downloadFn == nil {
		return io.NopCloser(strings.NewReader("graded-bytes")), "marks_graded.xlsx", nil
	}
	return f.downloadFn(ctx, fileID)
}

func gradedResult(fileID string) *models.UploadResult {
	return &models.UploadResult{
		FileID:   fileID,
		Filename: "marks_graded.xlsx",
		Summary:  models.Summary{Count: 3, Average: 71.3, Max: 95, Min: 51, GradingMethod: "fixed_grading"},
		Details: []models.StudentRecord{
			{Name: "Asha", Grade: "O"},
			{Name: "Ben", Grade: "O"},
			{Name: "Chitra", Grade: "B"},
		},
	}
}

// newTestController wires a controller with synchronous spawning and
// captured banner timers so tests control time.
func newTestController(svc grading.Service) (*Controller, *[]func()) {
	c := NewController(svc)
	c.spawn = func(fn func()) { fn() }
	timers := &[]func(){}
	c.schedule = func(d time.Duration, fn func()) {
		*timers = append(*timers, fn)
	}
	return c, timers
}

func stageValid(t *testing.T, c *Controller) {
	t.Helper()
	if err := c.SelectFile("marks.xlsx", 128, []byte("sheet")); err != nil {
		t.Fatalf("staging valid file: %v", err)
	}
	c.SetParams("60", "CS101")
}

// --- SelectFile ---

func TestSelectFile_RejectsInvalidExtension(t *testing.T) {
	for _, name := range []string{"marks.csv", "marks.pdf", "marks", "marks.xlsx.txt"} {
		svc := &fakeService{}
		c, _ := newTestController(svc)

		err := c.SelectFile(name, 10, []byte("junk"))
		if err != ErrInvalidFileType {
			t.Errorf("%s: want ErrInvalidFileType, got %v", name, err)
		}

		state := c.Snapshot()
		if state.Staged != nil {
			t.Errorf("%s: staged file must remain unchanged", name)
		}
		if state.Notice == nil || state.Notice.Type != models.MessageError {
			t.Errorf("%s: want exactly one error banner, got %+v", name, state.Notice)
		}
	}
}

func TestSelectFile_InvalidExtensionKeepsPriorStagedFile(t *testing.T) {
	c, _ := newTestController(&fakeService{})
	stageValid(t, c)

	if err := c.SelectFile("notes.txt", 5, nil); err != ErrInvalidFileType {
		t.Fatalf("want ErrInvalidFileType, got %v", err)
	}

	state := c.Snapshot()
	if state.Staged == nil || state.Staged.Name != "marks.xlsx" {
		t.Errorf("prior staged file must survive a rejected selection, got %+v", state.Staged)
	}
}

func TestSelectFile_AcceptsCaseInsensitiveExtensions(t *testing.T) {
	for _, name := range []string{"marks.xlsx", "MARKS.XLSX", "marks.XLS", "old.xls"} {
		c, _ := newTestController(&fakeService{})
		if err := c.SelectFile(name, 10, []byte("sheet")); err != nil {
			t.Errorf("%s: want nil error, got %v", name, err)
		}
	}
}

func TestSelectFile_ClearsPriorResult(t *testing.T) {
	svc := &fakeService{}
	c, _ := newTestController(svc)
	stageValid(t, c)

	if err := c.Submit(context.Background()); err != nil {
		t.Fatalf("submit: %v", err)
	}
	state := c.Snapshot()
	if state.Result == nil || state.Chart == nil || state.Ranges == nil {
		t.Fatalf("precondition: result, chart and ranges populated, got %+v", state)
	}

	if err := c.SelectFile("second.xls", 64, []byte("sheet2")); err != nil {
		t.Fatalf("re-selection: %v", err)
	}

	state = c.Snapshot()
	if state.Result != nil || state.Ranges != nil || state.Chart != nil {
		t.Errorf("re-selection must clear result, ranges and chart: %+v", state)
	}
	if state.Params != (models.SubmissionParams{}) {
		t.Errorf("re-selection must clear parameters: %+v", state.Params)
	}
	if state.Staged == nil || state.Staged.Name != "second.xls" {
		t.Errorf("new file must be staged: %+v", state.Staged)
	}
}

// --- Submit validation ---

func TestSubmit_MissingFile(t *testing.T) {
	svc := &fakeService{}
	c, _ := newTestController(svc)

	if err := c.Submit(context.Background()); err != ErrMissingFile {
		t.Errorf("want ErrMissingFile, got %v", err)
	}
	if svc.uploadCalls != 0 {
		t.Errorf("no network call may happen on validation failure, got %d", svc.uploadCalls)
	}
}

func TestSubmit_InvalidExpectedTotal(t *testing.T) {
	for _, raw := range []string{"", "-1", "abc", "12.5", " "} {
		svc := &fakeService{}
		c, _ := newTestController(svc)
		if err := c.SelectFile("marks.xlsx", 10, []byte("sheet")); err != nil {
			t.Fatal(err)
		}
		c.SetParams(raw, "CS101")

		if err := c.Submit(context.Background()); err != ErrInvalidExpectedTotal {
			t.Errorf("%q: want ErrInvalidExpectedTotal, got %v", raw, err)
		}
		if svc.uploadCalls != 0 {
			t.Errorf("%q: no network call may happen, got %d", raw, svc.uploadCalls)
		}
	}
}

func TestSubmit_ZeroExpectedTotalIsValid(t *testing.T) {
	svc := &fakeService{}
	c, _ := newTestController(svc)
	if err := c.SelectFile("marks.xlsx", 10, []byte("sheet")); err != nil {
		t.Fatal(err)
	}
	c.SetParams("0", "CS101")

	if err := c.Submit(context.Background()); err != nil {
		t.Errorf("zero is non-negative and must pass: %v", err)
	}
}

func TestSubmit_MissingSubjectCode(t *testing.T) {
	for _, raw := range []string{"", "   "} {
		svc := &fakeService{}
		c, _ := newTestController(svc)
		if err := c.SelectFile("marks.xlsx", 10, []byte("sheet")); err != nil {
			t.Fatal(err)
		}
		c.SetParams("60", raw)

		if err := c.Submit(context.Background()); err != ErrMissingSubjectCode {
			t.Errorf("%q: want ErrMissingSubjectCode, got %v", raw, err)
		}
		if svc.uploadCalls != 0 {
			t.Errorf("%q: no network call may happen, got %d", raw, svc.uploadCalls)
		}
	}
}

func TestSubmit_BusyGate(t *testing.T) {
	svc := &fakeService{}
	c, _ := newTestController(svc)
	stageValid(t, c)
	c.state.Busy = true

	if err := c.Submit(context.Background()); err != ErrSubmitInFlight {
		t.Errorf("want ErrSubmitInFlight, got %v", err)
	}
	if svc.uploadCalls != 0 {
		t.Errorf("busy workflow must not issue uploads, got %d", svc.uploadCalls)
	}
}

// --- Submit outcomes ---

func TestSubmit_CommitsResultAndChart(t *testing.T) {
	svc := &fakeService{}
	c, _ := newTestController(svc)
	stageValid(t, c)

	if err := c.Submit(context.Background()); err != nil {
		t.Fatalf("submit: %v", err)
	}

	state := c.Snapshot()
	if state.Busy {
		t.Error("busy flag must clear after success")
	}
	if state.Result == nil || state.Result.FileID != "file-1" {
		t.Fatalf("result not committed: %+v", state.Result)
	}
	if len(state.Chart) != 7 {
		t.Fatalf("chart must cover all canonical grades, got %d", len(state.Chart))
	}
	if state.Chart[0].Grade != "O" || state.Chart[0].Count != 2 {
		t.Errorf("chart aggregation wrong: %+v", state.Chart[0])
	}
	if state.Notice == nil || state.Notice.Type != models.MessageSuccess {
		t.Errorf("want success banner, got %+v", state.Notice)
	}
	if state.Ranges == nil {
		t.Errorf("range lookup should have resolved, got nil")
	}
}

func TestSubmit_SubjectMismatchBanner(t *testing.T) {
	svc := &fakeService{
		uploadFn: func(ctx context.Context, req grading.UploadRequest) (*models.UploadResult, error) {
			return nil, &grading.UploadError{
				Status:        409,
				Message:       "mismatch",
				FoundSubjects: []string{"CS101", "CS102"},
			}
		},
	}
	c, _ := newTestController(svc)
	stageValid(t, c)

	if err := c.Submit(context.Background()); err == nil {
		t.Fatal("want upload error")
	}

	state := c.Snapshot()
	if state.Busy {
		t.Error("busy flag must clear after failure")
	}
	if state.Result != nil {
		t.Error("no partial state may be committed on failure")
	}
	if state.Notice == nil || state.Notice.Type != models.MessageError {
		t.Fatalf("want error banner, got %+v", state.Notice)
	}
	if !strings.Contains(state.Notice.Text, "mismatch") {
		t.Errorf("banner must carry the service error text: %q", state.Notice.Text)
	}
	if !strings.Contains(state.Notice.Text, "CS101, CS102") {
		t.Errorf("banner must list found subjects: %q", state.Notice.Text)
	}
}

func TestSubmit_TransportErrorBanner(t *testing.T) {
	svc := &fakeService{
		uploadFn: func(ctx context.Context, req grading.UploadRequest) (*models.UploadResult, error) {
			return nil, io.ErrUnexpectedEOF
		},
	}
	c, _ := newTestController(svc)
	stageValid(t, c)

	if err := c.Submit(context.Background()); err == nil {
		t.Fatal("want transport error")
	}

	state := c.Snapshot()
	if state.Busy {
		t.Error("busy flag must clear after transport failure")
	}
	if state.Notice == nil || state.Notice.Type != models.MessageError {
		t.Errorf("want error banner, got %+v", state.Notice)
	}
}

func TestSubmit_PassesTrimmedParameters(t *testing.T) {
	var got grading.UploadRequest
	svc := &fakeService{
		uploadFn: func(ctx context.Context, req grading.UploadRequest) (*models.UploadResult, error) {
			got = req
			return gradedResult("file-1"), nil
		},
	}
	c, _ := newTestController(svc)
	if err := c.SelectFile("marks.xlsx", 10, []byte("sheet")); err != nil {
		t.Fatal(err)
	}
	c.SetParams(" 60 ", "  CS101  ")

	if err := c.Submit(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got.ExpectedTotal != 60 {
		t.Errorf("expected total: want 60, got %d", got.ExpectedTotal)
	}
	if got.SubjectCode != "CS101" {
		t.Errorf("subject code: want trimmed CS101, got %q", got.SubjectCode)
	}
	if got.Filename != "marks.xlsx" || string(got.Content) != "sheet" {
		t.Errorf("staged file not forwarded: %+v", got)
	}
}

func TestSubmit_StaleResponseDiscardedAfterReset(t *testing.T) {
	svc := &fakeService{}
	c, _ := newTestController(svc)
	svc.uploadFn = func(ctx context.Context, req grading.UploadRequest) (*models.UploadResult, error) {
		// The workflow is reset while the upload is in flight
		c.Reset()
		return gradedResult("late-file"), nil
	}
	stageValid(t, c)

	if err := c.Submit(context.Background()); err != nil {
		t.Fatalf("stale completions are dropped silently: %v", err)
	}

	state := c.Snapshot()
	if state.Result != nil {
		t.Errorf("stale upload response must not commit, got %+v", state.Result)
	}
	if state.Busy {
		t.Error("busy flag must not linger after reset")
	}
}

// --- Range lookup ---

func TestRangeFetch_FailureLeavesResultIntact(t *testing.T) {
	svc := &fakeService{
		rangesFn: func(ctx context.Context, fileID string) (models.GradeRangeMap, error) {
			return nil, io.ErrUnexpectedEOF
		},
	}
	c, _ := newTestController(svc)
	stageValid(t, c)

	if err := c.Submit(context.Background()); err != nil {
		t.Fatalf("submit must succeed despite range failure: %v", err)
	}

	state := c.Snapshot()
	if state.Ranges != nil {
		t.Errorf("failed lookup must leave ranges absent, got %+v", state.Ranges)
	}
	if state.Result == nil || len(state.Result.Details) == 0 {
		t.Error("summary and details must stay populated")
	}
	if state.Notice == nil || state.Notice.Type != models.MessageSuccess {
		t.Errorf("range failure is never user-visible, got %+v", state.Notice)
	}
}

func TestRangeFetch_StartsAfterCommit(t *testing.T) {
	svc := &fakeService{}
	c, _ := newTestController(svc)
	svc.rangesFn = func(ctx context.Context, fileID string) (models.GradeRangeMap, error) {
		if c.Snapshot().Result == nil {
			t.Error("range lookup must only start after the result is committed")
		}
		return models.GradeRangeMap{"O": "91 - 100"}, nil
	}
	stageValid(t, c)

	if err := c.Submit(context.Background()); err != nil {
		t.Fatal(err)
	}
	if svc.rangeCalls != 1 {
		t.Errorf("want exactly one range lookup, got %d", svc.rangeCalls)
	}
}

func TestRangeFetch_StaleFileIDDiscarded(t *testing.T) {
	svc := &fakeService{}
	c, _ := newTestController(svc)

	// Capture the lookup instead of running it inline
	var pending []func()
	c.spawn = func(fn func()) { pending = append(pending, fn) }

	stageValid(t, c)
	if err := c.Submit(context.Background()); err != nil {
		t.Fatal(err)
	}

	// The workflow moves on before the first lookup lands
	if err := c.SelectFile("second.xlsx", 32, []byte("sheet2")); err != nil {
		t.Fatal(err)
	}

	for _, fn := range pending {
		fn()
	}

	if state := c.Snapshot(); state.Ranges != nil {
		t.Errorf("ranges keyed to a stale file id must be dropped, got %+v", state.Ranges)
	}
}

// --- Notifications ---

func TestNotify_AutoExpires(t *testing.T) {
	c, timers := newTestController(&fakeService{})

	c.Notify("saved", models.MessageSuccess)
	if c.Snapshot().Notice == nil {
		t.Fatal("banner must be visible before expiry")
	}

	(*timers)[0]()
	if c.Snapshot().Notice != nil {
		t.Error("banner must clear after its delay")
	}
}

func TestNotify_OldTimerCannotClearNewerBanner(t *testing.T) {
	c, timers := newTestController(&fakeService{})

	c.Notify("first", models.MessageError)
	c.Notify("second", models.MessageSuccess)

	// The first banner's timer fires after it was replaced
	(*timers)[0]()

	notice := c.Snapshot().Notice
	if notice == nil || notice.Text != "second" {
		t.Errorf("older timer must not clear the newer banner, got %+v", notice)
	}

	// The second banner still expires on its own timer
	(*timers)[1]()
	if c.Snapshot().Notice != nil {
		t.Error("newer banner must clear on its own timer")
	}
}

func TestNotify_SingleSlotReplacement(t *testing.T) {
	c, _ := newTestController(&fakeService{})

	c.Notify("first", models.MessageError)
	c.Notify("second", models.MessageSuccess)

	notice := c.Snapshot().Notice
	if notice == nil || notice.Text != "second" || notice.Type != models.MessageSuccess {
		t.Errorf("a new banner replaces the old one immediately, got %+v", notice)
	}
}

// --- Download ---

func TestDownload_NoTarget(t *testing.T) {
	svc := &fakeService{}
	c, _ := newTestController(svc)

	_, _, err := c.Download(context.Background())
	if err != ErrNoDownloadTarget {
		t.Errorf("want ErrNoDownloadTarget, got %v", err)
	}
	if svc.downloadCalls != 0 {
		t.Errorf("no network call without a committed result, got %d", svc.downloadCalls)
	}
	if notice := c.Snapshot().Notice; notice == nil || notice.Type != models.MessageError {
		t.Errorf("want error banner, got %+v", notice)
	}
}

func TestDownload_StreamsGradedFile(t *testing.T) {
	svc := &fakeService{}
	c, _ := newTestController(svc)
	stageValid(t, c)
	if err := c.Submit(context.Background()); err != nil {
		t.Fatal(err)
	}

	stream, filename, err := c.Download(context.Background())
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	defer stream.Close()

	content, err := io.ReadAll(stream)
	if err != nil {
		t.Fatal(err)
	}
	if string(content) != "graded-bytes" {
		t.Errorf("stream content: got %q", content)
	}
	if filename != "marks_graded.xlsx" {
		t.Errorf("filename: got %q", filename)
	}
	if notice := c.Snapshot().Notice; notice == nil || notice.Type != models.MessageSuccess {
		t.Errorf("want success banner, got %+v", notice)
	}
}

func TestDownload_FallbackFilename(t *testing.T) {
	svc := &fakeService{
		downloadFn: func(ctx context.Context, fileID string) (io.ReadCloser, string, error) {
			return io.NopCloser(strings.NewReader("bytes")), "", nil
		},
	}
	c, _ := newTestController(svc)
	stageValid(t, c)
	if err := c.Submit(context.Background()); err != nil {
		t.Fatal(err)
	}

	stream, filename, err := c.Download(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	stream.Close()

	if filename != "marks_graded.xlsx" {
		t.Errorf("want filename committed at upload time, got %q", filename)
	}
}

func TestDownload_ServiceFailure(t *testing.T) {
	svc := &fakeService{
		downloadFn: func(ctx context.Context, fileID string) (io.ReadCloser, string, error) {
			return nil, "", io.ErrUnexpectedEOF
		},
	}
	c, _ := newTestController(svc)
	stageValid(t, c)
	if err := c.Submit(context.Background()); err != nil {
		t.Fatal(err)
	}

	_, _, err := c.Download(context.Background())
	if err != ErrDownloadFailed {
		t.Errorf("want ErrDownloadFailed, got %v", err)
	}
	if notice := c.Snapshot().Notice; notice == nil || notice.Type != models.MessageError {
		t.Errorf("want error banner, got %+v", notice)
	}
}

// --- Lifecycle ---

func TestReset_ClearsEverythingAndIsIdempotent(t *testing.T) {
	svc := &fakeService{}
	c, _ := newTestController(svc)
	stageValid(t, c)
	if err := c.Submit(context.Background()); err != nil {
		t.Fatal(err)
	}

	c.Reset()
	c.Reset()

	state := c.Snapshot()
	if state.Staged != nil || state.Result != nil || state.Ranges != nil || state.Chart != nil {
		t.Errorf("reset must clear the workflow: %+v", state)
	}
	if state.Params != (models.SubmissionParams{}) {
		t.Errorf("reset must clear parameters: %+v", state.Params)
	}
	if state.Busy {
		t.Error("reset must clear the busy flag")
	}
}

func TestPhaseDerivation(t *testing.T) {
	svc := &fakeService{}
	c, _ := newTestController(svc)

	if phase := c.Phase(); phase != models.PhaseIdle {
		t.Errorf("want idle, got %s", phase)
	}

	stageValid(t, c)
	if phase := c.Phase(); phase != models.PhaseFileStaged {
		t.Errorf("want file_staged, got %s", phase)
	}

	c.state.Busy = true
	if phase := c.Phase(); phase != models.PhaseSubmitting {
		t.Errorf("want submitting, got %s", phase)
	}
	c.state.Busy = false

	if err := c.Submit(context.Background()); err != nil {
		t.Fatal(err)
	}
	if phase := c.Phase(); phase != models.PhaseResultReady {
		t.Errorf("want result_ready, got %s", phase)
	}
}

func TestSetParams_RequiresStagedFile(t *testing.T) {
	c, _ := newTestController(&fakeService{})
	c.SetParams("60", "CS101")

	if params := c.Snapshot().Params; params != (models.SubmissionParams{}) {
		t.Errorf("parameters must not exist without a staged file: %+v", params)
	}
}
