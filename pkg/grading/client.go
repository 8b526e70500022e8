// Package grading is the HTTP client for the remote grading service.
// The service owns the grading algorithm, the range derivation and the
// graded spreadsheet; this package only speaks its wire contract.
package grading

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/tidwall/gjson"

	"github.com/payback159/gradeview/pkg/logging"
	"github.com/payback159/gradeview/pkg/models"
)

// Service is the remote grading contract as seen by the workflow.
// Implemented by Client against the real service and by test fakes.
type Service interface {
	// Upload submits the mark sheet plus parameters and returns the
	// graded result envelope. Service-side rejections come back as
	// *UploadError.
	Upload(ctx context.Context, req UploadRequest) (*models.UploadResult, error)

	// GradeRanges looks up the grade-to-mark-range mapping derived for
	// a previously uploaded file. A nil map with nil error means the
	// service answered without ranges.
	GradeRanges(ctx context.Context, fileID string) (models.GradeRangeMap, error)

	// Download streams the graded spreadsheet. The returned filename
	// comes from the service's Content-Disposition header and may be
	// empty. The caller must close the reader.
	Download(ctx context.Context, fileID string) (io.ReadCloser, string, error)
}

// UploadRequest carries everything the upload endpoint needs
type UploadRequest struct {
	Filename      string
	Content       []byte
	ExpectedTotal int
	SubjectCode   string
}

// UploadError is a service-side upload rejection. FoundSubjects carries
// the candidate subject codes the service reports on a subject
// mismatch, so the user can correct their input.
type UploadError struct {
	Status        int
	Message       string
	FoundSubjects []string
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("grading service rejected upload (status %d): %s", e.Status, e.UserMessage())
}

// UserMessage composes the banner text: the service's error text (or a
// generic fallback) enriched with the found-subjects list when present.
func (e *UploadError) UserMessage() string {
	msg := e.Message
	if msg == "" {
		msg = "Upload failed. Please try again."
	}
	if len(e.FoundSubjects) > 0 {
		msg = strings.TrimRight(msg, ". ") + ". Found subjects: " + strings.Join(e.FoundSubjects, ", ")
	}
	return msg
}

// Client talks to the grading service over HTTP
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a grading service client for the given base URL
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

// Upload implements Service against POST /upload
func (c *Client) Upload(ctx context.Context, req UploadRequest) (*models.UploadResult, error) {
	start := time.Now()

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	part, err := writer.CreateFormFile("file", req.Filename)
	if err != nil {
		return nil, errors.Wrap(err, "building multipart payload")
	}
	if _, err := part.Write(req.Content); err != nil {
		return nil, errors.Wrap(err, "writing file part")
	}
	if err := writer.WriteField("expected_total_students", strconv.Itoa(req.ExpectedTotal)); err != nil {
		return nil, errors.Wrap(err, "writing expected_total_students field")
	}
	if err := writer.WriteField("subject_code", req.SubjectCode); err != nil {
		return nil, errors.Wrap(err, "writing subject_code field")
	}
	if err := writer.Close(); err != nil {
		return nil, errors.Wrap(err, "finalizing multipart payload")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/upload", &body)
	if err != nil {
		return nil, errors.Wrap(err, "creating upload request")
	}
	httpReq.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, errors.Wrap(err, "upload request failed")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, models.MaxFileSize))
	if err != nil {
		return nil, errors.Wrap(err, "reading upload response")
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		uploadErr := parseUploadError(resp.StatusCode, respBody)
		logging.LogUpload(req.Filename, req.SubjectCode, "", "", 0, time.Since(start), false)
		return nil, uploadErr
	}

	var result models.UploadResult
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, errors.Wrap(err, "decoding upload response")
	}

	logging.LogUpload(req.Filename, req.SubjectCode, result.FileID,
		result.Summary.GradingMethod, len(result.Details), time.Since(start), true)

	return &result, nil
}

// parseUploadError extracts the error text and the found_subjects list
// from a failure body. gjson keeps this lenient: a malformed or empty
// body simply yields the generic fallback.
func parseUploadError(status int, body []byte) *UploadError {
	uploadErr := &UploadError{Status: status}

	if msg := gjson.GetBytes(body, "error"); msg.Exists() {
		uploadErr.Message = msg.String()
	}
	if subjects := gjson.GetBytes(body, "found_subjects"); subjects.IsArray() {
		for _, s := range subjects.Array() {
			uploadErr.FoundSubjects = append(uploadErr.FoundSubjects, s.String())
		}
	}

	return uploadErr
}

// GradeRanges implements Service against GET /grade-ranges/{file_id}
func (c *Client) GradeRanges(ctx context.Context, fileID string) (models.GradeRangeMap, error) {
	start := time.Now()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/grade-ranges/"+fileID, nil)
	if err != nil {
		return nil, errors.Wrap(err, "creating grade-range request")
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		logging.LogRangeLookup(fileID, 0, time.Since(start), false)
		return nil, errors.Wrap(err, "grade-range request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		logging.LogRangeLookup(fileID, 0, time.Since(start), false)
		return nil, errors.Errorf("grade-range lookup returned status %d", resp.StatusCode)
	}

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		logging.LogRangeLookup(fileID, 0, time.Since(start), false)
		return nil, errors.Wrap(err, "reading grade-range response")
	}

	// A well-formed answer without a grade_ranges field is a valid
	// "no ranges" response, not an error.
	field := gjson.GetBytes(respBody, "grade_ranges")
	if !field.Exists() || !field.IsObject() {
		logging.LogRangeLookup(fileID, 0, time.Since(start), true)
		return nil, nil
	}

	ranges := make(models.GradeRangeMap)
	for grade, markRange := range field.Map() {
		ranges[grade] = markRange.String()
	}

	logging.LogRangeLookup(fileID, len(ranges), time.Since(start), true)
	return ranges, nil
}

// Download implements Service against GET /download/{file_id}
func (c *Client) Download(ctx context.Context, fileID string) (io.ReadCloser, string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/download/"+fileID, nil)
	if err != nil {
		return nil, "", errors.Wrap(err, "creating download request")
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, "", errors.Wrap(err, "download request failed")
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
		resp.Body.Close()
		return nil, "", errors.Errorf("download returned status %d", resp.StatusCode)
	}

	filename := ""
	if disposition := resp.Header.Get("Content-Disposition"); disposition != "" {
		if _, params, err := mime.ParseMediaType(disposition); err == nil {
			filename = params["filename"]
		}
	}

	return resp.Body, filename, nil
}
