package models

import (
	"html/template"
	"time"
)

// MessageType defines the type of message (success, error, warning)
type MessageType string

const (
	MessageSuccess MessageType = "success"
	MessageError   MessageType = "error"
	MessageWarning MessageType = "warning"
)

// Message represents a user feedback message
type Message struct {
	Type MessageType
	Text string
}

// StagedFile is a locally selected, not-yet-submitted mark sheet.
// It is replaced wholesale on re-selection, never mutated.
type StagedFile struct {
	Name    string
	Size    int64
	Content []byte
}

// SubmissionParams holds the raw auxiliary upload parameters as entered
// by the user. Validation happens at submit time.
type SubmissionParams struct {
	ExpectedTotal string
	SubjectCode   string
}

// Summary holds the statistics block of an upload response
type Summary struct {
	Count         int     `json:"count"`
	Average       float64 `json:"average"`
	Max           float64 `json:"max"`
	Min           float64 `json:"min"`
	GradingMethod string  `json:"grading_method"`
}

// StudentRecord is one graded row as returned by the grading service.
// Marks and GradePoints are nullable: students without a valid mark
// come back with null in both columns. Field spelling follows the
// service's JSON contract.
type StudentRecord struct {
	Name        string   `json:"Name"`
	Marks       *float64 `json:"Marks"`
	Grade       string   `json:"Grade"`
	GradePoints *float64 `json:"Grade_Points"`
}

// UploadResult is the full response envelope of a successful upload.
// It is committed as one unit and replaced wholesale by the next
// successful upload.
type UploadResult struct {
	FileID   string          `json:"file_id"`
	Filename string          `json:"filename"`
	Summary  Summary         `json:"summary"`
	Details  []StudentRecord `json:"details"`
}

// GradeRangeMap maps a grade label to the human-readable mark range the
// service derived for it, e.g. "A+" -> "81 - 90". Nil until the range
// lookup resolves, and kept nil when that lookup fails.
type GradeRangeMap map[string]string

// GradeCount is one chart aggregate entry
type GradeCount struct {
	Grade string
	Count int
}

// GradeRange is one row of the grade-range table in display order
type GradeRange struct {
	Grade  string
	Points int
	Range  string
}

// WorkflowPhase describes which actions the workflow currently permits
type WorkflowPhase string

const (
	PhaseIdle        WorkflowPhase = "idle"
	PhaseFileStaged  WorkflowPhase = "file_staged"
	PhaseSubmitting  WorkflowPhase = "submitting"
	PhaseResultReady WorkflowPhase = "result_ready"
)

// CanonicalGrades is the fixed grade order used for aggregation and the
// range table. The chart aggregate always has exactly this many entries.
var CanonicalGrades = []string{"O", "A+", "A", "B+", "B", "C", "U"}

// GradePointsMap carries the point value per grade label. Display
// metadata only; points are assigned by the grading service.
var GradePointsMap = map[string]int{
	"O": 10, "A+": 9, "A": 8, "B+": 7, "B": 6, "C": 5, "U": 0,
}

// ChartRow is one rendered bar of the distribution chart
type ChartRow struct {
	Grade   string
	Count   int
	Percent int
}

// PageData holds all data needed to render the HTML template
type PageData struct {
	Phase       WorkflowPhase
	Staged      *StagedFile
	Params      SubmissionParams
	Message     *Message
	Busy        bool
	Result      *UploadResult
	MethodLabel string
	Chart       []ChartRow
	Ranges      []GradeRange
	HasRanges   bool
	SessionID   string
	CSRFField   template.HTML
}

// Constants for security and workflow limits
const (
	MaxFileSize     = 16 << 20 // 16MB, matches the grading service's cap
	MaxNameLength   = 200
	SessionTimeout  = 24 * 60 * 60 // 24 hours in seconds
	RateLimit       = 10           // requests per minute
	RateBurst       = 20           // burst capacity
	NotificationTTL = 4 * time.Second
)
