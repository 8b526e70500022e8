package results

import (
	"github.com/payback159/gradeview/pkg/logging"
	"github.com/payback159/gradeview/pkg/models"
)

// Aggregate folds the per-student detail rows into the chart aggregate:
// one entry per canonical grade, in canonical order, zero counts
// included. Grade labels outside the canonical set are dropped from the
// aggregate (they still appear in the detail table untouched).
func Aggregate(details []models.StudentRecord) []models.GradeCount {
	counts := make(map[string]int, len(models.CanonicalGrades))
	for _, grade := range models.CanonicalGrades {
		counts[grade] = 0
	}

	dropped := 0
	for _, record := range details {
		if _, known := counts[record.Grade]; !known {
			dropped++
			continue
		}
		counts[record.Grade]++
	}

	if dropped > 0 {
		logging.LogWarn("Unrecognized grade labels excluded from distribution",
			"dropped_records", dropped,
			"total_records", len(details))
	}

	aggregate := make([]models.GradeCount, 0, len(models.CanonicalGrades))
	for _, grade := range models.CanonicalGrades {
		aggregate = append(aggregate, models.GradeCount{Grade: grade, Count: counts[grade]})
	}
	return aggregate
}

// OrderedRanges turns the service's grade range map into table rows in
// canonical grade order, annotated with the grade point metadata.
// Grades the service reported no range for are skipped. A nil map
// yields no rows, which the page renders as "ranges unavailable".
func OrderedRanges(ranges models.GradeRangeMap) []models.GradeRange {
	if len(ranges) == 0 {
		return nil
	}

	rows := make([]models.GradeRange, 0, len(models.CanonicalGrades))
	for _, grade := range models.CanonicalGrades {
		markRange, ok := ranges[grade]
		if !ok {
			continue
		}
		rows = append(rows, models.GradeRange{
			Grade:  grade,
			Points: models.GradePointsMap[grade],
			Range:  markRange,
		})
	}
	return rows
}

// MethodLabel renders the service's grading method identifier for
// display. Unknown identifiers pass through unchanged.
func MethodLabel(method string) string {
	switch method {
	case "fixed_grading":
		return "Fixed Grading (absolute cutoffs)"
	case "relative_grading":
		return "Relative Grading (bell curve)"
	default:
		return method
	}
}
