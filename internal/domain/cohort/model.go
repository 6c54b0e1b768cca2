package cohort

import (
	"strings"

	"github.com/ehr/studyengine/internal/platform/apperror"
)

// Cohort is a named arm of a study. Derived cohorts were created by
// automatic assignment from a dataset label.
type Cohort struct {
	ID           int    `json:"id"`
	StudyID      int    `json:"study_id"`
	Label        string `json:"label"`
	Enrolled     bool   `json:"enrolled"`
	SubjectCount *int   `json:"subject_count,omitempty"`
	Derived      bool   `json:"derived"`
}

func (c *Cohort) Validate() error {
	c.Label = strings.TrimSpace(c.Label)
	if c.Label == "" {
		return apperror.Validation("label", "is required")
	}
	return nil
}

// VisitValue is one subject's cohort label at one sequence number.
type VisitValue struct {
	Subject     string  `json:"subject"`
	SequenceNum float64 `json:"sequence_num"`
	Label       string  `json:"label"`
}

// SubjectCohort is the assignment of one subject. Nil ids mean no cohort.
type SubjectCohort struct {
	Subject         string `json:"subject"`
	CurrentCohortID *int   `json:"current_cohort_id"`
	InitialCohortID *int   `json:"initial_cohort_id"`
}

func labelKey(label string) string {
	return strings.ToLower(strings.TrimSpace(label))
}

func cohortRef(id int) *int {
	if id == 0 {
		return nil
	}
	return &id
}
