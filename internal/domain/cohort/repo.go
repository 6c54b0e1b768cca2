package cohort

import (
	"context"

	"github.com/ehr/studyengine/internal/domain/participantgroup"
	"github.com/ehr/studyengine/internal/domain/study"
	"github.com/ehr/studyengine/internal/domain/visit"
)

type Repository interface {
	Create(ctx context.Context, c *Cohort) error
	Update(ctx context.Context, c *Cohort) error
	GetByID(ctx context.Context, id int) (*Cohort, error)
	// ByLabel matches case-insensitively after trimming and returns nil, nil
	// when the study has no such cohort.
	ByLabel(ctx context.Context, studyID int, label string) (*Cohort, error)
	List(ctx context.Context, studyID int) ([]*Cohort, error)
	Delete(ctx context.Context, id int) error
	// InUse reports whether a subject or a visit references the cohort.
	InUse(ctx context.Context, id int) (bool, error)
	Members(ctx context.Context, cohortID int) ([]string, error)
	UpdateSubjectCounts(ctx context.Context, studyID int, counts map[int]int) error
}

// SubjectStore reads and writes per-subject cohort assignments.
type SubjectStore interface {
	participantgroup.SubjectSource
	Assignments(ctx context.Context, studyID int) ([]SubjectCohort, error)
	// SetAssignments overwrites the listed subjects only, adding subjects
	// the study does not know yet.
	SetAssignments(ctx context.Context, studyID int, assignments []SubjectCohort) error
	ClearAll(ctx context.Context, studyID int) error
}

// DatasetColumnReader reads the column that drives automatic assignment.
type DatasetColumnReader interface {
	// ReadColumn returns one label per subject.
	ReadColumn(ctx context.Context, datasetID int, property string) (map[string]string, error)
	// ReadVisitColumn returns every value of the column, one per subject
	// visit.
	ReadVisitColumn(ctx context.Context, datasetID int, property string) ([]VisitValue, error)
}

type StudyStore interface {
	GetByID(ctx context.Context, id int) (*study.Study, error)
	UpdateAssignment(ctx context.Context, id int, cfg study.AssignmentConfig) error
}

type VisitSource interface {
	AllVisits(ctx context.Context, studyID int) ([]*visit.Visit, error)
}
