package study

import (
	"strings"
	"time"

	"github.com/ehr/studyengine/internal/platform/apperror"
)

// TimepointType controls how a study's data is keyed in time.
type TimepointType string

const (
	TimepointVisit      TimepointType = "visit"
	TimepointContinuous TimepointType = "continuous"
	TimepointDate       TimepointType = "date"
)

func (t TimepointType) Valid() bool {
	switch t {
	case TimepointVisit, TimepointContinuous, TimepointDate:
		return true
	}
	return false
}

type AssignmentMode string

const (
	ModeManual    AssignmentMode = "manual"
	ModeAutomatic AssignmentMode = "automatic"
)

// AssignmentConfig describes how subjects are placed into cohorts. In
// automatic mode the cohort label of each subject is read from PropertyName
// of dataset DatasetID. Advanced tracking lets a subject move between cohorts
// over the course of the study.
type AssignmentConfig struct {
	Mode         AssignmentMode `json:"mode"`
	DatasetID    int            `json:"dataset_id,omitempty"`
	PropertyName string         `json:"property_name,omitempty"`
	Advanced     bool           `json:"advanced"`
}

func (c AssignmentConfig) IsAutomatic() bool {
	return c.Mode == ModeAutomatic
}

// Tracking names the cohort tracking style, "advanced" or "simple".
func (c AssignmentConfig) Tracking() string {
	if c.Advanced {
		return "advanced"
	}
	return "simple"
}

func (c AssignmentConfig) Validate() error {
	switch c.Mode {
	case ModeManual:
		return nil
	case ModeAutomatic:
		if c.DatasetID == 0 {
			return apperror.Validation("dataset_id", "automatic assignment requires a dataset")
		}
		if strings.TrimSpace(c.PropertyName) == "" {
			return apperror.Validation("property_name", "automatic assignment requires a property")
		}
		return nil
	default:
		return apperror.Validation("mode", "unknown assignment mode %q", c.Mode)
	}
}

// Study is the unit that owns visits, cohorts and participant groups.
type Study struct {
	ID                   int              `json:"id"`
	Label                string           `json:"label"`
	TimepointType        TimepointType    `json:"timepoint_type"`
	SharedVisitsParentID *int             `json:"shared_visits_parent_id,omitempty"`
	Assignment           AssignmentConfig `json:"assignment"`
	CreatedAt            time.Time        `json:"created_at"`
	UpdatedAt            time.Time        `json:"updated_at"`
}

// IsContinuous reports whether the study has no visit intervals at all.
func (s *Study) IsContinuous() bool {
	return s.TimepointType == TimepointContinuous
}

// SharesParentVisits reports whether the study reads its visit definitions
// from a parent study and so may not edit them.
func (s *Study) SharesParentVisits() bool {
	return s.SharedVisitsParentID != nil
}

// AdvancedCohortsActive reports whether cohort membership depends on visit
// chronology.
func (s *Study) AdvancedCohortsActive() bool {
	return s.Assignment.IsAutomatic() && s.Assignment.Advanced
}
