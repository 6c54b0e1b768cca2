package visit

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ehr/studyengine/internal/platform/apperror"
)

// Visit is a named range of sequence numbers within a study. Ranges of one
// study never overlap.
type Visit struct {
	ID                 int      `json:"id"`
	StudyID            int      `json:"study_id"`
	Label              string   `json:"label"`
	SequenceNumMin     float64  `json:"sequence_num_min"`
	SequenceNumMax     float64  `json:"sequence_num_max"`
	ProtocolDay        *float64 `json:"protocol_day,omitempty"`
	DisplayOrder       int      `json:"display_order"`
	ChronologicalOrder int      `json:"chronological_order"`
	CohortID           *int     `json:"cohort_id,omitempty"`
}

// Contains reports whether seq falls inside the visit's closed range.
func (v *Visit) Contains(seq float64) bool {
	return v.SequenceNumMin <= seq && seq <= v.SequenceNumMax
}

// Range renders the sequence range as "min" or "min-max".
func (v *Visit) Range() string {
	lo := strconv.FormatFloat(v.SequenceNumMin, 'f', -1, 64)
	if v.SequenceNumMin == v.SequenceNumMax {
		return lo
	}
	return lo + "-" + strconv.FormatFloat(v.SequenceNumMax, 'f', -1, 64)
}

func (v *Visit) String() string {
	return fmt.Sprintf("%s (%s)", v.Label, v.Range())
}

// Validate checks the fields that do not depend on other visits.
func (v *Visit) Validate() error {
	v.Label = strings.TrimSpace(v.Label)
	if v.Label == "" {
		return apperror.Validation("label", "is required")
	}
	if v.SequenceNumMin > v.SequenceNumMax {
		return apperror.Validation("sequence_num_min", "must not exceed sequence_num_max (%s > %s)",
			strconv.FormatFloat(v.SequenceNumMin, 'f', -1, 64),
			strconv.FormatFloat(v.SequenceNumMax, 'f', -1, 64))
	}
	return nil
}

// OrderUpdate carries the new display and chronological positions of a visit.
type OrderUpdate struct {
	ID                 int
	DisplayOrder       int
	ChronologicalOrder int
}

// OverlapPair names two stored visits whose ranges overlap.
type OverlapPair struct {
	First  *Visit `json:"first"`
	Second *Visit `json:"second"`
}
