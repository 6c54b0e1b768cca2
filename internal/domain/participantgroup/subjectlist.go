package participantgroup

import (
	"context"
	"strings"

	"github.com/ehr/studyengine/internal/platform/apperror"
	"github.com/ehr/studyengine/internal/platform/grouplist"
)

// SubjectListQuery identifies an ordered subject list as seen in a dataset
// view: the selectors act as the cohort/group filter and the QC state is part
// of the view's identity.
type SubjectListQuery struct {
	DatasetID int            `json:"dataset_id"`
	ViewName  string         `json:"view_name"`
	QCState   string         `json:"qc_state"`
	Selectors []SelectorSpec `json:"selectors"`
}

// CacheKey parses the selectors and builds the list's cache key within
// studyID.
func (q SubjectListQuery) CacheKey(studyID int) (string, []Selector, error) {
	if q.DatasetID <= 0 {
		return "", nil, apperror.Validation("dataset_id", "is required")
	}
	selectors, err := ParseSelectors(q.Selectors)
	if err != nil {
		return "", nil, apperror.Validation("selectors", "%s", err.Error())
	}
	key := grouplist.Key(studyID, q.DatasetID, strings.TrimSpace(q.ViewName), FilterKey(selectors), q.QCState)
	return key, selectors, nil
}

// GetOrComputeSubjectList returns the cached list for q, resolving and
// caching it on a miss.
func (s *Service) GetOrComputeSubjectList(ctx context.Context, cache *grouplist.GroupListCache, studyID int, q SubjectListQuery) ([]string, string, error) {
	key, selectors, err := q.CacheKey(studyID)
	if err != nil {
		return nil, "", err
	}
	subjects, err := cache.GetOrCompute(ctx, key, func(ctx context.Context) ([]string, error) {
		return s.ResolveSubjects(ctx, studyID, selectors)
	})
	if err != nil {
		return nil, "", err
	}
	return subjects, key, nil
}
