package visit

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/ehr/studyengine/internal/domain/study"
	"github.com/ehr/studyengine/internal/platform/apperror"
	"github.com/ehr/studyengine/internal/platform/db"
	"github.com/ehr/studyengine/internal/platform/metrics"
	"github.com/ehr/studyengine/internal/platform/studylock"
)

// CohortRecomputer re-derives automatic cohort assignments. Visits notify it
// after a chronological reorder of a study with advanced cohort tracking.
type CohortRecomputer interface {
	Recompute(ctx context.Context, studyID int) error
}

type StudyLookup interface {
	GetByID(ctx context.Context, id int) (*study.Study, error)
	// ChildrenSharingVisits lists the studies that read parentID's visits.
	ChildrenSharingVisits(ctx context.Context, parentID int) ([]*study.Study, error)
}

type Service struct {
	visits  Repository
	studies StudyLookup
	tx      db.TxBeginner
	locks   *studylock.Locker
	cohorts CohortRecomputer
	log     zerolog.Logger
}

func NewService(visits Repository, studies StudyLookup, tx db.TxBeginner, locks *studylock.Locker, log zerolog.Logger) *Service {
	return &Service{visits: visits, studies: studies, tx: tx, locks: locks, log: log}
}

// SetCohortRecomputer attaches the cohort engine. The engine itself reads
// visits, so it is wired after both are constructed.
func (s *Service) SetCohortRecomputer(r CohortRecomputer) {
	s.cohorts = r
}

// readable resolves the study whose visit definitions studyID uses: its
// parent when visits are shared.
func (s *Service) readable(ctx context.Context, studyID int) (*study.Study, int, error) {
	st, err := s.studies.GetByID(ctx, studyID)
	if err != nil {
		return nil, 0, err
	}
	if st.IsContinuous() {
		return nil, 0, &apperror.ConfigurationError{StudyID: studyID, Reason: "continuous studies have no visits"}
	}
	owner := studyID
	if st.SharesParentVisits() {
		owner = *st.SharedVisitsParentID
	}
	return st, owner, nil
}

func (s *Service) writable(ctx context.Context, studyID int) (*study.Study, error) {
	st, _, err := s.readable(ctx, studyID)
	if err != nil {
		return nil, err
	}
	if st.SharesParentVisits() {
		return nil, &apperror.PermissionError{
			StudyID: studyID,
			Reason:  fmt.Sprintf("visits are shared from study %d and can only be edited there", *st.SharedVisitsParentID),
		}
	}
	return st, nil
}

// mutate runs fn under the study lock inside a transaction after checking
// that the study may edit its visits.
func (s *Service) mutate(ctx context.Context, studyID int, fn func(ctx context.Context, st *study.Study) error) error {
	return s.locks.WithLock(ctx, studyID, func(ctx context.Context) error {
		return db.WithinTx(ctx, s.tx, func(ctx context.Context) error {
			st, err := s.writable(ctx, studyID)
			if err != nil {
				return err
			}
			return fn(ctx, st)
		})
	})
}

func (s *Service) ListVisits(ctx context.Context, studyID int) ([]*Visit, error) {
	_, owner, err := s.readable(ctx, studyID)
	if err != nil {
		return nil, err
	}
	visits, err := s.visits.AllVisits(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("load visits: %w", err)
	}
	SortDisplay(visits)
	return visits, nil
}

func (s *Service) ListChronological(ctx context.Context, studyID int) ([]*Visit, error) {
	_, owner, err := s.readable(ctx, studyID)
	if err != nil {
		return nil, err
	}
	visits, err := s.visits.AllVisits(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("load visits: %w", err)
	}
	SortChronological(visits)
	return visits, nil
}

// CheckVisitOverlap returns the stored visit that candidate would overlap, or
// nil when the range is free.
func (s *Service) CheckVisitOverlap(ctx context.Context, studyID int, candidate *Visit) (*Visit, error) {
	if candidate.SequenceNumMin > candidate.SequenceNumMax {
		return nil, apperror.Validation("sequence_num_min", "must not exceed sequence_num_max")
	}
	_, owner, err := s.readable(ctx, studyID)
	if err != nil {
		return nil, err
	}
	visits, err := s.visits.AllVisits(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("load visits: %w", err)
	}
	return FindOverlap(candidate, visits), nil
}

// CheckStudyVisits reports overlapping pairs already stored for a study.
func (s *Service) CheckStudyVisits(ctx context.Context, studyID int) ([]OverlapPair, error) {
	_, owner, err := s.readable(ctx, studyID)
	if err != nil {
		return nil, err
	}
	visits, err := s.visits.AllVisits(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("load visits: %w", err)
	}
	return OverlappingPairs(visits), nil
}

func (s *Service) rejectOverlap(ctx context.Context, v *Visit) error {
	visits, err := s.visits.AllVisits(ctx, v.StudyID)
	if err != nil {
		return fmt.Errorf("load visits: %w", err)
	}
	if conflict := FindOverlap(v, visits); conflict != nil {
		metrics.OverlapRejected()
		s.log.Debug().Int("study_id", v.StudyID).Str("visit", v.String()).Str("conflict", conflict.String()).
			Msg("visit range rejected")
		return apperror.Validation("sequence_num_min", "visit range %s overlaps existing visit %s", v.Range(), conflict)
	}
	return nil
}

func (s *Service) CreateVisit(ctx context.Context, studyID int, v *Visit) error {
	if err := v.Validate(); err != nil {
		return err
	}
	v.ID = 0
	v.StudyID = studyID
	return s.mutate(ctx, studyID, func(ctx context.Context, _ *study.Study) error {
		if err := s.rejectOverlap(ctx, v); err != nil {
			return err
		}
		if err := s.visits.Save(ctx, v); err != nil {
			return fmt.Errorf("save visit: %w", err)
		}
		s.log.Info().Int("study_id", studyID).Int("visit_id", v.ID).Str("range", v.Range()).Msg("visit created")
		return nil
	})
}

// UpdateVisit replaces the label, range, protocol day and cohort of a visit.
// Display and chronological positions are kept.
func (s *Service) UpdateVisit(ctx context.Context, studyID int, v *Visit) error {
	if err := v.Validate(); err != nil {
		return err
	}
	v.StudyID = studyID
	return s.mutate(ctx, studyID, func(ctx context.Context, _ *study.Study) error {
		existing, err := s.owned(ctx, studyID, v.ID)
		if err != nil {
			return err
		}
		v.DisplayOrder = existing.DisplayOrder
		v.ChronologicalOrder = existing.ChronologicalOrder
		if err := s.rejectOverlap(ctx, v); err != nil {
			return err
		}
		if err := s.visits.Save(ctx, v); err != nil {
			return fmt.Errorf("save visit: %w", err)
		}
		return nil
	})
}

func (s *Service) owned(ctx context.Context, studyID, visitID int) (*Visit, error) {
	v, err := s.visits.GetByID(ctx, visitID)
	if err != nil {
		return nil, err
	}
	if v.StudyID != studyID {
		return nil, apperror.NotFound("visit", visitID)
	}
	return v, nil
}

func (s *Service) DeleteVisit(ctx context.Context, studyID, visitID int) error {
	return s.mutate(ctx, studyID, func(ctx context.Context, _ *study.Study) error {
		if _, err := s.owned(ctx, studyID, visitID); err != nil {
			return err
		}
		if err := s.visits.Delete(ctx, visitID); err != nil {
			return fmt.Errorf("delete visit %d: %w", visitID, err)
		}
		return nil
	})
}

// BulkDeleteVisits deletes every listed visit or none of them.
func (s *Service) BulkDeleteVisits(ctx context.Context, studyID int, ids []int) (int, error) {
	if len(ids) == 0 {
		return 0, apperror.Validation("ids", "at least one visit id is required")
	}
	deleted := 0
	err := s.mutate(ctx, studyID, func(ctx context.Context, _ *study.Study) error {
		seen := make(map[int]bool, len(ids))
		for _, id := range ids {
			if seen[id] {
				continue
			}
			seen[id] = true
			if _, err := s.owned(ctx, studyID, id); err != nil {
				return err
			}
			if err := s.visits.Delete(ctx, id); err != nil {
				return fmt.Errorf("delete visit %d: %w", id, err)
			}
			deleted++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	s.log.Info().Int("study_id", studyID).Int("deleted", deleted).Msg("visits deleted")
	return deleted, nil
}

// ReorderDisplay assigns 1-indexed display positions in the order of
// orderedIDs. Visits missing from the list get position 0.
func (s *Service) ReorderDisplay(ctx context.Context, studyID int, orderedIDs []int) error {
	return s.ReorderVisits(ctx, studyID, orderedIDs, nil)
}

// ReorderChronological assigns chronological positions like ReorderDisplay
// and recomputes advanced cohorts before returning.
func (s *Service) ReorderChronological(ctx context.Context, studyID int, orderedIDs []int) error {
	return s.ReorderVisits(ctx, studyID, nil, orderedIDs)
}

// ReorderVisits applies a display order, a chronological order, or both. A
// nil slice leaves that order untouched.
func (s *Service) ReorderVisits(ctx context.Context, studyID int, display, chronological []int) error {
	if display == nil && chronological == nil {
		return apperror.Validation("", "no order given")
	}
	return s.mutate(ctx, studyID, func(ctx context.Context, st *study.Study) error {
		visits, err := s.visits.AllVisits(ctx, studyID)
		if err != nil {
			return fmt.Errorf("load visits: %w", err)
		}
		if display != nil {
			updates := displayOrders(visits, display)
			if err := s.visits.UpdateOrders(ctx, studyID, updates); err != nil {
				return fmt.Errorf("update display order: %w", err)
			}
			applyOrders(visits, updates)
		}
		if chronological != nil {
			if err := s.visits.UpdateOrders(ctx, studyID, chronologicalOrders(visits, chronological)); err != nil {
				return fmt.Errorf("update chronological order: %w", err)
			}
			return s.afterChronologyChange(ctx, st)
		}
		return nil
	})
}

// ResetOrder sets both orders of every visit to 0. Calling it twice leaves
// the same state as calling it once.
func (s *Service) ResetOrder(ctx context.Context, studyID int) error {
	return s.mutate(ctx, studyID, func(ctx context.Context, st *study.Study) error {
		visits, err := s.visits.AllVisits(ctx, studyID)
		if err != nil {
			return fmt.Errorf("load visits: %w", err)
		}
		if err := s.visits.UpdateOrders(ctx, studyID, resetOrders(visits)); err != nil {
			return fmt.Errorf("reset visit order: %w", err)
		}
		return s.afterChronologyChange(ctx, st)
	})
}

// afterChronologyChange recomputes advanced cohorts of st and of every study
// sharing its visits, inside the caller's transaction. Each recompute takes
// that study's own lock.
func (s *Service) afterChronologyChange(ctx context.Context, st *study.Study) error {
	if s.cohorts == nil {
		return nil
	}
	children, err := s.studies.ChildrenSharingVisits(ctx, st.ID)
	if err != nil {
		return fmt.Errorf("load studies sharing visits of %d: %w", st.ID, err)
	}
	for _, target := range append([]*study.Study{st}, children...) {
		if !target.AdvancedCohortsActive() {
			continue
		}
		s.log.Info().Int("study_id", target.ID).Int("visits_of", st.ID).
			Msg("chronological order changed, recomputing advanced cohorts")
		if err := s.cohorts.Recompute(ctx, target.ID); err != nil {
			return fmt.Errorf("recompute cohorts of study %d: %w", target.ID, err)
		}
	}
	return nil
}

func applyOrders(visits []*Visit, updates []OrderUpdate) {
	byID := make(map[int]OrderUpdate, len(updates))
	for _, u := range updates {
		byID[u.ID] = u
	}
	for _, v := range visits {
		if u, ok := byID[v.ID]; ok {
			v.DisplayOrder = u.DisplayOrder
			v.ChronologicalOrder = u.ChronologicalOrder
		}
	}
}
