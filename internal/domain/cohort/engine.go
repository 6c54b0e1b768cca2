package cohort

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/studyengine/internal/domain/participantgroup"
	"github.com/ehr/studyengine/internal/domain/study"
	"github.com/ehr/studyengine/internal/domain/visit"
	"github.com/ehr/studyengine/internal/platform/apperror"
	"github.com/ehr/studyengine/internal/platform/db"
	"github.com/ehr/studyengine/internal/platform/metrics"
	"github.com/ehr/studyengine/internal/platform/studylock"
)

// Engine owns cohorts and the assignment of subjects to them. Every
// transition runs under the study lock in a single transaction.
type Engine struct {
	cohorts  Repository
	subjects SubjectStore
	columns  DatasetColumnReader
	studies  StudyStore
	visits   VisitSource
	tx       db.TxBeginner
	locks    *studylock.Locker
	log      zerolog.Logger
}

func NewEngine(cohorts Repository, subjects SubjectStore, columns DatasetColumnReader, studies StudyStore,
	visits VisitSource, tx db.TxBeginner, locks *studylock.Locker, log zerolog.Logger) *Engine {
	return &Engine{
		cohorts:  cohorts,
		subjects: subjects,
		columns:  columns,
		studies:  studies,
		visits:   visits,
		tx:       tx,
		locks:    locks,
		log:      log,
	}
}

func (e *Engine) mutate(ctx context.Context, studyID int, fn func(ctx context.Context) error) error {
	return e.locks.WithLock(ctx, studyID, func(ctx context.Context) error {
		return db.WithinTx(ctx, e.tx, fn)
	})
}

// =========== Assignment Mode ===========

// SetAssignmentMode stores cfg for the study. Moving from manual into
// advanced automatic tracking first clears every assignment. Toggling
// advanced tracking always recomputes, as does updateNow in automatic mode.
func (e *Engine) SetAssignmentMode(ctx context.Context, studyID int, cfg study.AssignmentConfig, updateNow bool) error {
	cfg.PropertyName = strings.TrimSpace(cfg.PropertyName)
	if cfg.Mode == "" {
		cfg.Mode = study.ModeManual
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	return e.mutate(ctx, studyID, func(ctx context.Context) error {
		st, err := e.studies.GetByID(ctx, studyID)
		if err != nil {
			return err
		}
		prev := st.Assignment

		if !prev.IsAutomatic() && cfg.IsAutomatic() && cfg.Advanced {
			if err := e.subjects.ClearAll(ctx, studyID); err != nil {
				return fmt.Errorf("clear assignments: %w", err)
			}
			e.log.Info().Int("study_id", studyID).Msg("manual assignments cleared for advanced tracking")
		}
		if prev.Advanced != cfg.Advanced {
			updateNow = true
		}

		if err := e.studies.UpdateAssignment(ctx, studyID, cfg); err != nil {
			return fmt.Errorf("save assignment mode: %w", err)
		}
		st.Assignment = cfg

		if cfg.IsAutomatic() && updateNow {
			if err := e.recompute(ctx, st); err != nil {
				return err
			}
		} else if err := e.refreshCounts(ctx, studyID); err != nil {
			return err
		}

		if prev.Mode != cfg.Mode || prev.Advanced != cfg.Advanced {
			metrics.ModeSwitched(string(cfg.Mode))
		}
		e.log.Info().Int("study_id", studyID).Str("mode", string(cfg.Mode)).Str("tracking", cfg.Tracking()).
			Str("previous_mode", string(prev.Mode)).Bool("recomputed", cfg.IsAutomatic() && updateNow).
			Msg("cohort assignment mode set")
		return nil
	})
}

// =========== Manual Assignment ===========

// UpdateManualAssignments sets subjects[i] to cohortIDs[i] for every i. A
// cohort id of 0 removes the subject from its cohort. Subjects not listed
// keep their assignment.
func (e *Engine) UpdateManualAssignments(ctx context.Context, studyID int, subjects []string, cohortIDs []int) error {
	if len(subjects) != len(cohortIDs) {
		return apperror.Validation("", "subjects and cohorts differ in length")
	}
	assignments := make([]SubjectCohort, 0, len(subjects))
	index := make(map[string]int, len(subjects))
	for i, s := range subjects {
		s = strings.TrimSpace(s)
		if s == "" {
			return apperror.Validation("subjects", "subject id %d is blank", i)
		}
		a := SubjectCohort{Subject: s, CurrentCohortID: cohortRef(cohortIDs[i]), InitialCohortID: cohortRef(cohortIDs[i])}
		if at, ok := index[s]; ok {
			assignments[at] = a
			continue
		}
		index[s] = len(assignments)
		assignments = append(assignments, a)
	}

	return e.mutate(ctx, studyID, func(ctx context.Context) error {
		st, err := e.studies.GetByID(ctx, studyID)
		if err != nil {
			return err
		}
		if st.Assignment.IsAutomatic() {
			return apperror.Precondition("study", studyID, "cohorts are assigned automatically")
		}
		cohorts, err := e.cohorts.List(ctx, studyID)
		if err != nil {
			return fmt.Errorf("load cohorts: %w", err)
		}
		known := make(map[int]bool, len(cohorts))
		for _, c := range cohorts {
			known[c.ID] = true
		}
		for _, a := range assignments {
			if a.CurrentCohortID != nil && !known[*a.CurrentCohortID] {
				return apperror.Validation("cohort_ids", "cohort %d does not belong to study %d", *a.CurrentCohortID, studyID)
			}
		}
		if err := e.subjects.SetAssignments(ctx, studyID, assignments); err != nil {
			return fmt.Errorf("save assignments: %w", err)
		}
		e.log.Info().Int("study_id", studyID).Int("subjects", len(assignments)).Msg("manual cohort assignments updated")
		return e.refreshCounts(ctx, studyID)
	})
}

// UpdateManualAssignmentMap is UpdateManualAssignments for a subject to
// cohort map.
func (e *Engine) UpdateManualAssignmentMap(ctx context.Context, studyID int, assignments map[string]int) error {
	subjects := make([]string, 0, len(assignments))
	for s := range assignments {
		subjects = append(subjects, s)
	}
	sort.Strings(subjects)
	cohortIDs := make([]int, len(subjects))
	for i, s := range subjects {
		cohortIDs[i] = assignments[s]
	}
	return e.UpdateManualAssignments(ctx, studyID, subjects, cohortIDs)
}

// ClearAll removes every subject of the study from its current and initial
// cohort.
func (e *Engine) ClearAll(ctx context.Context, studyID int) error {
	return e.mutate(ctx, studyID, func(ctx context.Context) error {
		if _, err := e.studies.GetByID(ctx, studyID); err != nil {
			return err
		}
		if err := e.subjects.ClearAll(ctx, studyID); err != nil {
			return fmt.Errorf("clear assignments: %w", err)
		}
		e.log.Info().Int("study_id", studyID).Msg("cohort assignments cleared")
		return e.refreshCounts(ctx, studyID)
	})
}

func (e *Engine) Assignments(ctx context.Context, studyID int) ([]SubjectCohort, error) {
	if _, err := e.studies.GetByID(ctx, studyID); err != nil {
		return nil, err
	}
	return e.subjects.Assignments(ctx, studyID)
}

// =========== Automatic Assignment ===========

// Recompute re-derives every assignment of an automatic study from its
// dataset column. Called inside a transaction it joins it.
func (e *Engine) Recompute(ctx context.Context, studyID int) error {
	return e.mutate(ctx, studyID, func(ctx context.Context) error {
		st, err := e.studies.GetByID(ctx, studyID)
		if err != nil {
			return err
		}
		if !st.Assignment.IsAutomatic() {
			return apperror.Precondition("study", studyID, "cohorts are assigned manually")
		}
		return e.recompute(ctx, st)
	})
}

func (e *Engine) recompute(ctx context.Context, st *study.Study) (err error) {
	cfg := st.Assignment
	started := time.Now()
	defer func() { metrics.ObserveRecompute(cfg.Tracking(), started, err) }()

	labels, err := e.labelIndex(ctx, st.ID)
	if err != nil {
		return err
	}
	all, err := e.subjects.AllSubjects(ctx, st.ID)
	if err != nil {
		return fmt.Errorf("load subjects: %w", err)
	}

	var assignments []SubjectCohort
	if cfg.Advanced {
		values, err := e.columns.ReadVisitColumn(ctx, cfg.DatasetID, cfg.PropertyName)
		if err != nil {
			return fmt.Errorf("read dataset %d column %q: %w", cfg.DatasetID, cfg.PropertyName, err)
		}
		timeline, err := e.timeline(ctx, st)
		if err != nil {
			return err
		}
		assignments, err = deriveAdvanced(all, values, timeline, labels.cohortFor(ctx))
		if err != nil {
			return err
		}
	} else {
		values, err := e.columns.ReadColumn(ctx, cfg.DatasetID, cfg.PropertyName)
		if err != nil {
			return fmt.Errorf("read dataset %d column %q: %w", cfg.DatasetID, cfg.PropertyName, err)
		}
		assignments, err = deriveSimple(all, values, labels.cohortFor(ctx))
		if err != nil {
			return err
		}
	}

	if err := e.subjects.SetAssignments(ctx, st.ID, assignments); err != nil {
		return fmt.Errorf("save assignments: %w", err)
	}
	if err := e.refreshCounts(ctx, st.ID); err != nil {
		return err
	}

	assigned := 0
	for _, a := range assignments {
		if a.CurrentCohortID != nil {
			assigned++
		}
	}
	e.log.Info().Int("study_id", st.ID).Str("tracking", cfg.Tracking()).
		Int("subjects", len(assignments)).Int("assigned", assigned).Int("cohorts_created", labels.created).
		Dur("duration", time.Since(started)).Msg("cohorts recomputed")
	return nil
}

// timeline orders the visits the study uses, its parent's when shared.
func (e *Engine) timeline(ctx context.Context, st *study.Study) (*visit.Timeline, error) {
	owner := st.ID
	if st.SharesParentVisits() {
		owner = *st.SharedVisitsParentID
	}
	visits, err := e.visits.AllVisits(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("load visits: %w", err)
	}
	return visit.NewTimeline(visits), nil
}

type labelIndex struct {
	e       *Engine
	studyID int
	byLabel map[string]int
	created int
}

func (e *Engine) labelIndex(ctx context.Context, studyID int) (*labelIndex, error) {
	cohorts, err := e.cohorts.List(ctx, studyID)
	if err != nil {
		return nil, fmt.Errorf("load cohorts: %w", err)
	}
	idx := &labelIndex{e: e, studyID: studyID, byLabel: make(map[string]int, len(cohorts))}
	for _, c := range cohorts {
		idx.byLabel[labelKey(c.Label)] = c.ID
	}
	return idx, nil
}

func (idx *labelIndex) cohortFor(ctx context.Context) cohortForLabel {
	return func(label string) (int, error) {
		if id, ok := idx.byLabel[labelKey(label)]; ok {
			return id, nil
		}
		c := &Cohort{StudyID: idx.studyID, Label: label, Enrolled: true, Derived: true}
		if err := idx.e.cohorts.Create(ctx, c); err != nil {
			return 0, fmt.Errorf("create cohort %q: %w", label, err)
		}
		idx.byLabel[labelKey(label)] = c.ID
		idx.created++
		return c.ID, nil
	}
}

// refreshCounts stores the size of every cohort of the study.
func (e *Engine) refreshCounts(ctx context.Context, studyID int) error {
	all, err := e.subjects.AllSubjects(ctx, studyID)
	if err != nil {
		return fmt.Errorf("load subjects: %w", err)
	}
	members, err := e.subjects.CohortMembers(ctx, studyID)
	if err != nil {
		return fmt.Errorf("load cohort members: %w", err)
	}
	m := participantgroup.Membership{AllSubjects: all, CohortMembers: members}
	counts := make(map[int]int, len(members))
	for id := range members {
		subjects, err := participantgroup.Resolve(m, []participantgroup.Selector{participantgroup.CohortSelector{ID: id}})
		if err != nil {
			return err
		}
		counts[id] = len(subjects)
	}
	if err := e.cohorts.UpdateSubjectCounts(ctx, studyID, counts); err != nil {
		return fmt.Errorf("update subject counts: %w", err)
	}
	return nil
}

// =========== Cohorts ===========

func (e *Engine) ListCohorts(ctx context.Context, studyID int) ([]*Cohort, error) {
	return e.cohorts.List(ctx, studyID)
}

func (e *Engine) owned(ctx context.Context, studyID, id int) (*Cohort, error) {
	c, err := e.cohorts.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.StudyID != studyID {
		return nil, apperror.NotFound("cohort", id)
	}
	return c, nil
}

func (e *Engine) GetCohort(ctx context.Context, studyID, id int) (*Cohort, error) {
	return e.owned(ctx, studyID, id)
}

// Members lists the subjects currently in the cohort.
func (e *Engine) Members(ctx context.Context, studyID, id int) ([]string, error) {
	if _, err := e.owned(ctx, studyID, id); err != nil {
		return nil, err
	}
	return e.cohorts.Members(ctx, id)
}

func (e *Engine) checkLabel(ctx context.Context, c *Cohort) error {
	existing, err := e.cohorts.ByLabel(ctx, c.StudyID, c.Label)
	if err != nil {
		return err
	}
	if existing != nil && existing.ID != c.ID {
		return apperror.Conflict("cohort", c.Label)
	}
	return nil
}

func (e *Engine) CreateCohort(ctx context.Context, studyID int, c *Cohort) error {
	if err := c.Validate(); err != nil {
		return err
	}
	c.ID = 0
	c.StudyID = studyID
	c.Derived = false
	c.SubjectCount = nil
	return e.mutate(ctx, studyID, func(ctx context.Context) error {
		if err := e.checkLabel(ctx, c); err != nil {
			return err
		}
		if err := e.cohorts.Create(ctx, c); err != nil {
			return fmt.Errorf("create cohort: %w", err)
		}
		e.log.Info().Int("study_id", studyID).Int("cohort_id", c.ID).Str("label", c.Label).Msg("cohort created")
		return nil
	})
}

// UpdateCohort changes the label and enrollment of a cohort. A label taken by
// another cohort of the study leaves the cohort unchanged.
func (e *Engine) UpdateCohort(ctx context.Context, studyID int, c *Cohort) error {
	if err := c.Validate(); err != nil {
		return err
	}
	c.StudyID = studyID
	return e.mutate(ctx, studyID, func(ctx context.Context) error {
		existing, err := e.owned(ctx, studyID, c.ID)
		if err != nil {
			return err
		}
		if err := e.checkLabel(ctx, c); err != nil {
			return err
		}
		c.Derived = existing.Derived
		c.SubjectCount = existing.SubjectCount
		return e.cohorts.Update(ctx, c)
	})
}

func (e *Engine) RenameCohort(ctx context.Context, studyID, id int, label string) (*Cohort, error) {
	var renamed *Cohort
	err := e.mutate(ctx, studyID, func(ctx context.Context) error {
		c, err := e.owned(ctx, studyID, id)
		if err != nil {
			return err
		}
		c.Label = label
		if err := e.UpdateCohort(ctx, studyID, c); err != nil {
			return err
		}
		renamed = c
		return nil
	})
	return renamed, err
}

// DeleteCohort deletes a cohort no subject or visit refers to.
func (e *Engine) DeleteCohort(ctx context.Context, studyID, id int) error {
	return e.mutate(ctx, studyID, func(ctx context.Context) error {
		if _, err := e.owned(ctx, studyID, id); err != nil {
			return err
		}
		inUse, err := e.cohorts.InUse(ctx, id)
		if err != nil {
			return err
		}
		if inUse {
			return apperror.Precondition("cohort", id, "cohort is in use")
		}
		return e.cohorts.Delete(ctx, id)
	})
}

// DeleteUnusedCohorts deletes every cohort of the study that is not in use
// and returns how many were deleted.
func (e *Engine) DeleteUnusedCohorts(ctx context.Context, studyID int) (int, error) {
	deleted := 0
	err := e.mutate(ctx, studyID, func(ctx context.Context) error {
		cohorts, err := e.cohorts.List(ctx, studyID)
		if err != nil {
			return err
		}
		for _, c := range cohorts {
			inUse, err := e.cohorts.InUse(ctx, c.ID)
			if err != nil {
				return err
			}
			if inUse {
				continue
			}
			if err := e.cohorts.Delete(ctx, c.ID); err != nil {
				return fmt.Errorf("delete cohort %d: %w", c.ID, err)
			}
			deleted++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	e.log.Info().Int("study_id", studyID).Int("deleted", deleted).Msg("unused cohorts deleted")
	return deleted, nil
}
