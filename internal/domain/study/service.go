package study

import (
	"context"
	"strings"

	"github.com/rs/zerolog"

	"github.com/ehr/studyengine/internal/platform/apperror"
)

type Service struct {
	studies Repository
	log     zerolog.Logger
}

func NewService(studies Repository, log zerolog.Logger) *Service {
	return &Service{studies: studies, log: log}
}

func (s *Service) CreateStudy(ctx context.Context, st *Study) error {
	st.Label = strings.TrimSpace(st.Label)
	if st.Label == "" {
		return apperror.Validation("label", "is required")
	}
	if st.TimepointType == "" {
		st.TimepointType = TimepointVisit
	}
	if !st.TimepointType.Valid() {
		return apperror.Validation("timepoint_type", "invalid timepoint type %q", st.TimepointType)
	}
	if st.Assignment.Mode == "" {
		st.Assignment.Mode = ModeManual
	}
	if err := st.Assignment.Validate(); err != nil {
		return err
	}
	if st.SharedVisitsParentID != nil {
		parent, err := s.studies.GetByID(ctx, *st.SharedVisitsParentID)
		if err != nil {
			return err
		}
		if parent.SharesParentVisits() {
			return apperror.Validation("shared_visits_parent_id", "study %d itself shares visits from another study", parent.ID)
		}
		st.TimepointType = parent.TimepointType
	}
	if err := s.studies.Create(ctx, st); err != nil {
		return err
	}
	s.log.Info().Int("study_id", st.ID).Str("timepoint_type", string(st.TimepointType)).Msg("study created")
	return nil
}

func (s *Service) GetStudy(ctx context.Context, id int) (*Study, error) {
	return s.studies.GetByID(ctx, id)
}

func (s *Service) ListStudies(ctx context.Context, limit, offset int) ([]*Study, int, error) {
	return s.studies.List(ctx, limit, offset)
}
