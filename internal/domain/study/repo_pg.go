package study

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/studyengine/internal/platform/apperror"
	"github.com/ehr/studyengine/internal/platform/db"
)

type studyRepoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &studyRepoPG{pool: pool}
}

func (r *studyRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const studyCols = `id, label, timepoint_type, shared_visits_parent_id,
	assignment_mode, assignment_dataset_id, assignment_property, advanced_cohorts,
	created_at, updated_at`

func (r *studyRepoPG) scanStudy(row pgx.Row) (*Study, error) {
	var s Study
	err := row.Scan(&s.ID, &s.Label, &s.TimepointType, &s.SharedVisitsParentID,
		&s.Assignment.Mode, &s.Assignment.DatasetID, &s.Assignment.PropertyName, &s.Assignment.Advanced,
		&s.CreatedAt, &s.UpdatedAt)
	return &s, err
}

func (r *studyRepoPG) Create(ctx context.Context, s *Study) error {
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO study (label, timepoint_type, shared_visits_parent_id,
			assignment_mode, assignment_dataset_id, assignment_property, advanced_cohorts)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		RETURNING id, created_at, updated_at`,
		s.Label, s.TimepointType, s.SharedVisitsParentID,
		s.Assignment.Mode, s.Assignment.DatasetID, s.Assignment.PropertyName, s.Assignment.Advanced,
	).Scan(&s.ID, &s.CreatedAt, &s.UpdatedAt)
}

func (r *studyRepoPG) GetByID(ctx context.Context, id int) (*Study, error) {
	s, err := r.scanStudy(r.conn(ctx).QueryRow(ctx, `SELECT `+studyCols+` FROM study WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperror.NotFound("study", id)
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (r *studyRepoPG) List(ctx context.Context, limit, offset int) ([]*Study, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM study`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+studyCols+` FROM study ORDER BY id LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Study
	for rows.Next() {
		s, err := r.scanStudy(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, s)
	}
	return items, total, rows.Err()
}

// ChildrenSharingVisits returns the studies whose visits come from parentID.
func (r *studyRepoPG) ChildrenSharingVisits(ctx context.Context, parentID int) ([]*Study, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+studyCols+` FROM study WHERE shared_visits_parent_id = $1 ORDER BY id`, parentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Study
	for rows.Next() {
		s, err := r.scanStudy(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, s)
	}
	return items, rows.Err()
}

func (r *studyRepoPG) UpdateAssignment(ctx context.Context, id int, cfg AssignmentConfig) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE study SET assignment_mode=$2, assignment_dataset_id=$3,
			assignment_property=$4, advanced_cohorts=$5, updated_at=NOW()
		WHERE id = $1`,
		id, cfg.Mode, cfg.DatasetID, cfg.PropertyName, cfg.Advanced)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperror.NotFound("study", id)
	}
	return nil
}
