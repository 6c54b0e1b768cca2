package visit

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/studyengine/internal/platform/apperror"
	"github.com/ehr/studyengine/internal/platform/db"
)

type visitRepoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &visitRepoPG{pool: pool}
}

func (r *visitRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const visitCols = `id, study_id, label, sequence_num_min, sequence_num_max, protocol_day,
	display_order, chronological_order, cohort_id`

func (r *visitRepoPG) scanVisit(row pgx.Row) (*Visit, error) {
	var v Visit
	err := row.Scan(&v.ID, &v.StudyID, &v.Label, &v.SequenceNumMin, &v.SequenceNumMax, &v.ProtocolDay,
		&v.DisplayOrder, &v.ChronologicalOrder, &v.CohortID)
	return &v, err
}

func (r *visitRepoPG) AllVisits(ctx context.Context, studyID int) ([]*Visit, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+visitCols+` FROM visit WHERE study_id = $1 ORDER BY sequence_num_min`, studyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Visit
	for rows.Next() {
		v, err := r.scanVisit(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, v)
	}
	return items, rows.Err()
}

func (r *visitRepoPG) GetByID(ctx context.Context, id int) (*Visit, error) {
	v, err := r.scanVisit(r.conn(ctx).QueryRow(ctx, `SELECT `+visitCols+` FROM visit WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperror.NotFound("visit", id)
	}
	if err != nil {
		return nil, err
	}
	return v, nil
}

func (r *visitRepoPG) Save(ctx context.Context, v *Visit) error {
	if v.ID == 0 {
		return r.conn(ctx).QueryRow(ctx, `
			INSERT INTO visit (study_id, label, sequence_num_min, sequence_num_max, protocol_day,
				display_order, chronological_order, cohort_id)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
			RETURNING id`,
			v.StudyID, v.Label, v.SequenceNumMin, v.SequenceNumMax, v.ProtocolDay,
			v.DisplayOrder, v.ChronologicalOrder, v.CohortID,
		).Scan(&v.ID)
	}
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE visit SET label=$2, sequence_num_min=$3, sequence_num_max=$4, protocol_day=$5,
			display_order=$6, chronological_order=$7, cohort_id=$8
		WHERE id = $1`,
		v.ID, v.Label, v.SequenceNumMin, v.SequenceNumMax, v.ProtocolDay,
		v.DisplayOrder, v.ChronologicalOrder, v.CohortID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperror.NotFound("visit", v.ID)
	}
	return nil
}

func (r *visitRepoPG) Delete(ctx context.Context, id int) error {
	_, err := r.conn(ctx).Exec(ctx, `DELETE FROM visit WHERE id = $1`, id)
	return err
}

func (r *visitRepoPG) UpdateOrders(ctx context.Context, studyID int, orders []OrderUpdate) error {
	if len(orders) == 0 {
		return nil
	}
	ids := make([]int32, len(orders))
	display := make([]int32, len(orders))
	chrono := make([]int32, len(orders))
	for i, o := range orders {
		ids[i] = int32(o.ID)
		display[i] = int32(o.DisplayOrder)
		chrono[i] = int32(o.ChronologicalOrder)
	}
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE visit v SET display_order = u.display_order, chronological_order = u.chronological_order
		FROM unnest($2::int[], $3::int[], $4::int[]) AS u(id, display_order, chronological_order)
		WHERE v.id = u.id AND v.study_id = $1`,
		studyID, ids, display, chrono)
	return err
}
