package participantgroup

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/studyengine/internal/platform/apperror"
	"github.com/ehr/studyengine/internal/platform/db"
)

type groupRepoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &groupRepoPG{pool: pool}
}

func (r *groupRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

// =========== Categories ===========

const categoryCols = `id, study_id, label, type, owner_id`

func (r *groupRepoPG) scanCategory(row pgx.Row) (*Category, error) {
	var c Category
	err := row.Scan(&c.ID, &c.StudyID, &c.Label, &c.Type, &c.OwnerID)
	return &c, err
}

func (r *groupRepoPG) CreateCategory(ctx context.Context, c *Category) error {
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO participant_category (study_id, label, type, owner_id)
		VALUES ($1,$2,$3,$4) RETURNING id`,
		c.StudyID, c.Label, c.Type, c.OwnerID).Scan(&c.ID)
}

func (r *groupRepoPG) UpdateCategory(ctx context.Context, c *Category) error {
	tag, err := r.conn(ctx).Exec(ctx,
		`UPDATE participant_category SET label=$2, type=$3, owner_id=$4 WHERE id = $1`,
		c.ID, c.Label, c.Type, c.OwnerID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperror.NotFound("participant category", c.ID)
	}
	return nil
}

func (r *groupRepoPG) GetCategory(ctx context.Context, id int) (*Category, error) {
	c, err := r.scanCategory(r.conn(ctx).QueryRow(ctx,
		`SELECT `+categoryCols+` FROM participant_category WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperror.NotFound("participant category", id)
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (r *groupRepoPG) CategoryByLabel(ctx context.Context, studyID int, label string) (*Category, error) {
	c, err := r.scanCategory(r.conn(ctx).QueryRow(ctx, `
		SELECT `+categoryCols+` FROM participant_category
		WHERE study_id = $1 AND LOWER(BTRIM(label)) = LOWER(BTRIM($2))`, studyID, label))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (r *groupRepoPG) ListCategories(ctx context.Context, studyID int) ([]*Category, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+categoryCols+` FROM participant_category WHERE study_id = $1 ORDER BY label`, studyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Category
	for rows.Next() {
		c, err := r.scanCategory(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, c)
	}
	return items, rows.Err()
}

func (r *groupRepoPG) DeleteCategory(ctx context.Context, id int) error {
	_, err := r.conn(ctx).Exec(ctx, `DELETE FROM participant_category WHERE id = $1`, id)
	return err
}

// =========== Groups ===========

const groupCols = `g.id, g.category_id, g.label, g.filters, g.live_filter`

func (r *groupRepoPG) scanGroups(rows pgx.Rows) ([]*Group, error) {
	defer rows.Close()
	var items []*Group
	for rows.Next() {
		var g Group
		if err := rows.Scan(&g.ID, &g.CategoryID, &g.Label, &g.Filters, &g.LiveFilter); err != nil {
			return nil, err
		}
		g.Participants = []string{}
		items = append(items, &g)
	}
	return items, rows.Err()
}

// attachParticipants loads participant ids for groups from one query.
func (r *groupRepoPG) attachParticipants(ctx context.Context, groups []*Group) error {
	if len(groups) == 0 {
		return nil
	}
	ids := make([]int32, len(groups))
	byID := make(map[int]*Group, len(groups))
	for i, g := range groups {
		ids[i] = int32(g.ID)
		byID[g.ID] = g
	}
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT group_id, subject_id FROM participant_group_map
		WHERE group_id = ANY($1::int[]) ORDER BY group_id, subject_id`, ids)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var gid int
		var subject string
		if err := rows.Scan(&gid, &subject); err != nil {
			return err
		}
		if g, ok := byID[gid]; ok {
			g.Participants = append(g.Participants, subject)
		}
	}
	return rows.Err()
}

func (r *groupRepoPG) GroupsByCategory(ctx context.Context, categoryID int) ([]*Group, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+groupCols+` FROM participant_group g WHERE g.category_id = $1 ORDER BY g.label`, categoryID)
	if err != nil {
		return nil, err
	}
	groups, err := r.scanGroups(rows)
	if err != nil {
		return nil, err
	}
	return groups, r.attachParticipants(ctx, groups)
}

func (r *groupRepoPG) StudyGroups(ctx context.Context, studyID int) ([]*Group, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+groupCols+` FROM participant_group g
		JOIN participant_category c ON c.id = g.category_id
		WHERE c.study_id = $1 ORDER BY g.category_id, g.label`, studyID)
	if err != nil {
		return nil, err
	}
	groups, err := r.scanGroups(rows)
	if err != nil {
		return nil, err
	}
	return groups, r.attachParticipants(ctx, groups)
}

func (r *groupRepoPG) GetGroup(ctx context.Context, id int) (*Group, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+groupCols+` FROM participant_group g WHERE g.id = $1`, id)
	if err != nil {
		return nil, err
	}
	groups, err := r.scanGroups(rows)
	if err != nil {
		return nil, err
	}
	if len(groups) == 0 {
		return nil, apperror.NotFound("participant group", id)
	}
	return groups[0], r.attachParticipants(ctx, groups)
}

// SaveGroup writes the group row and replaces its participant list.
func (r *groupRepoPG) SaveGroup(ctx context.Context, studyID int, g *Group) error {
	q := r.conn(ctx)
	if g.ID == 0 {
		if err := q.QueryRow(ctx, `
			INSERT INTO participant_group (category_id, label, filters, live_filter)
			VALUES ($1,$2,$3,$4) RETURNING id`,
			g.CategoryID, g.Label, g.Filters, g.LiveFilter).Scan(&g.ID); err != nil {
			return err
		}
	} else {
		tag, err := q.Exec(ctx, `
			UPDATE participant_group SET category_id=$2, label=$3, filters=$4, live_filter=$5
			WHERE id = $1`,
			g.ID, g.CategoryID, g.Label, g.Filters, g.LiveFilter)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return apperror.NotFound("participant group", g.ID)
		}
		if _, err := q.Exec(ctx, `DELETE FROM participant_group_map WHERE group_id = $1`, g.ID); err != nil {
			return err
		}
	}
	if len(g.Participants) == 0 {
		return nil
	}
	_, err := q.Exec(ctx, `
		INSERT INTO participant_group_map (group_id, study_id, subject_id)
		SELECT $1, $2, unnest($3::text[])`,
		g.ID, studyID, g.Participants)
	return err
}

func (r *groupRepoPG) DeleteGroup(ctx context.Context, id int) error {
	_, err := r.conn(ctx).Exec(ctx, `DELETE FROM participant_group WHERE id = $1`, id)
	return err
}
