package cohort

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/studyengine/internal/domain/participantgroup"
	"github.com/ehr/studyengine/internal/platform/apperror"
	"github.com/ehr/studyengine/internal/platform/db"
)

// =========== Cohort Repository ===========

type cohortRepoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &cohortRepoPG{pool: pool}
}

func (r *cohortRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const cohortCols = `id, study_id, label, enrolled, subject_count, derived`

func (r *cohortRepoPG) scanCohort(row pgx.Row) (*Cohort, error) {
	var c Cohort
	err := row.Scan(&c.ID, &c.StudyID, &c.Label, &c.Enrolled, &c.SubjectCount, &c.Derived)
	return &c, err
}

func (r *cohortRepoPG) Create(ctx context.Context, c *Cohort) error {
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO cohort (study_id, label, enrolled, subject_count, derived)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`,
		c.StudyID, c.Label, c.Enrolled, c.SubjectCount, c.Derived,
	).Scan(&c.ID)
}

func (r *cohortRepoPG) Update(ctx context.Context, c *Cohort) error {
	tag, err := r.conn(ctx).Exec(ctx,
		`UPDATE cohort SET label = $2, enrolled = $3 WHERE id = $1`,
		c.ID, c.Label, c.Enrolled)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperror.NotFound("cohort", c.ID)
	}
	return nil
}

func (r *cohortRepoPG) GetByID(ctx context.Context, id int) (*Cohort, error) {
	c, err := r.scanCohort(r.conn(ctx).QueryRow(ctx, `SELECT `+cohortCols+` FROM cohort WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperror.NotFound("cohort", id)
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (r *cohortRepoPG) ByLabel(ctx context.Context, studyID int, label string) (*Cohort, error) {
	c, err := r.scanCohort(r.conn(ctx).QueryRow(ctx,
		`SELECT `+cohortCols+` FROM cohort WHERE study_id = $1 AND LOWER(BTRIM(label)) = LOWER(BTRIM($2))`,
		studyID, label))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (r *cohortRepoPG) List(ctx context.Context, studyID int) ([]*Cohort, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+cohortCols+` FROM cohort WHERE study_id = $1 ORDER BY id`, studyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Cohort
	for rows.Next() {
		c, err := r.scanCohort(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, c)
	}
	return items, rows.Err()
}

func (r *cohortRepoPG) Delete(ctx context.Context, id int) error {
	_, err := r.conn(ctx).Exec(ctx, `DELETE FROM cohort WHERE id = $1`, id)
	return err
}

func (r *cohortRepoPG) InUse(ctx context.Context, id int) (bool, error) {
	var inUse bool
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM participant WHERE current_cohort_id = $1 OR initial_cohort_id = $1)
		    OR EXISTS (SELECT 1 FROM visit WHERE cohort_id = $1)`, id).Scan(&inUse)
	return inUse, err
}

func (r *cohortRepoPG) Members(ctx context.Context, cohortID int) ([]string, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT subject_id FROM participant WHERE current_cohort_id = $1 ORDER BY subject_id`, cohortID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var subjects []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		subjects = append(subjects, s)
	}
	return subjects, rows.Err()
}

func (r *cohortRepoPG) UpdateSubjectCounts(ctx context.Context, studyID int, counts map[int]int) error {
	if len(counts) == 0 {
		return nil
	}
	ids := make([]int32, 0, len(counts))
	values := make([]int32, 0, len(counts))
	for id, n := range counts {
		ids = append(ids, int32(id))
		values = append(values, int32(n))
	}
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE cohort c SET subject_count = u.subject_count
		FROM unnest($2::int[], $3::int[]) AS u(id, subject_count)
		WHERE c.id = u.id AND c.study_id = $1`,
		studyID, ids, values)
	return err
}

// =========== Subject Store ===========

type subjectStorePG struct{ pool *pgxpool.Pool }

// NewSubjectStorePG also serves as the participantgroup.SubjectSource.
func NewSubjectStorePG(pool *pgxpool.Pool) SubjectStore {
	return &subjectStorePG{pool: pool}
}

func (r *subjectStorePG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

func (r *subjectStorePG) AllSubjects(ctx context.Context, studyID int) (participantgroup.Set, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT subject_id FROM participant WHERE study_id = $1`, studyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	all := make(participantgroup.Set)
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		all[s] = struct{}{}
	}
	return all, rows.Err()
}

func (r *subjectStorePG) CohortMembers(ctx context.Context, studyID int) (map[int]participantgroup.Set, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT c.id, p.subject_id
		FROM cohort c LEFT JOIN participant p ON p.current_cohort_id = c.id AND p.study_id = c.study_id
		WHERE c.study_id = $1`, studyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	members := make(map[int]participantgroup.Set)
	for rows.Next() {
		var id int
		var subject *string
		if err := rows.Scan(&id, &subject); err != nil {
			return nil, err
		}
		set, ok := members[id]
		if !ok {
			set = make(participantgroup.Set)
			members[id] = set
		}
		if subject != nil {
			set[*subject] = struct{}{}
		}
	}
	return members, rows.Err()
}

func (r *subjectStorePG) Assignments(ctx context.Context, studyID int) ([]SubjectCohort, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT subject_id, current_cohort_id, initial_cohort_id
		FROM participant WHERE study_id = $1 ORDER BY subject_id`, studyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []SubjectCohort
	for rows.Next() {
		var a SubjectCohort
		if err := rows.Scan(&a.Subject, &a.CurrentCohortID, &a.InitialCohortID); err != nil {
			return nil, err
		}
		items = append(items, a)
	}
	return items, rows.Err()
}

func nullableIDs(refs []*int) []*int32 {
	out := make([]*int32, len(refs))
	for i, ref := range refs {
		if ref != nil {
			v := int32(*ref)
			out[i] = &v
		}
	}
	return out
}

func (r *subjectStorePG) SetAssignments(ctx context.Context, studyID int, assignments []SubjectCohort) error {
	if len(assignments) == 0 {
		return nil
	}
	subjects := make([]string, len(assignments))
	current := make([]*int, len(assignments))
	initial := make([]*int, len(assignments))
	for i, a := range assignments {
		subjects[i] = a.Subject
		current[i] = a.CurrentCohortID
		initial[i] = a.InitialCohortID
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO participant (study_id, subject_id, current_cohort_id, initial_cohort_id)
		SELECT $1, u.subject_id, u.current_cohort_id, u.initial_cohort_id
		FROM unnest($2::text[], $3::int[], $4::int[]) AS u(subject_id, current_cohort_id, initial_cohort_id)
		ON CONFLICT (study_id, subject_id) DO UPDATE
		SET current_cohort_id = EXCLUDED.current_cohort_id,
		    initial_cohort_id = EXCLUDED.initial_cohort_id`,
		studyID, subjects, nullableIDs(current), nullableIDs(initial))
	return err
}

func (r *subjectStorePG) ClearAll(ctx context.Context, studyID int) error {
	_, err := r.conn(ctx).Exec(ctx,
		`UPDATE participant SET current_cohort_id = NULL, initial_cohort_id = NULL WHERE study_id = $1`, studyID)
	return err
}

// =========== Dataset Column Reader ===========

type datasetReaderPG struct{ pool *pgxpool.Pool }

func NewDatasetReaderPG(pool *pgxpool.Pool) DatasetColumnReader {
	return &datasetReaderPG{pool: pool}
}

func (r *datasetReaderPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

// ReadColumn takes the value at the lowest sequence number of each subject.
func (r *datasetReaderPG) ReadColumn(ctx context.Context, datasetID int, property string) (map[string]string, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT DISTINCT ON (subject_id) subject_id, COALESCE(value, '')
		FROM study_dataset_value
		WHERE dataset_id = $1 AND LOWER(property_name) = LOWER($2)
		ORDER BY subject_id, sequence_num`, datasetID, property)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	values := make(map[string]string)
	for rows.Next() {
		var subject, value string
		if err := rows.Scan(&subject, &value); err != nil {
			return nil, err
		}
		values[subject] = value
	}
	return values, rows.Err()
}

func (r *datasetReaderPG) ReadVisitColumn(ctx context.Context, datasetID int, property string) ([]VisitValue, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT subject_id, sequence_num, COALESCE(value, '')
		FROM study_dataset_value
		WHERE dataset_id = $1 AND LOWER(property_name) = LOWER($2)
		ORDER BY subject_id, sequence_num`, datasetID, property)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var values []VisitValue
	for rows.Next() {
		var v VisitValue
		if err := rows.Scan(&v.Subject, &v.SequenceNum, &v.Label); err != nil {
			return nil, err
		}
		values = append(values, v)
	}
	return values, rows.Err()
}
