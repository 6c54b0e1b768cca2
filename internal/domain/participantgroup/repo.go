package participantgroup

import "context"

type Repository interface {
	CreateCategory(ctx context.Context, c *Category) error
	UpdateCategory(ctx context.Context, c *Category) error
	GetCategory(ctx context.Context, id int) (*Category, error)
	// CategoryByLabel returns nil, nil when the study has no such category.
	CategoryByLabel(ctx context.Context, studyID int, label string) (*Category, error)
	ListCategories(ctx context.Context, studyID int) ([]*Category, error)
	DeleteCategory(ctx context.Context, id int) error

	GroupsByCategory(ctx context.Context, categoryID int) ([]*Group, error)
	// StudyGroups returns every group of the study with its participants.
	StudyGroups(ctx context.Context, studyID int) ([]*Group, error)
	GetGroup(ctx context.Context, id int) (*Group, error)
	SaveGroup(ctx context.Context, studyID int, g *Group) error
	DeleteGroup(ctx context.Context, id int) error
}

// SubjectSource supplies the study's subjects and current cohort membership.
type SubjectSource interface {
	AllSubjects(ctx context.Context, studyID int) (Set, error)
	CohortMembers(ctx context.Context, studyID int) (map[int]Set, error)
}
